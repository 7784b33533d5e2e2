/**
 * Copyright 2025-present Coinbase Global, Inc.
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *  http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"custodial-ledger-go/internal/common"
	"custodial-ledger-go/internal/config"

	"go.uber.org/zap"
)

func main() {
	noListener := flag.Bool("no-listener", false, "Do not broadcast pending transactions (an external caller reports results)")
	flag.Parse()

	// Configuration errors are logged at info level before LOG_LEVEL is known
	_, bootCleanup := common.InitializeLogger("info")
	cfg, err := config.Load()
	if err != nil {
		zap.L().Fatal("Failed to load configuration", zap.Error(err))
	}
	bootCleanup()

	_, loggerCleanup := common.InitializeLogger(cfg.LogLevel)
	defer loggerCleanup()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	zap.L().Info("Starting custodial ledger daemon")

	services, err := common.InitializeServices(ctx, cfg)
	if err != nil {
		zap.L().Fatal("Failed to initialize services", zap.Error(err))
	}
	defer services.Close()

	if err := services.API.HealthCheck(ctx); err != nil {
		zap.L().Fatal("Store is not healthy", zap.Error(err))
	}

	if err := services.Engine.Start(ctx); err != nil {
		zap.L().Fatal("Failed to start reconciliation", zap.Error(err))
	}

	if *noListener {
		zap.L().Info("Broadcast listener disabled")
	} else if err := services.Listener.Start(ctx); err != nil {
		zap.L().Fatal("Failed to start broadcast listener", zap.Error(err))
	}

	zap.L().Info("Ledger daemon running", zap.Int("primary_wallets", len(services.Ledger.Primaries())))
	zap.L().Info("Press Ctrl+C to stop")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	zap.L().Info("Shutdown signal received, stopping...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	done := make(chan struct{})
	go func() {
		services.Listener.Stop()
		services.Engine.Stop()
		services.Ledger.Close()
		close(done)
	}()

	select {
	case <-done:
		zap.L().Info("Stopped gracefully")
	case <-shutdownCtx.Done():
		zap.L().Warn("Forced shutdown after timeout")
	}
}
