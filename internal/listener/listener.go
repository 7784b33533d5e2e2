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

package listener

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"custodial-ledger-go/internal/ledger"
	"custodial-ledger-go/internal/models"
	"custodial-ledger-go/internal/transceiver"

	"go.uber.org/zap"
)

var ErrAlreadyRunning = errors.New("broadcast listener already running")

// BroadcastListenerConfig contains configuration for BroadcastListener
type BroadcastListenerConfig struct {
	Ledger          *ledger.Ledger
	Transceivers    map[string]transceiver.Transceiver
	LookbackWindow  time.Duration
	PollingInterval time.Duration
	CleanupInterval time.Duration
	CallTimeout     time.Duration
	// Quiet disables the console progress lines
	Quiet bool
}

// BroadcastListener is the caller side of the transaction lifecycle: it broadcasts pending
// transactions through their primary wallet's transceiver and reports the outcome back.
type BroadcastListener struct {
	ledger       *ledger.Ledger
	transceivers map[string]transceiver.Transceiver

	lookbackWindow  time.Duration
	pollingInterval time.Duration
	cleanupInterval time.Duration
	callTimeout     time.Duration
	quiet           bool

	runMu    sync.Mutex
	running  bool
	stopChan chan struct{}
	doneChan chan struct{}
}

func NewBroadcastListener(cfg BroadcastListenerConfig) *BroadcastListener {
	l := &BroadcastListener{
		ledger:          cfg.Ledger,
		transceivers:    cfg.Transceivers,
		lookbackWindow:  cfg.LookbackWindow,
		pollingInterval: cfg.PollingInterval,
		cleanupInterval: cfg.CleanupInterval,
		callTimeout:     cfg.CallTimeout,
		quiet:           cfg.Quiet,
	}
	if l.pollingInterval <= 0 {
		l.pollingInterval = 30 * time.Second
	}
	if l.cleanupInterval <= 0 {
		l.cleanupInterval = 5 * time.Minute
	}
	if l.lookbackWindow <= 0 {
		l.lookbackWindow = 6 * time.Hour
	}
	if l.callTimeout <= 0 {
		l.callTimeout = 10 * time.Second
	}
	return l
}

// Start runs an initial poll and then the polling and refund loops in the background
func (b *BroadcastListener) Start(ctx context.Context) error {
	b.runMu.Lock()
	defer b.runMu.Unlock()
	if b.running {
		return ErrAlreadyRunning
	}

	zap.L().Info("Starting broadcast listener")

	// Refunds owed from before a restart are settled first
	if n, err := b.ledger.ProcessDueRefunds(ctx); err != nil {
		zap.L().Error("Startup refund recovery failed", zap.Error(err))
	} else if n > 0 {
		zap.L().Info("Recovered due refunds", zap.Int("count", n))
	}

	b.stopChan = make(chan struct{})
	b.doneChan = make(chan struct{})
	b.running = true

	var wg sync.WaitGroup
	wg.Add(2)
	go func() { defer wg.Done(); b.pollLoop(ctx) }()
	go func() { defer wg.Done(); b.cleanupLoop(ctx) }()
	go func(done chan struct{}) { wg.Wait(); close(done) }(b.doneChan)

	zap.L().Info("Broadcast listener started successfully",
		zap.Duration("polling_interval", b.pollingInterval),
		zap.Duration("cleanup_interval", b.cleanupInterval),
		zap.Duration("lookback_window", b.lookbackWindow))
	return nil
}

// Stop gracefully stops the listener; it is safe to call more than once
func (b *BroadcastListener) Stop() {
	b.runMu.Lock()
	defer b.runMu.Unlock()
	if !b.running {
		return
	}

	zap.L().Info("Stopping broadcast listener")
	close(b.stopChan)
	<-b.doneChan
	b.running = false
	zap.L().Info("Broadcast listener stopped")
}

func (b *BroadcastListener) pollLoop(ctx context.Context) {
	ticker := time.NewTicker(b.pollingInterval)
	defer ticker.Stop()

	b.runPoll(ctx)

	for {
		select {
		case <-ticker.C:
			b.runPoll(ctx)
		case <-b.stopChan:
			return
		case <-ctx.Done():
			return
		}
	}
}

func (b *BroadcastListener) cleanupLoop(ctx context.Context) {
	ticker := time.NewTicker(b.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if n, err := b.ledger.ProcessDueRefunds(ctx); err != nil {
				zap.L().Error("Refund sweep failed", zap.Error(err))
			} else if n > 0 {
				zap.L().Info("Refund sweep completed", zap.Int("refunded", n))
			}
		case <-b.stopChan:
			return
		case <-ctx.Done():
			return
		}
	}
}

func (b *BroadcastListener) runPoll(ctx context.Context) {
	summary, err := b.Poll(ctx)
	if err != nil {
		zap.L().Error("Broadcast poll failed", zap.Error(err))
		return
	}
	if summary.Total() > 0 {
		zap.L().Info("Broadcast poll completed",
			zap.Int("broadcast", summary.Broadcast),
			zap.Int("rejected", summary.Rejected),
			zap.Int("confirmed", summary.Confirmed),
			zap.Int("failed", summary.Failed),
			zap.Int("deferred", summary.Deferred))
	}
}

// ANSI color helpers for console output.
const (
	colorReset  = "\033[0m"
	colorRed    = "\033[31m"
	colorGreen  = "\033[32m"
	colorYellow = "\033[33m"
	colorCyan   = "\033[36m"
)

func (b *BroadcastListener) printf(color, format string, args ...interface{}) {
	if b.quiet {
		return
	}
	fmt.Printf(color+format+colorReset+"\n", args...)
}

func shortId(id string) string {
	if len(id) > 12 {
		return id[:12] + "..."
	}
	return id
}

func txLabel(tx models.PendingTransaction) string {
	return fmt.Sprintf("%s %s -> %s", shortId(tx.Id), tx.Amount.String(), tx.ToAddress)
}
