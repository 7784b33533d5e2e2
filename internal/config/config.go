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

package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"custodial-ledger-go/internal/apperror"
	"custodial-ledger-go/internal/models"

	"github.com/shopspring/decimal"
)

const (
	BackendSQLite = "sqlite"
	BackendRedis  = "redis"
	BackendMemory = "memory"
)

func Load() (*models.Config, error) {
	lookbackWindow, err := getEnvDuration("LISTENER_LOOKBACK_WINDOW", 6*time.Hour)
	if err != nil {
		return nil, err
	}

	pollingInterval, err := getEnvDuration("LISTENER_POLLING_INTERVAL", 30*time.Second)
	if err != nil {
		return nil, err
	}

	cleanupInterval, err := getEnvDuration("LISTENER_CLEANUP_INTERVAL", 5*time.Minute)
	if err != nil {
		return nil, err
	}

	callTimeout, err := getEnvDuration("LISTENER_CALL_TIMEOUT", 10*time.Second)
	if err != nil {
		return nil, err
	}

	connMaxLifetime, err := getEnvDuration("DB_CONN_MAX_LIFETIME", 5*time.Minute)
	if err != nil {
		return nil, err
	}

	connMaxIdleTime, err := getEnvDuration("DB_CONN_MAX_IDLE_TIME", 30*time.Second)
	if err != nil {
		return nil, err
	}

	pingTimeout, err := getEnvDuration("DB_PING_TIMEOUT", 5*time.Second)
	if err != nil {
		return nil, err
	}

	strategy, err := models.ParseStrategy(getEnvString("RECONCILE_STRATEGY", string(models.StrategyBoth)))
	if err != nil {
		return nil, apperror.ConfigurationError(err.Error(), nil)
	}

	frequencyMs, err := getEnvInt64("RECONCILE_FREQUENCY_MS", 60_000)
	if err != nil {
		return nil, err
	}

	threshold, err := getEnvDecimal("RECONCILE_WARNING_THRESHOLD", decimal.Zero)
	if err != nil {
		return nil, err
	}

	reconcileTimeout, err := getEnvDuration("RECONCILE_TIMEOUT", 10*time.Second)
	if err != nil {
		return nil, err
	}

	cfg := &models.Config{
		Store: models.StoreConfig{
			Backend: getEnvString("STORE_BACKEND", BackendSQLite),
			Database: models.DatabaseConfig{
				Path:            getEnvString("DATABASE_PATH", "ledger.db"),
				MaxOpenConns:    getEnvInt("DB_MAX_OPEN_CONNS", 25),
				MaxIdleConns:    getEnvInt("DB_MAX_IDLE_CONNS", 5),
				ConnMaxLifetime: connMaxLifetime,
				ConnMaxIdleTime: connMaxIdleTime,
				PingTimeout:     pingTimeout,
			},
			Redis: models.RedisConfig{
				URL:       getEnvString("REDIS_URL", ""),
				KeyPrefix: getEnvString("REDIS_KEY_PREFIX", "ledger:"),
			},
		},
		Reconciliation: models.ReconciliationConfig{
			Strategy:         strategy,
			Frequency:        time.Duration(frequencyMs) * time.Millisecond,
			WarningThreshold: threshold,
			StrictMode:       getEnvBool("RECONCILE_STRICT_MODE", false),
			Timeout:          reconcileTimeout,
		},
		BaseWallet: models.BaseWalletConfig{
			NamePrefix:             getEnvString("BASE_WALLET_PREFIX", ""),
			CreateOnInitialization: getEnvBool("BASE_WALLET_CREATE_ON_INIT", true),
		},
		Listener: models.ListenerConfig{
			LookbackWindow:  lookbackWindow,
			PollingInterval: pollingInterval,
			CleanupInterval: cleanupInterval,
			CallTimeout:     callTimeout,
		},
		Formance: models.FormanceConfig{
			Enabled:      getEnvBool("FORMANCE_ENABLED", false),
			ServerURL:    getEnvString("FORMANCE_SERVER_URL", ""),
			ClientID:     getEnvString("FORMANCE_CLIENT_ID", ""),
			ClientSecret: getEnvString("FORMANCE_CLIENT_SECRET", ""),
			LedgerName:   getEnvString("FORMANCE_LEDGER", ""),
		},
		Prime: models.PrimeConfig{
			AccessKey:  getEnvString("PRIME_ACCESS_KEY", ""),
			Passphrase: getEnvString("PRIME_PASSPHRASE", ""),
			SigningKey: getEnvString("PRIME_SIGNING_KEY", ""),
		},
		WalletsFile: getEnvString("WALLETS_FILE", "wallets.yaml"),
		LogLevel:    getEnvString("LOG_LEVEL", "info"),
	}

	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects settings the services cannot start with
func Validate(cfg *models.Config) error {
	switch cfg.Store.Backend {
	case BackendSQLite:
		if cfg.Store.Database.Path == "" {
			return apperror.ConfigurationError("DATABASE_PATH is required for the sqlite backend", nil)
		}
	case BackendRedis:
		if cfg.Store.Redis.URL == "" {
			return apperror.ConfigurationError("REDIS_URL is required for the redis backend", nil)
		}
	case BackendMemory:
	default:
		return apperror.ConfigurationError(fmt.Sprintf("unknown store backend %q", cfg.Store.Backend), nil)
	}

	r := cfg.Reconciliation
	if _, err := models.ParseStrategy(string(r.Strategy)); err != nil {
		return apperror.ConfigurationError(err.Error(), nil)
	}
	if r.Strategy.Scheduled() && r.Frequency <= 0 {
		return apperror.ConfigurationError(fmt.Sprintf("reconciliation frequency must be positive, got %s", r.Frequency), nil)
	}
	if r.WarningThreshold.IsNegative() {
		return apperror.ConfigurationError(fmt.Sprintf("warning threshold must not be negative, got %s", r.WarningThreshold), nil)
	}
	if r.Timeout <= 0 {
		return apperror.ConfigurationError("reconciliation timeout must be positive", nil)
	}

	if cfg.Formance.Enabled && (cfg.Formance.ServerURL == "" || cfg.Formance.ClientID == "" || cfg.Formance.ClientSecret == "") {
		return apperror.ConfigurationError("FORMANCE_SERVER_URL, FORMANCE_CLIENT_ID and FORMANCE_CLIENT_SECRET are required when FORMANCE_ENABLED is set", nil)
	}
	return nil
}

func getEnvString(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) (time.Duration, error) {
	if value := os.Getenv(key); value != "" {
		duration, err := time.ParseDuration(value)
		if err != nil {
			return 0, apperror.ConfigurationError(fmt.Sprintf("invalid duration for %s: %q", key, value), err)
		}
		return duration, nil
	}
	return defaultValue, nil
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvInt64(key string, defaultValue int64) (int64, error) {
	if value := os.Getenv(key); value != "" {
		n, err := strconv.ParseInt(value, 10, 64)
		if err != nil {
			return 0, apperror.ConfigurationError(fmt.Sprintf("invalid integer for %s: %q", key, value), err)
		}
		return n, nil
	}
	return defaultValue, nil
}

func getEnvDecimal(key string, defaultValue decimal.Decimal) (decimal.Decimal, error) {
	if value := os.Getenv(key); value != "" {
		d, err := decimal.NewFromString(value)
		if err != nil {
			return decimal.Zero, apperror.ConfigurationError(fmt.Sprintf("invalid decimal for %s: %q", key, value), err)
		}
		return d, nil
	}
	return defaultValue, nil
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolValue, err := strconv.ParseBool(value); err == nil {
			return boolValue
		}
	}
	return defaultValue
}
