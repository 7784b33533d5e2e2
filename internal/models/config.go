package models

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Config represents the application configuration
type Config struct {
	Store          StoreConfig
	Reconciliation ReconciliationConfig
	BaseWallet     BaseWalletConfig
	Listener       ListenerConfig
	Formance       FormanceConfig
	Prime          PrimeConfig
	WalletsFile    string
	LogLevel       string
}

// StoreConfig selects the Ledger Store backend
type StoreConfig struct {
	Backend  string // sqlite, redis or memory
	Database DatabaseConfig
	Redis    RedisConfig
}

// DatabaseConfig holds database connection settings
type DatabaseConfig struct {
	Path            string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
	PingTimeout     time.Duration
}

// RedisConfig holds redis connection settings
type RedisConfig struct {
	URL       string
	KeyPrefix string
}

// ReconciliationStrategy selects when reconciliation runs
type ReconciliationStrategy string

const (
	StrategyAfterTransaction ReconciliationStrategy = "afterTransaction"
	StrategyScheduled        ReconciliationStrategy = "scheduled"
	StrategyBoth             ReconciliationStrategy = "both"
)

func ParseStrategy(s string) (ReconciliationStrategy, error) {
	switch ReconciliationStrategy(s) {
	case StrategyAfterTransaction, StrategyScheduled, StrategyBoth:
		return ReconciliationStrategy(s), nil
	}
	return "", fmt.Errorf("unknown reconciliation strategy %q", s)
}

func (s ReconciliationStrategy) AfterTransaction() bool {
	return s == StrategyAfterTransaction || s == StrategyBoth
}

func (s ReconciliationStrategy) Scheduled() bool {
	return s == StrategyScheduled || s == StrategyBoth
}

// ReconciliationConfig holds reconciliation engine settings
type ReconciliationConfig struct {
	Strategy         ReconciliationStrategy
	Frequency        time.Duration
	WarningThreshold decimal.Decimal
	StrictMode       bool
	Timeout          time.Duration
}

// BaseWalletConfig holds base wallet naming settings
type BaseWalletConfig struct {
	NamePrefix             string
	CreateOnInitialization bool
}

// ListenerConfig holds broadcast listener settings
type ListenerConfig struct {
	LookbackWindow  time.Duration
	PollingInterval time.Duration
	CleanupInterval time.Duration
	CallTimeout     time.Duration
}

// FormanceConfig holds the optional journal mirror settings
type FormanceConfig struct {
	Enabled      bool
	ServerURL    string
	ClientID     string
	ClientSecret string
	LedgerName   string
}

// PrimeConfig holds Coinbase Prime credentials for prime-backed primary wallets
type PrimeConfig struct {
	AccessKey  string
	Passphrase string
	SigningKey string
}

// Configured reports whether any Prime credential was supplied
func (c PrimeConfig) Configured() bool {
	return c.AccessKey != "" || c.Passphrase != "" || c.SigningKey != ""
}

// DistributionConfig carries merchant-specific percentage overrides keyed by destination wallet id
type DistributionConfig struct {
	MerchantPercentages map[string]decimal.Decimal
}

// Percentage returns the override for a destination, if any
func (c DistributionConfig) Percentage(walletId string) (decimal.Decimal, bool) {
	if c.MerchantPercentages == nil {
		return decimal.Zero, false
	}
	p, ok := c.MerchantPercentages[walletId]
	return p, ok
}
