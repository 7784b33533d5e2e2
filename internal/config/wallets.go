package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"custodial-ledger-go/internal/apperror"
	"custodial-ledger-go/internal/models"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v2"
)

type transceiverYAML struct {
	Kind    string            `yaml:"kind"`
	Options map[string]string `yaml:"options"`
}

type primaryWalletYAML struct {
	Blockchain          string          `yaml:"blockchain"`
	Name                string          `yaml:"name"`
	Address             string          `yaml:"address"`
	Asset               string          `yaml:"asset"`
	LowBalanceThreshold string          `yaml:"low_balance_threshold"`
	Transceiver         transceiverYAML `yaml:"transceiver"`
}

type distributionYAML struct {
	MerchantPercentages map[string]string `yaml:"merchant_percentages"`
}

// WalletsFile is the layout of wallets.yaml
type WalletsFile struct {
	PrimaryWallets []primaryWalletYAML `yaml:"primary_wallets"`
	Distribution   distributionYAML    `yaml:"distribution"`
}

// LoadWallets reads the primary wallets and distribution overrides from a YAML file.
// Relative paths are resolved against the working directory.
func LoadWallets(walletsFile string) ([]models.PrimaryWallet, models.DistributionConfig, error) {
	var walletsPath string
	if filepath.IsAbs(walletsFile) {
		walletsPath = walletsFile
	} else {
		wd, err := os.Getwd()
		if err != nil {
			return nil, models.DistributionConfig{}, fmt.Errorf("failed to get working directory: %w", err)
		}
		walletsPath = filepath.Join(wd, walletsFile)
	}

	data, err := os.ReadFile(walletsPath)
	if err != nil {
		return nil, models.DistributionConfig{}, apperror.ConfigurationError(fmt.Sprintf("unable to read %s", walletsFile), err)
	}
	return ParseWallets(data)
}

// ParseWallets validates and converts a wallets.yaml document
func ParseWallets(data []byte) ([]models.PrimaryWallet, models.DistributionConfig, error) {
	var file WalletsFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, models.DistributionConfig{}, apperror.ConfigurationError("unable to parse wallets file", err)
	}
	if len(file.PrimaryWallets) == 0 {
		return nil, models.DistributionConfig{}, apperror.ConfigurationError("no primary wallets configured", nil)
	}

	seen := make(map[string]bool, len(file.PrimaryWallets))
	wallets := make([]models.PrimaryWallet, 0, len(file.PrimaryWallets))
	for i, w := range file.PrimaryWallets {
		if w.Name == "" {
			return nil, models.DistributionConfig{}, apperror.ConfigurationError(fmt.Sprintf("primary wallet at index %d missing name", i), nil)
		}
		if w.Blockchain == "" {
			return nil, models.DistributionConfig{}, apperror.ConfigurationError(fmt.Sprintf("primary wallet %s missing blockchain", w.Name), nil)
		}
		if w.Transceiver.Kind == "" {
			return nil, models.DistributionConfig{}, apperror.ConfigurationError(fmt.Sprintf("primary wallet %s missing transceiver kind", w.Name), nil)
		}
		if seen[w.Name] {
			return nil, models.DistributionConfig{}, apperror.ConfigurationError(fmt.Sprintf("duplicate primary wallet name %s", w.Name), nil)
		}
		seen[w.Name] = true

		threshold := decimal.Zero
		if w.LowBalanceThreshold != "" {
			var err error
			threshold, err = decimal.NewFromString(w.LowBalanceThreshold)
			if err != nil || threshold.IsNegative() {
				return nil, models.DistributionConfig{}, apperror.ConfigurationError(
					fmt.Sprintf("primary wallet %s has invalid low_balance_threshold %q", w.Name, w.LowBalanceThreshold), err)
			}
		}

		asset := strings.ToUpper(w.Asset)
		wallets = append(wallets, models.PrimaryWallet{
			Blockchain:          w.Blockchain,
			Name:                w.Name,
			Address:             w.Address,
			Asset:               asset,
			LowBalanceThreshold: threshold,
			Transceiver: models.TransceiverConfig{
				Kind:    w.Transceiver.Kind,
				Options: w.Transceiver.Options,
			},
		})
	}

	dist := models.DistributionConfig{}
	if len(file.Distribution.MerchantPercentages) > 0 {
		dist.MerchantPercentages = make(map[string]decimal.Decimal, len(file.Distribution.MerchantPercentages))
		for walletId, raw := range file.Distribution.MerchantPercentages {
			pct, err := decimal.NewFromString(raw)
			if err != nil || pct.IsNegative() || pct.GreaterThan(decimal.NewFromInt(100)) {
				return nil, models.DistributionConfig{}, apperror.ConfigurationError(
					fmt.Sprintf("merchant percentage for %s must be between 0 and 100, got %q", walletId, raw), err)
			}
			dist.MerchantPercentages[walletId] = pct
		}
	}
	return wallets, dist, nil
}
