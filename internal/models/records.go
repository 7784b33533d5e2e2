package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// TransferRecord is the immutable audit entry of an internal transfer
type TransferRecord struct {
	Id                string          `json:"id"`
	PrimaryWalletName string          `json:"primary_wallet_name"`
	FromWalletId      string          `json:"from_wallet_id"`
	ToWalletId        string          `json:"to_wallet_id"`
	Amount            decimal.Decimal `json:"amount"`
	Memo              string          `json:"memo,omitempty"`
	CreatedAt         time.Time       `json:"created_at"`
}

// WithdrawalRecord is the immutable audit entry of a withdrawal request
type WithdrawalRecord struct {
	Id                   string          `json:"id"`
	PrimaryWalletName    string          `json:"primary_wallet_name"`
	WalletId             string          `json:"wallet_id"`
	ToAddress            string          `json:"to_address"`
	Amount               decimal.Decimal `json:"amount"`
	Fee                  decimal.Decimal `json:"fee"`
	PendingTransactionId string          `json:"pending_transaction_id"`
	Memo                 string          `json:"memo,omitempty"`
	CreatedAt            time.Time       `json:"created_at"`
}

// DistributionLine is the computed share of one distribution destination
type DistributionLine struct {
	DestinationWalletId string           `json:"destination_wallet_id"`
	Percentage          *decimal.Decimal `json:"percentage,omitempty"`
	FixedAmount         *decimal.Decimal `json:"fixed_amount,omitempty"`
	OverrideApplied     bool             `json:"override_applied,omitempty"`
	Computed            decimal.Decimal  `json:"computed"`
	Clamp               string           `json:"clamp,omitempty"` // "min", "max" or empty
	Amount              decimal.Decimal  `json:"amount"`
}

// DistributionRecord is the immutable audit entry of a multi-party split
type DistributionRecord struct {
	Id                string             `json:"id"`
	PrimaryWalletName string             `json:"primary_wallet_name"`
	SourceWalletId    string             `json:"source_wallet_id"`
	Amount            decimal.Decimal    `json:"amount"`
	Lines             []DistributionLine `json:"lines"`
	ResidualWalletId  string             `json:"residual_wallet_id"`
	ResidualAmount    decimal.Decimal    `json:"residual_amount"`
	Memo              string             `json:"memo,omitempty"`
	CreatedAt         time.Time          `json:"created_at"`
}

// DepositRecord is the immutable audit entry of an observed external deposit
type DepositRecord struct {
	Id                string          `json:"id"`
	PrimaryWalletName string          `json:"primary_wallet_name"`
	WalletId          string          `json:"wallet_id"`
	Amount            decimal.Decimal `json:"amount"`
	ExternalRef       string          `json:"external_ref"`
	Memo              string          `json:"memo,omitempty"`
	CreatedAt         time.Time       `json:"created_at"`
}

// RefundRecord credits back a withdrawal whose transaction failed
type RefundRecord struct {
	Id                   string          `json:"id"`
	PrimaryWalletName    string          `json:"primary_wallet_name"`
	WalletId             string          `json:"wallet_id"`
	PendingTransactionId string          `json:"pending_transaction_id"`
	Amount               decimal.Decimal `json:"amount"`
	CreatedAt            time.Time       `json:"created_at"`
}

// AdjustmentRecord is the audit entry of a discrepancy resolution
type AdjustmentRecord struct {
	Id                string          `json:"id"`
	PrimaryWalletName string          `json:"primary_wallet_name"`
	DiscrepancyId     string          `json:"discrepancy_id"`
	BaseWalletId      string          `json:"base_wallet_id"`
	Amount            decimal.Decimal `json:"amount"`
	BalanceBefore     decimal.Decimal `json:"balance_before"`
	BalanceAfter      decimal.Decimal `json:"balance_after"`
	Resolution        string          `json:"resolution"`
	CreatedAt         time.Time       `json:"created_at"`
}
