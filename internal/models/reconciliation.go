package models

import (
	"time"

	"github.com/shopspring/decimal"
)

type Severity string

const (
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Discrepancy is a recorded mismatch between the ledger and the on-chain balance
type Discrepancy struct {
	Id                  string          `json:"id"`
	Blockchain          string          `json:"blockchain"`
	PrimaryWalletName   string          `json:"primary_wallet_name"`
	ExpectedBalance     decimal.Decimal `json:"expected_balance"`
	ActualBalance       decimal.Decimal `json:"actual_balance"`
	Difference          decimal.Decimal `json:"difference"`
	PreviousBaseBalance decimal.Decimal `json:"previous_base_balance"`
	ComputedBaseBalance decimal.Decimal `json:"computed_base_balance"`
	Severity            Severity        `json:"severity"`
	TriggeredBy         string          `json:"triggered_by,omitempty"`
	DetectedAt          time.Time       `json:"detected_at"`
	Resolved            bool            `json:"resolved"`
	Resolution          string          `json:"resolution,omitempty"`
	AdjustmentAmount    decimal.Decimal `json:"adjustment_amount"`
	ResolvedAt          *time.Time      `json:"resolved_at,omitempty"`
}

// ReconciliationSnapshot is the outcome of the last successful reconciliation of a primary wallet
type ReconciliationSnapshot struct {
	PrimaryWalletName string          `json:"primary_wallet_name"`
	Blockchain        string          `json:"blockchain"`
	OnChainBalance    decimal.Decimal `json:"on_chain_balance"`
	StandardSum       decimal.Decimal `json:"standard_sum"`
	InFlight          decimal.Decimal `json:"in_flight"`
	BaseBalance       decimal.Decimal `json:"base_balance"`
	ReconciledAt      time.Time       `json:"reconciled_at"`
}
