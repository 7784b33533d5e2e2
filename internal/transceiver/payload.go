package transceiver

import (
	"encoding/json"
	"fmt"

	"custodial-ledger-go/internal/models"

	"github.com/shopspring/decimal"
)

// PayloadBuilder constructs the raw payload handed to the broadcasting caller
type PayloadBuilder interface {
	BuildPayload(tx *models.PendingTransaction, from models.PrimaryWallet) ([]byte, error)
}

// Intent is the chain-neutral transfer description carried as a raw payload. Backends
// that sign locally turn it into a chain transaction at broadcast time.
type Intent struct {
	TransactionId string          `json:"transaction_id"`
	Blockchain    string          `json:"blockchain"`
	Asset         string          `json:"asset,omitempty"`
	From          string          `json:"from"`
	To            string          `json:"to"`
	Amount        decimal.Decimal `json:"amount"`
	Fee           decimal.Decimal `json:"fee"`
}

type IntentBuilder struct{}

func (IntentBuilder) BuildPayload(tx *models.PendingTransaction, from models.PrimaryWallet) ([]byte, error) {
	if tx.ToAddress == "" {
		return nil, fmt.Errorf("destination address is required")
	}
	return json.Marshal(Intent{
		TransactionId: tx.Id,
		Blockchain:    from.Blockchain,
		Asset:         from.Asset,
		From:          from.Address,
		To:            tx.ToAddress,
		Amount:        tx.Amount,
		Fee:           tx.Fee,
	})
}

func DecodeIntent(raw []byte) (*Intent, error) {
	var in Intent
	if err := json.Unmarshal(raw, &in); err != nil {
		return nil, fmt.Errorf("invalid transfer intent: %w", err)
	}
	return &in, nil
}
