package transceiver

import (
	"context"
	"fmt"
	"sync"
	"time"

	"custodial-ledger-go/internal/models"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Static is an in-process transceiver with a settable balance. Broadcasts are accepted
// and recorded as pending history entries until Settle marks them.
type Static struct {
	mu         sync.Mutex
	balance    decimal.Decimal
	err        error
	delay      time.Duration
	reject     string
	history    []ChainTransaction
	broadcasts []BroadcastMetadata
}

func NewStatic(balance decimal.Decimal) *Static {
	return &Static{balance: balance}
}

// NewStaticFromConfig reads the optional "balance" option
func NewStaticFromConfig(_ context.Context, wallet models.PrimaryWallet) (Transceiver, error) {
	balance := decimal.Zero
	if v, ok := wallet.Transceiver.Options["balance"]; ok {
		b, err := decimal.NewFromString(v)
		if err != nil {
			return nil, fmt.Errorf("invalid static balance %q: %w", v, err)
		}
		balance = b
	}
	return NewStatic(balance), nil
}

func (s *Static) SetBalance(b decimal.Decimal) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.balance = b
}

// SetError makes every call fail with err until cleared with nil
func (s *Static) SetError(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.err = err
}

// SetDelay makes every call block for d or until its context ends
func (s *Static) SetDelay(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.delay = d
}

// RejectBroadcasts makes broadcasts return Accepted=false with reason; empty accepts again
func (s *Static) RejectBroadcasts(reason string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reject = reason
}

func (s *Static) Broadcasts() []BroadcastMetadata {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]BroadcastMetadata, len(s.broadcasts))
	copy(out, s.broadcasts)
	return out
}

// Settle sets the chain status of a broadcast transaction by external id or reference
func (s *Static) Settle(id string, status ChainStatus) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.history {
		if s.history[i].Id == id || s.history[i].Reference == id {
			s.history[i].Status = status
			return true
		}
	}
	return false
}

func (s *Static) wait(ctx context.Context) error {
	s.mu.Lock()
	delay, err := s.delay, s.err
	s.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return err
}

func (s *Static) GetBalance(ctx context.Context, _ string) (decimal.Decimal, error) {
	if err := s.wait(ctx); err != nil {
		return decimal.Zero, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.balance, nil
}

func (s *Static) BroadcastTransaction(ctx context.Context, _ []byte, meta BroadcastMetadata) (*BroadcastResult, error) {
	if err := s.wait(ctx); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.reject != "" {
		return &BroadcastResult{Accepted: false, Reason: s.reject}, nil
	}

	// Re-broadcasting the same transaction id returns the original external id
	for _, h := range s.history {
		if h.Reference == meta.TransactionId {
			return &BroadcastResult{Accepted: true, ExternalId: h.Id}, nil
		}
	}

	externalId := "static-" + uuid.New().String()
	s.broadcasts = append(s.broadcasts, meta)
	s.history = append(s.history, ChainTransaction{
		Id:        externalId,
		Reference: meta.TransactionId,
		Status:    ChainStatusPending,
		To:        meta.ToAddress,
		Amount:    meta.Amount,
		Fee:       meta.Fee,
		Timestamp: time.Now(),
	})
	return &BroadcastResult{Accepted: true, ExternalId: externalId}, nil
}

func (s *Static) GetUTXOs(context.Context, string) ([]UTXO, error) {
	return nil, ErrUnsupported
}

func (s *Static) GetTransactionHistory(ctx context.Context, _ string, opts HistoryOptions) ([]ChainTransaction, error) {
	if err := s.wait(ctx); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []ChainTransaction
	for _, h := range s.history {
		if !opts.Since.IsZero() && h.Timestamp.Before(opts.Since) {
			continue
		}
		out = append(out, h)
		if opts.Limit > 0 && len(out) == opts.Limit {
			break
		}
	}
	return out, nil
}
