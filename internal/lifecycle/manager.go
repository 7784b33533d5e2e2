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

package lifecycle

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"custodial-ledger-go/internal/apperror"
	"custodial-ledger-go/internal/models"
	"custodial-ledger-go/internal/store"
	"custodial-ledger-go/internal/transceiver"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

const (
	maxCreateAttempts = 3
	maxCASAttempts    = 10
)

// FailureHook runs after a transaction has durably reached FAILED
type FailureHook func(ctx context.Context, tx *models.PendingTransaction)

// Manager tracks externally broadcast transactions from creation to a terminal status
type Manager struct {
	store     store.Store
	builder   transceiver.PayloadBuilder
	primaries map[string]models.PrimaryWallet
	now       func() time.Time

	hooksMu sync.RWMutex
	hooks   []FailureHook
}

// CreateRequest describes a transaction to track
type CreateRequest struct {
	Source            models.TxSource
	WalletId          string
	PrimaryWalletName string
	ToAddress         string
	Amount            decimal.Decimal
	Fee               decimal.Decimal
	RawPayload        []byte // built with the payload builder when empty
}

// openEntry is the value of the pending_open index; it never changes while the entry exists
type openEntry struct {
	PrimaryWalletName string          `json:"primary_wallet_name"`
	Total             decimal.Decimal `json:"total"`
}

type Option func(*Manager)

func WithPayloadBuilder(b transceiver.PayloadBuilder) Option {
	return func(m *Manager) { m.builder = b }
}

func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

func NewManager(s store.Store, primaries []models.PrimaryWallet, opts ...Option) *Manager {
	m := &Manager{
		store:     s,
		builder:   transceiver.IntentBuilder{},
		primaries: make(map[string]models.PrimaryWallet, len(primaries)),
		now:       time.Now,
	}
	for _, p := range primaries {
		m.primaries[p.Name] = p
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// OnFailed registers a hook fired once per transaction on its transition to FAILED
func (m *Manager) OnFailed(h FailureHook) {
	m.hooksMu.Lock()
	defer m.hooksMu.Unlock()
	m.hooks = append(m.hooks, h)
}

// Prepare builds a transaction in CREATED state together with the mutations that make it
// visible as PENDING. Nothing is persisted here, so a failed build or a caller that never
// applies the mutations leaves no pending entry behind.
func (m *Manager) Prepare(req CreateRequest) (*models.PendingTransaction, []store.Mutation, error) {
	primary, ok := m.primaries[req.PrimaryWalletName]
	if !ok {
		return nil, nil, apperror.InvalidRequest(fmt.Sprintf("unknown primary wallet %s", req.PrimaryWalletName))
	}
	if req.Amount.IsNegative() || req.Fee.IsNegative() {
		return nil, nil, apperror.InvalidRequest("amount and fee must not be negative")
	}
	if req.ToAddress == "" {
		return nil, nil, apperror.InvalidRequest("destination address is required")
	}

	now := m.now().UTC()
	tx := &models.PendingTransaction{
		Id:                uuid.New().String(),
		Source:            req.Source,
		WalletId:          req.WalletId,
		PrimaryWalletName: primary.Name,
		Blockchain:        primary.Blockchain,
		ToAddress:         req.ToAddress,
		Amount:            req.Amount,
		Fee:               req.Fee,
		RawPayload:        req.RawPayload,
		Status:            models.TxStatusCreated,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	if tx.Source == "" {
		tx.Source = models.TxSourcePayout
	}

	if len(tx.RawPayload) == 0 {
		payload, err := m.builder.BuildPayload(tx, primary)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to build payload for %s: %w", tx.Id, err)
		}
		tx.RawPayload = payload
	}

	visible := *tx
	visible.Status = models.TxStatusPending
	put, _, err := store.PutJSON(store.PendingKey(tx.Id), &visible)
	if err != nil {
		return nil, nil, err
	}
	open, _, err := store.PutJSON(store.PendingOpenKey(tx.Id), openEntry{PrimaryWalletName: tx.PrimaryWalletName, Total: tx.Total()})
	if err != nil {
		return nil, nil, err
	}
	return tx, []store.Mutation{put.IfAbsent(), open.IfAbsent()}, nil
}

// Commit marks a prepared transaction as pending once its mutations have been applied
func Commit(tx *models.PendingTransaction) {
	tx.Status = models.TxStatusPending
}

// Create stores a new PENDING transaction for an external payout and returns it
func (m *Manager) Create(ctx context.Context, req CreateRequest) (*models.PendingTransaction, error) {
	for attempt := 0; attempt < maxCreateAttempts; attempt++ {
		tx, muts, err := m.Prepare(req)
		if err != nil {
			return nil, err
		}
		err = m.store.Apply(ctx, muts)
		if errors.Is(err, store.ErrDuplicateTransaction) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("failed to store pending transaction: %w", err)
		}
		Commit(tx)

		zap.L().Info("Pending transaction created",
			zap.String("transaction_id", tx.Id),
			zap.String("source", string(tx.Source)),
			zap.String("primary_wallet", tx.PrimaryWalletName),
			zap.String("to_address", tx.ToAddress),
			zap.String("amount", tx.Amount.String()),
			zap.String("fee", tx.Fee.String()))
		return tx, nil
	}
	return nil, fmt.Errorf("failed to allocate a unique transaction id after %d attempts", maxCreateAttempts)
}

func (m *Manager) Get(ctx context.Context, id string) (*models.PendingTransaction, error) {
	tx, _, err := m.load(ctx, id)
	return tx, err
}

func (m *Manager) load(ctx context.Context, id string) (*models.PendingTransaction, []byte, error) {
	var tx models.PendingTransaction
	raw, err := store.GetJSON(ctx, m.store, store.PendingKey(id), &tx)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil, apperror.UnknownTransactionId(id)
	}
	if err != nil {
		return nil, nil, err
	}
	return &tx, raw, nil
}

// ListPending returns every transaction in PENDING or BROADCAST state, oldest id order
func (m *Manager) ListPending(ctx context.Context) ([]models.PendingTransaction, error) {
	kvs, err := m.store.RangeScan(ctx, store.PendingOpenPrefix)
	if err != nil {
		return nil, fmt.Errorf("failed to scan open transactions: %w", err)
	}

	out := make([]models.PendingTransaction, 0, len(kvs))
	for _, kv := range kvs {
		id := kv.Key[len(store.PendingOpenPrefix):]
		tx, _, err := m.load(ctx, id)
		if errors.Is(err, apperror.ErrUnknownTransactionId) {
			continue
		}
		if err != nil {
			return nil, err
		}
		if tx.Status.IsTerminal() {
			continue
		}
		out = append(out, *tx)
	}
	return out, nil
}

// InFlightTotal sums amount+fee of the open transactions of a primary wallet, including
// failed withdrawals whose refund has not been applied yet.
func (m *Manager) InFlightTotal(ctx context.Context, primaryWalletName string) (decimal.Decimal, error) {
	kvs, err := m.store.RangeScan(ctx, store.PendingOpenPrefix)
	if err != nil {
		return decimal.Zero, fmt.Errorf("failed to scan open transactions: %w", err)
	}

	total := decimal.Zero
	for _, kv := range kvs {
		var e openEntry
		if err := json.Unmarshal(kv.Value, &e); err != nil {
			return decimal.Zero, fmt.Errorf("failed to decode %s: %w", kv.Key, err)
		}
		if e.PrimaryWalletName == primaryWalletName {
			total = total.Add(e.Total)
		}
	}
	return total, nil
}

// RecordSigned stores the chain bytes of a PENDING transaction. The first stored signature
// wins; later calls return the stored record unchanged.
func (m *Manager) RecordSigned(ctx context.Context, id string, payload []byte, signedId string) (*models.PendingTransaction, error) {
	if len(payload) == 0 {
		return nil, apperror.InvalidRequest("signed payload is empty")
	}

	for attempt := 0; attempt < maxCASAttempts; attempt++ {
		current, raw, err := m.load(ctx, id)
		if err != nil {
			return nil, err
		}
		if len(current.SignedPayload) > 0 {
			return current, nil
		}
		if current.Status != models.TxStatusPending {
			return nil, apperror.StateConflict(id, string(current.Status), "sign")
		}

		next := *current
		next.SignedPayload = payload
		next.SignedId = signedId
		next.UpdatedAt = m.now().UTC()
		put, _, err := store.PutJSON(store.PendingKey(id), &next)
		if err != nil {
			return nil, err
		}

		err = m.store.Apply(ctx, []store.Mutation{put.IfUnchanged(raw)})
		if errors.Is(err, store.ErrConcurrentModification) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("failed to store signed payload of %s: %w", id, err)
		}

		zap.L().Info("Signed payload stored",
			zap.String("transaction_id", id),
			zap.String("signed_id", signedId))
		return &next, nil
	}
	return nil, fmt.Errorf("transaction %s: %w", id, store.ErrConcurrentModification)
}

// ReportResult applies a reported outcome as a single compare-and-set on the stored record
func (m *Manager) ReportResult(ctx context.Context, id string, outcome models.TxOutcome, externalReference string) (*models.PendingTransaction, error) {
	switch outcome {
	case models.OutcomeBroadcastAck, models.OutcomeConfirmed, models.OutcomeFailed:
	default:
		return nil, apperror.InvalidRequest(fmt.Sprintf("unknown outcome %q", outcome))
	}

	for attempt := 0; attempt < maxCASAttempts; attempt++ {
		current, raw, err := m.load(ctx, id)
		if err != nil {
			return nil, err
		}

		next, changed, err := transition(current, outcome, externalReference, m.now().UTC())
		if err != nil {
			return nil, err
		}
		if !changed {
			return current, nil
		}

		put, _, err := store.PutJSON(store.PendingKey(id), next)
		if err != nil {
			return nil, err
		}
		muts := []store.Mutation{put.IfUnchanged(raw)}
		refundDue := next.Status == models.TxStatusFailed && next.Source == models.TxSourceWithdrawal && next.WalletId != ""
		switch {
		case refundDue:
			// The open entry stays in flight until the refund batch credits the wallet and drops it.
			due, _, err := store.PutJSON(store.RefundDueKey(id), next)
			if err != nil {
				return nil, err
			}
			muts = append(muts, due.IfAbsent())
		case next.Status.IsTerminal():
			muts = append(muts, store.Delete(store.PendingOpenKey(id)))
		}

		err = m.store.Apply(ctx, muts)
		if errors.Is(err, store.ErrConcurrentModification) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("failed to update transaction %s: %w", id, err)
		}

		zap.L().Info("Transaction status updated",
			zap.String("transaction_id", id),
			zap.String("from", string(current.Status)),
			zap.String("to", string(next.Status)),
			zap.String("external_reference", next.ExternalReference))

		if next.Status == models.TxStatusFailed {
			m.fireFailed(ctx, next)
		}
		return next, nil
	}
	return nil, fmt.Errorf("transaction %s: %w", id, store.ErrConcurrentModification)
}

func (m *Manager) fireFailed(ctx context.Context, tx *models.PendingTransaction) {
	m.hooksMu.RLock()
	hooks := append([]FailureHook(nil), m.hooks...)
	m.hooksMu.RUnlock()

	for _, h := range hooks {
		h(ctx, tx)
	}
}

// transition returns the next record for an outcome, or changed=false when the report
// repeats what is already stored.
func transition(cur *models.PendingTransaction, outcome models.TxOutcome, ref string, now time.Time) (*models.PendingTransaction, bool, error) {
	next := *cur
	next.UpdatedAt = now
	if ref != "" && next.ExternalReference == "" {
		next.ExternalReference = ref
	}

	switch cur.Status {
	case models.TxStatusCreated, models.TxStatusPending:
		switch outcome {
		case models.OutcomeBroadcastAck:
			next.Status = models.TxStatusBroadcast
			next.BroadcastAt = &now
			return &next, true, nil
		case models.OutcomeFailed:
			next.Status = models.TxStatusFailed
			next.CompletedAt = &now
			return &next, true, nil
		}
	case models.TxStatusBroadcast:
		switch outcome {
		case models.OutcomeBroadcastAck:
			return cur, false, nil
		case models.OutcomeConfirmed:
			next.Status = models.TxStatusConfirmed
			next.CompletedAt = &now
			return &next, true, nil
		case models.OutcomeFailed:
			next.Status = models.TxStatusFailed
			next.CompletedAt = &now
			return &next, true, nil
		}
	case models.TxStatusConfirmed:
		if outcome == models.OutcomeConfirmed {
			return cur, false, nil
		}
	case models.TxStatusFailed:
		if outcome == models.OutcomeFailed {
			return cur, false, nil
		}
	}
	return nil, false, apperror.StateConflict(cur.Id, string(cur.Status), string(outcome))
}
