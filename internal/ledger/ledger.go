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

package ledger

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"custodial-ledger-go/internal/apperror"
	"custodial-ledger-go/internal/lifecycle"
	"custodial-ledger-go/internal/models"
	"custodial-ledger-go/internal/store"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// ErrClosed is returned by operations started after Close
var ErrClosed = errors.New("ledger is closed")

// MutationObserver is told about every committed mutation of a group. A non-nil error is
// returned to the caller alongside the committed record.
type MutationObserver interface {
	AfterMutation(ctx context.Context, primaryWalletName, trigger string) error
}

// Journal mirrors committed mutations to an external ledger
type Journal interface {
	Post(ctx context.Context, entry models.JournalEntry) error
}

type Options struct {
	Store          store.Store
	PrimaryWallets []models.PrimaryWallet
	BaseWallet     models.BaseWalletConfig
	Distribution   models.DistributionConfig
	Lifecycle      *lifecycle.Manager
	Journal        Journal
	Clock          func() time.Time
}

// Ledger is the Internal Wallet Ledger. It is opened once at startup and shared.
type Ledger struct {
	store        store.Store
	primaries    map[string]models.PrimaryWallet
	baseCfg      models.BaseWalletConfig
	distribution models.DistributionConfig
	lifecycle    *lifecycle.Manager
	journal      Journal
	locks        *GroupLocks
	now          func() time.Time

	observerMu sync.RWMutex
	observer   MutationObserver

	closeMu  sync.RWMutex
	closed   bool
	inflight sync.WaitGroup
}

func Open(ctx context.Context, opts Options) (*Ledger, error) {
	if opts.Store == nil {
		return nil, apperror.ConfigurationError("ledger store is required", nil)
	}
	if opts.Lifecycle == nil {
		return nil, apperror.ConfigurationError("transaction lifecycle manager is required", nil)
	}
	if opts.BaseWallet.NamePrefix == "" {
		opts.BaseWallet.NamePrefix = DefaultBaseWalletPrefix
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}

	l := &Ledger{
		store:        opts.Store,
		primaries:    make(map[string]models.PrimaryWallet, len(opts.PrimaryWallets)),
		baseCfg:      opts.BaseWallet,
		distribution: opts.Distribution,
		lifecycle:    opts.Lifecycle,
		journal:      opts.Journal,
		locks:        NewGroupLocks(),
		now:          opts.Clock,
	}
	for _, p := range opts.PrimaryWallets {
		if _, dup := l.primaries[p.Name]; dup {
			return nil, apperror.ConfigurationError(fmt.Sprintf("duplicate primary wallet name %s", p.Name), nil)
		}
		l.primaries[p.Name] = p
	}
	l.lifecycle.OnFailed(l.onTransactionFailed)

	zap.L().Info("Ledger opened",
		zap.Int("primary_wallets", len(l.primaries)),
		zap.String("base_wallet_prefix", l.baseCfg.NamePrefix))
	return l, nil
}

// Close rejects new operations and waits for in-flight ones to finish
func (l *Ledger) Close() {
	l.closeMu.Lock()
	if l.closed {
		l.closeMu.Unlock()
		return
	}
	l.closed = true
	l.closeMu.Unlock()

	l.inflight.Wait()
	zap.L().Info("Ledger closed")
}

func (l *Ledger) begin() error {
	l.closeMu.RLock()
	defer l.closeMu.RUnlock()
	if l.closed {
		return ErrClosed
	}
	l.inflight.Add(1)
	return nil
}

func (l *Ledger) end() { l.inflight.Done() }

// SetObserver installs the post-commit observer, typically the reconciliation engine
func (l *Ledger) SetObserver(o MutationObserver) {
	l.observerMu.Lock()
	defer l.observerMu.Unlock()
	l.observer = o
}

func (l *Ledger) Store() store.Store            { return l.store }
func (l *Ledger) Lifecycle() *lifecycle.Manager { return l.lifecycle }
func (l *Ledger) BaseWalletPrefix() string      { return l.baseCfg.NamePrefix }
func (l *Ledger) Now() time.Time                { return l.now().UTC() }

func (l *Ledger) Primary(name string) (models.PrimaryWallet, bool) {
	p, ok := l.primaries[name]
	return p, ok
}

// Primaries returns the configured primary wallets sorted by name
func (l *Ledger) Primaries() []models.PrimaryWallet {
	out := make([]models.PrimaryWallet, 0, len(l.primaries))
	for _, p := range l.primaries {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// BaseWalletIDFor returns the base wallet id of a configured primary wallet
func (l *Ledger) BaseWalletIDFor(p models.PrimaryWallet) string {
	return BaseWalletID(l.baseCfg.NamePrefix, p.Blockchain, p.Name)
}

// WithGroupLock runs fn while holding the primary wallet's group lock
func (l *Ledger) WithGroupLock(primaryWalletName string, fn func() error) error {
	unlock := l.locks.Lock(primaryWalletName)
	defer unlock()
	return fn()
}

// LastKnownOnChain returns the on-chain balance of the last successful reconciliation
func (l *Ledger) LastKnownOnChain(ctx context.Context, primaryWalletName string) (decimal.Decimal, bool, error) {
	var snap models.ReconciliationSnapshot
	_, err := store.GetJSON(ctx, l.store, store.ReconciliationKey(primaryWalletName), &snap)
	if errors.Is(err, store.ErrNotFound) {
		return decimal.Zero, false, nil
	}
	if err != nil {
		return decimal.Zero, false, err
	}
	return snap.OnChainBalance, true, nil
}

// afterCommit mirrors the entry and notifies the observer; the mutation is already durable,
// so cancellation of the caller's context does not stop either step.
func (l *Ledger) afterCommit(ctx context.Context, primaryWalletName, trigger string, entry *models.JournalEntry) error {
	ctx = context.WithoutCancel(ctx)

	if l.journal != nil && entry != nil {
		if oc := models.GetOperationContext(ctx); oc != nil {
			meta := make(map[string]string, len(entry.Metadata)+3)
			for k, v := range entry.Metadata {
				meta[k] = v
			}
			meta["operation"] = models.OperationName(ctx, entry.EventType)
			if oc.RequestId != "" {
				meta["request_id"] = oc.RequestId
			}
			if oc.Actor != "" {
				meta["actor"] = oc.Actor
			}
			entry.Metadata = meta
		}
		if err := l.journal.Post(ctx, *entry); err != nil {
			zap.L().Warn("Failed to mirror ledger entry to journal",
				zap.String("reference", entry.Reference),
				zap.String("event_type", entry.EventType),
				zap.Error(err))
		}
	}

	l.observerMu.RLock()
	obs := l.observer
	l.observerMu.RUnlock()
	if obs == nil {
		return nil
	}
	return obs.AfterMutation(ctx, primaryWalletName, trigger)
}

func (l *Ledger) journalEntry(p models.PrimaryWallet, reference, eventType string, postings []models.Posting, meta map[string]string) *models.JournalEntry {
	return &models.JournalEntry{
		Reference:         reference,
		EventType:         eventType,
		Blockchain:        p.Blockchain,
		PrimaryWalletName: p.Name,
		Asset:             p.Asset,
		Postings:          postings,
		Metadata:          meta,
		Timestamp:         l.Now(),
	}
}

// Trigger names the mutation that caused a reconciliation, e.g. "transfer:<record id>"
func Trigger(recordKind, recordId string) string {
	return recordKind + ":" + recordId
}

func requirePositive(name string, amount decimal.Decimal) error {
	if !amount.IsPositive() {
		return apperror.InvalidRequest(fmt.Sprintf("%s must be greater than zero, got %s", name, amount.String()))
	}
	return nil
}
