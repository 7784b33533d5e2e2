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

package reconcile

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"custodial-ledger-go/internal/apperror"
	"custodial-ledger-go/internal/basewallet"
	"custodial-ledger-go/internal/ledger"
	"custodial-ledger-go/internal/models"
	"custodial-ledger-go/internal/store"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const maxParallelReconciliations = 4

// Result is the outcome of reconciling one primary wallet
type Result struct {
	PrimaryWalletName string
	Snapshot          *models.ReconciliationSnapshot
	Discrepancy       *models.Discrepancy
	Baseline          bool
	Skipped           bool
	SkipReason        string
}

// Engine compares ledger totals to on-chain balances and keeps base wallets in sync
type Engine struct {
	ledger  *ledger.Ledger
	tracker *basewallet.Tracker
	store   store.Store
	cfg     models.ReconciliationConfig

	runMu    sync.Mutex
	running  bool
	stopChan chan struct{}
	doneChan chan struct{}
}

func NewEngine(l *ledger.Ledger, tracker *basewallet.Tracker, cfg models.ReconciliationConfig) *Engine {
	return &Engine{
		ledger:  l,
		tracker: tracker,
		store:   l.Store(),
		cfg:     cfg,
	}
}

// Reconcile runs one reconciliation of a primary wallet. An on-chain balance that cannot be
// fetched in time skips the cycle and is reported in the result, not as an error.
func (e *Engine) Reconcile(ctx context.Context, primaryWalletName, trigger string) (*Result, error) {
	if _, ok := e.ledger.Primary(primaryWalletName); !ok {
		return nil, apperror.InvalidRequest(fmt.Sprintf("unknown primary wallet %s", primaryWalletName))
	}

	onChain, err := e.tracker.FetchOnChainBalance(ctx, primaryWalletName)
	if err != nil {
		if apperror.IsTransient(err) {
			zap.L().Warn("Reconciliation skipped, on-chain balance unavailable",
				zap.String("primary_wallet", primaryWalletName),
				zap.String("trigger", trigger),
				zap.Error(err))
			return &Result{PrimaryWalletName: primaryWalletName, Skipped: true, SkipReason: err.Error()}, nil
		}
		return nil, fmt.Errorf("failed to fetch on-chain balance of %s: %w", primaryWalletName, err)
	}

	res := &Result{PrimaryWalletName: primaryWalletName}
	err = e.ledger.WithGroupLock(primaryWalletName, func() error {
		g, err := e.ledger.LoadGroup(ctx, primaryWalletName)
		if err != nil {
			return err
		}
		der, err := e.tracker.DeriveFromGroup(ctx, g, onChain)
		if err != nil {
			return err
		}

		var prev models.ReconciliationSnapshot
		prevRaw, err := store.GetJSON(ctx, e.store, store.ReconciliationKey(primaryWalletName), &prev)
		baseline := errors.Is(err, store.ErrNotFound)
		if err != nil && !baseline {
			return err
		}
		// Withdrawals and resolved adjustments move the stored base between cycles.
		prevBase := prev.BaseBalance
		if base, ok := g.Base(); ok {
			prevBase = base.Balance
		}

		now := e.ledger.Now()
		snap := &models.ReconciliationSnapshot{
			PrimaryWalletName: primaryWalletName,
			Blockchain:        g.Primary.Blockchain,
			OnChainBalance:    der.OnChain,
			StandardSum:       der.StandardSum,
			InFlight:          der.InFlight,
			BaseBalance:       der.Base,
			ReconciledAt:      now,
		}

		muts, _, err := e.ledger.BaseBalanceMutations(g, der.Base)
		if err != nil {
			return err
		}
		snapPut, _, err := store.PutJSON(store.ReconciliationKey(primaryWalletName), snap)
		if err != nil {
			return err
		}
		if baseline {
			snapPut = snapPut.IfAbsent()
		} else {
			snapPut = snapPut.IfUnchanged(prevRaw)
		}
		muts = append(muts, snapPut)

		disc := e.evaluate(g.Primary, der, prevBase, baseline, trigger, now)
		if disc != nil {
			put, _, err := store.PutJSON(store.DiscrepancyKey(disc.Id), disc)
			if err != nil {
				return err
			}
			muts = append(muts, put.IfAbsent())
		}

		if err := e.store.Apply(ctx, muts); err != nil {
			return fmt.Errorf("failed to store reconciliation of %s: %w", primaryWalletName, err)
		}
		res.Snapshot = snap
		res.Discrepancy = disc
		res.Baseline = baseline
		return nil
	})
	if err != nil {
		return nil, err
	}

	fields := []zap.Field{
		zap.String("primary_wallet", primaryWalletName),
		zap.String("trigger", trigger),
		zap.String("on_chain", res.Snapshot.OnChainBalance.String()),
		zap.String("standard_sum", res.Snapshot.StandardSum.String()),
		zap.String("in_flight", res.Snapshot.InFlight.String()),
		zap.String("base", res.Snapshot.BaseBalance.String()),
		zap.Bool("baseline", res.Baseline),
	}
	switch {
	case res.Discrepancy == nil:
		zap.L().Info("Reconciliation completed", fields...)
	case res.Discrepancy.Severity == models.SeverityCritical:
		zap.L().Error("Reconciliation found critical discrepancy",
			append(fields, zap.String("discrepancy_id", res.Discrepancy.Id), zap.String("difference", res.Discrepancy.Difference.String()))...)
	default:
		zap.L().Warn("Reconciliation found discrepancy",
			append(fields, zap.String("discrepancy_id", res.Discrepancy.Id), zap.String("difference", res.Discrepancy.Difference.String()))...)
	}
	return res, nil
}

// evaluate decides whether a derivation warrants a discrepancy. A change of the base balance
// at or above the warning threshold raises a warning; a base balance turning negative raises
// a critical one. The first reconciliation only establishes the baseline.
func (e *Engine) evaluate(p models.PrimaryWallet, der basewallet.Derivation, prevBase decimal.Decimal, baseline bool, trigger string, now time.Time) *models.Discrepancy {
	change := der.Base.Sub(prevBase)

	exceeded := !baseline && !change.IsZero() && change.Abs().GreaterThanOrEqual(e.cfg.WarningThreshold)
	turnedNegative := der.Negative() && (baseline || exceeded || !prevBase.IsNegative())
	if !exceeded && !turnedNegative {
		return nil
	}

	severity := models.SeverityWarning
	if der.Negative() {
		severity = models.SeverityCritical
	}
	expected := prevBase.Add(der.StandardSum).Add(der.InFlight)
	return &models.Discrepancy{
		Id:                  uuid.New().String(),
		Blockchain:          p.Blockchain,
		PrimaryWalletName:   p.Name,
		ExpectedBalance:     expected,
		ActualBalance:       der.OnChain,
		Difference:          der.OnChain.Sub(expected),
		PreviousBaseBalance: prevBase,
		ComputedBaseBalance: der.Base,
		Severity:            severity,
		TriggeredBy:         trigger,
		DetectedAt:          now,
	}
}

// ReconcileAll reconciles every primary wallet, a few at a time. Failures of one wallet do
// not stop the others; they are joined into the returned error.
func (e *Engine) ReconcileAll(ctx context.Context, trigger string) ([]*Result, error) {
	primaries := e.ledger.Primaries()
	results := make([]*Result, len(primaries))
	errs := make([]error, len(primaries))

	var g errgroup.Group
	g.SetLimit(maxParallelReconciliations)
	for i, p := range primaries {
		g.Go(func() error {
			res, err := e.Reconcile(ctx, p.Name, trigger)
			if err != nil {
				errs[i] = fmt.Errorf("%s: %w", p.Name, err)
				return nil
			}
			results[i] = res
			return nil
		})
	}
	_ = g.Wait()

	out := make([]*Result, 0, len(results))
	for _, r := range results {
		if r != nil {
			out = append(out, r)
		}
	}
	return out, errors.Join(errs...)
}

// AfterMutation runs the post-commit check of the afterTransaction strategy. In strict mode
// a discrepancy is returned to the caller as DiscrepancyDetected; the mutation stays applied.
func (e *Engine) AfterMutation(ctx context.Context, primaryWalletName, trigger string) error {
	if !e.cfg.Strategy.AfterTransaction() {
		return nil
	}

	res, err := e.Reconcile(ctx, primaryWalletName, trigger)
	if err != nil {
		zap.L().Error("Post-mutation reconciliation failed",
			zap.String("primary_wallet", primaryWalletName),
			zap.String("trigger", trigger),
			zap.Error(err))
		return nil
	}
	if res.Discrepancy != nil && e.cfg.StrictMode {
		return apperror.DiscrepancyDetected(primaryWalletName, res.Discrepancy.Id)
	}
	return nil
}

// Snapshot returns the last successful reconciliation of a primary wallet
func (e *Engine) Snapshot(ctx context.Context, primaryWalletName string) (*models.ReconciliationSnapshot, error) {
	var snap models.ReconciliationSnapshot
	if _, err := store.GetJSON(ctx, e.store, store.ReconciliationKey(primaryWalletName), &snap); err != nil {
		return nil, err
	}
	return &snap, nil
}
