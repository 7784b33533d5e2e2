package reconcile

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"custodial-ledger-go/internal/apperror"
	"custodial-ledger-go/internal/models"
	"custodial-ledger-go/internal/store"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// DiscrepancyFilter narrows ListDiscrepancies. The zero value lists unresolved discrepancies
// of every primary wallet.
type DiscrepancyFilter struct {
	PrimaryWalletName string
	TriggeredBy       string
	IncludeResolved   bool
}

func (f DiscrepancyFilter) match(d models.Discrepancy) bool {
	if d.Resolved && !f.IncludeResolved {
		return false
	}
	if f.PrimaryWalletName != "" && d.PrimaryWalletName != f.PrimaryWalletName {
		return false
	}
	if f.TriggeredBy != "" && d.TriggeredBy != f.TriggeredBy {
		return false
	}
	return true
}

// ListDiscrepancies returns matching discrepancies, oldest first
func (e *Engine) ListDiscrepancies(ctx context.Context, filter DiscrepancyFilter) ([]models.Discrepancy, error) {
	all, err := store.ScanJSON[models.Discrepancy](ctx, e.store, store.DiscrepancyPrefix)
	if err != nil {
		return nil, fmt.Errorf("failed to list discrepancies: %w", err)
	}

	out := make([]models.Discrepancy, 0, len(all))
	for _, d := range all {
		if filter.match(d) {
			out = append(out, d)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].DetectedAt.Before(out[j].DetectedAt) })
	return out, nil
}

func (e *Engine) GetDiscrepancy(ctx context.Context, id string) (*models.Discrepancy, error) {
	d, _, err := e.loadDiscrepancy(ctx, id)
	return d, err
}

func (e *Engine) loadDiscrepancy(ctx context.Context, id string) (*models.Discrepancy, []byte, error) {
	var d models.Discrepancy
	raw, err := store.GetJSON(ctx, e.store, store.DiscrepancyKey(id), &d)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil, apperror.DiscrepancyNotFound(id)
	}
	if err != nil {
		return nil, nil, err
	}
	return &d, raw, nil
}

// ResolveDiscrepancy marks a discrepancy resolved and applies adjustment to the base wallet
// in one batch with an adjustment audit record. A second resolution fails with
// AlreadyResolved and adjusts nothing.
func (e *Engine) ResolveDiscrepancy(ctx context.Context, id, resolution string, adjustment decimal.Decimal) (*models.Discrepancy, *models.AdjustmentRecord, error) {
	d, _, err := e.loadDiscrepancy(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	if d.Resolved {
		return nil, nil, apperror.AlreadyResolved(id)
	}

	var (
		resolved *models.Discrepancy
		record   *models.AdjustmentRecord
	)
	err = e.ledger.WithGroupLock(d.PrimaryWalletName, func() error {
		cur, raw, err := e.loadDiscrepancy(ctx, id)
		if err != nil {
			return err
		}
		if cur.Resolved {
			return apperror.AlreadyResolved(id)
		}

		g, err := e.ledger.LoadGroup(ctx, cur.PrimaryWalletName)
		if err != nil {
			return err
		}
		before := decimal.Zero
		if base, ok := g.Base(); ok {
			before = base.Balance
		}
		after := before.Add(adjustment)

		muts, _, err := e.ledger.BaseBalanceMutations(g, after)
		if err != nil {
			return err
		}

		now := e.ledger.Now()
		next := *cur
		next.Resolved = true
		next.Resolution = resolution
		next.AdjustmentAmount = adjustment
		next.ResolvedAt = &now
		put, _, err := store.PutJSON(store.DiscrepancyKey(id), &next)
		if err != nil {
			return err
		}

		rec := &models.AdjustmentRecord{
			Id:                id,
			PrimaryWalletName: cur.PrimaryWalletName,
			DiscrepancyId:     id,
			BaseWalletId:      g.BaseID(),
			Amount:            adjustment,
			BalanceBefore:     before,
			BalanceAfter:      after,
			Resolution:        resolution,
			CreatedAt:         now,
		}
		audit, _, err := store.PutJSON(store.RecordKey(store.RecordAdjustment, id), rec)
		if err != nil {
			return err
		}

		muts = append(muts, put.IfUnchanged(raw), audit.IfAbsent())
		err = e.store.Apply(ctx, muts)
		if errors.Is(err, store.ErrDuplicateTransaction) || errors.Is(err, store.ErrConcurrentModification) {
			return apperror.AlreadyResolved(id)
		}
		if err != nil {
			return fmt.Errorf("failed to resolve discrepancy %s: %w", id, err)
		}
		resolved, record = &next, rec
		return nil
	})
	if err != nil {
		return nil, nil, err
	}

	zap.L().Info("Discrepancy resolved",
		zap.String("discrepancy_id", id),
		zap.String("primary_wallet", resolved.PrimaryWalletName),
		zap.String("adjustment", adjustment.String()),
		zap.String("base_balance_before", record.BalanceBefore.String()),
		zap.String("base_balance_after", record.BalanceAfter.String()),
		zap.String("resolution", resolution))
	return resolved, record, nil
}
