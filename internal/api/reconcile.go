package api

import (
	"context"
	"errors"
	"fmt"

	"custodial-ledger-go/internal/apperror"
	"custodial-ledger-go/internal/models"
	"custodial-ledger-go/internal/reconcile"
	"custodial-ledger-go/internal/store"

	"github.com/shopspring/decimal"
)

// ManualTrigger marks reconciliations requested through the API
const ManualTrigger = "manual"

// Resolution is the outcome of resolving a discrepancy
type Resolution struct {
	Discrepancy *models.Discrepancy      `json:"discrepancy"`
	Adjustment  *models.AdjustmentRecord `json:"adjustment"`
}

// Reconcile reconciles one primary wallet, or every primary wallet when the name is empty.
// Skipped cycles and detected discrepancies are reported as warnings.
func (s *LedgerService) Reconcile(ctx context.Context, primaryWalletName string) Response[[]*reconcile.Result] {
	var (
		results []*reconcile.Result
		err     error
	)
	if primaryWalletName == "" {
		results, err = s.engine.ReconcileAll(ctx, ManualTrigger)
	} else {
		var res *reconcile.Result
		res, err = s.engine.Reconcile(ctx, primaryWalletName, ManualTrigger)
		if res != nil {
			results = append(results, res)
		}
	}

	resp := Response[[]*reconcile.Result]{Success: err == nil, Result: results}
	if err != nil {
		resp.add(failure("reconcile", err))
	}
	for _, r := range results {
		switch {
		case r.Skipped:
			resp.add(models.Warning(CodeReconciliationSkipped, fmt.Sprintf("%s skipped: %s", r.PrimaryWalletName, r.SkipReason)))
		case r.Baseline:
			resp.add(models.Info(CodeBaselineEstablished, fmt.Sprintf("%s baseline base balance %s", r.PrimaryWalletName, r.Snapshot.BaseBalance)))
		}
		if r.Discrepancy != nil {
			resp.add(discrepancyMessage(*r.Discrepancy))
		}
		if !r.Skipped {
			for _, m := range s.balanceWarnings(ctx, r.PrimaryWalletName, false) {
				resp.add(m)
			}
		}
	}
	return resp
}

func (s *LedgerService) ListDiscrepancies(ctx context.Context, filter reconcile.DiscrepancyFilter) Response[[]models.Discrepancy] {
	found, err := s.engine.ListDiscrepancies(ctx, filter)
	if err != nil {
		return Response[[]models.Discrepancy]{Messages: []models.Message{failure("list discrepancies", err)}}
	}
	return Response[[]models.Discrepancy]{Success: true, Result: found}
}

// ResolveDiscrepancy marks a discrepancy resolved and applies adjustment to the base wallet
func (s *LedgerService) ResolveDiscrepancy(ctx context.Context, id, resolution string, adjustment decimal.Decimal) Response[*Resolution] {
	d, record, err := s.engine.ResolveDiscrepancy(ctx, id, resolution, adjustment)
	if err != nil {
		return Response[*Resolution]{Messages: []models.Message{failure("resolve discrepancy", err)}}
	}
	return Response[*Resolution]{Success: true, Result: &Resolution{Discrepancy: d, Adjustment: record}}
}

func (s *LedgerService) Snapshot(ctx context.Context, primaryWalletName string) Response[*models.ReconciliationSnapshot] {
	snap, err := s.engine.Snapshot(ctx, primaryWalletName)
	if errors.Is(err, store.ErrNotFound) {
		err = apperror.InvalidRequest(fmt.Sprintf("%s has not been reconciled yet", primaryWalletName))
	}
	if err != nil {
		return Response[*models.ReconciliationSnapshot]{Messages: []models.Message{failure("snapshot", err)}}
	}
	return Response[*models.ReconciliationSnapshot]{Success: true, Result: snap}
}
