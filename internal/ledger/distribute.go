package ledger

import (
	"context"
	"fmt"

	"custodial-ledger-go/internal/apperror"
	"custodial-ledger-go/internal/models"
	"custodial-ledger-go/internal/store"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// ResidualWalletMetadataKey names the metadata entry designating where a source wallet's
// distribution remainder goes
const ResidualWalletMetadataKey = "residual_wallet_id"

// Allocation is one destination of a distribution. Exactly one of Percentage and
// FixedAmount is set, unless a merchant override supplies the percentage.
type Allocation struct {
	DestinationWalletId string           `json:"destination_wallet_id"`
	Percentage          *decimal.Decimal `json:"percentage,omitempty"`
	FixedAmount         *decimal.Decimal `json:"fixed_amount,omitempty"`
	Min                 *decimal.Decimal `json:"min,omitempty"`
	Max                 *decimal.Decimal `json:"max,omitempty"`
}

type DistributeParams struct {
	SourceWalletId   string
	Amount           decimal.Decimal
	Allocations      []Allocation
	ResidualWalletId string
	Memo             string
}

// ComputeAllocations turns allocations into amounts: percentage of amount (a merchant
// override replaces the given percentage), or the fixed amount, then clamped to [Min, Max].
// It returns the lines and the residual left after all of them.
func ComputeAllocations(amount decimal.Decimal, allocs []Allocation, overrides models.DistributionConfig) ([]models.DistributionLine, decimal.Decimal, error) {
	lines := make([]models.DistributionLine, 0, len(allocs))
	allocated := decimal.Zero

	for i, a := range allocs {
		if a.DestinationWalletId == "" {
			return nil, decimal.Zero, apperror.InvalidRequest(fmt.Sprintf("allocation %d has no destination", i))
		}
		if a.Min != nil && a.Max != nil && a.Min.GreaterThan(*a.Max) {
			return nil, decimal.Zero, apperror.InvalidRequest(fmt.Sprintf("allocation %d has min above max", i))
		}
		if (a.Min != nil && a.Min.IsNegative()) || (a.Max != nil && a.Max.IsNegative()) {
			return nil, decimal.Zero, apperror.InvalidRequest(fmt.Sprintf("allocation %d has a negative clamp", i))
		}

		line := models.DistributionLine{DestinationWalletId: a.DestinationWalletId}
		pct := a.Percentage
		if override, ok := overrides.Percentage(a.DestinationWalletId); ok && a.FixedAmount == nil {
			pct = &override
			line.OverrideApplied = true
		}

		switch {
		case pct != nil && a.FixedAmount != nil:
			return nil, decimal.Zero, apperror.InvalidRequest(fmt.Sprintf("allocation %d sets both percentage and fixed amount", i))
		case pct != nil:
			if pct.IsNegative() {
				return nil, decimal.Zero, apperror.InvalidRequest(fmt.Sprintf("allocation %d has a negative percentage", i))
			}
			p := *pct
			line.Percentage = &p
			line.Computed = amount.Mul(p).Shift(-2)
		case a.FixedAmount != nil:
			if a.FixedAmount.IsNegative() {
				return nil, decimal.Zero, apperror.InvalidRequest(fmt.Sprintf("allocation %d has a negative fixed amount", i))
			}
			f := *a.FixedAmount
			line.FixedAmount = &f
			line.Computed = f
		default:
			return nil, decimal.Zero, apperror.InvalidRequest(fmt.Sprintf("allocation %d needs a percentage or fixed amount", i))
		}

		line.Amount = line.Computed
		if a.Min != nil && line.Amount.LessThan(*a.Min) {
			line.Amount = *a.Min
			line.Clamp = "min"
		}
		if a.Max != nil && line.Amount.GreaterThan(*a.Max) {
			line.Amount = *a.Max
			line.Clamp = "max"
		}

		allocated = allocated.Add(line.Amount)
		lines = append(lines, line)
	}

	if allocated.GreaterThan(amount) {
		return nil, decimal.Zero, apperror.InvalidRequest(
			fmt.Sprintf("allocations total %s exceeds distributed amount %s", allocated.String(), amount.String()))
	}
	return lines, amount.Sub(allocated), nil
}

// Distribute splits amount from a source wallet across destinations in one atomic batch.
// The residual goes to params.ResidualWalletId, else to the source's designated residual
// wallet, else stays with the source.
func (l *Ledger) Distribute(ctx context.Context, params DistributeParams) (*models.DistributionRecord, error) {
	if err := l.begin(); err != nil {
		return nil, err
	}
	defer l.end()

	if err := requirePositive("amount", params.Amount); err != nil {
		return nil, err
	}
	if len(params.Allocations) == 0 {
		return nil, apperror.InvalidRequest("at least one allocation is required")
	}

	src, err := l.loadWallet(ctx, params.SourceWalletId)
	if err != nil {
		return nil, err
	}
	if src.wallet.IsBase() {
		return nil, apperror.BaseWalletRestriction(src.wallet.Id, "distribute")
	}
	group := src.wallet.PrimaryWalletName

	residualId := params.ResidualWalletId
	if residualId == "" {
		residualId = src.wallet.Metadata[ResidualWalletMetadataKey]
	}
	if residualId == "" {
		residualId = params.SourceWalletId
	}

	lines, residual, err := ComputeAllocations(params.Amount, params.Allocations, l.distribution)
	if err != nil {
		return nil, err
	}

	ids := []string{params.SourceWalletId, residualId}
	for _, line := range lines {
		ids = append(ids, line.DestinationWalletId)
	}

	record := &models.DistributionRecord{
		Id:                uuid.New().String(),
		PrimaryWalletName: group,
		SourceWalletId:    params.SourceWalletId,
		Amount:            params.Amount,
		Lines:             lines,
		ResidualWalletId:  residualId,
		ResidualAmount:    residual,
		Memo:              params.Memo,
	}

	err = l.WithGroupLock(group, func() error {
		g, err := l.partialGroup(ctx, group, ids...)
		if err != nil {
			return err
		}
		for _, id := range ids {
			if st, _ := g.get(id); st.wallet.IsBase() {
				return apperror.BaseWalletRestriction(id, "distribute")
			}
		}
		source, _ := g.get(params.SourceWalletId)
		if source.wallet.Balance.LessThan(params.Amount) {
			return apperror.InsufficientBalance(source.wallet.Id, source.wallet.Balance.String(), params.Amount.String())
		}

		deltas := map[string]decimal.Decimal{params.SourceWalletId: params.Amount.Neg()}
		for _, line := range lines {
			deltas[line.DestinationWalletId] = deltas[line.DestinationWalletId].Add(line.Amount)
		}
		deltas[residualId] = deltas[residualId].Add(residual)

		muts, err := l.balanceMutations(g, deltas)
		if err != nil {
			return err
		}
		record.CreatedAt = l.Now()
		rec, err := recordMutation(store.RecordDistribution, record.Id, record)
		if err != nil {
			return err
		}
		return l.store.Apply(ctx, append(muts, rec))
	})
	if err != nil {
		zap.L().Warn("Distribution rejected",
			zap.String("source_wallet_id", params.SourceWalletId),
			zap.String("amount", params.Amount.String()),
			zap.Error(err))
		return nil, err
	}

	zap.L().Info("Distribution committed",
		zap.String("record_id", record.Id),
		zap.String("source_wallet_id", record.SourceWalletId),
		zap.String("amount", record.Amount.String()),
		zap.Int("destinations", len(record.Lines)),
		zap.String("residual_wallet_id", record.ResidualWalletId),
		zap.String("residual", record.ResidualAmount.String()))

	postings := make([]models.Posting, 0, len(lines)+1)
	for _, line := range lines {
		if line.Amount.IsPositive() {
			postings = append(postings, models.Posting{Source: record.SourceWalletId, Destination: line.DestinationWalletId, Amount: line.Amount})
		}
	}
	if residual.IsPositive() && residualId != record.SourceWalletId {
		postings = append(postings, models.Posting{Source: record.SourceWalletId, Destination: residualId, Amount: residual})
	}
	entry := l.journalEntry(l.primaries[group], record.Id, store.RecordDistribution, postings, map[string]string{"memo": record.Memo})
	return record, l.afterCommit(ctx, group, Trigger(store.RecordDistribution, record.Id), entry)
}
