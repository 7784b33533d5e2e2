package listener

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"custodial-ledger-go/internal/apperror"
	"custodial-ledger-go/internal/models"
	"custodial-ledger-go/internal/transceiver"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const maxParallelPrimaries = 4

// PollSummary counts what one poll did
type PollSummary struct {
	Broadcast int
	Rejected  int
	Confirmed int
	Failed    int
	// Deferred transactions were left untouched (timeout, unknown chain status, ...)
	Deferred int
}

func (s PollSummary) Total() int {
	return s.Broadcast + s.Rejected + s.Confirmed + s.Failed + s.Deferred
}

func (s *PollSummary) add(o PollSummary) {
	s.Broadcast += o.Broadcast
	s.Rejected += o.Rejected
	s.Confirmed += o.Confirmed
	s.Failed += o.Failed
	s.Deferred += o.Deferred
}

// Poll processes every PENDING and BROADCAST transaction once. Primary wallets are handled in
// parallel; transactions of one primary wallet are handled in creation order.
func (b *BroadcastListener) Poll(ctx context.Context) (PollSummary, error) {
	open, err := b.ledger.Lifecycle().ListPending(ctx)
	if err != nil {
		return PollSummary{}, fmt.Errorf("failed to list pending transactions: %w", err)
	}
	if len(open) == 0 {
		return PollSummary{}, nil
	}

	byPrimary := make(map[string][]models.PendingTransaction)
	var names []string
	for _, tx := range open {
		if _, ok := byPrimary[tx.PrimaryWalletName]; !ok {
			names = append(names, tx.PrimaryWalletName)
		}
		byPrimary[tx.PrimaryWalletName] = append(byPrimary[tx.PrimaryWalletName], tx)
	}
	sort.Strings(names)

	b.printf(colorCyan, "[%s] Processing %d open transactions across %d primary wallets",
		time.Now().Format("15:04:05"), len(open), len(names))

	summaries := make([]PollSummary, len(names))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(maxParallelPrimaries)
	for i, name := range names {
		i, name := i, name
		g.Go(func() error {
			s, err := b.pollPrimary(gctx, name, byPrimary[name])
			summaries[i] = s
			return err
		})
	}
	err = g.Wait()

	var total PollSummary
	for _, s := range summaries {
		total.add(s)
	}
	return total, err
}

func (b *BroadcastListener) pollPrimary(ctx context.Context, name string, txs []models.PendingTransaction) (PollSummary, error) {
	var summary PollSummary

	primary, ok := b.ledger.Primary(name)
	if !ok {
		zap.L().Error("Open transaction references unknown primary wallet", zap.String("primary_wallet", name))
		summary.Deferred += len(txs)
		return summary, nil
	}
	tr, ok := b.transceivers[name]
	if !ok {
		zap.L().Error("No transceiver for primary wallet", zap.String("primary_wallet", name))
		summary.Deferred += len(txs)
		return summary, nil
	}

	sort.Slice(txs, func(i, j int) bool { return txs[i].CreatedAt.Before(txs[j].CreatedAt) })

	var broadcast []models.PendingTransaction
	for _, tx := range txs {
		switch tx.Status {
		case models.TxStatusPending:
			outcome, err := b.broadcast(ctx, primary, tr, tx)
			if err != nil {
				return summary, err
			}
			switch outcome {
			case models.OutcomeBroadcastAck:
				summary.Broadcast++
			case models.OutcomeFailed:
				summary.Rejected++
			default:
				summary.Deferred++
			}
		case models.TxStatusBroadcast:
			broadcast = append(broadcast, tx)
		}
	}

	if len(broadcast) > 0 {
		s, err := b.settle(ctx, primary, tr, broadcast)
		summary.add(s)
		if err != nil {
			return summary, err
		}
	}
	return summary, nil
}

// broadcast hands one PENDING transaction to the transceiver. A timeout or transport error
// leaves the transaction PENDING for the next poll; only an explicit rejection fails it.
// Transceivers that sign locally get the transaction signed once, and every attempt sends
// the stored bytes.
func (b *BroadcastListener) broadcast(ctx context.Context, primary models.PrimaryWallet, tr transceiver.Transceiver, tx models.PendingTransaction) (models.TxOutcome, error) {
	meta := transceiver.BroadcastMetadata{
		TransactionId:     tx.Id,
		WalletId:          tx.WalletId,
		PrimaryWalletName: primary.Name,
		Blockchain:        primary.Blockchain,
		ToAddress:         tx.ToAddress,
		Amount:            tx.Amount,
		Fee:               tx.Fee,
	}

	if signer, ok := tr.(transceiver.Signer); ok && len(tx.SignedPayload) == 0 {
		signed, err := transceiver.Call(ctx, b.callTimeout, primary.Blockchain+" signer",
			func(ctx context.Context) (*transceiver.SignResult, error) {
				return signer.Sign(ctx, tx.RawPayload, meta)
			})
		if err != nil {
			return b.deferred(tx, primary, "Signing failed, will retry", err), nil
		}
		if signed.Reason != "" {
			return b.reject(ctx, primary, tx, signed.Reason)
		}

		stored, err := b.ledger.Lifecycle().RecordSigned(ctx, tx.Id, signed.Payload, signed.ExternalId)
		if errors.Is(err, apperror.ErrStateConflict) {
			zap.L().Warn("Transaction left PENDING before it was signed", zap.String("transaction_id", tx.Id), zap.Error(err))
			return "", nil
		}
		if err != nil {
			return "", fmt.Errorf("failed to store signed payload of %s: %w", tx.Id, err)
		}
		tx = *stored
	}

	payload := tx.RawPayload
	if len(tx.SignedPayload) > 0 {
		payload = tx.SignedPayload
	}
	res, err := transceiver.Call(ctx, b.callTimeout, primary.Blockchain+" transceiver",
		func(ctx context.Context) (*transceiver.BroadcastResult, error) {
			return tr.BroadcastTransaction(ctx, payload, meta)
		})
	if err != nil {
		return b.deferred(tx, primary, "Broadcast failed, will retry", err), nil
	}

	if !res.Accepted {
		return b.reject(ctx, primary, tx, res.Reason)
	}

	externalId := res.ExternalId
	if externalId == "" {
		externalId = tx.SignedId
	}
	if err := b.report(ctx, tx.Id, models.OutcomeBroadcastAck, externalId); err != nil {
		return "", err
	}
	b.printf(colorGreen, "  ✓ %s broadcast as %s", txLabel(tx), shortId(externalId))
	return models.OutcomeBroadcastAck, nil
}

// deferred logs a transient broadcast problem; the transaction stays PENDING
func (b *BroadcastListener) deferred(tx models.PendingTransaction, primary models.PrimaryWallet, msg string, err error) models.TxOutcome {
	if apperror.IsTransient(err) {
		zap.L().Warn(msg,
			zap.String("transaction_id", tx.Id),
			zap.String("primary_wallet", primary.Name),
			zap.Error(err))
	} else {
		zap.L().Error(msg,
			zap.String("transaction_id", tx.Id),
			zap.String("primary_wallet", primary.Name),
			zap.Error(err))
	}
	b.printf(colorYellow, "  ~ %s broadcast deferred: %v", txLabel(tx), err)
	return ""
}

func (b *BroadcastListener) reject(ctx context.Context, primary models.PrimaryWallet, tx models.PendingTransaction, reason string) (models.TxOutcome, error) {
	zap.L().Warn("Broadcast rejected",
		zap.String("transaction_id", tx.Id),
		zap.String("primary_wallet", primary.Name),
		zap.String("reason", reason))
	if err := b.report(ctx, tx.Id, models.OutcomeFailed, ""); err != nil {
		return "", err
	}
	b.printf(colorRed, "  ✗ %s rejected: %s", txLabel(tx), reason)
	return models.OutcomeFailed, nil
}

// settle matches BROADCAST transactions against the transceiver's history, by reference
// (our transaction id) or by the external id returned at broadcast
func (b *BroadcastListener) settle(ctx context.Context, primary models.PrimaryWallet, tr transceiver.Transceiver, txs []models.PendingTransaction) (PollSummary, error) {
	var summary PollSummary

	opts := transceiver.HistoryOptions{Since: time.Now().UTC().Add(-b.lookbackWindow)}
	for _, tx := range txs {
		if tx.ExternalReference != "" {
			opts.ExternalIds = append(opts.ExternalIds, tx.ExternalReference)
		}
	}

	history, err := transceiver.Call(ctx, b.callTimeout, primary.Blockchain+" transceiver",
		func(ctx context.Context) ([]transceiver.ChainTransaction, error) {
			return tr.GetTransactionHistory(ctx, primary.Address, opts)
		})
	if err != nil {
		summary.Deferred += len(txs)
		if errors.Is(err, transceiver.ErrUnsupported) {
			zap.L().Debug("Transceiver has no history, results must be reported by the caller",
				zap.String("primary_wallet", primary.Name))
			return summary, nil
		}
		zap.L().Warn("Failed to fetch transaction history",
			zap.String("primary_wallet", primary.Name),
			zap.Error(err))
		return summary, nil
	}

	byRef := make(map[string]transceiver.ChainTransaction, len(history)*2)
	for _, ct := range history {
		if ct.Reference != "" {
			byRef[ct.Reference] = ct
		}
		if ct.Id != "" {
			byRef[ct.Id] = ct
		}
	}

	for _, tx := range txs {
		ct, ok := byRef[tx.Id]
		if !ok && tx.ExternalReference != "" {
			ct, ok = byRef[tx.ExternalReference]
		}
		if !ok || ct.Status == transceiver.ChainStatusPending {
			summary.Deferred++
			continue
		}

		outcome := models.OutcomeConfirmed
		if ct.Status == transceiver.ChainStatusFailed {
			outcome = models.OutcomeFailed
		}
		if err := b.report(ctx, tx.Id, outcome, ct.Id); err != nil {
			return summary, err
		}
		if outcome == models.OutcomeConfirmed {
			summary.Confirmed++
			b.printf(colorGreen, "  ✓ %s confirmed", txLabel(tx))
		} else {
			summary.Failed++
			b.printf(colorRed, "  ✗ %s failed on chain", txLabel(tx))
		}
	}
	return summary, nil
}

// report applies an outcome; a conflicting terminal state reported elsewhere is logged, not fatal
func (b *BroadcastListener) report(ctx context.Context, id string, outcome models.TxOutcome, externalRef string) error {
	_, err := b.ledger.Lifecycle().ReportResult(ctx, id, outcome, externalRef)
	if err == nil {
		return nil
	}
	if errors.Is(err, apperror.ErrStateConflict) {
		zap.L().Warn("Transaction already settled with a different outcome",
			zap.String("transaction_id", id),
			zap.String("outcome", string(outcome)),
			zap.Error(err))
		return nil
	}
	return fmt.Errorf("failed to report %s for %s: %w", outcome, id, err)
}
