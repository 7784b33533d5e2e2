package ledger

import (
	"context"
	"errors"
	"fmt"

	"custodial-ledger-go/internal/apperror"
	"custodial-ledger-go/internal/lifecycle"
	"custodial-ledger-go/internal/models"
	"custodial-ledger-go/internal/store"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

type WithdrawParams struct {
	WalletId  string
	ToAddress string
	Amount    decimal.Decimal
	Fee       decimal.Decimal
	Memo      string
}

// Withdraw debits amount+fee and hands the transfer to the lifecycle manager in the same
// atomic batch. The returned record carries the pending transaction id.
func (l *Ledger) Withdraw(ctx context.Context, params WithdrawParams) (*models.WithdrawalRecord, error) {
	if err := l.begin(); err != nil {
		return nil, err
	}
	defer l.end()

	if params.Amount.IsNegative() || params.Fee.IsNegative() {
		return nil, apperror.InvalidRequest("amount and fee must not be negative")
	}
	total := params.Amount.Add(params.Fee)
	if err := requirePositive("amount plus fee", total); err != nil {
		return nil, err
	}
	if params.ToAddress == "" {
		return nil, apperror.InvalidRequest("destination address is required")
	}

	st, err := l.loadWallet(ctx, params.WalletId)
	if err != nil {
		return nil, err
	}
	group := st.wallet.PrimaryWalletName

	record := &models.WithdrawalRecord{
		Id:                uuid.New().String(),
		PrimaryWalletName: group,
		WalletId:          params.WalletId,
		ToAddress:         params.ToAddress,
		Amount:            params.Amount,
		Fee:               params.Fee,
		Memo:              params.Memo,
	}

	var pending *models.PendingTransaction
	err = l.WithGroupLock(group, func() error {
		g, err := l.partialGroup(ctx, group, params.WalletId)
		if err != nil {
			return err
		}
		src, _ := g.get(params.WalletId)
		if src.wallet.Balance.LessThan(total) {
			return apperror.InsufficientBalance(src.wallet.Id, src.wallet.Balance.String(), total.String())
		}

		onChain, known, err := l.LastKnownOnChain(ctx, group)
		if err != nil {
			return err
		}
		if known {
			inFlight, err := l.lifecycle.InFlightTotal(ctx, group)
			if err != nil {
				return err
			}
			if committed := inFlight.Add(total); committed.GreaterThan(onChain) {
				return apperror.AggregateExceedsOnChain(group, committed.String(), onChain.String())
			}
		}

		muts, err := l.balanceMutations(g, map[string]decimal.Decimal{params.WalletId: total.Neg()})
		if err != nil {
			return err
		}

		tx, txMuts, err := l.lifecycle.Prepare(lifecycle.CreateRequest{
			Source:            models.TxSourceWithdrawal,
			WalletId:          params.WalletId,
			PrimaryWalletName: group,
			ToAddress:         params.ToAddress,
			Amount:            params.Amount,
			Fee:               params.Fee,
		})
		if err != nil {
			return err
		}
		record.PendingTransactionId = tx.Id
		record.CreatedAt = l.Now()
		rec, err := recordMutation(store.RecordWithdrawal, record.Id, record)
		if err != nil {
			return err
		}

		muts = append(muts, rec)
		muts = append(muts, txMuts...)
		if err := l.store.Apply(ctx, muts); err != nil {
			return err
		}
		lifecycle.Commit(tx)
		pending = tx
		return nil
	})
	if err != nil {
		zap.L().Warn("Withdrawal rejected",
			zap.String("wallet_id", params.WalletId),
			zap.String("amount", params.Amount.String()),
			zap.String("fee", params.Fee.String()),
			zap.Error(err))
		return nil, err
	}

	zap.L().Info("Withdrawal committed",
		zap.String("record_id", record.Id),
		zap.String("wallet_id", record.WalletId),
		zap.String("transaction_id", pending.Id),
		zap.String("to_address", record.ToAddress),
		zap.String("amount", record.Amount.String()),
		zap.String("fee", record.Fee.String()))

	entry := l.journalEntry(l.primaries[group], record.Id, store.RecordWithdrawal,
		[]models.Posting{{Source: record.WalletId, Destination: models.JournalExternal, Amount: total}},
		map[string]string{"transaction_id": pending.Id, "to_address": record.ToAddress, "fee": record.Fee.String()})
	return record, l.afterCommit(ctx, group, Trigger(store.RecordWithdrawal, record.Id), entry)
}

// onTransactionFailed is registered with the lifecycle manager
func (l *Ledger) onTransactionFailed(ctx context.Context, tx *models.PendingTransaction) {
	if tx.Source != models.TxSourceWithdrawal {
		return
	}
	if _, err := l.RefundFailedWithdrawal(ctx, tx.Id); err != nil {
		zap.L().Error("Failed to refund failed withdrawal, will retry on next sweep",
			zap.String("transaction_id", tx.Id),
			zap.String("wallet_id", tx.WalletId),
			zap.Error(err))
	}
}

// RefundFailedWithdrawal credits amount+fee of a FAILED withdrawal back to its wallet.
// The refund-due marker is consumed in the same batch, so a transaction is refunded at most once.
func (l *Ledger) RefundFailedWithdrawal(ctx context.Context, transactionId string) (*models.RefundRecord, error) {
	if err := l.begin(); err != nil {
		return nil, err
	}
	defer l.end()

	var tx models.PendingTransaction
	if _, err := store.GetJSON(ctx, l.store, store.RefundDueKey(transactionId), &tx); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, nil
		}
		return nil, err
	}

	record := &models.RefundRecord{
		Id:                   tx.Id,
		PrimaryWalletName:    tx.PrimaryWalletName,
		WalletId:             tx.WalletId,
		PendingTransactionId: tx.Id,
		Amount:               tx.Total(),
	}

	refunded := false
	err := l.WithGroupLock(tx.PrimaryWalletName, func() error {
		due, err := l.store.Get(ctx, store.RefundDueKey(transactionId))
		if errors.Is(err, store.ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}

		g, err := l.partialGroup(ctx, tx.PrimaryWalletName, tx.WalletId)
		if err != nil {
			return err
		}
		muts, err := l.balanceMutations(g, map[string]decimal.Decimal{tx.WalletId: record.Amount})
		if err != nil {
			return err
		}
		record.CreatedAt = l.Now()
		rec, err := recordMutation(store.RecordRefund, record.Id, record)
		if err != nil {
			return err
		}
		muts = append(muts, rec,
			store.Check(store.RefundDueKey(transactionId), store.CondEquals, due),
			store.Delete(store.RefundDueKey(transactionId)),
			store.Delete(store.PendingOpenKey(transactionId)))
		if err := l.store.Apply(ctx, muts); err != nil {
			return err
		}
		refunded = true
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("refund of %s: %w", transactionId, err)
	}
	if !refunded {
		return nil, nil
	}

	zap.L().Info("Failed withdrawal refunded",
		zap.String("transaction_id", transactionId),
		zap.String("wallet_id", record.WalletId),
		zap.String("amount", record.Amount.String()))

	entry := l.journalEntry(l.primaries[tx.PrimaryWalletName], "refund-"+record.Id, store.RecordRefund,
		[]models.Posting{{Source: models.JournalExternal, Destination: record.WalletId, Amount: record.Amount}},
		map[string]string{"transaction_id": transactionId})
	if err := l.afterCommit(ctx, tx.PrimaryWalletName, Trigger(store.RecordRefund, record.Id), entry); err != nil {
		zap.L().Warn("Reconciliation after refund reported a problem", zap.String("transaction_id", transactionId), zap.Error(err))
	}
	return record, nil
}

// ProcessDueRefunds retries every refund whose marker is still present
func (l *Ledger) ProcessDueRefunds(ctx context.Context) (int, error) {
	kvs, err := l.store.RangeScan(ctx, store.RefundDuePrefix)
	if err != nil {
		return 0, fmt.Errorf("failed to scan due refunds: %w", err)
	}

	done := 0
	var errs []error
	for _, kv := range kvs {
		id := kv.Key[len(store.RefundDuePrefix):]
		rec, err := l.RefundFailedWithdrawal(ctx, id)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if rec != nil {
			done++
		}
	}
	return done, errors.Join(errs...)
}
