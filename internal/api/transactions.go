package api

import (
	"context"
	"fmt"

	"custodial-ledger-go/internal/apperror"
	"custodial-ledger-go/internal/ledger"
	"custodial-ledger-go/internal/lifecycle"
	"custodial-ledger-go/internal/models"
	"custodial-ledger-go/internal/reconcile"
	"custodial-ledger-go/internal/store"

	"go.uber.org/zap"
)

func (s *LedgerService) Transfer(ctx context.Context, params ledger.TransferParams) Response[*models.TransferRecord] {
	record, err := s.ledger.Transfer(ctx, params)
	if record == nil {
		return Response[*models.TransferRecord]{Messages: []models.Message{failure("transfer", err)}}
	}
	return committed(ctx, s, "transfer", record, record.PrimaryWalletName,
		ledger.Trigger(store.RecordTransfer, record.Id), err, false)
}

func (s *LedgerService) Withdraw(ctx context.Context, params ledger.WithdrawParams) Response[*models.WithdrawalRecord] {
	record, err := s.ledger.Withdraw(ctx, params)
	if record == nil {
		return Response[*models.WithdrawalRecord]{Messages: []models.Message{failure("withdraw", err)}}
	}
	return committed(ctx, s, "withdraw", record, record.PrimaryWalletName,
		ledger.Trigger(store.RecordWithdrawal, record.Id), err, true)
}

func (s *LedgerService) Distribute(ctx context.Context, params ledger.DistributeParams) Response[*models.DistributionRecord] {
	record, err := s.ledger.Distribute(ctx, params)
	if record == nil {
		return Response[*models.DistributionRecord]{Messages: []models.Message{failure("distribute", err)}}
	}
	return committed(ctx, s, "distribute", record, record.PrimaryWalletName,
		ledger.Trigger(store.RecordDistribution, record.Id), err, false)
}

func (s *LedgerService) Deposit(ctx context.Context, params ledger.DepositParams) Response[*models.DepositRecord] {
	record, err := s.ledger.Deposit(ctx, params)
	if record == nil {
		return Response[*models.DepositRecord]{Messages: []models.Message{failure("deposit", err)}}
	}
	return committed(ctx, s, "deposit", record, record.PrimaryWalletName,
		ledger.Trigger(store.RecordDeposit, record.Id), err, false)
}

// CreatePayout tracks an outbound transaction that does not debit an internal wallet
func (s *LedgerService) CreatePayout(ctx context.Context, req lifecycle.CreateRequest) Response[*models.PendingTransaction] {
	req.Source = models.TxSourcePayout
	tx, err := s.ledger.Lifecycle().Create(ctx, req)
	if err != nil {
		return Response[*models.PendingTransaction]{Messages: []models.Message{failure("create payout", err)}}
	}
	return Response[*models.PendingTransaction]{Success: true, Result: tx}
}

func (s *LedgerService) ListPending(ctx context.Context) Response[[]models.PendingTransaction] {
	txs, err := s.ledger.Lifecycle().ListPending(ctx)
	if err != nil {
		return Response[[]models.PendingTransaction]{Messages: []models.Message{failure("list pending", err)}}
	}
	return Response[[]models.PendingTransaction]{Success: true, Result: txs}
}

func (s *LedgerService) GetTransaction(ctx context.Context, id string) Response[*models.PendingTransaction] {
	tx, err := s.ledger.Lifecycle().Get(ctx, id)
	if err != nil {
		return Response[*models.PendingTransaction]{Messages: []models.Message{failure("get transaction", err)}}
	}
	return Response[*models.PendingTransaction]{Success: true, Result: tx}
}

// ReportResult applies a broadcast outcome. A failed withdrawal is refunded by the ledger.
func (s *LedgerService) ReportResult(ctx context.Context, id string, outcome models.TxOutcome, externalReference string) Response[*models.PendingTransaction] {
	tx, err := s.ledger.Lifecycle().ReportResult(ctx, id, outcome, externalReference)
	if err != nil {
		return Response[*models.PendingTransaction]{Messages: []models.Message{failure("report result", err)}}
	}
	return Response[*models.PendingTransaction]{Success: true, Result: tx}
}

func (s *LedgerService) ProcessDueRefunds(ctx context.Context) Response[int] {
	n, err := s.ledger.ProcessDueRefunds(ctx)
	if err != nil {
		return Response[int]{Result: n, Messages: []models.Message{failure("process refunds", err)}}
	}
	resp := Response[int]{Success: true, Result: n}
	if n > 0 {
		resp.add(models.Info(CodeRefundsProcessed, fmt.Sprintf("%d failed withdrawals refunded", n)))
	}
	return resp
}

// committed builds the response of a mutation that reached the store. err is non-nil only
// when strict-mode reconciliation flagged it after commit.
func committed[T any](ctx context.Context, s *LedgerService, operation string, result T, primaryWalletName, trigger string, err error, withdrawal bool) Response[T] {
	resp := Response[T]{Success: err == nil, Result: result}
	if err != nil {
		resp.add(failure(operation, err))
	} else {
		for _, m := range s.discrepancyWarnings(ctx, primaryWalletName, trigger) {
			resp.add(m)
		}
	}
	for _, m := range s.balanceWarnings(ctx, primaryWalletName, withdrawal) {
		resp.add(m)
	}
	return resp
}

// discrepancyWarnings reports what the post-mutation reconciliation flagged outside strict mode
func (s *LedgerService) discrepancyWarnings(ctx context.Context, primaryWalletName, trigger string) []models.Message {
	if s.engine == nil {
		return nil
	}
	found, err := s.engine.ListDiscrepancies(ctx, reconcile.DiscrepancyFilter{
		PrimaryWalletName: primaryWalletName,
		TriggeredBy:       trigger,
	})
	if err != nil {
		zap.L().Warn("Failed to look up discrepancies", zap.String("trigger", trigger), zap.Error(err))
		return nil
	}
	msgs := make([]models.Message, 0, len(found))
	for _, d := range found {
		msgs = append(msgs, discrepancyMessage(d))
	}
	return msgs
}

func discrepancyMessage(d models.Discrepancy) models.Message {
	return models.Warning(string(apperror.CodeDiscrepancyDetected), fmt.Sprintf(
		"%s discrepancy %s on %s: ledger %s, on-chain %s, base %s -> %s",
		d.Severity, d.Id, d.PrimaryWalletName, d.ExpectedBalance, d.ActualBalance,
		d.PreviousBaseBalance, d.ComputedBaseBalance))
}

func (s *LedgerService) balanceWarnings(ctx context.Context, primaryWalletName string, withdrawal bool) []models.Message {
	primary, ok := s.ledger.Primary(primaryWalletName)
	if !ok {
		return nil
	}
	onChain, known, err := s.ledger.LastKnownOnChain(ctx, primaryWalletName)
	if err != nil {
		zap.L().Warn("Failed to read last known on-chain balance",
			zap.String("primary_wallet", primaryWalletName),
			zap.Error(err))
		return nil
	}
	if !known {
		if withdrawal {
			return []models.Message{models.Warning(CodeOnChainBalanceUnknown,
				fmt.Sprintf("no reconciliation of %s yet, on-chain coverage was not checked", primaryWalletName))}
		}
		return nil
	}
	if primary.LowBalanceThreshold.IsPositive() && onChain.LessThan(primary.LowBalanceThreshold) {
		return []models.Message{models.Warning(CodePrimaryBalanceLow,
			fmt.Sprintf("%s on-chain balance %s is below %s", primaryWalletName, onChain, primary.LowBalanceThreshold))}
	}
	return nil
}
