package api

import (
	"context"

	"custodial-ledger-go/internal/ledger"
	"custodial-ledger-go/internal/models"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

func (s *LedgerService) CreateWallet(ctx context.Context, params ledger.CreateWalletParams) Response[*models.InternalWallet] {
	wallet, err := s.ledger.CreateWallet(ctx, params)
	if err != nil {
		return Response[*models.InternalWallet]{Messages: []models.Message{failure("create wallet", err)}}
	}
	return Response[*models.InternalWallet]{Success: true, Result: wallet}
}

func (s *LedgerService) GetWallet(ctx context.Context, id string) Response[*models.InternalWallet] {
	wallet, err := s.ledger.GetWallet(ctx, id)
	if err != nil {
		return Response[*models.InternalWallet]{Messages: []models.Message{failure("get wallet", err)}}
	}
	return Response[*models.InternalWallet]{Success: true, Result: wallet}
}

// GetBalance returns the balance of an internal wallet, base wallets included
func (s *LedgerService) GetBalance(ctx context.Context, id string) Response[decimal.Decimal] {
	balance, err := s.ledger.GetBalance(ctx, id)
	if err != nil {
		return Response[decimal.Decimal]{Messages: []models.Message{failure("get balance", err)}}
	}
	return Response[decimal.Decimal]{Success: true, Result: balance}
}

// ListWallets lists the wallets of one primary wallet, or all wallets when the name is empty
func (s *LedgerService) ListWallets(ctx context.Context, primaryWalletName string) Response[[]models.InternalWallet] {
	wallets, err := s.ledger.ListWallets(ctx, primaryWalletName)
	if err != nil {
		return Response[[]models.InternalWallet]{Messages: []models.Message{failure("list wallets", err)}}
	}
	return Response[[]models.InternalWallet]{Success: true, Result: wallets}
}

func (s *LedgerService) WalletHistory(ctx context.Context, id string) Response[[]models.BalanceHistoryEntry] {
	history, err := s.ledger.WalletHistory(ctx, id)
	if err != nil {
		return Response[[]models.BalanceHistoryEntry]{Messages: []models.Message{failure("wallet history", err)}}
	}
	return Response[[]models.BalanceHistoryEntry]{Success: true, Result: history}
}

func (s *LedgerService) DeleteWallet(ctx context.Context, id string) Response[string] {
	if err := s.ledger.DeleteWallet(ctx, id); err != nil {
		return Response[string]{Messages: []models.Message{failure("delete wallet", err)}}
	}
	zap.L().Info("Wallet deleted through API", zap.String("wallet_id", id))
	return Response[string]{
		Success:  true,
		Result:   id,
		Messages: []models.Message{models.Info(CodeWalletDeleted, "wallet "+id+" deleted")},
	}
}
