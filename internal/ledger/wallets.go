package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"custodial-ledger-go/internal/apperror"
	"custodial-ledger-go/internal/models"
	"custodial-ledger-go/internal/store"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

type CreateWalletParams struct {
	Id                string
	Blockchain        string
	PrimaryWalletName string
	Kind              models.WalletKind
	Metadata          map[string]string
}

func (l *Ledger) CreateWallet(ctx context.Context, params CreateWalletParams) (*models.InternalWallet, error) {
	if err := l.begin(); err != nil {
		return nil, err
	}
	defer l.end()

	if params.Id == "" {
		return nil, apperror.InvalidRequest("wallet id is required")
	}
	primary, ok := l.primaries[params.PrimaryWalletName]
	if !ok {
		return nil, apperror.InvalidRequest(fmt.Sprintf("unknown primary wallet %s", params.PrimaryWalletName))
	}
	if params.Blockchain == "" {
		params.Blockchain = primary.Blockchain
	}
	if params.Blockchain != primary.Blockchain {
		return nil, apperror.InvalidRequest(fmt.Sprintf("primary wallet %s is on %s, not %s",
			primary.Name, primary.Blockchain, params.Blockchain))
	}
	if params.Kind == "" {
		params.Kind = models.WalletKindStandard
	}

	switch params.Kind {
	case models.WalletKindStandard:
		if IsReserved(l.baseCfg.NamePrefix, params.Id) {
			return nil, apperror.ReservedNamespace(params.Id)
		}
	case models.WalletKindBase:
		if params.Id != l.BaseWalletIDFor(primary) {
			return nil, apperror.ReservedNamespace(params.Id)
		}
	default:
		return nil, apperror.InvalidRequest(fmt.Sprintf("unknown wallet kind %q", params.Kind))
	}

	now := l.Now()
	w := &models.InternalWallet{
		Id:                params.Id,
		Blockchain:        params.Blockchain,
		PrimaryWalletName: primary.Name,
		Kind:              params.Kind,
		Balance:           decimal.Zero,
		Metadata:          params.Metadata,
		Version:           1,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	muts, err := newWalletMutations(w)
	if err != nil {
		return nil, err
	}

	unlock := l.locks.Lock(primary.Name)
	err = l.store.Apply(ctx, muts)
	unlock()
	if errors.Is(err, store.ErrDuplicateTransaction) {
		return nil, apperror.DuplicateWalletId(params.Id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to create wallet %s: %w", params.Id, err)
	}

	zap.L().Info("Wallet created",
		zap.String("wallet_id", w.Id),
		zap.String("kind", string(w.Kind)),
		zap.String("primary_wallet", w.PrimaryWalletName),
		zap.String("blockchain", w.Blockchain))
	return w, nil
}

// EnsureBaseWallet creates the base wallet of a primary wallet if it does not exist
func (l *Ledger) EnsureBaseWallet(ctx context.Context, primaryWalletName string) (*models.InternalWallet, error) {
	primary, ok := l.primaries[primaryWalletName]
	if !ok {
		return nil, apperror.InvalidRequest(fmt.Sprintf("unknown primary wallet %s", primaryWalletName))
	}

	w, err := l.CreateWallet(ctx, CreateWalletParams{
		Id:                l.BaseWalletIDFor(primary),
		Blockchain:        primary.Blockchain,
		PrimaryWalletName: primary.Name,
		Kind:              models.WalletKindBase,
	})
	if errors.Is(err, apperror.ErrDuplicateWalletId) {
		return l.GetWallet(ctx, l.BaseWalletIDFor(primary))
	}
	return w, err
}

func (l *Ledger) GetWallet(ctx context.Context, id string) (*models.InternalWallet, error) {
	st, err := l.loadWallet(ctx, id)
	if err != nil {
		return nil, err
	}
	return &st.wallet, nil
}

func (l *Ledger) GetBalance(ctx context.Context, id string) (decimal.Decimal, error) {
	w, err := l.GetWallet(ctx, id)
	if err != nil {
		return decimal.Zero, err
	}
	return w.Balance, nil
}

// ListWallets returns the wallets of one primary wallet, or of all when name is empty
func (l *Ledger) ListWallets(ctx context.Context, primaryWalletName string) ([]models.InternalWallet, error) {
	if primaryWalletName != "" {
		g, err := l.LoadGroup(ctx, primaryWalletName)
		if err != nil {
			return nil, err
		}
		return g.Wallets(), nil
	}
	return store.ScanJSON[models.InternalWallet](ctx, l.store, store.WalletPrefix)
}

// WalletHistory returns every stored state of a wallet, oldest first
func (l *Ledger) WalletHistory(ctx context.Context, id string) ([]models.BalanceHistoryEntry, error) {
	entries, err := l.store.HistoryOf(ctx, store.WalletKey(id))
	if err != nil {
		return nil, fmt.Errorf("failed to read history of %s: %w", id, err)
	}
	if len(entries) == 0 {
		return nil, apperror.WalletNotFound(id)
	}

	out := make([]models.BalanceHistoryEntry, 0, len(entries))
	for _, e := range entries {
		if e.Deleted {
			out = append(out, models.BalanceHistoryEntry{Deleted: true, RecordedAt: e.RecordedAt})
			continue
		}
		var w models.InternalWallet
		if err := json.Unmarshal(e.Value, &w); err != nil {
			return nil, fmt.Errorf("failed to decode history of %s: %w", id, err)
		}
		out = append(out, models.BalanceHistoryEntry{Balance: w.Balance, Version: w.Version, RecordedAt: e.RecordedAt})
	}
	return out, nil
}

// DeleteWallet removes a standard wallet whose balance is zero
func (l *Ledger) DeleteWallet(ctx context.Context, id string) error {
	if err := l.begin(); err != nil {
		return err
	}
	defer l.end()

	st, err := l.loadWallet(ctx, id)
	if err != nil {
		return err
	}
	if st.wallet.IsBase() {
		return apperror.BaseWalletRestriction(id, "delete")
	}

	unlock := l.locks.Lock(st.wallet.PrimaryWalletName)
	defer unlock()

	st, err = l.loadWallet(ctx, id)
	if err != nil {
		return err
	}
	if !st.wallet.Balance.IsZero() {
		return apperror.WalletNotEmpty(id, st.wallet.Balance.String())
	}

	err = l.store.Apply(ctx, []store.Mutation{
		store.Check(store.WalletKey(id), store.CondEquals, st.raw),
		store.Delete(store.WalletKey(id)),
		store.Delete(store.GroupKey(st.wallet.PrimaryWalletName, id)),
	})
	if err != nil {
		return fmt.Errorf("failed to delete wallet %s: %w", id, err)
	}

	zap.L().Info("Wallet deleted", zap.String("wallet_id", id), zap.String("primary_wallet", st.wallet.PrimaryWalletName))
	return nil
}
