package ledger

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"custodial-ledger-go/internal/apperror"
	"custodial-ledger-go/internal/models"
	"custodial-ledger-go/internal/store"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

type TransferParams struct {
	FromWalletId string
	ToWalletId   string
	Amount       decimal.Decimal
	Memo         string
}

type DepositParams struct {
	WalletId    string
	Amount      decimal.Decimal
	ExternalRef string
	Memo        string
}

// partialGroup re-reads the given wallets of one group; the caller holds the group lock
func (l *Ledger) partialGroup(ctx context.Context, primaryWalletName string, ids ...string) (*Group, error) {
	primary, ok := l.primaries[primaryWalletName]
	if !ok {
		return nil, apperror.InvalidRequest(fmt.Sprintf("unknown primary wallet %s", primaryWalletName))
	}
	g := &Group{
		Primary: primary,
		baseId:  l.BaseWalletIDFor(primary),
		wallets: make(map[string]*walletState, len(ids)),
	}
	for _, id := range ids {
		if _, seen := g.wallets[id]; seen {
			continue
		}
		st, err := l.loadWallet(ctx, id)
		if err != nil {
			return nil, err
		}
		if st.wallet.PrimaryWalletName != primaryWalletName {
			return nil, apperror.CrossGroupTransfer(ids[0], id)
		}
		g.wallets[id] = st
		g.order = append(g.order, id)
	}
	sort.Strings(g.order)
	return g, nil
}

// Transfer atomically moves amount between two standard wallets of the same primary wallet
func (l *Ledger) Transfer(ctx context.Context, params TransferParams) (*models.TransferRecord, error) {
	if err := l.begin(); err != nil {
		return nil, err
	}
	defer l.end()

	if err := requirePositive("amount", params.Amount); err != nil {
		return nil, err
	}
	if params.FromWalletId == params.ToWalletId {
		return nil, apperror.InvalidRequest("source and destination wallets must differ")
	}

	from, err := l.loadWallet(ctx, params.FromWalletId)
	if err != nil {
		return nil, err
	}
	to, err := l.loadWallet(ctx, params.ToWalletId)
	if err != nil {
		return nil, err
	}
	if from.wallet.IsBase() {
		return nil, apperror.BaseWalletRestriction(from.wallet.Id, "transfer")
	}
	if to.wallet.IsBase() {
		return nil, apperror.BaseWalletRestriction(to.wallet.Id, "transfer")
	}
	if from.wallet.PrimaryWalletName != to.wallet.PrimaryWalletName {
		return nil, apperror.CrossGroupTransfer(from.wallet.Id, to.wallet.Id)
	}
	group := from.wallet.PrimaryWalletName

	record := &models.TransferRecord{
		Id:                uuid.New().String(),
		PrimaryWalletName: group,
		FromWalletId:      params.FromWalletId,
		ToWalletId:        params.ToWalletId,
		Amount:            params.Amount,
		Memo:              params.Memo,
	}

	err = l.WithGroupLock(group, func() error {
		g, err := l.partialGroup(ctx, group, params.FromWalletId, params.ToWalletId)
		if err != nil {
			return err
		}
		src, _ := g.get(params.FromWalletId)
		if src.wallet.Balance.LessThan(params.Amount) {
			return apperror.InsufficientBalance(src.wallet.Id, src.wallet.Balance.String(), params.Amount.String())
		}

		muts, err := l.balanceMutations(g, map[string]decimal.Decimal{
			params.FromWalletId: params.Amount.Neg(),
			params.ToWalletId:   params.Amount,
		})
		if err != nil {
			return err
		}
		record.CreatedAt = l.Now()
		rec, err := recordMutation(store.RecordTransfer, record.Id, record)
		if err != nil {
			return err
		}
		return l.store.Apply(ctx, append(muts, rec))
	})
	if err != nil {
		zap.L().Warn("Transfer rejected",
			zap.String("from_wallet_id", params.FromWalletId),
			zap.String("to_wallet_id", params.ToWalletId),
			zap.String("amount", params.Amount.String()),
			zap.Error(err))
		return nil, err
	}

	zap.L().Info("Transfer committed",
		zap.String("record_id", record.Id),
		zap.String("primary_wallet", group),
		zap.String("from_wallet_id", record.FromWalletId),
		zap.String("to_wallet_id", record.ToWalletId),
		zap.String("amount", record.Amount.String()))

	entry := l.journalEntry(l.primaries[group], record.Id, store.RecordTransfer,
		[]models.Posting{{Source: record.FromWalletId, Destination: record.ToWalletId, Amount: record.Amount}},
		map[string]string{"memo": record.Memo})
	return record, l.afterCommit(ctx, group, Trigger(store.RecordTransfer, record.Id), entry)
}

// Deposit credits a standard wallet for an observed external deposit. A repeated external
// reference is rejected without a second credit.
func (l *Ledger) Deposit(ctx context.Context, params DepositParams) (*models.DepositRecord, error) {
	if err := l.begin(); err != nil {
		return nil, err
	}
	defer l.end()

	if err := requirePositive("amount", params.Amount); err != nil {
		return nil, err
	}
	st, err := l.loadWallet(ctx, params.WalletId)
	if err != nil {
		return nil, err
	}
	if st.wallet.IsBase() {
		return nil, apperror.BaseWalletRestriction(st.wallet.Id, "direct funding")
	}
	group := st.wallet.PrimaryWalletName

	record := &models.DepositRecord{
		Id:                uuid.New().String(),
		PrimaryWalletName: group,
		WalletId:          params.WalletId,
		Amount:            params.Amount,
		ExternalRef:       params.ExternalRef,
		Memo:              params.Memo,
	}

	err = l.WithGroupLock(group, func() error {
		g, err := l.partialGroup(ctx, group, params.WalletId)
		if err != nil {
			return err
		}
		muts, err := l.balanceMutations(g, map[string]decimal.Decimal{params.WalletId: params.Amount})
		if err != nil {
			return err
		}
		record.CreatedAt = l.Now()
		rec, err := recordMutation(store.RecordDeposit, record.Id, record)
		if err != nil {
			return err
		}
		muts = append(muts, rec)
		if params.ExternalRef != "" {
			muts = append(muts, store.Put(store.DepositRefKey(params.ExternalRef), []byte(record.Id)).IfAbsent())
		}
		return l.store.Apply(ctx, muts)
	})
	if errors.Is(err, store.ErrDuplicateTransaction) {
		zap.L().Warn("Duplicate deposit reference, skipping",
			zap.String("wallet_id", params.WalletId),
			zap.String("external_ref", params.ExternalRef))
		return nil, apperror.Wrap(apperror.CodeInvalidRequest,
			fmt.Sprintf("deposit %s was already recorded", params.ExternalRef), err)
	}
	if err != nil {
		return nil, err
	}

	zap.L().Info("Deposit committed",
		zap.String("record_id", record.Id),
		zap.String("wallet_id", record.WalletId),
		zap.String("amount", record.Amount.String()),
		zap.String("external_ref", record.ExternalRef))

	entry := l.journalEntry(l.primaries[group], record.Id, store.RecordDeposit,
		[]models.Posting{{Source: models.JournalExternal, Destination: record.WalletId, Amount: record.Amount}},
		map[string]string{"external_ref": record.ExternalRef})
	return record, l.afterCommit(ctx, group, Trigger(store.RecordDeposit, record.Id), entry)
}
