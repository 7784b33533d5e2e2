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
)

// walletState pairs a decoded wallet with the stored bytes it was read from
type walletState struct {
	wallet models.InternalWallet
	raw    []byte
}

// Group is a consistent snapshot of one primary wallet's internal wallets. It is only
// consistent while the caller holds the group lock.
type Group struct {
	Primary models.PrimaryWallet
	baseId  string
	wallets map[string]*walletState
	order   []string
}

func (l *Ledger) loadWallet(ctx context.Context, id string) (*walletState, error) {
	st := &walletState{}
	raw, err := store.GetJSON(ctx, l.store, store.WalletKey(id), &st.wallet)
	if errors.Is(err, store.ErrNotFound) {
		return nil, apperror.WalletNotFound(id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load wallet %s: %w", id, err)
	}
	st.raw = raw
	return st, nil
}

// LoadGroup reads every wallet of a primary wallet. Callers that write based on it must
// hold the group lock.
func (l *Ledger) LoadGroup(ctx context.Context, primaryWalletName string) (*Group, error) {
	primary, ok := l.primaries[primaryWalletName]
	if !ok {
		return nil, apperror.InvalidRequest(fmt.Sprintf("unknown primary wallet %s", primaryWalletName))
	}

	kvs, err := l.store.RangeScan(ctx, store.GroupScanPrefix(primaryWalletName))
	if err != nil {
		return nil, fmt.Errorf("failed to scan group %s: %w", primaryWalletName, err)
	}

	g := &Group{
		Primary: primary,
		baseId:  l.BaseWalletIDFor(primary),
		wallets: make(map[string]*walletState, len(kvs)),
	}
	for _, kv := range kvs {
		id := store.GroupMember(kv.Key)
		st, err := l.loadWallet(ctx, id)
		if errors.Is(err, apperror.ErrWalletNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		g.wallets[id] = st
		g.order = append(g.order, id)
	}
	return g, nil
}

// Wallets returns the wallets of the group in id order
func (g *Group) Wallets() []models.InternalWallet {
	out := make([]models.InternalWallet, 0, len(g.order))
	for _, id := range g.order {
		out = append(out, g.wallets[id].wallet)
	}
	return out
}

// StandardSum is the sum of every standard wallet balance in the group
func (g *Group) StandardSum() decimal.Decimal {
	sum := decimal.Zero
	for _, st := range g.wallets {
		if !st.wallet.IsBase() {
			sum = sum.Add(st.wallet.Balance)
		}
	}
	return sum
}

// Total is the sum of every wallet balance in the group, base included
func (g *Group) Total() decimal.Decimal {
	sum := decimal.Zero
	for _, st := range g.wallets {
		sum = sum.Add(st.wallet.Balance)
	}
	return sum
}

// Base returns the group's base wallet, if it has been created
func (g *Group) Base() (models.InternalWallet, bool) {
	st, ok := g.wallets[g.baseId]
	if !ok {
		return models.InternalWallet{}, false
	}
	return st.wallet, true
}

func (g *Group) BaseID() string { return g.baseId }

func (g *Group) get(id string) (*walletState, bool) {
	st, ok := g.wallets[id]
	return st, ok
}

// balanceMutations applies deltas to the group's wallets and returns the guarded writes.
// A delta that would take a standard wallet below zero fails with InsufficientBalance.
func (l *Ledger) balanceMutations(g *Group, deltas map[string]decimal.Decimal) ([]store.Mutation, error) {
	now := l.Now()
	var muts []store.Mutation
	for _, id := range g.order {
		delta, ok := deltas[id]
		if !ok || delta.IsZero() {
			continue
		}
		st := g.wallets[id]
		next := st.wallet
		next.Balance = next.Balance.Add(delta)
		if next.Balance.IsNegative() && !next.IsBase() {
			return nil, apperror.InsufficientBalance(id, st.wallet.Balance.String(), delta.Neg().String())
		}
		next.Version++
		next.UpdatedAt = now

		raw, err := json.Marshal(&next)
		if err != nil {
			return nil, fmt.Errorf("failed to encode wallet %s: %w", id, err)
		}
		muts = append(muts, store.Put(store.WalletKey(id), raw).IfUnchanged(st.raw))
	}
	for id := range deltas {
		if _, ok := g.wallets[id]; !ok {
			return nil, apperror.WalletNotFound(id)
		}
	}
	return muts, nil
}

// BaseBalanceMutations sets the base wallet balance, creating the wallet if it does not
// exist yet. The caller must hold the group lock.
func (l *Ledger) BaseBalanceMutations(g *Group, balance decimal.Decimal) ([]store.Mutation, *models.InternalWallet, error) {
	now := l.Now()
	st, exists := g.wallets[g.baseId]
	if !exists {
		w := &models.InternalWallet{
			Id:                g.baseId,
			Blockchain:        g.Primary.Blockchain,
			PrimaryWalletName: g.Primary.Name,
			Kind:              models.WalletKindBase,
			Balance:           balance,
			Version:           1,
			CreatedAt:         now,
			UpdatedAt:         now,
		}
		muts, err := newWalletMutations(w)
		return muts, w, err
	}

	next := st.wallet
	if next.Balance.Equal(balance) {
		return nil, &next, nil
	}
	next.Balance = balance
	next.Version++
	next.UpdatedAt = now
	raw, err := json.Marshal(&next)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to encode wallet %s: %w", next.Id, err)
	}
	return []store.Mutation{store.Put(store.WalletKey(next.Id), raw).IfUnchanged(st.raw)}, &next, nil
}

func newWalletMutations(w *models.InternalWallet) ([]store.Mutation, error) {
	put, _, err := store.PutJSON(store.WalletKey(w.Id), w)
	if err != nil {
		return nil, err
	}
	return []store.Mutation{
		put.IfAbsent(),
		store.Put(store.GroupKey(w.PrimaryWalletName, w.Id), []byte(w.Id)),
	}, nil
}

func recordMutation(kind, id string, record any) (store.Mutation, error) {
	put, _, err := store.PutJSON(store.RecordKey(kind, id), record)
	if err != nil {
		return store.Mutation{}, err
	}
	return put.IfAbsent(), nil
}
