/**
 * Copyright 2025-present Coinbase Global, Inc.
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *  http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package basewallet

import (
	"context"
	"fmt"
	"time"

	"custodial-ledger-go/internal/apperror"
	"custodial-ledger-go/internal/ledger"
	"custodial-ledger-go/internal/models"
	"custodial-ledger-go/internal/transceiver"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

const defaultCallTimeout = 10 * time.Second

// Derivation is one computation of a primary wallet's base balance
type Derivation struct {
	PrimaryWalletName string
	OnChain           decimal.Decimal
	StandardSum       decimal.Decimal
	InFlight          decimal.Decimal
	Base              decimal.Decimal
}

// Negative reports over-allocation: more committed internal funds than exist on-chain
func (d Derivation) Negative() bool { return d.Base.IsNegative() }

// Derive computes the unallocated part of an on-chain balance. Outflows still in flight are
// already gone from the internal wallets but not yet from the chain, so they are subtracted too.
func Derive(onChain, standardSum, inFlight decimal.Decimal) decimal.Decimal {
	return onChain.Sub(standardSum).Sub(inFlight)
}

// Tracker derives base wallet balances from on-chain balances and the ledger
type Tracker struct {
	ledger       *ledger.Ledger
	transceivers map[string]transceiver.Transceiver
	cfg          models.BaseWalletConfig
	timeout      time.Duration
}

// NewTracker takes the transceivers keyed by primary wallet name
func NewTracker(l *ledger.Ledger, transceivers map[string]transceiver.Transceiver, cfg models.BaseWalletConfig, timeout time.Duration) *Tracker {
	if timeout <= 0 {
		timeout = defaultCallTimeout
	}
	return &Tracker{
		ledger:       l,
		transceivers: transceivers,
		cfg:          cfg,
		timeout:      timeout,
	}
}

// EnsureBaseWallets creates the base wallet of every primary wallet when configured to
func (t *Tracker) EnsureBaseWallets(ctx context.Context) error {
	if !t.cfg.CreateOnInitialization {
		zap.L().Info("Base wallet creation on initialization disabled")
		return nil
	}
	for _, p := range t.ledger.Primaries() {
		w, err := t.ledger.EnsureBaseWallet(ctx, p.Name)
		if err != nil {
			return fmt.Errorf("failed to ensure base wallet for %s: %w", p.Name, err)
		}
		zap.L().Debug("Base wallet ready",
			zap.String("primary_wallet", p.Name),
			zap.String("wallet_id", w.Id),
			zap.String("balance", w.Balance.String()))
	}
	return nil
}

// Transceiver returns the transceiver serving a primary wallet
func (t *Tracker) Transceiver(primaryWalletName string) (transceiver.Transceiver, error) {
	tr, ok := t.transceivers[primaryWalletName]
	if !ok {
		return nil, apperror.ConfigurationError(fmt.Sprintf("no transceiver configured for primary wallet %s", primaryWalletName), nil)
	}
	return tr, nil
}

// FetchOnChainBalance asks the primary wallet's transceiver for its balance, bounded by the
// tracker timeout. It must not be called with the group lock held.
func (t *Tracker) FetchOnChainBalance(ctx context.Context, primaryWalletName string) (decimal.Decimal, error) {
	primary, ok := t.ledger.Primary(primaryWalletName)
	if !ok {
		return decimal.Zero, apperror.InvalidRequest(fmt.Sprintf("unknown primary wallet %s", primaryWalletName))
	}
	tr, err := t.Transceiver(primaryWalletName)
	if err != nil {
		return decimal.Zero, err
	}

	return transceiver.Call(ctx, t.timeout, primary.Blockchain+" transceiver", func(ctx context.Context) (decimal.Decimal, error) {
		return tr.GetBalance(ctx, primary.Address)
	})
}

// DeriveFromGroup computes the base balance for a group snapshot. The caller holds the
// group lock so the standard sum and in-flight total are consistent with each other.
func (t *Tracker) DeriveFromGroup(ctx context.Context, g *ledger.Group, onChain decimal.Decimal) (Derivation, error) {
	inFlight, err := t.ledger.Lifecycle().InFlightTotal(ctx, g.Primary.Name)
	if err != nil {
		return Derivation{}, err
	}
	standardSum := g.StandardSum()
	return Derivation{
		PrimaryWalletName: g.Primary.Name,
		OnChain:           onChain,
		StandardSum:       standardSum,
		InFlight:          inFlight,
		Base:              Derive(onChain, standardSum, inFlight),
	}, nil
}

// DeriveBaseBalance fetches the on-chain balance and computes the base balance without
// writing anything
func (t *Tracker) DeriveBaseBalance(ctx context.Context, primaryWalletName string) (Derivation, error) {
	onChain, err := t.FetchOnChainBalance(ctx, primaryWalletName)
	if err != nil {
		return Derivation{}, err
	}

	var d Derivation
	err = t.ledger.WithGroupLock(primaryWalletName, func() error {
		g, err := t.ledger.LoadGroup(ctx, primaryWalletName)
		if err != nil {
			return err
		}
		d, err = t.DeriveFromGroup(ctx, g, onChain)
		return err
	})
	if err != nil {
		return Derivation{}, err
	}

	if d.Negative() {
		zap.L().Warn("Derived base balance is negative",
			zap.String("primary_wallet", primaryWalletName),
			zap.String("on_chain", d.OnChain.String()),
			zap.String("standard_sum", d.StandardSum.String()),
			zap.String("in_flight", d.InFlight.String()),
			zap.String("base", d.Base.String()))
	}
	return d, nil
}
