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

package prime

import (
	"context"
	"fmt"
	"sync"
	"time"

	"custodial-ledger-go/internal/models"
	"custodial-ledger-go/internal/transceiver"

	"github.com/coinbase-samples/prime-sdk-go/credentials"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

const Kind = "prime"

// walletAPI is what the transceiver needs from Prime
type walletAPI interface {
	WalletBalance(ctx context.Context, portfolioId, walletId string) (string, error)
	CreateWithdrawal(ctx context.Context, params CreateWithdrawalParams) (string, error)
	ListWalletTransactions(ctx context.Context, portfolioId, walletId string, startTime time.Time) ([]WalletTransaction, error)
}

// Transceiver serves a primary wallet held in a Coinbase Prime wallet. Broadcasting creates a
// Prime withdrawal keyed by the pending transaction id; results come from polling history.
type Transceiver struct {
	api         walletAPI
	portfolioId string
	walletId    string
	asset       string
}

// NewTransceiver reads the portfolio_id, wallet_id and optional asset options. The asset
// defaults to the primary wallet's asset and may carry a network suffix (ETH-ethereum-mainnet).
func NewTransceiver(api walletAPI, wallet models.PrimaryWallet) (*Transceiver, error) {
	opts := wallet.Transceiver.Options
	t := &Transceiver{
		api:         api,
		portfolioId: opts["portfolio_id"],
		walletId:    opts["wallet_id"],
		asset:       opts["asset"],
	}
	if t.asset == "" {
		t.asset = wallet.Asset
	}
	if t.portfolioId == "" || t.walletId == "" {
		return nil, fmt.Errorf("prime transceiver for %s needs portfolio_id and wallet_id options", wallet.Name)
	}
	if t.asset == "" {
		return nil, fmt.Errorf("prime transceiver for %s needs an asset", wallet.Name)
	}
	return t, nil
}

// NewFactory returns a transceiver factory sharing one Prime client, created on first use
func NewFactory(loadCreds func() (*credentials.Credentials, error)) transceiver.Factory {
	var (
		once    sync.Once
		svc     *Service
		initErr error
	)
	return func(_ context.Context, wallet models.PrimaryWallet) (transceiver.Transceiver, error) {
		once.Do(func() {
			creds, err := loadCreds()
			if err != nil {
				initErr = fmt.Errorf("failed to load Prime credentials: %w", err)
				return
			}
			svc, initErr = NewService(creds)
		})
		if initErr != nil {
			return nil, initErr
		}
		return NewTransceiver(svc, wallet)
	}
}

func (t *Transceiver) GetBalance(ctx context.Context, _ string) (decimal.Decimal, error) {
	raw, err := t.api.WalletBalance(ctx, t.portfolioId, t.walletId)
	if err != nil {
		return decimal.Zero, err
	}
	amount, err := decimal.NewFromString(raw)
	if err != nil {
		return decimal.Zero, fmt.Errorf("invalid Prime balance %q: %w", raw, err)
	}
	return amount, nil
}

// BroadcastTransaction creates the withdrawal. Prime charges network fees itself, so only the
// amount is sent.
func (t *Transceiver) BroadcastTransaction(ctx context.Context, rawPayload []byte, meta transceiver.BroadcastMetadata) (*transceiver.BroadcastResult, error) {
	intent, err := transceiver.DecodeIntent(rawPayload)
	if err != nil {
		return &transceiver.BroadcastResult{Accepted: false, Reason: err.Error()}, nil
	}
	if intent.To == "" || !intent.Amount.IsPositive() {
		return &transceiver.BroadcastResult{Accepted: false, Reason: "intent has no destination or amount"}, nil
	}

	activityId, err := t.api.CreateWithdrawal(ctx, CreateWithdrawalParams{
		PortfolioId:        t.portfolioId,
		WalletId:           t.walletId,
		DestinationAddress: intent.To,
		Amount:             intent.Amount.String(),
		Asset:              t.asset,
		IdempotencyKey:     meta.TransactionId,
	})
	if err != nil {
		return nil, err
	}
	return &transceiver.BroadcastResult{Accepted: true, ExternalId: activityId}, nil
}

func (t *Transceiver) GetUTXOs(context.Context, string) ([]transceiver.UTXO, error) {
	return nil, transceiver.ErrUnsupported
}

func (t *Transceiver) GetTransactionHistory(ctx context.Context, _ string, opts transceiver.HistoryOptions) ([]transceiver.ChainTransaction, error) {
	txs, err := t.api.ListWalletTransactions(ctx, t.portfolioId, t.walletId, opts.Since)
	if err != nil {
		return nil, err
	}

	out := make([]transceiver.ChainTransaction, 0, len(txs))
	for _, tx := range txs {
		amount, err := decimal.NewFromString(tx.Amount)
		if err != nil {
			zap.L().Warn("Skipping Prime transaction with invalid amount",
				zap.String("transaction_id", tx.Id),
				zap.String("amount", tx.Amount))
			continue
		}
		fee := decimal.Zero
		if tx.Fees != "" {
			if f, err := decimal.NewFromString(tx.Fees); err == nil {
				fee = f
			}
		}
		ts := tx.Completed
		if ts.IsZero() {
			ts = tx.Created
		}

		ct := transceiver.ChainTransaction{
			Id:        tx.Id,
			Reference: tx.IdempotencyKey,
			Status:    MapStatus(tx.Status),
			Amount:    amount.Abs(),
			Fee:       fee,
			Timestamp: ts,
		}
		if tx.Type == "WITHDRAWAL" {
			ct.From = t.walletId
		} else {
			ct.To = t.walletId
		}
		out = append(out, ct)
		if opts.Limit > 0 && len(out) == opts.Limit {
			break
		}
	}
	return out, nil
}

// MapStatus folds Prime transaction statuses into chain statuses
func MapStatus(status string) transceiver.ChainStatus {
	switch status {
	case "TRANSACTION_DONE", "TRANSACTION_IMPORTED":
		return transceiver.ChainStatusConfirmed
	case "TRANSACTION_FAILED", "TRANSACTION_REJECTED", "TRANSACTION_CANCELLED", "TRANSACTION_EXPIRED":
		return transceiver.ChainStatusFailed
	default:
		return transceiver.ChainStatusPending
	}
}
