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

package transceiver

import (
	"context"
	"errors"
	"fmt"
	"time"

	"custodial-ledger-go/internal/apperror"

	"github.com/shopspring/decimal"
)

// ErrUnsupported is returned by backends for capabilities their chain does not have
var ErrUnsupported = errors.New("capability not supported by transceiver")

// Transceiver is the per-blockchain capability set used for balance lookup and broadcast
type Transceiver interface {
	GetBalance(ctx context.Context, address string) (decimal.Decimal, error)
	BroadcastTransaction(ctx context.Context, rawPayload []byte, meta BroadcastMetadata) (*BroadcastResult, error)
	GetUTXOs(ctx context.Context, address string) ([]UTXO, error)
	GetTransactionHistory(ctx context.Context, address string, opts HistoryOptions) ([]ChainTransaction, error)
}

// Signer is implemented by transceivers that build and sign chain transactions locally.
// Callers sign a pending transaction once, store the result and resend exactly those bytes.
type Signer interface {
	Sign(ctx context.Context, rawPayload []byte, meta BroadcastMetadata) (*SignResult, error)
}

// SignResult holds the bytes to broadcast and the id the chain will know them by.
// Reason is set instead when the payload can never be signed.
type SignResult struct {
	Payload    []byte
	ExternalId string
	Reason     string
}

// BroadcastMetadata describes the pending transaction a payload belongs to
type BroadcastMetadata struct {
	TransactionId     string
	WalletId          string
	PrimaryWalletName string
	Blockchain        string
	ToAddress         string
	Amount            decimal.Decimal
	Fee               decimal.Decimal
}

type BroadcastResult struct {
	Accepted   bool
	ExternalId string
	Reason     string
}

type UTXO struct {
	TxId          string
	Vout          uint32
	Amount        decimal.Decimal
	Confirmations int64
}

type HistoryOptions struct {
	Since time.Time
	Limit int
	// ExternalIds are looked up individually by backends that cannot list by address
	ExternalIds []string
}

type ChainStatus string

const (
	ChainStatusPending   ChainStatus = "pending"
	ChainStatusConfirmed ChainStatus = "confirmed"
	ChainStatusFailed    ChainStatus = "failed"
)

// ChainTransaction is one transaction reported by a chain or custodian
type ChainTransaction struct {
	Id        string // chain or custodian id
	Reference string // idempotency key / client reference, when the backend carries one
	Status    ChainStatus
	From      string
	To        string
	Amount    decimal.Decimal
	Fee       decimal.Decimal
	Timestamp time.Time
}

// Call runs fn with a bounded timeout, reporting an elapsed deadline as ExternalServiceTimeout
func Call[T any](ctx context.Context, timeout time.Duration, service string, fn func(context.Context) (T, error)) (T, error) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	v, err := fn(ctx)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
			var zero T
			return zero, apperror.ExternalServiceTimeout(service, err)
		}
		return v, fmt.Errorf("%s: %w", service, err)
	}
	return v, nil
}
