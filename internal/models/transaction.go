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

package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// TxStatus is the lifecycle state of an externally broadcast transaction
type TxStatus string

const (
	TxStatusCreated   TxStatus = "CREATED"
	TxStatusPending   TxStatus = "PENDING"
	TxStatusBroadcast TxStatus = "BROADCAST"
	TxStatusConfirmed TxStatus = "CONFIRMED"
	TxStatusFailed    TxStatus = "FAILED"
)

// IsTerminal reports whether no further transition is allowed
func (s TxStatus) IsTerminal() bool {
	return s == TxStatusConfirmed || s == TxStatusFailed
}

// TxOutcome is a result reported by the broadcasting caller
type TxOutcome string

const (
	OutcomeBroadcastAck TxOutcome = "broadcastAck"
	OutcomeConfirmed    TxOutcome = "confirmed"
	OutcomeFailed       TxOutcome = "failed"
)

// TxSource records what produced a pending transaction
type TxSource string

const (
	TxSourceWithdrawal TxSource = "withdrawal"
	TxSourcePayout     TxSource = "payout"
)

// PendingTransaction tracks a transaction handed off for external broadcast. SignedPayload is
// stored before the first send and resent unchanged on every retry.
type PendingTransaction struct {
	Id                string          `json:"id"`
	Source            TxSource        `json:"source"`
	WalletId          string          `json:"wallet_id"`
	PrimaryWalletName string          `json:"primary_wallet_name"`
	Blockchain        string          `json:"blockchain"`
	ToAddress         string          `json:"to_address"`
	Amount            decimal.Decimal `json:"amount"`
	Fee               decimal.Decimal `json:"fee"`
	RawPayload        []byte          `json:"raw_payload"`
	SignedPayload     []byte          `json:"signed_payload,omitempty"`
	SignedId          string          `json:"signed_id,omitempty"`
	Status            TxStatus        `json:"status"`
	ExternalReference string          `json:"external_reference,omitempty"`
	CreatedAt         time.Time       `json:"created_at"`
	UpdatedAt         time.Time       `json:"updated_at"`
	BroadcastAt       *time.Time      `json:"broadcast_at,omitempty"`
	CompletedAt       *time.Time      `json:"completed_at,omitempty"`
}

// Total is the amount leaving the primary wallet, fee included
func (t *PendingTransaction) Total() decimal.Decimal {
	return t.Amount.Add(t.Fee)
}
