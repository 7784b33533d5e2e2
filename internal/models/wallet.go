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

// WalletKind distinguishes user-facing wallets from the derived excess-funds wallet
type WalletKind string

const (
	WalletKindStandard WalletKind = "standard"
	WalletKindBase     WalletKind = "base"
)

// PrimaryWallet is the custodial on-chain address backing a group of internal wallets.
// Its balance is never stored; it is fetched live from the wallet's transceiver.
type PrimaryWallet struct {
	Blockchain          string            `json:"blockchain"`
	Name                string            `json:"name"`
	Address             string            `json:"address"`
	Asset               string            `json:"asset"`
	LowBalanceThreshold decimal.Decimal   `json:"low_balance_threshold"`
	Transceiver         TransceiverConfig `json:"transceiver"`
}

// TransceiverConfig selects and parameterizes the transceiver of a primary wallet
type TransceiverConfig struct {
	Kind    string            `json:"kind"`
	Options map[string]string `json:"options,omitempty"`
}

// InternalWallet is a ledger-tracked virtual balance mapped to exactly one primary wallet
type InternalWallet struct {
	Id                string            `json:"id"`
	Blockchain        string            `json:"blockchain"`
	PrimaryWalletName string            `json:"primary_wallet_name"`
	Kind              WalletKind        `json:"kind"`
	Balance           decimal.Decimal   `json:"balance"`
	Metadata          map[string]string `json:"metadata,omitempty"`
	Version           int64             `json:"version"`
	CreatedAt         time.Time         `json:"created_at"`
	UpdatedAt         time.Time         `json:"updated_at"`
}

// IsBase reports whether the wallet is the derived base wallet of its group
func (w *InternalWallet) IsBase() bool {
	return w.Kind == WalletKindBase
}

// BalanceHistoryEntry is one past state of an internal wallet
type BalanceHistoryEntry struct {
	Balance    decimal.Decimal `json:"balance"`
	Version    int64           `json:"version"`
	Deleted    bool            `json:"deleted,omitempty"`
	RecordedAt time.Time       `json:"recorded_at"`
}
