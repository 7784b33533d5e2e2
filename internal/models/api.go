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

type MessageLevel string

const (
	LevelInfo    MessageLevel = "info"
	LevelWarning MessageLevel = "warning"
	LevelError   MessageLevel = "error"
)

// Message is a classified, machine-readable note attached to an operation result
type Message struct {
	Level MessageLevel `json:"level"`
	Code  string       `json:"code"`
	Text  string       `json:"text"`
}

func Info(code, text string) Message    { return Message{Level: LevelInfo, Code: code, Text: text} }
func Warning(code, text string) Message { return Message{Level: LevelWarning, Code: code, Text: text} }
func Error(code, text string) Message   { return Message{Level: LevelError, Code: code, Text: text} }

// JournalExternal marks the outside world as the counterparty of a posting
const JournalExternal = "@external"

// Posting moves an amount between two internal wallets (or the outside world)
type Posting struct {
	Source      string          `json:"source"`
	Destination string          `json:"destination"`
	Amount      decimal.Decimal `json:"amount"`
}

// JournalEntry mirrors one committed ledger mutation to an external journal
type JournalEntry struct {
	Reference         string            `json:"reference"`
	EventType         string            `json:"event_type"`
	Blockchain        string            `json:"blockchain"`
	PrimaryWalletName string            `json:"primary_wallet_name"`
	Asset             string            `json:"asset"`
	Postings          []Posting         `json:"postings"`
	Metadata          map[string]string `json:"metadata,omitempty"`
	Timestamp         time.Time         `json:"timestamp"`
}
