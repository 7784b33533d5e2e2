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

package api

import (
	"context"
	"errors"
	"fmt"

	"custodial-ledger-go/internal/apperror"
	"custodial-ledger-go/internal/ledger"
	"custodial-ledger-go/internal/models"
	"custodial-ledger-go/internal/reconcile"

	"go.uber.org/zap"
)

const (
	CodePrimaryBalanceLow     = "PRIMARY_BALANCE_LOW"
	CodeOnChainBalanceUnknown = "ONCHAIN_BALANCE_UNKNOWN"
	CodeReconciliationSkipped = "RECONCILIATION_SKIPPED"
	CodeBaselineEstablished   = "BASELINE_ESTABLISHED"
	CodeWalletDeleted         = "WALLET_DELETED"
	CodeRefundsProcessed      = "REFUNDS_PROCESSED"
)

// Response is the envelope every operation returns: the result payload and classified
// messages. A failed mutation may still carry a result when the change was committed
// before the failure was detected (strict-mode reconciliation).
type Response[T any] struct {
	Success  bool             `json:"success"`
	Result   T                `json:"result,omitempty"`
	Messages []models.Message `json:"messages,omitempty"`
}

func (r *Response[T]) add(m models.Message) {
	r.Messages = append(r.Messages, m)
}

// HasCode reports whether any message carries code
func (r Response[T]) HasCode(code string) bool {
	for _, m := range r.Messages {
		if m.Code == code {
			return true
		}
	}
	return false
}

// Err returns the first error message as an error, or nil
func (r Response[T]) Err() error {
	for _, m := range r.Messages {
		if m.Level == models.LevelError {
			return fmt.Errorf("%s: %s", m.Code, m.Text)
		}
	}
	return nil
}

// LedgerService exposes the ledger operations to callers outside the core
type LedgerService struct {
	ledger *ledger.Ledger
	engine *reconcile.Engine
}

func NewLedgerService(l *ledger.Ledger, engine *reconcile.Engine) *LedgerService {
	return &LedgerService{
		ledger: l,
		engine: engine,
	}
}

func (s *LedgerService) HealthCheck(ctx context.Context) error {
	_, err := s.ledger.Lifecycle().ListPending(ctx)
	if err != nil {
		return fmt.Errorf("store health check failed: %w", err)
	}
	return nil
}

// failure converts err into an error message. Only the code and the public message cross
// the boundary; anything else is logged here.
func failure(operation string, err error) models.Message {
	var appErr *apperror.Error
	if errors.As(err, &appErr) && appErr.Code != apperror.CodeInternal {
		return models.Error(string(appErr.Code), appErr.Message)
	}
	zap.L().Error("Operation failed",
		zap.String("operation", operation),
		zap.Error(err))
	return models.Error(string(apperror.CodeInternal), fmt.Sprintf("%s failed", operation))
}
