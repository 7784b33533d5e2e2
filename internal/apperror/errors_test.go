package apperror

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestError_Error(t *testing.T) {
	tests := []struct {
		name     string
		err      *Error
		expected string
	}{
		{
			name:     "without wrapped error",
			err:      WalletNotFound("alice"),
			expected: "[WALLET_NOT_FOUND] wallet alice not found",
		},
		{
			name:     "with wrapped error",
			err:      ExternalServiceTimeout("transceiver", context.DeadlineExceeded),
			expected: "[EXTERNAL_SERVICE_TIMEOUT] transceiver did not respond in time: context deadline exceeded",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, tt.err.Error())
		})
	}
}

func TestError_IsMatchesByCode(t *testing.T) {
	err := fmt.Errorf("transfer: %w", InsufficientBalance("a", "1", "2"))

	assert.True(t, errors.Is(err, ErrInsufficientBalance))
	assert.False(t, errors.Is(err, ErrWalletNotFound))
	assert.Equal(t, CodeInsufficientBalance, CodeOf(err))
}

func TestError_UnwrapReachesCause(t *testing.T) {
	err := ExternalServiceTimeout("prime", context.DeadlineExceeded)

	assert.True(t, errors.Is(err, context.DeadlineExceeded))
	assert.True(t, IsTransient(err))
	assert.Equal(t, "[EXTERNAL_SERVICE_TIMEOUT] prime did not respond in time", err.Public())
}

func TestCodeOf_PlainError(t *testing.T) {
	assert.Equal(t, CodeInternal, CodeOf(errors.New("boom")))
	assert.False(t, IsTransient(errors.New("boom")))
}

func TestConstructorCodes(t *testing.T) {
	tests := []struct {
		err  *Error
		code Code
	}{
		{DuplicateWalletId("x"), CodeDuplicateWalletId},
		{BaseWalletRestriction("x", "transfer"), CodeBaseWalletRestriction},
		{CrossGroupTransfer("a", "b"), CodeCrossGroupTransfer},
		{AggregateExceedsOnChain("hot", "10", "5"), CodeAggregateExceedsOnChain},
		{UnknownTransactionId("t"), CodeUnknownTransactionId},
		{StateConflict("t", "CONFIRMED", "failed"), CodeStateConflict},
		{DiscrepancyDetected("hot", "d"), CodeDiscrepancyDetected},
		{DiscrepancyNotFound("d"), CodeDiscrepancyNotFound},
		{AlreadyResolved("d"), CodeAlreadyResolved},
		{ConfigurationError("bad", nil), CodeConfigurationError},
		{ReservedNamespace("base_x"), CodeReservedNamespace},
		{InvalidRequest("bad"), CodeInvalidRequest},
		{WalletNotEmpty("x", "1"), CodeWalletNotEmpty},
		{Internal(errors.New("x")), CodeInternal},
	}

	for _, tt := range tests {
		t.Run(string(tt.code), func(t *testing.T) {
			assert.Equal(t, tt.code, tt.err.Code)
		})
	}
}
