package apperror

import (
	"errors"
	"fmt"
)

// Code is a stable, machine-readable error classification
type Code string

const (
	CodeWalletNotFound          Code = "WALLET_NOT_FOUND"
	CodeDuplicateWalletId       Code = "DUPLICATE_WALLET_ID"
	CodeInsufficientBalance     Code = "INSUFFICIENT_BALANCE"
	CodeBaseWalletRestriction   Code = "BASE_WALLET_RESTRICTION"
	CodeCrossGroupTransfer      Code = "CROSS_GROUP_TRANSFER"
	CodeAggregateExceedsOnChain Code = "AGGREGATE_EXCEEDS_ON_CHAIN"
	CodeUnknownTransactionId    Code = "UNKNOWN_TRANSACTION_ID"
	CodeStateConflict           Code = "STATE_CONFLICT"
	CodeDiscrepancyDetected     Code = "DISCREPANCY_DETECTED"
	CodeDiscrepancyNotFound     Code = "DISCREPANCY_NOT_FOUND"
	CodeAlreadyResolved         Code = "ALREADY_RESOLVED"
	CodeExternalServiceTimeout  Code = "EXTERNAL_SERVICE_TIMEOUT"
	CodeConfigurationError      Code = "CONFIGURATION_ERROR"
	CodeReservedNamespace       Code = "RESERVED_NAMESPACE"
	CodeInvalidRequest          Code = "INVALID_REQUEST"
	CodeWalletNotEmpty          Code = "WALLET_NOT_EMPTY"
	CodeInternal                Code = "INTERNAL"
)

// Error is a coded error; the wrapped error is internal detail and never shown to callers
type Error struct {
	Code    Code   `json:"code"`
	Message string `json:"message"`
	Err     error  `json:"-"`
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches any *Error carrying the same code, so errors.Is(err, ErrWalletNotFound) works
// regardless of message.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Code == e.Code
}

// Public reports only the code and message
func (e *Error) Public() string {
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

func Wrap(code Code, message string, err error) *Error {
	return &Error{Code: code, Message: message, Err: err}
}

// Sentinels for errors.Is comparisons
var (
	ErrWalletNotFound          = New(CodeWalletNotFound, "wallet not found")
	ErrDuplicateWalletId       = New(CodeDuplicateWalletId, "wallet id already exists")
	ErrInsufficientBalance     = New(CodeInsufficientBalance, "insufficient balance")
	ErrBaseWalletRestriction   = New(CodeBaseWalletRestriction, "operation not allowed on base wallet")
	ErrCrossGroupTransfer      = New(CodeCrossGroupTransfer, "wallets belong to different primary wallets")
	ErrAggregateExceedsOnChain = New(CodeAggregateExceedsOnChain, "aggregate outflow exceeds on-chain balance")
	ErrUnknownTransactionId    = New(CodeUnknownTransactionId, "unknown transaction id")
	ErrStateConflict           = New(CodeStateConflict, "conflicting transaction state")
	ErrDiscrepancyDetected     = New(CodeDiscrepancyDetected, "discrepancy detected")
	ErrDiscrepancyNotFound     = New(CodeDiscrepancyNotFound, "discrepancy not found")
	ErrAlreadyResolved         = New(CodeAlreadyResolved, "discrepancy already resolved")
	ErrExternalServiceTimeout  = New(CodeExternalServiceTimeout, "external service timeout")
	ErrConfigurationError      = New(CodeConfigurationError, "invalid configuration")
	ErrReservedNamespace       = New(CodeReservedNamespace, "wallet id is reserved")
	ErrInvalidRequest          = New(CodeInvalidRequest, "invalid request")
	ErrWalletNotEmpty          = New(CodeWalletNotEmpty, "wallet balance is not zero")
)

func WalletNotFound(id string) *Error {
	return New(CodeWalletNotFound, fmt.Sprintf("wallet %s not found", id))
}

func DuplicateWalletId(id string) *Error {
	return New(CodeDuplicateWalletId, fmt.Sprintf("wallet %s already exists", id))
}

func InsufficientBalance(id, balance, required string) *Error {
	return New(CodeInsufficientBalance, fmt.Sprintf("wallet %s has balance %s, requires %s", id, balance, required))
}

func BaseWalletRestriction(id, operation string) *Error {
	return New(CodeBaseWalletRestriction, fmt.Sprintf("base wallet %s does not allow %s", id, operation))
}

func CrossGroupTransfer(from, to string) *Error {
	return New(CodeCrossGroupTransfer, fmt.Sprintf("wallets %s and %s belong to different primary wallets", from, to))
}

func AggregateExceedsOnChain(primaryWallet, committed, onChain string) *Error {
	return New(CodeAggregateExceedsOnChain,
		fmt.Sprintf("primary wallet %s committed outflow %s exceeds on-chain balance %s", primaryWallet, committed, onChain))
}

func UnknownTransactionId(id string) *Error {
	return New(CodeUnknownTransactionId, fmt.Sprintf("transaction %s is not tracked", id))
}

func StateConflict(id, status, outcome string) *Error {
	return New(CodeStateConflict, fmt.Sprintf("transaction %s in status %s cannot accept outcome %s", id, status, outcome))
}

func DiscrepancyDetected(primaryWallet, discrepancyId string) *Error {
	return New(CodeDiscrepancyDetected,
		fmt.Sprintf("reconciliation of %s raised discrepancy %s; manual review required", primaryWallet, discrepancyId))
}

func DiscrepancyNotFound(id string) *Error {
	return New(CodeDiscrepancyNotFound, fmt.Sprintf("discrepancy %s not found", id))
}

func AlreadyResolved(id string) *Error {
	return New(CodeAlreadyResolved, fmt.Sprintf("discrepancy %s is already resolved", id))
}

func ExternalServiceTimeout(service string, err error) *Error {
	return Wrap(CodeExternalServiceTimeout, fmt.Sprintf("%s did not respond in time", service), err)
}

func ConfigurationError(message string, err error) *Error {
	return Wrap(CodeConfigurationError, message, err)
}

func ReservedNamespace(id string) *Error {
	return New(CodeReservedNamespace, fmt.Sprintf("wallet id %s uses the reserved base wallet namespace", id))
}

func InvalidRequest(message string) *Error {
	return New(CodeInvalidRequest, message)
}

func WalletNotEmpty(id, balance string) *Error {
	return New(CodeWalletNotEmpty, fmt.Sprintf("wallet %s still holds %s", id, balance))
}

// Internal wraps an unexpected failure; only the generic message crosses the API boundary
func Internal(err error) *Error {
	return Wrap(CodeInternal, "internal error", err)
}

// CodeOf returns the code of the first *Error in the chain, or CodeInternal
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return CodeInternal
}

// IsTransient reports whether the failure may succeed on retry
func IsTransient(err error) bool {
	return CodeOf(err) == CodeExternalServiceTimeout
}
