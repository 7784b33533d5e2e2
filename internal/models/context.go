package models

import (
	"context"
)

type operationContextKey struct{}

// OperationContext carries caller details through context into journal metadata.
type OperationContext struct {
	Operation string // transfer, withdraw, distribute, ...
	RequestId string
	Actor     string
}

// WithOperationContext attaches operation details to a context.
func WithOperationContext(ctx context.Context, oc *OperationContext) context.Context {
	return context.WithValue(ctx, operationContextKey{}, oc)
}

// GetOperationContext retrieves operation details from context, or nil if absent.
func GetOperationContext(ctx context.Context) *OperationContext {
	oc, _ := ctx.Value(operationContextKey{}).(*OperationContext)
	return oc
}

// OperationName returns the operation recorded in ctx, or fallback.
func OperationName(ctx context.Context, fallback string) string {
	if oc := GetOperationContext(ctx); oc != nil && oc.Operation != "" {
		return oc.Operation
	}
	return fallback
}
