package tx

import (
	"context"
	"database/sql"
)

type (
	sqlTxKey struct{}
	scopeKey struct{}
)

// WithTx stores a SQL transaction in context for downstream store usage.
func WithTx(ctx context.Context, tx *sql.Tx) context.Context {
	if tx == nil {
		return ctx
	}
	return context.WithValue(ctx, sqlTxKey{}, tx)
}

// From extracts a SQL transaction from context if present.
func From(ctx context.Context) (*sql.Tx, bool) {
	tx, ok := ctx.Value(sqlTxKey{}).(*sql.Tx)
	return tx, ok
}

// WithScope marks ctx as running inside a transaction owned by owner. Backends
// without SQL transactions (the in-memory store) use it to join an outer
// transaction instead of opening a nested one.
func WithScope(ctx context.Context, owner any) context.Context {
	return context.WithValue(ctx, scopeKey{}, owner)
}

// InScope reports whether ctx runs inside a transaction owned by owner.
func InScope(ctx context.Context, owner any) bool {
	got := ctx.Value(scopeKey{})
	return got != nil && got == owner
}

// Active reports whether ctx carries any open transaction.
func Active(ctx context.Context) bool {
	if _, ok := From(ctx); ok {
		return true
	}
	return ctx.Value(scopeKey{}) != nil
}
