package blockstore

import (
	"context"

	"github.com/google/uuid"
)

type idempotencyKeyCtx struct{}

// WithIdempotencyKey tags ctx with a key that identifies one logical
// StoreNewBlock call across retries. An existing key is kept.
func WithIdempotencyKey(ctx context.Context) context.Context {
	if _, ok := IdempotencyKey(ctx); ok {
		return ctx
	}
	return context.WithValue(ctx, idempotencyKeyCtx{}, uuid.NewString())
}

// IdempotencyKey returns the key attached by WithIdempotencyKey.
func IdempotencyKey(ctx context.Context) (string, bool) {
	k, ok := ctx.Value(idempotencyKeyCtx{}).(string)
	return k, ok && k != ""
}
