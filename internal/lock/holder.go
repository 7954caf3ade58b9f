package lock

import (
	"context"

	"github.com/google/uuid"
)

type holderKey struct{}

// ContextWithHolder returns a context carrying holder as the lock owner
// identity. Locks acquired with the returned context are owned by holder.
func ContextWithHolder(ctx context.Context, holder string) context.Context {
	return context.WithValue(ctx, holderKey{}, holder)
}

// HolderFromContext returns the holder identity attached to ctx, if any.
func HolderFromContext(ctx context.Context) (string, bool) {
	h, ok := ctx.Value(holderKey{}).(string)
	return h, ok && h != ""
}

// NewHolder returns a fresh random holder identity.
func NewHolder() string { return uuid.NewString() }

// ensureHolder returns ctx unchanged when it already carries a holder,
// otherwise a child context carrying a new one.
func ensureHolder(ctx context.Context) (context.Context, string) {
	if h, ok := HolderFromContext(ctx); ok {
		return ctx, h
	}
	h := NewHolder()
	return ContextWithHolder(ctx, h), h
}
