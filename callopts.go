package dataprovider

import (
	"context"
	"time"
)

// CallOptions adjust how the proxy serves a single read.
type CallOptions struct {
	// TTL is the freshness window for this call. On a hit the entry must be
	// younger than TTL; on a miss the fetched entry stays fresh for TTL.
	// 0 => the proxy default.
	TTL time.Duration
	// Revalidate skips the cache lookup. The fetch is still coalesced and its
	// result cached.
	Revalidate bool
	// StaleWhileRevalidate answers an expired, retained entry immediately and
	// refreshes it in the background.
	StaleWhileRevalidate bool
}

type callOptionsKey struct{}

// WithCallOptions attaches per-call cache options to ctx.
func WithCallOptions(ctx context.Context, o CallOptions) context.Context {
	return context.WithValue(ctx, callOptionsKey{}, o)
}

// CallOptionsFrom returns the options attached by WithCallOptions, or the zero value.
func CallOptionsFrom(ctx context.Context) CallOptions {
	o, _ := ctx.Value(callOptionsKey{}).(CallOptions)
	return o
}
