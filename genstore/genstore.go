// Package genstore keeps one generation counter per resource. The proxy stamps
// every cached read with the generation it observed and bumps it on each
// successful write, so entries written by a slower concurrent fetch, or by
// another replica sharing the store, can never outlive an invalidation.
package genstore

import "context"

// GenStore is where generations live. Local is the in-process default; Redis
// lets several processes sharing one cache store see each other's writes.
type GenStore interface {
	// Current returns the generation of resource; an unknown resource is 0.
	Current(ctx context.Context, resource string) (uint64, error)
	// Bump atomically increments the generation of resource and returns it.
	Bump(ctx context.Context, resource string) (uint64, error)
	Close(ctx context.Context) error
}
