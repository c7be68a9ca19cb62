// Package kvstore provides a keyed value store with two interchangeable
// backends: an in-process map for single-instance deployments and a NATS
// JetStream KV bucket shared by a horizontally scaled fleet. Callers depend
// only on the Store interface; the sole backend capability they may consult
// is NativeExpiry.
package kvstore

import (
	"context"
	"errors"
)

var (
	// ErrNotFound is returned by Get when a key has no entry. It is
	// distinguishable from a stored zero value.
	ErrNotFound = errors.New("kvstore: key not found")

	// ErrUnavailable wraps backend connectivity failures. Handlers log it
	// and skip the current broadcast cycle instead of crashing.
	ErrUnavailable = errors.New("kvstore: store unavailable")
)

// UpdateFunc transforms the current value of a key. exists reports whether
// the key held an entry. Returning keep=false deletes the key (or leaves it
// absent). The store serializes concurrent UpdateFuncs on the same key.
type UpdateFunc[V any] func(current V, exists bool) (next V, keep bool)

// Store is the keyed value store contract. Every operation takes a context
// because the NATS backend performs network round-trips; the in-process
// backend completes synchronously under the same signatures.
//
// The NATS backend serializes values as UTF-8 JSON; the in-process backend
// stores values as-is.
type Store[V any] interface {
	Set(ctx context.Context, key string, value V) error
	Get(ctx context.Context, key string) (V, error)
	GetOrDefault(ctx context.Context, key string, def V) (V, error)
	SetDefault(ctx context.Context, key string, def V) (V, error)
	Delete(ctx context.Context, key string) error
	Contains(ctx context.Context, key string) (bool, error)
	Keys(ctx context.Context) ([]string, error)
	Values(ctx context.Context) ([]V, error)
	Items(ctx context.Context) (map[string]V, error)
	Len(ctx context.Context) (int, error)

	// Update applies fn to the key atomically with respect to concurrent
	// writers of the same key.
	Update(ctx context.Context, key string, fn UpdateFunc[V]) error

	// NativeExpiry reports whether the backend physically removes entries
	// on its own once their TTL elapses. When false, stale entries persist
	// until an explicit sweep deletes them.
	NativeExpiry() bool
}
