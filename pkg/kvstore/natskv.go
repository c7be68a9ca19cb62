package kvstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/nats-io/nats.go"
)

// casMaxAttempts bounds the optimistic-concurrency retry loop in Update.
// Conflicts are transient (another writer touched the same key between our
// read and write), so a small bound is enough.
const casMaxAttempts = 8

// NatsKV is the shared backend: one JetStream KV bucket per store, values
// serialized as UTF-8 JSON. Read-modify-write goes through revision-checked
// updates so concurrent writers on the same key never lose each other's
// changes, no matter how many service instances share the bucket.
type NatsKV[V any] struct {
	kv           nats.KeyValue
	nativeExpiry bool
}

// NewNatsKV wraps an existing KV bucket handle. nativeExpiry must be true
// when the bucket was created with a TTL, in which case every Put re-arms
// the entry's expiry and the server removes stale entries on its own.
func NewNatsKV[V any](kv nats.KeyValue, nativeExpiry bool) *NatsKV[V] {
	return &NatsKV[V]{kv: kv, nativeExpiry: nativeExpiry}
}

func (s *NatsKV[V]) Set(ctx context.Context, key string, value V) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("marshal %q: %w", key, err)
	}
	if _, err := s.kv.Put(key, data); err != nil {
		return wrapStoreErr("put", key, err)
	}
	return nil
}

func (s *NatsKV[V]) Get(ctx context.Context, key string) (V, error) {
	var zero V
	if err := ctx.Err(); err != nil {
		return zero, err
	}
	entry, err := s.kv.Get(key)
	if errors.Is(err, nats.ErrKeyNotFound) {
		return zero, ErrNotFound
	}
	if err != nil {
		return zero, wrapStoreErr("get", key, err)
	}
	var v V
	if err := json.Unmarshal(entry.Value(), &v); err != nil {
		return zero, fmt.Errorf("unmarshal %q: %w", key, err)
	}
	return v, nil
}

func (s *NatsKV[V]) GetOrDefault(ctx context.Context, key string, def V) (V, error) {
	v, err := s.Get(ctx, key)
	if errors.Is(err, ErrNotFound) {
		return def, nil
	}
	return v, err
}

func (s *NatsKV[V]) SetDefault(ctx context.Context, key string, def V) (V, error) {
	var zero V
	if err := ctx.Err(); err != nil {
		return zero, err
	}
	data, err := json.Marshal(def)
	if err != nil {
		return zero, fmt.Errorf("marshal %q: %w", key, err)
	}
	if _, err := s.kv.Create(key, data); err == nil {
		return def, nil
	} else if !errors.Is(err, nats.ErrKeyExists) {
		return zero, wrapStoreErr("create", key, err)
	}
	// Lost the race to another writer; their value wins.
	return s.Get(ctx, key)
}

func (s *NatsKV[V]) Delete(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	err := s.kv.Delete(key)
	if err != nil && !errors.Is(err, nats.ErrKeyNotFound) {
		return wrapStoreErr("delete", key, err)
	}
	return nil
}

func (s *NatsKV[V]) Contains(ctx context.Context, key string) (bool, error) {
	_, err := s.Get(ctx, key)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (s *NatsKV[V]) Keys(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	keys, err := s.kv.Keys()
	if errors.Is(err, nats.ErrNoKeysFound) {
		return nil, nil
	}
	if err != nil {
		return nil, wrapStoreErr("keys", "*", err)
	}
	return keys, nil
}

func (s *NatsKV[V]) Values(ctx context.Context) ([]V, error) {
	items, err := s.Items(ctx)
	if err != nil {
		return nil, err
	}
	values := make([]V, 0, len(items))
	for _, v := range items {
		values = append(values, v)
	}
	return values, nil
}

func (s *NatsKV[V]) Items(ctx context.Context) (map[string]V, error) {
	keys, err := s.Keys(ctx)
	if err != nil {
		return nil, err
	}
	items := make(map[string]V, len(keys))
	for _, key := range keys {
		v, err := s.Get(ctx, key)
		if errors.Is(err, ErrNotFound) {
			// Expired or deleted between Keys and Get.
			continue
		}
		if err != nil {
			return nil, err
		}
		items[key] = v
	}
	return items, nil
}

func (s *NatsKV[V]) Len(ctx context.Context) (int, error) {
	keys, err := s.Keys(ctx)
	if err != nil {
		return 0, err
	}
	return len(keys), nil
}

func (s *NatsKV[V]) Update(ctx context.Context, key string, fn UpdateFunc[V]) error {
	var lastErr error
	for attempt := 0; attempt < casMaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		entry, err := s.kv.Get(key)
		if errors.Is(err, nats.ErrKeyNotFound) {
			var zero V
			next, keep := fn(zero, false)
			if !keep {
				return nil
			}
			data, merr := json.Marshal(next)
			if merr != nil {
				return fmt.Errorf("marshal %q: %w", key, merr)
			}
			_, err = s.kv.Create(key, data)
			if err == nil {
				return nil
			}
			if errors.Is(err, nats.ErrKeyExists) {
				lastErr = err
				continue
			}
			return wrapStoreErr("create", key, err)
		}
		if err != nil {
			return wrapStoreErr("get", key, err)
		}

		var current V
		if err := json.Unmarshal(entry.Value(), &current); err != nil {
			return fmt.Errorf("unmarshal %q: %w", key, err)
		}

		next, keep := fn(current, true)
		if !keep {
			err = s.kv.Delete(key, nats.LastRevision(entry.Revision()))
			if err == nil {
				return nil
			}
			if isUnavailable(err) {
				return wrapStoreErr("delete", key, err)
			}
			lastErr = err
			continue
		}

		data, merr := json.Marshal(next)
		if merr != nil {
			return fmt.Errorf("marshal %q: %w", key, merr)
		}
		_, err = s.kv.Update(key, data, entry.Revision())
		if err == nil {
			return nil
		}
		if isUnavailable(err) {
			return wrapStoreErr("update", key, err)
		}
		lastErr = err
	}
	return fmt.Errorf("update %q: gave up after %d conflicting writes: %w", key, casMaxAttempts, lastErr)
}

func (s *NatsKV[V]) NativeExpiry() bool { return s.nativeExpiry }

func isUnavailable(err error) bool {
	return errors.Is(err, nats.ErrConnectionClosed) ||
		errors.Is(err, nats.ErrConnectionDraining) ||
		errors.Is(err, nats.ErrNoServers) ||
		errors.Is(err, nats.ErrNoResponders) ||
		errors.Is(err, nats.ErrTimeout) ||
		errors.Is(err, context.DeadlineExceeded)
}

func wrapStoreErr(op, key string, err error) error {
	if isUnavailable(err) {
		return fmt.Errorf("%s %q: %w: %v", op, key, ErrUnavailable, err)
	}
	return fmt.Errorf("%s %q: %w", op, key, err)
}
