package presence

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/example/nats-chat-socket-service/pkg/kvstore"
)

// DefaultIdleTimeout is how long a model stays "in use" after its last
// usage ping, and also the sweep cadence.
const DefaultIdleTimeout = 3 * time.Second

// Tracker records which models live sessions are actively using. Each
// (model, connection) pair is one flat pool key holding the last-touch
// time, so a model disappears from ActiveModels the moment its last pair
// is gone; there is no per-model container to leave empty.
//
// On a pool with native expiry (NATS KV bucket with TTL = idle timeout)
// every Touch re-arms the entry and the server removes stale pairs on its
// own; Sweep is then a no-op. On the in-process pool, stale pairs persist
// until Sweep deletes them, so ActiveModels may report a model past its
// timeout until the next sweep runs.
type Tracker struct {
	pool    kvstore.Store[int64]
	timeout time.Duration
	clock   clock.Clock
}

// NewTracker creates a tracker over the usage pool. A nil clk uses the
// wall clock.
func NewTracker(pool kvstore.Store[int64], timeout time.Duration, clk clock.Clock) *Tracker {
	if timeout <= 0 {
		timeout = DefaultIdleTimeout
	}
	if clk == nil {
		clk = clock.New()
	}
	return &Tracker{pool: pool, timeout: timeout, clock: clk}
}

// usageKey joins model and connection id. Connection ids contain no dots,
// so splitting at the last dot recovers the model id.
func usageKey(modelID, connID string) string {
	return modelID + "." + connID
}

func modelFromKey(key string) string {
	i := strings.LastIndex(key, ".")
	if i < 0 {
		return key
	}
	return key[:i]
}

// Touch records that connID is using modelID now. Always succeeds for a
// reachable pool, whether or not the pair already exists.
func (t *Tracker) Touch(ctx context.Context, modelID, connID string) error {
	if err := t.pool.Set(ctx, usageKey(modelID, connID), t.clock.Now().Unix()); err != nil {
		return fmt.Errorf("touch %s/%s: %w", modelID, connID, err)
	}
	return nil
}

// ActiveModels returns the sorted set of model ids with at least one
// surviving usage pair. It does not evict: with native expiry the pool has
// already dropped stale pairs, without it they linger until Sweep.
func (t *Tracker) ActiveModels(ctx context.Context) ([]string, error) {
	keys, err := t.pool.Keys(ctx)
	if err != nil {
		return nil, fmt.Errorf("active models: %w", err)
	}
	seen := make(map[string]bool, len(keys))
	models := make([]string, 0, len(keys))
	for _, key := range keys {
		model := modelFromKey(key)
		if !seen[model] {
			seen[model] = true
			models = append(models, model)
		}
	}
	sort.Strings(models)
	return models, nil
}

// Timeout returns the idle timeout, which is also the sweep cadence.
func (t *Tracker) Timeout() time.Duration { return t.timeout }

// NativeExpiry reports whether the pool evicts stale pairs on its own.
func (t *Tracker) NativeExpiry() bool { return t.pool.NativeExpiry() }

// Sweep evicts pairs whose last touch is strictly older than the idle
// timeout. No-op on pools with native expiry.
func (t *Tracker) Sweep(ctx context.Context) error {
	if t.pool.NativeExpiry() {
		return nil
	}
	items, err := t.pool.Items(ctx)
	if err != nil {
		return fmt.Errorf("sweep: %w", err)
	}
	now := t.clock.Now().Unix()
	maxAge := int64(t.timeout / time.Second)
	for key, touched := range items {
		if now-touched > maxAge {
			if err := t.pool.Delete(ctx, key); err != nil {
				return fmt.Errorf("sweep %s: %w", key, err)
			}
		}
	}
	return nil
}
