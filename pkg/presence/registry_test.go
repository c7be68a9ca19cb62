package presence

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"testing"

	"github.com/example/nats-chat-socket-service/pkg/kvstore"
)

func newTestRegistry() (*Registry, kvstore.Store[string], kvstore.Store[[]string]) {
	sessions := kvstore.NewMemory[string]()
	users := kvstore.NewMemory[[]string]()
	return NewRegistry(sessions, users), sessions, users
}

func TestRegistry_AddAndCount(t *testing.T) {
	ctx := context.Background()
	reg, _, _ := newTestRegistry()

	reg.AddSession(ctx, "c1", "u1")
	reg.AddSession(ctx, "c2", "u1")
	reg.AddSession(ctx, "c3", "u2")

	count, err := reg.UserCount(ctx)
	if err != nil {
		t.Fatalf("UserCount failed: %v", err)
	}
	if count != 2 {
		t.Errorf("Expected 2 distinct users, got %d", count)
	}
}

func TestRegistry_ReAddSamePairIsNoop(t *testing.T) {
	ctx := context.Background()
	reg, _, users := newTestRegistry()

	reg.AddSession(ctx, "c1", "u1")
	reg.AddSession(ctx, "c1", "u1")

	conns, err := users.Get(ctx, "u1")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if len(conns) != 1 {
		t.Errorf("Expected 1 connection after re-add, got %v", conns)
	}
}

func TestRegistry_RemoveLastConnectionDeletesUserEntry(t *testing.T) {
	ctx := context.Background()
	reg, sessions, users := newTestRegistry()

	reg.AddSession(ctx, "c1", "u1")

	userID, removed, err := reg.RemoveSession(ctx, "c1")
	if err != nil {
		t.Fatalf("RemoveSession failed: %v", err)
	}
	if !removed || userID != "u1" {
		t.Errorf("Expected removal of u1's session, got %q %v", userID, removed)
	}

	// No residual empty set: the user key is gone entirely.
	keys, _ := users.Keys(ctx)
	if len(keys) != 0 {
		t.Errorf("Expected no user entries, got %v", keys)
	}
	if ok, _ := sessions.Contains(ctx, "c1"); ok {
		t.Error("Expected session entry to be deleted")
	}
}

func TestRegistry_RemoveKeepsOtherConnections(t *testing.T) {
	ctx := context.Background()
	reg, _, users := newTestRegistry()

	reg.AddSession(ctx, "c1", "u1")
	reg.AddSession(ctx, "c2", "u1")

	reg.RemoveSession(ctx, "c1")

	conns, err := users.Get(ctx, "u1")
	if err != nil {
		t.Fatalf("Expected u1 entry to survive, got %v", err)
	}
	if len(conns) != 1 || conns[0] != "c2" {
		t.Errorf("Expected [c2], got %v", conns)
	}

	count, _ := reg.UserCount(ctx)
	if count != 1 {
		t.Errorf("Expected count 1, got %d", count)
	}
}

func TestRegistry_RemoveUnknownIsNoop(t *testing.T) {
	ctx := context.Background()
	reg, _, _ := newTestRegistry()

	userID, removed, err := reg.RemoveSession(ctx, "never-connected")
	if err != nil {
		t.Fatalf("Expected no error for unknown connection, got %v", err)
	}
	if removed || userID != "" {
		t.Errorf("Expected no-op, got %q %v", userID, removed)
	}
}

func TestRegistry_DoubleRemoveIsIdempotent(t *testing.T) {
	ctx := context.Background()
	reg, _, _ := newTestRegistry()

	reg.AddSession(ctx, "c1", "u1")
	reg.RemoveSession(ctx, "c1")

	_, removed, err := reg.RemoveSession(ctx, "c1")
	if err != nil {
		t.Fatalf("Expected second remove to be a no-op, got %v", err)
	}
	if removed {
		t.Error("Expected second remove to report nothing removed")
	}

	count, _ := reg.UserCount(ctx)
	if count != 0 {
		t.Errorf("Expected count 0, got %d", count)
	}
}

func TestRegistry_UserFor(t *testing.T) {
	ctx := context.Background()
	reg, _, _ := newTestRegistry()

	reg.AddSession(ctx, "c1", "u1")

	userID, err := reg.UserFor(ctx, "c1")
	if err != nil || userID != "u1" {
		t.Errorf("Expected u1, got %q %v", userID, err)
	}

	if _, err := reg.UserFor(ctx, "c2"); !errors.Is(err, kvstore.ErrNotFound) {
		t.Errorf("Expected ErrNotFound for unknown connection, got %v", err)
	}
}

// TestRegistry_RandomizedInterleavings checks that after any sequence of
// adds and removes, UserCount equals the number of distinct users with a
// non-empty connection set.
func TestRegistry_RandomizedInterleavings(t *testing.T) {
	ctx := context.Background()
	reg, _, _ := newTestRegistry()
	rng := rand.New(rand.NewSource(1))

	owner := make(map[string]string) // conn -> user, the model
	var conns []string

	expectedCount := func() int {
		users := make(map[string]bool)
		for _, u := range owner {
			users[u] = true
		}
		return len(users)
	}

	for i := 0; i < 1000; i++ {
		if len(conns) == 0 || rng.Intn(3) != 0 {
			connID := fmt.Sprintf("c%d", i)
			userID := fmt.Sprintf("u%d", rng.Intn(10))
			if err := reg.AddSession(ctx, connID, userID); err != nil {
				t.Fatalf("AddSession failed: %v", err)
			}
			owner[connID] = userID
			conns = append(conns, connID)
		} else {
			idx := rng.Intn(len(conns))
			connID := conns[idx]
			if _, _, err := reg.RemoveSession(ctx, connID); err != nil {
				t.Fatalf("RemoveSession failed: %v", err)
			}
			delete(owner, connID)
			conns = append(conns[:idx], conns[idx+1:]...)
		}

		count, err := reg.UserCount(ctx)
		if err != nil {
			t.Fatalf("UserCount failed: %v", err)
		}
		if count != expectedCount() {
			t.Fatalf("Step %d: UserCount %d does not match model %d", i, count, expectedCount())
		}
	}
}

// TestRegistry_ConcurrentAddsOneUser verifies that 100 concurrent adds for
// one user lose no updates and create no duplicates.
func TestRegistry_ConcurrentAddsOneUser(t *testing.T) {
	ctx := context.Background()
	reg, _, users := newTestRegistry()

	const conns = 100
	var wg sync.WaitGroup
	wg.Add(conns)
	for i := 0; i < conns; i++ {
		go func(n int) {
			defer wg.Done()
			if err := reg.AddSession(ctx, fmt.Sprintf("c%d", n), "u1"); err != nil {
				t.Errorf("AddSession failed: %v", err)
			}
		}(i)
	}
	wg.Wait()

	set, err := users.Get(ctx, "u1")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if len(set) != conns {
		t.Errorf("Expected %d members, got %d", conns, len(set))
	}
	seen := make(map[string]bool, len(set))
	for _, c := range set {
		if seen[c] {
			t.Errorf("Duplicate connection id %q in user set", c)
		}
		seen[c] = true
	}
}
