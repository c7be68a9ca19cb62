package presence

import (
	"context"
	"errors"
	"fmt"

	"github.com/example/nats-chat-socket-service/pkg/kvstore"
)

// Registry maps live connections to users. The session pool holds one
// entry per connection (conn id → user id); the user pool is the reverse
// index (user id → connection ids). A user entry exists only while the
// user holds at least one connection, so counting users is counting keys.
type Registry struct {
	sessions kvstore.Store[string]
	users    kvstore.Store[[]string]
}

// NewRegistry creates a registry over the given pools. Both pools must use
// the same backend so the two indexes share failure behavior.
func NewRegistry(sessions kvstore.Store[string], users kvstore.Store[[]string]) *Registry {
	return &Registry{sessions: sessions, users: users}
}

// AddSession binds connID to userID and appends it to the user's
// connection set. Re-adding an existing pair is a no-op in effect.
func (r *Registry) AddSession(ctx context.Context, connID, userID string) error {
	if err := r.sessions.Set(ctx, connID, userID); err != nil {
		return fmt.Errorf("add session %s: %w", connID, err)
	}
	err := r.users.Update(ctx, userID, func(conns []string, _ bool) ([]string, bool) {
		for _, c := range conns {
			if c == connID {
				return conns, true
			}
		}
		return append(conns, connID), true
	})
	if err != nil {
		return fmt.Errorf("add session %s to user %s: %w", connID, userID, err)
	}
	return nil
}

// RemoveSession deletes the session entry for connID and removes it from
// the owning user's connection set, dropping the user entry entirely when
// the set empties. Removing an unknown connection is a no-op: it returns
// ("", false, nil). The session entry is deleted before the user-set
// update so a failure between the two leaves no dangling session.
func (r *Registry) RemoveSession(ctx context.Context, connID string) (string, bool, error) {
	userID, err := r.sessions.Get(ctx, connID)
	if errors.Is(err, kvstore.ErrNotFound) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("remove session %s: %w", connID, err)
	}

	if err := r.sessions.Delete(ctx, connID); err != nil {
		return "", false, fmt.Errorf("remove session %s: %w", connID, err)
	}

	err = r.users.Update(ctx, userID, func(conns []string, exists bool) ([]string, bool) {
		if !exists {
			return nil, false
		}
		remaining := make([]string, 0, len(conns))
		for _, c := range conns {
			if c != connID {
				remaining = append(remaining, c)
			}
		}
		return remaining, len(remaining) > 0
	})
	if err != nil {
		// Session entry already gone; the reverse index reconciles on the
		// next remove or query.
		return userID, true, fmt.Errorf("remove session %s from user %s: %w", connID, userID, err)
	}
	return userID, true, nil
}

// UserFor returns the user owning connID.
func (r *Registry) UserFor(ctx context.Context, connID string) (string, error) {
	return r.sessions.Get(ctx, connID)
}

// UserCount returns the number of distinct users holding at least one
// connection. O(active users): empty connection sets are never stored.
func (r *Registry) UserCount(ctx context.Context) (int, error) {
	return r.users.Len(ctx)
}
