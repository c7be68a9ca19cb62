package auth

import (
	"context"
	"fmt"
	"sync"
)

// StaticUsers is an in-memory UserStore for single-instance deployments and
// tests.
type StaticUsers struct {
	mu    sync.RWMutex
	users map[string]User
}

// NewStaticUsers creates a store pre-populated with the given users.
func NewStaticUsers(users ...User) *StaticUsers {
	s := &StaticUsers{users: make(map[string]User, len(users))}
	for _, u := range users {
		s.users[u.ID] = u
	}
	return s
}

// Add inserts or replaces a user record.
func (s *StaticUsers) Add(u User) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.users[u.ID] = u
}

func (s *StaticUsers) GetUserByID(_ context.Context, id string) (*User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := s.users[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUserNotFound, id)
	}
	return &u, nil
}

// TrustedUsers accepts any identity the token decoder has already
// validated, materializing a minimal user record from the id. Used when no
// directory service is wired in.
type TrustedUsers struct{}

func (TrustedUsers) GetUserByID(_ context.Context, id string) (*User, error) {
	if id == "" {
		return nil, ErrUserNotFound
	}
	return &User{ID: id, Name: id}, nil
}
