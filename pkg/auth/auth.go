// Package auth holds the identity collaborators the presence layer consumes:
// token decoding and user lookup. Both are black boxes to the core; the
// coordinator only cares whether they yield a user whose id matches the one
// the client claims.
package auth

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrInvalidToken covers missing, malformed, expired, or badly signed
	// tokens.
	ErrInvalidToken = errors.New("auth: invalid token")

	// ErrUserNotFound is returned when a decoded identity has no user
	// record.
	ErrUserNotFound = errors.New("auth: user not found")
)

// Claims is the identity a validated token asserts.
type Claims struct {
	UserID    string
	Email     string
	ExpiresAt time.Time
}

// TokenDecoder validates a bearer token and extracts its claims.
type TokenDecoder interface {
	Decode(token string) (*Claims, error)
}

// User is the external identity store's record.
type User struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Email string `json:"email"`
	Role  string `json:"role"`
}

// UserStore resolves a decoded identity to a user record.
type UserStore interface {
	GetUserByID(ctx context.Context, id string) (*User, error)
}
