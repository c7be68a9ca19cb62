package auth

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// sessionClaims is the session token payload: the user id travels in the
// "id" claim.
type sessionClaims struct {
	jwt.RegisteredClaims
	ID    string `json:"id"`
	Email string `json:"email"`
}

// HMACDecoder validates HS256 session tokens signed with a shared secret.
type HMACDecoder struct {
	secret []byte
}

// NewHMACDecoder creates a decoder for tokens signed with secret.
func NewHMACDecoder(secret string) *HMACDecoder {
	return &HMACDecoder{secret: []byte(secret)}
}

func (d *HMACDecoder) Decode(tokenString string) (*Claims, error) {
	claims := &sessionClaims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return d.secret, nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if !token.Valid || claims.ID == "" {
		return nil, ErrInvalidToken
	}

	var expires time.Time
	if claims.ExpiresAt != nil {
		expires = claims.ExpiresAt.Time
	}
	return &Claims{UserID: claims.ID, Email: claims.Email, ExpiresAt: expires}, nil
}
