package auth

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/MicahParks/keyfunc/v2"
	"github.com/golang-jwt/jwt/v5"
)

// oidcClaims carries the OIDC fields we read from identity-provider tokens.
type oidcClaims struct {
	jwt.RegisteredClaims
	PreferredUsername string `json:"preferred_username"`
	Email             string `json:"email"`
}

// JWKSDecoder validates access tokens issued by an OIDC provider (e.g.
// Keycloak) using its published JWKS. Keys are fetched once and refreshed
// in the background.
type JWKSDecoder struct {
	jwks   *keyfunc.JWKS
	issuer string
}

// NewJWKSDecoder fetches the JWKS at jwksURL, retrying while the identity
// provider starts up. If issuer is non-empty, tokens must carry it in their
// iss claim.
func NewJWKSDecoder(jwksURL, issuer string) (*JWKSDecoder, error) {
	slog.Info("Initializing JWKS token decoder", "jwks_url", jwksURL)

	var jwks *keyfunc.JWKS
	var err error
	for attempt := 1; attempt <= 30; attempt++ {
		jwks, err = keyfunc.Get(jwksURL, keyfunc.Options{
			Ctx:               context.Background(),
			RefreshInterval:   5 * time.Minute,
			RefreshRateLimit:  1 * time.Minute,
			RefreshUnknownKID: true,
			RefreshErrorHandler: func(err error) {
				slog.Error("JWKS refresh error", "error", err)
			},
		})
		if err == nil {
			break
		}
		slog.Info("Waiting for identity provider JWKS", "attempt", attempt, "error", err)
		time.Sleep(2 * time.Second)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to fetch JWKS after retries: %w", err)
	}

	return &JWKSDecoder{jwks: jwks, issuer: issuer}, nil
}

func (d *JWKSDecoder) Decode(tokenString string) (*Claims, error) {
	claims := &oidcClaims{}
	opts := []jwt.ParserOption{jwt.WithExpirationRequired()}
	if d.issuer != "" {
		opts = append(opts, jwt.WithIssuer(d.issuer))
	}

	token, err := jwt.ParseWithClaims(tokenString, claims, d.jwks.Keyfunc, opts...)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if !token.Valid || claims.Subject == "" {
		return nil, ErrInvalidToken
	}

	return &Claims{
		UserID:    claims.Subject,
		Email:     claims.Email,
		ExpiresAt: claims.ExpiresAt.Time,
	}, nil
}

// Close stops the background JWKS refresh.
func (d *JWKSDecoder) Close() {
	d.jwks.EndBackground()
}
