package main

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config is the env-level configuration of the socket service.
type Config struct {
	// Backend selects the store: "memory" for a single instance,
	// "nats" for a fleet sharing JetStream KV buckets.
	Backend string

	NatsURL  string
	NatsUser string
	NatsPass string

	// IdleTimeout is both the usage idle timeout and the sweep cadence.
	IdleTimeout time.Duration

	// SubjectPrefix namespaces every subject this service publishes and
	// subscribes to.
	SubjectPrefix string

	// EnableWebsocket is advertised to the edge gateways.
	EnableWebsocket bool

	// SessionSecret signs HS256 session tokens. Ignored when KeycloakURL
	// is set.
	SessionSecret string

	// KeycloakURL/KeycloakRealm switch token validation to the identity
	// provider's JWKS. KeycloakIssuer overrides the expected issuer when
	// the browser-facing URL differs from the internal one.
	KeycloakURL    string
	KeycloakRealm  string
	KeycloakIssuer string
}

func envOrDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envBool(key string, def bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

func loadConfig() (*Config, error) {
	cfg := &Config{
		Backend:         envOrDefault("SOCKET_STORE_BACKEND", "memory"),
		NatsURL:         envOrDefault("NATS_URL", "nats://localhost:4222"),
		NatsUser:        envOrDefault("NATS_USER", "socket-service"),
		NatsPass:        envOrDefault("NATS_PASS", "socket-service-secret"),
		SubjectPrefix:   envOrDefault("SOCKET_SUBJECT_PREFIX", "socket"),
		EnableWebsocket: envBool("ENABLE_WEBSOCKET_SUPPORT", true),
		SessionSecret:   envOrDefault("SESSION_SECRET", ""),
		KeycloakURL:     envOrDefault("KEYCLOAK_URL", ""),
		KeycloakRealm:   envOrDefault("KEYCLOAK_REALM", ""),
		KeycloakIssuer:  envOrDefault("KEYCLOAK_ISSUER", ""),
	}

	switch cfg.Backend {
	case "memory", "nats":
	default:
		return nil, fmt.Errorf("unknown store backend %q", cfg.Backend)
	}

	seconds, err := strconv.Atoi(envOrDefault("SOCKET_IDLE_TIMEOUT_SECONDS", "3"))
	if err != nil || seconds <= 0 {
		return nil, fmt.Errorf("invalid SOCKET_IDLE_TIMEOUT_SECONDS: %q", os.Getenv("SOCKET_IDLE_TIMEOUT_SECONDS"))
	}
	cfg.IdleTimeout = time.Duration(seconds) * time.Second

	if cfg.KeycloakURL == "" && cfg.SessionSecret == "" {
		return nil, fmt.Errorf("either SESSION_SECRET or KEYCLOAK_URL must be set")
	}
	return cfg, nil
}

func (c *Config) jwksURL() string {
	return fmt.Sprintf("%s/realms/%s/protocol/openid-connect/certs", c.KeycloakURL, c.KeycloakRealm)
}

func (c *Config) issuer() string {
	if c.KeycloakIssuer != "" {
		return c.KeycloakIssuer
	}
	return fmt.Sprintf("%s/realms/%s", c.KeycloakURL, c.KeycloakRealm)
}
