package main

import (
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/example/nats-chat-socket-service/pkg/auth"
	"github.com/example/nats-chat-socket-service/pkg/kvstore"
	"github.com/example/nats-chat-socket-service/pkg/otelhelper"
	"github.com/example/nats-chat-socket-service/pkg/presence"
	"github.com/example/nats-chat-socket-service/pkg/transport"
)

// ConnectRequest is published by an edge gateway on <prefix>.connect when
// a client opens a socket. The gateway awaits the accept/reject reply
// before completing the handshake.
type ConnectRequest struct {
	ConnID string                `json:"connId"`
	Auth   *presence.Credentials `json:"auth"`
}

// ConnectReply tells the gateway whether to accept the connection.
type ConnectReply struct {
	OK bool `json:"ok"`
}

// JoinRequest is published on <prefix>.user-join when a client
// re-announces identity on an open socket.
type JoinRequest struct {
	ConnID string                `json:"connId"`
	Auth   *presence.Credentials `json:"auth"`
}

// UsageRequest is published on <prefix>.usage for every model usage ping.
type UsageRequest struct {
	ConnID string `json:"connId"`
	Model  string `json:"model"`
}

// CountRequest is published on <prefix>.user-count.
type CountRequest struct {
	ConnID string `json:"connId"`
}

// DisconnectRequest is published on <prefix>.disconnect when a socket
// closes for any reason.
type DisconnectRequest struct {
	ConnID string `json:"connId"`
}

// buckets used by the "nats" backend. The usage bucket's TTL is the idle
// timeout: every Put re-arms the entry, so stale pairs expire server-side.
const (
	sessionBucket = "SOCKET_SESSION"
	userBucket    = "SOCKET_USER"
	usageBucket   = "SOCKET_USAGE"
)

func createKVBuckets(js nats.JetStreamContext, idleTimeout time.Duration) error {
	if _, err := js.CreateKeyValue(&nats.KeyValueConfig{
		Bucket:  sessionBucket,
		History: 1,
		Storage: nats.MemoryStorage,
	}); err != nil {
		return err
	}
	if _, err := js.CreateKeyValue(&nats.KeyValueConfig{
		Bucket:  userBucket,
		History: 1,
		Storage: nats.MemoryStorage,
	}); err != nil {
		return err
	}
	if _, err := js.CreateKeyValue(&nats.KeyValueConfig{
		Bucket:  usageBucket,
		History: 1,
		TTL:     idleTimeout,
		Storage: nats.MemoryStorage,
	}); err != nil {
		return err
	}
	return nil
}

func connectNats(cfg *Config) (*nats.Conn, error) {
	var nc *nats.Conn
	var err error
	for attempt := 1; attempt <= 30; attempt++ {
		nc, err = nats.Connect(cfg.NatsURL,
			nats.UserInfo(cfg.NatsUser, cfg.NatsPass),
			nats.Name("socket-service"),
			nats.MaxReconnects(-1),
			nats.ReconnectWait(2*time.Second),
			nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
				slog.Warn("NATS disconnected", "error", err)
			}),
			nats.ReconnectHandler(func(nc *nats.Conn) {
				slog.Info("NATS reconnected", "url", nc.ConnectedUrl())
			}),
		)
		if err == nil {
			return nc, nil
		}
		slog.Info("Waiting for NATS", "attempt", attempt, "error", err)
		time.Sleep(2 * time.Second)
	}
	return nil, err
}

func newTokenDecoder(cfg *Config) (auth.TokenDecoder, func(), error) {
	if cfg.KeycloakURL != "" {
		decoder, err := auth.NewJWKSDecoder(cfg.jwksURL(), cfg.issuer())
		if err != nil {
			return nil, nil, err
		}
		return decoder, decoder.Close, nil
	}
	return auth.NewHMACDecoder(cfg.SessionSecret), func() {}, nil
}

func main() {
	ctx := context.Background()

	otelShutdown, err := otelhelper.Init(ctx)
	if err != nil {
		slog.Error("Failed to initialize OpenTelemetry", "error", err)
		os.Exit(1)
	}
	defer otelShutdown(ctx)

	cfg, err := loadConfig()
	if err != nil {
		slog.Error("Invalid configuration", "error", err)
		os.Exit(1)
	}

	slog.Info("Starting socket service",
		"backend", cfg.Backend,
		"nats_url", cfg.NatsURL,
		"idle_timeout", cfg.IdleTimeout,
		"websocket", cfg.EnableWebsocket)

	nc, err := connectNats(cfg)
	if err != nil {
		slog.Error("Failed to connect to NATS", "error", err)
		os.Exit(1)
	}
	defer nc.Close()
	slog.Info("Connected to NATS", "url", nc.ConnectedUrl())

	// Build the session, user, and usage pools on the selected backend.
	var (
		sessions kvstore.Store[string]
		users    kvstore.Store[[]string]
		usage    kvstore.Store[int64]
	)
	switch cfg.Backend {
	case "nats":
		js, err := nc.JetStream()
		if err != nil {
			slog.Error("Failed to create JetStream context", "error", err)
			os.Exit(1)
		}
		if err := createKVBuckets(js, cfg.IdleTimeout); err != nil {
			slog.Error("Failed to create KV buckets", "error", err)
			os.Exit(1)
		}
		sessionKV, _ := js.KeyValue(sessionBucket)
		userKV, _ := js.KeyValue(userBucket)
		usageKV, _ := js.KeyValue(usageBucket)
		sessions = kvstore.NewNatsKV[string](sessionKV, false)
		users = kvstore.NewNatsKV[[]string](userKV, false)
		usage = kvstore.NewNatsKV[int64](usageKV, true)
		slog.Info("NATS KV buckets ready", "buckets", sessionBucket+", "+userBucket+", "+usageBucket)
	default:
		sessions = kvstore.NewMemory[string]()
		users = kvstore.NewMemory[[]string]()
		usage = kvstore.NewMemory[int64]()
	}

	tokens, closeTokens, err := newTokenDecoder(cfg)
	if err != nil {
		slog.Error("Failed to initialize token decoder", "error", err)
		os.Exit(1)
	}
	defer closeTokens()

	registry := presence.NewRegistry(sessions, users)
	tracker := presence.NewTracker(usage, cfg.IdleTimeout, nil)
	bus := transport.NewNats(nc, transport.NatsConfig{
		Prefix:    cfg.SubjectPrefix,
		Websocket: cfg.EnableWebsocket,
	})
	coord := presence.NewCoordinator(registry, tracker, bus, tokens, auth.TrustedUsers{})

	prefix := cfg.SubjectPrefix
	const workers = "socket-workers"

	// The gateway request/replies the handshake so it can reject the
	// socket before it finishes opening.
	_, err = nc.QueueSubscribe(prefix+".connect", workers, func(msg *nats.Msg) {
		msgCtx, span := otelhelper.StartConsumerSpan(ctx, msg, "socket connect")
		defer span.End()

		var req ConnectRequest
		if err := json.Unmarshal(msg.Data, &req); err != nil || req.ConnID == "" {
			slog.Warn("Invalid connect request", "error", err)
			respond(msg, ConnectReply{OK: false})
			return
		}
		ok := coord.OnConnect(msgCtx, req.ConnID, req.Auth)
		respond(msg, ConnectReply{OK: ok})
	})
	if err != nil {
		slog.Error("Failed to subscribe to connect", "error", err)
		os.Exit(1)
	}

	_, err = nc.QueueSubscribe(prefix+".user-join", workers, func(msg *nats.Msg) {
		msgCtx, span := otelhelper.StartConsumerSpan(ctx, msg, "socket user-join")
		defer span.End()

		var req JoinRequest
		if err := json.Unmarshal(msg.Data, &req); err != nil || req.ConnID == "" {
			slog.Warn("Invalid user-join request", "error", err)
			return
		}
		coord.OnUserJoin(msgCtx, req.ConnID, req.Auth)
	})
	if err != nil {
		slog.Error("Failed to subscribe to user-join", "error", err)
		os.Exit(1)
	}

	_, err = nc.QueueSubscribe(prefix+".usage", workers, func(msg *nats.Msg) {
		msgCtx, span := otelhelper.StartConsumerSpan(ctx, msg, "socket usage")
		defer span.End()

		var req UsageRequest
		if err := json.Unmarshal(msg.Data, &req); err != nil || req.ConnID == "" || req.Model == "" {
			return
		}
		coord.OnUsagePing(msgCtx, req.ConnID, req.Model)
	})
	if err != nil {
		slog.Error("Failed to subscribe to usage", "error", err)
		os.Exit(1)
	}

	_, err = nc.QueueSubscribe(prefix+".user-count", workers, func(msg *nats.Msg) {
		msgCtx, span := otelhelper.StartConsumerSpan(ctx, msg, "socket user-count")
		defer span.End()

		var req CountRequest
		if err := json.Unmarshal(msg.Data, &req); err != nil || req.ConnID == "" {
			return
		}
		coord.OnUserCountRequest(msgCtx, req.ConnID)
	})
	if err != nil {
		slog.Error("Failed to subscribe to user-count", "error", err)
		os.Exit(1)
	}

	_, err = nc.QueueSubscribe(prefix+".disconnect", workers, func(msg *nats.Msg) {
		msgCtx, span := otelhelper.StartConsumerSpan(ctx, msg, "socket disconnect")
		defer span.End()

		var req DisconnectRequest
		if err := json.Unmarshal(msg.Data, &req); err != nil || req.ConnID == "" {
			return
		}
		coord.OnDisconnect(msgCtx, req.ConnID)
	})
	if err != nil {
		slog.Error("Failed to subscribe to disconnect", "error", err)
		os.Exit(1)
	}

	sweepCtx, stopSweeper := context.WithCancel(ctx)
	sweeper := presence.NewSweeper(coord, nil)
	go sweeper.Run(sweepCtx)

	slog.Info("Socket service ready",
		"subjects", prefix+".connect, "+prefix+".user-join, "+prefix+".usage, "+prefix+".user-count, "+prefix+".disconnect")

	sigCtx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()
	<-sigCtx.Done()

	slog.Info("Shutting down socket service")
	stopSweeper()
	nc.Drain()
	slog.Info("Socket service shutdown complete")
}

func respond(msg *nats.Msg, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		slog.Error("Failed to marshal reply", "error", err)
		return
	}
	if err := msg.Respond(data); err != nil {
		slog.Warn("Failed to respond", "subject", msg.Subject, "error", err)
	}
}
