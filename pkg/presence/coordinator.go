package presence

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/example/nats-chat-socket-service/pkg/auth"
	"github.com/example/nats-chat-socket-service/pkg/transport"
)

var (
	errMissingCredentials = errors.New("missing or incomplete credentials")
	errClientIDMismatch   = errors.New("client id does not match token identity")
)

// Coordinator dispatches connection lifecycle and usage events to the
// registry and tracker, and emits the resulting broadcasts. A rejected
// handshake mutates nothing and is only logged; store outages are logged
// and the affected broadcast is skipped for that cycle.
type Coordinator struct {
	registry *Registry
	tracker  *Tracker
	bus      transport.Transport
	tokens   auth.TokenDecoder
	users    auth.UserStore

	connects    metric.Int64Counter
	rejects     metric.Int64Counter
	disconnects metric.Int64Counter
	usagePings  metric.Int64Counter
}

// NewCoordinator wires the handlers to their collaborators.
func NewCoordinator(registry *Registry, tracker *Tracker, bus transport.Transport, tokens auth.TokenDecoder, users auth.UserStore) *Coordinator {
	meter := otel.Meter("socket-service")
	connects, _ := meter.Int64Counter("socket_connects_total",
		metric.WithDescription("Total accepted connections and joins"))
	rejects, _ := meter.Int64Counter("socket_rejects_total",
		metric.WithDescription("Total rejected handshakes"))
	disconnects, _ := meter.Int64Counter("socket_disconnects_total",
		metric.WithDescription("Total disconnects"))
	usagePings, _ := meter.Int64Counter("socket_usage_pings_total",
		metric.WithDescription("Total model usage pings"))

	return &Coordinator{
		registry:    registry,
		tracker:     tracker,
		bus:         bus,
		tokens:      tokens,
		users:       users,
		connects:    connects,
		rejects:     rejects,
		disconnects: disconnects,
		usagePings:  usagePings,
	}
}

// authenticate resolves credentials to a user, enforcing that the claimed
// client id matches the token's identity.
func (c *Coordinator) authenticate(ctx context.Context, creds *Credentials) (*auth.User, error) {
	if creds == nil || creds.Token == "" || creds.ClientID == "" {
		return nil, errMissingCredentials
	}
	claims, err := c.tokens.Decode(creds.Token)
	if err != nil {
		return nil, err
	}
	user, err := c.users.GetUserByID(ctx, claims.UserID)
	if err != nil {
		return nil, err
	}
	if creds.ClientID != user.ID {
		return nil, errClientIDMismatch
	}
	return user, nil
}

func (c *Coordinator) register(ctx context.Context, connID string, user *auth.User) error {
	if err := c.registry.AddSession(ctx, connID, user.ID); err != nil {
		return err
	}
	if err := c.bus.EnterRoom(ctx, connID, user.ID); err != nil {
		slog.Warn("Failed to enter user room", "user", user.ID, "connId", connID, "error", err)
	}
	c.connects.Add(ctx, 1, metric.WithAttributes(attribute.String("user", user.ID)))

	c.BroadcastUserCount(ctx)
	c.BroadcastUsage(ctx)
	return nil
}

// OnConnect handles the transport handshake. It returns true to accept the
// connection; on any auth failure it returns false without mutating state.
func (c *Coordinator) OnConnect(ctx context.Context, connID string, creds *Credentials) bool {
	user, err := c.authenticate(ctx, creds)
	if err != nil {
		slog.Warn("Connection rejected", "connId", connID, "reason", err)
		c.rejects.Add(ctx, 1)
		return false
	}
	if err := c.register(ctx, connID, user); err != nil {
		slog.Error("Failed to register session", "connId", connID, "error", err)
		return false
	}
	slog.Info("User connected", "user", user.ID, "name", user.Name, "connId", connID)
	return true
}

// OnUserJoin re-announces identity on an already open transport, e.g.
// after re-authentication. Same validation, registration, and broadcasts
// as OnConnect.
func (c *Coordinator) OnUserJoin(ctx context.Context, connID string, creds *Credentials) {
	user, err := c.authenticate(ctx, creds)
	if err != nil {
		slog.Warn("User join rejected", "connId", connID, "reason", err)
		c.rejects.Add(ctx, 1)
		return
	}
	if err := c.register(ctx, connID, user); err != nil {
		slog.Error("Failed to register session", "connId", connID, "error", err)
		return
	}
	slog.Info("User joined", "user", user.ID, "name", user.Name, "connId", connID)
}

// OnUsagePing refreshes the (model, connection) usage pair and broadcasts
// the active set. Pings from connections without a session are accepted.
func (c *Coordinator) OnUsagePing(ctx context.Context, connID, modelID string) {
	if err := c.tracker.Touch(ctx, modelID, connID); err != nil {
		slog.Error("Failed to record usage ping", "model", modelID, "connId", connID, "error", err)
		return
	}
	c.usagePings.Add(ctx, 1, metric.WithAttributes(attribute.String("model", modelID)))
	c.BroadcastUsage(ctx)
}

// OnUserCountRequest replies directly to the requesting connection with
// the current user count.
func (c *Coordinator) OnUserCountRequest(ctx context.Context, connID string) {
	count, err := c.registry.UserCount(ctx)
	if err != nil {
		slog.Error("Failed to count users", "error", err)
		return
	}
	if err := c.bus.Emit(ctx, EventUserCount, UserCountEvent{Count: count}, connID); err != nil {
		slog.Warn("Failed to reply with user count", "connId", connID, "error", err)
	}
}

// OnDisconnect removes the connection's session, leaves its user room, and
// broadcasts the updated count. Unknown connections are only logged.
func (c *Coordinator) OnDisconnect(ctx context.Context, connID string) {
	userID, removed, err := c.registry.RemoveSession(ctx, connID)
	if err != nil {
		slog.Error("Failed to remove session", "connId", connID, "error", err)
	}
	if !removed {
		slog.Warn("Unknown connection disconnected", "connId", connID)
		return
	}
	if err := c.bus.LeaveRoom(ctx, connID, userID); err != nil {
		slog.Warn("Failed to leave user room", "user", userID, "connId", connID, "error", err)
	}
	c.disconnects.Add(ctx, 1, metric.WithAttributes(attribute.String("user", userID)))
	slog.Info("User disconnected", "user", userID, "connId", connID)
	c.BroadcastUserCount(ctx)
}

// BroadcastUserCount emits the current distinct user count to everyone.
// On store failure the broadcast is skipped for this cycle.
func (c *Coordinator) BroadcastUserCount(ctx context.Context) {
	count, err := c.registry.UserCount(ctx)
	if err != nil {
		slog.Error("Skipping user-count broadcast", "error", err)
		return
	}
	if err := c.bus.Emit(ctx, EventUserCount, UserCountEvent{Count: count}, transport.Broadcast); err != nil {
		slog.Warn("Failed to broadcast user count", "error", err)
	}
}

// BroadcastUsage emits the active model set to everyone. On store failure
// the broadcast is skipped for this cycle.
func (c *Coordinator) BroadcastUsage(ctx context.Context) {
	models, err := c.tracker.ActiveModels(ctx)
	if err != nil {
		slog.Error("Skipping usage broadcast", "error", err)
		return
	}
	if err := c.bus.Emit(ctx, EventUsage, UsageEvent{Models: models}, transport.Broadcast); err != nil {
		slog.Warn("Failed to broadcast usage", "error", err)
	}
}

// EventEmitter returns a fire-and-forget emitter that delivers chat events
// for the given request into the client's room.
func (c *Coordinator) EventEmitter(info RequestInfo) func(context.Context, any) error {
	return func(ctx context.Context, data any) error {
		if info.ClientID == "" {
			slog.Warn("No client id in request info")
			return nil
		}
		event := ChatEvent{ChatID: info.ChatID, MessageID: info.MessageID, Data: data}
		return c.bus.Emit(ctx, EventChat, event, info.ClientID)
	}
}

// EventCaller returns a caller that delivers a chat event into the
// client's room and awaits a single reply, with the timeout policy owned
// by the transport.
func (c *Coordinator) EventCaller(info RequestInfo) func(context.Context, any) (json.RawMessage, error) {
	return func(ctx context.Context, data any) (json.RawMessage, error) {
		if info.ClientID == "" {
			slog.Warn("No client id in request info")
			return nil, nil
		}
		event := ChatEvent{ChatID: info.ChatID, MessageID: info.MessageID, Data: data}
		return c.bus.Call(ctx, EventChat, event, info.ClientID)
	}
}
