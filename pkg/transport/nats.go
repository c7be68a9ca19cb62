package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/example/nats-chat-socket-service/pkg/otelhelper"
)

const defaultCallTimeout = 5 * time.Second

// NatsConfig configures the NATS-backed transport.
type NatsConfig struct {
	// Prefix is the subject namespace, e.g. "socket".
	Prefix string
	// CallTimeout bounds how long Call waits for a reply.
	CallTimeout time.Duration
	// Websocket reports whether the edge gateways may upgrade clients to
	// websocket; it is advertised here so gateways and this service agree
	// on the negotiated transports.
	Websocket bool
}

// Nats publishes events onto NATS subjects. Broadcast emits go to
// "<prefix>.event.<event>", room-addressed emits to
// "<prefix>.room.<room>.<event>", and membership changes to
// "<prefix>.room.changed". The edge gateways subscribe and fan out to their
// sockets.
type Nats struct {
	nc          *nats.Conn
	prefix      string
	callTimeout time.Duration
}

// NewNats creates a NATS transport over an established connection.
func NewNats(nc *nats.Conn, cfg NatsConfig) *Nats {
	if cfg.Prefix == "" {
		cfg.Prefix = "socket"
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = defaultCallTimeout
	}
	slog.Info("NATS transport ready", "prefix", cfg.Prefix, "websocket", cfg.Websocket)
	return &Nats{nc: nc, prefix: cfg.Prefix, callTimeout: cfg.CallTimeout}
}

func (t *Nats) subject(event, room string) string {
	if room == Broadcast {
		return t.prefix + ".event." + event
	}
	return t.prefix + ".room." + room + "." + event
}

func (t *Nats) Emit(ctx context.Context, event string, payload any, room string) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal %s event: %w", event, err)
	}
	msg := &nats.Msg{
		Subject: t.subject(event, room),
		Data:    data,
		Header:  otelhelper.InjectContext(ctx),
	}
	if err := t.nc.PublishMsg(msg); err != nil {
		return fmt.Errorf("publish %s: %w", msg.Subject, err)
	}
	return nil
}

func (t *Nats) Call(ctx context.Context, event string, payload any, room string) (json.RawMessage, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal %s event: %w", event, err)
	}
	msg := &nats.Msg{
		Subject: t.subject(event, room),
		Data:    data,
		Header:  otelhelper.InjectContext(ctx),
	}
	callCtx, cancel := context.WithTimeout(ctx, t.callTimeout)
	defer cancel()
	reply, err := t.nc.RequestMsgWithContext(callCtx, msg)
	if errors.Is(err, nats.ErrNoResponders) {
		return nil, fmt.Errorf("%w %q", ErrNoReceiver, room)
	}
	if err != nil {
		return nil, fmt.Errorf("request %s: %w", msg.Subject, err)
	}
	return json.RawMessage(reply.Data), nil
}

func (t *Nats) EnterRoom(ctx context.Context, connID, room string) error {
	return t.publishRoomChange(ctx, connID, room, "enter")
}

func (t *Nats) LeaveRoom(ctx context.Context, connID, room string) error {
	return t.publishRoomChange(ctx, connID, room, "leave")
}

func (t *Nats) publishRoomChange(ctx context.Context, connID, room, action string) error {
	data, err := json.Marshal(RoomChange{ConnID: connID, Room: room, Action: action})
	if err != nil {
		return err
	}
	msg := &nats.Msg{
		Subject: t.prefix + ".room.changed",
		Data:    data,
		Header:  otelhelper.InjectContext(ctx),
	}
	if err := t.nc.PublishMsg(msg); err != nil {
		return fmt.Errorf("publish room change: %w", err)
	}
	return nil
}
