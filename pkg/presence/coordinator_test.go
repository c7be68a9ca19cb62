package presence

import (
	"context"
	"encoding/json"
	"sync"
	"testing"

	"github.com/benbjohnson/clock"

	"github.com/example/nats-chat-socket-service/pkg/auth"
	"github.com/example/nats-chat-socket-service/pkg/kvstore"
	"github.com/example/nats-chat-socket-service/pkg/transport"
)

// recordedEmit captures one Emit call on the recording bus.
type recordedEmit struct {
	event   string
	payload any
	room    string
}

// recordingBus implements transport.Transport and records everything.
type recordingBus struct {
	mu     sync.Mutex
	emits  []recordedEmit
	rooms  map[string]map[string]bool
	notify chan recordedEmit
	reply  json.RawMessage
}

func newRecordingBus() *recordingBus {
	return &recordingBus{rooms: make(map[string]map[string]bool)}
}

func (b *recordingBus) Emit(_ context.Context, event string, payload any, room string) error {
	b.mu.Lock()
	b.emits = append(b.emits, recordedEmit{event, payload, room})
	b.mu.Unlock()
	if b.notify != nil {
		b.notify <- recordedEmit{event, payload, room}
	}
	return nil
}

func (b *recordingBus) Call(_ context.Context, event string, payload any, room string) (json.RawMessage, error) {
	b.mu.Lock()
	b.emits = append(b.emits, recordedEmit{event, payload, room})
	b.mu.Unlock()
	return b.reply, nil
}

func (b *recordingBus) EnterRoom(_ context.Context, connID, room string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.rooms[room] == nil {
		b.rooms[room] = make(map[string]bool)
	}
	b.rooms[room][connID] = true
	return nil
}

func (b *recordingBus) LeaveRoom(_ context.Context, connID, room string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if members, ok := b.rooms[room]; ok {
		delete(members, connID)
		if len(members) == 0 {
			delete(b.rooms, room)
		}
	}
	return nil
}

// lastEvent returns the most recent emit of the given event name.
func (b *recordingBus) lastEvent(event string) (recordedEmit, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i := len(b.emits) - 1; i >= 0; i-- {
		if b.emits[i].event == event {
			return b.emits[i], true
		}
	}
	return recordedEmit{}, false
}

func (b *recordingBus) eventCount(event string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for _, e := range b.emits {
		if e.event == event {
			n++
		}
	}
	return n
}

// stubDecoder maps fixed token strings to user ids.
type stubDecoder map[string]string

func (d stubDecoder) Decode(token string) (*auth.Claims, error) {
	id, ok := d[token]
	if !ok {
		return nil, auth.ErrInvalidToken
	}
	return &auth.Claims{UserID: id}, nil
}

func newTestCoordinator() (*Coordinator, *recordingBus) {
	reg, _, _ := newTestRegistry()
	tracker := NewTracker(kvstore.NewMemory[int64](), DefaultIdleTimeout, clock.NewMock())
	bus := newRecordingBus()
	tokens := stubDecoder{"tok-u1": "u1", "tok-u2": "u2"}
	users := auth.NewStaticUsers(
		auth.User{ID: "u1", Name: "User One"},
		auth.User{ID: "u2", Name: "User Two"},
	)
	return NewCoordinator(reg, tracker, bus, tokens, users), bus
}

func TestCoordinator_ConnectBroadcastsCounts(t *testing.T) {
	ctx := context.Background()
	c, bus := newTestCoordinator()

	if !c.OnConnect(ctx, "c1", &Credentials{Token: "tok-u1", ClientID: "u1"}) {
		t.Fatal("Expected valid connect to be accepted")
	}

	emit, ok := bus.lastEvent(EventUserCount)
	if !ok {
		t.Fatal("Expected a user-count broadcast")
	}
	if emit.room != transport.Broadcast {
		t.Errorf("Expected broadcast, got room %q", emit.room)
	}
	if got := emit.payload.(UserCountEvent).Count; got != 1 {
		t.Errorf("Expected count 1, got %d", got)
	}

	if _, ok := bus.lastEvent(EventUsage); !ok {
		t.Error("Expected a usage broadcast on connect")
	}
	if !bus.rooms["u1"]["c1"] {
		t.Error("Expected c1 to have entered u1's room")
	}
}

func TestCoordinator_TwoUsersThenDisconnect(t *testing.T) {
	ctx := context.Background()
	c, bus := newTestCoordinator()

	c.OnConnect(ctx, "c1", &Credentials{Token: "tok-u1", ClientID: "u1"})
	c.OnConnect(ctx, "c2", &Credentials{Token: "tok-u2", ClientID: "u2"})

	emit, _ := bus.lastEvent(EventUserCount)
	if got := emit.payload.(UserCountEvent).Count; got != 2 {
		t.Errorf("Expected count 2 after second user, got %d", got)
	}

	c.OnDisconnect(ctx, "c1")

	emit, _ = bus.lastEvent(EventUserCount)
	if got := emit.payload.(UserCountEvent).Count; got != 1 {
		t.Errorf("Expected count 1 after disconnect, got %d", got)
	}
	if bus.rooms["u1"]["c1"] {
		t.Error("Expected c1 to have left u1's room")
	}
}

func TestCoordinator_RejectsMissingCredentials(t *testing.T) {
	ctx := context.Background()
	c, bus := newTestCoordinator()

	if c.OnConnect(ctx, "c1", nil) {
		t.Error("Expected nil credentials to be rejected")
	}
	if c.OnConnect(ctx, "c1", &Credentials{Token: "tok-u1"}) {
		t.Error("Expected missing client id to be rejected")
	}
	if c.OnConnect(ctx, "c1", &Credentials{ClientID: "u1"}) {
		t.Error("Expected missing token to be rejected")
	}

	if len(bus.emits) != 0 {
		t.Errorf("Expected no broadcasts after rejected handshakes, got %v", bus.emits)
	}
	count, _ := c.registry.UserCount(ctx)
	if count != 0 {
		t.Errorf("Expected no sessions after rejected handshakes, got count %d", count)
	}
}

func TestCoordinator_RejectsBadToken(t *testing.T) {
	ctx := context.Background()
	c, _ := newTestCoordinator()

	if c.OnConnect(ctx, "c1", &Credentials{Token: "forged", ClientID: "u1"}) {
		t.Error("Expected forged token to be rejected")
	}
}

func TestCoordinator_RejectsClientIDMismatch(t *testing.T) {
	ctx := context.Background()
	c, bus := newTestCoordinator()

	if c.OnConnect(ctx, "c1", &Credentials{Token: "tok-u1", ClientID: "u2"}) {
		t.Error("Expected mismatched client id to be rejected")
	}
	if len(bus.emits) != 0 {
		t.Error("Expected no state change on identity mismatch")
	}
}

func TestCoordinator_UserJoinRegistersLikeConnect(t *testing.T) {
	ctx := context.Background()
	c, bus := newTestCoordinator()

	c.OnUserJoin(ctx, "c1", &Credentials{Token: "tok-u1", ClientID: "u1"})

	emit, ok := bus.lastEvent(EventUserCount)
	if !ok || emit.payload.(UserCountEvent).Count != 1 {
		t.Errorf("Expected user-join to register and broadcast count 1, got %v", emit)
	}
}

func TestCoordinator_UsagePingBroadcastsModels(t *testing.T) {
	ctx := context.Background()
	c, bus := newTestCoordinator()

	// No prior connect: usage pings from unregistered connections are
	// accepted.
	c.OnUsagePing(ctx, "c1", "modelA")

	emit, ok := bus.lastEvent(EventUsage)
	if !ok {
		t.Fatal("Expected a usage broadcast")
	}
	models := emit.payload.(UsageEvent).Models
	if len(models) != 1 || models[0] != "modelA" {
		t.Errorf("Expected [modelA], got %v", models)
	}
}

func TestCoordinator_UserCountRequestRepliesDirectly(t *testing.T) {
	ctx := context.Background()
	c, bus := newTestCoordinator()

	c.OnConnect(ctx, "c1", &Credentials{Token: "tok-u1", ClientID: "u1"})
	c.OnUserCountRequest(ctx, "c1")

	emit, ok := bus.lastEvent(EventUserCount)
	if !ok {
		t.Fatal("Expected a user-count reply")
	}
	if emit.room != "c1" {
		t.Errorf("Expected reply addressed to the requester, got room %q", emit.room)
	}
	if emit.payload.(UserCountEvent).Count != 1 {
		t.Errorf("Expected count 1, got %+v", emit.payload)
	}
}

func TestCoordinator_UnknownDisconnectIsSilent(t *testing.T) {
	ctx := context.Background()
	c, bus := newTestCoordinator()

	c.OnDisconnect(ctx, "never-connected")

	if len(bus.emits) != 0 {
		t.Errorf("Expected no broadcasts for unknown disconnect, got %v", bus.emits)
	}
}

func TestCoordinator_DoubleDisconnect(t *testing.T) {
	ctx := context.Background()
	c, bus := newTestCoordinator()

	c.OnConnect(ctx, "c1", &Credentials{Token: "tok-u1", ClientID: "u1"})
	c.OnDisconnect(ctx, "c1")
	before := bus.eventCount(EventUserCount)

	c.OnDisconnect(ctx, "c1")

	if after := bus.eventCount(EventUserCount); after != before {
		t.Errorf("Expected second disconnect to broadcast nothing, got %d new emits", after-before)
	}
}

func TestCoordinator_EventEmitterTargetsClientRoom(t *testing.T) {
	ctx := context.Background()
	c, bus := newTestCoordinator()

	emitFn := c.EventEmitter(RequestInfo{ChatID: "chat1", MessageID: "m1", ClientID: "u1"})
	if err := emitFn(ctx, map[string]string{"type": "status"}); err != nil {
		t.Fatalf("EventEmitter failed: %v", err)
	}

	emit, ok := bus.lastEvent(EventChat)
	if !ok {
		t.Fatal("Expected a chat-events emit")
	}
	if emit.room != "u1" {
		t.Errorf("Expected chat event addressed to u1's room, got %q", emit.room)
	}
	evt := emit.payload.(ChatEvent)
	if evt.ChatID != "chat1" || evt.MessageID != "m1" {
		t.Errorf("Unexpected chat event %+v", evt)
	}
}

func TestCoordinator_EventEmitterWithoutClientID(t *testing.T) {
	ctx := context.Background()
	c, bus := newTestCoordinator()

	emitFn := c.EventEmitter(RequestInfo{ChatID: "chat1", MessageID: "m1"})
	if err := emitFn(ctx, "ignored"); err != nil {
		t.Fatalf("Expected missing client id to be tolerated, got %v", err)
	}
	if len(bus.emits) != 0 {
		t.Error("Expected nothing emitted without a client id")
	}
}

func TestCoordinator_EventCallerAwaitsReply(t *testing.T) {
	ctx := context.Background()
	c, bus := newTestCoordinator()
	bus.reply = json.RawMessage(`{"confirmed":true}`)

	callFn := c.EventCaller(RequestInfo{ChatID: "chat1", MessageID: "m1", ClientID: "u1"})
	reply, err := callFn(ctx, map[string]string{"type": "confirm"})
	if err != nil {
		t.Fatalf("EventCaller failed: %v", err)
	}

	var decoded struct {
		Confirmed bool `json:"confirmed"`
	}
	if err := json.Unmarshal(reply, &decoded); err != nil || !decoded.Confirmed {
		t.Errorf("Unexpected reply %s (%v)", reply, err)
	}
}
