package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Sink receives events delivered to one connection.
type Sink interface {
	Deliver(event string, payload []byte)
}

// Answerer is implemented by sinks that can reply to Call events.
type Answerer interface {
	Answer(event string, payload []byte) ([]byte, error)
}

// SinkFunc adapts a function to the Sink interface.
type SinkFunc func(event string, payload []byte)

func (f SinkFunc) Deliver(event string, payload []byte) { f(event, payload) }

// Local is the in-process transport used by single-instance deployments and
// tests. Connections register a Sink and get a minted connection id; rooms
// are plain map sets. Every connection is addressable by its own id without
// entering a room.
type Local struct {
	mu          sync.RWMutex
	conns       map[string]Sink
	rooms       map[string]map[string]bool
	callTimeout time.Duration
}

// NewLocal creates an empty in-process transport.
func NewLocal() *Local {
	return &Local{
		conns:       make(map[string]Sink),
		rooms:       make(map[string]map[string]bool),
		callTimeout: defaultCallTimeout,
	}
}

// Connect registers a sink and returns its new connection id.
func (t *Local) Connect(sink Sink) string {
	connID := uuid.NewString()
	t.mu.Lock()
	t.conns[connID] = sink
	t.mu.Unlock()
	return connID
}

// Disconnect removes a connection and its room memberships.
func (t *Local) Disconnect(connID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.conns, connID)
	for room, members := range t.rooms {
		delete(members, connID)
		if len(members) == 0 {
			delete(t.rooms, room)
		}
	}
}

func (t *Local) EnterRoom(_ context.Context, connID, room string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.rooms[room] == nil {
		t.rooms[room] = make(map[string]bool)
	}
	t.rooms[room][connID] = true
	return nil
}

func (t *Local) LeaveRoom(_ context.Context, connID, room string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if members, ok := t.rooms[room]; ok {
		delete(members, connID)
		if len(members) == 0 {
			delete(t.rooms, room)
		}
	}
	return nil
}

// targets resolves a room to the sinks it currently addresses.
func (t *Local) targets(room string) []Sink {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if room == Broadcast {
		sinks := make([]Sink, 0, len(t.conns))
		for _, s := range t.conns {
			sinks = append(sinks, s)
		}
		return sinks
	}
	var sinks []Sink
	if s, ok := t.conns[room]; ok {
		sinks = append(sinks, s)
	}
	for connID := range t.rooms[room] {
		if connID == room {
			continue
		}
		if s, ok := t.conns[connID]; ok {
			sinks = append(sinks, s)
		}
	}
	return sinks
}

func (t *Local) Emit(_ context.Context, event string, payload any, room string) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal %s event: %w", event, err)
	}
	for _, sink := range t.targets(room) {
		sink.Deliver(event, data)
	}
	return nil
}

func (t *Local) Call(ctx context.Context, event string, payload any, room string) (json.RawMessage, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal %s event: %w", event, err)
	}

	var answerer Answerer
	for _, sink := range t.targets(room) {
		if a, ok := sink.(Answerer); ok {
			answerer = a
			break
		}
	}
	if answerer == nil {
		return nil, fmt.Errorf("%w %q", ErrNoReceiver, room)
	}

	type result struct {
		data []byte
		err  error
	}
	done := make(chan result, 1)
	go func() {
		reply, err := answerer.Answer(event, data)
		done <- result{reply, err}
	}()

	callCtx, cancel := context.WithTimeout(ctx, t.callTimeout)
	defer cancel()
	select {
	case <-callCtx.Done():
		return nil, callCtx.Err()
	case r := <-done:
		if r.err != nil {
			return nil, r.err
		}
		return json.RawMessage(r.data), nil
	}
}
