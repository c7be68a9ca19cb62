// Package transport abstracts the room-addressed publish/subscribe channel
// the presence layer emits into. Rooms group connections for targeted
// delivery: every connection is implicitly addressable by its own id, and
// joins the room named after its user id once authenticated.
package transport

import (
	"context"
	"encoding/json"
	"errors"
)

// Broadcast addresses an emit to every connected client.
const Broadcast = ""

// ErrNoReceiver is returned by Call when no connection in the target room
// can answer.
var ErrNoReceiver = errors.New("transport: no receiver in room")

// Transport is the outbound side of the pub/sub channel plus room
// membership control. Emit is fire-and-forget; Call awaits a single reply
// from the target room, with the timeout policy owned by the
// implementation.
type Transport interface {
	Emit(ctx context.Context, event string, payload any, room string) error
	Call(ctx context.Context, event string, payload any, room string) (json.RawMessage, error)
	EnterRoom(ctx context.Context, connID, room string) error
	LeaveRoom(ctx context.Context, connID, room string) error
}

// RoomChange is the membership control message published when a connection
// enters or leaves a room, consumed by the edge gateways that hold the
// actual sockets.
type RoomChange struct {
	ConnID string `json:"connId"`
	Room   string `json:"room"`
	Action string `json:"action"` // "enter" or "leave"
}
