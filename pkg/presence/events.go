// Package presence tracks which authenticated users hold live connections
// and which models their sessions are actively using. State lives in
// kvstore pools shared by every instance; broadcasts go out through the
// transport's room-addressed channel.
package presence

// Wire event names downstream clients rely on.
const (
	EventUserCount = "user-count"
	EventUsage     = "usage"
	EventChat      = "chat-events"
)

// Credentials is the auth payload a client presents on connect and
// user-join. ClientID must match the id the token resolves to.
type Credentials struct {
	Token    string `json:"token"`
	ClientID string `json:"client_id"`
}

// UserCountEvent is the payload of user-count broadcasts.
type UserCountEvent struct {
	Count int `json:"count"`
}

// UsageEvent is the payload of usage broadcasts. Models is the unordered
// set of model ids with at least one live session; it marshals as [] when
// empty, never null.
type UsageEvent struct {
	Models []string `json:"models"`
}

// ChatEvent is the payload delivered into a single user's room by the
// request-handling collaborator's emitter and caller helpers.
type ChatEvent struct {
	ChatID    string `json:"chat_id"`
	MessageID string `json:"message_id"`
	Data      any    `json:"data"`
}

// RequestInfo identifies the in-flight request a chat event belongs to.
type RequestInfo struct {
	ChatID    string
	MessageID string
	ClientID  string
}
