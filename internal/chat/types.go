// Package chat fans the in-container agent's event stream out to many
// subscribers and syncs message and tool-call history into the store.
package chat

import (
	"context"
	"encoding/json"
	"time"
)

// SessionStatus is the lifecycle status of a chat session.
type SessionStatus string

const (
	SessionActive    SessionStatus = "active"
	SessionPaused    SessionStatus = "paused"
	SessionCompleted SessionStatus = "completed"
	SessionError     SessionStatus = "error"
)

// ToolCallStatus is the lifecycle status of a tool call.
type ToolCallStatus string

const (
	ToolCallPending   ToolCallStatus = "pending"
	ToolCallRunning   ToolCallStatus = "running"
	ToolCallCompleted ToolCallStatus = "completed"
	ToolCallFailed    ToolCallStatus = "failed"
)

// Roles of a chat message.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Session is one agent conversation inside a sandbox.
type Session struct {
	ID             string        `json:"id" db:"id"`
	SandboxID      string        `json:"sandbox_id" db:"sandbox_id"`
	AgentSessionID string        `json:"agent_session_id" db:"agent_session_id"`
	Status         SessionStatus `json:"status" db:"status"`
	WorkingDir     string        `json:"working_dir" db:"working_dir"`
	CreatedAt      time.Time     `json:"created_at" db:"created_at"`
	UpdatedAt      time.Time     `json:"updated_at" db:"updated_at"`
}

// Part is one structured content part of a message.
type Part struct {
	ID   string `json:"id"`
	Type string `json:"type"` // text, image, file
	Text string `json:"text,omitempty"`
	URL  string `json:"url,omitempty"`
	Mime string `json:"mime,omitempty"`
}

// Message is one persisted chat message. Seq is strictly increasing per
// session; eviction removes the lowest sequence numbers first.
type Message struct {
	ID        string    `json:"id" db:"id"`
	SessionID string    `json:"session_id" db:"session_id"`
	Seq       int64     `json:"seq" db:"seq"`
	Role      string    `json:"role" db:"role"`
	Parts     []Part    `json:"parts"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

// ToolCall is one tool invocation by the agent. Output arrives strictly
// after the call is registered and is appended without rewriting history.
type ToolCall struct {
	ID        string          `json:"id" db:"id"`
	SessionID string          `json:"session_id" db:"session_id"`
	MessageID string          `json:"message_id" db:"message_id"`
	Name      string          `json:"name" db:"name"`
	Input     json.RawMessage `json:"input,omitempty"`
	Output    string          `json:"output,omitempty" db:"output"`
	Status    ToolCallStatus  `json:"status" db:"status"`
	CreatedAt time.Time       `json:"created_at" db:"created_at"`
	UpdatedAt time.Time       `json:"updated_at" db:"updated_at"`
}

// Limits bound the persisted history per session.
type Limits struct {
	MaxMessages     int // oldest evicted in batches on overflow
	EvictBatch      int
	MaxMessageBytes int // content beyond this is truncated
}

// DefaultLimits match the documented caps: 1,000 messages per session,
// evicted 100 at a time, 1 MiB per message body.
func DefaultLimits() Limits {
	return Limits{MaxMessages: 1000, EvictBatch: 100, MaxMessageBytes: 1 << 20}
}

// Store persists chat history. Implementations live in internal/storage.
type Store interface {
	CreateSession(ctx context.Context, s *Session) error
	GetSession(ctx context.Context, id string) (*Session, error)
	GetSessionByAgentID(ctx context.Context, sandboxID, agentSessionID string) (*Session, error)
	ListSessions(ctx context.Context, sandboxID string) ([]*Session, error)
	UpdateSessionStatus(ctx context.Context, id string, status SessionStatus) error
	DeleteSandboxSessions(ctx context.Context, sandboxID string) error

	// UpsertMessage inserts the message with the next sequence number, or
	// updates its parts when the id already exists.
	UpsertMessage(ctx context.Context, m *Message) error
	ListMessages(ctx context.Context, sessionID string, limit int) ([]*Message, error)
	CountMessages(ctx context.Context, sessionID string) (int, error)
	// EvictOldest removes the n messages with the lowest sequence numbers.
	EvictOldest(ctx context.Context, sessionID string, n int) error

	UpsertToolCall(ctx context.Context, tc *ToolCall) error
	GetToolCall(ctx context.Context, id string) (*ToolCall, error)
	ListToolCalls(ctx context.Context, sessionID string) ([]*ToolCall, error)
}
