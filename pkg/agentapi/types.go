// Package agentapi provides types and a client for the in-container coding
// agent's HTTP contract: a REST API on the agent port plus a Server-Sent
// Events stream for live session updates. The agent protocol internals stay
// inside the container; only this surface is consumed.
package agentapi

import (
	"encoding/json"
)

// Event types from the /event SSE stream.
const (
	EventMessageUpdated     = "message.updated"
	EventMessagePartUpdated = "message.part.updated"
	EventSessionIdle        = "session.idle"
	EventSessionError       = "session.error"
	EventPermissionUpdated  = "permission.updated"
)

// Part types.
const (
	PartTypeText  = "text"
	PartTypeImage = "image"
	PartTypeFile  = "file"
	PartTypeTool  = "tool"
)

// Tool status values on the wire.
const (
	ToolStatusPending   = "pending"
	ToolStatusRunning   = "running"
	ToolStatusCompleted = "completed"
	ToolStatusError     = "error"
)

// Permission reply values.
const (
	PermissionReplyOnce   = "once"
	PermissionReplyReject = "reject"
)

// Event is the envelope of every SSE event.
type Event struct {
	Type       string          `json:"type"`
	Properties json.RawMessage `json:"properties,omitempty"`
}

// Terminal reports whether subscribers must never miss this event. Terminal
// events survive coalescing under subscriber lag.
func (e *Event) Terminal() bool {
	switch e.Type {
	case EventSessionIdle, EventSessionError, EventPermissionUpdated:
		return true
	}
	return false
}

// HealthResponse from GET /health.
type HealthResponse struct {
	Healthy bool   `json:"healthy"`
	Version string `json:"version"`
}

// SessionResponse from POST /session.
type SessionResponse struct {
	ID string `json:"id"`
}

// PromptPart is one part of a prompt request.
type PromptPart struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
	URL  string `json:"url,omitempty"`
	Mime string `json:"mime,omitempty"`
}

// PromptRequest for POST /session/{id}/message.
type PromptRequest struct {
	Provider string       `json:"provider,omitempty"`
	Model    string       `json:"model,omitempty"`
	Parts    []PromptPart `json:"parts"`
}

// PermissionReplyRequest for POST /permission/{id}/reply.
type PermissionReplyRequest struct {
	Reply   string `json:"reply"`
	Message string `json:"message,omitempty"`
}

// MessageInfo is the metadata of one chat message.
type MessageInfo struct {
	ID        string `json:"id"`
	SessionID string `json:"sessionID"`
	Role      string `json:"role"` // "user", "assistant"
}

// MessageUpdatedProperties for message.updated events.
type MessageUpdatedProperties struct {
	Info MessageInfo `json:"info"`
}

// Part is one content part of a message: text, file, image, or tool call.
type Part struct {
	ID        string     `json:"id"`
	Type      string     `json:"type"`
	MessageID string     `json:"messageID"`
	SessionID string     `json:"sessionID"`
	Text      string     `json:"text,omitempty"`
	URL       string     `json:"url,omitempty"`
	Mime      string     `json:"mime,omitempty"`
	CallID    string     `json:"callID,omitempty"`
	Tool      string     `json:"tool,omitempty"`
	State     *ToolState `json:"state,omitempty"`
}

// ToolState is the execution state of a tool part.
type ToolState struct {
	Status string          `json:"status"`
	Input  json.RawMessage `json:"input,omitempty"`
	Output string          `json:"output,omitempty"`
	Error  string          `json:"error,omitempty"`
}

// MessagePartUpdatedProperties for message.part.updated events.
type MessagePartUpdatedProperties struct {
	Part  Part   `json:"part"`
	Delta string `json:"delta,omitempty"`
}

// SessionIdleProperties for session.idle events.
type SessionIdleProperties struct {
	SessionID string `json:"sessionID"`
}

// SessionErrorProperties for session.error events.
type SessionErrorProperties struct {
	SessionID string `json:"sessionID"`
	Message   string `json:"message,omitempty"`
}

// PermissionUpdatedProperties for permission.updated events.
type PermissionUpdatedProperties struct {
	ID         string   `json:"id"`
	SessionID  string   `json:"sessionID"`
	Permission string   `json:"permission"`
	Patterns   []string `json:"patterns,omitempty"`
}

// ParseEvent parses an SSE event envelope from JSON.
func ParseEvent(data []byte) (*Event, error) {
	var e Event
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, err
	}
	return &e, nil
}

// ParseMessageUpdated parses message.updated properties.
func ParseMessageUpdated(data json.RawMessage) (*MessageUpdatedProperties, error) {
	var props MessageUpdatedProperties
	if err := json.Unmarshal(data, &props); err != nil {
		return nil, err
	}
	return &props, nil
}

// ParseMessagePartUpdated parses message.part.updated properties.
func ParseMessagePartUpdated(data json.RawMessage) (*MessagePartUpdatedProperties, error) {
	var props MessagePartUpdatedProperties
	if err := json.Unmarshal(data, &props); err != nil {
		return nil, err
	}
	return &props, nil
}

// ParseSessionError parses session.error properties.
func ParseSessionError(data json.RawMessage) (*SessionErrorProperties, error) {
	var props SessionErrorProperties
	if err := json.Unmarshal(data, &props); err != nil {
		return nil, err
	}
	return &props, nil
}

// SessionID extracts the session id from any event that carries one.
func (e *Event) SessionID() string {
	if len(e.Properties) == 0 {
		return ""
	}
	var probe struct {
		SessionID string `json:"sessionID"`
		Info      *struct {
			SessionID string `json:"sessionID"`
		} `json:"info"`
		Part *struct {
			SessionID string `json:"sessionID"`
		} `json:"part"`
	}
	if err := json.Unmarshal(e.Properties, &probe); err != nil {
		return ""
	}
	if probe.SessionID != "" {
		return probe.SessionID
	}
	if probe.Info != nil {
		return probe.Info.SessionID
	}
	if probe.Part != nil {
		return probe.Part.SessionID
	}
	return ""
}
