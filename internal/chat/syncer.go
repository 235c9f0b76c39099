package chat

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/agentpod/agentpod/internal/common/logger"
	"github.com/agentpod/agentpod/pkg/agentapi"
)

// AgentClient is the slice of the agent API the syncer consumes.
type AgentClient interface {
	Events(ctx context.Context) (<-chan *agentapi.Event, error)
	CreateSession(ctx context.Context) (string, error)
	SendPrompt(ctx context.Context, sessionID string, req agentapi.PromptRequest) error
	ReplyPermission(ctx context.Context, permissionID, reply, message string) error
	Abort(ctx context.Context, sessionID string) error
}

// ClientFactory builds an agent client for a container host address.
type ClientFactory func(host string) AgentClient

// Manager owns one syncer per running sandbox. The orchestrator starts a
// sync when it observes a sandbox running and stops it on stop or delete.
type Manager struct {
	store   Store
	hub     *Hub
	limits  Limits
	factory ClientFactory
	logger  *logger.Logger

	mu      sync.Mutex
	syncers map[string]*syncer
}

// NewManager creates a chat sync manager.
func NewManager(store Store, hub *Hub, limits Limits, factory ClientFactory, log *logger.Logger) *Manager {
	if limits.MaxMessages <= 0 {
		limits = DefaultLimits()
	}
	return &Manager{
		store:   store,
		hub:     hub,
		limits:  limits,
		factory: factory,
		logger:  log.WithFields(zap.String("component", "chat_sync")),
		syncers: make(map[string]*syncer),
	}
}

// Hub returns the fan-out hub for subscriber registration.
func (m *Manager) Hub() *Hub { return m.hub }

// Client returns an agent client for a sandbox's container host, for prompt
// relay and permission replies.
func (m *Manager) Client(host string) AgentClient { return m.factory(host) }

// StartSync begins consuming the agent event stream of a sandbox. A second
// call for the same sandbox replaces the previous subscription (container
// restart changes the host address).
func (m *Manager) StartSync(sandboxID, host string) {
	m.mu.Lock()
	if prev, ok := m.syncers[sandboxID]; ok {
		prev.stop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &syncer{
		sandboxID: sandboxID,
		client:    m.factory(host),
		store:     m.store,
		hub:       m.hub,
		limits:    m.limits,
		logger:    m.logger.WithSandboxID(sandboxID),
		cancel:    cancel,
		messages:  make(map[string]*Message),
	}
	m.syncers[sandboxID] = s
	m.mu.Unlock()

	go s.run(ctx)
}

// StopSync tears down the subscription of a sandbox and notifies its
// subscribers of the disconnect.
func (m *Manager) StopSync(sandboxID string) {
	m.mu.Lock()
	s, ok := m.syncers[sandboxID]
	delete(m.syncers, sandboxID)
	m.mu.Unlock()

	if ok {
		s.stop()
	}
	m.hub.NotifyStreamClosed(sandboxID)
}

// Close stops every syncer.
func (m *Manager) Close() {
	m.mu.Lock()
	syncers := m.syncers
	m.syncers = make(map[string]*syncer)
	m.mu.Unlock()

	for id, s := range syncers {
		s.stop()
		m.hub.NotifyStreamClosed(id)
	}
}

// syncer consumes one sandbox's agent event stream: persists history and
// forwards every event to the hub.
type syncer struct {
	sandboxID string
	client    AgentClient
	store     Store
	hub       *Hub
	limits    Limits
	logger    *logger.Logger
	cancel    context.CancelFunc

	// messages caches parts per agent message id so part updates can be
	// written as whole rows.
	messages map[string]*Message
}

func (s *syncer) stop() {
	s.cancel()
}

func (s *syncer) run(ctx context.Context) {
	backoff := time.Second
	for {
		events, err := s.client.Events(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			s.logger.Warn("agent event stream connect failed", zap.Error(err))
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return
			}
			if backoff < 30*time.Second {
				backoff *= 2
			}
			continue
		}
		backoff = time.Second

		for event := range events {
			s.handle(ctx, event)
			s.hub.Publish(s.sandboxID, event)
		}
		if ctx.Err() != nil {
			return
		}

		// Stream ended without cancellation: the container went away or the
		// agent restarted. Subscribers re-subscribe; the orchestrator
		// restarts the sync when it sees the sandbox running again.
		s.logger.Info("agent event stream closed")
		s.hub.NotifyStreamClosed(s.sandboxID)
		return
	}
}

func (s *syncer) handle(ctx context.Context, event *agentapi.Event) {
	switch event.Type {
	case agentapi.EventMessageUpdated:
		props, err := agentapi.ParseMessageUpdated(event.Properties)
		if err != nil {
			s.logger.Warn("malformed message.updated event", zap.Error(err))
			return
		}
		s.syncMessage(ctx, props.Info)

	case agentapi.EventMessagePartUpdated:
		props, err := agentapi.ParseMessagePartUpdated(event.Properties)
		if err != nil {
			s.logger.Warn("malformed message.part.updated event", zap.Error(err))
			return
		}
		s.syncPart(ctx, &props.Part)

	case agentapi.EventSessionError:
		props, err := agentapi.ParseSessionError(event.Properties)
		if err != nil {
			return
		}
		if session := s.session(ctx, props.SessionID); session != nil {
			if err := s.store.UpdateSessionStatus(ctx, session.ID, SessionError); err != nil {
				s.logger.Error("failed to record session error", zap.Error(err))
			}
		}
	}
}

// session resolves (creating on first sight) the stored session for an
// agent session id.
func (s *syncer) session(ctx context.Context, agentSessionID string) *Session {
	if agentSessionID == "" {
		return nil
	}
	session, err := s.store.GetSessionByAgentID(ctx, s.sandboxID, agentSessionID)
	if err == nil && session != nil {
		return session
	}

	session = &Session{
		ID:             uuid.New().String(),
		SandboxID:      s.sandboxID,
		AgentSessionID: agentSessionID,
		Status:         SessionActive,
		CreatedAt:      time.Now().UTC(),
		UpdatedAt:      time.Now().UTC(),
	}
	if err := s.store.CreateSession(ctx, session); err != nil {
		s.logger.Error("failed to create chat session", zap.Error(err))
		return nil
	}
	return session
}

func (s *syncer) syncMessage(ctx context.Context, info agentapi.MessageInfo) {
	session := s.session(ctx, info.SessionID)
	if session == nil || info.ID == "" {
		return
	}

	msg, ok := s.messages[info.ID]
	if !ok {
		msg = &Message{
			ID:        info.ID,
			SessionID: session.ID,
			CreatedAt: time.Now().UTC(),
		}
		s.messages[info.ID] = msg
	}
	msg.Role = info.Role
	msg.UpdatedAt = time.Now().UTC()

	s.persistMessage(ctx, msg)
}

func (s *syncer) syncPart(ctx context.Context, part *agentapi.Part) {
	session := s.session(ctx, part.SessionID)
	if session == nil || part.MessageID == "" {
		return
	}

	if part.Type == agentapi.PartTypeTool {
		s.syncToolCall(ctx, session, part)
		return
	}

	msg, ok := s.messages[part.MessageID]
	if !ok {
		msg = &Message{
			ID:        part.MessageID,
			SessionID: session.ID,
			Role:      RoleAssistant,
			CreatedAt: time.Now().UTC(),
		}
		s.messages[part.MessageID] = msg
	}

	updated := false
	for i := range msg.Parts {
		if msg.Parts[i].ID == part.ID {
			msg.Parts[i].Text = part.Text
			msg.Parts[i].URL = part.URL
			msg.Parts[i].Mime = part.Mime
			updated = true
			break
		}
	}
	if !updated {
		msg.Parts = append(msg.Parts, Part{
			ID:   part.ID,
			Type: part.Type,
			Text: part.Text,
			URL:  part.URL,
			Mime: part.Mime,
		})
	}
	msg.UpdatedAt = time.Now().UTC()
	s.truncate(msg)

	s.persistMessage(ctx, msg)
}

// truncate caps the total text content of a message at the configured
// byte limit, trimming the newest parts first.
func (s *syncer) truncate(msg *Message) {
	budget := s.limits.MaxMessageBytes
	for i := range msg.Parts {
		n := len(msg.Parts[i].Text)
		if n <= budget {
			budget -= n
			continue
		}
		msg.Parts[i].Text = msg.Parts[i].Text[:budget]
		budget = 0
	}
}

func (s *syncer) persistMessage(ctx context.Context, msg *Message) {
	if err := s.store.UpsertMessage(ctx, msg); err != nil {
		s.logger.Error("failed to persist message", zap.Error(err))
		return
	}

	count, err := s.store.CountMessages(ctx, msg.SessionID)
	if err != nil {
		return
	}
	if count > s.limits.MaxMessages {
		if err := s.store.EvictOldest(ctx, msg.SessionID, s.limits.EvictBatch); err != nil {
			s.logger.Error("failed to evict chat history", zap.Error(err))
		}
	}
}

func (s *syncer) syncToolCall(ctx context.Context, session *Session, part *agentapi.Part) {
	id := part.CallID
	if id == "" {
		id = part.ID
	}
	if id == "" {
		return
	}

	tc := &ToolCall{
		ID:        id,
		SessionID: session.ID,
		MessageID: part.MessageID,
		Name:      part.Tool,
		Status:    ToolCallPending,
		UpdatedAt: time.Now().UTC(),
	}
	if part.State != nil {
		tc.Input = json.RawMessage(part.State.Input)
		tc.Output = part.State.Output
		if len(tc.Output) > s.limits.MaxMessageBytes {
			tc.Output = tc.Output[:s.limits.MaxMessageBytes]
		}
		switch part.State.Status {
		case agentapi.ToolStatusRunning:
			tc.Status = ToolCallRunning
		case agentapi.ToolStatusCompleted:
			tc.Status = ToolCallCompleted
		case agentapi.ToolStatusError:
			tc.Status = ToolCallFailed
			if tc.Output == "" {
				tc.Output = part.State.Error
			}
		}
	}

	if err := s.store.UpsertToolCall(ctx, tc); err != nil {
		s.logger.Error("failed to persist tool call", zap.Error(err))
	}
}
