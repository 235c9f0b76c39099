// Package terminal multiplexes PTY-backed shell sessions inside sandboxes.
// Each session owns one TTY exec stream; output is retained in a bounded
// scrollback and mirrored into a virtual terminal for snapshots, and any
// number of subscribers can attach to the live byte stream.
package terminal

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/agentpod/agentpod/internal/common/config"
	apperrors "github.com/agentpod/agentpod/internal/common/errors"
	"github.com/agentpod/agentpod/internal/common/logger"
	"github.com/agentpod/agentpod/internal/events"
	"github.com/agentpod/agentpod/internal/events/bus"
	"github.com/agentpod/agentpod/internal/runtime"
)

// Status is the lifecycle state of one terminal session.
type Status string

const (
	StatusConnecting   Status = "connecting"
	StatusConnected    Status = "connected"
	StatusDisconnected Status = "disconnected"
	StatusError        Status = "error"
)

// DefaultShell is used when Connect gets no explicit shell path.
const DefaultShell = "/bin/bash"

const (
	defaultCols = 80
	defaultRows = 24

	// inputQueueSize bounds pending writes towards a stalled PTY.
	inputQueueSize = 64

	// subscriberQueueSize bounds undelivered output per subscriber.
	subscriberQueueSize = 256
)

// Session is the externally visible description of one terminal.
type Session struct {
	ID        string    `json:"id"`
	SandboxID string    `json:"sandbox_id"`
	Status    Status    `json:"status"`
	Shell     string    `json:"shell"`
	CreatedAt time.Time `json:"created_at"`
	ExitCode  *int      `json:"exit_code,omitempty"`
	Cols      uint16    `json:"cols"`
	Rows      uint16    `json:"rows"`
}

// StreamOpener opens a TTY exec stream inside a sandbox. The orchestrator
// satisfies it.
type StreamOpener interface {
	ExecStream(ctx context.Context, sandboxID string, req runtime.ExecRequest) (runtime.ExecStream, error)
}

// Manager is the terminal session registry. All sessions of a sandbox are
// torn down when the sandbox stops or is deleted.
type Manager struct {
	opener StreamOpener
	cfg    config.TerminalConfig
	bus    bus.EventBus // optional
	logger *logger.Logger

	mu       sync.Mutex
	sessions map[string]*session
}

// NewManager creates a terminal manager. Zero config fields fall back to
// the documented defaults (5 per sandbox, 10,000 scrollback lines, 30s
// dispose grace).
func NewManager(opener StreamOpener, cfg config.TerminalConfig, eventBus bus.EventBus, log *logger.Logger) *Manager {
	if cfg.MaxPerSandbox <= 0 {
		cfg.MaxPerSandbox = 5
	}
	if cfg.ScrollbackLines <= 0 {
		cfg.ScrollbackLines = 10000
	}
	if cfg.DisposeGrace <= 0 {
		cfg.DisposeGrace = 30
	}
	return &Manager{
		opener:   opener,
		cfg:      cfg,
		bus:      eventBus,
		logger:   log.WithFields(zap.String("component", "terminal")),
		sessions: make(map[string]*session),
	}
}

// Connect opens a new terminal in a sandbox. Rejects with LimitReached
// when the sandbox already has the maximum number of sessions.
func (m *Manager) Connect(ctx context.Context, sandboxID, shell string) (*Session, error) {
	if shell == "" {
		shell = DefaultShell
	}

	// The session is registered before the exec call so the count check and
	// the insert happen under one lock; concurrent Connects see each other's
	// reservations and cannot overshoot the cap while a stream is opening.
	m.mu.Lock()
	count := 0
	for _, s := range m.sessions {
		if s.sandboxID == sandboxID {
			count++
		}
	}
	if count >= m.cfg.MaxPerSandbox {
		m.mu.Unlock()
		return nil, apperrors.LimitReached(fmt.Sprintf(
			"sandbox already has %d terminals (max %d)", count, m.cfg.MaxPerSandbox))
	}
	s := newSession(sandboxID, shell, m)
	m.sessions[s.id] = s
	m.mu.Unlock()

	stream, err := m.opener.ExecStream(ctx, sandboxID, runtime.ExecRequest{
		Cmd:  []string{shell},
		Env:  []string{"TERM=xterm-256color"},
		TTY:  true,
		Cols: defaultCols,
		Rows: defaultRows,
	})
	if err != nil {
		m.mu.Lock()
		delete(m.sessions, s.id)
		m.mu.Unlock()
		return nil, err
	}

	s.start(stream)
	m.logger.Info("terminal opened",
		zap.String("terminal_id", s.id),
		zap.String("sandbox_id", sandboxID),
		zap.String("shell", shell))
	m.publish(events.TerminalOpened, s)
	return s.describe(), nil
}

// SendInput queues bytes towards the PTY. The call never blocks; when the
// PTY writer is stalled the payload is dropped and its size returned.
func (m *Manager) SendInput(terminalID string, data []byte) (dropped int, err error) {
	s, err := m.get(terminalID)
	if err != nil {
		return 0, err
	}
	return s.sendInput(data), nil
}

// Resize propagates a window size change to the PTY and the snapshot
// screen.
func (m *Manager) Resize(ctx context.Context, terminalID string, cols, rows uint16) error {
	s, err := m.get(terminalID)
	if err != nil {
		return err
	}
	return s.resize(ctx, cols, rows)
}

// Disconnect closes a terminal and purges its buffers.
func (m *Manager) Disconnect(terminalID string) error {
	s, err := m.get(terminalID)
	if err != nil {
		return err
	}
	s.close(StatusDisconnected)
	return nil
}

// DisconnectAll closes every terminal of a sandbox.
func (m *Manager) DisconnectAll(sandboxID string) {
	m.mu.Lock()
	var doomed []*session
	for _, s := range m.sessions {
		if s.sandboxID == sandboxID {
			doomed = append(doomed, s)
		}
	}
	m.mu.Unlock()
	for _, s := range doomed {
		s.close(StatusDisconnected)
	}
}

// List returns the sessions of a sandbox.
func (m *Manager) List(sandboxID string) []*Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := []*Session{}
	for _, s := range m.sessions {
		if s.sandboxID == sandboxID {
			out = append(out, s.describe())
		}
	}
	return out
}

// Get returns one session.
func (m *Manager) Get(terminalID string) (*Session, error) {
	s, err := m.get(terminalID)
	if err != nil {
		return nil, err
	}
	return s.describe(), nil
}

// Subscribe attaches to the live output stream. Backlog is the retained
// scrollback at the moment of subscription; everything after it arrives on
// the channel. The channel closes when the terminal ends.
func (m *Manager) Subscribe(terminalID string) (*Subscription, error) {
	s, err := m.get(terminalID)
	if err != nil {
		return nil, err
	}
	return s.subscribe(), nil
}

// Unsubscribe detaches a subscriber. When the last one leaves, the session
// is disposed after the configured grace unless someone re-subscribes.
func (m *Manager) Unsubscribe(terminalID, subscriberID string) {
	if s, err := m.get(terminalID); err == nil {
		s.unsubscribe(subscriberID)
	}
}

// Snapshot renders the current screen contents of the terminal.
func (m *Manager) Snapshot(terminalID string) (string, error) {
	s, err := m.get(terminalID)
	if err != nil {
		return "", err
	}
	return s.snapshot(), nil
}

// Close disconnects every session.
func (m *Manager) Close() {
	m.mu.Lock()
	var all []*session
	for _, s := range m.sessions {
		all = append(all, s)
	}
	m.mu.Unlock()
	for _, s := range all {
		s.close(StatusDisconnected)
	}
}

func (m *Manager) get(terminalID string) (*session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[terminalID]
	if !ok {
		return nil, apperrors.NotFound("terminal", terminalID)
	}
	return s, nil
}

// remove drops a session from the registry once it has closed.
func (m *Manager) remove(s *session) {
	m.mu.Lock()
	delete(m.sessions, s.id)
	m.mu.Unlock()
	m.publish(events.TerminalClosed, s)
}

func (m *Manager) publish(eventType string, s *session) {
	if m.bus == nil {
		return
	}
	event := bus.NewEvent(eventType, "terminal", map[string]interface{}{
		"terminal_id": s.id,
		"sandbox_id":  s.sandboxID,
	})
	if err := m.bus.Publish(context.Background(), events.BuildSandboxSubject(eventType, s.sandboxID), event); err != nil {
		m.logger.Warn("event publish failed", zap.String("event", eventType), zap.Error(err))
	}
}
