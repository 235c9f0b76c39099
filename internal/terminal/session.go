package terminal

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/tuzig/vt10x"
	"go.uber.org/zap"

	apperrors "github.com/agentpod/agentpod/internal/common/errors"
	"github.com/agentpod/agentpod/internal/runtime"
)

// session is the internal state of one terminal. The stream is owned by
// two goroutines: readLoop pumps PTY output into the scrollback, the
// virtual screen, and the subscribers; writeLoop drains the input queue.
type session struct {
	id        string
	sandboxID string
	shell     string
	createdAt time.Time

	// stream is nil between registration and start; readers outside the
	// I/O goroutines take mu.
	stream  runtime.ExecStream
	manager *Manager

	mu          sync.Mutex
	status      Status
	exitCode    *int
	cols, rows  uint16
	lines       []string // completed scrollback lines
	partial     []byte   // current unterminated line
	term        vt10x.Terminal
	subscribers map[string]*Subscription
	droppedIn   int // input bytes dropped on a stalled PTY
	disposeTime *time.Timer

	input  chan []byte
	closed chan struct{}
	once   sync.Once
}

// Subscription is one attached output consumer.
type Subscription struct {
	ID string

	// Ch delivers output chunks strictly after Backlog. It closes when the
	// terminal ends or the subscriber is dropped.
	Ch <-chan []byte

	// Backlog is the retained scrollback at subscription time.
	Backlog []byte

	ch      chan []byte
	dropped int // output bytes this subscriber missed
}

func newSession(sandboxID, shell string, m *Manager) *session {
	return &session{
		id:          uuid.New().String(),
		sandboxID:   sandboxID,
		shell:       shell,
		createdAt:   time.Now().UTC(),
		manager:     m,
		status:      StatusConnecting,
		cols:        defaultCols,
		rows:        defaultRows,
		term:        vt10x.New(vt10x.WithSize(defaultCols, defaultRows)),
		subscribers: make(map[string]*Subscription),
		input:       make(chan []byte, inputQueueSize),
		closed:      make(chan struct{}),
	}
}

// start attaches the exec stream to a registered session. Until it runs
// the session holds its sandbox slot with a nil stream.
func (s *session) start(stream runtime.ExecStream) {
	s.mu.Lock()
	s.stream = stream
	s.status = StatusConnected
	s.mu.Unlock()
	go s.readLoop()
	go s.writeLoop()
}

func (s *session) describe() *Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	return &Session{
		ID:        s.id,
		SandboxID: s.sandboxID,
		Status:    s.status,
		Shell:     s.shell,
		CreatedAt: s.createdAt,
		ExitCode:  s.exitCode,
		Cols:      s.cols,
		Rows:      s.rows,
	}
}

// readLoop pumps PTY output until the stream ends.
func (s *session) readLoop() {
	buf := make([]byte, 4096)
	for {
		n, err := s.stream.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			s.handleOutput(chunk)
		}
		if err != nil {
			s.finish()
			return
		}
	}
}

// writeLoop drains queued input into the PTY.
func (s *session) writeLoop() {
	for {
		select {
		case data := <-s.input:
			if _, err := s.stream.Write(data); err != nil {
				return
			}
		case <-s.closed:
			return
		}
	}
}

// sendInput enqueues bytes without blocking; returns how many were dropped.
func (s *session) sendInput(data []byte) int {
	select {
	case <-s.closed:
		return len(data)
	default:
	}

	select {
	case s.input <- data:
		return 0
	default:
		s.mu.Lock()
		s.droppedIn += len(data)
		total := s.droppedIn
		s.mu.Unlock()
		s.manager.logger.Warn("terminal input dropped, PTY stalled",
			zap.String("terminal_id", s.id),
			zap.Int("dropped_bytes", len(data)),
			zap.Int("dropped_total", total))
		return len(data)
	}
}

func (s *session) resize(ctx context.Context, cols, rows uint16) error {
	s.mu.Lock()
	stream := s.stream
	s.mu.Unlock()
	if stream == nil {
		return apperrors.Conflict(fmt.Sprintf("terminal %s is still connecting", s.id))
	}
	if err := stream.Resize(ctx, cols, rows); err != nil {
		return err
	}
	s.mu.Lock()
	s.cols, s.rows = cols, rows
	s.term.Resize(int(cols), int(rows))
	s.mu.Unlock()
	return nil
}

// handleOutput retains a chunk in the scrollback, feeds the virtual
// screen, and fans it out to subscribers. Slow subscribers lose bytes
// rather than stalling the PTY reader.
func (s *session) handleOutput(chunk []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, _ = s.term.Write(chunk)
	s.appendScrollback(chunk)

	// Sends stay under the lock: close() empties the map under the same
	// lock, so a chunk can never hit an already-closed channel.
	for _, sub := range s.subscribers {
		select {
		case sub.ch <- chunk:
		default:
			sub.dropped += len(chunk)
		}
	}
}

// appendScrollback splits a chunk into lines, halving the buffer when it
// overflows the configured limit. Caller holds s.mu.
func (s *session) appendScrollback(chunk []byte) {
	s.partial = append(s.partial, chunk...)
	for {
		idx := -1
		for i, b := range s.partial {
			if b == '\n' {
				idx = i
				break
			}
		}
		if idx < 0 {
			break
		}
		s.lines = append(s.lines, string(s.partial[:idx]))
		s.partial = append([]byte(nil), s.partial[idx+1:]...)
	}
	if max := s.manager.cfg.ScrollbackLines; len(s.lines) > max {
		keep := len(s.lines) / 2
		s.lines = append([]string(nil), s.lines[len(s.lines)-keep:]...)
	}
}

func (s *session) subscribe() *Subscription {
	s.mu.Lock()
	defer s.mu.Unlock()

	var backlog []byte
	if len(s.lines) > 0 {
		backlog = append(backlog, []byte(strings.Join(s.lines, "\n")+"\n")...)
	}
	backlog = append(backlog, s.partial...)

	sub := &Subscription{
		ID:      uuid.New().String(),
		Backlog: backlog,
		ch:      make(chan []byte, subscriberQueueSize),
	}
	sub.Ch = sub.ch
	s.subscribers[sub.ID] = sub

	if s.disposeTime != nil {
		s.disposeTime.Stop()
		s.disposeTime = nil
	}
	return sub
}

func (s *session) unsubscribe(subscriberID string) {
	s.mu.Lock()
	sub, ok := s.subscribers[subscriberID]
	if ok {
		delete(s.subscribers, subscriberID)
		close(sub.ch)
	}
	empty := len(s.subscribers) == 0
	if empty && s.disposeTime == nil && s.status == StatusConnected {
		grace := s.manager.cfg.DisposeGraceDuration()
		s.disposeTime = time.AfterFunc(grace, func() {
			s.close(StatusDisconnected)
		})
	}
	s.mu.Unlock()
}

// snapshot renders the virtual screen, trimming trailing blank lines.
func (s *session) snapshot() string {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows := int(s.rows)
	cols := int(s.cols)
	lines := make([]string, rows)
	for row := 0; row < rows; row++ {
		chars := make([]rune, cols)
		for col := 0; col < cols; col++ {
			g := s.term.Cell(col, row)
			if g.Char == 0 {
				chars[col] = ' '
			} else {
				chars[col] = g.Char
			}
		}
		lines[row] = strings.TrimRight(string(chars), " ")
	}
	for len(lines) > 0 && lines[len(lines)-1] == "" {
		lines = lines[:len(lines)-1]
	}
	return strings.Join(lines, "\n")
}

// finish handles the PTY ending on its own (shell exit, container stop).
func (s *session) finish() {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	code, err := s.stream.ExitCode(ctx)
	cancel()

	s.mu.Lock()
	if err == nil {
		s.exitCode = &code
	}
	s.mu.Unlock()
	s.close(StatusDisconnected)
}

// close tears the session down exactly once: stops I/O, drops subscribers,
// and removes it from the registry.
func (s *session) close(status Status) {
	s.once.Do(func() {
		close(s.closed)

		s.mu.Lock()
		if s.stream != nil {
			_ = s.stream.Close()
		}
		s.status = status
		if s.disposeTime != nil {
			s.disposeTime.Stop()
			s.disposeTime = nil
		}
		for _, sub := range s.subscribers {
			close(sub.ch)
		}
		s.subscribers = make(map[string]*Subscription)
		s.mu.Unlock()

		s.manager.remove(s)
	})
}
