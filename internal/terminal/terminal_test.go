package terminal

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentpod/agentpod/internal/common/config"
	apperrors "github.com/agentpod/agentpod/internal/common/errors"
	"github.com/agentpod/agentpod/internal/common/logger"
	"github.com/agentpod/agentpod/internal/runtime"
)

// fakeStream is a pipe-backed ExecStream. The test writes PTY "output"
// into outW and observes session input in written.
type fakeStream struct {
	outR *io.PipeReader
	outW *io.PipeWriter

	mu      sync.Mutex
	written bytes.Buffer
	resizes [][2]uint16

	blockWrites bool
	unblock     chan struct{}

	exitOnce sync.Once
	exited   chan struct{}
	exitCode int
}

func newFakeStream() *fakeStream {
	r, w := io.Pipe()
	return &fakeStream{
		outR:    r,
		outW:    w,
		unblock: make(chan struct{}),
		exited:  make(chan struct{}),
	}
}

func (f *fakeStream) Read(p []byte) (int, error) { return f.outR.Read(p) }

func (f *fakeStream) Write(p []byte) (int, error) {
	f.mu.Lock()
	blocked := f.blockWrites
	f.mu.Unlock()
	if blocked {
		select {
		case <-f.unblock:
		case <-f.exited:
			return 0, io.ErrClosedPipe
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.written.Write(p)
}

func (f *fakeStream) Resize(ctx context.Context, cols, rows uint16) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.resizes = append(f.resizes, [2]uint16{cols, rows})
	return nil
}

func (f *fakeStream) ExitCode(ctx context.Context) (int, error) {
	select {
	case <-f.exited:
		return f.exitCode, nil
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}

func (f *fakeStream) Close() error {
	f.exitOnce.Do(func() {
		close(f.exited)
		f.outW.Close()
		f.outR.Close()
	})
	return nil
}

// end simulates the shell exiting on its own.
func (f *fakeStream) end(code int) {
	f.exitOnce.Do(func() {
		f.exitCode = code
		close(f.exited)
		f.outW.Close()
	})
}

func (f *fakeStream) input() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.written.String()
}

func (f *fakeStream) lastResize() [2]uint16 {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.resizes) == 0 {
		return [2]uint16{}
	}
	return f.resizes[len(f.resizes)-1]
}

// fakeOpener hands out fakeStreams and remembers them per open.
type fakeOpener struct {
	mu      sync.Mutex
	streams []*fakeStream
	fail    error
}

func (o *fakeOpener) ExecStream(ctx context.Context, sandboxID string, req runtime.ExecRequest) (runtime.ExecStream, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.fail != nil {
		return nil, o.fail
	}
	s := newFakeStream()
	o.streams = append(o.streams, s)
	return s, nil
}

func (o *fakeOpener) last() *fakeStream {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.streams[len(o.streams)-1]
}

func newTestManager(t *testing.T, cfg config.TerminalConfig) (*Manager, *fakeOpener) {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "json"})
	require.NoError(t, err)
	opener := &fakeOpener{}
	m := NewManager(opener, cfg, nil, log)
	t.Cleanup(m.Close)
	return m, opener
}

func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", msg)
}

func TestConnectEnforcesPerSandboxLimit(t *testing.T) {
	m, _ := newTestManager(t, config.TerminalConfig{MaxPerSandbox: 5})
	ctx := context.Background()

	ids := make([]string, 0, 5)
	for i := 0; i < 5; i++ {
		s, err := m.Connect(ctx, "sb-1", "")
		require.NoError(t, err)
		ids = append(ids, s.ID)
	}

	_, err := m.Connect(ctx, "sb-1", "")
	require.Error(t, err)
	assert.True(t, apperrors.IsLimitReached(err))

	// Other sandboxes are unaffected.
	_, err = m.Connect(ctx, "sb-2", "")
	require.NoError(t, err)

	// Closing one frees a slot.
	require.NoError(t, m.Disconnect(ids[0]))
	_, err = m.Connect(ctx, "sb-1", "")
	require.NoError(t, err)
}

// slowOpener delays each exec so overlapping Connects race the cap check.
type slowOpener struct {
	fakeOpener
	delay time.Duration
}

func (o *slowOpener) ExecStream(ctx context.Context, sandboxID string, req runtime.ExecRequest) (runtime.ExecStream, error) {
	time.Sleep(o.delay)
	return o.fakeOpener.ExecStream(ctx, sandboxID, req)
}

func TestConnectLimitHoldsUnderConcurrency(t *testing.T) {
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "json"})
	require.NoError(t, err)
	opener := &slowOpener{delay: 30 * time.Millisecond}
	m := NewManager(opener, config.TerminalConfig{MaxPerSandbox: 5}, nil, log)
	t.Cleanup(m.Close)

	var wg sync.WaitGroup
	var opened, limited int32
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := m.Connect(context.Background(), "sb-1", "")
			switch {
			case err == nil:
				atomic.AddInt32(&opened, 1)
			case apperrors.IsLimitReached(err):
				atomic.AddInt32(&limited, 1)
			default:
				t.Errorf("unexpected connect error: %v", err)
			}
		}()
	}
	wg.Wait()

	assert.EqualValues(t, 5, opened)
	assert.EqualValues(t, 5, limited)
	assert.Len(t, m.List("sb-1"), 5)
}

func TestConnectFreesSlotOnExecFailure(t *testing.T) {
	m, opener := newTestManager(t, config.TerminalConfig{MaxPerSandbox: 1})

	opener.fail = errors.New("container not running")
	_, err := m.Connect(context.Background(), "sb-1", "")
	require.Error(t, err)
	assert.Empty(t, m.List("sb-1"))

	// The reservation was rolled back, so the slot is usable again.
	opener.fail = nil
	_, err = m.Connect(context.Background(), "sb-1", "")
	require.NoError(t, err)
}

func TestOutputReachesSubscriber(t *testing.T) {
	m, opener := newTestManager(t, config.TerminalConfig{})
	s, err := m.Connect(context.Background(), "sb-1", "")
	require.NoError(t, err)

	sub, err := m.Subscribe(s.ID)
	require.NoError(t, err)
	assert.Empty(t, sub.Backlog)

	_, err = opener.last().outW.Write([]byte("hello world\r\n"))
	require.NoError(t, err)

	select {
	case chunk := <-sub.Ch:
		assert.Contains(t, string(chunk), "hello world")
	case <-time.After(2 * time.Second):
		t.Fatal("no output delivered")
	}
}

func TestLateSubscriberGetsBacklog(t *testing.T) {
	m, opener := newTestManager(t, config.TerminalConfig{})
	s, err := m.Connect(context.Background(), "sb-1", "")
	require.NoError(t, err)

	_, err = opener.last().outW.Write([]byte("line one\nline two\n"))
	require.NoError(t, err)

	waitFor(t, func() bool {
		sub, err := m.Subscribe(s.ID)
		if err != nil {
			return false
		}
		got := strings.Contains(string(sub.Backlog), "line one")
		m.Unsubscribe(s.ID, sub.ID)
		return got
	}, "backlog to include early output")
}

func TestSendInputReachesStream(t *testing.T) {
	m, opener := newTestManager(t, config.TerminalConfig{})
	s, err := m.Connect(context.Background(), "sb-1", "")
	require.NoError(t, err)

	dropped, err := m.SendInput(s.ID, []byte("ls -la\n"))
	require.NoError(t, err)
	assert.Zero(t, dropped)

	waitFor(t, func() bool {
		return strings.Contains(opener.last().input(), "ls -la")
	}, "input to reach the stream")
}

func TestSendInputDropsWhenStalled(t *testing.T) {
	m, opener := newTestManager(t, config.TerminalConfig{})
	s, err := m.Connect(context.Background(), "sb-1", "")
	require.NoError(t, err)

	stream := opener.last()
	stream.mu.Lock()
	stream.blockWrites = true
	stream.mu.Unlock()

	// Flood past the queue capacity plus the one write in flight.
	droppedTotal := 0
	for i := 0; i < inputQueueSize+10; i++ {
		dropped, err := m.SendInput(s.ID, []byte("x"))
		require.NoError(t, err)
		droppedTotal += dropped
	}
	assert.Positive(t, droppedTotal)
	close(stream.unblock)
}

func TestResizePropagates(t *testing.T) {
	m, opener := newTestManager(t, config.TerminalConfig{})
	s, err := m.Connect(context.Background(), "sb-1", "")
	require.NoError(t, err)

	require.NoError(t, m.Resize(context.Background(), s.ID, 120, 40))
	assert.Equal(t, [2]uint16{120, 40}, opener.last().lastResize())

	got, err := m.Get(s.ID)
	require.NoError(t, err)
	assert.Equal(t, uint16(120), got.Cols)
	assert.Equal(t, uint16(40), got.Rows)
}

func TestSnapshotRendersScreen(t *testing.T) {
	m, opener := newTestManager(t, config.TerminalConfig{})
	s, err := m.Connect(context.Background(), "sb-1", "")
	require.NoError(t, err)

	_, err = opener.last().outW.Write([]byte("$ echo hi\r\nhi\r\n"))
	require.NoError(t, err)

	waitFor(t, func() bool {
		snap, err := m.Snapshot(s.ID)
		return err == nil && strings.Contains(snap, "echo hi")
	}, "snapshot to render output")
}

func TestScrollbackHalvesOnOverflow(t *testing.T) {
	m, opener := newTestManager(t, config.TerminalConfig{ScrollbackLines: 100})
	s, err := m.Connect(context.Background(), "sb-1", "")
	require.NoError(t, err)

	var text strings.Builder
	for i := 0; i < 150; i++ {
		fmt.Fprintf(&text, "line %d\n", i)
	}
	_, err = opener.last().outW.Write([]byte(text.String()))
	require.NoError(t, err)

	waitFor(t, func() bool {
		sub, err := m.Subscribe(s.ID)
		if err != nil {
			return false
		}
		backlog := string(sub.Backlog)
		m.Unsubscribe(s.ID, sub.ID)
		return strings.Contains(backlog, "line 149") &&
			!strings.Contains(backlog, "line 0\n") &&
			strings.Count(backlog, "\n") <= 100
	}, "scrollback to keep only the newest half")
}

func TestStreamEndClosesSubscribers(t *testing.T) {
	m, opener := newTestManager(t, config.TerminalConfig{})
	s, err := m.Connect(context.Background(), "sb-1", "")
	require.NoError(t, err)
	sub, err := m.Subscribe(s.ID)
	require.NoError(t, err)

	opener.last().end(0)

	waitFor(t, func() bool {
		select {
		case _, open := <-sub.Ch:
			return !open
		default:
			return false
		}
	}, "subscriber channel to close")

	_, err = m.Get(s.ID)
	assert.True(t, apperrors.IsNotFound(err))
}

func TestDisconnectAllPurgesSandbox(t *testing.T) {
	m, _ := newTestManager(t, config.TerminalConfig{})
	ctx := context.Background()

	_, err := m.Connect(ctx, "sb-1", "")
	require.NoError(t, err)
	_, err = m.Connect(ctx, "sb-1", "")
	require.NoError(t, err)
	keep, err := m.Connect(ctx, "sb-2", "")
	require.NoError(t, err)

	m.DisconnectAll("sb-1")

	assert.Empty(t, m.List("sb-1"))
	require.Len(t, m.List("sb-2"), 1)
	assert.Equal(t, keep.ID, m.List("sb-2")[0].ID)
}

func TestDisposeAfterLastUnsubscribe(t *testing.T) {
	m, _ := newTestManager(t, config.TerminalConfig{DisposeGrace: 1})
	s, err := m.Connect(context.Background(), "sb-1", "")
	require.NoError(t, err)

	sub, err := m.Subscribe(s.ID)
	require.NoError(t, err)
	m.Unsubscribe(s.ID, sub.ID)

	waitFor(t, func() bool {
		_, err := m.Get(s.ID)
		return apperrors.IsNotFound(err)
	}, "session to be disposed after grace")
}

func TestResubscribeCancelsDisposal(t *testing.T) {
	m, _ := newTestManager(t, config.TerminalConfig{DisposeGrace: 1})
	s, err := m.Connect(context.Background(), "sb-1", "")
	require.NoError(t, err)

	first, err := m.Subscribe(s.ID)
	require.NoError(t, err)
	m.Unsubscribe(s.ID, first.ID)

	// Re-attach before the grace elapses; the session must survive it.
	_, err = m.Subscribe(s.ID)
	require.NoError(t, err)

	time.Sleep(1200 * time.Millisecond)
	_, err = m.Get(s.ID)
	require.NoError(t, err)
}
