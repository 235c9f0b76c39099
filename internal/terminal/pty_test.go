//go:build linux || darwin

package terminal

import (
	"context"
	"os"
	"os/exec"
	"strings"
	"sync"
	"testing"

	"github.com/creack/pty"
	"github.com/stretchr/testify/require"

	"github.com/agentpod/agentpod/internal/common/config"
	"github.com/agentpod/agentpod/internal/common/logger"
	"github.com/agentpod/agentpod/internal/runtime"
)

// ptyStream adapts a local PTY-backed process to the ExecStream interface,
// giving the multiplexer a real terminal to talk to.
type ptyStream struct {
	master *os.File
	cmd    *exec.Cmd

	waitOnce sync.Once
	waitErr  error
	code     int
}

func startPTY(t *testing.T, name string, args ...string) *ptyStream {
	t.Helper()
	cmd := exec.Command(name, args...)
	master, err := pty.Start(cmd)
	if err != nil {
		t.Skipf("cannot start pty: %v", err)
	}
	return &ptyStream{master: master, cmd: cmd}
}

func (p *ptyStream) Read(b []byte) (int, error)  { return p.master.Read(b) }
func (p *ptyStream) Write(b []byte) (int, error) { return p.master.Write(b) }

func (p *ptyStream) Resize(ctx context.Context, cols, rows uint16) error {
	return pty.Setsize(p.master, &pty.Winsize{Cols: cols, Rows: rows})
}

func (p *ptyStream) ExitCode(ctx context.Context) (int, error) {
	p.waitOnce.Do(func() {
		p.waitErr = p.cmd.Wait()
		p.code = p.cmd.ProcessState.ExitCode()
	})
	return p.code, nil
}

func (p *ptyStream) Close() error {
	err := p.master.Close()
	if p.cmd.Process != nil {
		_ = p.cmd.Process.Kill()
	}
	return err
}

type ptyOpener struct{ t *testing.T }

func (o *ptyOpener) ExecStream(ctx context.Context, sandboxID string, req runtime.ExecRequest) (runtime.ExecStream, error) {
	return startPTY(o.t, "cat"), nil
}

// A real PTY echoes written input back out, end to end through the mux.
func TestRealPTYRoundTrip(t *testing.T) {
	if _, err := exec.LookPath("cat"); err != nil {
		t.Skip("cat not available")
	}
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "json"})
	require.NoError(t, err)
	m := NewManager(&ptyOpener{t: t}, config.TerminalConfig{}, nil, log)
	t.Cleanup(m.Close)

	s, err := m.Connect(context.Background(), "sb-1", "")
	require.NoError(t, err)
	sub, err := m.Subscribe(s.ID)
	require.NoError(t, err)

	require.NoError(t, m.Resize(context.Background(), s.ID, 100, 30))

	_, err = m.SendInput(s.ID, []byte("hello pty\n"))
	require.NoError(t, err)

	waitFor(t, func() bool {
		snap, err := m.Snapshot(s.ID)
		return err == nil && strings.Contains(snap, "hello pty")
	}, "echoed input on the screen")

	// The live stream saw the echo too.
	var seen strings.Builder
	seen.Write(sub.Backlog)
	waitFor(t, func() bool {
		select {
		case chunk := <-sub.Ch:
			seen.Write(chunk)
		default:
		}
		return strings.Contains(seen.String(), "hello pty")
	}, "echoed input on the subscriber stream")

	require.NoError(t, m.Disconnect(s.ID))
}
