package docker

import (
	"bytes"
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/client"
	"go.uber.org/zap"

	apperrors "github.com/agentpod/agentpod/internal/common/errors"
	"github.com/agentpod/agentpod/internal/runtime"
)

// Exec runs a command inside a running container and waits for it to
// finish. Stdout and stderr are captured separately.
func (c *Client) Exec(ctx context.Context, id string, req runtime.ExecRequest) (*runtime.ExecResult, error) {
	created, err := c.cli.ContainerExecCreate(ctx, id, container.ExecOptions{
		Cmd:          req.Cmd,
		Env:          req.Env,
		WorkingDir:   req.WorkingDir,
		AttachStdout: true,
		AttachStderr: true,
	})
	if err != nil {
		return nil, c.mapError("exec create", "container", id, err)
	}

	attach, err := c.cli.ContainerExecAttach(ctx, created.ID, container.ExecAttachOptions{})
	if err != nil {
		return nil, c.mapError("exec attach", "container", id, err)
	}
	defer attach.Close()

	var stdout, stderr bytes.Buffer
	done := make(chan error, 1)
	go func() {
		done <- demuxStream(attach.Reader, &stdout, &stderr)
	}()

	select {
	case err := <-done:
		if err != nil {
			return nil, apperrors.Runtime("reading exec output", err)
		}
	case <-ctx.Done():
		return nil, apperrors.Timeout(fmt.Sprintf("command %v timed out", req.Cmd))
	}

	inspect, err := c.cli.ContainerExecInspect(ctx, created.ID)
	if err != nil {
		return nil, c.mapError("exec inspect", "container", id, err)
	}

	c.log.Debug("Exec finished",
		zap.String("container_id", id),
		zap.Int("exit_code", inspect.ExitCode))

	return &runtime.ExecResult{
		ExitCode: inspect.ExitCode,
		Stdout:   stdout.Bytes(),
		Stderr:   stderr.Bytes(),
	}, nil
}

// ExecStream starts a TTY-backed command inside a running container and
// returns a live bidirectional stream. The TTY carries stdout and stderr
// merged; reads return raw terminal bytes.
func (c *Client) ExecStream(ctx context.Context, id string, req runtime.ExecRequest) (runtime.ExecStream, error) {
	execOpts := container.ExecOptions{
		Cmd:          req.Cmd,
		Env:          req.Env,
		WorkingDir:   req.WorkingDir,
		Tty:          true,
		AttachStdin:  true,
		AttachStdout: true,
		AttachStderr: true,
	}
	if req.Cols > 0 && req.Rows > 0 {
		execOpts.ConsoleSize = &[2]uint{uint(req.Rows), uint(req.Cols)}
	}

	created, err := c.cli.ContainerExecCreate(ctx, id, execOpts)
	if err != nil {
		return nil, c.mapError("exec create", "container", id, err)
	}

	attach, err := c.cli.ContainerExecAttach(ctx, created.ID, container.ExecAttachOptions{Tty: true})
	if err != nil {
		return nil, c.mapError("exec attach", "container", id, err)
	}

	c.log.Debug("Exec stream opened",
		zap.String("container_id", id),
		zap.String("exec_id", created.ID))

	return &execStream{
		cli:    c.cli,
		execID: created.ID,
		resp:   attach,
	}, nil
}

// execStream is a hijacked TTY exec connection.
type execStream struct {
	cli    *client.Client
	execID string
	resp   types.HijackedResponse

	closeOnce sync.Once
}

func (s *execStream) Read(p []byte) (int, error) {
	return s.resp.Reader.Read(p)
}

func (s *execStream) Write(p []byte) (int, error) {
	return s.resp.Conn.Write(p)
}

// Resize propagates a window size change to the exec TTY.
func (s *execStream) Resize(ctx context.Context, cols, rows uint16) error {
	err := s.cli.ContainerExecResize(ctx, s.execID, container.ResizeOptions{
		Height: uint(rows),
		Width:  uint(cols),
	})
	if err != nil {
		return fmt.Errorf("resizing exec tty: %w", err)
	}
	return nil
}

// ExitCode polls the exec until the process has exited and returns its
// exit code.
func (s *execStream) ExitCode(ctx context.Context) (int, error) {
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	for {
		inspect, err := s.cli.ContainerExecInspect(ctx, s.execID)
		if err != nil {
			return -1, fmt.Errorf("inspecting exec: %w", err)
		}
		if !inspect.Running {
			return inspect.ExitCode, nil
		}

		select {
		case <-ctx.Done():
			return -1, ctx.Err()
		case <-ticker.C:
		}
	}
}

func (s *execStream) Close() error {
	s.closeOnce.Do(func() {
		s.resp.Close()
	})
	return nil
}
