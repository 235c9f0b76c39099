// Package runtime defines the contract between the orchestrator and the
// local container daemon. The docker subpackage provides the only
// implementation; nothing outside it may hold daemon handles.
package runtime

import (
	"context"
	"io"
	"time"
)

// ContainerSpec is a runtime-ready container specification as produced by
// the spec builder.
type ContainerSpec struct {
	Name       string
	Hostname   string
	Image      string
	Cmd        []string
	Env        []string
	WorkingDir string
	Mounts     []MountSpec
	Network    string
	ExtraHosts []string
	Labels     map[string]string
	Memory     int64 // bytes
	CPUQuota   int64 // microseconds per 100ms period
}

// MountSpec holds bind mount configuration.
type MountSpec struct {
	Source   string // host path
	Target   string // container path
	ReadOnly bool
}

// ContainerState holds the observed state of a container.
type ContainerState struct {
	ID         string
	Name       string
	Image      string
	Status     string // created, running, paused, restarting, removing, exited, dead
	Running    bool
	Paused     bool
	ExitCode   int
	StartedAt  time.Time
	FinishedAt time.Time
	Health     string
	IPAddress  string
	Labels     map[string]string
}

// ContainerStats is an instantaneous resource usage snapshot.
type ContainerStats struct {
	CPUPercent  float64 `json:"cpu_percent"`
	MemoryUsage uint64  `json:"memory_usage"`
	MemoryLimit uint64  `json:"memory_limit"`
	NetworkRx   uint64  `json:"network_rx"`
	NetworkTx   uint64  `json:"network_tx"`
	BlockRead   uint64  `json:"block_read"`
	BlockWrite  uint64  `json:"block_write"`
}

// ExecRequest describes a command execution inside a container.
type ExecRequest struct {
	Cmd        []string
	Env        []string
	WorkingDir string
	TTY        bool
	Cols       uint16 // initial size, TTY only
	Rows       uint16
}

// ExecResult is the outcome of a one-shot (non-TTY) execution.
type ExecResult struct {
	ExitCode int    `json:"exit_code"`
	Stdout   []byte `json:"stdout"`
	Stderr   []byte `json:"stderr"`
}

// ExecStream is a live TTY-backed execution. Reads return raw terminal
// output; writes feed stdin. Close releases the connection.
type ExecStream interface {
	io.ReadWriteCloser

	// Resize propagates a window size change to the TTY.
	Resize(ctx context.Context, cols, rows uint16) error

	// ExitCode blocks until the process has exited and returns its code.
	ExitCode(ctx context.Context) (int, error)
}

// ContainerEvent is a daemon lifecycle event for one container.
type ContainerEvent struct {
	ContainerID string
	Action      string // create, start, die, stop, pause, unpause, destroy, oom
	ExitCode    int    // die events only
	Labels      map[string]string
	Time        time.Time
}

// Runtime is the adapter over the local container daemon. All calls honor
// the context deadline and return typed errors (NotFound, Conflict,
// Runtime, Timeout).
type Runtime interface {
	EnsureImage(ctx context.Context, image string) error
	EnsureNetwork(ctx context.Context, name string) error
	CreateContainer(ctx context.Context, spec *ContainerSpec) (string, error)
	StartContainer(ctx context.Context, id string) error
	StopContainer(ctx context.Context, id string, grace time.Duration) error
	RemoveContainer(ctx context.Context, id string, removeVolumes bool) error
	PauseContainer(ctx context.Context, id string) error
	UnpauseContainer(ctx context.Context, id string) error
	InspectContainer(ctx context.Context, id string) (*ContainerState, error)
	ListContainers(ctx context.Context, labels map[string]string) ([]*ContainerState, error)
	Exec(ctx context.Context, id string, req ExecRequest) (*ExecResult, error)
	ExecStream(ctx context.Context, id string, req ExecRequest) (ExecStream, error)
	Logs(ctx context.Context, id string, tail int) ([]byte, error)
	Stats(ctx context.Context, id string) (*ContainerStats, error)
	Events(ctx context.Context, labels map[string]string) (<-chan ContainerEvent, error)
	Ping(ctx context.Context) error
	Close() error
}
