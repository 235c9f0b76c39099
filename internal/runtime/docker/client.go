// Package docker implements the runtime adapter on the local Docker daemon.
package docker

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	"github.com/docker/docker/errdefs"
	"go.uber.org/zap"

	"github.com/agentpod/agentpod/internal/common/config"
	apperrors "github.com/agentpod/agentpod/internal/common/errors"
	"github.com/agentpod/agentpod/internal/common/logger"
	"github.com/agentpod/agentpod/internal/runtime"
)

// Client talks to the local Docker daemon. It implements runtime.Runtime.
type Client struct {
	cli *client.Client
	log *logger.Logger
}

var _ runtime.Runtime = (*Client)(nil)

// New creates a daemon client. The socket and API version come from
// configuration; unset values fall back to the environment defaults.
func New(cfg config.DockerConfig, log *logger.Logger) (*Client, error) {
	opts := []client.Opt{
		client.FromEnv,
		client.WithAPIVersionNegotiation(),
	}
	if cfg.Socket != "" {
		opts = append(opts, client.WithHost(cfg.Socket))
	}
	if cfg.APIVersion != "" {
		opts = append(opts, client.WithVersion(cfg.APIVersion))
	}

	cli, err := client.NewClientWithOpts(opts...)
	if err != nil {
		return nil, fmt.Errorf("creating docker client: %w", err)
	}

	return &Client{
		cli: cli,
		log: log.WithFields(zap.String("component", "runtime.docker")),
	}, nil
}

// Ping verifies the daemon is reachable.
func (c *Client) Ping(ctx context.Context) error {
	if _, err := c.cli.Ping(ctx); err != nil {
		return apperrors.Runtime("container daemon unreachable", err)
	}
	return nil
}

// Close releases the daemon connection.
func (c *Client) Close() error {
	return c.cli.Close()
}

// EnsureImage pulls the image unless it is already present locally.
func (c *Client) EnsureImage(ctx context.Context, imageRef string) error {
	filterArgs := filters.NewArgs(filters.Arg("reference", imageRef))
	images, err := c.cli.ImageList(ctx, image.ListOptions{Filters: filterArgs})
	if err != nil {
		return c.mapError("image list", "image", imageRef, err)
	}
	if len(images) > 0 {
		return nil
	}

	c.log.Info("Pulling image", zap.String("image", imageRef))
	reader, err := c.cli.ImagePull(ctx, imageRef, image.PullOptions{})
	if err != nil {
		return c.mapError("image pull", "image", imageRef, err)
	}
	defer reader.Close()

	// Drain the pull progress stream; the pull is not complete until EOF.
	if _, err := io.Copy(io.Discard, reader); err != nil {
		return apperrors.Runtime(fmt.Sprintf("pulling image %s", imageRef), err)
	}

	c.log.Info("Pulled image", zap.String("image", imageRef))
	return nil
}

// EnsureNetwork creates the named bridge network if it does not exist.
func (c *Client) EnsureNetwork(ctx context.Context, name string) error {
	if name == "" {
		return nil
	}

	if _, err := c.cli.NetworkInspect(ctx, name, network.InspectOptions{}); err == nil {
		return nil
	} else if !errdefs.IsNotFound(err) {
		return c.mapError("network inspect", "network", name, err)
	}

	if _, err := c.cli.NetworkCreate(ctx, name, network.CreateOptions{Driver: "bridge"}); err != nil {
		// Lost a race with a concurrent creator.
		if errdefs.IsConflict(err) {
			return nil
		}
		return c.mapError("network create", "network", name, err)
	}

	c.log.Info("Created network", zap.String("network", name))
	return nil
}

// CreateContainer creates a container from the given spec and returns its ID.
// The container is not started.
func (c *Client) CreateContainer(ctx context.Context, spec *runtime.ContainerSpec) (string, error) {
	mounts := make([]mount.Mount, 0, len(spec.Mounts))
	for _, m := range spec.Mounts {
		mounts = append(mounts, mount.Mount{
			Type:     mount.TypeBind,
			Source:   m.Source,
			Target:   m.Target,
			ReadOnly: m.ReadOnly,
		})
	}

	containerConfig := &container.Config{
		Hostname:   spec.Hostname,
		Image:      spec.Image,
		Cmd:        spec.Cmd,
		Env:        spec.Env,
		WorkingDir: spec.WorkingDir,
		Labels:     spec.Labels,
	}

	hostConfig := &container.HostConfig{
		Mounts:     mounts,
		ExtraHosts: spec.ExtraHosts,
		Resources: container.Resources{
			Memory:   spec.Memory,
			CPUQuota: spec.CPUQuota,
		},
	}
	if spec.Network != "" {
		hostConfig.NetworkMode = container.NetworkMode(spec.Network)
	}

	resp, err := c.cli.ContainerCreate(ctx, containerConfig, hostConfig, nil, nil, spec.Name)
	if err != nil {
		return "", c.mapError("container create", "container", spec.Name, err)
	}

	c.log.Info("Created container",
		zap.String("container_id", resp.ID),
		zap.String("name", spec.Name),
		zap.String("image", spec.Image))

	return resp.ID, nil
}

// StartContainer starts a created or stopped container.
func (c *Client) StartContainer(ctx context.Context, id string) error {
	if err := c.cli.ContainerStart(ctx, id, container.StartOptions{}); err != nil {
		return c.mapError("container start", "container", id, err)
	}
	c.log.Info("Started container", zap.String("container_id", id))
	return nil
}

// StopContainer sends SIGTERM and escalates to SIGKILL after the grace
// period.
func (c *Client) StopContainer(ctx context.Context, id string, grace time.Duration) error {
	opts := container.StopOptions{}
	if seconds := int(grace.Seconds()); seconds > 0 {
		opts.Timeout = &seconds
	}
	if err := c.cli.ContainerStop(ctx, id, opts); err != nil {
		return c.mapError("container stop", "container", id, err)
	}
	c.log.Info("Stopped container", zap.String("container_id", id))
	return nil
}

// RemoveContainer force-removes a container, optionally with its anonymous
// volumes.
func (c *Client) RemoveContainer(ctx context.Context, id string, removeVolumes bool) error {
	err := c.cli.ContainerRemove(ctx, id, container.RemoveOptions{
		Force:         true,
		RemoveVolumes: removeVolumes,
	})
	if err != nil {
		return c.mapError("container remove", "container", id, err)
	}
	c.log.Info("Removed container", zap.String("container_id", id))
	return nil
}

// PauseContainer freezes all processes in the container.
func (c *Client) PauseContainer(ctx context.Context, id string) error {
	if err := c.cli.ContainerPause(ctx, id); err != nil {
		return c.mapError("container pause", "container", id, err)
	}
	c.log.Info("Paused container", zap.String("container_id", id))
	return nil
}

// UnpauseContainer thaws a paused container.
func (c *Client) UnpauseContainer(ctx context.Context, id string) error {
	if err := c.cli.ContainerUnpause(ctx, id); err != nil {
		return c.mapError("container unpause", "container", id, err)
	}
	c.log.Info("Unpaused container", zap.String("container_id", id))
	return nil
}

// InspectContainer returns the observed state of a container.
func (c *Client) InspectContainer(ctx context.Context, id string) (*runtime.ContainerState, error) {
	inspect, err := c.cli.ContainerInspect(ctx, id)
	if err != nil {
		return nil, c.mapError("container inspect", "container", id, err)
	}

	state := &runtime.ContainerState{
		ID:   inspect.ID,
		Name: strings.TrimPrefix(inspect.Name, "/"),
	}
	if inspect.Config != nil {
		state.Image = inspect.Config.Image
		state.Labels = inspect.Config.Labels
	}

	if inspect.State != nil {
		state.Status = inspect.State.Status
		state.Running = inspect.State.Running
		state.Paused = inspect.State.Paused
		state.ExitCode = inspect.State.ExitCode
		if t, err := time.Parse(time.RFC3339Nano, inspect.State.StartedAt); err == nil && !t.IsZero() {
			state.StartedAt = t
		}
		if t, err := time.Parse(time.RFC3339Nano, inspect.State.FinishedAt); err == nil && t.Year() > 1 {
			state.FinishedAt = t
		}
		if inspect.State.Health != nil {
			state.Health = inspect.State.Health.Status
		}
	}

	if inspect.NetworkSettings != nil {
		state.IPAddress = inspect.NetworkSettings.IPAddress
		if state.IPAddress == "" {
			for _, nw := range inspect.NetworkSettings.Networks {
				if nw.IPAddress != "" {
					state.IPAddress = nw.IPAddress
					break
				}
			}
		}
	}

	return state, nil
}

// ListContainers returns all containers (running or not) matching every
// given label.
func (c *Client) ListContainers(ctx context.Context, labels map[string]string) ([]*runtime.ContainerState, error) {
	filterArgs := filters.NewArgs()
	for k, v := range labels {
		filterArgs.Add("label", fmt.Sprintf("%s=%s", k, v))
	}

	containers, err := c.cli.ContainerList(ctx, container.ListOptions{
		All:     true,
		Filters: filterArgs,
	})
	if err != nil {
		return nil, apperrors.Runtime("listing containers", err)
	}

	states := make([]*runtime.ContainerState, 0, len(containers))
	for _, ctr := range containers {
		name := ""
		if len(ctr.Names) > 0 {
			name = strings.TrimPrefix(ctr.Names[0], "/")
		}
		states = append(states, &runtime.ContainerState{
			ID:      ctr.ID,
			Name:    name,
			Image:   ctr.Image,
			Status:  ctr.State,
			Running: ctr.State == "running",
			Paused:  ctr.State == "paused",
			Labels:  ctr.Labels,
		})
	}

	return states, nil
}

// Logs returns up to tail lines of the container's output. Stdout and
// stderr are interleaved in arrival order.
func (c *Client) Logs(ctx context.Context, id string, tail int) ([]byte, error) {
	opts := container.LogsOptions{
		ShowStdout: true,
		ShowStderr: true,
	}
	if tail > 0 {
		opts.Tail = strconv.Itoa(tail)
	}

	reader, err := c.cli.ContainerLogs(ctx, id, opts)
	if err != nil {
		return nil, c.mapError("container logs", "container", id, err)
	}
	defer reader.Close()

	var buf bytes.Buffer
	if err := demuxStream(reader, &buf, &buf); err != nil {
		return nil, apperrors.Runtime("reading container logs", err)
	}
	return buf.Bytes(), nil
}

// mapError converts daemon errors into typed application errors.
func (c *Client) mapError(op, resource, id string, err error) error {
	switch {
	case err == nil:
		return nil
	case errdefs.IsNotFound(err):
		return apperrors.NotFound(resource, id)
	case errdefs.IsConflict(err):
		return apperrors.Conflict(fmt.Sprintf("%s: %v", op, err))
	case errors.Is(err, context.DeadlineExceeded):
		return apperrors.Timeout(op + " deadline exceeded")
	default:
		return apperrors.Runtime(op+" failed", err)
	}
}

// demuxStream splits a multiplexed daemon stream into stdout and stderr.
// Each frame carries an 8-byte header: one byte stream type, three bytes
// padding, four bytes big-endian payload size.
func demuxStream(reader io.Reader, stdout, stderr io.Writer) error {
	header := make([]byte, 8)
	for {
		if _, err := io.ReadFull(reader, header); err != nil {
			if err == io.EOF || errors.Is(err, io.ErrUnexpectedEOF) {
				return nil
			}
			return fmt.Errorf("reading stream header: %w", err)
		}

		size := binary.BigEndian.Uint32(header[4:8])
		var w io.Writer
		switch header[0] {
		case 1:
			w = stdout
		case 2:
			w = stderr
		default:
			w = io.Discard
		}

		if _, err := io.CopyN(w, reader, int64(size)); err != nil {
			if err == io.EOF {
				return nil
			}
			return fmt.Errorf("copying stream payload: %w", err)
		}
	}
}
