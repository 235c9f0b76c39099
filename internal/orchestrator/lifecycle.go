package orchestrator

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	apperrors "github.com/agentpod/agentpod/internal/common/errors"
	"github.com/agentpod/agentpod/internal/events"
	"github.com/agentpod/agentpod/internal/runtime"
	"github.com/agentpod/agentpod/internal/sandbox"
	sbconfig "github.com/agentpod/agentpod/internal/sandbox/config"
	"github.com/agentpod/agentpod/internal/sandbox/spec"
)

// List returns the stored snapshot of a user's sandboxes.
func (o *Orchestrator) List(ctx context.Context, userID string) ([]*sandbox.Sandbox, error) {
	return o.store.List(ctx, userID)
}

// Search filters a user's sandboxes by name or slug substring.
func (o *Orchestrator) Search(ctx context.Context, userID, query string) ([]*sandbox.Sandbox, error) {
	return o.store.Search(ctx, userID, query)
}

// Get returns a sandbox, refreshed against the live container when one
// should exist.
func (o *Orchestrator) Get(ctx context.Context, id string) (*sandbox.Sandbox, error) {
	sb, err := o.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if sb.ContainerID == "" {
		return sb, nil
	}

	state, err := o.runtime.InspectContainer(ctx, sb.ContainerID)
	if err != nil {
		if apperrors.IsNotFound(err) && sb.State.HoldsContainer() {
			// Container vanished underneath us; reconcile immediately.
			sb.ContainerID = ""
			if err := o.setState(ctx, sb, sandbox.StateStopped, "container removed outside the orchestrator"); err != nil {
				return nil, err
			}
		}
		return sb, nil
	}
	o.absorbContainerState(ctx, sb, state)
	return sb, nil
}

// Start transitions created|stopped|error → starting → running.
func (o *Orchestrator) Start(ctx context.Context, id string) (*sandbox.Sandbox, error) {
	lock := o.lockFor(id)
	lock.Lock()
	defer lock.Unlock()

	sb, err := o.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !sandbox.CanTransition(sb.State, sandbox.StateStarting) {
		return nil, apperrors.Conflict(fmt.Sprintf("cannot start sandbox in state %s", sb.State))
	}
	if err := o.setState(ctx, sb, sandbox.StateStarting, ""); err != nil {
		return nil, err
	}

	if err := o.startContainer(ctx, sb); err != nil {
		if stateErr := o.setState(ctx, sb, sandbox.StateError, err.Error()); stateErr != nil {
			o.logger.Error("failed to record start failure", zap.Error(stateErr))
		}
		return nil, err
	}

	sb.Touch(time.Now().UTC())
	_ = o.store.Touch(ctx, sb.ID, sb.LastActive)
	if err := o.setState(ctx, sb, sandbox.StateRunning, ""); err != nil {
		return nil, err
	}

	o.logger.Info("sandbox started", zap.String("sandbox_id", id), zap.String("container_id", sb.ContainerID))
	o.notifyRunning(ctx, sb)
	return sb, nil
}

// startContainer makes the container exist and run, recreating it when it
// vanished (error recovery, image updates).
func (o *Orchestrator) startContainer(ctx context.Context, sb *sandbox.Sandbox) error {
	if sb.ContainerID != "" {
		if _, err := o.runtime.InspectContainer(ctx, sb.ContainerID); err != nil {
			if !apperrors.IsNotFound(err) {
				return err
			}
			sb.ContainerID = ""
		}
	}

	if sb.ContainerID == "" {
		containerSpec, err := o.rebuildSpec(sb)
		if err != nil {
			return err
		}
		if err := o.runtime.EnsureNetwork(ctx, o.cfg.Proxy.Network); err != nil {
			return err
		}
		if err := o.runtime.EnsureImage(ctx, containerSpec.Image); err != nil {
			return err
		}
		containerID, err := o.runtime.CreateContainer(ctx, containerSpec)
		if err != nil {
			return err
		}
		sb.ContainerID = containerID
		sb.Image = containerSpec.Image
		if err := o.store.Update(ctx, sb); err != nil {
			return err
		}
	}

	return o.runtime.StartContainer(ctx, sb.ContainerID)
}

// rebuildSpec reconstructs the container spec from the stored declarative
// configuration.
func (o *Orchestrator) rebuildSpec(sb *sandbox.Sandbox) (*runtime.ContainerSpec, error) {
	result := sbconfig.Parse([]byte(sb.ConfigTOML))
	if !result.Valid {
		return nil, apperrors.Invalid("", fmt.Sprintf("stored configuration of sandbox %s is invalid", sb.ID))
	}
	out, err := o.builder.Build(spec.BuildInput{
		SandboxID:     sb.ID,
		Slug:          sb.Slug,
		UserID:        sb.UserID,
		Config:        result.Config,
		RepoPath:      o.repos.Path(sb.RepoName),
		Registry:      spec.Registry(o.cfg.Registry),
		BaseDomain:    o.cfg.Proxy.BaseDomain,
		Network:       o.cfg.Proxy.Network,
		TLS:           o.cfg.Proxy.TLS,
		CertResolver:  o.cfg.Proxy.CertResolver,
		ManagementURL: o.cfg.Server.ResolvedManagementURL(),
	})
	if err != nil {
		return nil, err
	}
	return out.Spec, nil
}

// notifyRunning points the chat syncer at the container's agent endpoint.
func (o *Orchestrator) notifyRunning(ctx context.Context, sb *sandbox.Sandbox) {
	if o.chat == nil {
		return
	}
	state, err := o.runtime.InspectContainer(ctx, sb.ContainerID)
	if err != nil || state.IPAddress == "" {
		o.logger.Warn("agent endpoint unavailable for chat sync",
			zap.String("sandbox_id", sb.ID), zap.Error(err))
		return
	}
	o.chat.StartSync(sb.ID, state.IPAddress)
}

// Stop transitions running|paused|starting → stopping → stopped.
func (o *Orchestrator) Stop(ctx context.Context, id string, grace time.Duration) (*sandbox.Sandbox, error) {
	lock := o.lockFor(id)
	lock.Lock()
	defer lock.Unlock()
	return o.stopLocked(ctx, id, grace)
}

func (o *Orchestrator) stopLocked(ctx context.Context, id string, grace time.Duration) (*sandbox.Sandbox, error) {
	sb, err := o.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !sandbox.CanTransition(sb.State, sandbox.StateStopping) {
		return nil, apperrors.Conflict(fmt.Sprintf("cannot stop sandbox in state %s", sb.State))
	}
	if grace <= 0 {
		grace = o.stopGrace()
	}

	if err := o.setState(ctx, sb, sandbox.StateStopping, ""); err != nil {
		return nil, err
	}
	o.teardownSessions(sb.ID)

	if sb.ContainerID != "" {
		if err := o.runtime.StopContainer(ctx, sb.ContainerID, grace); err != nil && !apperrors.IsNotFound(err) {
			if stateErr := o.setState(ctx, sb, sandbox.StateError, err.Error()); stateErr != nil {
				o.logger.Error("failed to record stop failure", zap.Error(stateErr))
			}
			return nil, err
		}
	}

	if err := o.setState(ctx, sb, sandbox.StateStopped, ""); err != nil {
		return nil, err
	}
	o.logger.Info("sandbox stopped", zap.String("sandbox_id", id))
	return sb, nil
}

// teardownSessions closes terminals and chat sync for a sandbox.
func (o *Orchestrator) teardownSessions(id string) {
	if o.terminals != nil {
		o.terminals.DisconnectAll(id)
	}
	if o.chat != nil {
		o.chat.StopSync(id)
	}
}

// Restart is Stop followed by Start; the intermediate visible state is
// starting.
func (o *Orchestrator) Restart(ctx context.Context, id string) (*sandbox.Sandbox, error) {
	if _, err := o.Stop(ctx, id, 0); err != nil && !apperrors.IsConflict(err) {
		return nil, err
	}
	return o.Start(ctx, id)
}

// Pause freezes a running sandbox.
func (o *Orchestrator) Pause(ctx context.Context, id string) (*sandbox.Sandbox, error) {
	lock := o.lockFor(id)
	lock.Lock()
	defer lock.Unlock()

	sb, err := o.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !sandbox.CanTransition(sb.State, sandbox.StatePaused) {
		return nil, apperrors.Conflict(fmt.Sprintf("cannot pause sandbox in state %s", sb.State))
	}
	if err := o.runtime.PauseContainer(ctx, sb.ContainerID); err != nil {
		return nil, err
	}
	if err := o.setState(ctx, sb, sandbox.StatePaused, ""); err != nil {
		return nil, err
	}
	return sb, nil
}

// Unpause resumes a paused sandbox.
func (o *Orchestrator) Unpause(ctx context.Context, id string) (*sandbox.Sandbox, error) {
	lock := o.lockFor(id)
	lock.Lock()
	defer lock.Unlock()

	sb, err := o.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if sb.State != sandbox.StatePaused {
		return nil, apperrors.Conflict(fmt.Sprintf("cannot unpause sandbox in state %s", sb.State))
	}
	if err := o.runtime.UnpauseContainer(ctx, sb.ContainerID); err != nil {
		return nil, err
	}
	if err := o.setState(ctx, sb, sandbox.StateRunning, ""); err != nil {
		return nil, err
	}
	return sb, nil
}

// Delete stops a running sandbox, removes its container, optionally its
// repository, and finally the record. Idempotent on a missing record.
func (o *Orchestrator) Delete(ctx context.Context, id string, deleteRepo bool) error {
	lock := o.lockFor(id)
	lock.Lock()
	defer lock.Unlock()

	sb, err := o.store.Get(ctx, id)
	if err != nil {
		if apperrors.IsNotFound(err) {
			return nil
		}
		return err
	}

	if sb.State.HoldsContainer() {
		if _, err := o.stopLocked(ctx, id, 0); err != nil && !apperrors.IsConflict(err) {
			return err
		}
	} else {
		o.teardownSessions(id)
	}

	if sb.ContainerID != "" {
		if err := o.runtime.RemoveContainer(ctx, sb.ContainerID, true); err != nil && !apperrors.IsNotFound(err) {
			return err
		}
	}
	if deleteRepo {
		if err := o.repos.Delete(ctx, sb.RepoName); err != nil && !apperrors.IsNotFound(err) {
			return err
		}
	}
	if err := o.store.Delete(ctx, id); err != nil && !apperrors.IsNotFound(err) {
		return err
	}

	o.dropLock(id)
	o.logger.Info("sandbox deleted", zap.String("sandbox_id", id), zap.Bool("repo_deleted", deleteRepo))
	o.publish(events.SandboxDeleted, sb, map[string]interface{}{"repo_deleted": deleteRepo})
	return nil
}

// Logs returns the last tail lines of container output.
func (o *Orchestrator) Logs(ctx context.Context, id string, tail int) ([]byte, error) {
	sb, err := o.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if sb.ContainerID == "" {
		return nil, apperrors.Conflict("sandbox has no container")
	}
	return o.runtime.Logs(ctx, sb.ContainerID, tail)
}

// Stats returns an instantaneous resource usage snapshot.
func (o *Orchestrator) Stats(ctx context.Context, id string) (*runtime.ContainerStats, error) {
	sb, err := o.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if sb.State != sandbox.StateRunning || sb.ContainerID == "" {
		return nil, apperrors.Conflict(fmt.Sprintf("sandbox is %s, stats require running", sb.State))
	}
	return o.runtime.Stats(ctx, sb.ContainerID)
}

// Exec runs a one-shot command in the sandbox and records activity.
func (o *Orchestrator) Exec(ctx context.Context, id string, argv []string, cwd string) (*runtime.ExecResult, error) {
	if len(argv) == 0 {
		return nil, apperrors.Invalid("", "command is required")
	}
	sb, err := o.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if sb.State != sandbox.StateRunning {
		return nil, apperrors.Conflict(fmt.Sprintf("sandbox is %s, exec requires running", sb.State))
	}

	result, err := o.runtime.Exec(ctx, sb.ContainerID, runtime.ExecRequest{
		Cmd:        argv,
		WorkingDir: cwd,
	})
	if err != nil {
		return nil, err
	}
	_ = o.store.Touch(ctx, id, time.Now().UTC())
	return result, nil
}

// ExecStream opens a live TTY execution, used by the terminal multiplexer.
func (o *Orchestrator) ExecStream(ctx context.Context, id string, req runtime.ExecRequest) (runtime.ExecStream, error) {
	sb, err := o.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if sb.State != sandbox.StateRunning {
		return nil, apperrors.Conflict(fmt.Sprintf("sandbox is %s, terminals require running", sb.State))
	}
	_ = o.store.Touch(ctx, id, time.Now().UTC())
	return o.runtime.ExecStream(ctx, sb.ContainerID, req)
}

// AgentHost resolves the network address of the in-container agent.
func (o *Orchestrator) AgentHost(ctx context.Context, id string) (string, error) {
	sb, err := o.store.Get(ctx, id)
	if err != nil {
		return "", err
	}
	if sb.State != sandbox.StateRunning || sb.ContainerID == "" {
		return "", apperrors.Conflict(fmt.Sprintf("sandbox is %s, the agent requires running", sb.State))
	}
	state, err := o.runtime.InspectContainer(ctx, sb.ContainerID)
	if err != nil {
		return "", err
	}
	if state.IPAddress == "" {
		return "", apperrors.Runtime("container has no network address", nil)
	}
	return state.IPAddress, nil
}

// Touch records interactive activity on a sandbox for idle tracking.
func (o *Orchestrator) Touch(ctx context.Context, id string) {
	_ = o.store.Touch(ctx, id, time.Now().UTC())
}
