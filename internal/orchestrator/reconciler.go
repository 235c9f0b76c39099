package orchestrator

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	apperrors "github.com/agentpod/agentpod/internal/common/errors"
	"github.com/agentpod/agentpod/internal/proxy"
	"github.com/agentpod/agentpod/internal/runtime"
	"github.com/agentpod/agentpod/internal/sandbox"
)

// Run starts the reconciliation loops: the daemon event watcher, the
// periodic state sweep, and the idle auto-stop sweep. It returns once the
// loops are scheduled; Close stops them.
func (o *Orchestrator) Run(ctx context.Context) error {
	ctx, o.cancel = context.WithCancel(ctx)

	schedule := o.cfg.Orchestrator.ReconcileSchedule
	if schedule == "" {
		schedule = "@every 30s"
	}
	o.cron = cron.New()
	if _, err := o.cron.AddFunc(schedule, func() { o.sweep(ctx) }); err != nil {
		return err
	}
	if o.cfg.Orchestrator.IdleTimeoutDuration() > 0 {
		idleSchedule := o.cfg.Orchestrator.IdleSchedule
		if idleSchedule == "" {
			idleSchedule = "@every 5m"
		}
		if _, err := o.cron.AddFunc(idleSchedule, func() { o.idleSweep(ctx) }); err != nil {
			return err
		}
	}
	o.cron.Start()

	o.wg.Add(1)
	go o.watchEvents(ctx)

	// One immediate pass covers containers that changed while we were down.
	o.sweep(ctx)
	return nil
}

// Close stops reconciliation and waits for the event watcher to exit.
func (o *Orchestrator) Close() {
	if o.cancel != nil {
		o.cancel()
	}
	if o.cron != nil {
		<-o.cron.Stop().Done()
	}
	o.wg.Wait()
}

// watchEvents consumes daemon lifecycle events for managed containers and
// folds them into stored state. The subscription is re-established with
// backoff when the daemon connection drops.
func (o *Orchestrator) watchEvents(ctx context.Context) {
	defer o.wg.Done()

	backoff := time.Second
	for {
		events, err := o.runtime.Events(ctx, proxy.ManagedFilter())
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			o.logger.Warn("event subscription failed, retrying", zap.Error(err))
			select {
			case <-ctx.Done():
				return
			case <-time.After(backoff):
			}
			if backoff < 30*time.Second {
				backoff *= 2
			}
			continue
		}
		backoff = time.Second

		for event := range events {
			o.handleEvent(ctx, event)
		}
		if ctx.Err() != nil {
			return
		}
		o.logger.Warn("event stream closed, resubscribing")
	}
}

func (o *Orchestrator) handleEvent(ctx context.Context, event runtime.ContainerEvent) {
	id := event.Labels[proxy.LabelSandboxID]
	if id == "" {
		return
	}

	switch event.Action {
	case "die", "stop", "destroy", "oom":
	default:
		return
	}

	lock := o.lockFor(id)
	lock.Lock()
	defer lock.Unlock()

	sb, err := o.store.Get(ctx, id)
	if err != nil {
		if !apperrors.IsNotFound(err) {
			o.logger.Warn("event lookup failed", zap.String("sandbox_id", id), zap.Error(err))
		}
		return
	}
	// An in-flight transition (stopping, starting) owns the outcome.
	if sb.State != sandbox.StateRunning && sb.State != sandbox.StatePaused {
		return
	}

	o.teardownSessions(sb.ID)
	switch {
	case event.Action == "destroy":
		sb.ContainerID = ""
		o.transition(ctx, sb, sandbox.StateStopped, "container removed outside the orchestrator")
	case event.Action == "oom":
		o.transition(ctx, sb, sandbox.StateError, "container killed: out of memory")
	case event.ExitCode != 0:
		o.transition(ctx, sb, sandbox.StateError, exitError(event.ExitCode))
	default:
		o.transition(ctx, sb, sandbox.StateStopped, "")
	}
}

// sweep compares every stored sandbox against the live container and
// repairs drift in the stored direction. Sandboxes are reconciled in
// parallel; the per-sandbox lock keeps each one serialized against
// lifecycle calls.
func (o *Orchestrator) sweep(ctx context.Context) {
	sandboxes, err := o.store.ListAll(ctx)
	if err != nil {
		o.logger.Warn("reconcile sweep: list failed", zap.Error(err))
		return
	}

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(8)
	for _, sb := range sandboxes {
		sb := sb
		g.Go(func() error {
			o.reconcileOne(ctx, sb)
			return nil
		})
	}
	_ = g.Wait()
}

func (o *Orchestrator) reconcileOne(ctx context.Context, sb *sandbox.Sandbox) {
	if !sb.State.HoldsContainer() {
		return
	}

	lock := o.lockFor(sb.ID)
	lock.Lock()
	defer lock.Unlock()

	// Re-read under the lock; a lifecycle call may have won the race.
	sb, err := o.store.Get(ctx, sb.ID)
	if err != nil || !sb.State.HoldsContainer() {
		return
	}

	if sb.ContainerID == "" {
		o.transition(ctx, sb, sandbox.StateError, "record has no container")
		return
	}

	state, err := o.runtime.InspectContainer(ctx, sb.ContainerID)
	if err != nil {
		if apperrors.IsNotFound(err) {
			o.teardownSessions(sb.ID)
			sb.ContainerID = ""
			o.transition(ctx, sb, sandbox.StateStopped, "container removed outside the orchestrator")
		} else {
			o.logger.Warn("reconcile inspect failed",
				zap.String("sandbox_id", sb.ID), zap.Error(err))
		}
		return
	}
	o.absorbContainerState(ctx, sb, state)
}

// absorbContainerState folds an observed container state into the record.
func (o *Orchestrator) absorbContainerState(ctx context.Context, sb *sandbox.Sandbox, state *runtime.ContainerState) {
	switch {
	case state.Running && !state.Paused:
		if sb.State != sandbox.StateRunning {
			o.transition(ctx, sb, sandbox.StateRunning, "")
			o.notifyRunning(ctx, sb)
		}
	case state.Paused:
		if sb.State != sandbox.StatePaused {
			o.transition(ctx, sb, sandbox.StatePaused, "")
		}
	default: // exited
		if sb.State != sandbox.StateRunning && sb.State != sandbox.StatePaused {
			return
		}
		o.teardownSessions(sb.ID)
		if state.ExitCode != 0 {
			o.transition(ctx, sb, sandbox.StateError, exitError(state.ExitCode))
		} else {
			o.transition(ctx, sb, sandbox.StateStopped, "")
		}
	}
}

// idleSweep stops running sandboxes whose last activity is older than the
// configured idle timeout.
func (o *Orchestrator) idleSweep(ctx context.Context) {
	timeout := o.cfg.Orchestrator.IdleTimeoutDuration()
	if timeout <= 0 {
		return
	}

	sandboxes, err := o.store.ListAll(ctx)
	if err != nil {
		o.logger.Warn("idle sweep: list failed", zap.Error(err))
		return
	}

	cutoff := time.Now().UTC().Add(-timeout)
	for _, sb := range sandboxes {
		if sb.State != sandbox.StateRunning || sb.LastActive.After(cutoff) {
			continue
		}
		o.logger.Info("stopping idle sandbox",
			zap.String("sandbox_id", sb.ID),
			zap.Time("last_active", sb.LastActive))
		if _, err := o.Stop(ctx, sb.ID, 0); err != nil && !apperrors.IsConflict(err) {
			o.logger.Warn("idle stop failed", zap.String("sandbox_id", sb.ID), zap.Error(err))
		}
	}
}

func exitError(code int) string {
	return fmt.Sprintf("container exited with code %d", code)
}

// transition is setState with warn-only error handling for the
// reconciliation paths, which have no caller to report to.
func (o *Orchestrator) transition(ctx context.Context, sb *sandbox.Sandbox, to sandbox.State, lastError string) {
	if err := o.setState(ctx, sb, to, lastError); err != nil {
		o.logger.Warn("reconcile transition failed",
			zap.String("sandbox_id", sb.ID),
			zap.String("to", string(to)),
			zap.Error(err))
	}
}
