// Package orchestrator owns the sandbox lifecycle: creation, state
// transitions, deletion, and the reconciliation that keeps stored state in
// step with the container daemon.
package orchestrator

import (
	"context"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/agentpod/agentpod/internal/common/config"
	"github.com/agentpod/agentpod/internal/common/logger"
	"github.com/agentpod/agentpod/internal/events"
	"github.com/agentpod/agentpod/internal/events/bus"
	"github.com/agentpod/agentpod/internal/gitrepo"
	"github.com/agentpod/agentpod/internal/runtime"
	"github.com/agentpod/agentpod/internal/sandbox"
	"github.com/agentpod/agentpod/internal/sandbox/spec"
)

// Store is the persistence the orchestrator needs. *storage.SandboxStore
// satisfies it.
type Store interface {
	Create(ctx context.Context, sb *sandbox.Sandbox) error
	Get(ctx context.Context, id string) (*sandbox.Sandbox, error)
	GetBySlug(ctx context.Context, userID, slug string) (*sandbox.Sandbox, error)
	List(ctx context.Context, userID string) ([]*sandbox.Sandbox, error)
	Search(ctx context.Context, userID, query string) ([]*sandbox.Sandbox, error)
	ListAll(ctx context.Context) ([]*sandbox.Sandbox, error)
	Update(ctx context.Context, sb *sandbox.Sandbox) error
	UpdateState(ctx context.Context, id string, state sandbox.State, containerID, lastError string) error
	Touch(ctx context.Context, id string, at time.Time) error
	Delete(ctx context.Context, id string) error
}

// RepoManager is the slice of the git manager the orchestrator uses.
type RepoManager interface {
	Path(name string) string
	Exists(name string) bool
	Create(ctx context.Context, name, defaultBranch string) (*gitrepo.Repo, error)
	Clone(ctx context.Context, url, name string) (*gitrepo.Repo, error)
	Delete(ctx context.Context, name string) error
}

// ChatSync is notified when a sandbox's agent becomes reachable or goes
// away, so the chat syncer follows the container lifecycle.
type ChatSync interface {
	StartSync(sandboxID, host string)
	StopSync(sandboxID string)
}

// TerminalCloser tears down the terminal sessions of a sandbox on stop and
// delete.
type TerminalCloser interface {
	DisconnectAll(sandboxID string)
}

// Options wires the orchestrator's collaborators.
type Options struct {
	Store     Store
	Runtime   runtime.Runtime
	Repos     RepoManager
	Builder   *spec.Builder
	Bus       bus.EventBus
	Chat      ChatSync       // optional
	Terminals TerminalCloser // optional
	Config    *config.Config
	Logger    *logger.Logger
}

// Orchestrator coordinates every sandbox lifecycle operation. Transitions
// on one sandbox are serialized by a per-sandbox mutex; operations on
// distinct sandboxes proceed concurrently.
type Orchestrator struct {
	store     Store
	runtime   runtime.Runtime
	repos     RepoManager
	builder   *spec.Builder
	bus       bus.EventBus
	chat      ChatSync
	terminals TerminalCloser
	cfg       *config.Config
	logger    *logger.Logger

	mu    sync.Mutex
	locks map[string]*sync.Mutex

	cron   *cron.Cron
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates an orchestrator. Call Run to start reconciliation.
func New(opts Options) *Orchestrator {
	return &Orchestrator{
		store:     opts.Store,
		runtime:   opts.Runtime,
		repos:     opts.Repos,
		builder:   opts.Builder,
		bus:       opts.Bus,
		chat:      opts.Chat,
		terminals: opts.Terminals,
		cfg:       opts.Config,
		logger:    opts.Logger.WithFields(zap.String("component", "orchestrator")),
		locks:     make(map[string]*sync.Mutex),
	}
}

// SetTerminals wires the terminal manager after construction. The terminal
// manager streams through the orchestrator, so it is built second.
func (o *Orchestrator) SetTerminals(t TerminalCloser) { o.terminals = t }

// lockFor returns the mutex serializing transitions of one sandbox.
func (o *Orchestrator) lockFor(id string) *sync.Mutex {
	o.mu.Lock()
	defer o.mu.Unlock()
	if l, ok := o.locks[id]; ok {
		return l
	}
	l := &sync.Mutex{}
	o.locks[id] = l
	return l
}

func (o *Orchestrator) dropLock(id string) {
	o.mu.Lock()
	delete(o.locks, id)
	o.mu.Unlock()
}

// stopGrace returns the configured SIGTERM-to-SIGKILL window.
func (o *Orchestrator) stopGrace() time.Duration {
	grace := o.cfg.Orchestrator.StopGraceDuration()
	if grace <= 0 {
		grace = 10 * time.Second
	}
	return grace
}

// publish emits a sandbox event on the bus. Publishing is best-effort;
// lifecycle operations never fail because a subscriber is missing.
func (o *Orchestrator) publish(eventType string, sb *sandbox.Sandbox, extra map[string]interface{}) {
	if o.bus == nil {
		return
	}
	data := map[string]interface{}{
		"sandbox_id": sb.ID,
		"slug":       sb.Slug,
		"user_id":    sb.UserID,
		"state":      string(sb.State),
	}
	for k, v := range extra {
		data[k] = v
	}
	event := bus.NewEvent(eventType, "orchestrator", data)
	if err := o.bus.Publish(context.Background(), events.BuildSandboxSubject(eventType, sb.ID), event); err != nil {
		o.logger.Warn("event publish failed", zap.String("event", eventType), zap.Error(err))
	}
}

// setState commits a state transition and publishes it. The container id
// on sb is persisted as-is; callers clear it after removing a container.
func (o *Orchestrator) setState(ctx context.Context, sb *sandbox.Sandbox, to sandbox.State, lastError string) error {
	if err := o.store.UpdateState(ctx, sb.ID, to, sb.ContainerID, lastError); err != nil {
		return err
	}
	sb.State = to
	sb.LastError = lastError
	o.publish(events.SandboxStateChanged, sb, map[string]interface{}{"error": lastError})
	return nil
}
