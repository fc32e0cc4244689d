package kernel

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/arcane-ops/sentryrun/internal/approval"
	"github.com/arcane-ops/sentryrun/internal/eventbus"
	"github.com/arcane-ops/sentryrun/internal/eventtypes"
	"github.com/arcane-ops/sentryrun/internal/kerrors"
	"github.com/arcane-ops/sentryrun/internal/resolver"
	"github.com/arcane-ops/sentryrun/internal/scheduler"
	"github.com/arcane-ops/sentryrun/internal/storage"
)

// entry is the kernel's per-module lifecycle record.
type entry struct {
	module   Module
	manifest Manifest
	state    State
	lastErr  error
}

// Kernel owns the lifecycle table {id -> {module, state, last error}} and
// drives every registered module through initialize/start/stop/destroy in
// dependency order.
type Kernel struct {
	mu      sync.RWMutex
	entries map[string]*entry
	order   []string // startup order, computed once by initializeAll

	store     storage.Store
	bus       *eventbus.Bus
	approval  *approval.Gate
	scheduler *scheduler.Scheduler
	log       *slog.Logger
}

// New creates an empty Kernel with no shared Scheduler (every module's
// Context.Scheduler is nil); NewWithScheduler supplies one. store is the
// root (system) storage backend from which per-module namespaced views are
// derived; bus and approvalGate are shared across every module's Context.
func New(store storage.Store, bus *eventbus.Bus, approvalGate *approval.Gate, log *slog.Logger) *Kernel {
	return NewWithScheduler(store, bus, approvalGate, nil, log)
}

// NewWithScheduler is New plus an explicit shared Scheduler.
func NewWithScheduler(store storage.Store, bus *eventbus.Bus, approvalGate *approval.Gate, sched *scheduler.Scheduler, log *slog.Logger) *Kernel {
	if log == nil {
		log = slog.Default()
	}
	return &Kernel{
		entries:   make(map[string]*entry),
		store:     store,
		bus:       bus,
		approval:  approvalGate,
		scheduler: sched,
		log:       log,
	}
}

// Register records module in the registered state. Duplicate ids and the
// reserved storage.SystemNamespace id fail.
func (k *Kernel) Register(m Module) error {
	k.mu.Lock()
	defer k.mu.Unlock()

	manifest := m.Manifest()
	if manifest.ID == storage.SystemNamespace {
		return kerrors.NewModuleError(manifest.ID, "register", fmt.Errorf("module id %q is reserved", manifest.ID))
	}
	if _, exists := k.entries[manifest.ID]; exists {
		return kerrors.NewModuleError(manifest.ID, "register", fmt.Errorf("duplicate module id"))
	}
	k.entries[manifest.ID] = &entry{module: m, manifest: manifest, state: StateRegistered}
	return nil
}

// State returns the current lifecycle state of id.
func (k *Kernel) State(id string) (State, bool) {
	k.mu.RLock()
	defer k.mu.RUnlock()
	e, ok := k.entries[id]
	if !ok {
		return "", false
	}
	return e.state, true
}

// IDs returns every registered module id, unordered.
func (k *Kernel) IDs() []string {
	k.mu.RLock()
	defer k.mu.RUnlock()
	ids := make([]string, 0, len(k.entries))
	for id := range k.entries {
		ids = append(ids, id)
	}
	return ids
}

// Handle returns the registered module instance for id.
func (k *Kernel) Handle(id string) (Module, bool) {
	k.mu.RLock()
	defer k.mu.RUnlock()
	e, ok := k.entries[id]
	if !ok {
		return nil, false
	}
	return e.module, true
}

// Health returns id's last-reported health, or an unhealthy placeholder if
// id is unknown.
func (k *Kernel) Health(ctx context.Context, id string) Health {
	k.mu.RLock()
	e, ok := k.entries[id]
	k.mu.RUnlock()
	if !ok {
		return Health{Status: HealthUnhealthy, Message: "unknown module"}
	}
	return e.module.Health(ctx)
}

// HealthAll returns the current Health of every registered module, keyed
// by module id. Used by the readiness endpoint's roll-up.
func (k *Kernel) HealthAll(ctx context.Context) map[string]Health {
	result := make(map[string]Health)
	for _, id := range k.IDs() {
		result[id] = k.Health(ctx, id)
	}
	return result
}

func (k *Kernel) setState(id string, s State, err error) {
	k.mu.Lock()
	e := k.entries[id]
	e.state = s
	e.lastErr = err
	k.mu.Unlock()

	errStr := ""
	if err != nil {
		errStr = err.Error()
	}
	k.bus.Publish(eventbus.NewEnvelope(eventtypes.TypeModuleLifecycle, "kernel", "",
		eventtypes.ModuleLifecycle{ModuleID: id, State: string(s), Error: errStr}))
}

func (k *Kernel) resolveOrder() ([]string, error) {
	k.mu.RLock()
	nodes := make([]resolver.Node, 0, len(k.entries))
	for id, e := range k.entries {
		nodes = append(nodes, resolver.Node{ID: id, Dependencies: e.manifest.Dependencies})
	}
	k.mu.RUnlock()
	return resolver.Resolve(nodes)
}

// InitializeAll resolves dependency order, then for each module in order:
// validates its config section, builds its Context, and calls Initialize.
// config maps module id to its raw configuration section.
func (k *Kernel) InitializeAll(ctx context.Context, config map[string]map[string]any) error {
	order, err := k.resolveOrder()
	if err != nil {
		return err
	}
	k.mu.Lock()
	k.order = order
	k.mu.Unlock()

	for _, id := range order {
		k.mu.RLock()
		e := k.entries[id]
		k.mu.RUnlock()

		cfg := config[id]
		if e.manifest.ConfigSchema != nil {
			if err := e.manifest.ConfigSchema.Validate(cfg); err != nil {
				k.setState(id, StateError, err)
				return kerrors.NewModuleError(id, "initialize", err)
			}
		}

		k.setState(id, StateInitializing, nil)
		mctx := &Context{
			ModuleID:  id,
			Config:    cfg,
			Bus:       k.bus,
			Store:     storage.NewNamespacedStore(k.store, id),
			Logger:    k.log.With("module", id),
			Approval:  k.approval,
			Scheduler: k.scheduler,
		}
		if err := e.module.Initialize(ctx, mctx); err != nil {
			k.setState(id, StateError, err)
			return kerrors.NewModuleError(id, "initialize", err)
		}
		k.setState(id, StateInitialized, nil)
	}
	return nil
}

// StartAll invokes Start on every module currently initialized, in
// dependency order. If a module fails to start, already-running modules
// are stopped in reverse order before the error is returned.
func (k *Kernel) StartAll(ctx context.Context) error {
	k.mu.RLock()
	order := append([]string{}, k.order...)
	k.mu.RUnlock()

	for _, id := range order {
		k.mu.RLock()
		e := k.entries[id]
		k.mu.RUnlock()
		if e.state != StateInitialized {
			continue
		}

		k.setState(id, StateStarting, nil)
		if err := e.module.Start(ctx); err != nil {
			k.setState(id, StateError, err)
			k.StopAll(ctx)
			return kerrors.NewModuleError(id, "start", err)
		}
		k.setState(id, StateRunning, nil)
	}
	return nil
}

// StopAll invokes Stop in reverse dependency order for every running
// module. A failing Stop is logged and the module is forced to stopped;
// shutdown proceeds regardless.
func (k *Kernel) StopAll(ctx context.Context) {
	k.mu.RLock()
	order := resolver.Reverse(k.order)
	k.mu.RUnlock()

	for _, id := range order {
		k.mu.RLock()
		e := k.entries[id]
		k.mu.RUnlock()
		if e.state != StateRunning {
			continue
		}

		k.setState(id, StateStopping, nil)
		if err := e.module.Stop(ctx); err != nil {
			k.log.Error("module stop failed, forcing stopped", "module", id, "error", err)
		}
		k.setState(id, StateStopped, nil)
	}
}

// DestroyAll invokes Destroy in reverse order for every stopped module,
// with the same fault-tolerant policy as StopAll.
func (k *Kernel) DestroyAll(ctx context.Context) {
	k.mu.RLock()
	order := resolver.Reverse(k.order)
	k.mu.RUnlock()

	for _, id := range order {
		k.mu.RLock()
		e := k.entries[id]
		k.mu.RUnlock()
		if e.state != StateStopped {
			continue
		}

		if err := e.module.Destroy(ctx); err != nil {
			k.log.Error("module destroy failed", "module", id, "error", err)
		}
		k.setState(id, StateDestroyed, nil)
	}
}
