// Package kernel is the plugin lifecycle kernel: it loads manifests,
// resolves dependency order via internal/resolver, and drives every module
// through the deterministic state machine.
package kernel

import (
	"context"
	"log/slog"
	"time"

	"github.com/arcane-ops/sentryrun/internal/approval"
	"github.com/arcane-ops/sentryrun/internal/eventbus"
	"github.com/arcane-ops/sentryrun/internal/scheduler"
	"github.com/arcane-ops/sentryrun/internal/storage"
)

// Category is the closed set of module categories a module may declare.
type Category string

const (
	CategoryConnector   Category = "connector"
	CategoryDetector    Category = "detector"
	CategoryEnricher    Category = "enricher"
	CategoryNotifier    Category = "notifier"
	CategoryAction      Category = "action"
	CategoryToolHost    Category = "tool-host"
	CategoryUIExtension Category = "ui-extension"
)

var validCategories = map[Category]bool{
	CategoryConnector: true, CategoryDetector: true, CategoryEnricher: true,
	CategoryNotifier: true, CategoryAction: true, CategoryToolHost: true,
	CategoryUIExtension: true,
}

// ValidCategory reports whether c is one of the closed set of categories.
func ValidCategory(c Category) bool { return validCategories[c] }

// Manifest is the immutable metadata describing a module.
type Manifest struct {
	// ID has the form "<category>.<name>", e.g. "detector.threshold".
	ID           string
	Version      string
	Category     Category
	Description  string
	Dependencies []string
	// ConfigSchema, if non-nil, validates the module's configuration
	// section before Initialize is called.
	ConfigSchema ConfigValidator
}

// ConfigValidator validates a module's raw configuration section.
type ConfigValidator interface {
	Validate(raw map[string]any) error
}

// State is a module's position in the lifecycle state machine.
type State string

const (
	StateRegistered   State = "registered"
	StateInitializing State = "initializing"
	StateInitialized  State = "initialized"
	StateStarting     State = "starting"
	StateRunning      State = "running"
	StateStopping     State = "stopping"
	StateStopped      State = "stopped"
	StateDestroyed    State = "destroyed"
	StateError        State = "error"
)

// HealthStatus is the coarse health classification a module reports.
type HealthStatus string

const (
	HealthHealthy   HealthStatus = "healthy"
	HealthDegraded  HealthStatus = "degraded"
	HealthUnhealthy HealthStatus = "unhealthy"
)

// Health is the result of a module's Health check.
type Health struct {
	Status    HealthStatus
	Message   string
	Details   map[string]any
	LastCheck time.Time
}

// Context is the per-module scoped handle injected at Initialize. Modules
// access core services only through this handle.
type Context struct {
	ModuleID  string
	Config    map[string]any
	Bus       *eventbus.Bus
	Store     storage.Store
	Logger    *slog.Logger
	Approval  *approval.Gate
	Scheduler *scheduler.Scheduler
}

// Module is the contract every pluggable component implements. Every
// lifecycle operation may fail; Health must never fail and should reflect
// best-effort status instead.
type Module interface {
	Manifest() Manifest
	Initialize(ctx context.Context, mctx *Context) error
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	Destroy(ctx context.Context) error
	Health(ctx context.Context) Health
}
