// Package discovery is manifest-driven plugin discovery.
// Go has no safe equivalent of dynamic code import and runtime
// introspection of exported constructors, so this folds into a
// declarative, build-time registration table instead. Plugins register a
// Factory under their manifest id via
// Register (typically from an init() in the plugin's package, mirroring
// the database/sql driver-registration idiom), and on-disk manifest.json
// files are merely validated against — never used to import — code.
package discovery

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/arcane-ops/sentryrun/internal/kernel"
)

// Factory constructs a fresh Module instance. Called once per discovered
// plugin at kernel wiring time.
type Factory func() kernel.Module

// Registry is the build-time plugin registration table. The package-level
// Default registry is what Register/Lookup operate on; tests may construct
// their own via NewRegistry for isolation.
type Registry struct {
	mu        sync.Mutex
	factories map[string]Factory
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]Factory)}
}

// Register records factory under id. First registration wins: a later
// call with the same id is ignored and reported via the returned bool.
func (r *Registry) Register(id string, factory Factory) (registered bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.factories[id]; exists {
		return false
	}
	r.factories[id] = factory
	return true
}

// Lookup returns the factory registered for id, if any.
func (r *Registry) Lookup(id string) (Factory, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	f, ok := r.factories[id]
	return f, ok
}

// Default is the process-wide registry plugin packages register into from
// their init() functions.
var Default = NewRegistry()

// Register records factory under id in the Default registry.
func Register(id string, factory Factory) bool { return Default.Register(id, factory) }

// diskManifest is the on-disk manifest.json shape.
type diskManifest struct {
	ID           string   `json:"id"`
	Name         string   `json:"name"`
	Version      string   `json:"version"`
	Category     string   `json:"category"`
	Entry        string   `json:"entry,omitempty"`
	Dependencies []string `json:"dependencies,omitempty"`
}

// Plugin is a discovered plugin: its disk-declared manifest plus a factory
// validated against the build-time registry.
type Plugin struct {
	ID      string
	Factory Factory
}

// DiscoveryError records a single plugin directory's discovery failure
// without aborting discovery of the rest.
type DiscoveryError struct {
	Dir string
	Err error
}

func (e DiscoveryError) Error() string {
	return fmt.Sprintf("plugin discovery: %s: %v", e.Dir, e.Err)
}

// Discover enumerates subdirectories of dir, reads each manifest.json, and
// cross-checks it against reg. It returns every successfully discovered
// plugin plus a list of errors for directories that failed validation;
// individual failures never abort discovery of the rest.
func Discover(dir string, reg *Registry) ([]Plugin, []error) {
	children, err := os.ReadDir(dir)
	if err != nil {
		return nil, []error{DiscoveryError{Dir: dir, Err: err}}
	}

	var plugins []Plugin
	var errs []error

	for _, child := range children {
		if !child.IsDir() {
			continue
		}
		pluginDir := filepath.Join(dir, child.Name())
		plugin, err := discoverOne(pluginDir, reg)
		if err != nil {
			errs = append(errs, DiscoveryError{Dir: pluginDir, Err: err})
			continue
		}
		plugins = append(plugins, plugin)
	}
	return plugins, errs
}

func discoverOne(pluginDir string, reg *Registry) (Plugin, error) {
	manifestPath := filepath.Join(pluginDir, "manifest.json")
	data, err := os.ReadFile(manifestPath)
	if err != nil {
		return Plugin{}, fmt.Errorf("read manifest: %w", err)
	}

	var m diskManifest
	if err := json.Unmarshal(data, &m); err != nil {
		return Plugin{}, fmt.Errorf("parse manifest: %w", err)
	}

	if err := validateManifest(m); err != nil {
		return Plugin{}, err
	}

	if m.Entry != "" {
		entryPath := filepath.Join(pluginDir, m.Entry)
		rel, err := filepath.Rel(pluginDir, entryPath)
		if err != nil || rel == ".." || len(rel) >= 2 && rel[:2] == ".." {
			return Plugin{}, fmt.Errorf("entry %q escapes plugin directory", m.Entry)
		}
	}

	factory, ok := reg.Lookup(m.ID)
	if !ok {
		return Plugin{}, fmt.Errorf("no registered factory for manifest id %q", m.ID)
	}

	wrapped := Factory(func() kernel.Module {
		instance := factory()
		if instance.Manifest().ID != m.ID {
			panic(fmt.Sprintf("plugin %q: factory produced module with id %q", m.ID, instance.Manifest().ID))
		}
		return instance
	})

	return Plugin{ID: m.ID, Factory: wrapped}, nil
}

func validateManifest(m diskManifest) error {
	if m.ID == "" {
		return fmt.Errorf("missing required field %q", "id")
	}
	if m.Name == "" {
		return fmt.Errorf("missing required field %q", "name")
	}
	if m.Version == "" {
		return fmt.Errorf("missing required field %q", "version")
	}
	if !kernel.ValidCategory(kernel.Category(m.Category)) {
		return fmt.Errorf("invalid category %q", m.Category)
	}
	return nil
}

// RegisterDiscovered registers every discovered plugin into k, constructing
// one Module instance per plugin. Built-ins already registered under k win
// on id conflicts (register is called for built-ins first by convention).
func RegisterDiscovered(k *kernel.Kernel, plugins []Plugin) []error {
	var errs []error
	for _, p := range plugins {
		if err := k.Register(p.Factory()); err != nil {
			errs = append(errs, err)
		}
	}
	return errs
}
