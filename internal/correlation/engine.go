// Package correlation groups related incidents by time-window proximity
// and keyword similarity, and escalates bursts of related incidents into
// storm events. It is the hardest domain component: incidents
// arrive as an unordered stream and must be assigned to the best-matching
// active group, or seed a new one, with LRU eviction bounding memory.
package correlation

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/arcane-ops/sentryrun/internal/eventbus"
	"github.com/arcane-ops/sentryrun/internal/eventtypes"
	"github.com/arcane-ops/sentryrun/internal/kernel"
	"github.com/arcane-ops/sentryrun/internal/scheduler"
)

// ManifestID is this module's registered id.
const ManifestID = "enricher.correlation"

// Config holds the tunables this package exposes.
type Config struct {
	SimilarityThreshold float64       `yaml:"similarityThreshold"`
	StormThreshold      int           `yaml:"stormThreshold"`
	TimeWindow          time.Duration `yaml:"timeWindow"`
	MaxGroupSize        int           `yaml:"maxGroupSize"`
	MaxGroups           int           `yaml:"maxGroups"`
	GroupTTL            time.Duration `yaml:"groupTTL"`
}

// DefaultConfig mirrors the example a representative deployment.
func DefaultConfig() Config {
	return Config{
		SimilarityThreshold: 0.4,
		StormThreshold:      3,
		TimeWindow:          60 * time.Second,
		MaxGroupSize:        50,
		MaxGroups:           1000,
		GroupTTL:            30 * time.Minute,
	}
}

// sourceDiscount is applied to the effective similarity threshold when an
// incoming incident's source matches the candidate group's source.
const sourceDiscount = 0.7

var tokenSplit = regexp.MustCompile(`[^a-z0-9]+`)

func tokenize(title, description string) map[string]struct{} {
	text := strings.ToLower(title + " " + description)
	fields := tokenSplit.Split(text, -1)
	set := make(map[string]struct{}, len(fields))
	for _, f := range fields {
		if len(f) <= 2 {
			continue
		}
		set[f] = struct{}{}
	}
	return set
}

func jaccard(a, b map[string]struct{}) float64 {
	if len(a) == 0 && len(b) == 0 {
		return 0
	}
	intersection := 0
	for t := range a {
		if _, ok := b[t]; ok {
			intersection++
		}
	}
	union := len(a) + len(b) - intersection
	if union == 0 {
		return 0
	}
	return float64(intersection) / float64(union)
}

// Group is a correlation group.
type Group struct {
	ID             string
	RootIncidentID string
	MemberIDs      []string
	Titles         []string
	Tokens         map[string]struct{}
	Source         string
	Severity       eventtypes.Severity
	CreatedAt      time.Time
	LastActivityAt time.Time
	StormEmitted   bool
}

// Engine is the correlation module. Group state lives entirely in memory,
// guarded by mu; it is rebuilt from scratch on restart, which is acceptable
// because groups are a windowed, TTL-bounded view over the incident stream
// rather than a system of record.
type Engine struct {
	cfg Config

	mu     sync.Mutex
	groups map[string]*Group

	bus       *eventbus.Bus
	log       *slog.Logger
	sched     *scheduler.Scheduler
	sub       *eventbus.Subscription
	sweepJob  func()
	sweepStop func()
}

// New creates an Engine with cfg. Zero-value fields in cfg are replaced by
// DefaultConfig's values.
func New(cfg Config) *Engine {
	d := DefaultConfig()
	if cfg.SimilarityThreshold == 0 {
		cfg.SimilarityThreshold = d.SimilarityThreshold
	}
	if cfg.StormThreshold == 0 {
		cfg.StormThreshold = d.StormThreshold
	}
	if cfg.TimeWindow == 0 {
		cfg.TimeWindow = d.TimeWindow
	}
	if cfg.MaxGroupSize == 0 {
		cfg.MaxGroupSize = d.MaxGroupSize
	}
	if cfg.MaxGroups == 0 {
		cfg.MaxGroups = d.MaxGroups
	}
	if cfg.GroupTTL == 0 {
		cfg.GroupTTL = d.GroupTTL
	}
	return &Engine{cfg: cfg, groups: make(map[string]*Group)}
}

// Manifest implements kernel.Module.
func (e *Engine) Manifest() kernel.Manifest {
	return kernel.Manifest{
		ID:          ManifestID,
		Version:     "1.0.0",
		Category:    kernel.CategoryEnricher,
		Description: "Groups incidents by time-window and keyword similarity, escalates storms",
	}
}

// Initialize wires the engine's dependencies from mctx.
func (e *Engine) Initialize(_ context.Context, mctx *kernel.Context) error {
	e.bus = mctx.Bus
	e.log = mctx.Logger
	e.sched = mctx.Scheduler
	return nil
}

// Start subscribes to incident.created and registers the periodic TTL
// sweep.
func (e *Engine) Start(context.Context) error {
	e.sub = e.bus.Subscribe(eventtypes.TypeIncidentCreated, e.handleIncidentCreated)

	sweepInterval := e.cfg.GroupTTL / 4
	if sweepInterval > 60*time.Second {
		sweepInterval = 60 * time.Second
	}
	if sweepInterval <= 0 {
		sweepInterval = time.Second
	}

	if e.sched != nil {
		id := e.sched.Every(sweepInterval, "correlation.sweep", func(context.Context) { e.sweep() })
		e.sweepStop = func() { e.sched.Remove(id) }
	}
	return nil
}

// Stop releases the subscription and the sweep registration.
func (e *Engine) Stop(context.Context) error {
	if e.sub != nil {
		e.sub.Unsubscribe()
	}
	if e.sweepStop != nil {
		e.sweepStop()
	}
	return nil
}

// Destroy is a no-op; all engine state is in-memory and released with it.
func (e *Engine) Destroy(context.Context) error { return nil }

// Health always reports healthy; the engine has no external dependency to
// degrade on.
func (e *Engine) Health(context.Context) kernel.Health {
	e.mu.Lock()
	n := len(e.groups)
	e.mu.Unlock()
	return kernel.Health{Status: kernel.HealthHealthy, Details: map[string]any{"active_groups": n}, LastCheck: time.Now()}
}

func (e *Engine) handleIncidentCreated(env eventbus.Envelope) error {
	payload, ok := env.Payload.(eventtypes.IncidentCreated)
	if !ok {
		return fmt.Errorf("correlation: unexpected payload type %T", env.Payload)
	}
	e.Correlate(payload, env.CorrelationID)
	return nil
}

// Correlate runs the algorithm for a single incident. It publishes
// enrichment.completed only when the incident matched an existing group
// (a new group has nothing to report a correlation against) and, at most
// once per group, incident.storm. Exported directly so tests can drive it
// without the bus.
func (e *Engine) Correlate(incident eventtypes.IncidentCreated, correlationID string) {
	now := time.Now()
	tokens := tokenize(incident.Title, incident.Description)
	source := incident.DetectedBy

	e.mu.Lock()
	group, matched := e.bestMatch(tokens, source, now)
	if !matched {
		group = e.newGroup(incident, tokens, source, now)
	} else {
		group.MemberIDs = append(group.MemberIDs, incident.IncidentID)
		group.Titles = append(group.Titles, incident.Title)
		for t := range tokens {
			group.Tokens[t] = struct{}{}
		}
		group.LastActivityAt = now
	}

	memberCount := len(group.MemberIDs)
	stormNewlyCrossed := !group.StormEmitted && memberCount >= e.cfg.StormThreshold
	if stormNewlyCrossed {
		group.StormEmitted = true
	}
	groupID := group.ID
	rootID := group.RootIncidentID
	groupSource := group.Source
	stormFlag := group.StormEmitted
	titles := append([]string{}, group.Titles...)
	e.mu.Unlock()

	if correlationID == "" {
		correlationID = uuid.New().String()
	}

	if matched {
		e.bus.Publish(eventbus.NewEnvelope(eventtypes.TypeEnrichmentCompleted, ManifestID, correlationID,
			eventtypes.EnrichmentCompleted{
				IncidentID:     incident.IncidentID,
				EnricherModule: ManifestID,
				EnrichmentType: "correlation",
				GroupID:        groupID,
				RootIncidentID: rootID,
				MemberCount:    memberCount,
				Storm:          stormFlag,
				CompletedAt:    now,
			}))
	}

	if stormNewlyCrossed {
		e.bus.Publish(eventbus.NewEnvelope(eventtypes.TypeIncidentStorm, ManifestID, correlationID,
			eventtypes.IncidentStorm{
				GroupID:        groupID,
				RootIncidentID: rootID,
				MemberCount:    memberCount,
				Severity:       incident.Severity,
				Source:         groupSource,
				TimeWindowMs:   e.cfg.TimeWindow.Milliseconds(),
				Titles:         titles,
			}))
	}
}

// bestMatch must be called with mu held. It returns the active group with
// the highest Jaccard score meeting its effective threshold, breaking ties
// in favour of the group created first (earliest CreatedAt, then lowest
// ID), so the result does not depend on map iteration order.
func (e *Engine) bestMatch(tokens map[string]struct{}, source string, now time.Time) (*Group, bool) {
	var best *Group
	bestScore := -1.0

	for _, g := range e.groups {
		if now.Sub(g.LastActivityAt) > e.cfg.TimeWindow {
			continue
		}
		if len(g.MemberIDs) >= e.cfg.MaxGroupSize {
			continue
		}
		threshold := e.cfg.SimilarityThreshold
		if g.Source == source {
			threshold *= sourceDiscount
		}
		score := jaccard(tokens, g.Tokens)
		if score < threshold {
			continue
		}
		if score > bestScore || score == bestScore &&
			(g.CreatedAt.Before(best.CreatedAt) || g.CreatedAt.Equal(best.CreatedAt) && g.ID < best.ID) {
			bestScore = score
			best = g
		}
	}
	return best, best != nil
}

// newGroup must be called with mu held. It evicts the oldest group by
// lastActivityAt if admitting a new one would exceed MaxGroups.
func (e *Engine) newGroup(incident eventtypes.IncidentCreated, tokens map[string]struct{}, source string, now time.Time) *Group {
	if len(e.groups) >= e.cfg.MaxGroups {
		e.evictOldest()
	}
	g := &Group{
		ID:             uuid.New().String(),
		RootIncidentID: incident.IncidentID,
		MemberIDs:      []string{incident.IncidentID},
		Titles:         []string{incident.Title},
		Tokens:         tokens,
		Source:         source,
		Severity:       incident.Severity,
		CreatedAt:      now,
		LastActivityAt: now,
	}
	e.groups[g.ID] = g
	return g
}

func (e *Engine) evictOldest() {
	var oldestID string
	var oldestTime time.Time
	first := true
	for id, g := range e.groups {
		if first || g.LastActivityAt.Before(oldestTime) {
			oldestID = id
			oldestTime = g.LastActivityAt
			first = false
		}
	}
	if oldestID != "" {
		delete(e.groups, oldestID)
		e.log.Warn("evicted correlation group at capacity", "group", oldestID)
	}
}

// sweep removes groups whose last activity exceeds the configured TTL.
func (e *Engine) sweep() {
	now := time.Now()
	e.mu.Lock()
	defer e.mu.Unlock()
	for id, g := range e.groups {
		if now.Sub(g.LastActivityAt) > e.cfg.GroupTTL {
			delete(e.groups, id)
		}
	}
}
