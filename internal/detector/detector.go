// Package detector is the threshold detector : it watches
// log.ingested events for per-rule metric patterns, maintains a sliding
// window of extracted values, and emits incident.created once a sustained
// breach clears cooldown and the global rate limiter.
package detector

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/arcane-ops/sentryrun/internal/eventbus"
	"github.com/arcane-ops/sentryrun/internal/eventtypes"
	"github.com/arcane-ops/sentryrun/internal/kernel"
	"github.com/arcane-ops/sentryrun/internal/ratelimit"
)

// ManifestID is this module's registered id.
const ManifestID = "detector.threshold"

// Comparator is the closed set of sample comparisons a rule's threshold
// check supports.
type Comparator string

const (
	OpGreaterThan     Comparator = ">"
	OpGreaterOrEqual  Comparator = ">="
	OpLessThan        Comparator = "<"
	OpLessOrEqual     Comparator = "<="
	OpEqual           Comparator = "=="
	OpNotEqual        Comparator = "!="
)

func (c Comparator) eval(value, threshold float64) bool {
	switch c {
	case OpGreaterThan:
		return value > threshold
	case OpGreaterOrEqual:
		return value >= threshold
	case OpLessThan:
		return value < threshold
	case OpLessOrEqual:
		return value <= threshold
	case OpEqual:
		return value == threshold
	case OpNotEqual:
		return value != threshold
	default:
		return false
	}
}

// RuleConfig is a rule as read from configuration, before regex
// compilation.
type RuleConfig struct {
	ID             string        `yaml:"id"`
	MetricPattern  string        `yaml:"metricPattern"`
	ValuePattern   string        `yaml:"valuePattern"`
	Comparator     Comparator    `yaml:"comparator"`
	Threshold      float64       `yaml:"threshold"`
	WindowDuration time.Duration `yaml:"windowDuration"`
	MinSamples     int           `yaml:"minSamples"`
	Cooldown       time.Duration `yaml:"cooldown"`
	Severity       eventtypes.Severity `yaml:"severity"`
	Title          string        `yaml:"title"`
	Description    string        `yaml:"description"`
}

// rule is a RuleConfig with its regexes compiled. Invalid regexes fail at
// construction time, not at runtime.
type rule struct {
	cfg          RuleConfig
	metricRegex  *regexp.Regexp
	valueRegex   *regexp.Regexp
}

func compileRule(cfg RuleConfig) (*rule, error) {
	metricRE, err := regexp.Compile(cfg.MetricPattern)
	if err != nil {
		return nil, fmt.Errorf("rule %q: invalid metric pattern: %w", cfg.ID, err)
	}
	valueRE, err := regexp.Compile(cfg.ValuePattern)
	if err != nil {
		return nil, fmt.Errorf("rule %q: invalid value pattern: %w", cfg.ID, err)
	}
	if valueRE.NumSubexp() < 1 {
		return nil, fmt.Errorf("rule %q: value pattern must have one capture group", cfg.ID)
	}
	return &rule{cfg: cfg, metricRegex: metricRE, valueRegex: valueRE}, nil
}

type sample struct {
	at    time.Time
	value float64
}

// ruleState is the detector's per-rule mutable bookkeeping.
type ruleState struct {
	mu                    sync.Mutex
	samples               []sample
	lastFiredAt           time.Time
	fireCount             int
	suppressedByCooldown  int
	suppressedByRateLimit int
}

// Config configures the Detector module.
type Config struct {
	Rules             []RuleConfig
	GlobalRateLimit   int
	GlobalRateWindow  time.Duration
}

// Detector is the threshold detector module.
type Detector struct {
	rules   []*rule
	states  map[string]*ruleState
	limiter *ratelimit.Limiter

	bus *eventbus.Bus
	log *slog.Logger
	sub *eventbus.Subscription
}

// New compiles cfg's rules and constructs a Detector. An invalid regex in
// any rule fails the whole construction.
func New(cfg Config) (*Detector, error) {
	d := &Detector{states: make(map[string]*ruleState)}
	for _, rc := range cfg.Rules {
		r, err := compileRule(rc)
		if err != nil {
			return nil, err
		}
		d.rules = append(d.rules, r)
		d.states[rc.ID] = &ruleState{}
	}
	window := cfg.GlobalRateWindow
	if window <= 0 {
		window = time.Minute
	}
	limit := cfg.GlobalRateLimit
	if limit <= 0 {
		limit = 60
	}
	d.limiter = ratelimit.New(window, limit)
	return d, nil
}

// Manifest implements kernel.Module.
func (d *Detector) Manifest() kernel.Manifest {
	return kernel.Manifest{
		ID:          ManifestID,
		Version:     "1.0.0",
		Category:    kernel.CategoryDetector,
		Description: "Sliding-window threshold detection over ingested log lines",
	}
}

// Initialize wires bus/logger.
func (d *Detector) Initialize(_ context.Context, mctx *kernel.Context) error {
	d.bus = mctx.Bus
	d.log = mctx.Logger
	return nil
}

// Start subscribes to log.ingested.
func (d *Detector) Start(context.Context) error {
	d.sub = d.bus.Subscribe(eventtypes.TypeLogIngested, d.handleLogIngested)
	return nil
}

// Stop releases the subscription.
func (d *Detector) Stop(context.Context) error {
	if d.sub != nil {
		d.sub.Unsubscribe()
	}
	return nil
}

// Destroy is a no-op; detector state is in-memory.
func (d *Detector) Destroy(context.Context) error { return nil }

// Health always reports healthy.
func (d *Detector) Health(context.Context) kernel.Health {
	return kernel.Health{Status: kernel.HealthHealthy, LastCheck: time.Now()}
}

func (d *Detector) handleLogIngested(env eventbus.Envelope) error {
	payload, ok := env.Payload.(eventtypes.LogIngested)
	if !ok {
		return fmt.Errorf("detector: unexpected payload type %T", env.Payload)
	}
	for _, r := range d.rules {
		d.evaluate(r, payload, env.CorrelationID)
	}
	return nil
}

// evaluate runs the eight-step algorithm for a single rule
// against a single ingested line.
func (d *Detector) evaluate(r *rule, line eventtypes.LogIngested, correlationID string) {
	if !r.metricRegex.MatchString(line.Line) {
		return
	}

	match := r.valueRegex.FindStringSubmatch(line.Line)
	if len(match) < 2 {
		return
	}
	value, err := strconv.ParseFloat(match[1], 64)
	if err != nil {
		return
	}

	st := d.states[r.cfg.ID]
	st.mu.Lock()
	defer st.mu.Unlock()

	now := time.Now()
	st.samples = append(st.samples, sample{at: now, value: value})
	st.samples = pruneWindow(st.samples, now, r.cfg.WindowDuration)

	if len(st.samples) < r.cfg.MinSamples {
		return
	}

	breaches := 0
	sum := 0.0
	for _, s := range st.samples {
		sum += s.value
		if r.cfg.Comparator.eval(s.value, r.cfg.Threshold) {
			breaches++
		}
	}
	if breaches < r.cfg.MinSamples {
		return
	}

	if r.cfg.Cooldown > 0 && now.Sub(st.lastFiredAt) < r.cfg.Cooldown {
		st.suppressedByCooldown++
		return
	}

	res := d.limiter.TryAcquire()
	if !res.Allowed {
		st.suppressedByRateLimit++
		return
	}

	st.lastFiredAt = now
	st.fireCount++
	average := sum / float64(len(st.samples))

	if correlationID == "" {
		correlationID = uuid.New().String()
	}

	d.bus.Publish(eventbus.NewEnvelope(eventtypes.TypeIncidentCreated, ManifestID, correlationID,
		eventtypes.IncidentCreated{
			IncidentID:  uuid.New().String(),
			Title:       r.cfg.Title,
			Description: r.cfg.Description,
			Severity:    r.cfg.Severity,
			DetectedBy:  ManifestID,
			SourceEvent: line.Source,
			DetectedAt:  now,
			Context: map[string]any{
				"rule_id":        r.cfg.ID,
				"literal_value":  value,
				"average_value":  average,
				"sample_count":   len(st.samples),
				"threshold":      r.cfg.Threshold,
				"comparator":     string(r.cfg.Comparator),
			},
		}))
}

func pruneWindow(samples []sample, now time.Time, window time.Duration) []sample {
	cutoff := now.Add(-window)
	i := 0
	for i < len(samples) && samples[i].at.Before(cutoff) {
		i++
	}
	if i == 0 {
		return samples
	}
	return append([]sample{}, samples[i:]...)
}

// Counters returns a snapshot of a rule's fire/suppression counters, for
// health dumps and tests.
func (d *Detector) Counters(ruleID string) (fireCount, suppressedByCooldown, suppressedByRateLimit int) {
	st, ok := d.states[ruleID]
	if !ok {
		return 0, 0, 0
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.fireCount, st.suppressedByCooldown, st.suppressedByRateLimit
}
