package detector

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arcane-ops/sentryrun/internal/eventbus"
	"github.com/arcane-ops/sentryrun/internal/eventtypes"
)

func newTestDetector(t *testing.T, cfg Config) (*Detector, *eventbus.Bus) {
	t.Helper()
	d, err := New(cfg)
	require.NoError(t, err)
	bus := eventbus.New(nil)
	d.bus = bus
	return d, bus
}

func cpuRule(id string) RuleConfig {
	return RuleConfig{
		ID:             id,
		MetricPattern:  `cpu_usage`,
		ValuePattern:   `cpu_usage=(\d+(?:\.\d+)?)`,
		Comparator:     OpGreaterThan,
		Threshold:      80,
		WindowDuration: time.Minute,
		MinSamples:     2,
		Cooldown:       time.Minute,
		Severity:       eventtypes.SeverityWarning,
		Title:          "High CPU usage",
	}
}

func ingest(source, line string) eventtypes.LogIngested {
	return eventtypes.LogIngested{Source: source, Line: line, IngestedAt: time.Now()}
}

func TestCompileRejectsInvalidMetricRegex(t *testing.T) {
	rc := cpuRule("r1")
	rc.MetricPattern = "(unclosed"
	_, err := compileRule(rc)
	require.Error(t, err)
}

func TestCompileRejectsValuePatternWithoutCaptureGroup(t *testing.T) {
	rc := cpuRule("r1")
	rc.ValuePattern = `cpu_usage=\d+`
	_, err := compileRule(rc)
	require.Error(t, err)
}

func TestEvaluateFiresOnSustainedBreach(t *testing.T) {
	d, bus := newTestDetector(t, Config{Rules: []RuleConfig{cpuRule("r1")}})
	var incidents []eventtypes.IncidentCreated
	bus.Subscribe(eventtypes.TypeIncidentCreated, func(env eventbus.Envelope) error {
		incidents = append(incidents, env.Payload.(eventtypes.IncidentCreated))
		return nil
	})

	d.evaluate(d.rules[0], ingest("web-01", "cpu_usage=85"), "")
	assert.Empty(t, incidents, "first sample alone should not fire (minSamples=2)")

	d.evaluate(d.rules[0], ingest("web-01", "cpu_usage=90"), "")
	require.Len(t, incidents, 1)
	assert.Equal(t, 90.0, incidents[0].Context["literal_value"])
	assert.Equal(t, 87.5, incidents[0].Context["average_value"])
}

func TestEvaluateSkipsOnNonMatchingLine(t *testing.T) {
	d, bus := newTestDetector(t, Config{Rules: []RuleConfig{cpuRule("r1")}})
	var fired bool
	bus.Subscribe(eventtypes.TypeIncidentCreated, func(eventbus.Envelope) error { fired = true; return nil })

	d.evaluate(d.rules[0], ingest("web-01", "disk_usage=95"), "")
	assert.False(t, fired)
}

func TestEvaluateSkipsWhenBreachesBelowMinSamples(t *testing.T) {
	d, bus := newTestDetector(t, Config{Rules: []RuleConfig{cpuRule("r1")}})
	var fired bool
	bus.Subscribe(eventtypes.TypeIncidentCreated, func(eventbus.Envelope) error { fired = true; return nil })

	d.evaluate(d.rules[0], ingest("web-01", "cpu_usage=90"), "")
	d.evaluate(d.rules[0], ingest("web-01", "cpu_usage=10"), "")
	assert.False(t, fired, "only one of two retained samples breaches threshold")
}

func TestEvaluateRespectsCooldown(t *testing.T) {
	rc := cpuRule("r1")
	rc.MinSamples = 1
	rc.Cooldown = time.Hour
	d, bus := newTestDetector(t, Config{Rules: []RuleConfig{rc}})
	var incidents []eventtypes.IncidentCreated
	bus.Subscribe(eventtypes.TypeIncidentCreated, func(env eventbus.Envelope) error {
		incidents = append(incidents, env.Payload.(eventtypes.IncidentCreated))
		return nil
	})

	d.evaluate(d.rules[0], ingest("web-01", "cpu_usage=95"), "")
	d.evaluate(d.rules[0], ingest("web-01", "cpu_usage=96"), "")

	require.Len(t, incidents, 1)
	_, suppressedCooldown, _ := d.Counters("r1")
	assert.Equal(t, 1, suppressedCooldown)
}

func TestEvaluateRespectsGlobalRateLimit(t *testing.T) {
	rc := cpuRule("r1")
	rc.MinSamples = 1
	rc.Cooldown = 0
	d, bus := newTestDetector(t, Config{Rules: []RuleConfig{rc}, GlobalRateLimit: 1, GlobalRateWindow: time.Hour})
	var incidents []eventtypes.IncidentCreated
	bus.Subscribe(eventtypes.TypeIncidentCreated, func(env eventbus.Envelope) error {
		incidents = append(incidents, env.Payload.(eventtypes.IncidentCreated))
		return nil
	})

	d.evaluate(d.rules[0], ingest("web-01", "cpu_usage=95"), "")
	d.evaluate(d.rules[0], ingest("web-01", "cpu_usage=96"), "")

	require.Len(t, incidents, 1)
	_, _, suppressedRateLimit := d.Counters("r1")
	assert.Equal(t, 1, suppressedRateLimit)
}

func TestPruneWindowDropsExpiredSamples(t *testing.T) {
	now := time.Now()
	samples := []sample{
		{at: now.Add(-2 * time.Minute), value: 1},
		{at: now.Add(-10 * time.Second), value: 2},
	}
	pruned := pruneWindow(samples, now, time.Minute)
	require.Len(t, pruned, 1)
	assert.Equal(t, 2.0, pruned[0].value)
}
