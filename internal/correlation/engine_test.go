package correlation

import (
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arcane-ops/sentryrun/internal/eventbus"
	"github.com/arcane-ops/sentryrun/internal/eventtypes"
)

func newTestEngine(cfg Config) (*Engine, *eventbus.Bus) {
	bus := eventbus.New(nil)
	e := New(cfg)
	e.bus = bus
	e.log = slog.New(slog.NewTextHandler(io.Discard, nil))
	return e, bus
}

func incident(id, title, source string) eventtypes.IncidentCreated {
	return eventtypes.IncidentCreated{
		IncidentID: id, Title: title, DetectedBy: source, DetectedAt: time.Now(),
	}
}

func TestCorrelateGroupsSimilarIncidents(t *testing.T) {
	e, bus := newTestEngine(Config{
		SimilarityThreshold: 0.4, StormThreshold: 3, TimeWindow: 60 * time.Second,
		MaxGroupSize: 50, MaxGroups: 100, GroupTTL: time.Hour,
	})

	var enrichments []eventtypes.EnrichmentCompleted
	var storms []eventtypes.IncidentStorm
	bus.Subscribe(eventtypes.TypeEnrichmentCompleted, func(env eventbus.Envelope) error {
		enrichments = append(enrichments, env.Payload.(eventtypes.EnrichmentCompleted))
		return nil
	})
	bus.Subscribe(eventtypes.TypeIncidentStorm, func(env eventbus.Envelope) error {
		storms = append(storms, env.Payload.(eventtypes.IncidentStorm))
		return nil
	})

	e.Correlate(incident("i1", "High CPU usage on web-01", "metrics"), "")
	e.Correlate(incident("i2", "High CPU usage on web-02", "metrics"), "")
	e.Correlate(incident("i3", "High CPU usage on web-03", "metrics"), "")

	// i1 seeds a new group and emits nothing; i2 and i3 each match it and
	// emit an enrichment, so three similar incidents yield two events.
	require.Len(t, enrichments, 2)
	assert.Equal(t, enrichments[0].GroupID, enrichments[1].GroupID)
	assert.Equal(t, 2, enrichments[0].MemberCount)
	assert.Equal(t, 3, enrichments[1].MemberCount)

	require.Len(t, storms, 1)
	assert.Equal(t, 3, storms[0].MemberCount)
	assert.Equal(t, []string{
		"High CPU usage on web-01", "High CPU usage on web-02", "High CPU usage on web-03",
	}, storms[0].Titles)
}

func TestCorrelateDissimilarIncidentsSeparateGroups(t *testing.T) {
	e, bus := newTestEngine(Config{
		SimilarityThreshold: 0.4, StormThreshold: 3, TimeWindow: 60 * time.Second,
		MaxGroupSize: 50, MaxGroups: 100, GroupTTL: time.Hour,
	})
	var enrichments []eventtypes.EnrichmentCompleted
	bus.Subscribe(eventtypes.TypeEnrichmentCompleted, func(env eventbus.Envelope) error {
		enrichments = append(enrichments, env.Payload.(eventtypes.EnrichmentCompleted))
		return nil
	})

	e.Correlate(incident("i1", "High CPU usage on web-01", "metrics"), "")
	e.Correlate(incident("i2", "Disk full on db-02", "metrics"), "")

	// Neither incident matches an existing group, so each seeds its own
	// group and neither emits an enrichment.
	require.Len(t, enrichments, 0)
	assert.Len(t, e.groups, 2)
}

func TestCorrelateSourceMatchLowersEffectiveThreshold(t *testing.T) {
	e, bus := newTestEngine(Config{
		SimilarityThreshold: 0.6, StormThreshold: 5, TimeWindow: 60 * time.Second,
		MaxGroupSize: 50, MaxGroups: 100, GroupTTL: time.Hour,
	})
	var enrichments []eventtypes.EnrichmentCompleted
	bus.Subscribe(eventtypes.TypeEnrichmentCompleted, func(env eventbus.Envelope) error {
		enrichments = append(enrichments, env.Payload.(eventtypes.EnrichmentCompleted))
		return nil
	})

	// The two titles share 4 of 8 tokens ("01"/"02" are too short to
	// count), a Jaccard of 0.5: below 0.6 but above 0.6*0.7=0.42, so
	// same-source matching should merge where a fresh-source comparison
	// would not.
	e.Correlate(incident("i1", "high cpu usage web 01 alpha beta", "metrics"), "")
	e.Correlate(incident("i2", "high cpu usage web 02 gamma delta", "metrics"), "")

	// i1 seeds a new group (no enrichment); i2 matches it under the
	// same-source discounted threshold and emits exactly one enrichment.
	require.Len(t, enrichments, 1)
	assert.Len(t, e.groups, 1)
	assert.Equal(t, 2, enrichments[0].MemberCount)
}

func TestBestMatchTieBreaksFirstEncountered(t *testing.T) {
	e, _ := newTestEngine(Config{
		SimilarityThreshold: 0.1, StormThreshold: 10, TimeWindow: time.Hour,
		MaxGroupSize: 50, MaxGroups: 100, GroupTTL: time.Hour,
	})
	now := time.Now()
	e.groups["g1"] = &Group{ID: "g1", Tokens: map[string]struct{}{"alpha": {}}, LastActivityAt: now}
	e.groups["g2"] = &Group{ID: "g2", Tokens: map[string]struct{}{"alpha": {}}, LastActivityAt: now}

	best, ok := e.bestMatch(map[string]struct{}{"alpha": {}}, "", now)
	require.True(t, ok)
	assert.Contains(t, []string{"g1", "g2"}, best.ID)
}

func TestGroupAtMaxSizeIsSkipped(t *testing.T) {
	e, _ := newTestEngine(Config{
		SimilarityThreshold: 0.1, StormThreshold: 10, TimeWindow: time.Hour,
		MaxGroupSize: 1, MaxGroups: 100, GroupTTL: time.Hour,
	})
	now := time.Now()
	e.groups["full"] = &Group{
		ID: "full", MemberIDs: []string{"existing"},
		Tokens: map[string]struct{}{"alpha": {}}, LastActivityAt: now,
	}

	_, ok := e.bestMatch(map[string]struct{}{"alpha": {}}, "", now)
	assert.False(t, ok)
}

func TestNewGroupEvictsOldestAtCapacity(t *testing.T) {
	e, _ := newTestEngine(Config{
		SimilarityThreshold: 0.9, StormThreshold: 10, TimeWindow: time.Hour,
		MaxGroupSize: 50, MaxGroups: 1, GroupTTL: time.Hour,
	})
	old := time.Now().Add(-time.Hour)
	e.groups["old"] = &Group{ID: "old", LastActivityAt: old, Tokens: map[string]struct{}{}}

	e.mu.Lock()
	e.newGroup(incident("i1", "brand new incident", "metrics"), tokenize("brand new incident", ""), "metrics", time.Now())
	e.mu.Unlock()

	assert.NotContains(t, e.groups, "old")
	assert.Len(t, e.groups, 1)
}

func TestSweepRemovesExpiredGroups(t *testing.T) {
	e, _ := newTestEngine(Config{
		SimilarityThreshold: 0.4, StormThreshold: 3, TimeWindow: time.Hour,
		MaxGroupSize: 50, MaxGroups: 100, GroupTTL: time.Minute,
	})
	e.groups["stale"] = &Group{ID: "stale", LastActivityAt: time.Now().Add(-2 * time.Minute)}
	e.groups["fresh"] = &Group{ID: "fresh", LastActivityAt: time.Now()}

	e.sweep()

	assert.NotContains(t, e.groups, "stale")
	assert.Contains(t, e.groups, "fresh")
}

func TestJaccardBothEmptyIsZero(t *testing.T) {
	assert.Equal(t, 0.0, jaccard(map[string]struct{}{}, map[string]struct{}{}))
}

func TestTokenizeDiscardsShortTokens(t *testing.T) {
	tokens := tokenize("CPU is at 99% on web-01!", "")
	assert.Contains(t, tokens, "cpu")
	assert.Contains(t, tokens, "web")
	assert.NotContains(t, tokens, "is")
	assert.NotContains(t, tokens, "at")
	assert.NotContains(t, tokens, "99")
}
