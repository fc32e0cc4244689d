// Package jqenrich is a built-in enricher module: it runs a configured jq
// query against an incident's context bag and attaches the result as
// enrichment data. It is a second, independently testable consumer of
// incident.created alongside internal/correlation, grounded on kubernaut's
// use of itchyny/gojq for JSON path extraction.
package jqenrich

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/itchyny/gojq"

	"github.com/arcane-ops/sentryrun/internal/eventbus"
	"github.com/arcane-ops/sentryrun/internal/eventtypes"
	"github.com/arcane-ops/sentryrun/internal/kernel"
)

// ManifestID is this module's registered id.
const ManifestID = "enricher.jq"

// enrichmentType tags this module's output in EnrichmentCompleted.EnrichmentType so
// downstream consumers can tell it apart from correlation's output.
const enrichmentType = "jq"

// Config holds the query this module evaluates against every incident's
// Context map, and the key its result is published under.
type Config struct {
	// Query is a jq expression, e.g. ".pod.name" or ".labels | keys".
	Query string
	// ResultField names the key under EnrichmentCompleted.Data that holds
	// the query's result. Defaults to "jq_result" if empty.
	ResultField string
}

// Enricher is the jq enrichment module. A Config with an empty Query
// disables it: Start still subscribes but Enrich is a no-op, since an
// empty query has no meaningful result to extract.
type Enricher struct {
	cfg   Config
	query *gojq.Query

	bus *eventbus.Bus
	log *slog.Logger
	sub *eventbus.Subscription
}

// New compiles cfg.Query and returns an Enricher. An empty Query disables
// the module; a malformed non-empty Query is a construction error, since a
// bad jq expression can never succeed at runtime.
func New(cfg Config) (*Enricher, error) {
	if cfg.ResultField == "" {
		cfg.ResultField = "jq_result"
	}
	e := &Enricher{cfg: cfg}
	if cfg.Query == "" {
		return e, nil
	}
	q, err := gojq.Parse(cfg.Query)
	if err != nil {
		return nil, fmt.Errorf("jqenrich: parse query %q: %w", cfg.Query, err)
	}
	e.query = q
	return e, nil
}

// Manifest implements kernel.Module.
func (e *Enricher) Manifest() kernel.Manifest {
	return kernel.Manifest{
		ID:          ManifestID,
		Version:     "1.0.0",
		Category:    kernel.CategoryEnricher,
		Description: "Runs a configured jq query against incident context and attaches the result",
	}
}

// Initialize wires the enricher's dependencies from mctx.
func (e *Enricher) Initialize(_ context.Context, mctx *kernel.Context) error {
	e.bus = mctx.Bus
	e.log = mctx.Logger
	return nil
}

// Start subscribes to incident.created.
func (e *Enricher) Start(context.Context) error {
	e.sub = e.bus.Subscribe(eventtypes.TypeIncidentCreated, e.handleIncidentCreated)
	return nil
}

// Stop releases the subscription.
func (e *Enricher) Stop(context.Context) error {
	if e.sub != nil {
		e.sub.Unsubscribe()
	}
	return nil
}

// Destroy is a no-op.
func (e *Enricher) Destroy(context.Context) error { return nil }

// Health reports degraded when no query is configured; the module is
// running but has nothing useful to contribute.
func (e *Enricher) Health(context.Context) kernel.Health {
	if e.query == nil {
		return kernel.Health{Status: kernel.HealthDegraded, Message: "no query configured", LastCheck: time.Now()}
	}
	return kernel.Health{Status: kernel.HealthHealthy, LastCheck: time.Now()}
}

func (e *Enricher) handleIncidentCreated(env eventbus.Envelope) error {
	payload, ok := env.Payload.(eventtypes.IncidentCreated)
	if !ok {
		return fmt.Errorf("jqenrich: unexpected payload type %T", env.Payload)
	}
	e.Enrich(payload, env.CorrelationID)
	return nil
}

// Enrich runs the configured query against incident.Context and publishes
// enrichment.completed. Exported directly so tests can drive it without
// the bus. A query evaluation error is logged and enrichment is skipped;
// one incident's bad data never blocks the stream.
func (e *Enricher) Enrich(incident eventtypes.IncidentCreated, correlationID string) {
	if e.query == nil {
		return
	}

	input := incident.Context
	if input == nil {
		input = map[string]any{}
	}

	result, err := e.eval(input)
	if err != nil {
		e.log.Warn("jq query failed", "incident_id", incident.IncidentID, "query", e.cfg.Query, "error", err)
		return
	}

	e.bus.Publish(eventbus.NewEnvelope(eventtypes.TypeEnrichmentCompleted, ManifestID, correlationID,
		eventtypes.EnrichmentCompleted{
			IncidentID:     incident.IncidentID,
			EnricherModule: ManifestID,
			EnrichmentType: enrichmentType,
			Data:           map[string]any{e.cfg.ResultField: result},
			CompletedAt:    time.Now(),
		}))
}

// eval runs the compiled query against input and collects every emitted
// value. A query emitting zero values returns nil; one emitting a single
// value returns it unwrapped rather than as a one-element slice, which
// matches the common case of a single jq path expression.
func (e *Enricher) eval(input any) (any, error) {
	iter := e.query.Run(input)
	var results []any
	for {
		v, ok := iter.Next()
		if !ok {
			break
		}
		if err, ok := v.(error); ok {
			return nil, err
		}
		results = append(results, v)
	}
	switch len(results) {
	case 0:
		return nil, nil
	case 1:
		return results[0], nil
	default:
		return results, nil
	}
}
