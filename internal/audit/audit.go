// Package audit is the append-only audit trail layered atop storage.Store.
// An audit write failure is fatal to the operation that triggered it, so
// no mutating action is ever recorded as having happened without actually
// happening (and vice versa). No code path here removes or mutates a
// stored entry.
package audit

import (
	"context"
	"encoding/json"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/arcane-ops/sentryrun/internal/kerrors"
	"github.com/arcane-ops/sentryrun/internal/storage"
)

// Collection is the reserved system collection audit entries are stored
// under.
const Collection = "audit"

// Entry is a single immutable audit record.
type Entry struct {
	ID            string         `json:"id"`
	Timestamp     time.Time      `json:"timestamp"`
	Action        string         `json:"action"`
	Actor         string         `json:"actor"`
	Target        string         `json:"target,omitempty"`
	Details       map[string]any `json:"details,omitempty"`
	CorrelationID string         `json:"correlation_id,omitempty"`
}

// NewEntry is the caller-supplied shape before id/timestamp assignment.
type NewEntry struct {
	Action        string
	Actor         string
	Target        string
	Details       map[string]any
	CorrelationID string
}

// Filter narrows Query results. Zero values are wildcards.
type Filter struct {
	Action string
	Actor  string
	Since  time.Time
	Until  time.Time
	Limit  int
}

// Log appends audit entries to a namespaced storage.Store (the system
// namespace's "audit" collection) and supports filtered, newest-first
// queries over them.
type Log struct {
	store storage.Store
}

// New creates an audit Log backed by store. store should already be scoped
// to the system namespace (see storage.NewNamespacedStore).
func New(store storage.Store) *Log {
	return &Log{store: store}
}

// Record appends a new audit entry and returns the stored record. A storage
// failure is returned verbatim so callers treat it as fatal to the
// triggering operation.
func (l *Log) Record(ctx context.Context, e NewEntry) (Entry, error) {
	entry := Entry{
		ID:            uuid.New().String(),
		Timestamp:     time.Now(),
		Action:        e.Action,
		Actor:         e.Actor,
		Target:        e.Target,
		Details:       e.Details,
		CorrelationID: e.CorrelationID,
	}

	data, err := json.Marshal(entry)
	if err != nil {
		return Entry{}, kerrors.NewStorageError("audit.record.marshal", err)
	}
	if err := l.store.Set(ctx, Collection, entry.ID, data); err != nil {
		return Entry{}, kerrors.NewStorageError("audit.record", err)
	}
	return entry, nil
}

// Query scans the audit collection, applying filter, and returns matches
// sorted newest-first with filter.Limit applied last.
func (l *Log) Query(ctx context.Context, filter Filter) ([]Entry, error) {
	rawEntries, err := l.store.List(ctx, Collection, storage.ListOptions{})
	if err != nil {
		return nil, kerrors.NewStorageError("audit.query", err)
	}

	matches := make([]Entry, 0, len(rawEntries))
	for _, raw := range rawEntries {
		var e Entry
		if err := json.Unmarshal(raw.Value, &e); err != nil {
			continue
		}
		if filter.Action != "" && e.Action != filter.Action {
			continue
		}
		if filter.Actor != "" && e.Actor != filter.Actor {
			continue
		}
		if !filter.Since.IsZero() && e.Timestamp.Before(filter.Since) {
			continue
		}
		if !filter.Until.IsZero() && e.Timestamp.After(filter.Until) {
			continue
		}
		matches = append(matches, e)
	}

	sort.Slice(matches, func(i, j int) bool {
		return matches[i].Timestamp.After(matches[j].Timestamp)
	})

	if filter.Limit > 0 && len(matches) > filter.Limit {
		matches = matches[:filter.Limit]
	}
	return matches, nil
}
