// Package eventtypes is the well-known event vocabulary.
// Each constant names a wire-level event type; the accompanying struct is
// the typed payload publishers attach to the envelope for that type. This
// replaces the original system's duck-typed payload bags with a
// runtime-checked, tagged-variant registry per the redesign note in §9.
package eventtypes

import "time"

// Event type constants, matching the wire-level names.
const (
	TypeLogIngested        = "log.ingested"
	TypeIncidentCreated     = "incident.created"
	TypeIncidentUpdated     = "incident.updated"
	TypeIncidentStorm       = "incident.storm"
	TypeActionProposed      = "action.proposed"
	TypeActionApproved      = "action.approved"
	TypeActionExecuted      = "action.executed"
	TypeEnrichmentCompleted = "enrichment.completed"
	TypeModuleLifecycle     = "module.lifecycle"
)

// Severity is the incident severity scale.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// ActionResult is the outcome of an executed action.
type ActionResult string

const (
	ActionResultSuccess ActionResult = "success"
	ActionResultFailure ActionResult = "failure"
)

// LogIngested is the payload for TypeLogIngested.
type LogIngested struct {
	Source     string
	Line       string
	LineNumber int
	IngestedAt time.Time
	Encoding   string
	Metadata   map[string]any
}

// IncidentCreated is the payload for TypeIncidentCreated.
type IncidentCreated struct {
	IncidentID  string
	Title       string
	Description string
	Severity    Severity
	DetectedBy  string
	SourceEvent string
	DetectedAt  time.Time
	Context     map[string]any
}

// IncidentUpdated is the payload for TypeIncidentUpdated.
type IncidentUpdated struct {
	IncidentID string
	Field      string
	OldValue   any
	NewValue   any
	UpdatedBy  string
	UpdatedAt  time.Time
}

// IncidentStorm is the payload for TypeIncidentStorm.
type IncidentStorm struct {
	GroupID       string
	RootIncidentID string
	MemberCount   int
	Severity      Severity
	Source        string
	TimeWindowMs  int64
	Titles        []string
}

// ActionProposed is the payload for TypeActionProposed (the full approval
// request, defined in package approval).
type ActionProposed struct {
	RequestID   string
	ActionType  string
	Description string
	Reasoning   string
	RequestedBy string
	RequestedAt time.Time
	Metadata    map[string]any
}

// ActionApproved is the payload for TypeActionApproved.
type ActionApproved struct {
	RequestID   string
	TokenID     string
	ApprovedBy  string
}

// ActionExecuted is the payload for TypeActionExecuted.
type ActionExecuted struct {
	RequestID  string
	TokenID    string
	ActionType string
	Result     ActionResult
	Output     string
	ExecutedBy string
	ExecutedAt time.Time
}

// EnrichmentCompleted is the payload for TypeEnrichmentCompleted. GroupID,
// RootIncidentID, MemberCount and Storm are populated by the correlation
// engine's enrichment (EnrichmentType "correlation"); other enrichers leave
// them zero and carry their output in Data.
type EnrichmentCompleted struct {
	IncidentID     string
	EnricherModule string
	EnrichmentType string
	Data           map[string]any
	CompletedAt    time.Time
	GroupID        string
	RootIncidentID string
	MemberCount    int
	Storm          bool
}

// ModuleLifecycle is the payload for TypeModuleLifecycle.
type ModuleLifecycle struct {
	ModuleID string
	State    string
	Error    string
}
