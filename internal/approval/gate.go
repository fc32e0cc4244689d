// Package approval implements the mandatory request -> decision -> token ->
// validation state machine every mutating action traverses.
// Nothing that mutates external state may run without a fresh, validated
// token obtained through this gate.
package approval

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/arcane-ops/sentryrun/internal/audit"
	"github.com/arcane-ops/sentryrun/internal/eventbus"
	"github.com/arcane-ops/sentryrun/internal/eventtypes"
	"github.com/arcane-ops/sentryrun/internal/kerrors"
	"github.com/arcane-ops/sentryrun/internal/storage"
)

// TokenTTL is the fixed lifetime of an approval token.
const TokenTTL = 15 * time.Minute

// RequestsCollection and TokensCollection are the system collections
// approval state lives in.
const (
	RequestsCollection = "approval_requests"
	TokensCollection   = "approval_tokens"
)

// Status is a request's position in the approval state machine.
type Status string

const (
	StatusPending  Status = "pending"
	StatusApproved Status = "approved"
	StatusDenied   Status = "denied"
	StatusExpired  Status = "expired"
)

// Request is the mutable approval record. Status is its only mutable field.
type Request struct {
	ID            string         `json:"id"`
	ActionType    string         `json:"action_type"`
	Description   string         `json:"description"`
	Reasoning     string         `json:"reasoning"`
	RequestedBy   string         `json:"requested_by"`
	RequestedAt   time.Time      `json:"requested_at"`
	Status        Status         `json:"status"`
	DenialReason  string         `json:"denial_reason,omitempty"`
	Metadata      map[string]any `json:"metadata,omitempty"`
	CorrelationID string         `json:"-"`
}

// NewRequest is the caller-supplied shape before id/timestamp assignment.
type NewRequest struct {
	ActionType    string
	Description   string
	Reasoning     string
	RequestedBy   string
	Metadata      map[string]any
	CorrelationID string
}

// Token is the immutable, time-bounded proof that a specific request was
// approved.
type Token struct {
	ID          string    `json:"id"`
	RequestID   string    `json:"request_id"`
	ApprovedBy  string    `json:"approved_by"`
	ApprovedAt  time.Time `json:"approved_at"`
	ExpiresAt   time.Time `json:"expires_at"`
}

// Gate is the approval state machine, backed by a namespaced storage.Store,
// the audit log, and the event bus.
type Gate struct {
	store storage.Store
	audit *audit.Log
	bus   *eventbus.Bus
}

// New creates a Gate. store should be scoped to the system namespace.
func New(store storage.Store, auditLog *audit.Log, bus *eventbus.Bus) *Gate {
	return &Gate{store: store, audit: auditLog, bus: bus}
}

// RequestApproval assigns an id and timestamp, stores the request as
// pending, audits action.requested, publishes action.proposed, and returns
// the full record. A failed audit write fails the whole
// operation and suppresses the publish.
func (g *Gate) RequestApproval(ctx context.Context, req NewRequest) (Request, error) {
	r := Request{
		ID:            uuid.New().String(),
		ActionType:    req.ActionType,
		Description:   req.Description,
		Reasoning:     req.Reasoning,
		RequestedBy:   req.RequestedBy,
		RequestedAt:   time.Now(),
		Status:        StatusPending,
		Metadata:      req.Metadata,
		CorrelationID: req.CorrelationID,
	}

	if err := g.save(ctx, r); err != nil {
		return Request{}, err
	}

	if _, err := g.audit.Record(ctx, audit.NewEntry{
		Action:        "action.requested",
		Actor:         r.RequestedBy,
		Target:        r.ID,
		CorrelationID: r.CorrelationID,
		Details:       map[string]any{"action_type": r.ActionType},
	}); err != nil {
		return Request{}, err
	}

	g.bus.Publish(eventbus.NewEnvelope(eventtypes.TypeActionProposed, "approval", r.CorrelationID,
		eventtypes.ActionProposed{
			RequestID: r.ID, ActionType: r.ActionType, Description: r.Description,
			Reasoning: r.Reasoning, RequestedBy: r.RequestedBy, RequestedAt: r.RequestedAt,
			Metadata: r.Metadata,
		}))

	return r, nil
}

// Approve transitions requestID from pending to approved, mints a token
// with a fixed TTL, audits action.approved, and publishes action.approved.
// Fails with a *kerrors.SecurityError if the request is absent or not
// pending.
func (g *Gate) Approve(ctx context.Context, requestID, approvedBy string) (Token, error) {
	r, err := g.load(ctx, requestID)
	if err != nil {
		return Token{}, err
	}
	if r.Status != StatusPending {
		return Token{}, kerrors.NewSecurityError("approve", "request is in state "+string(r.Status))
	}

	r.Status = StatusApproved
	if err := g.save(ctx, r); err != nil {
		return Token{}, err
	}

	token := Token{
		ID:         uuid.New().String(),
		RequestID:  r.ID,
		ApprovedBy: approvedBy,
		ApprovedAt: time.Now(),
		ExpiresAt:  time.Now().Add(TokenTTL),
	}
	if err := g.saveToken(ctx, token); err != nil {
		return Token{}, err
	}

	if _, err := g.audit.Record(ctx, audit.NewEntry{
		Action:        "action.approved",
		Actor:         approvedBy,
		Target:        r.ID,
		CorrelationID: r.CorrelationID,
		Details:       map[string]any{"token_id": token.ID},
	}); err != nil {
		return Token{}, err
	}

	g.bus.Publish(eventbus.NewEnvelope(eventtypes.TypeActionApproved, "approval", r.CorrelationID,
		eventtypes.ActionApproved{RequestID: r.ID, TokenID: token.ID, ApprovedBy: approvedBy}))

	return token, nil
}

// Deny transitions requestID from pending to denied. Fails with a
// *kerrors.SecurityError if the request is absent or not pending.
func (g *Gate) Deny(ctx context.Context, requestID, deniedBy, reason string) error {
	r, err := g.load(ctx, requestID)
	if err != nil {
		return err
	}
	if r.Status != StatusPending {
		return kerrors.NewSecurityError("deny", "request is in state "+string(r.Status))
	}

	r.Status = StatusDenied
	r.DenialReason = reason
	if err := g.save(ctx, r); err != nil {
		return err
	}

	if _, err := g.audit.Record(ctx, audit.NewEntry{
		Action:        "action.denied",
		Actor:         deniedBy,
		Target:        r.ID,
		CorrelationID: r.CorrelationID,
		Details:       map[string]any{"reason": reason},
	}); err != nil {
		return err
	}
	return nil
}

// InspectStatus is a pure read of a request's current status: it never
// mutates storage, even if the associated token has expired. See
// ReconcileStatus for the mutating counterpart, and GetStatus for the
// composition this gate implements.
func (g *Gate) InspectStatus(ctx context.Context, requestID string) (Status, error) {
	r, err := g.load(ctx, requestID)
	if err != nil {
		return "", err
	}
	return r.Status, nil
}

// ReconcileStatus transitions an approved request whose token has expired
// to expired, persisting the change. No-op for any other status.
func (g *Gate) ReconcileStatus(ctx context.Context, requestID string) (Status, error) {
	r, err := g.load(ctx, requestID)
	if err != nil {
		return "", err
	}
	if r.Status != StatusApproved {
		return r.Status, nil
	}

	token, ok, err := g.loadTokenForRequest(ctx, requestID)
	if err != nil {
		return "", err
	}
	if !ok || time.Now().Before(token.ExpiresAt) {
		return r.Status, nil
	}

	r.Status = StatusExpired
	if err := g.save(ctx, r); err != nil {
		return "", err
	}
	return r.Status, nil
}

// GetStatus returns a request's current status. For approved requests
// whose token has expired, it first transitions the persisted status to
// expired as a side effect (a deliberate resolution of an open design question).
func (g *Gate) GetStatus(ctx context.Context, requestID string) (Status, error) {
	return g.ReconcileStatus(ctx, requestID)
}

// ValidateToken succeeds iff a token with token.ID exists in storage, its
// referenced request matches, the stored expiry is in the future, and the
// referenced request's current status is still approved.
func (g *Gate) ValidateToken(ctx context.Context, tokenID string) (bool, error) {
	stored, ok, err := g.loadToken(ctx, tokenID)
	if err != nil {
		return false, err
	}
	if !ok {
		return false, nil
	}
	if time.Now().After(stored.ExpiresAt) {
		return false, nil
	}

	r, err := g.load(ctx, stored.RequestID)
	if err != nil {
		return false, nil
	}
	return r.Status == StatusApproved, nil
}

func (g *Gate) save(ctx context.Context, r Request) error {
	data, err := json.Marshal(r)
	if err != nil {
		return kerrors.NewStorageError("approval.save.marshal", err)
	}
	if err := g.store.Set(ctx, RequestsCollection, r.ID, data); err != nil {
		return kerrors.NewStorageError("approval.save", err)
	}
	return nil
}

func (g *Gate) load(ctx context.Context, requestID string) (Request, error) {
	data, ok, err := g.store.Get(ctx, RequestsCollection, requestID)
	if err != nil {
		return Request{}, kerrors.NewStorageError("approval.load", err)
	}
	if !ok {
		return Request{}, kerrors.NewSecurityError("load", "request not found")
	}
	var r Request
	if err := json.Unmarshal(data, &r); err != nil {
		return Request{}, kerrors.NewStorageError("approval.load.unmarshal", err)
	}
	return r, nil
}

func (g *Gate) saveToken(ctx context.Context, t Token) error {
	data, err := json.Marshal(t)
	if err != nil {
		return kerrors.NewStorageError("approval.save_token.marshal", err)
	}
	if err := g.store.Set(ctx, TokensCollection, t.ID, data); err != nil {
		return kerrors.NewStorageError("approval.save_token", err)
	}
	return nil
}

func (g *Gate) loadToken(ctx context.Context, tokenID string) (Token, bool, error) {
	data, ok, err := g.store.Get(ctx, TokensCollection, tokenID)
	if err != nil {
		return Token{}, false, kerrors.NewStorageError("approval.load_token", err)
	}
	if !ok {
		return Token{}, false, nil
	}
	var t Token
	if err := json.Unmarshal(data, &t); err != nil {
		return Token{}, false, kerrors.NewStorageError("approval.load_token.unmarshal", err)
	}
	return t, true, nil
}

func (g *Gate) loadTokenForRequest(ctx context.Context, requestID string) (Token, bool, error) {
	entries, err := g.store.List(ctx, TokensCollection, storage.ListOptions{})
	if err != nil {
		return Token{}, false, kerrors.NewStorageError("approval.load_token_for_request", err)
	}
	for _, e := range entries {
		var t Token
		if err := json.Unmarshal(e.Value, &t); err != nil {
			continue
		}
		if t.RequestID == requestID {
			return t, true, nil
		}
	}
	return Token{}, false, nil
}
