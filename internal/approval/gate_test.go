package approval

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arcane-ops/sentryrun/internal/audit"
	"github.com/arcane-ops/sentryrun/internal/eventbus"
	"github.com/arcane-ops/sentryrun/internal/eventtypes"
	"github.com/arcane-ops/sentryrun/internal/kerrors"
	"github.com/arcane-ops/sentryrun/internal/storage/memstore"
)

func newGate() (*Gate, *eventbus.Bus) {
	store := memstore.New()
	auditLog := audit.New(store)
	bus := eventbus.New(nil)
	return New(store, auditLog, bus), bus
}

func TestApprovalRoundTrip(t *testing.T) {
	ctx := context.Background()
	g, bus := newGate()

	var proposed, approved bool
	bus.Subscribe(eventtypes.TypeActionProposed, func(eventbus.Envelope) error { proposed = true; return nil })
	bus.Subscribe(eventtypes.TypeActionApproved, func(eventbus.Envelope) error { approved = true; return nil })

	req, err := g.RequestApproval(ctx, NewRequest{
		ActionType: "restart.service", Description: "Restart nginx",
		Reasoning: "Down", RequestedBy: "test",
	})
	require.NoError(t, err)
	assert.Equal(t, StatusPending, req.Status)

	token, err := g.Approve(ctx, req.ID, "admin")
	require.NoError(t, err)

	valid, err := g.ValidateToken(ctx, token.ID)
	require.NoError(t, err)
	assert.True(t, valid)

	status, err := g.GetStatus(ctx, req.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusApproved, status)

	assert.True(t, proposed)
	assert.True(t, approved)

	entries, err := g.audit.Query(ctx, audit.Filter{})
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "action.approved", entries[0].Action)
	assert.Equal(t, "action.requested", entries[1].Action)
}

func TestDeniedCannotBeApproved(t *testing.T) {
	ctx := context.Background()
	g, _ := newGate()

	req, err := g.RequestApproval(ctx, NewRequest{ActionType: "x", RequestedBy: "test"})
	require.NoError(t, err)

	require.NoError(t, g.Deny(ctx, req.ID, "admin", "no"))

	_, err = g.Approve(ctx, req.ID, "admin")
	require.Error(t, err)
	assert.True(t, kerrors.IsSecurityError(err))
	assert.Contains(t, err.Error(), "denied")

	status, err := g.GetStatus(ctx, req.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusDenied, status)
}

func TestApprovedCannotBeDenied(t *testing.T) {
	ctx := context.Background()
	g, _ := newGate()

	req, err := g.RequestApproval(ctx, NewRequest{ActionType: "x", RequestedBy: "test"})
	require.NoError(t, err)
	_, err = g.Approve(ctx, req.ID, "admin")
	require.NoError(t, err)

	err = g.Deny(ctx, req.ID, "admin", "too late")
	require.Error(t, err)
	assert.True(t, kerrors.IsSecurityError(err))
}

func TestTokenExpiryInvalidatesAndReconciles(t *testing.T) {
	ctx := context.Background()
	g, _ := newGate()

	req, err := g.RequestApproval(ctx, NewRequest{ActionType: "x", RequestedBy: "test"})
	require.NoError(t, err)
	token, err := g.Approve(ctx, req.ID, "admin")
	require.NoError(t, err)

	// Force expiry by rewriting the stored token with a past expiresAt.
	stored, ok, err := g.loadToken(ctx, token.ID)
	require.NoError(t, err)
	require.True(t, ok)
	stored.ExpiresAt = time.Now().Add(-time.Minute)
	require.NoError(t, g.saveToken(ctx, stored))

	valid, err := g.ValidateToken(ctx, token.ID)
	require.NoError(t, err)
	assert.False(t, valid)

	status, err := g.GetStatus(ctx, req.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusExpired, status)
}

func TestValidateTokenUnknownID(t *testing.T) {
	ctx := context.Background()
	g, _ := newGate()
	valid, err := g.ValidateToken(ctx, "ghost")
	require.NoError(t, err)
	assert.False(t, valid)
}

func TestApproveUnknownRequest(t *testing.T) {
	ctx := context.Background()
	g, _ := newGate()
	_, err := g.Approve(ctx, "ghost", "admin")
	require.Error(t, err)
	assert.True(t, kerrors.IsSecurityError(err))
}
