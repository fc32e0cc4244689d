// Package slack is the best-effort Slack notifier module: it posts a
// message when action.proposed or incident.storm is published. Nil-safe
// when unconfigured, fail-open on send errors (logged, never raised),
// consistent with the swallowed-with-log policy every notification
// collaborator follows.
package slack

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	goslack "github.com/slack-go/slack"

	"github.com/arcane-ops/sentryrun/internal/eventbus"
	"github.com/arcane-ops/sentryrun/internal/eventtypes"
	"github.com/arcane-ops/sentryrun/internal/kernel"
)

// ManifestID is this module's registered id.
const ManifestID = "notifier.slack"

const sendTimeout = 5 * time.Second

// Notifier is the Slack notifier module. It is safe to run with no token
// or channel configured: Initialize leaves it disabled and every send is
// then a no-op logged once at startup.
type Notifier struct {
	api     *goslack.Client
	channel string
	enabled bool

	bus  *eventbus.Bus
	log  *slog.Logger
	subs []*eventbus.Subscription
}

// New creates an unconfigured Notifier; Initialize reads its token/channel
// from the module's configuration section.
func New() *Notifier { return &Notifier{} }

// Manifest implements kernel.Module.
func (n *Notifier) Manifest() kernel.Manifest {
	return kernel.Manifest{
		ID:          ManifestID,
		Version:     "1.0.0",
		Category:    kernel.CategoryNotifier,
		Description: "Posts action.proposed and incident.storm notifications to Slack",
	}
}

// Initialize reads "token" and "channel" from the module config section.
// Both must be present to enable sending; otherwise the module stays
// disabled rather than failing startup.
func (n *Notifier) Initialize(_ context.Context, mctx *kernel.Context) error {
	n.bus = mctx.Bus
	n.log = mctx.Logger

	token, _ := mctx.Config["token"].(string)
	channel, _ := mctx.Config["channel"].(string)
	if token != "" && channel != "" {
		n.api = goslack.New(token)
		n.channel = channel
		n.enabled = true
	} else {
		n.log.Warn("slack notifier disabled: no token/channel configured")
	}
	return nil
}

// Start subscribes to action.proposed and incident.storm.
func (n *Notifier) Start(context.Context) error {
	n.subs = append(n.subs,
		n.bus.Subscribe(eventtypes.TypeActionProposed, n.handleActionProposed),
		n.bus.Subscribe(eventtypes.TypeIncidentStorm, n.handleIncidentStorm),
	)
	return nil
}

// Stop releases every subscription.
func (n *Notifier) Stop(context.Context) error {
	for _, s := range n.subs {
		s.Unsubscribe()
	}
	n.subs = nil
	return nil
}

// Destroy is a no-op.
func (n *Notifier) Destroy(context.Context) error { return nil }

// Health reports degraded (not unhealthy) when disabled: the runtime is
// fully functional without Slack, just quieter.
func (n *Notifier) Health(context.Context) kernel.Health {
	if !n.enabled {
		return kernel.Health{Status: kernel.HealthDegraded, Message: "no token/channel configured", LastCheck: time.Now()}
	}
	return kernel.Health{Status: kernel.HealthHealthy, LastCheck: time.Now()}
}

func (n *Notifier) handleActionProposed(env eventbus.Envelope) error {
	payload, ok := env.Payload.(eventtypes.ActionProposed)
	if !ok {
		return fmt.Errorf("slack notifier: unexpected payload type %T", env.Payload)
	}
	n.post(fmt.Sprintf(":rotating_light: *Action proposed*: %s\n%s\nrequested by %s",
		payload.ActionType, payload.Description, payload.RequestedBy))
	return nil
}

func (n *Notifier) handleIncidentStorm(env eventbus.Envelope) error {
	payload, ok := env.Payload.(eventtypes.IncidentStorm)
	if !ok {
		return fmt.Errorf("slack notifier: unexpected payload type %T", env.Payload)
	}
	n.post(fmt.Sprintf(":tornado: *Incident storm*: %d related incidents from %s (severity %s)",
		payload.MemberCount, payload.Source, payload.Severity))
	return nil
}

// post is fail-open: a send error is logged, never propagated to the bus.
func (n *Notifier) post(text string) {
	if !n.enabled {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), sendTimeout)
	defer cancel()

	_, _, err := n.api.PostMessageContext(ctx, n.channel, goslack.MsgOptionText(text, false))
	if err != nil {
		n.log.Error("slack send failed", "error", err)
	}
}
