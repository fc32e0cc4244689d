// Package wsbridge is a best-effort fan-out of event bus traffic to
// connected operator-UI websockets. It is not the interactive console
// itself — just the event-delivery seam a console would sit behind.
// There is no channel-subscribe/catchup protocol: no durable event log
// sits behind a connection here, only the live bus, so a connected client
// simply receives everything published from the moment it connects. Each
// connection gets its own registry entry and a best-effort, per-connection
// write-timeout send.
package wsbridge

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/arcane-ops/sentryrun/internal/eventbus"
)

const defaultWriteTimeout = 5 * time.Second

// wireEvent is the JSON shape delivered to every connected client.
type wireEvent struct {
	Type          string `json:"type"`
	Source        string `json:"source"`
	Timestamp     string `json:"timestamp"`
	CorrelationID string `json:"correlation_id,omitempty"`
	Payload       any    `json:"payload"`
}

type connection struct {
	id     string
	conn   *websocket.Conn
	ctx    context.Context
	cancel context.CancelFunc
}

// Hub fans bus events out to every connected websocket. One Hub per
// process, shared across all connections.
type Hub struct {
	mu    sync.RWMutex
	conns map[string]*connection

	bus          *eventbus.Bus
	log          *slog.Logger
	writeTimeout time.Duration
	subs         []*eventbus.Subscription
}

// New creates a Hub. writeTimeout <= 0 uses defaultWriteTimeout.
func New(bus *eventbus.Bus, log *slog.Logger, writeTimeout time.Duration) *Hub {
	if log == nil {
		log = slog.Default()
	}
	if writeTimeout <= 0 {
		writeTimeout = defaultWriteTimeout
	}
	return &Hub{
		conns:        make(map[string]*connection),
		bus:          bus,
		log:          log,
		writeTimeout: writeTimeout,
	}
}

// Start subscribes the hub to every event type in eventTypes, broadcasting
// each to all connected clients as it is published.
func (h *Hub) Start(eventTypes []string) {
	for _, t := range eventTypes {
		h.subs = append(h.subs, h.bus.Subscribe(t, h.handle))
	}
}

// Stop releases every subscription. Connected clients are left open; the
// caller closes them separately via HandleConnection's deferred cleanup.
func (h *Hub) Stop() {
	for _, s := range h.subs {
		s.Unsubscribe()
	}
	h.subs = nil
}

func (h *Hub) handle(env eventbus.Envelope) error {
	h.broadcast(env)
	return nil
}

// HandleConnection registers conn and blocks until it closes or parentCtx
// is done. There is no client->server protocol: this is a read-only feed,
// so the read loop exists only to detect disconnection.
func (h *Hub) HandleConnection(parentCtx context.Context, conn *websocket.Conn) {
	ctx, cancel := context.WithCancel(parentCtx)
	c := &connection{id: uuid.New().String(), conn: conn, ctx: ctx, cancel: cancel}

	h.register(c)
	defer h.unregister(c)

	for {
		if _, _, err := conn.Read(ctx); err != nil {
			return
		}
	}
}

// ActiveConnections returns the number of currently connected clients.
func (h *Hub) ActiveConnections() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.conns)
}

func (h *Hub) broadcast(env eventbus.Envelope) {
	data, err := json.Marshal(wireEvent{
		Type:          env.Type,
		Source:        env.Source,
		Timestamp:     env.Timestamp.Format(time.RFC3339Nano),
		CorrelationID: env.CorrelationID,
		Payload:       env.Payload,
	})
	if err != nil {
		h.log.Error("wsbridge: marshal event failed", "event_type", env.Type, "error", err)
		return
	}

	h.mu.RLock()
	conns := make([]*connection, 0, len(h.conns))
	for _, c := range h.conns {
		conns = append(conns, c)
	}
	h.mu.RUnlock()

	for _, c := range conns {
		if err := h.send(c, data); err != nil {
			h.log.Warn("wsbridge: send failed", "connection_id", c.id, "error", err)
		}
	}
}

func (h *Hub) send(c *connection, data []byte) error {
	ctx, cancel := context.WithTimeout(c.ctx, h.writeTimeout)
	defer cancel()
	return c.conn.Write(ctx, websocket.MessageText, data)
}

func (h *Hub) register(c *connection) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.conns[c.id] = c
}

func (h *Hub) unregister(c *connection) {
	h.mu.Lock()
	delete(h.conns, c.id)
	h.mu.Unlock()
	c.cancel()
	_ = c.conn.Close(websocket.StatusNormalClosure, "")
}
