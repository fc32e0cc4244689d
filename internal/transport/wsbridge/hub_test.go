package wsbridge

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arcane-ops/sentryrun/internal/eventbus"
	"github.com/arcane-ops/sentryrun/internal/eventtypes"
)

func testLogger() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func setupTestHub(t *testing.T) (*Hub, *eventbus.Bus, *httptest.Server) {
	t.Helper()
	bus := eventbus.New(nil)
	hub := New(bus, testLogger(), 2*time.Second)
	hub.Start([]string{eventtypes.TypeIncidentCreated})

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{InsecureSkipVerify: true})
		if err != nil {
			return
		}
		hub.HandleConnection(r.Context(), conn)
	}))
	t.Cleanup(server.Close)
	t.Cleanup(hub.Stop)
	return hub, bus, server
}

func connectWS(t *testing.T, server *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + server.URL[len("http"):]
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, _, err := websocket.Dial(ctx, url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close(websocket.StatusNormalClosure, "") })
	return conn
}

func TestHandleConnectionRegistersAndCounts(t *testing.T) {
	hub, _, server := setupTestHub(t)
	connectWS(t, server)

	require.Eventually(t, func() bool { return hub.ActiveConnections() == 1 }, time.Second, 10*time.Millisecond)
}

func TestBroadcastDeliversSubscribedEventType(t *testing.T) {
	hub, bus, server := setupTestHub(t)
	conn := connectWS(t, server)
	require.Eventually(t, func() bool { return hub.ActiveConnections() == 1 }, time.Second, 10*time.Millisecond)

	bus.Publish(eventbus.NewEnvelope(eventtypes.TypeIncidentCreated, "detector.threshold", "corr-1",
		eventtypes.IncidentCreated{IncidentID: "inc-1", Title: "High CPU"}))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, data, err := conn.Read(ctx)
	require.NoError(t, err)

	var msg wireEvent
	require.NoError(t, json.Unmarshal(data, &msg))
	assert.Equal(t, eventtypes.TypeIncidentCreated, msg.Type)
	assert.Equal(t, "corr-1", msg.CorrelationID)
}

func TestBroadcastIgnoresUnsubscribedEventType(t *testing.T) {
	hub, bus, _ := setupTestHub(t)
	bus.Publish(eventbus.NewEnvelope(eventtypes.TypeActionProposed, "test", "", eventtypes.ActionProposed{}))
	// No subscriber for action.proposed: broadcast has nothing to iterate,
	// which is simply a no-op with zero connected clients.
	assert.Equal(t, 0, hub.ActiveConnections())
}

func TestUnregisterOnDisconnect(t *testing.T) {
	hub, _, server := setupTestHub(t)
	conn := connectWS(t, server)
	require.Eventually(t, func() bool { return hub.ActiveConnections() == 1 }, time.Second, 10*time.Millisecond)

	conn.Close(websocket.StatusNormalClosure, "")
	require.Eventually(t, func() bool { return hub.ActiveConnections() == 0 }, time.Second, 10*time.Millisecond)
}

func TestStopReleasesSubscriptions(t *testing.T) {
	hub, bus, server := setupTestHub(t)
	conn := connectWS(t, server)
	require.Eventually(t, func() bool { return hub.ActiveConnections() == 1 }, time.Second, 10*time.Millisecond)

	hub.Stop()
	bus.Publish(eventbus.NewEnvelope(eventtypes.TypeIncidentCreated, "test", "", eventtypes.IncidentCreated{IncidentID: "inc-2"}))

	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()
	_, _, err := conn.Read(ctx)
	assert.Error(t, err)
}
