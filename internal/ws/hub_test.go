package ws

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/peagen-io/peagen/internal/models"
	"github.com/peagen-io/peagen/internal/queue"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

func newTestServer(t *testing.T, hub *Hub) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		topics := strings.Split(r.URL.Query().Get("topics"), ",")
		c, err := NewClient(hub, w, r, topics, discardLogger())
		if err != nil {
			return
		}
		c.Run()
	}))
	t.Cleanup(srv.Close)
	return srv
}

func dial(t *testing.T, srv *httptest.Server, topics string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "?topics=" + topics
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readEvent(t *testing.T, conn *websocket.Conn) Event {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var e Event
	require.NoError(t, conn.ReadJSON(&e))
	return e
}

func waitConnected(t *testing.T, hub *Hub, n int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for hub.ConnectedCount() != n {
		if time.Now().After(deadline) {
			t.Fatalf("hub never reached %d clients", n)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestHubRoutesByTopic(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	hub := NewHub()
	go hub.Run(ctx)
	srv := newTestServer(t, hub)

	taskID := uuid.New()
	taskConn := dial(t, srv, TaskTopic(taskID))
	poolConn := dial(t, srv, PoolTopic("default"))
	otherConn := dial(t, srv, TaskTopic(uuid.New()))
	waitConnected(t, hub, 3)

	e := Event{TaskID: taskID, Pool: "default", Status: models.TaskRunning, Seq: 2, Timestamp: time.Now().UTC()}
	hub.Broadcast(e)

	got := readEvent(t, taskConn)
	assert.Equal(t, taskID, got.TaskID)
	assert.Equal(t, models.TaskRunning, got.Status)

	got = readEvent(t, poolConn)
	assert.Equal(t, taskID, got.TaskID)

	// The unrelated subscriber sees nothing.
	require.NoError(t, otherConn.SetReadDeadline(time.Now().Add(200*time.Millisecond)))
	var e2 Event
	assert.Error(t, otherConn.ReadJSON(&e2))
}

func TestHubFirehose(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	hub := NewHub()
	go hub.Run(ctx)
	srv := newTestServer(t, hub)

	conn := dial(t, srv, TopicAll)
	waitConnected(t, hub, 1)

	for i := 0; i < 3; i++ {
		hub.Broadcast(Event{TaskID: uuid.New(), Pool: "default", Status: models.TaskQueued, Seq: 1})
	}
	for i := 0; i < 3; i++ {
		readEvent(t, conn)
	}
}

func TestHubDisconnectsSlowClient(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	hub := NewHub()
	go hub.Run(ctx)
	srv := newTestServer(t, hub)

	conn := dial(t, srv, TopicAll)
	waitConnected(t, hub, 1)

	// Never read from the connection; once the send buffer overflows the
	// hub must drop the client rather than stall.
	for i := 0; i < sendBufferSize*4; i++ {
		hub.Broadcast(Event{TaskID: uuid.New(), Pool: "default", Status: models.TaskQueued, Seq: 1})
	}
	waitConnected(t, hub, 0)

	// Draining the buffered events ends at a close frame carrying the
	// lag code.
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var err error
	for {
		if _, _, err = conn.ReadMessage(); err != nil {
			break
		}
	}
	var closeErr *websocket.CloseError
	require.ErrorAs(t, err, &closeErr)
	assert.Equal(t, CloseLagging, closeErr.Code)
	assert.Equal(t, "lag", closeErr.Text)
}

func TestHubShutdownClosesClients(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	hub := NewHub()
	go hub.Run(ctx)
	srv := newTestServer(t, hub)

	conn := dial(t, srv, TopicAll)
	waitConnected(t, hub, 1)

	cancel()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var e Event
	assert.Error(t, conn.ReadJSON(&e))
}

func TestBridgePumpsQueueEvents(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	hub := NewHub()
	go hub.Run(ctx)
	srv := newTestServer(t, hub)

	q, err := queue.Open(queue.Config{Kind: "in_memory"})
	require.NoError(t, err)
	defer q.Close()

	bridge := NewBridge(hub, q, discardLogger())
	go func() { _ = bridge.Run(ctx) }()
	// Give the bridge time to subscribe before publishing.
	time.Sleep(20 * time.Millisecond)

	taskID := uuid.New()
	conn := dial(t, srv, TaskTopic(taskID))
	waitConnected(t, hub, 1)

	payload, _ := json.Marshal(Event{TaskID: taskID, Pool: "default", Status: models.TaskSucceeded, Seq: 3})
	require.NoError(t, q.Publish(ctx, queue.TaskUpdateChannel, payload))

	got := readEvent(t, conn)
	assert.Equal(t, taskID, got.TaskID)
	assert.Equal(t, models.TaskSucceeded, got.Status)
}
