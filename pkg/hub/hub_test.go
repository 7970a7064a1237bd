package hub

import (
	"context"
	"encoding/json"
	"errors"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubSnapshots struct {
	err error
}

func (s *stubSnapshots) Snapshot(_ context.Context, executionID int64) (any, error) {
	if s.err != nil {
		return nil, s.err
	}

	return map[string]any{"execution_id": executionID, "state": "IN_PROGRESS"}, nil
}

func dialTestHub(t *testing.T, h *SubscriptionHub) *websocket.Conn {
	t.Helper()

	server := httptest.NewServer(h)
	t.Cleanup(server.Close)

	url := "ws" + strings.TrimPrefix(server.URL, "http")

	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })

	return conn
}

func readEvent(t *testing.T, conn *websocket.Conn) Event {
	t.Helper()

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))

	_, raw, err := conn.ReadMessage()
	require.NoError(t, err)

	var event Event
	require.NoError(t, json.Unmarshal(raw, &event))

	return event
}

func sendAction(t *testing.T, conn *websocket.Conn, messageType string, executionID int64) {
	t.Helper()

	msg := ClientMessage{Type: messageType}
	msg.Data.ExecutionID = executionID

	require.NoError(t, conn.WriteJSON(msg))
}

func waitForStats(t *testing.T, h *SubscriptionHub, cond func(Stats) bool) {
	t.Helper()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond(h.Stats()) {
			return
		}

		time.Sleep(10 * time.Millisecond)
	}

	t.Fatalf("stats condition not met, last: %+v", h.Stats())
}

func TestHub_ConnectSendsConnected(t *testing.T) {
	h := NewSubscriptionHub(&stubSnapshots{})
	defer h.Close()

	conn := dialTestHub(t, h)

	event := readEvent(t, conn)
	assert.Equal(t, EventConnected, event.Type)
	assert.NotEmpty(t, event.Meta.MessageID)
}

func TestHub_SubscribeSendsInitialState(t *testing.T) {
	h := NewSubscriptionHub(&stubSnapshots{})
	defer h.Close()

	conn := dialTestHub(t, h)
	readEvent(t, conn) // CONNECTED

	sendAction(t, conn, ActionSubscribe, 7)

	assert.Equal(t, EventSubscribed, readEvent(t, conn).Type)

	initial := readEvent(t, conn)
	assert.Equal(t, EventInitialState, initial.Type)

	data, ok := initial.Data.(map[string]any)
	require.True(t, ok)
	assert.EqualValues(t, 7, data["execution_id"])
}

type ctxRecordingSnapshots struct {
	mu      sync.Mutex
	ctxErrs []error
}

func (s *ctxRecordingSnapshots) Snapshot(ctx context.Context, executionID int64) (any, error) {
	s.mu.Lock()
	s.ctxErrs = append(s.ctxErrs, ctx.Err())
	s.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	return map[string]any{"execution_id": executionID}, nil
}

func TestHub_SnapshotContextOutlivesUpgradeRequest(t *testing.T) {
	snapshots := &ctxRecordingSnapshots{}
	h := NewSubscriptionHub(snapshots)
	defer h.Close()

	conn := dialTestHub(t, h)
	readEvent(t, conn) // CONNECTED

	// By now ServeHTTP has long returned and the upgrade request's
	// context is dead. The snapshot read must not be.
	time.Sleep(100 * time.Millisecond)
	sendAction(t, conn, ActionSubscribe, 7)

	assert.Equal(t, EventSubscribed, readEvent(t, conn).Type)
	assert.Equal(t, EventInitialState, readEvent(t, conn).Type)

	snapshots.mu.Lock()
	defer snapshots.mu.Unlock()
	require.Len(t, snapshots.ctxErrs, 1)
	assert.NoError(t, snapshots.ctxErrs[0])
}

func TestHub_SnapshotFailureStillSubscribes(t *testing.T) {
	h := NewSubscriptionHub(&stubSnapshots{err: errors.New("store down")})
	defer h.Close()

	conn := dialTestHub(t, h)
	readEvent(t, conn) // CONNECTED

	sendAction(t, conn, ActionSubscribe, 7)
	assert.Equal(t, EventSubscribed, readEvent(t, conn).Type)

	waitForStats(t, h, func(s Stats) bool { return s.TotalSubscriptions == 1 })
}

func TestHub_EmitToExecutionIsolation(t *testing.T) {
	h := NewSubscriptionHub(&stubSnapshots{})
	defer h.Close()

	watcher := dialTestHub(t, h)
	readEvent(t, watcher) // CONNECTED
	sendAction(t, watcher, ActionSubscribe, 1)
	readEvent(t, watcher) // SUBSCRIBED
	readEvent(t, watcher) // INITIAL_STATE

	bystander := dialTestHub(t, h)
	readEvent(t, bystander) // CONNECTED
	sendAction(t, bystander, ActionSubscribe, 2)
	readEvent(t, bystander) // SUBSCRIBED
	readEvent(t, bystander) // INITIAL_STATE

	h.EmitToExecution(1, NewEvent("SP_START", map[string]string{"stage": "load_positions"}))

	got := readEvent(t, watcher)
	assert.Equal(t, "SP_START", got.Type)

	require.NoError(t, bystander.SetReadDeadline(time.Now().Add(200*time.Millisecond)))
	_, _, err := bystander.ReadMessage()
	assert.Error(t, err, "bystander must not receive events for execution 1")
}

func TestHub_EmitToExecutionWithoutSubscribersIsNoop(t *testing.T) {
	h := NewSubscriptionHub(&stubSnapshots{})
	defer h.Close()

	h.EmitToExecution(99, NewEvent("SP_START", nil))

	assert.Zero(t, h.Stats().TotalSubscriptions)
}

func TestHub_UnsubscribeDropsEmptyIndex(t *testing.T) {
	h := NewSubscriptionHub(&stubSnapshots{})
	defer h.Close()

	conn := dialTestHub(t, h)
	readEvent(t, conn) // CONNECTED
	sendAction(t, conn, ActionSubscribe, 5)
	readEvent(t, conn) // SUBSCRIBED
	readEvent(t, conn) // INITIAL_STATE

	waitForStats(t, h, func(s Stats) bool { return s.PerExecution[5] == 1 })

	sendAction(t, conn, ActionUnsubscribe, 5)
	assert.Equal(t, EventUnsubscribed, readEvent(t, conn).Type)

	waitForStats(t, h, func(s Stats) bool {
		_, present := s.PerExecution[5]

		return !present && s.TotalSubscriptions == 0
	})
}

func TestHub_PingPong(t *testing.T) {
	h := NewSubscriptionHub(&stubSnapshots{})
	defer h.Close()

	conn := dialTestHub(t, h)
	readEvent(t, conn) // CONNECTED

	sendAction(t, conn, ActionPing, 0)
	assert.Equal(t, EventPong, readEvent(t, conn).Type)
}

func TestHub_UnknownActionReturnsError(t *testing.T) {
	h := NewSubscriptionHub(&stubSnapshots{})
	defer h.Close()

	conn := dialTestHub(t, h)
	readEvent(t, conn) // CONNECTED

	sendAction(t, conn, "REWIND", 0)
	assert.Equal(t, EventError, readEvent(t, conn).Type)
}

func TestHub_Broadcast(t *testing.T) {
	h := NewSubscriptionHub(&stubSnapshots{})
	defer h.Close()

	first := dialTestHub(t, h)
	readEvent(t, first) // CONNECTED
	second := dialTestHub(t, h)
	readEvent(t, second) // CONNECTED

	h.Broadcast(NewEvent("SYSTEM", map[string]string{"message": "maintenance window"}))

	assert.Equal(t, "SYSTEM", readEvent(t, first).Type)
	assert.Equal(t, "SYSTEM", readEvent(t, second).Type)
}

func TestHub_DisconnectCleansSubscriptions(t *testing.T) {
	h := NewSubscriptionHub(&stubSnapshots{})
	defer h.Close()

	conn := dialTestHub(t, h)
	readEvent(t, conn) // CONNECTED
	sendAction(t, conn, ActionSubscribe, 3)
	readEvent(t, conn) // SUBSCRIBED
	readEvent(t, conn) // INITIAL_STATE

	waitForStats(t, h, func(s Stats) bool { return s.TotalConnections == 1 })

	require.NoError(t, conn.Close())

	waitForStats(t, h, func(s Stats) bool {
		return s.TotalConnections == 0 && s.TotalSubscriptions == 0
	})
}
