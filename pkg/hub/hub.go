// Package hub fans pipeline events out to observer connections over
// WebSocket. Observers subscribe per execution; events for executions
// nobody watches are dropped without any work.
package hub

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/fundpipe/fundpipe/pkg/log"
)

const (
	// Client action verbs.
	ActionSubscribe   = "SUBSCRIBE"
	ActionUnsubscribe = "UNSUBSCRIBE"
	ActionPing        = "PING"

	// Server event types.
	EventConnected    = "CONNECTED"
	EventSubscribed   = "SUBSCRIBED"
	EventUnsubscribed = "UNSUBSCRIBED"
	EventInitialState = "INITIAL_STATE"
	EventPong         = "PONG"
	EventError        = "ERROR"

	heartbeatInterval = 30 * time.Second
	livenessTimeout   = 60 * time.Second
	writeWait         = 10 * time.Second
	sendBuffer        = 64
)

// ClientMessage is what observers send. It shares the {type, data}
// framing of outbound events.
type ClientMessage struct {
	Type string `json:"type"`
	Data struct {
		ExecutionID int64 `json:"execution_id"`
	} `json:"data,omitempty"`
}

// Meta rides along with every outbound event.
type Meta struct {
	MessageID  string `json:"message_id"`
	Timestamp  string `json:"timestamp,omitempty"`
	ServerTime string `json:"server_time"`
}

// Event is the outbound envelope.
type Event struct {
	Type string `json:"type"`
	Data any    `json:"data,omitempty"`
	Meta Meta   `json:"meta"`
}

// NewEvent stamps an envelope with id and server time.
func NewEvent(eventType string, data any) Event {
	return Event{
		Type: eventType,
		Data: data,
		Meta: Meta{
			MessageID:  uuid.New().String(),
			ServerTime: time.Now().UTC().Format(time.RFC3339Nano),
		},
	}
}

// SnapshotProvider supplies the one-time state snapshot a new
// subscriber receives so it need not wait for the next incremental
// event.
type SnapshotProvider interface {
	Snapshot(ctx context.Context, executionID int64) (any, error)
}

// Stats is the health surface of the hub.
type Stats struct {
	TotalConnections   int           `json:"total_connections"`
	TotalSubscriptions int           `json:"total_subscriptions"`
	PerExecution       map[int64]int `json:"per_execution"`
}

type client struct {
	id     string
	conn   *websocket.Conn
	send   chan []byte
	cancel context.CancelFunc

	mu            sync.Mutex
	lastSeen      time.Time
	closed        bool
	subscriptions map[int64]struct{}
}

// enqueue hands a payload to the write pump without blocking. It
// reports false when the buffer is full, meaning the observer cannot
// keep up.
func (c *client) enqueue(payload []byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return true
	}

	select {
	case c.send <- payload:
		return true
	default:
		return false
	}
}

func (c *client) shutdown() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return
	}

	c.closed = true
	close(c.send)
}

func (c *client) touch() {
	c.mu.Lock()
	c.lastSeen = time.Now()
	c.mu.Unlock()
}

func (c *client) stale(cutoff time.Time) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.lastSeen.Before(cutoff)
}

// SubscriptionHub tracks observer connections and their per-execution
// subscriptions.
type SubscriptionHub struct {
	upgrader  websocket.Upgrader
	snapshots SnapshotProvider
	logger    *slog.Logger

	mu            sync.RWMutex
	clients       map[string]*client
	subscriptions map[int64]map[string]*client

	stop     chan struct{}
	stopOnce sync.Once
}

func NewSubscriptionHub(snapshots SnapshotProvider) *SubscriptionHub {
	h := &SubscriptionHub{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		snapshots:     snapshots,
		logger:        log.WithModule("subscription_hub"),
		clients:       make(map[string]*client),
		subscriptions: make(map[int64]map[string]*client),
		stop:          make(chan struct{}),
	}

	go h.heartbeat()

	return h
}

// ServeHTTP upgrades the connection and registers the observer.
func (h *SubscriptionHub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", "error", err)

		return
	}

	// The request context dies when ServeHTTP returns, but the
	// connection outlives it. Snapshot reads triggered by later
	// SUBSCRIBE messages need a context scoped to the connection.
	ctx, cancel := context.WithCancel(context.Background())

	c := &client{
		id:            uuid.New().String(),
		conn:          conn,
		send:          make(chan []byte, sendBuffer),
		cancel:        cancel,
		lastSeen:      time.Now(),
		subscriptions: make(map[int64]struct{}),
	}

	conn.SetPongHandler(func(string) error {
		c.touch()

		return nil
	})

	h.mu.Lock()
	h.clients[c.id] = c
	h.mu.Unlock()

	h.logger.Info("observer connected", "clientID", c.id)

	go h.writePump(c)
	go h.readPump(ctx, c)

	h.deliver(c, NewEvent(EventConnected, map[string]string{"connection_id": c.id}))
}

func (h *SubscriptionHub) readPump(ctx context.Context, c *client) {
	defer h.unregister(c)

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			return
		}

		c.touch()

		var msg ClientMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			h.deliver(c, NewEvent(EventError, map[string]string{"error": "malformed message"}))

			continue
		}

		switch msg.Type {
		case ActionSubscribe:
			h.Subscribe(ctx, c.id, msg.Data.ExecutionID)
		case ActionUnsubscribe:
			h.Unsubscribe(c.id, msg.Data.ExecutionID)
		case ActionPing:
			h.deliver(c, NewEvent(EventPong, nil))
		default:
			h.deliver(c, NewEvent(EventError, map[string]string{"error": "unknown message type: " + msg.Type}))
		}
	}
}

// writePump is the only writer on the connection; pings share it so
// data frames and control frames never interleave.
func (h *SubscriptionHub) writePump(c *client) {
	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case payload, ok := <-c.send:
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				_ = c.conn.Close()

				return
			}

			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// Subscribe adds the client to the execution's reverse index and sends
// the initial state snapshot.
func (h *SubscriptionHub) Subscribe(ctx context.Context, clientID string, executionID int64) {
	h.mu.Lock()
	c, ok := h.clients[clientID]
	if !ok {
		h.mu.Unlock()

		return
	}

	c.mu.Lock()
	c.subscriptions[executionID] = struct{}{}
	c.mu.Unlock()

	if h.subscriptions[executionID] == nil {
		h.subscriptions[executionID] = make(map[string]*client)
	}

	h.subscriptions[executionID][clientID] = c
	h.mu.Unlock()

	h.deliver(c, NewEvent(EventSubscribed, map[string]int64{"execution_id": executionID}))

	if h.snapshots != nil {
		snapshot, err := h.snapshots.Snapshot(ctx, executionID)
		if err != nil {
			h.logger.Warn("snapshot unavailable for new subscriber",
				"executionID", executionID, "error", err)

			return
		}

		h.deliver(c, NewEvent(EventInitialState, snapshot))
	}
}

// Unsubscribe removes the client from the execution's reverse index,
// dropping the index entry if it becomes empty.
func (h *SubscriptionHub) Unsubscribe(clientID string, executionID int64) {
	h.mu.Lock()
	c, ok := h.clients[clientID]
	if ok {
		c.mu.Lock()
		delete(c.subscriptions, executionID)
		c.mu.Unlock()
	}

	if subscribers, found := h.subscriptions[executionID]; found {
		delete(subscribers, clientID)
		if len(subscribers) == 0 {
			delete(h.subscriptions, executionID)
		}
	}
	h.mu.Unlock()

	if ok {
		h.deliver(c, NewEvent(EventUnsubscribed, map[string]int64{"execution_id": executionID}))
	}
}

// EmitToExecution delivers an event to every subscriber of one
// execution. With no subscribers it returns before doing any encoding.
func (h *SubscriptionHub) EmitToExecution(executionID int64, event Event) {
	h.mu.RLock()
	subscribers := h.subscriptions[executionID]
	if len(subscribers) == 0 {
		h.mu.RUnlock()

		return
	}

	targets := make([]*client, 0, len(subscribers))
	for _, c := range subscribers {
		targets = append(targets, c)
	}
	h.mu.RUnlock()

	payload, err := json.Marshal(event)
	if err != nil {
		h.logger.Error("failed to encode event", "error", err)

		return
	}

	for _, c := range targets {
		h.send(c, payload)
	}
}

// Broadcast delivers an event to every connected observer.
func (h *SubscriptionHub) Broadcast(event Event) {
	h.mu.RLock()
	targets := make([]*client, 0, len(h.clients))
	for _, c := range h.clients {
		targets = append(targets, c)
	}
	h.mu.RUnlock()

	if len(targets) == 0 {
		return
	}

	payload, err := json.Marshal(event)
	if err != nil {
		h.logger.Error("failed to encode event", "error", err)

		return
	}

	for _, c := range targets {
		h.send(c, payload)
	}
}

func (h *SubscriptionHub) Stats() Stats {
	h.mu.RLock()
	defer h.mu.RUnlock()

	stats := Stats{
		TotalConnections: len(h.clients),
		PerExecution:     make(map[int64]int, len(h.subscriptions)),
	}

	for executionID, subscribers := range h.subscriptions {
		stats.PerExecution[executionID] = len(subscribers)
		stats.TotalSubscriptions += len(subscribers)
	}

	return stats
}

// Close stops the heartbeat and disconnects every observer.
func (h *SubscriptionHub) Close() {
	h.stopOnce.Do(func() { close(h.stop) })

	h.mu.Lock()
	clients := make([]*client, 0, len(h.clients))
	for _, c := range h.clients {
		clients = append(clients, c)
	}

	h.clients = make(map[string]*client)
	h.subscriptions = make(map[int64]map[string]*client)
	h.mu.Unlock()

	for _, c := range clients {
		c.shutdown()
	}
}

func (h *SubscriptionHub) deliver(c *client, event Event) {
	payload, err := json.Marshal(event)
	if err != nil {
		h.logger.Error("failed to encode event", "error", err)

		return
	}

	h.send(c, payload)
}

// send is non-blocking: a slow observer whose buffer has filled is
// dropped rather than allowed to stall the pipeline.
func (h *SubscriptionHub) send(c *client, payload []byte) {
	if !c.enqueue(payload) {
		h.logger.Warn("observer too slow, dropping", "clientID", c.id)
		go h.unregister(c)
	}
}

func (h *SubscriptionHub) unregister(c *client) {
	h.mu.Lock()
	if _, ok := h.clients[c.id]; !ok {
		h.mu.Unlock()

		return
	}

	delete(h.clients, c.id)

	c.mu.Lock()
	executions := make([]int64, 0, len(c.subscriptions))
	for executionID := range c.subscriptions {
		executions = append(executions, executionID)
	}
	c.mu.Unlock()

	for _, executionID := range executions {
		if subscribers, found := h.subscriptions[executionID]; found {
			delete(subscribers, c.id)
			if len(subscribers) == 0 {
				delete(h.subscriptions, executionID)
			}
		}
	}
	h.mu.Unlock()

	c.shutdown()

	if c.cancel != nil {
		c.cancel()
	}

	h.logger.Info("observer disconnected", "clientID", c.id)
}

func (h *SubscriptionHub) heartbeat() {
	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-h.stop:
			return
		case <-ticker.C:
			h.cullStale()
		}
	}
}

func (h *SubscriptionHub) cullStale() {
	cutoff := time.Now().Add(-livenessTimeout)

	h.mu.RLock()
	targets := make([]*client, 0, len(h.clients))
	for _, c := range h.clients {
		targets = append(targets, c)
	}
	h.mu.RUnlock()

	for _, c := range targets {
		if c.stale(cutoff) {
			h.logger.Warn("observer unresponsive, closing", "clientID", c.id)
			_ = c.conn.Close()
			h.unregister(c)
		}
	}
}
