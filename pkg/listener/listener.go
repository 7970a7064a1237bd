// Package listener holds the dedicated push-notification connection to
// the database. Stage procedures notify an events channel as they run;
// the listener decodes each body and hands it to the dispatcher. The
// connection is exclusive, never shared with query traffic, so a long
// blocking wait cannot starve request-serving connections.
package listener

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/lib/pq"

	"github.com/fundpipe/fundpipe/pkg/log"
	"github.com/fundpipe/fundpipe/pkg/models"
)

const (
	DefaultEventChannel   = "etl_events"
	DefaultControlChannel = "etl_control"
	DefaultReceiveTimeout = 5 * time.Second
	DefaultMaxMessages    = 100

	reconnectMinInterval = 1 * time.Second
	reconnectMaxInterval = 32 * time.Second
)

// MessageHandler consumes decoded queue messages. Implementations must
// not fail outward; the receive loop keeps running regardless of what
// happens downstream.
type MessageHandler interface {
	Process(ctx context.Context, msg *models.QueueMessage)
}

type Config struct {
	ConnStr        string
	EventChannel   string
	ControlChannel string
	ReceiveTimeout time.Duration
	MaxMessages    int
}

func (c *Config) applyDefaults() {
	if c.EventChannel == "" {
		c.EventChannel = DefaultEventChannel
	}

	if c.ControlChannel == "" {
		c.ControlChannel = DefaultControlChannel
	}

	if c.ReceiveTimeout <= 0 {
		c.ReceiveTimeout = DefaultReceiveTimeout
	}

	if c.MaxMessages <= 0 {
		c.MaxMessages = DefaultMaxMessages
	}
}

// Status is the health surface of the listener.
type Status struct {
	IsRunning         bool   `json:"is_running"`
	IsConnected       bool   `json:"is_connected"`
	ReconnectAttempts int    `json:"reconnect_attempts"`
	QueueIdentifier   string `json:"queue_identifier"`
	MessagesReceived  int64  `json:"messages_received"`
}

type QueueListener struct {
	config  Config
	handler MessageHandler
	logger  *slog.Logger

	pqListener *pq.Listener

	mu                sync.Mutex
	running           bool
	connected         bool
	reconnectAttempts int
	messagesReceived  int64
	stop              chan struct{}
	done              chan struct{}
}

func NewQueueListener(config Config, handler MessageHandler) *QueueListener {
	config.applyDefaults()

	return &QueueListener{
		config:  config,
		handler: handler,
		logger:  log.WithModule("queue_listener"),
	}
}

// Start opens the dedicated connection, subscribes both channels and
// launches the receive loop. The initial subscription retries on a
// doubling schedule capped at the maximum interval; once up, the
// underlying connection reconnects itself on the same schedule.
func (l *QueueListener) Start(ctx context.Context) error {
	l.mu.Lock()
	if l.running {
		l.mu.Unlock()

		return nil
	}

	l.running = true
	l.stop = make(chan struct{})
	l.done = make(chan struct{})
	l.pqListener = pq.NewListener(l.config.ConnStr, reconnectMinInterval, reconnectMaxInterval, l.connectionEvent)
	stop := l.stop
	l.mu.Unlock()

	schedule := backoff.NewExponentialBackOff()
	schedule.InitialInterval = reconnectMinInterval
	schedule.MaxInterval = reconnectMaxInterval
	schedule.RandomizationFactor = 0
	schedule.Multiplier = 2

	listen := func() error {
		if err := l.pqListener.Listen(l.config.EventChannel); err != nil && err != pq.ErrChannelAlreadyOpen {
			return err
		}

		if err := l.pqListener.Listen(l.config.ControlChannel); err != nil && err != pq.ErrChannelAlreadyOpen {
			return err
		}

		return nil
	}

	// Stop must be able to interrupt the initial subscription: it
	// closes the connection, which unblocks an in-flight Listen, and
	// cancels the retry context so no further attempt is made.
	retryCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	go func() {
		select {
		case <-stop:
			cancel()
		case <-retryCtx.Done():
		}
	}()

	if err := backoff.Retry(listen, backoff.WithContext(schedule, retryCtx)); err != nil {
		l.markStopped()
		_ = l.pqListener.Close()
		close(l.done)

		return err
	}

	l.logger.Info("listening for queue notifications",
		"channel", l.config.EventChannel, "control", l.config.ControlChannel)

	go l.receiveLoop(ctx)

	return nil
}

// Stop asks the receive loop to exit and closes the connection. It
// blocks until the loop has observed the request.
func (l *QueueListener) Stop() {
	l.mu.Lock()
	if !l.running {
		l.mu.Unlock()

		return
	}

	l.running = false
	close(l.stop)
	done := l.done
	l.mu.Unlock()

	_ = l.pqListener.Close()
	<-done
}

func (l *QueueListener) Status() Status {
	l.mu.Lock()
	defer l.mu.Unlock()

	return Status{
		IsRunning:         l.running,
		IsConnected:       l.connected,
		ReconnectAttempts: l.reconnectAttempts,
		QueueIdentifier:   l.config.EventChannel,
		MessagesReceived:  l.messagesReceived,
	}
}

func (l *QueueListener) connectionEvent(ev pq.ListenerEventType, err error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	switch ev {
	case pq.ListenerEventConnected:
		l.connected = true
	case pq.ListenerEventReconnected:
		l.connected = true
		l.reconnectAttempts = 0
		l.logger.Info("queue connection re-established")
	case pq.ListenerEventDisconnected:
		l.connected = false
		l.logger.Warn("queue connection lost", "error", err)
	case pq.ListenerEventConnectionAttemptFailed:
		l.reconnectAttempts++
		l.logger.Warn("queue reconnection attempt failed",
			"attempt", l.reconnectAttempts, "error", err)
	}
}

func (l *QueueListener) receiveLoop(ctx context.Context) {
	defer close(l.done)

	timeout := time.NewTimer(l.config.ReceiveTimeout)
	defer timeout.Stop()

	for {
		timeout.Reset(l.config.ReceiveTimeout)

		select {
		case <-l.stop:
			return
		case <-ctx.Done():
			return
		case notification := <-l.pqListener.Notify:
			// A nil notification signals a reconnect; subscriptions
			// survive it, nothing to do.
			if notification == nil {
				continue
			}

			l.handleNotification(ctx, notification)
			l.drainPending(ctx)
		case <-timeout.C:
			// Bounded wait expired with nothing queued. Ping so a
			// silently severed connection is detected promptly.
			if err := l.pqListener.Ping(); err != nil {
				l.logger.Warn("queue connection ping failed", "error", err)
			}
		}
	}
}

// drainPending consumes already-delivered notifications without
// blocking, bounded by the configured batch size.
func (l *QueueListener) drainPending(ctx context.Context) {
	for range l.config.MaxMessages - 1 {
		select {
		case notification := <-l.pqListener.Notify:
			if notification == nil {
				return
			}

			l.handleNotification(ctx, notification)
		default:
			return
		}
	}
}

func (l *QueueListener) handleNotification(ctx context.Context, notification *pq.Notification) {
	if notification.Channel == l.config.ControlChannel {
		// System-level traffic: acknowledge locally, never forward.
		l.logger.Debug("control notification", "body", notification.Extra)

		return
	}

	body, err := DecodeBody([]byte(notification.Extra))
	if err != nil {
		l.logger.Error("failed to decode message body", "error", err)

		return
	}

	var msg models.QueueMessage
	if err := json.Unmarshal(body, &msg); err != nil {
		l.logger.Error("malformed queue message, skipping", "error", err)

		return
	}

	if msg.MessageType == "" {
		l.logger.Error("queue message missing type, skipping", "messageID", msg.MessageID)

		return
	}

	l.mu.Lock()
	l.messagesReceived++
	l.mu.Unlock()

	l.handler.Process(ctx, &msg)
}

func (l *QueueListener) markStopped() {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.running = false
}
