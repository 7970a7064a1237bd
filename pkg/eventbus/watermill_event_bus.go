package eventbus

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/fundpipe/fundpipe/pkg/events"
)

// WatermillEventBus dispatches typed events over a watermill
// publisher/subscriber pair. Handlers for the same event type run in
// registration order; a failing handler is logged and never prevents
// the remaining handlers from running. The stage executors of many
// funds publish against a single shared bus.
type WatermillEventBus struct {
	publisher  message.Publisher
	subscriber message.Subscriber
	logger     *slog.Logger

	mu            sync.RWMutex
	subscriptions map[events.EventType][]EventHandler
}

func NewWatermillEventBus(pub message.Publisher, sub message.Subscriber, logger *slog.Logger) *WatermillEventBus {
	return &WatermillEventBus{
		publisher:     pub,
		subscriber:    sub,
		logger:        logger,
		subscriptions: make(map[events.EventType][]EventHandler),
	}
}

func (eb *WatermillEventBus) GenerateID() string {
	return watermill.NewULID()
}

func (eb *WatermillEventBus) Publish(ctx context.Context, key string, event Event) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return err
	}

	msg := message.NewMessage("msg-"+eb.GenerateID(), payload)
	msg.Metadata.Set(events.EventMetadataKey, key)
	msg.Metadata.Set(events.EventTypeMetadataKey, string(event.GetType()))

	return eb.publisher.Publish(events.Topic, msg)
}

// Handle registers a handler for an event type. Multiple handlers per
// type are allowed and run in registration order.
func (eb *WatermillEventBus) Handle(eventType events.EventType, handler EventHandler) {
	eb.mu.Lock()
	defer eb.mu.Unlock()

	eb.subscriptions[eventType] = append(eb.subscriptions[eventType], handler)
}

func (eb *WatermillEventBus) Subscribe(ctx context.Context) error {
	messages, err := eb.subscriber.Subscribe(ctx, events.Topic)
	if err != nil {
		return err
	}

	go func() {
		for msg := range messages {
			eb.dispatch(ctx, msg)
			msg.Ack()
		}
	}()

	return nil
}

func (eb *WatermillEventBus) dispatch(ctx context.Context, msg *message.Message) {
	eventType := events.EventType(msg.Metadata.Get(events.EventTypeMetadataKey))

	eb.mu.RLock()
	handlers := append([]EventHandler(nil), eb.subscriptions[eventType]...)
	eb.mu.RUnlock()

	if len(handlers) == 0 {
		return
	}

	event := newEvent(eventType)
	if event == nil {
		eb.logger.Warn("unknown event type on bus", "eventType", eventType)

		return
	}

	if err := json.Unmarshal(msg.Payload, event); err != nil {
		eb.logger.Error("failed to decode event payload", "eventType", eventType, "error", err)

		return
	}

	for _, handler := range handlers {
		if err := handler(ctx, event); err != nil {
			// Fire-and-forget: one consumer's failure must not starve
			// the others or crash the emitter.
			eb.logger.Error("event handler failed", "eventType", eventType, "error", err)
		}
	}
}

// newEvent is the single decode point for the closed event set.
func newEvent(eventType events.EventType) any {
	switch eventType {
	case events.StageStartedEvent:
		return &events.StageStarted{}
	case events.StageFinishedEvent:
		return &events.StageFinished{}
	case events.StageFailedEvent:
		return &events.StageFailed{}
	case events.StageWarningEvent:
		return &events.StageWarning{}
	case events.StageSkippedEvent:
		return &events.StageSkipped{}
	case events.RetryExhaustedEvent:
		return &events.RetryExhausted{}
	case events.StandByActivatedEvent:
		return &events.StandByActivated{}
	case events.CheckpointEvent:
		return &events.Checkpoint{}
	case events.ProcessStartedEvent:
		return &events.ProcessStarted{}
	case events.ProcessFinishedEvent:
		return &events.ProcessFinished{}
	case events.ExecutionStartedEvent:
		return &events.ExecutionStarted{}
	case events.ExecutionFinishedEvent:
		return &events.ExecutionFinished{}
	default:
		return nil
	}
}

func (eb *WatermillEventBus) Close() error {
	if err := eb.publisher.Close(); err != nil {
		return err
	}

	return eb.subscriber.Close()
}
