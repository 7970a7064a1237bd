// Package cmd provides common initialization for the command-line
// entrypoints.
package cmd

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/ThreeDotsLabs/watermill"

	"github.com/fundpipe/fundpipe/pkg/channels/gochannel"
	"github.com/fundpipe/fundpipe/pkg/channels/kafka"
	"github.com/fundpipe/fundpipe/pkg/eventbus"
	"github.com/fundpipe/fundpipe/pkg/persistence/postgres"
)

// NewEventBus creates the event bus for the given provider. The
// in-memory channel is the default; Kafka is selected for multi-node
// deployments.
func NewEventBus(provider string, logger *slog.Logger) eventbus.EventBus {
	switch provider {
	case "kafka":
		pub, sub, err := kafka.CreateChannel(watermill.NewSlogLogger(logger), "fundpipe")
		if err != nil {
			panic(fmt.Errorf("failed to create Kafka pub/sub: %w", err))
		}

		return eventbus.NewWatermillEventBus(pub, sub, logger)
	case "", "memory":
		pub, sub, err := gochannel.CreateChannel(watermill.NewSlogLogger(logger))
		if err != nil {
			panic(fmt.Errorf("failed to create in-memory pub/sub: %w", err))
		}

		return eventbus.NewWatermillEventBus(pub, sub, logger)
	default:
		panic("Unsupported event bus provider: " + provider)
	}
}

// NewStore opens the Postgres store and runs pending migrations.
func NewStore(ctx context.Context, logger *slog.Logger, databaseURL string) *postgres.Store {
	store, err := postgres.NewStore(ctx, logger, databaseURL)
	if err != nil {
		panic(fmt.Errorf("failed to initialize store: %w", err))
	}

	return store
}
