package main

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/fundpipe/fundpipe/pkg/cmd"
	"github.com/fundpipe/fundpipe/pkg/config"
	"github.com/fundpipe/fundpipe/pkg/dispatcher"
	"github.com/fundpipe/fundpipe/pkg/hub"
	"github.com/fundpipe/fundpipe/pkg/listener"
	"github.com/fundpipe/fundpipe/pkg/log"
	"github.com/fundpipe/fundpipe/pkg/orchestrator"
	"github.com/fundpipe/fundpipe/pkg/scheduler"
	"github.com/fundpipe/fundpipe/pkg/stage"
	"github.com/fundpipe/fundpipe/pkg/tracking"
	"github.com/fundpipe/fundpipe/pkg/web"
	cli "github.com/urfave/cli/v3"
)

// NewServeCommand wires the full service: the REST API, the WebSocket
// hub, the queue listener and, optionally, the cron scheduler.
func NewServeCommand() *cli.Command {
	return &cli.Command{
		Name:  "serve",
		Usage: "Run the pipeline API, event distribution and scheduler",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:     "database-url",
				Usage:    "Database connection URL for persistence and the notification queue",
				Required: true,
				Sources:  cli.EnvVars("DATABASE_URL"),
			},
			&cli.StringFlag{
				Name:     "stage-config",
				Usage:    "Path to the pipeline stage configuration file",
				Required: true,
				Sources:  cli.EnvVars("STAGE_CONFIG"),
			},
			&cli.IntFlag{
				Name:    "port",
				Usage:   "HTTP API port",
				Value:   8080,
				Sources: cli.EnvVars("PORT"),
			},
			&cli.IntFlag{
				Name:    "ws-port",
				Usage:   "WebSocket hub port",
				Value:   8081,
				Sources: cli.EnvVars("WS_PORT"),
			},
			&cli.StringFlag{
				Name:    "event-bus",
				Usage:   "Event bus type (kafka or memory)",
				Value:   "memory",
				Sources: cli.EnvVars("EVENT_BUS_TYPE"),
			},
			&cli.StringFlag{
				Name:    "cron-schedule",
				Usage:   "Cron expression for automatic nightly runs (disabled when empty)",
				Value:   "",
				Sources: cli.EnvVars("CRON_SCHEDULE"),
			},
			&cli.StringFlag{
				Name:    "log-level",
				Usage:   "Log level (debug, info, warn, error)",
				Value:   "info",
				Sources: cli.EnvVars("LOG_LEVEL"),
			},
		},
		Action: runServe,
	}
}

func runServe(ctx context.Context, command *cli.Command) error {
	log.Setup(command.String("log-level"))
	logger := log.WithModule("serve")

	logger.InfoContext(ctx, "Initializing fundpipe")

	pipeline, err := config.LoadPipeline(command.String("stage-config"))
	if err != nil {
		return err
	}

	databaseURL := command.String("database-url")

	store := cmd.NewStore(ctx, logger, databaseURL)
	defer func() {
		if err := store.Close(ctx); err != nil {
			logger.ErrorContext(ctx, "Failed to close store", "error", err)
		}
	}()

	eventBus := cmd.NewEventBus(command.String("event-bus"), logger)
	defer func() {
		if err := eventBus.Close(); err != nil {
			logger.ErrorContext(ctx, "Failed to close event bus", "error", err)
		}
	}()

	tracker := tracking.NewTracker(store)
	tracker.Register(eventBus)

	go func() {
		if err := eventBus.Subscribe(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logger.ErrorContext(ctx, "Event subscription stopped", "error", err)
		}
	}()

	executor := stage.NewExecutor(stage.SQLDatabase{DB: store.DB()}, store, eventBus, &stage.SQLInvoker{})

	orch, err := orchestrator.New(store, eventBus, executor, pipeline.Stages, pipeline.MaxConcurrentFunds)
	if err != nil {
		return err
	}

	subscriptionHub := hub.NewSubscriptionHub(tracker)
	defer subscriptionHub.Close()

	messageDispatcher := dispatcher.NewMessageDispatcher(subscriptionHub)

	queueListener := listener.NewQueueListener(listener.Config{ConnStr: databaseURL}, messageDispatcher)

	go func() {
		if err := queueListener.Start(ctx); err != nil {
			logger.ErrorContext(ctx, "Queue listener stopped", "error", err)
		}
	}()
	defer queueListener.Stop()

	if expression := command.String("cron-schedule"); expression != "" {
		sched := scheduler.New(orch)
		if err := sched.Schedule(ctx, expression); err != nil {
			return err
		}

		defer sched.Stop()
	}

	wsServer := serveHub(ctx, logger, subscriptionHub, command.Int("ws-port"))
	defer shutdownHTTP(logger, wsServer)

	handlers := web.NewAPIHandlers(store, orch, queueListener, subscriptionHub, messageDispatcher)
	app := web.NewApp(handlers)

	go func() {
		<-ctx.Done()
		logger.Info("Shutting down API server")

		if err := app.ShutdownWithTimeout(10 * time.Second); err != nil {
			logger.Error("API shutdown failed", "error", err)
		}
	}()

	if err := app.Listen(":" + strconv.Itoa(command.Int("port"))); err != nil {
		return err
	}

	return nil
}

// serveHub runs the WebSocket hub on its own listener. The hub needs
// connection hijacking, which fiber's fasthttp transport does not
// support, so it gets a plain net/http server.
func serveHub(ctx context.Context, logger *slog.Logger, subscriptionHub *hub.SubscriptionHub, port int) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/ws", subscriptionHub)

	server := &http.Server{
		Addr:              ":" + strconv.Itoa(port),
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("WebSocket server stopped", "error", err)
		}
	}()

	return server
}

func shutdownHTTP(logger *slog.Logger, server *http.Server) {
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("WebSocket shutdown failed", "error", err)
	}
}
