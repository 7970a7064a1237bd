package main

import (
	"context"
	"time"

	"github.com/fundpipe/fundpipe/pkg/cmd"
	"github.com/fundpipe/fundpipe/pkg/config"
	"github.com/fundpipe/fundpipe/pkg/log"
	"github.com/fundpipe/fundpipe/pkg/orchestrator"
	"github.com/fundpipe/fundpipe/pkg/stage"
	cli "github.com/urfave/cli/v3"
)

// NewRunCommand launches a single pipeline run and waits for it to
// settle. Useful for reruns and operator-driven backfills.
func NewRunCommand() *cli.Command {
	return &cli.Command{
		Name:  "run",
		Usage: "Launch one pipeline run for a report date and wait for it",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:     "database-url",
				Usage:    "Database connection URL for persistence",
				Required: true,
				Sources:  cli.EnvVars("DATABASE_URL"),
			},
			&cli.StringFlag{
				Name:     "stage-config",
				Usage:    "Path to the pipeline stage configuration file",
				Required: true,
				Sources:  cli.EnvVars("STAGE_CONFIG"),
			},
			&cli.StringFlag{
				Name:  "report-date",
				Usage: "Report date to process (YYYY-MM-DD, defaults to yesterday)",
				Value: "",
			},
			&cli.StringFlag{
				Name:  "initiated-by",
				Usage: "Operator name recorded on the run",
				Value: "cli",
			},
			&cli.StringFlag{
				Name:    "event-bus",
				Usage:   "Event bus type (kafka or memory)",
				Value:   "memory",
				Sources: cli.EnvVars("EVENT_BUS_TYPE"),
			},
			&cli.StringFlag{
				Name:    "log-level",
				Usage:   "Log level (debug, info, warn, error)",
				Value:   "info",
				Sources: cli.EnvVars("LOG_LEVEL"),
			},
		},
		Action: runOnce,
	}
}

func runOnce(ctx context.Context, command *cli.Command) error {
	log.Setup(command.String("log-level"))
	logger := log.WithModule("run")

	pipeline, err := config.LoadPipeline(command.String("stage-config"))
	if err != nil {
		return err
	}

	store := cmd.NewStore(ctx, logger, command.String("database-url"))
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

	executor := stage.NewExecutor(stage.SQLDatabase{DB: store.DB()}, store, eventBus, &stage.SQLInvoker{})

	orch, err := orchestrator.New(store, eventBus, executor, pipeline.Stages, pipeline.MaxConcurrentFunds)
	if err != nil {
		return err
	}

	reportDate := command.String("report-date")
	if reportDate == "" {
		reportDate = time.Now().AddDate(0, 0, -1).Format("2006-01-02")
	}

	process, err := orch.Launch(ctx, reportDate, command.String("initiated-by"))
	if err != nil {
		return err
	}

	logger.InfoContext(ctx, "Run finished",
		"processId", process.ID,
		"reportDate", process.ReportDate,
		"state", process.State,
		"fundsOk", process.FundsOK,
		"fundsError", process.FundsError,
		"fundsStandBy", process.FundsStandBy,
	)

	return nil
}
