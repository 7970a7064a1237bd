// Package scheduler launches the daily run on a cron schedule.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/fundpipe/fundpipe/pkg/log"
	"github.com/fundpipe/fundpipe/pkg/models"
	"github.com/fundpipe/fundpipe/pkg/persistence"
)

const launchedBy = "scheduler"

// Launcher starts one orchestrated run for a report date. Satisfied by
// the orchestrator.
type Launcher interface {
	Launch(ctx context.Context, reportDate, initiatedBy string) (*models.Process, error)
}

// ReportDateFunc derives the report date a scheduled run covers.
// Defaults to the previous calendar day.
type ReportDateFunc func(now time.Time) string

func previousDay(now time.Time) string {
	return now.AddDate(0, 0, -1).Format("2006-01-02")
}

// Scheduler wraps a cron entry around the launcher.
type Scheduler struct {
	cron       *cron.Cron
	launcher   Launcher
	reportDate ReportDateFunc
	logger     *slog.Logger
}

func New(launcher Launcher) *Scheduler {
	return &Scheduler{
		cron:       cron.New(),
		launcher:   launcher,
		reportDate: previousDay,
		logger:     log.WithModule("scheduler"),
	}
}

// SetReportDateFunc overrides how the report date is derived.
func (s *Scheduler) SetReportDateFunc(fn ReportDateFunc) {
	s.reportDate = fn
}

// Schedule registers the daily launch under the given cron expression
// and starts the cron loop.
func (s *Scheduler) Schedule(ctx context.Context, expression string) error {
	_, err := s.cron.AddFunc(expression, func() {
		s.runOnce(ctx)
	})
	if err != nil {
		return fmt.Errorf("invalid cron expression %q: %w", expression, err)
	}

	s.cron.Start()
	s.logger.Info("scheduled daily run", "expression", expression)

	return nil
}

func (s *Scheduler) runOnce(ctx context.Context) {
	reportDate := s.reportDate(time.Now())

	s.logger.Info("launching scheduled run", "reportDate", reportDate)

	process, err := s.launcher.Launch(ctx, reportDate, launchedBy)
	if err != nil {
		if errors.Is(err, persistence.ErrProcessAlreadyRunning) {
			s.logger.Warn("run already in progress, skipping", "reportDate", reportDate)

			return
		}

		s.logger.Error("scheduled run failed", "reportDate", reportDate, "error", err)

		return
	}

	s.logger.Info("scheduled run finished",
		"processID", process.ID, "state", process.State)
}

// Stop halts the cron loop and waits for a running job to return.
func (s *Scheduler) Stop() {
	stopCtx := s.cron.Stop()
	<-stopCtx.Done()
}
