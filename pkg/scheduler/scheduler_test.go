package scheduler

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fundpipe/fundpipe/pkg/models"
	"github.com/fundpipe/fundpipe/pkg/persistence"
)

type fakeLauncher struct {
	mu    sync.Mutex
	dates []string
	users []string
	err   error
}

func (l *fakeLauncher) Launch(_ context.Context, reportDate, initiatedBy string) (*models.Process, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.dates = append(l.dates, reportDate)
	l.users = append(l.users, initiatedBy)

	if l.err != nil {
		return nil, l.err
	}

	return &models.Process{ID: 1, ReportDate: reportDate, State: models.ProcessCompleted}, nil
}

func TestSchedule_RejectsInvalidExpression(t *testing.T) {
	s := New(&fakeLauncher{})
	defer s.Stop()

	err := s.Schedule(context.Background(), "not a cron line")
	require.Error(t, err)
}

func TestRunOnce_LaunchesWithPreviousDay(t *testing.T) {
	launcher := &fakeLauncher{}
	s := New(launcher)

	s.runOnce(context.Background())

	require.Len(t, launcher.dates, 1)
	assert.Equal(t, time.Now().AddDate(0, 0, -1).Format("2006-01-02"), launcher.dates[0])
	assert.Equal(t, "scheduler", launcher.users[0])
}

func TestRunOnce_CustomReportDate(t *testing.T) {
	launcher := &fakeLauncher{}
	s := New(launcher)
	s.SetReportDateFunc(func(time.Time) string { return "2026-08-28" })

	s.runOnce(context.Background())

	require.Len(t, launcher.dates, 1)
	assert.Equal(t, "2026-08-28", launcher.dates[0])
}

func TestRunOnce_AlreadyRunningIsNotFatal(t *testing.T) {
	launcher := &fakeLauncher{err: persistence.ErrProcessAlreadyRunning}
	s := New(launcher)

	s.runOnce(context.Background())
	s.runOnce(context.Background())

	assert.Len(t, launcher.dates, 2)
}
