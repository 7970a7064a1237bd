package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestExecutor() (*Executor, *[]time.Duration) {
	delays := make([]time.Duration, 0)
	executor := New()
	executor.sleep = func(_ context.Context, d time.Duration) error {
		delays = append(delays, d)

		return nil
	}

	return executor, &delays
}

func TestClassify(t *testing.T) {
	assert.Equal(t, ClassDeadlock, Classify(&pq.Error{Code: "40P01"}))
	assert.Equal(t, ClassLockTimeout, Classify(&pq.Error{Code: "55P03"}))
	assert.Equal(t, ClassQueryTimeout, Classify(&pq.Error{Code: "57014"}))
	assert.Equal(t, ClassTerminal, Classify(&pq.Error{Code: "23505"}))
	assert.Equal(t, ClassTerminal, Classify(errors.New("business rule violated")))

	assert.True(t, ClassDeadlock.Retriable())
	assert.False(t, ClassTerminal.Retriable())
}

func TestDoSucceedsFirstTry(t *testing.T) {
	executor, delays := newTestExecutor()

	calls := 0
	err := executor.Do(context.Background(), func(context.Context) error {
		calls++

		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, 1, calls)
	assert.Empty(t, *delays)
}

func TestDoTerminalFailureNoRetryNoDelay(t *testing.T) {
	executor, delays := newTestExecutor()

	boom := errors.New("constraint violation")
	calls := 0
	err := executor.Do(context.Background(), func(context.Context) error {
		calls++

		return boom
	})

	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 1, calls)
	assert.Empty(t, *delays)
}

func TestDoRetriesWithLinearBackoff(t *testing.T) {
	executor, delays := newTestExecutor()
	executor.BaseDelay = 5 * time.Second

	deadlock := &pq.Error{Code: "40P01"}
	calls := 0
	err := executor.Do(context.Background(), func(context.Context) error {
		calls++
		if calls < 3 {
			return deadlock
		}

		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, 3, calls)
	// Attempt-proportional: 5s then 10s.
	assert.Equal(t, []time.Duration{5 * time.Second, 10 * time.Second}, *delays)
}

func TestDoExhaustionAnnotatesError(t *testing.T) {
	executor, _ := newTestExecutor()

	deadlock := &pq.Error{Code: "40P01"}
	calls := 0
	err := executor.Do(context.Background(), func(context.Context) error {
		calls++

		return deadlock
	})

	require.Error(t, err)
	assert.Equal(t, DefaultMaxAttempts, calls)
	assert.Contains(t, err.Error(), "3 attempts")
	assert.Contains(t, err.Error(), string(ClassDeadlock))
	assert.ErrorIs(t, err, deadlock)
}

func TestDoContextCancelledDuringWait(t *testing.T) {
	executor := New()
	executor.BaseDelay = time.Minute

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	err := executor.Do(ctx, func(context.Context) error {
		return &pq.Error{Code: "40P01"}
	})

	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
}
