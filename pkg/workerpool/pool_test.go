package workerpool

import (
	"errors"
	"math/rand"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEnqueueRunsTask(t *testing.T) {
	pool := New(2, nil)

	ran := false
	future := pool.Enqueue(func() error {
		ran = true

		return nil
	}, Metadata{})

	require.NoError(t, future.Wait())
	assert.True(t, ran)
}

func TestTaskErrorDeliveredToCallerOnly(t *testing.T) {
	pool := New(1, nil)

	boom := errors.New("boom")
	failed := pool.Enqueue(func() error { return boom }, Metadata{})
	ok := pool.Enqueue(func() error { return nil }, Metadata{})

	assert.ErrorIs(t, failed.Wait(), boom)
	// Sibling unaffected by the failure.
	assert.NoError(t, ok.Wait())

	status := pool.Status()
	assert.Equal(t, int64(1), status.Stats.TotalFailed)
	assert.Equal(t, int64(1), status.Stats.TotalCompleted)
}

func TestConcurrencyBoundNeverExceeded(t *testing.T) {
	const limit = 4

	pool := New(limit, nil)

	var active, peak int64

	var wg sync.WaitGroup

	for i := 0; i < limit*10; i++ {
		wg.Add(1)
		pool.Enqueue(func() error {
			defer wg.Done()

			current := atomic.AddInt64(&active, 1)
			for {
				observed := atomic.LoadInt64(&peak)
				if current <= observed || atomic.CompareAndSwapInt64(&peak, observed, current) {
					break
				}
			}

			time.Sleep(time.Duration(rand.Intn(5)) * time.Millisecond)
			atomic.AddInt64(&active, -1)

			return nil
		}, Metadata{})
	}

	wg.Wait()

	assert.LessOrEqual(t, atomic.LoadInt64(&peak), int64(limit))
	assert.LessOrEqual(t, pool.Status().Stats.PeakConcurrency, limit)
}

func TestSetMaxConcurrentDispatchesWaitingTasks(t *testing.T) {
	pool := New(1, nil)

	release := make(chan struct{})
	pool.Enqueue(func() error { <-release; return nil }, Metadata{})

	started := make(chan struct{})
	second := pool.Enqueue(func() error { close(started); return nil }, Metadata{})

	select {
	case <-started:
		t.Fatal("second task started despite limit 1")
	case <-time.After(50 * time.Millisecond):
	}

	require.NoError(t, pool.SetMaxConcurrent(2))

	select {
	case <-started:
	case <-time.After(time.Second):
		t.Fatal("raising the limit did not dispatch the queued task")
	}

	close(release)
	require.NoError(t, second.Wait())

	assert.Error(t, pool.SetMaxConcurrent(0))
}

func TestDrainQueueRejectsQueuedOnly(t *testing.T) {
	pool := New(1, nil)

	release := make(chan struct{})
	running := pool.Enqueue(func() error { <-release; return nil }, Metadata{})

	queuedA := pool.Enqueue(func() error { return nil }, Metadata{})
	queuedB := pool.Enqueue(func() error { return nil }, Metadata{})

	drained := pool.DrainQueue()
	assert.Equal(t, 2, drained)

	assert.ErrorIs(t, queuedA.Wait(), ErrCancelled)
	assert.ErrorIs(t, queuedB.Wait(), ErrCancelled)

	close(release)
	assert.NoError(t, running.Wait())
}

func TestAwaitIdle(t *testing.T) {
	pool := New(2, nil)

	for i := 0; i < 5; i++ {
		pool.Enqueue(func() error {
			time.Sleep(10 * time.Millisecond)

			return nil
		}, Metadata{})
	}

	require.NoError(t, pool.AwaitIdle(2*time.Second))

	status := pool.Status()
	assert.Equal(t, 0, status.ActiveWorkers)
	assert.Equal(t, 0, status.QueuedTasks)
}

func TestAwaitIdleTimeout(t *testing.T) {
	pool := New(1, nil)

	release := make(chan struct{})
	defer close(release)

	pool.Enqueue(func() error { <-release; return nil }, Metadata{})

	err := pool.AwaitIdle(100 * time.Millisecond)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not idle")
}
