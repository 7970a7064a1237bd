// Package workerpool bounds how many fund-level tasks run concurrently.
// Tasks queue FIFO; a finishing task immediately admits the next one.
package workerpool

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// ErrCancelled is delivered to queued tasks rejected by DrainQueue.
var ErrCancelled = errors.New("task cancelled: queue drained")

// Metadata carries context for logging, not behavior.
type Metadata struct {
	FundID     int
	ReportDate string
}

// Future resolves with the task's outcome once it has run.
type Future struct {
	done chan struct{}
	err  error
}

func newFuture() *Future {
	return &Future{done: make(chan struct{})}
}

func (f *Future) resolve(err error) {
	f.err = err
	close(f.done)
}

// Wait blocks until the task finished or was rejected.
func (f *Future) Wait() error {
	<-f.done

	return f.err
}

// Done exposes the completion channel for select loops.
func (f *Future) Done() <-chan struct{} {
	return f.done
}

type queued struct {
	run    func() error
	meta   Metadata
	future *Future
}

// Stats are cumulative pool counters.
type Stats struct {
	TotalEnqueued   int64 `json:"total_enqueued"`
	TotalCompleted  int64 `json:"total_completed"`
	TotalFailed     int64 `json:"total_failed"`
	PeakConcurrency int   `json:"peak_concurrency"`
}

// Status is the observable pool state for the health surface.
type Status struct {
	ActiveWorkers  int     `json:"active_workers"`
	QueuedTasks    int     `json:"queued_tasks"`
	MaxConcurrent  int     `json:"max_concurrent"`
	UtilizationPct float64 `json:"utilization_pct"`
	Stats          Stats   `json:"stats"`
}

// Pool runs at most maxConcurrent tasks at a time. A task's error is
// delivered only to its caller through the Future; it never aborts
// siblings or the pool.
type Pool struct {
	mu            sync.Mutex
	maxConcurrent int
	active        int
	queue         []queued
	stats         Stats
	logger        *slog.Logger
}

const DefaultConcurrency = 5

// New creates a pool; a non-positive limit falls back to the default.
func New(maxConcurrent int, logger *slog.Logger) *Pool {
	if maxConcurrent < 1 {
		maxConcurrent = DefaultConcurrency
	}

	return &Pool{maxConcurrent: maxConcurrent, logger: logger}
}

// Enqueue appends the task to the FIFO queue and triggers dispatch.
func (p *Pool) Enqueue(run func() error, meta Metadata) *Future {
	future := newFuture()

	p.mu.Lock()
	p.queue = append(p.queue, queued{run: run, meta: meta, future: future})
	p.stats.TotalEnqueued++
	p.dispatchLocked()
	p.mu.Unlock()

	return future
}

// dispatchLocked starts queued tasks while capacity remains.
// Caller holds p.mu.
func (p *Pool) dispatchLocked() {
	for p.active < p.maxConcurrent && len(p.queue) > 0 {
		next := p.queue[0]
		p.queue = p.queue[1:]

		p.active++
		if p.active > p.stats.PeakConcurrency {
			p.stats.PeakConcurrency = p.active
		}

		go p.runTask(next)
	}
}

func (p *Pool) runTask(task queued) {
	start := time.Now()
	err := task.run()

	p.mu.Lock()
	p.active--

	if err != nil {
		p.stats.TotalFailed++
	} else {
		p.stats.TotalCompleted++
	}

	p.dispatchLocked()
	p.mu.Unlock()

	if p.logger != nil && task.meta.FundID != 0 {
		p.logger.Debug("task finished",
			"fundId", task.meta.FundID,
			"durationMs", time.Since(start).Milliseconds(),
			"error", err)
	}

	task.future.resolve(err)
}

// SetMaxConcurrent changes the bound at runtime. Raising it immediately
// dispatches newly-permitted tasks.
func (p *Pool) SetMaxConcurrent(limit int) error {
	if limit < 1 {
		return fmt.Errorf("max concurrent must be at least 1, got %d", limit)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	raised := limit > p.maxConcurrent
	p.maxConcurrent = limit

	if raised {
		p.dispatchLocked()
	}

	return nil
}

// DrainQueue rejects every not-yet-started task with ErrCancelled.
// Running tasks are unaffected. Returns the number rejected.
func (p *Pool) DrainQueue() int {
	p.mu.Lock()
	drained := p.queue
	p.queue = nil
	p.mu.Unlock()

	for _, task := range drained {
		task.future.resolve(ErrCancelled)
	}

	return len(drained)
}

// AwaitIdle blocks until both the active count and the queue reach
// zero, or fails after the timeout.
func (p *Pool) AwaitIdle(timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()

	for range ticker.C {
		p.mu.Lock()
		idle := p.active == 0 && len(p.queue) == 0
		active := p.active
		p.mu.Unlock()

		if idle {
			return nil
		}

		if time.Now().After(deadline) {
			return fmt.Errorf("worker pool not idle after %s: %d workers still active", timeout, active)
		}
	}

	return nil
}

// Status reports the current pool state.
func (p *Pool) Status() Status {
	p.mu.Lock()
	defer p.mu.Unlock()

	return Status{
		ActiveWorkers:  p.active,
		QueuedTasks:    len(p.queue),
		MaxConcurrent:  p.maxConcurrent,
		UtilizationPct: float64(p.active) / float64(p.maxConcurrent) * 100,
		Stats:          p.stats,
	}
}
