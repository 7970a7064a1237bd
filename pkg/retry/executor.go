// Package retry wraps remote stage invocations in a bounded retry loop.
// Only transient database failures are retried; the backoff is linear
// and attempt-proportional (base, 2*base, 3*base), a separate schedule
// from the listener's connection backoff because the two govern
// different failure domains.
package retry

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"syscall"
	"time"

	"github.com/lib/pq"
)

// Class is the failure classification of an invocation error.
type Class string

const (
	ClassDeadlock        Class = "deadlock"
	ClassLockTimeout     Class = "lock_timeout"
	ClassQueryTimeout    Class = "query_timeout"
	ClassConnectionReset Class = "connection_reset"
	ClassTransient       Class = "transient"
	ClassTerminal        Class = "terminal"
)

// ErrTransient marks an application-level transient failure, such as a
// stage reporting the retriable result code, as eligible for retry.
var ErrTransient = errors.New("transient stage failure")

// Retriable reports whether an error of this class may be retried.
func (c Class) Retriable() bool {
	return c != ClassTerminal
}

// Classify maps an invocation error to a failure class.
func Classify(err error) Class {
	if err == nil {
		return ClassTerminal
	}

	if errors.Is(err, ErrTransient) {
		return ClassTransient
	}

	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch pqErr.Code {
		case "40P01": // deadlock_detected
			return ClassDeadlock
		case "55P03": // lock_not_available
			return ClassLockTimeout
		case "57014": // query_canceled, raised by statement_timeout
			return ClassQueryTimeout
		}
	}

	if errors.Is(err, syscall.ECONNRESET) || errors.Is(err, io.ErrUnexpectedEOF) {
		return ClassConnectionReset
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return ClassQueryTimeout
		}

		return ClassConnectionReset
	}

	return ClassTerminal
}

const (
	DefaultMaxAttempts = 3
	DefaultBaseDelay   = 5 * time.Second
)

// Executor retries a remote invocation on transient failures.
type Executor struct {
	MaxAttempts int
	BaseDelay   time.Duration

	// sleep is replaceable in tests.
	sleep func(context.Context, time.Duration) error
}

// New returns an executor with production defaults.
func New() *Executor {
	return &Executor{
		MaxAttempts: DefaultMaxAttempts,
		BaseDelay:   DefaultBaseDelay,
		sleep:       sleepCtx,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Do runs fn, retrying transient failures up to MaxAttempts with a
// delay of BaseDelay*attempt between tries. Terminal failures surface
// immediately without delay. Exhaustion surfaces the last error
// annotated with the attempt count and classification.
func (e *Executor) Do(ctx context.Context, fn func(context.Context) error) error {
	maxAttempts := e.MaxAttempts
	if maxAttempts < 1 {
		maxAttempts = DefaultMaxAttempts
	}

	sleep := e.sleep
	if sleep == nil {
		sleep = sleepCtx
	}

	var lastErr error

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		lastErr = fn(ctx)
		if lastErr == nil {
			return nil
		}

		class := Classify(lastErr)
		if !class.Retriable() {
			return lastErr
		}

		if attempt == maxAttempts {
			return fmt.Errorf("retries exhausted after %d attempts (%s): %w", attempt, class, lastErr)
		}

		delay := e.BaseDelay * time.Duration(attempt)
		if err := sleep(ctx, delay); err != nil {
			return fmt.Errorf("retry wait interrupted after attempt %d: %w", attempt, err)
		}
	}

	return lastErr
}
