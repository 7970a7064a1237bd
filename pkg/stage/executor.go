// Package stage executes one pipeline stage for one fund's execution:
// a transactional sequence of stored-procedure invocations with retry,
// result-code interpretation and stand-by handling.
package stage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/lib/pq"

	"github.com/fundpipe/fundpipe/pkg/eventbus"
	"github.com/fundpipe/fundpipe/pkg/events"
	"github.com/fundpipe/fundpipe/pkg/log"
	"github.com/fundpipe/fundpipe/pkg/models"
	"github.com/fundpipe/fundpipe/pkg/persistence"
	"github.com/fundpipe/fundpipe/pkg/retry"
	"github.com/fundpipe/fundpipe/pkg/standby"
)

// TxHealth is the tri-state transactional health signal checked after
// every invocation.
type TxHealth int

const (
	TxCommittable TxHealth = iota
	TxNone
	TxUncommittable
)

// ErrUncommittable signals state corruption risk: the transaction must
// be rolled back and the stage treated as critical regardless of its
// own result code.
var ErrUncommittable = errors.New("transaction is uncommittable")

// ProcResult is what one stored-procedure invocation reports back.
type ProcResult struct {
	Code standby.ResultCode
	Rows int64
}

// Tx is the slice of database/sql transaction behavior the executor
// needs.
type Tx interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	Commit() error
	Rollback() error
}

// Beginner opens the per-stage transaction.
type Beginner interface {
	Begin(ctx context.Context) (Tx, error)
}

// SQLDatabase adapts *sql.DB to the Beginner interface.
type SQLDatabase struct {
	DB *sql.DB
}

func (d SQLDatabase) Begin(ctx context.Context) (Tx, error) {
	return d.DB.BeginTx(ctx, nil)
}

// Invoker runs one stored procedure inside the stage's transaction.
type Invoker interface {
	Invoke(ctx context.Context, tx Tx, proc models.ProcInvocation, process *models.Process, execution *models.Execution) (ProcResult, error)
}

// Result is the outcome of executing one stage for one fund.
type Result struct {
	State      models.StageState
	Code       standby.ResultCode
	Rows       int64
	DurationMs int64
	StandBy    *models.StandByRecord
	Err        error
}

// Executor drives one stage invocation sequence per call. It is safe
// for concurrent use across funds; each call owns its own transaction.
type Executor struct {
	db      Beginner
	store   persistence.Store
	bus     eventbus.EventPublisher
	retrier *retry.Executor
	invoker Invoker
	logger  *slog.Logger

	// gate refines pause blocking: given a paused execution and a stage
	// id, it reports whether the stage is downstream of the block-point.
	// When nil, a pause blocks every stage.
	gate func(execution *models.Execution, stageID string) bool
}

func NewExecutor(db Beginner, store persistence.Store, bus eventbus.EventPublisher, invoker Invoker) *Executor {
	return &Executor{
		db:      db,
		store:   store,
		bus:     bus,
		retrier: retry.New(),
		invoker: invoker,
		logger:  log.WithModule("stage_executor"),
	}
}

// SetRetrier overrides the default retry schedule.
func (e *Executor) SetRetrier(retrier *retry.Executor) {
	e.retrier = retrier
}

// SetGate installs a block-point-aware pause gate, letting stages with
// no dependency on the block-point run while the fund is paused.
func (e *Executor) SetGate(gate func(execution *models.Execution, stageID string) bool) {
	e.gate = gate
}

// Execute runs one stage for one fund. The caller has already decided
// the stage is dependency-ready; Execute still re-checks the pause
// state, evaluates the conditional predicate and owns the stage's
// transaction end to end.
func (e *Executor) Execute(ctx context.Context, process *models.Process, execution *models.Execution, fund *models.Fund, def *models.StageDefinition) Result {
	if !fund.FlagSet(def.Conditional) {
		return e.skip(ctx, execution, fund, def)
	}

	if e.pausedFailOpen(ctx, execution) && e.blockedAt(execution, def.ID) {
		// The fund is waiting at a block-point; leave the stage PENDING.
		return Result{State: models.StagePending}
	}

	if err := e.transition(ctx, execution, def.ID, models.StageInProgress); err != nil {
		return Result{State: models.StageError, Err: err}
	}

	e.publish(ctx, execution, events.StageStarted{
		BaseEvent:   events.NewBaseEvent(events.StageStartedEvent, process.ID),
		ExecutionID: execution.ID,
		FundID:      execution.FundID,
		Stage:       def.ID,
	})

	started := time.Now()
	outcome := e.runProcs(ctx, process, execution, def)
	outcome.DurationMs = time.Since(started).Milliseconds()

	e.settle(ctx, process, execution, def, &outcome)

	return outcome
}

// runProcs owns the stage transaction and the in-order invocation of
// its procedures.
func (e *Executor) runProcs(ctx context.Context, process *models.Process, execution *models.Execution, def *models.StageDefinition) Result {
	tx, err := e.db.Begin(ctx)
	if err != nil {
		return Result{State: models.StageError, Err: fmt.Errorf("failed to begin stage transaction: %w", err)}
	}

	var total int64

	for _, proc := range def.Procs {
		result, err := e.runProc(ctx, tx, process, execution, def, proc)
		if err != nil {
			_ = tx.Rollback()

			if code, paused := standByCode(err); paused {
				return Result{State: models.StageStandBy, Code: code, Rows: total, Err: err}
			}

			return Result{State: models.StageError, Code: result.Code, Rows: total, Err: err}
		}

		total += result.Rows

		// A checkpoint per completed procedure gives the audit trail
		// intra-stage progress for multi-procedure stages.
		e.publish(ctx, execution, events.Checkpoint{
			BaseEvent:   events.NewBaseEvent(events.CheckpointEvent, process.ID),
			ExecutionID: execution.ID,
			FundID:      execution.FundID,
			Stage:       def.ID,
			Operation:   proc.Name,
			Rows:        result.Rows,
		})

		if proc.SubStateField != "" {
			if err := e.transition(ctx, execution, proc.SubStateField, models.StageOK); err != nil {
				e.logger.Warn("failed to record sub-state",
					"executionID", execution.ID, "field", proc.SubStateField, "error", err)
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return Result{State: models.StageError, Rows: total, Err: fmt.Errorf("failed to commit stage transaction: %w", err)}
	}

	return Result{State: models.StageOK, Code: standby.CodeOK, Rows: total}
}

// runProc executes one procedure with bounded retry and the
// post-invocation transactional health check.
func (e *Executor) runProc(ctx context.Context, tx Tx, process *models.Process, execution *models.Execution, def *models.StageDefinition, proc models.ProcInvocation) (ProcResult, error) {
	var last ProcResult

	err := e.retrier.Do(ctx, func(ctx context.Context) error {
		// A savepoint per attempt lets a failed invocation be rolled
		// back without aborting the whole stage transaction.
		if _, err := tx.ExecContext(ctx, "SAVEPOINT proc_attempt"); err != nil {
			return fmt.Errorf("%w before %s", ErrUncommittable, proc.Name)
		}

		invokeCtx := ctx
		if proc.Timeout > 0 {
			var cancel context.CancelFunc

			invokeCtx, cancel = context.WithTimeout(ctx, proc.Timeout)
			defer cancel()
		}

		result, err := e.invoker.Invoke(invokeCtx, tx, proc, process, execution)
		last = result

		if err != nil {
			if _, rbErr := tx.ExecContext(ctx, "ROLLBACK TO SAVEPOINT proc_attempt"); rbErr != nil {
				return fmt.Errorf("%w after %s", ErrUncommittable, proc.Name)
			}

			return fmt.Errorf("invoking %s: %w", proc.Name, err)
		}

		if health := e.txHealth(ctx, tx); health == TxUncommittable {
			return fmt.Errorf("%w after %s", ErrUncommittable, proc.Name)
		}

		if _, err := tx.ExecContext(ctx, "RELEASE SAVEPOINT proc_attempt"); err != nil {
			return fmt.Errorf("%w after %s", ErrUncommittable, proc.Name)
		}

		switch standby.OutcomeOf(result.Code) {
		case standby.OutcomeOK:
			if proc.MinRows > 0 && result.Rows < int64(proc.MinRows) {
				return fmt.Errorf("%s produced %d rows, expected at least %d", proc.Name, result.Rows, proc.MinRows)
			}

			return nil
		case standby.OutcomeWarning:
			e.logger.Warn("stage reported legacy warning code",
				"executionID", execution.ID, "stage", def.ID, "proc", proc.Name)
			e.publish(ctx, execution, events.StageWarning{
				BaseEvent:   events.NewBaseEvent(events.StageWarningEvent, execution.ProcessID),
				ExecutionID: execution.ID,
				FundID:      execution.FundID,
				Stage:       def.ID,
				Message:     fmt.Sprintf("%s returned deprecated warning code", proc.Name),
			})

			return nil
		case standby.OutcomeRetry:
			return fmt.Errorf("%s reported retriable failure: %w", proc.Name, retry.ErrTransient)
		case standby.OutcomeStandBy:
			return &standByError{code: last.Code, proc: proc.Name}
		case standby.OutcomeAssertion:
			return fmt.Errorf("%s assertion failed (code %d)", proc.Name, result.Code)
		default:
			return fmt.Errorf("%s failed with code %d", proc.Name, result.Code)
		}
	})
	if err != nil {
		if isRetryExhausted(err) {
			e.publish(ctx, execution, events.RetryExhausted{
				BaseEvent:   events.NewBaseEvent(events.RetryExhaustedEvent, execution.ProcessID),
				ExecutionID: execution.ID,
				FundID:      execution.FundID,
				Stage:       def.ID,
				Proc:        proc.Name,
				Attempts:    e.retrier.MaxAttempts,
				Class:       string(retry.Classify(err)),
				Error:       err.Error(),
			})
		}

		return last, err
	}

	return last, nil
}

// txHealth probes the stage transaction. A trivial statement
// succeeding means active and committable; failing with
// in_failed_sql_transaction means uncommittable; a closed transaction
// means none at all.
func (e *Executor) txHealth(ctx context.Context, tx Tx) TxHealth {
	_, err := tx.ExecContext(ctx, "SELECT 1")
	if err == nil {
		return TxCommittable
	}

	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == "25P02" {
		return TxUncommittable
	}

	if errors.Is(err, sql.ErrTxDone) {
		return TxNone
	}

	return TxUncommittable
}

// settle persists the final stage state and emits the closing events.
func (e *Executor) settle(ctx context.Context, process *models.Process, execution *models.Execution, def *models.StageDefinition, outcome *Result) {
	switch outcome.State {
	case models.StageOK:
		if err := e.transition(ctx, execution, def.ID, models.StageOK); err != nil {
			outcome.State = models.StageError
			outcome.Err = err

			return
		}

		e.publish(ctx, execution, events.StageFinished{
			BaseEvent:     events.NewBaseEvent(events.StageFinishedEvent, process.ID),
			ExecutionID:   execution.ID,
			FundID:        execution.FundID,
			Stage:         def.ID,
			DurationMs:    outcome.DurationMs,
			RowsProcessed: outcome.Rows,
		})
	case models.StageStandBy:
		e.activateStandBy(ctx, process, execution, def, outcome)
	case models.StageError:
		if err := e.transition(ctx, execution, def.ID, models.StageError); err != nil {
			e.logger.Error("failed to record stage error state",
				"executionID", execution.ID, "stage", def.ID, "error", err)
		}

		assertion := standby.OutcomeOf(outcome.Code) == standby.OutcomeAssertion

		e.publish(ctx, execution, events.StageFailed{
			BaseEvent:   events.NewBaseEvent(events.StageFailedEvent, process.ID),
			ExecutionID: execution.ID,
			FundID:      execution.FundID,
			Stage:       def.ID,
			Error:       errString(outcome.Err),
			Assertion:   assertion,
		})
	}
}

// activateStandBy persists the pause: a StandBy record, the fund's
// block-point, and the stage marker. Business pauses are not errors
// and never count toward failure statistics.
func (e *Executor) activateStandBy(ctx context.Context, process *models.Process, execution *models.Execution, def *models.StageDefinition, outcome *Result) {
	if err := e.transition(ctx, execution, def.ID, models.StageStandBy); err != nil {
		e.logger.Error("failed to record stand-by stage state",
			"executionID", execution.ID, "stage", def.ID, "error", err)
	}

	record := &models.StandByRecord{
		ExecutionID: execution.ID,
		FundID:      execution.FundID,
		ProblemType: standby.ProblemOf(outcome.Code),
		ResultCode:  outcome.Code,
		Stage:       def.ID,
		BlockPoint:  def.ID,
		Detail:      errString(outcome.Err),
	}

	if err := e.store.StandBys().Create(ctx, record); err != nil {
		e.logger.Error("failed to persist stand-by record",
			"executionID", execution.ID, "stage", def.ID, "error", err)
	}

	if err := e.store.Executions().SetPause(ctx, execution.ID, def.ID); err != nil {
		e.logger.Error("failed to set pause state",
			"executionID", execution.ID, "error", err)
	}

	execution.PauseState = models.PausePaused
	execution.BlockPoint = def.ID
	outcome.StandBy = record

	e.publish(ctx, execution, events.StandByActivated{
		BaseEvent:    events.NewBaseEvent(events.StandByActivatedEvent, process.ID),
		ExecutionID:  execution.ID,
		FundID:       execution.FundID,
		Stage:        def.ID,
		ResultCode:   outcome.Code,
		ProblemType:  record.ProblemType,
		BlockPoint:   record.BlockPoint,
		ProblemCount: record.ProblemCount,
		Detail:       record.Detail,
	})
}

func (e *Executor) skip(ctx context.Context, execution *models.Execution, fund *models.Fund, def *models.StageDefinition) Result {
	if err := e.transition(ctx, execution, def.ID, models.StageSkipped); err != nil {
		return Result{State: models.StageError, Err: err}
	}

	e.publish(ctx, execution, events.StageSkipped{
		BaseEvent:   events.NewBaseEvent(events.StageSkippedEvent, execution.ProcessID),
		ExecutionID: execution.ID,
		FundID:      fund.ID,
		Stage:       def.ID,
		Reason:      fmt.Sprintf("conditional %q is false", def.Conditional),
	})

	return Result{State: models.StageSkipped}
}

// pausedFailOpen re-checks the fund's pause state. If the check itself
// fails, execution is allowed: liveness over strict gating.
func (e *Executor) pausedFailOpen(ctx context.Context, execution *models.Execution) bool {
	paused, err := e.store.Executions().IsPaused(ctx, execution.ID)
	if err != nil {
		e.logger.Warn("pause check failed, allowing execution",
			"executionID", execution.ID, "error", err)

		return false
	}

	return paused
}

func (e *Executor) blockedAt(execution *models.Execution, stageID string) bool {
	if e.gate == nil {
		return true
	}

	return e.gate(execution, stageID)
}

func (e *Executor) transition(ctx context.Context, execution *models.Execution, field string, next models.StageState) error {
	current, ok := execution.StageStates[field]
	if !ok {
		current = models.StagePending
	}

	if !current.CanTransitionTo(next) {
		return fmt.Errorf("invalid stage transition %s -> %s for %s", current, next, field)
	}

	if err := e.store.Executions().UpdateStageState(ctx, execution.ID, field, next); err != nil {
		return err
	}

	if execution.StageStates == nil {
		execution.StageStates = make(map[string]models.StageState)
	}

	execution.StageStates[field] = next

	return nil
}

func (e *Executor) publish(ctx context.Context, execution *models.Execution, event eventbus.Event) {
	if e.bus == nil {
		return
	}

	if err := e.bus.Publish(ctx, fmt.Sprintf("execution-%d", execution.ID), event); err != nil {
		e.logger.Warn("failed to publish event", "eventType", event.GetType(), "error", err)
	}
}

type standByError struct {
	code standby.ResultCode
	proc string
}

func (e *standByError) Error() string {
	return fmt.Sprintf("%s reported stand-by code %d (%s)", e.proc, e.code, standby.StatusLabel(e.code))
}

func standByCode(err error) (standby.ResultCode, bool) {
	var sbErr *standByError
	if errors.As(err, &sbErr) {
		return sbErr.code, true
	}

	return 0, false
}

func isRetryExhausted(err error) bool {
	return err != nil && retry.Classify(err) != retry.ClassTerminal
}

func errString(err error) string {
	if err == nil {
		return ""
	}

	return err.Error()
}
