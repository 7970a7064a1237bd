// Package orchestrator fans one run out over the eligible funds: it
// builds the phase plan from the dependency graph, bounds fund
// concurrency through the worker pool, applies per-stage error
// policies and rolls the per-fund outcomes up into the process row.
package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fundpipe/fundpipe/pkg/dag"
	"github.com/fundpipe/fundpipe/pkg/eventbus"
	"github.com/fundpipe/fundpipe/pkg/events"
	"github.com/fundpipe/fundpipe/pkg/log"
	"github.com/fundpipe/fundpipe/pkg/models"
	"github.com/fundpipe/fundpipe/pkg/persistence"
	"github.com/fundpipe/fundpipe/pkg/stage"
	"github.com/fundpipe/fundpipe/pkg/standby"
	"github.com/fundpipe/fundpipe/pkg/workerpool"
)

const DefaultMaxConcurrentFunds = 5

// StageRunner executes one stage for one fund. Satisfied by
// stage.Executor.
type StageRunner interface {
	Execute(ctx context.Context, process *models.Process, execution *models.Execution, fund *models.Fund, def *models.StageDefinition) stage.Result
}

// phase is a contiguous run of same-typed stages in topological order.
// Batch and sequential phases traverse funds one at a time; parallel
// phases run funds concurrently up to the pool bound.
type phase struct {
	kind   models.StageType
	stages []*models.StageDefinition
}

// fundRun is the orchestrator's working state for one fund's traversal.
type fundRun struct {
	fund      *models.Fund
	execution *models.Execution

	mu           sync.Mutex
	failed       bool
	standby      bool
	stopped      bool
	errorStage   string
	errorMessage string
}

// Orchestrator drives complete runs. Safe for concurrent fund
// traversals; each Launch call owns its process exclusively.
type Orchestrator struct {
	store    persistence.Store
	bus      eventbus.EventPublisher
	runner   StageRunner
	resolver *dag.Resolver
	stages   []models.StageDefinition
	pool     *workerpool.Pool
	logger   *slog.Logger

	abort  atomic.Bool
	flagMu sync.Mutex
}

func New(store persistence.Store, bus eventbus.EventPublisher, runner StageRunner, stages []models.StageDefinition, maxConcurrent int) (*Orchestrator, error) {
	resolver, err := dag.NewResolver(stages)
	if err != nil {
		return nil, fmt.Errorf("failed to build dependency graph: %w", err)
	}

	if maxConcurrent < 1 {
		maxConcurrent = DefaultMaxConcurrentFunds
	}

	o := &Orchestrator{
		store:    store,
		bus:      bus,
		runner:   runner,
		resolver: resolver,
		stages:   stages,
		pool:     workerpool.New(maxConcurrent, log.WithModule("worker_pool")),
		logger:   log.WithModule("orchestrator"),
	}

	if executor, ok := runner.(*stage.Executor); ok {
		executor.SetGate(o.Blocked)
	}

	return o, nil
}

// Blocked reports whether a stage may not enter IN_PROGRESS because the
// fund is paused at a block-point the stage depends on. Stages with no
// dependency path to the block-point run despite the pause.
func (o *Orchestrator) Blocked(execution *models.Execution, stageID string) bool {
	if !execution.Paused() || execution.BlockPoint == "" {
		return false
	}

	if stageID == execution.BlockPoint {
		return true
	}

	deps, err := o.resolver.TransitiveDependencies(stageID)
	if err != nil {
		// Unknown stage: fail closed.
		return true
	}

	return deps[execution.BlockPoint]
}

// PoolStatus exposes the worker pool for the status surface.
func (o *Orchestrator) PoolStatus() workerpool.Status {
	return o.pool.Status()
}

// Launch starts one orchestrated run for the report date and blocks
// until every fund settled, paused or failed. At most one run per
// report date may be in progress.
func (o *Orchestrator) Launch(ctx context.Context, reportDate, initiatedBy string) (*models.Process, error) {
	if active, err := o.store.Processes().ActiveForDate(ctx, reportDate); err == nil {
		return nil, fmt.Errorf("process %d for %s: %w", active.ID, reportDate, persistence.ErrProcessAlreadyRunning)
	} else if !persistence.IsProcessNotFound(err) {
		return nil, fmt.Errorf("failed to check active process: %w", err)
	}

	funds, err := o.store.Funds().ListEligible(ctx, reportDate)
	if err != nil {
		return nil, fmt.Errorf("failed to list eligible funds: %w", err)
	}

	process := &models.Process{
		ReportDate:  reportDate,
		State:       models.ProcessInProgress,
		TotalFunds:  len(funds),
		StartedAt:   time.Now().UTC(),
		InitiatedBy: initiatedBy,
	}

	if err := o.store.Processes().Create(ctx, process); err != nil {
		return nil, fmt.Errorf("failed to create process: %w", err)
	}

	o.logger.Info("process launched",
		"processID", process.ID, "reportDate", reportDate, "funds", len(funds))

	o.publish(ctx, process.ID, events.ProcessStarted{
		BaseEvent:   events.NewBaseEvent(events.ProcessStartedEvent, process.ID),
		ReportDate:  reportDate,
		TotalFunds:  len(funds),
		InitiatedBy: initiatedBy,
	})

	runs, err := o.fanOut(ctx, process, funds)
	if err != nil {
		process.State = models.ProcessError
		_ = o.store.Processes().Update(ctx, process)

		return process, err
	}

	o.abort.Store(false)
	o.runPhases(ctx, process, runs)

	for _, run := range runs {
		o.settleFund(ctx, process, run)
	}

	if err := o.closeProcess(ctx, process, runs); err != nil {
		return process, err
	}

	return process, nil
}

// fanOut creates one execution per eligible fund with every stage
// pending.
func (o *Orchestrator) fanOut(ctx context.Context, process *models.Process, funds []*models.Fund) ([]*fundRun, error) {
	runs := make([]*fundRun, 0, len(funds))

	for _, fund := range funds {
		states := make(map[string]models.StageState, len(o.stages))
		for i := range o.stages {
			states[o.stages[i].ID] = models.StagePending
		}

		execution := &models.Execution{
			ProcessID:           process.ID,
			FundID:              fund.ID,
			FundShortName:       fund.ShortName,
			PortfolioCustody:    fund.PortfolioCustody,
			PortfolioCashModel:  fund.PortfolioCashModel,
			PortfolioDerivative: fund.PortfolioDerivative,
			PortfolioAltCustody: fund.PortfolioAltCustody,
			StageStates:         states,
			StartedAt:           time.Now().UTC(),
		}

		if err := o.store.Executions().Create(ctx, execution); err != nil {
			return nil, fmt.Errorf("failed to create execution for fund %d: %w", fund.ID, err)
		}

		o.publish(ctx, process.ID, events.ExecutionStarted{
			BaseEvent:     events.NewBaseEvent(events.ExecutionStartedEvent, process.ID),
			ExecutionID:   execution.ID,
			FundID:        fund.ID,
			FundShortName: fund.ShortName,
		})

		runs = append(runs, &fundRun{fund: fund, execution: execution})
	}

	return runs, nil
}

// plan groups the topological order into contiguous same-typed phases.
func (o *Orchestrator) plan() ([]phase, error) {
	order, err := o.resolver.ExecutionOrder()
	if err != nil {
		return nil, err
	}

	phases := make([]phase, 0)

	for _, id := range order {
		def, err := o.resolver.Definition(id)
		if err != nil {
			return nil, err
		}

		kind := def.Type
		if kind == "" {
			kind = models.StageTypeParallel
		}

		if len(phases) == 0 || phases[len(phases)-1].kind != kind {
			phases = append(phases, phase{kind: kind})
		}

		phases[len(phases)-1].stages = append(phases[len(phases)-1].stages, def)
	}

	return phases, nil
}

func (o *Orchestrator) runPhases(ctx context.Context, process *models.Process, runs []*fundRun) {
	phases, err := o.plan()
	if err != nil {
		o.logger.Error("failed to build phase plan", "error", err)
		o.abort.Store(true)

		return
	}

	for _, ph := range phases {
		if o.abort.Load() || ctx.Err() != nil {
			return
		}

		if ph.kind == models.StageTypeParallel {
			o.runParallelPhase(ctx, process, runs, ph)

			continue
		}

		for _, run := range runs {
			if o.abort.Load() || ctx.Err() != nil {
				return
			}

			o.runFundPhase(ctx, process, run, ph)
		}
	}
}

func (o *Orchestrator) runParallelPhase(ctx context.Context, process *models.Process, runs []*fundRun, ph phase) {
	futures := make([]*workerpool.Future, 0, len(runs))

	for _, run := range runs {
		run := run

		future := o.pool.Enqueue(func() error {
			o.runFundPhase(ctx, process, run, ph)

			return nil
		}, workerpool.Metadata{FundID: run.fund.ID, ReportDate: process.ReportDate})

		futures = append(futures, future)
	}

	for _, future := range futures {
		if err := future.Wait(); err != nil {
			o.logger.Warn("fund task rejected", "error", err)
		}
	}
}

// runFundPhase walks one fund through a phase's stages in topological
// order, applying the error policy of any failing stage.
func (o *Orchestrator) runFundPhase(ctx context.Context, process *models.Process, run *fundRun, ph phase) {
	for _, def := range ph.stages {
		if run.halted() || o.abort.Load() || ctx.Err() != nil {
			return
		}

		if state, ok := run.execution.StageStates[def.ID]; ok && state.Terminal() {
			continue
		}

		if o.Blocked(run.execution, def.ID) {
			continue
		}

		result := o.runner.Execute(ctx, process, run.execution, run.fund, def)

		switch result.State {
		case models.StageOK, models.StageSkipped, models.StagePending:
			continue
		case models.StageStandBy:
			run.markStandBy()
			o.raiseProblemFlag(ctx, process, result.StandBy)
		case models.StageError:
			o.handleFailure(ctx, process, run, def, result)
		}
	}
}

// handleFailure applies the stage's declared error policy and records
// the exclusion marker for critical and assertion failures.
func (o *Orchestrator) handleFailure(ctx context.Context, process *models.Process, run *fundRun, def *models.StageDefinition, result stage.Result) {
	outcome := standby.OutcomeOf(result.Code)
	if outcome == standby.OutcomeCritical || outcome == standby.OutcomeAssertion {
		problem := &models.FundProblem{
			FundID:     run.fund.ID,
			ReportDate: process.ReportDate,
			Stage:      def.ID,
			Message:    errString(result.Err),
		}

		if err := o.store.FundProblems().Register(ctx, problem); err != nil {
			o.logger.Error("failed to register fund problem",
				"fundID", run.fund.ID, "stage", def.ID, "error", err)
		}
	}

	policy := def.Policy()

	o.logger.Error("stage failed",
		"executionID", run.execution.ID, "fundID", run.fund.ID,
		"stage", def.ID, "policy", policy, "error", result.Err)

	switch policy {
	case models.Continue:
		run.markFailed(def.ID, errString(result.Err), false)
	case models.StopAll:
		run.markFailed(def.ID, errString(result.Err), true)
		o.abort.Store(true)
	default: // STOP_FUND
		run.markFailed(def.ID, errString(result.Err), true)
	}
}

// raiseProblemFlag mirrors a stand-by's problem type onto the process
// row's flag columns and onto the fund record itself.
func (o *Orchestrator) raiseProblemFlag(ctx context.Context, process *models.Process, record *models.StandByRecord) {
	if record == nil {
		return
	}

	o.flagMu.Lock()
	defer o.flagMu.Unlock()

	flag := standby.FlagFor(record.ProblemType)

	switch flag {
	case standby.FlagDirtyPositions:
		process.HasDirty = true
	case standby.FlagMappingProblems:
		process.HasMapping = true
	case standby.FlagMismatches:
		process.HasMismatches = true
	case standby.FlagMissingExtracts:
		process.HasMissing = true
	default:
		return
	}

	if err := o.store.Funds().SetFlag(ctx, record.FundID, flag, true); err != nil {
		o.logger.Warn("failed to flag fund",
			"fundID", record.FundID, "flag", flag, "error", err)
	}

	if err := o.store.Processes().Update(ctx, process); err != nil {
		o.logger.Warn("failed to persist problem flag", "processID", process.ID, "error", err)
	}
}

// settleFund closes one fund's execution with its final state. Paused
// funds are closed as STAND_BY; their pause survives for the resolution
// workflow and ResumeExecution reopens the remaining stages later.
func (o *Orchestrator) settleFund(ctx context.Context, process *models.Process, run *fundRun) {
	state, errorStage, errorMessage := run.finalState()

	if err := o.store.Executions().Finish(ctx, run.execution.ID, state, errorStage, errorMessage); err != nil {
		o.logger.Error("failed to close execution",
			"executionID", run.execution.ID, "error", err)
	}

	run.execution.FinalState = state

	o.publish(ctx, process.ID, events.ExecutionFinished{
		BaseEvent:   events.NewBaseEvent(events.ExecutionFinishedEvent, process.ID),
		ExecutionID: run.execution.ID,
		FundID:      run.fund.ID,
		FinalState:  string(state),
		DurationMs:  time.Since(run.execution.StartedAt).Milliseconds(),
	})
}

func (o *Orchestrator) closeProcess(ctx context.Context, process *models.Process, runs []*fundRun) error {
	for _, run := range runs {
		switch run.execution.FinalState {
		case models.ExecutionOK:
			process.FundsOK++
		case models.ExecutionError:
			process.FundsError++
		case models.ExecutionStandBy:
			process.FundsStandBy++
		case models.ExecutionSkipped:
			process.FundsSkipped++
		}
	}

	switch {
	case o.abort.Load():
		process.State = models.ProcessError
	case process.FundsError > 0:
		process.State = models.ProcessCompletedWithErrors
	default:
		process.State = models.ProcessCompleted
	}

	now := time.Now().UTC()
	process.FinishedAt = &now

	if err := o.store.Processes().Update(ctx, process); err != nil {
		return fmt.Errorf("failed to close process %d: %w", process.ID, err)
	}

	o.logger.Info("process finished",
		"processID", process.ID, "state", process.State,
		"ok", process.FundsOK, "errors", process.FundsError,
		"standby", process.FundsStandBy, "skipped", process.FundsSkipped)

	o.publish(ctx, process.ID, events.ProcessFinished{
		BaseEvent:    events.NewBaseEvent(events.ProcessFinishedEvent, process.ID),
		State:        string(process.State),
		FundsOK:      process.FundsOK,
		FundsError:   process.FundsError,
		FundsStandBy: process.FundsStandBy,
		FundsSkipped: process.FundsSkipped,
		DurationMs:   now.Sub(process.StartedAt).Milliseconds(),
	})

	return nil
}

// ResumeExecution continues a fund whose stand-by was resolved: the
// pause must already be cleared. The stand-by stage counts as satisfied
// for dependency purposes; only stages still pending run.
func (o *Orchestrator) ResumeExecution(ctx context.Context, executionID int64) (*models.Execution, error) {
	execution, err := o.store.Executions().GetByID(ctx, executionID)
	if err != nil {
		return nil, err
	}

	if execution.Paused() {
		return nil, fmt.Errorf("execution %d is still paused at %s", executionID, execution.BlockPoint)
	}

	process, err := o.store.Processes().GetByID(ctx, execution.ProcessID)
	if err != nil {
		return nil, err
	}

	fund, err := o.store.Funds().GetByID(ctx, execution.FundID)
	if err != nil {
		return nil, err
	}

	o.logger.Info("resuming execution",
		"executionID", executionID, "fundID", fund.ID, "processID", process.ID)

	run := &fundRun{fund: fund, execution: execution}

	phases, err := o.plan()
	if err != nil {
		return nil, err
	}

	for _, ph := range phases {
		o.runFundPhase(ctx, process, run, ph)
	}

	wasStandBy := execution.FinalState == models.ExecutionStandBy

	o.settleFund(ctx, process, run)

	// A fresh stand-by at a later stage leaves the fund paused again;
	// the stand-by counter must not move until it actually settles.
	if wasStandBy && run.execution.FinalState != models.ExecutionStandBy && process.FundsStandBy > 0 {
		process.FundsStandBy--

		switch run.execution.FinalState {
		case models.ExecutionError:
			process.FundsError++

			if process.State == models.ProcessCompleted {
				process.State = models.ProcessCompletedWithErrors
			}
		case models.ExecutionSkipped:
			process.FundsSkipped++
		default:
			process.FundsOK++
		}

		if err := o.store.Processes().Update(ctx, process); err != nil {
			o.logger.Warn("failed to update process counters", "processID", process.ID, "error", err)
		}
	}

	return run.execution, nil
}

func (o *Orchestrator) publish(ctx context.Context, processID int64, event eventbus.Event) {
	if o.bus == nil {
		return
	}

	if err := o.bus.Publish(ctx, fmt.Sprintf("process-%d", processID), event); err != nil {
		o.logger.Warn("failed to publish event", "eventType", event.GetType(), "error", err)
	}
}

func (r *fundRun) markFailed(stage, message string, stop bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.failed = true
	if r.errorStage == "" {
		r.errorStage = stage
		r.errorMessage = message
	}

	if stop {
		r.stopped = true
	}
}

func (r *fundRun) markStandBy() {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.standby = true
}

func (r *fundRun) halted() bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.stopped
}

// finalState folds the traversal outcome into the execution's closing
// state. Errors dominate; a pause that was never resolved closes as
// STAND_BY; a fund whose every stage was skipped closes as SKIPPED.
func (r *fundRun) finalState() (models.ExecutionState, string, string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.failed {
		return models.ExecutionError, r.errorStage, r.errorMessage
	}

	if r.standby || r.execution.Paused() {
		return models.ExecutionStandBy, "", ""
	}

	for _, state := range r.execution.StageStates {
		if !state.Terminal() {
			return models.ExecutionError, "", "run stopped before completion"
		}
	}

	allSkipped := len(r.execution.StageStates) > 0

	for _, state := range r.execution.StageStates {
		if state != models.StageSkipped {
			allSkipped = false

			break
		}
	}

	if allSkipped {
		return models.ExecutionSkipped, "", ""
	}

	return models.ExecutionOK, "", ""
}

func errString(err error) string {
	if err == nil {
		return ""
	}

	return err.Error()
}
