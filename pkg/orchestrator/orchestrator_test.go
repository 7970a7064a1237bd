package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fundpipe/fundpipe/pkg/eventbus"
	"github.com/fundpipe/fundpipe/pkg/events"
	"github.com/fundpipe/fundpipe/pkg/models"
	"github.com/fundpipe/fundpipe/pkg/persistence"
	"github.com/fundpipe/fundpipe/pkg/persistence/memory"
	"github.com/fundpipe/fundpipe/pkg/stage"
	"github.com/fundpipe/fundpipe/pkg/standby"
)

const testDate = "2026-08-28"

// fakeRunner replays scripted stage results and applies the state
// mutations the real executor would.
type fakeRunner struct {
	store *memory.Store

	mu      sync.Mutex
	results map[string]stage.Result
	calls   []string
}

func newFakeRunner(store *memory.Store) *fakeRunner {
	return &fakeRunner{store: store, results: map[string]stage.Result{}}
}

func (r *fakeRunner) script(fundID int, stageID string, result stage.Result) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.results[fmt.Sprintf("%d/%s", fundID, stageID)] = result
}

func (r *fakeRunner) calledWith(fundID int, stageID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := fmt.Sprintf("%d/%s", fundID, stageID)

	for _, c := range r.calls {
		if c == key {
			return true
		}
	}

	return false
}

func (r *fakeRunner) Execute(ctx context.Context, _ *models.Process, execution *models.Execution, fund *models.Fund, def *models.StageDefinition) stage.Result {
	r.mu.Lock()
	key := fmt.Sprintf("%d/%s", fund.ID, def.ID)
	r.calls = append(r.calls, key)
	result, ok := r.results[key]
	r.mu.Unlock()

	if !ok {
		result = stage.Result{State: models.StageOK}
	}

	switch result.State {
	case models.StageOK, models.StageSkipped, models.StageError:
		execution.StageStates[def.ID] = result.State
		_ = r.store.Executions().UpdateStageState(ctx, execution.ID, def.ID, result.State)
	case models.StageStandBy:
		execution.StageStates[def.ID] = models.StageStandBy
		_ = r.store.Executions().UpdateStageState(ctx, execution.ID, def.ID, models.StageStandBy)

		record := &models.StandByRecord{
			ExecutionID: execution.ID,
			FundID:      fund.ID,
			ProblemType: standby.ProblemOf(result.Code),
			ResultCode:  result.Code,
			Stage:       def.ID,
			BlockPoint:  def.ID,
		}
		_ = r.store.StandBys().Create(ctx, record)
		_ = r.store.Executions().SetPause(ctx, execution.ID, def.ID)

		execution.PauseState = models.PausePaused
		execution.BlockPoint = def.ID
		result.StandBy = record
	}

	return result
}

type capturingPublisher struct {
	mu     sync.Mutex
	events []eventbus.Event
}

func (p *capturingPublisher) Publish(_ context.Context, _ string, event eventbus.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.events = append(p.events, event)

	return nil
}

func (p *capturingPublisher) countOf(eventType events.EventType) int {
	p.mu.Lock()
	defer p.mu.Unlock()

	n := 0

	for _, e := range p.events {
		if e.GetType() == eventType {
			n++
		}
	}

	return n
}

func pipelineStages() []models.StageDefinition {
	return []models.StageDefinition{
		{ID: "load_extracts", Type: models.StageTypeBatch, Procs: []models.ProcInvocation{{Name: "sp_load_extracts"}}},
		{ID: "load_positions", Type: models.StageTypeParallel, Dependencies: []string{"load_extracts"}, Procs: []models.ProcInvocation{{Name: "sp_load_positions"}}},
		{ID: "validate_mapping", Type: models.StageTypeParallel, Dependencies: []string{"load_positions"}, Procs: []models.ProcInvocation{{Name: "sp_validate_mapping"}}},
		{ID: "compute_nav", Type: models.StageTypeParallel, Dependencies: []string{"validate_mapping"}, Procs: []models.ProcInvocation{{Name: "sp_compute_nav"}}},
		{ID: "publish_report", Type: models.StageTypeSequential, Dependencies: []string{"compute_nav"}, Procs: []models.ProcInvocation{{Name: "sp_publish_report"}}},
	}
}

type fixture struct {
	orch      *Orchestrator
	store     *memory.Store
	runner    *fakeRunner
	publisher *capturingPublisher
}

func newFixture(t *testing.T, stages []models.StageDefinition, fundIDs ...int) *fixture {
	t.Helper()

	store := memory.NewStore()
	for _, id := range fundIDs {
		store.AddFund(&models.Fund{ID: id, ShortName: fmt.Sprintf("FUND_%d", id), Flags: map[string]bool{}})
	}

	runner := newFakeRunner(store)
	publisher := &capturingPublisher{}

	orch, err := New(store, publisher, runner, stages, 3)
	require.NoError(t, err)

	return &fixture{orch: orch, store: store, runner: runner, publisher: publisher}
}

func TestLaunch_AllFundsSucceed(t *testing.T) {
	f := newFixture(t, pipelineStages(), 1, 2)

	process, err := f.orch.Launch(context.Background(), testDate, "scheduler")
	require.NoError(t, err)

	assert.Equal(t, models.ProcessCompleted, process.State)
	assert.Equal(t, 2, process.TotalFunds)
	assert.Equal(t, 2, process.FundsOK)
	assert.Zero(t, process.FundsError)
	require.NotNil(t, process.FinishedAt)

	executions, err := f.store.Executions().ListByProcess(context.Background(), process.ID)
	require.NoError(t, err)
	require.Len(t, executions, 2)

	for _, execution := range executions {
		assert.Equal(t, models.ExecutionOK, execution.FinalState)

		for stageID, state := range execution.StageStates {
			assert.Equal(t, models.StageOK, state, stageID)
		}
	}

	assert.Equal(t, 1, f.publisher.countOf(events.ProcessStartedEvent))
	assert.Equal(t, 2, f.publisher.countOf(events.ExecutionStartedEvent))
	assert.Equal(t, 2, f.publisher.countOf(events.ExecutionFinishedEvent))
	assert.Equal(t, 1, f.publisher.countOf(events.ProcessFinishedEvent))
}

func TestLaunch_RejectsConcurrentRunForSameDate(t *testing.T) {
	f := newFixture(t, pipelineStages(), 1)

	active := &models.Process{ReportDate: testDate, State: models.ProcessInProgress, StartedAt: time.Now()}
	require.NoError(t, f.store.Processes().Create(context.Background(), active))

	_, err := f.orch.Launch(context.Background(), testDate, "ops")
	require.Error(t, err)
	assert.ErrorIs(t, err, persistence.ErrProcessAlreadyRunning)
}

func TestLaunch_ExcludedFundIsNotFannedOut(t *testing.T) {
	f := newFixture(t, pipelineStages(), 1, 2)

	require.NoError(t, f.store.FundProblems().Register(context.Background(), &models.FundProblem{
		FundID:     2,
		ReportDate: testDate,
		Stage:      "load_positions",
	}))

	process, err := f.orch.Launch(context.Background(), testDate, "ops")
	require.NoError(t, err)

	assert.Equal(t, 1, process.TotalFunds)
	assert.False(t, f.runner.calledWith(2, "load_positions"))
}

func TestLaunch_StopFundPolicyIsolatesFailure(t *testing.T) {
	stages := pipelineStages()
	stages[2].OnError = models.StopFund

	f := newFixture(t, stages, 1, 2)
	f.runner.script(1, "validate_mapping", stage.Result{
		State: models.StageError,
		Code:  standby.CodeCriticalError,
		Err:   errors.New("sp_validate_mapping failed with code 3"),
	})

	process, err := f.orch.Launch(context.Background(), testDate, "ops")
	require.NoError(t, err)

	assert.Equal(t, models.ProcessCompletedWithErrors, process.State)
	assert.Equal(t, 1, process.FundsError)
	assert.Equal(t, 1, process.FundsOK)

	// The failed fund stops; the healthy fund continues to the end.
	assert.False(t, f.runner.calledWith(1, "compute_nav"))
	assert.True(t, f.runner.calledWith(2, "compute_nav"))

	executions, err := f.store.Executions().ListByProcess(context.Background(), process.ID)
	require.NoError(t, err)

	for _, execution := range executions {
		if execution.FundID != 1 {
			continue
		}

		assert.Equal(t, models.ExecutionError, execution.FinalState)
		assert.Equal(t, "validate_mapping", execution.ErrorStage)
	}

	// A code-3 failure registers the exclusion marker.
	excluded, err := f.store.FundProblems().IsExcluded(context.Background(), 1, testDate)
	require.NoError(t, err)
	assert.True(t, excluded)
}

func TestLaunch_StopAllPolicyAbortsProcess(t *testing.T) {
	stages := pipelineStages()
	stages[0].OnError = models.StopAll

	f := newFixture(t, stages, 1, 2)
	f.runner.script(1, "load_extracts", stage.Result{
		State: models.StageError,
		Code:  standby.CodeCriticalError,
		Err:   errors.New("extract load failed"),
	})

	process, err := f.orch.Launch(context.Background(), testDate, "ops")
	require.NoError(t, err)

	assert.Equal(t, models.ProcessError, process.State)
	assert.False(t, f.runner.calledWith(1, "compute_nav"))
	assert.False(t, f.runner.calledWith(2, "compute_nav"))
}

func TestLaunch_ContinuePolicyKeepsGoing(t *testing.T) {
	stages := pipelineStages()
	stages[2].OnError = models.Continue

	f := newFixture(t, stages, 1)
	f.runner.script(1, "validate_mapping", stage.Result{
		State: models.StageError,
		Code:  standby.ResultCode(99),
		Err:   errors.New("validation glitch"),
	})

	process, err := f.orch.Launch(context.Background(), testDate, "ops")
	require.NoError(t, err)

	assert.Equal(t, models.ProcessCompletedWithErrors, process.State)
	assert.Equal(t, 1, process.FundsError)

	// CONTINUE lets the rest of the pipeline run.
	assert.True(t, f.runner.calledWith(1, "compute_nav"))
	assert.True(t, f.runner.calledWith(1, "publish_report"))

	// An unknown code is not a critical failure: no exclusion marker.
	excluded, err := f.store.FundProblems().IsExcluded(context.Background(), 1, testDate)
	require.NoError(t, err)
	assert.False(t, excluded)
}

func TestLaunch_StandByPausesFundAndRaisesFlag(t *testing.T) {
	f := newFixture(t, pipelineStages(), 1, 2)
	f.runner.script(1, "validate_mapping", stage.Result{
		State: models.StageStandBy,
		Code:  standby.CodeUnmappedInstrument,
	})

	process, err := f.orch.Launch(context.Background(), testDate, "ops")
	require.NoError(t, err)

	assert.Equal(t, models.ProcessCompleted, process.State)
	assert.Equal(t, 1, process.FundsStandBy)
	assert.Equal(t, 1, process.FundsOK)
	assert.True(t, process.HasMapping)
	assert.False(t, process.HasDirty)

	// Downstream of the block-point stays pending.
	assert.False(t, f.runner.calledWith(1, "compute_nav"))
	assert.False(t, f.runner.calledWith(1, "publish_report"))

	executions, err := f.store.Executions().ListByProcess(context.Background(), process.ID)
	require.NoError(t, err)

	for _, execution := range executions {
		if execution.FundID != 1 {
			continue
		}

		assert.Equal(t, models.ExecutionStandBy, execution.FinalState)
		assert.Equal(t, models.StagePending, execution.StageStates["compute_nav"])
	}

	records, err := f.store.StandBys().Queue(context.Background())
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, standby.ProblemUnmappedInstrument, records[0].ProblemType)

	// The flag is mirrored onto the fund record as well.
	fund, err := f.store.Funds().GetByID(context.Background(), 1)
	require.NoError(t, err)
	assert.True(t, fund.Flags[string(standby.FlagMappingProblems)])
}

func TestBlocked_DownstreamOnlyOfBlockPoint(t *testing.T) {
	stages := []models.StageDefinition{
		{ID: "a", Procs: []models.ProcInvocation{{Name: "sp_a"}}},
		{ID: "b", Dependencies: []string{"a"}, Procs: []models.ProcInvocation{{Name: "sp_b"}}},
		{ID: "c", Dependencies: []string{"b"}, Procs: []models.ProcInvocation{{Name: "sp_c"}}},
		{ID: "d", Procs: []models.ProcInvocation{{Name: "sp_d"}}},
	}

	f := newFixture(t, stages, 1)

	execution := &models.Execution{
		PauseState: models.PausePaused,
		BlockPoint: "b",
	}

	assert.True(t, f.orch.Blocked(execution, "b"), "the block-point itself is blocked")
	assert.True(t, f.orch.Blocked(execution, "c"), "downstream of the block-point is blocked")
	assert.False(t, f.orch.Blocked(execution, "a"), "upstream is unaffected")
	assert.False(t, f.orch.Blocked(execution, "d"), "an unrelated stage is unaffected")

	execution.PauseState = ""
	assert.False(t, f.orch.Blocked(execution, "c"), "no pause, no blocking")
}

func TestResumeExecution_FinishesAfterResolution(t *testing.T) {
	f := newFixture(t, pipelineStages(), 1)
	f.runner.script(1, "validate_mapping", stage.Result{
		State: models.StageStandBy,
		Code:  standby.CodeUnmappedInstrument,
	})

	process, err := f.orch.Launch(context.Background(), testDate, "ops")
	require.NoError(t, err)
	require.Equal(t, 1, process.FundsStandBy)

	records, err := f.store.StandBys().Queue(context.Background())
	require.NoError(t, err)
	require.Len(t, records, 1)

	executionID := records[0].ExecutionID

	// Resuming while still paused is refused.
	_, err = f.orch.ResumeExecution(context.Background(), executionID)
	require.Error(t, err)

	require.NoError(t, f.store.StandBys().Resolve(context.Background(), records[0].ID, "ops"))
	require.NoError(t, f.store.Executions().ClearPause(context.Background(), executionID))

	execution, err := f.orch.ResumeExecution(context.Background(), executionID)
	require.NoError(t, err)

	assert.Equal(t, models.ExecutionOK, execution.FinalState)
	assert.Equal(t, models.StageOK, execution.StageStates["compute_nav"])
	assert.Equal(t, models.StageOK, execution.StageStates["publish_report"])

	// The stand-by stage is accepted as resolved, never re-entered.
	assert.Equal(t, models.StageStandBy, execution.StageStates["validate_mapping"])

	updated, err := f.store.Processes().GetByID(context.Background(), process.ID)
	require.NoError(t, err)
	assert.Zero(t, updated.FundsStandBy)
	assert.Equal(t, 1, updated.FundsOK)
}

func TestResumeExecution_NewStandByKeepsCountersPaused(t *testing.T) {
	f := newFixture(t, pipelineStages(), 1)
	f.runner.script(1, "validate_mapping", stage.Result{
		State: models.StageStandBy,
		Code:  standby.CodeUnmappedInstrument,
	})

	process, err := f.orch.Launch(context.Background(), testDate, "ops")
	require.NoError(t, err)
	require.Equal(t, 1, process.FundsStandBy)

	records, err := f.store.StandBys().Queue(context.Background())
	require.NoError(t, err)
	require.Len(t, records, 1)

	executionID := records[0].ExecutionID

	require.NoError(t, f.store.StandBys().Resolve(context.Background(), records[0].ID, "ops"))
	require.NoError(t, f.store.Executions().ClearPause(context.Background(), executionID))

	// The resumed run trips a fresh stand-by one stage further on.
	f.runner.script(1, "compute_nav", stage.Result{
		State: models.StageStandBy,
		Code:  standby.CodeDirtyPositions,
	})

	execution, err := f.orch.ResumeExecution(context.Background(), executionID)
	require.NoError(t, err)

	assert.Equal(t, models.ExecutionStandBy, execution.FinalState)
	assert.Equal(t, models.StageStandBy, execution.StageStates["compute_nav"])
	assert.Equal(t, models.StagePending, execution.StageStates["publish_report"])

	// The fund is paused again, not done: the counters must not move.
	updated, err := f.store.Processes().GetByID(context.Background(), process.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, updated.FundsStandBy)
	assert.Zero(t, updated.FundsOK)
}

func TestLaunch_AllStagesSkippedClosesFundAsSkipped(t *testing.T) {
	stages := pipelineStages()

	f := newFixture(t, stages, 1)

	for _, def := range stages {
		f.runner.script(1, def.ID, stage.Result{State: models.StageSkipped})
	}

	process, err := f.orch.Launch(context.Background(), testDate, "ops")
	require.NoError(t, err)

	assert.Equal(t, 1, process.FundsSkipped)
	assert.Zero(t, process.FundsOK)
}
