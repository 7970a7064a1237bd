// Package memory provides an in-memory persistence implementation for
// tests and local development.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/fundpipe/fundpipe/pkg/models"
	"github.com/fundpipe/fundpipe/pkg/persistence"
	"github.com/fundpipe/fundpipe/pkg/standby"
)

// Store implements persistence.Store with process-local maps.
type Store struct {
	mu sync.RWMutex

	nextID     int64
	processes  map[int64]*models.Process
	executions map[int64]*models.Execution
	standbys   map[int64]*models.StandByRecord
	problems   map[int64]*models.FundProblem
	funds      map[int]*models.Fund
	events     []*models.EventRecord
}

func NewStore() *Store {
	return &Store{
		processes:  make(map[int64]*models.Process),
		executions: make(map[int64]*models.Execution),
		standbys:   make(map[int64]*models.StandByRecord),
		problems:   make(map[int64]*models.FundProblem),
		funds:      make(map[int]*models.Fund),
	}
}

func (s *Store) Processes() persistence.ProcessRepository        { return (*processRepo)(s) }
func (s *Store) Executions() persistence.ExecutionRepository     { return (*executionRepo)(s) }
func (s *Store) StandBys() persistence.StandByRepository         { return (*standByRepo)(s) }
func (s *Store) FundProblems() persistence.FundProblemRepository { return (*fundProblemRepo)(s) }
func (s *Store) Funds() persistence.FundRepository               { return (*fundRepo)(s) }
func (s *Store) EventLog() persistence.EventLogRepository        { return (*eventLogRepo)(s) }

func (s *Store) HealthCheck(context.Context) error { return nil }
func (s *Store) Close(context.Context) error       { return nil }

// AddFund seeds the catalog.
func (s *Store) AddFund(fund *models.Fund) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.funds[fund.ID] = fund
}

func (s *Store) allocateID() int64 {
	s.nextID++

	return s.nextID
}

type processRepo Store

func (r *processRepo) Create(_ context.Context, process *models.Process) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	process.ID = (*Store)(r).allocateID()
	copied := *process
	r.processes[process.ID] = &copied

	return nil
}

func (r *processRepo) GetByID(_ context.Context, id int64) (*models.Process, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	process, ok := r.processes[id]
	if !ok {
		return nil, persistence.NewStoreError("GetByID", "process", id, persistence.ErrProcessNotFound)
	}

	copied := *process

	return &copied, nil
}

func (r *processRepo) Update(_ context.Context, process *models.Process) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.processes[process.ID]; !ok {
		return persistence.NewStoreError("Update", "process", process.ID, persistence.ErrProcessNotFound)
	}

	copied := *process
	r.processes[process.ID] = &copied

	return nil
}

func (r *processRepo) Latest(_ context.Context) (*models.Process, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var latest *models.Process

	for _, process := range r.processes {
		if latest == nil || process.StartedAt.After(latest.StartedAt) {
			latest = process
		}
	}

	if latest == nil {
		return nil, persistence.NewStoreError("Latest", "process", 0, persistence.ErrProcessNotFound)
	}

	copied := *latest

	return &copied, nil
}

func (r *processRepo) ActiveForDate(_ context.Context, reportDate string) (*models.Process, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, process := range r.processes {
		if process.ReportDate == reportDate && process.State == models.ProcessInProgress {
			copied := *process

			return &copied, nil
		}
	}

	return nil, persistence.NewStoreError("ActiveForDate", "process", 0, persistence.ErrProcessNotFound)
}

type executionRepo Store

func (r *executionRepo) Create(_ context.Context, execution *models.Execution) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	execution.ID = (*Store)(r).allocateID()
	copied := *execution
	copied.StageStates = cloneStates(execution.StageStates)
	r.executions[execution.ID] = &copied

	return nil
}

func (r *executionRepo) GetByID(_ context.Context, id int64) (*models.Execution, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	execution, ok := r.executions[id]
	if !ok {
		return nil, persistence.NewStoreError("GetByID", "execution", id, persistence.ErrExecutionNotFound)
	}

	copied := *execution
	copied.StageStates = cloneStates(execution.StageStates)

	return &copied, nil
}

func (r *executionRepo) ListByProcess(_ context.Context, processID int64) ([]*models.Execution, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	executions := make([]*models.Execution, 0)

	for _, execution := range r.executions {
		if execution.ProcessID == processID {
			copied := *execution
			copied.StageStates = cloneStates(execution.StageStates)
			executions = append(executions, &copied)
		}
	}

	sort.Slice(executions, func(i, j int) bool { return executions[i].FundID < executions[j].FundID })

	return executions, nil
}

func (r *executionRepo) UpdateStageState(_ context.Context, id int64, stage string, state models.StageState) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	execution, ok := r.executions[id]
	if !ok {
		return persistence.NewStoreError("UpdateStageState", "execution", id, persistence.ErrExecutionNotFound)
	}

	if execution.StageStates == nil {
		execution.StageStates = make(map[string]models.StageState)
	}

	execution.StageStates[stage] = state

	return nil
}

func (r *executionRepo) SetPause(_ context.Context, id int64, blockPoint string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	execution, ok := r.executions[id]
	if !ok {
		return persistence.NewStoreError("SetPause", "execution", id, persistence.ErrExecutionNotFound)
	}

	execution.PauseState = models.PausePaused
	execution.BlockPoint = blockPoint

	return nil
}

func (r *executionRepo) ClearPause(_ context.Context, id int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	execution, ok := r.executions[id]
	if !ok {
		return persistence.NewStoreError("ClearPause", "execution", id, persistence.ErrExecutionNotFound)
	}

	execution.PauseState = ""
	execution.BlockPoint = ""

	return nil
}

func (r *executionRepo) IsPaused(_ context.Context, id int64) (bool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	execution, ok := r.executions[id]
	if !ok {
		return false, persistence.NewStoreError("IsPaused", "execution", id, persistence.ErrExecutionNotFound)
	}

	return execution.Paused(), nil
}

func (r *executionRepo) Finish(_ context.Context, id int64, state models.ExecutionState, errorStage, errorMessage string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	execution, ok := r.executions[id]
	if !ok {
		return persistence.NewStoreError("Finish", "execution", id, persistence.ErrExecutionNotFound)
	}

	now := time.Now()
	execution.FinalState = state
	execution.ErrorStage = errorStage
	execution.ErrorMessage = errorMessage
	execution.FinishedAt = &now
	execution.DurationMs = now.Sub(execution.StartedAt).Milliseconds()

	return nil
}

type standByRepo Store

func (r *standByRepo) Create(_ context.Context, record *models.StandByRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, existing := range r.standbys {
		if existing.ExecutionID == record.ExecutionID && existing.Stage == record.Stage {
			record.ID = existing.ID

			return nil
		}
	}

	record.ID = (*Store)(r).allocateID()
	record.CreatedAt = time.Now()
	copied := *record
	r.standbys[record.ID] = &copied

	return nil
}

func (r *standByRepo) ListUnresolved(_ context.Context, executionID int64) ([]*models.StandByRecord, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	records := make([]*models.StandByRecord, 0)

	for _, record := range r.standbys {
		if record.ExecutionID == executionID && !record.Resolved {
			copied := *record
			records = append(records, &copied)
		}
	}

	sort.Slice(records, func(i, j int) bool { return records[i].CreatedAt.Before(records[j].CreatedAt) })

	return records, nil
}

func (r *standByRepo) Queue(_ context.Context) ([]*models.StandByRecord, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	records := make([]*models.StandByRecord, 0)

	for _, record := range r.standbys {
		if !record.Resolved {
			copied := *record
			records = append(records, &copied)
		}
	}

	sort.Slice(records, func(i, j int) bool { return records[i].CreatedAt.Before(records[j].CreatedAt) })

	return records, nil
}

func (r *standByRepo) Resolve(_ context.Context, id int64, resolvedBy string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	record, ok := r.standbys[id]
	if !ok {
		return persistence.NewStoreError("Resolve", "standby", id, persistence.ErrStandByNotFound)
	}

	if record.Resolved {
		return persistence.NewStoreError("Resolve", "standby", id, persistence.ErrStandByAlreadyResolved)
	}

	now := time.Now()
	record.Resolved = true
	record.ResolvedBy = resolvedBy
	record.ResolvedAt = &now

	return nil
}

type fundProblemRepo Store

func (r *fundProblemRepo) Register(_ context.Context, problem *models.FundProblem) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, existing := range r.problems {
		if existing.FundID == problem.FundID && existing.ReportDate == problem.ReportDate && existing.Stage == problem.Stage {
			problem.ID = existing.ID

			return nil
		}
	}

	problem.ID = (*Store)(r).allocateID()
	problem.CreatedAt = time.Now()
	copied := *problem
	r.problems[problem.ID] = &copied

	return nil
}

func (r *fundProblemRepo) IsExcluded(_ context.Context, fundID int, reportDate string) (bool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, problem := range r.problems {
		if problem.FundID == fundID && problem.ReportDate == reportDate && !problem.Cleared {
			return true, nil
		}
	}

	return false, nil
}

func (r *fundProblemRepo) ListByDate(_ context.Context, reportDate string) ([]*models.FundProblem, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	problems := make([]*models.FundProblem, 0)

	for _, problem := range r.problems {
		if problem.ReportDate == reportDate {
			copied := *problem
			problems = append(problems, &copied)
		}
	}

	sort.Slice(problems, func(i, j int) bool { return problems[i].ID < problems[j].ID })

	return problems, nil
}

func (r *fundProblemRepo) Clear(_ context.Context, id int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	problem, ok := r.problems[id]
	if !ok {
		return persistence.NewStoreError("Clear", "fund_problem", id, persistence.ErrFundProblemNotFound)
	}

	problem.Cleared = true

	return nil
}

type fundRepo Store

func (r *fundRepo) GetByID(_ context.Context, id int) (*models.Fund, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	fund, ok := r.funds[id]
	if !ok {
		return nil, persistence.NewStoreError("GetByID", "fund", int64(id), persistence.ErrFundNotFound)
	}

	copied := *fund

	return &copied, nil
}

func (r *fundRepo) ListEligible(ctx context.Context, reportDate string) ([]*models.Fund, error) {
	r.mu.RLock()

	funds := make([]*models.Fund, 0, len(r.funds))
	for _, fund := range r.funds {
		copied := *fund
		funds = append(funds, &copied)
	}
	r.mu.RUnlock()

	sort.Slice(funds, func(i, j int) bool { return funds[i].ID < funds[j].ID })

	eligible := make([]*models.Fund, 0, len(funds))

	for _, fund := range funds {
		excluded, err := (*fundProblemRepo)(r).IsExcluded(ctx, fund.ID, reportDate)
		if err != nil {
			return nil, err
		}

		if !excluded {
			eligible = append(eligible, fund)
		}
	}

	return eligible, nil
}

func (r *fundRepo) SetFlag(_ context.Context, fundID int, flag standby.ProcessFlag, value bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	fund, ok := r.funds[fundID]
	if !ok {
		return persistence.NewStoreError("SetFlag", "fund", int64(fundID), persistence.ErrFundNotFound)
	}

	if fund.Flags == nil {
		fund.Flags = make(map[string]bool)
	}

	fund.Flags[string(flag)] = value

	return nil
}

type eventLogRepo Store

func (r *eventLogRepo) Append(_ context.Context, record *models.EventRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	record.ID = (*Store)(r).allocateID()
	record.CreatedAt = time.Now()
	copied := *record
	r.events = append(r.events, &copied)

	return nil
}

func (r *eventLogRepo) ListByExecution(_ context.Context, executionID int64, limit int) ([]*models.EventRecord, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	records := make([]*models.EventRecord, 0)

	for n := len(r.events) - 1; n >= 0; n-- {
		if r.events[n].ExecutionID != executionID {
			continue
		}

		copied := *r.events[n]
		records = append(records, &copied)

		if limit > 0 && len(records) >= limit {
			break
		}
	}

	return records, nil
}

func cloneStates(states map[string]models.StageState) map[string]models.StageState {
	if states == nil {
		return nil
	}

	cloned := make(map[string]models.StageState, len(states))
	for k, v := range states {
		cloned[k] = v
	}

	return cloned
}
