package persistence

import (
	"context"

	"github.com/fundpipe/fundpipe/pkg/models"
	"github.com/fundpipe/fundpipe/pkg/standby"
)

// ProcessRepository stores orchestrated runs.
type ProcessRepository interface {
	Create(ctx context.Context, process *models.Process) error
	GetByID(ctx context.Context, id int64) (*models.Process, error)
	Update(ctx context.Context, process *models.Process) error
	Latest(ctx context.Context) (*models.Process, error)
	ActiveForDate(ctx context.Context, reportDate string) (*models.Process, error)
}

// ExecutionRepository stores per-fund pipeline traversals. Rows are
// append-only: closed when the final state is set, never deleted.
type ExecutionRepository interface {
	Create(ctx context.Context, execution *models.Execution) error
	GetByID(ctx context.Context, id int64) (*models.Execution, error)
	ListByProcess(ctx context.Context, processID int64) ([]*models.Execution, error)
	UpdateStageState(ctx context.Context, id int64, stage string, state models.StageState) error
	SetPause(ctx context.Context, id int64, blockPoint string) error
	ClearPause(ctx context.Context, id int64) error
	IsPaused(ctx context.Context, id int64) (bool, error)
	Finish(ctx context.Context, id int64, state models.ExecutionState, errorStage, errorMessage string) error
}

// StandByRepository stores pause conditions awaiting human review.
type StandByRepository interface {
	Create(ctx context.Context, record *models.StandByRecord) error
	ListUnresolved(ctx context.Context, executionID int64) ([]*models.StandByRecord, error)
	Queue(ctx context.Context) ([]*models.StandByRecord, error)
	Resolve(ctx context.Context, id int64, resolvedBy string) error
}

// FundProblemRepository stores critical-failure exclusion markers.
type FundProblemRepository interface {
	Register(ctx context.Context, problem *models.FundProblem) error
	IsExcluded(ctx context.Context, fundID int, reportDate string) (bool, error)
	ListByDate(ctx context.Context, reportDate string) ([]*models.FundProblem, error)
	Clear(ctx context.Context, id int64) error
}

// FundRepository reads the fund catalog the orchestrator fans out over.
type FundRepository interface {
	GetByID(ctx context.Context, id int) (*models.Fund, error)
	ListEligible(ctx context.Context, reportDate string) ([]*models.Fund, error)
	SetFlag(ctx context.Context, fundID int, flag standby.ProcessFlag, value bool) error
}

// EventLogRepository appends the durable audit trail of lifecycle
// events.
type EventLogRepository interface {
	Append(ctx context.Context, record *models.EventRecord) error
	ListByExecution(ctx context.Context, executionID int64, limit int) ([]*models.EventRecord, error)
}

// Store aggregates the repositories behind one connection lifecycle.
type Store interface {
	Processes() ProcessRepository
	Executions() ExecutionRepository
	StandBys() StandByRepository
	FundProblems() FundProblemRepository
	Funds() FundRepository
	EventLog() EventLogRepository

	HealthCheck(ctx context.Context) error
	Close(ctx context.Context) error
}
