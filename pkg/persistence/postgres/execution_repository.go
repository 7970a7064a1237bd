package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/fundpipe/fundpipe/pkg/models"
	"github.com/fundpipe/fundpipe/pkg/persistence"
)

// ExecutionRepository handles execution-related database operations.
type ExecutionRepository struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewExecutionRepository creates a new execution repository.
func NewExecutionRepository(db *sql.DB, logger *slog.Logger) *ExecutionRepository {
	return &ExecutionRepository{db: db, logger: logger}
}

const executionColumns = `
	id
  , process_id
  , fund_id
  , fund_short_name
  , COALESCE(portfolio_custody, '')
  , COALESCE(portfolio_cash_model, '')
  , COALESCE(portfolio_derivatives, '')
  , COALESCE(portfolio_alt_custody, '')
  , stage_states
  , final_state
  , COALESCE(error_stage, '')
  , COALESCE(error_message, '')
  , COALESCE(pause_state, '')
  , COALESCE(block_point, '')
  , started_at
  , finished_at
  , COALESCE(duration_ms, 0)
`

func (r *ExecutionRepository) Create(ctx context.Context, execution *models.Execution) error {
	stageStates, err := json.Marshal(execution.StageStates)
	if err != nil {
		return persistence.NewStoreError("Create", "execution", 0, err)
	}

	query := `
		INSERT INTO executions (
			process_id, fund_id, fund_short_name,
			portfolio_custody, portfolio_cash_model, portfolio_derivatives, portfolio_alt_custody,
			stage_states, final_state, started_at
		)
		VALUES ($1, $2, $3, NULLIF($4, ''), NULLIF($5, ''), NULLIF($6, ''), NULLIF($7, ''), $8, $9, $10)
		RETURNING id
	`

	err = r.db.QueryRowContext(ctx, query,
		execution.ProcessID,
		execution.FundID,
		execution.FundShortName,
		execution.PortfolioCustody,
		execution.PortfolioCashModel,
		execution.PortfolioDerivative,
		execution.PortfolioAltCustody,
		stageStates,
		execution.FinalState,
		execution.StartedAt,
	).Scan(&execution.ID)
	if err != nil {
		return persistence.NewStoreError("Create", "execution", 0, err)
	}

	return nil
}

func (r *ExecutionRepository) GetByID(ctx context.Context, id int64) (*models.Execution, error) {
	query := fmt.Sprintf("SELECT %s FROM executions WHERE id = $1", executionColumns)

	execution, err := scanExecution(r.db.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, persistence.NewStoreError("GetByID", "execution", id, persistence.ErrExecutionNotFound)
		}

		return nil, persistence.NewStoreError("GetByID", "execution", id, err)
	}

	return execution, nil
}

func (r *ExecutionRepository) ListByProcess(ctx context.Context, processID int64) ([]*models.Execution, error) {
	query := fmt.Sprintf("SELECT %s FROM executions WHERE process_id = $1 ORDER BY fund_id", executionColumns)

	rows, err := r.db.QueryContext(ctx, query, processID)
	if err != nil {
		return nil, persistence.NewStoreError("ListByProcess", "execution", processID, err)
	}

	defer func() {
		if err := rows.Close(); err != nil {
			r.logger.ErrorContext(ctx, "failed to close rows", "error", err)
		}
	}()

	executions := make([]*models.Execution, 0)

	for rows.Next() {
		execution, err := scanExecution(rows)
		if err != nil {
			return nil, persistence.NewStoreError("ListByProcess", "execution", processID, err)
		}

		executions = append(executions, execution)
	}

	if err := rows.Err(); err != nil {
		return nil, persistence.NewStoreError("ListByProcess", "execution", processID, err)
	}

	return executions, nil
}

// UpdateStageState advances one stage marker inside the JSONB state
// map.
func (r *ExecutionRepository) UpdateStageState(ctx context.Context, id int64, stage string, state models.StageState) error {
	query := `
		UPDATE executions
		SET stage_states = jsonb_set(stage_states, ARRAY[$2], to_jsonb($3::TEXT), true)
		WHERE id = $1
	`

	return r.exec(ctx, "UpdateStageState", id, query, id, stage, string(state))
}

func (r *ExecutionRepository) SetPause(ctx context.Context, id int64, blockPoint string) error {
	query := `
		UPDATE executions
		SET pause_state = 'PAUSED', block_point = $2
		WHERE id = $1
	`

	return r.exec(ctx, "SetPause", id, query, id, blockPoint)
}

func (r *ExecutionRepository) ClearPause(ctx context.Context, id int64) error {
	query := `
		UPDATE executions
		SET pause_state = NULL, block_point = NULL
		WHERE id = $1
	`

	return r.exec(ctx, "ClearPause", id, query, id)
}

func (r *ExecutionRepository) IsPaused(ctx context.Context, id int64) (bool, error) {
	var paused bool

	err := r.db.QueryRowContext(ctx,
		"SELECT pause_state = 'PAUSED' FROM executions WHERE id = $1", id,
	).Scan(&paused)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, persistence.NewStoreError("IsPaused", "execution", id, persistence.ErrExecutionNotFound)
		}

		return false, persistence.NewStoreError("IsPaused", "execution", id, err)
	}

	return paused, nil
}

// Finish closes the execution with its final state.
func (r *ExecutionRepository) Finish(ctx context.Context, id int64, state models.ExecutionState, errorStage, errorMessage string) error {
	query := `
		UPDATE executions
		SET final_state = $2
		  , error_stage = NULLIF($3, '')
		  , error_message = NULLIF($4, '')
		  , finished_at = NOW()
		  , duration_ms = (EXTRACT(EPOCH FROM (NOW() - started_at)) * 1000)::BIGINT
		WHERE id = $1
	`

	return r.exec(ctx, "Finish", id, query, id, state, errorStage, errorMessage)
}

func (r *ExecutionRepository) exec(ctx context.Context, op string, id int64, query string, args ...any) error {
	result, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return persistence.NewStoreError(op, "execution", id, err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return persistence.NewStoreError(op, "execution", id, err)
	}

	if affected == 0 {
		return persistence.NewStoreError(op, "execution", id, persistence.ErrExecutionNotFound)
	}

	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanExecution(row rowScanner) (*models.Execution, error) {
	var (
		execution   models.Execution
		stageStates []byte
		pauseState  string
	)

	err := row.Scan(
		&execution.ID,
		&execution.ProcessID,
		&execution.FundID,
		&execution.FundShortName,
		&execution.PortfolioCustody,
		&execution.PortfolioCashModel,
		&execution.PortfolioDerivative,
		&execution.PortfolioAltCustody,
		&stageStates,
		&execution.FinalState,
		&execution.ErrorStage,
		&execution.ErrorMessage,
		&pauseState,
		&execution.BlockPoint,
		&execution.StartedAt,
		&execution.FinishedAt,
		&execution.DurationMs,
	)
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal(stageStates, &execution.StageStates); err != nil {
		return nil, fmt.Errorf("failed to decode stage states: %w", err)
	}

	execution.PauseState = models.PauseState(pauseState)

	return &execution, nil
}
