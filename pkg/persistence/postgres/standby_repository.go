package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"

	"github.com/fundpipe/fundpipe/pkg/models"
	"github.com/fundpipe/fundpipe/pkg/persistence"
)

// StandByRepository handles stand-by record database operations.
type StandByRepository struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewStandByRepository creates a new stand-by repository.
func NewStandByRepository(db *sql.DB, logger *slog.Logger) *StandByRepository {
	return &StandByRepository{db: db, logger: logger}
}

const standByColumns = `
	id
  , execution_id
  , fund_id
  , problem_type
  , result_code
  , stage
  , COALESCE(block_point, '')
  , problem_count
  , COALESCE(detail, '')
  , resolved
  , COALESCE(resolved_by, '')
  , resolved_at
  , created_at
`

// Create inserts a pause record. The (execution, stage) unique
// constraint makes repeated detections of the same pause a no-op.
func (r *StandByRepository) Create(ctx context.Context, record *models.StandByRecord) error {
	query := `
		INSERT INTO standby_records (
			execution_id, fund_id, problem_type, result_code, stage,
			block_point, problem_count, detail
		)
		VALUES ($1, $2, $3, $4, $5, NULLIF($6, ''), $7, NULLIF($8, ''))
		ON CONFLICT (execution_id, stage) DO NOTHING
		RETURNING id
	`

	err := r.db.QueryRowContext(ctx, query,
		record.ExecutionID,
		record.FundID,
		record.ProblemType,
		record.ResultCode,
		record.Stage,
		record.BlockPoint,
		record.ProblemCount,
		record.Detail,
	).Scan(&record.ID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			// Conflict path: the pause was already recorded.
			return nil
		}

		return persistence.NewStoreError("Create", "standby", 0, err)
	}

	return nil
}

func (r *StandByRepository) ListUnresolved(ctx context.Context, executionID int64) ([]*models.StandByRecord, error) {
	query := fmt.Sprintf(`
		SELECT %s FROM standby_records
		WHERE execution_id = $1 AND NOT resolved
		ORDER BY created_at
	`, standByColumns)

	return r.list(ctx, "ListUnresolved", query, executionID)
}

// Queue returns every unresolved pause across all executions, oldest
// first. This is the review queue operators work through.
func (r *StandByRepository) Queue(ctx context.Context) ([]*models.StandByRecord, error) {
	query := fmt.Sprintf(`
		SELECT %s FROM standby_records
		WHERE NOT resolved
		ORDER BY created_at
	`, standByColumns)

	return r.list(ctx, "Queue", query)
}

func (r *StandByRepository) Resolve(ctx context.Context, id int64, resolvedBy string) error {
	query := `
		UPDATE standby_records
		SET resolved = true, resolved_by = $2, resolved_at = NOW()
		WHERE id = $1 AND NOT resolved
	`

	result, err := r.db.ExecContext(ctx, query, id, resolvedBy)
	if err != nil {
		return persistence.NewStoreError("Resolve", "standby", id, err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return persistence.NewStoreError("Resolve", "standby", id, err)
	}

	if affected == 0 {
		var resolved bool

		err := r.db.QueryRowContext(ctx, "SELECT resolved FROM standby_records WHERE id = $1", id).Scan(&resolved)
		if errors.Is(err, sql.ErrNoRows) {
			return persistence.NewStoreError("Resolve", "standby", id, persistence.ErrStandByNotFound)
		}

		if err == nil && resolved {
			return persistence.NewStoreError("Resolve", "standby", id, persistence.ErrStandByAlreadyResolved)
		}

		return persistence.NewStoreError("Resolve", "standby", id, persistence.ErrStandByNotFound)
	}

	return nil
}

func (r *StandByRepository) list(ctx context.Context, op, query string, args ...any) ([]*models.StandByRecord, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, persistence.NewStoreError(op, "standby", 0, err)
	}

	defer func() {
		if err := rows.Close(); err != nil {
			r.logger.ErrorContext(ctx, "failed to close rows", "error", err)
		}
	}()

	records := make([]*models.StandByRecord, 0)

	for rows.Next() {
		var record models.StandByRecord

		err := rows.Scan(
			&record.ID,
			&record.ExecutionID,
			&record.FundID,
			&record.ProblemType,
			&record.ResultCode,
			&record.Stage,
			&record.BlockPoint,
			&record.ProblemCount,
			&record.Detail,
			&record.Resolved,
			&record.ResolvedBy,
			&record.ResolvedAt,
			&record.CreatedAt,
		)
		if err != nil {
			return nil, persistence.NewStoreError(op, "standby", 0, err)
		}

		records = append(records, &record)
	}

	if err := rows.Err(); err != nil {
		return nil, persistence.NewStoreError(op, "standby", 0, err)
	}

	return records, nil
}
