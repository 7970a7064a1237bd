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

// ProcessRepository handles process-related database operations.
type ProcessRepository struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewProcessRepository creates a new process repository.
func NewProcessRepository(db *sql.DB, logger *slog.Logger) *ProcessRepository {
	return &ProcessRepository{db: db, logger: logger}
}

const processColumns = `
	id
  , report_date::TEXT
  , state
  , total_funds
  , funds_ok
  , funds_error
  , funds_standby
  , funds_skipped
  , has_dirty_positions
  , has_mapping_problems
  , has_mismatches
  , has_missing_extracts
  , COALESCE(initiated_by, '')
  , started_at
  , finished_at
`

func (r *ProcessRepository) Create(ctx context.Context, process *models.Process) error {
	query := `
		INSERT INTO processes (report_date, state, total_funds, initiated_by, started_at)
		VALUES ($1, $2, $3, NULLIF($4, ''), $5)
		RETURNING id
	`

	err := r.db.QueryRowContext(ctx, query,
		process.ReportDate,
		process.State,
		process.TotalFunds,
		process.InitiatedBy,
		process.StartedAt,
	).Scan(&process.ID)
	if err != nil {
		return persistence.NewStoreError("Create", "process", 0, err)
	}

	return nil
}

func (r *ProcessRepository) GetByID(ctx context.Context, id int64) (*models.Process, error) {
	query := fmt.Sprintf("SELECT %s FROM processes WHERE id = $1", processColumns)

	process, err := r.scanProcess(r.db.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, persistence.NewStoreError("GetByID", "process", id, persistence.ErrProcessNotFound)
		}

		return nil, persistence.NewStoreError("GetByID", "process", id, err)
	}

	return process, nil
}

func (r *ProcessRepository) Update(ctx context.Context, process *models.Process) error {
	query := `
		UPDATE processes SET
			state = $2
		  , total_funds = $3
		  , funds_ok = $4
		  , funds_error = $5
		  , funds_standby = $6
		  , funds_skipped = $7
		  , has_dirty_positions = $8
		  , has_mapping_problems = $9
		  , has_mismatches = $10
		  , has_missing_extracts = $11
		  , finished_at = $12
		WHERE id = $1
	`

	result, err := r.db.ExecContext(ctx, query,
		process.ID,
		process.State,
		process.TotalFunds,
		process.FundsOK,
		process.FundsError,
		process.FundsStandBy,
		process.FundsSkipped,
		process.HasDirty,
		process.HasMapping,
		process.HasMismatches,
		process.HasMissing,
		process.FinishedAt,
	)
	if err != nil {
		return persistence.NewStoreError("Update", "process", process.ID, err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return persistence.NewStoreError("Update", "process", process.ID, err)
	}

	if affected == 0 {
		return persistence.NewStoreError("Update", "process", process.ID, persistence.ErrProcessNotFound)
	}

	return nil
}

func (r *ProcessRepository) Latest(ctx context.Context) (*models.Process, error) {
	query := fmt.Sprintf("SELECT %s FROM processes ORDER BY started_at DESC LIMIT 1", processColumns)

	process, err := r.scanProcess(r.db.QueryRowContext(ctx, query))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, persistence.NewStoreError("Latest", "process", 0, persistence.ErrProcessNotFound)
		}

		return nil, persistence.NewStoreError("Latest", "process", 0, err)
	}

	return process, nil
}

// ActiveForDate returns the in-progress process for a report date, if
// any. Used to refuse double launches.
func (r *ProcessRepository) ActiveForDate(ctx context.Context, reportDate string) (*models.Process, error) {
	query := fmt.Sprintf(`
		SELECT %s FROM processes
		WHERE report_date = $1 AND state = 'IN_PROGRESS'
		ORDER BY started_at DESC
		LIMIT 1
	`, processColumns)

	process, err := r.scanProcess(r.db.QueryRowContext(ctx, query, reportDate))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, persistence.NewStoreError("ActiveForDate", "process", 0, persistence.ErrProcessNotFound)
		}

		return nil, persistence.NewStoreError("ActiveForDate", "process", 0, err)
	}

	return process, nil
}

func (r *ProcessRepository) scanProcess(row *sql.Row) (*models.Process, error) {
	var process models.Process

	err := row.Scan(
		&process.ID,
		&process.ReportDate,
		&process.State,
		&process.TotalFunds,
		&process.FundsOK,
		&process.FundsError,
		&process.FundsStandBy,
		&process.FundsSkipped,
		&process.HasDirty,
		&process.HasMapping,
		&process.HasMismatches,
		&process.HasMissing,
		&process.InitiatedBy,
		&process.StartedAt,
		&process.FinishedAt,
	)
	if err != nil {
		return nil, err
	}

	return &process, nil
}
