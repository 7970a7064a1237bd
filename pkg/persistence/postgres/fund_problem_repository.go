package postgres

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"

	"github.com/fundpipe/fundpipe/pkg/models"
	"github.com/fundpipe/fundpipe/pkg/persistence"
)

// FundProblemRepository handles critical-failure exclusion markers.
type FundProblemRepository struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewFundProblemRepository creates a new fund problem repository.
func NewFundProblemRepository(db *sql.DB, logger *slog.Logger) *FundProblemRepository {
	return &FundProblemRepository{db: db, logger: logger}
}

// Register records a critical failure. Re-registering the same
// (fund, date, stage) problem is a no-op.
func (r *FundProblemRepository) Register(ctx context.Context, problem *models.FundProblem) error {
	query := `
		INSERT INTO fund_problems (fund_id, report_date, stage, message)
		VALUES ($1, $2, $3, NULLIF($4, ''))
		ON CONFLICT (fund_id, report_date, stage) DO NOTHING
		RETURNING id
	`

	err := r.db.QueryRowContext(ctx, query,
		problem.FundID,
		problem.ReportDate,
		problem.Stage,
		problem.Message,
	).Scan(&problem.ID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil
		}

		return persistence.NewStoreError("Register", "fund_problem", 0, err)
	}

	return nil
}

func (r *FundProblemRepository) IsExcluded(ctx context.Context, fundID int, reportDate string) (bool, error) {
	var excluded bool

	err := r.db.QueryRowContext(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM fund_problems
			WHERE fund_id = $1 AND report_date = $2 AND NOT cleared
		)
	`, fundID, reportDate).Scan(&excluded)
	if err != nil {
		return false, persistence.NewStoreError("IsExcluded", "fund_problem", int64(fundID), err)
	}

	return excluded, nil
}

func (r *FundProblemRepository) ListByDate(ctx context.Context, reportDate string) ([]*models.FundProblem, error) {
	query := `
		SELECT
			id
		  , fund_id
		  , report_date::TEXT
		  , stage
		  , COALESCE(message, '')
		  , cleared
		  , created_at
		FROM fund_problems
		WHERE report_date = $1
		ORDER BY created_at
	`

	rows, err := r.db.QueryContext(ctx, query, reportDate)
	if err != nil {
		return nil, persistence.NewStoreError("ListByDate", "fund_problem", 0, err)
	}

	defer func() {
		if err := rows.Close(); err != nil {
			r.logger.ErrorContext(ctx, "failed to close rows", "error", err)
		}
	}()

	problems := make([]*models.FundProblem, 0)

	for rows.Next() {
		var problem models.FundProblem

		err := rows.Scan(
			&problem.ID,
			&problem.FundID,
			&problem.ReportDate,
			&problem.Stage,
			&problem.Message,
			&problem.Cleared,
			&problem.CreatedAt,
		)
		if err != nil {
			return nil, persistence.NewStoreError("ListByDate", "fund_problem", 0, err)
		}

		problems = append(problems, &problem)
	}

	if err := rows.Err(); err != nil {
		return nil, persistence.NewStoreError("ListByDate", "fund_problem", 0, err)
	}

	return problems, nil
}

func (r *FundProblemRepository) Clear(ctx context.Context, id int64) error {
	result, err := r.db.ExecContext(ctx, "UPDATE fund_problems SET cleared = true WHERE id = $1", id)
	if err != nil {
		return persistence.NewStoreError("Clear", "fund_problem", id, err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return persistence.NewStoreError("Clear", "fund_problem", id, err)
	}

	if affected == 0 {
		return persistence.NewStoreError("Clear", "fund_problem", id, persistence.ErrFundProblemNotFound)
	}

	return nil
}
