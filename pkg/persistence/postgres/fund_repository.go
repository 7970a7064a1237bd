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
	"github.com/fundpipe/fundpipe/pkg/standby"
)

// FundRepository reads and flags the fund catalog.
type FundRepository struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewFundRepository creates a new fund repository.
func NewFundRepository(db *sql.DB, logger *slog.Logger) *FundRepository {
	return &FundRepository{db: db, logger: logger}
}

const fundColumns = `
	id
  , short_name
  , COALESCE(portfolio_custody, '')
  , COALESCE(portfolio_cash_model, '')
  , COALESCE(portfolio_derivatives, '')
  , COALESCE(portfolio_alt_custody, '')
  , flags
`

func (r *FundRepository) GetByID(ctx context.Context, id int) (*models.Fund, error) {
	query := fmt.Sprintf("SELECT %s FROM funds WHERE id = $1", fundColumns)

	fund, err := scanFund(r.db.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, persistence.NewStoreError("GetByID", "fund", int64(id), persistence.ErrFundNotFound)
		}

		return nil, persistence.NewStoreError("GetByID", "fund", int64(id), err)
	}

	return fund, nil
}

// ListEligible returns active funds without an uncleared problem
// marker for the report date.
func (r *FundRepository) ListEligible(ctx context.Context, reportDate string) ([]*models.Fund, error) {
	query := fmt.Sprintf(`
		SELECT %s FROM funds f
		WHERE f.active
		  AND NOT EXISTS (
			SELECT 1 FROM fund_problems p
			WHERE p.fund_id = f.id AND p.report_date = $1 AND NOT p.cleared
		  )
		ORDER BY f.id
	`, fundColumns)

	rows, err := r.db.QueryContext(ctx, query, reportDate)
	if err != nil {
		return nil, persistence.NewStoreError("ListEligible", "fund", 0, err)
	}

	defer func() {
		if err := rows.Close(); err != nil {
			r.logger.ErrorContext(ctx, "failed to close rows", "error", err)
		}
	}()

	funds := make([]*models.Fund, 0)

	for rows.Next() {
		fund, err := scanFund(rows)
		if err != nil {
			return nil, persistence.NewStoreError("ListEligible", "fund", 0, err)
		}

		funds = append(funds, fund)
	}

	if err := rows.Err(); err != nil {
		return nil, persistence.NewStoreError("ListEligible", "fund", 0, err)
	}

	return funds, nil
}

// SetFlag flips one problem flag on the fund record.
func (r *FundRepository) SetFlag(ctx context.Context, fundID int, flag standby.ProcessFlag, value bool) error {
	query := `
		UPDATE funds
		SET flags = jsonb_set(flags, ARRAY[$2], to_jsonb($3::BOOLEAN), true)
		  , updated_at = NOW()
		WHERE id = $1
	`

	result, err := r.db.ExecContext(ctx, query, fundID, string(flag), value)
	if err != nil {
		return persistence.NewStoreError("SetFlag", "fund", int64(fundID), err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return persistence.NewStoreError("SetFlag", "fund", int64(fundID), err)
	}

	if affected == 0 {
		return persistence.NewStoreError("SetFlag", "fund", int64(fundID), persistence.ErrFundNotFound)
	}

	return nil
}

func scanFund(row rowScanner) (*models.Fund, error) {
	var (
		fund  models.Fund
		flags []byte
	)

	err := row.Scan(
		&fund.ID,
		&fund.ShortName,
		&fund.PortfolioCustody,
		&fund.PortfolioCashModel,
		&fund.PortfolioDerivative,
		&fund.PortfolioAltCustody,
		&flags,
	)
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal(flags, &fund.Flags); err != nil {
		return nil, fmt.Errorf("failed to decode fund flags: %w", err)
	}

	return &fund, nil
}
