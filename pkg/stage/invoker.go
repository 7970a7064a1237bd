package stage

import (
	"context"
	"fmt"
	"strings"

	"github.com/lib/pq"

	"github.com/fundpipe/fundpipe/pkg/models"
	"github.com/fundpipe/fundpipe/pkg/standby"
)

// SQLInvoker calls stage procedures as set-returning functions that
// report `(result_code, rows_processed)`. Arguments are drawn from the
// process and execution records by the declared input field names.
type SQLInvoker struct{}

func (i *SQLInvoker) Invoke(ctx context.Context, tx Tx, proc models.ProcInvocation, process *models.Process, execution *models.Execution) (ProcResult, error) {
	args := make([]any, 0, len(proc.InputFields))
	placeholders := make([]string, 0, len(proc.InputFields))

	for n, field := range proc.InputFields {
		value, err := i.argFor(field, process, execution)
		if err != nil {
			return ProcResult{}, err
		}

		args = append(args, value)
		placeholders = append(placeholders, fmt.Sprintf("$%d", n+1))
	}

	query := fmt.Sprintf("SELECT result_code, rows_processed FROM %s(%s)",
		pq.QuoteIdentifier(proc.Name), strings.Join(placeholders, ", "))

	rows, err := tx.QueryContext(ctx, query, args...)
	if err != nil {
		return ProcResult{}, err
	}

	defer func() { _ = rows.Close() }()

	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return ProcResult{}, err
		}

		return ProcResult{}, fmt.Errorf("%s returned no result row", proc.Name)
	}

	var (
		code      int
		processed int64
	)

	if err := rows.Scan(&code, &processed); err != nil {
		return ProcResult{}, err
	}

	if err := rows.Err(); err != nil {
		return ProcResult{}, err
	}

	return ProcResult{Code: standby.ResultCode(code), Rows: processed}, nil
}

func (i *SQLInvoker) argFor(field string, process *models.Process, execution *models.Execution) (any, error) {
	switch field {
	case "execution_id":
		return execution.ID, nil
	case "process_id":
		return execution.ProcessID, nil
	case "fund_id":
		return execution.FundID, nil
	case "fund_short_name":
		return execution.FundShortName, nil
	case "portfolio_custody":
		return execution.PortfolioCustody, nil
	case "portfolio_cash_model":
		return execution.PortfolioCashModel, nil
	case "portfolio_derivatives":
		return execution.PortfolioDerivative, nil
	case "portfolio_alt_custody":
		return execution.PortfolioAltCustody, nil
	case "report_date":
		return process.ReportDate, nil
	default:
		return nil, fmt.Errorf("unknown input field %q", field)
	}
}
