package postgres

import (
	"context"
	"database/sql"
	"log/slog"

	"github.com/fundpipe/fundpipe/pkg/models"
	"github.com/fundpipe/fundpipe/pkg/persistence"
)

// EventLogRepository appends the durable event audit trail.
type EventLogRepository struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewEventLogRepository creates a new event log repository.
func NewEventLogRepository(db *sql.DB, logger *slog.Logger) *EventLogRepository {
	return &EventLogRepository{db: db, logger: logger}
}

func (r *EventLogRepository) Append(ctx context.Context, record *models.EventRecord) error {
	query := `
		INSERT INTO event_log (process_id, execution_id, fund_id, event_type, stage, detail)
		VALUES (NULLIF($1, 0), NULLIF($2, 0), NULLIF($3, 0), $4, NULLIF($5, ''), NULLIF($6, ''))
		RETURNING id, created_at
	`

	err := r.db.QueryRowContext(ctx, query,
		record.ProcessID,
		record.ExecutionID,
		record.FundID,
		record.EventType,
		record.Stage,
		record.Detail,
	).Scan(&record.ID, &record.CreatedAt)
	if err != nil {
		return persistence.NewStoreError("Append", "event", 0, err)
	}

	return nil
}

func (r *EventLogRepository) ListByExecution(ctx context.Context, executionID int64, limit int) ([]*models.EventRecord, error) {
	if limit <= 0 {
		limit = 100
	}

	query := `
		SELECT
			id
		  , COALESCE(process_id, 0)
		  , COALESCE(execution_id, 0)
		  , COALESCE(fund_id, 0)
		  , event_type
		  , COALESCE(stage, '')
		  , COALESCE(detail, '')
		  , created_at
		FROM event_log
		WHERE execution_id = $1
		ORDER BY created_at DESC
		LIMIT $2
	`

	rows, err := r.db.QueryContext(ctx, query, executionID, limit)
	if err != nil {
		return nil, persistence.NewStoreError("ListByExecution", "event", executionID, err)
	}

	defer func() {
		if err := rows.Close(); err != nil {
			r.logger.ErrorContext(ctx, "failed to close rows", "error", err)
		}
	}()

	records := make([]*models.EventRecord, 0)

	for rows.Next() {
		var record models.EventRecord

		err := rows.Scan(
			&record.ID,
			&record.ProcessID,
			&record.ExecutionID,
			&record.FundID,
			&record.EventType,
			&record.Stage,
			&record.Detail,
			&record.CreatedAt,
		)
		if err != nil {
			return nil, persistence.NewStoreError("ListByExecution", "event", executionID, err)
		}

		records = append(records, &record)
	}

	if err := rows.Err(); err != nil {
		return nil, persistence.NewStoreError("ListByExecution", "event", executionID, err)
	}

	return records, nil
}
