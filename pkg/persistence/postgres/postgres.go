// Package postgres provides the PostgreSQL persistence implementation
// for processes, executions, stand-by records and fund problems.
package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"

	_ "github.com/lib/pq" // postgres driver

	"github.com/fundpipe/fundpipe/pkg/persistence"
	"github.com/fundpipe/fundpipe/pkg/persistence/sqlbase"
)

// Store implements persistence.Store for PostgreSQL.
type Store struct {
	db     *sql.DB
	logger *slog.Logger

	processes    *ProcessRepository
	executions   *ExecutionRepository
	standbys     *StandByRepository
	fundProblems *FundProblemRepository
	funds        *FundRepository
	eventLog     *EventLogRepository
}

// NewStore connects, runs migrations and wires the repositories.
func NewStore(ctx context.Context, logger *slog.Logger, databaseURL string) (*Store, error) {
	database, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to PostgreSQL database: %w", err)
	}

	err = database.PingContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	migrationManager := sqlbase.NewMigrationManager(logger, database, migrations())

	err = migrationManager.RunMigrations(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return &Store{
		db:           database,
		logger:       logger,
		processes:    NewProcessRepository(database, logger),
		executions:   NewExecutionRepository(database, logger),
		standbys:     NewStandByRepository(database, logger),
		fundProblems: NewFundProblemRepository(database, logger),
		funds:        NewFundRepository(database, logger),
		eventLog:     NewEventLogRepository(database, logger),
	}, nil
}

func (s *Store) Processes() persistence.ProcessRepository       { return s.processes }
func (s *Store) Executions() persistence.ExecutionRepository    { return s.executions }
func (s *Store) StandBys() persistence.StandByRepository        { return s.standbys }
func (s *Store) FundProblems() persistence.FundProblemRepository { return s.fundProblems }
func (s *Store) Funds() persistence.FundRepository              { return s.funds }
func (s *Store) EventLog() persistence.EventLogRepository       { return s.eventLog }

// DB exposes the underlying pool for callers that own their own
// transactions, such as the stage executor.
func (s *Store) DB() *sql.DB { return s.db }

// HealthCheck verifies the database connection is healthy.
func (s *Store) HealthCheck(ctx context.Context) error {
	err := s.db.PingContext(ctx)
	if err != nil {
		return fmt.Errorf("failed to ping database: %w", err)
	}

	return nil
}

// Close closes the database connection.
func (s *Store) Close(ctx context.Context) error {
	if s.db != nil {
		err := s.db.Close()
		if err != nil {
			return fmt.Errorf("failed to close database connection: %w", err)
		}
	}

	return nil
}
