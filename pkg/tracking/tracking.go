// Package tracking subscribes to the event bus and turns lifecycle
// events into durable audit rows. It also serves the state snapshot a
// new observer receives when it subscribes to an execution.
package tracking

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/fundpipe/fundpipe/pkg/eventbus"
	"github.com/fundpipe/fundpipe/pkg/events"
	"github.com/fundpipe/fundpipe/pkg/log"
	"github.com/fundpipe/fundpipe/pkg/models"
	"github.com/fundpipe/fundpipe/pkg/persistence"
)

// Tracker persists every lifecycle event into the event log. It never
// fails the publishing side: append errors are logged and swallowed.
type Tracker struct {
	store  persistence.Store
	logger *slog.Logger
}

func NewTracker(store persistence.Store) *Tracker {
	return &Tracker{
		store:  store,
		logger: log.WithModule("tracking"),
	}
}

// Register wires the tracker to every event type the bus carries.
func (t *Tracker) Register(bus eventbus.EventSubscriber) {
	types := []events.EventType{
		events.StageStartedEvent,
		events.StageFinishedEvent,
		events.StageFailedEvent,
		events.StageWarningEvent,
		events.StageSkippedEvent,
		events.RetryExhaustedEvent,
		events.StandByActivatedEvent,
		events.CheckpointEvent,
		events.ProcessStartedEvent,
		events.ProcessFinishedEvent,
		events.ExecutionStartedEvent,
		events.ExecutionFinishedEvent,
	}

	for _, eventType := range types {
		bus.Handle(eventType, t.handle)
	}
}

func (t *Tracker) handle(ctx context.Context, event any) error {
	record, err := t.toRecord(event)
	if err != nil {
		t.logger.Warn("skipping untrackable event", "error", err)

		return nil
	}

	if err := t.store.EventLog().Append(ctx, record); err != nil {
		t.logger.Error("failed to append event record",
			"eventType", record.EventType, "executionID", record.ExecutionID, "error", err)
	}

	return nil
}

// toRecord flattens a typed event into its audit row. The full event
// is kept as the detail payload.
func (t *Tracker) toRecord(event any) (*models.EventRecord, error) {
	record := &models.EventRecord{}

	switch e := event.(type) {
	case *events.StageStarted:
		record.ProcessID, record.ExecutionID, record.FundID = e.ProcessID, e.ExecutionID, e.FundID
		record.EventType, record.Stage = string(e.Type), e.Stage
	case *events.StageFinished:
		record.ProcessID, record.ExecutionID, record.FundID = e.ProcessID, e.ExecutionID, e.FundID
		record.EventType, record.Stage = string(e.Type), e.Stage
	case *events.StageFailed:
		record.ProcessID, record.ExecutionID, record.FundID = e.ProcessID, e.ExecutionID, e.FundID
		record.EventType, record.Stage = string(e.Type), e.Stage
	case *events.StageWarning:
		record.ProcessID, record.ExecutionID, record.FundID = e.ProcessID, e.ExecutionID, e.FundID
		record.EventType, record.Stage = string(e.Type), e.Stage
	case *events.StageSkipped:
		record.ProcessID, record.ExecutionID, record.FundID = e.ProcessID, e.ExecutionID, e.FundID
		record.EventType, record.Stage = string(e.Type), e.Stage
	case *events.RetryExhausted:
		record.ProcessID, record.ExecutionID, record.FundID = e.ProcessID, e.ExecutionID, e.FundID
		record.EventType, record.Stage = string(e.Type), e.Stage
	case *events.StandByActivated:
		record.ProcessID, record.ExecutionID, record.FundID = e.ProcessID, e.ExecutionID, e.FundID
		record.EventType, record.Stage = string(e.Type), e.Stage
	case *events.Checkpoint:
		record.ProcessID, record.ExecutionID, record.FundID = e.ProcessID, e.ExecutionID, e.FundID
		record.EventType, record.Stage = string(e.Type), e.Stage
	case *events.ProcessStarted:
		record.ProcessID, record.EventType = e.ProcessID, string(e.Type)
	case *events.ProcessFinished:
		record.ProcessID, record.EventType = e.ProcessID, string(e.Type)
	case *events.ExecutionStarted:
		record.ProcessID, record.ExecutionID, record.FundID = e.ProcessID, e.ExecutionID, e.FundID
		record.EventType = string(e.Type)
	case *events.ExecutionFinished:
		record.ProcessID, record.ExecutionID, record.FundID = e.ProcessID, e.ExecutionID, e.FundID
		record.EventType = string(e.Type)
	default:
		return nil, fmt.Errorf("unsupported event %T", event)
	}

	detail, err := json.Marshal(event)
	if err != nil {
		return nil, fmt.Errorf("failed to encode event detail: %w", err)
	}

	record.Detail = string(detail)

	return record, nil
}

// ExecutionSnapshot is the one-time state a new subscriber receives.
type ExecutionSnapshot struct {
	Execution *models.Execution       `json:"execution"`
	Process   *models.Process         `json:"process,omitempty"`
	StandBys  []*models.StandByRecord `json:"standbys,omitempty"`
	Events    []*models.EventRecord   `json:"recent_events,omitempty"`
}

const snapshotEventLimit = 20

// Snapshot implements hub.SnapshotProvider: current execution state,
// its parent process, unresolved stand-bys and the most recent events.
func (t *Tracker) Snapshot(ctx context.Context, executionID int64) (any, error) {
	execution, err := t.store.Executions().GetByID(ctx, executionID)
	if err != nil {
		return nil, err
	}

	snapshot := &ExecutionSnapshot{Execution: execution}

	if process, err := t.store.Processes().GetByID(ctx, execution.ProcessID); err == nil {
		snapshot.Process = process
	}

	if standbys, err := t.store.StandBys().ListUnresolved(ctx, executionID); err == nil {
		snapshot.StandBys = standbys
	}

	if recent, err := t.store.EventLog().ListByExecution(ctx, executionID, snapshotEventLimit); err == nil {
		snapshot.Events = recent
	}

	return snapshot, nil
}
