// Package events defines the closed set of pipeline lifecycle events
// carried by the event bus. Adding or renaming an event is a
// compile-time-checked change: every variant is decoded in the single
// switch at the bus boundary.
package events

import (
	"time"

	"github.com/fundpipe/fundpipe/pkg/standby"
	"github.com/google/uuid"
)

type EventType string

const Topic = "fundpipe.events"

const EventMetadataKey = "key"
const EventTypeMetadataKey = "event_type"

const (
	StageStartedEvent      EventType = "stage.started"
	StageFinishedEvent     EventType = "stage.finished"
	StageFailedEvent       EventType = "stage.failed"
	StageWarningEvent      EventType = "stage.warning"
	StageSkippedEvent      EventType = "stage.skipped"
	RetryExhaustedEvent    EventType = "stage.retry.exhausted"
	StandByActivatedEvent  EventType = "standby.activated"
	CheckpointEvent        EventType = "stage.checkpoint"
	ProcessStartedEvent    EventType = "process.started"
	ProcessFinishedEvent   EventType = "process.finished"
	ExecutionStartedEvent  EventType = "execution.started"
	ExecutionFinishedEvent EventType = "execution.finished"
)

type BaseEvent struct {
	ID        string         `json:"id"`
	Type      EventType      `json:"type"`
	Timestamp time.Time      `json:"timestamp"`
	ProcessID int64          `json:"process_id,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

func NewBaseEvent(eventType EventType, processID int64) BaseEvent {
	return BaseEvent{
		ID:        uuid.New().String(),
		Type:      eventType,
		Timestamp: time.Now().UTC(),
		ProcessID: processID,
	}
}

type StageStarted struct {
	BaseEvent

	ExecutionID int64  `json:"execution_id"`
	FundID      int    `json:"fund_id"`
	Stage       string `json:"stage"`
}

func (e StageStarted) GetType() EventType { return StageStartedEvent }

type StageFinished struct {
	BaseEvent

	ExecutionID   int64  `json:"execution_id"`
	FundID        int    `json:"fund_id"`
	Stage         string `json:"stage"`
	DurationMs    int64  `json:"duration_ms"`
	RowsProcessed int64  `json:"rows_processed,omitempty"`
}

func (e StageFinished) GetType() EventType { return StageFinishedEvent }

type StageFailed struct {
	BaseEvent

	ExecutionID int64  `json:"execution_id"`
	FundID      int    `json:"fund_id"`
	Stage       string `json:"stage"`
	SubStep     string `json:"sub_step,omitempty"`
	Error       string `json:"error"`
	// Assertion marks result code 4: a bug, not a business failure.
	Assertion bool `json:"assertion,omitempty"`
}

func (e StageFailed) GetType() EventType { return StageFailedEvent }

type StageWarning struct {
	BaseEvent

	ExecutionID int64  `json:"execution_id"`
	FundID      int    `json:"fund_id"`
	Stage       string `json:"stage"`
	Message     string `json:"message"`
}

func (e StageWarning) GetType() EventType { return StageWarningEvent }

type StageSkipped struct {
	BaseEvent

	ExecutionID int64  `json:"execution_id"`
	FundID      int    `json:"fund_id"`
	Stage       string `json:"stage"`
	Reason      string `json:"reason,omitempty"`
}

func (e StageSkipped) GetType() EventType { return StageSkippedEvent }

type RetryExhausted struct {
	BaseEvent

	ExecutionID int64  `json:"execution_id"`
	FundID      int    `json:"fund_id"`
	Stage       string `json:"stage"`
	Proc        string `json:"proc"`
	Attempts    int    `json:"attempts"`
	Class       string `json:"class"`
	Error       string `json:"error"`
}

func (e RetryExhausted) GetType() EventType { return RetryExhaustedEvent }

type StandByActivated struct {
	BaseEvent

	ExecutionID  int64               `json:"execution_id"`
	FundID       int                 `json:"fund_id"`
	Stage        string              `json:"stage"`
	ResultCode   standby.ResultCode  `json:"result_code"`
	ProblemType  standby.ProblemType `json:"problem_type"`
	BlockPoint   string              `json:"block_point,omitempty"`
	ProblemCount int                 `json:"problem_count,omitempty"`
	Detail       string              `json:"detail,omitempty"`
}

func (e StandByActivated) GetType() EventType { return StandByActivatedEvent }

type Checkpoint struct {
	BaseEvent

	ExecutionID int64  `json:"execution_id"`
	FundID      int    `json:"fund_id,omitempty"`
	Stage       string `json:"stage,omitempty"`
	Operation   string `json:"operation"`
	Object      string `json:"object,omitempty"`
	Rows        int64  `json:"rows,omitempty"`
	Message     string `json:"message,omitempty"`
}

func (e Checkpoint) GetType() EventType { return CheckpointEvent }

type ProcessStarted struct {
	BaseEvent

	ReportDate  string `json:"report_date"`
	TotalFunds  int    `json:"total_funds"`
	InitiatedBy string `json:"initiated_by,omitempty"`
}

func (e ProcessStarted) GetType() EventType { return ProcessStartedEvent }

type ProcessFinished struct {
	BaseEvent

	State        string `json:"state"`
	FundsOK      int    `json:"funds_ok"`
	FundsError   int    `json:"funds_error"`
	FundsStandBy int    `json:"funds_standby"`
	FundsSkipped int    `json:"funds_skipped"`
	DurationMs   int64  `json:"duration_ms"`
}

func (e ProcessFinished) GetType() EventType { return ProcessFinishedEvent }

type ExecutionStarted struct {
	BaseEvent

	ExecutionID   int64  `json:"execution_id"`
	FundID        int    `json:"fund_id"`
	FundShortName string `json:"fund_short_name,omitempty"`
}

func (e ExecutionStarted) GetType() EventType { return ExecutionStartedEvent }

type ExecutionFinished struct {
	BaseEvent

	ExecutionID int64  `json:"execution_id"`
	FundID      int    `json:"fund_id"`
	FinalState  string `json:"final_state"`
	DurationMs  int64  `json:"duration_ms"`
}

func (e ExecutionFinished) GetType() EventType { return ExecutionFinishedEvent }
