// Package dispatcher turns raw queue messages into observer events.
// It is a pure transformation plus side-effecting emission; nothing in
// here may take the listener loop down.
package dispatcher

import (
	"context"
	"encoding/json"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/fundpipe/fundpipe/pkg/hub"
	"github.com/fundpipe/fundpipe/pkg/log"
	"github.com/fundpipe/fundpipe/pkg/models"
	"github.com/fundpipe/fundpipe/pkg/standby"
)

// Display event types sent to observers.
const (
	EventSPStart           = "SP_START"
	EventSPEnd             = "SP_END"
	EventError             = "ERROR"
	EventStandBy           = "STANDBY"
	EventExecutionStart    = "EXECUTION_START"
	EventExecutionProgress = "EXECUTION_PROGRESS"
	EventExecutionComplete = "EXECUTION_COMPLETE"
	EventPipelineStart     = "PIPELINE_START"
	EventPipelineStep      = "PIPELINE_STEP"
	EventPipelineEnd       = "PIPELINE_END"
	EventCheckpoint        = "CHECKPOINT"
	EventFundUpdate        = "FUND_UPDATE"
	EventExecutionUpdate   = "EXECUTION_UPDATE"
	EventTest              = "TEST"
)

// Fund status values carried by FUND_UPDATE events.
const (
	FundProcessing    = "PROCESSING"
	FundStageComplete = "STAGE_COMPLETE"
	FundError         = "ERROR"
	FundStandBy       = "STANDBY"
	FundPipelineStart = "PIPELINE_STARTED"
	FundCompleted     = "COMPLETED"
	FundStopped       = "STOPPED"
)

// Execution status values carried by EXECUTION_UPDATE events.
const (
	ExecutionRunning             = "RUNNING"
	ExecutionCompleted           = "COMPLETED"
	ExecutionCompletedWithErrors = "COMPLETED_WITH_ERRORS"
)

// displayEvents maps inbound message types to observer event types.
// Unlisted types pass through under their own name.
var displayEvents = map[models.MessageType]string{
	models.MsgStageStart:    EventSPStart,
	models.MsgStageEnd:      EventSPEnd,
	models.MsgError:         EventError,
	models.MsgStandBy:       EventStandBy,
	models.MsgProcessStart:  EventExecutionStart,
	models.MsgProcessStep:   EventExecutionProgress,
	models.MsgProcessEnd:    EventExecutionComplete,
	models.MsgPipelineStart: EventPipelineStart,
	models.MsgPipelineStep:  EventPipelineStep,
	models.MsgPipelineEnd:   EventPipelineEnd,
	models.MsgCheckpoint:    EventCheckpoint,
	models.MsgTest:          EventTest,
}

// Emitter is the observer-facing surface the dispatcher needs.
type Emitter interface {
	EmitToExecution(executionID int64, event hub.Event)
}

// Stats are the running counters exposed for health reporting.
type Stats struct {
	Processed int64            `json:"processed"`
	Errors    int64            `json:"errors"`
	ByType    map[string]int64 `json:"by_type"`
}

type MessageDispatcher struct {
	emitter Emitter
	logger  *slog.Logger

	mu        sync.Mutex
	processed int64
	errors    int64
	byType    map[string]int64
}

func NewMessageDispatcher(emitter Emitter) *MessageDispatcher {
	return &MessageDispatcher{
		emitter: emitter,
		logger:  log.WithModule("message_dispatcher"),
		byType:  make(map[string]int64),
	}
}

// Process transforms one queue message and emits the resulting events.
// It never fails outward: any internal error is counted, logged and
// swallowed so the listener loop keeps running.
func (d *MessageDispatcher) Process(_ context.Context, msg *models.QueueMessage) {
	defer func() {
		if r := recover(); r != nil {
			d.countError()
			d.logger.Error("panic while processing message", "panic", r)
		}
	}()

	if msg == nil || msg.MessageType == "" || len(msg.Payload) == 0 {
		d.countError()
		d.logger.Warn("invalid message, missing type or payload")

		return
	}

	payload, err := msg.DecodePayload()
	if err != nil {
		d.countError()
		d.logger.Warn("failed to decode message payload",
			"messageID", msg.MessageID, "error", err)

		return
	}

	d.logger.Info("queue message",
		"type", msg.MessageType,
		"executionID", payload.ExecutionID,
		"fundID", payload.FundID,
		"stage", payload.StageName)

	d.count(msg.MessageType)

	eventType, ok := displayEvents[msg.MessageType]
	if !ok {
		eventType = string(msg.MessageType)
	}

	event := d.buildEvent(eventType, msg, payload)

	// Checkpoints take the dedicated path below so observers see each
	// one exactly once.
	if payload.ExecutionID != 0 && msg.MessageType != models.MsgCheckpoint {
		d.emitter.EmitToExecution(payload.ExecutionID, event)
	}

	d.applySideEffects(msg.MessageType, payload)
}

// StageEventData is the normalized body of a display event.
type StageEventData struct {
	ExecutionID   int64              `json:"execution_id"`
	FundID        int                `json:"fund_id,omitempty"`
	Stage         string             `json:"stage,omitempty"`
	ResultCode    standby.ResultCode `json:"result_code"`
	Status        string             `json:"status"`
	DurationMs    int64              `json:"duration_ms,omitempty"`
	RowsProcessed int64              `json:"rows_processed,omitempty"`
	Detail        string             `json:"detail,omitempty"`
}

func (d *MessageDispatcher) buildEvent(eventType string, msg *models.QueueMessage, payload *models.MessagePayload) hub.Event {
	return hub.Event{
		Type: eventType,
		Data: StageEventData{
			ExecutionID:   payload.ExecutionID,
			FundID:        payload.FundID,
			Stage:         payload.StageName,
			ResultCode:    payload.ResultCode,
			Status:        standby.StatusLabel(payload.ResultCode),
			DurationMs:    payload.DurationMs,
			RowsProcessed: payload.RowsProcessed,
			Detail:        payload.Detail,
		},
		Meta: hub.Meta{
			MessageID:  msg.MessageID,
			Timestamp:  msg.Timestamp,
			ServerTime: time.Now().UTC().Format(time.RFC3339Nano),
		},
	}
}

func (d *MessageDispatcher) applySideEffects(messageType models.MessageType, payload *models.MessagePayload) {
	switch messageType {
	case models.MsgStageStart:
		d.emitFundUpdate(payload, FundProcessing)
	case models.MsgStageEnd:
		if payload.ResultCode == standby.CodeOK || payload.ResultCode == standby.CodeWarning {
			d.emitFundUpdate(payload, FundStageComplete)
		}
	case models.MsgError:
		d.emitFundUpdate(payload, FundError)
	case models.MsgStandBy:
		d.emitFundUpdate(payload, FundStandBy)
	case models.MsgPipelineStart:
		d.emitFundUpdate(payload, FundPipelineStart)
		d.emitExecutionUpdate(payload, ExecutionRunning)
	case models.MsgPipelineStep:
		d.emitPipelineStep(payload)
	case models.MsgPipelineEnd:
		if payload.ResultCode == standby.CodeOK {
			d.emitFundUpdate(payload, FundCompleted)
		} else {
			d.emitFundUpdate(payload, FundStopped)
		}
	case models.MsgCheckpoint:
		d.emitCheckpoint(payload)
	case models.MsgProcessStart:
		d.emitExecutionUpdate(payload, ExecutionRunning)
	case models.MsgProcessEnd:
		if payload.ResultCode == standby.CodeOK {
			d.emitExecutionUpdate(payload, ExecutionCompleted)
		} else {
			d.emitExecutionUpdate(payload, ExecutionCompletedWithErrors)
		}
	case models.MsgTest:
		d.logger.Info("test message received")
	default:
		d.logger.Info("unhandled message type", "type", messageType)
	}
}

// FundUpdateData is the body of a FUND_UPDATE event.
type FundUpdateData struct {
	ExecutionID  int64              `json:"execution_id"`
	FundID       int                `json:"fund_id"`
	Status       string             `json:"status"`
	CurrentStage string             `json:"current_stage,omitempty"`
	ResultCode   standby.ResultCode `json:"result_code"`
	DurationMs   int64              `json:"duration_ms,omitempty"`
	Detail       string             `json:"detail,omitempty"`
	Timestamp    string             `json:"timestamp"`
}

func (d *MessageDispatcher) emitFundUpdate(payload *models.MessagePayload, status string) {
	if payload.ExecutionID == 0 || payload.FundID == 0 {
		return
	}

	d.emitter.EmitToExecution(payload.ExecutionID, hub.NewEvent(EventFundUpdate, FundUpdateData{
		ExecutionID:  payload.ExecutionID,
		FundID:       payload.FundID,
		Status:       status,
		CurrentStage: payload.StageName,
		ResultCode:   payload.ResultCode,
		DurationMs:   payload.DurationMs,
		Detail:       payload.Detail,
		Timestamp:    time.Now().UTC().Format(time.RFC3339Nano),
	}))
}

// ExecutionUpdateData is the body of an EXECUTION_UPDATE event.
type ExecutionUpdateData struct {
	ExecutionID int64  `json:"execution_id"`
	Status      string `json:"status"`
	Timestamp   string `json:"timestamp"`
}

func (d *MessageDispatcher) emitExecutionUpdate(payload *models.MessagePayload, status string) {
	if payload.ExecutionID == 0 {
		return
	}

	d.emitter.EmitToExecution(payload.ExecutionID, hub.NewEvent(EventExecutionUpdate, ExecutionUpdateData{
		ExecutionID: payload.ExecutionID,
		Status:      status,
		Timestamp:   time.Now().UTC().Format(time.RFC3339Nano),
	}))
}

// PipelineStepData is the body of a PIPELINE_STEP event.
type PipelineStepData struct {
	ExecutionID int64  `json:"execution_id"`
	FundID      int    `json:"fund_id"`
	Step        string `json:"step,omitempty"`
	Stage       string `json:"stage"`
	State       string `json:"state"`
	Timestamp   string `json:"timestamp"`
}

func (d *MessageDispatcher) emitPipelineStep(payload *models.MessagePayload) {
	if payload.ExecutionID == 0 || payload.FundID == 0 {
		return
	}

	detail := parseDetail(payload.Detail)

	stage := detail["stage"]
	if stage == "" {
		stage = payload.StageName
	}

	state := detail["state"]
	if state == "" {
		state = "starting"
	}

	d.emitter.EmitToExecution(payload.ExecutionID, hub.NewEvent(EventPipelineStep, PipelineStepData{
		ExecutionID: payload.ExecutionID,
		FundID:      payload.FundID,
		Step:        detail["step"],
		Stage:       stage,
		State:       state,
		Timestamp:   time.Now().UTC().Format(time.RFC3339Nano),
	}))
}

// CheckpointData is the body of a CHECKPOINT event.
type CheckpointData struct {
	ExecutionID int64  `json:"execution_id"`
	FundID      int    `json:"fund_id,omitempty"`
	Stage       string `json:"stage,omitempty"`
	Operation   string `json:"operation"`
	Object      string `json:"object,omitempty"`
	Rows        string `json:"rows,omitempty"`
	Message     string `json:"message,omitempty"`
	Timestamp   string `json:"timestamp"`
}

func (d *MessageDispatcher) emitCheckpoint(payload *models.MessagePayload) {
	if payload.ExecutionID == 0 {
		return
	}

	detail := parseDetail(payload.Detail)

	operation := detail["operation"]
	if operation == "" {
		operation = "unknown"
	}

	d.emitter.EmitToExecution(payload.ExecutionID, hub.NewEvent(EventCheckpoint, CheckpointData{
		ExecutionID: payload.ExecutionID,
		FundID:      payload.FundID,
		Stage:       payload.StageName,
		Operation:   operation,
		Object:      detail["object"],
		Rows:        detail["rows"],
		Message:     detail["message"],
		Timestamp:   time.Now().UTC().Format(time.RFC3339Nano),
	}))
}

// parseDetail tolerates a free-text detail that may carry structured
// JSON. Non-JSON detail comes back under the "raw" key.
func parseDetail(detail string) map[string]string {
	if detail == "" {
		return map[string]string{}
	}

	var structured map[string]any
	if err := json.Unmarshal([]byte(detail), &structured); err != nil {
		return map[string]string{"raw": detail}
	}

	out := make(map[string]string, len(structured))

	for key, value := range structured {
		switch v := value.(type) {
		case string:
			out[key] = v
		case float64:
			out[key] = jsonNumber(v)
		}
	}

	return out
}

func jsonNumber(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

func (d *MessageDispatcher) count(messageType models.MessageType) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.processed++
	d.byType[string(messageType)]++
}

func (d *MessageDispatcher) countError() {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.errors++
}

func (d *MessageDispatcher) Stats() Stats {
	d.mu.Lock()
	defer d.mu.Unlock()

	byType := make(map[string]int64, len(d.byType))
	for k, v := range d.byType {
		byType[k] = v
	}

	return Stats{Processed: d.processed, Errors: d.errors, ByType: byType}
}

func (d *MessageDispatcher) ResetStats() {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.processed = 0
	d.errors = 0
	d.byType = make(map[string]int64)
}
