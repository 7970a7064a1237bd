package models

import (
	"encoding/json"
	"fmt"

	"github.com/fundpipe/fundpipe/pkg/standby"
)

// MessageType is the fixed enumeration of inbound queue message types.
type MessageType string

const (
	MsgStageStart    MessageType = "SP_START"
	MsgStageEnd      MessageType = "SP_END"
	MsgError         MessageType = "ERROR"
	MsgStandBy       MessageType = "STANDBY"
	MsgCheckpoint    MessageType = "CHECKPOINT"
	MsgProcessStart  MessageType = "PROCESS_START"
	MsgProcessStep   MessageType = "PROCESS_STEP"
	MsgProcessEnd    MessageType = "PROCESS_END"
	MsgPipelineStart MessageType = "PIPELINE_START"
	MsgPipelineStep  MessageType = "PIPELINE_STEP"
	MsgPipelineEnd   MessageType = "PIPELINE_END"
	MsgTest          MessageType = "TEST"
)

// QueueMessage is the push-notification envelope the database emits as
// stored procedures complete stages. Transient: consumed once, its
// effects persisted, the raw message never stored.
type QueueMessage struct {
	MessageID   string          `json:"message_id"`
	MessageType MessageType     `json:"message_type"`
	Timestamp   string          `json:"timestamp"`
	Payload     json.RawMessage `json:"payload"`
}

// MessagePayload is the decoded application payload of a QueueMessage.
type MessagePayload struct {
	ExecutionID   int64              `json:"execution_id"`
	ProcessID     int64              `json:"process_id,omitempty"`
	FundID        int                `json:"fund_id,omitempty"`
	StageName     string             `json:"stage_name,omitempty"`
	ResultCode    standby.ResultCode `json:"result_code"`
	DurationMs    int64              `json:"duration_ms,omitempty"`
	RowsProcessed int64              `json:"rows_processed,omitempty"`
	Detail        string             `json:"detail,omitempty"`
}

// DecodePayload unwraps the payload, tolerating the known upstream
// quirk of a payload that is itself a JSON-encoded string.
func (m *QueueMessage) DecodePayload() (*MessagePayload, error) {
	raw := m.Payload
	if len(raw) == 0 {
		return nil, fmt.Errorf("message %s has no payload", m.MessageID)
	}

	// Nested FOR JSON output arrives as a quoted JSON string.
	if raw[0] == '"' {
		var inner string
		if err := json.Unmarshal(raw, &inner); err != nil {
			return nil, fmt.Errorf("unwrapping string payload: %w", err)
		}

		raw = []byte(inner)
	}

	var payload MessagePayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		return nil, fmt.Errorf("decoding payload: %w", err)
	}

	return &payload, nil
}
