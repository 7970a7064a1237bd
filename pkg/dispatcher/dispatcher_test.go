package dispatcher

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fundpipe/fundpipe/pkg/hub"
	"github.com/fundpipe/fundpipe/pkg/models"
	"github.com/fundpipe/fundpipe/pkg/standby"
)

type capturedEvent struct {
	executionID int64
	event       hub.Event
}

type capturingEmitter struct {
	events []capturedEvent
}

func (e *capturingEmitter) EmitToExecution(executionID int64, event hub.Event) {
	e.events = append(e.events, capturedEvent{executionID: executionID, event: event})
}

func (e *capturingEmitter) ofType(eventType string) []capturedEvent {
	var out []capturedEvent

	for _, ev := range e.events {
		if ev.event.Type == eventType {
			out = append(out, ev)
		}
	}

	return out
}

func queueMessage(t *testing.T, messageType models.MessageType, payload models.MessagePayload) *models.QueueMessage {
	t.Helper()

	raw, err := json.Marshal(payload)
	require.NoError(t, err)

	return &models.QueueMessage{
		MessageID:   "m-test",
		MessageType: messageType,
		Timestamp:   "2026-08-31T10:00:00Z",
		Payload:     raw,
	}
}

func TestProcess_StandByMessage(t *testing.T) {
	emitter := &capturingEmitter{}
	d := NewMessageDispatcher(emitter)

	d.Process(context.Background(), queueMessage(t, models.MsgStandBy, models.MessagePayload{
		ExecutionID: 42,
		FundID:      7,
		StageName:   "PROCESS_IPA",
		ResultCode:  standby.CodeUnmappedInstrument,
	}))

	standbys := emitter.ofType(EventStandBy)
	require.Len(t, standbys, 1)
	assert.EqualValues(t, 42, standbys[0].executionID)

	data, ok := standbys[0].event.Data.(StageEventData)
	require.True(t, ok)
	assert.Equal(t, 7, data.FundID)
	assert.Equal(t, "PROCESS_IPA", data.Stage)
	assert.Equal(t, standby.StatusLabel(standby.CodeUnmappedInstrument), data.Status)

	fundUpdates := emitter.ofType(EventFundUpdate)
	require.Len(t, fundUpdates, 1)

	update, ok := fundUpdates[0].event.Data.(FundUpdateData)
	require.True(t, ok)
	assert.Equal(t, FundStandBy, update.Status)
}

func TestProcess_StageEndCodesZeroAndThree(t *testing.T) {
	emitter := &capturingEmitter{}
	d := NewMessageDispatcher(emitter)
	ctx := context.Background()

	d.Process(ctx, queueMessage(t, models.MsgStageEnd, models.MessagePayload{
		ExecutionID: 5, FundID: 1, StageName: "X", ResultCode: standby.CodeOK,
	}))
	d.Process(ctx, queueMessage(t, models.MsgStageEnd, models.MessagePayload{
		ExecutionID: 5, FundID: 2, StageName: "X", ResultCode: standby.CodeCriticalError,
	}))

	ends := emitter.ofType(EventSPEnd)
	require.Len(t, ends, 2)

	first, ok := ends[0].event.Data.(StageEventData)
	require.True(t, ok)
	assert.Equal(t, "OK", first.Status)

	second, ok := ends[1].event.Data.(StageEventData)
	require.True(t, ok)
	assert.Equal(t, "ERROR", second.Status)

	// Only the clean completion advances the fund; the failing fund is
	// reported through the dedicated error path, not STAGE_COMPLETE.
	fundUpdates := emitter.ofType(EventFundUpdate)
	require.Len(t, fundUpdates, 1)

	update, ok := fundUpdates[0].event.Data.(FundUpdateData)
	require.True(t, ok)
	assert.Equal(t, 1, update.FundID)
	assert.Equal(t, FundStageComplete, update.Status)
}

func TestProcess_CheckpointNotDuplicated(t *testing.T) {
	emitter := &capturingEmitter{}
	d := NewMessageDispatcher(emitter)

	payload := models.MessagePayload{
		ExecutionID: 9,
		FundID:      3,
		StageName:   "LOAD_POSITIONS",
		Detail:      `{"operation":"CREATED","object":"#positions_work","rows":1250}`,
	}

	d.Process(context.Background(), queueMessage(t, models.MsgCheckpoint, payload))

	require.Len(t, emitter.events, 1)
	assert.Equal(t, EventCheckpoint, emitter.events[0].event.Type)

	data, ok := emitter.events[0].event.Data.(CheckpointData)
	require.True(t, ok)
	assert.Equal(t, "CREATED", data.Operation)
	assert.Equal(t, "#positions_work", data.Object)
	assert.Equal(t, "1250", data.Rows)
}

func TestProcess_PipelineStartEmitsFundAndExecutionUpdates(t *testing.T) {
	emitter := &capturingEmitter{}
	d := NewMessageDispatcher(emitter)

	d.Process(context.Background(), queueMessage(t, models.MsgPipelineStart, models.MessagePayload{
		ExecutionID: 12, FundID: 4,
	}))

	assert.Len(t, emitter.ofType(EventPipelineStart), 1)
	assert.Len(t, emitter.ofType(EventFundUpdate), 1)

	executionUpdates := emitter.ofType(EventExecutionUpdate)
	require.Len(t, executionUpdates, 1)

	update, ok := executionUpdates[0].event.Data.(ExecutionUpdateData)
	require.True(t, ok)
	assert.Equal(t, ExecutionRunning, update.Status)
}

func TestProcess_ProcessEndStatusByCode(t *testing.T) {
	for _, tc := range []struct {
		name string
		code standby.ResultCode
		want string
	}{
		{"clean", standby.CodeOK, ExecutionCompleted},
		{"with errors", standby.CodeCriticalError, ExecutionCompletedWithErrors},
	} {
		t.Run(tc.name, func(t *testing.T) {
			emitter := &capturingEmitter{}
			d := NewMessageDispatcher(emitter)

			d.Process(context.Background(), queueMessage(t, models.MsgProcessEnd, models.MessagePayload{
				ExecutionID: 3, ResultCode: tc.code,
			}))

			updates := emitter.ofType(EventExecutionUpdate)
			require.Len(t, updates, 1)

			update, ok := updates[0].event.Data.(ExecutionUpdateData)
			require.True(t, ok)
			assert.Equal(t, tc.want, update.Status)
		})
	}
}

func TestProcess_StringWrappedPayload(t *testing.T) {
	emitter := &capturingEmitter{}
	d := NewMessageDispatcher(emitter)

	inner, err := json.Marshal(models.MessagePayload{ExecutionID: 8, FundID: 2, StageName: "X"})
	require.NoError(t, err)

	wrapped, err := json.Marshal(string(inner))
	require.NoError(t, err)

	d.Process(context.Background(), &models.QueueMessage{
		MessageID:   "m-wrapped",
		MessageType: models.MsgStageStart,
		Payload:     wrapped,
	})

	require.Len(t, emitter.ofType(EventSPStart), 1)
	assert.EqualValues(t, 1, d.Stats().Processed)
}

func TestProcess_InvalidMessageCountedNotFatal(t *testing.T) {
	emitter := &capturingEmitter{}
	d := NewMessageDispatcher(emitter)
	ctx := context.Background()

	d.Process(ctx, &models.QueueMessage{MessageID: "no-type"})
	d.Process(ctx, &models.QueueMessage{MessageType: models.MsgError, Payload: json.RawMessage(`{broken`)})

	stats := d.Stats()
	assert.EqualValues(t, 0, stats.Processed)
	assert.EqualValues(t, 2, stats.Errors)
	assert.Empty(t, emitter.events)
}

func TestStats_CountsByType(t *testing.T) {
	emitter := &capturingEmitter{}
	d := NewMessageDispatcher(emitter)
	ctx := context.Background()

	for range 3 {
		d.Process(ctx, queueMessage(t, models.MsgStageStart, models.MessagePayload{ExecutionID: 1, FundID: 1}))
	}

	d.Process(ctx, queueMessage(t, models.MsgStageEnd, models.MessagePayload{ExecutionID: 1, FundID: 1}))

	stats := d.Stats()
	assert.EqualValues(t, 4, stats.Processed)
	assert.EqualValues(t, 3, stats.ByType[string(models.MsgStageStart)])
	assert.EqualValues(t, 1, stats.ByType[string(models.MsgStageEnd)])

	d.ResetStats()
	assert.EqualValues(t, 0, d.Stats().Processed)
}
