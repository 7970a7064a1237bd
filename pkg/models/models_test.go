package models

import (
	"encoding/json"
	"testing"

	"github.com/fundpipe/fundpipe/pkg/standby"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStageStateTransitions(t *testing.T) {
	assert.True(t, StagePending.CanTransitionTo(StageInProgress))
	assert.True(t, StagePending.CanTransitionTo(StageSkipped))
	assert.True(t, StageInProgress.CanTransitionTo(StageOK))
	assert.True(t, StageInProgress.CanTransitionTo(StageError))
	assert.True(t, StageInProgress.CanTransitionTo(StageStandBy))

	// No stage regresses.
	assert.False(t, StageOK.CanTransitionTo(StageInProgress))
	assert.False(t, StageError.CanTransitionTo(StagePending))
	assert.False(t, StageStandBy.CanTransitionTo(StageOK))
	assert.False(t, StagePending.CanTransitionTo(StageOK))
	assert.False(t, StageInProgress.CanTransitionTo(StageSkipped))
}

func TestDecodePayload(t *testing.T) {
	msg := &QueueMessage{
		MessageID:   "m-1",
		MessageType: MsgStageEnd,
		Payload:     json.RawMessage(`{"execution_id":42,"fund_id":7,"stage_name":"PROCESS_IPA","result_code":6}`),
	}

	payload, err := msg.DecodePayload()
	require.NoError(t, err)
	assert.Equal(t, int64(42), payload.ExecutionID)
	assert.Equal(t, 7, payload.FundID)
	assert.Equal(t, "PROCESS_IPA", payload.StageName)
	assert.Equal(t, standby.CodeUnmappedInstrument, payload.ResultCode)
}

func TestDecodePayloadStringWrapped(t *testing.T) {
	// Nested FOR JSON quirk: payload arrives as a JSON-encoded string.
	wrapped, err := json.Marshal(`{"execution_id":5,"result_code":0}`)
	require.NoError(t, err)

	msg := &QueueMessage{MessageID: "m-2", MessageType: MsgStageEnd, Payload: wrapped}

	payload, err := msg.DecodePayload()
	require.NoError(t, err)
	assert.Equal(t, int64(5), payload.ExecutionID)
	assert.Equal(t, standby.CodeOK, payload.ResultCode)
}

func TestDecodePayloadMissing(t *testing.T) {
	msg := &QueueMessage{MessageID: "m-3", MessageType: MsgTest}

	_, err := msg.DecodePayload()
	assert.Error(t, err)
}

func TestFundFlagSet(t *testing.T) {
	fund := &Fund{ID: 1, Flags: map[string]bool{"flag_derivatives": false, "flag_alt_custody": true}}

	assert.False(t, fund.FlagSet("flag_derivatives"))
	assert.True(t, fund.FlagSet("flag_alt_custody"))
	assert.True(t, fund.FlagSet(""))
	assert.True(t, fund.FlagSet("unknown_flag"))
}

func TestStagePolicy(t *testing.T) {
	assert.Equal(t, StopAll, (&StageDefinition{}).Policy())
	assert.Equal(t, Continue, (&StageDefinition{OnError: LogWarning}).Policy())
	assert.Equal(t, StopFund, (&StageDefinition{OnError: StopFund}).Policy())
}
