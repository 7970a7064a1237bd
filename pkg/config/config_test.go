package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fundpipe/fundpipe/pkg/models"
)

const validPipeline = `{
	"max_concurrent_funds": 4,
	"stages": [
		{
			"id": "load_extracts",
			"name": "Load extract files",
			"type": "batch",
			"procs": [
				{"name": "sp_load_extracts", "timeout_seconds": 300, "min_rows": 1}
			]
		},
		{
			"id": "load_positions",
			"type": "parallel",
			"dependencies": ["load_extracts"],
			"procs": [
				{
					"name": "sp_load_positions",
					"timeout_seconds": 120,
					"input_fields": ["execution_id", "fund_id", "report_date"],
					"sub_state_field": "positions_loaded"
				}
			],
			"on_error": "STOP_FUND"
		},
		{
			"id": "load_derivatives",
			"type": "parallel",
			"dependencies": ["load_positions"],
			"conditional": "has_derivatives",
			"procs": [{"name": "sp_load_derivatives"}]
		}
	]
}`

func TestParsePipeline_Valid(t *testing.T) {
	pipeline, err := ParsePipeline([]byte(validPipeline))
	require.NoError(t, err)

	assert.Equal(t, 4, pipeline.MaxConcurrentFunds)
	require.Len(t, pipeline.Stages, 3)

	first := pipeline.Stages[0]
	assert.Equal(t, "load_extracts", first.ID)
	assert.Equal(t, models.StageTypeBatch, first.Type)
	require.Len(t, first.Procs, 1)
	assert.Equal(t, 300*time.Second, first.Procs[0].Timeout)
	assert.Equal(t, 1, first.Procs[0].MinRows)

	second := pipeline.Stages[1]
	assert.Equal(t, models.StopFund, second.OnError)
	assert.Equal(t, []string{"load_extracts"}, second.Dependencies)
	assert.Equal(t, "positions_loaded", second.Procs[0].SubStateField)

	assert.Equal(t, "has_derivatives", pipeline.Stages[2].Conditional)
}

func TestLoadPipeline_FromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pipeline.json")
	require.NoError(t, os.WriteFile(path, []byte(validPipeline), 0o600))

	pipeline, err := LoadPipeline(path)
	require.NoError(t, err)
	assert.Len(t, pipeline.Stages, 3)

	_, err = LoadPipeline(filepath.Join(t.TempDir(), "missing.json"))
	require.Error(t, err)
}

func TestParsePipeline_SchemaViolations(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"no stages", `{"stages": []}`},
		{"stage without id", `{"stages": [{"procs": [{"name": "sp_x"}]}]}`},
		{"stage without procs", `{"stages": [{"id": "a", "procs": []}]}`},
		{"bad stage type", `{"stages": [{"id": "a", "type": "streaming", "procs": [{"name": "sp_x"}]}]}`},
		{"bad error policy", `{"stages": [{"id": "a", "on_error": "PANIC", "procs": [{"name": "sp_x"}]}]}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParsePipeline([]byte(tt.body))
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrInvalidPipeline)
		})
	}
}

func TestParsePipeline_MalformedJSON(t *testing.T) {
	_, err := ParsePipeline([]byte(`{"stages": [`))
	require.Error(t, err)
}

func TestParsePipeline_UnknownDependency(t *testing.T) {
	body := `{"stages": [
		{"id": "a", "dependencies": ["ghost"], "procs": [{"name": "sp_a"}]}
	]}`

	_, err := ParsePipeline([]byte(body))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInvalidPipeline)
	assert.Contains(t, err.Error(), "ghost")
}

func TestParsePipeline_CycleIsFatal(t *testing.T) {
	body := `{"stages": [
		{"id": "a", "dependencies": ["b"], "procs": [{"name": "sp_a"}]},
		{"id": "b", "dependencies": ["a"], "procs": [{"name": "sp_b"}]}
	]}`

	_, err := ParsePipeline([]byte(body))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInvalidPipeline)
}
