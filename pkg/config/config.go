// Package config loads the pipeline declaration: the ordered stage
// definitions, their dependency graph and the orchestration bounds.
// The file is validated twice, first against a JSON schema and then
// with struct-level validation, before the dependency graph itself is
// checked for cycles.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/xeipuuv/gojsonschema"

	"github.com/fundpipe/fundpipe/pkg/dag"
	"github.com/fundpipe/fundpipe/pkg/models"
)

var ErrInvalidPipeline = errors.New("invalid pipeline configuration")

// Pipeline is the loaded, validated pipeline declaration.
type Pipeline struct {
	MaxConcurrentFunds int
	Stages             []models.StageDefinition
}

type procFile struct {
	Name           string   `json:"name"`
	TimeoutSeconds int      `json:"timeout_seconds"`
	InputFields    []string `json:"input_fields"`
	SubStateField  string   `json:"sub_state_field"`
	MinRows        int      `json:"min_rows"`
}

type stageFile struct {
	ID           string     `json:"id"`
	Name         string     `json:"name"`
	Type         string     `json:"type"`
	Procs        []procFile `json:"procs"`
	Dependencies []string   `json:"dependencies"`
	Conditional  string     `json:"conditional"`
	OnError      string     `json:"on_error"`
	StateField   string     `json:"state_field"`
}

type pipelineFile struct {
	MaxConcurrentFunds int         `json:"max_concurrent_funds"`
	Stages             []stageFile `json:"stages"`
}

var pipelineSchema = map[string]any{
	"type":     "object",
	"required": []string{"stages"},
	"properties": map[string]any{
		"max_concurrent_funds": map[string]any{
			"type":    "integer",
			"minimum": 1,
		},
		"stages": map[string]any{
			"type":     "array",
			"minItems": 1,
			"items": map[string]any{
				"type":     "object",
				"required": []string{"id", "procs"},
				"properties": map[string]any{
					"id":   map[string]any{"type": "string", "minLength": 1},
					"name": map[string]any{"type": "string"},
					"type": map[string]any{
						"type": "string",
						"enum": []string{"batch", "parallel", "sequential"},
					},
					"procs": map[string]any{
						"type":     "array",
						"minItems": 1,
						"items": map[string]any{
							"type":     "object",
							"required": []string{"name"},
							"properties": map[string]any{
								"name":            map[string]any{"type": "string", "minLength": 1},
								"timeout_seconds": map[string]any{"type": "integer", "minimum": 0},
								"input_fields":    map[string]any{"type": "array", "items": map[string]any{"type": "string"}},
								"sub_state_field": map[string]any{"type": "string"},
								"min_rows":        map[string]any{"type": "integer", "minimum": 0},
							},
						},
					},
					"dependencies": map[string]any{
						"type":  "array",
						"items": map[string]any{"type": "string"},
					},
					"conditional": map[string]any{"type": "string"},
					"on_error": map[string]any{
						"type": "string",
						"enum": []string{"STOP_FUND", "STOP_ALL", "CONTINUE", "LOG_WARNING"},
					},
					"state_field": map[string]any{"type": "string"},
				},
			},
		},
	},
}

// LoadPipeline reads and validates the pipeline declaration file.
func LoadPipeline(path string) (*Pipeline, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read pipeline configuration: %w", err)
	}

	return ParsePipeline(data)
}

// ParsePipeline validates and decodes a pipeline declaration.
func ParsePipeline(data []byte) (*Pipeline, error) {
	schemaLoader := gojsonschema.NewGoLoader(pipelineSchema)
	dataLoader := gojsonschema.NewBytesLoader(data)

	result, err := gojsonschema.Validate(schemaLoader, dataLoader)
	if err != nil {
		return nil, fmt.Errorf("failed to validate pipeline configuration: %w", err)
	}

	if !result.Valid() {
		details := make([]string, 0, len(result.Errors()))
		for _, e := range result.Errors() {
			details = append(details, e.String())
		}

		return nil, fmt.Errorf("%w: %v", ErrInvalidPipeline, details)
	}

	var file pipelineFile
	if err := json.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to decode pipeline configuration: %w", err)
	}

	pipeline := &Pipeline{
		MaxConcurrentFunds: file.MaxConcurrentFunds,
		Stages:             make([]models.StageDefinition, 0, len(file.Stages)),
	}

	for _, s := range file.Stages {
		def := models.StageDefinition{
			ID:           s.ID,
			Name:         s.Name,
			Type:         models.StageType(s.Type),
			Dependencies: s.Dependencies,
			Conditional:  s.Conditional,
			OnError:      models.ErrorPolicy(s.OnError),
			StateField:   s.StateField,
		}

		for _, p := range s.Procs {
			def.Procs = append(def.Procs, models.ProcInvocation{
				Name:          p.Name,
				Timeout:       time.Duration(p.TimeoutSeconds) * time.Second,
				InputFields:   p.InputFields,
				SubStateField: p.SubStateField,
				MinRows:       p.MinRows,
			})
		}

		pipeline.Stages = append(pipeline.Stages, def)
	}

	validate := validator.New(validator.WithRequiredStructEnabled())

	for i := range pipeline.Stages {
		if err := validate.Struct(&pipeline.Stages[i]); err != nil {
			return nil, fmt.Errorf("%w: stage %q: %w", ErrInvalidPipeline, pipeline.Stages[i].ID, err)
		}
	}

	// A cycle or an unknown dependency is a fatal configuration error.
	resolver, err := dag.NewResolver(pipeline.Stages)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidPipeline, err)
	}

	if _, err := resolver.ExecutionOrder(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidPipeline, err)
	}

	return pipeline, nil
}
