package models

import "time"

// ErrorPolicy controls how a stage failure propagates.
type ErrorPolicy string

const (
	StopFund   ErrorPolicy = "STOP_FUND"
	StopAll    ErrorPolicy = "STOP_ALL"
	Continue   ErrorPolicy = "CONTINUE"
	LogWarning ErrorPolicy = "LOG_WARNING"
)

// StageType groups stages into execution phases.
type StageType string

const (
	StageTypeBatch      StageType = "batch"      // once per report date
	StageTypeParallel   StageType = "parallel"   // per fund, concurrently
	StageTypeSequential StageType = "sequential" // once per date, in order
)

// ProcInvocation is one remote stored-procedure call within a stage.
type ProcInvocation struct {
	Name          string        `json:"name"           validate:"required"`
	Timeout       time.Duration `json:"timeout"`
	InputFields   []string      `json:"input_fields,omitempty"`
	SubStateField string        `json:"sub_state_field,omitempty"`
	MinRows       int           `json:"min_rows,omitempty"`
}

// StageDefinition is the immutable, configuration-loaded declaration of
// one pipeline stage. The dependency lists define the graph the
// resolver orders.
type StageDefinition struct {
	ID           string           `json:"id"            validate:"required"`
	Name         string           `json:"name"`
	Type         StageType        `json:"type"`
	Procs        []ProcInvocation `json:"procs"         validate:"required,min=1,dive"`
	Dependencies []string         `json:"dependencies,omitempty"`
	Conditional  string           `json:"conditional,omitempty"`
	OnError      ErrorPolicy      `json:"on_error,omitempty"`
	StateField   string           `json:"state_field,omitempty"`
}

// DisplayName returns the human name, falling back to the id.
func (s *StageDefinition) DisplayName() string {
	if s.Name != "" {
		return s.Name
	}

	return s.ID
}

// Policy returns the configured error policy, defaulting to STOP_ALL
// and folding LOG_WARNING into CONTINUE for propagation purposes.
func (s *StageDefinition) Policy() ErrorPolicy {
	switch s.OnError {
	case "":
		return StopAll
	case LogWarning:
		return Continue
	default:
		return s.OnError
	}
}
