package models

import "time"

// StageState is the per-stage progress marker within an execution.
// A stage only moves forward: PENDING -> IN_PROGRESS -> {OK, ERROR,
// STAND_BY, N/A}. N/A means the stage's conditional predicate skipped it.
type StageState string

const (
	StagePending    StageState = "PENDING"
	StageInProgress StageState = "IN_PROGRESS"
	StageOK         StageState = "OK"
	StageError      StageState = "ERROR"
	StageStandBy    StageState = "STAND_BY"
	StageSkipped    StageState = "N/A"
)

// Terminal reports whether the stage reached a final state.
func (s StageState) Terminal() bool {
	switch s {
	case StageOK, StageError, StageStandBy, StageSkipped:
		return true
	default:
		return false
	}
}

// CanTransitionTo enforces forward-only stage progress.
func (s StageState) CanTransitionTo(next StageState) bool {
	switch s {
	case StagePending:
		return next == StageInProgress || next == StageSkipped
	case StageInProgress:
		return next.Terminal() && next != StageSkipped
	default:
		return false
	}
}

// ExecutionState is the overall final state of one fund's traversal.
type ExecutionState string

const (
	ExecutionPending    ExecutionState = "PENDING"
	ExecutionRunning    ExecutionState = "RUNNING"
	ExecutionOK         ExecutionState = "OK"
	ExecutionError      ExecutionState = "ERROR"
	ExecutionStandBy    ExecutionState = "STAND_BY"
	ExecutionSkipped    ExecutionState = "SKIPPED"
)

// PauseState marks a fund halted pending human review.
type PauseState string

const PausePaused PauseState = "PAUSED"

// Execution is one fund's traversal of the pipeline within a process.
// Append-only audit trail: rows are closed, never deleted.
type Execution struct {
	ID            int64          `json:"id"`
	ProcessID     int64          `json:"process_id"`
	FundID        int            `json:"fund_id"`
	FundShortName string         `json:"fund_short_name"`

	// Per-system portfolio identifiers, four independent namespaces.
	PortfolioCustody    string `json:"portfolio_custody,omitempty"`
	PortfolioCashModel  string `json:"portfolio_cash_model,omitempty"`
	PortfolioDerivative string `json:"portfolio_derivatives,omitempty"`
	PortfolioAltCustody string `json:"portfolio_alt_custody,omitempty"`

	StageStates map[string]StageState `json:"stage_states"`
	FinalState  ExecutionState        `json:"final_state"`

	ErrorStage   string `json:"error_stage,omitempty"`
	ErrorMessage string `json:"error_message,omitempty"`

	PauseState PauseState `json:"pause_state,omitempty"`
	BlockPoint string     `json:"block_point,omitempty"`

	StartedAt  time.Time  `json:"started_at"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
	DurationMs int64      `json:"duration_ms,omitempty"`
}

// Paused reports whether the fund is halted at a block-point.
func (e *Execution) Paused() bool {
	return e.PauseState == PausePaused
}

// Fund is the catalog record the orchestrator fans out over. The flag
// fields feed conditional stage predicates.
type Fund struct {
	ID            int    `json:"id"`
	ShortName     string `json:"short_name"`
	PortfolioCustody    string `json:"portfolio_custody"`
	PortfolioCashModel  string `json:"portfolio_cash_model"`
	PortfolioDerivative string `json:"portfolio_derivatives"`
	PortfolioAltCustody string `json:"portfolio_alt_custody"`
	Flags         map[string]bool `json:"flags,omitempty"`
}

// FlagSet evaluates a conditional predicate field against the fund.
// Unknown fields default to true: a stage without a matching flag runs.
func (f *Fund) FlagSet(field string) bool {
	if field == "" {
		return true
	}

	v, ok := f.Flags[field]
	if !ok {
		return true
	}

	return v
}
