// Package models defines the domain entities of the pipeline
// orchestration core: processes, per-fund executions, stage
// declarations and their runtime states.
package models

import "time"

// ProcessState is the lifecycle state of one orchestrated run.
type ProcessState string

const (
	ProcessInProgress          ProcessState = "IN_PROGRESS"
	ProcessCompleted           ProcessState = "COMPLETED"
	ProcessCompletedWithErrors ProcessState = "COMPLETED_WITH_ERRORS"
	ProcessError               ProcessState = "ERROR"
)

// Process is one orchestrated run over a reporting date, spanning many
// funds' executions. Mutated only by the orchestrator as funds finish.
type Process struct {
	ID            int64        `json:"id"`
	ReportDate    string       `json:"report_date"`
	State         ProcessState `json:"state"`
	TotalFunds    int          `json:"total_funds"`
	FundsOK       int          `json:"funds_ok"`
	FundsError    int          `json:"funds_error"`
	FundsStandBy  int          `json:"funds_standby"`
	FundsSkipped  int          `json:"funds_skipped"`
	StartedAt     time.Time    `json:"started_at"`
	FinishedAt    *time.Time   `json:"finished_at,omitempty"`
	InitiatedBy   string       `json:"initiated_by,omitempty"`
	HasDirty      bool         `json:"has_dirty_positions"`
	HasMapping    bool         `json:"has_mapping_problems"`
	HasMismatches bool         `json:"has_mismatches"`
	HasMissing    bool         `json:"has_missing_extracts"`
}

// Terminal reports whether the process reached a final state.
func (p *Process) Terminal() bool {
	return p.State == ProcessCompleted ||
		p.State == ProcessCompletedWithErrors ||
		p.State == ProcessError
}
