package models

import (
	"time"

	"github.com/fundpipe/fundpipe/pkg/standby"
)

// StandByRecord is one detected pause condition: created exactly once
// per (execution, stage) pause, read by the orchestrator to decide
// whether later stages for that fund may proceed. Only the resolution
// flag is ever mutated, and that happens outside the core.
type StandByRecord struct {
	ID           int64               `json:"id"`
	ExecutionID  int64               `json:"execution_id"`
	FundID       int                 `json:"fund_id"`
	ProblemType  standby.ProblemType `json:"problem_type"`
	ResultCode   standby.ResultCode  `json:"result_code"`
	Stage        string              `json:"stage"`
	BlockPoint   string              `json:"block_point,omitempty"`
	ProblemCount int                 `json:"problem_count"`
	Detail       string              `json:"detail,omitempty"`
	Resolved     bool                `json:"resolved"`
	CreatedAt    time.Time           `json:"created_at"`
	ResolvedAt   *time.Time          `json:"resolved_at,omitempty"`
	ResolvedBy   string              `json:"resolved_by,omitempty"`
}

// FundProblem is a persisted exclusion marker: a fund that failed
// critically for a report date is skipped on future runs until cleared.
type FundProblem struct {
	ID         int64     `json:"id"`
	FundID     int       `json:"fund_id"`
	ReportDate string    `json:"report_date"`
	Stage      string    `json:"stage"`
	Message    string    `json:"message,omitempty"`
	Cleared    bool      `json:"cleared"`
	CreatedAt  time.Time `json:"created_at"`
}
