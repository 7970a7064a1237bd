package models

import "time"

// EventRecord is the persisted form of a pipeline lifecycle event.
// Queue messages themselves are transient; their effects land here.
type EventRecord struct {
	ID          int64     `json:"id"`
	ProcessID   int64     `json:"process_id,omitempty"`
	ExecutionID int64     `json:"execution_id,omitempty"`
	FundID      int       `json:"fund_id,omitempty"`
	EventType   string    `json:"event_type"`
	Stage       string    `json:"stage,omitempty"`
	Detail      string    `json:"detail,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}
