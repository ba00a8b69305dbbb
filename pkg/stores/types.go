package stores

import "time"

// RunStatus is the lifecycle status of a recorded run.
type RunStatus string

const (
	RunStatusRunning   RunStatus = "running"
	RunStatusSucceeded RunStatus = "succeeded"
	RunStatusFailed    RunStatus = "failed"
)

// Run is one executed (or executing) plan.
type Run struct {
	ID         string     `json:"id"`
	Lab        string     `json:"lab"`
	Command    string     `json:"command"`
	User       string     `json:"user"`
	Status     RunStatus  `json:"status"`
	StartedAt  time.Time  `json:"started_at"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
}

// ActionRecord is one action outcome within a run, in plan order.
type ActionRecord struct {
	RunID       string    `json:"run_id"`
	Seq         int       `json:"seq"`
	Description string    `json:"description"`
	Status      string    `json:"status"`
	Error       string    `json:"error,omitempty"`
	AppliedAt   time.Time `json:"applied_at"`
}

// LabEvent is a standalone lab event (the up/down record step), with its
// payload serialized as JSON.
type LabEvent struct {
	ID      string    `json:"id"`
	Lab     string    `json:"lab"`
	Command string    `json:"command"`
	Details string    `json:"details"`
	At      time.Time `json:"at"`
}
