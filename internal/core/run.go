package core

import "time"

// RunStatus is the lifecycle status of a RunRecord.
type RunStatus string

const (
	RunRunning   RunStatus = "running"
	RunCompleted RunStatus = "completed"
	RunBlocked   RunStatus = "blocked"
	RunTimeout   RunStatus = "timeout"
	RunError     RunStatus = "error"
)

// Sealed reports whether the status is final.
func (s RunStatus) Sealed() bool {
	switch s {
	case RunCompleted, RunBlocked, RunTimeout, RunError:
		return true
	default:
		return false
	}
}

// Task types recorded on runs.
const (
	TaskTypeFinalize = "finalize"
)

// TokenUsage counts tokens consumed by a worker.
type TokenUsage struct {
	Input  int64 `json:"input"`
	Output int64 `json:"output"`
}

// RunRecord is the audit entry for one worker invocation. It is created running
// and sealed exactly once.
type RunRecord struct {
	ID        string
	TicketID  string
	TaskType  string
	StartedAt time.Time
	EndedAt   *time.Time
	Status    RunStatus
	TokensIn  int64
	TokensOut int64
	CostUSD   float64
	Summary   string
	Error     string
}

// NewRunRecord creates a running record for a ticket.
func NewRunRecord(id, ticketID, taskType string, startedAt time.Time) *RunRecord {
	return &RunRecord{
		ID:        id,
		TicketID:  ticketID,
		TaskType:  taskType,
		StartedAt: startedAt,
		Status:    RunRunning,
	}
}

// Seal finalizes the record with an outcome.
func (r *RunRecord) Seal(status RunStatus, endedAt time.Time) {
	r.Status = status
	r.EndedAt = &endedAt
}

// Duration returns the elapsed run time, or zero while running.
func (r *RunRecord) Duration() time.Duration {
	if r.EndedAt == nil {
		return 0
	}
	return r.EndedAt.Sub(r.StartedAt)
}
