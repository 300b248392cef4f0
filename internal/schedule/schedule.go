// Package schedule implements the per-chat recurring schedule engine:
// cron-like schedule definitions saved as one versioned YAML document, a
// derived per-schedule row set with computed next-run instants, append-only
// execution history, and the scheduler that delivers due schedules on wake.
package schedule

import (
	"errors"
	"time"
)

// Schedule is the derived row for one schedule definition: the definition
// fields plus the computed run state used by the due-query.
type Schedule struct {
	ID          string     `json:"id"`
	Description string     `json:"description"`
	Cron        string     `json:"cron"`
	Timezone    string     `json:"timezone"`
	Prompt      string     `json:"prompt"`
	Enabled     bool       `json:"enabled"`
	NextRunAt   time.Time  `json:"next_run_at"`
	LastRunAt   *time.Time `json:"last_run_at,omitempty"`
}

// ExecutionStatus is the outcome of one schedule run.
type ExecutionStatus string

const (
	ExecutionCompleted ExecutionStatus = "completed"
	ExecutionFailed    ExecutionStatus = "failed"
)

// Execution is one append-only history record. Executions are never mutated.
type Execution struct {
	ID         string          `json:"id"`
	ScheduleID string          `json:"schedule_id"`
	ExecutedAt time.Time       `json:"executed_at"`
	Status     ExecutionStatus `json:"status"`
	Error      string          `json:"error,omitempty"`
	DurationMS int64           `json:"duration_ms"`
}

var (
	// ErrInvalidCron is returned by SaveConfig when any cron expression or
	// the timezone cannot be parsed; the whole save is rejected.
	ErrInvalidCron = errors.New("invalid cron expression")
	// ErrScheduleNotFound is returned when the requested schedule id does
	// not exist for the chat.
	ErrScheduleNotFound = errors.New("schedule not found")
)
