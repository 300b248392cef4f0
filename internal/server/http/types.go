package http

import (
	"time"

	"andee/internal/reminder"
	"andee/internal/schedule"
)

// APIResponse is the envelope for every control-surface response.
type APIResponse struct {
	Success    bool            `json:"success"`
	Error      string          `json:"error,omitempty"`
	Details    string          `json:"details,omitempty"`
	Reminder   *reminderJSON   `json:"reminder,omitempty"`
	Reminders  []reminderJSON  `json:"reminders,omitempty"`
	Config     string          `json:"config,omitempty"`
	Schedules  []scheduleJSON  `json:"schedules,omitempty"`
	Executions []executionJSON `json:"executions,omitempty"`
}

// Stable error codes surfaced to callers.
const (
	errDuplicateID     = "duplicate_id"
	errNotFound        = "not_found"
	errAlreadyTerminal = "already_terminal"
	errInvalidCron     = "invalid_cron"
	errInvalidRequest  = "invalid_request"
	errInternal        = "internal_error"
)

type scheduleReminderRequest struct {
	SenderID           string `json:"senderId" binding:"required"`
	ChatID             string `json:"chatId" binding:"required"`
	IsGroup            bool   `json:"isGroup"`
	ReminderID         string `json:"reminderId" binding:"required"`
	TriggerAt          int64  `json:"triggerAt" binding:"required"` // ms epoch
	Message            string `json:"message" binding:"required"`
	DeliveryCredential string `json:"deliveryCredential"`
}

type reminderRefRequest struct {
	SenderID   string `json:"senderId" binding:"required"`
	ReminderID string `json:"reminderId" binding:"required"`
}

type listRemindersRequest struct {
	SenderID string `json:"senderId" binding:"required"`
	Status   string `json:"status"`
}

type saveConfigRequest struct {
	ChatID             string `json:"chatId" binding:"required"`
	Config             string `json:"config" binding:"required"`
	DeliveryCredential string `json:"deliveryCredential"`
}

type chatRefRequest struct {
	ChatID string `json:"chatId" binding:"required"`
}

type executeScheduleRequest struct {
	ChatID             string `json:"chatId" binding:"required"`
	ScheduleID         string `json:"scheduleId" binding:"required"`
	DeliveryCredential string `json:"deliveryCredential"`
}

type listExecutionsRequest struct {
	ChatID     string `json:"chatId" binding:"required"`
	ScheduleID string `json:"scheduleId"`
}

// reminderJSON is the wire form of a reminder. Instants travel as ms epoch;
// the delivery credential never leaves the service.
type reminderJSON struct {
	ID        string `json:"id"`
	UserID    string `json:"userId"`
	ChatID    string `json:"chatId"`
	IsGroup   bool   `json:"isGroup"`
	TriggerAt int64  `json:"triggerAt"`
	Message   string `json:"message"`
	Status    string `json:"status"`
	CreatedAt int64  `json:"createdAt"`
}

func toReminderJSON(r *reminder.Reminder) *reminderJSON {
	return &reminderJSON{
		ID:        r.ID,
		UserID:    r.UserID,
		ChatID:    r.ChatID,
		IsGroup:   r.IsGroup,
		TriggerAt: r.TriggerAt.UnixMilli(),
		Message:   r.Message,
		Status:    string(r.Status),
		CreatedAt: r.CreatedAt.UnixMilli(),
	}
}

type scheduleJSON struct {
	ID          string `json:"id"`
	Description string `json:"description"`
	Cron        string `json:"cron"`
	Timezone    string `json:"timezone"`
	Prompt      string `json:"prompt"`
	Enabled     bool   `json:"enabled"`
	NextRunAt   int64  `json:"nextRunAt"`
	LastRunAt   *int64 `json:"lastRunAt,omitempty"`
}

func toScheduleJSON(row schedule.Schedule) scheduleJSON {
	out := scheduleJSON{
		ID:          row.ID,
		Description: row.Description,
		Cron:        row.Cron,
		Timezone:    row.Timezone,
		Prompt:      row.Prompt,
		Enabled:     row.Enabled,
		NextRunAt:   row.NextRunAt.UnixMilli(),
	}
	if row.LastRunAt != nil {
		ms := row.LastRunAt.UnixMilli()
		out.LastRunAt = &ms
	}
	return out
}

type executionJSON struct {
	ID         string `json:"id"`
	ScheduleID string `json:"scheduleId"`
	ExecutedAt int64  `json:"executedAt"`
	Status     string `json:"status"`
	Error      string `json:"error,omitempty"`
	DurationMS int64  `json:"durationMs"`
}

func toExecutionJSON(exec schedule.Execution) executionJSON {
	return executionJSON{
		ID:         exec.ID,
		ScheduleID: exec.ScheduleID,
		ExecutedAt: exec.ExecutedAt.UnixMilli(),
		Status:     string(exec.Status),
		Error:      exec.Error,
		DurationMS: exec.DurationMS,
	}
}

func msToTime(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}
