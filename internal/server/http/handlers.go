package http

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"andee/internal/logging"
	"andee/internal/reminder"
	"andee/internal/schedule"
)

// Handlers binds the reminder and schedule engines to the control surface.
type Handlers struct {
	reminders *reminder.Service
	schedules *schedule.Service
	logger    logging.Logger
}

// NewHandlers creates the control-surface handlers.
func NewHandlers(reminders *reminder.Service, schedules *schedule.Service, logger logging.Logger) *Handlers {
	return &Handlers{
		reminders: reminders,
		schedules: schedules,
		logger:    logging.OrNop(logger),
	}
}

// ScheduleReminder handles POST /api/reminders/schedule.
func (h *Handlers) ScheduleReminder(c *gin.Context) {
	var req scheduleReminderRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.badRequest(c, errInvalidRequest, err)
		return
	}

	created, err := h.reminders.Create(c.Request.Context(), reminder.CreateParams{
		UserID:     req.SenderID,
		ReminderID: req.ReminderID,
		ChatID:     req.ChatID,
		IsGroup:    req.IsGroup,
		TriggerAt:  msToTime(req.TriggerAt),
		Message:    req.Message,
		Credential: req.DeliveryCredential,
	})
	if err != nil {
		h.reminderError(c, err)
		return
	}

	c.JSON(http.StatusOK, APIResponse{Success: true, Reminder: toReminderJSON(created)})
}

// CancelReminder handles POST /api/reminders/cancel.
func (h *Handlers) CancelReminder(c *gin.Context) {
	h.resolveReminder(c, h.reminders.Cancel)
}

// CompleteReminder handles POST /api/reminders/complete.
func (h *Handlers) CompleteReminder(c *gin.Context) {
	h.resolveReminder(c, h.reminders.Complete)
}

func (h *Handlers) resolveReminder(c *gin.Context, op func(ctx context.Context, userID, reminderID string) error) {
	var req reminderRefRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.badRequest(c, errInvalidRequest, err)
		return
	}

	if err := op(c.Request.Context(), req.SenderID, req.ReminderID); err != nil {
		h.reminderError(c, err)
		return
	}
	c.JSON(http.StatusOK, APIResponse{Success: true})
}

// ListReminders handles POST /api/reminders/list.
func (h *Handlers) ListReminders(c *gin.Context) {
	var req listRemindersRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.badRequest(c, errInvalidRequest, err)
		return
	}

	var filter *reminder.Status
	if req.Status != "" {
		status := reminder.Status(req.Status)
		if !status.IsValid() {
			h.badRequest(c, errInvalidRequest, errors.New("unknown status "+req.Status))
			return
		}
		filter = &status
	}

	all, err := h.reminders.List(c.Request.Context(), req.SenderID, filter)
	if err != nil {
		h.internalError(c, err)
		return
	}

	out := make([]reminderJSON, 0, len(all))
	for i := range all {
		out = append(out, *toReminderJSON(&all[i]))
	}
	c.JSON(http.StatusOK, APIResponse{Success: true, Reminders: out})
}

// SaveScheduleConfig handles POST /api/schedules/save.
func (h *Handlers) SaveScheduleConfig(c *gin.Context) {
	var req saveConfigRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.badRequest(c, errInvalidRequest, err)
		return
	}

	err := h.schedules.SaveConfig(c.Request.Context(), req.ChatID, req.Config, req.DeliveryCredential)
	if err != nil {
		if errors.Is(err, schedule.ErrInvalidCron) {
			h.badRequest(c, errInvalidCron, err)
			return
		}
		h.internalError(c, err)
		return
	}
	c.JSON(http.StatusOK, APIResponse{Success: true})
}

// GetScheduleConfig handles POST /api/schedules/get.
func (h *Handlers) GetScheduleConfig(c *gin.Context) {
	var req chatRefRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.badRequest(c, errInvalidRequest, err)
		return
	}

	raw, rows, err := h.schedules.GetConfig(c.Request.Context(), req.ChatID)
	if err != nil {
		h.internalError(c, err)
		return
	}

	out := make([]scheduleJSON, 0, len(rows))
	for _, row := range rows {
		out = append(out, toScheduleJSON(row))
	}
	c.JSON(http.StatusOK, APIResponse{Success: true, Config: raw, Schedules: out})
}

// ExecuteSchedule handles POST /api/schedules/execute.
func (h *Handlers) ExecuteSchedule(c *gin.Context) {
	var req executeScheduleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.badRequest(c, errInvalidRequest, err)
		return
	}

	err := h.schedules.ExecuteNow(c.Request.Context(), req.ChatID, req.ScheduleID, req.DeliveryCredential)
	if err != nil {
		if errors.Is(err, schedule.ErrScheduleNotFound) {
			c.JSON(http.StatusNotFound, APIResponse{Success: false, Error: errNotFound, Details: err.Error()})
			return
		}
		h.internalError(c, err)
		return
	}
	c.JSON(http.StatusOK, APIResponse{Success: true})
}

// ListExecutions handles POST /api/schedules/executions.
func (h *Handlers) ListExecutions(c *gin.Context) {
	var req listExecutionsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.badRequest(c, errInvalidRequest, err)
		return
	}

	execs, err := h.schedules.ListExecutions(c.Request.Context(), req.ChatID, req.ScheduleID)
	if err != nil {
		h.internalError(c, err)
		return
	}

	out := make([]executionJSON, 0, len(execs))
	for _, exec := range execs {
		out = append(out, toExecutionJSON(exec))
	}
	c.JSON(http.StatusOK, APIResponse{Success: true, Executions: out})
}

func (h *Handlers) reminderError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, reminder.ErrDuplicateID):
		h.badRequest(c, errDuplicateID, err)
	case errors.Is(err, reminder.ErrNotFound):
		h.badRequest(c, errNotFound, err)
	case errors.Is(err, reminder.ErrAlreadyTerminal):
		h.badRequest(c, errAlreadyTerminal, err)
	default:
		h.internalError(c, err)
	}
}

func (h *Handlers) badRequest(c *gin.Context, code string, err error) {
	h.logger.Warn("HTTP 400 %s %s - %s: %v", c.Request.Method, c.Request.URL.Path, code, err)
	c.JSON(http.StatusBadRequest, APIResponse{Success: false, Error: code, Details: err.Error()})
}

func (h *Handlers) internalError(c *gin.Context, err error) {
	h.logger.Error("HTTP 500 %s %s: %v", c.Request.Method, c.Request.URL.Path, err)
	c.JSON(http.StatusInternalServerError, APIResponse{Success: false, Error: errInternal})
}
