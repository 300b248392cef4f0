package schedule

import (
	"context"
	"time"

	"andee/internal/actor"
)

// rearm points the chat's durable alarm at the earliest next-run among
// enabled schedules, or clears it when none are enabled. Disabled schedules
// keep their rows and history but never count toward the alarm. Must run
// inside the chat's actor.
func (s *Service) rearm(h *actor.Handle) error {
	rows, err := loadSchedules(h)
	if err != nil {
		return err
	}

	var next time.Time
	for _, row := range rows {
		if !row.Enabled || row.NextRunAt.IsZero() {
			continue
		}
		if next.IsZero() || row.NextRunAt.Before(next) {
			next = row.NextRunAt
		}
	}

	if next.IsZero() {
		return h.ClearAlarm()
	}
	return h.SetAlarm(next)
}

// onWake runs every enabled schedule whose next-run has passed, then
// re-arms. Next-run is recomputed strictly after "now", so a schedule that
// missed several intervals while the process slept fires exactly once and
// resumes its normal cadence. Per-schedule failures are recorded in the
// execution history and never raised out of the wake.
func (s *Service) onWake(ctx context.Context, chatID string, h *actor.Handle) {
	s.metrics.ObserveWake("schedule")

	rows, err := loadSchedules(h)
	if err != nil {
		s.logger.Error("Schedules: wake for chat %s: load: %v", chatID, err)
		return
	}

	credential := s.credential(h)
	now := s.now()
	for i := range rows {
		row := &rows[i]
		if !row.Enabled || row.NextRunAt.After(now) {
			continue
		}
		s.runSchedule(ctx, h, chatID, row, credential, true)
	}

	if err := s.rearm(h); err != nil {
		s.logger.Error("Schedules: wake for chat %s: rearm: %v", chatID, err)
	}
}

// runSchedule delivers one schedule's prompt and appends an Execution.
// When advance is true the run state moves forward: last-run is stamped and
// next-run recomputed from now. Ad-hoc runs pass advance=false so the next
// scheduled run proceeds independently.
func (s *Service) runSchedule(ctx context.Context, h *actor.Handle, chatID string, row *Schedule, credential string, advance bool) {
	callCtx, cancel := context.WithTimeout(ctx, s.config.DeliveryTimeout)
	defer cancel()

	start := s.now()
	err := s.gateway.Deliver(callCtx, chatID, row.Prompt, credential)
	elapsed := s.now().Sub(start)

	exec := Execution{
		ID:         newExecutionID(),
		ScheduleID: row.ID,
		ExecutedAt: start.UTC(),
		Status:     ExecutionCompleted,
		DurationMS: elapsed.Milliseconds(),
	}
	if err != nil {
		exec.Status = ExecutionFailed
		exec.Error = err.Error()
		s.metrics.ObserveDelivery("schedule", "failed", elapsed.Seconds())
		s.logger.Warn("Schedules: %q in chat %s failed: %v", row.ID, chatID, err)
	} else {
		s.metrics.ObserveDelivery("schedule", "completed", elapsed.Seconds())
		s.logger.Info("Schedules: executed %q in chat %s", row.ID, chatID)
	}

	if putErr := h.Storage().Put(executionsTable, exec.ID, &exec); putErr != nil {
		s.logger.Error("Schedules: record execution for %q: %v", row.ID, putErr)
	}

	if !advance {
		return
	}

	now := s.now().UTC()
	row.LastRunAt = &now
	nextRun, nextErr := NextRun(row.Cron, row.Timezone, now)
	if nextErr != nil {
		s.logger.Error("Schedules: next run for %q: %v", row.ID, nextErr)
		row.NextRunAt = time.Time{}
	} else {
		row.NextRunAt = nextRun
	}
	if putErr := h.Storage().Put(schedulesTable, row.ID, row); putErr != nil {
		s.logger.Error("Schedules: persist run state for %q: %v", row.ID, putErr)
	}
}
