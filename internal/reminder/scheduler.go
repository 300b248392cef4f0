package reminder

import (
	"context"
	"sort"
	"time"

	"andee/internal/actor"
)

// rearm points the user's durable alarm at the earliest pending trigger, or
// clears it when nothing is pending. Must run inside the user's actor.
func (s *Service) rearm(h *actor.Handle) error {
	all, err := loadAll(h)
	if err != nil {
		return err
	}

	var next time.Time
	for _, r := range all {
		if r.Status != StatusPending {
			continue
		}
		if next.IsZero() || r.TriggerAt.Before(next) {
			next = r.TriggerAt
		}
	}

	if next.IsZero() {
		return h.ClearAlarm()
	}
	return h.SetAlarm(next)
}

// onWake delivers every due pending reminder, independently, then re-arms
// against the updated set. A delivery failure marks that reminder failed
// (the trigger time has passed, so retrying later is not meaningful) and is
// never raised out of the wake: a partial failure must not cause the whole
// batch to replay, which would double-deliver the reminders already resolved
// in this wake.
func (s *Service) onWake(ctx context.Context, userID string, h *actor.Handle) {
	s.metrics.ObserveWake("reminder")

	all, err := loadAll(h)
	if err != nil {
		s.logger.Error("Reminders: wake for user %s: load: %v", userID, err)
		return
	}

	now := s.now()
	var due []Reminder
	for _, r := range all {
		if r.Status == StatusPending && !r.TriggerAt.After(now) {
			due = append(due, r)
		}
	}
	sort.Slice(due, func(i, j int) bool {
		return due[i].TriggerAt.Before(due[j].TriggerAt)
	})

	for i := range due {
		s.deliverOne(ctx, h, &due[i])
	}

	if err := s.rearm(h); err != nil {
		s.logger.Error("Reminders: wake for user %s: rearm: %v", userID, err)
	}
}

func (s *Service) deliverOne(ctx context.Context, h *actor.Handle, r *Reminder) {
	callCtx, cancel := context.WithTimeout(ctx, s.config.DeliveryTimeout)
	defer cancel()

	start := s.now()
	err := s.gateway.Deliver(callCtx, r.ChatID, r.Message, r.Credential)
	elapsed := s.now().Sub(start)

	if err != nil {
		r.Status = StatusFailed
		s.metrics.ObserveDelivery("reminder", "failed", elapsed.Seconds())
		s.logger.Warn("Reminders: delivery of %q to chat %s failed: %v", r.ID, r.ChatID, err)
	} else {
		r.Status = StatusCompleted
		s.metrics.ObserveDelivery("reminder", "completed", elapsed.Seconds())
		s.logger.Info("Reminders: delivered %q to chat %s", r.ID, r.ChatID)
	}

	if err := h.Storage().Put(remindersTable, r.ID, r); err != nil {
		// The status write failed but the wake must still complete; the
		// reminder stays pending and will be retried on the next arm cycle.
		s.logger.Error("Reminders: persist status for %q: %v", r.ID, err)
	}
}
