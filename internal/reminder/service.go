package reminder

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"time"

	"go.etcd.io/bbolt"

	"andee/internal/actor"
	"andee/internal/delivery"
	"andee/internal/logging"
	"andee/internal/metrics"
)

const remindersTable = "reminders"

// Config holds reminder engine configuration.
type Config struct {
	// DeliveryTimeout bounds a single gateway call during a wake.
	DeliveryTimeout time.Duration
}

// Service is the reminder store and scheduler. One durable actor exists per
// user; all operations for a user are serialized by that actor, so a cancel
// can never interleave with an in-flight wake for the same user.
type Service struct {
	registry *actor.Registry
	gateway  delivery.Gateway
	logger   logging.Logger
	metrics  *metrics.Metrics
	config   Config

	now func() time.Time
}

// NewService creates the reminder engine over db. Call Start before use.
func NewService(db *bbolt.DB, cfg Config, gateway delivery.Gateway, m *metrics.Metrics, logger logging.Logger) *Service {
	if cfg.DeliveryTimeout <= 0 {
		cfg.DeliveryTimeout = 10 * time.Second
	}
	s := &Service{
		gateway: gateway,
		logger:  logging.OrNop(logger),
		metrics: m,
		config:  cfg,
		now:     time.Now,
	}
	s.registry = actor.Open(db, "reminders", s.onWake, s.logger)
	return s
}

// Start re-arms persisted alarms; reminders that came due while the process
// was down are delivered immediately.
func (s *Service) Start(ctx context.Context) error {
	return s.registry.Start(ctx)
}

// Stop stops the engine. Safe to call multiple times.
func (s *Service) Stop() {
	s.registry.Stop()
}

// CreateParams are the caller-supplied fields for a new reminder.
type CreateParams struct {
	UserID     string
	ReminderID string
	ChatID     string
	IsGroup    bool
	TriggerAt  time.Time
	Message    string
	Credential string
}

// Create persists a new pending reminder and re-arms the user's alarm. A
// duplicate id for the user fails with ErrDuplicateID; the existing reminder
// is unaffected. A trigger instant in the past is accepted and becomes due on
// the immediate next wake.
func (s *Service) Create(ctx context.Context, p CreateParams) (*Reminder, error) {
	r := &Reminder{
		ID:         p.ReminderID,
		UserID:     p.UserID,
		ChatID:     p.ChatID,
		IsGroup:    p.IsGroup,
		TriggerAt:  p.TriggerAt.UTC(),
		Message:    p.Message,
		Status:     StatusPending,
		CreatedAt:  s.now().UTC(),
		Credential: p.Credential,
	}
	if err := r.Validate(); err != nil {
		return nil, err
	}

	err := s.registry.Do(ctx, p.UserID, func(h *actor.Handle) error {
		exists, err := h.Storage().Has(remindersTable, r.ID)
		if err != nil {
			return err
		}
		if exists {
			return ErrDuplicateID
		}
		if err := h.Storage().Put(remindersTable, r.ID, r); err != nil {
			return err
		}
		return s.rearm(h)
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("Reminders: created %q for user %s (trigger=%s)", r.ID, r.UserID, r.TriggerAt.Format(time.RFC3339))
	return r, nil
}

// Cancel marks a pending reminder cancelled and re-arms the user's alarm;
// the cancelled reminder may have been the next-armed one.
func (s *Service) Cancel(ctx context.Context, userID, reminderID string) error {
	return s.transition(ctx, userID, reminderID, StatusCancelled)
}

// Complete marks a pending reminder completed; used by delivery-confirmation
// paths that resolve a reminder ahead of its trigger.
func (s *Service) Complete(ctx context.Context, userID, reminderID string) error {
	return s.transition(ctx, userID, reminderID, StatusCompleted)
}

func (s *Service) transition(ctx context.Context, userID, reminderID string, to Status) error {
	if userID == "" || reminderID == "" {
		return ErrNotFound
	}
	err := s.registry.Do(ctx, userID, func(h *actor.Handle) error {
		var r Reminder
		if err := h.Storage().Get(remindersTable, reminderID, &r); err != nil {
			if errors.Is(err, actor.ErrNoRecord) {
				return ErrNotFound
			}
			return err
		}
		if r.Status != StatusPending {
			return ErrAlreadyTerminal
		}
		r.Status = to
		if err := h.Storage().Put(remindersTable, r.ID, &r); err != nil {
			return err
		}
		return s.rearm(h)
	})
	if err != nil {
		return err
	}
	s.logger.Info("Reminders: %s %q for user %s", to, reminderID, userID)
	return nil
}

// List returns the user's reminders, optionally filtered to one status.
// Pending reminders come first, ordered by trigger instant ascending;
// terminal reminders follow in creation order.
func (s *Service) List(ctx context.Context, userID string, statusFilter *Status) ([]Reminder, error) {
	var result []Reminder
	err := s.registry.Do(ctx, userID, func(h *actor.Handle) error {
		all, err := loadAll(h)
		if err != nil {
			return err
		}
		for _, r := range all {
			if statusFilter != nil && r.Status != *statusFilter {
				continue
			}
			result = append(result, r)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	sort.SliceStable(result, func(i, j int) bool {
		a, b := result[i], result[j]
		if (a.Status == StatusPending) != (b.Status == StatusPending) {
			return a.Status == StatusPending
		}
		if a.Status == StatusPending {
			if !a.TriggerAt.Equal(b.TriggerAt) {
				return a.TriggerAt.Before(b.TriggerAt)
			}
			return a.ID < b.ID
		}
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		return a.ID < b.ID
	})
	return result, nil
}

func loadAll(h *actor.Handle) ([]Reminder, error) {
	var all []Reminder
	err := h.Storage().ForEach(remindersTable, func(_ string, raw []byte) error {
		var r Reminder
		if err := json.Unmarshal(raw, &r); err != nil {
			return err
		}
		all = append(all, r)
		return nil
	})
	return all, err
}
