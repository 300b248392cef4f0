package schedule

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"time"

	"github.com/google/uuid"
	"go.etcd.io/bbolt"

	"andee/internal/actor"
	"andee/internal/delivery"
	"andee/internal/logging"
	"andee/internal/metrics"
)

const (
	schedulesTable  = "schedules"
	executionsTable = "executions"
	configTable     = "config"
	configRecordID  = "document"
)

// configRecord is the persisted raw document plus the delivery credential
// supplied at save time, used for wake-time delivery.
type configRecord struct {
	Raw        string    `json:"raw"`
	Credential string    `json:"credential,omitempty"`
	SavedAt    time.Time `json:"saved_at"`
}

// Config holds schedule engine configuration.
type Config struct {
	// DeliveryTimeout bounds a single gateway call during a wake.
	DeliveryTimeout time.Duration
}

// Service is the recurring schedule store and scheduler. One durable actor
// exists per chat; saves, ad-hoc executions, and wakes for a chat are
// serialized by that actor (a save during an in-flight wake queues behind it).
type Service struct {
	registry *actor.Registry
	gateway  delivery.Gateway
	logger   logging.Logger
	metrics  *metrics.Metrics
	config   Config

	now func() time.Time
}

// NewService creates the schedule engine over db. Call Start before use.
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
	s.registry = actor.Open(db, "schedules", s.onWake, s.logger)
	return s
}

// Start re-arms persisted alarms; schedules that came due while the process
// was down fire once on the recovery wake, with missed intervals skipped.
func (s *Service) Start(ctx context.Context) error {
	return s.registry.Start(ctx)
}

// Stop stops the engine. Safe to call multiple times.
func (s *Service) Stop() {
	s.registry.Stop()
}

// SaveConfig atomically replaces the chat's schedule set from a raw YAML
// document. Every cron expression is validated before anything is written;
// an invalid document rejects the whole save with ErrInvalidCron. Last-run
// state is carried over for schedule ids that survive the replace, and
// next-run is recomputed for every schedule.
func (s *Service) SaveConfig(ctx context.Context, chatID, rawConfig, credential string) error {
	doc, err := ParseDocument(rawConfig)
	if err != nil {
		return err
	}

	now := s.now()
	err = s.registry.Do(ctx, chatID, func(h *actor.Handle) error {
		previous, err := loadSchedules(h)
		if err != nil {
			return err
		}
		lastRuns := make(map[string]*time.Time, len(previous))
		for _, row := range previous {
			lastRuns[row.ID] = row.LastRunAt
		}

		rows := make([]Schedule, 0, len(doc.Schedules))
		for _, id := range doc.ScheduleIDs() {
			def := doc.Schedules[id]
			nextRun, err := NextRun(def.Cron, doc.Timezone, now)
			if err != nil {
				return err // validated above; only a tz database change can land here
			}
			rows = append(rows, Schedule{
				ID:          id,
				Description: def.Description,
				Cron:        def.Cron,
				Timezone:    doc.Timezone,
				Prompt:      def.Prompt,
				Enabled:     def.Enabled,
				NextRunAt:   nextRun,
				LastRunAt:   lastRuns[id],
			})
		}

		err = h.Storage().Update(func(tx *actor.Tx) error {
			if err := tx.DropTable(schedulesTable); err != nil {
				return err
			}
			for i := range rows {
				if err := tx.Put(schedulesTable, rows[i].ID, &rows[i]); err != nil {
					return err
				}
			}
			return tx.Put(configTable, configRecordID, &configRecord{
				Raw:        rawConfig,
				Credential: credential,
				SavedAt:    now.UTC(),
			})
		})
		if err != nil {
			return err
		}
		return s.rearm(h)
	})
	if err != nil {
		return err
	}

	s.logger.Info("Schedules: saved config for chat %s (%d schedules)", chatID, len(doc.Schedules))
	return nil
}

// GetConfig returns the chat's raw saved document and the derived schedule
// rows annotated with next-run and last-run. A chat that was never configured
// yields an empty raw document and no rows, not an error.
func (s *Service) GetConfig(ctx context.Context, chatID string) (string, []Schedule, error) {
	var raw string
	var rows []Schedule
	err := s.registry.Do(ctx, chatID, func(h *actor.Handle) error {
		var rec configRecord
		if err := h.Storage().Get(configTable, configRecordID, &rec); err != nil {
			if errors.Is(err, actor.ErrNoRecord) {
				return nil
			}
			return err
		}
		raw = rec.Raw
		var err error
		rows, err = loadSchedules(h)
		return err
	})
	if err != nil {
		return "", nil, err
	}

	sort.Slice(rows, func(i, j int) bool { return rows[i].ID < rows[j].ID })
	return raw, rows, nil
}

// ExecuteNow runs one schedule immediately, bypassing its timing: it
// delivers the prompt, records an Execution, and leaves the next scheduled
// run untouched.
func (s *Service) ExecuteNow(ctx context.Context, chatID, scheduleID, credential string) error {
	return s.registry.Do(ctx, chatID, func(h *actor.Handle) error {
		var row Schedule
		if err := h.Storage().Get(schedulesTable, scheduleID, &row); err != nil {
			if errors.Is(err, actor.ErrNoRecord) {
				return ErrScheduleNotFound
			}
			return err
		}
		if credential == "" {
			credential = s.credential(h)
		}
		s.runSchedule(ctx, h, chatID, &row, credential, false)
		return nil
	})
}

// ListExecutions returns the chat's execution history, newest first,
// optionally filtered to one schedule.
func (s *Service) ListExecutions(ctx context.Context, chatID, scheduleID string) ([]Execution, error) {
	var result []Execution
	err := s.registry.Do(ctx, chatID, func(h *actor.Handle) error {
		return h.Storage().ForEach(executionsTable, func(_ string, rawRec []byte) error {
			var exec Execution
			if err := json.Unmarshal(rawRec, &exec); err != nil {
				return err
			}
			if scheduleID != "" && exec.ScheduleID != scheduleID {
				return nil
			}
			result = append(result, exec)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	sort.Slice(result, func(i, j int) bool {
		if !result[i].ExecutedAt.Equal(result[j].ExecutedAt) {
			return result[i].ExecutedAt.After(result[j].ExecutedAt)
		}
		return result[i].ID > result[j].ID
	})
	return result, nil
}

// credential returns the delivery credential stored with the chat's config.
func (s *Service) credential(h *actor.Handle) string {
	var rec configRecord
	if err := h.Storage().Get(configTable, configRecordID, &rec); err != nil {
		return ""
	}
	return rec.Credential
}

func loadSchedules(h *actor.Handle) ([]Schedule, error) {
	var rows []Schedule
	err := h.Storage().ForEach(schedulesTable, func(_ string, raw []byte) error {
		var row Schedule
		if err := json.Unmarshal(raw, &row); err != nil {
			return err
		}
		rows = append(rows, row)
		return nil
	})
	return rows, err
}

func newExecutionID() string {
	return uuid.NewString()
}
