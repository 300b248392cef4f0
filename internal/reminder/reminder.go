// Package reminder implements the per-user durable reminder engine: a
// queryable store of one-shot reminders plus the scheduler that arms the
// user's durable alarm for the earliest pending trigger and delivers due
// reminders on wake.
package reminder

import (
	"errors"
	"fmt"
	"time"
)

// Status tracks the lifecycle of a reminder. Only StatusPending is
// non-terminal; there are no transitions out of terminal states.
type Status string

const (
	StatusPending   Status = "pending"
	StatusCompleted Status = "completed"
	StatusCancelled Status = "cancelled"
	StatusFailed    Status = "failed"
)

// IsTerminal reports whether the status permits no further transitions.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusCancelled || s == StatusFailed
}

// IsValid returns true if the status is one of the recognized values.
func (s Status) IsValid() bool {
	switch s {
	case StatusPending, StatusCompleted, StatusCancelled, StatusFailed:
		return true
	}
	return false
}

// Reminder is a one-shot future notification owned by one user. The trigger
// instant is immutable after creation; records are never deleted, only
// marked terminal.
type Reminder struct {
	ID         string    `json:"id"`
	UserID     string    `json:"user_id"`
	ChatID     string    `json:"chat_id"`
	IsGroup    bool      `json:"is_group"`
	TriggerAt  time.Time `json:"trigger_at"`
	Message    string    `json:"message"`
	Status     Status    `json:"status"`
	CreatedAt  time.Time `json:"created_at"`
	Credential string    `json:"credential,omitempty"`
}

// Validate checks that a reminder has the required fields.
func (r *Reminder) Validate() error {
	if r.ID == "" {
		return fmt.Errorf("reminder: id is required")
	}
	if r.UserID == "" {
		return fmt.Errorf("reminder: user id is required")
	}
	if r.ChatID == "" {
		return fmt.Errorf("reminder: chat id is required")
	}
	if r.Message == "" {
		return fmt.Errorf("reminder: message is required")
	}
	if r.TriggerAt.IsZero() {
		return fmt.Errorf("reminder: trigger instant is required")
	}
	if !r.Status.IsValid() {
		return fmt.Errorf("reminder: invalid status %q", r.Status)
	}
	return nil
}

var (
	// ErrDuplicateID is returned when creating a reminder whose id already
	// exists for the user, regardless of that reminder's status.
	ErrDuplicateID = errors.New("reminder id already exists")
	// ErrNotFound is returned when no reminder exists for the given id.
	ErrNotFound = errors.New("reminder not found")
	// ErrAlreadyTerminal is returned when cancelling or completing a
	// reminder that is no longer pending.
	ErrAlreadyTerminal = errors.New("reminder is not pending")
)
