// Package records defines the durable call record shared by both parties of a
// call, its status transition table, and the store contract the call core
// consumes. The SQLite implementation lives in internal/storage; Memory is
// an in-process implementation for tests and single-process demos.
package records

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Status is the lifecycle status of a call record.
type Status string

const (
	StatusInitiated Status = "initiated"
	StatusAnswered  Status = "answered"
	StatusDeclined  Status = "declined"
	StatusMissed    Status = "missed"
	StatusEnded     Status = "ended"
)

var (
	ErrNotFound          = errors.New("call record not found")
	ErrInvalidTransition = errors.New("invalid call status transition")
	ErrInvalidRecord     = errors.New("invalid call record")
)

// transitions lists the legal forward edges. Statuses without an entry are
// terminal.
var transitions = map[Status][]Status{
	StatusInitiated: {StatusAnswered, StatusDeclined, StatusMissed, StatusEnded},
	StatusAnswered:  {StatusEnded},
}

// Valid reports whether s is one of the known statuses.
func (s Status) Valid() bool {
	switch s {
	case StatusInitiated, StatusAnswered, StatusDeclined, StatusMissed, StatusEnded:
		return true
	}
	return false
}

// Terminal reports whether no transition leaves s.
func (s Status) Terminal() bool {
	return s.Valid() && len(transitions[s]) == 0
}

// CanTransition reports whether a record in status from may move to status to.
func CanTransition(from, to Status) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Record is one call's durable row. IDs and participants are immutable after
// creation; StartTime and EndTime are set once, on entering answered and
// ended respectively.
type Record struct {
	ID        string     `json:"id"`
	ChatID    string     `json:"chat_id"`
	CallerID  string     `json:"caller_id"`
	CalleeID  string     `json:"callee_id"`
	Status    Status     `json:"status"`
	StartTime *time.Time `json:"start_time,omitempty"`
	EndTime   *time.Time `json:"end_time,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
}

// Apply moves r to status to at time at, stamping StartTime/EndTime on first
// entry. It returns ErrInvalidTransition without modifying r when the edge is
// not legal.
func (r *Record) Apply(to Status, at time.Time) error {
	if !CanTransition(r.Status, to) {
		return ErrInvalidTransition
	}
	r.Status = to
	switch to {
	case StatusAnswered:
		if r.StartTime == nil {
			t := at
			r.StartTime = &t
		}
	case StatusEnded:
		if r.EndTime == nil {
			t := at
			r.EndTime = &t
		}
	}
	return nil
}

// Store is the persistent call-record collaborator.
type Store interface {
	// Create inserts a new record in status initiated.
	Create(ctx context.Context, callerID, calleeID, chatID string) (Record, error)
	// UpdateStatus applies one status transition. Illegal transitions return
	// ErrInvalidTransition and leave the row untouched.
	UpdateStatus(ctx context.Context, id string, to Status, at time.Time) error
	// Get returns ErrNotFound for unknown IDs.
	Get(ctx context.Context, id string) (Record, error)
	// History returns the most recent records of a chat, newest first.
	History(ctx context.Context, chatID string, limit int) ([]Record, error)
	// SubscribeInserts delivers every record created or imported for calleeID
	// from now on.
	SubscribeInserts(calleeID string) (<-chan Record, func())
	// Import stores a record created by the other party's client. It reports
	// false, without error, when the ID is already known.
	Import(ctx context.Context, rec Record) (bool, error)
}

// Validate checks the immutable fields of a record received from elsewhere.
func (r Record) Validate() error {
	switch {
	case r.ID == "":
		return fmt.Errorf("%w: missing id", ErrInvalidRecord)
	case r.CallerID == "" || r.CalleeID == "":
		return fmt.Errorf("%w: caller and callee are required", ErrInvalidRecord)
	case r.CallerID == r.CalleeID:
		return fmt.Errorf("%w: caller and callee must differ", ErrInvalidRecord)
	case !r.Status.Valid():
		return fmt.Errorf("%w: unknown status %q", ErrInvalidRecord, r.Status)
	}
	return nil
}
