package models

import (
	"time"
)

// TaskState enumerates lifecycle states persisted with every task row.
type TaskState string

const (
	StateNew        TaskState = "new"
	StateScheduled  TaskState = "scheduled"
	StateInProgress TaskState = "in_progress"
	StateComplete   TaskState = "complete"
	StateError      TaskState = "error"
	StatePanicked   TaskState = "panicked"
	StateRetry      TaskState = "retry"
	StateDead       TaskState = "dead"
	StateCancelled  TaskState = "cancelled"
)

// transitions lists the legal moves out of each state. A retry never moves a
// row; it appends a successor row instead.
var transitions = map[TaskState][]TaskState{
	StateNew:        {StateInProgress, StateCancelled},
	StateScheduled:  {StateInProgress, StateCancelled},
	StateRetry:      {StateInProgress, StateCancelled},
	StateInProgress: {StateComplete, StateError, StatePanicked, StateCancelled},
	StateError:      {StateDead, StateCancelled},
	StatePanicked:   {StateDead, StateCancelled},
}

// CanTransition reports whether a row in state from may be moved to state to.
func CanTransition(from, to TaskState) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Terminal states are never left again.
func (s TaskState) Terminal() bool {
	switch s {
	case StateComplete, StateDead, StateCancelled:
		return true
	}
	return false
}

// Claimable reports whether a worker may pick up a row in this state.
func (s TaskState) Claimable() bool {
	switch s {
	case StateNew, StateScheduled, StateRetry:
		return true
	}
	return false
}

// InFlight is the set of states that hold a unique key.
func (s TaskState) InFlight() bool {
	return s.Claimable() || s == StateInProgress
}

// Valid reports whether s is a known state.
func (s TaskState) Valid() bool {
	switch s {
	case StateNew, StateScheduled, StateInProgress, StateComplete, StateError,
		StatePanicked, StateRetry, StateDead, StateCancelled:
		return true
	}
	return false
}

// Task is one persisted attempt of a unit of background work.
type Task struct {
	ID               string    `json:"id"`
	TaskName         string    `json:"task_name"`
	QueueName        string    `json:"queue_name"`
	UniqueKey        *string   `json:"unique_key,omitempty"`
	Payload          []byte    `json:"payload"`
	CurrentAttempt   int       `json:"current_attempt"`
	MaxAttempts      int       `json:"maximum_attempts"`
	State            TaskState `json:"state"`
	OriginalTaskID   *string   `json:"original_task_id,omitempty"`
	ScheduledToRunAt time.Time `json:"scheduled_to_run_at"`

	LastError  *string    `json:"last_error,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
	StartedAt  *time.Time `json:"started_at,omitempty"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
}

// ChainID returns the id of the attempt-0 row this task descends from.
func (t Task) ChainID() string {
	if t.OriginalTaskID != nil {
		return *t.OriginalTaskID
	}
	return t.ID
}

// AttemptsRemaining reports whether a successor attempt may still be created.
func (t Task) AttemptsRemaining() bool {
	return t.CurrentAttempt+1 < t.MaxAttempts
}
