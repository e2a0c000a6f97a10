package task

import (
	"context"
	"fmt"
	"time"

	"github.com/banyancomputer/banyan-core-sub001/internal/models"
)

// Store is the persistence port of the engine. Implementations must be safe
// for concurrent use and must never hand the same row to two callers of Next.
type Store interface {
	// Enqueue persists inst unless its unique key is held by an in-flight
	// row, in which case it returns created == false and no id.
	Enqueue(ctx context.Context, inst Instance) (id string, created bool, err error)

	// Next atomically claims one due, claimable task on queue whose name is
	// one of names. It returns nil when nothing is eligible.
	Next(ctx context.Context, queue string, names []string) (*models.Task, error)

	// UpdateState moves a row along the legal transition table.
	UpdateState(ctx context.Context, id string, state models.TaskState, lastError *string) error

	// Retry appends the successor attempt of an errored or panicked row due at
	// runAt, or marks the row dead when its attempts are exhausted.
	Retry(ctx context.Context, id string, runAt time.Time) (newID string, created bool, err error)

	// Fail records the failed attempt id in one atomic step: the row leaves
	// in_progress and either gains a successor due at runAt or goes dead, as
	// kind dictates. A store error leaves the row untouched.
	Fail(ctx context.Context, id string, kind ErrorKind, lastError string, runAt time.Time) (newID string, created bool, err error)

	// ScheduleNext enqueues the next occurrence of a recurring task.
	ScheduleNext(ctx context.Context, id string, at time.Time) (newID string, created bool, err error)

	// Get returns a single row.
	Get(ctx context.Context, id string) (models.Task, error)

	// Chain returns every attempt of a logical job, oldest first.
	Chain(ctx context.Context, originalID string) ([]models.Task, error)
}

// Reclaimer is implemented by stores able to recover rows left in progress by
// a worker that died mid-task.
type Reclaimer interface {
	Reclaim(ctx context.Context, startedBefore time.Time) (int, error)
}

// ErrorKind selects how Errored resolves a failed attempt.
type ErrorKind int

const (
	// Execution errors are business failures and are retried.
	Execution ErrorKind = iota
	// Deserialization errors mean the payload can never run.
	Deserialization
	// Panic errors signal a defect and are never retried.
	Panic
	// Unregistered means no handler exists for the task name in this process.
	Unregistered
)

func (k ErrorKind) String() string {
	switch k {
	case Execution:
		return "execution"
	case Deserialization:
		return "deserialization"
	case Panic:
		return "panic"
	case Unregistered:
		return "unregistered"
	default:
		return "unknown"
	}
}

// Errored records a failed attempt of t. Execution failures are retried at
// runAt when attempts remain; every other kind ends the chain.
func Errored(ctx context.Context, s Store, t models.Task, kind ErrorKind, cause error, runAt time.Time) (newID string, created bool, err error) {
	if _, _, err := FailureStates(kind); err != nil {
		return "", false, fmt.Errorf("errored %s: %w", t.ID, err)
	}
	return s.Fail(ctx, t.ID, kind, cause.Error(), runAt)
}

// FailureStates returns the state a failed attempt of kind is recorded in and
// whether the chain may continue with a successor.
func FailureStates(kind ErrorKind) (failed models.TaskState, retryable bool, err error) {
	switch kind {
	case Execution:
		return models.StateError, true, nil
	case Deserialization, Unregistered:
		return models.StateError, false, nil
	case Panic:
		return models.StatePanicked, false, nil
	default:
		return "", false, fmt.Errorf("unknown error kind %d", kind)
	}
}

// Completed marks a claimed row complete.
func Completed(ctx context.Context, s Store, id string) error {
	return s.UpdateState(ctx, id, models.StateComplete, nil)
}

// Cancel marks a non-terminal row cancelled. A worker already running the
// attempt is not interrupted.
func Cancel(ctx context.Context, s Store, id string) error {
	return s.UpdateState(ctx, id, models.StateCancelled, nil)
}

// CheckTransition validates a move and returns a wrapped
// ErrInvalidStateTransition when it is illegal.
func CheckTransition(id string, from, to models.TaskState) error {
	if !to.Valid() || !models.CanTransition(from, to) {
		return &TransitionError{ID: id, From: string(from), To: string(to)}
	}
	return nil
}
