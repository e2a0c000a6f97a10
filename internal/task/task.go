// Package task defines the contract background work implements to become
// schedulable, the persistence port the engine is built against, and the
// helpers producers and workers use on top of it.
package task

import (
	"context"
	"time"
)

// DefaultMaxAttempts applies to task types that do not implement MaxAttempter.
const DefaultMaxAttempts = 3

// Schedulable is the part of a task type enqueueing needs. TaskName must be
// unique per process; it keys both persistence and registry dispatch.
type Schedulable interface {
	TaskName() string
	QueueName() string
}

// TaskLike is a payload that can be executed by a worker. C is the bundle of
// shared handles injected per run.
type TaskLike[C any] interface {
	Schedulable
	Run(ctx context.Context, current CurrentTask, c C) error
}

// NextScheduler is implemented by recurring task types. A nil time stops
// recurrence.
type NextScheduler interface {
	NextSchedule() (*time.Time, error)
}

// RecurringTask computes its own following occurrence once it completes.
type RecurringTask[C any] interface {
	TaskLike[C]
	NextScheduler
}

// MaxAttempter overrides DefaultMaxAttempts.
type MaxAttempter interface {
	MaxAttempts() int
}

// UniqueKeyer supplies a dedup token. At most one in-flight task may hold it.
type UniqueKeyer interface {
	UniqueKey() (string, bool)
}

// RetryDelayer overrides the pool backoff for one task type. attempt is the
// attempt number of the successor row. Workers detect it, like NextScheduler,
// on either receiver kind.
type RetryDelayer interface {
	RetryDelay(attempt int) time.Duration
}

// CurrentTask is the metadata of the attempt being executed.
type CurrentTask struct {
	ID             string
	Name           string
	Queue          string
	Attempt        int
	MaxAttempts    int
	OriginalTaskID string
	ScheduledAt    time.Time
}

// MaxAttemptsOf resolves the attempt budget of a task value.
func MaxAttemptsOf(t any) int {
	if m, ok := t.(MaxAttempter); ok && m.MaxAttempts() > 0 {
		return m.MaxAttempts()
	}
	return DefaultMaxAttempts
}

// UniqueKeyOf resolves the dedup token of a task value.
func UniqueKeyOf(t any) (string, bool) {
	if u, ok := t.(UniqueKeyer); ok {
		if key, ok := u.UniqueKey(); ok && key != "" {
			return key, true
		}
	}
	return "", false
}
