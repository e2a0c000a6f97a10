package task

import (
	"context"
	"time"
)

// Enqueue hands t to the store for execution as soon as possible. It returns
// created == false when an in-flight task already holds t's unique key.
func Enqueue(ctx context.Context, s Store, t Schedulable) (string, bool, error) {
	return EnqueueAt(ctx, s, t, time.Time{})
}

// EnqueueAt is Enqueue for a task that must not run before at.
func EnqueueAt(ctx context.Context, s Store, t Schedulable, at time.Time) (string, bool, error) {
	inst, err := ForTask(t).ScheduledAt(at).Build(time.Now())
	if err != nil {
		return "", false, err
	}
	return s.Enqueue(ctx, inst)
}
