package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/banyancomputer/banyan-core-sub001/internal/models"
	"github.com/banyancomputer/banyan-core-sub001/internal/task"
	"github.com/banyancomputer/banyan-core-sub001/internal/telemetry"
)

// Worker drives a single polling loop bound to one queue. It runs at most one
// task at a time.
type Worker[C any] struct {
	queue      QueueConfig
	store      task.Store
	registry   *registry[C]
	names      []string
	newContext func() C
	shutdown   <-chan struct{}

	pollInterval  time.Duration
	maxCheckDelay time.Duration
	backoff       task.Backoff
	logger        *slog.Logger

	consecutivePanics int
}

// NewWorker builds a worker for queue. shutdown may be nil, in which case the
// worker sleeps the poll interval between empty polls and only stops with ctx.
func NewWorker[C any](pool *WorkerPool[C], queue QueueConfig, shutdown <-chan struct{}) *Worker[C] {
	return &Worker[C]{
		queue:         queue,
		store:         pool.store,
		registry:      pool.registry,
		names:         pool.registry.names(queue.Name),
		newContext:    pool.newContext,
		shutdown:      shutdown,
		pollInterval:  pool.opts.pollInterval,
		maxCheckDelay: pool.opts.maxCheckDelay,
		backoff:       pool.opts.backoff,
		logger:        pool.opts.logger.With("queue", queue.Name),
	}
}

// RunTasks polls until shutdown is signalled or ctx ends. A backlog is
// drained without delay; store failures abandon the iteration only.
func (w *Worker[C]) RunTasks(ctx context.Context) error {
	for {
		if w.stopping() {
			return nil
		}
		if err := ctx.Err(); err != nil {
			return err
		}

		t, err := w.store.Next(ctx, w.queue.Name, w.names)
		if err != nil {
			telemetry.StoreErrors.WithLabelValues("next").Inc()
			w.logger.Error("claim next task", "err", err)
			if !w.idle(ctx) {
				return nil
			}
			continue
		}
		if t == nil {
			if !w.idle(ctx) {
				return nil
			}
			continue
		}

		if err := w.Run(ctx, *t); err != nil {
			w.logger.Error("record task outcome", "task_id", t.ID, "task_name", t.TaskName, "err", err)
		}
	}
}

func (w *Worker[C]) stopping() bool {
	if w.shutdown == nil {
		return false
	}
	select {
	case <-w.shutdown:
		return true
	default:
		return false
	}
}

// idle waits before the next poll. It returns false when the worker should
// exit.
func (w *Worker[C]) idle(ctx context.Context) bool {
	delay := w.maxCheckDelay
	if w.shutdown == nil {
		delay = w.pollInterval
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()

	select {
	case <-w.shutdown:
		return false
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

// Run executes one claimed task and persists its outcome. The returned error
// is non-nil only when the outcome could not be recorded or the task name is
// not registered in this process.
func (w *Worker[C]) Run(ctx context.Context, t models.Task) error {
	logger := w.logger.With("task_id", t.ID, "task_name", t.TaskName, "attempt", t.CurrentAttempt)

	h, ok := w.registry.lookup(t.TaskName)
	if !ok {
		err := fmt.Errorf("%w: %s", task.ErrUnregisteredTaskName, t.TaskName)
		logger.Error("no handler registered", "err", err)
		if _, _, serr := task.Errored(ctx, w.store, t, task.Unregistered, err, time.Now()); serr != nil {
			return errors.Join(err, serr)
		}
		telemetry.WorkerDead.WithLabelValues(t.QueueName, t.TaskName).Inc()
		return err
	}

	current := task.CurrentTask{
		ID:             t.ID,
		Name:           t.TaskName,
		Queue:          t.QueueName,
		Attempt:        t.CurrentAttempt,
		MaxAttempts:    t.MaxAttempts,
		OriginalTaskID: t.ChainID(),
		ScheduledAt:    t.ScheduledToRunAt,
	}

	var decoded any
	inflight := telemetry.InFlightGauge.WithLabelValues(t.QueueName)
	inflight.Inc()
	start := time.Now()
	err := runIsolated(func() error {
		var err error
		decoded, err = h.exec(ctx, current, t.Payload, w.newContext())
		return err
	})
	inflight.Dec()
	telemetry.TaskDuration.WithLabelValues(t.QueueName, t.TaskName).Observe(time.Since(start).Seconds())

	var perr *task.PanicError
	switch {
	case err == nil:
		w.consecutivePanics = 0
		return w.complete(ctx, logger, t, decoded)
	case errors.As(err, &perr) || errors.Is(err, task.ErrAbnormalExit):
		w.consecutivePanics++
		logger.Error("task panicked", "err", err, "consecutive_panics", w.consecutivePanics, "stack", stackOf(perr))
		telemetry.WorkerPanics.WithLabelValues(t.QueueName, t.TaskName).Inc()
		telemetry.WorkerDead.WithLabelValues(t.QueueName, t.TaskName).Inc()
		_, _, serr := task.Errored(ctx, w.store, t, task.Panic, err, time.Now())
		return serr
	case errors.Is(err, task.ErrDeserializationFailed):
		w.consecutivePanics = 0
		logger.Error("task payload cannot be decoded", "err", err)
		telemetry.WorkerDead.WithLabelValues(t.QueueName, t.TaskName).Inc()
		_, _, serr := task.Errored(ctx, w.store, t, task.Deserialization, err, time.Now())
		return serr
	default:
		w.consecutivePanics = 0
		runAt := time.Now().Add(task.RetryDelayFor(decoded, w.backoff, t.CurrentAttempt+1))
		newID, created, serr := task.Errored(ctx, w.store, t, task.Execution, err, runAt)
		if serr != nil {
			return serr
		}
		if created {
			logger.Warn("task failed, retry scheduled", "err", err, "retry_id", newID, "run_at", runAt.UTC().Format(time.RFC3339))
			telemetry.WorkerFailures.WithLabelValues(t.QueueName, t.TaskName).Inc()
			return nil
		}
		logger.Error("task failed, no attempts remaining", "err", err, "max_attempts", t.MaxAttempts)
		telemetry.WorkerDead.WithLabelValues(t.QueueName, t.TaskName).Inc()
		return nil
	}
}

func (w *Worker[C]) complete(ctx context.Context, logger *slog.Logger, t models.Task, decoded any) error {
	if err := task.Completed(ctx, w.store, t.ID); err != nil {
		return err
	}
	telemetry.WorkerSuccess.WithLabelValues(t.QueueName, t.TaskName).Inc()
	logger.Debug("task complete")

	rec, ok := decoded.(task.NextScheduler)
	if !ok {
		return nil
	}
	at, err := rec.NextSchedule()
	if err != nil {
		logger.Error("compute next schedule", "err", err)
		return nil
	}
	if at == nil {
		return nil
	}
	nextID, created, err := w.store.ScheduleNext(ctx, t.ID, *at)
	if err != nil {
		return fmt.Errorf("schedule next occurrence of %s: %w", t.ID, err)
	}
	if created {
		logger.Debug("next occurrence scheduled", "next_id", nextID, "run_at", at.UTC().Format(time.RFC3339))
	}
	return nil
}

func stackOf(perr *task.PanicError) string {
	if perr == nil {
		return ""
	}
	return string(perr.Stack)
}
