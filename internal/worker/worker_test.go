package worker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/banyancomputer/banyan-core-sub001/internal/models"
	"github.com/banyancomputer/banyan-core-sub001/internal/task"
)

type testEnv struct {
	runs    *atomic.Int32
	release chan struct{}
}

// flaky fails every attempt before SucceedOn.
type flaky struct {
	Name      string `json:"name"`
	SucceedOn int    `json:"succeed_on"`
}

func (flaky) TaskName() string  { return "flaky" }
func (flaky) QueueName() string { return "default" }
func (flaky) MaxAttempts() int  { return 3 }

func (f flaky) Run(_ context.Context, current task.CurrentTask, env testEnv) error {
	env.runs.Add(1)
	if current.Attempt < f.SucceedOn {
		return fmt.Errorf("attempt %d failed", current.Attempt)
	}
	return nil
}

type panicky struct{}

func (panicky) TaskName() string  { return "panicky" }
func (panicky) QueueName() string { return "default" }
func (panicky) MaxAttempts() int  { return 5 }

func (panicky) Run(context.Context, task.CurrentTask, testEnv) error {
	var m map[string]int
	m["x"]++
	return nil
}

type ticking struct {
	Every time.Duration `json:"every"`
}

func (ticking) TaskName() string  { return "ticking" }
func (ticking) QueueName() string { return "default" }

func (ticking) Run(_ context.Context, _ task.CurrentTask, env testEnv) error {
	env.runs.Add(1)
	return nil
}

func (t ticking) NextSchedule() (*time.Time, error) {
	if t.Every == 0 {
		return nil, nil
	}
	at := time.Now().Add(t.Every)
	return &at, nil
}

// brokenSchedule recurs through a schedule that cannot be computed.
type brokenSchedule struct{}

func (brokenSchedule) TaskName() string  { return "broken_schedule" }
func (brokenSchedule) QueueName() string { return "default" }

func (brokenSchedule) Run(context.Context, task.CurrentTask, testEnv) error { return nil }

func (brokenSchedule) NextSchedule() (*time.Time, error) {
	return nil, errors.New("cron expression out of range")
}

// slowRetry fails once and asks for its own delay through a pointer receiver.
type slowRetry struct{}

func (slowRetry) TaskName() string  { return "slow_retry" }
func (slowRetry) QueueName() string { return "default" }

func (slowRetry) Run(context.Context, task.CurrentTask, testEnv) error {
	return errors.New("upstream unavailable")
}

func (*slowRetry) RetryDelay(int) time.Duration { return time.Hour }

// movedFlaky reuses the flaky name on another queue.
type movedFlaky struct{}

func (movedFlaky) TaskName() string                                     { return "flaky" }
func (movedFlaky) QueueName() string                                    { return "reports" }
func (movedFlaky) Run(context.Context, task.CurrentTask, testEnv) error { return nil }

type blocking struct{}

func (blocking) TaskName() string  { return "blocking" }
func (blocking) QueueName() string { return "slow" }

func (blocking) Run(ctx context.Context, _ task.CurrentTask, env testEnv) error {
	env.runs.Add(1)
	select {
	case <-env.release:
	case <-ctx.Done():
	}
	return nil
}

type reportUpload struct{}

func (reportUpload) TaskName() string                                     { return "report_upload_task" }
func (reportUpload) QueueName() string                                    { return "reports" }
func (reportUpload) Run(context.Context, task.CurrentTask, testEnv) error { return nil }

type reportSummary struct{}

func (reportSummary) TaskName() string                                     { return "report_summary_task" }
func (reportSummary) QueueName() string                                    { return "reports" }
func (reportSummary) Run(context.Context, task.CurrentTask, testEnv) error { return nil }

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestPool(store task.Store, env testEnv) *WorkerPool[testEnv] {
	p := NewWorkerPool(store, func() testEnv { return env },
		WithLogger(quietLogger()),
		WithMaxCheckDelay(10*time.Millisecond),
		WithPollInterval(10*time.Millisecond),
		WithShutdownTimeout(time.Second),
	)
	RegisterTaskType[flaky](p)
	RegisterTaskType[panicky](p)
	RegisterTaskType[ticking](p)
	return p.ConfigureQueue(QueueConfig{Name: "default", WorkerCount: 1})
}

func newEnv() testEnv {
	return testEnv{runs: &atomic.Int32{}, release: make(chan struct{})}
}

// drain runs every claimable task on queue once through w.
func drain(t *testing.T, s task.Store, w *Worker[testEnv]) {
	t.Helper()
	ctx := context.Background()
	for i := 0; i < 20; i++ {
		next, err := s.Next(ctx, w.queue.Name, w.names)
		if err != nil {
			t.Fatalf("next: %v", err)
		}
		if next == nil {
			return
		}
		if err := w.Run(ctx, *next); err != nil {
			t.Fatalf("run: %v", err)
		}
	}
	t.Fatalf("queue did not drain")
}

func TestWorkerRetriesUntilSuccess(t *testing.T) {
	ctx := context.Background()
	store := task.NewMemoryStore()
	env := newEnv()
	pool := newTestPool(store, env)
	w := NewWorker(pool, QueueConfig{Name: "default", WorkerCount: 1}, nil)

	first, _, err := task.Enqueue(ctx, store, flaky{Name: "x", SucceedOn: 2})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	drain(t, store, w)

	chain, err := store.Chain(ctx, first)
	if err != nil {
		t.Fatalf("chain: %v", err)
	}
	if len(chain) != 3 {
		t.Fatalf("expected 3 rows got %d", len(chain))
	}
	want := []models.TaskState{models.StateError, models.StateError, models.StateComplete}
	for i, row := range chain {
		if row.State != want[i] {
			t.Fatalf("row %d: expected %s got %s", i, want[i], row.State)
		}
		if i > 0 && (row.OriginalTaskID == nil || *row.OriginalTaskID != first) {
			t.Fatalf("row %d not linked to %s", i, first)
		}
	}
	if env.runs.Load() != 3 {
		t.Fatalf("expected 3 runs got %d", env.runs.Load())
	}
}

func TestWorkerExhaustsAttempts(t *testing.T) {
	ctx := context.Background()
	store := task.NewMemoryStore()
	pool := newTestPool(store, newEnv())
	w := NewWorker(pool, QueueConfig{Name: "default"}, nil)

	first, _, _ := task.Enqueue(ctx, store, flaky{SucceedOn: 10})
	drain(t, store, w)

	chain, _ := store.Chain(ctx, first)
	if len(chain) != 3 {
		t.Fatalf("expected 3 attempts got %d", len(chain))
	}
	if last := chain[2]; last.State != models.StateDead {
		t.Fatalf("expected last attempt dead got %s", last.State)
	}
}

func TestWorkerPanicIsTerminal(t *testing.T) {
	ctx := context.Background()
	store := task.NewMemoryStore()
	pool := newTestPool(store, newEnv())
	w := NewWorker(pool, QueueConfig{Name: "default"}, nil)

	id, _, _ := task.Enqueue(ctx, store, panicky{})
	drain(t, store, w)

	got, _ := store.Get(ctx, id)
	if got.State != models.StateDead {
		t.Fatalf("expected dead got %s", got.State)
	}
	if store.Len() != 1 {
		t.Fatalf("a panic must not create retry rows, have %d rows", store.Len())
	}
	if w.consecutivePanics != 1 {
		t.Fatalf("expected panic to be counted")
	}
}

func TestWorkerUndecodablePayload(t *testing.T) {
	ctx := context.Background()
	store := task.NewMemoryStore()
	pool := newTestPool(store, newEnv())
	w := NewWorker(pool, QueueConfig{Name: "default"}, nil)

	inst, err := task.ForRaw("flaky", "default", []byte(`{"succeed_on":"never"}`)).Build(time.Now())
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if _, _, err := store.Enqueue(ctx, inst); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	drain(t, store, w)

	got, _ := store.Get(ctx, inst.ID)
	if got.State != models.StateDead || store.Len() != 1 {
		t.Fatalf("undecodable payload should go dead without retry, got %s with %d rows", got.State, store.Len())
	}
}

func TestWorkerUnregisteredTaskName(t *testing.T) {
	ctx := context.Background()
	store := task.NewMemoryStore()
	pool := newTestPool(store, newEnv())
	w := NewWorker(pool, QueueConfig{Name: "default"}, nil)

	inst, _ := task.ForRaw("ghost", "default", nil).Build(time.Now())
	if _, _, err := store.Enqueue(ctx, inst); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	claimed, err := store.Next(ctx, "default", []string{"ghost"})
	if err != nil || claimed == nil {
		t.Fatalf("next: %v", err)
	}
	if err := w.Run(ctx, *claimed); !errors.Is(err, task.ErrUnregisteredTaskName) {
		t.Fatalf("expected unregistered task name, got %v", err)
	}
	got, _ := store.Get(ctx, inst.ID)
	if got.State != models.StateDead {
		t.Fatalf("expected dead got %s", got.State)
	}
}

func TestWorkerReschedulesRecurringTask(t *testing.T) {
	ctx := context.Background()
	store := task.NewMemoryStore()
	pool := newTestPool(store, newEnv())
	w := NewWorker(pool, QueueConfig{Name: "default"}, nil)

	first, _, _ := task.Enqueue(ctx, store, ticking{Every: time.Hour})
	drain(t, store, w)

	rows := store.All()
	if len(rows) != 2 {
		t.Fatalf("expected the next occurrence to be stored, have %d rows", len(rows))
	}
	if rows[0].ID != first || rows[0].State != models.StateComplete {
		t.Fatalf("unexpected first row %+v", rows[0])
	}
	if rows[1].State != models.StateScheduled || rows[1].OriginalTaskID != nil {
		t.Fatalf("unexpected next occurrence %+v", rows[1])
	}

	// A nil schedule ends recurrence.
	task.Enqueue(ctx, store, ticking{})
	drain(t, store, w)
	if store.Len() != 3 {
		t.Fatalf("expected recurrence to stop, have %d rows", store.Len())
	}
}

func TestWorkerStopsRecurrenceOnScheduleError(t *testing.T) {
	ctx := context.Background()
	store := task.NewMemoryStore()
	pool := newTestPool(store, newEnv())
	RegisterTaskType[brokenSchedule](pool)
	w := NewWorker(pool, QueueConfig{Name: "default"}, nil)

	id, _, _ := task.Enqueue(ctx, store, brokenSchedule{})
	drain(t, store, w)

	got, _ := store.Get(ctx, id)
	if got.State != models.StateComplete {
		t.Fatalf("expected complete got %s", got.State)
	}
	if store.Len() != 1 {
		t.Fatalf("schedule error should not reschedule, have %d rows", store.Len())
	}
}

func TestWorkerUsesPointerRetryDelay(t *testing.T) {
	ctx := context.Background()
	store := task.NewMemoryStore()
	pool := newTestPool(store, newEnv())
	RegisterTaskType[slowRetry](pool)
	w := NewWorker(pool, QueueConfig{Name: "default"}, nil)

	id, _, _ := task.Enqueue(ctx, store, slowRetry{})
	claimed, err := store.Next(ctx, "default", []string{"slow_retry"})
	if err != nil || claimed == nil {
		t.Fatalf("next: %v", err)
	}
	before := time.Now()
	if err := w.Run(ctx, *claimed); err != nil {
		t.Fatalf("run: %v", err)
	}
	chain, _ := store.Chain(ctx, id)
	if len(chain) != 2 {
		t.Fatalf("expected a retry row, have %d", len(chain))
	}
	if chain[1].ScheduledToRunAt.Before(before.Add(59 * time.Minute)) {
		t.Fatalf("retry ignored the type delay: due %v", chain[1].ScheduledToRunAt)
	}
}

// failingStore cannot record outcomes while down.
type failingStore struct {
	*task.MemoryStore
	down atomic.Bool
}

func (s *failingStore) Fail(ctx context.Context, id string, kind task.ErrorKind, lastError string, runAt time.Time) (string, bool, error) {
	if s.down.Load() {
		return "", false, task.ErrConnectionFailure
	}
	return s.MemoryStore.Fail(ctx, id, kind, lastError, runAt)
}

func TestWorkerFailureLeavesTaskReclaimable(t *testing.T) {
	ctx := context.Background()
	store := &failingStore{MemoryStore: task.NewMemoryStore()}
	store.down.Store(true)
	pool := newTestPool(store, newEnv())
	w := NewWorker(pool, QueueConfig{Name: "default"}, nil)

	id, _, _ := task.Enqueue(ctx, store, flaky{SucceedOn: 1})
	claimed, err := store.Next(ctx, "default", []string{"flaky"})
	if err != nil || claimed == nil {
		t.Fatalf("next: %v", err)
	}
	if err := w.Run(ctx, *claimed); !errors.Is(err, task.ErrConnectionFailure) {
		t.Fatalf("expected the store failure to surface, got %v", err)
	}
	got, _ := store.Get(ctx, id)
	if got.State != models.StateInProgress || store.Len() != 1 {
		t.Fatalf("failed write must leave the claim untouched, got %s with %d rows", got.State, store.Len())
	}

	store.down.Store(false)
	n, err := store.Reclaim(ctx, time.Now().Add(time.Second))
	if err != nil || n != 1 {
		t.Fatalf("expected one reclaimed row: n=%d err=%v", n, err)
	}
	drain(t, store, w)
	chain, _ := store.Chain(ctx, id)
	if len(chain) != 2 || chain[1].State != models.StateComplete {
		t.Fatalf("reclaimed job should finish on its next attempt: %+v", chain)
	}
}

func TestStartRejectsUnconfiguredQueue(t *testing.T) {
	store := task.NewMemoryStore()
	env := newEnv()
	pool := newTestPool(store, env)
	RegisterTaskType[reportUpload](pool)
	RegisterTaskType[reportSummary](pool)

	done, err := pool.Start(make(chan struct{}))
	var qerr *task.QueueNotConfiguredError
	if !errors.As(err, &qerr) {
		t.Fatalf("expected queue not configured, got %v", err)
	}
	if done != nil {
		t.Fatalf("no workers should start on a wiring error")
	}
	if qerr.Queue != "reports" || len(qerr.TaskNames) != 2 || qerr.TaskNames[0] != "report_summary_task" || qerr.TaskNames[1] != "report_upload_task" {
		t.Fatalf("unexpected error %+v", qerr)
	}
}

func TestRegisterTwiceMovesQueue(t *testing.T) {
	pool := newTestPool(task.NewMemoryStore(), newEnv())
	RegisterTaskType[flaky](pool)
	if got := pool.registry.names("default"); len(got) != 3 {
		t.Fatalf("duplicate registration should not duplicate names: %v", got)
	}

	RegisterTaskType[movedFlaky](pool)
	if got := pool.registry.names("default"); len(got) != 2 || slices.Contains(got, "flaky") {
		t.Fatalf("flaky should have left default: %v", got)
	}
	if got := pool.registry.names("reports"); len(got) != 1 || got[0] != "flaky" {
		t.Fatalf("flaky should now serve reports: %v", got)
	}

	solo := NewWorkerPool(task.NewMemoryStore(), newEnv, WithLogger(quietLogger()))
	RegisterTaskType[flaky](solo)
	RegisterTaskType[movedFlaky](solo)
	if got := solo.registry.queues(); len(got) != 1 || got[0] != "reports" {
		t.Fatalf("emptied queue should be forgotten: %v", got)
	}
}

func TestPoolRunsAndShutsDown(t *testing.T) {
	ctx := context.Background()
	store := task.NewMemoryStore()
	env := newEnv()
	pool := newTestPool(store, env).ConfigureQueue(QueueConfig{Name: "default", WorkerCount: 4})

	const total = 20
	for i := 0; i < total; i++ {
		if _, _, err := task.Enqueue(ctx, store, flaky{Name: fmt.Sprint(i)}); err != nil {
			t.Fatalf("enqueue: %v", err)
		}
	}

	shutdown := make(chan struct{})
	done, err := pool.Start(shutdown)
	if err != nil {
		t.Fatalf("start: %v", err)
	}

	deadline := time.Now().Add(5 * time.Second)
	for {
		complete := 0
		for _, row := range store.All() {
			if row.State == models.StateComplete {
				complete++
			}
		}
		if complete == total {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("only %d of %d tasks completed", complete, total)
		}
		time.Sleep(10 * time.Millisecond)
	}

	close(shutdown)
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("pool did not stop")
	}
	if env.runs.Load() != total {
		t.Fatalf("expected each task to run exactly once, got %d runs", env.runs.Load())
	}
}

func TestPoolAbandonsStragglers(t *testing.T) {
	ctx := context.Background()
	store := task.NewMemoryStore()
	env := newEnv()
	pool := NewWorkerPool(store, func() testEnv { return env },
		WithLogger(quietLogger()),
		WithMaxCheckDelay(10*time.Millisecond),
		WithShutdownTimeout(50*time.Millisecond),
	)
	RegisterTaskType[blocking](pool)
	pool.ConfigureQueue(QueueConfig{Name: "slow"})

	id, _, _ := task.Enqueue(ctx, store, blocking{})
	shutdown := make(chan struct{})
	done, err := pool.Start(shutdown)
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	for env.runs.Load() == 0 {
		time.Sleep(5 * time.Millisecond)
	}

	start := time.Now()
	close(shutdown)
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("supervisor waited past the shutdown timeout")
	}
	if time.Since(start) < 50*time.Millisecond {
		t.Fatalf("supervisor returned before the shutdown timeout")
	}
	close(env.release)

	got, _ := store.Get(ctx, id)
	if got.State.Terminal() && got.State != models.StateComplete {
		t.Fatalf("unexpected state %s", got.State)
	}
}

// flakyStore fails the first calls to Next.
type flakyStore struct {
	*task.MemoryStore
	mu       sync.Mutex
	failures int
}

func (s *flakyStore) Next(ctx context.Context, queue string, names []string) (*models.Task, error) {
	s.mu.Lock()
	if s.failures > 0 {
		s.failures--
		s.mu.Unlock()
		return nil, task.ErrConnectionFailure
	}
	s.mu.Unlock()
	return s.MemoryStore.Next(ctx, queue, names)
}

func TestWorkerSurvivesStoreErrors(t *testing.T) {
	ctx := context.Background()
	store := &flakyStore{MemoryStore: task.NewMemoryStore(), failures: 3}
	env := newEnv()
	pool := newTestPool(store, env)

	id, _, _ := task.Enqueue(ctx, store, flaky{})
	shutdown := make(chan struct{})
	w := NewWorker(pool, QueueConfig{Name: "default"}, shutdown)
	errs := make(chan error, 1)
	go func() { errs <- w.RunTasks(ctx) }()

	deadline := time.Now().Add(2 * time.Second)
	for {
		got, _ := store.Get(ctx, id)
		if got.State == models.StateComplete {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("task never completed, state %s", got.State)
		}
		time.Sleep(5 * time.Millisecond)
	}
	close(shutdown)
	if err := <-errs; err != nil {
		t.Fatalf("worker returned %v", err)
	}
}

func TestWorkerStopsWithoutShutdownSignal(t *testing.T) {
	store := task.NewMemoryStore()
	pool := newTestPool(store, newEnv())
	w := NewWorker(pool, QueueConfig{Name: "default"}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	errs := make(chan error, 1)
	go func() { errs <- w.RunTasks(ctx) }()
	time.Sleep(20 * time.Millisecond)
	cancel()
	select {
	case err := <-errs:
		if err != nil && !errors.Is(err, context.Canceled) {
			t.Fatalf("unexpected error %v", err)
		}
	case <-time.After(time.Second):
		t.Fatalf("worker did not stop on context cancellation")
	}
}

func TestPoolReclaimsStaleTasks(t *testing.T) {
	ctx := context.Background()
	store := task.NewMemoryStore()
	env := newEnv()
	pool := NewWorkerPool(store, func() testEnv { return env },
		WithLogger(quietLogger()),
		WithMaxCheckDelay(10*time.Millisecond),
		WithVisibilityTimeout(20*time.Millisecond),
	)
	RegisterTaskType[flaky](pool)
	pool.ConfigureQueue(QueueConfig{Name: "default"})

	// Simulate a worker that died after claiming.
	id, _, _ := task.Enqueue(ctx, store, flaky{})
	if _, err := store.Next(ctx, "default", []string{"flaky"}); err != nil {
		t.Fatalf("next: %v", err)
	}

	shutdown := make(chan struct{})
	done, err := pool.Start(shutdown)
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	defer func() {
		close(shutdown)
		<-done
	}()

	deadline := time.Now().Add(2 * time.Second)
	for {
		chain, _ := store.Chain(ctx, id)
		if len(chain) == 2 && chain[1].State == models.StateComplete {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("stale task was not reclaimed: %+v", chain)
		}
		time.Sleep(10 * time.Millisecond)
	}
}
