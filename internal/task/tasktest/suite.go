// Package tasktest holds a behavioural suite every task.Store implementation
// must pass.
package tasktest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/banyancomputer/banyan-core-sub001/internal/models"
	"github.com/banyancomputer/banyan-core-sub001/internal/task"
)

// Prune is a minimal task payload used by the suite.
type Prune struct {
	MetadataID string `json:"metadata_id"`
	Key        string `json:"key,omitempty"`
	Attempts   int    `json:"-"`
}

func (Prune) TaskName() string  { return "prune" }
func (Prune) QueueName() string { return "default" }

func (p Prune) MaxAttempts() int {
	if p.Attempts > 0 {
		return p.Attempts
	}
	return task.DefaultMaxAttempts
}

func (p Prune) UniqueKey() (string, bool) { return p.Key, p.Key != "" }

var names = []string{"prune"}

// Run executes the suite against stores built by newStore. Each subtest gets
// its own store.
func Run(t *testing.T, newStore func(t *testing.T) task.Store) {
	tests := []struct {
		name string
		fn   func(t *testing.T, s task.Store)
	}{
		{"enqueue deduplicates unique keys", testDedup},
		{"enqueue without key creates independent rows", testNoKey},
		{"unique key released after completion", testDedupReleased},
		{"completed task never dequeued again", testCompleted},
		{"retry chain links to first attempt", testRetryChain},
		{"last attempt goes dead", testLastAttemptDead},
		{"panic is never retried", testPanicDead},
		{"future and terminal tasks are not dequeued", testEligibility},
		{"unknown names and other queues are not dequeued", testFiltering},
		{"concurrent claims are exclusive", testConcurrentClaims},
		{"illegal transitions are rejected", testInvalidTransition},
		{"retry of a completed task is rejected", testNotRetryable},
		{"cancel prevents dequeue", testCancel},
		{"schedule next starts a new chain", testScheduleNext},
		{"failed attempt hands its key to the retry", testFailRetryKeepsKey},
		{"failed attempt that cannot run again goes dead", testFailTerminal},
		{"only claimed tasks can fail", testFailRequiresClaim},
		{"stale claims are reclaimed", testReclaim},
		{"unknown id", testUnknown},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			tc.fn(t, newStore(t))
		})
	}
}

func mustEnqueue(t *testing.T, s task.Store, p Prune) string {
	t.Helper()
	id, created, err := task.Enqueue(context.Background(), s, p)
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if !created || id == "" {
		t.Fatalf("expected a new row for %+v", p)
	}
	return id
}

func mustNext(t *testing.T, s task.Store) *models.Task {
	t.Helper()
	got, err := s.Next(context.Background(), "default", names)
	if err != nil {
		t.Fatalf("next: %v", err)
	}
	if got == nil {
		t.Fatalf("expected a task to be claimable")
	}
	if got.State != models.StateInProgress {
		t.Fatalf("claimed task should be in_progress, got %s", got.State)
	}
	return got
}

func expectEmpty(t *testing.T, s task.Store) {
	t.Helper()
	got, err := s.Next(context.Background(), "default", names)
	if err != nil {
		t.Fatalf("next: %v", err)
	}
	if got != nil {
		t.Fatalf("expected no claimable task, got %s (%s)", got.ID, got.State)
	}
}

func mustGet(t *testing.T, s task.Store, id string) models.Task {
	t.Helper()
	got, err := s.Get(context.Background(), id)
	if err != nil {
		t.Fatalf("get %s: %v", id, err)
	}
	return got
}

func testDedup(t *testing.T, s task.Store) {
	ctx := context.Background()
	first := mustEnqueue(t, s, Prune{MetadataID: "m1", Key: "m1"})
	id, created, err := task.Enqueue(ctx, s, Prune{MetadataID: "m1", Key: "m1"})
	if err != nil {
		t.Fatalf("second enqueue: %v", err)
	}
	if created || id != "" {
		t.Fatalf("expected duplicate enqueue to be a no-op, got id=%q", id)
	}
	claimed := mustNext(t, s)
	if claimed.ID != first {
		t.Fatalf("expected %s got %s", first, claimed.ID)
	}
	// Still in flight while claimed.
	if _, created, _ := task.Enqueue(ctx, s, Prune{MetadataID: "m1", Key: "m1"}); created {
		t.Fatalf("expected in-progress task to hold the key")
	}
	expectEmpty(t, s)
}

func testNoKey(t *testing.T, s task.Store) {
	a := mustEnqueue(t, s, Prune{MetadataID: "m1"})
	b := mustEnqueue(t, s, Prune{MetadataID: "m1"})
	if a == b {
		t.Fatalf("expected independent ids")
	}
	mustNext(t, s)
	mustNext(t, s)
	expectEmpty(t, s)
}

func testDedupReleased(t *testing.T, s task.Store) {
	ctx := context.Background()
	mustEnqueue(t, s, Prune{MetadataID: "m1", Key: "m1"})
	claimed := mustNext(t, s)
	if err := task.Completed(ctx, s, claimed.ID); err != nil {
		t.Fatalf("complete: %v", err)
	}
	mustEnqueue(t, s, Prune{MetadataID: "m1", Key: "m1"})
}

func testCompleted(t *testing.T, s task.Store) {
	ctx := context.Background()
	id := mustEnqueue(t, s, Prune{MetadataID: "m1"})
	claimed := mustNext(t, s)
	if err := task.Completed(ctx, s, claimed.ID); err != nil {
		t.Fatalf("complete: %v", err)
	}
	if got := mustGet(t, s, id); got.State != models.StateComplete {
		t.Fatalf("expected complete got %s", got.State)
	}
	expectEmpty(t, s)
}

func testRetryChain(t *testing.T, s task.Store) {
	ctx := context.Background()
	first := mustEnqueue(t, s, Prune{MetadataID: "m1", Key: "m1", Attempts: 3})

	for attempt := 0; attempt < 2; attempt++ {
		claimed := mustNext(t, s)
		if claimed.CurrentAttempt != attempt {
			t.Fatalf("expected attempt %d got %d", attempt, claimed.CurrentAttempt)
		}
		newID, created, err := task.Errored(ctx, s, *claimed, task.Execution, errors.New("boom"), time.Now())
		if err != nil {
			t.Fatalf("errored: %v", err)
		}
		if !created || newID == "" {
			t.Fatalf("expected a retry row after attempt %d", attempt)
		}
		next := mustGet(t, s, newID)
		if next.CurrentAttempt != attempt+1 || next.State != models.StateRetry {
			t.Fatalf("unexpected successor %+v", next)
		}
		if next.OriginalTaskID == nil || *next.OriginalTaskID != first {
			t.Fatalf("successor should point at %s, got %v", first, next.OriginalTaskID)
		}
	}

	last := mustNext(t, s)
	if err := task.Completed(ctx, s, last.ID); err != nil {
		t.Fatalf("complete: %v", err)
	}

	chain, err := s.Chain(ctx, first)
	if err != nil {
		t.Fatalf("chain: %v", err)
	}
	if len(chain) != 3 {
		t.Fatalf("expected 3 rows got %d", len(chain))
	}
	for i, row := range chain {
		want := models.StateError
		if i == 2 {
			want = models.StateComplete
		}
		if row.State != want || row.CurrentAttempt != i {
			t.Fatalf("row %d: expected %s attempt %d, got %s attempt %d", i, want, i, row.State, row.CurrentAttempt)
		}
		if row.LastError == nil && i < 2 {
			t.Fatalf("row %d should record its error", i)
		}
	}
}

func testLastAttemptDead(t *testing.T, s task.Store) {
	ctx := context.Background()
	first := mustEnqueue(t, s, Prune{MetadataID: "m1", Attempts: 1})
	claimed := mustNext(t, s)
	newID, created, err := task.Errored(ctx, s, *claimed, task.Execution, errors.New("boom"), time.Now())
	if err != nil {
		t.Fatalf("errored: %v", err)
	}
	if created || newID != "" {
		t.Fatalf("expected no retry on the last attempt")
	}
	if got := mustGet(t, s, first); got.State != models.StateDead {
		t.Fatalf("expected dead got %s", got.State)
	}
	expectEmpty(t, s)
	chain, err := s.Chain(ctx, first)
	if err != nil || len(chain) != 1 {
		t.Fatalf("expected a single row chain, got %d (%v)", len(chain), err)
	}
}

func testPanicDead(t *testing.T, s task.Store) {
	ctx := context.Background()
	first := mustEnqueue(t, s, Prune{MetadataID: "m1", Attempts: 5})
	claimed := mustNext(t, s)
	_, created, err := task.Errored(ctx, s, *claimed, task.Panic, &task.PanicError{Value: "nil map"}, time.Now())
	if err != nil {
		t.Fatalf("errored: %v", err)
	}
	if created {
		t.Fatalf("a panic must never create a retry row")
	}
	if got := mustGet(t, s, first); got.State != models.StateDead {
		t.Fatalf("expected dead got %s", got.State)
	}
	expectEmpty(t, s)
}

func testEligibility(t *testing.T, s task.Store) {
	ctx := context.Background()
	future, created, err := task.EnqueueAt(ctx, s, Prune{MetadataID: "later"}, time.Now().Add(time.Hour))
	if err != nil || !created {
		t.Fatalf("enqueue future: %v", err)
	}
	if got := mustGet(t, s, future); got.State != models.StateScheduled {
		t.Fatalf("expected scheduled got %s", got.State)
	}
	expectEmpty(t, s)

	id := mustEnqueue(t, s, Prune{MetadataID: "now"})
	claimed := mustNext(t, s)
	if claimed.ID != id {
		t.Fatalf("expected due task %s got %s", id, claimed.ID)
	}
	if err := task.Completed(ctx, s, claimed.ID); err != nil {
		t.Fatalf("complete: %v", err)
	}
	expectEmpty(t, s)

	retryID, _, err := task.Errored(ctx, s, mustGet(t, s, future), task.Execution, errors.New("x"), time.Now())
	if err == nil || retryID != "" {
		t.Fatalf("a scheduled task cannot be errored directly")
	}
}

func testFiltering(t *testing.T, s task.Store) {
	ctx := context.Background()
	mustEnqueue(t, s, Prune{MetadataID: "m1"})
	got, err := s.Next(ctx, "default", []string{"something_else"})
	if err != nil || got != nil {
		t.Fatalf("expected nothing for unknown names, got %v err=%v", got, err)
	}
	got, err = s.Next(ctx, "reports", names)
	if err != nil || got != nil {
		t.Fatalf("expected nothing on another queue, got %v err=%v", got, err)
	}
	mustNext(t, s)
}

func testConcurrentClaims(t *testing.T, s task.Store) {
	const total = 40
	for i := 0; i < total; i++ {
		mustEnqueue(t, s, Prune{MetadataID: fmt.Sprintf("m%d", i)})
	}

	var (
		mu   sync.Mutex
		seen = make(map[string]int)
		wg   sync.WaitGroup
	)
	errs := make(chan error, 8)
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				got, err := s.Next(context.Background(), "default", names)
				if err != nil {
					errs <- err
					return
				}
				if got == nil {
					return
				}
				mu.Lock()
				seen[got.ID]++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatalf("next: %v", err)
	}
	if len(seen) != total {
		t.Fatalf("expected %d distinct claims got %d", total, len(seen))
	}
	for id, n := range seen {
		if n != 1 {
			t.Fatalf("task %s claimed %d times", id, n)
		}
	}
}

func testInvalidTransition(t *testing.T, s task.Store) {
	ctx := context.Background()
	id := mustEnqueue(t, s, Prune{MetadataID: "m1"})
	err := s.UpdateState(ctx, id, models.StateComplete, nil)
	if !errors.Is(err, task.ErrInvalidStateTransition) {
		t.Fatalf("expected invalid transition, got %v", err)
	}
	if got := mustGet(t, s, id); got.State != models.StateNew {
		t.Fatalf("rejected transition must not change state, got %s", got.State)
	}
}

func testNotRetryable(t *testing.T, s task.Store) {
	ctx := context.Background()
	mustEnqueue(t, s, Prune{MetadataID: "m1"})
	claimed := mustNext(t, s)
	if err := task.Completed(ctx, s, claimed.ID); err != nil {
		t.Fatalf("complete: %v", err)
	}
	_, _, err := s.Retry(ctx, claimed.ID, time.Now())
	if !errors.Is(err, task.ErrNotRetryable) {
		t.Fatalf("expected not retryable, got %v", err)
	}
}

func testCancel(t *testing.T, s task.Store) {
	ctx := context.Background()
	id := mustEnqueue(t, s, Prune{MetadataID: "m1", Key: "m1"})
	if err := task.Cancel(ctx, s, id); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	expectEmpty(t, s)
	if err := task.Cancel(ctx, s, id); !errors.Is(err, task.ErrInvalidStateTransition) {
		t.Fatalf("cancelling a terminal task should fail, got %v", err)
	}
	mustEnqueue(t, s, Prune{MetadataID: "m1", Key: "m1"})
}

func testScheduleNext(t *testing.T, s task.Store) {
	ctx := context.Background()
	mustEnqueue(t, s, Prune{MetadataID: "m1", Key: "m1"})
	claimed := mustNext(t, s)
	if err := task.Completed(ctx, s, claimed.ID); err != nil {
		t.Fatalf("complete: %v", err)
	}
	at := time.Now().Add(time.Hour)
	nextID, created, err := s.ScheduleNext(ctx, claimed.ID, at)
	if err != nil || !created {
		t.Fatalf("schedule next: created=%v err=%v", created, err)
	}
	next := mustGet(t, s, nextID)
	if next.State != models.StateScheduled || next.CurrentAttempt != 0 || next.OriginalTaskID != nil {
		t.Fatalf("unexpected next occurrence %+v", next)
	}
	if next.ScheduledToRunAt.Before(at.Add(-time.Second)) {
		t.Fatalf("next occurrence scheduled too early: %s", next.ScheduledToRunAt)
	}
	expectEmpty(t, s)
}

func testUnknown(t *testing.T, s task.Store) {
	ctx := context.Background()
	if _, err := s.Get(ctx, "00000000-0000-0000-0000-000000000000"); !errors.Is(err, task.ErrUnknownTask) {
		t.Fatalf("expected unknown task, got %v", err)
	}
	if err := s.UpdateState(ctx, "00000000-0000-0000-0000-000000000000", models.StateCancelled, nil); !errors.Is(err, task.ErrUnknownTask) {
		t.Fatalf("expected unknown task, got %v", err)
	}
}

func testFailRetryKeepsKey(t *testing.T, s task.Store) {
	ctx := context.Background()
	first := mustEnqueue(t, s, Prune{MetadataID: "m1", Key: "m1"})
	claimed := mustNext(t, s)

	newID, created, err := s.Fail(ctx, claimed.ID, task.Execution, "disk full", time.Now())
	if err != nil || !created {
		t.Fatalf("fail: created=%v err=%v", created, err)
	}
	old := mustGet(t, s, first)
	if old.State != models.StateError || old.LastError == nil || *old.LastError != "disk full" {
		t.Fatalf("unexpected failed row %+v", old)
	}
	if next := mustGet(t, s, newID); next.State != models.StateRetry || next.CurrentAttempt != 1 {
		t.Fatalf("unexpected successor %+v", next)
	}
	if _, created, _ := task.Enqueue(ctx, s, Prune{MetadataID: "m1", Key: "m1"}); created {
		t.Fatalf("successor should hold the unique key")
	}
}

func testFailTerminal(t *testing.T, s task.Store) {
	ctx := context.Background()
	id := mustEnqueue(t, s, Prune{MetadataID: "m1", Attempts: 5})
	claimed := mustNext(t, s)

	_, created, err := s.Fail(ctx, claimed.ID, task.Deserialization, "bad payload", time.Now())
	if err != nil || created {
		t.Fatalf("fail: created=%v err=%v", created, err)
	}
	got := mustGet(t, s, id)
	if got.State != models.StateDead || got.LastError == nil || *got.LastError != "bad payload" {
		t.Fatalf("expected dead with the cause recorded, got %+v", got)
	}
	if _, _, err := s.Fail(ctx, id, task.Execution, "again", time.Now()); !errors.Is(err, task.ErrInvalidStateTransition) {
		t.Fatalf("expected invalid transition, got %v", err)
	}
	expectEmpty(t, s)
}

func testFailRequiresClaim(t *testing.T, s task.Store) {
	ctx := context.Background()
	id := mustEnqueue(t, s, Prune{MetadataID: "m1"})
	if _, _, err := s.Fail(ctx, id, task.Execution, "boom", time.Now()); !errors.Is(err, task.ErrInvalidStateTransition) {
		t.Fatalf("expected invalid transition, got %v", err)
	}
	if got := mustGet(t, s, id); got.State != models.StateNew {
		t.Fatalf("rejected failure changed the row to %s", got.State)
	}
	if claimed := mustNext(t, s); claimed.ID != id {
		t.Fatalf("expected %s to stay claimable", id)
	}
}

func testReclaim(t *testing.T, s task.Store) {
	r, ok := s.(task.Reclaimer)
	if !ok {
		t.Skip("store does not reclaim")
	}
	ctx := context.Background()
	first := mustEnqueue(t, s, Prune{MetadataID: "m1", Key: "m1"})
	mustNext(t, s)

	if n, err := r.Reclaim(ctx, time.Now().Add(-time.Hour)); err != nil || n != 0 {
		t.Fatalf("fresh claim should not be reclaimed: n=%d err=%v", n, err)
	}
	n, err := r.Reclaim(ctx, time.Now().Add(time.Second))
	if err != nil || n != 1 {
		t.Fatalf("expected one reclaimed row: n=%d err=%v", n, err)
	}
	old := mustGet(t, s, first)
	if old.State != models.StateError || old.LastError == nil || *old.LastError != "lease expired" {
		t.Fatalf("unexpected reclaimed row %+v", old)
	}
	if _, created, _ := task.Enqueue(ctx, s, Prune{MetadataID: "m1", Key: "m1"}); created {
		t.Fatalf("the retry should hold the unique key")
	}
	if next := mustNext(t, s); next.CurrentAttempt != 1 || next.OriginalTaskID == nil || *next.OriginalTaskID != first {
		t.Fatalf("unexpected retry %+v", next)
	}
	if n, err := r.Reclaim(ctx, time.Now().Add(-time.Hour)); err != nil || n != 0 {
		t.Fatalf("nothing else is stale: n=%d err=%v", n, err)
	}
}
