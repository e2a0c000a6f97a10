package queue

import (
	"context"
	"errors"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/banyancomputer/banyan-core-sub001/internal/models"
	"github.com/banyancomputer/banyan-core-sub001/internal/task"
	"github.com/banyancomputer/banyan-core-sub001/internal/task/tasktest"
)

func newTestStore(t *testing.T) (*RedisStore, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewRedisStoreWithClient(client, "test:"), mr
}

func TestRedisStore(t *testing.T) {
	tasktest.Run(t, func(t *testing.T) task.Store {
		s, _ := newTestStore(t)
		return s
	})
}

func TestRedisStoreReadySetCleanup(t *testing.T) {
	ctx := context.Background()
	s, mr := newTestStore(t)

	id, _, err := task.Enqueue(ctx, s, tasktest.Prune{MetadataID: "m1"})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if depth, _ := s.ReadyDepth(ctx, "default"); depth != 1 {
		t.Fatalf("expected depth 1 got %d", depth)
	}
	if err := task.Cancel(ctx, s, id); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if depth, _ := s.ReadyDepth(ctx, "default"); depth != 0 {
		t.Fatalf("cancel should drop the row from the ready set, depth %d", depth)
	}
	if state := mr.HGet("test:task:"+id, "state"); state != string(models.StateCancelled) {
		t.Fatalf("expected cancelled in hash, got %q", state)
	}
}

func TestRedisStoreSkipsUnknownNames(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t)

	inst, _ := task.ForRaw("other", "default", nil).Build(time.Now())
	if _, _, err := s.Enqueue(ctx, inst); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	id, _, _ := task.Enqueue(ctx, s, tasktest.Prune{MetadataID: "m1"})

	got, err := s.Next(ctx, "default", []string{"prune"})
	if err != nil || got == nil || got.ID != id {
		t.Fatalf("expected %s to be claimed past the unknown name, got %+v err=%v", id, got, err)
	}
	if depth, _ := s.ReadyDepth(ctx, "default"); depth != 1 {
		t.Fatalf("unknown name should stay queued, depth %d", depth)
	}
}

func TestRedisStoreRecordsTimestamps(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t)

	id, _, _ := task.Enqueue(ctx, s, tasktest.Prune{MetadataID: "m1"})
	claimed, err := s.Next(ctx, "default", []string{"prune"})
	if err != nil || claimed == nil {
		t.Fatalf("next: %v", err)
	}
	if claimed.StartedAt == nil {
		t.Fatalf("claim should record started_at")
	}
	if err := task.Completed(ctx, s, id); err != nil {
		t.Fatalf("complete: %v", err)
	}
	got, _ := s.Get(ctx, id)
	if got.FinishedAt == nil || got.FinishedAt.Before(*claimed.StartedAt) {
		t.Fatalf("unexpected finished_at %v", got.FinishedAt)
	}
}

func TestRedisStoreConnectionFailure(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	client := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	defer client.Close()
	s := NewRedisStoreWithClient(client, "")
	mr.Close()

	_, err = s.Next(context.Background(), "default", []string{"prune"})
	if !errors.Is(err, task.ErrConnectionFailure) {
		t.Fatalf("expected connection failure, got %v", err)
	}
}

func TestRedisStoreInProgressIndex(t *testing.T) {
	ctx := context.Background()
	s, mr := newTestStore(t)

	id, _, _ := task.Enqueue(ctx, s, tasktest.Prune{MetadataID: "m1", Key: "m1"})
	if _, err := s.Next(ctx, "default", []string{"prune"}); err != nil {
		t.Fatalf("next: %v", err)
	}
	members, err := mr.ZMembers("test:inprogress")
	if err != nil || len(members) != 1 || members[0] != id {
		t.Fatalf("claim should be indexed, got %v err=%v", members, err)
	}
	if err := task.Completed(ctx, s, id); err != nil {
		t.Fatalf("complete: %v", err)
	}
	if mr.Exists("test:inprogress") {
		members, _ := mr.ZMembers("test:inprogress")
		if len(members) != 0 {
			t.Fatalf("completion should clear the index, got %v", members)
		}
	}
	if n, err := s.Reclaim(ctx, time.Now().Add(time.Second)); err != nil || n != 0 {
		t.Fatalf("finished task must not be reclaimed: n=%d err=%v", n, err)
	}
}
