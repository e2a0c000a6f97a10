package task

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/banyancomputer/banyan-core-sub001/internal/models"
)

// MemoryStore keeps task rows in process memory. It backs tests and the
// memory backend of the binaries; nothing survives a restart.
type MemoryStore struct {
	mu    sync.Mutex
	tasks map[string]*models.Task
	order []string

	// Now is the store clock.
	Now func() time.Time
}

var (
	_ Store     = (*MemoryStore)(nil)
	_ Reclaimer = (*MemoryStore)(nil)
)

// NewMemoryStore returns an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		tasks: make(map[string]*models.Task),
		Now:   func() time.Time { return time.Now().UTC() },
	}
}

func (s *MemoryStore) Enqueue(_ context.Context, inst Instance) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if inst.UniqueKey != nil && s.holder(*inst.UniqueKey) != nil {
		return "", false, nil
	}
	s.insert(inst)
	return inst.ID, true, nil
}

// holder returns the in-flight row holding key.
func (s *MemoryStore) holder(key string) *models.Task {
	for _, id := range s.order {
		t := s.tasks[id]
		if t.UniqueKey != nil && *t.UniqueKey == key && t.State.InFlight() {
			return t
		}
	}
	return nil
}

func (s *MemoryStore) insert(inst Instance) {
	t := inst.Task(s.Now())
	s.tasks[t.ID] = &t
	s.order = append(s.order, t.ID)
}

func (s *MemoryStore) Next(_ context.Context, queue string, names []string) (*models.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.Now()
	var next *models.Task
	for _, id := range s.order {
		t := s.tasks[id]
		if t.QueueName != queue || !t.State.Claimable() || t.ScheduledToRunAt.After(now) {
			continue
		}
		if !slices.Contains(names, t.TaskName) {
			continue
		}
		if next == nil || t.ScheduledToRunAt.Before(next.ScheduledToRunAt) {
			next = t
		}
	}
	if next == nil {
		return nil, nil
	}
	next.State = models.StateInProgress
	next.StartedAt = &now
	claimed := *next
	return &claimed, nil
}

func (s *MemoryStore) UpdateState(_ context.Context, id string, state models.TaskState, lastError *string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.transition(id, state, lastError)
}

func (s *MemoryStore) transition(id string, state models.TaskState, lastError *string) error {
	t, ok := s.tasks[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownTask, id)
	}
	if err := CheckTransition(id, t.State, state); err != nil {
		return err
	}
	t.State = state
	if lastError != nil {
		msg := *lastError
		t.LastError = &msg
	}
	if state != models.StateInProgress {
		now := s.Now()
		t.FinishedAt = &now
	}
	return nil
}

func (s *MemoryStore) Retry(_ context.Context, id string, runAt time.Time) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.retry(id, runAt)
}

func (s *MemoryStore) retry(id string, runAt time.Time) (string, bool, error) {
	t, ok := s.tasks[id]
	if !ok {
		return "", false, fmt.Errorf("%w: %s", ErrUnknownTask, id)
	}
	if t.State != models.StateError && t.State != models.StatePanicked {
		return "", false, fmt.Errorf("%w: %s is %s", ErrNotRetryable, id, t.State)
	}
	if !t.AttemptsRemaining() {
		return "", false, s.transition(id, models.StateDead, nil)
	}
	if t.UniqueKey != nil && s.holder(*t.UniqueKey) != nil {
		return "", false, s.transition(id, models.StateDead, nil)
	}
	inst, err := FromTask(*t).ScheduledAt(runAt).Build(s.Now())
	if err != nil {
		return "", false, err
	}
	s.insert(inst)
	return inst.ID, true, nil
}

func (s *MemoryStore) Fail(_ context.Context, id string, kind ErrorKind, lastError string, runAt time.Time) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.fail(id, kind, lastError, runAt)
}

// fail restores the row when any step fails so callers never observe a half
// recorded failure.
func (s *MemoryStore) fail(id string, kind ErrorKind, lastError string, runAt time.Time) (string, bool, error) {
	failed, retryable, err := FailureStates(kind)
	if err != nil {
		return "", false, err
	}
	t, ok := s.tasks[id]
	if !ok {
		return "", false, fmt.Errorf("%w: %s", ErrUnknownTask, id)
	}
	saved := *t
	restore := func() { *s.tasks[id] = saved }

	if err := s.transition(id, failed, &lastError); err != nil {
		restore()
		return "", false, err
	}
	if !retryable {
		if err := s.transition(id, models.StateDead, nil); err != nil {
			restore()
			return "", false, err
		}
		return "", false, nil
	}
	newID, created, err := s.retry(id, runAt)
	if err != nil {
		restore()
		return "", false, err
	}
	return newID, created, nil
}

func (s *MemoryStore) ScheduleNext(_ context.Context, id string, at time.Time) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok {
		return "", false, fmt.Errorf("%w: %s", ErrUnknownTask, id)
	}
	inst, err := NextOccurrence(*t).ScheduledAt(at).Build(s.Now())
	if err != nil {
		return "", false, err
	}
	if inst.UniqueKey != nil && s.holder(*inst.UniqueKey) != nil {
		return "", false, nil
	}
	s.insert(inst)
	return inst.ID, true, nil
}

func (s *MemoryStore) Get(_ context.Context, id string) (models.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok {
		return models.Task{}, fmt.Errorf("%w: %s", ErrUnknownTask, id)
	}
	return *t, nil
}

func (s *MemoryStore) Chain(_ context.Context, originalID string) ([]models.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tasks[originalID]; !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownTask, originalID)
	}
	var out []models.Task
	for _, id := range s.order {
		if t := s.tasks[id]; t.ChainID() == originalID {
			out = append(out, *t)
		}
	}
	return out, nil
}

// Reclaim errors and retries rows claimed before startedBefore.
func (s *MemoryStore) Reclaim(_ context.Context, startedBefore time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	msg := "lease expired"
	var n int
	for _, id := range slices.Clone(s.order) {
		t := s.tasks[id]
		if t.State != models.StateInProgress || t.StartedAt == nil || !t.StartedAt.Before(startedBefore) {
			continue
		}
		if _, _, err := s.fail(id, Execution, msg, s.Now()); err != nil {
			return n, err
		}
		n++
	}
	return n, nil
}

// Len returns the number of rows held.
func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.order)
}

// All returns every row in insertion order.
func (s *MemoryStore) All() []models.Task {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]models.Task, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, *s.tasks[id])
	}
	return out
}
