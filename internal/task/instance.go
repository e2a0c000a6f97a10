package task

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/banyancomputer/banyan-core-sub001/internal/models"
)

// Instance is a task row that has not been persisted yet.
type Instance struct {
	ID               string
	TaskName         string
	QueueName        string
	UniqueKey        *string
	Payload          []byte
	CurrentAttempt   int
	MaxAttempts      int
	State            models.TaskState
	OriginalTaskID   *string
	ScheduledToRunAt time.Time
}

// Task materializes the instance as the row a store will hold.
func (i Instance) Task(now time.Time) models.Task {
	return models.Task{
		ID:               i.ID,
		TaskName:         i.TaskName,
		QueueName:        i.QueueName,
		UniqueKey:        i.UniqueKey,
		Payload:          i.Payload,
		CurrentAttempt:   i.CurrentAttempt,
		MaxAttempts:      i.MaxAttempts,
		State:            i.State,
		OriginalTaskID:   i.OriginalTaskID,
		ScheduledToRunAt: i.ScheduledToRunAt,
		CreatedAt:        now,
	}
}

// InstanceBuilder assembles Instance values for stores.
type InstanceBuilder struct {
	inst Instance
	err  error
}

// ForTask starts a fresh chain for a task value.
func ForTask(t Schedulable) *InstanceBuilder {
	b := &InstanceBuilder{inst: Instance{
		TaskName:    t.TaskName(),
		QueueName:   t.QueueName(),
		MaxAttempts: MaxAttemptsOf(t),
		State:       models.StateNew,
	}}
	payload, err := json.Marshal(t)
	if err != nil {
		b.err = fmt.Errorf("%w: %s: %v", ErrEncodeFailed, t.TaskName(), err)
		return b
	}
	b.inst.Payload = payload
	if key, ok := UniqueKeyOf(t); ok {
		b.inst.UniqueKey = &key
	}
	return b
}

// ForRaw starts a fresh chain from an already encoded payload.
func ForRaw(name, queue string, payload []byte) *InstanceBuilder {
	if len(payload) == 0 {
		payload = []byte("null")
	}
	return &InstanceBuilder{inst: Instance{
		TaskName:    name,
		QueueName:   queue,
		Payload:     payload,
		MaxAttempts: DefaultMaxAttempts,
		State:       models.StateNew,
	}}
}

// FromTask builds the successor attempt of a persisted row. The original id
// always points at the attempt-0 row.
func FromTask(t models.Task) *InstanceBuilder {
	orig := t.ChainID()
	return &InstanceBuilder{inst: Instance{
		TaskName:       t.TaskName,
		QueueName:      t.QueueName,
		UniqueKey:      t.UniqueKey,
		Payload:        t.Payload,
		CurrentAttempt: t.CurrentAttempt + 1,
		MaxAttempts:    t.MaxAttempts,
		State:          models.StateRetry,
		OriginalTaskID: &orig,
	}}
}

// NextOccurrence builds a new chain from a recurring task row.
func NextOccurrence(t models.Task) *InstanceBuilder {
	return &InstanceBuilder{inst: Instance{
		TaskName:    t.TaskName,
		QueueName:   t.QueueName,
		UniqueKey:   t.UniqueKey,
		Payload:     t.Payload,
		MaxAttempts: t.MaxAttempts,
		State:       models.StateNew,
	}}
}

// MaxAttempts overrides the attempt budget; values below one are ignored.
func (b *InstanceBuilder) MaxAttempts(n int) *InstanceBuilder {
	if n > 0 {
		b.inst.MaxAttempts = n
	}
	return b
}

// UniqueKey overrides the dedup token; an empty key clears it.
func (b *InstanceBuilder) UniqueKey(key string) *InstanceBuilder {
	if key == "" {
		b.inst.UniqueKey = nil
		return b
	}
	b.inst.UniqueKey = &key
	return b
}

// ScheduledAt sets the earliest time the instance may run.
func (b *InstanceBuilder) ScheduledAt(at time.Time) *InstanceBuilder {
	b.inst.ScheduledToRunAt = at
	return b
}

// Build assigns an id and resolves the initial state against now.
func (b *InstanceBuilder) Build(now time.Time) (Instance, error) {
	if b.err != nil {
		return Instance{}, b.err
	}
	inst := b.inst
	if inst.TaskName == "" || inst.QueueName == "" {
		return Instance{}, fmt.Errorf("%w: task and queue names are required", ErrEncodeFailed)
	}
	if inst.MaxAttempts < 1 {
		inst.MaxAttempts = 1
	}
	inst.ID = uuid.New().String()
	if inst.ScheduledToRunAt.IsZero() {
		inst.ScheduledToRunAt = now
	}
	inst.ScheduledToRunAt = inst.ScheduledToRunAt.UTC()
	if inst.State == models.StateNew && inst.ScheduledToRunAt.After(now) {
		inst.State = models.StateScheduled
	}
	return inst, nil
}
