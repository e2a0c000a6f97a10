package task

import (
	"errors"
	"fmt"
	"strings"
)

// Store and engine errors. Implementations wrap these with %w so callers can
// match with errors.Is while keeping the underlying driver error.
var (
	ErrConnectionFailure      = errors.New("task store connection failure")
	ErrEncodeFailed           = errors.New("encode task payload")
	ErrDeserializationFailed  = errors.New("decode task payload")
	ErrInvalidStateTransition = errors.New("invalid state transition")
	ErrNotRetryable           = errors.New("task is not retryable")
	ErrUnknownTask            = errors.New("unknown task")
	ErrDatabase               = errors.New("task store database error")
	ErrUnregisteredTaskName   = errors.New("unregistered task name")
	ErrAbnormalExit           = errors.New("task exited without returning")
)

// PanicError carries a value recovered from a panicking task.
type PanicError struct {
	Value any
	Stack []byte
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("task panicked: %v", e.Value)
}

// QueueNotConfiguredError is returned by WorkerPool.Start when a registered
// task type targets a queue with no worker configuration.
type QueueNotConfiguredError struct {
	Queue     string
	TaskNames []string
}

func (e *QueueNotConfiguredError) Error() string {
	return fmt.Sprintf("queue %q is not configured (task types: %s)", e.Queue, strings.Join(e.TaskNames, ", "))
}

// TransitionError describes a rejected state move.
type TransitionError struct {
	ID   string
	From string
	To   string
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("task %s: %s -> %s: %v", e.ID, e.From, e.To, ErrInvalidStateTransition)
}

func (e *TransitionError) Unwrap() error { return ErrInvalidStateTransition }
