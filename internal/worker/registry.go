package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"sort"

	"github.com/banyancomputer/banyan-core-sub001/internal/task"
)

// execFunc decodes a payload into its concrete task type and runs it. A
// pointer to the decoded value is returned so the worker finds optional
// interfaces on value and pointer receivers alike.
type execFunc[C any] func(ctx context.Context, current task.CurrentTask, payload []byte, c C) (decoded any, err error)

type handler[C any] struct {
	queue string
	exec  execFunc[C]
}

// registry maps task names to their dispatch closures. It is assembled before
// Start and read-only afterwards.
type registry[C any] struct {
	handlers   map[string]handler[C]
	queueTasks map[string][]string
}

func newRegistry[C any]() *registry[C] {
	return &registry[C]{
		handlers:   make(map[string]handler[C]),
		queueTasks: make(map[string][]string),
	}
}

// add records name on queue. It reports whether an earlier registration was
// replaced.
func (r *registry[C]) add(name, queue string, exec execFunc[C]) bool {
	prev, replaced := r.handlers[name]
	if replaced {
		r.queueTasks[prev.queue] = slices.DeleteFunc(r.queueTasks[prev.queue], func(n string) bool { return n == name })
		if len(r.queueTasks[prev.queue]) == 0 {
			delete(r.queueTasks, prev.queue)
		}
	}
	r.handlers[name] = handler[C]{queue: queue, exec: exec}
	r.queueTasks[queue] = append(r.queueTasks[queue], name)
	return replaced
}

func (r *registry[C]) lookup(name string) (handler[C], bool) {
	h, ok := r.handlers[name]
	return h, ok
}

// names returns the task names bound to queue, sorted.
func (r *registry[C]) names(queue string) []string {
	out := slices.Clone(r.queueTasks[queue])
	sort.Strings(out)
	return out
}

// queues returns every queue referenced by a registration, sorted.
func (r *registry[C]) queues() []string {
	out := make([]string, 0, len(r.queueTasks))
	for q := range r.queueTasks {
		out = append(out, q)
	}
	sort.Strings(out)
	return out
}

// decodeAndRun builds the execFunc for one concrete task type.
func decodeAndRun[T task.TaskLike[C], C any]() execFunc[C] {
	return func(ctx context.Context, current task.CurrentTask, payload []byte, c C) (any, error) {
		var t T
		if err := json.Unmarshal(payload, &t); err != nil {
			return nil, fmt.Errorf("%w: %s: %v", task.ErrDeserializationFailed, current.Name, err)
		}
		return &t, t.Run(ctx, current, c)
	}
}
