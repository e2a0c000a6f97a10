// Package worker runs registered task types against a task.Store: one
// polling goroutine per configured worker slot, each executing claimed tasks
// behind a panic isolation boundary, supervised by a WorkerPool that owns
// validation and graceful shutdown.
package worker

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/banyancomputer/banyan-core-sub001/internal/task"
	"github.com/banyancomputer/banyan-core-sub001/internal/telemetry"
)

const (
	defaultPollInterval    = time.Second
	defaultMaxCheckDelay   = 5 * time.Second
	defaultShutdownTimeout = 30 * time.Second
)

// QueueConfig sets the concurrency of one named queue.
type QueueConfig struct {
	Name        string
	WorkerCount int
}

type options struct {
	logger            *slog.Logger
	pollInterval      time.Duration
	maxCheckDelay     time.Duration
	shutdownTimeout   time.Duration
	backoff           task.Backoff
	visibilityTimeout time.Duration
}

// Option configures a WorkerPool.
type Option func(*options)

// WithLogger sets the pool logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.logger = l
		}
	}
}

// WithPollInterval sets the sleep between empty polls for workers without a
// shutdown signal.
func WithPollInterval(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.pollInterval = d
		}
	}
}

// WithMaxCheckDelay bounds how long an idle worker waits on the shutdown
// signal before polling again.
func WithMaxCheckDelay(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.maxCheckDelay = d
		}
	}
}

// WithShutdownTimeout bounds how long Start's supervisor waits for in-flight
// tasks once shutdown is signalled.
func WithShutdownTimeout(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.shutdownTimeout = d
		}
	}
}

// WithBackoff sets the retry delay policy for task types without their own.
func WithBackoff(b task.Backoff) Option {
	return func(o *options) {
		if b != nil {
			o.backoff = b
		}
	}
}

// WithVisibilityTimeout enables reclaiming tasks left in progress longer than
// d, when the store supports it.
func WithVisibilityTimeout(d time.Duration) Option {
	return func(o *options) {
		o.visibilityTimeout = d
	}
}

// WorkerPool wires registered task types to configured queues and manages
// the worker lifecycle.
type WorkerPool[C any] struct {
	store      task.Store
	newContext func() C
	registry   *registry[C]
	queues     map[string]QueueConfig
	opts       options
}

// NewWorkerPool creates a pool over store. newContext is called once per task
// run to produce the handles injected into it.
func NewWorkerPool[C any](store task.Store, newContext func() C, opts ...Option) *WorkerPool[C] {
	o := options{
		logger:          slog.Default(),
		pollInterval:    defaultPollInterval,
		maxCheckDelay:   defaultMaxCheckDelay,
		shutdownTimeout: defaultShutdownTimeout,
		backoff:         task.NoBackoff,
	}
	for _, opt := range opts {
		opt(&o)
	}
	return &WorkerPool[C]{
		store:      store,
		newContext: newContext,
		registry:   newRegistry[C](),
		queues:     make(map[string]QueueConfig),
		opts:       o,
	}
}

// RegisterTaskType makes T executable by the pool under T's task name, on
// T's queue. Registering a name twice replaces the earlier type.
func RegisterTaskType[T task.TaskLike[C], C any](p *WorkerPool[C]) *WorkerPool[C] {
	var zero T
	name, queue := zero.TaskName(), zero.QueueName()
	if p.registry.add(name, queue, decodeAndRun[T, C]()) {
		p.opts.logger.Warn("task type registered twice, keeping the latest", "task_name", name, "queue", queue)
	}
	return p
}

// ConfigureQueue sets how many workers serve a queue. Counts below one are
// raised to one.
func (p *WorkerPool[C]) ConfigureQueue(cfg QueueConfig) *WorkerPool[C] {
	if cfg.WorkerCount <= 0 {
		cfg.WorkerCount = 1
	}
	p.queues[cfg.Name] = cfg
	return p
}

// Validate checks that every queue referenced by a registered task type has a
// configuration.
func (p *WorkerPool[C]) Validate() error {
	for _, q := range p.registry.queues() {
		if _, ok := p.queues[q]; !ok {
			return &task.QueueNotConfiguredError{Queue: q, TaskNames: p.registry.names(q)}
		}
	}
	return nil
}

// Start validates the wiring and spawns the workers. They run until shutdown
// is closed; the supervisor then waits up to the shutdown timeout for
// in-flight tasks and abandons the rest. The returned channel is closed once
// supervision ends.
func (p *WorkerPool[C]) Start(shutdown <-chan struct{}) (<-chan struct{}, error) {
	if p.store == nil || p.newContext == nil {
		return nil, errors.New("worker pool needs a store and a context factory")
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	stop := make(chan struct{})
	var wg sync.WaitGroup

	for name, cfg := range p.queues {
		if len(p.registry.names(name)) == 0 {
			p.opts.logger.Warn("queue configured without task types, not starting workers", "queue", name)
			continue
		}
		for i := 0; i < cfg.WorkerCount; i++ {
			w := NewWorker(p, cfg, stop)
			w.logger = w.logger.With("worker", i)
			wg.Add(1)
			go func() {
				defer wg.Done()
				if err := w.RunTasks(ctx); err != nil && !errors.Is(err, context.Canceled) {
					w.logger.Error("worker stopped", "err", err)
				}
			}()
		}
		p.opts.logger.Info("queue started", "queue", name, "workers", cfg.WorkerCount, "task_names", p.registry.names(name))
	}

	if r, ok := p.store.(task.Reclaimer); ok && p.opts.visibilityTimeout > 0 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			p.reclaimLoop(ctx, r, stop)
		}()
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		defer cancel()
		<-shutdown
		p.opts.logger.Info("shutdown requested, waiting for in-flight tasks", "timeout", p.opts.shutdownTimeout)
		close(stop)

		finished := make(chan struct{})
		go func() {
			wg.Wait()
			close(finished)
		}()
		timer := time.NewTimer(p.opts.shutdownTimeout)
		defer timer.Stop()
		select {
		case <-finished:
			p.opts.logger.Info("all workers stopped")
		case <-timer.C:
			p.opts.logger.Warn("shutdown timeout elapsed, abandoning running tasks")
		}
	}()
	return done, nil
}

func (p *WorkerPool[C]) reclaimLoop(ctx context.Context, r task.Reclaimer, stop <-chan struct{}) {
	interval := p.opts.visibilityTimeout / 2
	if interval <= 0 {
		interval = p.opts.visibilityTimeout
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		n, err := r.Reclaim(ctx, time.Now().Add(-p.opts.visibilityTimeout))
		if err != nil {
			telemetry.StoreErrors.WithLabelValues("reclaim").Inc()
			p.opts.logger.Error("reclaim stale tasks", "err", err)
			continue
		}
		if n > 0 {
			telemetry.Reclaimed.Add(float64(n))
			p.opts.logger.Warn("reclaimed stale tasks", "count", n)
		}
	}
}
