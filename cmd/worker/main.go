package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/banyancomputer/banyan-core-sub001/internal/config"
	"github.com/banyancomputer/banyan-core-sub001/internal/jobs"
	"github.com/banyancomputer/banyan-core-sub001/internal/store"
	"github.com/banyancomputer/banyan-core-sub001/internal/task"
	"github.com/banyancomputer/banyan-core-sub001/internal/telemetry"
	"github.com/banyancomputer/banyan-core-sub001/internal/worker"
)

func main() {
	// A local .env is optional; real environment variables win.
	_ = godotenv.Load()
	cfg := config.Load()
	logger := telemetry.NewLogger(os.Stdout, cfg.Env, cfg.LogLevel)
	telemetry.Register()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	st, release, err := store.Open(ctx, cfg)
	if err != nil {
		logger.Error("open task store", "backend", cfg.StoreBackend, "err", err)
		os.Exit(1)
	}
	defer release()

	uploader, err := jobs.NewUploader(ctx, cfg)
	if err != nil {
		logger.Error("init report uploader", "err", err)
		os.Exit(1)
	}

	jobCtx := jobs.Context{
		Store:         st,
		Uploader:      uploader,
		Gatherer:      prometheus.DefaultGatherer,
		Logger:        logger,
		UploadTimeout: cfg.ReportUploadTimeout,
	}
	pool := worker.NewWorkerPool(st, func() jobs.Context { return jobCtx },
		worker.WithLogger(logger),
		worker.WithPollInterval(cfg.WorkerPollInterval),
		worker.WithMaxCheckDelay(cfg.MaxCheckDelay),
		worker.WithShutdownTimeout(cfg.ShutdownTimeout),
		worker.WithVisibilityTimeout(cfg.VisibilityTimeout),
		worker.WithBackoff(task.ExponentialBackoff(cfg.BackoffInitial, cfg.BackoffMax)),
	)
	worker.RegisterTaskType[jobs.ReportUploadTask](pool)
	worker.RegisterTaskType[jobs.UsageReportTask](pool)
	for name, count := range cfg.QueueWorkers {
		pool.ConfigureQueue(worker.QueueConfig{Name: name, WorkerCount: count})
	}

	// Seed the recurring usage report. An in-flight occurrence keeps this a no-op.
	if cfg.UsageReportInterval > 0 {
		if _, created, err := task.Enqueue(ctx, st, jobs.UsageReportTask{Interval: cfg.UsageReportInterval}); err != nil {
			logger.Error("seed usage report", "err", err)
		} else if created {
			logger.Info("usage report scheduled", "interval", cfg.UsageReportInterval)
		}
	}

	go func() {
		if err := http.ListenAndServe(cfg.MetricsAddr, telemetry.Handler()); err != nil {
			logger.Warn("metrics server stopped", "err", err)
		}
	}()

	done, err := pool.Start(ctx.Done())
	if err != nil {
		logger.Error("start worker pool", "err", err)
		os.Exit(1)
	}
	logger.Info("worker started", "backend", cfg.StoreBackend, "queues", cfg.QueueWorkers, "visibility", cfg.VisibilityTimeout, "backoff_initial", cfg.BackoffInitial)
	<-done
	logger.Info("worker stopped")
}
