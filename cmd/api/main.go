package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/banyancomputer/banyan-core-sub001/internal/api"
	"github.com/banyancomputer/banyan-core-sub001/internal/config"
	"github.com/banyancomputer/banyan-core-sub001/internal/ratelimit"
	"github.com/banyancomputer/banyan-core-sub001/internal/store"
	"github.com/banyancomputer/banyan-core-sub001/internal/telemetry"
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

	var limiter api.SubmissionLimiter
	bucket, err := ratelimit.Connect(ctx, cfg, time.Hour)
	switch {
	case err == nil:
		defer bucket.Close()
		limiter = bucket
		logger.Info("submission rate limiting enabled", "capacity", cfg.RateLimitCapacity, "refill_per_sec", cfg.RateLimitRefill)
	case errors.Is(err, ratelimit.ErrDisabled):
		logger.Info("submission rate limiting disabled")
	default:
		logger.Warn("submission rate limiting disabled, redis unreachable", "err", err)
	}

	server := api.New(cfg, st, limiter, logger)
	httpServer := &http.Server{
		Addr:              ":" + cfg.HTTPPort,
		Handler:           server.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	logger.Info("api listening", "port", cfg.HTTPPort, "backend", cfg.StoreBackend)
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("listen", "err", err)
			cancel()
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelShutdown()
	_ = httpServer.Shutdown(shutdownCtx)
}
