package store

import (
	"context"
	"fmt"

	"github.com/banyancomputer/banyan-core-sub001/internal/config"
	"github.com/banyancomputer/banyan-core-sub001/internal/queue"
	"github.com/banyancomputer/banyan-core-sub001/internal/task"
)

// Open returns the task store selected by cfg.StoreBackend together with a
// function releasing it. Postgres stores are migrated before use.
func Open(ctx context.Context, cfg config.Config) (task.Store, func(), error) {
	switch cfg.StoreBackend {
	case "postgres", "":
		st, err := New(ctx, cfg.PostgresDSN)
		if err != nil {
			return nil, nil, fmt.Errorf("connect postgres: %w", err)
		}
		if err := st.RunMigrations(ctx); err != nil {
			st.Close()
			return nil, nil, fmt.Errorf("migrations: %w", err)
		}
		return st, st.Close, nil
	case "redis":
		st := queue.NewRedisStore(cfg)
		if err := st.Ping(ctx); err != nil {
			_ = st.Close()
			return nil, nil, fmt.Errorf("connect redis: %w", err)
		}
		return st, func() { _ = st.Close() }, nil
	case "memory":
		return task.NewMemoryStore(), func() {}, nil
	default:
		return nil, nil, fmt.Errorf("unknown store backend %q", cfg.StoreBackend)
	}
}
