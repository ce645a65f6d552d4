package app

import (
	"context"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"

	"github.com/hibiken/asynq"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/odyssey-erp/odyssey-posting/internal/platform/cache"
	"github.com/odyssey-erp/odyssey-posting/internal/platform/db"
	"github.com/odyssey-erp/odyssey-posting/jobs"
)

const testModeEnv = "ODYSSEY_TEST_MODE"

var (
	testModeFlag atomic.Bool
	testModeOnce sync.Once
)

// detectTestMode reads the ODYSSEY_TEST_MODE flag once.
func detectTestMode() {
	testModeFlag.Store(os.Getenv(testModeEnv) == "1")
}

// InTestMode reports whether the application should skip runtime side effects.
func InTestMode() bool {
	testModeOnce.Do(detectTestMode)
	return testModeFlag.Load()
}

// RefreshTestMode updates the cached flag after environment changes.
func RefreshTestMode() {
	detectTestMode()
}

// Runtime holds the process-wide connections a command needs.
type Runtime struct {
	Config *Config
	Logger *slog.Logger
	Pool   *pgxpool.Pool
	Redis  *redis.Client
}

// Open loads configuration and connects to Postgres and Redis.
func Open(ctx context.Context) (*Runtime, error) {
	cfg, err := LoadConfig()
	if err != nil {
		return nil, err
	}
	logger := NewLogger(cfg)
	pool, err := db.New(ctx, cfg.PGDSN, db.PoolOptions{MaxConns: cfg.PGMaxConns})
	if err != nil {
		return nil, err
	}
	client, err := cache.New(ctx, cfg.RedisAddr)
	if err != nil {
		pool.Close()
		return nil, err
	}
	return &Runtime{Config: cfg, Logger: logger, Pool: pool, Redis: client}, nil
}

// Close releases the connections.
func (r *Runtime) Close() {
	if r == nil {
		return
	}
	if r.Redis != nil {
		if err := r.Redis.Close(); err != nil {
			r.Logger.Warn("redis close", slog.Any("error", err))
		}
	}
	if r.Pool != nil {
		r.Pool.Close()
	}
}

// AsynqRedis derives asynq connection options from the Redis client.
func (r *Runtime) AsynqRedis() asynq.RedisClientOpt {
	opts := r.Redis.Options()
	return asynq.RedisClientOpt{Addr: opts.Addr, Username: opts.Username, Password: opts.Password, DB: opts.DB, TLSConfig: opts.TLSConfig}
}

// DispatchOptions maps the ledger settings onto the dispatch task options.
func (r *Runtime) DispatchOptions() jobs.DispatchOptions {
	return jobs.DispatchOptions{
		Queue:    r.Config.LedgerQueue,
		MaxRetry: r.Config.LedgerMaxRetry,
		Timeout:  r.Config.LedgerTaskTimeout,
	}
}
