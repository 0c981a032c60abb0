package app

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/odyssey-erp/stockledger/internal/ledger"
	"github.com/odyssey-erp/stockledger/internal/observability"
	"github.com/odyssey-erp/stockledger/internal/platform/cache"
	"github.com/odyssey-erp/stockledger/internal/platform/db"
	"github.com/odyssey-erp/stockledger/internal/shared"
	"github.com/odyssey-erp/stockledger/jobs"
)

// RuntimeOptions overrides collaborators that Bootstrap would otherwise build
// from configuration.
type RuntimeOptions struct {
	Publisher ledger.Publisher
	Metrics   *observability.Metrics
	Redis     *redis.Client
	Clock     func() time.Time
}

// Runtime is a wired ledger together with the resources it holds.
type Runtime struct {
	Config  *Config
	Logger  *slog.Logger
	Pool    *pgxpool.Pool
	Redis   *redis.Client
	Repo    ledger.Repository
	Service *ledger.Service
	Gateway *ledger.Gateway
	Metrics *observability.Metrics
	Jobs    *jobs.Client

	memory  *ledger.MemoryRepository
	closers []func()
}

// Bootstrap connects the configured store and wires the ledger service.
func Bootstrap(ctx context.Context, cfg *Config, logger *slog.Logger, opts RuntimeOptions) (*Runtime, error) {
	if cfg == nil {
		return nil, errors.New("app: config required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	serviceCfg, err := cfg.LedgerConfig()
	if err != nil {
		return nil, err
	}
	rt := &Runtime{Config: cfg, Logger: logger, Metrics: opts.Metrics}
	if rt.Metrics == nil {
		rt.Metrics = observability.NewMetrics()
	}

	var audit ledger.AuditPort
	switch cfg.LedgerStore {
	case StoreMemory:
		repo, err := loadMemoryState(cfg.LedgerStateFile)
		if err != nil {
			return nil, err
		}
		rt.memory = repo
		rt.Repo = repo
		audit = shared.SlogAuditLogger{Logger: logger}
	default:
		pool, err := db.New(ctx, cfg.PGDSN, db.Options{MaxConns: cfg.PGMaxConns})
		if err != nil {
			return nil, err
		}
		rt.Pool = pool
		rt.closers = append(rt.closers, pool.Close)
		rt.Repo = ledger.NewPostgresRepository(pool)
		audit = shared.NewAuditLogger(pool)
	}

	if err := rt.connectRedis(ctx, opts.Redis); err != nil {
		rt.Close()
		return nil, err
	}

	var lockClient *redis.Client
	if cfg.RedisLocks {
		lockClient = rt.Redis
	}
	var stash ledger.PlanStash = ledger.NewMemoryPlanStash(cfg.PlanStashTTL)
	switch {
	case rt.Redis != nil:
		stash = ledger.NewRedisPlanStash(rt.Redis, cfg.PlanStashTTL)
	case rt.memory != nil:
		stash = rt.memory.PlanStash(cfg.PlanStashTTL)
	}

	publisher := opts.Publisher
	if publisher == nil && rt.Redis != nil && cfg.PublishEvents {
		rt.Jobs = jobs.NewClient(cfg.QueueRedis())
		rt.closers = append(rt.closers, func() {
			if err := rt.Jobs.Close(); err != nil {
				logger.Warn("jobs client close", slog.Any("error", err))
			}
		})
		publisher = rt.Jobs.Publisher()
	}

	svc, err := ledger.NewService(rt.Repo, serviceCfg, ledger.ServiceDeps{
		Logger:    logger,
		Audit:     audit,
		Locker:    ledger.NewMaterialLocker(lockClient, ledger.LockerConfig{TTL: cfg.LockTTL, Logger: logger}),
		Cache:     ledger.NewSummaryCache(rt.Redis, cfg.SummaryCacheTTL),
		Publisher: publisher,
		Metrics:   observability.NewLedgerMetrics(rt.Metrics.Registerer()),
		Stash:     stash,
		Clock:     opts.Clock,
	})
	if err != nil {
		rt.Close()
		return nil, err
	}
	rt.Service = svc
	rt.Gateway = ledger.NewGateway(svc)
	return rt, nil
}

// connectRedis uses the injected client or dials REDIS_ADDR. Without Redis the
// ledger still runs on process-local locks and an uncached summary, unless
// REDIS_LOCKS demands the shared lock.
func (rt *Runtime) connectRedis(ctx context.Context, injected *redis.Client) error {
	if injected != nil {
		rt.Redis = injected
		return nil
	}
	if rt.Config.RedisAddr == "" {
		return nil
	}
	client, err := cache.New(ctx, rt.Config.RedisOptions())
	if err != nil {
		if rt.Config.RedisLocks {
			return err
		}
		rt.Logger.Warn("redis unavailable, continuing without it", slog.Any("error", err))
		return nil
	}
	rt.Redis = client
	rt.closers = append(rt.closers, func() {
		if err := client.Close(); err != nil {
			rt.Logger.Warn("redis close", slog.Any("error", err))
		}
	})
	return nil
}

// Ping checks that the backing stores answer.
func (rt *Runtime) Ping(ctx context.Context) error {
	if rt.Pool != nil {
		if err := rt.Pool.Ping(ctx); err != nil {
			return fmt.Errorf("postgres: %w", err)
		}
	}
	if rt.Redis != nil {
		if err := rt.Redis.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("redis: %w", err)
		}
	}
	return nil
}

// Persist writes the in-memory ledger back to LEDGER_STATE_FILE. It is a
// no-op for the Postgres store.
func (rt *Runtime) Persist() error {
	if rt == nil || rt.memory == nil {
		return nil
	}
	var buf bytes.Buffer
	if err := rt.memory.Save(&buf); err != nil {
		return err
	}
	path := rt.Config.LedgerStateFile
	tmp, err := os.CreateTemp(filepath.Dir(path), ".ledger-*.json")
	if err != nil {
		return fmt.Errorf("app: persist state: %w", err)
	}
	if _, err := tmp.Write(buf.Bytes()); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
		return fmt.Errorf("app: persist state: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmp.Name())
		return fmt.Errorf("app: persist state: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("app: persist state: %w", err)
	}
	return nil
}

// Close releases every resource in reverse order of acquisition.
func (rt *Runtime) Close() {
	if rt == nil {
		return
	}
	for i := len(rt.closers) - 1; i >= 0; i-- {
		rt.closers[i]()
	}
	rt.closers = nil
}

func loadMemoryState(path string) (*ledger.MemoryRepository, error) {
	f, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return ledger.NewMemoryRepository(), nil
	}
	if err != nil {
		return nil, fmt.Errorf("app: open state: %w", err)
	}
	defer f.Close()
	repo, err := ledger.LoadMemoryRepository(f)
	if err != nil {
		return nil, fmt.Errorf("app: load state %s: %w", path, err)
	}
	return repo, nil
}
