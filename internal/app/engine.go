package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/odyssey-erp/odyssey-ledger/internal/accounting"
	"github.com/odyssey-erp/odyssey-ledger/internal/close"
	"github.com/odyssey-erp/odyssey-ledger/internal/inventory"
	"github.com/odyssey-erp/odyssey-ledger/internal/observability"
	"github.com/odyssey-erp/odyssey-ledger/internal/platform/cache"
	"github.com/odyssey-erp/odyssey-ledger/internal/platform/db"
	"github.com/odyssey-erp/odyssey-ledger/internal/platform/memstore"
	"github.com/odyssey-erp/odyssey-ledger/internal/posting"
	"github.com/odyssey-erp/odyssey-ledger/internal/shared"
)

// KeyCleaner purges idempotency keys older than a retention window.
type KeyCleaner interface {
	Cleanup(ctx context.Context, olderThan time.Duration) (int64, error)
}

// Engine bundles the wired ledger components.
type Engine struct {
	Ledger    *accounting.Service
	Calendar  *close.Service
	Posting   *posting.Service
	Inventory *inventory.Service
	Keys      KeyCleaner

	// Memory is set when the engine runs on the in-memory store.
	Memory *memstore.Store
	Pool   *pgxpool.Pool
	Redis  *redis.Client

	closers []func()
}

// EngineOptions carries optional collaborators.
type EngineOptions struct {
	Metrics *observability.Metrics
	// Migrate applies the embedded schema before wiring PostgreSQL repositories.
	Migrate bool
}

// BuildEngine connects storage and wires every engine service.
func BuildEngine(ctx context.Context, cfg *Config, logger *slog.Logger, opts EngineOptions) (*Engine, error) {
	if cfg == nil {
		return nil, errors.New("app: config required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	e := &Engine{}
	var metrics interface {
		accounting.MetricsPort
		inventory.MetricsPort
	}
	if opts.Metrics != nil {
		metrics = opts.Metrics
	}

	var (
		ledgerRepo    accounting.RepositoryPort
		periodRepo    close.RepositoryPort
		templateRepo  posting.RepositoryPort
		inventoryRepo inventory.RepositoryPort
		audit         accounting.AuditPort
	)
	switch cfg.StoreDriver {
	case StoreDriverMemory:
		store := memstore.New()
		e.Memory = store
		e.Keys = store
		ledgerRepo, periodRepo, templateRepo, inventoryRepo = store.Ledger(), store.Periods(), store.Templates(), store.Inventory()
		audit = &shared.MemoryAudit{}
	default:
		pool, err := db.New(ctx, cfg.PGDSN, db.Options{MaxConns: cfg.PGMaxConns})
		if err != nil {
			return nil, err
		}
		e.Pool = pool
		e.closers = append(e.closers, pool.Close)
		if opts.Migrate {
			if err := db.Migrate(ctx, pool); err != nil {
				e.Close()
				return nil, err
			}
			logger.Info("schema applied")
		}
		e.Keys = shared.NewIdempotencyStore(pool)
		ledgerRepo = accounting.NewRepository(pool)
		periodRepo = close.NewRepository(pool)
		templateRepo = posting.NewRepository(pool)
		inventoryRepo = inventory.NewRepository(pool)
		audit = shared.NewAuditLogger(pool)
	}

	locker, err := e.stockLocker(ctx, cfg, logger)
	if err != nil {
		e.Close()
		return nil, err
	}

	e.Ledger = accounting.NewService(ledgerRepo, audit, accounting.ServiceConfig{
		AmountScale:          cfg.LedgerAmountScale,
		BaseCurrency:         cfg.LedgerBaseCurrency,
		IdempotencyRetention: cfg.IdempotencyRetention,
		Logger:               logger.With(slog.String("component", "ledger")),
		Metrics:              metrics,
	})
	e.Calendar = close.NewService(periodRepo, e.Ledger, audit, logger.With(slog.String("component", "close")))
	e.Posting = posting.NewService(templateRepo, e.Ledger, audit, posting.Config{})
	e.Inventory = inventory.NewService(inventoryRepo, e.Ledger, audit, inventory.ServiceConfig{
		Locker:               locker,
		IdempotencyRetention: cfg.IdempotencyRetention,
		Logger:               logger.With(slog.String("component", "inventory")),
		Metrics:              metrics,
		Events:               issueLogger{logger: logger},
	})
	return e, nil
}

func (e *Engine) stockLocker(ctx context.Context, cfg *Config, logger *slog.Logger) (shared.Locker, error) {
	if cfg.StockLockBackend != LockBackendRedis {
		return shared.NewKeyedMutex(cfg.StockLockWait), nil
	}
	client, err := cache.New(ctx, cache.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword, DB: cfg.RedisDB})
	if err != nil {
		return nil, fmt.Errorf("app: stock lock backend: %w", err)
	}
	e.Redis = client
	e.closers = append(e.closers, func() {
		if err := client.Close(); err != nil {
			logger.Warn("redis close", slog.Any("error", err))
		}
	})
	return cache.NewRedisLocker(client, cfg.StockLockTTL, cfg.StockLockWait).WithNamespace(cfg.RedisNamespace), nil
}

// Ready pings the backing stores.
func (e *Engine) Ready(ctx context.Context) error {
	if e == nil {
		return errors.New("app: engine not built")
	}
	if e.Pool != nil {
		if err := e.Pool.Ping(ctx); err != nil {
			return fmt.Errorf("postgres: %w", err)
		}
	}
	if e.Redis != nil {
		if err := e.Redis.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("redis: %w", err)
		}
	}
	return nil
}

// Close releases connections in reverse order of acquisition.
func (e *Engine) Close() {
	if e == nil {
		return
	}
	for i := len(e.closers) - 1; i >= 0; i-- {
		e.closers[i]()
	}
	e.closers = nil
}

// issueLogger publishes issue costing events to the log stream.
type issueLogger struct {
	logger *slog.Logger
}

func (l issueLogger) HandleIssueCosted(ctx context.Context, evt inventory.IssueCostedEvent) error {
	l.logger.LogAttrs(ctx, slog.LevelDebug, "issue costed",
		slog.String("company_id", evt.CompanyID.String()),
		slog.String("movement_id", evt.MovementID.String()),
		slog.String("item_id", evt.ItemID.String()),
		slog.String("warehouse_id", evt.WarehouseID.String()),
		slog.String("qty", evt.Qty.String()),
		slog.String("cost", evt.CostAmount.String()),
		slog.String("estimated_qty", evt.EstimatedQty.String()),
		slog.String("method", string(evt.Method)),
	)
	return nil
}
