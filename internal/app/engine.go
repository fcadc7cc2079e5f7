package app

import (
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/odyssey-erp/odyssey-costing/internal/accounting/journals"
	"github.com/odyssey-erp/odyssey-costing/internal/accounting/mappings"
	"github.com/odyssey-erp/odyssey-costing/internal/accounting/periods"
	"github.com/odyssey-erp/odyssey-costing/internal/cogs"
	"github.com/odyssey-erp/odyssey-costing/internal/costing"
	"github.com/odyssey-erp/odyssey-costing/internal/depletion"
	"github.com/odyssey-erp/odyssey-costing/internal/integration"
	"github.com/odyssey-erp/odyssey-costing/internal/inventory"
	"github.com/odyssey-erp/odyssey-costing/internal/masterdata/locations"
	"github.com/odyssey-erp/odyssey-costing/internal/observability"
	"github.com/odyssey-erp/odyssey-costing/internal/platform/db"
	"github.com/odyssey-erp/odyssey-costing/internal/recipes"
	"github.com/odyssey-erp/odyssey-costing/internal/sales/orders"
	"github.com/odyssey-erp/odyssey-costing/internal/shared"
)

// EngineParams carries the infrastructure the costing engine runs on.
type EngineParams struct {
	Pool    *pgxpool.Pool
	Redis   *redis.Client
	Config  *Config
	Logger  *slog.Logger
	Metrics *observability.CostingMetrics
}

// Engine is the assembled costing and depletion stack shared by the API server
// and the worker.
type Engine struct {
	Costing    *costing.Store
	Depletion  *depletion.Service
	Recorder   *cogs.Recorder
	Reporter   *cogs.Reporter
	Breakdowns *cogs.PgRepository
	Journals   *journals.Service
}

// NewEngine wires repositories and services over a pgx pool.
func NewEngine(p EngineParams) (*Engine, error) {
	logger := p.Logger
	if logger == nil {
		logger = slog.Default()
	}
	overrides, err := p.Config.LocationOverrides()
	if err != nil {
		return nil, err
	}

	tx := db.NewTxManager(p.Pool)
	audit := shared.NewAuditLogger(p.Pool)
	guard := periods.NewGuard(periods.NewRepository(p.Pool))

	var locker costing.ItemLocker
	if p.Config.LockMode == LockModeRedis && p.Redis != nil {
		backoff := 50 * time.Millisecond
		locker = costing.NewRedisLocker(p.Redis, costing.RedisLockerConfig{
			TTL:          p.Config.LockTTL,
			RetryBackoff: backoff,
			MaxRetries:   int(p.Config.LockWait / backoff),
		}, logger, p.Metrics)
	} else {
		locker = costing.NewLocalLocker(p.Metrics)
	}

	ledger := inventory.NewLedger(inventory.NewRepository(p.Pool), tx)
	store := costing.NewStore(costing.NewRepository(p.Pool), ledger, guard, tx, locker,
		costing.WithAudit(audit),
		costing.WithMetrics(p.Metrics),
		costing.WithLogger(logger),
	)

	breakdowns := cogs.NewRepository(p.Pool)
	recorder := cogs.NewRecorder(breakdowns, store, guard, tx, logger)
	reporter := cogs.NewReporter(breakdowns, cogs.NewReconciler(p.Config.CogsReconcileConfig(), logger, p.Metrics))

	journalService := journals.NewService(journals.NewRepository(p.Pool), tx, audit, guard)
	bridge := integration.NewGLBridge(journalService, mappings.NewRepository(p.Pool), p.Config.GLPostTimeout, logger, p.Metrics)

	svc := depletion.NewService(depletion.Deps{
		Repo:              depletion.NewRepository(p.Pool),
		Orders:            orders.NewRepository(p.Pool),
		Recipes:           recipes.NewRepository(p.Pool),
		Locations:         locations.NewRepository(p.Pool),
		Ledger:            ledger,
		Cogs:              recorder,
		Guard:             guard,
		GL:                bridge,
		Tx:                tx,
		Audit:             audit,
		Metrics:           p.Metrics,
		Logger:            logger,
		LocationOverrides: overrides,
	})

	return &Engine{
		Costing:    store,
		Depletion:  svc,
		Recorder:   recorder,
		Reporter:   reporter,
		Breakdowns: breakdowns,
		Journals:   journalService,
	}, nil
}
