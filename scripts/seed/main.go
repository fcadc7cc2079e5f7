package main

import (
	"context"
	"log/slog"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/odyssey-costing/internal/app"
	"github.com/odyssey-erp/odyssey-costing/internal/costing"
	"github.com/odyssey-erp/odyssey-costing/internal/integration"
	"github.com/odyssey-erp/odyssey-costing/internal/masterdata/locations"
	"github.com/odyssey-erp/odyssey-costing/internal/observability"
	"github.com/odyssey-erp/odyssey-costing/internal/platform/db"
	"github.com/odyssey-erp/odyssey-costing/internal/recipes"
	"github.com/odyssey-erp/odyssey-costing/internal/sales/orders"
)

// demo holds the fixed identifiers of the seeded burger kitchen so repeated
// runs land on the same rows.
type demo struct {
	org, branch, user, kitchen uuid.UUID
	burger, bun, patty, recipe uuid.UUID
	order, cogsAcct, invAcct   uuid.UUID
}

func newDemo() demo {
	ns := uuid.MustParse("5b7d8a8e-7c43-4e0a-9d0c-1f7c2f6c0001")
	id := func(name string) uuid.UUID { return uuid.NewSHA1(ns, []byte(name)) }
	return demo{
		org: id("org"), branch: id("branch"), user: id("user"), kitchen: id("kitchen"),
		burger: id("menu:burger"), bun: id("item:bun"), patty: id("item:patty"), recipe: id("recipe:burger"),
		order: id("order:0001"), cogsAcct: id("account:cogs"), invAcct: id("account:inventory"),
	}
}

func main() {
	cfg, err := app.LoadConfig()
	if err != nil {
		slog.Default().Error("load config", slog.Any("error", err))
		os.Exit(1)
	}
	logger := app.NewLogger(cfg)
	ctx := context.Background()

	if err := db.Migrate(cfg.PGDSN, logger); err != nil {
		logger.Error("migrate", slog.Any("error", err))
		os.Exit(1)
	}
	pool, err := db.New(ctx, cfg.PoolConfig())
	if err != nil {
		logger.Error("connect postgres", slog.Any("error", err))
		os.Exit(1)
	}
	defer pool.Close()

	d := newDemo()
	now := time.Now().UTC()

	logger.Info("seeding master data")
	if err := seedMasterData(ctx, pool, d, now); err != nil {
		logger.Error("seed master data", slog.Any("error", err))
		os.Exit(1)
	}

	engine, err := app.NewEngine(app.EngineParams{
		Pool:    pool,
		Config:  cfg,
		Logger:  logger,
		Metrics: observability.NewCostingMetrics(observability.NewMetrics().Registerer()),
	})
	if err != nil {
		logger.Error("build engine", slog.Any("error", err))
		os.Exit(1)
	}

	logger.Info("seeding stock")
	for item, cost := range map[uuid.UUID]string{d.bun: "500", d.patty: "2000"} {
		if _, err := engine.Costing.ReceiveStock(ctx, d.org, d.branch, d.user, costing.ReceiptInput{
			ItemID:     item,
			LocationID: d.kitchen,
			Qty:        decimal.NewFromInt(100),
			UnitCost:   decimal.RequireFromString(cost),
			SourceID:   "seed:opening:" + item.String(),
		}); err != nil {
			logger.Error("receive stock", slog.String("item", item.String()), slog.Any("error", err))
			os.Exit(1)
		}
	}

	result, err := engine.Depletion.DepleteForOrder(ctx, d.org, d.order, d.branch, d.user)
	if err != nil {
		logger.Error("deplete demo order", slog.Any("error", err))
		os.Exit(1)
	}
	logger.Info("seed complete",
		slog.String("org_id", d.org.String()),
		slog.String("branch_id", d.branch.String()),
		slog.String("depletion_id", result.Depletion.ID.String()),
		slog.String("status", string(result.Depletion.Status)),
	)
}

func seedMasterData(ctx context.Context, pool *pgxpool.Pool, d demo, now time.Time) error {
	periodStart := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC)
	return db.WithTx(ctx, pool, func(tx pgx.Tx) error {
		stmts := []struct {
			sql  string
			args []any
		}{
			{`INSERT INTO fiscal_periods (id, org_id, code, starts_at, ends_at) VALUES ($1, $2, $3, $4, $5) ON CONFLICT DO NOTHING`,
				[]any{uuid.NewSHA1(d.org, []byte(periodStart.Format("2006-01"))), d.org, periodStart.Format("2006-01"), periodStart, periodStart.AddDate(0, 1, 0)}},
			{`INSERT INTO account_mappings (org_id, module, key, account_id) VALUES ($1, $2, $3, $4) ON CONFLICT DO NOTHING`,
				[]any{d.org, integration.MappingModule, integration.MappingKeyCogs, d.cogsAcct}},
			{`INSERT INTO account_mappings (org_id, module, key, account_id) VALUES ($1, $2, $3, $4) ON CONFLICT DO NOTHING`,
				[]any{d.org, integration.MappingModule, integration.MappingKeyInventory, d.invAcct}},
			{`INSERT INTO stock_locations (id, org_id, branch_id, code, name, type) VALUES ($1, $2, $3, $4, 'Kitchen', $5) ON CONFLICT DO NOTHING`,
				[]any{d.kitchen, d.org, d.branch, locations.CodeKitchen, locations.TypeProduction}},
			{`INSERT INTO recipes (id, org_id, target_type, target_id, name) VALUES ($1, $2, $3, $4, 'Burger') ON CONFLICT DO NOTHING`,
				[]any{d.recipe, d.org, recipes.TargetMenuItem, d.burger}},
			{`INSERT INTO recipe_lines (id, recipe_id, inventory_item_id, qty_base) VALUES ($1, $2, $3, 1), ($4, $2, $5, 1) ON CONFLICT DO NOTHING`,
				[]any{uuid.NewSHA1(d.recipe, []byte("bun")), d.recipe, d.bun, uuid.NewSHA1(d.recipe, []byte("patty")), d.patty}},
			{`INSERT INTO pos_orders (id, org_id, branch_id, number, status, closed_at) VALUES ($1, $2, $3, 'DEMO-0001', $4, $5) ON CONFLICT DO NOTHING`,
				[]any{d.order, d.org, d.branch, string(orders.StatusClosed), now}},
			{`INSERT INTO pos_order_lines (id, order_id, menu_item_id, name, qty, line_no) VALUES ($1, $2, $3, 'Burger', 2, 1) ON CONFLICT DO NOTHING`,
				[]any{uuid.NewSHA1(d.order, []byte("line:1")), d.order, d.burger}},
		}
		for _, stmt := range stmts {
			if _, err := tx.Exec(ctx, stmt.sql, stmt.args...); err != nil {
				return err
			}
		}
		return nil
	})
}
