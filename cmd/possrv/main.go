// OpenPOS — a multi-tenant point-of-sale backend: terminal lifecycle,
// cart-based transactions, stock tracking, and an event pipeline feeding
// report and journal sinks.
//
// Architecture:
//
//	main.go               — entry point: loads config, wires engines, waits for SIGINT/SIGTERM
//	store/                — one sqlite file per tenant; documents with ETag CAS, TTL state, outbox
//	terminal/engine.go    — tenant/store/terminal CRUD and the Idle/Opened/Closed lifecycle
//	cart/engine.go        — the sale state machine: items, discounts, tax, payments, completion
//	stock/engine.go       — quantity tracking with CAS updates, threshold alerts, snapshots
//	scheduler/            — per-tenant snapshot schedules evaluated on a lease-guarded tick
//	bus/                  — in-process at-least-once delivery plus the outbox dispatcher
//	sink/                 — idempotency wrapper so consumers survive redelivery
//	report/, journal/     — tranlog/cashlog/open-close consumers with read APIs
//	hub/hub.go            — WebSocket fan-out of stock alerts per (tenant, store)
//	httpapi/              — chi REST surface, JWT/API-key auth, tenant isolation
//
// Event flow:
//
//	Engines stage events in the outbox inside the same transaction as their
//	state change. The dispatcher drains the outbox onto the bus, which
//	delivers to each consumer with retries and a dead-letter queue. Consumers
//	are wrapped in the idempotent sink so a redelivered event is processed
//	exactly once per consumer.
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"openpos/internal/auth"
	"openpos/internal/bus"
	"openpos/internal/cart"
	"openpos/internal/catalog"
	"openpos/internal/config"
	"openpos/internal/httpapi"
	"openpos/internal/hub"
	"openpos/internal/journal"
	"openpos/internal/report"
	"openpos/internal/scheduler"
	"openpos/internal/sink"
	"openpos/internal/stock"
	"openpos/internal/store"
	"openpos/internal/terminal"
	"openpos/pkg/types"
)

func main() {
	// Load config
	cfgPath := "configs/config.yaml"
	if p := os.Getenv("OPENPOS_CONFIG"); p != "" {
		cfgPath = p
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		slog.Error("failed to load config", "error", err, "path", cfgPath)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		slog.Error("invalid config", "error", err)
		os.Exit(1)
	}

	// Set up logger
	var handler slog.Handler
	opts := &slog.HandlerOptions{Level: parseLogLevel(cfg.Logging.Level)}
	if cfg.Logging.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	logger := slog.New(handler)

	mgr, err := store.NewManager(cfg.Store.DataDir, cfg.Store.Prefix, cfg.Store.MaxTenantHandles, logger)
	if err != nil {
		logger.Error("failed to open store", "error", err, "dir", cfg.Store.DataDir)
		os.Exit(1)
	}

	broker := auth.NewBroker(cfg.Auth.Secret, cfg.Auth.TokenExpiry)
	accounts := auth.NewAccounts(mgr, broker, logger)

	registry := prometheus.NewRegistry()
	events := bus.New(cfg.Bus, registry, logger)
	events.OnDeadLetter(func(dl bus.DeadLetter) {
		logger.Error("event dead-lettered",
			"topic", dl.Event.Topic, "consumer", dl.Consumer,
			"event_id", dl.Event.EventID, "error", dl.Reason)
	})

	// Master data comes from the remote service when configured, otherwise
	// from the tenant store itself. Either way reads go through the cache.
	var provider catalog.Provider
	if cfg.Catalog.BaseURL != "" {
		provider = catalog.NewRemote(cfg.Catalog)
	} else {
		provider = catalog.NewLocal(mgr)
	}
	provider = catalog.NewCached(provider, cfg.Cart.CacheSize, cfg.Catalog.CacheTTL)

	carts := cart.New(cfg.Cart, mgr, provider, logger)
	terminals := terminal.New(mgr, carts, logger)

	// The stock engine and the hub reference each other: alerts flow out
	// through the hub, and new sockets catch up from the engine.
	stocks := stock.New(cfg.Stock, mgr, nil, logger)
	alerts := hub.New(cfg.Hub, stocks, logger)
	stocks.SetAlerter(alerts)

	sched := scheduler.New(cfg.Scheduler, mgr, stocks, terminals, logger)

	reports := report.New(mgr, logger)
	journals := journal.New(mgr, logger)

	reportSink := sink.New("report", mgr, logger)
	events.Subscribe(types.TopicTranlog, "report", reportSink.Wrap(reports.TranlogHandler()))
	events.Subscribe(types.TopicCashlog, "report", reportSink.Wrap(reports.CashlogHandler()))
	events.Subscribe(types.TopicOpenCloseLog, "report", reportSink.Wrap(reports.OpenCloseHandler()))

	journalSink := sink.New("journal", mgr, logger)
	events.Subscribe(types.TopicTranlog, "journal", journalSink.Wrap(journals.TranlogHandler()))
	events.Subscribe(types.TopicCashlog, "journal", journalSink.Wrap(journals.CashlogHandler()))
	events.Subscribe(types.TopicOpenCloseLog, "journal", journalSink.Wrap(journals.OpenCloseHandler()))

	stockSink := sink.New("stock", mgr, logger)
	events.Subscribe(types.TopicTranlog, "stock", stockSink.Wrap(stocks.TranlogHandler()))

	dispatcher := bus.NewDispatcher(cfg.Bus, mgr, events, logger)
	dispatcher.Start()

	runCtx, cancelRun := context.WithCancel(context.Background())
	sched.Start(runCtx)
	go housekeeping(runCtx, mgr, logger)

	server := httpapi.NewServer(cfg.Server, httpapi.Deps{
		Broker:    broker,
		Accounts:  accounts,
		Terminals: terminals,
		Carts:     carts,
		Stocks:    stocks,
		Scheduler: sched,
		Bus:       events,
		Hub:       alerts,
		Reports:   reports,
		Journals:  journals,
		Registry:  registry,
	}, logger)
	go func() {
		if err := server.Start(); err != nil {
			logger.Error("api server failed", "error", err)
		}
	}()

	logger.Info("openpos started",
		"port", cfg.Server.Port,
		"data_dir", cfg.Store.DataDir,
		"catalog", catalogMode(cfg.Catalog),
	)

	// Wait for shutdown signal
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigCh
	logger.Info("received shutdown signal", "signal", sig.String())

	// Stop intake first, then drain the pipeline, then release storage.
	if err := server.Stop(cfg.Server.ShutdownTimeout); err != nil {
		logger.Error("failed to stop api server", "error", err)
	}
	cancelRun()
	sched.Stop()
	dispatcher.Stop()
	events.Stop()
	alerts.Close()
	mgr.Close()
}

// housekeeping sweeps expired state rows (idempotency records, stale leases,
// alert cooldowns) and purges delivered outbox rows across all tenants.
func housekeeping(ctx context.Context, mgr *store.Manager, logger *slog.Logger) {
	log := logger.With("component", "housekeeping")
	ticker := time.NewTicker(10 * time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		ids, err := mgr.TenantIDs()
		if err != nil {
			log.Error("failed to list tenants", "error", err)
			continue
		}
		for _, tenantID := range ids {
			db, err := mgr.Tenant(tenantID)
			if err != nil {
				log.Error("failed to open tenant db", "tenant", tenantID, "error", err)
				continue
			}
			if n, err := db.SweepExpiredState(ctx); err != nil {
				log.Error("state sweep failed", "tenant", tenantID, "error", err)
			} else if n > 0 {
				log.Debug("swept expired state", "tenant", tenantID, "rows", n)
			}
			if n, err := db.PurgeDeliveredOutbox(ctx); err != nil {
				log.Error("outbox purge failed", "tenant", tenantID, "error", err)
			} else if n > 0 {
				log.Debug("purged delivered outbox rows", "tenant", tenantID, "rows", n)
			}
		}
	}
}

func catalogMode(cfg config.CatalogConfig) string {
	if cfg.BaseURL != "" {
		return cfg.BaseURL
	}
	return "local"
}

func parseLogLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
