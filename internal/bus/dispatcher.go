package bus

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"openpos/internal/config"
	"openpos/internal/store"
)

// Dispatcher drains the per-tenant outbox tables onto the bus. Engines stage
// events in the same transaction as their state change; the dispatcher makes
// delivery at-least-once across crashes by marking a row delivered only
// after the bus accepts it.
type Dispatcher struct {
	mgr      *store.Manager
	bus      *Bus
	interval time.Duration
	logger   *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewDispatcher wires the dispatcher to the store manager and the bus.
func NewDispatcher(cfg config.BusConfig, mgr *store.Manager, bus *Bus, logger *slog.Logger) *Dispatcher {
	ctx, cancel := context.WithCancel(context.Background())
	return &Dispatcher{
		mgr:      mgr,
		bus:      bus,
		interval: cfg.DispatchInterval,
		logger:   logger.With("component", "outbox-dispatcher"),
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Start launches the dispatch loop.
func (d *Dispatcher) Start() {
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		ticker := time.NewTicker(d.interval)
		defer ticker.Stop()
		for {
			select {
			case <-d.ctx.Done():
				return
			case <-ticker.C:
				d.DispatchOnce(d.ctx)
			}
		}
	}()
}

// DispatchOnce publishes every pending outbox row across all tenants.
// Exported so tests and the engines can force a flush without waiting for
// the ticker.
func (d *Dispatcher) DispatchOnce(ctx context.Context) {
	ids, err := d.mgr.TenantIDs()
	if err != nil {
		d.logger.Error("failed to list tenants", "error", err)
		return
	}
	for _, tenantID := range ids {
		db, err := d.mgr.Tenant(tenantID)
		if err != nil {
			d.logger.Error("failed to open tenant db", "tenant", tenantID, "error", err)
			continue
		}
		rows, err := db.PendingOutbox(ctx, 100)
		if err != nil {
			d.logger.Error("failed to read outbox", "tenant", tenantID, "error", err)
			continue
		}
		for _, row := range rows {
			if err := d.bus.Publish(ctx, row.Event); err != nil {
				// Leave the row pending; the next tick retries it.
				d.logger.Warn("outbox publish failed", "tenant", tenantID, "event_id", row.Event.EventID, "error", err)
				break
			}
			if err := db.MarkDelivered(ctx, row.ID); err != nil {
				d.logger.Error("failed to mark outbox row delivered", "tenant", tenantID, "id", row.ID, "error", err)
			}
		}
	}
}

// Stop halts the loop and waits for the in-flight pass.
func (d *Dispatcher) Stop() {
	d.cancel()
	d.wg.Wait()
}
