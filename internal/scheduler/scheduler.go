package scheduler

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"openpos/internal/apperr"
	"openpos/internal/config"
	"openpos/internal/stock"
	"openpos/internal/store"
	"openpos/internal/terminal"
)

const leaseKey = "lease:snapshot"

// StoreLister expands ["all"] target stores. The terminal engine implements it.
type StoreLister interface {
	ListStores(ctx context.Context, tenantID string) ([]terminal.Store, error)
}

// Scheduler fires the per-tenant snapshot schedules.
type Scheduler struct {
	cfg    config.SchedulerConfig
	mgr    *store.Manager
	stocks *stock.Engine
	stores StoreLister
	logger *slog.Logger

	now    func() time.Time
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func New(cfg config.SchedulerConfig, mgr *store.Manager, stocks *stock.Engine, stores StoreLister, logger *slog.Logger) *Scheduler {
	return &Scheduler{
		cfg:    cfg,
		mgr:    mgr,
		stocks: stocks,
		stores: stores,
		logger: logger.With("component", "scheduler"),
		now:    time.Now,
	}
}

// Start launches the tick loop.
func (s *Scheduler) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(s.cfg.TickInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.Tick(ctx)
			}
		}
	}()
}

// Stop halts the loop and waits for an in-flight tick.
func (s *Scheduler) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
}

// Tick evaluates every tenant's schedule once. Exported for tests.
func (s *Scheduler) Tick(ctx context.Context) {
	tenants, err := s.mgr.TenantIDs()
	if err != nil {
		s.logger.Error("list tenants", "error", err)
		return
	}
	for _, tenantID := range tenants {
		if err := s.runTenant(ctx, tenantID); err != nil {
			s.logger.Error("schedule run failed", "tenant", tenantID, "error", err)
		}
	}
}

func (s *Scheduler) runTenant(ctx context.Context, tenantID string) error {
	db, err := s.mgr.Tenant(tenantID)
	if err != nil {
		return err
	}
	var sched Schedule
	if _, err := db.Get(ctx, ColSchedules, scheduleKey, &sched); err != nil {
		if apperr.IsKind(err, apperr.KindNotFound) {
			return nil
		}
		return err
	}
	now := s.now().UTC()
	if !sched.due(now) {
		return nil
	}

	// Distributed lease: first writer wins, losers skip this fire.
	if _, err := db.PutState(ctx, leaseKey, now, "", s.cfg.LeaseTTL); err != nil {
		if apperr.IsKind(err, apperr.KindConflict) {
			return nil
		}
		return err
	}
	defer func() {
		if err := db.DeleteState(ctx, leaseKey); err != nil {
			s.logger.Warn("lease release failed", "tenant", tenantID, "error", err)
		}
	}()

	runCtx, cancel := context.WithTimeout(ctx, s.cfg.RunTimeout)
	defer cancel()

	stores, err := s.expandStores(runCtx, tenantID, sched.TargetStores)
	if err != nil {
		return err
	}
	for _, storeCode := range stores {
		if _, err := s.stocks.CreateSnapshot(runCtx, tenantID, storeCode, "scheduler"); err != nil {
			return err
		}
	}
	if err := s.markExecuted(runCtx, db, now); err != nil {
		return err
	}

	if sched.RetentionDays > 0 {
		// Day-granular retention anchored on the scheduled fire time, not
		// the jittery tick instant: the fire day and the retentionDays-1
		// days before it survive, everything older goes.
		fire := sched.prevFire(now)
		day := time.Date(fire.Year(), fire.Month(), fire.Day(), 0, 0, 0, 0, time.UTC)
		cutoff := day.AddDate(0, 0, -(sched.RetentionDays - 1))
		removed, err := s.stocks.SweepSnapshots(runCtx, tenantID, cutoff)
		if err != nil {
			return err
		}
		if removed > 0 {
			s.logger.Info("retention sweep", "tenant", tenantID, "removed", removed)
		}
	}
	s.logger.Info("snapshot schedule fired", "tenant", tenantID, "stores", len(stores))
	return nil
}

func (s *Scheduler) expandStores(ctx context.Context, tenantID string, targets []string) ([]string, error) {
	if len(targets) == 1 && targets[0] == "all" {
		all, err := s.stores.ListStores(ctx, tenantID)
		if err != nil {
			return nil, err
		}
		codes := make([]string, len(all))
		for i, st := range all {
			codes[i] = st.StoreCode
		}
		return codes, nil
	}
	return targets, nil
}
