// Package scheduler runs the per-tenant snapshot schedules: a cron-like
// evaluator (daily/weekly/monthly with last-day-of-month clamping), a
// distributed lease so only one instance fires a job, and the retention
// sweep for old snapshots.
package scheduler

import (
	"context"
	"time"

	"openpos/internal/apperr"
	"openpos/internal/store"
)

// Schedule intervals.
const (
	IntervalDaily   = "daily"
	IntervalWeekly  = "weekly"
	IntervalMonthly = "monthly"
)

// ColSchedules holds the single per-tenant schedule under a fixed key.
const (
	ColSchedules = "snapshot_schedules"
	scheduleKey  = "schedule"
)

// Schedule is the tenant's snapshot schedule. DayOfWeek uses 0 = Monday.
// TargetStores is either ["all"] or an explicit store list.
type Schedule struct {
	TenantID       string    `json:"tenantId"`
	Interval       string    `json:"interval"`
	Hour           int       `json:"hour"`
	Minute         int       `json:"minute"`
	DayOfWeek      int       `json:"dayOfWeek,omitempty"`
	DayOfMonth     int       `json:"dayOfMonth,omitempty"`
	RetentionDays  int       `json:"retentionDays"`
	TargetStores   []string  `json:"targetStores"`
	Enabled        bool      `json:"enabled"`
	LastExecutedAt time.Time `json:"lastExecutedAt,omitempty"`
	UpdatedAt      time.Time `json:"updatedAt"`
}

// Validate checks the schedule's fields.
func (s *Schedule) Validate() error {
	switch s.Interval {
	case IntervalDaily:
	case IntervalWeekly:
		if s.DayOfWeek < 0 || s.DayOfWeek > 6 {
			return apperr.Validation(apperr.CodeStockBase+201, "dayOfWeek must be 0..6 (0 = Monday)")
		}
	case IntervalMonthly:
		if s.DayOfMonth < 1 || s.DayOfMonth > 31 {
			return apperr.Validation(apperr.CodeStockBase+202, "dayOfMonth must be 1..31")
		}
	default:
		return apperr.Validation(apperr.CodeStockBase+203, "unknown interval %q", s.Interval)
	}
	if s.Hour < 0 || s.Hour > 23 || s.Minute < 0 || s.Minute > 59 {
		return apperr.Validation(apperr.CodeStockBase+204, "invalid fire time %02d:%02d", s.Hour, s.Minute)
	}
	if s.RetentionDays < 0 {
		return apperr.Validation(apperr.CodeStockBase+205, "retentionDays must be >= 0")
	}
	if len(s.TargetStores) == 0 {
		return apperr.Validation(apperr.CodeStockBase+206, "targetStores must not be empty")
	}
	return nil
}

// lastDayOfMonth returns the number of days in the month containing t.
func lastDayOfMonth(year int, month time.Month) int {
	return time.Date(year, month+1, 0, 0, 0, 0, 0, time.UTC).Day()
}

// prevFire returns the most recent scheduled fire time at or before now.
// Months lacking the requested day clamp to their last day.
func (s *Schedule) prevFire(now time.Time) time.Time {
	now = now.UTC()
	switch s.Interval {
	case IntervalWeekly:
		// time.Weekday has Sunday = 0; the schedule uses Monday = 0.
		weekday := (int(now.Weekday()) + 6) % 7
		fire := time.Date(now.Year(), now.Month(), now.Day(), s.Hour, s.Minute, 0, 0, time.UTC)
		fire = fire.AddDate(0, 0, s.DayOfWeek-weekday)
		if fire.After(now) {
			fire = fire.AddDate(0, 0, -7)
		}
		return fire
	case IntervalMonthly:
		day := s.DayOfMonth
		if last := lastDayOfMonth(now.Year(), now.Month()); day > last {
			day = last
		}
		fire := time.Date(now.Year(), now.Month(), day, s.Hour, s.Minute, 0, 0, time.UTC)
		if fire.After(now) {
			prev := now.AddDate(0, -1, 0)
			day = s.DayOfMonth
			if last := lastDayOfMonth(prev.Year(), prev.Month()); day > last {
				day = last
			}
			fire = time.Date(prev.Year(), prev.Month(), day, s.Hour, s.Minute, 0, 0, time.UTC)
		}
		return fire
	default: // daily
		fire := time.Date(now.Year(), now.Month(), now.Day(), s.Hour, s.Minute, 0, 0, time.UTC)
		if fire.After(now) {
			fire = fire.AddDate(0, 0, -1)
		}
		return fire
	}
}

// due reports whether the schedule should fire: enabled, and the latest
// scheduled time has not been executed yet.
func (s *Schedule) due(now time.Time) bool {
	if !s.Enabled {
		return false
	}
	return s.prevFire(now).After(s.LastExecutedAt)
}

// PutSchedule creates or replaces the tenant's schedule (at most one).
func (s *Scheduler) PutSchedule(ctx context.Context, tenantID string, sched Schedule) (*Schedule, error) {
	sched.TenantID = tenantID
	if err := sched.Validate(); err != nil {
		return nil, err
	}
	db, err := s.mgr.Tenant(tenantID)
	if err != nil {
		return nil, err
	}
	var existing Schedule
	etag, err := db.Get(ctx, ColSchedules, scheduleKey, &existing)
	switch {
	case apperr.IsKind(err, apperr.KindNotFound):
		sched.UpdatedAt = time.Now().UTC()
		_, err = db.Insert(ctx, ColSchedules, scheduleKey, sched)
	case err == nil:
		sched.LastExecutedAt = existing.LastExecutedAt
		sched.UpdatedAt = time.Now().UTC()
		_, err = db.Update(ctx, ColSchedules, scheduleKey, sched, etag)
	}
	if err != nil {
		return nil, err
	}
	return &sched, nil
}

// GetSchedule returns the tenant's schedule.
func (s *Scheduler) GetSchedule(ctx context.Context, tenantID string) (*Schedule, error) {
	db, err := s.mgr.Tenant(tenantID)
	if err != nil {
		return nil, err
	}
	var sched Schedule
	if _, err := db.Get(ctx, ColSchedules, scheduleKey, &sched); err != nil {
		if apperr.IsKind(err, apperr.KindNotFound) {
			return nil, apperr.NotFound(apperr.CodeStockBase+207, "tenant %s has no snapshot schedule", tenantID)
		}
		return nil, err
	}
	return &sched, nil
}

// DeleteSchedule removes the tenant's schedule.
func (s *Scheduler) DeleteSchedule(ctx context.Context, tenantID string) error {
	db, err := s.mgr.Tenant(tenantID)
	if err != nil {
		return err
	}
	if err := db.Delete(ctx, ColSchedules, scheduleKey, ""); err != nil {
		if apperr.IsKind(err, apperr.KindNotFound) {
			return apperr.NotFound(apperr.CodeStockBase+207, "tenant %s has no snapshot schedule", tenantID)
		}
		return err
	}
	return nil
}

// markExecuted stamps lastExecutedAt with a CAS retry.
func (s *Scheduler) markExecuted(ctx context.Context, db *store.DB, at time.Time) error {
	for attempt := 0; attempt < 3; attempt++ {
		var sched Schedule
		etag, err := db.Get(ctx, ColSchedules, scheduleKey, &sched)
		if err != nil {
			return err
		}
		sched.LastExecutedAt = at
		if _, err := db.Update(ctx, ColSchedules, scheduleKey, sched, etag); err == nil {
			return nil
		} else if !apperr.IsKind(err, apperr.KindConflict) {
			return err
		}
	}
	return apperr.Conflict(apperr.CodeStockBase+208, "schedule busy")
}
