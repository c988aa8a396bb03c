// Package sink wraps event handlers with the idempotency guard every
// downstream consumer (Report, Journal, Stock) shares.
//
// The guard keys on (consumerName, eventId) in the tenant's state store.
// A delivery whose key is already Completed acks without running the
// handler; a key held at Processing by another worker nacks so the bus
// backs off; anything else claims the key, runs the handler exactly once,
// and records the outcome.
package sink

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"openpos/internal/apperr"
	"openpos/internal/bus"
	"openpos/internal/store"
	"openpos/pkg/types"
)

// Record statuses.
const (
	StatusProcessing = "Processing"
	StatusCompleted  = "Completed"
	StatusFailed     = "Failed"
)

const (
	// processingTTL bounds how long a crashed worker can hold a key.
	processingTTL = 2 * time.Minute
	// completedTTL keeps completion markers long enough to absorb replays.
	completedTTL = time.Hour
)

// Record is the idempotency record stored per (consumer, eventId).
type Record struct {
	Consumer string `json:"consumer"`
	Status   string `json:"status"`
	Result   string `json:"result,omitempty"`
	Error    string `json:"error,omitempty"`
}

// HandlerFunc is the business handler the adapter protects. The returned
// string is recorded as the durable result of the first successful run.
type HandlerFunc func(ctx context.Context, evt types.Event) (string, error)

// Consumer adapts HandlerFuncs into bus.Handlers for one named consumer.
type Consumer struct {
	name   string
	mgr    *store.Manager
	logger *slog.Logger
}

// New creates a consumer adapter.
func New(name string, mgr *store.Manager, logger *slog.Logger) *Consumer {
	return &Consumer{
		name:   name,
		mgr:    mgr,
		logger: logger.With("component", "sink", "consumer", name),
	}
}

// Name returns the consumer name used in idempotency keys.
func (c *Consumer) Name() string { return c.name }

func (c *Consumer) key(eventID string) string {
	return fmt.Sprintf("idem:%s:%s", c.name, eventID)
}

// Wrap returns a bus.Handler enforcing the idempotency contract around h.
func (c *Consumer) Wrap(h HandlerFunc) bus.Handler {
	return func(ctx context.Context, evt types.Event) error {
		db, err := c.mgr.Tenant(evt.TenantID)
		if err != nil {
			return fmt.Errorf("open tenant store: %w", err)
		}
		key := c.key(evt.EventID)

		var rec Record
		state, ok, err := db.GetState(ctx, key, &rec)
		if err != nil {
			return fmt.Errorf("read idempotency record: %w", err)
		}

		var etag string
		switch {
		case ok && rec.Status == StatusCompleted:
			// Duplicate delivery; ack without side effects.
			c.logger.Debug("duplicate event skipped", "event_id", evt.EventID)
			return nil
		case ok && rec.Status == StatusProcessing:
			// Another worker holds the key; nack and let the bus back off.
			return apperr.Conflict(0, "event %s already processing", evt.EventID)
		case ok && rec.Status == StatusFailed:
			// Reclaim the failed record for a retry run.
			etag, err = db.PutState(ctx, key, Record{Consumer: c.name, Status: StatusProcessing}, state.ETag, processingTTL)
			if err != nil {
				return fmt.Errorf("reclaim idempotency record: %w", err)
			}
		default:
			etag, err = db.PutState(ctx, key, Record{Consumer: c.name, Status: StatusProcessing}, "", processingTTL)
			if err != nil {
				if apperr.IsKind(err, apperr.KindConflict) {
					// Lost the claim race.
					return apperr.Conflict(0, "event %s claimed by another worker", evt.EventID)
				}
				return fmt.Errorf("claim idempotency record: %w", err)
			}
		}

		result, herr := h(ctx, evt)
		if herr != nil {
			if _, werr := db.PutState(ctx, key, Record{Consumer: c.name, Status: StatusFailed, Error: herr.Error()}, etag, processingTTL); werr != nil {
				c.logger.Error("failed to record handler failure", "event_id", evt.EventID, "error", werr)
			}
			return herr
		}

		if _, err := db.PutState(ctx, key, Record{Consumer: c.name, Status: StatusCompleted, Result: result}, etag, completedTTL); err != nil {
			// The handler ran; losing the marker risks a re-run, so surface
			// the failure and let the retry hit the Completed/Processing path.
			return fmt.Errorf("record completion: %w", err)
		}
		return nil
	}
}
