package stock

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"openpos/internal/apperr"
	"openpos/internal/store"
)

// snapshotKey sorts snapshots chronologically so the retention sweep can
// scan oldest-first and stop early.
func snapshotKey(createdAt time.Time, id string) string {
	return createdAt.UTC().Format("20060102T150405") + ":" + id
}

// CreateSnapshot captures every stock row of the store in page-wise batches.
func (e *Engine) CreateSnapshot(ctx context.Context, tenantID, storeCode, createdBy string) (*Snapshot, error) {
	db, err := e.mgr.Tenant(tenantID)
	if err != nil {
		return nil, err
	}

	pageSize := e.cfg.SnapshotPageSize
	if pageSize <= 0 {
		pageSize = 10000
	}
	snap := Snapshot{
		SnapshotID:    uuid.NewString(),
		TenantID:      tenantID,
		StoreCode:     storeCode,
		TotalQuantity: decimal.Zero,
		CreatedBy:     createdBy,
		GeneratedAt:   e.now().UTC(),
	}
	for offset := 0; ; offset += pageSize {
		rows, err := decodeStocks(ctx, db, store.ListOptions{Prefix: storeCode + ":", Limit: pageSize, Offset: offset})
		if err != nil {
			return nil, err
		}
		for _, r := range rows {
			snap.Stocks = append(snap.Stocks, SnapshotItem{
				ItemCode:        r.ItemCode,
				Quantity:        r.Quantity,
				MinimumQuantity: r.MinimumQuantity,
				ReorderPoint:    r.ReorderPoint,
			})
			snap.TotalQuantity = snap.TotalQuantity.Add(r.Quantity)
		}
		if len(rows) < pageSize {
			break
		}
	}
	snap.TotalItems = len(snap.Stocks)

	if _, err := db.Insert(ctx, ColSnapshots, snapshotKey(snap.GeneratedAt, snap.SnapshotID), snap); err != nil {
		return nil, err
	}
	e.logger.Info("snapshot created",
		"tenant", tenantID, "store", storeCode, "items", snap.TotalItems, "id", snap.SnapshotID)
	return &snap, nil
}

// GetSnapshot finds a snapshot by its id.
func (e *Engine) GetSnapshot(ctx context.Context, tenantID, snapshotID string) (*Snapshot, error) {
	db, err := e.mgr.Tenant(tenantID)
	if err != nil {
		return nil, err
	}
	docs, err := db.FindByField(ctx, ColSnapshots, "snapshotId", snapshotID)
	if err != nil {
		return nil, err
	}
	if len(docs) == 0 {
		return nil, apperr.NotFound(apperr.CodeStockBase+405, "snapshot %s not found", snapshotID)
	}
	var snap Snapshot
	if err := json.Unmarshal(docs[0].Data, &snap); err != nil {
		return nil, fmt.Errorf("decode snapshot %s: %w", snapshotID, err)
	}
	return &snap, nil
}

// ListSnapshots returns the tenant's snapshots, oldest first.
func (e *Engine) ListSnapshots(ctx context.Context, tenantID string, limit, offset int) ([]Snapshot, error) {
	db, err := e.mgr.Tenant(tenantID)
	if err != nil {
		return nil, err
	}
	docs, err := db.List(ctx, ColSnapshots, store.ListOptions{Limit: limit, Offset: offset})
	if err != nil {
		return nil, err
	}
	out := make([]Snapshot, 0, len(docs))
	for _, d := range docs {
		var snap Snapshot
		if err := json.Unmarshal(d.Data, &snap); err != nil {
			return nil, fmt.Errorf("decode snapshot %s: %w", d.Key, err)
		}
		out = append(out, snap)
	}
	return out, nil
}

// DeleteSnapshot removes a snapshot by id.
func (e *Engine) DeleteSnapshot(ctx context.Context, tenantID, snapshotID string) error {
	db, err := e.mgr.Tenant(tenantID)
	if err != nil {
		return err
	}
	docs, err := db.FindByField(ctx, ColSnapshots, "snapshotId", snapshotID)
	if err != nil {
		return err
	}
	if len(docs) == 0 {
		return apperr.NotFound(apperr.CodeStockBase+405, "snapshot %s not found", snapshotID)
	}
	return db.Delete(ctx, ColSnapshots, docs[0].Key, "")
}

// SweepSnapshots deletes snapshots generated before cutoff and returns how
// many were removed. Keys sort chronologically, so the scan stops at the
// first survivor.
func (e *Engine) SweepSnapshots(ctx context.Context, tenantID string, cutoff time.Time) (int, error) {
	db, err := e.mgr.Tenant(tenantID)
	if err != nil {
		return 0, err
	}
	boundary := snapshotKey(cutoff, "")
	removed := 0
	for {
		docs, err := db.List(ctx, ColSnapshots, store.ListOptions{Limit: 100})
		if err != nil {
			return removed, err
		}
		progressed := false
		for _, d := range docs {
			if d.Key >= boundary {
				return removed, nil
			}
			if err := db.Delete(ctx, ColSnapshots, d.Key, ""); err != nil {
				return removed, err
			}
			removed++
			progressed = true
		}
		if !progressed || len(docs) < 100 {
			return removed, nil
		}
	}
}
