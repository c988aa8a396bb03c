package stock

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"openpos/internal/apperr"
	"openpos/internal/config"
	"openpos/internal/store"
	"openpos/pkg/types"
)

const casRetries = 3

// Alerter receives threshold alerts for fan-out to the (tenant, store)
// WebSocket group. A nil alerter disables broadcasting.
type Alerter interface {
	Broadcast(tenantID, storeCode string, alert types.StockAlert)
}

// Engine is the inventory service.
type Engine struct {
	mgr    *store.Manager
	cfg    config.StockConfig
	alerts Alerter
	logger *slog.Logger

	now func() time.Time // injectable for snapshot retention tests
}

func New(cfg config.StockConfig, mgr *store.Manager, alerts Alerter, logger *slog.Logger) *Engine {
	return &Engine{
		mgr:    mgr,
		cfg:    cfg,
		alerts: alerts,
		logger: logger.With("component", "stock-engine"),
		now:    time.Now,
	}
}

// SetAlerter binds the broadcast sink after construction. The hub needs the
// engine as its catch-up source, so one of the two is wired late.
func (e *Engine) SetAlerter(a Alerter) { e.alerts = a }

// SetClock overrides the snapshot time source. Exported so scheduler tests
// can simulate multi-day runs.
func (e *Engine) SetClock(now func() time.Time) { e.now = now }

func stockKey(storeCode, itemCode string) string { return storeCode + ":" + itemCode }

// historyKey orders audit rows chronologically under the lexicographic
// prefix scan. The uuid suffix disambiguates same-instant writes.
func historyKey(storeCode, itemCode string, ts time.Time) string {
	return fmt.Sprintf("%s:%s:%s:%s", storeCode, itemCode, ts.UTC().Format("20060102T150405.000000000"), uuid.NewString()[:8])
}

// UpdateRequest describes one quantity change. QuantityChange is signed and
// applied verbatim; for INITIAL it is the absolute quantity to set.
type UpdateRequest struct {
	StoreCode      string
	ItemCode       string
	QuantityChange decimal.Decimal
	UpdateType     string
	ReferenceID    string
	OperatorID     string
	Note           string
}

// Update atomically applies the change, appends the audit row in the same
// transaction, and evaluates thresholds. The row is created on first update.
func (e *Engine) Update(ctx context.Context, tenantID string, req UpdateRequest) (*Stock, *StockUpdate, error) {
	if !ValidUpdateType(req.UpdateType) {
		return nil, nil, apperr.Validation(apperr.CodeStockBase+101, "unknown update type %q", req.UpdateType)
	}
	if req.StoreCode == "" || req.ItemCode == "" {
		return nil, nil, apperr.Validation(apperr.CodeStockBase+102, "storeCode and itemCode are required")
	}
	db, err := e.mgr.Tenant(tenantID)
	if err != nil {
		return nil, nil, err
	}

	key := stockKey(req.StoreCode, req.ItemCode)
	var (
		row   Stock
		audit StockUpdate
	)
	for attempt := 0; ; attempt++ {
		etag, err := db.Get(ctx, ColStocks, key, &row)
		switch {
		case err == nil:
		case apperr.IsKind(err, apperr.KindNotFound):
			row = Stock{TenantID: tenantID, StoreCode: req.StoreCode, ItemCode: req.ItemCode}
			etag = ""
		default:
			return nil, nil, err
		}

		now := time.Now().UTC()
		before := row.Quantity
		after := before.Add(req.QuantityChange)
		if req.UpdateType == UpdateInitial {
			after = req.QuantityChange
		}
		row.Quantity = after
		row.LastTransactionID = req.ReferenceID
		row.UpdatedAt = now

		audit = StockUpdate{
			StoreCode:      req.StoreCode,
			ItemCode:       req.ItemCode,
			UpdateType:     req.UpdateType,
			QuantityChange: after.Sub(before),
			BeforeQty:      before,
			AfterQty:       after,
			ReferenceID:    req.ReferenceID,
			OperatorID:     req.OperatorID,
			Note:           req.Note,
			Timestamp:      now,
		}

		err = db.WithTx(ctx, func(tx *store.Tx) error {
			if etag == "" {
				if _, err := tx.Insert(ctx, ColStocks, key, row); err != nil {
					return err
				}
			} else if _, err := tx.Update(ctx, ColStocks, key, row, etag); err != nil {
				return err
			}
			_, err := tx.Insert(ctx, ColUpdates, historyKey(req.StoreCode, req.ItemCode, now), audit)
			return err
		})
		if err == nil {
			break
		}
		if !apperr.IsKind(err, apperr.KindConflict) || attempt >= casRetries {
			return nil, nil, err
		}
		row = Stock{}
	}

	e.evaluateThresholds(ctx, db, &row)
	return &row, &audit, nil
}

// evaluateThresholds emits minimum_stock and reorder_point alerts for the
// row, each gated by its own cooldown key.
func (e *Engine) evaluateThresholds(ctx context.Context, db *store.DB, row *Stock) {
	if row.MinimumQuantity.IsPositive() && row.Quantity.LessThan(row.MinimumQuantity) {
		e.emitAlert(ctx, db, row, types.AlertMinimumStock, row.MinimumQuantity)
	}
	if row.ReorderPoint.IsPositive() && row.Quantity.LessThanOrEqual(row.ReorderPoint) {
		e.emitAlert(ctx, db, row, types.AlertReorderPoint, row.ReorderPoint)
	}
}

func cooldownKey(storeCode, itemCode string, at types.AlertType) string {
	return fmt.Sprintf("alertcd:%s:%s:%s", storeCode, itemCode, at)
}

// passCooldown claims the cooldown slot for the alert. It returns false
// while a previous claim is still live.
func (e *Engine) passCooldown(ctx context.Context, db *store.DB, row *Stock, at types.AlertType) bool {
	cd := e.cfg.AlertCooldownSeconds
	if cd <= 0 {
		return true
	}
	ttl := time.Duration(cd) * time.Second
	_, err := db.PutState(ctx, cooldownKey(row.StoreCode, row.ItemCode, at), time.Now().UTC(), "", ttl)
	if err == nil {
		return true
	}
	if !apperr.IsKind(err, apperr.KindConflict) {
		e.logger.Warn("cooldown write failed", "item", row.ItemCode, "error", err)
	}
	return false
}

func alertFor(row *Stock, at types.AlertType, threshold decimal.Decimal) types.StockAlert {
	return types.StockAlert{
		Type:            "stock_alert",
		AlertType:       at,
		TenantID:        row.TenantID,
		StoreCode:       row.StoreCode,
		ItemCode:        row.ItemCode,
		CurrentQuantity: row.Quantity,
		Threshold:       threshold,
		Timestamp:       time.Now().UTC().Format(time.RFC3339),
	}
}

func (e *Engine) emitAlert(ctx context.Context, db *store.DB, row *Stock, at types.AlertType, threshold decimal.Decimal) {
	if !e.passCooldown(ctx, db, row, at) {
		return
	}
	if e.alerts == nil {
		return
	}
	e.alerts.Broadcast(row.TenantID, row.StoreCode, alertFor(row, at, threshold))
}

// CatchupAlerts returns the store's currently-violating thresholds for a
// freshly connected socket, each subject to the same cooldown as live
// alerts. Nothing is broadcast; the caller delivers them.
func (e *Engine) CatchupAlerts(ctx context.Context, tenantID, storeCode string) ([]types.StockAlert, error) {
	db, err := e.mgr.Tenant(tenantID)
	if err != nil {
		return nil, err
	}
	rows, err := e.List(ctx, tenantID, storeCode, 0, 0)
	if err != nil {
		return nil, err
	}
	var out []types.StockAlert
	for i := range rows {
		row := &rows[i]
		if row.MinimumQuantity.IsPositive() && row.Quantity.LessThan(row.MinimumQuantity) && e.passCooldown(ctx, db, row, types.AlertMinimumStock) {
			out = append(out, alertFor(row, types.AlertMinimumStock, row.MinimumQuantity))
		}
		if row.ReorderPoint.IsPositive() && row.Quantity.LessThanOrEqual(row.ReorderPoint) && e.passCooldown(ctx, db, row, types.AlertReorderPoint) {
			out = append(out, alertFor(row, types.AlertReorderPoint, row.ReorderPoint))
		}
	}
	return out, nil
}

// Get returns one stock row.
func (e *Engine) Get(ctx context.Context, tenantID, storeCode, itemCode string) (*Stock, error) {
	db, err := e.mgr.Tenant(tenantID)
	if err != nil {
		return nil, err
	}
	var row Stock
	if _, err := db.Get(ctx, ColStocks, stockKey(storeCode, itemCode), &row); err != nil {
		if apperr.IsKind(err, apperr.KindNotFound) {
			return nil, apperr.NotFound(apperr.CodeStockBase+404, "stock %s/%s not found", storeCode, itemCode)
		}
		return nil, err
	}
	return &row, nil
}

// List returns a store's stock rows.
func (e *Engine) List(ctx context.Context, tenantID, storeCode string, limit, offset int) ([]Stock, error) {
	db, err := e.mgr.Tenant(tenantID)
	if err != nil {
		return nil, err
	}
	return decodeStocks(ctx, db, store.ListOptions{Prefix: storeCode + ":", Limit: limit, Offset: offset})
}

func decodeStocks(ctx context.Context, db *store.DB, opts store.ListOptions) ([]Stock, error) {
	docs, err := db.List(ctx, ColStocks, opts)
	if err != nil {
		return nil, err
	}
	out := make([]Stock, 0, len(docs))
	for _, d := range docs {
		var row Stock
		if err := json.Unmarshal(d.Data, &row); err != nil {
			return nil, fmt.Errorf("decode stock %s: %w", d.Key, err)
		}
		out = append(out, row)
	}
	return out, nil
}

// Low returns rows below their minimum quantity.
func (e *Engine) Low(ctx context.Context, tenantID, storeCode string) ([]Stock, error) {
	rows, err := e.List(ctx, tenantID, storeCode, 0, 0)
	if err != nil {
		return nil, err
	}
	var out []Stock
	for _, r := range rows {
		if r.MinimumQuantity.IsPositive() && r.Quantity.LessThan(r.MinimumQuantity) {
			out = append(out, r)
		}
	}
	return out, nil
}

// ReorderAlerts returns rows at or below their reorder point.
func (e *Engine) ReorderAlerts(ctx context.Context, tenantID, storeCode string) ([]Stock, error) {
	rows, err := e.List(ctx, tenantID, storeCode, 0, 0)
	if err != nil {
		return nil, err
	}
	var out []Stock
	for _, r := range rows {
		if r.ReorderPoint.IsPositive() && r.Quantity.LessThanOrEqual(r.ReorderPoint) {
			out = append(out, r)
		}
	}
	return out, nil
}

// SetMinimum updates the minimum-stock threshold, creating the row if absent.
func (e *Engine) SetMinimum(ctx context.Context, tenantID, storeCode, itemCode string, minimum decimal.Decimal) (*Stock, error) {
	return e.setThreshold(ctx, tenantID, storeCode, itemCode, func(row *Stock) {
		row.MinimumQuantity = minimum
	})
}

// SetReorder updates the reorder point and quantity, creating the row if absent.
func (e *Engine) SetReorder(ctx context.Context, tenantID, storeCode, itemCode string, point, qty decimal.Decimal) (*Stock, error) {
	return e.setThreshold(ctx, tenantID, storeCode, itemCode, func(row *Stock) {
		row.ReorderPoint = point
		row.ReorderQuantity = qty
	})
}

func (e *Engine) setThreshold(ctx context.Context, tenantID, storeCode, itemCode string, fn func(*Stock)) (*Stock, error) {
	db, err := e.mgr.Tenant(tenantID)
	if err != nil {
		return nil, err
	}
	key := stockKey(storeCode, itemCode)
	for attempt := 0; ; attempt++ {
		var row Stock
		etag, err := db.Get(ctx, ColStocks, key, &row)
		if apperr.IsKind(err, apperr.KindNotFound) {
			row = Stock{TenantID: tenantID, StoreCode: storeCode, ItemCode: itemCode}
			etag = ""
		} else if err != nil {
			return nil, err
		}
		fn(&row)
		row.UpdatedAt = time.Now().UTC()

		if etag == "" {
			_, err = db.Insert(ctx, ColStocks, key, row)
		} else {
			_, err = db.Update(ctx, ColStocks, key, row, etag)
		}
		if err == nil {
			return &row, nil
		}
		if !apperr.IsKind(err, apperr.KindConflict) || attempt >= casRetries {
			return nil, err
		}
	}
}

// History returns the audit rows for an item, oldest first.
func (e *Engine) History(ctx context.Context, tenantID, storeCode, itemCode string, limit, offset int) ([]StockUpdate, error) {
	db, err := e.mgr.Tenant(tenantID)
	if err != nil {
		return nil, err
	}
	docs, err := db.List(ctx, ColUpdates, store.ListOptions{
		Prefix: storeCode + ":" + itemCode + ":",
		Limit:  limit,
		Offset: offset,
	})
	if err != nil {
		return nil, err
	}
	out := make([]StockUpdate, 0, len(docs))
	for _, d := range docs {
		var u StockUpdate
		if err := json.Unmarshal(d.Data, &u); err != nil {
			return nil, fmt.Errorf("decode stock update %s: %w", d.Key, err)
		}
		out = append(out, u)
	}
	return out, nil
}

// TranlogHandler returns the sink handler that applies a completed
// transaction to stock: one update per non-cancelled line. A failure on any
// line aborts the batch; the idempotency guard makes the replay safe.
func (e *Engine) TranlogHandler() func(ctx context.Context, evt types.Event) (string, error) {
	return func(ctx context.Context, evt types.Event) (string, error) {
		var tl types.Tranlog
		if err := json.Unmarshal(evt.Payload, &tl); err != nil {
			return "", apperr.Validation(apperr.CodeStockBase+103, "malformed tranlog payload: %v", err)
		}
		updateType, sign := updateForTransaction(tl.TransactionType)
		applied := 0
		for _, line := range tl.Lines {
			if line.Cancelled {
				continue
			}
			change := line.Quantity
			if sign < 0 {
				change = change.Neg()
			}
			_, _, err := e.Update(ctx, tl.TenantID, UpdateRequest{
				StoreCode:      tl.StoreCode,
				ItemCode:       line.ItemCode,
				QuantityChange: change,
				UpdateType:     updateType,
				ReferenceID:    fmt.Sprintf("%s:%d", tl.TerminalID, tl.TransactionNo),
				OperatorID:     tl.StaffID,
			})
			if err != nil {
				return "", fmt.Errorf("apply line %d: %w", line.LineNo, err)
			}
			applied++
		}
		return fmt.Sprintf("applied %d lines", applied), nil
	}
}

// updateForTransaction maps the cart transaction type to the stock update
// type and quantity sign.
func updateForTransaction(transactionType string) (string, int) {
	switch transactionType {
	case "Return":
		return UpdateReturn, +1
	case "Void":
		return UpdateVoid, +1
	default:
		return UpdateSale, -1
	}
}
