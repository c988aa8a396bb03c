package stock

import (
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"openpos/internal/apperr"
	"openpos/internal/config"
	"openpos/internal/sink"
	"openpos/internal/store"
	"openpos/pkg/types"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

type captureAlerter struct {
	alerts []types.StockAlert
}

func (c *captureAlerter) Broadcast(tenantID, storeCode string, alert types.StockAlert) {
	c.alerts = append(c.alerts, alert)
}

func newTestEngine(t *testing.T, cfg config.StockConfig) (*Engine, *captureAlerter, *store.Manager) {
	t.Helper()
	mgr, err := store.NewManager(t.TempDir(), "pos", 8, testLogger())
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	t.Cleanup(mgr.Close)
	alerts := &captureAlerter{}
	return New(cfg, mgr, alerts, testLogger()), alerts, mgr
}

func mustUpdate(t *testing.T, e *Engine, req UpdateRequest) *Stock {
	t.Helper()
	row, _, err := e.Update(context.Background(), "A1234", req)
	if err != nil {
		t.Fatalf("Update %s %s: %v", req.UpdateType, req.QuantityChange, err)
	}
	return row
}

func TestUpdateCreatesRowAndAudit(t *testing.T) {
	t.Parallel()
	e, _, _ := newTestEngine(t, config.StockConfig{})
	ctx := context.Background()

	// First update creates the row from zero.
	row := mustUpdate(t, e, UpdateRequest{
		StoreCode: "store001", ItemCode: "ITEM001",
		QuantityChange: decimal.NewFromInt(100), UpdateType: UpdateInitial,
	})
	if !row.Quantity.Equal(decimal.NewFromInt(100)) {
		t.Fatalf("quantity = %s, want 100", row.Quantity)
	}

	mustUpdate(t, e, UpdateRequest{
		StoreCode: "store001", ItemCode: "ITEM001",
		QuantityChange: decimal.NewFromInt(-3), UpdateType: UpdateSale, ReferenceID: "txn-1",
	})
	row = mustUpdate(t, e, UpdateRequest{
		StoreCode: "store001", ItemCode: "ITEM001",
		QuantityChange: decimal.NewFromInt(1), UpdateType: UpdateReturn,
	})
	if !row.Quantity.Equal(decimal.NewFromInt(98)) {
		t.Fatalf("quantity = %s, want 98", row.Quantity)
	}

	// Audit closure: the row's quantity equals the sum of its changes.
	hist, err := e.History(ctx, "A1234", "store001", "ITEM001", 0, 0)
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	if len(hist) != 3 {
		t.Fatalf("history has %d rows, want 3", len(hist))
	}
	sum := decimal.Zero
	for _, h := range hist {
		sum = sum.Add(h.QuantityChange)
	}
	if !sum.Equal(row.Quantity) {
		t.Errorf("Σ quantityChange = %s, quantity = %s", sum, row.Quantity)
	}
	if hist[1].BeforeQty.String() != "100" || hist[1].AfterQty.String() != "97" {
		t.Errorf("sale audit before/after = %s/%s", hist[1].BeforeQty, hist[1].AfterQty)
	}

	// INITIAL sets absolute even on an existing row.
	row = mustUpdate(t, e, UpdateRequest{
		StoreCode: "store001", ItemCode: "ITEM001",
		QuantityChange: decimal.NewFromInt(50), UpdateType: UpdateInitial,
	})
	if !row.Quantity.Equal(decimal.NewFromInt(50)) {
		t.Errorf("quantity after INITIAL = %s, want 50", row.Quantity)
	}
}

func TestNegativeQuantityAllowed(t *testing.T) {
	t.Parallel()
	e, _, _ := newTestEngine(t, config.StockConfig{})
	row := mustUpdate(t, e, UpdateRequest{
		StoreCode: "store001", ItemCode: "ITEM009",
		QuantityChange: decimal.NewFromInt(-4), UpdateType: UpdateSale,
	})
	if !row.Quantity.Equal(decimal.NewFromInt(-4)) {
		t.Fatalf("quantity = %s, want -4", row.Quantity)
	}
}

func TestUnknownUpdateTypeRejected(t *testing.T) {
	t.Parallel()
	e, _, _ := newTestEngine(t, config.StockConfig{})
	_, _, err := e.Update(context.Background(), "A1234", UpdateRequest{
		StoreCode: "store001", ItemCode: "ITEM001",
		QuantityChange: decimal.NewFromInt(1), UpdateType: "SHRINK",
	})
	if !apperr.IsKind(err, apperr.KindValidation) {
		t.Fatalf("err = %v, want Validation", err)
	}
}

func TestThresholdAlertWithCooldown(t *testing.T) {
	t.Parallel()
	e, alerts, _ := newTestEngine(t, config.StockConfig{AlertCooldownSeconds: 1})
	ctx := context.Background()

	if _, err := e.SetMinimum(ctx, "A1234", "store001", "ITEM002", decimal.NewFromInt(20)); err != nil {
		t.Fatalf("SetMinimum: %v", err)
	}
	mustUpdate(t, e, UpdateRequest{
		StoreCode: "store001", ItemCode: "ITEM002",
		QuantityChange: decimal.NewFromInt(21), UpdateType: UpdateInitial,
	})
	if len(alerts.alerts) != 0 {
		t.Fatalf("alert above minimum: %+v", alerts.alerts)
	}

	// 21 -> 19 crosses the minimum: one alert.
	mustUpdate(t, e, UpdateRequest{
		StoreCode: "store001", ItemCode: "ITEM002",
		QuantityChange: decimal.NewFromInt(-2), UpdateType: UpdateSale,
	})
	if len(alerts.alerts) != 1 {
		t.Fatalf("got %d alerts, want 1", len(alerts.alerts))
	}
	a := alerts.alerts[0]
	if a.AlertType != types.AlertMinimumStock || a.ItemCode != "ITEM002" || !a.CurrentQuantity.Equal(decimal.NewFromInt(19)) {
		t.Errorf("alert = %+v", a)
	}

	// Within the cooldown: suppressed.
	mustUpdate(t, e, UpdateRequest{
		StoreCode: "store001", ItemCode: "ITEM002",
		QuantityChange: decimal.NewFromInt(-1), UpdateType: UpdateSale,
	})
	if len(alerts.alerts) != 1 {
		t.Fatalf("alert not suppressed during cooldown: %d", len(alerts.alerts))
	}

	// Past the cooldown: alerts again.
	time.Sleep(1100 * time.Millisecond)
	mustUpdate(t, e, UpdateRequest{
		StoreCode: "store001", ItemCode: "ITEM002",
		QuantityChange: decimal.NewFromInt(-1), UpdateType: UpdateSale,
	})
	if len(alerts.alerts) != 2 {
		t.Fatalf("got %d alerts after cooldown, want 2", len(alerts.alerts))
	}
}

func TestLowAndReorderQueries(t *testing.T) {
	t.Parallel()
	e, _, _ := newTestEngine(t, config.StockConfig{})
	ctx := context.Background()

	if _, err := e.SetMinimum(ctx, "A1234", "store001", "low-item", decimal.NewFromInt(10)); err != nil {
		t.Fatalf("SetMinimum: %v", err)
	}
	if _, err := e.SetReorder(ctx, "A1234", "store001", "reorder-item", decimal.NewFromInt(5), decimal.NewFromInt(50)); err != nil {
		t.Fatalf("SetReorder: %v", err)
	}
	mustUpdate(t, e, UpdateRequest{StoreCode: "store001", ItemCode: "low-item", QuantityChange: decimal.NewFromInt(3), UpdateType: UpdateInitial})
	mustUpdate(t, e, UpdateRequest{StoreCode: "store001", ItemCode: "reorder-item", QuantityChange: decimal.NewFromInt(5), UpdateType: UpdateInitial})
	mustUpdate(t, e, UpdateRequest{StoreCode: "store001", ItemCode: "plain-item", QuantityChange: decimal.NewFromInt(1), UpdateType: UpdateInitial})

	low, err := e.Low(ctx, "A1234", "store001")
	if err != nil {
		t.Fatalf("Low: %v", err)
	}
	if len(low) != 1 || low[0].ItemCode != "low-item" {
		t.Errorf("Low = %+v", low)
	}

	reorder, err := e.ReorderAlerts(ctx, "A1234", "store001")
	if err != nil {
		t.Fatalf("ReorderAlerts: %v", err)
	}
	if len(reorder) != 1 || reorder[0].ItemCode != "reorder-item" {
		t.Errorf("ReorderAlerts = %+v", reorder)
	}
}

func tranlogEvent(t *testing.T, eventID string, txType string, lines []types.TranlogLine) types.Event {
	t.Helper()
	payload, err := json.Marshal(types.Tranlog{
		TenantID:        "A1234",
		StoreCode:       "store001",
		TerminalID:      "A1234-store001-001",
		TransactionNo:   7,
		TransactionType: txType,
		StaffID:         "staff-1",
		Lines:           lines,
	})
	if err != nil {
		t.Fatalf("marshal tranlog: %v", err)
	}
	return types.Event{
		EventID:    eventID,
		TenantID:   "A1234",
		Topic:      types.TopicTranlog,
		OccurredAt: time.Now().UTC(),
		Payload:    payload,
	}
}

func TestTranlogConsumerAppliesOnce(t *testing.T) {
	t.Parallel()
	e, _, mgr := newTestEngine(t, config.StockConfig{})
	ctx := context.Background()

	mustUpdate(t, e, UpdateRequest{StoreCode: "store001", ItemCode: "ITEM001", QuantityChange: decimal.NewFromInt(10), UpdateType: UpdateInitial})

	handler := sink.New("stock", mgr, testLogger()).Wrap(e.TranlogHandler())
	evt := tranlogEvent(t, uuid.NewString(), "Sale", []types.TranlogLine{
		{LineNo: 1, ItemCode: "ITEM001", Quantity: decimal.NewFromInt(2)},
		{LineNo: 2, ItemCode: "ITEM001", Quantity: decimal.NewFromInt(5), Cancelled: true},
	})

	// Five replays of the same eventId apply exactly once.
	for i := 0; i < 5; i++ {
		if err := handler(ctx, evt); err != nil {
			t.Fatalf("replay %d: %v", i, err)
		}
	}
	row, err := e.Get(ctx, "A1234", "store001", "ITEM001")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if !row.Quantity.Equal(decimal.NewFromInt(8)) {
		t.Errorf("quantity = %s, want 8 (one sale of 2, cancelled line skipped)", row.Quantity)
	}
	hist, err := e.History(ctx, "A1234", "store001", "ITEM001", 0, 0)
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	if len(hist) != 2 {
		t.Errorf("history has %d rows, want 2 (initial + one sale)", len(hist))
	}
}

func TestSnapshotAndSweep(t *testing.T) {
	t.Parallel()
	e, _, _ := newTestEngine(t, config.StockConfig{SnapshotPageSize: 2})
	ctx := context.Background()

	for _, item := range []string{"a", "b", "c", "d", "e"} {
		mustUpdate(t, e, UpdateRequest{StoreCode: "store001", ItemCode: item, QuantityChange: decimal.NewFromInt(10), UpdateType: UpdateInitial})
	}

	snap, err := e.CreateSnapshot(ctx, "A1234", "store001", "tester")
	if err != nil {
		t.Fatalf("CreateSnapshot: %v", err)
	}
	if snap.TotalItems != 5 || !snap.TotalQuantity.Equal(decimal.NewFromInt(50)) {
		t.Fatalf("snapshot totals = %d/%s", snap.TotalItems, snap.TotalQuantity)
	}

	got, err := e.GetSnapshot(ctx, "A1234", snap.SnapshotID)
	if err != nil {
		t.Fatalf("GetSnapshot: %v", err)
	}
	if got.SnapshotID != snap.SnapshotID || len(got.Stocks) != 5 {
		t.Errorf("fetched snapshot = %s with %d items", got.SnapshotID, len(got.Stocks))
	}

	// A future cutoff sweeps it; a past cutoff keeps a fresh one.
	removed, err := e.SweepSnapshots(ctx, "A1234", time.Now().UTC().Add(time.Hour))
	if err != nil {
		t.Fatalf("SweepSnapshots: %v", err)
	}
	if removed != 1 {
		t.Errorf("removed = %d, want 1", removed)
	}
	if _, err := e.GetSnapshot(ctx, "A1234", snap.SnapshotID); !apperr.IsKind(err, apperr.KindNotFound) {
		t.Errorf("swept snapshot still readable: %v", err)
	}
}
