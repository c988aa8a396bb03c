package report

import (
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"openpos/internal/sink"
	"openpos/internal/store"
	"openpos/pkg/types"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func newTestSink(t *testing.T) (*Sink, *store.Manager) {
	t.Helper()
	mgr, err := store.NewManager(t.TempDir(), "pos", 8, testLogger())
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	t.Cleanup(mgr.Close)
	return New(mgr, testLogger()), mgr
}

func event(t *testing.T, topic string, payload any) types.Event {
	t.Helper()
	data, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return types.Event{
		EventID:    uuid.NewString(),
		TenantID:   "A1234",
		Topic:      topic,
		OccurredAt: time.Now().UTC(),
		Payload:    data,
	}
}

func TestTranlogMaterializedOnce(t *testing.T) {
	t.Parallel()
	s, mgr := newTestSink(t)
	ctx := context.Background()

	handler := sink.New("report", mgr, testLogger()).Wrap(s.TranlogHandler())
	evt := event(t, types.TopicTranlog, types.Tranlog{
		TenantID:      "A1234",
		StoreCode:     "store001",
		TerminalID:    "A1234-store001-001",
		TransactionNo: 1,
		BusinessDate:  "2026-08-24",
		Total:         decimal.RequireFromString("28.05"),
	})
	for i := 0; i < 3; i++ {
		if err := handler(ctx, evt); err != nil {
			t.Fatalf("replay %d: %v", i, err)
		}
	}

	rows, err := s.Sales(ctx, "A1234", "A1234-store001-001", "2026-08-24")
	if err != nil {
		t.Fatalf("Sales: %v", err)
	}
	if len(rows) != 1 {
		t.Fatalf("sales rows = %d, want 1", len(rows))
	}
	if !rows[0].Total.Equal(decimal.RequireFromString("28.05")) {
		t.Errorf("total = %s", rows[0].Total)
	}
}

func TestCashAndOpenCloseRows(t *testing.T) {
	t.Parallel()
	s, _ := newTestSink(t)
	ctx := context.Background()

	cashHandler := s.CashlogHandler()
	if _, err := cashHandler(ctx, event(t, types.TopicCashlog, types.Cashlog{
		TenantID: "A1234", StoreCode: "store001", TerminalID: "A1234-store001-001",
		BusinessDate: "2026-08-24", Amount: decimal.NewFromInt(100), Direction: types.CashIn,
	})); err != nil {
		t.Fatalf("cashlog: %v", err)
	}

	oclHandler := s.OpenCloseHandler()
	if _, err := oclHandler(ctx, event(t, types.TopicOpenCloseLog, types.OpenCloseLog{
		TenantID: "A1234", StoreCode: "store001", TerminalID: "A1234-store001-001",
		Kind: types.KindOpen, BusinessDate: "2026-08-24", OpenCounter: 1,
		InitialAmount: decimal.NewFromInt(500),
	})); err != nil {
		t.Fatalf("opencloselog: %v", err)
	}

	cash, err := s.Cash(ctx, "A1234", "A1234-store001-001", "2026-08-24")
	if err != nil {
		t.Fatalf("Cash: %v", err)
	}
	if len(cash) != 1 || cash[0].Direction != types.CashIn {
		t.Errorf("cash rows = %+v", cash)
	}

	ocl, err := s.OpenClose(ctx, "A1234", "A1234-store001-001", "2026-08-24")
	if err != nil {
		t.Fatalf("OpenClose: %v", err)
	}
	if len(ocl) != 1 || ocl[0].Kind != types.KindOpen {
		t.Errorf("openclose rows = %+v", ocl)
	}
}
