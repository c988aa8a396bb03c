package journal

import (
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"openpos/internal/store"
	"openpos/pkg/types"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func newTestSink(t *testing.T) *Sink {
	t.Helper()
	mgr, err := store.NewManager(t.TempDir(), "pos", 8, testLogger())
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	t.Cleanup(mgr.Close)
	return New(mgr, testLogger())
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

func TestJournalArchivesTextByDate(t *testing.T) {
	t.Parallel()
	s := newTestSink(t)
	ctx := context.Background()

	if _, err := s.TranlogHandler()(ctx, event(t, types.TopicTranlog, types.Tranlog{
		TenantID: "A1234", StoreCode: "store001", TerminalID: "A1234-store001-001",
		TransactionNo: 1, BusinessDate: "2026-08-24",
		ReceiptText: "RECEIPT...", JournalText: "TRAN ...",
	})); err != nil {
		t.Fatalf("tranlog: %v", err)
	}
	if _, err := s.CashlogHandler()(ctx, event(t, types.TopicCashlog, types.Cashlog{
		TenantID: "A1234", StoreCode: "store001", TerminalID: "A1234-store001-001",
		BusinessDate: "2026-08-24", Amount: decimal.NewFromInt(100),
		Direction: types.CashIn, JournalText: "CASH IN ...",
	})); err != nil {
		t.Fatalf("cashlog: %v", err)
	}
	// A different date stays out of the listing.
	if _, err := s.OpenCloseHandler()(ctx, event(t, types.TopicOpenCloseLog, types.OpenCloseLog{
		TenantID: "A1234", StoreCode: "store001", TerminalID: "A1234-store001-001",
		Kind: types.KindOpen, BusinessDate: "2026-08-25", OpenCounter: 2,
		JournalText: "OPEN ...",
	})); err != nil {
		t.Fatalf("opencloselog: %v", err)
	}

	entries, err := s.List(ctx, "A1234", "A1234-store001-001", "2026-08-24")
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("entries = %d, want 2", len(entries))
	}
	kinds := map[string]bool{}
	for _, e := range entries {
		kinds[e.Kind] = true
		if e.JournalText == "" {
			t.Errorf("entry %s has empty journal text", e.Kind)
		}
	}
	if !kinds[KindTranlog] || !kinds[KindCashlog] {
		t.Errorf("kinds = %v", kinds)
	}
}

func TestReplayDoesNotDuplicate(t *testing.T) {
	t.Parallel()
	s := newTestSink(t)
	ctx := context.Background()

	evt := event(t, types.TopicTranlog, types.Tranlog{
		TenantID: "A1234", StoreCode: "store001", TerminalID: "A1234-store001-001",
		TransactionNo: 9, BusinessDate: "2026-08-24", ReceiptText: "x", JournalText: "y",
	})
	handler := s.TranlogHandler()
	for i := 0; i < 3; i++ {
		if _, err := handler(ctx, evt); err != nil {
			t.Fatalf("replay %d: %v", i, err)
		}
	}
	entries, err := s.List(ctx, "A1234", "A1234-store001-001", "2026-08-24")
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(entries) != 1 {
		t.Errorf("entries = %d, want 1", len(entries))
	}
}
