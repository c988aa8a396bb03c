package sink

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync/atomic"
	"testing"
	"time"

	"openpos/internal/apperr"
	"openpos/internal/store"
	"openpos/pkg/types"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func newTestManager(t *testing.T) *store.Manager {
	t.Helper()
	m, err := store.NewManager(t.TempDir(), "pos", 8, testLogger())
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	t.Cleanup(m.Close)
	return m
}

func testEvent(id string) types.Event {
	return types.Event{
		EventID:    id,
		TenantID:   "A1234",
		Topic:      types.TopicTranlog,
		OccurredAt: time.Now().UTC(),
	}
}

func TestHandlerRunsOnceAcrossReplays(t *testing.T) {
	t.Parallel()
	mgr := newTestManager(t)
	c := New("stock", mgr, testLogger())

	var runs atomic.Int32
	h := c.Wrap(func(ctx context.Context, evt types.Event) (string, error) {
		runs.Add(1)
		return "applied", nil
	})

	evt := testEvent("evt-1")
	for i := 0; i < 5; i++ {
		if err := h(context.Background(), evt); err != nil {
			t.Fatalf("delivery %d: %v", i, err)
		}
	}
	if n := runs.Load(); n != 1 {
		t.Errorf("handler ran %d times across 5 deliveries, want 1", n)
	}
}

func TestFailedRecordAllowsRetry(t *testing.T) {
	t.Parallel()
	mgr := newTestManager(t)
	c := New("report", mgr, testLogger())

	var runs atomic.Int32
	h := c.Wrap(func(ctx context.Context, evt types.Event) (string, error) {
		if runs.Add(1) == 1 {
			return "", fmt.Errorf("boom")
		}
		return "ok", nil
	})

	evt := testEvent("evt-2")
	if err := h(context.Background(), evt); err == nil {
		t.Fatal("first delivery should fail")
	}
	if err := h(context.Background(), evt); err != nil {
		t.Fatalf("retry delivery: %v", err)
	}
	// A third delivery must now be deduplicated.
	if err := h(context.Background(), evt); err != nil {
		t.Fatalf("post-completion delivery: %v", err)
	}
	if n := runs.Load(); n != 2 {
		t.Errorf("handler ran %d times, want 2", n)
	}
}

func TestProcessingRecordNacks(t *testing.T) {
	t.Parallel()
	mgr := newTestManager(t)
	c := New("journal", mgr, testLogger())

	evt := testEvent("evt-3")
	db, err := mgr.Tenant(evt.TenantID)
	if err != nil {
		t.Fatalf("Tenant: %v", err)
	}
	// Simulate another worker mid-flight.
	if _, err := db.PutState(context.Background(), "idem:journal:evt-3",
		Record{Consumer: "journal", Status: StatusProcessing}, "", time.Minute); err != nil {
		t.Fatalf("PutState: %v", err)
	}

	h := c.Wrap(func(ctx context.Context, evt types.Event) (string, error) {
		t.Error("handler ran while another worker held the key")
		return "", nil
	})
	err = h(context.Background(), evt)
	if !apperr.IsKind(err, apperr.KindConflict) {
		t.Fatalf("error = %v, want Conflict", err)
	}
}

func TestConsumersAreIndependent(t *testing.T) {
	t.Parallel()
	mgr := newTestManager(t)

	var reportRuns, stockRuns atomic.Int32
	hReport := New("report", mgr, testLogger()).Wrap(func(ctx context.Context, evt types.Event) (string, error) {
		reportRuns.Add(1)
		return "", nil
	})
	hStock := New("stock", mgr, testLogger()).Wrap(func(ctx context.Context, evt types.Event) (string, error) {
		stockRuns.Add(1)
		return "", nil
	})

	evt := testEvent("evt-4")
	for i := 0; i < 2; i++ {
		if err := hReport(context.Background(), evt); err != nil {
			t.Fatalf("report delivery: %v", err)
		}
		if err := hStock(context.Background(), evt); err != nil {
			t.Fatalf("stock delivery: %v", err)
		}
	}
	if reportRuns.Load() != 1 || stockRuns.Load() != 1 {
		t.Errorf("runs = report %d, stock %d; want 1 each", reportRuns.Load(), stockRuns.Load())
	}
}
