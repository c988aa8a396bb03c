package terminal

import (
	"context"
	"log/slog"
	"os"
	"testing"

	"github.com/shopspring/decimal"

	"openpos/internal/apperr"
	"openpos/internal/store"
	"openpos/pkg/types"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

type stubCartChecker struct{ active bool }

func (s stubCartChecker) HasActiveCart(ctx context.Context, tenantID, terminalID string) (bool, error) {
	return s.active, nil
}

func newTestEngine(t *testing.T) (*Engine, *store.Manager) {
	t.Helper()
	mgr, err := store.NewManager(t.TempDir(), "pos", 8, testLogger())
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	t.Cleanup(mgr.Close)
	return New(mgr, stubCartChecker{}, testLogger()), mgr
}

// seedTerminal provisions tenant A1234, store001 and terminal 001.
func seedTerminal(t *testing.T, e *Engine) *Terminal {
	t.Helper()
	ctx := context.Background()
	if _, err := e.CreateTenant(ctx, "A1234", "Acme Retail", nil); err != nil {
		t.Fatalf("CreateTenant: %v", err)
	}
	if _, err := e.CreateStore(ctx, "A1234", "store001", "Main Street", nil); err != nil {
		t.Fatalf("CreateStore: %v", err)
	}
	term, _, err := e.CreateTerminal(ctx, "A1234", "store001", 1, "front counter")
	if err != nil {
		t.Fatalf("CreateTerminal: %v", err)
	}
	return term
}

func TestTerminalIDFormat(t *testing.T) {
	t.Parallel()
	id := TerminalID("A1234", "store001", 1)
	if id != "A1234-store001-001" {
		t.Fatalf("TerminalID = %q", id)
	}
	tenant, storeCode, no, err := ParseTerminalID(id)
	if err != nil {
		t.Fatalf("ParseTerminalID: %v", err)
	}
	if tenant != "A1234" || storeCode != "store001" || no != 1 {
		t.Errorf("parsed = %s/%s/%d", tenant, storeCode, no)
	}
	if _, _, _, err := ParseTerminalID("garbage"); err == nil {
		t.Error("garbage id parsed")
	}
}

func TestOpenRequiresSignIn(t *testing.T) {
	t.Parallel()
	e, _ := newTestEngine(t)
	term := seedTerminal(t, e)
	ctx := context.Background()

	_, err := e.Open(ctx, "A1234", term.TerminalID, "2026-08-24", decimal.NewFromInt(500))
	if !apperr.IsKind(err, apperr.KindInvalidState) {
		t.Fatalf("open without sign-in error = %v, want InvalidState", err)
	}

	if _, err := e.SignIn(ctx, "A1234", term.TerminalID, "staff-1", "Alex"); err != nil {
		t.Fatalf("SignIn: %v", err)
	}
	opened, err := e.Open(ctx, "A1234", term.TerminalID, "2026-08-24", decimal.RequireFromString("500.00"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if opened.Status != StatusOpened {
		t.Errorf("Status = %q, want Opened", opened.Status)
	}
	if opened.OpenCounter != 1 {
		t.Errorf("OpenCounter = %d, want 1", opened.OpenCounter)
	}
	if opened.FunctionMode != "MainMenu" {
		t.Errorf("FunctionMode = %q, want MainMenu", opened.FunctionMode)
	}

	// Re-open from Opened is illegal.
	if _, err := e.Open(ctx, "A1234", term.TerminalID, "2026-08-24", decimal.Zero); !apperr.IsKind(err, apperr.KindInvalidState) {
		t.Errorf("double open error = %v, want InvalidState", err)
	}
}

func TestCloseReconcilesDrawer(t *testing.T) {
	t.Parallel()
	e, mgr := newTestEngine(t)
	term := seedTerminal(t, e)
	ctx := context.Background()

	if _, err := e.SignIn(ctx, "A1234", term.TerminalID, "staff-1", "Alex"); err != nil {
		t.Fatalf("SignIn: %v", err)
	}
	if _, err := e.Open(ctx, "A1234", term.TerminalID, "2026-08-24", decimal.NewFromInt(500)); err != nil {
		t.Fatalf("Open: %v", err)
	}
	if _, err := e.CashIn(ctx, "A1234", term.TerminalID, decimal.NewFromInt(100), "change float", ""); err != nil {
		t.Fatalf("CashIn: %v", err)
	}
	if _, err := e.CashOut(ctx, "A1234", term.TerminalID, decimal.NewFromInt(30), "supplier", ""); err != nil {
		t.Fatalf("CashOut: %v", err)
	}

	closed, err := e.Close(ctx, "A1234", term.TerminalID, decimal.NewFromInt(575))
	if err != nil {
		t.Fatalf("Close: %v", err)
	}
	if closed.Status != StatusClosed {
		t.Errorf("Status = %q, want Closed", closed.Status)
	}
	// Expected = 500 + 100 - 30 = 570; counted 575 -> diff +5 in the log.
	if want := decimal.NewFromInt(570); !closed.ExpectedAmount().Equal(want) {
		t.Errorf("ExpectedAmount = %s, want %s", closed.ExpectedAmount(), want)
	}

	// Open + close + two cash events are staged in the outbox.
	db, err := mgr.Tenant("A1234")
	if err != nil {
		t.Fatalf("Tenant: %v", err)
	}
	rows, err := db.PendingOutbox(ctx, 10)
	if err != nil {
		t.Fatalf("PendingOutbox: %v", err)
	}
	if len(rows) != 4 {
		t.Fatalf("outbox has %d rows, want 4", len(rows))
	}

	// Sign-in after close reverts the terminal to Idle.
	idle, err := e.SignIn(ctx, "A1234", term.TerminalID, "staff-2", "Sam")
	if err != nil {
		t.Fatalf("SignIn after close: %v", err)
	}
	if idle.Status != StatusIdle {
		t.Errorf("Status after close+sign-in = %q, want Idle", idle.Status)
	}
}

func TestCashRequiresOpenedAndPositiveAmount(t *testing.T) {
	t.Parallel()
	e, _ := newTestEngine(t)
	term := seedTerminal(t, e)
	ctx := context.Background()

	if _, err := e.CashIn(ctx, "A1234", term.TerminalID, decimal.NewFromInt(10), "", ""); !apperr.IsKind(err, apperr.KindInvalidState) {
		t.Errorf("cash-in on idle terminal error = %v, want InvalidState", err)
	}
	if _, err := e.CashIn(ctx, "A1234", term.TerminalID, decimal.Zero, "", ""); !apperr.IsKind(err, apperr.KindValidation) {
		t.Errorf("zero amount error = %v, want Validation", err)
	}
}

func TestDeleteGuards(t *testing.T) {
	t.Parallel()
	e, _ := newTestEngine(t)
	term := seedTerminal(t, e)
	ctx := context.Background()

	// Active cart blocks deletion.
	e.SetCartChecker(stubCartChecker{active: true})
	if err := e.DeleteTerminal(ctx, "A1234", term.TerminalID); !apperr.IsKind(err, apperr.KindInvalidState) {
		t.Fatalf("delete with active cart error = %v, want InvalidState", err)
	}

	// Opened terminal blocks deletion.
	e.SetCartChecker(stubCartChecker{})
	if _, err := e.SignIn(ctx, "A1234", term.TerminalID, "staff-1", ""); err != nil {
		t.Fatalf("SignIn: %v", err)
	}
	if _, err := e.Open(ctx, "A1234", term.TerminalID, "2026-08-24", decimal.Zero); err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := e.DeleteTerminal(ctx, "A1234", term.TerminalID); !apperr.IsKind(err, apperr.KindInvalidState) {
		t.Fatalf("delete while open error = %v, want InvalidState", err)
	}

	// Tenant deletion is blocked while terminals exist.
	if err := e.DeleteTenant(ctx, "A1234"); !apperr.IsKind(err, apperr.KindInvalidState) {
		t.Fatalf("tenant delete error = %v, want InvalidState", err)
	}

	if _, err := e.Close(ctx, "A1234", term.TerminalID, decimal.Zero); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := e.DeleteTerminal(ctx, "A1234", term.TerminalID); err != nil {
		t.Fatalf("DeleteTerminal: %v", err)
	}
	if err := e.DeleteTenant(ctx, "A1234"); err != nil {
		t.Fatalf("DeleteTenant: %v", err)
	}
}

func TestFunctionModeValidation(t *testing.T) {
	t.Parallel()
	e, _ := newTestEngine(t)
	term := seedTerminal(t, e)
	ctx := context.Background()

	if _, err := e.UpdateFunctionMode(ctx, "A1234", term.TerminalID, "Sales"); err != nil {
		t.Fatalf("UpdateFunctionMode: %v", err)
	}
	if _, err := e.UpdateFunctionMode(ctx, "A1234", term.TerminalID, "Blender"); !apperr.IsKind(err, apperr.KindValidation) {
		t.Errorf("unknown mode error = %v, want Validation", err)
	}
}

func TestVerifyAPIKey(t *testing.T) {
	t.Parallel()
	e, _ := newTestEngine(t)
	ctx := context.Background()
	if _, err := e.CreateTenant(ctx, "A1234", "Acme", nil); err != nil {
		t.Fatalf("CreateTenant: %v", err)
	}
	if _, err := e.CreateStore(ctx, "A1234", "store001", "Main", nil); err != nil {
		t.Fatalf("CreateStore: %v", err)
	}
	term, plainKey, err := e.CreateTerminal(ctx, "A1234", "store001", 1, "")
	if err != nil {
		t.Fatalf("CreateTerminal: %v", err)
	}

	got, err := e.VerifyAPIKey(ctx, term.TerminalID, plainKey)
	if err != nil {
		t.Fatalf("VerifyAPIKey: %v", err)
	}
	if got.TerminalID != term.TerminalID {
		t.Errorf("TerminalID = %q", got.TerminalID)
	}
	if _, err := e.VerifyAPIKey(ctx, term.TerminalID, "wrong"); !apperr.IsKind(err, apperr.KindAuthentication) {
		t.Errorf("wrong key error = %v, want Authentication", err)
	}
}

func TestFormatterDeterminism(t *testing.T) {
	t.Parallel()
	f := NewFormatter()
	log := types.Cashlog{
		TerminalID:   "A1234-store001-001",
		BusinessDate: "2026-08-24",
		Amount:       decimal.RequireFromString("123.40"),
		Direction:    types.CashIn,
		OperatorID:   "staff-1",
		Reason:       "float",
	}
	if f.CashReceipt(log) != f.CashReceipt(log) {
		t.Error("CashReceipt is not deterministic")
	}
	if f.CashJournal(log) != f.CashJournal(log) {
		t.Error("CashJournal is not deterministic")
	}
}
