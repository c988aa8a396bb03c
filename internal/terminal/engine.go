package terminal

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"openpos/internal/apperr"
	"openpos/internal/auth"
	"openpos/internal/store"
	"openpos/pkg/types"
)

// casRetries bounds local retries on ETag conflicts before surfacing
// Conflict to the caller.
const casRetries = 3

// ActiveCartChecker is implemented by the cart engine; the terminal engine
// consults it before deleting a terminal.
type ActiveCartChecker interface {
	HasActiveCart(ctx context.Context, tenantID, terminalID string) (bool, error)
}

// Engine is the terminal lifecycle service.
type Engine struct {
	mgr     *store.Manager
	carts   ActiveCartChecker
	printer *Formatter
	logger  *slog.Logger
}

// New creates the engine. carts may be nil until the cart engine is wired;
// deletion then skips the active-cart guard.
func New(mgr *store.Manager, carts ActiveCartChecker, logger *slog.Logger) *Engine {
	return &Engine{
		mgr:     mgr,
		carts:   carts,
		printer: NewFormatter(),
		logger:  logger.With("component", "terminal-engine"),
	}
}

// SetCartChecker wires the cart engine after construction (the two engines
// reference each other).
func (e *Engine) SetCartChecker(c ActiveCartChecker) { e.carts = c }

// --- tenant and store administration ---

// CreateTenant provisions the tenant database and its root document.
func (e *Engine) CreateTenant(ctx context.Context, tenantID, name string, tags []string) (*Tenant, error) {
	if !store.ValidTenantID(tenantID) {
		return nil, apperr.Validation(apperr.CodeTerminalBase+101, "tenant id must be one letter followed by four digits")
	}
	db, err := e.mgr.Tenant(tenantID)
	if err != nil {
		return nil, err
	}
	now := time.Now().UTC()
	tenant := Tenant{TenantID: tenantID, Name: name, Tags: tags, CreatedAt: now, UpdatedAt: now}
	if _, err := db.Insert(ctx, ColTenants, tenantID, tenant); err != nil {
		if apperr.IsKind(err, apperr.KindConflict) {
			return nil, apperr.Conflict(apperr.CodeTerminalBase+102, "tenant %s already exists", tenantID)
		}
		return nil, err
	}
	return &tenant, nil
}

// GetTenant loads the tenant root document.
func (e *Engine) GetTenant(ctx context.Context, tenantID string) (*Tenant, error) {
	db, err := e.mgr.Tenant(tenantID)
	if err != nil {
		return nil, err
	}
	var t Tenant
	if _, err := db.Get(ctx, ColTenants, tenantID, &t); err != nil {
		return nil, err
	}
	return &t, nil
}

// DeleteTenant removes the tenant database. Refused while any terminal
// exists.
func (e *Engine) DeleteTenant(ctx context.Context, tenantID string) error {
	db, err := e.mgr.Tenant(tenantID)
	if err != nil {
		return err
	}
	n, err := db.Count(ctx, ColTerminals, "")
	if err != nil {
		return err
	}
	if n > 0 {
		return apperr.InvalidState(apperr.CodeTerminalBase+103, "tenant %s still has %d terminals", tenantID, n)
	}
	return e.mgr.DropTenant(tenantID)
}

// CreateStore registers a selling location.
func (e *Engine) CreateStore(ctx context.Context, tenantID, storeCode, name string, tags []string) (*Store, error) {
	if storeCode == "" {
		return nil, apperr.Validation(apperr.CodeTerminalBase+111, "storeCode is required")
	}
	db, err := e.mgr.Tenant(tenantID)
	if err != nil {
		return nil, err
	}
	now := time.Now().UTC()
	s := Store{TenantID: tenantID, StoreCode: storeCode, Name: name, Status: "Active", Tags: tags, CreatedAt: now, UpdatedAt: now}
	if _, err := db.Insert(ctx, ColStores, storeCode, s); err != nil {
		if apperr.IsKind(err, apperr.KindConflict) {
			return nil, apperr.Conflict(apperr.CodeTerminalBase+112, "store %s already exists", storeCode)
		}
		return nil, err
	}
	return &s, nil
}

// GetStore loads one store.
func (e *Engine) GetStore(ctx context.Context, tenantID, storeCode string) (*Store, error) {
	db, err := e.mgr.Tenant(tenantID)
	if err != nil {
		return nil, err
	}
	var s Store
	if _, err := db.Get(ctx, ColStores, storeCode, &s); err != nil {
		return nil, err
	}
	return &s, nil
}

// ListStores returns every store of the tenant.
func (e *Engine) ListStores(ctx context.Context, tenantID string) ([]Store, error) {
	db, err := e.mgr.Tenant(tenantID)
	if err != nil {
		return nil, err
	}
	docs, err := db.List(ctx, ColStores, store.ListOptions{})
	if err != nil {
		return nil, err
	}
	out := make([]Store, 0, len(docs))
	for _, d := range docs {
		var s Store
		if err := json.Unmarshal(d.Data, &s); err != nil {
			return nil, fmt.Errorf("decode store %s: %w", d.Key, err)
		}
		out = append(out, s)
	}
	return out, nil
}

// DeleteStore removes a store. Refused while any of its terminals exist.
func (e *Engine) DeleteStore(ctx context.Context, tenantID, storeCode string) error {
	db, err := e.mgr.Tenant(tenantID)
	if err != nil {
		return err
	}
	docs, err := db.FindByField(ctx, ColTerminals, "storeCode", storeCode)
	if err != nil {
		return err
	}
	if len(docs) > 0 {
		return apperr.InvalidState(apperr.CodeTerminalBase+113, "store %s still has %d terminals", storeCode, len(docs))
	}
	return db.Delete(ctx, ColStores, storeCode, "")
}

// --- terminal CRUD ---

// CreateTerminal registers a terminal in Idle and returns it together with
// the plain API key. The key is never recoverable afterwards.
func (e *Engine) CreateTerminal(ctx context.Context, tenantID, storeCode string, terminalNo int, description string) (*Terminal, string, error) {
	if terminalNo < 1 || terminalNo > 999 {
		return nil, "", apperr.Validation(apperr.CodeTerminalBase+121, "terminal number must be in 1..999")
	}
	if _, err := e.GetStore(ctx, tenantID, storeCode); err != nil {
		return nil, "", err
	}
	db, err := e.mgr.Tenant(tenantID)
	if err != nil {
		return nil, "", err
	}

	plainKey, keyHash, err := auth.GenerateAPIKey()
	if err != nil {
		return nil, "", err
	}
	now := time.Now().UTC()
	term := Terminal{
		TerminalID:   TerminalID(tenantID, storeCode, terminalNo),
		TenantID:     tenantID,
		StoreCode:    storeCode,
		TerminalNo:   terminalNo,
		Description:  description,
		Status:       StatusIdle,
		FunctionMode: "MainMenu",
		APIKeyHash:   keyHash,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if _, err := db.Insert(ctx, ColTerminals, term.TerminalID, term); err != nil {
		if apperr.IsKind(err, apperr.KindConflict) {
			return nil, "", apperr.Conflict(apperr.CodeTerminalBase+122, "terminal %s already exists", term.TerminalID)
		}
		return nil, "", err
	}
	return &term, plainKey, nil
}

// GetTerminal loads one terminal.
func (e *Engine) GetTerminal(ctx context.Context, tenantID, terminalID string) (*Terminal, error) {
	db, err := e.mgr.Tenant(tenantID)
	if err != nil {
		return nil, err
	}
	var t Terminal
	if _, err := db.Get(ctx, ColTerminals, terminalID, &t); err != nil {
		if apperr.IsKind(err, apperr.KindNotFound) {
			return nil, apperr.NotFound(apperr.CodeTerminalBase+404, "terminal %s not found", terminalID)
		}
		return nil, err
	}
	return &t, nil
}

// ListTerminals returns every terminal of the tenant.
func (e *Engine) ListTerminals(ctx context.Context, tenantID string) ([]Terminal, error) {
	db, err := e.mgr.Tenant(tenantID)
	if err != nil {
		return nil, err
	}
	docs, err := db.List(ctx, ColTerminals, store.ListOptions{})
	if err != nil {
		return nil, err
	}
	out := make([]Terminal, 0, len(docs))
	for _, d := range docs {
		var t Terminal
		if err := json.Unmarshal(d.Data, &t); err != nil {
			return nil, fmt.Errorf("decode terminal %s: %w", d.Key, err)
		}
		out = append(out, t)
	}
	return out, nil
}

// DeleteTerminal removes a terminal. Only permitted while the terminal is
// not Opened and no cart is active on it.
func (e *Engine) DeleteTerminal(ctx context.Context, tenantID, terminalID string) error {
	term, err := e.GetTerminal(ctx, tenantID, terminalID)
	if err != nil {
		return err
	}
	if term.Status == StatusOpened {
		return apperr.InvalidState(apperr.CodeTerminalBase+131, "terminal %s is open", terminalID)
	}
	if e.carts != nil {
		active, err := e.carts.HasActiveCart(ctx, tenantID, terminalID)
		if err != nil {
			return err
		}
		if active {
			return apperr.InvalidState(apperr.CodeTerminalBase+132, "terminal %s has an active cart", terminalID)
		}
	}
	db, err := e.mgr.Tenant(tenantID)
	if err != nil {
		return err
	}
	return db.Delete(ctx, ColTerminals, terminalID, "")
}

// VerifyAPIKey authenticates an API key against the terminal's stored hash
// and returns the terminal on success.
func (e *Engine) VerifyAPIKey(ctx context.Context, terminalID, apiKey string) (*Terminal, error) {
	tenantID, _, _, err := ParseTerminalID(terminalID)
	if err != nil {
		return nil, apperr.Authentication(apperr.CodeTerminalBase+141, "invalid terminal id")
	}
	term, err := e.GetTerminal(ctx, tenantID, terminalID)
	if err != nil {
		// Do not reveal whether the terminal exists.
		return nil, apperr.Authentication(apperr.CodeTerminalBase+142, "invalid api key")
	}
	if !auth.VerifyAPIKey(apiKey, term.APIKeyHash) {
		return nil, apperr.Authentication(apperr.CodeTerminalBase+142, "invalid api key")
	}
	return term, nil
}

// --- lifecycle operations ---

// mutate runs a load-modify-store cycle on a terminal with bounded CAS
// retries. fn may return events to enqueue in the same transaction as the
// terminal update.
func (e *Engine) mutate(ctx context.Context, tenantID, terminalID string, fn func(t *Terminal) ([]types.Event, error)) (*Terminal, error) {
	db, err := e.mgr.Tenant(tenantID)
	if err != nil {
		return nil, err
	}
	var lastErr error
	for attempt := 0; attempt < casRetries; attempt++ {
		var term Terminal
		etag, err := db.Get(ctx, ColTerminals, terminalID, &term)
		if err != nil {
			if apperr.IsKind(err, apperr.KindNotFound) {
				return nil, apperr.NotFound(apperr.CodeTerminalBase+404, "terminal %s not found", terminalID)
			}
			return nil, err
		}
		events, err := fn(&term)
		if err != nil {
			return nil, err
		}
		term.UpdatedAt = time.Now().UTC()

		err = db.WithTx(ctx, func(tx *store.Tx) error {
			if _, err := tx.Update(ctx, ColTerminals, terminalID, term, etag); err != nil {
				return err
			}
			for _, evt := range events {
				if err := tx.EnqueueOutbox(ctx, evt); err != nil {
					return err
				}
			}
			return nil
		})
		if err == nil {
			return &term, nil
		}
		if !apperr.IsKind(err, apperr.KindConflict) {
			return nil, err
		}
		lastErr = err
	}
	return nil, apperr.Conflict(apperr.CodeTerminalBase+409, "terminal %s busy: %v", terminalID, lastErr)
}

// SignIn records the operating staff on the terminal. A terminal read back
// as Closed reverts to Idle here, at the start of the next business day.
func (e *Engine) SignIn(ctx context.Context, tenantID, terminalID, staffID, staffName string) (*Terminal, error) {
	if staffID == "" {
		return nil, apperr.Validation(apperr.CodeTerminalBase+151, "staffId is required")
	}
	return e.mutate(ctx, tenantID, terminalID, func(t *Terminal) ([]types.Event, error) {
		if t.Status == StatusClosed {
			t.Status = StatusIdle
		}
		t.Staff = &Staff{StaffID: staffID, Name: staffName, SignedInAt: time.Now().UTC()}
		return nil, nil
	})
}

// SignOut clears the staff. Refused while the terminal is Opened.
func (e *Engine) SignOut(ctx context.Context, tenantID, terminalID string) (*Terminal, error) {
	return e.mutate(ctx, tenantID, terminalID, func(t *Terminal) ([]types.Event, error) {
		if t.Status == StatusOpened {
			return nil, apperr.InvalidState(apperr.CodeTerminalBase+152, "terminal %s must be closed before sign-out", terminalID)
		}
		t.Staff = nil
		return nil, nil
	})
}

// Open transitions Idle -> Opened, stamps the business date and float, and
// publishes the OPEN report.
func (e *Engine) Open(ctx context.Context, tenantID, terminalID, businessDate string, initialAmount decimal.Decimal) (*Terminal, error) {
	if businessDate == "" {
		return nil, apperr.Validation(apperr.CodeTerminalBase+161, "businessDate is required")
	}
	if initialAmount.IsNegative() {
		return nil, apperr.Validation(apperr.CodeTerminalBase+162, "initialAmount must be >= 0")
	}
	return e.mutate(ctx, tenantID, terminalID, func(t *Terminal) ([]types.Event, error) {
		if t.Status == StatusClosed {
			t.Status = StatusIdle
		}
		if t.Status != StatusIdle {
			return nil, apperr.InvalidState(apperr.CodeTerminalBase+163, "terminal %s cannot open from %s", terminalID, t.Status)
		}
		if t.Staff == nil {
			return nil, apperr.InvalidState(apperr.CodeTerminalBase+164, "staff must sign in before open")
		}
		t.Status = StatusOpened
		t.FunctionMode = "MainMenu"
		t.OpenCounter++
		t.BusinessDate = businessDate
		t.InitialAmount = initialAmount
		t.PhysicalAmount = decimal.Zero
		t.CashInTotal = decimal.Zero
		t.CashOutTotal = decimal.Zero
		t.CashSalesTotal = decimal.Zero

		log := types.OpenCloseLog{
			TenantID:      t.TenantID,
			StoreCode:     t.StoreCode,
			TerminalID:    t.TerminalID,
			Kind:          types.KindOpen,
			BusinessDate:  businessDate,
			OpenCounter:   t.OpenCounter,
			InitialAmount: initialAmount,
			StaffID:       t.Staff.StaffID,
			Timestamp:     time.Now().UTC(),
		}
		log.ReceiptText = e.printer.OpenReceipt(log)
		log.JournalText = e.printer.OpenJournal(log)
		evt, err := newEvent(types.TopicOpenCloseLog, t.TenantID, log)
		if err != nil {
			return nil, err
		}
		return []types.Event{evt}, nil
	})
}

// Close transitions Opened -> Closed, reconciles the drawer, and publishes
// the CLOSE report. The terminal reverts to Idle on the next operation.
func (e *Engine) Close(ctx context.Context, tenantID, terminalID string, physicalAmount decimal.Decimal) (*Terminal, error) {
	return e.mutate(ctx, tenantID, terminalID, func(t *Terminal) ([]types.Event, error) {
		if t.Status != StatusOpened {
			return nil, apperr.InvalidState(apperr.CodeTerminalBase+165, "terminal %s cannot close from %s", terminalID, t.Status)
		}
		expected := t.ExpectedAmount()
		t.Status = StatusClosed
		t.FunctionMode = "CloseTerminal"
		t.PhysicalAmount = physicalAmount

		staffID := ""
		if t.Staff != nil {
			staffID = t.Staff.StaffID
		}
		log := types.OpenCloseLog{
			TenantID:       t.TenantID,
			StoreCode:      t.StoreCode,
			TerminalID:     t.TerminalID,
			Kind:           types.KindClose,
			BusinessDate:   t.BusinessDate,
			OpenCounter:    t.OpenCounter,
			InitialAmount:  t.InitialAmount,
			PhysicalAmount: physicalAmount,
			ExpectedAmount: expected,
			Difference:     physicalAmount.Sub(expected),
			StaffID:        staffID,
			Timestamp:      time.Now().UTC(),
		}
		log.ReceiptText = e.printer.CloseReceipt(log)
		log.JournalText = e.printer.CloseJournal(log)
		evt, err := newEvent(types.TopicOpenCloseLog, t.TenantID, log)
		if err != nil {
			return nil, err
		}
		return []types.Event{evt}, nil
	})
}

// CashIn records money added to the drawer and publishes the cashlog.
func (e *Engine) CashIn(ctx context.Context, tenantID, terminalID string, amount decimal.Decimal, reason, note string) (*Terminal, error) {
	return e.cashMove(ctx, tenantID, terminalID, types.CashIn, amount, reason, note)
}

// CashOut records money removed from the drawer and publishes the cashlog.
func (e *Engine) CashOut(ctx context.Context, tenantID, terminalID string, amount decimal.Decimal, reason, note string) (*Terminal, error) {
	return e.cashMove(ctx, tenantID, terminalID, types.CashOut, amount, reason, note)
}

func (e *Engine) cashMove(ctx context.Context, tenantID, terminalID string, dir types.CashDirection, amount decimal.Decimal, reason, note string) (*Terminal, error) {
	if !amount.IsPositive() {
		return nil, apperr.Validation(apperr.CodeTerminalBase+171, "amount must be > 0")
	}
	return e.mutate(ctx, tenantID, terminalID, func(t *Terminal) ([]types.Event, error) {
		if t.Status != StatusOpened {
			return nil, apperr.InvalidState(apperr.CodeTerminalBase+172, "cash operations require an open terminal")
		}
		if dir == types.CashIn {
			t.CashInTotal = t.CashInTotal.Add(amount)
		} else {
			t.CashOutTotal = t.CashOutTotal.Add(amount)
		}
		staffID := ""
		if t.Staff != nil {
			staffID = t.Staff.StaffID
		}
		log := types.Cashlog{
			TenantID:     t.TenantID,
			StoreCode:    t.StoreCode,
			TerminalID:   t.TerminalID,
			BusinessDate: t.BusinessDate,
			Amount:       amount,
			Direction:    dir,
			Reason:       reason,
			Note:         note,
			OperatorID:   staffID,
			Timestamp:    time.Now().UTC(),
		}
		log.ReceiptText = e.printer.CashReceipt(log)
		log.JournalText = e.printer.CashJournal(log)
		evt, err := newEvent(types.TopicCashlog, t.TenantID, log)
		if err != nil {
			return nil, err
		}
		return []types.Event{evt}, nil
	})
}

// UpdateFunctionMode validates and sets the advertised function mode.
func (e *Engine) UpdateFunctionMode(ctx context.Context, tenantID, terminalID, mode string) (*Terminal, error) {
	if !ValidFunctionMode(mode) {
		return nil, apperr.Validation(apperr.CodeTerminalBase+181, "unknown function mode %q", mode)
	}
	return e.mutate(ctx, tenantID, terminalID, func(t *Terminal) ([]types.Event, error) {
		t.FunctionMode = mode
		return nil, nil
	})
}

// UpdateDescription sets the free-form terminal description.
func (e *Engine) UpdateDescription(ctx context.Context, tenantID, terminalID, description string) (*Terminal, error) {
	return e.mutate(ctx, tenantID, terminalID, func(t *Terminal) ([]types.Event, error) {
		t.Description = description
		return nil, nil
	})
}

func newEvent(topic, tenantID string, payload any) (types.Event, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return types.Event{}, fmt.Errorf("marshal %s payload: %w", topic, err)
	}
	return types.Event{
		EventID:    uuid.NewString(),
		TenantID:   tenantID,
		Topic:      topic,
		OccurredAt: time.Now().UTC(),
		Payload:    data,
	}, nil
}
