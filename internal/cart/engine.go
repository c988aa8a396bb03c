package cart

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/shopspring/decimal"

	"openpos/internal/apperr"
	"openpos/internal/catalog"
	"openpos/internal/config"
	"openpos/internal/store"
	"openpos/internal/terminal"
	"openpos/pkg/types"
)

// cached is the write-through cache entry: the authoritative document plus
// the ETag it was stored under.
type cached struct {
	cart Cart
	etag string
}

// Engine is the cart/transaction service.
type Engine struct {
	mgr      *store.Manager
	provider catalog.Provider
	cache    *expirable.LRU[string, cached]
	retries  int
	printer  *Formatter
	logger   *slog.Logger
}

// New creates the engine. provider supplies item prices, tax rules, and
// payment methods.
func New(cfg config.CartConfig, mgr *store.Manager, provider catalog.Provider, logger *slog.Logger) *Engine {
	return &Engine{
		mgr:      mgr,
		provider: provider,
		cache:    expirable.NewLRU[string, cached](cfg.CacheSize, nil, cfg.CacheTTL),
		retries:  cfg.CASRetries,
		printer:  NewFormatter(),
		logger:   logger.With("component", "cart-engine"),
	}
}

func activeCartKey(terminalID string) string { return "activecart:" + terminalID }

// Create opens a new cart on an Opened terminal. A terminal carries at most
// one active cart at a time.
func (e *Engine) Create(ctx context.Context, tenantID, terminalID, transactionType string) (*Cart, error) {
	if transactionType == "" {
		transactionType = TypeSale
	}
	db, err := e.mgr.Tenant(tenantID)
	if err != nil {
		return nil, err
	}

	var term terminal.Terminal
	if _, err := db.Get(ctx, terminal.ColTerminals, terminalID, &term); err != nil {
		if apperr.IsKind(err, apperr.KindNotFound) {
			return nil, apperr.NotFound(apperr.CodeTerminalBase+404, "terminal %s not found", terminalID)
		}
		return nil, err
	}
	if term.Status != terminal.StatusOpened {
		return nil, apperr.InvalidState(apperr.CodeCartBase+101, "terminal %s is not open", terminalID)
	}
	staffID := ""
	if term.Staff != nil {
		staffID = term.Staff.StaffID
	}

	now := time.Now().UTC()
	c := Cart{
		CartID:          uuid.NewString(),
		TenantID:        tenantID,
		StoreCode:       term.StoreCode,
		TerminalID:      terminalID,
		TransactionType: transactionType,
		Status:          StatusIdle,
		StaffID:         staffID,
		BusinessDate:    term.BusinessDate,
		CreatedAt:       now,
		UpdatedAt:       now,
	}

	// Claim the per-terminal active slot first; a crash before Insert leaves
	// a dangling claim that expires with the cache TTL.
	if _, err := db.PutState(ctx, activeCartKey(terminalID), c.CartID, "", 10*time.Hour); err != nil {
		if apperr.IsKind(err, apperr.KindConflict) {
			return nil, apperr.InvalidState(apperr.CodeCartBase+102, "terminal %s already has an active cart", terminalID)
		}
		return nil, err
	}
	etag, err := db.Insert(ctx, ColCarts, c.CartID, c)
	if err != nil {
		return nil, err
	}
	e.cache.Add(c.CartID, cached{cart: c, etag: etag})
	return &c, nil
}

// Get loads a cart, preferring the cache and falling back to the store.
func (e *Engine) Get(ctx context.Context, tenantID, cartID string) (*Cart, error) {
	c, _, err := e.load(ctx, tenantID, cartID)
	if err != nil {
		return nil, err
	}
	return c, nil
}

func (e *Engine) load(ctx context.Context, tenantID, cartID string) (*Cart, string, error) {
	if entry, ok := e.cache.Get(cartID); ok && entry.cart.TenantID == tenantID {
		c := entry.cart
		return &c, entry.etag, nil
	}
	db, err := e.mgr.Tenant(tenantID)
	if err != nil {
		return nil, "", err
	}
	var c Cart
	etag, err := db.Get(ctx, ColCarts, cartID, &c)
	if err != nil {
		if apperr.IsKind(err, apperr.KindNotFound) {
			return nil, "", apperr.NotFound(apperr.CodeCartBase+404, "cart %s not found", cartID)
		}
		return nil, "", err
	}
	e.cache.Add(cartID, cached{cart: c, etag: etag})
	return &c, etag, nil
}

// mutate runs a load-modify-store cycle with the ownership guard and
// bounded CAS retries, then refreshes the cache (write-through).
func (e *Engine) mutate(ctx context.Context, tenantID, terminalID, cartID string, fn func(c *Cart) error) (*Cart, error) {
	db, err := e.mgr.Tenant(tenantID)
	if err != nil {
		return nil, err
	}
	for attempt := 0; attempt < e.retries; attempt++ {
		c, etag, err := e.load(ctx, tenantID, cartID)
		if err != nil {
			return nil, err
		}
		if terminalID != "" && c.TerminalID != terminalID {
			return nil, apperr.Authorization(apperr.CodeCartBase+301, "cart %s belongs to another terminal", cartID)
		}
		if err := fn(c); err != nil {
			return nil, err
		}
		c.UpdatedAt = time.Now().UTC()

		newTag, err := db.Update(ctx, ColCarts, cartID, c, etag)
		if err == nil {
			e.cache.Add(cartID, cached{cart: *c, etag: newTag})
			return c, nil
		}
		if !apperr.IsKind(err, apperr.KindConflict) {
			return nil, err
		}
		// Stale cache entry; reload from the store and retry.
		e.cache.Remove(cartID)
	}
	return nil, apperr.Conflict(apperr.CodeCartBase+409, "cart %s busy", cartID)
}

// recompute re-derives every money field from the lines and payments.
func (e *Engine) recompute(ctx context.Context, c *Cart) error {
	subTotal := decimal.Zero
	for i := range c.Lines {
		subTotal = subTotal.Add(c.Lines[i].Amount())
	}
	groups, taxAmount, err := computeTaxes(ctx, e.provider, c.TenantID, c.Lines)
	if err != nil {
		return err
	}

	orderDiscount := decimal.Zero
	gross := subTotal.Add(taxAmount)
	for i := range c.OrderDiscounts {
		d := &c.OrderDiscounts[i]
		if d.Percent.IsPositive() {
			d.Applied = gross.Mul(d.Percent).Div(decimal.NewFromInt(100)).Round(2)
		} else {
			d.Applied = d.Amount
		}
		orderDiscount = orderDiscount.Add(d.Applied)
	}

	c.SubTotal = subTotal
	c.TaxGroups = groups
	c.TaxAmount = taxAmount
	c.OrderDiscount = orderDiscount
	c.Total = subTotal.Add(taxAmount).Sub(orderDiscount)

	deposit, change, paid := decimal.Zero, decimal.Zero, decimal.Zero
	for _, p := range c.Payments {
		deposit = deposit.Add(p.Deposit)
		change = change.Add(p.Change)
		paid = paid.Add(p.Amount)
	}
	c.DepositTotal = deposit
	c.ChangeTotal = change
	c.Balance = c.Total.Sub(paid)
	return nil
}

// AddItem appends a line for qty of itemCode, pricing it via the resolution
// order (store override, then common price).
func (e *Engine) AddItem(ctx context.Context, tenantID, terminalID, cartID, itemCode string, qty decimal.Decimal) (*Cart, error) {
	if qty.IsZero() {
		return nil, apperr.Validation(apperr.CodeCartBase+111, "quantity must be non-zero")
	}
	item, err := e.provider.Item(ctx, tenantID, itemCode)
	if err != nil {
		if apperr.IsKind(err, apperr.KindNotFound) {
			return nil, apperr.NotFound(apperr.CodeCartBase+112, "item %s not found", itemCode)
		}
		return nil, err
	}
	return e.mutate(ctx, tenantID, terminalID, cartID, func(c *Cart) error {
		if c.Status != StatusIdle && c.Status != StatusEnteringItem {
			return apperr.InvalidState(apperr.CodeCartBase+113, "cannot add items in state %s", c.Status)
		}
		price, err := catalog.ResolvePrice(ctx, e.provider, tenantID, c.StoreCode, item)
		if err != nil {
			return err
		}
		c.Status = StatusEnteringItem
		c.Lines = append(c.Lines, LineItem{
			LineNo:       len(c.Lines) + 1,
			ItemCode:     item.ItemCode,
			Description:  item.Description,
			Quantity:     qty,
			UnitPrice:    price,
			TaxCode:      item.TaxCode,
			CategoryCode: item.CategoryCode,
		})
		return e.recompute(ctx, c)
	})
}

// CancelLine flags a line cancelled. The line stays in the cart for the
// audit trail but contributes nothing to totals.
func (e *Engine) CancelLine(ctx context.Context, tenantID, terminalID, cartID string, lineNo int) (*Cart, error) {
	return e.mutate(ctx, tenantID, terminalID, cartID, func(c *Cart) error {
		if c.Status != StatusEnteringItem && c.Status != StatusPreTax {
			return apperr.InvalidState(apperr.CodeCartBase+114, "cannot cancel lines in state %s", c.Status)
		}
		if lineNo < 1 || lineNo > len(c.Lines) {
			return apperr.NotFound(apperr.CodeCartBase+115, "line %d not found", lineNo)
		}
		line := &c.Lines[lineNo-1]
		if line.Cancelled {
			return apperr.InvalidState(apperr.CodeCartBase+116, "line %d already cancelled", lineNo)
		}
		line.Cancelled = true
		return e.recompute(ctx, c)
	})
}

// ApplyLineDiscount adds a discount to a line. Amount and Percent are
// exclusive; the resolved amount may not exceed the line gross.
func (e *Engine) ApplyLineDiscount(ctx context.Context, tenantID, terminalID, cartID string, lineNo int, d Discount) (*Cart, error) {
	return e.mutate(ctx, tenantID, terminalID, cartID, func(c *Cart) error {
		if c.Status != StatusEnteringItem {
			return apperr.InvalidState(apperr.CodeCartBase+117, "cannot discount lines in state %s", c.Status)
		}
		if lineNo < 1 || lineNo > len(c.Lines) {
			return apperr.NotFound(apperr.CodeCartBase+115, "line %d not found", lineNo)
		}
		line := &c.Lines[lineNo-1]
		if line.Cancelled {
			return apperr.InvalidState(apperr.CodeCartBase+116, "line %d is cancelled", lineNo)
		}
		gross := line.Quantity.Mul(line.UnitPrice)
		if d.Percent.IsPositive() {
			d.Applied = gross.Mul(d.Percent).Div(decimal.NewFromInt(100)).Round(2)
		} else {
			d.Applied = d.Amount
		}
		if d.Applied.IsNegative() || line.DiscountTotal().Add(d.Applied).GreaterThan(gross) {
			return apperr.Validation(apperr.CodeCartBase+118, "discount exceeds line amount")
		}
		line.Discounts = append(line.Discounts, d)
		return e.recompute(ctx, c)
	})
}

// ApplyCartDiscount adds an order-level discount in the PreTax state.
func (e *Engine) ApplyCartDiscount(ctx context.Context, tenantID, terminalID, cartID string, d Discount) (*Cart, error) {
	return e.mutate(ctx, tenantID, terminalID, cartID, func(c *Cart) error {
		if c.Status != StatusPreTax {
			return apperr.InvalidState(apperr.CodeCartBase+119, "cart discounts require subtotal state")
		}
		c.OrderDiscounts = append(c.OrderDiscounts, d)
		if err := e.recompute(ctx, c); err != nil {
			return err
		}
		if c.Total.IsNegative() {
			return apperr.Validation(apperr.CodeCartBase+118, "discount exceeds cart total")
		}
		return nil
	})
}

// Subtotal freezes item entry and computes taxes: EnteringItem -> PreTax.
func (e *Engine) Subtotal(ctx context.Context, tenantID, terminalID, cartID string) (*Cart, error) {
	return e.mutate(ctx, tenantID, terminalID, cartID, func(c *Cart) error {
		if c.Status != StatusEnteringItem {
			return apperr.InvalidState(apperr.CodeCartBase+121, "subtotal requires item entry state")
		}
		hasLine := false
		for i := range c.Lines {
			if !c.Lines[i].Cancelled {
				hasLine = true
				break
			}
		}
		if !hasLine {
			return apperr.InvalidState(apperr.CodeCartBase+122, "cart has no active lines")
		}
		c.Status = StatusPreTax
		return e.recompute(ctx, c)
	})
}

// Back reverts PreTax -> EnteringItem.
func (e *Engine) Back(ctx context.Context, tenantID, terminalID, cartID string) (*Cart, error) {
	return e.mutate(ctx, tenantID, terminalID, cartID, func(c *Cart) error {
		if c.Status != StatusPreTax {
			return apperr.InvalidState(apperr.CodeCartBase+123, "back requires subtotal state")
		}
		c.Status = StatusEnteringItem
		return nil
	})
}

// AddPayment applies a tender. Overpayment is accepted only for methods
// with canDepositOver; change accrues only for methods with canChange.
func (e *Engine) AddPayment(ctx context.Context, tenantID, terminalID, cartID, paymentCode string, amount decimal.Decimal) (*Cart, error) {
	if !amount.IsPositive() {
		return nil, apperr.Validation(apperr.CodeCartBase+131, "payment amount must be > 0")
	}
	method, err := e.provider.Payment(ctx, tenantID, paymentCode)
	if err != nil {
		if apperr.IsKind(err, apperr.KindNotFound) {
			return nil, apperr.Validation(apperr.CodeCartBase+132, "payment method %s not allowed", paymentCode)
		}
		return nil, err
	}
	return e.mutate(ctx, tenantID, terminalID, cartID, func(c *Cart) error {
		if c.Status != StatusPreTax && c.Status != StatusPayingItem {
			return apperr.InvalidState(apperr.CodeCartBase+133, "cannot pay in state %s", c.Status)
		}
		if method.MinAmount.IsPositive() && amount.LessThan(method.MinAmount) {
			return apperr.Validation(apperr.CodeCartBase+134, "amount below method minimum %s", method.MinAmount)
		}
		if method.MaxAmount.IsPositive() && amount.GreaterThan(method.MaxAmount) {
			return apperr.Validation(apperr.CodeCartBase+135, "amount above method maximum %s", method.MaxAmount)
		}
		if amount.GreaterThan(c.Balance) && !method.CanDepositOver {
			return apperr.Validation(apperr.CodeCartBase+136, "method %s cannot deposit over the balance", paymentCode)
		}

		applied := amount
		change := decimal.Zero
		if amount.GreaterThan(c.Balance) {
			applied = c.Balance
			if method.CanChange {
				change = amount.Sub(c.Balance)
			}
			// Without canChange the excess is forfeited (e.g. vouchers),
			// but the applied amount still caps at the balance.
		}
		c.Payments = append(c.Payments, Payment{
			PaymentCode: method.PaymentCode,
			Description: method.Description,
			Deposit:     amount,
			Amount:      applied,
			Change:      change,
			CanChange:   method.CanChange,
			PaidAt:      time.Now().UTC(),
		})
		c.Status = StatusPayingItem
		return e.recompute(ctx, c)
	})
}

// Complete finalizes the cart: the cart update, the terminal counter
// advance, the tranlog document, and the tranlog outbox row commit in one
// transaction. transactionNo is therefore gapless per terminal.
func (e *Engine) Complete(ctx context.Context, tenantID, terminalID, cartID string) (*Cart, error) {
	db, err := e.mgr.Tenant(tenantID)
	if err != nil {
		return nil, err
	}

	var completed *Cart
	for attempt := 0; attempt < e.retries; attempt++ {
		c, cartTag, err := e.load(ctx, tenantID, cartID)
		if err != nil {
			return nil, err
		}
		if terminalID != "" && c.TerminalID != terminalID {
			return nil, apperr.Authorization(apperr.CodeCartBase+301, "cart %s belongs to another terminal", cartID)
		}
		if c.Status != StatusPayingItem {
			return nil, apperr.InvalidState(apperr.CodeCartBase+141, "cannot complete in state %s", c.Status)
		}
		if c.Balance.IsPositive() {
			return nil, apperr.InvalidState(apperr.CodeCartBase+142, "balance %s outstanding", c.Balance)
		}

		err = db.WithTx(ctx, func(tx *store.Tx) error {
			var term terminal.Terminal
			termTag, err := tx.Get(ctx, terminal.ColTerminals, c.TerminalID, &term)
			if err != nil {
				return err
			}
			term.TransactionNo++
			term.ReceiptNo++
			term.BusinessCounter++
			term.CashSalesTotal = term.CashSalesTotal.Add(cashContribution(c))
			term.UpdatedAt = time.Now().UTC()
			if _, err := tx.Update(ctx, terminal.ColTerminals, c.TerminalID, term, termTag); err != nil {
				return err
			}

			now := time.Now().UTC()
			c.Status = StatusCompleted
			c.TransactionNo = term.TransactionNo
			c.ReceiptNo = term.ReceiptNo
			c.CompletedAt = now
			c.UpdatedAt = now

			tranlog := buildTranlog(c, term.BusinessCounter)
			tranlog.ReceiptText = e.printer.SaleReceipt(tranlog)
			tranlog.JournalText = e.printer.SaleJournal(tranlog)

			if _, err := tx.Update(ctx, ColCarts, cartID, c, cartTag); err != nil {
				return err
			}
			key := fmt.Sprintf("%s:%010d", c.TerminalID, c.TransactionNo)
			if _, err := tx.Insert(ctx, ColTranlogs, key, tranlog); err != nil {
				return err
			}
			payload, err := json.Marshal(tranlog)
			if err != nil {
				return err
			}
			return tx.EnqueueOutbox(ctx, types.Event{
				EventID:    uuid.NewString(),
				TenantID:   tenantID,
				Topic:      types.TopicTranlog,
				OccurredAt: now,
				Payload:    payload,
			})
		})
		if err == nil {
			e.cache.Remove(cartID)
			if derr := db.DeleteState(ctx, activeCartKey(c.TerminalID)); derr != nil {
				e.logger.Warn("failed to release active cart slot", "terminal", c.TerminalID, "error", derr)
			}
			completed = c
			break
		}
		if !apperr.IsKind(err, apperr.KindConflict) {
			return nil, err
		}
		e.cache.Remove(cartID)
	}
	if completed == nil {
		return nil, apperr.Conflict(apperr.CodeCartBase+409, "cart %s busy", cartID)
	}
	return completed, nil
}

// cashContribution is the net drawer movement of the cart's change-capable
// tenders (cash stays in the drawer; its change leaves it). Vouchers and
// other non-drawer tenders contribute nothing.
func cashContribution(c *Cart) decimal.Decimal {
	net := decimal.Zero
	for _, p := range c.Payments {
		if !p.CanChange {
			continue
		}
		net = net.Add(p.Deposit).Sub(p.Change)
	}
	return net
}

func buildTranlog(c *Cart, businessCounter int64) types.Tranlog {
	lines := make([]types.TranlogLine, len(c.Lines))
	for i := range c.Lines {
		l := &c.Lines[i]
		lines[i] = types.TranlogLine{
			LineNo:       l.LineNo,
			ItemCode:     l.ItemCode,
			Description:  l.Description,
			Quantity:     l.Quantity,
			UnitPrice:    l.UnitPrice,
			TaxCode:      l.TaxCode,
			CategoryCode: l.CategoryCode,
			Discount:     l.DiscountTotal(),
			Amount:       l.Amount(),
			Cancelled:    l.Cancelled,
		}
	}
	payments := make([]types.TranlogPayment, len(c.Payments))
	for i, p := range c.Payments {
		payments[i] = types.TranlogPayment{
			PaymentCode: p.PaymentCode,
			Description: p.Description,
			Amount:      p.Amount,
			Deposit:     p.Deposit,
			Change:      p.Change,
		}
	}
	return types.Tranlog{
		TenantID:        c.TenantID,
		StoreCode:       c.StoreCode,
		TerminalID:      c.TerminalID,
		CartID:          c.CartID,
		TransactionNo:   c.TransactionNo,
		TransactionType: c.TransactionType,
		ReceiptNo:       c.ReceiptNo,
		BusinessDate:    c.BusinessDate,
		BusinessCounter: businessCounter,
		StaffID:         c.StaffID,
		Lines:           lines,
		Payments:        payments,
		SubTotal:        c.SubTotal,
		TaxAmount:       c.TaxAmount,
		Total:           c.Total,
		DepositTotal:    c.DepositTotal,
		ChangeTotal:     c.ChangeTotal,
		CompletedAt:     c.CompletedAt,
	}
}

// Cancel terminates any non-completed cart.
func (e *Engine) Cancel(ctx context.Context, tenantID, terminalID, cartID string) (*Cart, error) {
	c, err := e.mutate(ctx, tenantID, terminalID, cartID, func(c *Cart) error {
		if c.Status == StatusCompleted {
			return apperr.InvalidState(apperr.CodeCartBase+143, "completed cart cannot be cancelled")
		}
		if c.Status == StatusCancelled {
			return apperr.InvalidState(apperr.CodeCartBase+144, "cart already cancelled")
		}
		c.Status = StatusCancelled
		return nil
	})
	if err != nil {
		return nil, err
	}
	db, derr := e.mgr.Tenant(tenantID)
	if derr == nil {
		if derr = db.DeleteState(ctx, activeCartKey(c.TerminalID)); derr != nil {
			e.logger.Warn("failed to release active cart slot", "terminal", c.TerminalID, "error", derr)
		}
	}
	return c, nil
}

// Pause parks a cart mid-entry; Resume returns it to item entry.
func (e *Engine) Pause(ctx context.Context, tenantID, terminalID, cartID string) (*Cart, error) {
	return e.mutate(ctx, tenantID, terminalID, cartID, func(c *Cart) error {
		if c.Status != StatusEnteringItem && c.Status != StatusIdle {
			return apperr.InvalidState(apperr.CodeCartBase+145, "cannot pause in state %s", c.Status)
		}
		c.Status = StatusPaused
		return nil
	})
}

func (e *Engine) Resume(ctx context.Context, tenantID, terminalID, cartID string) (*Cart, error) {
	return e.mutate(ctx, tenantID, terminalID, cartID, func(c *Cart) error {
		if c.Status != StatusPaused {
			return apperr.InvalidState(apperr.CodeCartBase+146, "cart is not paused")
		}
		c.Status = StatusEnteringItem
		return nil
	})
}

// HasActiveCart implements terminal.ActiveCartChecker.
func (e *Engine) HasActiveCart(ctx context.Context, tenantID, terminalID string) (bool, error) {
	db, err := e.mgr.Tenant(tenantID)
	if err != nil {
		return false, err
	}
	var cartID string
	_, ok, err := db.GetState(ctx, activeCartKey(terminalID), &cartID)
	if err != nil {
		return false, err
	}
	return ok, nil
}

// GetTranlog returns the immutable transaction record.
func (e *Engine) GetTranlog(ctx context.Context, tenantID, terminalID string, transactionNo int64) (*types.Tranlog, error) {
	db, err := e.mgr.Tenant(tenantID)
	if err != nil {
		return nil, err
	}
	var tl types.Tranlog
	key := fmt.Sprintf("%s:%010d", terminalID, transactionNo)
	if _, err := db.Get(ctx, ColTranlogs, key, &tl); err != nil {
		return nil, err
	}
	return &tl, nil
}

// ListTranlogs returns a terminal's transactions in number order.
func (e *Engine) ListTranlogs(ctx context.Context, tenantID, terminalID string, limit, offset int) ([]types.Tranlog, error) {
	db, err := e.mgr.Tenant(tenantID)
	if err != nil {
		return nil, err
	}
	docs, err := db.List(ctx, ColTranlogs, store.ListOptions{Prefix: terminalID + ":", Limit: limit, Offset: offset})
	if err != nil {
		return nil, err
	}
	out := make([]types.Tranlog, 0, len(docs))
	for _, d := range docs {
		var tl types.Tranlog
		if err := json.Unmarshal(d.Data, &tl); err != nil {
			return nil, fmt.Errorf("decode tranlog %s: %w", d.Key, err)
		}
		out = append(out, tl)
	}
	return out, nil
}
