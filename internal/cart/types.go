// Package cart implements the transaction engine: the per-cart state
// machine, line item and payment accumulation, tax computation, the
// write-through cart cache with sticky terminal ownership, and atomic
// completion via the outbox.
package cart

import (
	"time"

	"github.com/shopspring/decimal"
)

// Cart statuses. A cart starts Idle when the terminal creates it, moves to
// EnteringItem on the first item, oscillates between EnteringItem and PreTax
// via subtotal/back, enters PayingItem on the first payment, and terminates
// in Completed or Cancelled. Paused parks a cart mid-entry.
const (
	StatusIdle         = "Idle"
	StatusEnteringItem = "EnteringItem"
	StatusPreTax       = "PreTax"
	StatusPayingItem   = "PayingItem"
	StatusCompleted    = "Completed"
	StatusCancelled    = "Cancelled"
	StatusPaused       = "Paused"
)

// Transaction types recorded on the tranlog.
const (
	TypeSale   = "Sale"
	TypeReturn = "Return"
	TypeVoid   = "Void"
)

// Discount is an amount or percentage reduction on a line or the cart.
type Discount struct {
	Description string          `json:"description"`
	Amount      decimal.Decimal `json:"amount"`               // fixed amount, exclusive with Percent
	Percent     decimal.Decimal `json:"percent"`              // 0..100
	Applied     decimal.Decimal `json:"applied"`              // resolved amount actually deducted
}

// LineItem is one cart line. Lines are appended monotonically and never
// removed; cancellation sets the flag and excludes the line from totals.
type LineItem struct {
	LineNo       int             `json:"lineNo"`
	ItemCode     string          `json:"itemCode"`
	Description  string          `json:"description"`
	Quantity     decimal.Decimal `json:"quantity"`
	UnitPrice    decimal.Decimal `json:"unitPrice"`
	TaxCode      string          `json:"taxCode"`
	CategoryCode string          `json:"categoryCode"`
	Discounts    []Discount      `json:"discounts,omitempty"`
	Cancelled    bool            `json:"cancelled"`
}

// DiscountTotal is the resolved sum of the line's discounts.
func (l *LineItem) DiscountTotal() decimal.Decimal {
	total := decimal.Zero
	for _, d := range l.Discounts {
		total = total.Add(d.Applied)
	}
	return total
}

// Amount is quantity * unitPrice - discounts, rounded to cents. Cancelled
// lines contribute zero.
func (l *LineItem) Amount() decimal.Decimal {
	if l.Cancelled {
		return decimal.Zero
	}
	return l.Quantity.Mul(l.UnitPrice).Sub(l.DiscountTotal()).Round(2)
}

// Payment is one tender applied to the cart. CanChange is copied from the
// payment method at tender time: it marks drawer tenders, whose deposit
// enters the drawer and whose change leaves it. Non-drawer tenders (vouchers,
// cards) never touch the drawer count.
type Payment struct {
	PaymentCode string          `json:"paymentCode"`
	Description string          `json:"description"`
	Deposit     decimal.Decimal `json:"deposit"` // amount tendered
	Amount      decimal.Decimal `json:"amount"`  // amount applied to the balance
	Change      decimal.Decimal `json:"change"`
	CanChange   bool            `json:"canChange"`
	PaidAt      time.Time       `json:"paidAt"`
}

// Cart is the mutable transaction document. Money fields satisfy, at every
// observable state:
//
//	subTotal  = Σ line.Amount()            (cancelled excluded)
//	total     = subTotal + taxAmount - orderDiscount
//	balance   = total - Σ payment.Amount
type Cart struct {
	CartID          string     `json:"cartId"`
	TenantID        string     `json:"tenantId"`
	StoreCode       string     `json:"storeCode"`
	TerminalID      string     `json:"terminalId"`
	TransactionType string     `json:"transactionType"`
	Status          string     `json:"status"`
	StaffID         string     `json:"staffId"`
	BusinessDate    string     `json:"businessDate"`
	Lines           []LineItem `json:"lines"`
	Payments        []Payment  `json:"payments"`
	OrderDiscounts  []Discount `json:"orderDiscounts,omitempty"`

	SubTotal      decimal.Decimal `json:"subTotal"`
	TaxAmount     decimal.Decimal `json:"taxAmount"`
	OrderDiscount decimal.Decimal `json:"orderDiscount"`
	Total         decimal.Decimal `json:"total"`
	Balance       decimal.Decimal `json:"balance"`
	DepositTotal  decimal.Decimal `json:"depositTotal"`
	ChangeTotal   decimal.Decimal `json:"changeTotal"`

	TaxGroups []TaxGroup `json:"taxGroups,omitempty"`

	TransactionNo int64     `json:"transactionNo,omitempty"`
	ReceiptNo     int64     `json:"receiptNo,omitempty"`
	CreatedAt     time.Time `json:"createdAt"`
	UpdatedAt     time.Time `json:"updatedAt"`
	CompletedAt   time.Time `json:"completedAt,omitempty"`
}

// Active reports whether the cart still accepts mutations.
func (c *Cart) Active() bool {
	return c.Status != StatusCompleted && c.Status != StatusCancelled
}

// PaymentTotal is the sum of applied payment amounts.
func (c *Cart) PaymentTotal() decimal.Decimal {
	total := decimal.Zero
	for _, p := range c.Payments {
		total = total.Add(p.Amount)
	}
	return total
}

// Collections owned by this service.
const (
	ColCarts    = "carts"
	ColTranlogs = "tranlogs"
)
