// Package terminal implements the terminal lifecycle service: tenant and
// store administration, terminal CRUD, the Idle/Opened/Closed state machine,
// staff sign-in, cash drawer movements, and the open/close reports.
package terminal

import (
	"fmt"
	"regexp"
	"time"

	"github.com/shopspring/decimal"
)

// Terminal statuses.
const (
	StatusIdle   = "Idle"
	StatusOpened = "Opened"
	StatusClosed = "Closed"
)

// Function modes a terminal can advertise to its client.
var FunctionModes = []string{
	"MainMenu", "Sales", "Returns", "Void", "Reports",
	"OpenTerminal", "CloseTerminal", "Journal", "Maintenance", "CashInOut",
}

// ValidFunctionMode reports membership in FunctionModes.
func ValidFunctionMode(mode string) bool {
	for _, m := range FunctionModes {
		if m == mode {
			return true
		}
	}
	return false
}

// Tenant is a logical customer owning a database and its stores.
type Tenant struct {
	TenantID  string    `json:"tenantId"`
	Name      string    `json:"name"`
	Tags      []string  `json:"tags,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Store is a selling location within a tenant.
type Store struct {
	TenantID     string    `json:"tenantId"`
	StoreCode    string    `json:"storeCode"`
	Name         string    `json:"name"`
	Status       string    `json:"status"`
	BusinessDate string    `json:"businessDate"`
	Tags         []string  `json:"tags,omitempty"`
	CreatedAt    time.Time `json:"createdAt"`
	UpdatedAt    time.Time `json:"updatedAt"`
}

// Staff is the signed-in operator recorded on a terminal.
type Staff struct {
	StaffID    string    `json:"staffId"`
	Name       string    `json:"name"`
	SignedInAt time.Time `json:"signedInAt"`
}

// Terminal is one POS device. TerminalID is {tenantId}-{storeCode}-{NNN}.
//
// TransactionNo and ReceiptNo are the gapless per-terminal counters the cart
// engine advances inside the completion transaction. CashInTotal and
// CashOutTotal accumulate drawer movements between open and close and reset
// at open.
type Terminal struct {
	TerminalID   string `json:"terminalId"`
	TenantID     string `json:"tenantId"`
	StoreCode    string `json:"storeCode"`
	TerminalNo   int    `json:"terminalNo"`
	Description  string `json:"description"`
	Status       string `json:"status"`
	FunctionMode string `json:"functionMode"`

	OpenCounter     int64  `json:"openCounter"`
	BusinessCounter int64  `json:"businessCounter"`
	TransactionNo   int64  `json:"transactionNo"`
	ReceiptNo       int64  `json:"receiptNo"`
	BusinessDate    string `json:"businessDate"`

	InitialAmount  decimal.Decimal `json:"initialAmount"`
	PhysicalAmount decimal.Decimal `json:"physicalAmount"`
	CashInTotal    decimal.Decimal `json:"cashInTotal"`
	CashOutTotal   decimal.Decimal `json:"cashOutTotal"`
	CashSalesTotal decimal.Decimal `json:"cashSalesTotal"`

	Staff      *Staff    `json:"staff,omitempty"`
	APIKeyHash string    `json:"apiKeyHash"`
	CreatedAt  time.Time `json:"createdAt"`
	UpdatedAt  time.Time `json:"updatedAt"`
}

// ExpectedAmount is the drawer balance the close report reconciles against.
func (t *Terminal) ExpectedAmount() decimal.Decimal {
	return t.InitialAmount.Add(t.CashInTotal).Sub(t.CashOutTotal).Add(t.CashSalesTotal)
}

var terminalIDPattern = regexp.MustCompile(`^([A-Za-z][0-9]{4})-([A-Za-z0-9]+)-([0-9]{3})$`)

// TerminalID renders the canonical identifier with a zero-padded number.
func TerminalID(tenantID, storeCode string, no int) string {
	return fmt.Sprintf("%s-%s-%03d", tenantID, storeCode, no)
}

// ParseTerminalID splits a terminal identifier into its parts.
func ParseTerminalID(id string) (tenantID, storeCode string, no int, err error) {
	m := terminalIDPattern.FindStringSubmatch(id)
	if m == nil {
		return "", "", 0, fmt.Errorf("invalid terminal id %q", id)
	}
	fmt.Sscanf(m[3], "%d", &no)
	return m[1], m[2], no, nil
}

// Collections owned by this service.
const (
	ColTenants   = "tenants"
	ColStores    = "stores"
	ColTerminals = "terminals"
)
