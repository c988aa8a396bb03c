// Package stock implements the inventory engine: atomic quantity updates
// with an append-only audit trail, threshold alerting with cooldown,
// snapshots, and the tranlog consumer that applies completed sales.
package stock

import (
	"time"

	"github.com/shopspring/decimal"
)

// Update types and their advisory sign conventions. The engine applies the
// signed quantityChange verbatim for every type except INITIAL, which sets
// the absolute quantity.
const (
	UpdateSale        = "SALE"         // -
	UpdateReturn      = "RETURN"       // +
	UpdateVoid        = "VOID"         // +
	UpdateVoidReturn  = "VOID_RETURN"  // -
	UpdatePurchase    = "PURCHASE"     // +
	UpdateAdjustment  = "ADJUSTMENT"   // either
	UpdateInitial     = "INITIAL"      // set
	UpdateDamage      = "DAMAGE"       // -
	UpdateTransferIn  = "TRANSFER_IN"  // +
	UpdateTransferOut = "TRANSFER_OUT" // -
)

var updateTypes = map[string]bool{
	UpdateSale: true, UpdateReturn: true, UpdateVoid: true, UpdateVoidReturn: true,
	UpdatePurchase: true, UpdateAdjustment: true, UpdateInitial: true,
	UpdateDamage: true, UpdateTransferIn: true, UpdateTransferOut: true,
}

// ValidUpdateType reports whether t is a known update type.
func ValidUpdateType(t string) bool { return updateTypes[t] }

// Stock is one inventory row, keyed (storeCode, itemCode) within the tenant.
// Quantity may go negative; oversells are recorded, not rejected.
type Stock struct {
	TenantID          string          `json:"tenantId"`
	StoreCode         string          `json:"storeCode"`
	ItemCode          string          `json:"itemCode"`
	Quantity          decimal.Decimal `json:"currentQuantity"`
	MinimumQuantity   decimal.Decimal `json:"minimumQuantity"`
	ReorderPoint      decimal.Decimal `json:"reorderPoint"`
	ReorderQuantity   decimal.Decimal `json:"reorderQuantity"`
	LastTransactionID string          `json:"lastTransactionId"`
	UpdatedAt         time.Time       `json:"updatedAt"`
}

// StockUpdate is an immutable audit row for one quantity change.
type StockUpdate struct {
	StoreCode      string          `json:"storeCode"`
	ItemCode       string          `json:"itemCode"`
	UpdateType     string          `json:"updateType"`
	QuantityChange decimal.Decimal `json:"quantityChange"`
	BeforeQty      decimal.Decimal `json:"beforeQty"`
	AfterQty       decimal.Decimal `json:"afterQty"`
	ReferenceID    string          `json:"referenceId"`
	OperatorID     string          `json:"operatorId"`
	Note           string          `json:"note"`
	Timestamp      time.Time       `json:"timestamp"`
}

// SnapshotItem is one stock row captured inside a snapshot.
type SnapshotItem struct {
	ItemCode        string          `json:"itemCode"`
	Quantity        decimal.Decimal `json:"quantity"`
	MinimumQuantity decimal.Decimal `json:"minimumQuantity"`
	ReorderPoint    decimal.Decimal `json:"reorderPoint"`
}

// Snapshot is a point-in-time dump of a store's stock rows.
type Snapshot struct {
	SnapshotID    string          `json:"snapshotId"`
	TenantID      string          `json:"tenantId"`
	StoreCode     string          `json:"storeCode"`
	TotalItems    int             `json:"totalItems"`
	TotalQuantity decimal.Decimal `json:"totalQuantity"`
	Stocks        []SnapshotItem  `json:"stocks"`
	CreatedBy     string          `json:"createdBy"`
	GeneratedAt   time.Time       `json:"generateDateTime"`
}

// Collections owned by this engine.
const (
	ColStocks    = "stocks"
	ColUpdates   = "stock_updates"
	ColSnapshots = "stock_snapshots"
)
