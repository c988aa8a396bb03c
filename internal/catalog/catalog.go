// Package catalog provides the read-through view of Master-Data the engines
// price and tax against: items, store price overrides, tax rules, and
// payment methods.
//
// Master-Data CRUD lives in its own service; this package only reads. Two
// providers exist: Local reads the tenant store directly (single-process
// deployments and tests), Remote calls the Master-Data API through a resty
// client guarded by retry and a circuit breaker. Either can be wrapped in
// the TTL cache.
package catalog

import (
	"context"

	"github.com/shopspring/decimal"

	"openpos/internal/apperr"
	"openpos/internal/store"
)

// Rounding methods for tax computation.
const (
	RoundHalfUp = "ROUND"
	RoundFloor  = "FLOOR"
	RoundCeil   = "CEIL"
)

// Tax types.
const (
	TaxExclusive = "exclusive"
	TaxInclusive = "inclusive"
	TaxExempt    = "exempt"
)

// Item is a sellable product in the common catalog.
type Item struct {
	ItemCode     string          `json:"itemCode"`
	Description  string          `json:"description"`
	UnitPrice    decimal.Decimal `json:"unitPrice"`
	TaxCode      string          `json:"taxCode"`
	CategoryCode string          `json:"categoryCode"`
}

// StorePrice is a per-store price override for an item.
type StorePrice struct {
	StoreCode string          `json:"storeCode"`
	ItemCode  string          `json:"itemCode"`
	UnitPrice decimal.Decimal `json:"unitPrice"`
}

// Tax is a tax master entry. Rate is a percentage (10 means 10%).
type Tax struct {
	TaxCode     string          `json:"taxCode"`
	Description string          `json:"description"`
	Rate        decimal.Decimal `json:"rate"`
	RoundDigit  int32           `json:"roundDigit"`
	RoundMethod string          `json:"roundMethod"`
	TaxType     string          `json:"taxType"`
}

// Payment is a payment-method master entry.
//
//   - CanChange: the method returns change on overpayment (cash does).
//   - CanDepositOver: the method accepts a deposit above the balance due.
type Payment struct {
	PaymentCode    string          `json:"paymentCode"`
	Description    string          `json:"description"`
	CanChange      bool            `json:"canChange"`
	CanDepositOver bool            `json:"canDepositOver"`
	MinAmount      decimal.Decimal `json:"minAmount"`
	MaxAmount      decimal.Decimal `json:"maxAmount"` // zero means unlimited
}

// Provider is the read surface the engines depend on.
type Provider interface {
	Item(ctx context.Context, tenantID, itemCode string) (*Item, error)
	StorePrice(ctx context.Context, tenantID, storeCode, itemCode string) (*StorePrice, error)
	Tax(ctx context.Context, tenantID, taxCode string) (*Tax, error)
	Payment(ctx context.Context, tenantID, paymentCode string) (*Payment, error)
}

// ResolvePrice applies the pricing resolution order for a line: the
// store-specific override wins, then the common item price.
func ResolvePrice(ctx context.Context, p Provider, tenantID, storeCode string, item *Item) (decimal.Decimal, error) {
	sp, err := p.StorePrice(ctx, tenantID, storeCode, item.ItemCode)
	if err != nil && !apperr.IsKind(err, apperr.KindNotFound) {
		return decimal.Zero, err
	}
	if sp != nil {
		return sp.UnitPrice, nil
	}
	if item.UnitPrice.IsZero() {
		return decimal.Zero, apperr.Validation(apperr.CodeMasterBase+501, "item %s has no price", item.ItemCode)
	}
	return item.UnitPrice, nil
}

// Collections in the tenant store.
const (
	colItems      = "master_items"
	colStorePrice = "master_item_store"
	colTaxes      = "master_taxes"
	colPayments   = "master_payments"
)

// Local reads master data straight from the tenant store.
type Local struct {
	mgr *store.Manager
}

// NewLocal creates a store-backed provider.
func NewLocal(mgr *store.Manager) *Local { return &Local{mgr: mgr} }

func (l *Local) Item(ctx context.Context, tenantID, itemCode string) (*Item, error) {
	db, err := l.mgr.Tenant(tenantID)
	if err != nil {
		return nil, err
	}
	var item Item
	if _, err := db.Get(ctx, colItems, itemCode, &item); err != nil {
		if apperr.IsKind(err, apperr.KindNotFound) {
			return nil, apperr.NotFound(apperr.CodeMasterBase+404, "item %s not found", itemCode)
		}
		return nil, err
	}
	return &item, nil
}

func (l *Local) StorePrice(ctx context.Context, tenantID, storeCode, itemCode string) (*StorePrice, error) {
	db, err := l.mgr.Tenant(tenantID)
	if err != nil {
		return nil, err
	}
	var sp StorePrice
	if _, err := db.Get(ctx, colStorePrice, storeCode+":"+itemCode, &sp); err != nil {
		return nil, err
	}
	return &sp, nil
}

func (l *Local) Tax(ctx context.Context, tenantID, taxCode string) (*Tax, error) {
	db, err := l.mgr.Tenant(tenantID)
	if err != nil {
		return nil, err
	}
	var tax Tax
	if _, err := db.Get(ctx, colTaxes, taxCode, &tax); err != nil {
		if apperr.IsKind(err, apperr.KindNotFound) {
			return nil, apperr.NotFound(apperr.CodeMasterBase+405, "tax %s not found", taxCode)
		}
		return nil, err
	}
	return &tax, nil
}

func (l *Local) Payment(ctx context.Context, tenantID, paymentCode string) (*Payment, error) {
	db, err := l.mgr.Tenant(tenantID)
	if err != nil {
		return nil, err
	}
	var pay Payment
	if _, err := db.Get(ctx, colPayments, paymentCode, &pay); err != nil {
		if apperr.IsKind(err, apperr.KindNotFound) {
			return nil, apperr.NotFound(apperr.CodeMasterBase+406, "payment method %s not found", paymentCode)
		}
		return nil, err
	}
	return &pay, nil
}

// Seeder writes master data into a tenant store. The Master-Data service
// owns these records in production; the seeder backs tests and
// single-process bootstrap.
type Seeder struct {
	mgr *store.Manager
}

func NewSeeder(mgr *store.Manager) *Seeder { return &Seeder{mgr: mgr} }

func (s *Seeder) put(ctx context.Context, tenantID, collection, key string, doc any) error {
	db, err := s.mgr.Tenant(tenantID)
	if err != nil {
		return err
	}
	etag, err := db.Insert(ctx, collection, key, doc)
	if apperr.IsKind(err, apperr.KindConflict) {
		if etag, err = db.Get(ctx, collection, key, nil); err != nil {
			return err
		}
		_, err = db.Update(ctx, collection, key, doc, etag)
	}
	return err
}

func (s *Seeder) PutItem(ctx context.Context, tenantID string, item Item) error {
	return s.put(ctx, tenantID, colItems, item.ItemCode, item)
}

func (s *Seeder) PutStorePrice(ctx context.Context, tenantID string, sp StorePrice) error {
	return s.put(ctx, tenantID, colStorePrice, sp.StoreCode+":"+sp.ItemCode, sp)
}

func (s *Seeder) PutTax(ctx context.Context, tenantID string, tax Tax) error {
	return s.put(ctx, tenantID, colTaxes, tax.TaxCode, tax)
}

func (s *Seeder) PutPayment(ctx context.Context, tenantID string, pay Payment) error {
	return s.put(ctx, tenantID, colPayments, pay.PaymentCode, pay)
}
