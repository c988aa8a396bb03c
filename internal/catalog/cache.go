package catalog

import (
	"context"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

// Cached wraps a Provider with a TTL read-through cache. Master data changes
// rarely relative to sale volume, so a short TTL keeps the hot pricing path
// off the wire without a separate invalidation channel.
type Cached struct {
	next Provider

	items    *expirable.LRU[string, *Item]
	prices   *expirable.LRU[string, *StorePrice]
	taxes    *expirable.LRU[string, *Tax]
	payments *expirable.LRU[string, *Payment]
}

// NewCached wraps next with per-entity LRU caches holding up to size entries
// each for ttl.
func NewCached(next Provider, size int, ttl time.Duration) *Cached {
	return &Cached{
		next:     next,
		items:    expirable.NewLRU[string, *Item](size, nil, ttl),
		prices:   expirable.NewLRU[string, *StorePrice](size, nil, ttl),
		taxes:    expirable.NewLRU[string, *Tax](size, nil, ttl),
		payments: expirable.NewLRU[string, *Payment](size, nil, ttl),
	}
}

func (c *Cached) Item(ctx context.Context, tenantID, itemCode string) (*Item, error) {
	key := tenantID + ":" + itemCode
	if v, ok := c.items.Get(key); ok {
		return v, nil
	}
	v, err := c.next.Item(ctx, tenantID, itemCode)
	if err != nil {
		return nil, err
	}
	c.items.Add(key, v)
	return v, nil
}

func (c *Cached) StorePrice(ctx context.Context, tenantID, storeCode, itemCode string) (*StorePrice, error) {
	key := tenantID + ":" + storeCode + ":" + itemCode
	if v, ok := c.prices.Get(key); ok {
		return v, nil
	}
	v, err := c.next.StorePrice(ctx, tenantID, storeCode, itemCode)
	if err != nil {
		return nil, err
	}
	c.prices.Add(key, v)
	return v, nil
}

func (c *Cached) Tax(ctx context.Context, tenantID, taxCode string) (*Tax, error) {
	key := tenantID + ":" + taxCode
	if v, ok := c.taxes.Get(key); ok {
		return v, nil
	}
	v, err := c.next.Tax(ctx, tenantID, taxCode)
	if err != nil {
		return nil, err
	}
	c.taxes.Add(key, v)
	return v, nil
}

func (c *Cached) Payment(ctx context.Context, tenantID, paymentCode string) (*Payment, error) {
	key := tenantID + ":" + paymentCode
	if v, ok := c.payments.Get(key); ok {
		return v, nil
	}
	v, err := c.next.Payment(ctx, tenantID, paymentCode)
	if err != nil {
		return nil, err
	}
	c.payments.Add(key, v)
	return v, nil
}
