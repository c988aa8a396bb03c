package catalog

import (
	"context"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"openpos/internal/apperr"
	"openpos/internal/store"
)

func newSeededProvider(t *testing.T) (*Local, *Seeder) {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	mgr, err := store.NewManager(t.TempDir(), "pos", 8, logger)
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	t.Cleanup(mgr.Close)
	return NewLocal(mgr), NewSeeder(mgr)
}

func TestPricingResolutionOrder(t *testing.T) {
	t.Parallel()
	p, seed := newSeededProvider(t)
	ctx := context.Background()

	item := Item{ItemCode: "ITEM001", Description: "coffee", UnitPrice: decimal.NewFromInt(300), TaxCode: "TAX_10"}
	if err := seed.PutItem(ctx, "A1234", item); err != nil {
		t.Fatalf("PutItem: %v", err)
	}

	// No override: common price.
	price, err := ResolvePrice(ctx, p, "A1234", "store001", &item)
	if err != nil {
		t.Fatalf("ResolvePrice: %v", err)
	}
	if !price.Equal(decimal.NewFromInt(300)) {
		t.Errorf("price = %s, want 300", price)
	}

	// Store override wins.
	if err := seed.PutStorePrice(ctx, "A1234", StorePrice{StoreCode: "store001", ItemCode: "ITEM001", UnitPrice: decimal.NewFromInt(280)}); err != nil {
		t.Fatalf("PutStorePrice: %v", err)
	}
	price, err = ResolvePrice(ctx, p, "A1234", "store001", &item)
	if err != nil {
		t.Fatalf("ResolvePrice with override: %v", err)
	}
	if !price.Equal(decimal.NewFromInt(280)) {
		t.Errorf("price = %s, want 280", price)
	}

	// No price anywhere is a validation error.
	bare := Item{ItemCode: "ITEM999", TaxCode: "TAX_10"}
	if _, err := ResolvePrice(ctx, p, "A1234", "store001", &bare); !apperr.IsKind(err, apperr.KindValidation) {
		t.Errorf("missing price error = %v, want Validation", err)
	}
}

func TestLocalProviderNotFound(t *testing.T) {
	t.Parallel()
	p, _ := newSeededProvider(t)

	if _, err := p.Item(context.Background(), "A1234", "MISSING"); !apperr.IsKind(err, apperr.KindNotFound) {
		t.Errorf("Item error = %v, want NotFound", err)
	}
	if _, err := p.Tax(context.Background(), "A1234", "MISSING"); !apperr.IsKind(err, apperr.KindNotFound) {
		t.Errorf("Tax error = %v, want NotFound", err)
	}
}

func TestCachedProviderReadThrough(t *testing.T) {
	t.Parallel()
	p, seed := newSeededProvider(t)
	ctx := context.Background()

	if err := seed.PutTax(ctx, "A1234", Tax{TaxCode: "TAX_10", Rate: decimal.NewFromInt(10), RoundMethod: RoundHalfUp, TaxType: TaxExclusive}); err != nil {
		t.Fatalf("PutTax: %v", err)
	}

	cached := NewCached(p, 16, time.Minute)
	first, err := cached.Tax(ctx, "A1234", "TAX_10")
	if err != nil {
		t.Fatalf("Tax: %v", err)
	}

	// Change the backing record; the cached copy must still be served.
	if err := seed.PutTax(ctx, "A1234", Tax{TaxCode: "TAX_10", Rate: decimal.NewFromInt(8), RoundMethod: RoundHalfUp, TaxType: TaxExclusive}); err != nil {
		t.Fatalf("PutTax update: %v", err)
	}
	second, err := cached.Tax(ctx, "A1234", "TAX_10")
	if err != nil {
		t.Fatalf("Tax cached: %v", err)
	}
	if !second.Rate.Equal(first.Rate) {
		t.Errorf("cache missed: rate = %s, want %s", second.Rate, first.Rate)
	}
}
