package cart

import (
	"context"

	"github.com/shopspring/decimal"

	"openpos/internal/catalog"
)

// TaxGroup is the computed tax for one tax code across the cart.
type TaxGroup struct {
	TaxCode   string          `json:"taxCode"`
	TaxType   string          `json:"taxType"`
	Rate      decimal.Decimal `json:"rate"`
	Base      decimal.Decimal `json:"base"`
	TaxAmount decimal.Decimal `json:"taxAmount"`
}

// roundPer applies the tax master's rounding rule.
func roundPer(v decimal.Decimal, digit int32, method string) decimal.Decimal {
	switch method {
	case catalog.RoundFloor:
		return v.RoundFloor(digit)
	case catalog.RoundCeil:
		return v.RoundCeil(digit)
	default:
		return v.Round(digit)
	}
}

// computeTaxes groups non-cancelled lines by tax code and computes each
// group's tax with its configured rounding. The cart-level tax amount is the
// sum of the exclusive group taxes; inclusive taxes are reported per group
// but already contained in the line prices; exempt groups carry zero. There
// is no second-stage rounding across groups.
func computeTaxes(ctx context.Context, provider catalog.Provider, tenantID string, lines []LineItem) ([]TaxGroup, decimal.Decimal, error) {
	bases := map[string]decimal.Decimal{}
	var order []string
	for i := range lines {
		l := &lines[i]
		if l.Cancelled {
			continue
		}
		if _, seen := bases[l.TaxCode]; !seen {
			order = append(order, l.TaxCode)
		}
		bases[l.TaxCode] = bases[l.TaxCode].Add(l.Amount())
	}

	groups := make([]TaxGroup, 0, len(order))
	total := decimal.Zero
	hundred := decimal.NewFromInt(100)
	for _, code := range order {
		tax, err := provider.Tax(ctx, tenantID, code)
		if err != nil {
			return nil, decimal.Zero, err
		}
		base := bases[code]
		g := TaxGroup{TaxCode: code, TaxType: tax.TaxType, Rate: tax.Rate, Base: base}
		switch tax.TaxType {
		case catalog.TaxInclusive:
			// Tax already inside the price: base * r / (100 + r).
			g.TaxAmount = roundPer(base.Mul(tax.Rate).Div(hundred.Add(tax.Rate)), tax.RoundDigit, tax.RoundMethod)
		case catalog.TaxExempt:
			g.TaxAmount = decimal.Zero
		default: // exclusive
			g.TaxAmount = roundPer(base.Mul(tax.Rate).Div(hundred), tax.RoundDigit, tax.RoundMethod)
			total = total.Add(g.TaxAmount)
		}
		groups = append(groups, g)
	}
	return groups, total, nil
}
