package cart

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	"openpos/pkg/types"
)

// Formatter renders sale receipt and journal text. Output is deterministic
// for a given tranlog: everything is rendered from the record itself.
type Formatter struct {
	width int
}

// NewFormatter creates a formatter for 32-column receipt printers.
func NewFormatter() *Formatter { return &Formatter{width: 32} }

func (f *Formatter) line(left, right string) string {
	pad := f.width - len(left) - len(right)
	if pad < 1 {
		pad = 1
	}
	return left + strings.Repeat(" ", pad) + right
}

func (f *Formatter) rule() string { return strings.Repeat("-", f.width) }

func (f *Formatter) center(s string) string {
	if len(s) >= f.width {
		return s
	}
	return strings.Repeat(" ", (f.width-len(s))/2) + s
}

func money(d decimal.Decimal) string { return d.StringFixed(2) }

// SaleReceipt renders the customer-facing receipt for a completed
// transaction. Cancelled lines are omitted.
func (f *Formatter) SaleReceipt(tl types.Tranlog) string {
	var b strings.Builder
	fmt.Fprintln(&b, f.center("RECEIPT"))
	fmt.Fprintln(&b, f.rule())
	fmt.Fprintln(&b, f.line("Terminal", tl.TerminalID))
	fmt.Fprintln(&b, f.line("Date", tl.BusinessDate))
	fmt.Fprintln(&b, f.line("Receipt No.", fmt.Sprintf("%d", tl.ReceiptNo)))
	fmt.Fprintln(&b, f.line("Staff", tl.StaffID))
	fmt.Fprintln(&b, f.rule())
	for _, l := range tl.Lines {
		if l.Cancelled {
			continue
		}
		fmt.Fprintln(&b, f.line(l.Description, money(l.Amount)))
		if !l.Quantity.Equal(decimal.NewFromInt(1)) {
			fmt.Fprintln(&b, f.line("  "+l.Quantity.String()+" x "+money(l.UnitPrice), ""))
		}
		if l.Discount.IsPositive() {
			fmt.Fprintln(&b, f.line("  discount", "-"+money(l.Discount)))
		}
	}
	fmt.Fprintln(&b, f.rule())
	fmt.Fprintln(&b, f.line("Subtotal", money(tl.SubTotal)))
	fmt.Fprintln(&b, f.line("Tax", money(tl.TaxAmount)))
	fmt.Fprintln(&b, f.line("TOTAL", money(tl.Total)))
	for _, p := range tl.Payments {
		fmt.Fprintln(&b, f.line(p.Description, money(p.Deposit)))
	}
	if tl.ChangeTotal.IsPositive() {
		fmt.Fprintln(&b, f.line("Change", money(tl.ChangeTotal)))
	}
	return b.String()
}

// SaleJournal renders the audit journal entry for a completed transaction.
// Unlike the receipt it includes cancelled lines.
func (f *Formatter) SaleJournal(tl types.Tranlog) string {
	var b strings.Builder
	fmt.Fprintf(&b, "TRAN %s no=%d receipt=%d date=%s staff=%s type=%s\n",
		tl.TerminalID, tl.TransactionNo, tl.ReceiptNo, tl.BusinessDate, tl.StaffID, tl.TransactionType)
	for _, l := range tl.Lines {
		flag := ""
		if l.Cancelled {
			flag = " CANCELLED"
		}
		fmt.Fprintf(&b, "  %d %s x%s @%s = %s%s\n",
			l.LineNo, l.ItemCode, l.Quantity.String(), money(l.UnitPrice), money(l.Amount), flag)
	}
	for _, p := range tl.Payments {
		fmt.Fprintf(&b, "  PAY %s deposit=%s applied=%s change=%s\n",
			p.PaymentCode, money(p.Deposit), money(p.Amount), money(p.Change))
	}
	fmt.Fprintf(&b, "  subtotal=%s tax=%s total=%s", money(tl.SubTotal), money(tl.TaxAmount), money(tl.Total))
	return b.String()
}
