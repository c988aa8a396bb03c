package terminal

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	"openpos/pkg/types"
)

// Formatter renders the receipt and journal text for drawer and open/close
// operations. Output is deterministic for a given input: timestamps are
// rendered from the log record, never from the clock.
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
	pad := (f.width - len(s)) / 2
	return strings.Repeat(" ", pad) + s
}

func money(d decimal.Decimal) string { return d.StringFixed(2) }

// CashReceipt renders the customer-facing slip for a cash movement.
func (f *Formatter) CashReceipt(log types.Cashlog) string {
	title := "CASH IN"
	if log.Direction == types.CashOut {
		title = "CASH OUT"
	}
	var b strings.Builder
	fmt.Fprintln(&b, f.center(title))
	fmt.Fprintln(&b, f.rule())
	fmt.Fprintln(&b, f.line("Terminal", log.TerminalID))
	fmt.Fprintln(&b, f.line("Date", log.BusinessDate))
	fmt.Fprintln(&b, f.line("Operator", log.OperatorID))
	if log.Reason != "" {
		fmt.Fprintln(&b, f.line("Reason", log.Reason))
	}
	fmt.Fprintln(&b, f.rule())
	fmt.Fprintln(&b, f.line("Amount", money(log.Amount)))
	return b.String()
}

// CashJournal renders the audit journal line for a cash movement.
func (f *Formatter) CashJournal(log types.Cashlog) string {
	dir := "IN"
	if log.Direction == types.CashOut {
		dir = "OUT"
	}
	return fmt.Sprintf("CASH %s %s %s %s op=%s reason=%q note=%q",
		dir, log.TerminalID, log.BusinessDate, money(log.Amount), log.OperatorID, log.Reason, log.Note)
}

// OpenReceipt renders the open-terminal report.
func (f *Formatter) OpenReceipt(log types.OpenCloseLog) string {
	var b strings.Builder
	fmt.Fprintln(&b, f.center("TERMINAL OPEN"))
	fmt.Fprintln(&b, f.rule())
	fmt.Fprintln(&b, f.line("Terminal", log.TerminalID))
	fmt.Fprintln(&b, f.line("Date", log.BusinessDate))
	fmt.Fprintln(&b, f.line("Open No.", fmt.Sprintf("%d", log.OpenCounter)))
	fmt.Fprintln(&b, f.line("Staff", log.StaffID))
	fmt.Fprintln(&b, f.rule())
	fmt.Fprintln(&b, f.line("Float", money(log.InitialAmount)))
	return b.String()
}

// OpenJournal renders the audit line for an open.
func (f *Formatter) OpenJournal(log types.OpenCloseLog) string {
	return fmt.Sprintf("OPEN %s %s no=%d staff=%s float=%s",
		log.TerminalID, log.BusinessDate, log.OpenCounter, log.StaffID, money(log.InitialAmount))
}

// CloseReceipt renders the close-terminal reconciliation report.
func (f *Formatter) CloseReceipt(log types.OpenCloseLog) string {
	var b strings.Builder
	fmt.Fprintln(&b, f.center("TERMINAL CLOSE"))
	fmt.Fprintln(&b, f.rule())
	fmt.Fprintln(&b, f.line("Terminal", log.TerminalID))
	fmt.Fprintln(&b, f.line("Date", log.BusinessDate))
	fmt.Fprintln(&b, f.line("Staff", log.StaffID))
	fmt.Fprintln(&b, f.rule())
	fmt.Fprintln(&b, f.line("Float", money(log.InitialAmount)))
	fmt.Fprintln(&b, f.line("Expected", money(log.ExpectedAmount)))
	fmt.Fprintln(&b, f.line("Counted", money(log.PhysicalAmount)))
	fmt.Fprintln(&b, f.line("Difference", money(log.Difference)))
	return b.String()
}

// CloseJournal renders the audit line for a close.
func (f *Formatter) CloseJournal(log types.OpenCloseLog) string {
	return fmt.Sprintf("CLOSE %s %s staff=%s expected=%s counted=%s diff=%s",
		log.TerminalID, log.BusinessDate, log.StaffID,
		money(log.ExpectedAmount), money(log.PhysicalAmount), money(log.Difference))
}
