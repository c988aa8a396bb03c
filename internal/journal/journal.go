// Package journal persists the receipt/journal text rendered by the
// terminal and cart engines, retrievable by terminal and business date.
package journal

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"openpos/internal/apperr"
	"openpos/internal/sink"
	"openpos/internal/store"
	"openpos/pkg/types"
)

// ColJournals holds journal entries keyed terminal:date:kind-discriminator.
const ColJournals = "journals"

// Entry kinds, one per source topic.
const (
	KindTranlog   = "tranlog"
	KindCashlog   = "cashlog"
	KindOpenClose = "opencloselog"
)

// Entry is one archived journal text.
type Entry struct {
	TenantID     string    `json:"tenantId"`
	StoreCode    string    `json:"storeCode"`
	TerminalID   string    `json:"terminalId"`
	BusinessDate string    `json:"businessDate"`
	Kind         string    `json:"kind"`
	ReceiptText  string    `json:"receiptText"`
	JournalText  string    `json:"journalText"`
	ReceivedAt   time.Time `json:"receivedAt"`
}

// Sink archives journal text from the three event topics.
type Sink struct {
	mgr    *store.Manager
	logger *slog.Logger
}

func New(mgr *store.Manager, logger *slog.Logger) *Sink {
	return &Sink{mgr: mgr, logger: logger.With("component", "journal-sink")}
}

func (s *Sink) put(ctx context.Context, key string, entry Entry) error {
	db, err := s.mgr.Tenant(entry.TenantID)
	if err != nil {
		return err
	}
	entry.ReceivedAt = time.Now().UTC()
	if _, err := db.Insert(ctx, ColJournals, key, entry); err != nil && !apperr.IsKind(err, apperr.KindConflict) {
		return err
	}
	return nil
}

// TranlogHandler archives the sale receipt and journal text.
func (s *Sink) TranlogHandler() sink.HandlerFunc {
	return func(ctx context.Context, evt types.Event) (string, error) {
		var tl types.Tranlog
		if err := json.Unmarshal(evt.Payload, &tl); err != nil {
			return "", apperr.Validation(apperr.CodeCartBase+511, "malformed tranlog payload: %v", err)
		}
		key := fmt.Sprintf("%s:%s:%s:%010d", tl.TerminalID, tl.BusinessDate, KindTranlog, tl.TransactionNo)
		err := s.put(ctx, key, Entry{
			TenantID:     tl.TenantID,
			StoreCode:    tl.StoreCode,
			TerminalID:   tl.TerminalID,
			BusinessDate: tl.BusinessDate,
			Kind:         KindTranlog,
			ReceiptText:  tl.ReceiptText,
			JournalText:  tl.JournalText,
		})
		if err != nil {
			return "", err
		}
		return key, nil
	}
}

// CashlogHandler archives the cash movement slip.
func (s *Sink) CashlogHandler() sink.HandlerFunc {
	return func(ctx context.Context, evt types.Event) (string, error) {
		var cl types.Cashlog
		if err := json.Unmarshal(evt.Payload, &cl); err != nil {
			return "", apperr.Validation(apperr.CodeCartBase+512, "malformed cashlog payload: %v", err)
		}
		key := fmt.Sprintf("%s:%s:%s:%s", cl.TerminalID, cl.BusinessDate, KindCashlog, evt.EventID)
		err := s.put(ctx, key, Entry{
			TenantID:     cl.TenantID,
			StoreCode:    cl.StoreCode,
			TerminalID:   cl.TerminalID,
			BusinessDate: cl.BusinessDate,
			Kind:         KindCashlog,
			ReceiptText:  cl.ReceiptText,
			JournalText:  cl.JournalText,
		})
		if err != nil {
			return "", err
		}
		return key, nil
	}
}

// OpenCloseHandler archives the open/close report text.
func (s *Sink) OpenCloseHandler() sink.HandlerFunc {
	return func(ctx context.Context, evt types.Event) (string, error) {
		var ocl types.OpenCloseLog
		if err := json.Unmarshal(evt.Payload, &ocl); err != nil {
			return "", apperr.Validation(apperr.CodeCartBase+513, "malformed opencloselog payload: %v", err)
		}
		key := fmt.Sprintf("%s:%s:%s:%s:%d", ocl.TerminalID, ocl.BusinessDate, KindOpenClose, ocl.Kind, ocl.OpenCounter)
		err := s.put(ctx, key, Entry{
			TenantID:     ocl.TenantID,
			StoreCode:    ocl.StoreCode,
			TerminalID:   ocl.TerminalID,
			BusinessDate: ocl.BusinessDate,
			Kind:         KindOpenClose,
			ReceiptText:  ocl.ReceiptText,
			JournalText:  ocl.JournalText,
		})
		if err != nil {
			return "", err
		}
		return key, nil
	}
}

// List returns the terminal's journal entries for a business date, in key
// order (tranlogs by number, cash by event, open/close by counter).
func (s *Sink) List(ctx context.Context, tenantID, terminalID, businessDate string) ([]Entry, error) {
	db, err := s.mgr.Tenant(tenantID)
	if err != nil {
		return nil, err
	}
	docs, err := db.List(ctx, ColJournals, store.ListOptions{Prefix: terminalID + ":" + businessDate + ":"})
	if err != nil {
		return nil, err
	}
	out := make([]Entry, 0, len(docs))
	for _, d := range docs {
		var e Entry
		if err := json.Unmarshal(d.Data, &e); err != nil {
			return nil, fmt.Errorf("decode journal %s: %w", d.Key, err)
		}
		out = append(out, e)
	}
	return out, nil
}
