// Package report materializes delivered events into per-terminal report
// rows: sales, cash movements, and open/close reconciliations. Rows are
// plain documents keyed for range reads by terminal; aggregation happens at
// read time by the caller.
package report

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"openpos/internal/apperr"
	"openpos/internal/sink"
	"openpos/internal/store"
	"openpos/pkg/types"
)

// Collections owned by the report sink.
const (
	ColSales     = "report_sales"
	ColCash      = "report_cash"
	ColOpenClose = "report_openclose"
)

// Sink persists report rows from the three event topics.
type Sink struct {
	mgr    *store.Manager
	logger *slog.Logger
}

func New(mgr *store.Manager, logger *slog.Logger) *Sink {
	return &Sink{mgr: mgr, logger: logger.With("component", "report-sink")}
}

// put inserts a row, treating a duplicate key as already materialized.
// Replays land here when the idempotency record expired before the row did.
func (s *Sink) put(ctx context.Context, tenantID, collection, key string, doc any) error {
	db, err := s.mgr.Tenant(tenantID)
	if err != nil {
		return err
	}
	if _, err := db.Insert(ctx, collection, key, doc); err != nil && !apperr.IsKind(err, apperr.KindConflict) {
		return err
	}
	return nil
}

// TranlogHandler persists a sales row per completed transaction.
func (s *Sink) TranlogHandler() sink.HandlerFunc {
	return func(ctx context.Context, evt types.Event) (string, error) {
		var tl types.Tranlog
		if err := json.Unmarshal(evt.Payload, &tl); err != nil {
			return "", apperr.Validation(apperr.CodeCartBase+501, "malformed tranlog payload: %v", err)
		}
		key := fmt.Sprintf("%s:%s:%010d", tl.TerminalID, tl.BusinessDate, tl.TransactionNo)
		if err := s.put(ctx, tl.TenantID, ColSales, key, tl); err != nil {
			return "", err
		}
		return key, nil
	}
}

// CashlogHandler persists a cash-movement row.
func (s *Sink) CashlogHandler() sink.HandlerFunc {
	return func(ctx context.Context, evt types.Event) (string, error) {
		var cl types.Cashlog
		if err := json.Unmarshal(evt.Payload, &cl); err != nil {
			return "", apperr.Validation(apperr.CodeCartBase+502, "malformed cashlog payload: %v", err)
		}
		key := fmt.Sprintf("%s:%s:%s", cl.TerminalID, cl.BusinessDate, evt.EventID)
		if err := s.put(ctx, cl.TenantID, ColCash, key, cl); err != nil {
			return "", err
		}
		return key, nil
	}
}

// OpenCloseHandler persists an open/close reconciliation row.
func (s *Sink) OpenCloseHandler() sink.HandlerFunc {
	return func(ctx context.Context, evt types.Event) (string, error) {
		var ocl types.OpenCloseLog
		if err := json.Unmarshal(evt.Payload, &ocl); err != nil {
			return "", apperr.Validation(apperr.CodeCartBase+503, "malformed opencloselog payload: %v", err)
		}
		key := fmt.Sprintf("%s:%s:%s:%d", ocl.TerminalID, ocl.BusinessDate, ocl.Kind, ocl.OpenCounter)
		if err := s.put(ctx, ocl.TenantID, ColOpenClose, key, ocl); err != nil {
			return "", err
		}
		return key, nil
	}
}

// Sales returns the terminal's sales rows for a business date.
func (s *Sink) Sales(ctx context.Context, tenantID, terminalID, businessDate string) ([]types.Tranlog, error) {
	var out []types.Tranlog
	err := s.list(ctx, tenantID, ColSales, terminalID+":"+businessDate+":", func(data []byte) error {
		var tl types.Tranlog
		if err := json.Unmarshal(data, &tl); err != nil {
			return err
		}
		out = append(out, tl)
		return nil
	})
	return out, err
}

// Cash returns the terminal's cash movements for a business date.
func (s *Sink) Cash(ctx context.Context, tenantID, terminalID, businessDate string) ([]types.Cashlog, error) {
	var out []types.Cashlog
	err := s.list(ctx, tenantID, ColCash, terminalID+":"+businessDate+":", func(data []byte) error {
		var cl types.Cashlog
		if err := json.Unmarshal(data, &cl); err != nil {
			return err
		}
		out = append(out, cl)
		return nil
	})
	return out, err
}

// OpenClose returns the terminal's open/close rows for a business date.
func (s *Sink) OpenClose(ctx context.Context, tenantID, terminalID, businessDate string) ([]types.OpenCloseLog, error) {
	var out []types.OpenCloseLog
	err := s.list(ctx, tenantID, ColOpenClose, terminalID+":"+businessDate+":", func(data []byte) error {
		var ocl types.OpenCloseLog
		if err := json.Unmarshal(data, &ocl); err != nil {
			return err
		}
		out = append(out, ocl)
		return nil
	})
	return out, err
}

func (s *Sink) list(ctx context.Context, tenantID, collection, prefix string, decode func([]byte) error) error {
	db, err := s.mgr.Tenant(tenantID)
	if err != nil {
		return err
	}
	docs, err := db.List(ctx, collection, store.ListOptions{Prefix: prefix})
	if err != nil {
		return err
	}
	for _, d := range docs {
		if err := decode(d.Data); err != nil {
			return fmt.Errorf("decode %s %s: %w", collection, d.Key, err)
		}
	}
	return nil
}
