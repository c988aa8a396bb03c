package httpapi

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"openpos/internal/auth"
	"openpos/internal/scheduler"
	"openpos/internal/stock"
)

func (s *Server) handleListStock(w http.ResponseWriter, r *http.Request) {
	const op = "stock.list"
	limit, offset := pagination(r)
	rows, err := s.stocks.List(r.Context(), chi.URLParam(r, "tenantId"), chi.URLParam(r, "storeCode"), limit, offset)
	if err != nil {
		respondErr(w, s.logger, op, err)
		return
	}
	respond(w, http.StatusOK, op, rows)
}

func (s *Server) handleGetStock(w http.ResponseWriter, r *http.Request) {
	const op = "stock.get"
	row, err := s.stocks.Get(r.Context(), chi.URLParam(r, "tenantId"), chi.URLParam(r, "storeCode"), chi.URLParam(r, "itemCode"))
	if err != nil {
		respondErr(w, s.logger, op, err)
		return
	}
	respond(w, http.StatusOK, op, row)
}

type stockUpdateRequest struct {
	QuantityChange decimal.Decimal `json:"quantityChange"`
	UpdateType     string          `json:"updateType"`
	ReferenceID    string          `json:"referenceId,omitempty"`
	Note           string          `json:"note,omitempty"`
}

func (s *Server) handleUpdateStock(w http.ResponseWriter, r *http.Request) {
	const op = "stock.update"
	var req stockUpdateRequest
	if err := decode(r, &req); err != nil {
		respondErr(w, s.logger, op, err)
		return
	}
	operator := ""
	if caller, ok := auth.CallerFrom(r.Context()); ok {
		operator = caller.UserID
		if operator == "" {
			operator = caller.StaffID
		}
	}
	row, audit, err := s.stocks.Update(r.Context(), chi.URLParam(r, "tenantId"), stock.UpdateRequest{
		StoreCode:      chi.URLParam(r, "storeCode"),
		ItemCode:       chi.URLParam(r, "itemCode"),
		QuantityChange: req.QuantityChange,
		UpdateType:     req.UpdateType,
		ReferenceID:    req.ReferenceID,
		OperatorID:     operator,
		Note:           req.Note,
	})
	if err != nil {
		respondErr(w, s.logger, op, err)
		return
	}
	respond(w, http.StatusOK, op, map[string]any{
		"stock":  row,
		"update": audit,
	})
}

func (s *Server) handleStockHistory(w http.ResponseWriter, r *http.Request) {
	const op = "stock.history"
	limit, offset := pagination(r)
	rows, err := s.stocks.History(r.Context(),
		chi.URLParam(r, "tenantId"), chi.URLParam(r, "storeCode"), chi.URLParam(r, "itemCode"), limit, offset)
	if err != nil {
		respondErr(w, s.logger, op, err)
		return
	}
	respond(w, http.StatusOK, op, rows)
}

type minimumRequest struct {
	MinimumQuantity decimal.Decimal `json:"minimumQuantity"`
}

func (s *Server) handleSetMinimum(w http.ResponseWriter, r *http.Request) {
	const op = "stock.setMinimum"
	var req minimumRequest
	if err := decode(r, &req); err != nil {
		respondErr(w, s.logger, op, err)
		return
	}
	row, err := s.stocks.SetMinimum(r.Context(),
		chi.URLParam(r, "tenantId"), chi.URLParam(r, "storeCode"), chi.URLParam(r, "itemCode"), req.MinimumQuantity)
	if err != nil {
		respondErr(w, s.logger, op, err)
		return
	}
	respond(w, http.StatusOK, op, row)
}

type reorderRequest struct {
	ReorderPoint    decimal.Decimal `json:"reorderPoint"`
	ReorderQuantity decimal.Decimal `json:"reorderQuantity"`
}

func (s *Server) handleSetReorder(w http.ResponseWriter, r *http.Request) {
	const op = "stock.setReorder"
	var req reorderRequest
	if err := decode(r, &req); err != nil {
		respondErr(w, s.logger, op, err)
		return
	}
	row, err := s.stocks.SetReorder(r.Context(),
		chi.URLParam(r, "tenantId"), chi.URLParam(r, "storeCode"), chi.URLParam(r, "itemCode"),
		req.ReorderPoint, req.ReorderQuantity)
	if err != nil {
		respondErr(w, s.logger, op, err)
		return
	}
	respond(w, http.StatusOK, op, row)
}

func (s *Server) handleLowStock(w http.ResponseWriter, r *http.Request) {
	const op = "stock.low"
	rows, err := s.stocks.Low(r.Context(), chi.URLParam(r, "tenantId"), chi.URLParam(r, "storeCode"))
	if err != nil {
		respondErr(w, s.logger, op, err)
		return
	}
	respond(w, http.StatusOK, op, rows)
}

func (s *Server) handleReorderAlerts(w http.ResponseWriter, r *http.Request) {
	const op = "stock.reorderAlerts"
	rows, err := s.stocks.ReorderAlerts(r.Context(), chi.URLParam(r, "tenantId"), chi.URLParam(r, "storeCode"))
	if err != nil {
		respondErr(w, s.logger, op, err)
		return
	}
	respond(w, http.StatusOK, op, rows)
}

func (s *Server) handleCreateSnapshot(w http.ResponseWriter, r *http.Request) {
	const op = "stock.snapshot.create"
	createdBy := "api"
	if caller, ok := auth.CallerFrom(r.Context()); ok && caller.UserID != "" {
		createdBy = caller.UserID
	}
	snap, err := s.stocks.CreateSnapshot(r.Context(), chi.URLParam(r, "tenantId"), chi.URLParam(r, "storeCode"), createdBy)
	if err != nil {
		respondErr(w, s.logger, op, err)
		return
	}
	respond(w, http.StatusCreated, op, snap)
}

func (s *Server) handleListSnapshots(w http.ResponseWriter, r *http.Request) {
	const op = "stock.snapshot.list"
	limit, offset := pagination(r)
	snaps, err := s.stocks.ListSnapshots(r.Context(), chi.URLParam(r, "tenantId"), limit, offset)
	if err != nil {
		respondErr(w, s.logger, op, err)
		return
	}
	respond(w, http.StatusOK, op, snaps)
}

func (s *Server) handleGetSnapshot(w http.ResponseWriter, r *http.Request) {
	const op = "stock.snapshot.get"
	snap, err := s.stocks.GetSnapshot(r.Context(), chi.URLParam(r, "tenantId"), chi.URLParam(r, "snapshotId"))
	if err != nil {
		respondErr(w, s.logger, op, err)
		return
	}
	respond(w, http.StatusOK, op, snap)
}

func (s *Server) handleDeleteSnapshot(w http.ResponseWriter, r *http.Request) {
	const op = "stock.snapshot.delete"
	if err := s.stocks.DeleteSnapshot(r.Context(), chi.URLParam(r, "tenantId"), chi.URLParam(r, "snapshotId")); err != nil {
		respondErr(w, s.logger, op, err)
		return
	}
	respond(w, http.StatusOK, op, nil)
}

type scheduleRequest struct {
	Interval      string   `json:"interval"`
	Hour          int      `json:"hour"`
	Minute        int      `json:"minute"`
	DayOfWeek     int      `json:"dayOfWeek,omitempty"`
	DayOfMonth    int      `json:"dayOfMonth,omitempty"`
	RetentionDays int      `json:"retentionDays"`
	TargetStores  []string `json:"targetStores"`
	Enabled       bool     `json:"enabled"`
}

func (s *Server) handlePutSchedule(w http.ResponseWriter, r *http.Request) {
	const op = "stock.schedule.put"
	var req scheduleRequest
	if err := decode(r, &req); err != nil {
		respondErr(w, s.logger, op, err)
		return
	}
	sched, err := s.sched.PutSchedule(r.Context(), chi.URLParam(r, "tenantId"), scheduler.Schedule{
		Interval:      req.Interval,
		Hour:          req.Hour,
		Minute:        req.Minute,
		DayOfWeek:     req.DayOfWeek,
		DayOfMonth:    req.DayOfMonth,
		RetentionDays: req.RetentionDays,
		TargetStores:  req.TargetStores,
		Enabled:       req.Enabled,
	})
	if err != nil {
		respondErr(w, s.logger, op, err)
		return
	}
	respond(w, http.StatusOK, op, sched)
}

func (s *Server) handleGetSchedule(w http.ResponseWriter, r *http.Request) {
	const op = "stock.schedule.get"
	sched, err := s.sched.GetSchedule(r.Context(), chi.URLParam(r, "tenantId"))
	if err != nil {
		respondErr(w, s.logger, op, err)
		return
	}
	respond(w, http.StatusOK, op, sched)
}

func (s *Server) handleDeleteSchedule(w http.ResponseWriter, r *http.Request) {
	const op = "stock.schedule.delete"
	if err := s.sched.DeleteSchedule(r.Context(), chi.URLParam(r, "tenantId")); err != nil {
		respondErr(w, s.logger, op, err)
		return
	}
	respond(w, http.StatusOK, op, nil)
}
