package httpapi

import (
	"context"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"openpos/internal/apperr"
	"openpos/internal/cart"
)

type createCartRequest struct {
	TransactionType string `json:"transactionType,omitempty"`
}

func (s *Server) handleCreateCart(w http.ResponseWriter, r *http.Request) {
	const op = "cart.create"
	id, err := terminalFromPath(r)
	if err != nil {
		respondErr(w, s.logger, op, err)
		return
	}
	var req createCartRequest
	if r.ContentLength > 0 {
		if err := decode(r, &req); err != nil {
			respondErr(w, s.logger, op, err)
			return
		}
	}
	c, err := s.carts.Create(r.Context(), chi.URLParam(r, "tenantId"), id, req.TransactionType)
	if err != nil {
		respondErr(w, s.logger, op, err)
		return
	}
	respond(w, http.StatusCreated, op, c)
}

func (s *Server) handleGetCart(w http.ResponseWriter, r *http.Request) {
	const op = "cart.get"
	c, err := s.carts.Get(r.Context(), chi.URLParam(r, "tenantId"), chi.URLParam(r, "cartId"))
	if err != nil {
		respondErr(w, s.logger, op, err)
		return
	}
	respond(w, http.StatusOK, op, c)
}

type addItemRequest struct {
	ItemCode string          `json:"itemCode"`
	Quantity decimal.Decimal `json:"quantity"`
}

func (s *Server) handleAddItem(w http.ResponseWriter, r *http.Request) {
	const op = "cart.addItem"
	id, err := terminalFromPath(r)
	if err != nil {
		respondErr(w, s.logger, op, err)
		return
	}
	var req addItemRequest
	if err := decode(r, &req); err != nil {
		respondErr(w, s.logger, op, err)
		return
	}
	qty := req.Quantity
	if qty.IsZero() {
		qty = decimal.NewFromInt(1)
	}
	c, err := s.carts.AddItem(r.Context(), chi.URLParam(r, "tenantId"), id, chi.URLParam(r, "cartId"), req.ItemCode, qty)
	if err != nil {
		respondErr(w, s.logger, op, err)
		return
	}
	respond(w, http.StatusOK, op, c)
}

func lineNoFromPath(r *http.Request) (int, error) {
	n, err := strconv.Atoi(chi.URLParam(r, "lineNo"))
	if err != nil || n < 1 {
		return 0, apperr.Validation(apperr.CodeCartBase+151, "invalid line number")
	}
	return n, nil
}

func (s *Server) handleCancelLine(w http.ResponseWriter, r *http.Request) {
	const op = "cart.cancelLine"
	id, err := terminalFromPath(r)
	if err != nil {
		respondErr(w, s.logger, op, err)
		return
	}
	lineNo, err := lineNoFromPath(r)
	if err != nil {
		respondErr(w, s.logger, op, err)
		return
	}
	c, err := s.carts.CancelLine(r.Context(), chi.URLParam(r, "tenantId"), id, chi.URLParam(r, "cartId"), lineNo)
	if err != nil {
		respondErr(w, s.logger, op, err)
		return
	}
	respond(w, http.StatusOK, op, c)
}

type discountRequest struct {
	Description string          `json:"description"`
	Amount      decimal.Decimal `json:"amount"`
	Percent     decimal.Decimal `json:"percent"`
}

func (s *Server) handleLineDiscount(w http.ResponseWriter, r *http.Request) {
	const op = "cart.lineDiscount"
	id, err := terminalFromPath(r)
	if err != nil {
		respondErr(w, s.logger, op, err)
		return
	}
	lineNo, err := lineNoFromPath(r)
	if err != nil {
		respondErr(w, s.logger, op, err)
		return
	}
	var req discountRequest
	if err := decode(r, &req); err != nil {
		respondErr(w, s.logger, op, err)
		return
	}
	c, err := s.carts.ApplyLineDiscount(r.Context(), chi.URLParam(r, "tenantId"), id, chi.URLParam(r, "cartId"), lineNo,
		cart.Discount{Description: req.Description, Amount: req.Amount, Percent: req.Percent})
	if err != nil {
		respondErr(w, s.logger, op, err)
		return
	}
	respond(w, http.StatusOK, op, c)
}

func (s *Server) handleCartDiscount(w http.ResponseWriter, r *http.Request) {
	const op = "cart.discount"
	id, err := terminalFromPath(r)
	if err != nil {
		respondErr(w, s.logger, op, err)
		return
	}
	var req discountRequest
	if err := decode(r, &req); err != nil {
		respondErr(w, s.logger, op, err)
		return
	}
	c, err := s.carts.ApplyCartDiscount(r.Context(), chi.URLParam(r, "tenantId"), id, chi.URLParam(r, "cartId"),
		cart.Discount{Description: req.Description, Amount: req.Amount, Percent: req.Percent})
	if err != nil {
		respondErr(w, s.logger, op, err)
		return
	}
	respond(w, http.StatusOK, op, c)
}

type cartStepFunc func(ctx context.Context, tenantID, terminalID, cartID string) (*cart.Cart, error)

func (s *Server) handleCartStep(w http.ResponseWriter, r *http.Request, op string, step cartStepFunc) {
	id, err := terminalFromPath(r)
	if err != nil {
		respondErr(w, s.logger, op, err)
		return
	}
	c, err := step(r.Context(), chi.URLParam(r, "tenantId"), id, chi.URLParam(r, "cartId"))
	if err != nil {
		respondErr(w, s.logger, op, err)
		return
	}
	respond(w, http.StatusOK, op, c)
}

func (s *Server) handleSubtotal(w http.ResponseWriter, r *http.Request) {
	s.handleCartStep(w, r, "cart.subtotal", s.carts.Subtotal)
}

func (s *Server) handleBack(w http.ResponseWriter, r *http.Request) {
	s.handleCartStep(w, r, "cart.back", s.carts.Back)
}

func (s *Server) handleCompleteCart(w http.ResponseWriter, r *http.Request) {
	s.handleCartStep(w, r, "cart.complete", s.carts.Complete)
}

func (s *Server) handleCancelCart(w http.ResponseWriter, r *http.Request) {
	s.handleCartStep(w, r, "cart.cancel", s.carts.Cancel)
}

func (s *Server) handlePauseCart(w http.ResponseWriter, r *http.Request) {
	s.handleCartStep(w, r, "cart.pause", s.carts.Pause)
}

func (s *Server) handleResumeCart(w http.ResponseWriter, r *http.Request) {
	s.handleCartStep(w, r, "cart.resume", s.carts.Resume)
}

type addPaymentRequest struct {
	PaymentCode string          `json:"paymentCode"`
	Amount      decimal.Decimal `json:"amount"`
}

func (s *Server) handleAddPayment(w http.ResponseWriter, r *http.Request) {
	const op = "cart.addPayment"
	id, err := terminalFromPath(r)
	if err != nil {
		respondErr(w, s.logger, op, err)
		return
	}
	var req addPaymentRequest
	if err := decode(r, &req); err != nil {
		respondErr(w, s.logger, op, err)
		return
	}
	c, err := s.carts.AddPayment(r.Context(), chi.URLParam(r, "tenantId"), id, chi.URLParam(r, "cartId"), req.PaymentCode, req.Amount)
	if err != nil {
		respondErr(w, s.logger, op, err)
		return
	}
	respond(w, http.StatusOK, op, c)
}

func (s *Server) handleListTranlogs(w http.ResponseWriter, r *http.Request) {
	const op = "tranlog.list"
	id, err := terminalFromPath(r)
	if err != nil {
		respondErr(w, s.logger, op, err)
		return
	}
	limit, offset := pagination(r)
	logs, err := s.carts.ListTranlogs(r.Context(), chi.URLParam(r, "tenantId"), id, limit, offset)
	if err != nil {
		respondErr(w, s.logger, op, err)
		return
	}
	respond(w, http.StatusOK, op, logs)
}

func (s *Server) handleGetTranlog(w http.ResponseWriter, r *http.Request) {
	const op = "tranlog.get"
	id, err := terminalFromPath(r)
	if err != nil {
		respondErr(w, s.logger, op, err)
		return
	}
	no, err := strconv.ParseInt(chi.URLParam(r, "transactionNo"), 10, 64)
	if err != nil || no < 1 {
		respondErr(w, s.logger, op, apperr.Validation(apperr.CodeCartBase+152, "invalid transaction number"))
		return
	}
	tl, err := s.carts.GetTranlog(r.Context(), chi.URLParam(r, "tenantId"), id, no)
	if err != nil {
		respondErr(w, s.logger, op, err)
		return
	}
	respond(w, http.StatusOK, op, tl)
}

// pagination reads ?limit=&offset= with zero defaults.
func pagination(r *http.Request) (limit, offset int) {
	limit, _ = strconv.Atoi(r.URL.Query().Get("limit"))
	offset, _ = strconv.Atoi(r.URL.Query().Get("offset"))
	if limit < 0 {
		limit = 0
	}
	if offset < 0 {
		offset = 0
	}
	return limit, offset
}
