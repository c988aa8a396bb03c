package httpapi

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"openpos/internal/terminal"
)

func (s *Server) handleGetTenant(w http.ResponseWriter, r *http.Request) {
	const op = "tenant.get"
	tenant, err := s.terminals.GetTenant(r.Context(), chi.URLParam(r, "tenantId"))
	if err != nil {
		respondErr(w, s.logger, op, err)
		return
	}
	respond(w, http.StatusOK, op, tenant)
}

func (s *Server) handleDeleteTenant(w http.ResponseWriter, r *http.Request) {
	const op = "tenant.delete"
	if err := s.terminals.DeleteTenant(r.Context(), chi.URLParam(r, "tenantId")); err != nil {
		respondErr(w, s.logger, op, err)
		return
	}
	respond(w, http.StatusOK, op, nil)
}

type createStoreRequest struct {
	StoreCode string   `json:"storeCode"`
	Name      string   `json:"storeName"`
	Tags      []string `json:"tags,omitempty"`
}

func (s *Server) handleCreateStore(w http.ResponseWriter, r *http.Request) {
	const op = "store.create"
	var req createStoreRequest
	if err := decode(r, &req); err != nil {
		respondErr(w, s.logger, op, err)
		return
	}
	st, err := s.terminals.CreateStore(r.Context(), chi.URLParam(r, "tenantId"), req.StoreCode, req.Name, req.Tags)
	if err != nil {
		respondErr(w, s.logger, op, err)
		return
	}
	respond(w, http.StatusCreated, op, st)
}

func (s *Server) handleListStores(w http.ResponseWriter, r *http.Request) {
	const op = "store.list"
	stores, err := s.terminals.ListStores(r.Context(), chi.URLParam(r, "tenantId"))
	if err != nil {
		respondErr(w, s.logger, op, err)
		return
	}
	respond(w, http.StatusOK, op, stores)
}

func (s *Server) handleGetStore(w http.ResponseWriter, r *http.Request) {
	const op = "store.get"
	st, err := s.terminals.GetStore(r.Context(), chi.URLParam(r, "tenantId"), chi.URLParam(r, "storeCode"))
	if err != nil {
		respondErr(w, s.logger, op, err)
		return
	}
	respond(w, http.StatusOK, op, st)
}

func (s *Server) handleDeleteStore(w http.ResponseWriter, r *http.Request) {
	const op = "store.delete"
	if err := s.terminals.DeleteStore(r.Context(), chi.URLParam(r, "tenantId"), chi.URLParam(r, "storeCode")); err != nil {
		respondErr(w, s.logger, op, err)
		return
	}
	respond(w, http.StatusOK, op, nil)
}

type createTerminalRequest struct {
	TerminalNo  int    `json:"terminalNo"`
	Description string `json:"description"`
}

// handleCreateTerminal returns the plain API key exactly once.
func (s *Server) handleCreateTerminal(w http.ResponseWriter, r *http.Request) {
	const op = "terminal.create"
	var req createTerminalRequest
	if err := decode(r, &req); err != nil {
		respondErr(w, s.logger, op, err)
		return
	}
	term, apiKey, err := s.terminals.CreateTerminal(r.Context(),
		chi.URLParam(r, "tenantId"), chi.URLParam(r, "storeCode"), req.TerminalNo, req.Description)
	if err != nil {
		respondErr(w, s.logger, op, err)
		return
	}
	respond(w, http.StatusCreated, op, map[string]any{
		"terminal": term,
		"apiKey":   apiKey,
	})
}

func (s *Server) handleListTerminals(w http.ResponseWriter, r *http.Request) {
	const op = "terminal.list"
	terms, err := s.terminals.ListTerminals(r.Context(), chi.URLParam(r, "tenantId"))
	if err != nil {
		respondErr(w, s.logger, op, err)
		return
	}
	respond(w, http.StatusOK, op, terms)
}

func (s *Server) handleGetTerminal(w http.ResponseWriter, r *http.Request) {
	const op = "terminal.get"
	id, err := terminalFromPath(r)
	if err != nil {
		respondErr(w, s.logger, op, err)
		return
	}
	term, err := s.terminals.GetTerminal(r.Context(), chi.URLParam(r, "tenantId"), id)
	if err != nil {
		respondErr(w, s.logger, op, err)
		return
	}
	respond(w, http.StatusOK, op, term)
}

func (s *Server) handleDeleteTerminal(w http.ResponseWriter, r *http.Request) {
	const op = "terminal.delete"
	id, err := terminalFromPath(r)
	if err != nil {
		respondErr(w, s.logger, op, err)
		return
	}
	if err := s.terminals.DeleteTerminal(r.Context(), chi.URLParam(r, "tenantId"), id); err != nil {
		respondErr(w, s.logger, op, err)
		return
	}
	respond(w, http.StatusOK, op, nil)
}

type signInRequest struct {
	StaffID   string `json:"staffId"`
	StaffName string `json:"staffName"`
}

func (s *Server) handleSignIn(w http.ResponseWriter, r *http.Request) {
	const op = "terminal.signIn"
	id, err := terminalFromPath(r)
	if err != nil {
		respondErr(w, s.logger, op, err)
		return
	}
	var req signInRequest
	if err := decode(r, &req); err != nil {
		respondErr(w, s.logger, op, err)
		return
	}
	term, err := s.terminals.SignIn(r.Context(), chi.URLParam(r, "tenantId"), id, req.StaffID, req.StaffName)
	if err != nil {
		respondErr(w, s.logger, op, err)
		return
	}
	respond(w, http.StatusOK, op, term)
}

func (s *Server) handleSignOut(w http.ResponseWriter, r *http.Request) {
	const op = "terminal.signOut"
	id, err := terminalFromPath(r)
	if err != nil {
		respondErr(w, s.logger, op, err)
		return
	}
	term, err := s.terminals.SignOut(r.Context(), chi.URLParam(r, "tenantId"), id)
	if err != nil {
		respondErr(w, s.logger, op, err)
		return
	}
	respond(w, http.StatusOK, op, term)
}

type openRequest struct {
	BusinessDate  string          `json:"businessDate"`
	InitialAmount decimal.Decimal `json:"initialAmount"`
}

func (s *Server) handleOpen(w http.ResponseWriter, r *http.Request) {
	const op = "terminal.open"
	id, err := terminalFromPath(r)
	if err != nil {
		respondErr(w, s.logger, op, err)
		return
	}
	var req openRequest
	if err := decode(r, &req); err != nil {
		respondErr(w, s.logger, op, err)
		return
	}
	term, err := s.terminals.Open(r.Context(), chi.URLParam(r, "tenantId"), id, req.BusinessDate, req.InitialAmount)
	if err != nil {
		respondErr(w, s.logger, op, err)
		return
	}
	respond(w, http.StatusOK, op, term)
}

type closeRequest struct {
	PhysicalAmount decimal.Decimal `json:"physicalAmount"`
}

func (s *Server) handleClose(w http.ResponseWriter, r *http.Request) {
	const op = "terminal.close"
	id, err := terminalFromPath(r)
	if err != nil {
		respondErr(w, s.logger, op, err)
		return
	}
	var req closeRequest
	if err := decode(r, &req); err != nil {
		respondErr(w, s.logger, op, err)
		return
	}
	term, err := s.terminals.Close(r.Context(), chi.URLParam(r, "tenantId"), id, req.PhysicalAmount)
	if err != nil {
		respondErr(w, s.logger, op, err)
		return
	}
	respond(w, http.StatusOK, op, term)
}

type cashRequest struct {
	Amount decimal.Decimal `json:"amount"`
	Reason string          `json:"reason"`
	Note   string          `json:"note"`
}

func (s *Server) handleCashIn(w http.ResponseWriter, r *http.Request) {
	s.handleCash(w, r, "terminal.cashIn", s.terminals.CashIn)
}

func (s *Server) handleCashOut(w http.ResponseWriter, r *http.Request) {
	s.handleCash(w, r, "terminal.cashOut", s.terminals.CashOut)
}

type cashMoveFunc func(ctx context.Context, tenantID, terminalID string, amount decimal.Decimal, reason, note string) (*terminal.Terminal, error)

func (s *Server) handleCash(w http.ResponseWriter, r *http.Request, op string, move cashMoveFunc) {
	id, err := terminalFromPath(r)
	if err != nil {
		respondErr(w, s.logger, op, err)
		return
	}
	var req cashRequest
	if err := decode(r, &req); err != nil {
		respondErr(w, s.logger, op, err)
		return
	}
	term, err := move(r.Context(), chi.URLParam(r, "tenantId"), id, req.Amount, req.Reason, req.Note)
	if err != nil {
		respondErr(w, s.logger, op, err)
		return
	}
	respond(w, http.StatusOK, op, term)
}

type functionModeRequest struct {
	FunctionMode string `json:"functionMode"`
}

func (s *Server) handleFunctionMode(w http.ResponseWriter, r *http.Request) {
	const op = "terminal.functionMode"
	id, err := terminalFromPath(r)
	if err != nil {
		respondErr(w, s.logger, op, err)
		return
	}
	var req functionModeRequest
	if err := decode(r, &req); err != nil {
		respondErr(w, s.logger, op, err)
		return
	}
	term, err := s.terminals.UpdateFunctionMode(r.Context(), chi.URLParam(r, "tenantId"), id, req.FunctionMode)
	if err != nil {
		respondErr(w, s.logger, op, err)
		return
	}
	respond(w, http.StatusOK, op, term)
}

type descriptionRequest struct {
	Description string `json:"description"`
}

func (s *Server) handleDescription(w http.ResponseWriter, r *http.Request) {
	const op = "terminal.description"
	id, err := terminalFromPath(r)
	if err != nil {
		respondErr(w, s.logger, op, err)
		return
	}
	var req descriptionRequest
	if err := decode(r, &req); err != nil {
		respondErr(w, s.logger, op, err)
		return
	}
	term, err := s.terminals.UpdateDescription(r.Context(), chi.URLParam(r, "tenantId"), id, req.Description)
	if err != nil {
		respondErr(w, s.logger, op, err)
		return
	}
	respond(w, http.StatusOK, op, term)
}
