package httpapi

import (
	"net/http"

	"openpos/internal/apperr"
	"openpos/internal/auth"
)

type tokenRequest struct {
	TenantID string `json:"tenantId"`
	UserID   string `json:"userId"`
	Password string `json:"password"`
}

// handleToken issues a JWT for valid credentials.
func (s *Server) handleToken(w http.ResponseWriter, r *http.Request) {
	const op = "account.token"
	var req tokenRequest
	if err := decode(r, &req); err != nil {
		respondErr(w, s.logger, op, err)
		return
	}
	token, user, err := s.accounts.Authenticate(r.Context(), req.TenantID, req.UserID, req.Password)
	if err != nil {
		respondErr(w, s.logger, op, err)
		return
	}
	respond(w, http.StatusOK, op, map[string]any{
		"token":       token,
		"userId":      user.UserID,
		"tenantId":    user.TenantID,
		"isSuperuser": user.IsSuperuser,
	})
}

type registerRequest struct {
	TenantID    string `json:"tenantId"`
	TenantName  string `json:"tenantName"`
	UserID      string `json:"userId"`
	Password    string `json:"password"`
	DisplayName string `json:"displayName"`
}

// handleRegister bootstraps a tenant: creates the tenant record and its
// superuser account, then returns a first token.
func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	const op = "account.register"
	var req registerRequest
	if err := decode(r, &req); err != nil {
		respondErr(w, s.logger, op, err)
		return
	}
	if _, err := s.terminals.CreateTenant(r.Context(), req.TenantID, req.TenantName, nil); err != nil {
		respondErr(w, s.logger, op, err)
		return
	}
	user, err := s.accounts.Register(r.Context(), req.TenantID, req.UserID, req.Password, req.DisplayName, true, nil)
	if err != nil {
		respondErr(w, s.logger, op, err)
		return
	}
	token, _, err := s.accounts.Authenticate(r.Context(), req.TenantID, req.UserID, req.Password)
	if err != nil {
		respondErr(w, s.logger, op, err)
		return
	}
	respond(w, http.StatusCreated, op, map[string]any{
		"tenantId": req.TenantID,
		"userId":   user.UserID,
		"token":    token,
	})
}

type registerUserRequest struct {
	TenantID    string   `json:"tenantId,omitempty"`
	UserID      string   `json:"userId"`
	Password    string   `json:"password"`
	DisplayName string   `json:"displayName"`
	Roles       []string `json:"roles,omitempty"`
}

// handleRegisterUser creates a regular account. Superusers may target any
// tenant; everyone else creates users in their own.
func (s *Server) handleRegisterUser(w http.ResponseWriter, r *http.Request) {
	const op = "account.registerUser"
	caller, _ := auth.CallerFrom(r.Context())
	var req registerUserRequest
	if err := decode(r, &req); err != nil {
		respondErr(w, s.logger, op, err)
		return
	}
	tenantID := caller.TenantID
	if req.TenantID != "" && req.TenantID != tenantID {
		if !caller.IsSuperuser {
			respondErr(w, s.logger, op, apperr.Authorization(apperr.CodeAccountBase+301, "cannot create users in another tenant"))
			return
		}
		tenantID = req.TenantID
	}
	user, err := s.accounts.Register(r.Context(), tenantID, req.UserID, req.Password, req.DisplayName, false, req.Roles)
	if err != nil {
		respondErr(w, s.logger, op, err)
		return
	}
	respond(w, http.StatusCreated, op, map[string]any{
		"tenantId": user.TenantID,
		"userId":   user.UserID,
		"roles":    user.Roles,
	})
}
