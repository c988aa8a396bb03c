package httpapi

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"openpos/internal/apperr"
	"openpos/internal/auth"
	"openpos/internal/terminal"
)

// authenticate resolves either credential into a Caller on the context:
// a Bearer JWT, or X-API-Key plus the terminal_id query parameter.
func (s *Server) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if header := r.Header.Get("Authorization"); header != "" {
			token, ok := strings.CutPrefix(header, "Bearer ")
			if !ok {
				respondErr(w, s.logger, "auth", apperr.Authentication(apperr.CodeAccountBase+3, "malformed authorization header"))
				return
			}
			caller, err := s.broker.ValidateToken(token)
			if err != nil {
				respondErr(w, s.logger, "auth", err)
				return
			}
			next.ServeHTTP(w, r.WithContext(auth.WithCaller(r.Context(), caller)))
			return
		}

		if key := r.Header.Get("X-API-Key"); key != "" {
			terminalID := r.URL.Query().Get("terminal_id")
			if terminalID == "" {
				respondErr(w, s.logger, "auth", apperr.Authentication(apperr.CodeAccountBase+4, "terminal_id query parameter required"))
				return
			}
			term, err := s.terminals.VerifyAPIKey(r.Context(), terminalID, key)
			if err != nil {
				respondErr(w, s.logger, "auth", err)
				return
			}
			staffID := ""
			if term.Staff != nil {
				staffID = term.Staff.StaffID
			}
			caller := &auth.Caller{
				TenantID:   term.TenantID,
				StoreCode:  term.StoreCode,
				TerminalID: term.TerminalID,
				StaffID:    staffID,
				IsActive:   true,
			}
			next.ServeHTTP(w, r.WithContext(auth.WithCaller(r.Context(), caller)))
			return
		}

		respondErr(w, s.logger, "auth", apperr.Authentication(apperr.CodeAccountBase+5, "authentication required"))
	})
}

// tenantGuard enforces isolation on /tenants/{tenantId} subtrees: a caller
// scoped to another tenant gets NotFound, never an existence signal.
// Superusers pass.
func (s *Server) tenantGuard(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tenantID := chi.URLParam(r, "tenantId")
		caller, ok := auth.CallerFrom(r.Context())
		if !ok {
			respondErr(w, s.logger, "auth", apperr.Authentication(apperr.CodeAccountBase+5, "authentication required"))
			return
		}
		if !caller.IsSuperuser && caller.TenantID != tenantID {
			respondErr(w, s.logger, "auth", apperr.NotFound(apperr.CodeAccountBase+404, "not found"))
			return
		}
		next.ServeHTTP(w, r)
	})
}

// terminalFromPath rebuilds the canonical terminal id from the path triple.
// The terminal number accepts both padded and bare forms.
func terminalFromPath(r *http.Request) (string, error) {
	no, err := strconv.Atoi(chi.URLParam(r, "terminalNo"))
	if err != nil || no < 1 {
		return "", apperr.Validation(apperr.CodeTerminalBase+101, "invalid terminal number")
	}
	return terminal.TerminalID(chi.URLParam(r, "tenantId"), chi.URLParam(r, "storeCode"), no), nil
}
