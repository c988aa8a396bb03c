package httpapi

import (
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"openpos/internal/apperr"
	"openpos/internal/auth"
	"openpos/internal/store"
	"openpos/pkg/types"
)

// ingressEnvelope is the event-ingress request body: the payload plus an
// optional client-supplied eventId so retried submissions deduplicate
// downstream.
type ingressEnvelope struct {
	EventID string          `json:"eventId,omitempty"`
	Payload json.RawMessage `json:"payload"`
}

func (s *Server) handleIngressTranlog(w http.ResponseWriter, r *http.Request) {
	s.handleIngress(w, r, "ingress.tranlog", types.TopicTranlog)
}

func (s *Server) handleIngressCashlog(w http.ResponseWriter, r *http.Request) {
	s.handleIngress(w, r, "ingress.cashlog", types.TopicCashlog)
}

func (s *Server) handleIngressOpenCloseLog(w http.ResponseWriter, r *http.Request) {
	s.handleIngress(w, r, "ingress.opencloselog", types.TopicOpenCloseLog)
}

// handleIngress publishes an externally produced event. The tenant comes
// from the payload and must match the caller's scope.
func (s *Server) handleIngress(w http.ResponseWriter, r *http.Request, op, topic string) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, 1<<20))
	if err != nil {
		respondErr(w, s.logger, op, apperr.Validation(1, "unreadable request body"))
		return
	}

	var env ingressEnvelope
	if err := json.Unmarshal(body, &env); err != nil || len(env.Payload) == 0 {
		// Bare payloads without the envelope are accepted too.
		env = ingressEnvelope{Payload: body}
	}

	var scoped struct {
		TenantID string `json:"tenantId"`
	}
	if err := json.Unmarshal(env.Payload, &scoped); err != nil || !store.ValidTenantID(scoped.TenantID) {
		respondErr(w, s.logger, op, apperr.Validation(2, "payload must carry a valid tenantId"))
		return
	}
	caller, _ := auth.CallerFrom(r.Context())
	if !caller.IsSuperuser && caller.TenantID != scoped.TenantID {
		respondErr(w, s.logger, op, apperr.NotFound(apperr.CodeAccountBase+404, "not found"))
		return
	}

	eventID := env.EventID
	if eventID == "" {
		eventID = uuid.NewString()
	}
	evt := types.Event{
		EventID:    eventID,
		TenantID:   scoped.TenantID,
		Topic:      topic,
		OccurredAt: time.Now().UTC(),
		Payload:    env.Payload,
	}
	if err := s.events.Publish(r.Context(), evt); err != nil {
		respondErr(w, s.logger, op, apperr.Dependency(3, "event bus unavailable"))
		return
	}
	respond(w, http.StatusAccepted, op, map[string]string{"eventId": eventID})
}

func (s *Server) handleReportSales(w http.ResponseWriter, r *http.Request) {
	s.handleReport(w, r, "report.sales", func(tenantID, terminalID, date string) (any, error) {
		return s.reports.Sales(r.Context(), tenantID, terminalID, date)
	})
}

func (s *Server) handleReportCash(w http.ResponseWriter, r *http.Request) {
	s.handleReport(w, r, "report.cash", func(tenantID, terminalID, date string) (any, error) {
		return s.reports.Cash(r.Context(), tenantID, terminalID, date)
	})
}

func (s *Server) handleReportOpenClose(w http.ResponseWriter, r *http.Request) {
	s.handleReport(w, r, "report.openClose", func(tenantID, terminalID, date string) (any, error) {
		return s.reports.OpenClose(r.Context(), tenantID, terminalID, date)
	})
}

func (s *Server) handleJournals(w http.ResponseWriter, r *http.Request) {
	s.handleReport(w, r, "journal.list", func(tenantID, terminalID, date string) (any, error) {
		return s.journals.List(r.Context(), tenantID, terminalID, date)
	})
}

func (s *Server) handleReport(w http.ResponseWriter, r *http.Request, op string, read func(tenantID, terminalID, date string) (any, error)) {
	tenantID := chi.URLParam(r, "tenantId")
	rows, err := read(tenantID, chi.URLParam(r, "terminalId"), chi.URLParam(r, "businessDate"))
	if err != nil {
		respondErr(w, s.logger, op, err)
		return
	}
	respond(w, http.StatusOK, op, rows)
}
