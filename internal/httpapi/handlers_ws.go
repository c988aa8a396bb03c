package httpapi

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"openpos/internal/store"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// Terminals and dashboards connect from their own origins.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// handleWebSocket authenticates the query token, upgrades, and attaches the
// socket to its (tenant, store) group. Authentication failures close with
// policy violation (1008) so clients can distinguish them from transport
// errors.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	tenantID := chi.URLParam(r, "tenantId")
	storeCode := chi.URLParam(r, "storeCode")

	token := r.URL.Query().Get("token")
	caller, err := s.broker.ValidateToken(token)
	authorized := err == nil && (caller.IsSuperuser || caller.TenantID == tenantID) && store.ValidTenantID(tenantID)

	conn, upgradeErr := upgrader.Upgrade(w, r, nil)
	if upgradeErr != nil {
		return
	}
	if !authorized {
		conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "authentication failed"))
		conn.Close()
		return
	}
	s.alerts.Attach(r.Context(), conn, tenantID, storeCode)
}
