package hub

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"

	"openpos/internal/config"
	"openpos/pkg/types"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func testConfig() config.HubConfig {
	return config.HubConfig{SendQueueSize: 16, PongWait: 5 * time.Second, WriteWait: time.Second}
}

type stubSource struct {
	alerts []types.StockAlert
}

func (s stubSource) CatchupAlerts(ctx context.Context, tenantID, storeCode string) ([]types.StockAlert, error) {
	return s.alerts, nil
}

// wsServer upgrades /{tenant}/{store} requests and attaches them to the hub.
func wsServer(t *testing.T, h *Hub) *httptest.Server {
	t.Helper()
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		parts := strings.Split(strings.Trim(r.URL.Path, "/"), "/")
		if len(parts) != 2 {
			http.Error(w, "bad path", http.StatusBadRequest)
			return
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		h.Attach(r.Context(), conn, parts[0], parts[1])
	}))
	t.Cleanup(srv.Close)
	return srv
}

func dial(t *testing.T, srv *httptest.Server, tenant, store string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/" + tenant + "/" + store
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial %s: %v", url, err)
	}
	t.Cleanup(func() { conn.Close() })
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	return conn
}

func readJSON(t *testing.T, conn *websocket.Conn, out any) {
	t.Helper()
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if err := json.Unmarshal(data, out); err != nil {
		t.Fatalf("unmarshal %s: %v", data, err)
	}
}

func TestConnectionAck(t *testing.T) {
	t.Parallel()
	h := New(testConfig(), nil, testLogger())
	t.Cleanup(h.Close)
	srv := wsServer(t, h)

	conn := dial(t, srv, "A1234", "store001")
	var ack types.ConnectionAck
	readJSON(t, conn, &ack)
	if ack.Type != "connection" || ack.Status != "connected" || ack.TenantID != "A1234" || ack.StoreCode != "store001" {
		t.Errorf("ack = %+v", ack)
	}
}

func TestCatchupAlertsOnConnect(t *testing.T) {
	t.Parallel()
	source := stubSource{alerts: []types.StockAlert{{
		Type: "stock_alert", AlertType: types.AlertMinimumStock,
		TenantID: "A1234", StoreCode: "store001", ItemCode: "ITEM002",
		CurrentQuantity: decimal.NewFromInt(3), Threshold: decimal.NewFromInt(20),
	}}}
	h := New(testConfig(), source, testLogger())
	t.Cleanup(h.Close)
	srv := wsServer(t, h)

	conn := dial(t, srv, "A1234", "store001")
	var ack types.ConnectionAck
	readJSON(t, conn, &ack)

	var alert types.StockAlert
	readJSON(t, conn, &alert)
	if alert.AlertType != types.AlertMinimumStock || alert.ItemCode != "ITEM002" {
		t.Errorf("catch-up alert = %+v", alert)
	}
}

func TestBroadcastScopedToGroup(t *testing.T) {
	t.Parallel()
	h := New(testConfig(), nil, testLogger())
	t.Cleanup(h.Close)
	srv := wsServer(t, h)

	inGroup := dial(t, srv, "A1234", "store001")
	sameGroup := dial(t, srv, "A1234", "store001")
	otherStore := dial(t, srv, "A1234", "store002")

	for _, conn := range []*websocket.Conn{inGroup, sameGroup, otherStore} {
		var ack types.ConnectionAck
		readJSON(t, conn, &ack)
	}

	// Wait for registrations to land before broadcasting.
	deadline := time.Now().Add(2 * time.Second)
	for h.GroupSize("A1234", "store001") != 2 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if n := h.GroupSize("A1234", "store001"); n != 2 {
		t.Fatalf("group size = %d, want 2", n)
	}

	h.Broadcast("A1234", "store001", types.StockAlert{
		Type: "stock_alert", AlertType: types.AlertReorderPoint,
		TenantID: "A1234", StoreCode: "store001", ItemCode: "ITEM007",
		CurrentQuantity: decimal.NewFromInt(2), Threshold: decimal.NewFromInt(5),
	})

	for _, conn := range []*websocket.Conn{inGroup, sameGroup} {
		var alert types.StockAlert
		readJSON(t, conn, &alert)
		if alert.ItemCode != "ITEM007" {
			t.Errorf("alert = %+v", alert)
		}
	}

	// The other store's socket sees nothing.
	otherStore.SetReadDeadline(time.Now().Add(200 * time.Millisecond))
	if _, _, err := otherStore.ReadMessage(); err == nil {
		t.Error("other store received the alert")
	}
}

// TestBroadcastWhileClientsDisconnect hammers Broadcast while sockets drop.
// A disconnect races the fan-out send; the hub must neither panic nor
// deadlock regardless of interleaving.
func TestBroadcastWhileClientsDisconnect(t *testing.T) {
	t.Parallel()
	h := New(testConfig(), nil, testLogger())
	t.Cleanup(h.Close)
	srv := wsServer(t, h)

	alert := types.StockAlert{
		Type: "stock_alert", AlertType: types.AlertMinimumStock,
		TenantID: "A1234", StoreCode: "store001", ItemCode: "ITEM001",
		CurrentQuantity: decimal.NewFromInt(1), Threshold: decimal.NewFromInt(5),
	}

	for round := 0; round < 4; round++ {
		conns := make([]*websocket.Conn, 16)
		for i := range conns {
			conns[i] = dial(t, srv, "A1234", "store001")
		}
		deadline := time.Now().Add(2 * time.Second)
		for h.GroupSize("A1234", "store001") != len(conns) && time.Now().Before(deadline) {
			time.Sleep(5 * time.Millisecond)
		}

		broadcasting := make(chan struct{})
		go func() {
			defer close(broadcasting)
			for i := 0; i < 200; i++ {
				h.Broadcast("A1234", "store001", alert)
			}
		}()
		for _, conn := range conns {
			conn.Close()
		}
		<-broadcasting

		deadline = time.Now().Add(2 * time.Second)
		for h.GroupSize("A1234", "store001") != 0 && time.Now().Before(deadline) {
			time.Sleep(5 * time.Millisecond)
		}
		if n := h.GroupSize("A1234", "store001"); n != 0 {
			t.Fatalf("round %d: %d clients still attached", round, n)
		}
	}
}
