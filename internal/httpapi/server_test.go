package httpapi

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/shopspring/decimal"

	"openpos/internal/auth"
	"openpos/internal/bus"
	"openpos/internal/cart"
	"openpos/internal/catalog"
	"openpos/internal/config"
	"openpos/internal/hub"
	"openpos/internal/journal"
	"openpos/internal/report"
	"openpos/internal/scheduler"
	"openpos/internal/stock"
	"openpos/internal/store"
	"openpos/internal/terminal"
)

type apiEnvelope struct {
	Success   bool            `json:"success"`
	Code      int             `json:"code"`
	Message   string          `json:"message"`
	Data      json.RawMessage `json:"data"`
	Operation string          `json:"operation"`
}

type apiFixture struct {
	t      *testing.T
	ts     *httptest.Server
	seeder *catalog.Seeder
}

func newAPIFixture(t *testing.T) *apiFixture {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	cfg := config.Default()
	cfg.Stock.AlertCooldownSeconds = 0

	mgr, err := store.NewManager(t.TempDir(), "pos", 8, logger)
	if err != nil {
		t.Fatalf("manager: %v", err)
	}
	t.Cleanup(func() { mgr.Close() })

	broker := auth.NewBroker("test-secret", time.Hour)
	accounts := auth.NewAccounts(mgr, broker, logger)
	provider := catalog.NewLocal(mgr)
	carts := cart.New(cfg.Cart, mgr, provider, logger)
	terminals := terminal.New(mgr, carts, logger)
	stocks := stock.New(cfg.Stock, mgr, nil, logger)
	alerts := hub.New(cfg.Hub, stocks, logger)
	stocks.SetAlerter(alerts)
	t.Cleanup(alerts.Close)
	sched := scheduler.New(cfg.Scheduler, mgr, stocks, terminals, logger)
	events := bus.New(cfg.Bus, prometheus.NewRegistry(), logger)
	t.Cleanup(events.Stop)

	srv := NewServer(cfg.Server, Deps{
		Broker:    broker,
		Accounts:  accounts,
		Terminals: terminals,
		Carts:     carts,
		Stocks:    stocks,
		Scheduler: sched,
		Bus:       events,
		Hub:       alerts,
		Reports:   report.New(mgr, logger),
		Journals:  journal.New(mgr, logger),
		Registry:  prometheus.NewRegistry(),
	}, logger)

	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return &apiFixture{t: t, ts: ts, seeder: catalog.NewSeeder(mgr)}
}

func (f *apiFixture) do(method, path, token string, body any) (int, apiEnvelope) {
	f.t.Helper()
	var rd io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			f.t.Fatalf("marshal body: %v", err)
		}
		rd = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, f.ts.URL+path, rd)
	if err != nil {
		f.t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := f.ts.Client().Do(req)
	if err != nil {
		f.t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()
	var env apiEnvelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		f.t.Fatalf("%s %s: decode envelope: %v", method, path, err)
	}
	return resp.StatusCode, env
}

// register bootstraps a tenant with a superuser and returns its token.
func (f *apiFixture) register(tenantID string) string {
	f.t.Helper()
	status, env := f.do(http.MethodPost, "/api/v1/accounts/register", "", map[string]string{
		"tenantId":    tenantID,
		"tenantName":  "Tenant " + tenantID,
		"userId":      "admin",
		"password":    "s3cret-pass",
		"displayName": "Admin",
	})
	if status != http.StatusCreated {
		f.t.Fatalf("register %s: status %d (%s)", tenantID, status, env.Message)
	}
	var data struct {
		Token string `json:"token"`
	}
	if err := json.Unmarshal(env.Data, &data); err != nil || data.Token == "" {
		f.t.Fatalf("register %s: no token in response", tenantID)
	}
	return data.Token
}

func (f *apiFixture) mustDo(method, path, token string, body any, want int) apiEnvelope {
	f.t.Helper()
	status, env := f.do(method, path, token, body)
	if status != want {
		f.t.Fatalf("%s %s: status %d, want %d (%s)", method, path, status, want, env.Message)
	}
	return env
}

func TestRegisterAndToken(t *testing.T) {
	t.Parallel()
	f := newAPIFixture(t)

	f.register("A1234")

	status, env := f.do(http.MethodPost, "/api/v1/accounts/token", "", map[string]string{
		"tenantId": "A1234", "userId": "admin", "password": "s3cret-pass",
	})
	if status != http.StatusOK || !env.Success {
		t.Fatalf("token: status %d success %v", status, env.Success)
	}

	status, _ = f.do(http.MethodPost, "/api/v1/accounts/token", "", map[string]string{
		"tenantId": "A1234", "userId": "admin", "password": "wrong",
	})
	if status != http.StatusUnauthorized {
		t.Fatalf("bad password: status %d, want 401", status)
	}

	// Re-registering the tenant conflicts.
	status, _ = f.do(http.MethodPost, "/api/v1/accounts/register", "", map[string]string{
		"tenantId": "A1234", "tenantName": "dup", "userId": "x", "password": "whatever-pass",
	})
	if status != http.StatusConflict {
		t.Fatalf("duplicate register: status %d, want 409", status)
	}
}

func TestAuthenticationRequired(t *testing.T) {
	t.Parallel()
	f := newAPIFixture(t)
	f.register("A1234")

	status, _ := f.do(http.MethodGet, "/api/v1/tenants/A1234", "", nil)
	if status != http.StatusUnauthorized {
		t.Fatalf("no credentials: status %d, want 401", status)
	}

	status, _ = f.do(http.MethodGet, "/api/v1/tenants/A1234", "not-a-token", nil)
	if status != http.StatusUnauthorized {
		t.Fatalf("garbage token: status %d, want 401", status)
	}
}

func TestTenantIsolation(t *testing.T) {
	t.Parallel()
	f := newAPIFixture(t)
	tokenA := f.register("A1234")
	f.register("B5678")

	f.mustDo(http.MethodGet, "/api/v1/tenants/A1234", tokenA, nil, http.StatusOK)

	// A foreign tenant looks like it does not exist.
	status, _ := f.do(http.MethodGet, "/api/v1/tenants/B5678", tokenA, nil)
	if status != http.StatusNotFound {
		t.Fatalf("cross-tenant read: status %d, want 404", status)
	}
	status, _ = f.do(http.MethodPost, "/api/v1/tenants/B5678/stores", tokenA,
		map[string]string{"storeCode": "001", "storeName": "intruder"})
	if status != http.StatusNotFound {
		t.Fatalf("cross-tenant write: status %d, want 404", status)
	}
}

// openTerminal walks a tenant through store and terminal setup up to the
// Opened state and returns the terminal's API key.
func (f *apiFixture) openTerminal(token, tenantID string) string {
	f.t.Helper()
	base := "/api/v1/tenants/" + tenantID
	f.mustDo(http.MethodPost, base+"/stores", token,
		map[string]string{"storeCode": "001", "storeName": "Main"}, http.StatusCreated)

	env := f.mustDo(http.MethodPost, base+"/stores/001/terminals", token,
		map[string]any{"terminalNo": 1, "description": "front desk"}, http.StatusCreated)
	var created struct {
		APIKey string `json:"apiKey"`
	}
	if err := json.Unmarshal(env.Data, &created); err != nil || created.APIKey == "" {
		f.t.Fatalf("terminal create: missing api key")
	}

	term := base + "/stores/001/terminals/1"
	f.mustDo(http.MethodPost, term+"/sign-in", token,
		map[string]string{"staffId": "s01", "staffName": "Alice"}, http.StatusOK)
	f.mustDo(http.MethodPost, term+"/open", token,
		map[string]any{"businessDate": "2026-08-24", "initialAmount": "500.00"}, http.StatusOK)
	return created.APIKey
}

func (f *apiFixture) seedMaster(tenantID string) {
	f.t.Helper()
	ctx := f.t.Context()
	if err := f.seeder.PutTax(ctx, tenantID, catalog.Tax{
		TaxCode: "T1", Rate: decimal.NewFromInt(10), RoundDigit: 2,
		RoundMethod: catalog.RoundHalfUp, TaxType: catalog.TaxExclusive,
	}); err != nil {
		f.t.Fatalf("seed tax: %v", err)
	}
	if err := f.seeder.PutItem(ctx, tenantID, catalog.Item{
		ItemCode: "item-A", Description: "Apple", UnitPrice: decimal.RequireFromString("10.00"), TaxCode: "T1",
	}); err != nil {
		f.t.Fatalf("seed item: %v", err)
	}
	if err := f.seeder.PutPayment(ctx, tenantID, catalog.Payment{
		PaymentCode: "01", Description: "Cash", CanChange: true, CanDepositOver: true,
	}); err != nil {
		f.t.Fatalf("seed payment: %v", err)
	}
}

func TestSaleFlowOverHTTP(t *testing.T) {
	t.Parallel()
	f := newAPIFixture(t)
	token := f.register("A1234")
	f.seedMaster("A1234")
	f.openTerminal(token, "A1234")

	term := "/api/v1/tenants/A1234/stores/001/terminals/1"
	env := f.mustDo(http.MethodPost, term+"/carts", token, nil, http.StatusCreated)
	var c cart.Cart
	if err := json.Unmarshal(env.Data, &c); err != nil {
		t.Fatalf("decode cart: %v", err)
	}
	if c.Status != cart.StatusIdle || c.CartID == "" {
		t.Fatalf("created cart: status %q id %q", c.Status, c.CartID)
	}
	cartPath := term + "/carts/" + c.CartID

	env = f.mustDo(http.MethodPost, cartPath+"/items", token,
		map[string]any{"itemCode": "item-A", "quantity": "2"}, http.StatusOK)
	if err := json.Unmarshal(env.Data, &c); err != nil {
		t.Fatalf("decode cart: %v", err)
	}
	if !c.SubTotal.Equal(decimal.RequireFromString("20.00")) {
		t.Fatalf("subTotal = %s, want 20.00", c.SubTotal)
	}

	env = f.mustDo(http.MethodPost, cartPath+"/subtotal", token, nil, http.StatusOK)
	if err := json.Unmarshal(env.Data, &c); err != nil {
		t.Fatalf("decode cart: %v", err)
	}
	if c.Status != cart.StatusPreTax || !c.Total.Equal(decimal.RequireFromString("22")) {
		t.Fatalf("after subtotal: status %q total %s", c.Status, c.Total)
	}

	env = f.mustDo(http.MethodPost, cartPath+"/payments", token,
		map[string]any{"paymentCode": "01", "amount": "25.00"}, http.StatusOK)
	if err := json.Unmarshal(env.Data, &c); err != nil {
		t.Fatalf("decode cart: %v", err)
	}
	if !c.Balance.IsZero() || !c.ChangeTotal.Equal(decimal.RequireFromString("3")) {
		t.Fatalf("after payment: balance %s change %s", c.Balance, c.ChangeTotal)
	}

	env = f.mustDo(http.MethodPost, cartPath+"/complete", token, nil, http.StatusOK)
	if err := json.Unmarshal(env.Data, &c); err != nil {
		t.Fatalf("decode cart: %v", err)
	}
	if c.Status != cart.StatusCompleted || c.TransactionNo != 1 || c.ReceiptNo != 1 {
		t.Fatalf("after complete: status %q txn %d receipt %d", c.Status, c.TransactionNo, c.ReceiptNo)
	}

	env = f.mustDo(http.MethodGet, term+"/tranlogs", token, nil, http.StatusOK)
	var logs []json.RawMessage
	if err := json.Unmarshal(env.Data, &logs); err != nil {
		t.Fatalf("decode tranlogs: %v", err)
	}
	if len(logs) != 1 {
		t.Fatalf("tranlogs = %d, want 1", len(logs))
	}
}

func TestAPIKeyAuthenticatesTerminal(t *testing.T) {
	t.Parallel()
	f := newAPIFixture(t)
	token := f.register("A1234")
	apiKey := f.openTerminal(token, "A1234")

	get := func(key, terminalID string) int {
		req, err := http.NewRequest(http.MethodGet,
			fmt.Sprintf("%s/api/v1/tenants/A1234/stores/001/terminals/1?terminal_id=%s", f.ts.URL, terminalID), nil)
		if err != nil {
			t.Fatalf("new request: %v", err)
		}
		req.Header.Set("X-API-Key", key)
		resp, err := f.ts.Client().Do(req)
		if err != nil {
			t.Fatalf("do: %v", err)
		}
		defer resp.Body.Close()
		io.Copy(io.Discard, resp.Body)
		return resp.StatusCode
	}

	terminalID := terminal.TerminalID("A1234", "001", 1)
	if status := get(apiKey, terminalID); status != http.StatusOK {
		t.Fatalf("valid key: status %d, want 200", status)
	}
	if status := get("bogus-key", terminalID); status != http.StatusUnauthorized {
		t.Fatalf("bogus key: status %d, want 401", status)
	}
}

func TestStockOverHTTP(t *testing.T) {
	t.Parallel()
	f := newAPIFixture(t)
	token := f.register("A1234")
	f.mustDo(http.MethodPost, "/api/v1/tenants/A1234/stores", token,
		map[string]string{"storeCode": "001", "storeName": "Main"}, http.StatusCreated)

	base := "/api/v1/tenants/A1234/stores/001/stock"
	env := f.mustDo(http.MethodPut, base+"/item-A/update", token,
		map[string]any{"quantityChange": "10", "updateType": "INITIAL"}, http.StatusOK)
	var updated struct {
		Stock stock.Stock `json:"stock"`
	}
	if err := json.Unmarshal(env.Data, &updated); err != nil {
		t.Fatalf("decode update: %v", err)
	}
	if !updated.Stock.Quantity.Equal(decimal.NewFromInt(10)) {
		t.Fatalf("quantity = %s, want 10", updated.Stock.Quantity)
	}

	f.mustDo(http.MethodPut, base+"/item-A/minimum", token,
		map[string]any{"minimumQuantity": "15"}, http.StatusOK)

	env = f.mustDo(http.MethodGet, base+"/low", token, nil, http.StatusOK)
	var low []stock.Stock
	if err := json.Unmarshal(env.Data, &low); err != nil {
		t.Fatalf("decode low: %v", err)
	}
	if len(low) != 1 || low[0].ItemCode != "item-A" {
		t.Fatalf("low stock = %+v, want item-A", low)
	}

	env = f.mustDo(http.MethodPost, base+"/snapshot", token, nil, http.StatusCreated)
	var snap stock.Snapshot
	if err := json.Unmarshal(env.Data, &snap); err != nil {
		t.Fatalf("decode snapshot: %v", err)
	}
	if snap.TotalItems != 1 {
		t.Fatalf("snapshot totalItems = %d, want 1", snap.TotalItems)
	}

	env = f.mustDo(http.MethodGet, "/api/v1/tenants/A1234/stock/snapshots", token, nil, http.StatusOK)
	var snaps []stock.Snapshot
	if err := json.Unmarshal(env.Data, &snaps); err != nil {
		t.Fatalf("decode snapshots: %v", err)
	}
	if len(snaps) != 1 {
		t.Fatalf("snapshots = %d, want 1", len(snaps))
	}
}

func TestIngressScopesTenant(t *testing.T) {
	t.Parallel()
	f := newAPIFixture(t)
	token := f.register("A1234")

	status, env := f.do(http.MethodPost, "/api/v1/tranlog", token,
		map[string]any{"tenantId": "A1234", "transactionNo": 1})
	if status != http.StatusAccepted {
		t.Fatalf("own tenant: status %d (%s), want 202", status, env.Message)
	}
	var accepted struct {
		EventID string `json:"eventId"`
	}
	if err := json.Unmarshal(env.Data, &accepted); err != nil || accepted.EventID == "" {
		t.Fatalf("no eventId in response")
	}

	// A payload scoped to a foreign tenant is invisible, not forbidden.
	status, _ = f.do(http.MethodPost, "/api/v1/tranlog", token,
		map[string]any{"tenantId": "B5678", "transactionNo": 1})
	if status != http.StatusNotFound {
		t.Fatalf("foreign tenant: status %d, want 404", status)
	}
}
