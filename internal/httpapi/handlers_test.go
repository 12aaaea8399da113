package httpapi

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"go.uber.org/goleak"
	"golang.org/x/crypto/bcrypt"

	"kasirinaja/terminal/internal/connectivity"
	"kasirinaja/terminal/internal/domain"
	"kasirinaja/terminal/internal/localstore/memory"
	"kasirinaja/terminal/internal/remote"
	"kasirinaja/terminal/internal/remote/remotetest"
	"kasirinaja/terminal/internal/service"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m,
		goleak.IgnoreTopFunction("net/http.(*persistConn).readLoop"),
		goleak.IgnoreTopFunction("net/http.(*persistConn).writeLoop"),
		goleak.IgnoreTopFunction("internal/poll.runtime_pollWait"),
	)
}

type testEnv struct {
	api     *API
	handler http.Handler
	backend *remotetest.Server
}

// newTestEnv builds a full API over an in-memory store, the fake backend, a
// real AuthManager and a real Service so handler tests exercise the complete
// request path.
func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	t.Setenv("SEED_SUPERVISOR_PASSWORD", "supervisor123")
	t.Setenv("SEED_CASHIER_PASSWORD", "cashier123")

	backend := remotetest.New(t)
	backend.SeedProducts("outlet-a",
		domain.CachedProduct{ID: "p-kopi", Name: "Kopi Susu", SKU: "KOPI-01", Category: "Minuman", UnitPrice: 5000, QuantityOnHand: 20, IsActive: true},
	)

	store := memory.NewSeeded()
	client := remote.New(backend.URL, "", time.Second)
	monitor := connectivity.New(client, connectivity.Options{})
	svc := service.New(store, client, monitor, nil, service.Options{TerminalID: "terminal-a1"})
	t.Cleanup(func() {
		svc.Close()
		client.CloseIdleConnections()
	})

	auth := NewAuthManager("test-secret-key", time.Hour, "123456", store)
	api := New(svc, auth, "*")
	return testEnv{api: api, handler: api.Handler(), backend: backend}
}

func newTestAPI(t *testing.T) *API {
	t.Helper()
	return newTestEnv(t).api
}

func (e testEnv) login(t *testing.T, username string, password string, outletID string) string {
	t.Helper()
	body, _ := json.Marshal(domain.LoginRequest{Username: username, Password: password, OutletID: outletID, TerminalID: "terminal-a1"})
	req := httptest.NewRequest(http.MethodPost, "/api/v1/auth/login", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	e.handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("login %s failed: %d %s", username, rec.Code, rec.Body.String())
	}
	var resp domain.LoginResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode login response: %v", err)
	}
	if resp.OutletID != outletID {
		t.Fatalf("token bound to %q, want %q", resp.OutletID, outletID)
	}
	return resp.AccessToken
}

func (e testEnv) do(t *testing.T, method string, path string, token string, payload any) *httptest.ResponseRecorder {
	t.Helper()
	var body io.Reader
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			t.Fatalf("marshal payload: %v", err)
		}
		body = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, path, body)
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if method != http.MethodGet {
		req.Header.Set("X-CSRF-Token", e.api.generateCSRFToken())
	}
	rec := httptest.NewRecorder()
	e.handler.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder, dest any) {
	t.Helper()
	if err := json.NewDecoder(rec.Body).Decode(dest); err != nil {
		t.Fatalf("decode body: %v", err)
	}
}

// mustHashPassword generates a bcrypt hash of the given password or fails the test.
func mustHashPassword(t *testing.T, plain string) string {
	t.Helper()
	hash, err := bcrypt.GenerateFromPassword([]byte(plain), bcrypt.MinCost)
	if err != nil {
		t.Fatalf("bcrypt: %v", err)
	}
	return string(hash)
}

func splitSale() domain.SaleRequest {
	return domain.SaleRequest{
		Items:         []domain.SaleLine{{ProductID: "p-kopi", Quantity: 1, UnitPrice: 5000}},
		PaymentMethod: "split",
		SplitPayments: []domain.PaymentSplit{{Method: "cash", Amount: 3000}, {Method: "transfer", Amount: 2000}},
		Subtotal:      5000,
		Total:         5000,
	}
}

func TestHandleHealth(t *testing.T) {
	env := newTestEnv(t)
	rec := env.do(t, http.MethodGet, "/healthz", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var body map[string]any
	decodeBody(t, rec, &body)
	if body["ok"] != true {
		t.Fatalf("expected ok:true, got %v", body["ok"])
	}
}

func TestHandleLogin_StartsSession(t *testing.T) {
	env := newTestEnv(t)
	token := env.login(t, "cashier", "cashier123", "outlet-a")

	rec := env.do(t, http.MethodGet, "/api/v1/sync/status", token, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d (body: %s)", rec.Code, rec.Body.String())
	}
	var status domain.SyncStatus
	decodeBody(t, rec, &status)
	if status.Session == nil || status.Session.OutletID != "outlet-a" || status.Session.CashierID != "cashier" {
		t.Fatalf("unexpected session %+v", status.Session)
	}
}

func TestHandleLogin_RequiresOutlet(t *testing.T) {
	env := newTestEnv(t)
	rec := env.do(t, http.MethodPost, "/api/v1/auth/login", "", domain.LoginRequest{Username: "cashier", Password: "cashier123"})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestHandleLogin_InvalidCredentials(t *testing.T) {
	env := newTestEnv(t)
	rec := env.do(t, http.MethodPost, "/api/v1/auth/login", "", domain.LoginRequest{Username: "cashier", Password: "wrongpassword", OutletID: "outlet-a"})
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d (body: %s)", rec.Code, rec.Body.String())
	}
}

func TestHandleProducts_RequiresAuth(t *testing.T) {
	env := newTestEnv(t)
	rec := env.do(t, http.MethodGet, "/api/v1/products", "", nil)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
}

func TestHandleProducts_SyncThenSearch(t *testing.T) {
	env := newTestEnv(t)
	token := env.login(t, "cashier", "cashier123", "outlet-a")

	rec := env.do(t, http.MethodGet, "/api/v1/products", token, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var before domain.ProductListResponse
	decodeBody(t, rec, &before)
	if before.Status != domain.CatalogEmpty {
		t.Fatalf("expected no_products_synced before first sync, got %s", before.Status)
	}

	rec = env.do(t, http.MethodPost, "/api/v1/products/sync", token, domain.ProductSyncRequest{ForceFull: true})
	if rec.Code != http.StatusOK {
		t.Fatalf("sync expected 200, got %d (body: %s)", rec.Code, rec.Body.String())
	}
	var synced domain.CatalogSyncResponse
	decodeBody(t, rec, &synced)
	if !synced.Full || synced.Upserted != 1 || synced.Status != domain.CatalogReady {
		t.Fatalf("unexpected sync response %+v", synced)
	}

	rec = env.do(t, http.MethodGet, "/api/v1/products?q=kopi", token, nil)
	var found struct {
		Products []domain.CachedProduct `json:"products"`
	}
	decodeBody(t, rec, &found)
	if len(found.Products) != 1 || found.Products[0].ID != "p-kopi" {
		t.Fatalf("expected kopi from local search, got %+v", found.Products)
	}
}

func TestHandleProductSync_BackendDownKeepsCache(t *testing.T) {
	env := newTestEnv(t)
	token := env.login(t, "cashier", "cashier123", "outlet-a")
	env.backend.SetFault(func(r *http.Request) int { return http.StatusServiceUnavailable })

	rec := env.do(t, http.MethodPost, "/api/v1/products/sync", token, nil)
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rec.Code)
	}
	var resp domain.CatalogSyncResponse
	decodeBody(t, rec, &resp)
	if resp.Status != domain.CatalogStale || resp.Error == "" {
		t.Fatalf("expected stale status with error, got %+v", resp)
	}
}

func TestHandleOfflineTransactions_StoreAndList(t *testing.T) {
	env := newTestEnv(t)
	token := env.login(t, "cashier", "cashier123", "outlet-a")

	rec := env.do(t, http.MethodPost, "/api/v1/offline-transactions", token, splitSale())
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d (body: %s)", rec.Code, rec.Body.String())
	}
	var stored domain.OfflineStoreResponse
	decodeBody(t, rec, &stored)
	if stored.OfflineID == "" || stored.Pending != 1 {
		t.Fatalf("unexpected store response %+v", stored)
	}

	rec = env.do(t, http.MethodGet, "/api/v1/offline-transactions", token, nil)
	var listed struct {
		Items []domain.QueuedTransaction `json:"items"`
		Stats domain.QueueStats          `json:"stats"`
	}
	decodeBody(t, rec, &listed)
	if len(listed.Items) != 1 || listed.Stats.Pending != 1 {
		t.Fatalf("unexpected list %+v", listed)
	}
	if got := listed.Items[0].Request.SplitPayments; len(got) != 2 || got[0].Amount+got[1].Amount != 5000 {
		t.Fatalf("split payments not preserved: %+v", got)
	}

	rec = env.do(t, http.MethodPost, "/api/v1/offline-transactions/sync", token, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("sync expected 200, got %d", rec.Code)
	}
	var synced domain.OfflineSyncResponse
	decodeBody(t, rec, &synced)
	if synced.Synced != 1 || synced.Pending != 0 {
		t.Fatalf("unexpected sync result %+v", synced)
	}
	if got := len(env.backend.Transactions()); got != 1 {
		t.Fatalf("expected one backend transaction, got %d", got)
	}
}

func TestHandleOfflineTransactions_RejectsInvalidSale(t *testing.T) {
	env := newTestEnv(t)
	token := env.login(t, "cashier", "cashier123", "outlet-a")

	sale := splitSale()
	sale.SplitPayments[1].Amount = 1500
	rec := env.do(t, http.MethodPost, "/api/v1/offline-transactions", token, sale)
	if rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422, got %d (body: %s)", rec.Code, rec.Body.String())
	}
}

func TestHandleDiscard_RequiresManagerPINForCashier(t *testing.T) {
	env := newTestEnv(t)
	token := env.login(t, "cashier", "cashier123", "outlet-a")
	env.backend.SetFault(func(r *http.Request) int {
		if r.URL.Path == "/transactions" {
			return http.StatusUnprocessableEntity
		}
		return 0
	})

	rec := env.do(t, http.MethodPost, "/api/v1/offline-transactions", token, splitSale())
	var stored domain.OfflineStoreResponse
	decodeBody(t, rec, &stored)
	env.do(t, http.MethodPost, "/api/v1/offline-transactions/sync", token, nil)

	path := "/api/v1/offline-transactions/" + stored.OfflineID + "/discard"
	rec = env.do(t, http.MethodPost, path, token, domain.DiscardRequest{ManagerPIN: "000000"})
	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for wrong PIN, got %d", rec.Code)
	}
	rec = env.do(t, http.MethodPost, path, token, domain.DiscardRequest{ManagerPIN: "123456"})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 with manager PIN, got %d (body: %s)", rec.Code, rec.Body.String())
	}
	rec = env.do(t, http.MethodPost, path, token, domain.DiscardRequest{ManagerPIN: "123456"})
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 after discard, got %d", rec.Code)
	}
}

func TestHandleRetry_PendingEntryConflicts(t *testing.T) {
	env := newTestEnv(t)
	token := env.login(t, "cashier", "cashier123", "outlet-a")

	rec := env.do(t, http.MethodPost, "/api/v1/offline-transactions", token, splitSale())
	var stored domain.OfflineStoreResponse
	decodeBody(t, rec, &stored)

	rec = env.do(t, http.MethodPost, "/api/v1/offline-transactions/"+stored.OfflineID+"/retry", token, nil)
	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409 retrying a pending entry, got %d (body: %s)", rec.Code, rec.Body.String())
	}
}

func TestHandleHeldReceipts_Lifecycle(t *testing.T) {
	env := newTestEnv(t)
	token := env.login(t, "cashier", "cashier123", "outlet-a")

	rec := env.do(t, http.MethodPost, "/api/v1/held-receipts", token, domain.HoldRequest{
		Note:  "meja 7",
		Items: []domain.HeldItem{{ProductID: "p-kopi", Quantity: 2, UnitPrice: 5000}},
		Total: 10000,
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d (body: %s)", rec.Code, rec.Body.String())
	}
	var receipt domain.HeldSale
	decodeBody(t, rec, &receipt)
	if !receipt.IsLocal() || receipt.Synced {
		t.Fatalf("expected local pending receipt, got %+v", receipt)
	}

	remotetest.Eventually(t, 2*time.Second, func() bool {
		return len(env.backend.HeldReceipts("outlet-a")) == 1
	}, "held receipt never reached the backend")

	rec = env.do(t, http.MethodGet, "/api/v1/held-receipts", token, nil)
	var list domain.HeldListResponse
	decodeBody(t, rec, &list)
	if len(list.Items) != 1 {
		t.Fatalf("expected one held receipt, got %+v", list.Items)
	}

	rec = env.do(t, http.MethodPost, "/api/v1/held-receipts/"+list.Items[0].ID+"/restore", token, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("restore expected 200, got %d (body: %s)", rec.Code, rec.Body.String())
	}
	rec = env.do(t, http.MethodDelete, "/api/v1/held-receipts/"+list.Items[0].ID, token, nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 deleting a restored receipt, got %d", rec.Code)
	}

	rec = env.do(t, http.MethodPost, "/api/v1/held-receipts/view", token, domain.HeldViewRequest{Active: true})
	if rec.Code != http.StatusOK {
		t.Fatalf("view expected 200, got %d", rec.Code)
	}
}

func TestHandleSwitchOutlet_RevokesOldToken(t *testing.T) {
	env := newTestEnv(t)
	oldToken := env.login(t, "cashier", "cashier123", "outlet-a")

	rec := env.do(t, http.MethodPost, "/api/v1/session/switch", oldToken, domain.SwitchOutletRequest{OutletID: "outlet-b"})
	if rec.Code != http.StatusOK {
		t.Fatalf("switch expected 200, got %d (body: %s)", rec.Code, rec.Body.String())
	}
	var resp domain.LoginResponse
	decodeBody(t, rec, &resp)
	if resp.OutletID != "outlet-b" {
		t.Fatalf("expected outlet-b token, got %q", resp.OutletID)
	}

	if rec := env.do(t, http.MethodGet, "/api/v1/products", oldToken, nil); rec.Code != http.StatusUnauthorized {
		t.Fatalf("old outlet token must be rejected, got %d", rec.Code)
	}
	if rec := env.do(t, http.MethodGet, "/api/v1/products", resp.AccessToken, nil); rec.Code != http.StatusOK {
		t.Fatalf("new token expected 200, got %d", rec.Code)
	}
}

func TestHandleLogout_EndsSession(t *testing.T) {
	env := newTestEnv(t)
	token := env.login(t, "cashier", "cashier123", "outlet-a")

	if rec := env.do(t, http.MethodPost, "/api/v1/auth/logout", token, nil); rec.Code != http.StatusOK {
		t.Fatalf("logout expected 200, got %d", rec.Code)
	}
	if rec := env.do(t, http.MethodGet, "/api/v1/held-receipts", token, nil); rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 after logout, got %d", rec.Code)
	}
}

func TestHandleSyncRefresh(t *testing.T) {
	env := newTestEnv(t)
	token := env.login(t, "cashier", "cashier123", "outlet-a")

	rec := env.do(t, http.MethodPost, "/api/v1/sync/refresh", token, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d (body: %s)", rec.Code, rec.Body.String())
	}
	var report domain.SyncRunReport
	decodeBody(t, rec, &report)
	if len(report.Steps) != 3 {
		t.Fatalf("expected three steps, got %+v", report.Steps)
	}
}

func TestHandleConnectivity(t *testing.T) {
	env := newTestEnv(t)
	token := env.login(t, "cashier", "cashier123", "outlet-a")

	rec := env.do(t, http.MethodPost, "/api/v1/connectivity", token, domain.ConnectivityReport{Online: true})
	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d", rec.Code)
	}
	rec = env.do(t, http.MethodGet, "/api/v1/sync/status", token, nil)
	var status domain.SyncStatus
	decodeBody(t, rec, &status)
	if !status.Online {
		t.Fatalf("expected online after report")
	}
}

func TestHandleStaff_SupervisorOnly(t *testing.T) {
	env := newTestEnv(t)
	cashierToken := env.login(t, "cashier", "cashier123", "outlet-a")
	if rec := env.do(t, http.MethodGet, "/api/v1/staff", cashierToken, nil); rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for cashier, got %d", rec.Code)
	}

	supervisorToken := env.login(t, "supervisor", "supervisor123", "outlet-a")
	rec := env.do(t, http.MethodPost, "/api/v1/staff", supervisorToken, domain.StaffCreateRequest{Username: "kasirbaru", Password: "pass1234"})
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d (body: %s)", rec.Code, rec.Body.String())
	}
	if strings.Contains(rec.Body.String(), "$2") {
		t.Fatalf("password hash leaked in response")
	}
	env.login(t, "kasirbaru", "pass1234", "outlet-a")
}

func TestMetricsEndpoint(t *testing.T) {
	env := newTestEnv(t)
	token := env.login(t, "cashier", "cashier123", "outlet-a")
	env.do(t, http.MethodPost, "/api/v1/offline-transactions", token, splitSale())

	rec := env.do(t, http.MethodGet, "/metrics", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "terminal_offline_enqueued_total") {
		t.Fatalf("expected terminal metrics in exposition")
	}
}

// TestMustHashPassword verifies that the test helper produces valid bcrypt hashes
// (used to confirm test infrastructure is sound).
func TestMustHashPassword(t *testing.T) {
	hash := mustHashPassword(t, "secret")
	if err := bcrypt.CompareHashAndPassword([]byte(hash), []byte("secret")); err != nil {
		t.Fatalf("hash verification failed: %v", err)
	}
}
