package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus/hooks/test"

	"shopsync/backend/internal/bundle"
	"shopsync/backend/internal/domain"
	"shopsync/backend/internal/reconcile"
	remotemem "shopsync/backend/internal/remote/memory"
	"shopsync/backend/internal/service"
	"shopsync/backend/internal/store"
	"shopsync/backend/internal/store/memory"
	"shopsync/backend/internal/syncengine"
)

type testEnv struct {
	api     *API
	repo    *memory.Store
	svc     *service.Service
	backend *remotemem.Backend
}

// newTestEnv builds a full API over an in-memory store and backend so handler
// tests exercise the complete request path.
func newTestEnv(t *testing.T, provisioned bool) *testEnv {
	t.Helper()
	ctx := context.Background()
	logger, _ := test.NewNullLogger()

	repo := memory.New()
	svc := service.New(repo, service.WithLogger(logger))
	if _, err := svc.CreateUser(ctx, "Ada", "4826", domain.RoleAdmin); err != nil {
		t.Fatalf("create admin: %v", err)
	}
	admin := service.WithActor(ctx, domain.Actor{UserID: "u-ada", Name: "Ada", Role: domain.RoleAdmin})
	if _, err := svc.CreateUser(admin, "Bayo", "7391", domain.RoleStaff); err != nil {
		t.Fatalf("create staff: %v", err)
	}
	if provisioned {
		if err := repo.SetSetting(ctx, store.SettingShopID, "shop-1"); err != nil {
			t.Fatalf("set shop id: %v", err)
		}
	}

	backend := remotemem.New()
	orch := syncengine.New(repo, backend, nil, syncengine.WithLogger(logger))
	rec := reconcile.New(repo, svc.Tracker(), reconcile.WithLogger(logger))
	auth := NewAuthManager("test-secret-key", time.Hour, svc)

	return &testEnv{
		api:     New(svc, auth, orch, rec, "*", logger),
		repo:    repo,
		svc:     svc,
		backend: backend,
	}
}

func (e *testEnv) do(t *testing.T, method string, path string, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var payload []byte
	if body != nil {
		var err error
		if payload, err = json.Marshal(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, bytes.NewReader(payload))
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if method == http.MethodPost && path != "/api/v1/auth/login" {
		req.Header.Set("X-CSRF-Token", fetchCSRFToken(t, e.api))
	}
	res := httptest.NewRecorder()
	e.api.Handler().ServeHTTP(res, req)
	return res
}

func decodeBody(t *testing.T, res *httptest.ResponseRecorder, dst any) {
	t.Helper()
	if err := json.NewDecoder(res.Body).Decode(dst); err != nil {
		t.Fatalf("decode body: %v (status %d)", err, res.Code)
	}
}

func TestHandleHealth(t *testing.T) {
	env := newTestEnv(t, true)
	res := env.do(t, http.MethodGet, "/healthz", "", nil)
	if res.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", res.Code)
	}
	var body map[string]any
	decodeBody(t, res, &body)
	if body["ok"] != true {
		t.Fatalf("expected ok:true, got %v", body["ok"])
	}
}

func TestHandleLogin_Success(t *testing.T) {
	env := newTestEnv(t, true)
	res := env.do(t, http.MethodPost, "/api/v1/auth/login", "", LoginRequest{Name: "Bayo", PIN: "7391"})
	if res.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d (body: %s)", res.Code, res.Body.String())
	}
	var payload LoginResponse
	decodeBody(t, res, &payload)
	if payload.Role != domain.RoleStaff || payload.AccessToken == "" {
		t.Fatalf("unexpected login response: %+v", payload)
	}
}

func TestHandleLogin_InvalidCredentials(t *testing.T) {
	env := newTestEnv(t, true)
	res := env.do(t, http.MethodPost, "/api/v1/auth/login", "", LoginRequest{Name: "Bayo", PIN: "0000"})
	if res.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", res.Code)
	}
}

func TestItemsRequireAuth(t *testing.T) {
	env := newTestEnv(t, true)
	res := env.do(t, http.MethodGet, "/api/v1/items", "", nil)
	if res.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", res.Code)
	}
}

func TestSaleFlowAndVoid(t *testing.T) {
	env := newTestEnv(t, true)
	adminToken := login(t, env, "Ada", "4826")
	staffToken := login(t, env, "Bayo", "7391")

	res := env.do(t, http.MethodPost, "/api/v1/items", adminToken, map[string]any{
		"name":         "Rice",
		"costPrice":    "300",
		"sellingPrice": "500",
		"stock":        10,
		"category":     "Grains",
	})
	if res.Code != http.StatusCreated {
		t.Fatalf("create item: expected 201, got %d (%s)", res.Code, res.Body.String())
	}
	var item domain.InventoryItem
	decodeBody(t, res, &item)

	res = env.do(t, http.MethodPost, "/api/v1/sales", staffToken, map[string]any{
		"lines":    []map[string]any{{"itemId": item.UUID, "quantity": 2}},
		"cashPaid": "1000",
	})
	if res.Code != http.StatusCreated {
		t.Fatalf("record sale: expected 201, got %d (%s)", res.Code, res.Body.String())
	}
	var result service.SaleResult
	decodeBody(t, res, &result)
	if !result.Sale.Total.Equal(decimal.NewFromInt(1000)) || result.Sale.StaffName != "Bayo" {
		t.Fatalf("unexpected sale: %+v", result.Sale)
	}

	res = env.do(t, http.MethodPost, "/api/v1/sales/"+result.Sale.UUID+"/void", staffToken, nil)
	if res.Code != http.StatusForbidden {
		t.Fatalf("staff void: expected 403, got %d", res.Code)
	}
	res = env.do(t, http.MethodPost, "/api/v1/sales/"+result.Sale.UUID+"/void", adminToken, nil)
	if res.Code != http.StatusOK {
		t.Fatalf("admin void: expected 200, got %d (%s)", res.Code, res.Body.String())
	}
	res = env.do(t, http.MethodPost, "/api/v1/sales/"+result.Sale.UUID+"/void", adminToken, nil)
	if res.Code != http.StatusConflict {
		t.Fatalf("second void: expected 409, got %d", res.Code)
	}
}

func TestSaleWithUnknownItemIs404(t *testing.T) {
	env := newTestEnv(t, true)
	token := login(t, env, "Bayo", "7391")
	res := env.do(t, http.MethodPost, "/api/v1/sales", token, map[string]any{
		"lines":    []map[string]any{{"itemId": "missing", "quantity": 1}},
		"cashPaid": "100",
	})
	if res.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d (%s)", res.Code, res.Body.String())
	}
}

func TestSyncEndpointRunsPass(t *testing.T) {
	env := newTestEnv(t, true)
	token := login(t, env, "Bayo", "7391")

	res := env.do(t, http.MethodPost, "/api/v1/sync", token, nil)
	if res.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d (%s)", res.Code, res.Body.String())
	}
	var body struct {
		Sync  domain.SyncSnapshot `json:"sync"`
		Error string              `json:"error"`
	}
	decodeBody(t, res, &body)
	if body.Sync.Status != domain.StatusSynced || body.Error != "" {
		t.Fatalf("unexpected sync result: %+v", body)
	}
	if got := len(env.backend.Records(domain.CollectionUsers, "shop-1")); got != 2 {
		t.Fatalf("expected both users pushed, got %d", got)
	}

	res = env.do(t, http.MethodGet, "/api/v1/sync/status", token, nil)
	var snap domain.SyncSnapshot
	decodeBody(t, res, &snap)
	if snap.Pending != 0 || snap.ShopID != "shop-1" {
		t.Fatalf("unexpected snapshot: %+v", snap)
	}
}

func TestSyncEndpointReportsOffline(t *testing.T) {
	env := newTestEnv(t, true)
	env.backend.SetDown(true)
	token := login(t, env, "Bayo", "7391")

	res := env.do(t, http.MethodPost, "/api/v1/sync", token, nil)
	var body struct {
		Sync  domain.SyncSnapshot `json:"sync"`
		Error string              `json:"error"`
	}
	decodeBody(t, res, &body)
	if res.Code != http.StatusOK || body.Sync.Status != domain.StatusOffline || body.Error == "" {
		t.Fatalf("expected offline result, got %d %+v", res.Code, body)
	}
	if body.Sync.Pending == 0 {
		t.Fatalf("expected rows to remain pending")
	}
}

func TestSyncEndpointUnprovisioned(t *testing.T) {
	env := newTestEnv(t, false)
	token := login(t, env, "Bayo", "7391")
	res := env.do(t, http.MethodPost, "/api/v1/sync", token, nil)
	if res.Code != http.StatusPreconditionFailed {
		t.Fatalf("expected 412, got %d", res.Code)
	}
}

func TestInitialPullRequiresAdmin(t *testing.T) {
	env := newTestEnv(t, true)
	res := env.do(t, http.MethodPost, "/api/v1/sync/initial-pull", login(t, env, "Bayo", "7391"), nil)
	if res.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", res.Code)
	}
	res = env.do(t, http.MethodPost, "/api/v1/sync/initial-pull", login(t, env, "Ada", "4826"), nil)
	if res.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d (%s)", res.Code, res.Body.String())
	}
}

func TestImportShiftReport(t *testing.T) {
	env := newTestEnv(t, true)
	adminToken := login(t, env, "Ada", "4826")
	admin := service.WithActor(context.Background(), domain.Actor{Name: "Ada", Role: domain.RoleAdmin})
	item, err := env.svc.CreateItem(admin, service.ItemInput{Name: "Rice", SellingPrice: decimal.NewFromInt(500), Stock: 5})
	if err != nil {
		t.Fatalf("create item: %v", err)
	}

	encoded, err := bundle.Encode(domain.Bundle{
		Type:      domain.BundleShiftReport,
		StaffName: "Chika",
		Sales: []domain.Sale{{
			SyncMeta:      domain.SyncMeta{UUID: "offline-sale"},
			Items:         []domain.SaleItem{{ItemID: item.UUID, Name: "Rice", Price: decimal.NewFromInt(500), Quantity: 2}},
			Total:         decimal.NewFromInt(1000),
			PaymentMethod: domain.PaymentCash,
			Timestamp:     time.Date(2025, 1, 2, 10, 0, 0, 0, time.UTC),
			StaffName:     "Chika",
		}},
	})
	if err != nil {
		t.Fatalf("encode bundle: %v", err)
	}

	res := env.do(t, http.MethodPost, "/api/v1/reconcile/import", login(t, env, "Bayo", "7391"), importRequest{Bundle: encoded})
	if res.Code != http.StatusForbidden {
		t.Fatalf("staff import: expected 403, got %d", res.Code)
	}

	res = env.do(t, http.MethodPost, "/api/v1/reconcile/import", adminToken, importRequest{Bundle: encoded})
	if res.Code != http.StatusOK {
		t.Fatalf("import: expected 200, got %d (%s)", res.Code, res.Body.String())
	}
	var result domain.ImportResult
	decodeBody(t, res, &result)
	if result.Merged != 1 {
		t.Fatalf("expected one merged sale, got %+v", result)
	}

	got, err := env.svc.GetItem(context.Background(), item.UUID)
	if err != nil {
		t.Fatalf("get item: %v", err)
	}
	if got.Stock != 3 {
		t.Fatalf("expected stock 3 after merge, got %d", got.Stock)
	}

	res = env.do(t, http.MethodPost, "/api/v1/reconcile/import", adminToken, importRequest{Bundle: "not-a-bundle"})
	if res.Code != http.StatusBadRequest {
		t.Fatalf("malformed import: expected 400, got %d", res.Code)
	}
}

func TestExportRespectsRole(t *testing.T) {
	env := newTestEnv(t, true)
	staffToken := login(t, env, "Bayo", "7391")

	res := env.do(t, http.MethodGet, "/api/v1/reconcile/export?type=full_clone", staffToken, nil)
	if res.Code != http.StatusForbidden {
		t.Fatalf("staff clone export: expected 403, got %d", res.Code)
	}

	res = env.do(t, http.MethodGet, "/api/v1/reconcile/export", staffToken, nil)
	if res.Code != http.StatusOK {
		t.Fatalf("shift export: expected 200, got %d (%s)", res.Code, res.Body.String())
	}
	var body struct {
		Type   domain.BundleType `json:"type"`
		Bundle string            `json:"bundle"`
	}
	decodeBody(t, res, &body)
	b, err := bundle.Decode(body.Bundle)
	if err != nil {
		t.Fatalf("decode exported bundle: %v", err)
	}
	if b.Type != domain.BundleShiftReport || b.StaffName != "Bayo" || b.ShopID != "shop-1" {
		t.Fatalf("unexpected bundle header: %+v", b)
	}
}

func TestSyncStreamSendsSnapshots(t *testing.T) {
	env := newTestEnv(t, true)
	token := login(t, env, "Bayo", "7391")
	srv := httptest.NewServer(env.api.Handler())
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/v1/sync/stream?access_token=" + token
	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	if err != nil {
		t.Fatalf("dial stream: %v", err)
	}
	defer conn.CloseNow()

	var first domain.SyncSnapshot
	if err := wsjson.Read(ctx, conn, &first); err != nil {
		t.Fatalf("read first snapshot: %v", err)
	}
	if first.Status != domain.StatusPending {
		t.Fatalf("expected pending before any pass, got %s", first.Status)
	}

	res := env.do(t, http.MethodPost, "/api/v1/sync", token, nil)
	if res.Code != http.StatusOK {
		t.Fatalf("sync: %d", res.Code)
	}

	var next domain.SyncSnapshot
	if err := wsjson.Read(ctx, conn, &next); err != nil {
		t.Fatalf("read snapshot after sync: %v", err)
	}
	if next.Status != domain.StatusSynced {
		t.Fatalf("expected synced, got %s", next.Status)
	}
}

func TestSyncStreamRejectsMissingToken(t *testing.T) {
	env := newTestEnv(t, true)
	res := env.do(t, http.MethodGet, "/api/v1/sync/stream", "", nil)
	if res.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", res.Code)
	}
}
