package httpapi

import (
	"context"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/netip"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"shopsync/backend/internal/bundle"
	"shopsync/backend/internal/domain"
	"shopsync/backend/internal/service"
	"shopsync/backend/internal/store"
	"shopsync/backend/internal/syncengine"
)

// Syncer is the orchestrator surface exposed over HTTP.
type Syncer interface {
	Sync(ctx context.Context) error
	PerformInitialPull(ctx context.Context) error
	Snapshot(ctx context.Context) (domain.SyncSnapshot, error)
	SubscribeStatus(fn syncengine.StatusFunc) func()
}

// Bundles imports and exports offline bundle files.
type Bundles interface {
	ImportEncoded(ctx context.Context, encoded string, reconcilerName string) (domain.ImportResult, error)
	ExportShiftReport(ctx context.Context, staffName string, since time.Time) (domain.Bundle, error)
	ExportStockUpdate(ctx context.Context) (domain.Bundle, error)
	ExportStaffInvite(ctx context.Context) (domain.Bundle, error)
	ExportFullClone(ctx context.Context) (domain.Bundle, error)
}

type API struct {
	service       *service.Service
	auth          *AuthManager
	sync          Syncer
	bundles       Bundles
	allowedOrigin string
	logger        logrus.FieldLogger
	loginLimiter  *attemptLimiter
	csrfSecret    []byte
}

func New(svc *service.Service, auth *AuthManager, syncer Syncer, bundles Bundles, allowedOrigin string, logger logrus.FieldLogger) *API {
	csrfSecret := make([]byte, 32)
	if _, err := rand.Read(csrfSecret); err != nil {
		csrfSecret = []byte("csrf-fallback-secret-change-me!!")
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &API{
		service:       svc,
		auth:          auth,
		sync:          syncer,
		bundles:       bundles,
		allowedOrigin: allowedOrigin,
		logger:        logger.WithField("module", "httpapi"),
		loginLimiter:  newAttemptLimiter(5, time.Minute),
		csrfSecret:    csrfSecret,
	}
}

// csrfTokenForHour computes an HMAC-SHA256 token for the given hour bucket.
func (a *API) csrfTokenForHour(hourBucket int64) string {
	h := hmac.New(sha256.New, a.csrfSecret)
	fmt.Fprintf(h, "%d", hourBucket)
	return hex.EncodeToString(h.Sum(nil))
}

func (a *API) generateCSRFToken() string {
	bucket := time.Now().UTC().Truncate(time.Hour).Unix()
	return a.csrfTokenForHour(bucket)
}

// validateCSRFToken accepts the current and previous hour bucket.
func (a *API) validateCSRFToken(token string) bool {
	if token == "" {
		return false
	}
	currentBucket := time.Now().UTC().Truncate(time.Hour).Unix()
	prevBucket := currentBucket - 3600

	return hmac.Equal([]byte(token), []byte(a.csrfTokenForHour(currentBucket))) ||
		hmac.Equal([]byte(token), []byte(a.csrfTokenForHour(prevBucket)))
}

type attemptLimiter struct {
	mu      sync.Mutex
	max     int
	window  time.Duration
	entries map[string][]time.Time
}

func newAttemptLimiter(max int, window time.Duration) *attemptLimiter {
	if max < 1 {
		max = 1
	}
	if window <= 0 {
		window = time.Minute
	}
	return &attemptLimiter{max: max, window: window, entries: make(map[string][]time.Time)}
}

func (l *attemptLimiter) Allow(key string) bool {
	if l == nil {
		return true
	}
	now := time.Now()
	cutoff := now.Add(-l.window)

	l.mu.Lock()
	defer l.mu.Unlock()

	history := l.entries[key]
	kept := make([]time.Time, 0, len(history)+1)
	for _, ts := range history {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}
	if len(kept) >= l.max {
		l.entries[key] = kept
		return false
	}
	l.entries[key] = append(kept, now)
	return true
}

func clientKey(r *http.Request) string {
	host := strings.TrimSpace(r.RemoteAddr)
	if host == "" {
		return "unknown"
	}
	if addr, err := netip.ParseAddrPort(host); err == nil {
		return addr.Addr().String()
	}
	if idx := strings.LastIndex(host, ":"); idx > 0 {
		return host[:idx]
	}
	return host
}

func (a *API) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/healthz", a.handleHealth)
	mux.HandleFunc("/api/v1/auth/login", a.handleLogin)
	mux.HandleFunc("/api/v1/auth/csrf-token", a.handleCSRFToken)

	mux.HandleFunc("/api/v1/items", a.requireAuth(a.handleItems, domain.RoleStaff, domain.RoleAdmin))
	mux.HandleFunc("/api/v1/sales", a.requireAuth(a.handleSales, domain.RoleStaff, domain.RoleAdmin))
	mux.HandleFunc("/api/v1/sales/", a.requireAuth(a.handleSaleActions, domain.RoleAdmin))

	mux.HandleFunc("/api/v1/sync", a.requireAuth(a.handleSync, domain.RoleStaff, domain.RoleAdmin))
	mux.HandleFunc("/api/v1/sync/status", a.requireAuth(a.handleSyncStatus, domain.RoleStaff, domain.RoleAdmin))
	mux.HandleFunc("/api/v1/sync/initial-pull", a.requireAuth(a.handleInitialPull, domain.RoleAdmin))
	mux.HandleFunc("/api/v1/sync/stream", a.handleSyncStream)

	mux.HandleFunc("/api/v1/reconcile/import", a.requireAuth(a.handleImport, domain.RoleAdmin))
	mux.HandleFunc("/api/v1/reconcile/export", a.requireAuth(a.handleExport, domain.RoleStaff, domain.RoleAdmin))

	return a.withMiddleware(mux)
}

func bearerToken(r *http.Request) (string, bool) {
	authorization := strings.TrimSpace(r.Header.Get("Authorization"))
	if !strings.HasPrefix(strings.ToLower(authorization), "bearer ") {
		return "", false
	}
	return strings.TrimSpace(authorization[len("Bearer "):]), true
}

func (a *API) requireAuth(next http.HandlerFunc, roles ...string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		token, ok := bearerToken(r)
		if !ok {
			writeError(w, http.StatusUnauthorized, errors.New("missing bearer token"))
			return
		}
		actor, err := a.auth.ParseToken(token)
		if err != nil {
			writeError(w, http.StatusUnauthorized, err)
			return
		}
		if len(roles) > 0 && !isRoleAllowed(actor.Role, roles) {
			writeError(w, http.StatusForbidden, errors.New("forbidden role"))
			return
		}
		next(w, r.WithContext(service.WithActor(r.Context(), actor)))
	}
}

func isRoleAllowed(role string, allowed []string) bool {
	for _, allow := range allowed {
		if role == allow {
			return true
		}
	}
	return false
}

func (a *API) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeMethodNotAllowed(w)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"ok": true,
		"at": time.Now().UTC().Format(time.RFC3339),
	})
}

func (a *API) handleLogin(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeMethodNotAllowed(w)
		return
	}
	if !a.loginLimiter.Allow(clientKey(r)) {
		writeError(w, http.StatusTooManyRequests, errors.New("too many login attempts"))
		return
	}

	var req LoginRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	resp, err := a.auth.Login(r.Context(), req)
	if err != nil {
		writeError(w, http.StatusUnauthorized, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (a *API) handleCSRFToken(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeMethodNotAllowed(w)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"csrf_token": a.generateCSRFToken(),
	})
}

// csrfExemptPaths are called before a client can have fetched a token.
var csrfExemptPaths = []string{
	"/api/v1/auth/login",
}

func (a *API) checkCSRF(w http.ResponseWriter, r *http.Request) bool {
	method := r.Method
	if method != http.MethodPost && method != http.MethodPut && method != http.MethodPatch {
		return true
	}
	for _, exempt := range csrfExemptPaths {
		if r.URL.Path == exempt {
			return true
		}
	}
	token := strings.TrimSpace(r.Header.Get("X-CSRF-Token"))
	if !a.validateCSRFToken(token) {
		writeError(w, http.StatusForbidden, errors.New("missing or invalid CSRF token"))
		return false
	}
	return true
}

type itemRequest struct {
	Name         string          `json:"name"`
	CostPrice    decimal.Decimal `json:"costPrice"`
	SellingPrice decimal.Decimal `json:"sellingPrice"`
	Stock        int             `json:"stock"`
	Unit         string          `json:"unit"`
	Supplier     string          `json:"supplier"`
	MinStock     int             `json:"minStock"`
	ExpiryDate   *time.Time      `json:"expiryDate"`
	Category     string          `json:"category"`
	Barcode      string          `json:"barcode"`
	Image        string          `json:"image"`
}

func (a *API) handleItems(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		items, err := a.service.ListItems(r.Context())
		if err != nil {
			writeError(w, statusFor(err), err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"items": items})
	case http.MethodPost:
		var req itemRequest
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		item, err := a.service.CreateItem(r.Context(), service.ItemInput{
			Name:         req.Name,
			CostPrice:    req.CostPrice,
			SellingPrice: req.SellingPrice,
			Stock:        req.Stock,
			Unit:         req.Unit,
			Supplier:     req.Supplier,
			MinStock:     req.MinStock,
			ExpiryDate:   req.ExpiryDate,
			Category:     req.Category,
			Barcode:      req.Barcode,
			Image:        req.Image,
		})
		if err != nil {
			writeError(w, statusFor(err), err)
			return
		}
		writeJSON(w, http.StatusCreated, item)
	default:
		writeMethodNotAllowed(w)
	}
}

type saleRequest struct {
	Lines []struct {
		ItemID   string `json:"itemId"`
		Quantity int    `json:"quantity"`
	} `json:"lines"`
	CashPaid      decimal.Decimal      `json:"cashPaid"`
	PaymentMethod domain.PaymentMethod `json:"paymentMethod"`
	WalletUsed    decimal.Decimal      `json:"walletUsed"`
	SaveChange    bool                 `json:"saveChange"`
	CustomerName  string               `json:"customerName"`
	CustomerPhone string               `json:"customerPhone"`
	DebtNote      string               `json:"debtNote"`
}

func (a *API) handleSales(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		sales, err := a.service.ListSales(r.Context())
		if err != nil {
			writeError(w, statusFor(err), err)
			return
		}
		if limit := parsePositiveLimit(r.URL.Query().Get("limit"), 0, 500); limit > 0 && len(sales) > limit {
			sales = sales[len(sales)-limit:]
		}
		writeJSON(w, http.StatusOK, map[string]any{"sales": sales})
	case http.MethodPost:
		var req saleRequest
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		in := service.SaleRequest{
			CashPaid:      req.CashPaid,
			PaymentMethod: req.PaymentMethod,
			WalletUsed:    req.WalletUsed,
			SaveChange:    req.SaveChange,
			CustomerName:  req.CustomerName,
			CustomerPhone: req.CustomerPhone,
			DebtNote:      req.DebtNote,
		}
		for _, line := range req.Lines {
			in.Lines = append(in.Lines, service.SaleLine{ItemID: line.ItemID, Quantity: line.Quantity})
		}
		result, err := a.service.RecordSale(r.Context(), in)
		if err != nil {
			writeError(w, statusFor(err), err)
			return
		}
		writeJSON(w, http.StatusCreated, result)
	default:
		writeMethodNotAllowed(w)
	}
}

// handleSaleActions serves POST /api/v1/sales/{uuid}/void.
func (a *API) handleSaleActions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeMethodNotAllowed(w)
		return
	}
	rest := strings.TrimPrefix(r.URL.Path, "/api/v1/sales/")
	uuid, action, ok := strings.Cut(rest, "/")
	if !ok || uuid == "" || action != "void" {
		writeError(w, http.StatusNotFound, errors.New("not found"))
		return
	}
	sale, err := a.service.VoidSale(r.Context(), uuid)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, sale)
}

func (a *API) handleSyncStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeMethodNotAllowed(w)
		return
	}
	snap, err := a.sync.Snapshot(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (a *API) handleSync(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeMethodNotAllowed(w)
		return
	}
	a.runSyncAction(w, r, a.sync.Sync)
}

func (a *API) handleInitialPull(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeMethodNotAllowed(w)
		return
	}
	a.runSyncAction(w, r, a.sync.PerformInitialPull)
}

// runSyncAction reports the resulting snapshot. A pass that ran but failed is
// still a 200: the failure is part of the sync status, not of the request.
func (a *API) runSyncAction(w http.ResponseWriter, r *http.Request, action func(context.Context) error) {
	err := action(r.Context())
	if errors.Is(err, syncengine.ErrSyncInFlight) || errors.Is(err, syncengine.ErrMissingShopID) {
		writeError(w, statusFor(err), err)
		return
	}
	snap, snapErr := a.sync.Snapshot(r.Context())
	if snapErr != nil {
		writeError(w, http.StatusInternalServerError, snapErr)
		return
	}
	body := map[string]any{"sync": snap}
	if err != nil {
		body["error"] = err.Error()
	}
	writeJSON(w, http.StatusOK, body)
}

// handleSyncStream pushes a snapshot on connect and after every status
// change. Browsers cannot set headers on websocket requests, so the token may
// also come as the access_token query parameter.
func (a *API) handleSyncStream(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeMethodNotAllowed(w)
		return
	}
	token, ok := bearerToken(r)
	if !ok {
		token = r.URL.Query().Get("access_token")
	}
	if _, err := a.auth.ParseToken(token); err != nil {
		writeError(w, http.StatusUnauthorized, err)
		return
	}

	opts := &websocket.AcceptOptions{}
	if origin, err := url.Parse(a.allowedOrigin); err == nil && origin.Host != "" {
		opts.OriginPatterns = []string{origin.Host}
	}
	conn, err := websocket.Accept(w, r, opts)
	if err != nil {
		return
	}
	defer conn.CloseNow()

	ctx := conn.CloseRead(r.Context())
	changes := make(chan domain.Status, 8)
	unsubscribe := a.sync.SubscribeStatus(func(s domain.Status) {
		select {
		case changes <- s:
		default:
		}
	})
	defer unsubscribe()

	send := func() error {
		snap, err := a.sync.Snapshot(ctx)
		if err != nil {
			return err
		}
		writeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		return wsjson.Write(writeCtx, conn, snap)
	}
	if err := send(); err != nil {
		return
	}
	for {
		select {
		case <-ctx.Done():
			conn.Close(websocket.StatusNormalClosure, "")
			return
		case <-changes:
			if err := send(); err != nil {
				a.logger.Debugf("status stream closed: %v", err)
				return
			}
		}
	}
}

type importRequest struct {
	Bundle string `json:"bundle"`
}

func (a *API) handleImport(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeMethodNotAllowed(w)
		return
	}
	var req importRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	actor, _ := service.ActorFromContext(r.Context())
	result, err := a.bundles.ImportEncoded(r.Context(), req.Bundle, actor.Name)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// handleExport serves GET /api/v1/reconcile/export?type=...; staff may only
// export their own shift report.
func (a *API) handleExport(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeMethodNotAllowed(w)
		return
	}
	actor, _ := service.ActorFromContext(r.Context())
	query := r.URL.Query()
	typ := domain.BundleType(query.Get("type"))
	if typ == "" {
		typ = domain.BundleShiftReport
	}
	if typ != domain.BundleShiftReport && actor.Role != domain.RoleAdmin {
		writeError(w, http.StatusForbidden, service.ErrForbidden)
		return
	}

	var (
		b   domain.Bundle
		err error
	)
	switch typ {
	case domain.BundleShiftReport:
		staff := actor.Name
		if actor.Role == domain.RoleAdmin && query.Get("staff") != "" {
			staff = query.Get("staff")
		}
		var since time.Time
		if raw := query.Get("since"); raw != "" {
			if since, err = time.Parse(time.RFC3339, raw); err != nil {
				writeError(w, http.StatusBadRequest, fmt.Errorf("since: %w", err))
				return
			}
		}
		b, err = a.bundles.ExportShiftReport(r.Context(), staff, since)
	case domain.BundleStockUpdate:
		b, err = a.bundles.ExportStockUpdate(r.Context())
	case domain.BundleStaffInvite:
		b, err = a.bundles.ExportStaffInvite(r.Context())
	case domain.BundleFullClone:
		b, err = a.bundles.ExportFullClone(r.Context())
	default:
		err = fmt.Errorf("%w: %q", bundle.ErrUnknownType, typ)
	}
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	encoded, err := bundle.Encode(b)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"type": b.Type, "bundle": encoded})
}

func (a *API) withMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("Referrer-Policy", "strict-origin-when-cross-origin")
		w.Header().Set("Cross-Origin-Opener-Policy", "same-origin")
		w.Header().Set("Access-Control-Allow-Origin", a.allowedOrigin)
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-CSRF-Token")
		w.Header().Set("Access-Control-Allow-Methods", "GET,POST,OPTIONS")
		w.Header().Set("Vary", "Origin")

		if r.Method == http.MethodPost && strings.Contains(strings.ToLower(r.Header.Get("Content-Type")), "application/json") {
			// Bundles carry whole catalogues, so allow more than a plain request.
			r.Body = http.MaxBytesReader(w, r.Body, 32<<20)
		}

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		if !a.checkCSRF(w, r) {
			return
		}

		startedAt := time.Now()
		next.ServeHTTP(w, r)
		a.logger.WithFields(logrus.Fields{
			"method":   r.Method,
			"path":     r.URL.Path,
			"duration": time.Since(startedAt).String(),
		}).Debug("request")
	})
}

// statusFor maps domain errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, service.ErrInvalidInput),
		errors.Is(err, bundle.ErrMalformed),
		errors.Is(err, bundle.ErrInvalid),
		errors.Is(err, bundle.ErrUnknownType):
		return http.StatusBadRequest
	case errors.Is(err, service.ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, service.ErrInsufficientWallet),
		errors.Is(err, service.ErrDuplicateName),
		errors.Is(err, service.ErrAlreadyVoided),
		errors.Is(err, service.ErrCategoryInUse),
		errors.Is(err, syncengine.ErrSyncInFlight):
		return http.StatusConflict
	case errors.Is(err, syncengine.ErrMissingShopID):
		return http.StatusPreconditionFailed
	default:
		return http.StatusInternalServerError
	}
}

func decodeJSON(r *http.Request, dest any) error {
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(dest); err != nil {
		return err
	}
	return nil
}

func parsePositiveLimit(raw string, fallback int, max int) int {
	limit := fallback
	trimmed := strings.TrimSpace(raw)
	if trimmed != "" {
		if parsed, err := strconv.Atoi(trimmed); err == nil && parsed > 0 {
			limit = parsed
		}
	}
	if max > 0 && limit > max {
		return max
	}
	return limit
}

func writeMethodNotAllowed(w http.ResponseWriter) {
	writeError(w, http.StatusMethodNotAllowed, errors.New("method not allowed"))
}

func writeError(w http.ResponseWriter, status int, err error) {
	// 5xx responses get a generic message so internals do not leak.
	msg := err.Error()
	if status >= 500 {
		logrus.WithField("status", status).Errorf("internal error: %v", err)
		msg = "internal server error"
	}
	writeJSON(w, status, map[string]any{
		"error": msg,
	})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
