package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/netip"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"posledger/backend/internal/domain"
	"posledger/backend/internal/operator"
	"posledger/backend/internal/service"
	"posledger/backend/internal/store"
)

const activeOperatorHeader = "X-Active-Operator"

type API struct {
	service       *service.Service
	guard         *operator.Guard
	auth          *AuthManager
	allowedOrigin string
	pinLimiter    *attemptLimiter
	logger        zerolog.Logger
}

func New(svc *service.Service, guard *operator.Guard, auth *AuthManager, allowedOrigin string, logger zerolog.Logger) *API {
	return &API{
		service:       svc,
		guard:         guard,
		auth:          auth,
		allowedOrigin: allowedOrigin,
		pinLimiter:    newAttemptLimiter(8, time.Minute),
		logger:        logger,
	}
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

// Allow records an attempt for key and reports whether it fits in the window.
func (l *attemptLimiter) Allow(key string) bool {
	if l == nil {
		return true
	}
	now := time.Now()
	cutoff := now.Add(-l.window)

	l.mu.Lock()
	defer l.mu.Unlock()

	history := l.entries[key]
	kept := history[:0]
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

func clientOf(r *http.Request) operator.Client {
	return operator.Client{IPAddress: clientKey(r), UserAgent: r.UserAgent()}
}

func (a *API) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /healthz", a.handleHealth)

	const base = "/api/v1/stores/{storeID}"
	mux.HandleFunc("POST "+base+"/sales", a.requireAuth(a.handleCreateSale))
	mux.HandleFunc("GET "+base+"/sales/{saleID}", a.requireAuth(a.handleGetSale))
	mux.HandleFunc("POST "+base+"/sales/{saleID}/returns", a.requireAuth(a.handleCreateReturn))
	mux.HandleFunc("GET "+base+"/sales/{saleID}/returns", a.requireAuth(a.handleListReturns))

	mux.HandleFunc("POST "+base+"/employments/validate-pin", a.requireAuth(a.handleValidatePin))
	mux.HandleFunc("POST "+base+"/employments/{employmentID}/pin", a.requireAuth(a.handleSetPin))
	mux.HandleFunc("GET "+base+"/employments/{employmentID}/pin-state", a.requireAuth(a.handlePinState))
	mux.HandleFunc("POST "+base+"/operator/select", a.requireAuth(a.handleSelectOperator))

	mux.HandleFunc("POST "+base+"/products/{productID}/batches", a.requireAuth(a.handleReceiveBatch))
	mux.HandleFunc("GET "+base+"/products/{productID}/batches/plan", a.requireAuth(a.handlePlanBatches))
	mux.HandleFunc("GET "+base+"/inventory/movements", a.requireAuth(a.handleMovements))
	mux.HandleFunc("GET "+base+"/inventory/reconcile", a.requireAuth(a.handleReconcile))
	mux.HandleFunc("GET "+base+"/audit-logs", a.requireAuth(a.handleAuditLogs))

	return a.withMiddleware(mux)
}

// requireAuth verifies the bearer token and that the caller belongs to the
// store named in the path.
func (a *API) requireAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		authorization := strings.TrimSpace(r.Header.Get("Authorization"))
		if !strings.HasPrefix(strings.ToLower(authorization), "bearer ") {
			a.writeError(w, http.StatusUnauthorized, errors.New("missing bearer token"))
			return
		}

		token := strings.TrimSpace(authorization[len("Bearer "):])
		actor, err := a.auth.ParseToken(token)
		if err != nil {
			a.writeError(w, http.StatusUnauthorized, err)
			return
		}

		if storeID := r.PathValue("storeID"); storeID != "" && !actor.MemberOf(storeID) {
			a.writeError(w, http.StatusForbidden, errors.New("not a member of this store"))
			return
		}

		next(w, r.WithContext(service.WithActor(r.Context(), actor)))
	}
}

func actorOf(r *http.Request) domain.Actor {
	actor, _ := service.ActorFromContext(r.Context())
	return actor
}

// activeOperator resolves who is working the till: the X-Active-Operator
// header when present, else the session user.
func (a *API) activeOperator(r *http.Request) (string, error) {
	actor := actorOf(r)
	return a.guard.ResolveActiveOperator(r.Context(),
		strings.TrimSpace(r.Header.Get(activeOperatorHeader)),
		actor.UserID,
		r.PathValue("storeID"),
		clientOf(r),
	)
}

func (a *API) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	status := http.StatusOK
	check := func(name string, ping func(context.Context) error) string {
		if err := ping(ctx); err != nil {
			a.logger.Warn().Err(err).Str("dependency", name).Msg("health check failed")
			status = http.StatusServiceUnavailable
			return "down"
		}
		return "up"
	}
	storeState := check("store", a.service.Ping)
	attemptsState := check("pin_attempts", a.guard.Ping)

	writeJSON(w, status, map[string]any{
		"ok":           status == http.StatusOK,
		"store":        storeState,
		"pin_attempts": attemptsState,
		"at":           time.Now().UTC().Format(time.RFC3339),
	})
}

func (a *API) handleCreateSale(w http.ResponseWriter, r *http.Request) {
	var req service.CreateSaleRequest
	if err := decodeJSON(r, &req); err != nil {
		a.writeError(w, http.StatusBadRequest, err)
		return
	}
	operatorID, err := a.activeOperator(r)
	if err != nil {
		a.writeServiceError(w, err)
		return
	}
	req.StoreID = r.PathValue("storeID")
	req.CashierID = actorOf(r).UserID
	req.OperatorID = operatorID

	result, err := a.service.CreateSale(r.Context(), req)
	if err != nil {
		a.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, result)
}

func (a *API) handleGetSale(w http.ResponseWriter, r *http.Request) {
	detail, err := a.service.GetSale(r.Context(), r.PathValue("storeID"), r.PathValue("saleID"))
	if err != nil {
		a.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, detail)
}

func (a *API) handleCreateReturn(w http.ResponseWriter, r *http.Request) {
	var req service.CreateReturnRequest
	if err := decodeJSON(r, &req); err != nil {
		a.writeError(w, http.StatusBadRequest, err)
		return
	}
	operatorID, err := a.activeOperator(r)
	if err != nil {
		a.writeServiceError(w, err)
		return
	}
	req.StoreID = r.PathValue("storeID")
	req.SaleID = r.PathValue("saleID")
	req.ProcessedByID = actorOf(r).UserID
	req.OperatorID = operatorID

	result, err := a.service.CreateReturn(r.Context(), req)
	if err != nil {
		a.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, result)
}

func (a *API) handleListReturns(w http.ResponseWriter, r *http.Request) {
	detail, err := a.service.ListReturns(r.Context(), r.PathValue("storeID"), r.PathValue("saleID"))
	if err != nil {
		a.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"sale_id": detail.Sale.ID,
		"status":  detail.Sale.Status,
		"items":   detail.Items,
		"returns": detail.Returns,
	})
}

func (a *API) handleValidatePin(w http.ResponseWriter, r *http.Request) {
	if !a.pinLimiter.Allow(clientKey(r)) {
		a.writeError(w, http.StatusTooManyRequests, errors.New("too many PIN attempts"))
		return
	}
	var req operator.ValidatePinRequest
	if err := decodeJSON(r, &req); err != nil {
		a.writeError(w, http.StatusBadRequest, err)
		return
	}
	req.StoreID = r.PathValue("storeID")
	req.Client = clientOf(r)

	result, err := a.guard.ValidatePin(r.Context(), req)
	if err != nil {
		a.writeServiceError(w, err)
		return
	}
	status := http.StatusOK
	if !result.Success {
		status = http.StatusUnauthorized
	}
	writeJSON(w, status, result)
}

func (a *API) handleSetPin(w http.ResponseWriter, r *http.Request) {
	var req operator.SetPinRequest
	if err := decodeJSON(r, &req); err != nil {
		a.writeError(w, http.StatusBadRequest, err)
		return
	}
	req.StoreID = r.PathValue("storeID")
	req.EmploymentID = r.PathValue("employmentID")
	req.ActorUserID = actorOf(r).UserID
	req.Client = clientOf(r)

	if err := a.guard.SetPin(r.Context(), req); err != nil {
		a.writeServiceError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) handlePinState(w http.ResponseWriter, r *http.Request) {
	state, err := a.guard.State(r.Context(), r.PathValue("storeID"), r.PathValue("employmentID"))
	if err != nil {
		a.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, state)
}

func (a *API) handleSelectOperator(w http.ResponseWriter, r *http.Request) {
	if !a.pinLimiter.Allow(clientKey(r)) {
		a.writeError(w, http.StatusTooManyRequests, errors.New("too many PIN attempts"))
		return
	}
	var req operator.SelectOperatorRequest
	if err := decodeJSON(r, &req); err != nil {
		a.writeError(w, http.StatusBadRequest, err)
		return
	}
	req.StoreID = r.PathValue("storeID")
	req.Client = clientOf(r)

	sel, err := a.guard.SelectOperator(r.Context(), req)
	if err != nil {
		a.writeServiceError(w, err)
		return
	}
	status := http.StatusOK
	if !sel.Selected {
		status = http.StatusUnauthorized
	}
	writeJSON(w, status, sel)
}

func (a *API) handleReceiveBatch(w http.ResponseWriter, r *http.Request) {
	var req service.ReceiveBatchRequest
	if err := decodeJSON(r, &req); err != nil {
		a.writeError(w, http.StatusBadRequest, err)
		return
	}
	req.StoreID = r.PathValue("storeID")
	req.ProductID = r.PathValue("productID")
	req.UserID = actorOf(r).UserID

	batch, err := a.service.ReceiveBatch(r.Context(), req)
	if err != nil {
		a.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, batch)
}

func (a *API) handlePlanBatches(w http.ResponseWriter, r *http.Request) {
	quantity, err := strconv.Atoi(strings.TrimSpace(r.URL.Query().Get("quantity")))
	if err != nil || quantity < 1 {
		a.writeServiceError(w, domain.Invalid("quantity", "must be a positive integer"))
		return
	}
	plan, err := a.service.PlanBatches(r.Context(), r.PathValue("storeID"), r.PathValue("productID"), quantity)
	if err != nil {
		a.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, plan)
}

func (a *API) handleMovements(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	from, err := parseTime(q.Get("from"))
	if err != nil {
		a.writeServiceError(w, domain.Invalid("from", "must be RFC 3339"))
		return
	}
	to, err := parseTime(q.Get("to"))
	if err != nil {
		a.writeServiceError(w, domain.Invalid("to", "must be RFC 3339"))
		return
	}
	movements, err := a.service.Movements(r.Context(), r.PathValue("storeID"), strings.TrimSpace(q.Get("product_id")), from, to)
	if err != nil {
		a.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"movements": movements})
}

func (a *API) handleReconcile(w http.ResponseWriter, r *http.Request) {
	rec, err := a.service.Reconcile(r.Context(), r.PathValue("storeID"), strings.TrimSpace(r.URL.Query().Get("product_id")))
	if err != nil {
		a.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"reconciliation": rec,
		"balanced":       rec.Balanced(),
	})
}

func (a *API) handleAuditLogs(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit := parsePositiveLimit(q.Get("limit"), 50, 200)
	logs, err := a.service.ListAuditLogs(r.Context(), r.PathValue("storeID"), actorOf(r).UserID, domain.AuditEventType(strings.TrimSpace(q.Get("event_type"))), limit)
	if err != nil {
		a.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"audit_logs": logs})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(code int) {
	s.status = code
	s.ResponseWriter.WriteHeader(code)
}

func (a *API) withMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("Referrer-Policy", "strict-origin-when-cross-origin")
		w.Header().Set("Cross-Origin-Opener-Policy", "same-origin")
		w.Header().Set("Access-Control-Allow-Origin", a.allowedOrigin)
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, "+activeOperatorHeader)
		w.Header().Set("Access-Control-Allow-Methods", "GET,POST,OPTIONS")
		w.Header().Set("Vary", "Origin")

		if r.Method == http.MethodPost {
			r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
		}

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		startedAt := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		a.logger.Info().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", rec.status).
			Dur("latency", time.Since(startedAt)).
			Msg("request")
	})
}

func decodeJSON(r *http.Request, dest any) error {
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(dest); err != nil {
		return err
	}
	return nil
}

func parseTime(raw string) (time.Time, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return time.Time{}, nil
	}
	return time.Parse(time.RFC3339, raw)
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

// statusOf maps service and guard errors onto HTTP statuses.
func statusOf(err error) int {
	var (
		invalid   *domain.ValidationError
		notFound  *domain.ProductNotFoundError
		stock     *domain.InsufficientStockError
		batch     *domain.InsufficientBatchStockError
		exceeded  *domain.ReturnQuantityExceededError
		closed    *domain.SaleNotReturnableError
		denied    *domain.OperatorNotAuthorizedError
		forbidden *domain.ForbiddenError
		locked    *domain.PinLockedError
	)
	switch {
	case errors.As(err, &invalid):
		return http.StatusBadRequest
	case errors.As(err, &notFound), errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound
	case errors.As(err, &stock), errors.As(err, &batch), errors.As(err, &exceeded), errors.As(err, &closed):
		return http.StatusConflict
	case errors.As(err, &denied), errors.As(err, &forbidden):
		return http.StatusForbidden
	case errors.As(err, &locked):
		return http.StatusTooManyRequests
	case store.IsRetryable(err):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (a *API) writeServiceError(w http.ResponseWriter, err error) {
	var locked *domain.PinLockedError
	if errors.As(err, &locked) {
		secs := int(locked.RetryAfter.Round(time.Second) / time.Second)
		w.Header().Set("Retry-After", strconv.Itoa(max(secs, 1)))
	}
	a.writeError(w, statusOf(err), err)
}

func (a *API) writeError(w http.ResponseWriter, status int, err error) {
	// 5xx bodies stay generic; the cause goes to the log only.
	msg := err.Error()
	if status >= 500 {
		a.logger.Error().Err(err).Int("status", status).Msg("request failed")
		msg = "internal server error"
		if status == http.StatusServiceUnavailable {
			msg = "service temporarily unavailable, retry"
		}
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
