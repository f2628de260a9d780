package httpapi

import (
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"posledger/backend/internal/domain"
	"posledger/backend/internal/store"
)

func TestMiddlewareSetsSecurityHeaders(t *testing.T) {
	ta := newTestAPI(t)
	rec := ta.do(t, call{method: http.MethodGet, path: "/healthz"})

	assert.Equal(t, "nosniff", rec.Header().Get("X-Content-Type-Options"))
	assert.Equal(t, "DENY", rec.Header().Get("X-Frame-Options"))
	assert.NotEmpty(t, rec.Header().Get("Referrer-Policy"))
	assert.Contains(t, rec.Header().Get("Access-Control-Allow-Headers"), activeOperatorHeader)
}

func TestPreflightShortCircuits(t *testing.T) {
	ta := newTestAPI(t)
	rec := ta.do(t, call{method: http.MethodOptions, path: "/api/v1/stores/s1/sales"})
	assert.Equal(t, http.StatusNoContent, rec.Code)
}

func TestPinRateLimitReturns429(t *testing.T) {
	ta := newTestAPI(t)
	token := ta.token(t, "manager", "s1")

	for i := range 9 {
		rec := ta.do(t, call{
			method: http.MethodPost, path: "/api/v1/stores/s1/employments/validate-pin",
			token: token, remote: "10.0.0.9:5000",
			body: map[string]any{"employment_id": "e2", "pin": "1397"},
		})
		if i < 8 {
			require.Equal(t, http.StatusOK, rec.Code, "attempt %d", i+1)
			continue
		}
		assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	}
}

func TestJSONBodyTooLargeRejected(t *testing.T) {
	ta := newTestAPI(t)
	body := fmt.Sprintf(`{"payment_method":"CASH","notes":"%s"}`, strings.Repeat("a", (1<<20)+1024))

	req := httptest.NewRequest(http.MethodPost, "/api/v1/stores/s1/sales", strings.NewReader(body))
	req.Header.Set("Authorization", "Bearer "+ta.token(t, "cashier", "s1"))
	rec := httptest.NewRecorder()
	ta.api.Handler().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestAttemptLimiterWindow(t *testing.T) {
	l := newAttemptLimiter(2, 50*time.Millisecond)
	assert.True(t, l.Allow("a"))
	assert.True(t, l.Allow("a"))
	assert.False(t, l.Allow("a"))
	assert.True(t, l.Allow("b"))

	time.Sleep(60 * time.Millisecond)
	assert.True(t, l.Allow("a"))

	var nilLimiter *attemptLimiter
	assert.True(t, nilLimiter.Allow("a"))
}

func TestClientKey(t *testing.T) {
	for remote, want := range map[string]string{
		"10.1.2.3:4000":   "10.1.2.3",
		"[::1]:8080":      "::1",
		"":                "unknown",
		"terminal-7:9000": "terminal-7",
	} {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.RemoteAddr = remote
		assert.Equal(t, want, clientKey(req), remote)
	}
}

func TestStatusOf(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{domain.Invalid("pin", "is required"), http.StatusBadRequest},
		{&domain.ProductNotFoundError{ProductID: "p"}, http.StatusNotFound},
		{fmt.Errorf("load: %w", store.ErrNotFound), http.StatusNotFound},
		{&domain.InsufficientStockError{Line: 1}, http.StatusConflict},
		{&domain.InsufficientBatchStockError{}, http.StatusConflict},
		{&domain.ReturnQuantityExceededError{}, http.StatusConflict},
		{&domain.SaleNotReturnableError{}, http.StatusConflict},
		{&domain.OperatorNotAuthorizedError{}, http.StatusForbidden},
		{&domain.ForbiddenError{}, http.StatusForbidden},
		{&domain.PinLockedError{RetryAfter: time.Minute}, http.StatusTooManyRequests},
		{fmt.Errorf("commit: %w", store.ErrConflict), http.StatusServiceUnavailable},
		{fmt.Errorf("dial: %w", store.ErrUnavailable), http.StatusServiceUnavailable},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, statusOf(tt.err), tt.err.Error())
	}
}

func TestServerErrorsHideDetails(t *testing.T) {
	ta := newTestAPI(t)
	rec := httptest.NewRecorder()
	ta.api.writeServiceError(rec, errors.New(`pq: relation "sales" does not exist`))

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Equal(t, "internal server error", decodeBody(t, rec)["error"])

	rec = httptest.NewRecorder()
	ta.api.writeServiceError(rec, &domain.PinLockedError{RetryAfter: 90 * time.Second})
	assert.Equal(t, "90", rec.Header().Get("Retry-After"))
}
