package middleware

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pesio-ai/be-crm-pipeline/internal/auth"
)

var ok = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
})

func TestRequestIDGeneratedAndReused(t *testing.T) {
	var seen string
	h := RequestID(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = GetRequestID(r.Context())
	}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.NotEmpty(t, seen)
	assert.Equal(t, seen, rec.Header().Get(HeaderRequestID))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(HeaderRequestID, "abc-123")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, "abc-123", seen)
}

func TestLoggerRecordsStatus(t *testing.T) {
	var buf bytes.Buffer
	log := zerolog.New(&buf)
	h := Logger(&log)(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))

	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/api/v1/deals/1", nil))
	assert.Contains(t, buf.String(), `"status":418`)
	assert.Contains(t, buf.String(), `"path":"/api/v1/deals/1"`)
	assert.Contains(t, buf.String(), `"level":"warn"`)
}

func TestRecoveryReturns500(t *testing.T) {
	log := zerolog.Nop()
	h := Recovery(&log)(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("boom")
	}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.JSONEq(t, `{"reason":"INTERNAL","message":"internal server error"}`, rec.Body.String())
}

func TestCORS(t *testing.T) {
	h := CORS([]string{"https://crm.example.com"})(ok)

	req := httptest.NewRequest(http.MethodOptions, "/api/v1/deals/1", nil)
	req.Header.Set("Origin", "https://crm.example.com")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "https://crm.example.com", rec.Header().Get("Access-Control-Allow-Origin"))

	req = httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Origin", "https://evil.example.com")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestTimeoutSetsDeadline(t *testing.T) {
	var deadline time.Time
	var hasDeadline bool
	h := Timeout(time.Second)(http.HandlerFunc(func(_ http.ResponseWriter, r *http.Request) {
		deadline, hasDeadline = r.Context().Deadline()
	}))
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil))
	require.True(t, hasDeadline)
	assert.WithinDuration(t, time.Now().Add(time.Second), deadline, time.Second)
}

func TestRateLimitIsPerTenant(t *testing.T) {
	rl := NewTenantRateLimiter(0.001, 2)
	h := rl.Middleware(ok)

	call := func(tenant string) int {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		if tenant != "" {
			req = req.WithContext(auth.WithActor(req.Context(), auth.Actor{ID: "u", TenantID: tenant}))
		}
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		return rec.Code
	}

	assert.Equal(t, http.StatusOK, call("tenant-a"))
	assert.Equal(t, http.StatusOK, call("tenant-a"))
	assert.Equal(t, http.StatusTooManyRequests, call("tenant-a"))
	assert.Equal(t, http.StatusOK, call("tenant-b"), "buckets are independent")
	assert.Equal(t, http.StatusOK, call(""), "anonymous requests use the IP bucket")
}

func TestRateLimiterSweepsIdleBuckets(t *testing.T) {
	rl := NewTenantRateLimiter(1, 1)
	now := time.Now()
	rl.now = func() time.Time { return now }
	rl.limiter("tenant:a")
	require.Len(t, rl.visitors, 1)

	now = now.Add(5 * time.Minute)
	rl.limiter("tenant:b")
	assert.Len(t, rl.visitors, 1)
	assert.Contains(t, rl.visitors, "tenant:b")
}

func TestAuthenticate(t *testing.T) {
	const secret = "test-secret"
	log := zerolog.Nop()
	var actor auth.Actor
	h := Authenticate(auth.NewValidator(secret), &log, "/health")(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		actor, _ = auth.ActorFrom(r.Context())
	}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/deals/1", nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/deals/1", nil)
	req.Header.Set("Authorization", "Bearer not-a-jwt")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, auth.Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "rep-1",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
		TenantID: "tenant-a",
		Roles:    []string{"sales_rep"},
	}).SignedString([]byte(secret))
	require.NoError(t, err)

	req = httptest.NewRequest(http.MethodGet, "/api/v1/deals/1", nil).WithContext(context.Background())
	req.Header.Set("Authorization", "Bearer "+token)
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "rep-1", actor.ID)
	assert.Equal(t, "tenant-a", actor.TenantID)
	assert.Equal(t, []string{"sales_rep"}, actor.Roles)
}
