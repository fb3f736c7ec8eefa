package app

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/odyssey-erp/odyssey-rbac/internal/observability"
	"github.com/odyssey-erp/odyssey-rbac/internal/rbac"
	"github.com/odyssey-erp/odyssey-rbac/internal/shared"
)

type stubPinger struct{ err error }

func (p stubPinger) Ping(context.Context) error { return p.err }

type denyAll struct{}

func (denyAll) Check(context.Context, int64, rbac.PermissionName) (bool, error)     { return false, nil }
func (denyAll) CheckAny(context.Context, int64, []rbac.PermissionName) (bool, error) { return false, nil }
func (denyAll) CheckRole(context.Context, int64, string) (bool, error)              { return false, nil }


func newTestRouter(t *testing.T, store Pinger) (http.Handler, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	mw := rbac.Middleware{Guard: rbac.NewGuard(denyAll{}, logger, nil), Logger: logger}
	router := NewRouter(RouterParams{
		Logger:         logger,
		Config:         &Config{AppRequestTimeout: 5 * time.Second, RateLimitPerMin: 1000},
		SessionManager: shared.NewSessionManager(client, "odyssey_session", "secret", time.Hour, false),
		CSRFManager:    shared.NewCSRFManager("csrf"),
		RBACMiddleware: mw,
		RBACHandler:    rbac.NewHandler(logger, nil, nil, mw),
		Metrics:        observability.NewMetrics(),
		Store:          store,
	})
	return router, mr
}

func TestRouter_Health(t *testing.T) {
	router, _ := newTestRouter(t, stubPinger{})

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "nosniff", rec.Header().Get("X-Content-Type-Options"))

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestRouter_ReadinessFailure(t *testing.T) {
	router, _ := newTestRouter(t, stubPinger{err: errors.New("down")})

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestRouter_CSRF(t *testing.T) {
	router, _ := newTestRouter(t, nil)

	// Unsafe request without a token never reaches the guard.
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/rbac/roles", strings.NewReader(`{"name":"x"}`)))
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/csrf", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	var body struct {
		Token string `json:"csrf_token"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.NotEmpty(t, body.Token)
	cookies := rec.Result().Cookies()
	require.Len(t, cookies, 1)

	// With the session cookie and token, the request reaches the guard,
	// which rejects the anonymous session.
	req := httptest.NewRequest(http.MethodPost, "/rbac/roles", strings.NewReader(`{"name":"x"}`))
	req.AddCookie(cookies[0])
	req.Header.Set(shared.CSRFHeader, body.Token)
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestRouter_Metrics(t *testing.T) {
	router, _ := newTestRouter(t, nil)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/rbac/roles", nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "odyssey_http_requests_total")
}

func TestRateLimitKey(t *testing.T) {
	sessions := shared.NewSessionManager(nil, "odyssey_session", "secret", time.Hour, false)
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "10.0.0.7:5123"

	key, err := rateLimitKey(req)
	require.NoError(t, err)
	assert.Equal(t, "10.0.0.7", key)

	sess, err := sessions.Load(req.Context(), req)
	require.NoError(t, err)
	sess.SetUser("42")
	key, err = rateLimitKey(req.WithContext(shared.ContextWithSession(req.Context(), sess)))
	require.NoError(t, err)
	assert.Equal(t, "actor:42", key)
}
