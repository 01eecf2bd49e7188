package main

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"gitlab.com/phytodb/services/backend/internal/config"
	"gitlab.com/phytodb/services/backend/internal/queue"
	"gitlab.com/phytodb/services/backend/internal/relay"
)

const body = `{"proteinTarget":"EGFR","ligandTarget":"ATP","blindDocking":"yes","activeSiteDocking":"no","createdAt":"2025-01-01T00:00:00Z","userEmail":"a@b.com","userId":"u1"}`

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	t.Setenv("NOTIFY_STRATEGY", config.StrategyQueue)
	cfg, err := config.FromEnv()
	require.NoError(t, err)
	cfg.RateLimitPerMinute = 2
	return cfg
}

func newTestRouter(t *testing.T) (*miniredis.Miniredis, http.Handler) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	cfg := testConfig(t)
	submitter, err := relay.NewSubmitter(cfg, queue.NewRedisConnector(rdb), nil, zap.NewNop())
	require.NoError(t, err)

	return mr, newServer(cfg, rdb, nil, submitter, zap.NewNop()).setupRouter()
}

func do(h http.Handler, method, target, body string) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	req.RemoteAddr = "192.0.2.1:4000"
	h.ServeHTTP(rec, req)
	return rec
}

func TestSendEmailRoute(t *testing.T) {
	mr, router := newTestRouter(t)

	rec := do(router, http.MethodPost, "/api/send-email", body)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"success":true,"message":"Mail request queued successfully"}`, rec.Body.String())
	assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))
	assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))

	list, err := mr.List(queue.DefaultName)
	require.NoError(t, err)
	assert.Equal(t, []string{body}, list)
}

func TestSendEmailRateLimited(t *testing.T) {
	_, router := newTestRouter(t)

	assert.Equal(t, http.StatusOK, do(router, http.MethodPost, "/api/send-email", body).Code)
	assert.Equal(t, http.StatusOK, do(router, http.MethodPost, "/api/send-email", body).Code)
	assert.Equal(t, http.StatusTooManyRequests, do(router, http.MethodPost, "/api/send-email", body).Code)
}

func TestPreflight(t *testing.T) {
	_, router := newTestRouter(t)
	rec := do(router, http.MethodOptions, "/api/send-email", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Header().Get("Access-Control-Allow-Methods"), "POST")
}

func TestHealth(t *testing.T) {
	mr, router := newTestRouter(t)

	rec := do(router, http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok","strategy":"queue"}`, rec.Body.String())

	mr.Close()
	rec = do(router, http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.JSONEq(t, `{"status":"unhealthy","strategy":"queue"}`, rec.Body.String())
}

func TestDeliveriesWithoutDatabase(t *testing.T) {
	_, router := newTestRouter(t)
	rec := do(router, http.MethodGet, "/api/notifications/deliveries", "")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}
