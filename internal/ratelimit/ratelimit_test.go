package ratelimit

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newLimiter(t *testing.T, limit int) (*miniredis.Miniredis, *Limiter) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	return mr, NewLimiter(rdb, "send-email", limit, time.Minute, zap.NewNop())
}

func TestAllowWithinWindow(t *testing.T) {
	mr, l := newLimiter(t, 2)
	ctx := context.Background()

	assert.NoError(t, l.Allow(ctx, "10.0.0.1"))
	assert.NoError(t, l.Allow(ctx, "10.0.0.1"))
	assert.ErrorIs(t, l.Allow(ctx, "10.0.0.1"), ErrRateLimited)

	// other clients have their own counter
	assert.NoError(t, l.Allow(ctx, "10.0.0.2"))

	remaining, err := l.Remaining(ctx, "10.0.0.2")
	require.NoError(t, err)
	assert.Equal(t, 1, remaining)

	assert.Equal(t, time.Minute, mr.TTL("ratelimit:send-email:10.0.0.1"))
	mr.FastForward(time.Minute + time.Second)
	assert.NoError(t, l.Allow(ctx, "10.0.0.1"))
}

func TestAllowRepairsCounterWithoutTTL(t *testing.T) {
	mr, l := newLimiter(t, 5)

	// a counter stranded without an expiry by an earlier partial write
	require.NoError(t, mr.Set("ratelimit:send-email:10.0.0.9", "2"))
	assert.Zero(t, mr.TTL("ratelimit:send-email:10.0.0.9"))

	require.NoError(t, l.Allow(context.Background(), "10.0.0.9"))
	assert.Equal(t, time.Minute, mr.TTL("ratelimit:send-email:10.0.0.9"))

	got, err := mr.Get("ratelimit:send-email:10.0.0.9")
	require.NoError(t, err)
	assert.Equal(t, "3", got)
}

func TestAllowKeepsWindowOnLaterHits(t *testing.T) {
	mr, l := newLimiter(t, 5)
	ctx := context.Background()

	require.NoError(t, l.Allow(ctx, "10.0.0.1"))
	mr.FastForward(20 * time.Second)
	require.NoError(t, l.Allow(ctx, "10.0.0.1"))
	assert.Equal(t, 40*time.Second, mr.TTL("ratelimit:send-email:10.0.0.1"))
}

func TestNilLimiterAllows(t *testing.T) {
	var l *Limiter
	assert.NoError(t, l.Allow(context.Background(), "x"))
	assert.Nil(t, NewLimiter(nil, "send-email", 10, time.Minute, zap.NewNop()))

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer rdb.Close()
	assert.Nil(t, NewLimiter(rdb, "send-email", 0, time.Minute, zap.NewNop()))
}

func TestAllowFailsOpen(t *testing.T) {
	mr, l := newLimiter(t, 1)
	mr.Close()
	assert.NoError(t, l.Allow(context.Background(), "10.0.0.1"))
}

func TestMiddleware(t *testing.T) {
	_, l := newLimiter(t, 1)
	calls := 0
	h := l.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodPost, "/api/send-email", nil)
	req.RemoteAddr = "192.0.2.10:51234"

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.JSONEq(t, `{"error":"Too Many Requests"}`, rec.Body.String())
	assert.Equal(t, "60", rec.Header().Get("Retry-After"))
	assert.Equal(t, 1, calls)
}

func TestClientIP(t *testing.T) {
	proxies, err := ParseProxies([]string{"10.0.0.0/8", "192.0.2.1"})
	require.NoError(t, err)

	tests := []struct {
		name    string
		proxies Proxies
		remote  string
		xff     string
		want    string
	}{
		{"no proxies ignores header", nil, "192.0.2.10:51234", "203.0.113.7", "192.0.2.10"},
		{"untrusted peer ignores header", proxies, "198.51.100.4:443", "203.0.113.7", "198.51.100.4"},
		{"trusted peer", proxies, "10.1.2.3:443", "203.0.113.7", "203.0.113.7"},
		{"spoofed prefix is skipped", proxies, "10.1.2.3:443", "1.2.3.4, 203.0.113.7", "203.0.113.7"},
		{"proxy chain", proxies, "10.1.2.3:443", "203.0.113.7, 192.0.2.1, 10.9.9.9", "203.0.113.7"},
		{"all hops trusted", proxies, "10.1.2.3:443", "10.4.4.4", "10.4.4.4"},
		{"garbage hop", proxies, "10.1.2.3:443", "203.0.113.7, not-an-ip", "10.1.2.3"},
		{"empty header", proxies, "10.1.2.3:443", "", "10.1.2.3"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			req.RemoteAddr = tt.remote
			if tt.xff != "" {
				req.Header.Set("X-Forwarded-For", tt.xff)
			}
			assert.Equal(t, tt.want, tt.proxies.ClientIP(req))
		})
	}
}

func TestParseProxiesRejectsGarbage(t *testing.T) {
	_, err := ParseProxies([]string{"10.0.0.0/33"})
	assert.Error(t, err)
	_, err = ParseProxies([]string{"proxy.local"})
	assert.Error(t, err)
}

func TestMiddlewareIgnoresRotatedForwardedFor(t *testing.T) {
	_, l := newLimiter(t, 1)
	h := l.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	for i, fwd := range []string{"203.0.113.1", "203.0.113.2"} {
		req := httptest.NewRequest(http.MethodPost, "/api/send-email", nil)
		req.RemoteAddr = "192.0.2.10:51234"
		req.Header.Set("X-Forwarded-For", fwd)
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		if i == 0 {
			assert.Equal(t, http.StatusOK, rec.Code)
		} else {
			assert.Equal(t, http.StatusTooManyRequests, rec.Code)
		}
	}
}
