// Package ratelimit provides Redis-based rate limiting for API endpoints
package ratelimit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"gitlab.com/phytodb/services/backend/internal/models"
)

// ErrRateLimited is returned when a rate limit is exceeded
var ErrRateLimited = errors.New("rate limit exceeded")

// hitScript increments the window counter and gives it a TTL whenever it has
// none, so a counter is never left without an expiry.
var hitScript = redis.NewScript(`
local count = redis.call("INCR", KEYS[1])
if redis.call("PTTL", KEYS[1]) < 0 then
	redis.call("PEXPIRE", KEYS[1], ARGV[1])
end
return count
`)

// Limiter is a fixed-window counter per key. A nil Limiter, or one without
// a Redis client, allows everything.
type Limiter struct {
	redis   *redis.Client
	prefix  string
	limit   int
	window  time.Duration
	proxies Proxies
	logger  *zap.Logger
}

// NewLimiter returns nil when limit is zero or no Redis client is available.
func NewLimiter(rdb *redis.Client, prefix string, limit int, window time.Duration, logger *zap.Logger) *Limiter {
	if rdb == nil || limit <= 0 {
		return nil
	}
	return &Limiter{
		redis:  rdb,
		prefix: prefix,
		limit:  limit,
		window: window,
		logger: logger.Named("ratelimit"),
	}
}

// WithTrustedProxies makes the middleware read X-Forwarded-For from these
// peers. Without it only RemoteAddr is used.
func (l *Limiter) WithTrustedProxies(p Proxies) *Limiter {
	if l != nil {
		l.proxies = p
	}
	return l
}

// Allow counts one hit for identifier and returns ErrRateLimited once the
// window's limit is exceeded. Redis errors fail open.
func (l *Limiter) Allow(ctx context.Context, identifier string) error {
	if l == nil || l.redis == nil {
		return nil
	}

	key := fmt.Sprintf("ratelimit:%s:%s", l.prefix, identifier)

	count, err := hitScript.Run(ctx, l.redis, []string{key}, l.window.Milliseconds()).Int64()
	if err != nil {
		l.logger.Warn("rate limit check failed, allowing request", zap.String("key", key), zap.Error(err))
		return nil
	}

	if int(count) > l.limit {
		return ErrRateLimited
	}
	return nil
}

// Remaining returns how many requests identifier has left in the window.
func (l *Limiter) Remaining(ctx context.Context, identifier string) (int, error) {
	if l == nil || l.redis == nil {
		return 0, nil
	}

	key := fmt.Sprintf("ratelimit:%s:%s", l.prefix, identifier)
	count, err := l.redis.Get(ctx, key).Int()
	if errors.Is(err, redis.Nil) {
		return l.limit, nil
	}
	if err != nil {
		return l.limit, err
	}

	remaining := l.limit - count
	if remaining < 0 {
		remaining = 0
	}
	return remaining, nil
}

// Middleware throttles by client IP and answers 429 with the shared error body.
func (l *Limiter) Middleware(next http.Handler) http.Handler {
	if l == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ip := l.proxies.ClientIP(r)
		if err := l.Allow(r.Context(), ip); errors.Is(err, ErrRateLimited) {
			l.logger.Warn("client exceeded submission limit", zap.String("ip", ip))
			w.Header().Set("Content-Type", "application/json")
			w.Header().Set("Retry-After", fmt.Sprintf("%d", int(l.window.Seconds())))
			w.WriteHeader(http.StatusTooManyRequests)
			json.NewEncoder(w).Encode(models.ErrorResponse{Error: "Too Many Requests"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

// Proxies is the set of reverse proxies allowed to set X-Forwarded-For.
type Proxies []*net.IPNet

// ParseProxies accepts CIDRs and bare addresses.
func ParseProxies(entries []string) (Proxies, error) {
	var out Proxies
	for _, entry := range entries {
		if !strings.Contains(entry, "/") {
			ip := net.ParseIP(entry)
			if ip == nil {
				return nil, fmt.Errorf("invalid trusted proxy %q", entry)
			}
			bits := 32
			if ip.To4() == nil {
				bits = 128
			}
			out = append(out, &net.IPNet{IP: ip, Mask: net.CIDRMask(bits, bits)})
			continue
		}
		_, ipNet, err := net.ParseCIDR(entry)
		if err != nil {
			return nil, fmt.Errorf("invalid trusted proxy %q: %w", entry, err)
		}
		out = append(out, ipNet)
	}
	return out, nil
}

func (p Proxies) trusted(addr string) bool {
	ip := net.ParseIP(addr)
	if ip == nil {
		return false
	}
	for _, ipNet := range p {
		if ipNet.Contains(ip) {
			return true
		}
	}
	return false
}

// ClientIP returns the peer address. When the peer is a trusted proxy the
// X-Forwarded-For chain is walked right to left and the first hop that is
// not itself a trusted proxy wins, so a client cannot pick its own key by
// prepending entries.
func (p Proxies) ClientIP(r *http.Request) string {
	peer, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		peer = r.RemoteAddr
	}
	if !p.trusted(peer) {
		return peer
	}

	hops := strings.Split(strings.Join(r.Header.Values("X-Forwarded-For"), ","), ",")
	for i := len(hops) - 1; i >= 0; i-- {
		hop := strings.TrimSpace(hops[i])
		if hop == "" {
			continue
		}
		if net.ParseIP(hop) == nil {
			// garbage in the chain: stop at the last hop we could verify
			return peer
		}
		if !p.trusted(hop) {
			return hop
		}
		peer = hop
	}
	return peer
}
