package httpmiddleware

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"math"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"
)

// RateLimitConfig configures RateLimit.
type RateLimitConfig struct {
	Max    int
	Window time.Duration
	// KeyFunc names the budget a request draws from. Defaults to BearerOrIP.
	KeyFunc func(*http.Request) string
	// Exempt lists paths that are never limited, such as health checks.
	Exempt []string
}

// budget counts requests in the current and the previous window. The
// previous count is weighted by how much of it still overlaps the sliding
// window ending now.
type budget struct {
	start time.Time
	curr  int
	prev  int
}

func (b *budget) advance(now time.Time, window time.Duration) {
	switch elapsed := now.Sub(b.start); {
	case elapsed < window:
		return
	case elapsed < 2*window:
		b.prev = b.curr
	default:
		b.prev = 0
	}
	b.curr = 0
	b.start = now.Truncate(window)
}

func (b *budget) used(now time.Time, window time.Duration) int {
	overlap := 1 - float64(now.Sub(b.start))/float64(window)
	if overlap < 0 {
		overlap = 0
	}
	return b.curr + int(math.Ceil(float64(b.prev)*overlap))
}

// decision is the outcome of one take.
type decision struct {
	allowed   bool
	remaining int
	resetAt   time.Time
}

type limiter struct {
	max    int
	window time.Duration

	mu      sync.Mutex
	budgets map[string]*budget
}

func newLimiter(limit int, window time.Duration) *limiter {
	return &limiter{max: limit, window: window, budgets: make(map[string]*budget)}
}

func (l *limiter) take(key string, now time.Time) decision {
	l.mu.Lock()
	defer l.mu.Unlock()

	b, ok := l.budgets[key]
	if !ok {
		b = &budget{start: now.Truncate(l.window)}
		l.budgets[key] = b
	}
	b.advance(now, l.window)

	d := decision{resetAt: b.start.Add(l.window)}
	used := b.used(now, l.window)
	if used >= l.max {
		return d
	}
	b.curr++
	d.allowed = true
	d.remaining = max(l.max-used-1, 0)
	return d
}

// sweep drops budgets that have been idle for two windows.
func (l *limiter) sweep(now time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for key, b := range l.budgets {
		if now.Sub(b.start) >= 2*l.window {
			delete(l.budgets, key)
		}
	}
}

// RateLimit limits each key to Max requests per sliding Window. Rejected
// requests get 429 RATE_LIMITED with Retry-After.
func RateLimit(cfg RateLimitConfig) Middleware {
	return rateLimit(cfg, newLimiter(cfg.Max, cfg.Window))
}

// RateLimitWithCleanup is RateLimit with a goroutine that evicts idle budgets
// until ctx is done.
func RateLimitWithCleanup(ctx context.Context, cfg RateLimitConfig) Middleware {
	l := newLimiter(cfg.Max, cfg.Window)
	go func() {
		t := time.NewTicker(2 * cfg.Window)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case now := <-t.C:
				l.sweep(now)
			}
		}
	}()
	return rateLimit(cfg, l)
}

func rateLimit(cfg RateLimitConfig, l *limiter) Middleware {
	keyOf := cfg.KeyFunc
	if keyOf == nil {
		keyOf = BearerOrIP
	}
	exempt := make(map[string]struct{}, len(cfg.Exempt))
	for _, p := range cfg.Exempt {
		exempt[p] = struct{}{}
	}
	limit := strconv.Itoa(cfg.Max)

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if _, ok := exempt[r.URL.Path]; ok {
				next.ServeHTTP(w, r)
				return
			}

			now := time.Now()
			d := l.take(keyOf(r), now)

			h := w.Header()
			h.Set("X-RateLimit-Limit", limit)
			h.Set("X-RateLimit-Remaining", strconv.Itoa(d.remaining))
			h.Set("X-RateLimit-Reset", strconv.FormatInt(d.resetAt.Unix(), 10))
			if !d.allowed {
				wait := max(d.resetAt.Sub(now), time.Second)
				h.Set("Retry-After", strconv.Itoa(int(wait.Round(time.Second)/time.Second)))
				WriteError(w, http.StatusTooManyRequests, "RATE_LIMITED", "rate limit exceeded")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// BearerOrIP keys requests by a digest of their bearer token, falling back
// to ClientIP for anonymous requests. One user shares a budget across
// addresses.
func BearerOrIP(r *http.Request) string {
	if token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer "); ok && token != "" {
		sum := sha256.Sum256([]byte(token))
		return "token:" + hex.EncodeToString(sum[:8])
	}
	return "ip:" + ClientIP(r)
}

// ClientIP returns the first X-Forwarded-For hop, then X-Real-IP, then the
// host part of RemoteAddr.
func ClientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		return strings.TrimSpace(first)
	}
	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return xri
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
