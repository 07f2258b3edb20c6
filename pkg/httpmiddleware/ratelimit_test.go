package httpmiddleware

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

func serve(h http.Handler, setup func(r *http.Request)) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, "/api/orders", nil)
	req.RemoteAddr = "192.0.2.1:1234"
	if setup != nil {
		setup(req)
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func fromAddr(addr string) func(r *http.Request) {
	return func(r *http.Request) { r.RemoteAddr = addr }
}

func withBearer(token string) func(r *http.Request) {
	return func(r *http.Request) { r.Header.Set("Authorization", "Bearer "+token) }
}

func TestRateLimit_Budget(t *testing.T) {
	h := RateLimit(RateLimitConfig{Max: 3, Window: time.Minute})(okHandler())

	for i := range 3 {
		w := serve(h, fromAddr("10.0.0.1:9999"))
		require.Equal(t, http.StatusOK, w.Code, "request %d", i+1)
		assert.Equal(t, "3", w.Header().Get("X-RateLimit-Limit"))
		assert.NotEmpty(t, w.Header().Get("X-RateLimit-Reset"))
	}

	w := serve(h, fromAddr("10.0.0.1:9999"))
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, "0", w.Header().Get("X-RateLimit-Remaining"))
	assert.NotEmpty(t, w.Header().Get("Retry-After"))
	assert.Equal(t, "application/json", w.Header().Get("Content-Type"))

	var body struct {
		Code    int    `json:"code"`
		Error   string `json:"error"`
		Message string `json:"message"`
	}
	require.NoError(t, json.NewDecoder(w.Body).Decode(&body))
	assert.Equal(t, http.StatusTooManyRequests, body.Code)
	assert.Equal(t, "RATE_LIMITED", body.Error)
	assert.Equal(t, "rate limit exceeded", body.Message)
}

func TestRateLimit_IndependentClients(t *testing.T) {
	h := RateLimit(RateLimitConfig{Max: 1, Window: time.Minute})(okHandler())

	assert.Equal(t, http.StatusOK, serve(h, fromAddr("10.0.0.1:1")).Code)
	assert.Equal(t, http.StatusOK, serve(h, fromAddr("10.0.0.2:1")).Code)
	assert.Equal(t, http.StatusTooManyRequests, serve(h, fromAddr("10.0.0.1:2")).Code)
}

func TestRateLimit_ForwardedFor(t *testing.T) {
	h := RateLimit(RateLimitConfig{Max: 1, Window: time.Minute})(okHandler())
	forwarded := func(remote string) func(r *http.Request) {
		return func(r *http.Request) {
			r.RemoteAddr = remote
			r.Header.Set("X-Forwarded-For", "203.0.113.50, 70.41.3.18")
		}
	}

	assert.Equal(t, http.StatusOK, serve(h, forwarded("192.168.1.1:4444")).Code)
	assert.Equal(t, http.StatusTooManyRequests, serve(h, forwarded("192.168.1.2:5555")).Code)
}

func TestRateLimit_BearerOrIP(t *testing.T) {
	h := RateLimit(RateLimitConfig{Max: 1, Window: time.Minute, KeyFunc: BearerOrIP})(okHandler())

	// The same token shares one budget across addresses.
	assert.Equal(t, http.StatusOK, serve(h, func(r *http.Request) {
		withBearer("alice")(r)
		r.RemoteAddr = "10.0.0.1:1"
	}).Code)
	assert.Equal(t, http.StatusTooManyRequests, serve(h, func(r *http.Request) {
		withBearer("alice")(r)
		r.RemoteAddr = "10.0.0.9:1"
	}).Code)

	assert.Equal(t, http.StatusOK, serve(h, withBearer("bob")).Code)
	// Anonymous requests fall back to the client address.
	assert.Equal(t, http.StatusOK, serve(h, nil).Code)
	assert.Equal(t, http.StatusTooManyRequests, serve(h, nil).Code)
}

func TestBearerOrIP_DoesNotLeakToken(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer super-secret")

	key := BearerOrIP(req)
	assert.NotContains(t, key, "super-secret")
	assert.Contains(t, key, "token:")
}

func TestRateLimit_ExemptPaths(t *testing.T) {
	h := RateLimit(RateLimitConfig{Max: 1, Window: time.Minute, Exempt: []string{"/readyz"}})(okHandler())
	readyz := func(r *http.Request) { r.URL.Path = "/readyz" }

	for range 3 {
		w := serve(h, readyz)
		assert.Equal(t, http.StatusOK, w.Code)
		assert.Empty(t, w.Header().Get("X-RateLimit-Limit"))
	}
	assert.Equal(t, http.StatusOK, serve(h, nil).Code)
	assert.Equal(t, http.StatusTooManyRequests, serve(h, nil).Code)
}

func TestLimiter_SlidingWindow(t *testing.T) {
	l := newLimiter(4, time.Minute)
	start := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	for i := range 4 {
		require.True(t, l.take("k", start.Add(time.Duration(i)*time.Second)).allowed)
	}
	assert.False(t, l.take("k", start.Add(30*time.Second)).allowed)

	// A quarter into the next window three quarters of the previous
	// window's four requests still count.
	d := l.take("k", start.Add(75*time.Second))
	require.True(t, d.allowed)
	assert.Equal(t, 0, d.remaining)
	assert.False(t, l.take("k", start.Add(76*time.Second)).allowed)

	// Two windows later the budget is fresh.
	d = l.take("k", start.Add(3*time.Minute))
	require.True(t, d.allowed)
	assert.Equal(t, 3, d.remaining)
}

func TestLimiter_Sweep(t *testing.T) {
	l := newLimiter(1, time.Minute)
	start := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	l.take("idle", start)
	l.take("active", start.Add(90*time.Second))

	l.sweep(start.Add(2 * time.Minute))
	assert.NotContains(t, l.budgets, "idle")
	assert.Contains(t, l.budgets, "active")
}
