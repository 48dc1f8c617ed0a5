package core

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap/zaptest"
)

func TestRateLimiter(t *testing.T) {
	t.Parallel()
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	rl := NewRateLimiter(2, time.Minute)
	rl.now = func() time.Time { return now }

	handler := rl.Limit(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))
	call := func(remote string) int {
		req := httptest.NewRequest(http.MethodGet, "/api/subscriptions", nil)
		req.RemoteAddr = remote
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		return rec.Code
	}

	assert.Equal(t, http.StatusNoContent, call("10.0.0.1:1000"))
	assert.Equal(t, http.StatusNoContent, call("10.0.0.1:1001"))
	assert.Equal(t, http.StatusTooManyRequests, call("10.0.0.1:1002"), "ports share one budget")
	assert.Equal(t, http.StatusNoContent, call("10.0.0.2:1000"))

	now = now.Add(time.Minute + time.Second)
	assert.Equal(t, http.StatusNoContent, call("10.0.0.1:1003"))
}

func TestRateLimiter_EvictsIdleClients(t *testing.T) {
	t.Parallel()
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	rl := NewRateLimiter(2, time.Minute)
	rl.now = func() time.Time { return now }

	for i := 0; i < 500; i++ {
		assert.True(t, rl.allow(fmt.Sprintf("10.1.%d.%d", i/256, i%256)))
	}
	assert.Equal(t, 500, rl.Clients())

	now = now.Add(rateLimiterIdleTTL)
	assert.True(t, rl.allow("10.9.9.9"))
	assert.Equal(t, 1, rl.Clients(), "idle clients are dropped")
}

func TestRateLimiter_CapsTrackedClients(t *testing.T) {
	t.Parallel()
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	rl := NewRateLimiter(2, time.Minute)
	rl.now = func() time.Time { return now }

	for i := 0; i < maxRateLimitedClients+100; i++ {
		now = now.Add(time.Millisecond)
		rl.allow(fmt.Sprintf("client-%d", i))
	}
	assert.Equal(t, maxRateLimitedClients, rl.Clients())
}

func TestRecovery(t *testing.T) {
	t.Parallel()
	handler := Recovery(zaptest.NewLogger(t))(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic("boom")
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestSecurityHeaders(t *testing.T) {
	t.Parallel()
	handler := SecurityHeaders(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, "nosniff", rec.Header().Get("X-Content-Type-Options"))
	assert.Equal(t, "DENY", rec.Header().Get("X-Frame-Options"))
}
