package api

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestRateLimitMiddleware(t *testing.T) {
	// 1 req/sec, burst 2
	limiter := NewGlobalRateLimiter(1, 2)
	handler := limiter.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	do := func(remote string) int {
		req := httptest.NewRequest("GET", "/api/v1/requests", nil)
		req.RemoteAddr = remote
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, req)
		return w.Code
	}

	assert.Equal(t, http.StatusOK, do("10.0.0.1:1111"))
	assert.Equal(t, http.StatusOK, do("10.0.0.1:2222"))
	assert.Equal(t, http.StatusTooManyRequests, do("10.0.0.1:3333"), "same IP, burst exhausted")
	assert.Equal(t, http.StatusOK, do("10.0.0.2:1111"), "other IPs are independent")
}

func TestGlobalRateLimiter_Sweep(t *testing.T) {
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	limiter := NewGlobalRateLimiter(1, 1)
	limiter.clock = func() time.Time { return now }
	limiter.getVisitor("10.0.0.1")

	now = now.Add(2 * time.Minute)
	limiter.getVisitor("10.0.0.2")
	now = now.Add(2 * time.Minute)

	assert.Equal(t, 1, limiter.Sweep(3*time.Minute))
	assert.Len(t, limiter.visitors, 1)
}

func TestClientIP(t *testing.T) {
	req := httptest.NewRequest("GET", "/", nil)
	req.RemoteAddr = "[::1]:8080"
	assert.Equal(t, "::1", ClientIP(req))
	req.RemoteAddr = "192.168.1.9"
	assert.Equal(t, "192.168.1.9", ClientIP(req))
}
