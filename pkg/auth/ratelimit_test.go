package auth_test

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/INFIxChatnify/reimbursement-contract-sub003/pkg/auth"
	"github.com/INFIxChatnify/reimbursement-contract-sub003/pkg/relay"
	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
)

func limited(limit relay.Limit) http.Handler {
	return auth.RateLimitMiddleware(relay.NewMemoryLimiter(), limit)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
}

func TestRateLimitMiddleware_OverLimit(t *testing.T) {
	handler := limited(relay.Limit{Calls: 1, Window: time.Minute})

	w1 := httptest.NewRecorder()
	handler.ServeHTTP(w1, httptest.NewRequest("GET", "/api/v1/requests", nil))
	assert.Equal(t, http.StatusOK, w1.Code)

	w2 := httptest.NewRecorder()
	handler.ServeHTTP(w2, httptest.NewRequest("GET", "/api/v1/requests", nil))
	assert.Equal(t, http.StatusTooManyRequests, w2.Code)
	assert.NotEmpty(t, w2.Header().Get("Retry-After"))
}

func TestRateLimitMiddleware_KeyedByAccount(t *testing.T) {
	handler := limited(relay.Limit{Calls: 1, Window: time.Minute})

	for _, acct := range []common.Address{common.HexToAddress("0x01"), common.HexToAddress("0x02")} {
		req := httptest.NewRequest("GET", "/api/v1/requests", nil)
		req = req.WithContext(auth.WithPrincipal(req.Context(), &auth.BasePrincipal{Addr: acct}))
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, req)
		assert.Equal(t, http.StatusOK, w.Code, acct.Hex())
	}
}

func TestRateLimitMiddleware_Unlimited(t *testing.T) {
	handler := limited(relay.Limit{})
	for i := 0; i < 5; i++ {
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, httptest.NewRequest("GET", "/", nil))
		assert.Equal(t, http.StatusOK, w.Code)
	}
}
