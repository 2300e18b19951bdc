package api

import (
	"context"
	"net/http"
	"net/http/httptest"
	"regexp"
	"strings"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIdempotencyMiddleware_ReplaysSuccess(t *testing.T) {
	calls := 0
	h := IdempotencyMiddleware(NewIdempotencyStore(time.Hour), nil)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		WriteJSON(w, http.StatusCreated, map[string]int{"id": calls})
	}))

	post := func(key string) *httptest.ResponseRecorder {
		req := httptest.NewRequest("POST", "/api/v1/requests", strings.NewReader("{}"))
		req.Header.Set("Idempotency-Key", key)
		w := httptest.NewRecorder()
		h.ServeHTTP(w, req)
		return w
	}

	first := post("k1")
	second := post("k1")
	assert.Equal(t, 1, calls)
	assert.Equal(t, http.StatusCreated, second.Code)
	assert.Equal(t, first.Body.String(), second.Body.String())
	assert.Equal(t, "true", second.Header().Get("Idempotent-Replayed"))

	post("k2")
	assert.Equal(t, 2, calls)
}

func TestIdempotencyMiddleware_DoesNotCacheFailures(t *testing.T) {
	calls := 0
	h := IdempotencyMiddleware(NewIdempotencyStore(time.Hour), nil)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		WriteBadRequest(w, "nope")
	}))
	for i := 0; i < 2; i++ {
		req := httptest.NewRequest("POST", "/api/v1/requests", nil)
		req.Header.Set("Idempotency-Key", "k")
		h.ServeHTTP(httptest.NewRecorder(), req)
	}
	assert.Equal(t, 2, calls)
}

func TestIdempotencyMiddleware_ScopedPerCaller(t *testing.T) {
	calls := 0
	scope := func(r *http.Request) string { return r.Header.Get("X-Caller") }
	h := IdempotencyMiddleware(NewIdempotencyStore(time.Hour), scope)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusOK)
	}))
	for _, caller := range []string{"a", "b", "a"} {
		req := httptest.NewRequest("POST", "/api/v1/requests", nil)
		req.Header.Set("Idempotency-Key", "same")
		req.Header.Set("X-Caller", caller)
		h.ServeHTTP(httptest.NewRecorder(), req)
	}
	assert.Equal(t, 2, calls)
}

func TestMemoryIdempotencyStore_Expiry(t *testing.T) {
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	s := NewIdempotencyStore(time.Minute)
	s.clock = func() time.Time { return now }
	ctx := context.Background()

	s.Set(ctx, "k", CachedResponse{StatusCode: 200})
	_, ok := s.Check(ctx, "k")
	assert.True(t, ok)

	now = now.Add(2 * time.Minute)
	_, ok = s.Check(ctx, "k")
	assert.False(t, ok)
	s.Purge()
	assert.Empty(t, s.entries)
}

func TestSQLIdempotencyStore(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	s := NewSQLIdempotencyStore(db, time.Hour)
	s.clock = func() time.Time { return now }
	ctx := context.Background()

	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO idempotency_keys")).
		WithArgs("k", 201, `{"Content-Type":["application/json"]}`, []byte(`{"id":1}`), now).
		WillReturnResult(sqlmock.NewResult(1, 1))
	s.Set(ctx, "k", CachedResponse{
		StatusCode: 201,
		Headers:    http.Header{"Content-Type": {"application/json"}},
		Body:       []byte(`{"id":1}`),
	})

	rows := sqlmock.NewRows([]string{"status_code", "headers", "body", "cached_at"}).
		AddRow(201, `{"Content-Type":["application/json"]}`, []byte(`{"id":1}`), now.Add(-time.Minute))
	mock.ExpectQuery(regexp.QuoteMeta("SELECT status_code, headers, body, cached_at FROM idempotency_keys")).
		WithArgs("k").WillReturnRows(rows)
	got, ok := s.Check(ctx, "k")
	require.True(t, ok)
	assert.Equal(t, 201, got.StatusCode)
	assert.Equal(t, "application/json", got.Headers.Get("Content-Type"))

	stale := sqlmock.NewRows([]string{"status_code", "headers", "body", "cached_at"}).
		AddRow(201, `{}`, []byte(`{}`), now.Add(-2*time.Hour))
	mock.ExpectQuery(regexp.QuoteMeta("SELECT status_code")).WithArgs("old").WillReturnRows(stale)
	_, ok = s.Check(ctx, "old")
	assert.False(t, ok)

	assert.NoError(t, mock.ExpectationsWereMet())
}
