package api

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"
)

// CachedResponse stores a previously-seen response for idempotent replay.
type CachedResponse struct {
	StatusCode int
	Headers    http.Header
	Body       []byte
	CachedAt   time.Time
}

// IdempotencyStorer defines the interface for idempotency backends.
type IdempotencyStorer interface {
	Check(ctx context.Context, key string) (*CachedResponse, bool)
	Set(ctx context.Context, key string, resp CachedResponse)
}

// MemoryIdempotencyStore holds cached responses keyed by idempotency key (in-memory).
type MemoryIdempotencyStore struct {
	mu      sync.RWMutex
	entries map[string]*CachedResponse
	ttl     time.Duration
	clock   func() time.Time
}

// NewIdempotencyStore creates a new in-memory idempotency store.
func NewIdempotencyStore(ttl time.Duration) *MemoryIdempotencyStore {
	return &MemoryIdempotencyStore{
		entries: make(map[string]*CachedResponse),
		ttl:     ttl,
		clock:   time.Now,
	}
}

// Purge removes expired entries.
func (s *MemoryIdempotencyStore) Purge() {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.clock()
	for k, v := range s.entries {
		if now.Sub(v.CachedAt) > s.ttl {
			delete(s.entries, k)
		}
	}
}

// Check returns a cached response if existing and valid.
func (s *MemoryIdempotencyStore) Check(_ context.Context, key string) (*CachedResponse, bool) {
	s.mu.RLock()
	cached, exists := s.entries[key]
	s.mu.RUnlock()

	if exists && s.clock().Sub(cached.CachedAt) < s.ttl {
		return cached, true
	}
	return nil, false
}

// Set stores a response.
func (s *MemoryIdempotencyStore) Set(_ context.Context, key string, resp CachedResponse) {
	s.mu.Lock()
	defer s.mu.Unlock()
	resp.CachedAt = s.clock()
	s.entries[key] = &resp
}

// SQLIdempotencyStore provides durable idempotency enforcement on Postgres
// or SQLite, surviving process restarts.
type SQLIdempotencyStore struct {
	db    *sql.DB
	ttl   time.Duration
	clock func() time.Time
}

// NewSQLIdempotencyStore creates a SQL-backed idempotency store.
func NewSQLIdempotencyStore(db *sql.DB, ttl time.Duration) *SQLIdempotencyStore {
	return &SQLIdempotencyStore{db: db, ttl: ttl, clock: time.Now}
}

func (s *SQLIdempotencyStore) Init(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
	CREATE TABLE IF NOT EXISTS idempotency_keys (
		key TEXT PRIMARY KEY,
		status_code INTEGER NOT NULL,
		headers TEXT NOT NULL,
		body BLOB NOT NULL,
		cached_at TIMESTAMP NOT NULL
	);`)
	return err
}

// Check returns a cached response if the idempotency key was seen before and is within TTL.
func (s *SQLIdempotencyStore) Check(ctx context.Context, key string) (*CachedResponse, bool) {
	var (
		resp    CachedResponse
		headers string
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT status_code, headers, body, cached_at FROM idempotency_keys WHERE key = $1`,
		key,
	).Scan(&resp.StatusCode, &headers, &resp.Body, &resp.CachedAt)
	if err != nil {
		if !errors.Is(err, sql.ErrNoRows) {
			slog.WarnContext(ctx, "idempotency lookup failed", "error", err)
		}
		return nil, false
	}
	if s.clock().Sub(resp.CachedAt) > s.ttl {
		return nil, false
	}
	if err := json.Unmarshal([]byte(headers), &resp.Headers); err != nil {
		resp.Headers = http.Header{"Content-Type": {"application/json"}}
	}
	return &resp, true
}

// Set stores an idempotency key and its response.
func (s *SQLIdempotencyStore) Set(ctx context.Context, key string, resp CachedResponse) {
	headers, err := json.Marshal(resp.Headers)
	if err != nil {
		headers = []byte("{}")
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO idempotency_keys (key, status_code, headers, body, cached_at)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (key) DO UPDATE SET status_code = $2, headers = $3, body = $4, cached_at = $5`,
		key, resp.StatusCode, string(headers), resp.Body, s.clock(),
	)
	if err != nil {
		// A lost entry only means a retry is executed again.
		slog.WarnContext(ctx, "idempotency: failed to set key", "key", key, "error", err)
	}
}

// Cleanup removes expired idempotency keys older than the TTL.
func (s *SQLIdempotencyStore) Cleanup(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM idempotency_keys WHERE cached_at < $1`,
		s.clock().Add(-s.ttl),
	)
	return err
}

// responseCapture wraps http.ResponseWriter to capture the response.
type responseCapture struct {
	http.ResponseWriter
	statusCode int
	body       bytes.Buffer
}

func (rc *responseCapture) WriteHeader(code int) {
	rc.statusCode = code
	rc.ResponseWriter.WriteHeader(code)
}

func (rc *responseCapture) Write(b []byte) (int, error) {
	rc.body.Write(b)
	return rc.ResponseWriter.Write(b)
}

// IdempotencyMiddleware ensures that mutating requests with an Idempotency-Key
// header are processed exactly once. Duplicate requests receive the cached
// response. scope namespaces keys per caller; it may be nil.
func IdempotencyMiddleware(store IdempotencyStorer, scope func(*http.Request) string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Method != http.MethodPost && r.Method != http.MethodPut && r.Method != http.MethodPatch {
				next.ServeHTTP(w, r)
				return
			}

			key := r.Header.Get("Idempotency-Key")
			if key == "" {
				next.ServeHTTP(w, r)
				return
			}
			key = r.Method + " " + r.URL.Path + " " + key
			if scope != nil {
				key = scope(r) + " " + key
			}

			if cached, exists := store.Check(r.Context(), key); exists {
				for k, vals := range cached.Headers {
					for _, v := range vals {
						w.Header().Set(k, v)
					}
				}
				w.Header().Set("Idempotent-Replayed", "true")
				w.WriteHeader(cached.StatusCode)
				_, _ = w.Write(cached.Body)
				return
			}

			capture := &responseCapture{ResponseWriter: w, statusCode: http.StatusOK}
			next.ServeHTTP(capture, r)

			// Cache successful responses (2xx)
			if capture.statusCode >= 200 && capture.statusCode < 300 {
				store.Set(r.Context(), key, CachedResponse{
					StatusCode: capture.statusCode,
					Headers:    w.Header().Clone(),
					Body:       capture.body.Bytes(),
				})
			}
		})
	}
}
