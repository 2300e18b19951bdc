package relay

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Limit allows Calls submissions per Window. A non-positive Calls disables
// limiting.
type Limit struct {
	Calls  int           `json:"calls" yaml:"calls"`
	Window time.Duration `json:"window" yaml:"window"`
}

// Unlimited reports whether l disables limiting.
func (l Limit) Unlimited() bool { return l.Calls <= 0 || l.Window <= 0 }

// Decision is the outcome of one Allow call.
type Decision struct {
	Allowed   bool      `json:"allowed"`
	Count     int       `json:"count"`
	Limit     int       `json:"limit"`
	Remaining int       `json:"remaining"`
	ResetAt   time.Time `json:"reset_at"`
}

// Limiter counts submissions per key in fixed windows.
type Limiter interface {
	Allow(ctx context.Context, key string, l Limit) (Decision, error)
}

func decide(count int, l Limit, resetAt time.Time) Decision {
	remaining := l.Calls - count
	if remaining < 0 {
		remaining = 0
	}
	return Decision{
		Allowed:   count <= l.Calls,
		Count:     count,
		Limit:     l.Calls,
		Remaining: remaining,
		ResetAt:   resetAt,
	}
}

type window struct {
	start time.Time
	count int
}

// MemoryLimiter keeps fixed-window counters in process memory.
type MemoryLimiter struct {
	mu      sync.Mutex
	windows map[string]*window
	clock   func() time.Time
}

func NewMemoryLimiter() *MemoryLimiter {
	return &MemoryLimiter{windows: make(map[string]*window), clock: time.Now}
}

// WithClock overrides the time source (for deterministic tests).
func (m *MemoryLimiter) WithClock(clock func() time.Time) *MemoryLimiter {
	m.clock = clock
	return m
}

func (m *MemoryLimiter) Allow(_ context.Context, key string, l Limit) (Decision, error) {
	now := m.clock()
	if l.Unlimited() {
		return Decision{Allowed: true, ResetAt: now}, nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	w, ok := m.windows[key]
	if !ok || !now.Before(w.start.Add(l.Window)) {
		w = &window{start: now}
		m.windows[key] = w
	}
	w.count++
	return decide(w.count, l, w.start.Add(l.Window)), nil
}

var rateLimitScript = redis.NewScript(`
local current = redis.call("INCR", KEYS[1])
if current == 1 then
  redis.call("PEXPIRE", KEYS[1], ARGV[1])
end
local ttl = redis.call("PTTL", KEYS[1])
return {current, ttl}
`)

// RedisLimiter shares fixed-window counters between relay processes.
type RedisLimiter struct {
	client *redis.Client
	prefix string
}

func NewRedisLimiter(client *redis.Client) *RedisLimiter {
	return &RedisLimiter{client: client, prefix: "relay:rl:"}
}

func (r *RedisLimiter) Allow(ctx context.Context, key string, l Limit) (Decision, error) {
	now := time.Now().UTC()
	if l.Unlimited() {
		return Decision{Allowed: true, ResetAt: now}, nil
	}
	res, err := rateLimitScript.Run(ctx, r.client, []string{r.prefix + key}, l.Window.Milliseconds()).Result()
	if err != nil {
		return Decision{}, fmt.Errorf("relay: rate limiter: %w", err)
	}
	vals, ok := res.([]interface{})
	if !ok || len(vals) < 2 {
		return Decision{}, fmt.Errorf("relay: invalid response from rate limit script")
	}
	count, _ := vals[0].(int64)
	ttlMs, _ := vals[1].(int64)
	if ttlMs < 0 {
		ttlMs = l.Window.Milliseconds()
	}
	return decide(int(count), l, now.Add(time.Duration(ttlMs)*time.Millisecond)), nil
}
