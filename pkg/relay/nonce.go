package relay

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/INFIxChatnify/reimbursement-contract-sub003/pkg/fault"
	"github.com/ethereum/go-ethereum/common"
	"github.com/redis/go-redis/v9"
)

// NonceStore tracks the next acceptable nonce per signer.
type NonceStore interface {
	Expected(ctx context.Context, from common.Address) (uint64, error)
	// Consume advances from's nonce when nonce is the expected value and
	// fails with fault.ErrReplayedNonce otherwise.
	Consume(ctx context.Context, from common.Address, nonce uint64) error
}

// MemoryNonceStore keeps nonces in process memory.
type MemoryNonceStore struct {
	mu     sync.Mutex
	nonces map[common.Address]uint64
}

func NewMemoryNonceStore() *MemoryNonceStore {
	return &MemoryNonceStore{nonces: make(map[common.Address]uint64)}
}

func (m *MemoryNonceStore) Expected(_ context.Context, from common.Address) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.nonces[from], nil
}

func (m *MemoryNonceStore) Consume(_ context.Context, from common.Address, nonce uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if cur := m.nonces[from]; cur != nonce {
		return fault.Newf(fault.ErrReplayedNonce, "nonce %d, expected %d", nonce, cur)
	}
	m.nonces[from] = nonce + 1
	return nil
}

// nonceCASScript advances KEYS[1] only when it equals ARGV[1].
// Returns {1, next} on success and {0, current} on mismatch.
var nonceCASScript = redis.NewScript(`
local current = tonumber(redis.call("GET", KEYS[1]) or "0")
if current ~= tonumber(ARGV[1]) then
  return {0, current}
end
redis.call("SET", KEYS[1], current + 1)
return {1, current + 1}
`)

// RedisNonceStore shares nonces between relay processes.
type RedisNonceStore struct {
	client *redis.Client
	prefix string
}

func NewRedisNonceStore(client *redis.Client) *RedisNonceStore {
	return &RedisNonceStore{client: client, prefix: "relay:nonce:"}
}

func (s *RedisNonceStore) key(from common.Address) string {
	return s.prefix + strings.ToLower(from.Hex())
}

func (s *RedisNonceStore) Expected(ctx context.Context, from common.Address) (uint64, error) {
	n, err := s.client.Get(ctx, s.key(from)).Uint64()
	if err == redis.Nil {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("relay: read nonce: %w", err)
	}
	return n, nil
}

func (s *RedisNonceStore) Consume(ctx context.Context, from common.Address, nonce uint64) error {
	res, err := nonceCASScript.Run(ctx, s.client, []string{s.key(from)}, nonce).Result()
	if err != nil {
		return fmt.Errorf("relay: consume nonce: %w", err)
	}
	vals, ok := res.([]interface{})
	if !ok || len(vals) != 2 {
		return fmt.Errorf("relay: invalid response from nonce script")
	}
	applied, _ := vals[0].(int64)
	if applied != 1 {
		current, _ := vals[1].(int64)
		return fault.Newf(fault.ErrReplayedNonce, "nonce %d, expected %d", nonce, current)
	}
	return nil
}
