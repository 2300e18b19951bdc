package asset

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/INFIxChatnify/reimbursement-contract-sub003/pkg/finance"
	"github.com/ethereum/go-ethereum/common"
)

// State is the durable form of a MemoryToken. Zero entries are omitted.
type State struct {
	Balances   map[common.Address]finance.Amount                    `json:"balances"`
	Allowances map[common.Address]map[common.Address]finance.Amount `json:"allowances"`
}

// Store persists token state by key. Load returns nil, nil for an unknown key.
type Store interface {
	Load(ctx context.Context, key string) (*State, error)
	Save(ctx context.Context, key string, s *State) error
}

// MemoryStore keeps encoded states in memory.
type MemoryStore struct {
	mu     sync.Mutex
	states map[string][]byte
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{states: make(map[string][]byte)}
}

func (m *MemoryStore) Load(_ context.Context, key string) (*State, error) {
	m.mu.Lock()
	data, ok := m.states[key]
	m.mu.Unlock()
	if !ok {
		return nil, nil
	}
	var s State
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, err
	}
	return &s, nil
}

func (m *MemoryStore) Save(_ context.Context, key string, s *State) error {
	data, err := json.Marshal(s)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.states[key] = data
	return nil
}

// SQLStore implements Store using database/sql, one JSON document per key.
type SQLStore struct {
	db    *sql.DB
	clock func() time.Time
}

func NewSQLStore(db *sql.DB) *SQLStore {
	return &SQLStore{db: db, clock: time.Now}
}

const schema = `
CREATE TABLE IF NOT EXISTS asset_states (
	state_key TEXT PRIMARY KEY,
	state TEXT NOT NULL,
	updated_at TIMESTAMP NOT NULL
);
`

func (s *SQLStore) Init(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, schema)
	return err
}

func (s *SQLStore) Load(ctx context.Context, key string) (*State, error) {
	var raw string
	err := s.db.QueryRowContext(ctx, "SELECT state FROM asset_states WHERE state_key = $1", key).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get asset state: %w", err)
	}
	var st State
	if err := json.Unmarshal([]byte(raw), &st); err != nil {
		return nil, fmt.Errorf("decode asset state %s: %w", key, err)
	}
	return &st, nil
}

func (s *SQLStore) Save(ctx context.Context, key string, st *State) error {
	data, err := json.Marshal(st)
	if err != nil {
		return err
	}
	query := `
		INSERT INTO asset_states (state_key, state, updated_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (state_key) DO UPDATE SET
			state = EXCLUDED.state,
			updated_at = EXCLUDED.updated_at
	`
	if _, err := s.db.ExecContext(ctx, query, key, string(data), s.clock().UTC()); err != nil {
		return fmt.Errorf("failed to persist asset state: %w", err)
	}
	return nil
}
