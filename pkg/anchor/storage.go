package anchor

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// Storage persists anchored batches. It has no update or delete.
type Storage interface {
	Append(ctx context.Context, b Batch) error
	LoadAll(ctx context.Context) ([]Batch, error)
}

// MemoryStorage implements Storage in memory.
type MemoryStorage struct {
	mu      sync.Mutex
	batches []Batch
}

func NewMemoryStorage() *MemoryStorage { return &MemoryStorage{} }

func (m *MemoryStorage) Append(_ context.Context, b Batch) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.batches = append(m.batches, b)
	return nil
}

func (m *MemoryStorage) LoadAll(context.Context) ([]Batch, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Batch(nil), m.batches...), nil
}

// SQLStorage implements Storage using database/sql.
// It supports both Postgres and SQLite via standard drivers.
type SQLStorage struct {
	db *sql.DB
}

func NewSQLStorage(db *sql.DB) *SQLStorage {
	return &SQLStorage{db: db}
}

func (s *SQLStorage) Init(ctx context.Context) error {
	query := `
	CREATE TABLE IF NOT EXISTS anchor_batches (
		batch_id BIGINT PRIMARY KEY,
		merkle_root TEXT NOT NULL,
		entry_count BIGINT NOT NULL,
		batch_type TEXT NOT NULL,
		anchored_at TIMESTAMP NOT NULL,
		anchored_by TEXT NOT NULL
	);`
	_, err := s.db.ExecContext(ctx, query)
	return err
}

func (s *SQLStorage) Append(ctx context.Context, b Batch) error {
	query := `
		INSERT INTO anchor_batches (batch_id, merkle_root, entry_count, batch_type, anchored_at, anchored_by)
		VALUES ($1, $2, $3, $4, $5, $6)
	`
	_, err := s.db.ExecContext(ctx, query,
		int64(b.BatchID), b.MerkleRoot.Hex(), int64(b.EntryCount), b.BatchType, b.AnchoredAt, b.AnchoredBy.Hex())
	if err != nil {
		return fmt.Errorf("failed to insert batch %d: %w", b.BatchID, err)
	}
	return nil
}

func (s *SQLStorage) LoadAll(ctx context.Context) ([]Batch, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT batch_id, merkle_root, entry_count, batch_type, anchored_at, anchored_by FROM anchor_batches ORDER BY batch_id`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []Batch
	for rows.Next() {
		var (
			id, count  int64
			root, by   string
			batchType  string
			anchoredAt time.Time
		)
		if err := rows.Scan(&id, &root, &count, &batchType, &anchoredAt, &by); err != nil {
			return nil, err
		}
		out = append(out, Batch{
			BatchID:    uint64(id),
			MerkleRoot: common.HexToHash(root),
			EntryCount: uint64(count),
			BatchType:  batchType,
			AnchoredAt: anchoredAt.UTC(),
			AnchoredBy: common.HexToAddress(by),
		})
	}
	return out, rows.Err()
}
