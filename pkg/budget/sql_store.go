package budget

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	_ "github.com/lib/pq"
)

// SQLStorage implements Storage using database/sql.
// It supports both Postgres and SQLite via standard drivers; amounts are
// stored as decimal text so no 256-bit value loses precision.
type SQLStorage struct {
	db *sql.DB
}

func NewSQLStorage(db *sql.DB) *SQLStorage {
	return &SQLStorage{db: db}
}

const schema = `
CREATE TABLE IF NOT EXISTS budget_ledgers (
	instance_id TEXT PRIMARY KEY,
	total_budget TEXT NOT NULL,
	locked TEXT NOT NULL,
	distributed TEXT NOT NULL,
	updated_at TIMESTAMP NOT NULL
);
`

func (s *SQLStorage) Init(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, schema)
	return err
}

func (s *SQLStorage) Get(ctx context.Context, instanceID string) (*Balance, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT instance_id, total_budget, locked, distributed, updated_at FROM budget_ledgers WHERE instance_id = $1",
		instanceID)

	var b Balance
	err := row.Scan(&b.InstanceID, &b.TotalBudget, &b.Locked, &b.Distributed, &b.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get budget: %w", err)
	}
	return &b, nil
}

func (s *SQLStorage) Set(ctx context.Context, b *Balance) error {
	query := `
		INSERT INTO budget_ledgers (instance_id, total_budget, locked, distributed, updated_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (instance_id) DO UPDATE SET
			total_budget = EXCLUDED.total_budget,
			locked = EXCLUDED.locked,
			distributed = EXCLUDED.distributed,
			updated_at = EXCLUDED.updated_at
	`
	_, err := s.db.ExecContext(ctx, query, b.InstanceID, b.TotalBudget, b.Locked, b.Distributed, b.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to persist budget: %w", err)
	}
	return nil
}
