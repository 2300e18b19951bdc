package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// SQLJournalStore persists journal entries using database/sql.
// It supports both Postgres and SQLite via standard drivers.
type SQLJournalStore struct {
	db *sql.DB
}

func NewSQLJournalStore(db *sql.DB) *SQLJournalStore {
	return &SQLJournalStore{db: db}
}

const journalSchema = `
CREATE TABLE IF NOT EXISTS journal_entries (
	sequence BIGINT PRIMARY KEY,
	entry_id TEXT NOT NULL UNIQUE,
	ts_micros BIGINT NOT NULL,
	kind TEXT NOT NULL,
	subject TEXT NOT NULL,
	payload TEXT NOT NULL,
	payload_hash TEXT NOT NULL,
	previous_hash TEXT NOT NULL,
	entry_hash TEXT NOT NULL,
	metadata TEXT
);
`

func (s *SQLJournalStore) Init(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, journalSchema)
	return err
}

// Save implements Persister.
func (s *SQLJournalStore) Save(ctx context.Context, e *Entry) error {
	meta, err := json.Marshal(e.Metadata)
	if err != nil {
		return fmt.Errorf("failed to marshal metadata: %w", err)
	}
	query := `
		INSERT INTO journal_entries (sequence, entry_id, ts_micros, kind, subject, payload, payload_hash, previous_hash, entry_hash, metadata)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`
	_, err = s.db.ExecContext(ctx, query,
		int64(e.Sequence), e.EntryID, e.Timestamp.UnixMicro(), e.Kind, e.Subject,
		string(e.Payload), e.PayloadHash, e.PreviousHash, e.EntryHash, string(meta),
	)
	if err != nil {
		return fmt.Errorf("failed to persist journal entry %d: %w", e.Sequence, err)
	}
	return nil
}

// LoadAll returns every stored entry in sequence order.
func (s *SQLJournalStore) LoadAll(ctx context.Context) ([]*Entry, error) {
	query := `SELECT sequence, entry_id, ts_micros, kind, subject, payload, payload_hash, previous_hash, entry_hash, metadata FROM journal_entries ORDER BY sequence`
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	result := make([]*Entry, 0)
	for rows.Next() {
		var (
			e       Entry
			seq     int64
			micros  int64
			payload string
			meta    sql.NullString
		)
		if err := rows.Scan(&seq, &e.EntryID, &micros, &e.Kind, &e.Subject, &payload, &e.PayloadHash, &e.PreviousHash, &e.EntryHash, &meta); err != nil {
			return nil, err
		}
		e.Sequence = uint64(seq)
		e.Timestamp = time.UnixMicro(micros).UTC()
		e.Payload = json.RawMessage(payload)
		if meta.Valid && meta.String != "" && meta.String != "null" {
			if err := json.Unmarshal([]byte(meta.String), &e.Metadata); err != nil {
				return nil, fmt.Errorf("entry %d metadata: %w", seq, err)
			}
		}
		result = append(result, &e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}
