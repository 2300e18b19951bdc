package disbursement

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"

	"github.com/INFIxChatnify/reimbursement-contract-sub003/pkg/fault"
	"github.com/INFIxChatnify/reimbursement-contract-sub003/pkg/roles"
	"github.com/ethereum/go-ethereum/common"
)

// SQLRepository implements Repository using database/sql.
// It supports both Postgres and SQLite via standard drivers.
type SQLRepository struct {
	db *sql.DB
}

func NewSQLRepository(db *sql.DB) *SQLRepository {
	return &SQLRepository{db: db}
}

const schema = `
CREATE TABLE IF NOT EXISTS disbursement_requests (
	id BIGINT PRIMARY KEY,
	status TEXT NOT NULL,
	created_by TEXT NOT NULL,
	virtual_payer TEXT,
	description TEXT NOT NULL,
	document_hash TEXT NOT NULL,
	total_amount TEXT NOT NULL,
	recipients TEXT NOT NULL,
	approvals TEXT NOT NULL,
	emergency_votes TEXT NOT NULL,
	cancel_reason TEXT,
	created_at TIMESTAMP NOT NULL,
	updated_at TIMESTAMP NOT NULL,
	closed_at TIMESTAMP
);
CREATE TABLE IF NOT EXISTS disbursement_sequence (
	name TEXT PRIMARY KEY,
	last_id BIGINT NOT NULL
);
`

func (s *SQLRepository) Init(ctx context.Context) error {
	for _, stmt := range strings.Split(schema, ";") {
		if strings.TrimSpace(stmt) == "" {
			continue
		}
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

// NextID bumps a dedicated counter row so identifiers survive deletes and
// failed inserts without reuse.
func (s *SQLRepository) NextID(ctx context.Context) (uint64, error) {
	query := `
		INSERT INTO disbursement_sequence (name, last_id) VALUES ('requests', 1)
		ON CONFLICT (name) DO UPDATE SET last_id = disbursement_sequence.last_id + 1
		RETURNING last_id
	`
	var id int64
	if err := s.db.QueryRowContext(ctx, query).Scan(&id); err != nil {
		return 0, fmt.Errorf("failed to reserve request id: %w", err)
	}
	return uint64(id), nil
}

type encodedRequest struct {
	virtualPayer sql.NullString
	recipients   string
	approvals    string
	votes        string
	closedAt     sql.NullTime
}

func encode(r *Request) (encodedRequest, error) {
	var e encodedRequest
	rc, err := json.Marshal(r.Recipients)
	if err != nil {
		return e, err
	}
	ap, err := json.Marshal(r.Approvals)
	if err != nil {
		return e, err
	}
	votes := r.EmergencyVotes
	if votes == nil {
		votes = []EmergencyVote{}
	}
	vt, err := json.Marshal(votes)
	if err != nil {
		return e, err
	}
	e.recipients, e.approvals, e.votes = string(rc), string(ap), string(vt)
	if r.VirtualPayer != nil {
		e.virtualPayer = sql.NullString{String: r.VirtualPayer.Hex(), Valid: true}
	}
	if r.ClosedAt != nil {
		e.closedAt = sql.NullTime{Time: *r.ClosedAt, Valid: true}
	}
	return e, nil
}

func (s *SQLRepository) Insert(ctx context.Context, r *Request) error {
	e, err := encode(r)
	if err != nil {
		return fmt.Errorf("failed to encode request: %w", err)
	}
	query := `
		INSERT INTO disbursement_requests (id, status, created_by, virtual_payer, description, document_hash, total_amount,
			recipients, approvals, emergency_votes, cancel_reason, created_at, updated_at, closed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
	`
	_, err = s.db.ExecContext(ctx, query,
		int64(r.ID), string(r.Status), r.CreatedBy.Hex(), e.virtualPayer, r.Description, r.DocumentHash, r.TotalAmount,
		e.recipients, e.approvals, e.votes, r.CancelReason, r.CreatedAt, r.UpdatedAt, e.closedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert request %d: %w", r.ID, err)
	}
	return nil
}

// Update rewrites the mutable columns. Recipients, amounts and metadata are
// fixed at creation and never rewritten.
func (s *SQLRepository) Update(ctx context.Context, r *Request) error {
	e, err := encode(r)
	if err != nil {
		return fmt.Errorf("failed to encode request: %w", err)
	}
	query := `
		UPDATE disbursement_requests
		SET status = $1, approvals = $2, emergency_votes = $3, cancel_reason = $4, updated_at = $5, closed_at = $6
		WHERE id = $7
	`
	res, err := s.db.ExecContext(ctx, query,
		string(r.Status), e.approvals, e.votes, r.CancelReason, r.UpdatedAt, e.closedAt, int64(r.ID))
	if err != nil {
		return fmt.Errorf("failed to update request %d: %w", r.ID, err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check rows affected: %w", err)
	}
	if rows == 0 {
		return fault.Newf(fault.ErrNotFound, "request %d", r.ID)
	}
	return nil
}

const selectColumns = `SELECT id, status, created_by, virtual_payer, description, document_hash, total_amount,
	recipients, approvals, emergency_votes, cancel_reason, created_at, updated_at, closed_at FROM disbursement_requests`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRequest(row rowScanner) (*Request, error) {
	var (
		r                           Request
		id                          int64
		status, createdBy           string
		virtualPayer, cancelReason  sql.NullString
		recipients, approvals, vote string
		closedAt                    sql.NullTime
	)
	err := row.Scan(&id, &status, &createdBy, &virtualPayer, &r.Description, &r.DocumentHash, &r.TotalAmount,
		&recipients, &approvals, &vote, &cancelReason, &r.CreatedAt, &r.UpdatedAt, &closedAt)
	if err != nil {
		return nil, err
	}
	r.ID = uint64(id)
	r.Status = Status(status)
	r.CreatedBy = common.HexToAddress(createdBy)
	if virtualPayer.Valid {
		vp := common.HexToAddress(virtualPayer.String)
		r.VirtualPayer = &vp
	}
	r.CancelReason = cancelReason.String
	if closedAt.Valid {
		t := closedAt.Time
		r.ClosedAt = &t
	}
	if err := json.Unmarshal([]byte(recipients), &r.Recipients); err != nil {
		return nil, fmt.Errorf("request %d recipients: %w", id, err)
	}
	r.Approvals = make(map[roles.Role]Approval)
	if err := json.Unmarshal([]byte(approvals), &r.Approvals); err != nil {
		return nil, fmt.Errorf("request %d approvals: %w", id, err)
	}
	if err := json.Unmarshal([]byte(vote), &r.EmergencyVotes); err != nil {
		return nil, fmt.Errorf("request %d votes: %w", id, err)
	}
	return &r, nil
}

func (s *SQLRepository) Get(ctx context.Context, id uint64) (*Request, error) {
	row := s.db.QueryRowContext(ctx, selectColumns+" WHERE id = $1", int64(id))
	r, err := scanRequest(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fault.Newf(fault.ErrNotFound, "request %d", id)
	}
	if err != nil {
		return nil, err
	}
	return r, nil
}

func (s *SQLRepository) List(ctx context.Context, f Filter) ([]*Request, error) {
	var (
		where []string
		args  []any
	)
	if f.Status != "" {
		args = append(args, string(f.Status))
		where = append(where, fmt.Sprintf("status = $%d", len(args)))
	}
	if f.CreatedBy != nil {
		args = append(args, f.CreatedBy.Hex())
		where = append(where, fmt.Sprintf("created_by = $%d", len(args)))
	}
	query := selectColumns
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY id"
	if f.Limit > 0 {
		args = append(args, f.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}
	if f.Offset > 0 {
		if f.Limit <= 0 {
			// Both dialects need a LIMIT before OFFSET.
			args = append(args, math.MaxInt32)
			query += fmt.Sprintf(" LIMIT $%d", len(args))
		}
		args = append(args, f.Offset)
		query += fmt.Sprintf(" OFFSET $%d", len(args))
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	result := make([]*Request, 0)
	for rows.Next() {
		r, err := scanRequest(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, r)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}
