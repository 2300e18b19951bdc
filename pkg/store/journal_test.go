package store_test

import (
	"context"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/INFIxChatnify/reimbursement-contract-sub003/pkg/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJournal_Append(t *testing.T) {
	j := store.NewJournal()

	entry, err := j.Append(context.Background(), "request.created", "request:1", map[string]string{"total": "600"}, nil)
	require.NoError(t, err)

	assert.Equal(t, uint64(1), entry.Sequence)
	assert.Equal(t, "genesis", entry.PreviousHash)
	assert.Equal(t, entry.EntryHash, j.ChainHead())
	assert.Equal(t, 1, j.Len())
}

func TestJournal_CanonicalPayload(t *testing.T) {
	j := store.NewJournal()
	entry, err := j.Append(context.Background(), "k", "s", map[string]any{"b": 1, "a": "x"}, nil)
	require.NoError(t, err)
	assert.JSONEq(t, `{"a":"x","b":1}`, string(entry.Payload))
	assert.Equal(t, `{"a":"x","b":1}`, string(entry.Payload))
}

func TestJournal_HashChaining(t *testing.T) {
	j := store.NewJournal()
	ctx := context.Background()

	e1, _ := j.Append(ctx, "a", "request:1", nil, nil)
	e2, _ := j.Append(ctx, "b", "request:1", nil, nil)
	e3, _ := j.Append(ctx, "c", "request:1", nil, nil)

	assert.Equal(t, e1.EntryHash, e2.PreviousHash)
	assert.Equal(t, e2.EntryHash, e3.PreviousHash)
	require.NoError(t, j.VerifyChain())
}

func TestJournal_Since(t *testing.T) {
	j := store.NewJournal()
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		_, err := j.Append(ctx, "k", "s", i, nil)
		require.NoError(t, err)
	}

	got := j.Since(2, 0)
	require.Len(t, got, 3)
	assert.Equal(t, uint64(3), got[0].Sequence)

	assert.Len(t, j.Since(0, 2), 2)
	assert.Empty(t, j.Since(5, 0))
}

func TestJournal_RestoreDetectsTampering(t *testing.T) {
	j := store.NewJournal()
	ctx := context.Background()
	_, _ = j.Append(ctx, "a", "s", 1, nil)
	_, _ = j.Append(ctx, "b", "s", 2, nil)

	entries := j.Since(0, 0)
	tampered := *entries[1]
	tampered.Payload = []byte(`3`)

	fresh := store.NewJournal()
	err := fresh.Restore([]*store.Entry{entries[0], &tampered})
	assert.ErrorIs(t, err, store.ErrChainBroken)

	require.NoError(t, fresh.Restore(entries))
	assert.Equal(t, j.ChainHead(), fresh.ChainHead())
}

type failingPersister struct{}

func (failingPersister) Save(context.Context, *store.Entry) error { return errors.New("disk full") }

func TestJournal_PersisterFailureDiscardsEntry(t *testing.T) {
	j := store.NewJournal().WithPersister(failingPersister{})
	_, err := j.Append(context.Background(), "a", "s", 1, nil)
	require.Error(t, err)
	assert.Equal(t, 0, j.Len())
	assert.Equal(t, "genesis", j.ChainHead())
}

func TestJournal_Query(t *testing.T) {
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	j := store.NewJournal().WithClock(func() time.Time { return now })
	ctx := context.Background()
	_, _ = j.Append(ctx, "request.created", "request:1", nil, nil)
	_, _ = j.Append(ctx, "request.created", "request:2", nil, nil)
	_, _ = j.Append(ctx, "role.revoked", "role:admin", nil, nil)

	assert.Len(t, j.Query(store.QueryFilter{Kind: "request.created"}), 2)
	assert.Len(t, j.Query(store.QueryFilter{Subject: "request:2"}), 1)
	assert.Len(t, j.Query(store.QueryFilter{MaxResults: 1}), 1)
}

func TestSQLJournalStore_Save(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	s := store.NewSQLJournalStore(db)
	j := store.NewJournal().WithPersister(s)

	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO journal_entries")).
		WithArgs(int64(1), sqlmock.AnyArg(), sqlmock.AnyArg(), "request.created", "request:1",
			`{"id":1}`, sqlmock.AnyArg(), "genesis", sqlmock.AnyArg(), "null").
		WillReturnResult(sqlmock.NewResult(1, 1))

	_, err = j.Append(context.Background(), "request.created", "request:1", map[string]int{"id": 1}, nil)
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLJournalStore_LoadAll(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	rows := sqlmock.NewRows([]string{"sequence", "entry_id", "ts_micros", "kind", "subject", "payload", "payload_hash", "previous_hash", "entry_hash", "metadata"}).
		AddRow(int64(1), "e-1", int64(1700000000000000), "request.created", "request:1", `{"id":1}`, "sha256:p", "genesis", "sha256:h", `{"actor":"0x01"}`)
	mock.ExpectQuery(regexp.QuoteMeta("SELECT sequence, entry_id")).WillReturnRows(rows)

	entries, err := store.NewSQLJournalStore(db).LoadAll(context.Background())
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "0x01", entries[0].Metadata["actor"])
	assert.Equal(t, int64(1700000000000000), entries[0].Timestamp.UnixMicro())
}
