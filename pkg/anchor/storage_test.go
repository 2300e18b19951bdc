package anchor

import (
	"context"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSQLStorage_Append(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	at := time.Date(2025, 4, 1, 0, 0, 0, 0, time.UTC)
	b := Batch{
		BatchID:    3,
		MerkleRoot: common.HexToHash("0x01"),
		EntryCount: 12,
		BatchType:  "audit_journal",
		AnchoredAt: at,
		AnchoredBy: common.HexToAddress("0xa0"),
	}
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO anchor_batches")).
		WithArgs(int64(3), b.MerkleRoot.Hex(), int64(12), "audit_journal", at, b.AnchoredBy.Hex()).
		WillReturnResult(sqlmock.NewResult(3, 1))

	require.NoError(t, NewSQLStorage(db).Append(context.Background(), b))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLStorage_LoadAll(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	at := time.Date(2025, 4, 1, 0, 0, 0, 0, time.UTC)
	root := common.HexToHash("0x02")
	by := common.HexToAddress("0xa0")
	rows := sqlmock.NewRows([]string{"batch_id", "merkle_root", "entry_count", "batch_type", "anchored_at", "anchored_by"}).
		AddRow(int64(1), root.Hex(), int64(4), "audit_journal", at, by.Hex())
	mock.ExpectQuery(regexp.QuoteMeta("SELECT batch_id, merkle_root")).WillReturnRows(rows)

	got, err := NewSQLStorage(db).LoadAll(context.Background())
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, root, got[0].MerkleRoot)
	assert.Equal(t, by, got[0].AnchoredBy)
	assert.Equal(t, uint64(4), got[0].EntryCount)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLStorage_Init(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectExec(regexp.QuoteMeta("CREATE TABLE IF NOT EXISTS anchor_batches")).WillReturnResult(sqlmock.NewResult(0, 0))
	require.NoError(t, NewSQLStorage(db).Init(context.Background()))
	assert.NoError(t, mock.ExpectationsWereMet())
}
