package asset_test

import (
	"context"
	"errors"
	"regexp"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/INFIxChatnify/reimbursement-contract-sub003/pkg/asset"
	"github.com/INFIxChatnify/reimbursement-contract-sub003/pkg/fault"
	"github.com/INFIxChatnify/reimbursement-contract-sub003/pkg/finance"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryToken_SurvivesRestart(t *testing.T) {
	ctx := context.Background()
	s := asset.NewMemoryStore()

	tok := asset.NewMemoryToken("THB", 18)
	require.NoError(t, tok.Attach(ctx, s, "inst-1/budget"))
	require.NoError(t, tok.Mint(alice, finance.NewAmount(1000)))
	require.NoError(t, tok.Approve(alice, custody, finance.NewAmount(400)))
	require.NoError(t, asset.TransferFrom(ctx, tok.Bind(custody), alice, custody, finance.NewAmount(300)))

	restarted := asset.NewMemoryToken("THB", 18)
	require.NoError(t, restarted.Attach(ctx, s, "inst-1/budget"))
	assert.Equal(t, "700", restarted.Balance(alice).String())
	assert.Equal(t, "300", restarted.Balance(custody).String())
	assert.Equal(t, "100", restarted.Allowance(alice, custody).String())
}

func TestMemoryToken_SnapshotWritesOnClose(t *testing.T) {
	ctx := context.Background()
	s := asset.NewMemoryStore()
	tok := asset.NewMemoryToken("THB", 18)
	require.NoError(t, tok.Attach(ctx, s, "k"))
	require.NoError(t, tok.Mint(custody, finance.NewAmount(10)))
	a := tok.Bind(custody)

	// Flushed inside the snapshot, then reverted: the revert is written too.
	err := asset.Atomic(a, func() error {
		require.NoError(t, asset.Transfer(ctx, a, bob, finance.NewAmount(4)))
		require.NoError(t, asset.Flush(ctx, a))
		return errors.New("abort")
	})
	require.Error(t, err)

	reloaded := asset.NewMemoryToken("THB", 18)
	require.NoError(t, reloaded.Attach(ctx, s, "k"))
	assert.Equal(t, "10", reloaded.Balance(custody).String())
	assert.True(t, reloaded.Balance(bob).IsZero())

	require.NoError(t, asset.Atomic(a, func() error {
		return asset.Transfer(ctx, a, bob, finance.NewAmount(4))
	}))
	require.NoError(t, reloaded.Attach(ctx, s, "k"))
	assert.Equal(t, "4", reloaded.Balance(bob).String())
}

type failingStore struct{ *asset.MemoryStore }

func (failingStore) Save(context.Context, string, *asset.State) error {
	return errors.New("disk full")
}

func TestMemoryToken_WriteFailureLatches(t *testing.T) {
	ctx := context.Background()
	tok := asset.NewMemoryToken("THB", 18)
	require.NoError(t, tok.Attach(ctx, failingStore{asset.NewMemoryStore()}, "k"))

	err := tok.Mint(custody, finance.NewAmount(10))
	assert.Equal(t, fault.KindInternal, fault.KindOf(err))
	assert.Error(t, tok.Err())
	assert.ErrorIs(t, asset.Transfer(ctx, tok.Bind(custody), bob, finance.NewAmount(1)), fault.ErrTransferFailed)
	assert.Error(t, tok.Approve(custody, bob, finance.NewAmount(1)))
}

func TestSQLStore_SaveAndLoad(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	state := &asset.State{Balances: nil}
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO asset_states")).
		WithArgs("inst-1/gas", `{"balances":null,"allowances":null}`, sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	require.NoError(t, asset.NewSQLStore(db).Save(context.Background(), "inst-1/gas", state))

	rows := sqlmock.NewRows([]string{"state"}).
		AddRow(`{"balances":{"0x00000000000000000000000000000000000000a1":"25"},"allowances":{}}`)
	mock.ExpectQuery(regexp.QuoteMeta("SELECT state FROM asset_states")).
		WithArgs("inst-1/gas").
		WillReturnRows(rows)
	got, err := asset.NewSQLStore(db).Load(context.Background(), "inst-1/gas")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "25", got.Balances[alice].String())
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLStore_LoadMissing(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectQuery(regexp.QuoteMeta("SELECT state FROM asset_states")).
		WithArgs("nope").
		WillReturnRows(sqlmock.NewRows([]string{"state"}))
	got, err := asset.NewSQLStore(db).Load(context.Background(), "nope")
	require.NoError(t, err)
	assert.Nil(t, got)
	assert.NoError(t, mock.ExpectationsWereMet())
}
