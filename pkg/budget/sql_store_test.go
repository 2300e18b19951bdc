package budget

import (
	"context"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/INFIxChatnify/reimbursement-contract-sub003/pkg/finance"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSQLStorage_Get(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	s := NewSQLStorage(db)
	ctx := context.Background()
	query := regexp.QuoteMeta("SELECT instance_id, total_budget, locked, distributed, updated_at FROM budget_ledgers WHERE instance_id = $1")

	rows := sqlmock.NewRows([]string{"instance_id", "total_budget", "locked", "distributed", "updated_at"}).
		AddRow("inst-1", "1000", "600", "0", time.Now())
	mock.ExpectQuery(query).WithArgs("inst-1").WillReturnRows(rows)

	b, err := s.Get(ctx, "inst-1")
	require.NoError(t, err)
	require.NotNil(t, b)
	assert.Equal(t, "600", b.Locked.String())

	mock.ExpectQuery(query).WithArgs("inst-2").
		WillReturnRows(sqlmock.NewRows([]string{"instance_id", "total_budget", "locked", "distributed", "updated_at"}))
	b, err = s.Get(ctx, "inst-2")
	require.NoError(t, err)
	assert.Nil(t, b)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLStorage_Set(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO budget_ledgers")).
		WithArgs("inst-1", "1000", "600", "0", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))

	err = NewSQLStorage(db).Set(context.Background(), &Balance{
		InstanceID:  "inst-1",
		TotalBudget: finance.NewAmount(1000),
		Locked:      finance.NewAmount(600),
		Distributed: finance.Zero(),
		UpdatedAt:   time.Now(),
	})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}
