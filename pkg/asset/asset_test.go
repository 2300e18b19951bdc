package asset_test

import (
	"context"
	"errors"
	"testing"

	"github.com/INFIxChatnify/reimbursement-contract-sub003/pkg/asset"
	"github.com/INFIxChatnify/reimbursement-contract-sub003/pkg/fault"
	"github.com/INFIxChatnify/reimbursement-contract-sub003/pkg/finance"
	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	custody = common.HexToAddress("0xC0")
	alice   = common.HexToAddress("0xA1")
	bob     = common.HexToAddress("0xB0")
)

func TestMemoryToken_TransferFrom(t *testing.T) {
	ctx := context.Background()
	tok := asset.NewMemoryToken("THB", 18)
	require.NoError(t, tok.Mint(alice, finance.NewAmount(1000)))
	a := tok.Bind(custody)

	// No allowance yet.
	ok, err := a.TransferFrom(ctx, alice, custody, finance.NewAmount(100))
	require.NoError(t, err)
	assert.False(t, ok)

	tok.Approve(alice, custody, finance.NewAmount(300))
	require.NoError(t, asset.TransferFrom(ctx, a, alice, custody, finance.NewAmount(100)))
	assert.Equal(t, "900", tok.Balance(alice).String())
	assert.Equal(t, "100", tok.Balance(custody).String())
	assert.Equal(t, "200", tok.Allowance(alice, custody).String())
}

func TestTransfer_FalseIsFailure(t *testing.T) {
	ctx := context.Background()
	tok := asset.NewMemoryToken("THB", 18)
	require.NoError(t, tok.Mint(custody, finance.NewAmount(10)))
	tok.FailTransfersTo(bob, true)

	err := asset.Transfer(ctx, tok.Bind(custody), bob, finance.NewAmount(5))
	assert.ErrorIs(t, err, fault.ErrTransferFailed)
	assert.Equal(t, "10", tok.Balance(custody).String())
}

func TestAtomic_RevertsAllTransfers(t *testing.T) {
	ctx := context.Background()
	tok := asset.NewMemoryToken("THB", 18)
	require.NoError(t, tok.Mint(custody, finance.NewAmount(600)))
	tok.FailTransfersTo(bob, true)
	a := tok.Bind(custody)

	err := asset.Atomic(a, func() error {
		if err := asset.Transfer(ctx, a, alice, finance.NewAmount(100)); err != nil {
			return err
		}
		return asset.Transfer(ctx, a, bob, finance.NewAmount(200))
	})
	require.Error(t, err)
	assert.Equal(t, "600", tok.Balance(custody).String())
	assert.True(t, tok.Balance(alice).IsZero())
}

func TestAtomic_KeepsChangesOnSuccess(t *testing.T) {
	ctx := context.Background()
	tok := asset.NewMemoryToken("THB", 18)
	require.NoError(t, tok.Mint(custody, finance.NewAmount(600)))
	a := tok.Bind(custody)

	require.NoError(t, asset.Atomic(a, func() error {
		return asset.Transfer(ctx, a, alice, finance.NewAmount(100))
	}))
	assert.Equal(t, "500", tok.Balance(custody).String())
	assert.Equal(t, "100", tok.Balance(alice).String())
}

func TestAtomic_Nested(t *testing.T) {
	ctx := context.Background()
	tok := asset.NewMemoryToken("THB", 18)
	require.NoError(t, tok.Mint(custody, finance.NewAmount(100)))
	a := tok.Bind(custody)

	err := asset.Atomic(a, func() error {
		require.NoError(t, asset.Atomic(a, func() error {
			return asset.Transfer(ctx, a, alice, finance.NewAmount(40))
		}))
		return errors.New("outer failure")
	})
	require.Error(t, err)
	assert.Equal(t, "100", tok.Balance(custody).String())
	assert.True(t, tok.Balance(alice).IsZero())
}
