// Package asset defines the fungible value asset consumed by the ledger and
// the gas tank, plus an in-process journaled token used in lite mode and tests.
package asset

import (
	"context"

	"github.com/INFIxChatnify/reimbursement-contract-sub003/pkg/fault"
	"github.com/INFIxChatnify/reimbursement-contract-sub003/pkg/finance"
	"github.com/ethereum/go-ethereum/common"
)

// Asset is a fungible asset bound to the account it acts for.
// Transfer moves value out of that account; TransferFrom moves value the
// bound account has been allowed to spend on behalf of from.
type Asset interface {
	BalanceOf(ctx context.Context, account common.Address) (finance.Amount, error)
	Transfer(ctx context.Context, to common.Address, amount finance.Amount) (bool, error)
	TransferFrom(ctx context.Context, from, to common.Address, amount finance.Amount) (bool, error)
}

// Reverter is implemented by assets whose state changes can be rolled back.
type Reverter interface {
	Snapshot() int
	RevertToSnapshot(id int)
	DiscardSnapshot(id int)
}

// Flusher is implemented by assets that buffer changes made under a snapshot.
type Flusher interface {
	Flush(ctx context.Context) error
}

// Flush makes the pending changes of a durable when a buffers them.
func Flush(ctx context.Context, a Asset) error {
	if f, ok := a.(Flusher); ok {
		return f.Flush(ctx)
	}
	return nil
}

// Transfer calls a.Transfer and treats a false result as a failure.
func Transfer(ctx context.Context, a Asset, to common.Address, amount finance.Amount) error {
	ok, err := a.Transfer(ctx, to, amount)
	if err != nil {
		return fault.Wrap(fault.ErrTransferFailed, err, "transfer to "+to.Hex())
	}
	if !ok {
		return fault.Newf(fault.ErrTransferFailed, "transfer of %s to %s returned false", amount, to.Hex())
	}
	return nil
}

// TransferFrom calls a.TransferFrom and treats a false result as a failure.
func TransferFrom(ctx context.Context, a Asset, from, to common.Address, amount finance.Amount) error {
	ok, err := a.TransferFrom(ctx, from, to, amount)
	if err != nil {
		return fault.Wrap(fault.ErrTransferFailed, err, "transferFrom "+from.Hex())
	}
	if !ok {
		return fault.Newf(fault.ErrTransferFailed, "transferFrom %s of %s returned false", from.Hex(), amount)
	}
	return nil
}

// Atomic runs fn so that every asset movement it makes is undone when it
// fails. Assets that cannot revert get no rollback; callers relying on
// all-or-nothing semantics must supply a Reverter.
func Atomic(a Asset, fn func() error) error {
	r, ok := a.(Reverter)
	if !ok {
		return fn()
	}
	id := r.Snapshot()
	if err := fn(); err != nil {
		r.RevertToSnapshot(id)
		return err
	}
	r.DiscardSnapshot(id)
	return nil
}
