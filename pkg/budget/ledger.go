package budget

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/INFIxChatnify/reimbursement-contract-sub003/pkg/asset"
	"github.com/INFIxChatnify/reimbursement-contract-sub003/pkg/audit"
	"github.com/INFIxChatnify/reimbursement-contract-sub003/pkg/fault"
	"github.com/INFIxChatnify/reimbursement-contract-sub003/pkg/finance"
	"github.com/ethereum/go-ethereum/common"
)

// Ledger is the budget ledger of one instance.
type Ledger struct {
	mu         sync.Mutex
	instanceID string
	custody    common.Address
	asset      asset.Asset
	storage    Storage
	clock      func() time.Time
	recorder   audit.Recorder
	logger     *slog.Logger

	leases    map[uint64]finance.Amount
	nextLease uint64
}

// NewLedger creates a ledger over the asset held by custody.
// a must be bound to custody and implement asset.Reverter: a multi-payout
// release cannot be undone otherwise.
func NewLedger(instanceID string, custody common.Address, a asset.Asset, s Storage, recorder audit.Recorder) (*Ledger, error) {
	if _, ok := a.(asset.Reverter); !ok {
		return nil, fault.Newf(fault.ErrInvalidArgument, "budget asset %T cannot revert transfers", a)
	}
	if recorder == nil {
		recorder = audit.Discard
	}
	return &Ledger{
		instanceID: instanceID,
		custody:    custody,
		asset:      a,
		storage:    s,
		clock:      time.Now,
		recorder:   recorder,
		logger:     slog.Default().With("component", "budget", "instance", instanceID),
		leases:     make(map[uint64]finance.Amount),
	}, nil
}

// WithClock overrides the time source (for deterministic tests).
func (l *Ledger) WithClock(clock func() time.Time) *Ledger {
	l.clock = clock
	return l
}

// WithLogger replaces the default logger.
func (l *Ledger) WithLogger(logger *slog.Logger) *Ledger {
	l.logger = logger.With("component", "budget", "instance", l.instanceID)
	return l
}

// Custody returns the account holding the instance's funds.
func (l *Ledger) Custody() common.Address { return l.custody }

// Balance returns the current accounting state.
func (l *Ledger) Balance(ctx context.Context) (Balance, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	b, err := l.load(ctx)
	if err != nil {
		return Balance{}, err
	}
	return *b, nil
}

// Available returns the uncommitted part of the budget.
func (l *Ledger) Available(ctx context.Context) (finance.Amount, error) {
	b, err := l.Balance(ctx)
	if err != nil {
		return finance.Amount{}, err
	}
	return b.Available()
}

// Fund pulls amount from funder into custody and raises TotalBudget.
// funder must have approved the custody account beforehand.
func (l *Ledger) Fund(ctx context.Context, funder common.Address, amount finance.Amount) (Balance, error) {
	if amount.IsZero() {
		return Balance{}, fault.Newf(fault.ErrZeroAmount, "funding amount must be positive")
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	b, err := l.load(ctx)
	if err != nil {
		return Balance{}, err
	}
	next := *b
	if next.TotalBudget, err = b.TotalBudget.Add(amount); err != nil {
		return Balance{}, err
	}

	err = asset.Atomic(l.asset, func() error {
		if err := asset.TransferFrom(ctx, l.asset, funder, l.custody, amount); err != nil {
			return err
		}
		if err := asset.Flush(ctx, l.asset); err != nil {
			return err
		}
		return l.save(ctx, &next)
	})
	if err != nil {
		return Balance{}, err
	}

	l.logger.InfoContext(ctx, "budget funded", "funder", funder.Hex(), "amount", amount.String(), "total", next.TotalBudget.String())
	audit.Emit(ctx, l.recorder, l.logger, audit.NewEvent(audit.EventBudgetFunded, funder.Hex(), "budget:"+l.instanceID, map[string]any{
		"amount": amount.String(),
		"total":  next.TotalBudget.String(),
	}))
	return next, nil
}

// Lock commits amount of the available budget to a request.
func (l *Ledger) Lock(ctx context.Context, amount finance.Amount) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	b, err := l.load(ctx)
	if err != nil {
		return err
	}
	available, err := b.Available()
	if err != nil {
		return err
	}
	if amount.GreaterThan(available) {
		return fault.Newf(fault.ErrInsufficientBudget, "requested %s, available %s", amount, available)
	}
	next := *b
	if next.Locked, err = b.Locked.Add(amount); err != nil {
		return err
	}
	return l.save(ctx, &next)
}

// Unlock returns amount of the locked budget to the available pool.
func (l *Ledger) Unlock(ctx context.Context, amount finance.Amount) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	b, err := l.load(ctx)
	if err != nil {
		return err
	}
	if amount.GreaterThan(b.Locked) {
		return fault.Newf(fault.ErrInvalidState, "unlock %s exceeds locked %s", amount, b.Locked)
	}
	next := *b
	if next.Locked, err = b.Locked.Sub(amount); err != nil {
		return err
	}
	return l.save(ctx, &next)
}

// BeginDistribution opens a lease over amount of the locked funds. Release
// refuses to move funds without one.
func (l *Ledger) BeginDistribution(ctx context.Context, amount finance.Amount) (Lease, error) {
	if amount.IsZero() {
		return Lease{}, fault.Newf(fault.ErrZeroAmount, "empty distribution")
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	b, err := l.load(ctx)
	if err != nil {
		return Lease{}, err
	}
	if amount.GreaterThan(b.Locked) {
		return Lease{}, fault.Newf(fault.ErrInvalidState, "distribution %s exceeds locked %s", amount, b.Locked)
	}
	l.nextLease++
	lease := Lease{ID: l.nextLease, Amount: amount}
	l.leases[lease.ID] = amount
	return lease, nil
}

// Release pays every payout in order and moves their sum from Locked to
// Distributed. The payouts must add up to the lease amount; the lease is
// spent whatever the outcome. Any failed transfer, false return or
// persistence error reverts every transfer already made and leaves the
// balance untouched.
func (l *Ledger) Release(ctx context.Context, lease Lease, payouts []Payout) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	leased, ok := l.leases[lease.ID]
	if !ok {
		return fault.Newf(fault.ErrInvalidState, "release outside a distribution")
	}
	delete(l.leases, lease.ID)

	if len(payouts) == 0 {
		return fault.Newf(fault.ErrEmptyRecipients, "nothing to release")
	}
	amounts := make([]finance.Amount, len(payouts))
	for i, p := range payouts {
		amounts[i] = p.Amount
	}
	total, err := finance.Sum(amounts...)
	if err != nil {
		return err
	}
	if leased.Cmp(total) != 0 {
		return fault.Newf(fault.ErrInvalidState, "release %s does not match distribution %s", total, leased)
	}

	b, err := l.load(ctx)
	if err != nil {
		return err
	}
	if total.GreaterThan(b.Locked) {
		return fault.Newf(fault.ErrInvalidState, "release %s exceeds locked %s", total, b.Locked)
	}
	next := *b
	if next.Locked, err = b.Locked.Sub(total); err != nil {
		return err
	}
	if next.Distributed, err = b.Distributed.Add(total); err != nil {
		return err
	}

	err = asset.Atomic(l.asset, func() error {
		for i, p := range payouts {
			if err := asset.Transfer(ctx, l.asset, p.To, p.Amount); err != nil {
				return fmt.Errorf("payout %d: %w", i, err)
			}
		}
		if err := asset.Flush(ctx, l.asset); err != nil {
			return err
		}
		return l.save(ctx, &next)
	})
	if err != nil {
		l.logger.WarnContext(ctx, "release reverted", "total", total.String(), "error", err)
		return err
	}
	return nil
}

// Reconcile compares the custody balance with what the ledger still owes.
// It returns fault.ErrInvalidState when custody holds less than
// TotalBudget - Distributed.
func (l *Ledger) Reconcile(ctx context.Context) error {
	b, err := l.Balance(ctx)
	if err != nil {
		return err
	}
	owed, err := b.TotalBudget.Sub(b.Distributed)
	if err != nil {
		return err
	}
	held, err := l.asset.BalanceOf(ctx, l.custody)
	if err != nil {
		return fmt.Errorf("budget: custody balance: %w", err)
	}
	if owed.GreaterThan(held) {
		return fault.Newf(fault.ErrInvalidState, "custody holds %s but ledger owes %s", held, owed)
	}
	return nil
}

func (l *Ledger) load(ctx context.Context) (*Balance, error) {
	b, err := l.storage.Get(ctx, l.instanceID)
	if err != nil {
		return nil, fault.Internal(err, "load budget")
	}
	if b == nil {
		b = &Balance{InstanceID: l.instanceID}
	}
	return b, nil
}

// save persists next; the in-memory view only changes after it succeeds.
func (l *Ledger) save(ctx context.Context, next *Balance) error {
	next.UpdatedAt = l.clock().UTC()
	if err := l.storage.Set(ctx, next); err != nil {
		l.logger.ErrorContext(ctx, "failed to persist budget", "error", err)
		return fault.Internal(err, "fail-closed: persist budget")
	}
	return nil
}
