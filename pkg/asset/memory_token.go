package asset

import (
	"context"
	"fmt"
	"sync"

	"github.com/INFIxChatnify/reimbursement-contract-sub003/pkg/fault"
	"github.com/INFIxChatnify/reimbursement-contract-sub003/pkg/finance"
	"github.com/ethereum/go-ethereum/common"
)

// journalEntry is a modification that can be reverted on demand.
type journalEntry interface {
	revert(t *MemoryToken)
}

type balanceChange struct {
	account common.Address
	prev    finance.Amount
}

func (c balanceChange) revert(t *MemoryToken) { t.balances[c.account] = c.prev }

type allowanceChange struct {
	owner, spender common.Address
	prev           finance.Amount
}

func (c allowanceChange) revert(t *MemoryToken) { t.allowances[c.owner][c.spender] = c.prev }

// MemoryToken is an in-memory fungible token with allowances and a change
// journal for snapshot/revert. Thread-safe.
//
// Once attached to a Store, every change that leaves no snapshot open is
// written through before the call returns. A failed write latches the token:
// every later mutation fails until the process restarts from the stored state.
type MemoryToken struct {
	mu         sync.Mutex
	symbol     string
	decimals   int32
	balances   map[common.Address]finance.Amount
	allowances map[common.Address]map[common.Address]finance.Amount
	failing    map[common.Address]bool

	journal   []journalEntry
	snapshots int

	store  Store
	key    string
	dirty  bool
	broken error
}

// NewMemoryToken creates an empty token.
func NewMemoryToken(symbol string, decimals int32) *MemoryToken {
	return &MemoryToken{
		symbol:     symbol,
		decimals:   decimals,
		balances:   make(map[common.Address]finance.Amount),
		allowances: make(map[common.Address]map[common.Address]finance.Amount),
		failing:    make(map[common.Address]bool),
	}
}

func (t *MemoryToken) Symbol() string  { return t.symbol }
func (t *MemoryToken) Decimals() int32 { return t.decimals }

// Attach loads the state stored under key, replacing whatever the token
// holds, and writes every later change back to s.
func (t *MemoryToken) Attach(ctx context.Context, s Store, key string) error {
	st, err := s.Load(ctx, key)
	if err != nil {
		return fmt.Errorf("asset: load %s: %w", key, err)
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.snapshots > 0 {
		return fault.Newf(fault.ErrInvalidState, "attach with an open snapshot")
	}
	if st != nil {
		t.balances = st.Balances
		t.allowances = st.Allowances
		if t.balances == nil {
			t.balances = make(map[common.Address]finance.Amount)
		}
		if t.allowances == nil {
			t.allowances = make(map[common.Address]map[common.Address]finance.Amount)
		}
	}
	t.store, t.key, t.dirty, t.broken = s, key, false, nil
	return nil
}

// Mint credits amount to account.
func (t *MemoryToken) Mint(account common.Address, amount finance.Amount) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.broken != nil {
		return t.broken
	}
	next, err := t.balances[account].Add(amount)
	if err != nil {
		return err
	}
	t.setBalance(account, next)
	return t.persist(context.Background())
}

// Approve sets the allowance spender may draw from owner.
func (t *MemoryToken) Approve(owner, spender common.Address, amount finance.Amount) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.broken != nil {
		return t.broken
	}
	t.setAllowance(owner, spender, amount)
	return t.persist(context.Background())
}

// Allowance returns what spender may still draw from owner.
func (t *MemoryToken) Allowance(owner, spender common.Address) finance.Amount {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.allowances[owner][spender]
}

// Balance returns the balance of account.
func (t *MemoryToken) Balance(account common.Address) finance.Amount {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.balances[account]
}

// FailTransfersTo makes every transfer to account return false.
func (t *MemoryToken) FailTransfersTo(account common.Address, fail bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if fail {
		t.failing[account] = true
	} else {
		delete(t.failing, account)
	}
}

// Bind returns an Asset acting for holder.
func (t *MemoryToken) Bind(holder common.Address) Asset {
	return &boundToken{token: t, holder: holder}
}

// Snapshot returns an identifier for the current journal position.
func (t *MemoryToken) Snapshot() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.snapshots++
	return len(t.journal)
}

// RevertToSnapshot undoes every change made since id.
func (t *MemoryToken) RevertToSnapshot(id int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for i := len(t.journal) - 1; i >= id; i-- {
		t.journal[i].revert(t)
		t.dirty = true
	}
	t.journal = t.journal[:id]
	t.release()
}

// DiscardSnapshot keeps the changes made since id.
func (t *MemoryToken) DiscardSnapshot(int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.release()
}

// Flush writes the current state through even while a snapshot is open, so
// a caller can make the transfers durable before recording them elsewhere.
// A later revert is written through when the outermost snapshot closes.
func (t *MemoryToken) Flush(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.broken != nil {
		return t.broken
	}
	return t.write(ctx)
}

// Err reports the write failure that latched the token, if any.
func (t *MemoryToken) Err() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.broken
}

func (t *MemoryToken) release() {
	if t.snapshots > 0 {
		t.snapshots--
	}
	if t.snapshots == 0 {
		t.journal = nil
		_ = t.persist(context.Background())
	}
}

// persist writes pending changes unless a snapshot is still open.
func (t *MemoryToken) persist(ctx context.Context) error {
	if t.snapshots > 0 {
		return nil
	}
	return t.write(ctx)
}

func (t *MemoryToken) write(ctx context.Context) error {
	if t.store == nil || !t.dirty {
		return nil
	}
	if err := t.store.Save(ctx, t.key, t.state()); err != nil {
		t.broken = fault.Internal(err, "fail-closed: persist token "+t.key)
		return t.broken
	}
	t.dirty = false
	return nil
}

func (t *MemoryToken) state() *State {
	st := &State{
		Balances:   make(map[common.Address]finance.Amount, len(t.balances)),
		Allowances: make(map[common.Address]map[common.Address]finance.Amount, len(t.allowances)),
	}
	for a, v := range t.balances {
		if !v.IsZero() {
			st.Balances[a] = v
		}
	}
	for owner, spenders := range t.allowances {
		for spender, v := range spenders {
			if v.IsZero() {
				continue
			}
			if st.Allowances[owner] == nil {
				st.Allowances[owner] = make(map[common.Address]finance.Amount)
			}
			st.Allowances[owner][spender] = v
		}
	}
	return st
}

func (t *MemoryToken) setBalance(account common.Address, v finance.Amount) {
	if t.snapshots > 0 {
		t.journal = append(t.journal, balanceChange{account: account, prev: t.balances[account]})
	}
	t.balances[account] = v
	t.dirty = true
}

func (t *MemoryToken) setAllowance(owner, spender common.Address, v finance.Amount) {
	if t.allowances[owner] == nil {
		t.allowances[owner] = make(map[common.Address]finance.Amount)
	}
	if t.snapshots > 0 {
		t.journal = append(t.journal, allowanceChange{owner: owner, spender: spender, prev: t.allowances[owner][spender]})
	}
	t.allowances[owner][spender] = v
	t.dirty = true
}

// move returns false without touching state when from cannot cover amount
// or the recipient is marked failing.
func (t *MemoryToken) move(from, to common.Address, amount finance.Amount) (bool, error) {
	if t.failing[to] {
		return false, nil
	}
	if amount.GreaterThan(t.balances[from]) {
		return false, nil
	}
	debited, err := t.balances[from].Sub(amount)
	if err != nil {
		return false, err
	}
	t.setBalance(from, debited)
	credited, err := t.balances[to].Add(amount)
	if err != nil {
		return false, err
	}
	t.setBalance(to, credited)
	return true, nil
}

type boundToken struct {
	token  *MemoryToken
	holder common.Address
}

func (b *boundToken) BalanceOf(_ context.Context, account common.Address) (finance.Amount, error) {
	return b.token.Balance(account), nil
}

func (b *boundToken) Transfer(ctx context.Context, to common.Address, amount finance.Amount) (bool, error) {
	t := b.token
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.broken != nil {
		return false, t.broken
	}
	ok, err := t.move(b.holder, to, amount)
	if err != nil || !ok {
		return ok, err
	}
	if err := t.persist(ctx); err != nil {
		return false, err
	}
	return true, nil
}

func (b *boundToken) TransferFrom(ctx context.Context, from, to common.Address, amount finance.Amount) (bool, error) {
	t := b.token
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.broken != nil {
		return false, t.broken
	}
	allowed := t.allowances[from][b.holder]
	if amount.GreaterThan(allowed) {
		return false, nil
	}
	ok, err := t.move(from, to, amount)
	if err != nil || !ok {
		return ok, err
	}
	remaining, err := allowed.Sub(amount)
	if err != nil {
		return false, fault.Internal(err, "allowance underflow")
	}
	t.setAllowance(from, b.holder, remaining)
	if err := t.persist(ctx); err != nil {
		return false, err
	}
	return true, nil
}

func (b *boundToken) Snapshot() int           { return b.token.Snapshot() }
func (b *boundToken) RevertToSnapshot(id int) { b.token.RevertToSnapshot(id) }
func (b *boundToken) DiscardSnapshot(id int)  { b.token.DiscardSnapshot(id) }
func (b *boundToken) Flush(ctx context.Context) error {
	return b.token.Flush(ctx)
}
