// Package gastank holds the shared reserve that reimburses relayers for the
// fees they spend submitting signed calls on behalf of other accounts.
package gastank

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/INFIxChatnify/reimbursement-contract-sub003/pkg/asset"
	"github.com/INFIxChatnify/reimbursement-contract-sub003/pkg/audit"
	"github.com/INFIxChatnify/reimbursement-contract-sub003/pkg/fault"
	"github.com/INFIxChatnify/reimbursement-contract-sub003/pkg/finance"
	"github.com/INFIxChatnify/reimbursement-contract-sub003/pkg/roles"
	"github.com/ethereum/go-ethereum/common"
)

// RoleChecker is the subset of the role registry the tank consults.
type RoleChecker interface {
	Require(account common.Address, required ...roles.Role) error
}

// Payout is the outcome of one reimbursement.
type Payout struct {
	Relayer   common.Address `json:"relayer"`
	Requested finance.Amount `json:"requested"`
	Paid      finance.Amount `json:"paid"`
	Shortfall bool           `json:"shortfall"`
}

// Stats is a point-in-time view of the tank.
type Stats struct {
	Reserve          finance.Amount            `json:"reserve"`
	MaxPerCall       finance.Amount            `json:"max_per_call"`
	TotalPaid        finance.Amount            `json:"total_paid"`
	Shortfalls       uint64                    `json:"shortfalls"`
	EmergencyAccount *common.Address           `json:"emergency_account,omitempty"`
	Paid             map[string]finance.Amount `json:"paid"`
}

// Tank tracks the reserve held by custody in the native fee asset.
type Tank struct {
	mu         sync.Mutex
	custody    common.Address
	asset      asset.Asset
	roles      RoleChecker
	reserve    finance.Amount
	maxPerCall finance.Amount
	totalPaid  finance.Amount
	shortfalls uint64
	paid       map[common.Address]finance.Amount
	emergency  *common.Address
	recorder   audit.Recorder
	clock      func() time.Time
	logger     *slog.Logger
}

// New creates an empty tank. A zero maxPerCall leaves payouts bounded only
// by the fee claimed.
func New(custody common.Address, a asset.Asset, rc RoleChecker, maxPerCall finance.Amount, recorder audit.Recorder) *Tank {
	if recorder == nil {
		recorder = audit.Discard
	}
	return &Tank{
		custody:    custody,
		asset:      a,
		roles:      rc,
		maxPerCall: maxPerCall,
		paid:       make(map[common.Address]finance.Amount),
		recorder:   recorder,
		clock:      time.Now,
		logger:     slog.Default().With("component", "gastank"),
	}
}

// WithClock overrides the time source (for deterministic tests).
func (t *Tank) WithClock(clock func() time.Time) *Tank {
	t.clock = clock
	return t
}

// WithLogger replaces the default logger.
func (t *Tank) WithLogger(l *slog.Logger) *Tank {
	t.logger = l.With("component", "gastank")
	return t
}

// Custody is the account holding the reserve.
func (t *Tank) Custody() common.Address { return t.custody }

// Fund pulls amount of the fee asset from caller into the reserve.
func (t *Tank) Fund(ctx context.Context, caller common.Address, amount finance.Amount) error {
	if err := t.roles.Require(caller, roles.Admin); err != nil {
		return err
	}
	if amount.IsZero() {
		return fault.Newf(fault.ErrZeroAmount, "fund amount must be positive")
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	next, err := t.reserve.Add(amount)
	if err != nil {
		return err
	}
	if err := asset.TransferFrom(ctx, t.asset, caller, t.custody, amount); err != nil {
		return err
	}
	t.reserve = next
	t.logger.InfoContext(ctx, "reserve funded", "funder", caller.Hex(), "amount", amount.String(), "reserve", next.String())
	t.emit(ctx, audit.EventGasTankFunded, caller, map[string]any{"amount": amount.String(), "reserve": next.String()})
	return nil
}

// Withdraw moves amount from the reserve to the given account.
func (t *Tank) Withdraw(ctx context.Context, caller, to common.Address, amount finance.Amount) error {
	if err := t.roles.Require(caller, roles.Admin); err != nil {
		return err
	}
	if amount.IsZero() {
		return fault.Newf(fault.ErrZeroAmount, "withdraw amount must be positive")
	}
	if to == (common.Address{}) {
		return fault.Newf(fault.ErrInvalidArgument, "withdraw to the zero address")
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	return t.withdraw(ctx, caller, to, amount, false)
}

// SetEmergencyAccount designates where EmergencyWithdraw sends the reserve.
func (t *Tank) SetEmergencyAccount(ctx context.Context, caller, account common.Address) error {
	if err := t.roles.Require(caller, roles.Admin); err != nil {
		return err
	}
	if account == (common.Address{}) {
		return fault.Newf(fault.ErrInvalidArgument, "emergency account is the zero address")
	}
	t.mu.Lock()
	t.emergency = &account
	t.mu.Unlock()
	t.logger.WarnContext(ctx, "emergency account set", "account", account.Hex(), "caller", caller.Hex())
	t.emit(ctx, audit.EventGasTankConfigChanged, caller, map[string]any{
		"change":  "emergency_account",
		"account": account.Hex(),
	})
	return nil
}

// EmergencyWithdraw drains the whole reserve to the emergency account.
func (t *Tank) EmergencyWithdraw(ctx context.Context, caller common.Address) (finance.Amount, error) {
	if err := t.roles.Require(caller, roles.Admin); err != nil {
		return finance.Zero(), err
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if t.emergency == nil {
		return finance.Zero(), fault.Newf(fault.ErrInvalidState, "no emergency account designated")
	}
	drained := t.reserve
	if drained.IsZero() {
		return drained, nil
	}
	if err := t.withdraw(ctx, caller, *t.emergency, drained, true); err != nil {
		return finance.Zero(), err
	}
	return drained, nil
}

func (t *Tank) withdraw(ctx context.Context, caller, to common.Address, amount finance.Amount, emergency bool) error {
	if amount.GreaterThan(t.reserve) {
		return fault.Newf(fault.ErrInsufficientReserve, "withdraw %s exceeds reserve %s", amount, t.reserve)
	}
	next, err := t.reserve.Sub(amount)
	if err != nil {
		return err
	}
	if err := asset.Transfer(ctx, t.asset, to, amount); err != nil {
		return err
	}
	t.reserve = next
	t.logger.InfoContext(ctx, "reserve withdrawn", "to", to.Hex(), "amount", amount.String(), "emergency", emergency)
	t.emit(ctx, audit.EventGasTankWithdrawn, caller, map[string]any{
		"to":        to.Hex(),
		"amount":    amount.String(),
		"reserve":   next.String(),
		"emergency": emergency,
	})
	return nil
}

// SetMaxPerCall changes the per-call reimbursement cap.
func (t *Tank) SetMaxPerCall(ctx context.Context, caller common.Address, ceiling finance.Amount) error {
	if err := t.roles.Require(caller, roles.Admin); err != nil {
		return err
	}
	t.mu.Lock()
	prev := t.maxPerCall
	t.maxPerCall = ceiling
	t.mu.Unlock()
	t.logger.InfoContext(ctx, "reimbursement cap changed", "max_per_call", ceiling.String(), "caller", caller.Hex())
	t.emit(ctx, audit.EventGasTankConfigChanged, caller, map[string]any{
		"change":       "max_per_call",
		"previous":     prev.String(),
		"max_per_call": ceiling.String(),
	})
	return nil
}

// Reimburse pays relayer min(fee, cap) from the reserve. When the reserve
// cannot cover the payout nothing is paid and the returned error is
// fault.ErrReimbursementShortfall; the payout still describes the claim.
func (t *Tank) Reimburse(ctx context.Context, relayer common.Address, fee finance.Amount) (Payout, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	owed := fee
	if !t.maxPerCall.IsZero() {
		owed = finance.Min(fee, t.maxPerCall)
	}
	p := Payout{Relayer: relayer, Requested: owed}
	if owed.IsZero() {
		return p, nil
	}
	if owed.GreaterThan(t.reserve) {
		t.shortfalls++
		p.Shortfall = true
		return p, fault.Newf(fault.ErrReimbursementShortfall, "reserve %s cannot cover %s", t.reserve, owed)
	}

	reserve, err := t.reserve.Sub(owed)
	if err != nil {
		return p, err
	}
	total, err := t.totalPaid.Add(owed)
	if err != nil {
		return p, err
	}
	mine, err := t.paid[relayer].Add(owed)
	if err != nil {
		return p, err
	}
	if err := asset.Transfer(ctx, t.asset, relayer, owed); err != nil {
		t.shortfalls++
		p.Shortfall = true
		return p, fault.Wrap(fault.ErrReimbursementShortfall, err, "reimbursement transfer failed")
	}
	t.reserve = reserve
	t.totalPaid = total
	t.paid[relayer] = mine
	p.Paid = owed
	return p, nil
}

// Reserve returns the amount currently available for reimbursements.
func (t *Tank) Reserve() finance.Amount {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.reserve
}

// PaidTo returns the cumulative reimbursements paid to relayer.
func (t *Tank) PaidTo(relayer common.Address) finance.Amount {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.paid[relayer]
}

// Stats snapshots the tank.
func (t *Tank) Stats() Stats {
	t.mu.Lock()
	defer t.mu.Unlock()
	s := Stats{
		Reserve:    t.reserve,
		MaxPerCall: t.maxPerCall,
		TotalPaid:  t.totalPaid,
		Shortfalls: t.shortfalls,
		Paid:       make(map[string]finance.Amount, len(t.paid)),
	}
	if t.emergency != nil {
		e := *t.emergency
		s.EmergencyAccount = &e
	}
	relayers := make([]common.Address, 0, len(t.paid))
	for r := range t.paid {
		relayers = append(relayers, r)
	}
	sort.Slice(relayers, func(i, j int) bool { return relayers[i].Hex() < relayers[j].Hex() })
	for _, r := range relayers {
		s.Paid[r.Hex()] = t.paid[r]
	}
	return s
}

func (t *Tank) emit(ctx context.Context, typ audit.EventType, actor common.Address, fields map[string]any) {
	audit.Emit(ctx, t.recorder, t.logger, audit.NewEvent(typ, actor.Hex(), "gastank:"+t.custody.Hex(), fields))
}

// Sync sets the reserve to the custody account's balance of the fee asset.
// Called at start-up, before any reimbursement.
func (t *Tank) Sync(ctx context.Context) (finance.Amount, error) {
	bal, err := t.asset.BalanceOf(ctx, t.custody)
	if err != nil {
		return finance.Amount{}, fault.Internal(err, "read gas tank balance")
	}
	t.mu.Lock()
	t.reserve = bal
	t.mu.Unlock()
	return bal, nil
}
