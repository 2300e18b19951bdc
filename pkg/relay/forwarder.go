// Package relay verifies signed envelopes and forwards them to whitelisted
// targets with the signer as the logical caller, reimbursing the relayer's
// fee from the gas tank.
package relay

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/INFIxChatnify/reimbursement-contract-sub003/pkg/audit"
	"github.com/INFIxChatnify/reimbursement-contract-sub003/pkg/fault"
	"github.com/INFIxChatnify/reimbursement-contract-sub003/pkg/finance"
	"github.com/INFIxChatnify/reimbursement-contract-sub003/pkg/gastank"
	"github.com/INFIxChatnify/reimbursement-contract-sub003/pkg/observability"
	"github.com/INFIxChatnify/reimbursement-contract-sub003/pkg/relay/call"
	"github.com/INFIxChatnify/reimbursement-contract-sub003/pkg/roles"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
)

// RoleChecker is the subset of the role registry the forwarder consults.
type RoleChecker interface {
	Require(account common.Address, required ...roles.Role) error
}

// Reimburser pays relayers back.
type Reimburser interface {
	Reimburse(ctx context.Context, relayer common.Address, fee finance.Amount) (gastank.Payout, error)
}

// Config holds the forwarder's tunables.
type Config struct {
	Domain    Domain
	RateLimit Limit
	// MaxGasPrice is the highest gas price a relayer may claim; envelopes
	// submitted above it are rejected. Zero disables the check.
	MaxGasPrice finance.Amount
}

// Result describes a forwarded call. Downstream failures are reported here
// rather than as an error from Execute.
type Result struct {
	Success    bool           `json:"success"`
	ReturnData hexutil.Bytes  `json:"return_data,omitempty"`
	Error      string         `json:"error,omitempty"`
	ErrorCode  string         `json:"error_code,omitempty"`
	Nonce      uint64         `json:"nonce"`
	GasUsed    uint64         `json:"gas_used"`
	Fee        finance.Amount `json:"fee"`
	Reimbursed finance.Amount `json:"reimbursed"`
	Shortfall  bool           `json:"shortfall"`
}

// TargetInfo describes a registered target.
type TargetInfo struct {
	Address     common.Address `json:"address"`
	Name        string         `json:"name"`
	Whitelisted bool           `json:"whitelisted"`
}

type registered struct {
	name   string
	target call.Target
}

// Forwarder owns the whitelist, target registry and rate-limit table.
// Execute calls are serialized.
type Forwarder struct {
	mu            sync.Mutex
	cfg           Config
	roles         RoleChecker
	nonces        NonceStore
	limiter       Limiter
	tank          Reimburser
	targets       map[common.Address]registered
	whitelist     map[common.Address]bool
	accountLimits map[common.Address]Limit
	clock         func() time.Time
	recorder      audit.Recorder
	obs           *observability.Provider
	logger        *slog.Logger
}

// NewForwarder creates a forwarder with an empty whitelist.
func NewForwarder(cfg Config, rc RoleChecker, nonces NonceStore, limiter Limiter, tank Reimburser, recorder audit.Recorder) *Forwarder {
	if recorder == nil {
		recorder = audit.Discard
	}
	return &Forwarder{
		cfg:           cfg,
		roles:         rc,
		nonces:        nonces,
		limiter:       limiter,
		tank:          tank,
		targets:       make(map[common.Address]registered),
		whitelist:     make(map[common.Address]bool),
		accountLimits: make(map[common.Address]Limit),
		clock:         time.Now,
		recorder:      recorder,
		logger:        slog.Default().With("component", "relay"),
	}
}

// WithClock overrides the time source (for deterministic tests).
func (f *Forwarder) WithClock(clock func() time.Time) *Forwarder {
	f.clock = clock
	return f
}

// WithLogger replaces the default logger.
func (f *Forwarder) WithLogger(l *slog.Logger) *Forwarder {
	f.logger = l.With("component", "relay")
	return f
}

// WithObservability attaches metrics and tracing.
func (f *Forwarder) WithObservability(p *observability.Provider) *Forwarder {
	f.obs = p
	return f
}

// Domain returns the signing domain.
func (f *Forwarder) Domain() Domain { return f.cfg.Domain }

// Register installs t at addr. Registration does not whitelist it.
func (f *Forwarder) Register(addr common.Address, name string, t call.Target) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.targets[addr] = registered{name: name, target: t}
}

// Targets lists registered targets ordered by address.
func (f *Forwarder) Targets() []TargetInfo {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]TargetInfo, 0, len(f.targets))
	for addr, r := range f.targets {
		out = append(out, TargetInfo{Address: addr, Name: r.name, Whitelisted: f.whitelist[addr]})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Address.Hex() < out[j].Address.Hex() })
	return out
}

// AddTarget whitelists addr.
func (f *Forwarder) AddTarget(ctx context.Context, caller, addr common.Address) error {
	if err := f.roles.Require(caller, roles.Admin); err != nil {
		return err
	}
	if addr == (common.Address{}) {
		return fault.Newf(fault.ErrInvalidArgument, "target is the zero address")
	}
	f.mu.Lock()
	f.whitelist[addr] = true
	f.mu.Unlock()
	f.configChanged(ctx, caller, "whitelist_add", map[string]any{"target": addr.Hex()})
	return nil
}

// RemoveTarget drops addr from the whitelist.
func (f *Forwarder) RemoveTarget(ctx context.Context, caller, addr common.Address) error {
	if err := f.roles.Require(caller, roles.Admin); err != nil {
		return err
	}
	f.mu.Lock()
	_, ok := f.whitelist[addr]
	delete(f.whitelist, addr)
	f.mu.Unlock()
	if !ok {
		return fault.Newf(fault.ErrNotFound, "target %s is not whitelisted", addr.Hex())
	}
	f.configChanged(ctx, caller, "whitelist_remove", map[string]any{"target": addr.Hex()})
	return nil
}

// Whitelisted reports whether addr accepts forwarded calls.
func (f *Forwarder) Whitelisted(addr common.Address) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.whitelist[addr]
}

// SetRateLimit replaces the default per-account limit.
func (f *Forwarder) SetRateLimit(ctx context.Context, caller common.Address, l Limit) error {
	if err := f.roles.Require(caller, roles.Admin); err != nil {
		return err
	}
	f.mu.Lock()
	f.cfg.RateLimit = l
	f.mu.Unlock()
	f.configChanged(ctx, caller, "rate_limit", map[string]any{"calls": l.Calls, "window": l.Window.String()})
	return nil
}

// SetAccountRateLimit overrides the limit for one account.
func (f *Forwarder) SetAccountRateLimit(ctx context.Context, caller, account common.Address, l Limit) error {
	if err := f.roles.Require(caller, roles.Admin); err != nil {
		return err
	}
	f.mu.Lock()
	f.accountLimits[account] = l
	f.mu.Unlock()
	f.configChanged(ctx, caller, "account_rate_limit", map[string]any{
		"account": account.Hex(),
		"calls":   l.Calls,
		"window":  l.Window.String(),
	})
	return nil
}

// LimitFor returns the limit applied to account.
func (f *Forwarder) LimitFor(account common.Address) Limit {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.limitFor(account)
}

func (f *Forwarder) limitFor(account common.Address) Limit {
	if l, ok := f.accountLimits[account]; ok {
		return l
	}
	return f.cfg.RateLimit
}

// Nonce returns the next nonce from must sign.
func (f *Forwarder) Nonce(ctx context.Context, from common.Address) (uint64, error) {
	return f.nonces.Expected(ctx, from)
}

// Execute verifies env, forwards it and reimburses relayer. An error means
// env was rejected before forwarding and no state changed. Once forwarding
// starts the nonce is consumed whatever the target returns.
func (f *Forwarder) Execute(ctx context.Context, relayer common.Address, gasPrice finance.Amount, env Envelope) (res *Result, err error) {
	ctx, done := f.obs.TrackOperation(ctx, "relay.execute")
	defer func() {
		done(err)
		if err != nil {
			f.obs.RecordRelay(ctx, fault.CodeOf(err))
			f.logger.InfoContext(ctx, "envelope rejected", "from", env.From.Hex(), "target", env.Target.Hex(), "nonce", env.Nonce, "error", err)
		}
	}()

	f.mu.Lock()
	defer f.mu.Unlock()

	signer, err := Recover(f.cfg.Domain, env)
	if err != nil {
		return nil, err
	}
	if signer != env.From {
		return nil, fault.Newf(fault.ErrInvalidSignature, "signed by %s, not %s", signer.Hex(), env.From.Hex())
	}

	now := f.clock()
	if uint64(now.Unix()) > env.Deadline {
		return nil, fault.Newf(fault.ErrExpired, "deadline %d passed", env.Deadline)
	}
	expected, err := f.nonces.Expected(ctx, env.From)
	if err != nil {
		return nil, fault.Internal(err, "read nonce")
	}
	if env.Nonce != expected {
		return nil, fault.Newf(fault.ErrReplayedNonce, "nonce %d, expected %d", env.Nonce, expected)
	}

	if !f.whitelist[env.Target] {
		return nil, fault.Newf(fault.ErrTargetNotWhitelisted, "target %s", env.Target.Hex())
	}
	if !f.cfg.MaxGasPrice.IsZero() && gasPrice.GreaterThan(f.cfg.MaxGasPrice) {
		return nil, fault.Newf(fault.ErrInvalidArgument, "gas price %s exceeds cap %s", gasPrice, f.cfg.MaxGasPrice)
	}

	// Only envelopes that would otherwise be forwarded count against the window.
	decision, err := f.limiter.Allow(ctx, "relay:"+env.From.Hex(), f.limitFor(env.From))
	if err != nil {
		return nil, fault.Internal(err, "rate limiter unavailable")
	}
	if !decision.Allowed {
		return nil, fault.Newf(fault.ErrRateLimited, "%d calls in window, limit %d, resets at %s",
			decision.Count, decision.Limit, decision.ResetAt.UTC().Format(time.RFC3339))
	}

	if err := f.nonces.Consume(ctx, env.From, env.Nonce); err != nil {
		return nil, err
	}

	res = &Result{Nonce: env.Nonce}
	f.forward(ctx, env, res)
	f.reimburse(ctx, relayer, gasPrice, env, res)
	return res, nil
}

func (f *Forwarder) forward(ctx context.Context, env Envelope, res *Result) {
	outcome := "success"
	reg, ok := f.targets[env.Target]
	var (
		ret []byte
		err error
	)
	if !ok {
		err = fault.Newf(fault.ErrNotFound, "no handler at %s", env.Target.Hex())
	} else {
		ret, err = reg.target.Dispatch(ctx, env.From, env.Payload)
	}
	if err != nil {
		outcome = "downstream_failure"
		res.Error = err.Error()
		res.ErrorCode = fault.CodeOf(err)
		f.logger.WarnContext(ctx, "forwarded call failed", "from", env.From.Hex(), "target", env.Target.Hex(), "nonce", env.Nonce, "error", err)
	} else {
		res.Success = true
		res.ReturnData = ret
	}
	f.obs.RecordRelay(ctx, outcome)
	f.emit(ctx, audit.EventMetaTxRelayed, env.From, env.Target, map[string]any{
		"nonce":   env.Nonce,
		"success": res.Success,
		"error":   res.ErrorCode,
	})
}

func (f *Forwarder) reimburse(ctx context.Context, relayer common.Address, gasPrice finance.Amount, env Envelope, res *Result) {
	res.GasUsed = gasUsed(env, res.ReturnData)
	fee, err := gasPrice.MulUint64(res.GasUsed)
	if err != nil {
		f.logger.ErrorContext(ctx, "fee overflow", "relayer", relayer.Hex(), "gas", res.GasUsed, "gas_price", gasPrice.String())
		res.Shortfall = true
		return
	}
	res.Fee = fee

	payout, err := f.tank.Reimburse(ctx, relayer, fee)
	res.Reimbursed = payout.Paid
	if err != nil {
		res.Shortfall = true
		f.obs.RecordReimbursement(ctx, false, payout.Requested)
		f.logger.WarnContext(ctx, "reimbursement shortfall", "relayer", relayer.Hex(), "fee", fee.String(), "owed", payout.Requested.String(), "error", err)
		f.emit(ctx, audit.EventReimbursementShort, relayer, env.Target, map[string]any{
			"from":  env.From.Hex(),
			"nonce": env.Nonce,
			"fee":   fee.String(),
			"owed":  payout.Requested.String(),
		})
		return
	}
	if payout.Paid.IsZero() {
		return
	}
	f.obs.RecordReimbursement(ctx, true, payout.Paid)
	f.emit(ctx, audit.EventReimbursementPaid, relayer, env.Target, map[string]any{
		"from":     env.From.Hex(),
		"nonce":    env.Nonce,
		"gas_used": res.GasUsed,
		"fee":      fee.String(),
		"paid":     payout.Paid.String(),
	})
}

func (f *Forwarder) configChanged(ctx context.Context, caller common.Address, change string, fields map[string]any) {
	fields["change"] = change
	f.logger.InfoContext(ctx, "relay configuration changed", "change", change, "caller", caller.Hex())
	audit.Emit(ctx, f.recorder, f.logger, audit.NewEvent(audit.EventRelayConfigChanged, caller.Hex(), "relay", fields))
}

func (f *Forwarder) emit(ctx context.Context, typ audit.EventType, actor, target common.Address, fields map[string]any) {
	audit.Emit(ctx, f.recorder, f.logger, audit.NewEvent(typ, actor.Hex(), "target:"+target.Hex(), fields))
}
