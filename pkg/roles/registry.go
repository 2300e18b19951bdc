package roles

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/INFIxChatnify/reimbursement-contract-sub003/pkg/audit"
	"github.com/INFIxChatnify/reimbursement-contract-sub003/pkg/fault"
	"github.com/ethereum/go-ethereum/common"
)

// Config tunes the commit-reveal window.
type Config struct {
	// RevealWindow is how long a commitment stays revealable.
	RevealWindow time.Duration
	// MinRevealDelay forces at least this much time between commit and reveal.
	MinRevealDelay time.Duration
}

// DefaultConfig returns a one hour reveal window with no minimum delay.
func DefaultConfig() Config {
	return Config{RevealWindow: time.Hour}
}

// Commitment is a pending, unrevealed grant.
type Commitment struct {
	Hash           common.Hash `json:"hash"`
	CommittedAt    time.Time   `json:"committed_at"`
	NotBefore      time.Time   `json:"not_before"`
	RevealDeadline time.Time   `json:"reveal_deadline"`
}

// Registry holds role assignments and pending commitments.
type Registry struct {
	mu       sync.RWMutex
	holders  map[Role]map[common.Address]struct{}
	commits  map[common.Address]Commitment
	cfg      Config
	clock    func() time.Time
	recorder audit.Recorder
	logger   *slog.Logger
}

// NewRegistry creates an empty registry.
func NewRegistry(cfg Config, recorder audit.Recorder) *Registry {
	if cfg.RevealWindow <= 0 {
		cfg.RevealWindow = DefaultConfig().RevealWindow
	}
	if recorder == nil {
		recorder = audit.Discard
	}
	holders := make(map[Role]map[common.Address]struct{}, len(All))
	for _, r := range All {
		holders[r] = make(map[common.Address]struct{})
	}
	return &Registry{
		holders:  holders,
		commits:  make(map[common.Address]Commitment),
		cfg:      cfg,
		clock:    time.Now,
		recorder: recorder,
		logger:   slog.Default().With("component", "roles"),
	}
}

// WithClock overrides the time source (for deterministic tests).
func (r *Registry) WithClock(clock func() time.Time) *Registry {
	r.clock = clock
	return r
}

// WithLogger replaces the default logger.
func (r *Registry) WithLogger(l *slog.Logger) *Registry {
	r.logger = l.With("component", "roles")
	return r
}

// Bootstrap installs the first administrator. It is only meaningful while
// no administrator exists.
func (r *Registry) Bootstrap(admin common.Address) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.holders[Admin]) > 0 {
		return fault.Newf(fault.ErrInvalidState, "admin already bootstrapped")
	}
	r.holders[Admin][admin] = struct{}{}
	return nil
}

// Commit stores hash for submitter, replacing any unrevealed commitment.
// Only administrators may commit.
func (r *Registry) Commit(ctx context.Context, submitter common.Address, hash common.Hash) (Commitment, error) {
	r.mu.Lock()
	if !r.has(Admin, submitter) {
		r.mu.Unlock()
		return Commitment{}, missingRole(submitter, Admin)
	}
	if hash == (common.Hash{}) {
		r.mu.Unlock()
		return Commitment{}, fault.Newf(fault.ErrInvalidArgument, "empty commitment")
	}
	now := r.clock()
	c := Commitment{
		Hash:           hash,
		CommittedAt:    now,
		NotBefore:      now.Add(r.cfg.MinRevealDelay),
		RevealDeadline: now.Add(r.cfg.RevealWindow),
	}
	r.commits[submitter] = c
	r.mu.Unlock()

	r.logger.InfoContext(ctx, "role commitment stored", "submitter", submitter.Hex(), "deadline", c.RevealDeadline)
	audit.Emit(ctx, r.recorder, r.logger, audit.NewEvent(audit.EventRoleCommitted, submitter.Hex(), "commit:"+submitter.Hex(), map[string]any{
		"hash":            hash.Hex(),
		"reveal_deadline": c.RevealDeadline,
	}))
	return c, nil
}

// Reveal opens submitter's commitment and grants role to account.
// An expired commitment stays stored but can never be revealed.
func (r *Registry) Reveal(ctx context.Context, submitter common.Address, role Role, account common.Address, secret [32]byte) error {
	if !role.Valid() {
		return fault.Newf(fault.ErrInvalidArgument, "unknown role %q", role)
	}

	r.mu.Lock()
	if !r.has(Admin, submitter) {
		r.mu.Unlock()
		return missingRole(submitter, Admin)
	}
	c, ok := r.commits[submitter]
	if !ok {
		r.mu.Unlock()
		return fault.Newf(fault.ErrCommitNotFound, "no commitment from %s", submitter.Hex())
	}
	now := r.clock()
	if now.After(c.RevealDeadline) {
		r.mu.Unlock()
		return fault.Newf(fault.ErrCommitExpired, "reveal deadline %s passed", c.RevealDeadline.Format(time.RFC3339))
	}
	if now.Before(c.NotBefore) {
		r.mu.Unlock()
		return fault.Newf(fault.ErrCommitTooEarly, "reveal allowed from %s", c.NotBefore.Format(time.RFC3339))
	}
	if CommitHash(role, account, secret) != c.Hash {
		r.mu.Unlock()
		return fault.Newf(fault.ErrCommitMismatch, "reveal does not match commitment")
	}

	var displaced []common.Address
	if role.Unique() {
		for holder := range r.holders[role] {
			if holder != account {
				displaced = append(displaced, holder)
				delete(r.holders[role], holder)
			}
		}
	}
	r.holders[role][account] = struct{}{}
	delete(r.commits, submitter)
	r.mu.Unlock()

	r.logger.InfoContext(ctx, "role granted", "role", role, "account", account.Hex(), "submitter", submitter.Hex())
	audit.Emit(ctx, r.recorder, r.logger, audit.NewEvent(audit.EventRoleRevealed, submitter.Hex(), "role:"+string(role), map[string]any{
		"account": account.Hex(),
	}))
	for _, prev := range displaced {
		audit.Emit(ctx, r.recorder, r.logger, audit.NewEvent(audit.EventRoleRevoked, submitter.Hex(), "role:"+string(role), map[string]any{
			"account": prev.Hex(),
			"reason":  "transferred",
		}))
	}
	return nil
}

// Revoke removes role from account immediately. Administrators only; the
// last administrator cannot be removed.
func (r *Registry) Revoke(ctx context.Context, caller common.Address, role Role, account common.Address) error {
	r.mu.Lock()
	if !r.has(Admin, caller) {
		r.mu.Unlock()
		return missingRole(caller, Admin)
	}
	if !r.has(role, account) {
		r.mu.Unlock()
		return fault.Newf(fault.ErrNotFound, "%s does not hold %s", account.Hex(), role)
	}
	if role == Admin {
		r.mu.Unlock()
		return fault.Newf(fault.ErrInvalidState, "admin role can only be transferred")
	}
	delete(r.holders[role], account)
	r.mu.Unlock()

	r.logger.InfoContext(ctx, "role revoked", "role", role, "account", account.Hex(), "caller", caller.Hex())
	audit.Emit(ctx, r.recorder, r.logger, audit.NewEvent(audit.EventRoleRevoked, caller.Hex(), "role:"+string(role), map[string]any{
		"account": account.Hex(),
	}))
	return nil
}

// HasRole reports whether account currently holds role.
func (r *Registry) HasRole(role Role, account common.Address) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.has(role, account)
}

// Require returns fault.ErrMissingRole unless account holds one of roles.
func (r *Registry) Require(account common.Address, roles ...Role) error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, role := range roles {
		if r.has(role, account) {
			return nil
		}
	}
	return missingRole(account, roles...)
}

// Holders lists the accounts holding role.
func (r *Registry) Holders(role Role) []common.Address {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return sortedAddresses(r.holders[role])
}

// RolesOf lists the roles account holds.
func (r *Registry) RolesOf(account common.Address) []Role {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []Role
	for _, role := range All {
		if r.has(role, account) {
			out = append(out, role)
		}
	}
	return out
}

// PendingCommit returns submitter's stored commitment, if any.
func (r *Registry) PendingCommit(submitter common.Address) (Commitment, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.commits[submitter]
	return c, ok
}

func (r *Registry) has(role Role, account common.Address) bool {
	_, ok := r.holders[role][account]
	return ok
}
