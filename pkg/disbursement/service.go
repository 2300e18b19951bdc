package disbursement

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/INFIxChatnify/reimbursement-contract-sub003/pkg/audit"
	"github.com/INFIxChatnify/reimbursement-contract-sub003/pkg/budget"
	"github.com/INFIxChatnify/reimbursement-contract-sub003/pkg/fault"
	"github.com/INFIxChatnify/reimbursement-contract-sub003/pkg/finance"
	"github.com/INFIxChatnify/reimbursement-contract-sub003/pkg/observability"
	"github.com/INFIxChatnify/reimbursement-contract-sub003/pkg/roles"
	"github.com/ethereum/go-ethereum/common"
	"golang.org/x/text/unicode/norm"
)

// RoleChecker answers capability queries.
type RoleChecker interface {
	HasRole(role roles.Role, account common.Address) bool
	Require(account common.Address, required ...roles.Role) error
}

// Ledger is the part of the budget ledger a request needs.
type Ledger interface {
	Lock(ctx context.Context, amount finance.Amount) error
	Unlock(ctx context.Context, amount finance.Amount) error
	BeginDistribution(ctx context.Context, amount finance.Amount) (budget.Lease, error)
	Release(ctx context.Context, lease budget.Lease, payouts []budget.Payout) error
}

var (
	committeeRoles   = []roles.Role{roles.Tier1Reviewer, roles.Tier2Reviewer, roles.Finance, roles.Deputy}
	distributorRoles = []roles.Role{roles.FinalAuthority, roles.Finance, roles.Admin}
)

// Service runs the request state machine. Every public operation is
// serialized and either applies completely or leaves no trace.
type Service struct {
	mu       sync.Mutex
	cfg      Config
	roles    RoleChecker
	ledger   Ledger
	repo     Repository
	clock    func() time.Time
	recorder audit.Recorder
	obs      *observability.Provider
	logger   *slog.Logger
}

// NewService wires the state machine.
func NewService(cfg Config, rc RoleChecker, ledger Ledger, repo Repository, recorder audit.Recorder) *Service {
	if cfg.MaxRecipients <= 0 {
		cfg.MaxRecipients = DefaultConfig().MaxRecipients
	}
	if cfg.Quorum.Committee <= 0 && cfg.Quorum.FinalAuthority <= 0 {
		cfg.Quorum = DefaultConfig().Quorum
	}
	if recorder == nil {
		recorder = audit.Discard
	}
	return &Service{
		cfg:      cfg,
		roles:    rc,
		ledger:   ledger,
		repo:     repo,
		clock:    time.Now,
		recorder: recorder,
		logger:   slog.Default().With("component", "disbursement"),
	}
}

// WithClock overrides the time source (for deterministic tests).
func (s *Service) WithClock(clock func() time.Time) *Service {
	s.clock = clock
	return s
}

// WithLogger replaces the default logger.
func (s *Service) WithLogger(l *slog.Logger) *Service {
	s.logger = l.With("component", "disbursement")
	return s
}

// WithObservability attaches metrics and tracing.
func (s *Service) WithObservability(p *observability.Provider) *Service {
	s.obs = p
	return s
}

// Config returns the active configuration.
func (s *Service) Config() Config { return s.cfg }

func (s *Service) validate(p CreateParams) ([]Recipient, finance.Amount, string, error) {
	if len(p.Accounts) != len(p.Amounts) {
		return nil, finance.Amount{}, "", fault.Newf(fault.ErrLengthMismatch, "%d accounts, %d amounts", len(p.Accounts), len(p.Amounts))
	}
	if len(p.Accounts) == 0 {
		return nil, finance.Amount{}, "", fault.Newf(fault.ErrEmptyRecipients, "at least one recipient is required")
	}
	if len(p.Accounts) > s.cfg.MaxRecipients {
		return nil, finance.Amount{}, "", fault.Newf(fault.ErrTooManyRecipients, "%d recipients exceed limit %d", len(p.Accounts), s.cfg.MaxRecipients)
	}
	description := norm.NFC.String(strings.TrimSpace(p.Description))
	if description == "" || strings.TrimSpace(p.DocumentHash) == "" {
		return nil, finance.Amount{}, "", fault.Newf(fault.ErrEmptyMetadata, "description and document hash are required")
	}
	recipients := make([]Recipient, len(p.Accounts))
	for i, acct := range p.Accounts {
		if acct == (common.Address{}) {
			return nil, finance.Amount{}, "", fault.Newf(fault.ErrInvalidArgument, "recipient %d is the zero address", i)
		}
		if p.Amounts[i].IsZero() {
			return nil, finance.Amount{}, "", fault.Newf(fault.ErrZeroAmount, "recipient %d has a zero amount", i)
		}
		recipients[i] = Recipient{Account: acct, Amount: p.Amounts[i]}
	}
	total, err := finance.Sum(p.Amounts...)
	if err != nil {
		return nil, finance.Amount{}, "", err
	}
	return recipients, total, description, nil
}

// Create validates p, locks the total against the budget and stores a new
// Pending request. caller must hold Originator.
func (s *Service) Create(ctx context.Context, caller common.Address, p CreateParams) (req *Request, err error) {
	ctx, done := s.obs.TrackOperation(ctx, "disbursement.create")
	defer func() { done(err) }()

	if err := s.roles.Require(caller, roles.Originator); err != nil {
		return nil, err
	}
	recipients, total, description, err := s.validate(p)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	id, err := s.repo.NextID(ctx)
	if err != nil {
		return nil, fault.Internal(err, "reserve request id")
	}
	now := s.clock().UTC()
	req = &Request{
		ID:           id,
		Recipients:   recipients,
		TotalAmount:  total,
		VirtualPayer: p.VirtualPayer,
		Description:  description,
		DocumentHash: strings.TrimSpace(p.DocumentHash),
		Status:       Pending,
		CreatedBy:    caller,
		CreatedAt:    now,
		UpdatedAt:    now,
		Approvals:    make(map[roles.Role]Approval),
	}

	err = executeTwoPhase(ctx, twoPhase{
		Prepare: func(ctx context.Context) error { return s.ledger.Lock(ctx, total) },
		Commit: func(ctx context.Context) error {
			if err := s.repo.Insert(ctx, req); err != nil {
				return fault.Internal(err, "store request")
			}
			return nil
		},
		Rollback: func(ctx context.Context) error { return s.ledger.Unlock(ctx, total) },
	})
	if err != nil {
		return nil, err
	}

	s.logger.InfoContext(ctx, "request created", "request_id", id, "total", total.String(), "recipients", len(recipients), "originator", caller.Hex())
	s.obs.RecordRequestCreated(ctx, total, len(recipients))
	fields := map[string]any{
		"total":         total.String(),
		"recipients":    len(recipients),
		"document_hash": req.DocumentHash,
	}
	if p.VirtualPayer != nil {
		fields["virtual_payer"] = p.VirtualPayer.Hex()
	}
	s.emit(ctx, audit.EventRequestCreated, caller, id, fields)
	return req.clone(), nil
}

// Approve advances request id by the tier that role approves. caller must
// hold role, the request must sit exactly at that tier's source state, and
// caller must not have approved an earlier tier of the same request.
func (s *Service) Approve(ctx context.Context, caller common.Address, id uint64, role roles.Role) (req *Request, err error) {
	ctx, done := s.obs.TrackOperation(ctx, "disbursement.approve")
	defer func() { done(err) }()

	tier, ok := TierFor(role)
	if !ok {
		return nil, fault.Newf(fault.ErrInvalidArgument, "%s does not approve any tier", role)
	}
	if err := s.roles.Require(caller, role); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	prev, err := s.repo.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if IsTerminal(prev.Status) {
		return nil, fault.Newf(fault.ErrInvalidStateTransition, "request %d is %s", id, prev.Status)
	}
	if _, approved := prev.Approvals[role]; approved {
		return nil, fault.Newf(fault.ErrAlreadyApproved, "request %d already approved by %s", id, role)
	}
	if prev.Status != tier.From {
		return nil, fault.Newf(fault.ErrInvalidStateTransition, "request %d is %s, %s requires %s", id, prev.Status, role, tier.From)
	}
	if s.cfg.ForbidSelfApproval && caller == prev.CreatedBy {
		return nil, fault.Newf(fault.ErrCollusion, "originator cannot approve own request %d", id)
	}
	for earlier, a := range prev.Approvals {
		if a.Approver == caller {
			return nil, fault.Newf(fault.ErrCollusion, "%s already approved request %d as %s", caller.Hex(), id, earlier)
		}
	}

	now := s.clock().UTC()
	req = prev.clone()
	req.Approvals[role] = Approval{Approver: caller, At: now}
	req.Status = tier.To
	req.UpdatedAt = now

	if s.cfg.AutoDistribute && req.Status == FinalApproved {
		if err := s.applyDistribution(ctx, caller, req); err != nil {
			return nil, err
		}
		s.afterApprove(ctx, caller, prev, tier)
		s.afterDistribute(ctx, caller, req)
		return req.clone(), nil
	}

	if err := s.repo.Update(ctx, req); err != nil {
		return nil, fault.Internal(err, "store approval")
	}
	s.afterApprove(ctx, caller, prev, tier)
	return req.clone(), nil
}

func (s *Service) afterApprove(ctx context.Context, caller common.Address, prev *Request, tier Tier) {
	s.logger.InfoContext(ctx, "request approved", "request_id", prev.ID, "role", tier.Role, "approver", caller.Hex(), "status", tier.To)
	s.obs.RecordTransition(ctx, string(prev.Status), string(tier.To))
	s.emit(ctx, audit.EventTierApproved, caller, prev.ID, map[string]any{
		"role":   string(tier.Role),
		"from":   string(tier.From),
		"status": string(tier.To),
	})
}

// Distribute pays every recipient of a FinalApproved request from its locked
// funds. caller must hold FinalAuthority, Finance or Admin. On any transfer
// failure nothing is paid and the request stays FinalApproved.
func (s *Service) Distribute(ctx context.Context, caller common.Address, id uint64) (req *Request, err error) {
	ctx, done := s.obs.TrackOperation(ctx, "disbursement.distribute")
	defer func() { done(err) }()

	if err := s.roles.Require(caller, distributorRoles...); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	prev, err := s.repo.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if prev.Status != FinalApproved {
		return nil, fault.Newf(fault.ErrInvalidStateTransition, "request %d is %s, distribution requires %s", id, prev.Status, FinalApproved)
	}
	req = prev.clone()
	req.UpdatedAt = s.clock().UTC()
	if err := s.applyDistribution(ctx, caller, req); err != nil {
		return nil, err
	}
	s.afterDistribute(ctx, caller, req)
	return req.clone(), nil
}

// applyDistribution marks req Distributed, then releases the funds; the
// status is restored when the release fails. req must already carry every
// other change of the operation.
func (s *Service) applyDistribution(ctx context.Context, caller common.Address, req *Request) error {
	before, err := s.repo.Get(ctx, req.ID)
	if err != nil {
		return err
	}
	req.Status = Distributed
	closed := req.UpdatedAt
	req.ClosedAt = &closed

	payouts := make([]budget.Payout, len(req.Recipients))
	for i, r := range req.Recipients {
		payouts[i] = budget.Payout{To: r.Account, Amount: r.Amount}
	}

	return executeTwoPhase(ctx, twoPhase{
		Prepare: func(ctx context.Context) error {
			if err := s.repo.Update(ctx, req); err != nil {
				return fault.Internal(err, "store distribution")
			}
			return nil
		},
		Commit: func(ctx context.Context) error {
			lease, err := s.ledger.BeginDistribution(ctx, req.TotalAmount)
			if err == nil {
				err = s.ledger.Release(ctx, lease, payouts)
			}
			if err != nil {
				s.logger.WarnContext(ctx, "distribution failed", "request_id", req.ID, "caller", caller.Hex(), "error", err)
				return err
			}
			return nil
		},
		Rollback: func(ctx context.Context) error { return s.repo.Update(ctx, before) },
	})
}

func (s *Service) afterDistribute(ctx context.Context, caller common.Address, req *Request) {
	s.logger.InfoContext(ctx, "request distributed", "request_id", req.ID, "total", req.TotalAmount.String())
	s.obs.RecordTransition(ctx, string(FinalApproved), string(Distributed))
	s.obs.RecordDistributed(ctx, req.TotalAmount)
	recipients := make([]map[string]string, len(req.Recipients))
	for i, r := range req.Recipients {
		recipients[i] = map[string]string{"account": r.Account.Hex(), "amount": r.Amount.String()}
	}
	s.emit(ctx, audit.EventRequestDistributed, caller, req.ID, map[string]any{
		"total":      req.TotalAmount.String(),
		"recipients": recipients,
	})
}

// Cancel closes a non-terminal request and unlocks its full amount. Only
// the originator who created it, an Admin or a Deputy may cancel.
func (s *Service) Cancel(ctx context.Context, caller common.Address, id uint64, reason string) (req *Request, err error) {
	ctx, done := s.obs.TrackOperation(ctx, "disbursement.cancel")
	defer func() { done(err) }()

	s.mu.Lock()
	defer s.mu.Unlock()

	prev, err := s.repo.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	isOwner := caller == prev.CreatedBy && s.roles.HasRole(roles.Originator, caller)
	if !isOwner {
		if err := s.roles.Require(caller, roles.Admin, roles.Deputy); err != nil {
			return nil, err
		}
	}
	if IsTerminal(prev.Status) {
		return nil, fault.Newf(fault.ErrInvalidStateTransition, "request %d is %s", id, prev.Status)
	}

	now := s.clock().UTC()
	req = prev.clone()
	req.Status = Cancelled
	req.CancelReason = strings.TrimSpace(reason)
	req.UpdatedAt = now
	req.ClosedAt = &now

	if err := s.closeAndUnlock(ctx, prev, req); err != nil {
		return nil, err
	}

	s.logger.InfoContext(ctx, "request cancelled", "request_id", id, "caller", caller.Hex(), "from", prev.Status)
	s.obs.RecordTransition(ctx, string(prev.Status), string(Cancelled))
	s.emit(ctx, audit.EventRequestCancelled, caller, id, map[string]any{
		"from":     string(prev.Status),
		"unlocked": prev.TotalAmount.String(),
		"reason":   req.CancelReason,
	})
	return req.clone(), nil
}

// EmergencyClose records caller's vote to close request id. Once the
// configured committee and final-authority quorum is reached, the request
// closes and its locked funds return to the available pool. The returned
// bool reports whether this vote closed the request.
func (s *Service) EmergencyClose(ctx context.Context, caller common.Address, id uint64) (req *Request, closed bool, err error) {
	ctx, done := s.obs.TrackOperation(ctx, "disbursement.emergency_close")
	defer func() { done(err) }()

	class := VoteCommittee
	switch {
	case s.roles.HasRole(roles.FinalAuthority, caller):
		class = VoteFinalAuthority
	default:
		if err := s.roles.Require(caller, committeeRoles...); err != nil {
			return nil, false, err
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	prev, err := s.repo.Get(ctx, id)
	if err != nil {
		return nil, false, err
	}
	if IsTerminal(prev.Status) {
		return nil, false, fault.Newf(fault.ErrInvalidStateTransition, "request %d is %s", id, prev.Status)
	}
	for _, v := range prev.EmergencyVotes {
		if v.Voter == caller {
			return nil, false, fault.Newf(fault.ErrAlreadyApproved, "%s already voted to close request %d", caller.Hex(), id)
		}
	}

	now := s.clock().UTC()
	req = prev.clone()
	req.EmergencyVotes = append(req.EmergencyVotes, EmergencyVote{Voter: caller, Class: class, At: now})
	req.UpdatedAt = now
	committee, final := req.Votes()
	closed = committee >= s.cfg.Quorum.Committee && final >= s.cfg.Quorum.FinalAuthority

	if closed {
		req.Status = EmergencyClosed
		req.ClosedAt = &now
		if err := s.closeAndUnlock(ctx, prev, req); err != nil {
			return nil, false, err
		}
	} else if err := s.repo.Update(ctx, req); err != nil {
		return nil, false, fault.Internal(err, "store emergency vote")
	}

	s.emit(ctx, audit.EventEmergencyVote, caller, id, map[string]any{
		"class":     string(class),
		"committee": committee,
		"final":     final,
	})
	if closed {
		s.logger.WarnContext(ctx, "request emergency-closed", "request_id", id, "from", prev.Status, "committee_votes", committee, "final_votes", final)
		s.obs.RecordTransition(ctx, string(prev.Status), string(EmergencyClosed))
		s.emit(ctx, audit.EventRequestEmergencyClose, caller, id, map[string]any{
			"from":     string(prev.Status),
			"unlocked": prev.TotalAmount.String(),
		})
	}
	return req.clone(), closed, nil
}

// closeAndUnlock stores the closed request, then unlocks its amount,
// restoring prev when the unlock fails.
func (s *Service) closeAndUnlock(ctx context.Context, prev, next *Request) error {
	return executeTwoPhase(ctx, twoPhase{
		Prepare: func(ctx context.Context) error {
			if err := s.repo.Update(ctx, next); err != nil {
				return fault.Internal(err, "store closed request")
			}
			return nil
		},
		Commit:   func(ctx context.Context) error { return s.ledger.Unlock(ctx, prev.TotalAmount) },
		Rollback: func(ctx context.Context) error { return s.repo.Update(ctx, prev) },
	})
}

// Get returns request id.
func (s *Service) Get(ctx context.Context, id uint64) (*Request, error) {
	return s.repo.Get(ctx, id)
}

// ApprovalStatus returns the lifecycle state of request id.
func (s *Service) ApprovalStatus(ctx context.Context, id uint64) (Status, error) {
	r, err := s.repo.Get(ctx, id)
	if err != nil {
		return "", err
	}
	return r.Status, nil
}

// List returns requests matching f in identifier order.
func (s *Service) List(ctx context.Context, f Filter) ([]*Request, error) {
	return s.repo.List(ctx, f)
}

func (s *Service) emit(ctx context.Context, t audit.EventType, actor common.Address, id uint64, fields map[string]any) {
	audit.Emit(ctx, s.recorder, s.logger, audit.NewEvent(t, actor.Hex(), fmt.Sprintf("request:%d", id), fields))
}
