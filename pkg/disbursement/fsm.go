package disbursement

import (
	"context"
	"errors"

	"github.com/INFIxChatnify/reimbursement-contract-sub003/pkg/roles"
)

// Status is the lifecycle state of a request.
type Status string

const (
	Pending         Status = "PENDING"
	Tier1Approved   Status = "TIER1_APPROVED"
	Tier2Approved   Status = "TIER2_APPROVED"
	FinanceApproved Status = "FINANCE_APPROVED"
	FinalApproved   Status = "FINAL_APPROVED"
	Distributed     Status = "DISTRIBUTED"
	Cancelled       Status = "CANCELLED"
	EmergencyClosed Status = "EMERGENCY_CLOSED"
)

// Tier is one approval step: the role that may take it and the states it
// connects.
type Tier struct {
	Role roles.Role
	From Status
	To   Status
}

// Tiers is the fixed approval order.
var Tiers = []Tier{
	{Role: roles.Tier1Reviewer, From: Pending, To: Tier1Approved},
	{Role: roles.Tier2Reviewer, From: Tier1Approved, To: Tier2Approved},
	{Role: roles.Finance, From: Tier2Approved, To: FinanceApproved},
	{Role: roles.FinalAuthority, From: FinanceApproved, To: FinalApproved},
}

// TierFor returns the tier approved by role.
func TierFor(role roles.Role) (Tier, bool) {
	for _, t := range Tiers {
		if t.Role == role {
			return t, true
		}
	}
	return Tier{}, false
}

// CanTransition reports whether from -> to is a legal edge.
func CanTransition(from, to Status) bool {
	for _, t := range Tiers {
		if t.From == from && t.To == to {
			return true
		}
	}
	switch to {
	case Distributed:
		return from == FinalApproved
	case Cancelled, EmergencyClosed:
		return !IsTerminal(from)
	default:
		return false
	}
}

// IsTerminal reports whether no transition leaves status.
func IsTerminal(s Status) bool {
	switch s {
	case Distributed, Cancelled, EmergencyClosed:
		return true
	default:
		return false
	}
}

// twoPhase runs prepare/commit with rollback on commit failure.
type twoPhase struct {
	Prepare  func(ctx context.Context) error
	Commit   func(ctx context.Context) error
	Rollback func(ctx context.Context) error
}

func executeTwoPhase(ctx context.Context, t twoPhase) error {
	if t.Prepare != nil {
		if err := t.Prepare(ctx); err != nil {
			return err
		}
	}
	if t.Commit == nil {
		return errors.New("commit missing")
	}
	if err := t.Commit(ctx); err != nil {
		if t.Rollback != nil {
			if rbErr := t.Rollback(ctx); rbErr != nil {
				return errors.Join(err, rbErr)
			}
		}
		return err
	}
	return nil
}
