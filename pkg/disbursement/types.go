// Package disbursement implements the reimbursement request lifecycle: a
// request locks budget on creation, advances through four approval tiers in
// strict order with distinct approvers, and either distributes its locked
// funds to the recipient list or returns them through cancellation or an
// emergency-close quorum.
package disbursement

import (
	"time"

	"github.com/INFIxChatnify/reimbursement-contract-sub003/pkg/finance"
	"github.com/INFIxChatnify/reimbursement-contract-sub003/pkg/roles"
	"github.com/ethereum/go-ethereum/common"
)

// Recipient is one entry of the distribution list.
type Recipient struct {
	Account common.Address `json:"account"`
	Amount  finance.Amount `json:"amount"`
}

// Approval records who approved a tier and when.
type Approval struct {
	Approver common.Address `json:"approver"`
	At       time.Time      `json:"at"`
}

// VoteClass separates committee votes from final-authority votes.
type VoteClass string

const (
	VoteCommittee      VoteClass = "COMMITTEE"
	VoteFinalAuthority VoteClass = "FINAL_AUTHORITY"
)

// EmergencyVote is one accumulated emergency-close approval.
type EmergencyVote struct {
	Voter common.Address `json:"voter"`
	Class VoteClass      `json:"class"`
	At    time.Time      `json:"at"`
}

// Request is a reimbursement request.
type Request struct {
	ID             uint64                  `json:"id"`
	Recipients     []Recipient             `json:"recipients"`
	TotalAmount    finance.Amount          `json:"total_amount"`
	VirtualPayer   *common.Address         `json:"virtual_payer,omitempty"`
	Description    string                  `json:"description"`
	DocumentHash   string                  `json:"document_hash"`
	Status         Status                  `json:"status"`
	CreatedBy      common.Address          `json:"created_by"`
	CreatedAt      time.Time               `json:"created_at"`
	UpdatedAt      time.Time               `json:"updated_at"`
	Approvals      map[roles.Role]Approval `json:"approvals"`
	EmergencyVotes []EmergencyVote         `json:"emergency_votes,omitempty"`
	CancelReason   string                  `json:"cancel_reason,omitempty"`
	ClosedAt       *time.Time              `json:"closed_at,omitempty"`
}

// Payees returns the recipient accounts in list order.
func (r *Request) Payees() []common.Address {
	out := make([]common.Address, len(r.Recipients))
	for i, rc := range r.Recipients {
		out[i] = rc.Account
	}
	return out
}

// Votes counts emergency votes by class.
func (r *Request) Votes() (committee, final int) {
	for _, v := range r.EmergencyVotes {
		if v.Class == VoteFinalAuthority {
			final++
		} else {
			committee++
		}
	}
	return committee, final
}

func (r *Request) clone() *Request {
	c := *r
	c.Recipients = append([]Recipient(nil), r.Recipients...)
	c.EmergencyVotes = append([]EmergencyVote(nil), r.EmergencyVotes...)
	c.Approvals = make(map[roles.Role]Approval, len(r.Approvals))
	for k, v := range r.Approvals {
		c.Approvals[k] = v
	}
	if r.VirtualPayer != nil {
		vp := *r.VirtualPayer
		c.VirtualPayer = &vp
	}
	if r.ClosedAt != nil {
		t := *r.ClosedAt
		c.ClosedAt = &t
	}
	return &c
}

// CreateParams describes a new request. Accounts and Amounts are parallel.
type CreateParams struct {
	Accounts     []common.Address `json:"accounts"`
	Amounts      []finance.Amount `json:"amounts"`
	VirtualPayer *common.Address  `json:"virtual_payer,omitempty"`
	Description  string           `json:"description"`
	DocumentHash string           `json:"document_hash"`
}

// Filter narrows List results.
type Filter struct {
	Status    Status
	CreatedBy *common.Address
	Limit     int
	Offset    int
}

func (f Filter) matches(r *Request) bool {
	if f.Status != "" && r.Status != f.Status {
		return false
	}
	if f.CreatedBy != nil && r.CreatedBy != *f.CreatedBy {
		return false
	}
	return true
}

// Quorum is the emergency-close threshold.
type Quorum struct {
	Committee      int `json:"committee" yaml:"committee"`
	FinalAuthority int `json:"final_authority" yaml:"final_authority"`
}

// Config tunes the service.
type Config struct {
	MaxRecipients      int
	AutoDistribute     bool
	ForbidSelfApproval bool
	Quorum             Quorum
}

// DefaultConfig returns 50 recipients, 3+1 quorum, explicit distribution and
// no self-approval.
func DefaultConfig() Config {
	return Config{
		MaxRecipients:      50,
		ForbidSelfApproval: true,
		Quorum:             Quorum{Committee: 3, FinalAuthority: 1},
	}
}
