// Package roles is the capability table: role -> set of accounts, with
// privileged grants protected by a two-step commit-reveal protocol so that a
// pending grant cannot be observed and front-run.
package roles

import (
	"fmt"
	"sort"
	"strings"

	"github.com/INFIxChatnify/reimbursement-contract-sub003/pkg/fault"
	"github.com/ethereum/go-ethereum/common"
	"golang.org/x/crypto/sha3"
)

// Role names a capability.
type Role string

const (
	Originator     Role = "ORIGINATOR"
	Tier1Reviewer  Role = "TIER1_REVIEWER"
	Tier2Reviewer  Role = "TIER2_REVIEWER"
	Finance        Role = "FINANCE"
	FinalAuthority Role = "FINAL_AUTHORITY"
	Deputy         Role = "DEPUTY"
	Admin          Role = "ADMIN"
	Auditor        Role = "AUDITOR"
)

// All lists every known role in a stable order.
var All = []Role{Originator, Tier1Reviewer, Tier2Reviewer, Finance, FinalAuthority, Deputy, Admin, Auditor}

// Valid reports whether r is a known role.
func (r Role) Valid() bool {
	for _, known := range All {
		if r == known {
			return true
		}
	}
	return false
}

// Unique reports whether r may only have one holder at a time.
func (r Role) Unique() bool { return r == Admin }

// ParseRole accepts a role name in any case.
func ParseRole(s string) (Role, error) {
	r := Role(strings.ToUpper(strings.TrimSpace(s)))
	if !r.Valid() {
		return "", fault.Newf(fault.ErrInvalidArgument, "unknown role %q", s)
	}
	return r, nil
}

// CommitHash computes keccak256(role ‖ account ‖ secret), with the role name
// right-padded to 32 bytes. Clients compute the same value off-line.
func CommitHash(role Role, account common.Address, secret [32]byte) common.Hash {
	var roleWord [32]byte
	copy(roleWord[:], role)

	h := sha3.NewLegacyKeccak256()
	h.Write(roleWord[:])
	h.Write(account.Bytes())
	h.Write(secret[:])
	var out common.Hash
	h.Sum(out[:0])
	return out
}

func sortedAddresses(set map[common.Address]struct{}) []common.Address {
	out := make([]common.Address, 0, len(set))
	for a := range set {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Cmp(out[j]) < 0 })
	return out
}

func missingRole(account common.Address, required ...Role) error {
	return fault.Newf(fault.ErrMissingRole, "%s lacks role %v", account.Hex(), fmt.Sprint(required))
}
