package roles

import (
	"fmt"
	"strings"
	"time"

	"github.com/INFIxChatnify/reimbursement-contract-sub003/pkg/audit"
	"github.com/ethereum/go-ethereum/common"
)

// Replay rebuilds holders and pending commitments from previously recorded
// role events, in order. Events of other types are ignored.
func (r *Registry) Replay(events []audit.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, evt := range events {
		switch evt.Type {
		case audit.EventRoleCommitted:
			submitter := common.HexToAddress(evt.Actor)
			hash, _ := evt.Fields["hash"].(string)
			deadline, err := fieldTime(evt, "reveal_deadline")
			if err != nil {
				return err
			}
			r.commits[submitter] = Commitment{
				Hash:           common.HexToHash(hash),
				CommittedAt:    evt.Timestamp,
				NotBefore:      evt.Timestamp.Add(r.cfg.MinRevealDelay),
				RevealDeadline: deadline,
			}
		case audit.EventRoleRevealed, audit.EventRoleRevoked:
			role, account, err := roleAndAccount(evt)
			if err != nil {
				return err
			}
			if evt.Type == audit.EventRoleRevoked {
				delete(r.holders[role], account)
				continue
			}
			r.holders[role][account] = struct{}{}
			delete(r.commits, common.HexToAddress(evt.Actor))
		}
	}
	return nil
}

func roleAndAccount(evt audit.Event) (Role, common.Address, error) {
	role := Role(strings.TrimPrefix(evt.Subject, "role:"))
	if !role.Valid() {
		return "", common.Address{}, fmt.Errorf("roles: event %s has unknown role %q", evt.ID, evt.Subject)
	}
	account, _ := evt.Fields["account"].(string)
	if !common.IsHexAddress(account) {
		return "", common.Address{}, fmt.Errorf("roles: event %s has no account", evt.ID)
	}
	return role, common.HexToAddress(account), nil
}

func fieldTime(evt audit.Event, key string) (time.Time, error) {
	switch v := evt.Fields[key].(type) {
	case time.Time:
		return v, nil
	case string:
		t, err := time.Parse(time.RFC3339Nano, v)
		if err != nil {
			return time.Time{}, fmt.Errorf("roles: event %s %s: %w", evt.ID, key, err)
		}
		return t, nil
	default:
		return time.Time{}, fmt.Errorf("roles: event %s missing %s", evt.ID, key)
	}
}
