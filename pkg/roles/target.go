package roles

import (
	"context"
	"encoding/json"

	"github.com/INFIxChatnify/reimbursement-contract-sub003/pkg/fault"
	"github.com/INFIxChatnify/reimbursement-contract-sub003/pkg/relay/call"
	"github.com/ethereum/go-ethereum/common"
)

// RoleCall is the parameter object of the registry's relay methods. Hash is
// used by commit; Role, Account and Secret by reveal; Role and Account by
// revoke.
type RoleCall struct {
	Hash    common.Hash    `json:"hash,omitempty"`
	Role    Role           `json:"role,omitempty"`
	Account common.Address `json:"account,omitempty"`
	Secret  common.Hash    `json:"secret,omitempty"`
}

type target struct{ reg *Registry }

// Target exposes the registry to the relay.
func (r *Registry) Target() call.Target { return target{reg: r} }

func (t target) Dispatch(ctx context.Context, from common.Address, payload []byte) ([]byte, error) {
	c, err := call.Decode(payload)
	if err != nil {
		return nil, err
	}
	var p RoleCall
	if err := c.Decode(&p); err != nil {
		return nil, err
	}
	switch c.Method {
	case "commit":
		c, err := t.reg.Commit(ctx, from, p.Hash)
		if err != nil {
			return nil, err
		}
		return json.Marshal(c)
	case "reveal":
		if err := t.reg.Reveal(ctx, from, p.Role, p.Account, p.Secret); err != nil {
			return nil, err
		}
	case "revoke":
		if err := t.reg.Revoke(ctx, from, p.Role, p.Account); err != nil {
			return nil, err
		}
	default:
		return nil, fault.Newf(fault.ErrInvalidArgument, "unknown method %q", c.Method)
	}
	return json.Marshal(map[string]any{"role": p.Role, "account": p.Account})
}
