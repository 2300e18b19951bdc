package disbursement

import (
	"context"
	"encoding/json"

	"github.com/INFIxChatnify/reimbursement-contract-sub003/pkg/fault"
	"github.com/INFIxChatnify/reimbursement-contract-sub003/pkg/finance"
	"github.com/INFIxChatnify/reimbursement-contract-sub003/pkg/relay/call"
	"github.com/INFIxChatnify/reimbursement-contract-sub003/pkg/roles"
	"github.com/ethereum/go-ethereum/common"
)

// Relay method names.
const (
	MethodCreate         = "create"
	MethodApprove        = "approve"
	MethodDistribute     = "distribute"
	MethodCancel         = "cancel"
	MethodEmergencyClose = "emergency_close"
)

// CreateCall is the parameter object of MethodCreate.
type CreateCall struct {
	Accounts     []common.Address `json:"accounts"`
	Amounts      []finance.Amount `json:"amounts"`
	VirtualPayer *common.Address  `json:"virtual_payer,omitempty"`
	Description  string           `json:"description"`
	DocumentHash string           `json:"document_hash"`
}

// RequestCall addresses one request.
type RequestCall struct {
	ID     uint64     `json:"id"`
	Role   roles.Role `json:"role,omitempty"`
	Reason string     `json:"reason,omitempty"`
}

type target struct{ svc *Service }

// Target exposes svc to the relay.
func (s *Service) Target() call.Target { return target{svc: s} }

func (t target) Dispatch(ctx context.Context, from common.Address, payload []byte) ([]byte, error) {
	c, err := call.Decode(payload)
	if err != nil {
		return nil, err
	}
	var req *Request
	switch c.Method {
	case MethodCreate:
		var p CreateCall
		if err := c.Decode(&p); err != nil {
			return nil, err
		}
		req, err = t.svc.Create(ctx, from, CreateParams{
			Accounts:     p.Accounts,
			Amounts:      p.Amounts,
			VirtualPayer: p.VirtualPayer,
			Description:  p.Description,
			DocumentHash: p.DocumentHash,
		})
	case MethodApprove, MethodDistribute, MethodCancel, MethodEmergencyClose:
		var p RequestCall
		if err := c.Decode(&p); err != nil {
			return nil, err
		}
		switch c.Method {
		case MethodApprove:
			req, err = t.svc.Approve(ctx, from, p.ID, p.Role)
		case MethodDistribute:
			req, err = t.svc.Distribute(ctx, from, p.ID)
		case MethodCancel:
			req, err = t.svc.Cancel(ctx, from, p.ID, p.Reason)
		default:
			req, _, err = t.svc.EmergencyClose(ctx, from, p.ID)
		}
	default:
		return nil, fault.Newf(fault.ErrInvalidArgument, "unknown method %q", c.Method)
	}
	if err != nil {
		return nil, err
	}
	return json.Marshal(req)
}
