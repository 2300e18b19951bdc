package anchor

import (
	"context"
	"encoding/json"

	"github.com/INFIxChatnify/reimbursement-contract-sub003/pkg/fault"
	"github.com/INFIxChatnify/reimbursement-contract-sub003/pkg/relay/call"
	"github.com/ethereum/go-ethereum/common"
)

// MethodAnchorBatch is the relay method for AnchorBatch.
const MethodAnchorBatch = "anchor_batch"

// AnchorCall is the parameter object of MethodAnchorBatch.
type AnchorCall struct {
	Root       common.Hash `json:"root"`
	EntryCount uint64      `json:"entry_count"`
	BatchType  string      `json:"batch_type"`
}

// Target exposes the registry to the relay.
func (r *Registry) Target() call.Target {
	return call.TargetFunc(func(ctx context.Context, from common.Address, payload []byte) ([]byte, error) {
		c, err := call.Decode(payload)
		if err != nil {
			return nil, err
		}
		if c.Method != MethodAnchorBatch {
			return nil, fault.Newf(fault.ErrInvalidArgument, "unknown method %q", c.Method)
		}
		var p AnchorCall
		if err := c.Decode(&p); err != nil {
			return nil, err
		}
		b, err := r.AnchorBatch(ctx, from, p.Root, p.EntryCount, p.BatchType)
		if err != nil {
			return nil, err
		}
		return json.Marshal(b)
	})
}
