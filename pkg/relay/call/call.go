// Package call is the payload format shared by the relay and its targets.
package call

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/INFIxChatnify/reimbursement-contract-sub003/pkg/fault"
	"github.com/ethereum/go-ethereum/common"
)

// Call is the payload format every relay target understands.
type Call struct {
	Method string          `json:"method"`
	Params json.RawMessage `json:"params,omitempty"`
}

// Target executes a forwarded payload with from as the logical caller.
type Target interface {
	Dispatch(ctx context.Context, from common.Address, payload []byte) ([]byte, error)
}

// TargetFunc adapts a function to Target.
type TargetFunc func(ctx context.Context, from common.Address, payload []byte) ([]byte, error)

func (f TargetFunc) Dispatch(ctx context.Context, from common.Address, payload []byte) ([]byte, error) {
	return f(ctx, from, payload)
}

// Encode builds a payload invoking method with params.
func Encode(method string, params any) ([]byte, error) {
	c := Call{Method: method}
	if params != nil {
		raw, err := json.Marshal(params)
		if err != nil {
			return nil, fault.Wrap(fault.ErrInvalidArgument, err, "encode call params")
		}
		c.Params = raw
	}
	return json.Marshal(c)
}

// Decode parses a payload produced by Encode.
func Decode(payload []byte) (Call, error) {
	var c Call
	if err := json.Unmarshal(payload, &c); err != nil {
		return Call{}, fault.Wrap(fault.ErrInvalidArgument, err, "malformed call payload")
	}
	c.Method = strings.TrimSpace(c.Method)
	if c.Method == "" {
		return Call{}, fault.Newf(fault.ErrInvalidArgument, "call payload has no method")
	}
	return c, nil
}

// Decode unmarshals the call parameters into v.
func (c Call) Decode(v any) error {
	if len(c.Params) == 0 {
		return fault.Newf(fault.ErrInvalidArgument, "%s: missing params", c.Method)
	}
	if err := json.Unmarshal(c.Params, v); err != nil {
		return fault.Wrap(fault.ErrInvalidArgument, err, c.Method+": malformed params")
	}
	return nil
}
