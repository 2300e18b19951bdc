package auth

import (
	"context"

	"github.com/INFIxChatnify/reimbursement-contract-sub003/pkg/fault"
	"github.com/ethereum/go-ethereum/common"
)

type contextKey string

const (
	principalKey contextKey = "principal"
)

// WithPrincipal attaches a Principal to the context.
func WithPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, principalKey, p)
}

// GetPrincipal retrieves the Principal from the context.
func GetPrincipal(ctx context.Context) (Principal, error) {
	p, ok := ctx.Value(principalKey).(Principal)
	if !ok {
		return nil, fault.Newf(fault.ErrUnauthorized, "no principal in context")
	}
	return p, nil
}

// GetAccount is a helper to get the caller's account from the context.
func GetAccount(ctx context.Context) (common.Address, error) {
	p, err := GetPrincipal(ctx)
	if err != nil {
		return common.Address{}, err
	}
	return p.Account(), nil
}
