package auth

import "github.com/ethereum/go-ethereum/common"

// Principal is the authenticated caller of a request.
type Principal interface {
	GetID() string
	// Account is the on-ledger identity the caller acts as.
	Account() common.Address
	GetInstanceID() string
}

// BasePrincipal is a simple implementation of Principal.
type BasePrincipal struct {
	ID         string
	Addr       common.Address
	InstanceID string
}

func (b *BasePrincipal) GetID() string {
	return b.ID
}

func (b *BasePrincipal) Account() common.Address {
	return b.Addr
}

func (b *BasePrincipal) GetInstanceID() string {
	return b.InstanceID
}
