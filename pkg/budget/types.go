// Package budget tracks an instance's allocation and the portions of it that
// are locked by open requests or already distributed. It enforces
// Locked + Distributed <= TotalBudget at every step and fails closed when the
// new state cannot be persisted.
package budget

import (
	"context"
	"time"

	"github.com/INFIxChatnify/reimbursement-contract-sub003/pkg/finance"
	"github.com/ethereum/go-ethereum/common"
)

// Balance is the accounting state of one instance.
type Balance struct {
	InstanceID  string         `json:"instance_id"`
	TotalBudget finance.Amount `json:"total_budget"`
	Locked      finance.Amount `json:"locked"`
	Distributed finance.Amount `json:"distributed"`
	UpdatedAt   time.Time      `json:"updated_at"`
}

// Available returns TotalBudget - Locked - Distributed.
func (b Balance) Available() (finance.Amount, error) {
	committed, err := b.Locked.Add(b.Distributed)
	if err != nil {
		return finance.Amount{}, err
	}
	return b.TotalBudget.Sub(committed)
}

// Payout is one transfer of a distribution.
type Payout struct {
	To     common.Address `json:"to"`
	Amount finance.Amount `json:"amount"`
}

// Lease authorizes a single Release of Amount. It is issued by
// BeginDistribution and spent by the Release that presents it.
type Lease struct {
	ID     uint64         `json:"id"`
	Amount finance.Amount `json:"amount"`
}

// Storage handles persistence of ledger balances.
type Storage interface {
	// Get returns nil, nil when the instance has no balance yet.
	Get(ctx context.Context, instanceID string) (*Balance, error)
	Set(ctx context.Context, b *Balance) error
}
