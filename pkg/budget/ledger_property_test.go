//go:build property
// +build property

package budget_test

import (
	"context"
	"testing"

	"github.com/INFIxChatnify/reimbursement-contract-sub003/pkg/budget"
	"github.com/INFIxChatnify/reimbursement-contract-sub003/pkg/finance"
	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

// TestLedgerInvariant checks Locked + Distributed <= TotalBudget after any
// sequence of lock, unlock and release operations, successful or not.
func TestLedgerInvariant(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("locked + distributed never exceeds total", prop.ForAll(
		func(ops []uint8, sizes []uint16) bool {
			l, _ := fundedLedger(t, 10_000)
			ctx := context.Background()
			for i, op := range ops {
				if i >= len(sizes) {
					break
				}
				n := finance.NewAmount(uint64(sizes[i]))
				switch op % 3 {
				case 0:
					_ = l.Lock(ctx, n)
				case 1:
					_ = l.Unlock(ctx, n)
				case 2:
					if lease, err := l.BeginDistribution(ctx, n); err == nil {
						_ = l.Release(ctx, lease, []budget.Payout{{To: r1, Amount: n}})
					}
				}
				b, err := l.Balance(ctx)
				if err != nil {
					return false
				}
				committed, err := b.Locked.Add(b.Distributed)
				if err != nil || committed.GreaterThan(b.TotalBudget) {
					return false
				}
			}
			return l.Reconcile(ctx) == nil
		},
		gen.SliceOf(gen.UInt8()),
		gen.SliceOf(gen.UInt16()),
	))

	properties.TestingRun(t)
}
