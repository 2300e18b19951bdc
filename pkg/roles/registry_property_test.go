//go:build property
// +build property

package roles_test

import (
	"context"
	"testing"
	"time"

	"github.com/INFIxChatnify/reimbursement-contract-sub003/pkg/roles"
	"github.com/ethereum/go-ethereum/common"
	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

// TestReveal_OnlyMatchingSecretGrants verifies that a reveal with any secret
// other than the committed one never grants the role.
func TestReveal_OnlyMatchingSecretGrants(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("mismatched secret never grants", prop.ForAll(
		func(committed, revealed []byte) bool {
			var sc, sr [32]byte
			copy(sc[:], committed)
			copy(sr[:], revealed)
			if sc == sr {
				return true
			}
			reg := roles.NewRegistry(roles.DefaultConfig(), nil)
			_ = reg.Bootstrap(admin)
			ctx := context.Background()
			if _, err := reg.Commit(ctx, admin, roles.CommitHash(roles.Finance, alice, sc)); err != nil {
				return false
			}
			err := reg.Reveal(ctx, admin, roles.Finance, alice, sr)
			return err != nil && !reg.HasRole(roles.Finance, alice)
		},
		gen.SliceOfN(32, gen.UInt8()),
		gen.SliceOfN(32, gen.UInt8()),
	))

	properties.Property("late reveal never grants", prop.ForAll(
		func(lateBy int64, s []byte) bool {
			var sec [32]byte
			copy(sec[:], s)
			now := time.Unix(1_700_000_000, 0)
			reg := roles.NewRegistry(roles.DefaultConfig(), nil).WithClock(func() time.Time { return now })
			_ = reg.Bootstrap(admin)
			ctx := context.Background()
			if _, err := reg.Commit(ctx, admin, roles.CommitHash(roles.Finance, common.HexToAddress("0x42"), sec)); err != nil {
				return false
			}
			now = now.Add(time.Hour + time.Duration(lateBy)*time.Second)
			err := reg.Reveal(ctx, admin, roles.Finance, common.HexToAddress("0x42"), sec)
			return err != nil && !reg.HasRole(roles.Finance, common.HexToAddress("0x42"))
		},
		gen.Int64Range(1, 1_000_000),
		gen.SliceOfN(32, gen.UInt8()),
	))

	properties.TestingRun(t)
}
