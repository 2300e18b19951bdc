package roles_test

import (
	"context"
	"testing"

	"github.com/INFIxChatnify/reimbursement-contract-sub003/pkg/audit"
	"github.com/INFIxChatnify/reimbursement-contract-sub003/pkg/fault"
	"github.com/INFIxChatnify/reimbursement-contract-sub003/pkg/roles"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// A registry rebuilt from the journal matches the one that wrote it.
func TestReplay_FromJournal(t *testing.T) {
	ctx := context.Background()
	reg, clock, j := newRegistry(t, roles.DefaultConfig())

	_, err := reg.Commit(ctx, admin, roles.CommitHash(roles.Finance, alice, secret(1)))
	require.NoError(t, err)
	require.NoError(t, reg.Reveal(ctx, admin, roles.Finance, alice, secret(1)))
	_, err = reg.Commit(ctx, admin, roles.CommitHash(roles.Deputy, bob, secret(2)))
	require.NoError(t, err)
	require.NoError(t, reg.Reveal(ctx, admin, roles.Deputy, bob, secret(2)))
	require.NoError(t, reg.Revoke(ctx, admin, roles.Deputy, bob))
	_, err = reg.Commit(ctx, admin, roles.CommitHash(roles.Admin, bob, secret(3)))
	require.NoError(t, err)

	events, err := audit.EventsFromJournal(j, audit.EventRoleCommitted, audit.EventRoleRevealed, audit.EventRoleRevoked)
	require.NoError(t, err)

	rebuilt := roles.NewRegistry(roles.DefaultConfig(), nil).WithClock(clock.Now)
	require.NoError(t, rebuilt.Replay(events))
	require.NoError(t, rebuilt.Bootstrap(admin))

	assert.True(t, rebuilt.HasRole(roles.Finance, alice))
	assert.False(t, rebuilt.HasRole(roles.Deputy, bob))

	// The pending admin transfer survives and can still be revealed.
	pending, ok := rebuilt.PendingCommit(admin)
	require.True(t, ok)
	assert.Equal(t, roles.CommitHash(roles.Admin, bob, secret(3)), pending.Hash)
	require.NoError(t, rebuilt.Reveal(ctx, admin, roles.Admin, bob, secret(3)))
	assert.True(t, rebuilt.HasRole(roles.Admin, bob))
}

func TestReplay_TransferredAdmin(t *testing.T) {
	ctx := context.Background()
	reg, _, j := newRegistry(t, roles.DefaultConfig())
	_, err := reg.Commit(ctx, admin, roles.CommitHash(roles.Admin, alice, secret(7)))
	require.NoError(t, err)
	require.NoError(t, reg.Reveal(ctx, admin, roles.Admin, alice, secret(7)))

	events, err := audit.EventsFromJournal(j, audit.EventRoleRevealed, audit.EventRoleRevoked)
	require.NoError(t, err)
	rebuilt := roles.NewRegistry(roles.DefaultConfig(), nil)
	require.NoError(t, rebuilt.Replay(events))

	assert.ErrorIs(t, rebuilt.Bootstrap(admin), fault.ErrInvalidState)
	assert.True(t, rebuilt.HasRole(roles.Admin, alice))
	assert.False(t, rebuilt.HasRole(roles.Admin, admin))
}

func TestReplay_RejectsMalformed(t *testing.T) {
	rebuilt := roles.NewRegistry(roles.DefaultConfig(), nil)
	err := rebuilt.Replay([]audit.Event{{ID: "e1", Type: audit.EventRoleRevealed, Subject: "role:JANITOR"}})
	assert.Error(t, err)
}
