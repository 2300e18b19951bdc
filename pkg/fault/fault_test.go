package fault_test

import (
	"errors"
	"fmt"
	"testing"

	"github.com/INFIxChatnify/reimbursement-contract-sub003/pkg/fault"
	"github.com/stretchr/testify/assert"
)

func TestNewf_MatchesSentinel(t *testing.T) {
	err := fault.Newf(fault.ErrInsufficientBudget, "need %d, have %d", 10, 5)
	assert.True(t, errors.Is(err, fault.ErrInsufficientBudget))
	assert.False(t, errors.Is(err, fault.ErrInvalidState))
	assert.Contains(t, err.Error(), "need 10, have 5")
}

func TestWrapped_StillMatches(t *testing.T) {
	inner := fault.Newf(fault.ErrReplayedNonce, "nonce 3")
	outer := fmt.Errorf("relay: %w", inner)
	assert.ErrorIs(t, outer, fault.ErrReplayedNonce)
	assert.Equal(t, fault.KindState, fault.KindOf(outer))
	assert.Equal(t, fault.CodeReplayedNonce, fault.CodeOf(outer))
}

func TestKindOf_Unclassified(t *testing.T) {
	assert.Equal(t, fault.KindInternal, fault.KindOf(errors.New("boom")))
	assert.Equal(t, fault.CodeInternal, fault.CodeOf(errors.New("boom")))
}

func TestWrap_Unwraps(t *testing.T) {
	cause := errors.New("disk full")
	err := fault.Wrap(fault.ErrTransferFailed, cause, "transfer to 0x01")
	assert.ErrorIs(t, err, cause)
	assert.ErrorIs(t, err, fault.ErrTransferFailed)
}
