package relay_test

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"testing"
	"time"

	"github.com/INFIxChatnify/reimbursement-contract-sub003/pkg/asset"
	"github.com/INFIxChatnify/reimbursement-contract-sub003/pkg/fault"
	"github.com/INFIxChatnify/reimbursement-contract-sub003/pkg/finance"
	"github.com/INFIxChatnify/reimbursement-contract-sub003/pkg/gastank"
	"github.com/INFIxChatnify/reimbursement-contract-sub003/pkg/relay"
	"github.com/INFIxChatnify/reimbursement-contract-sub003/pkg/relay/call"
	"github.com/INFIxChatnify/reimbursement-contract-sub003/pkg/roles"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	admin     = common.HexToAddress("0xAD")
	relayerID = common.HexToAddress("0x2E")
	tankAcc   = common.HexToAddress("0x7A")
	targetID  = common.HexToAddress("0x1000")
	otherID   = common.HexToAddress("0x2000")
	domain    = relay.Domain{Name: "ReimbursementForwarder", Version: "1", ChainID: 31337, VerifyingContract: common.HexToAddress("0xF0")}
	now       = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
)

type harness struct {
	fwd    *relay.Forwarder
	tank   *gastank.Tank
	native *asset.MemoryToken
	nonces *relay.MemoryNonceStore
	calls  []common.Address
}

func newHarness(t *testing.T, reserve uint64, limit relay.Limit) *harness {
	t.Helper()
	ctx := context.Background()
	reg := roles.NewRegistry(roles.DefaultConfig(), nil)
	require.NoError(t, reg.Bootstrap(admin))

	native := asset.NewMemoryToken("ETH", 18)
	require.NoError(t, native.Mint(admin, finance.NewAmount(1_000_000_000)))
	tank := gastank.New(tankAcc, native.Bind(tankAcc), reg, finance.Zero(), nil)
	if reserve > 0 {
		native.Approve(admin, tankAcc, finance.NewAmount(reserve))
		require.NoError(t, tank.Fund(ctx, admin, finance.NewAmount(reserve)))
	}

	h := &harness{tank: tank, native: native, nonces: relay.NewMemoryNonceStore()}
	limiter := relay.NewMemoryLimiter().WithClock(func() time.Time { return now })
	h.fwd = relay.NewForwarder(relay.Config{Domain: domain, RateLimit: limit}, reg, h.nonces, limiter, tank, nil).
		WithClock(func() time.Time { return now })
	h.fwd.Register(targetID, "echo", call.TargetFunc(func(_ context.Context, from common.Address, payload []byte) ([]byte, error) {
		c, err := call.Decode(payload)
		if err != nil {
			return nil, err
		}
		h.calls = append(h.calls, from)
		if c.Method == "fail" {
			return nil, fault.Newf(fault.ErrInvalidStateTransition, "refused")
		}
		return []byte(`{"ok":true}`), nil
	}))
	require.NoError(t, h.fwd.AddTarget(ctx, admin, targetID))
	return h
}

func envelope(t *testing.T, key *ecdsa.PrivateKey, target common.Address, method string, nonce uint64) relay.Envelope {
	t.Helper()
	payload, err := call.Encode(method, map[string]any{"id": 1})
	require.NoError(t, err)
	env := relay.Envelope{
		From:     crypto.PubkeyToAddress(key.PublicKey),
		Target:   target,
		Payload:  payload,
		Nonce:    nonce,
		Deadline: uint64(now.Add(time.Hour).Unix()),
	}
	sig, err := relay.Sign(domain, env, key)
	require.NoError(t, err)
	env.Signature = sig
	return env
}

func resign(t *testing.T, env relay.Envelope, key *ecdsa.PrivateKey) relay.Envelope {
	t.Helper()
	env.Signature = nil
	sig, err := relay.Sign(domain, env, key)
	require.NoError(t, err)
	env.Signature = sig
	return env
}

func TestSignRecover(t *testing.T) {
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	env := envelope(t, key, targetID, "ping", 0)

	signer, err := relay.Recover(domain, env)
	require.NoError(t, err)
	assert.Equal(t, env.From, signer)

	tampered := env
	tampered.Payload = append([]byte(nil), env.Payload...)
	tampered.Payload[0] ^= 0xff
	signer, err = relay.Recover(domain, tampered)
	if err == nil {
		assert.NotEqual(t, env.From, signer)
	}

	other := domain
	other.ChainID = 1
	signer, err = relay.Recover(other, env)
	if err == nil {
		assert.NotEqual(t, env.From, signer, "signature must not carry across chains")
	}

	short := env
	short.Signature = env.Signature[:64]
	_, err = relay.Recover(domain, short)
	assert.ErrorIs(t, err, fault.ErrInvalidSignature)
}

func TestExecute_ForwardsAsSigner(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, 1_000_000_000, relay.Limit{})
	key, _ := crypto.GenerateKey()
	env := envelope(t, key, targetID, "ping", 0)

	res, err := h.fwd.Execute(ctx, relayerID, finance.NewAmount(10), env)
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.JSONEq(t, `{"ok":true}`, string(res.ReturnData))
	require.Len(t, h.calls, 1)
	assert.Equal(t, env.From, h.calls[0], "target sees the signer, not the relayer")

	next, err := h.fwd.Nonce(ctx, env.From)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), next)

	assert.Greater(t, res.GasUsed, uint64(21000))
	fee, err := finance.NewAmount(10).MulUint64(res.GasUsed)
	require.NoError(t, err)
	assert.Equal(t, fee, res.Fee)
	assert.Equal(t, fee, res.Reimbursed)
	assert.Equal(t, fee, h.native.Balance(relayerID))
	assert.False(t, res.Shortfall)
}

func TestExecute_ReplayedNonce(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, 1_000_000_000, relay.Limit{})
	key, _ := crypto.GenerateKey()
	from := crypto.PubkeyToAddress(key.PublicKey)
	for n := uint64(0); n < 5; n++ {
		require.NoError(t, h.nonces.Consume(ctx, from, n))
	}

	env := envelope(t, key, targetID, "ping", 5)
	_, err := h.fwd.Execute(ctx, relayerID, finance.NewAmount(1), env)
	require.NoError(t, err)
	next, _ := h.fwd.Nonce(ctx, from)
	assert.Equal(t, uint64(6), next)

	_, err = h.fwd.Execute(ctx, relayerID, finance.NewAmount(1), env)
	assert.ErrorIs(t, err, fault.ErrReplayedNonce)

	ahead := envelope(t, key, targetID, "ping", 8)
	_, err = h.fwd.Execute(ctx, relayerID, finance.NewAmount(1), ahead)
	assert.ErrorIs(t, err, fault.ErrReplayedNonce, "gaps are not allowed")
	assert.Len(t, h.calls, 1)
}

func TestExecute_InvalidSignature(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, 1_000_000_000, relay.Limit{})
	key, _ := crypto.GenerateKey()
	impostor, _ := crypto.GenerateKey()

	env := envelope(t, key, targetID, "ping", 0)
	forged := resign(t, env, impostor)
	forged.From = env.From

	_, err := h.fwd.Execute(ctx, relayerID, finance.NewAmount(1), forged)
	assert.ErrorIs(t, err, fault.ErrInvalidSignature)
	next, _ := h.fwd.Nonce(ctx, env.From)
	assert.Zero(t, next)
	assert.Empty(t, h.calls)
}

func TestExecute_Expired(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, 1_000_000_000, relay.Limit{})
	key, _ := crypto.GenerateKey()

	env := envelope(t, key, targetID, "ping", 3)
	env.Deadline = uint64(now.Add(-time.Second).Unix())
	env = resign(t, env, key)

	_, err := h.fwd.Execute(ctx, relayerID, finance.NewAmount(1), env)
	assert.ErrorIs(t, err, fault.ErrExpired, "expiry is checked before the nonce")

	env.Deadline = uint64(now.Unix())
	env = resign(t, env, key)
	_, err = h.fwd.Execute(ctx, relayerID, finance.NewAmount(1), env)
	assert.ErrorIs(t, err, fault.ErrReplayedNonce, "deadline equal to now is still valid")
}

func TestExecute_RateLimited(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, 1_000_000_000, relay.Limit{Calls: 2, Window: time.Minute})
	key, _ := crypto.GenerateKey()

	for n := uint64(0); n < 2; n++ {
		_, err := h.fwd.Execute(ctx, relayerID, finance.NewAmount(1), envelope(t, key, targetID, "ping", n))
		require.NoError(t, err)
	}
	_, err := h.fwd.Execute(ctx, relayerID, finance.NewAmount(1), envelope(t, key, targetID, "ping", 2))
	assert.ErrorIs(t, err, fault.ErrRateLimited)
	next, _ := h.fwd.Nonce(ctx, crypto.PubkeyToAddress(key.PublicKey))
	assert.Equal(t, uint64(2), next, "rejected envelopes leave the nonce alone")

	// Other signers keep their own window.
	other, _ := crypto.GenerateKey()
	_, err = h.fwd.Execute(ctx, relayerID, finance.NewAmount(1), envelope(t, other, targetID, "ping", 0))
	require.NoError(t, err)
}

func TestExecute_AccountRateLimitOverride(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, 1_000_000_000, relay.Limit{Calls: 1, Window: time.Minute})
	key, _ := crypto.GenerateKey()
	from := crypto.PubkeyToAddress(key.PublicKey)

	err := h.fwd.SetAccountRateLimit(ctx, relayerID, from, relay.Limit{})
	assert.ErrorIs(t, err, fault.ErrMissingRole)
	require.NoError(t, h.fwd.SetAccountRateLimit(ctx, admin, from, relay.Limit{Calls: 3, Window: time.Minute}))
	assert.Equal(t, 3, h.fwd.LimitFor(from).Calls)

	for n := uint64(0); n < 3; n++ {
		_, err := h.fwd.Execute(ctx, relayerID, finance.NewAmount(1), envelope(t, key, targetID, "ping", n))
		require.NoError(t, err)
	}
	_, err = h.fwd.Execute(ctx, relayerID, finance.NewAmount(1), envelope(t, key, targetID, "ping", 3))
	assert.ErrorIs(t, err, fault.ErrRateLimited)
}

func TestExecute_TargetNotWhitelisted(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, 1_000_000_000, relay.Limit{})
	key, _ := crypto.GenerateKey()

	_, err := h.fwd.Execute(ctx, relayerID, finance.NewAmount(1), envelope(t, key, otherID, "ping", 0))
	assert.ErrorIs(t, err, fault.ErrTargetNotWhitelisted)

	require.NoError(t, h.fwd.RemoveTarget(ctx, admin, targetID))
	assert.False(t, h.fwd.Whitelisted(targetID))
	_, err = h.fwd.Execute(ctx, relayerID, finance.NewAmount(1), envelope(t, key, targetID, "ping", 0))
	assert.ErrorIs(t, err, fault.ErrTargetNotWhitelisted)
	assert.ErrorIs(t, h.fwd.RemoveTarget(ctx, admin, targetID), fault.ErrNotFound)
}

func TestExecute_DownstreamFailureConsumesNonce(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, 1_000_000_000, relay.Limit{})
	key, _ := crypto.GenerateKey()

	res, err := h.fwd.Execute(ctx, relayerID, finance.NewAmount(1), envelope(t, key, targetID, "fail", 0))
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Equal(t, fault.ErrInvalidStateTransition.Code, res.ErrorCode)
	assert.False(t, res.Reimbursed.IsZero(), "the relayer is still paid")

	next, _ := h.fwd.Nonce(ctx, crypto.PubkeyToAddress(key.PublicKey))
	assert.Equal(t, uint64(1), next)
}

func TestExecute_ShortfallDoesNotRevertCall(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, 0, relay.Limit{})
	key, _ := crypto.GenerateKey()

	res, err := h.fwd.Execute(ctx, relayerID, finance.NewAmount(10), envelope(t, key, targetID, "ping", 0))
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.True(t, res.Shortfall)
	assert.True(t, res.Reimbursed.IsZero())
	assert.Len(t, h.calls, 1)
	assert.Equal(t, uint64(1), h.tank.Stats().Shortfalls)
}

func TestExecute_GasPriceCapped(t *testing.T) {
	ctx := context.Background()
	reg := roles.NewRegistry(roles.DefaultConfig(), nil)
	require.NoError(t, reg.Bootstrap(admin))
	paid := finance.Zero()
	tank := reimburserFunc(func(_ context.Context, relayer common.Address, fee finance.Amount) (gastank.Payout, error) {
		paid = fee
		return gastank.Payout{Relayer: relayer, Requested: fee, Paid: fee}, nil
	})
	limiter := relay.NewMemoryLimiter().WithClock(func() time.Time { return now })
	fwd := relay.NewForwarder(relay.Config{Domain: domain, MaxGasPrice: finance.NewAmount(2), RateLimit: relay.Limit{Calls: 1, Window: time.Minute}}, reg,
		relay.NewMemoryNonceStore(), limiter, tank, nil).WithClock(func() time.Time { return now })
	fwd.Register(targetID, "noop", call.TargetFunc(func(context.Context, common.Address, []byte) ([]byte, error) { return nil, nil }))
	require.NoError(t, fwd.AddTarget(ctx, admin, targetID))

	key, _ := crypto.GenerateKey()
	_, err := fwd.Execute(ctx, relayerID, finance.NewAmount(1000), envelope(t, key, targetID, "noop", 0))
	assert.ErrorIs(t, err, fault.ErrInvalidArgument)
	assert.True(t, paid.IsZero())
	next, _ := fwd.Nonce(ctx, crypto.PubkeyToAddress(key.PublicKey))
	assert.Equal(t, uint64(0), next)

	// The rejected envelope did not use up the single call in the window.
	res, err := fwd.Execute(ctx, relayerID, finance.NewAmount(2), envelope(t, key, targetID, "noop", 0))
	require.NoError(t, err)
	want, err := finance.NewAmount(2).MulUint64(res.GasUsed)
	require.NoError(t, err)
	assert.Equal(t, want, paid)
}

func TestExecute_NotWhitelistedLeavesWindow(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, 1_000_000_000, relay.Limit{Calls: 1, Window: time.Minute})
	key, _ := crypto.GenerateKey()

	for i := 0; i < 3; i++ {
		_, err := h.fwd.Execute(ctx, relayerID, finance.NewAmount(1), envelope(t, key, otherID, "ping", 0))
		assert.ErrorIs(t, err, fault.ErrTargetNotWhitelisted)
	}
	_, err := h.fwd.Execute(ctx, relayerID, finance.NewAmount(1), envelope(t, key, targetID, "ping", 0))
	require.NoError(t, err)
}

func TestExecute_ReimburserErrorIsFailOpen(t *testing.T) {
	ctx := context.Background()
	reg := roles.NewRegistry(roles.DefaultConfig(), nil)
	require.NoError(t, reg.Bootstrap(admin))
	tank := reimburserFunc(func(_ context.Context, relayer common.Address, fee finance.Amount) (gastank.Payout, error) {
		return gastank.Payout{Relayer: relayer, Requested: fee}, errors.New("tank offline")
	})
	fwd := relay.NewForwarder(relay.Config{Domain: domain}, reg,
		relay.NewMemoryNonceStore(), relay.NewMemoryLimiter(), tank, nil).WithClock(func() time.Time { return now })
	fwd.Register(targetID, "noop", call.TargetFunc(func(context.Context, common.Address, []byte) ([]byte, error) { return nil, nil }))
	require.NoError(t, fwd.AddTarget(ctx, admin, targetID))

	key, _ := crypto.GenerateKey()
	res, err := fwd.Execute(ctx, relayerID, finance.NewAmount(1), envelope(t, key, targetID, "noop", 0))
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.True(t, res.Shortfall)
}

func TestAdminOperationsRequireAdmin(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, 0, relay.Limit{})
	assert.ErrorIs(t, h.fwd.AddTarget(ctx, relayerID, otherID), fault.ErrMissingRole)
	assert.ErrorIs(t, h.fwd.RemoveTarget(ctx, relayerID, targetID), fault.ErrMissingRole)
	assert.ErrorIs(t, h.fwd.SetRateLimit(ctx, relayerID, relay.Limit{Calls: 1, Window: time.Second}), fault.ErrMissingRole)

	require.NoError(t, h.fwd.SetRateLimit(ctx, admin, relay.Limit{Calls: 7, Window: time.Second}))
	assert.Equal(t, 7, h.fwd.LimitFor(otherID).Calls)

	targets := h.fwd.Targets()
	require.Len(t, targets, 1)
	assert.Equal(t, "echo", targets[0].Name)
	assert.True(t, targets[0].Whitelisted)
}

type reimburserFunc func(ctx context.Context, relayer common.Address, fee finance.Amount) (gastank.Payout, error)

func (f reimburserFunc) Reimburse(ctx context.Context, relayer common.Address, fee finance.Amount) (gastank.Payout, error) {
	return f(ctx, relayer, fee)
}
