package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/INFIxChatnify/reimbursement-contract-sub003/pkg/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const fullPolicy = `
version: "1.2.0"
max_recipients: 20
auto_distribute: true
forbid_self_approval: false
emergency_quorum:
  committee: 2
  final_authority: 1
reveal_window: 30m
min_reveal_delay: 1m
relay:
  rate_limit: 5
  window: 10s
  max_gas_price: "50000000000"
  max_reimbursement: "1000"
domain:
  name: Forwarder
  version: "2"
anchor:
  interval: 1m
  max_entries: 200
token:
  symbol: OMTHB
  decimals: 18
`

func TestParsePolicy_Full(t *testing.T) {
	p, err := config.ParsePolicy([]byte(fullPolicy))
	require.NoError(t, err)

	assert.Equal(t, 20, p.MaxRecipients)
	assert.True(t, p.AutoDistribute)
	assert.False(t, p.ForbidSelfApproval)
	assert.Equal(t, config.QuorumPolicy{Committee: 2, FinalAuthority: 1}, p.EmergencyQuorum)
	assert.Equal(t, 30*time.Minute, p.RevealWindow.Std())
	assert.Equal(t, time.Minute, p.MinRevealDelay.Std())
	assert.Equal(t, 5, p.Relay.RateLimit)
	assert.Equal(t, 10*time.Second, p.Relay.Window.Std())
	assert.Equal(t, "50000000000", p.Relay.MaxGasPrice)
	assert.Equal(t, "Forwarder", p.Domain.Name)
	assert.Equal(t, 200, p.Anchor.MaxEntries)
	assert.Equal(t, "audit_journal", p.Anchor.BatchType, "unset keys keep defaults")
	assert.Equal(t, "OMTHB", p.Token.Symbol)
}

func TestParsePolicy_Rejects(t *testing.T) {
	tests := []struct {
		name string
		doc  string
	}{
		{"missing version", "max_recipients: 10\n"},
		{"unknown key", "version: \"1.0.0\"\nmax_payout: 3\n"},
		{"zero recipients", "version: \"1.0.0\"\nmax_recipients: 0\n"},
		{"bad duration", "version: \"1.0.0\"\nreveal_window: soon\n"},
		{"numeric amount", "version: \"1.0.0\"\nrelay:\n  max_gas_price: -1\n"},
		{"unsupported major", "version: \"2.0.0\"\n"},
		{"not semver", "version: \"one\"\n"},
		{"not yaml", "version: [\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := config.ParsePolicy([]byte(tt.doc))
			assert.Error(t, err)
		})
	}
}

func TestLoadPolicy_File(t *testing.T) {
	path := filepath.Join(t.TempDir(), "policy.yaml")
	require.NoError(t, os.WriteFile(path, []byte("version: \"1.0.0\"\nauto_distribute: true\n"), 0o600))

	p, err := config.LoadPolicy(path)
	require.NoError(t, err)
	assert.True(t, p.AutoDistribute)
	assert.Equal(t, 50, p.MaxRecipients)

	_, err = config.LoadPolicy(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestDefaultPolicy(t *testing.T) {
	p := config.DefaultPolicy()
	assert.Equal(t, 50, p.MaxRecipients)
	assert.Equal(t, config.QuorumPolicy{Committee: 3, FinalAuthority: 1}, p.EmergencyQuorum)
	assert.Equal(t, time.Hour, p.RevealWindow.Std())
	assert.Equal(t, 10, p.Relay.RateLimit)
	assert.Equal(t, time.Minute, p.Relay.Window.Std())
	assert.Equal(t, "100000000000", p.Relay.MaxGasPrice, "relayer gas price is capped out of the box")
}
