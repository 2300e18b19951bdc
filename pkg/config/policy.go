package config

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/Masterminds/semver/v3"
	"github.com/santhosh-tekuri/jsonschema/v5"
	"gopkg.in/yaml.v3"
)

// SupportedPolicyVersions is the range of policy file versions this build
// understands.
const SupportedPolicyVersions = ">= 1.0.0, < 2.0.0"

const policySchemaURL = "https://reimbursement.local/schemas/policy.json"

//go:embed policy.schema.json
var policySchema string

// Policy holds the tunables of one instance.
type Policy struct {
	Version            string       `yaml:"version" json:"version"`
	MaxRecipients      int          `yaml:"max_recipients" json:"max_recipients"`
	AutoDistribute     bool         `yaml:"auto_distribute" json:"auto_distribute"`
	ForbidSelfApproval bool         `yaml:"forbid_self_approval" json:"forbid_self_approval"`
	EmergencyQuorum    QuorumPolicy `yaml:"emergency_quorum" json:"emergency_quorum"`
	RevealWindow       Duration     `yaml:"reveal_window" json:"reveal_window"`
	MinRevealDelay     Duration     `yaml:"min_reveal_delay" json:"min_reveal_delay"`
	Relay              RelayPolicy  `yaml:"relay" json:"relay"`
	Domain             DomainPolicy `yaml:"domain" json:"domain"`
	Anchor             AnchorPolicy `yaml:"anchor" json:"anchor"`
	Token              TokenPolicy  `yaml:"token" json:"token"`
}

// QuorumPolicy is the emergency-closure quorum.
type QuorumPolicy struct {
	Committee      int `yaml:"committee" json:"committee"`
	FinalAuthority int `yaml:"final_authority" json:"final_authority"`
}

// RelayPolicy tunes the meta-transaction relay. Amounts are decimal strings
// in minor units.
type RelayPolicy struct {
	RateLimit        int      `yaml:"rate_limit" json:"rate_limit"`
	Window           Duration `yaml:"window" json:"window"`
	MaxGasPrice      string   `yaml:"max_gas_price" json:"max_gas_price"`
	MaxReimbursement string   `yaml:"max_reimbursement" json:"max_reimbursement"`
}

// DomainPolicy names the signing domain.
type DomainPolicy struct {
	Name    string `yaml:"name" json:"name"`
	Version string `yaml:"version" json:"version"`
}

// AnchorPolicy tunes audit batching.
type AnchorPolicy struct {
	Interval   Duration `yaml:"interval" json:"interval"`
	MaxEntries int      `yaml:"max_entries" json:"max_entries"`
	BatchType  string   `yaml:"batch_type" json:"batch_type"`
}

// TokenPolicy describes the disbursed asset.
type TokenPolicy struct {
	Symbol   string `yaml:"symbol" json:"symbol"`
	Decimals int32  `yaml:"decimals" json:"decimals"`
}

// Duration is a time.Duration written as a Go duration string ("90s", "1h").
type Duration time.Duration

func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d *Duration) UnmarshalYAML(n *yaml.Node) error {
	parsed, err := time.ParseDuration(strings.TrimSpace(n.Value))
	if err != nil {
		return fmt.Errorf("line %d: %w", n.Line, err)
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

// DefaultPolicy is used when no policy file is configured.
func DefaultPolicy() *Policy {
	return &Policy{
		Version:            "1.0.0",
		MaxRecipients:      50,
		ForbidSelfApproval: true,
		EmergencyQuorum:    QuorumPolicy{Committee: 3, FinalAuthority: 1},
		RevealWindow:       Duration(time.Hour),
		Relay: RelayPolicy{
			RateLimit:        10,
			Window:           Duration(time.Minute),
			MaxGasPrice:      "100000000000",
			MaxReimbursement: "10000000000000000",
		},
		Domain: DomainPolicy{Name: "ReimbursementForwarder", Version: "1"},
		Anchor: AnchorPolicy{Interval: Duration(5 * time.Minute), MaxEntries: 1000, BatchType: "audit_journal"},
		Token:  TokenPolicy{Symbol: "THB", Decimals: 18},
	}
}

var compiledPolicySchema = mustCompilePolicySchema()

func mustCompilePolicySchema() *jsonschema.Schema {
	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft2020
	if err := c.AddResource(policySchemaURL, strings.NewReader(policySchema)); err != nil {
		panic(fmt.Sprintf("config: policy schema: %v", err))
	}
	return c.MustCompile(policySchemaURL)
}

// LoadPolicy reads a YAML policy file. Missing keys keep their defaults.
func LoadPolicy(path string) (*Policy, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("load policy %q: %w", path, err)
	}
	p, err := ParsePolicy(data)
	if err != nil {
		return nil, fmt.Errorf("policy %q: %w", path, err)
	}
	return p, nil
}

// ParsePolicy validates data against the policy schema and version range,
// then decodes it over DefaultPolicy.
func ParsePolicy(data []byte) (*Policy, error) {
	var doc any
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse: %w", err)
	}
	// Round-trip through JSON so the validator sees JSON value types.
	raw, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("parse: %w", err)
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var jsonDoc any
	if err := dec.Decode(&jsonDoc); err != nil {
		return nil, fmt.Errorf("parse: %w", err)
	}
	if err := compiledPolicySchema.Validate(jsonDoc); err != nil {
		return nil, fmt.Errorf("schema: %w", err)
	}

	p := DefaultPolicy()
	if err := yaml.Unmarshal(data, p); err != nil {
		return nil, fmt.Errorf("decode: %w", err)
	}
	if err := checkVersion(p.Version); err != nil {
		return nil, err
	}
	return p, nil
}

func checkVersion(v string) error {
	version, err := semver.NewVersion(v)
	if err != nil {
		return fmt.Errorf("invalid version %s: %w", v, err)
	}
	constraint, err := semver.NewConstraint(SupportedPolicyVersions)
	if err != nil {
		return err
	}
	if !constraint.Check(version) {
		return fmt.Errorf("policy version %s not in supported range %s", v, SupportedPolicyVersions)
	}
	return nil
}
