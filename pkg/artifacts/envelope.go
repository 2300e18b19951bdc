package artifacts

import (
	"context"
	"crypto/ecdsa"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/gowebpki/jcs"
)

// Archive types.
const (
	TypeAuditBatch   = "audit/batch"
	TypeEvidencePack = "audit/evidence-pack"
)

// MaxPayloadSize bounds a single archived payload.
const MaxPayloadSize = 10 * 1024 * 1024

var (
	ErrUnsigned         = errors.New("artifacts: envelope is not signed")
	ErrSignatureInvalid = errors.New("artifacts: signature does not match signer")
)

// Envelope wraps an archived payload with its provenance.
type Envelope struct {
	Type          string          `json:"type"`
	SchemaVersion string          `json:"schema_version"`
	Producer      string          `json:"producer"`
	Timestamp     time.Time       `json:"timestamp"`
	Payload       json.RawMessage `json:"payload"`
	Signer        *common.Address `json:"signer,omitempty"`
	Signature     hexutil.Bytes   `json:"signature,omitempty"`
}

// NewEnvelope canonicalizes payload into an unsigned envelope.
func NewEnvelope(typ, producer string, payload any, at time.Time) (*Envelope, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("artifacts: marshal payload: %w", err)
	}
	canonical, err := jcs.Transform(raw)
	if err != nil {
		return nil, fmt.Errorf("artifacts: canonicalize payload: %w", err)
	}
	if len(canonical) > MaxPayloadSize {
		return nil, fmt.Errorf("artifacts: payload exceeds limit of %d bytes", MaxPayloadSize)
	}
	return &Envelope{
		Type:          typ,
		SchemaVersion: "v1",
		Producer:      producer,
		Timestamp:     at.UTC(),
		Payload:       canonical,
	}, nil
}

func (e *Envelope) digest() []byte {
	return crypto.Keccak256([]byte("reimb:archive:v1"), []byte{0}, []byte(e.Type), []byte{0}, e.Payload)
}

// Sign stamps e with key's signature and address.
func (e *Envelope) Sign(key *ecdsa.PrivateKey) error {
	sig, err := crypto.Sign(e.digest(), key)
	if err != nil {
		return fmt.Errorf("artifacts: sign failed: %w", err)
	}
	addr := crypto.PubkeyToAddress(key.PublicKey)
	e.Signer = &addr
	e.Signature = sig
	return nil
}

// Verify checks the signature against Signer.
func (e *Envelope) Verify() error {
	if e.Signer == nil || len(e.Signature) == 0 {
		return ErrUnsigned
	}
	pub, err := crypto.SigToPub(e.digest(), e.Signature)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrSignatureInvalid, err)
	}
	if crypto.PubkeyToAddress(*pub) != *e.Signer {
		return ErrSignatureInvalid
	}
	return nil
}

// Decode unmarshals the payload into v.
func (e *Envelope) Decode(v any) error {
	return json.Unmarshal(e.Payload, v)
}

// Put stores e in s and returns its address.
func Put(ctx context.Context, s Store, e *Envelope) (string, error) {
	if e.Type == "" {
		return "", errors.New("artifacts: missing envelope type")
	}
	if len(e.Payload) == 0 {
		return "", errors.New("artifacts: missing payload")
	}
	data, err := json.Marshal(e)
	if err != nil {
		return "", fmt.Errorf("artifacts: marshal envelope: %w", err)
	}
	return s.Put(ctx, data)
}

// Open loads the envelope stored at hash. A signed envelope whose
// signature fails verification is rejected.
func Open(ctx context.Context, s Store, hash string) (*Envelope, error) {
	data, err := s.Get(ctx, hash)
	if err != nil {
		return nil, err
	}
	var e Envelope
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, fmt.Errorf("artifacts: corrupt envelope %s: %w", hash, err)
	}
	if e.Signer != nil {
		if err := e.Verify(); err != nil {
			return nil, err
		}
	}
	return &e, nil
}
