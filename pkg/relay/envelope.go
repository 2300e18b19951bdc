package relay

import (
	"crypto/ecdsa"
	"math/big"

	"github.com/INFIxChatnify/reimbursement-contract-sub003/pkg/fault"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/holiman/uint256"
)

var (
	domainTypeHash  = crypto.Keccak256Hash([]byte("EIP712Domain(string name,string version,uint256 chainId,address verifyingContract)"))
	forwardTypeHash = crypto.Keccak256Hash([]byte("ForwardRequest(address from,address target,bytes payload,uint256 nonce,uint256 deadline)"))
)

// Envelope is a signed instruction submitted by a relayer on behalf of From.
// Deadline is a unix timestamp in seconds.
type Envelope struct {
	From      common.Address `json:"from"`
	Target    common.Address `json:"target"`
	Payload   hexutil.Bytes  `json:"payload"`
	Nonce     uint64         `json:"nonce"`
	Deadline  uint64         `json:"deadline"`
	Signature hexutil.Bytes  `json:"signature"`
}

// Domain binds signatures to one deployment.
type Domain struct {
	Name              string         `json:"name" yaml:"name"`
	Version           string         `json:"version" yaml:"version"`
	ChainID           uint64         `json:"chain_id" yaml:"chain_id"`
	VerifyingContract common.Address `json:"verifying_contract" yaml:"verifying_contract"`
}

// Separator is the EIP-712 domain separator.
func (d Domain) Separator() common.Hash {
	return crypto.Keccak256Hash(
		domainTypeHash[:],
		crypto.Keccak256([]byte(d.Name)),
		crypto.Keccak256([]byte(d.Version)),
		word(d.ChainID),
		common.LeftPadBytes(d.VerifyingContract[:], 32),
	)
}

func word(n uint64) []byte {
	w := uint256.NewInt(n).Bytes32()
	return w[:]
}

func structHash(env Envelope) common.Hash {
	return crypto.Keccak256Hash(
		forwardTypeHash[:],
		common.LeftPadBytes(env.From[:], 32),
		common.LeftPadBytes(env.Target[:], 32),
		crypto.Keccak256(env.Payload),
		word(env.Nonce),
		word(env.Deadline),
	)
}

// Digest is the hash From signs: keccak256(0x19 0x01 ‖ domain ‖ struct).
func Digest(d Domain, env Envelope) common.Hash {
	sep := d.Separator()
	sh := structHash(env)
	return crypto.Keccak256Hash([]byte{0x19, 0x01}, sep[:], sh[:])
}

// Sign returns env's signature by key, with V in {27, 28}.
func Sign(d Domain, env Envelope, key *ecdsa.PrivateKey) ([]byte, error) {
	digest := Digest(d, env)
	sig, err := crypto.Sign(digest[:], key)
	if err != nil {
		return nil, err
	}
	sig[crypto.RecoveryIDOffset] += 27
	return sig, nil
}

// Recover returns the account that signed env. Malformed or high-S
// signatures fail with fault.ErrInvalidSignature.
func Recover(d Domain, env Envelope) (common.Address, error) {
	if len(env.Signature) != crypto.SignatureLength {
		return common.Address{}, fault.Newf(fault.ErrInvalidSignature, "signature must be %d bytes, got %d", crypto.SignatureLength, len(env.Signature))
	}
	sig := make([]byte, crypto.SignatureLength)
	copy(sig, env.Signature)
	if sig[crypto.RecoveryIDOffset] >= 27 {
		sig[crypto.RecoveryIDOffset] -= 27
	}
	v := sig[crypto.RecoveryIDOffset]
	r := new(big.Int).SetBytes(sig[:32])
	s := new(big.Int).SetBytes(sig[32:64])
	if !crypto.ValidateSignatureValues(v, r, s, true) {
		return common.Address{}, fault.Newf(fault.ErrInvalidSignature, "signature values out of range")
	}
	digest := Digest(d, env)
	pub, err := crypto.SigToPub(digest[:], sig)
	if err != nil {
		return common.Address{}, fault.Wrap(fault.ErrInvalidSignature, err, "recover signer")
	}
	return crypto.PubkeyToAddress(*pub), nil
}
