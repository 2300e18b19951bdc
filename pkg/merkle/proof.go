package merkle

import (
	"github.com/ethereum/go-ethereum/common"
)

type InclusionProof struct {
	LeafPath   string      `json:"leaf_path"`
	LeafHash   common.Hash `json:"leaf_hash"`
	MerkleRoot common.Hash `json:"merkle_root"`
	ProofPath  []ProofStep `json:"proof_path"`
}

type ProofStep struct {
	Side        string      `json:"side"` // "L" or "R": where the sibling sits
	SiblingHash common.Hash `json:"sibling_hash"`
}

// Prove returns the inclusion proof for the leaf at path.
func (t *Tree) Prove(path string) (InclusionProof, error) {
	idx, ok := t.index[path]
	if !ok {
		return InclusionProof{}, ErrUnknownPath
	}
	proof := InclusionProof{
		LeafPath:   path,
		LeafHash:   t.Leaves[idx].LeafHash,
		MerkleRoot: t.Root,
	}
	for _, level := range t.Levels[:len(t.Levels)-1] {
		if idx%2 == 0 {
			sibling := idx + 1
			if sibling >= len(level) {
				sibling = idx
			}
			proof.ProofPath = append(proof.ProofPath, ProofStep{Side: "R", SiblingHash: level[sibling]})
		} else {
			proof.ProofPath = append(proof.ProofPath, ProofStep{Side: "L", SiblingHash: level[idx-1]})
		}
		idx /= 2
	}
	return proof, nil
}

// VerifyInclusionProof checks proof against a trusted root. A zero
// expectedRoot checks only the proof's own root.
func VerifyInclusionProof(proof InclusionProof, expectedRoot common.Hash) bool {
	if expectedRoot != (common.Hash{}) && proof.MerkleRoot != expectedRoot {
		return false
	}
	current := proof.LeafHash
	for _, step := range proof.ProofPath {
		switch step.Side {
		case "L":
			current = nodeHash(step.SiblingHash, current)
		case "R":
			current = nodeHash(current, step.SiblingHash)
		default:
			return false
		}
	}
	return current == proof.MerkleRoot
}
