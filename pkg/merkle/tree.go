// Package merkle builds domain-separated Merkle trees over audit records and
// produces inclusion proofs against their roots.
package merkle

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/gowebpki/jcs"
)

const (
	leafPrefix = "reimb:audit:leaf:v1"
	nodePrefix = "reimb:audit:node:v1"
)

var (
	ErrEmptyTree   = errors.New("merkle: no leaves")
	ErrUnknownPath = errors.New("merkle: path not in tree")
)

type Leaf struct {
	Path      string      `json:"path"`
	LeafBytes []byte      `json:"leaf_bytes"`
	LeafHash  common.Hash `json:"leaf_hash"`
}

type Tree struct {
	Leaves []Leaf          `json:"leaves"`
	Root   common.Hash     `json:"root"`
	Levels [][]common.Hash `json:"levels"` // leaf level first, root level last
	index  map[string]int
}

// BuildTree constructs a tree from path->value. Leaves are ordered by path;
// each value is hashed in its RFC 8785 canonical JSON form.
func BuildTree(data map[string]any) (*Tree, error) {
	if len(data) == 0 {
		return nil, ErrEmptyTree
	}
	paths := make([]string, 0, len(data))
	for k := range data {
		paths = append(paths, k)
	}
	sort.Strings(paths)

	leaves := make([]Leaf, len(paths))
	for i, path := range paths {
		canonical, err := Canonical(data[path])
		if err != nil {
			return nil, fmt.Errorf("merkle: leaf %s: %w", path, err)
		}
		lb := buildLeafBytes(path, canonical)
		leaves[i] = Leaf{Path: path, LeafBytes: lb, LeafHash: crypto.Keccak256Hash(lb)}
	}

	tree := &Tree{Leaves: leaves, index: make(map[string]int, len(leaves))}
	level := make([]common.Hash, len(leaves))
	for i, l := range leaves {
		level[i] = l.LeafHash
		tree.index[l.Path] = i
	}
	for len(level) > 1 {
		tree.Levels = append(tree.Levels, level)
		level = buildNextLevel(level)
	}
	tree.Levels = append(tree.Levels, level)
	tree.Root = level[0]
	return tree, nil
}

// Canonical returns the RFC 8785 encoding of v.
func Canonical(v any) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return jcs.Transform(raw)
}

func buildLeafBytes(path string, canonical []byte) []byte {
	var buf bytes.Buffer
	buf.WriteString(leafPrefix)
	buf.WriteByte(0)
	buf.WriteString(path)
	buf.WriteByte(0)
	buf.Write(canonical)
	return buf.Bytes()
}

func buildNextLevel(hashes []common.Hash) []common.Hash {
	count := len(hashes)
	if count%2 != 0 {
		hashes = append(hashes[:count:count], hashes[count-1]) // duplicate last
		count++
	}
	next := make([]common.Hash, count/2)
	for i := 0; i < count; i += 2 {
		next[i/2] = nodeHash(hashes[i], hashes[i+1])
	}
	return next
}

func nodeHash(left, right common.Hash) common.Hash {
	return crypto.Keccak256Hash([]byte(nodePrefix), []byte{0}, left[:], right[:])
}
