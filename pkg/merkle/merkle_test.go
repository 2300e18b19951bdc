package merkle

import (
	"fmt"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMerkleTree(t *testing.T) {
	data := map[string]any{
		"/a": "valueA",
		"/b": "valueB",
		"/c": "valueC",
	}

	tree, err := BuildTree(data)
	require.NoError(t, err)
	require.Len(t, tree.Leaves, 3)

	//       Root
	//      /    \
	//     N1     N2
	//    /  \   /  \
	//   L1  L2 L3  L3 (dup)
	h1 := tree.Leaves[0].LeafHash
	h2 := tree.Leaves[1].LeafHash
	h3 := tree.Leaves[2].LeafHash
	n1 := nodeHash(h1, h2)
	n2 := nodeHash(h3, h3)
	root := nodeHash(n1, n2)
	assert.Equal(t, root, tree.Root)

	proof := InclusionProof{
		LeafPath:   "/c",
		LeafHash:   h3,
		MerkleRoot: root,
		ProofPath: []ProofStep{
			{Side: "R", SiblingHash: h3},
			{Side: "L", SiblingHash: n1},
		},
	}
	assert.True(t, VerifyInclusionProof(proof, root))

	generated, err := tree.Prove("/c")
	require.NoError(t, err)
	assert.Equal(t, proof, generated)

	bad := proof
	bad.LeafHash = h1
	assert.False(t, VerifyInclusionProof(bad, root))
	assert.False(t, VerifyInclusionProof(proof, n1), "untrusted root")
}

func TestProveEveryLeaf(t *testing.T) {
	for _, n := range []int{1, 2, 5, 8, 13} {
		data := make(map[string]any, n)
		for i := 0; i < n; i++ {
			data[fmt.Sprintf("entry/%08d", i+1)] = map[string]any{"seq": i + 1, "kind": "request.created"}
		}
		tree, err := BuildTree(data)
		require.NoError(t, err)
		for path := range data {
			proof, err := tree.Prove(path)
			require.NoError(t, err)
			assert.True(t, VerifyInclusionProof(proof, tree.Root), "n=%d path=%s", n, path)
		}
	}
}

func TestCanonicalOrderIndependent(t *testing.T) {
	a, err := BuildTree(map[string]any{"x": map[string]any{"b": 1, "a": 2}})
	require.NoError(t, err)
	b, err := BuildTree(map[string]any{"x": map[string]any{"a": 2, "b": 1}})
	require.NoError(t, err)
	assert.Equal(t, a.Root, b.Root)
	assert.NotEqual(t, common.Hash{}, a.Root)
}

func TestBuildTreeErrors(t *testing.T) {
	_, err := BuildTree(nil)
	assert.ErrorIs(t, err, ErrEmptyTree)

	tree, err := BuildTree(map[string]any{"only": 1})
	require.NoError(t, err)
	assert.Equal(t, tree.Leaves[0].LeafHash, tree.Root)
	_, err = tree.Prove("missing")
	assert.ErrorIs(t, err, ErrUnknownPath)
}

func TestLeafDomainSeparation(t *testing.T) {
	tree, err := BuildTree(map[string]any{"a": "v"})
	require.NoError(t, err)
	// A node hash can never collide with a leaf hash built from the same bytes.
	assert.NotEqual(t, nodeHash(tree.Root, tree.Root), tree.Root)
}
