package hashchain

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func leaves(n int) [][]byte {
	out := make([][]byte, n)
	for i := range out {
		out[i] = []byte(fmt.Sprintf("entry-%d", i))
	}
	return out
}

func TestMerkleRootReproducible(t *testing.T) {
	first, err := MerkleRootHex(leaves(7))
	require.NoError(t, err)
	second, err := MerkleRootHex(leaves(7))
	require.NoError(t, err)
	assert.Equal(t, first, second)
	assert.Len(t, first, 64)
}

func TestMerkleRootDetectsAlteration(t *testing.T) {
	base, err := MerkleRootHex(leaves(8))
	require.NoError(t, err)

	altered := leaves(8)
	altered[3] = []byte("entry-3-tampered")
	tampered, err := MerkleRootHex(altered)
	require.NoError(t, err)

	assert.NotEqual(t, base, tampered)
}

func TestMerkleRootDetectsReorder(t *testing.T) {
	base, err := MerkleRootHex(leaves(4))
	require.NoError(t, err)

	reordered := leaves(4)
	reordered[0], reordered[1] = reordered[1], reordered[0]
	swapped, err := MerkleRootHex(reordered)
	require.NoError(t, err)

	assert.NotEqual(t, base, swapped)
}

func TestMerkleRootDetectsRemoval(t *testing.T) {
	base, err := MerkleRootHex(leaves(5))
	require.NoError(t, err)
	shorter, err := MerkleRootHex(leaves(4))
	require.NoError(t, err)
	assert.NotEqual(t, base, shorter)
}

func TestMerkleSingleLeafIsLeafHash(t *testing.T) {
	root, err := MerkleRoot([][]byte{[]byte("only")})
	require.NoError(t, err)

	h := sha256.New()
	h.Write([]byte{0x00})
	h.Write([]byte("only"))
	assert.Equal(t, hex.EncodeToString(h.Sum(nil)), hex.EncodeToString(root))
}

func TestMerkleOddLeafPromotion(t *testing.T) {
	// With three leaves the third is promoted unchanged, then combined with
	// the first pair's parent.
	ls := leaves(3)
	l0, l1, l2 := LeafHash(ls[0]), LeafHash(ls[1]), LeafHash(ls[2])
	parent := nodeHash(l0, l1)
	want := nodeHash(parent, l2)

	root, err := MerkleRoot(ls)
	require.NoError(t, err)
	assert.Equal(t, want, root)
}

func TestMerkleEmptyErrors(t *testing.T) {
	_, err := MerkleRoot(nil)
	assert.ErrorIs(t, err, ErrNoLeaves)
}

func TestLeafAndNodeDomainsAreSeparated(t *testing.T) {
	data := []byte("payload")
	leaf := LeafHash(data)
	plain := sha256.Sum256(data)
	assert.NotEqual(t, hex.EncodeToString(plain[:]), hex.EncodeToString(leaf))
}
