package hashchain

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
)

// Domain separators keep leaf and interior hashes from colliding: a leaf can
// never be reinterpreted as a node and vice versa.
var (
	leafSeparator = []byte{0x00}
	nodeSeparator = []byte{0x01}
)

// ErrNoLeaves is returned when a root is requested over an empty window.
var ErrNoLeaves = errors.New("hashchain: cannot build merkle root with no leaves")

// LeafHash computes sha256(0x00 || data).
func LeafHash(data []byte) []byte {
	h := sha256.New()
	h.Write(leafSeparator)
	h.Write(data)
	return h.Sum(nil)
}

// nodeHash computes sha256(0x01 || left || right).
func nodeHash(left, right []byte) []byte {
	h := sha256.New()
	h.Write(nodeSeparator)
	h.Write(left)
	h.Write(right)
	return h.Sum(nil)
}

// MerkleRoot folds ordered leaves pairwise into one root hash. An odd node is
// promoted to the next level unchanged. Altering, removing, or reordering any
// leaf changes the root.
func MerkleRoot(leaves [][]byte) ([]byte, error) {
	if len(leaves) == 0 {
		return nil, ErrNoLeaves
	}

	level := make([][]byte, len(leaves))
	for i, leaf := range leaves {
		level[i] = LeafHash(leaf)
	}

	for len(level) > 1 {
		next := make([][]byte, 0, (len(level)+1)/2)
		for i := 0; i < len(level); i += 2 {
			if i+1 < len(level) {
				next = append(next, nodeHash(level[i], level[i+1]))
			} else {
				next = append(next, level[i])
			}
		}
		level = next
	}
	return level[0], nil
}

// MerkleRootHex is MerkleRoot with a hex-encoded result.
func MerkleRootHex(leaves [][]byte) (string, error) {
	root, err := MerkleRoot(leaves)
	if err != nil {
		return "", err
	}
	return hex.EncodeToString(root), nil
}
