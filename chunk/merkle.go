package chunk

import (
	"github.com/leafsync/leafsync"
)

// EmptyRoot is the Merkle root of a file with zero chunks: the hash
// of the empty byte string under algo.
func EmptyRoot(algo leafsync.HashAlgo) leafsync.ChunkHash {
	return Sum(algo, nil)
}

// MerkleRoot folds an ordered sequence of chunk hashes into a single
// root. Interior nodes are H(left||right); when a level has an odd
// node out, it is promoted to the next level unchanged rather than
// paired with itself. An empty input returns EmptyRoot.
func MerkleRoot(algo leafsync.HashAlgo, leaves []leafsync.ChunkHash) leafsync.ChunkHash {
	if len(leaves) == 0 {
		return EmptyRoot(algo)
	}
	level := make([]leafsync.ChunkHash, len(leaves))
	copy(level, leaves)
	for len(level) > 1 {
		level = foldLevel(algo, level)
	}
	return level[0]
}

func foldLevel(algo leafsync.HashAlgo, level []leafsync.ChunkHash) []leafsync.ChunkHash {
	next := make([]leafsync.ChunkHash, 0, (len(level)+1)/2)
	i := 0
	for ; i+1 < len(level); i += 2 {
		next = append(next, hashPair(algo, level[i], level[i+1]))
	}
	if i < len(level) {
		next = append(next, level[i]) // lone trailing node, promoted unchanged
	}
	return next
}

func hashPair(algo leafsync.HashAlgo, left, right leafsync.ChunkHash) leafsync.ChunkHash {
	h := NewHash(algo)
	h.Write(left[:])  //nolint:errcheck
	h.Write(right[:]) //nolint:errcheck
	var out leafsync.ChunkHash
	copy(out[:], h.Sum(nil))
	return out
}

// Builder accumulates chunk hashes in file order, so a caller
// streaming chunks through a file gets both the leaf list (Leaves) and
// the root (Root) from one read. Add only appends; no pairs are folded
// until Root, which runs MerkleRoot over the full leaf slice one level
// at a time. Call Add once per chunk in order, then Root.
type Builder struct {
	algo   leafsync.HashAlgo
	leaves []leafsync.ChunkHash
}

// NewBuilder returns a Builder for the given hash algorithm.
func NewBuilder(algo leafsync.HashAlgo) *Builder {
	return &Builder{algo: algo}
}

// Add appends the next chunk hash, in file order.
func (b *Builder) Add(h leafsync.ChunkHash) {
	b.leaves = append(b.leaves, h)
}

// Leaves returns the accumulated chunk hashes, in order.
func (b *Builder) Leaves() []leafsync.ChunkHash {
	return b.leaves
}

// Root folds the accumulated leaves into the Merkle root. It may be
// called multiple times; it does not consume the builder's state.
func (b *Builder) Root() leafsync.ChunkHash {
	return MerkleRoot(b.algo, b.leaves)
}
