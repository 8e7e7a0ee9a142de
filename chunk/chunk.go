// Package chunk implements the Chunker & Hasher component: splitting
// a file into fixed-size chunks, hashing them, and folding the chunk
// hashes into a Merkle tree.
package chunk

import (
	"context"
	"crypto/sha256"
	"hash"
	"io"

	"lukechampine.com/blake3"

	"github.com/leafsync/leafsync"
)

// Chunk is one fixed-size byte range of a file, in file order.
type Chunk struct {
	Index int
	Bytes []byte
}

// NewHash returns a fresh hash.Hash for the given algorithm. It
// panics on an unknown algorithm; callers are expected to have
// validated it during handshake.
func NewHash(algo leafsync.HashAlgo) hash.Hash {
	switch algo {
	case leafsync.HashBLAKE3:
		return blake3.New(leafsync.HashSize, nil)
	default:
		return sha256.New()
	}
}

// Sum hashes b in one call using algo.
func Sum(algo leafsync.HashAlgo, b []byte) leafsync.ChunkHash {
	h := NewHash(algo)
	h.Write(b) //nolint:errcheck // hash.Hash.Write never fails
	var out leafsync.ChunkHash
	copy(out[:], h.Sum(nil))
	return out
}

// Chunks reads r sequentially and invokes fn once per chunk, in
// order, with chunks of exactly size bytes except possibly the last,
// which holds 1..size bytes. It never buffers more than one chunk at
// a time. A zero-byte input yields zero calls to fn.
//
// fn's slice is only valid for the duration of the call; callers that
// need to retain bytes beyond it must copy them.
func Chunks(ctx context.Context, r io.Reader, size int, fn func(Chunk) error) error {
	if size <= 0 {
		return leafsync.KindErrorf(leafsync.ProtocolError, "chunk size must be positive, got %d", size)
	}
	buf := make([]byte, size)
	for index := 0; ; index++ {
		if err := ctx.Err(); err != nil {
			return leafsync.WrapKind(leafsync.IoError, err, "chunking cancelled")
		}
		n, err := io.ReadFull(r, buf)
		if n > 0 {
			if ferr := fn(Chunk{Index: index, Bytes: buf[:n]}); ferr != nil {
				return ferr
			}
		}
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			return nil
		}
		if err != nil {
			return leafsync.WrapKind(leafsync.IoError, err, "reading chunk")
		}
	}
}

// Count returns the number of chunks a file of size bytes has under
// chunkSize: ceil(size/chunkSize), or 0 for an empty file.
func Count(size uint64, chunkSize uint32) uint32 {
	if size == 0 {
		return 0
	}
	return uint32((size + uint64(chunkSize) - 1) / uint64(chunkSize))
}
