// Package leafsync implements the sync core of a peer-to-peer file
// synchronization system: chunked content addressing, a Merkle diff
// protocol, a bidirectional transfer state machine, and atomic
// staging/finalize.
//
// Subpackages implement the individual components (chunk, manifest,
// diffplan, wire, staging, transfer); this package holds the shared
// types and the error-kind vocabulary used throughout.
package leafsync

import (
	"encoding/hex"
	"fmt"
	"path"
	"strings"
)

// HashSize is the width of a ChunkHash and a Merkle interior node, in
// bytes, regardless of which algorithm produced it.
const HashSize = 32

// ChunkHash is a digest of one chunk's bytes, or of a Merkle interior
// node's two children. Its width is fixed; its meaning depends on the
// HashAlgo negotiated for a session.
type ChunkHash [HashSize]byte

// String renders h as lowercase hex.
func (h ChunkHash) String() string {
	return hex.EncodeToString(h[:])
}

// IsZero reports whether h is the zero value.
func (h ChunkHash) IsZero() bool {
	return h == ChunkHash{}
}

// HashAlgo identifies the digest primitive negotiated for a session.
// It is carried on the wire as a single byte in HELLO/HELLO_OK.
type HashAlgo uint8

const (
	// HashSHA256 selects crypto/sha256.
	HashSHA256 HashAlgo = 0
	// HashBLAKE3 selects lukechampine.com/blake3.
	HashBLAKE3 HashAlgo = 1
)

// String implements fmt.Stringer.
func (a HashAlgo) String() string {
	switch a {
	case HashSHA256:
		return "sha256"
	case HashBLAKE3:
		return "blake3"
	default:
		return fmt.Sprintf("HashAlgo(%d)", uint8(a))
	}
}

// Valid reports whether a is a known algorithm id.
func (a HashAlgo) Valid() bool {
	return a == HashSHA256 || a == HashBLAKE3
}

// DefaultChunkSize is the session CHUNK_SIZE used when none is
// otherwise specified: 1 MiB.
const DefaultChunkSize = 1 << 20

// MaxRelPathLen is the maximum encoded length, in bytes, of a
// normalized relative path.
const MaxRelPathLen = 4096

// NormalizeRelPath validates and normalizes p into the canonical
// relative-path form required throughout the wire protocol and the
// manifest engine: forward slashes, no leading slash, no ".."
// components, no empty segments, length <= MaxRelPathLen.
//
// Normalization is idempotent: calling it again on its own output
// returns the same string unchanged.
func NormalizeRelPath(p string) (string, error) {
	if p == "" {
		return "", KindErrorf(ProtocolError, "empty relative path")
	}
	p = filepathToSlash(p)
	if strings.HasPrefix(p, "/") {
		return "", KindErrorf(ProtocolError, "relative path %q has leading slash", p)
	}
	clean := path.Clean(p)
	if clean == "." {
		return "", KindErrorf(ProtocolError, "relative path %q is empty after cleaning", p)
	}
	segs := strings.Split(clean, "/")
	for _, seg := range segs {
		if seg == "" {
			return "", KindErrorf(ProtocolError, "relative path %q has an empty segment", p)
		}
		if seg == ".." {
			return "", KindErrorf(ProtocolError, "relative path %q escapes its root", p)
		}
	}
	if len(clean) > MaxRelPathLen {
		return "", KindErrorf(ProtocolError, "relative path %q exceeds %d bytes", p, MaxRelPathLen)
	}
	return clean, nil
}

func filepathToSlash(p string) string {
	return strings.ReplaceAll(p, "\\", "/")
}
