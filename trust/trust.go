// Package trust defines the trust-on-first-use store contract:
// lookup/pin/remove/list of peer certificate fingerprints.
package trust

import "context"

// Store is the trust-store collaborator. Fingerprints are 32-byte
// SHA-256 digests of the peer's certificate, rendered as lowercase
// hex.
type Store interface {
	// Lookup returns the pinned fingerprint for endpoint, or ok=false
	// if none is pinned.
	Lookup(ctx context.Context, endpoint string) (fingerprint string, ok bool, err error)
	// Pin records fingerprint as the trusted identity for endpoint,
	// overwriting any previous pin.
	Pin(ctx context.Context, endpoint, fingerprint string) error
	// Remove deletes any pin for endpoint.
	Remove(ctx context.Context, endpoint string) error
	// List returns every pinned (endpoint, fingerprint) pair.
	List(ctx context.Context) (map[string]string, error)
}

// Verify implements the pure TOFU decision described in the design
// notes: given what's pinned for endpoint and what the peer just
// presented, decide whether to proceed, and whether a new pin should
// be recorded. It consults no I/O itself.
func Verify(pinned string, havePinned bool, presented string, acceptFirst bool) (proceed, shouldPin bool) {
	switch {
	case havePinned:
		return pinned == presented, false
	case acceptFirst:
		return true, true
	default:
		return false, false
	}
}
