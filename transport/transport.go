// Package transport defines the secure multiplexed transport
// contract: client-side connect, server-side listen, and per-connection
// bidirectional streams. The sync core depends only on these
// interfaces; a production deployment supplies a real QUIC or
// TLS-multiplexed implementation.
package transport

import (
	"context"
	"io"
)

// Stream is one bidirectional, ordered, reliable byte stream within a
// Conn.
type Stream interface {
	io.ReadWriteCloser
}

// Conn is one established connection to a peer, over which streams
// are opened or accepted.
type Conn interface {
	// OpenStream opens a new bidirectional stream to the peer.
	OpenStream(ctx context.Context) (Stream, error)
	// AcceptStream blocks until the peer opens a stream, or ctx ends.
	AcceptStream(ctx context.Context) (Stream, error)
	// PeerFingerprint is the SHA-256 of the peer's certificate (or
	// other identity proof), lowercase hex, consulted by the trust
	// store before any protocol bytes are exchanged.
	PeerFingerprint() string
	// Close closes the connection and all of its streams.
	Close() error
}

// Transport is the client-and-server entry point: dial out, or listen
// for inbound connections.
type Transport interface {
	// Connect dials addr and returns a Conn. Connect does not consult
	// the trust store; the caller checks the Conn's PeerFingerprint
	// against it before opening any stream.
	Connect(ctx context.Context, addr string) (Conn, error)
	// Listen starts accepting inbound connections on addr.
	Listen(ctx context.Context, addr string) (Listener, error)
}

// Listener yields inbound connections.
type Listener interface {
	Accept(ctx context.Context) (Conn, error)
	Addr() string
	Close() error
}
