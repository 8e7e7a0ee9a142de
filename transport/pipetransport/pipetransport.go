// Package pipetransport implements transport.Transport over net.Pipe,
// for tests and for a single-process demo. It is not a production
// transport: there is no encryption and no network hop, only an
// in-memory handshake that still exercises the full session protocol
// above it.
package pipetransport

import (
	"context"
	"fmt"
	"net"
	"sync"

	"github.com/leafsync/leafsync"
	"github.com/leafsync/leafsync/transport"
)

// Registry connects a Connect call to a matching Listen call by
// address, the way a real transport would connect a dialer to a
// listener over the network. One Registry must be shared by both
// sides of a test.
type Registry struct {
	mu        sync.Mutex
	listeners map[string]chan net.Conn
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{listeners: make(map[string]chan net.Conn)}
}

// Transport is a transport.Transport backed by a shared Registry and
// a fixed fingerprint presented by this side to its peers.
type Transport struct {
	reg         *Registry
	fingerprint string
}

// New returns a Transport using reg to rendezvous connections, and
// presenting fingerprint as this side's identity to peers.
func New(reg *Registry, fingerprint string) *Transport {
	return &Transport{reg: reg, fingerprint: fingerprint}
}

var _ transport.Transport = (*Transport)(nil)

// Connect implements transport.Transport.
func (t *Transport) Connect(ctx context.Context, addr string) (transport.Conn, error) {
	t.reg.mu.Lock()
	ch, ok := t.reg.listeners[addr]
	t.reg.mu.Unlock()
	if !ok {
		return nil, leafsync.KindErrorf(leafsync.TransportError, "no listener at %s", addr)
	}

	client, server := net.Pipe()
	select {
	case ch <- server:
	case <-ctx.Done():
		client.Close()
		server.Close()
		return nil, leafsync.WrapKind(leafsync.TransportError, ctx.Err(), "connecting")
	}
	return &conn{base: client, fingerprint: t.fingerprint}, nil
}

// Listen implements transport.Transport.
func (t *Transport) Listen(ctx context.Context, addr string) (transport.Listener, error) {
	t.reg.mu.Lock()
	defer t.reg.mu.Unlock()
	if _, ok := t.reg.listeners[addr]; ok {
		return nil, leafsync.KindErrorf(leafsync.TransportError, "address %s already in use", addr)
	}
	ch := make(chan net.Conn, 16)
	t.reg.listeners[addr] = ch
	return &listener{reg: t.reg, addr: addr, ch: ch, fingerprint: t.fingerprint}, nil
}

type listener struct {
	reg         *Registry
	addr        string
	ch          chan net.Conn
	fingerprint string
}

func (l *listener) Accept(ctx context.Context) (transport.Conn, error) {
	select {
	case c, ok := <-l.ch:
		if !ok {
			return nil, leafsync.KindErrorf(leafsync.TransportError, "listener %s closed", l.addr)
		}
		return &conn{base: c, fingerprint: l.fingerprint}, nil
	case <-ctx.Done():
		return nil, leafsync.WrapKind(leafsync.TransportError, ctx.Err(), "accepting")
	}
}

func (l *listener) Addr() string { return l.addr }

func (l *listener) Close() error {
	l.reg.mu.Lock()
	defer l.reg.mu.Unlock()
	delete(l.reg.listeners, l.addr)
	close(l.ch)
	return nil
}

// conn wraps a single net.Conn as transport.Conn. Since net.Pipe
// yields exactly one byte stream per dial, OpenStream/AcceptStream
// hand out that one underlying pipe at most once per side; a real
// multiplexed transport would open independent streams per call.
type conn struct {
	base        net.Conn
	fingerprint string
	mu          sync.Mutex
	used        bool
}

var _ transport.Conn = (*conn)(nil)

func (c *conn) OpenStream(ctx context.Context) (transport.Stream, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.used {
		return nil, leafsync.KindErrorf(leafsync.TransportError, "pipetransport supports one stream per connection")
	}
	c.used = true
	return c.base, nil
}

func (c *conn) AcceptStream(ctx context.Context) (transport.Stream, error) {
	return c.OpenStream(ctx)
}

func (c *conn) PeerFingerprint() string { return c.fingerprint }

func (c *conn) Close() error { return c.base.Close() }

// Fingerprint renders a deterministic, test-only fingerprint for a
// named peer, standing in for the SHA-256-of-DER-certificate
// fingerprint a real transport would present.
func Fingerprint(name string) string {
	return fmt.Sprintf("%064x", name)
}
