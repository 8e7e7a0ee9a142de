// Package tcptransport implements transport.Transport over real TCP
// sockets, optionally wrapped in TLS for the "secure" half of the
// contract. It is the transport cmd/leafsync dials and listens with;
// production deployments with multiplexed streams would replace it
// with a QUIC-based transport without the sync core noticing, exactly
// as transport.Transport's doc comment promises.
package tcptransport

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/hex"
	"fmt"
	"math/big"
	"net"
	"sync"
	"time"

	"github.com/leafsync/leafsync"
	"github.com/leafsync/leafsync/transport"
)

// Transport dials and listens on real TCP addresses. A nil TLSConfig
// yields a plaintext transport suitable only for loopback testing; a
// non-nil TLSConfig wires up a TLS-wrapped transport for real
// deployments.
type Transport struct {
	TLSConfig *tls.Config
}

// New returns a Transport using tlsConfig for both Connect and Listen.
// tlsConfig may be nil.
func New(tlsConfig *tls.Config) *Transport {
	return &Transport{TLSConfig: tlsConfig}
}

var _ transport.Transport = (*Transport)(nil)

// Connect dials addr over TCP, performing a TLS handshake first when
// TLSConfig is set. The peer's leaf certificate fingerprint is
// available from the returned Conn before any LeafSync protocol bytes
// are exchanged, so the caller can consult its trust store first.
func (t *Transport) Connect(ctx context.Context, addr string) (transport.Conn, error) {
	var d net.Dialer
	raw, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, leafsync.WrapKindf(leafsync.TransportError, err, "dialing %s", addr)
	}

	if t.TLSConfig == nil {
		return &conn{base: raw}, nil
	}

	tlsConn := tls.Client(raw, t.TLSConfig)
	if err := tlsConn.HandshakeContext(ctx); err != nil {
		raw.Close()
		return nil, leafsync.WrapKindf(leafsync.TransportError, err, "TLS handshake with %s", addr)
	}
	fp := peerFingerprint(tlsConn.ConnectionState().PeerCertificates)
	return &conn{base: tlsConn, fingerprint: fp}, nil
}

// Listen binds addr over TCP, wrapping accepted connections in TLS
// when TLSConfig is set.
func (t *Transport) Listen(ctx context.Context, addr string) (transport.Listener, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, leafsync.WrapKindf(leafsync.TransportError, err, "listening on %s", addr)
	}
	return &listener{ln: ln, tlsConfig: t.TLSConfig}, nil
}

type listener struct {
	ln        net.Listener
	tlsConfig *tls.Config
}

func (l *listener) Accept(ctx context.Context) (transport.Conn, error) {
	type result struct {
		c   net.Conn
		err error
	}
	ch := make(chan result, 1)
	go func() {
		c, err := l.ln.Accept()
		ch <- result{c, err}
	}()
	select {
	case res := <-ch:
		if res.err != nil {
			return nil, leafsync.WrapKind(leafsync.TransportError, res.err, "accepting connection")
		}
		if l.tlsConfig == nil {
			return &conn{base: res.c}, nil
		}
		tlsConn := tls.Server(res.c, l.tlsConfig)
		if err := tlsConn.HandshakeContext(ctx); err != nil {
			res.c.Close()
			return nil, leafsync.WrapKind(leafsync.TransportError, err, "TLS handshake with client")
		}
		fp := peerFingerprint(tlsConn.ConnectionState().PeerCertificates)
		return &conn{base: tlsConn, fingerprint: fp}, nil
	case <-ctx.Done():
		return nil, leafsync.WrapKind(leafsync.TransportError, ctx.Err(), "accepting")
	}
}

func (l *listener) Addr() string { return l.ln.Addr().String() }

func (l *listener) Close() error { return l.ln.Close() }

// conn wraps a single net.Conn (plaintext or TLS) as transport.Conn.
// Like pipetransport, it hands out at most one stream per connection;
// a production transport with real multiplexing would lift this.
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
		return nil, leafsync.KindErrorf(leafsync.TransportError, "tcptransport supports one stream per connection")
	}
	c.used = true
	return c.base, nil
}

func (c *conn) AcceptStream(ctx context.Context) (transport.Stream, error) {
	return c.OpenStream(ctx)
}

func (c *conn) PeerFingerprint() string { return c.fingerprint }

func (c *conn) Close() error { return c.base.Close() }

func peerFingerprint(chain []*x509.Certificate) string {
	if len(chain) == 0 {
		return ""
	}
	return Fingerprint(chain[0])
}

// Fingerprint renders a certificate's trust-store identity: the
// lowercase hex SHA-256 digest of its DER encoding.
func Fingerprint(cert *x509.Certificate) string {
	sum := sha256.Sum256(cert.Raw)
	return hex.EncodeToString(sum[:])
}

// GenerateSelfSigned produces an ephemeral TLS identity for serve mode
// when no certificate is configured on disk. LeafSync's trust model is
// TOFU fingerprint pinning rather than CA validation, so a fresh,
// unsigned identity per run is exactly as trustworthy as a persistent
// one: what matters is that the fingerprint presented today matches
// the fingerprint pinned after the first successful connect.
func GenerateSelfSigned(commonName string) (tls.Certificate, string, error) {
	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return tls.Certificate{}, "", fmt.Errorf("generating key: %w", err)
	}
	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return tls.Certificate{}, "", fmt.Errorf("generating serial: %w", err)
	}
	tmpl := &x509.Certificate{
		SerialNumber: serial,
		Subject:      pkix.Name{CommonName: commonName},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(10 * 365 * 24 * time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth},
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &priv.PublicKey, priv)
	if err != nil {
		return tls.Certificate{}, "", fmt.Errorf("creating certificate: %w", err)
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return tls.Certificate{}, "", fmt.Errorf("parsing generated certificate: %w", err)
	}
	tlsCert := tls.Certificate{
		Certificate: [][]byte{der},
		PrivateKey:  priv,
		Leaf:        cert,
	}
	return tlsCert, Fingerprint(cert), nil
}
