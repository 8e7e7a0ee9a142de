package main

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"

	"github.com/leafsync/leafsync/transport/tcptransport"
)

func parseLeaf(cert tls.Certificate) (*x509.Certificate, error) {
	return x509.ParseCertificate(cert.Certificate[0])
}

// serverTLSConfig loads a certificate/key pair from disk, or
// generates an ephemeral self-signed identity when neither is given.
// It returns the fingerprint the CLI prints so the operator can
// communicate it out-of-band for the peer's -fingerprint/-accept-first
// TOFU pinning decision.
func serverTLSConfig(certPath, keyPath string) (*tls.Config, string, error) {
	var (
		cert tls.Certificate
		err  error
	)
	switch {
	case certPath != "" && keyPath != "":
		cert, err = tls.LoadX509KeyPair(certPath, keyPath)
		if err != nil {
			return nil, "", fmt.Errorf("loading certificate/key: %w", err)
		}
		if cert.Leaf == nil {
			leaf, lerr := parseLeaf(cert)
			if lerr != nil {
				return nil, "", fmt.Errorf("parsing certificate: %w", lerr)
			}
			cert.Leaf = leaf
		}
	case certPath == "" && keyPath == "":
		var fp string
		cert, fp, err = tcptransport.GenerateSelfSigned("leafsync-server")
		if err != nil {
			return nil, "", fmt.Errorf("generating ephemeral identity: %w", err)
		}
		return &tls.Config{
			Certificates: []tls.Certificate{cert},
			ClientAuth:   tls.NoClientCert,
		}, fp, nil
	default:
		return nil, "", fmt.Errorf("-cert and -key must be given together")
	}

	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		ClientAuth:   tls.NoClientCert,
	}, tcptransport.Fingerprint(cert.Leaf), nil
}

// clientTLSConfig skips certificate-chain verification: LeafSync's
// trust model is TOFU fingerprint pinning (see the trust package), not
// CA validation, so the peer's identity is checked against the trust
// store after the handshake rather than against a root pool during it.
func clientTLSConfig() *tls.Config {
	return &tls.Config{
		InsecureSkipVerify: true,
	}
}
