// Package tlsmaterial loads the TLS material named in configuration
// (rootCertificate, clientCertificate, clientPrivateKey) into usable
// *tls.Config values: one per (organization, server) pair for the
// File-Server Client's mutual TLS, and one root-CA-only config for
// the Index-Server Client. Key material comes from the configured
// file paths; when no root CA path is configured, the returned config
// leaves RootCAs unset and so verifies servers against the system
// trust store.
package tlsmaterial

import (
	"crypto/tls"
	"crypto/x509"
	"os"

	"github.com/mredolatti/tf/internal/xerrors"
)

// RootCAPool reads a PEM-encoded root CA from path and returns a
// pool containing just that certificate.
func RootCAPool(path string) (*x509.CertPool, error) {
	pem, err := os.ReadFile(path)
	if err != nil {
		return nil, xerrors.E("tlsmaterial.RootCAPool", xerrors.Str(err.Error()))
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(pem) {
		return nil, xerrors.E("tlsmaterial.RootCAPool", xerrors.Str("no certificates found in "+path))
	}
	return pool, nil
}

// IndexServerConfig builds the *tls.Config used to reach the index
// server: root-CA verification only, no client certificate.
func IndexServerConfig(rootCAPath string) (*tls.Config, error) {
	if rootCAPath == "" {
		return &tls.Config{}, nil
	}
	pool, err := RootCAPool(rootCAPath)
	if err != nil {
		return nil, err
	}
	return &tls.Config{RootCAs: pool}, nil
}

// ClientTLSConfig builds the *tls.Config used to reach a single file
// server: mutual TLS with the client certificate and key configured
// for that (organization, server) pair, optionally verified against
// a configured root CA.
func ClientTLSConfig(rootCAPath, certPath, keyPath string) (*tls.Config, error) {
	if certPath == "" || keyPath == "" {
		return nil, xerrors.E("tlsmaterial.ClientTLSConfig", xerrors.Str("client certificate and key are required"))
	}
	cert, err := tls.LoadX509KeyPair(certPath, keyPath)
	if err != nil {
		return nil, xerrors.E("tlsmaterial.ClientTLSConfig", xerrors.Str(err.Error()))
	}
	cfg := &tls.Config{Certificates: []tls.Certificate{cert}}
	if rootCAPath != "" {
		pool, err := RootCAPool(rootCAPath)
		if err != nil {
			return nil, err
		}
		cfg.RootCAs = pool
	}
	return cfg, nil
}
