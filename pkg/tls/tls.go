// Package tls provides TLS configuration utilities for servers and clients.
//
// All configurations enforce:
//   - TLS 1.3 minimum version
//   - Secure cipher suites only (AES-GCM, ChaCha20-Poly1305)
//
// Client certificates are optional on both sides: a server given a CA file
// requires and verifies client certificates (mutual TLS), and a client given a
// certificate and key presents them.
package tls

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"os"
)

// Config holds TLS certificate file paths for client or server configuration.
type Config struct {
	Enabled  bool
	CertFile string
	KeyFile  string
	CAFile   string
}

// Validate checks TLS configuration for a server.
// Returns error if TLS is enabled but the certificate or key is missing or inaccessible.
func (c Config) Validate() error {
	if !c.Enabled {
		return nil
	}

	if c.CertFile == "" || c.KeyFile == "" {
		return errors.New("tls enabled but cert/key files not specified")
	}

	return checkFiles(c.CertFile, c.KeyFile, c.CAFile)
}

var cipherSuites = []uint16{
	tls.TLS_AES_128_GCM_SHA256,
	tls.TLS_AES_256_GCM_SHA384,
	tls.TLS_CHACHA20_POLY1305_SHA256,
}

// NewServerTLSConfig creates a TLS configuration for HTTP/gRPC servers.
//
// Parameters:
//   - certFile: Server certificate file path (PEM format)
//   - keyFile: Server private key file path (PEM format)
//   - caFile: optional CA certificate for verifying client certificates (PEM format);
//     when set, clients must present a certificate signed by it
func NewServerTLSConfig(certFile, keyFile, caFile string) (*tls.Config, error) {
	if certFile == "" {
		return nil, errors.New("certificate file path cannot be empty")
	}
	if keyFile == "" {
		return nil, errors.New("key file path cannot be empty")
	}
	if err := checkFiles(certFile, keyFile, caFile); err != nil {
		return nil, err
	}

	cert, err := tls.LoadX509KeyPair(certFile, keyFile)
	if err != nil {
		return nil, fmt.Errorf("load server certificate: %w", err)
	}

	cfg := &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS13,
		CipherSuites: cipherSuites,
	}

	if caFile != "" {
		pool, err := loadCAPool(caFile)
		if err != nil {
			return nil, err
		}
		cfg.ClientCAs = pool
		cfg.ClientAuth = tls.RequireAndVerifyClientCert
	}

	return cfg, nil
}

// NewClientTLSConfig creates a TLS configuration for HTTP/gRPC clients.
//
// Parameters:
//   - certFile, keyFile: optional client certificate and key (PEM format),
//     both or neither
//   - caFile: optional CA certificate for verifying the server (PEM format);
//     the system roots are used when empty
func NewClientTLSConfig(certFile, keyFile, caFile string) (*tls.Config, error) {
	if (certFile == "") != (keyFile == "") {
		return nil, errors.New("client certificate and key must be given together")
	}
	if err := checkFiles(certFile, keyFile, caFile); err != nil {
		return nil, err
	}

	cfg := &tls.Config{
		MinVersion:   tls.VersionTLS13,
		CipherSuites: cipherSuites,
	}

	if certFile != "" {
		cert, err := tls.LoadX509KeyPair(certFile, keyFile)
		if err != nil {
			return nil, fmt.Errorf("load client certificate: %w", err)
		}
		cfg.Certificates = []tls.Certificate{cert}
	}

	if caFile != "" {
		pool, err := loadCAPool(caFile)
		if err != nil {
			return nil, err
		}
		cfg.RootCAs = pool
	}

	return cfg, nil
}

func loadCAPool(caFile string) (*x509.CertPool, error) {
	caCert, err := os.ReadFile(caFile)
	if err != nil {
		return nil, fmt.Errorf("read CA certificate: %w", err)
	}

	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(caCert) {
		return nil, errors.New("failed to parse CA certificate")
	}
	return pool, nil
}

// checkFiles stats every non-empty path.
func checkFiles(paths ...string) error {
	for _, path := range paths {
		if path == "" {
			continue
		}
		if _, err := os.Stat(path); err != nil {
			return fmt.Errorf("certificate file %q: %w", path, err)
		}
	}
	return nil
}
