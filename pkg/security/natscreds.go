// Package security loads the TLS/credentials configuration for the
// host's own NATS connection. It does not issue certificates; that is
// the CA/mTLS machinery of a different system and is out of scope here.
package security

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"

	"github.com/nats-io/nats.go"
)

// TransportCreds describes the optional credential material a host may
// supply for its connection to the lattice transport.
type TransportCreds struct {
	// CredsFile is a NATS .creds file (JWT + seed). It may be combined
	// with the CA/cert/key trio below; Options applies both.
	CredsFile string

	CAFile   string
	CertFile string
	KeyFile  string
}

// Options translates TransportCreds into nats.Option values for
// nats.Connect. An empty TransportCreds yields no options, matching an
// unauthenticated local development connection.
func Options(creds TransportCreds) ([]nats.Option, error) {
	var opts []nats.Option

	if creds.CredsFile != "" {
		if _, err := os.Stat(creds.CredsFile); err != nil {
			return nil, fmt.Errorf("stat creds file: %w", err)
		}
		opts = append(opts, nats.UserCredentials(creds.CredsFile))
	}

	if creds.CertFile != "" || creds.KeyFile != "" || creds.CAFile != "" {
		tlsConfig, err := buildTLSConfig(creds)
		if err != nil {
			return nil, fmt.Errorf("build tls config: %w", err)
		}
		opts = append(opts, nats.Secure(tlsConfig))
	}

	return opts, nil
}

func buildTLSConfig(creds TransportCreds) (*tls.Config, error) {
	tlsConfig := &tls.Config{MinVersion: tls.VersionTLS12}

	if creds.CertFile != "" && creds.KeyFile != "" {
		cert, err := tls.LoadX509KeyPair(creds.CertFile, creds.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("load client keypair: %w", err)
		}
		tlsConfig.Certificates = []tls.Certificate{cert}
	}

	if creds.CAFile != "" {
		caPEM, err := os.ReadFile(creds.CAFile)
		if err != nil {
			return nil, fmt.Errorf("read ca file: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(caPEM) {
			return nil, fmt.Errorf("no certificates parsed from %s", creds.CAFile)
		}
		tlsConfig.RootCAs = pool
	}

	return tlsConfig, nil
}
