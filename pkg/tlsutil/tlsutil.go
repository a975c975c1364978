// Package tlsutil builds TLS configurations for peer-to-peer connections
// from PEM files.
package tlsutil

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"

	"github.com/c360/eventpipe/errors"
)

// Config locates the PEM files for one node. Every node of a cluster
// usually shares the same certificate, so a client without CAFile trusts
// CertFile itself.
type Config struct {
	CertFile   string
	KeyFile    string
	CAFile     string
	MinVersion string

	// RequireClientCert turns on mutual TLS
	RequireClientCert bool

	// ServerName overrides the name verified by clients
	ServerName string

	InsecureSkipVerify bool
}

// LoadServerTLSConfig creates the listener side configuration
func LoadServerTLSConfig(cfg Config) (*tls.Config, error) {
	if cfg.CertFile == "" || cfg.KeyFile == "" {
		return nil, errors.WrapInvalid(
			fmt.Errorf("%w: certificate and key files are required", errors.ErrMissingConfig),
			"tlsutil", "LoadServerTLSConfig", "check files")
	}
	cert, err := tls.LoadX509KeyPair(cfg.CertFile, cfg.KeyFile)
	if err != nil {
		return nil, errors.WrapFatal(err, "tlsutil", "LoadServerTLSConfig", "load certificate")
	}

	tlsConfig := &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   parseTLSVersion(cfg.MinVersion),
	}

	if cfg.RequireClientCert {
		caFile := cfg.CAFile
		if caFile == "" {
			caFile = cfg.CertFile
		}
		clientCAs := x509.NewCertPool()
		if err := appendPEM(clientCAs, caFile); err != nil {
			return nil, errors.Wrap(err, "tlsutil", "LoadServerTLSConfig", "load client CA")
		}
		tlsConfig.ClientCAs = clientCAs
		tlsConfig.ClientAuth = tls.RequireAndVerifyClientCert
	}
	return tlsConfig, nil
}

// LoadClientTLSConfig creates the dialing side configuration. The system
// pool is trusted in addition to CAFile, or CertFile when no CA is given.
func LoadClientTLSConfig(cfg Config) (*tls.Config, error) {
	tlsConfig := &tls.Config{
		MinVersion: parseTLSVersion(cfg.MinVersion),
		ServerName: cfg.ServerName,
	}

	rootCAs, err := x509.SystemCertPool()
	if err != nil {
		rootCAs = x509.NewCertPool()
	}
	trust := cfg.CAFile
	if trust == "" {
		trust = cfg.CertFile
	}
	if trust != "" {
		if err := appendPEM(rootCAs, trust); err != nil {
			return nil, errors.Wrap(err, "tlsutil", "LoadClientTLSConfig", "load trusted certificates")
		}
	}
	tlsConfig.RootCAs = rootCAs

	if cfg.RequireClientCert {
		cert, err := tls.LoadX509KeyPair(cfg.CertFile, cfg.KeyFile)
		if err != nil {
			return nil, errors.WrapFatal(err, "tlsutil", "LoadClientTLSConfig", "load client certificate")
		}
		tlsConfig.Certificates = []tls.Certificate{cert}
	}

	// set deliberately by operators for test clusters
	if cfg.InsecureSkipVerify {
		tlsConfig.InsecureSkipVerify = true
	}
	return tlsConfig, nil
}

func appendPEM(pool *x509.CertPool, file string) error {
	pemData, err := os.ReadFile(file)
	if err != nil {
		return errors.WrapFatal(err, "tlsutil", "appendPEM", fmt.Sprintf("read %s", file))
	}
	if !pool.AppendCertsFromPEM(pemData) {
		return errors.WrapFatal(fmt.Errorf("invalid PEM data"), "tlsutil", "appendPEM",
			fmt.Sprintf("parse certificates from %s", file))
	}
	return nil
}

// parseTLSVersion returns tls.VersionTLS12 for empty or unknown versions
func parseTLSVersion(version string) uint16 {
	switch version {
	case "1.3":
		return tls.VersionTLS13
	default:
		return tls.VersionTLS12
	}
}
