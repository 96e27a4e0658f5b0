// Package tlsutil turns security.ClientTLSConfig into a *tls.Config for the
// relay connection
package tlsutil

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"
	"strings"

	"github.com/David-ssnd/rayz-web-sub000/errors"
	"github.com/David-ssnd/rayz-web-sub000/pkg/security"
)

// LoadClientTLSConfig trusts the system roots plus cfg.CAFiles and presents
// the configured client certificate, if any. Bad settings are invalid;
// unreadable files are fatal.
func LoadClientTLSConfig(cfg security.ClientTLSConfig) (*tls.Config, error) {
	if problems := cfg.Problems(); len(problems) > 0 {
		return nil, errors.WrapInvalid(
			fmt.Errorf("%w: %s", errors.ErrInvalidConfig, strings.Join(problems, "; ")),
			"tlsutil", "LoadClientTLSConfig", "check TLS settings")
	}

	roots, err := rootPool(cfg.CAFiles)
	if err != nil {
		return nil, errors.WrapFatal(err, "tlsutil", "LoadClientTLSConfig", "load CA files")
	}

	out := &tls.Config{
		MinVersion:         parseTLSVersion(cfg.MinVersion),
		RootCAs:            roots,
		InsecureSkipVerify: cfg.InsecureSkipVerify,
	}

	if cfg.MutualTLS() {
		cert, err := tls.LoadX509KeyPair(cfg.CertFile, cfg.KeyFile)
		if err != nil {
			return nil, errors.WrapFatal(err, "tlsutil", "LoadClientTLSConfig", "load client certificate")
		}
		out.Certificates = []tls.Certificate{cert}
	}
	return out, nil
}

func rootPool(caFiles []string) (*x509.CertPool, error) {
	pool, err := x509.SystemCertPool()
	if err != nil {
		pool = x509.NewCertPool()
	}
	for _, path := range caFiles {
		pemData, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		if !pool.AppendCertsFromPEM(pemData) {
			return nil, fmt.Errorf("%s: no PEM certificates", path)
		}
	}
	return pool, nil
}

// parseTLSVersion maps "1.3" to TLS 1.3 and anything else to TLS 1.2
func parseTLSVersion(version string) uint16 {
	if version == "1.3" {
		return tls.VersionTLS13
	}
	return tls.VersionTLS12
}
