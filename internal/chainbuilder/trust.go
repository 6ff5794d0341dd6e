// Package chainbuilder implements C3: given a token's signer-certificate
// identifier, rebuild the full chain from signer to self-signed root,
// using a fresh dummy certReq=true token, AIA fetching, and a local trust
// store. Adapted from certvalidator/authority.go's TrustAnchorStore and
// certvalidator/fetchers/fetchers.go's AIAFetcher.
package chainbuilder

import (
	"crypto/x509"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/georgepadayatti/tstamp/internal/primitives"
)

// TrustStore holds self-signed root certificates from a process-local
// directory, keyed by filename `<subject_hash>.0` (spec.md §3's
// "standard per-user CA-path format"), adapted from authority.go's
// TrustAnchorStore.Add/FindPotentialIssuers/ToCertPool.
type TrustStore struct {
	dir   string
	certs []*x509.Certificate
}

// LoadTrustStore reads every `*.0` PEM file in dir.
func LoadTrustStore(dir string) (*TrustStore, error) {
	ts := &TrustStore{dir: dir}
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return ts, nil
		}
		return nil, err
	}
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".0") {
			continue
		}
		data, err := os.ReadFile(filepath.Join(dir, e.Name()))
		if err != nil {
			continue
		}
		certs, err := decodeCertsPEMOrDER(data)
		if err != nil {
			continue
		}
		ts.certs = append(ts.certs, certs...)
	}
	return ts, nil
}

// Install writes a new self-signed root into the trust store directory,
// keyed by its OpenSSL-compatible subject hash, for the `trust <tsa_url>`
// CLI command (spec.md §6).
func (ts *TrustStore) Install(cert *x509.Certificate) error {
	if err := os.MkdirAll(ts.dir, 0o755); err != nil {
		return err
	}
	name := primitives.SubjectHashOpenSSL(cert) + ".0"
	pemBytes := encodeCertPEM(cert)
	if err := os.WriteFile(filepath.Join(ts.dir, name), pemBytes, 0o644); err != nil {
		return err
	}
	ts.certs = append(ts.certs, cert)
	return nil
}

// FindIssuer returns a trust-anchor certificate that issued cert, if any.
func (ts *TrustStore) FindIssuer(cert *x509.Certificate) (*x509.Certificate, bool) {
	for _, anchor := range ts.certs {
		if issuedBy(cert, anchor) {
			return anchor, true
		}
	}
	return nil, false
}

// Contains reports whether cert (by raw bytes) is present in the store.
func (ts *TrustStore) Contains(cert *x509.Certificate) bool {
	for _, c := range ts.certs {
		if bytesEqual(c.Raw, cert.Raw) {
			return true
		}
	}
	return false
}

// ToCertPool returns an *x509.CertPool seeded with every trust anchor,
// for use as stdlib x509.VerifyOptions.Roots.
func (ts *TrustStore) ToCertPool() *x509.CertPool {
	pool := x509.NewCertPool()
	for _, c := range ts.certs {
		pool.AddCert(c)
	}
	return pool
}

func issuedBy(cert, issuer *x509.Certificate) bool {
	if cert.Issuer.String() != issuer.Subject.String() {
		return false
	}
	if len(cert.AuthorityKeyId) > 0 && len(issuer.SubjectKeyId) > 0 {
		return bytesEqual(cert.AuthorityKeyId, issuer.SubjectKeyId)
	}
	return true
}

func isSelfSigned(cert *x509.Certificate) bool {
	return cert.Subject.String() == cert.Issuer.String()
}

func bytesEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func encodeCertPEM(cert *x509.Certificate) []byte {
	return pemBlock("CERTIFICATE", cert.Raw)
}

func decodeCertsPEMOrDER(data []byte) ([]*x509.Certificate, error) {
	if looksLikePEM(data) {
		return parsePEMCerts(data)
	}
	cert, err := x509.ParseCertificate(data)
	if err != nil {
		return nil, fmt.Errorf("not PEM or DER: %w", err)
	}
	return []*x509.Certificate{cert}, nil
}

func looksLikePEM(data []byte) bool {
	return len(data) > 10 && strings.Contains(string(data[:min(len(data), 64)]), "-----BEGIN")
}
