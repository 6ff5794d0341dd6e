// Package ltvstore implements C7: placing certificate-chain and CRL files
// under the repository's versioned LTV layout, keyed by issuer id.
// Adapted from sign/dss/dss.go's DSS/VRIEntry dedup-on-add pattern, but
// backed by the filesystem layout spec.md §3 requires
// (.timestampltv/{certs,crls}/<iid>.{cer,crl}) instead of a PDF object
// graph.
package ltvstore

import (
	"bytes"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/georgepadayatti/tstamp/internal/revocation"
)

const (
	CertsDir = "certs"
	CRLsDir  = "crls"
	rootDir  = ".timestampltv"
)

// Store is a handle onto <repoRoot>/.timestampltv. Writes land in the
// working tree; staging them into the VCS index is the caller's (C8's)
// responsibility, since the VCS index itself is out of scope here.
type Store struct {
	repoRoot string
	// staged tracks paths written during the current invocation, relative
	// to repoRoot, for the orchestrator to `git add`.
	staged []string
}

func New(repoRoot string) *Store {
	return &Store{repoRoot: repoRoot}
}

func (s *Store) certPath(iid string) string { return filepath.Join(s.repoRoot, rootDir, CertsDir, iid+".cer") }
func (s *Store) crlPath(iid string) string  { return filepath.Join(s.repoRoot, rootDir, CRLsDir, iid+".crl") }

// RelPath returns a store-relative path (as it would appear in the
// commit's tree), e.g. ".timestampltv/certs/<iid>.cer".
func RelPath(kind, iid string) string {
	ext := "cer"
	if kind == CRLsDir {
		ext = "crl"
	}
	return filepath.ToSlash(filepath.Join(rootDir, kind, iid+"."+ext))
}

// HasCert reports whether certs/<iid>.cer already exists.
func (s *Store) HasCert(iid string) bool {
	_, err := os.Stat(s.certPath(iid))
	return err == nil
}

// ReadCert loads and parses an existing chain file, signer first, root
// last, matching invariant I4.
func (s *Store) ReadCert(iid string) ([]*x509.Certificate, error) {
	data, err := os.ReadFile(s.certPath(iid))
	if err != nil {
		return nil, err
	}
	return decodeChainPEM(data)
}

// WriteChain serializes chain (signer first, self-signed root last) to
// certs/<iid>.cer with a subject=/issuer= preamble before each PEM block,
// the same human-readable convention sign/dss/dss.go's cert export uses.
// Writing byte-identical content a second time is a no-op: this is what
// lets the orchestrator's fixed-point loop converge (P7) instead of
// perturbing the tree digest on every iteration.
func (s *Store) WriteChain(iid string, chain []*x509.Certificate) error {
	var buf bytes.Buffer
	for _, cert := range chain {
		fmt.Fprintf(&buf, "subject=%s\n", cert.Subject.String())
		fmt.Fprintf(&buf, "issuer=%s\n", cert.Issuer.String())
		if err := pem.Encode(&buf, &pem.Block{Type: "CERTIFICATE", Bytes: cert.Raw}); err != nil {
			return err
		}
	}
	return s.writeIfChanged(s.certPath(iid), buf.Bytes(), RelPath(CertsDir, iid))
}

// WriteCRLBundle writes (or refreshes) crls/<iid>.crl. Refreshing with a
// newer bundle covering the same certificates implements invariant I6's
// sealing-by-inclusion: the newest available CRL state is what gets
// staged into the next timestamp commit's tree.
func (s *Store) WriteCRLBundle(iid string, pemBundle []byte) error {
	return s.writeIfChanged(s.crlPath(iid), pemBundle, RelPath(CRLsDir, iid))
}

// ReadCRLBundle returns the raw PEM bundle for iid, or nil if absent.
func (s *Store) ReadCRLBundle(iid string) ([]byte, error) {
	data, err := os.ReadFile(s.crlPath(iid))
	if os.IsNotExist(err) {
		return nil, nil
	}
	return data, err
}

// ReadCRLs parses crls/<iid>.crl into individual revocation lists.
func (s *Store) ReadCRLs(iid string) ([]*x509.RevocationList, error) {
	data, err := s.ReadCRLBundle(iid)
	if err != nil || data == nil {
		return nil, err
	}
	return revocation.ParseCRLBundle(data)
}

func (s *Store) writeIfChanged(path string, data []byte, relPath string) error {
	existing, err := os.ReadFile(path)
	if err == nil && bytes.Equal(existing, data) {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return err
	}
	s.staged = append(s.staged, relPath)
	return nil
}

// Staged returns the store-relative paths written since the store was
// constructed (or since StagedReset), for the orchestrator to `git add`.
func (s *Store) Staged() []string {
	out := append([]string(nil), s.staged...)
	sort.Strings(out)
	return out
}

// StagedReset clears the staged-paths list, e.g. between fixed-point
// iterations once the orchestrator has already added them to the index.
func (s *Store) StagedReset() { s.staged = nil }

// DecodeChainPEM parses a certs/<iid>.cer-shaped PEM bundle (signer first,
// root last), exposed for the validator walker's historic chain-resolution
// fallback (`git show C:.timestampltv/certs/<iid>.cer`), which reads the
// bytes straight from a historic commit tree rather than the filesystem.
func DecodeChainPEM(data []byte) ([]*x509.Certificate, error) {
	return decodeChainPEM(data)
}

func decodeChainPEM(data []byte) ([]*x509.Certificate, error) {
	var certs []*x509.Certificate
	rest := data
	for {
		var block *pem.Block
		block, rest = pem.Decode(rest)
		if block == nil {
			break
		}
		if block.Type != "CERTIFICATE" {
			continue
		}
		cert, err := x509.ParseCertificate(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("parse chain certificate: %w", err)
		}
		certs = append(certs, cert)
	}
	return certs, nil
}
