package revocation

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"math/big"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func issueCRL(t *testing.T, issuerCert *x509.Certificate, issuerKey *rsa.PrivateKey) []byte {
	t.Helper()
	template := &x509.RevocationList{
		Number:     big.NewInt(1),
		ThisUpdate: time.Now(),
		NextUpdate: time.Now().Add(24 * time.Hour),
	}
	der, err := x509.CreateRevocationList(rand.Reader, template, issuerCert, issuerKey)
	if err != nil {
		t.Fatalf("create CRL: %v", err)
	}
	return der
}

func TestDownloadCRLs(t *testing.T) {
	key, _ := rsa.GenerateKey(rand.Reader, 2048)
	tmpl := &x509.Certificate{
		SerialNumber:          big.NewInt(1),
		Subject:               pkix.Name{CommonName: "Issuer"},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(time.Hour),
		KeyUsage:              x509.KeyUsageCRLSign | x509.KeyUsageCertSign,
		IsCA:                  true,
		BasicConstraintsValid: true,
	}
	der, _ := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	issuer, _ := x509.ParseCertificate(der)

	crlDER := issueCRL(t, issuer, key)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(crlDER)
	}))
	defer server.Close()

	leafTmpl := &x509.Certificate{
		SerialNumber:          big.NewInt(2),
		Subject:               pkix.Name{CommonName: "Leaf"},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(time.Hour),
		CRLDistributionPoints: []string{server.URL},
	}
	leafDER, err := x509.CreateCertificate(rand.Reader, leafTmpl, issuer, &key.PublicKey, key)
	if err != nil {
		t.Fatalf("create leaf cert: %v", err)
	}
	leaf, _ := x509.ParseCertificate(leafDER)

	f := NewFetcher()
	bundle, err := f.DownloadCRLs(context.Background(), []*x509.Certificate{leaf, issuer})
	if err != nil {
		t.Fatalf("DownloadCRLs() error: %v", err)
	}

	crls, err := ParseCRLBundle(bundle)
	if err != nil {
		t.Fatalf("ParseCRLBundle() error: %v", err)
	}
	if len(crls) != 1 {
		t.Fatalf("ParseCRLBundle() returned %d CRLs, want 1 (issuer is self-signed and skipped, only leaf's issuer CRL DP fetched)", len(crls))
	}
}

func TestParseCRLBundleEmpty(t *testing.T) {
	crls, err := ParseCRLBundle(nil)
	if err != nil {
		t.Fatalf("ParseCRLBundle(nil) error: %v", err)
	}
	if len(crls) != 0 {
		t.Fatalf("ParseCRLBundle(nil) = %d CRLs, want 0", len(crls))
	}
}
