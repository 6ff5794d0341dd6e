package tsaclient

import (
	"context"
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/asn1"
	"io"
	"math/big"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/georgepadayatti/tstamp/internal/primitives"
)

// dummyTSA is a minimal local RFC3161 responder, adapted from
// sign/timestamps/dummy_client.go's DummyTimeStamper, used here only to
// exercise the client's request/response round trip without a network
// dependency.
type dummyTSA struct {
	cert *x509.Certificate
	key  *rsa.PrivateKey
}

func newDummyTSA(t *testing.T) *dummyTSA {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(42),
		Subject:      pkix.Name{CommonName: "Dummy TSA"},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(24 * time.Hour),
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageTimeStamping},
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	if err != nil {
		t.Fatalf("create certificate: %v", err)
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		t.Fatalf("parse certificate: %v", err)
	}
	return &dummyTSA{cert: cert, key: key}
}

func (d *dummyTSA) handle(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)
	var req primitives.TimeStampReq
	if _, err := asn1.Unmarshal(body, &req); err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	tst := primitives.TSTInfo{
		Version:        1,
		Policy:         asn1.ObjectIdentifier{1, 2, 3},
		MessageImprint: req.MessageImprint,
		SerialNumber:   big.NewInt(1),
		GenTime:        time.Now().UTC(),
		Nonce:          req.Nonce,
	}
	tstBytes, err := asn1.Marshal(tst)
	if err != nil {
		w.WriteHeader(http.StatusInternalServerError)
		return
	}

	signedAttrs := []attribute{
		{Type: primitives.OIDContentType, Values: []asn1.RawValue{{FullBytes: mustMarshal(primitives.OIDTSTInfo)}}},
		{Type: primitives.OIDMessageDigest, Values: []asn1.RawValue{{Class: asn1.ClassUniversal, Tag: asn1.TagOctetString, Bytes: sum(tstBytes)}}},
	}
	signedAttrsBytes, _ := asn1.Marshal(signedAttrs)
	h := sha256.Sum256(signedAttrsBytes)
	sig, err := rsa.SignPKCS1v15(rand.Reader, d.key, crypto.SHA256, h[:])
	if err != nil {
		w.WriteHeader(http.StatusInternalServerError)
		return
	}

	si := signerInfo{
		Version:         1,
		SID:             issuerAndSerial{Issuer: asn1.RawValue{FullBytes: d.cert.RawIssuer}, SerialNumber: d.cert.SerialNumber},
		DigestAlgorithm: primitives.AlgorithmIdentifier{Algorithm: primitives.OIDSHA256, Parameters: asn1.RawValue{Tag: 5}},
		SignedAttrs:     signedAttrs,
		SignatureAlg:    primitives.AlgorithmIdentifier{Algorithm: asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 1, 11}, Parameters: asn1.RawValue{Tag: 5}},
		Signature:       sig,
	}

	sd := signedData{
		Version:          3,
		DigestAlgorithms: []primitives.AlgorithmIdentifier{{Algorithm: primitives.OIDSHA256, Parameters: asn1.RawValue{Tag: 5}}},
		EncapContentInfo: encapContentInfo{
			ContentType: primitives.OIDTSTInfo,
			Content:     asn1.RawValue{Class: asn1.ClassContextSpecific, Tag: 0, IsCompound: true, Bytes: tstBytes},
		},
		Certificates: []asn1.RawValue{{FullBytes: d.cert.Raw}},
		SignerInfos:  []signerInfo{si},
	}
	sdBytes, _ := asn1.Marshal(sd)

	ci := contentInfo{
		ContentType: asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 7, 2},
		Content:     asn1.RawValue{Class: asn1.ClassContextSpecific, Tag: 0, IsCompound: true, Bytes: sdBytes},
	}
	ciBytes, _ := asn1.Marshal(ci)

	resp := primitives.TimeStampResp{
		Status:         primitives.PKIStatusInfo{Status: primitives.PKIStatusGranted},
		TimeStampToken: asn1.RawValue{FullBytes: ciBytes},
	}
	respBytes, err := asn1.Marshal(resp)
	if err != nil {
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/timestamp-reply")
	w.Write(respBytes)
}

// The following types mirror sign/timestamps/dummy_client.go's CMS helper
// structs, duplicated here to keep the test self-contained.

type attribute struct {
	Type   asn1.ObjectIdentifier
	Values []asn1.RawValue `asn1:"set"`
}

type issuerAndSerial struct {
	Issuer       asn1.RawValue
	SerialNumber *big.Int
}

type signerInfo struct {
	Version         int
	SID             issuerAndSerial
	DigestAlgorithm primitives.AlgorithmIdentifier
	SignedAttrs     []attribute `asn1:"implicit,tag:0,set"`
	SignatureAlg    primitives.AlgorithmIdentifier
	Signature       []byte
}

type encapContentInfo struct {
	ContentType asn1.ObjectIdentifier
	Content     asn1.RawValue `asn1:"optional,tag:0"`
}

type signedData struct {
	Version          int
	DigestAlgorithms []primitives.AlgorithmIdentifier
	EncapContentInfo encapContentInfo
	Certificates     []asn1.RawValue `asn1:"optional,implicit,tag:0,set"`
	SignerInfos      []signerInfo    `asn1:"set"`
}

type contentInfo struct {
	ContentType asn1.ObjectIdentifier
	Content     asn1.RawValue `asn1:"tag:0"`
}

func mustMarshal(v interface{}) []byte {
	b, err := asn1.Marshal(v)
	if err != nil {
		panic(err)
	}
	return b
}

func sum(b []byte) []byte {
	h := sha256.Sum256(b)
	return h[:]
}

func TestRequestTokenRoundTrip(t *testing.T) {
	tsa := newDummyTSA(t)
	server := httptest.NewServer(http.HandlerFunc(tsa.handle))
	defer server.Close()

	client := New(server.URL)
	digest := sum([]byte("hello world"))

	tok, err := client.RequestToken(context.Background(), crypto.SHA256, digest, true)
	if err != nil {
		t.Fatalf("RequestToken() error: %v", err)
	}
	if len(tok.TSTInfo.MessageImprint.HashedMessage) == 0 {
		t.Fatalf("token has empty message imprint")
	}
	if len(tok.Certificates) != 1 {
		t.Fatalf("token certificates = %d, want 1", len(tok.Certificates))
	}
}

func TestRequestTokenNonceChecked(t *testing.T) {
	tsa := newDummyTSA(t)
	server := httptest.NewServer(http.HandlerFunc(tsa.handle))
	defer server.Close()

	client := New(server.URL)
	digest := sum([]byte("some content"))

	tok, err := client.RequestToken(context.Background(), crypto.SHA256, digest, false)
	if err != nil {
		t.Fatalf("RequestToken() error: %v", err)
	}
	if tok.TSTInfo.Nonce == nil {
		t.Fatalf("expected nonce to be echoed back")
	}
}
