package orchestrator

import (
	"context"
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/asn1"
	"encoding/hex"
	"errors"
	"fmt"
	"math/big"
	"os"
	"testing"
	"time"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/jonboulle/clockwork"

	"github.com/georgepadayatti/tstamp/internal/appcheck"
	"github.com/georgepadayatti/tstamp/internal/chainbuilder"
	"github.com/georgepadayatti/tstamp/internal/ltvstore"
	"github.com/georgepadayatti/tstamp/internal/primitives"
	"github.com/georgepadayatti/tstamp/internal/tokenvalidator"
	"github.com/georgepadayatti/tstamp/internal/tsaconfig"
	"github.com/georgepadayatti/tstamp/internal/vcsrepo"
)

// The following types mirror primitives/token.go's unexported CMS shapes,
// duplicated here (as tsaclient/client_test.go also does) to build a minimal
// TimeStampToken DER that primitives.ParseToken will decode, without a
// cryptographically valid signature: refreshTimestampCommit only ever
// calls ParseToken, never VerifyTokenSignature.
type miniAttribute struct {
	Type   asn1.ObjectIdentifier
	Values []asn1.RawValue `asn1:"set"`
}

type miniIssuerAndSerial struct {
	Issuer       asn1.RawValue
	SerialNumber *big.Int
}

type miniSignerInfo struct {
	Version            int
	SID                miniIssuerAndSerial
	DigestAlgorithm    primitives.AlgorithmIdentifier
	SignedAttrs        []miniAttribute `asn1:"implicit,optional,tag:0,set"`
	SignatureAlgorithm primitives.AlgorithmIdentifier
	Signature          []byte
}

type miniEncapContentInfo struct {
	EContentType asn1.ObjectIdentifier
	EContent     asn1.RawValue `asn1:"optional,tag:0"`
}

type miniSignedData struct {
	Version          int
	DigestAlgorithms []primitives.AlgorithmIdentifier `asn1:"set"`
	EncapContentInfo miniEncapContentInfo
	SignerInfos      []miniSignerInfo `asn1:"set"`
}

type miniContentInfo struct {
	ContentType asn1.ObjectIdentifier
	Content     asn1.RawValue `asn1:"tag:0"`
}

func mustMarshal(t *testing.T, v interface{}) []byte {
	t.Helper()
	b, err := asn1.Marshal(v)
	if err != nil {
		t.Fatalf("asn1.Marshal: %v", err)
	}
	return b
}

// buildMinimalTokenDER constructs a TimeStampToken DER whose signing
// certificate identifier is iidHex.
func buildMinimalTokenDER(t *testing.T, iidHex string) []byte {
	t.Helper()
	certHash, err := hex.DecodeString(iidHex)
	if err != nil {
		t.Fatalf("decode iid: %v", err)
	}

	tst := primitives.TSTInfo{
		Version: 1,
		Policy:  asn1.ObjectIdentifier{1, 2, 3},
		MessageImprint: primitives.MessageImprint{
			HashAlgorithm: primitives.AlgorithmIdentifier{Algorithm: primitives.OIDSHA256, Parameters: asn1.RawValue{Tag: 5}},
			HashedMessage: []byte("0123456789012345678901234567890"),
		},
		SerialNumber: big.NewInt(1),
		GenTime:      time.Now().UTC(),
		Nonce:        big.NewInt(7),
	}
	tstBytes := mustMarshal(t, tst)

	essCertIDv2 := primitives.SigningCertificateV2{
		Certs: []primitives.ESSCertIDv2{{CertHash: certHash}},
	}
	essBytes := mustMarshal(t, essCertIDv2)

	si := miniSignerInfo{
		Version:         1,
		SID:             miniIssuerAndSerial{Issuer: asn1.RawValue{FullBytes: mustMarshal(t, struct{}{})}, SerialNumber: big.NewInt(1)},
		DigestAlgorithm: primitives.AlgorithmIdentifier{Algorithm: primitives.OIDSHA256, Parameters: asn1.RawValue{Tag: 5}},
		SignedAttrs: []miniAttribute{
			{Type: primitives.OIDSigningCertificateV2, Values: []asn1.RawValue{{FullBytes: essBytes}}},
		},
		SignatureAlgorithm: primitives.AlgorithmIdentifier{Algorithm: asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 1, 11}, Parameters: asn1.RawValue{Tag: 5}},
		Signature:          []byte("not-a-real-signature"),
	}

	sd := miniSignedData{
		Version:          3,
		DigestAlgorithms: []primitives.AlgorithmIdentifier{{Algorithm: primitives.OIDSHA256, Parameters: asn1.RawValue{Tag: 5}}},
		EncapContentInfo: miniEncapContentInfo{
			EContentType: primitives.OIDTSTInfo,
			EContent:     asn1.RawValue{Class: asn1.ClassContextSpecific, Tag: 0, IsCompound: true, Bytes: tstBytes},
		},
		SignerInfos: []miniSignerInfo{si},
	}
	sdBytes := mustMarshal(t, sd)

	ci := miniContentInfo{
		ContentType: asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 7, 2},
		Content:     asn1.RawValue{Class: asn1.ClassContextSpecific, Tag: 0, IsCompound: true, Bytes: sdBytes},
	}
	return mustMarshal(t, ci)
}

func selfSignedTimestampCert(t *testing.T, serial int64) *x509.Certificate {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	tmpl := &x509.Certificate{
		SerialNumber:          big.NewInt(serial),
		Subject:               pkix.Name{CommonName: fmt.Sprintf("Test TSA Root %d", serial)},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(24 * time.Hour),
		IsCA:                  true,
		BasicConstraintsValid: true,
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageCRLSign,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageTimeStamping},
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	if err != nil {
		t.Fatalf("create certificate: %v", err)
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		t.Fatalf("parse certificate: %v", err)
	}
	return cert
}

// newTestRepo creates a two-commit repository (so HEAD has a real parent
// to walk) and returns it opened through vcsrepo, with HEAD's commit.
func newTestRepo(t *testing.T) (*vcsrepo.Repo, *object.Commit) {
	t.Helper()
	dir := t.TempDir()
	gr, err := git.PlainInit(dir, false)
	if err != nil {
		t.Fatalf("git.PlainInit() error: %v", err)
	}
	wt, err := gr.Worktree()
	if err != nil {
		t.Fatalf("Worktree() error: %v", err)
	}

	sig := object.Signature{Name: "Tester", Email: "tester@example.com", When: time.Now()}
	commitFile := func(content, message string) *object.Commit {
		if err := os.WriteFile(dir+"/a.txt", []byte(content), 0o644); err != nil {
			t.Fatalf("write a.txt: %v", err)
		}
		if _, err := wt.Add("a.txt"); err != nil {
			t.Fatalf("stage a.txt: %v", err)
		}
		hash, err := wt.Commit(message, &git.CommitOptions{Author: &sig, Committer: &sig})
		if err != nil {
			t.Fatalf("commit: %v", err)
		}
		c, err := gr.CommitObject(hash)
		if err != nil {
			t.Fatalf("CommitObject: %v", err)
		}
		return c
	}

	commitFile("v1", "initial content")
	head := commitFile("v2", "second content")

	r, err := vcsrepo.Open(dir)
	if err != nil {
		t.Fatalf("vcsrepo.Open() error: %v", err)
	}
	return r, head
}

func TestSealRecursionGuard(t *testing.T) {
	p := &object.Commit{Message: SubjectMarker + "\nToken-Version: 1\n"}
	o := &Orchestrator{}
	final, err := o.Seal(context.Background(), p, nil)
	if err != nil {
		t.Fatalf("Seal() error = %v, want nil", err)
	}
	if final != nil {
		t.Fatalf("Seal() = %v, want nil (recursion guard)", final)
	}
}

type fakeRequester struct {
	err error
	tok *primitives.ParsedToken
}

func (f *fakeRequester) RequestToken(ctx context.Context, alg crypto.Hash, digest []byte, certReq bool) (*primitives.ParsedToken, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.tok, nil
}

func TestRequestAndValidateAllOptionalTSAsFail(t *testing.T) {
	o := &Orchestrator{
		NewClient: func(url string) chainbuilder.TokenRequester {
			return &fakeRequester{err: errors.New("unreachable")}
		},
	}
	tsas := []tsaconfig.TSA{
		{URL: "https://a.example.com", Optional: true},
		{URL: "https://b.example.com", Optional: true},
	}

	var warnings int
	o.Warnf = func(format string, args ...any) { warnings++ }

	_, err := o.requestAndValidate(context.Background(), tsas, []byte("digest"))
	if err == nil {
		t.Fatalf("requestAndValidate() error = nil, want ConfigError")
	}
	var cfgErr *appcheck.ConfigError
	if !errors.As(err, &cfgErr) {
		t.Fatalf("requestAndValidate() error = %T, want *appcheck.ConfigError", err)
	}
	if warnings != 2 {
		t.Fatalf("warnings = %d, want 2", warnings)
	}
}

func TestRequestAndValidateMandatoryTSAFailsImmediately(t *testing.T) {
	wantErr := errors.New("tsa unreachable")
	calls := 0
	o := &Orchestrator{
		NewClient: func(url string) chainbuilder.TokenRequester {
			calls++
			return &fakeRequester{err: wantErr}
		},
	}
	tsas := []tsaconfig.TSA{
		{URL: "https://mandatory.example.com", Optional: false},
		{URL: "https://never-reached.example.com", Optional: false},
	}

	_, err := o.requestAndValidate(context.Background(), tsas, []byte("digest"))
	if !errors.Is(err, wantErr) {
		t.Fatalf("requestAndValidate() error = %v, want %v", err, wantErr)
	}
	if calls != 1 {
		t.Fatalf("NewClient called %d times, want 1 (stop at first mandatory failure)", calls)
	}
}

func TestSealAncestorsStopsAtNearestTimestampCommit(t *testing.T) {
	repo, p := newTestRepo(t)

	cert := selfSignedTimestampCert(t, 99)
	iid := primitives.HexLower(primitives.Hash(crypto.SHA256, cert.Raw))

	store := ltvstore.New(repo.Path())
	if err := store.WriteChain(iid, []*x509.Certificate{cert}); err != nil {
		t.Fatalf("WriteChain() error: %v", err)
	}

	tokenDER := buildMinimalTokenDER(t, iid)
	message := BuildMessage(1, "sha256", "parent:aaaa,tree:bbbb", "cccc", []SealedToken{
		{TSAURL: "https://tsa.example.com", Token: &primitives.ParsedToken{Raw: tokenDER}},
	})

	// ts1 is built atop the test repo's existing HEAD (p), and is itself
	// then given one further non-timestamp descendant so sealAncestors
	// must walk past it to reach ts1 and stop there.
	ts1, err := repo.StageAndCommit(nil, message, object.Signature{Name: "Tester", Email: "t@example.com", When: time.Now()})
	if err != nil {
		t.Fatalf("StageAndCommit(ts1) error: %v", err)
	}
	_ = ts1
	final, err := repo.StageAndCommit(nil, "unrelated follow-up change", object.Signature{Name: "Tester", Email: "t@example.com", When: time.Now()})
	if err != nil {
		t.Fatalf("StageAndCommit(final) error: %v", err)
	}
	_ = p

	trustDir := t.TempDir()
	trust, err := chainbuilder.LoadTrustStore(trustDir)
	if err != nil {
		t.Fatalf("LoadTrustStore() error: %v", err)
	}

	o := &Orchestrator{
		Repo:      repo,
		Store:     store,
		Validator: tokenvalidator.New(trust),
	}

	if err := o.sealAncestors(context.Background(), final); err != nil {
		t.Fatalf("sealAncestors() error = %v, want nil", err)
	}
}

func TestMaxFixedPointIterationsMatchesDefaultBound(t *testing.T) {
	if MaxFixedPointIterations != tsaconfig.DefaultFixedPointBound {
		t.Fatalf("MaxFixedPointIterations = %d, want %d", MaxFixedPointIterations, tsaconfig.DefaultFixedPointBound)
	}
}

func TestOrchestratorSignatureUsesInjectedClock(t *testing.T) {
	fixed := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	clock := clockwork.NewFakeClockAt(fixed)
	o := &Orchestrator{Clock: clock, AuthorName: "Tester", AuthorEmail: "t@example.com"}

	sig := o.signature()
	if !sig.When.Equal(fixed) {
		t.Fatalf("signature().When = %v, want %v", sig.When, fixed)
	}
	if sig.Name != "Tester" || sig.Email != "t@example.com" {
		t.Fatalf("signature() = %+v, want Tester/t@example.com", sig)
	}
}
