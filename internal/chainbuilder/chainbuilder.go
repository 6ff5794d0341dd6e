package chainbuilder

import (
	"context"
	"crypto"
	"crypto/x509"
	"fmt"
	"io"
	"net/http"

	"github.com/georgepadayatti/tstamp/internal/appcheck"
	"github.com/georgepadayatti/tstamp/internal/primitives"
)

// maxDummyAttempts bounds the dummy-token retries spec.md §4.3 allows for
// a TSA that has rotated its signing key since the real token was issued.
const maxDummyAttempts = 10

// TokenRequester is the subset of tsaclient.Client this package depends
// on, so tests can substitute a fake TSA without an HTTP round trip.
type TokenRequester interface {
	RequestToken(ctx context.Context, alg crypto.Hash, digest []byte, certReq bool) (*primitives.ParsedToken, error)
}

// Builder implements C3's build_chain operation.
type Builder struct {
	Trust      *TrustStore
	HTTPClient *http.Client
}

func New(trust *TrustStore) *Builder {
	return &Builder{Trust: trust, HTTPClient: &http.Client{}}
}

// BuildChain rebuilds the full certificate chain for tok (signer ...
// self-signed root) by requesting a fresh dummy certReq=true token
// against the same TSA/digest/alg and following AIA/trust-store links,
// per spec.md §4.3's algorithm.
func (b *Builder) BuildChain(ctx context.Context, requester TokenRequester, tok *primitives.ParsedToken, alg crypto.Hash, digest []byte) ([]*x509.Certificate, error) {
	if tok.IssuerIDHex == "" {
		return nil, appcheck.NewChainIncomplete("token carries no SigningCertificate{,V2} attribute")
	}
	hcAlg, err := primitives.HashAlgByName(tok.IssuerIDAlg)
	if err != nil {
		hcAlg = crypto.SHA256
	}

	signer, dummyCerts, err := b.findSignerViaDummyToken(ctx, requester, alg, digest, tok.IssuerIDHex, hcAlg)
	if err != nil {
		return nil, err
	}

	chain := []*x509.Certificate{signer}
	top := signer
	for !isSelfSigned(top) {
		if issuer := findIssuerAmong(top, dummyCerts); issuer != nil {
			chain = append(chain, issuer)
			top = issuer
			continue
		}
		if anchor, ok := b.Trust.FindIssuer(top); ok {
			chain = append(chain, anchor)
			top = anchor
			break
		}
		issuer, err := b.fetchViaAIA(ctx, top)
		if err != nil {
			return nil, appcheck.NewChainIncomplete(fmt.Sprintf("cannot reach issuer of %s: %v", top.Subject, err))
		}
		chain = append(chain, issuer)
		top = issuer
	}

	if !isSelfSigned(top) {
		return nil, appcheck.NewChainIncomplete(fmt.Sprintf("chain for %s did not terminate at a self-signed root", signer.Subject))
	}
	if !b.Trust.Contains(top) {
		return nil, appcheck.NewUntrustedRoot(top.Subject.String())
	}

	return chain, nil
}

// findSignerViaDummyToken repeats the dummy certReq=true request up to
// maxDummyAttempts times until the returned certificate set contains one
// certificate whose iid matches the original token's.
func (b *Builder) findSignerViaDummyToken(ctx context.Context, requester TokenRequester, alg crypto.Hash, digest []byte, wantIID string, hcAlg crypto.Hash) (*x509.Certificate, []*x509.Certificate, error) {
	var lastErr error
	for attempt := 0; attempt < maxDummyAttempts; attempt++ {
		dummy, err := requester.RequestToken(ctx, alg, digest, true)
		if err != nil {
			lastErr = err
			continue
		}
		for _, cert := range dummy.Certificates {
			if primitives.HexLower(primitives.Hash(hcAlg, cert.Raw)) == wantIID {
				return cert, dummy.Certificates, nil
			}
		}
		lastErr = fmt.Errorf("dummy token attempt %d: signer with iid %s not in returned cert set", attempt+1, wantIID)
	}
	return nil, nil, appcheck.NewChainIncomplete(fmt.Sprintf("exhausted %d dummy-token attempts: %v", maxDummyAttempts, lastErr))
}

func findIssuerAmong(cert *x509.Certificate, candidates []*x509.Certificate) *x509.Certificate {
	for _, candidate := range candidates {
		if bytesEqual(candidate.Raw, cert.Raw) {
			continue
		}
		if issuedBy(cert, candidate) {
			return candidate
		}
	}
	return nil
}

func (b *Builder) fetchViaAIA(ctx context.Context, cert *x509.Certificate) (*x509.Certificate, error) {
	if len(cert.IssuingCertificateURL) == 0 {
		return nil, fmt.Errorf("no AIA CA Issuers URI")
	}
	var lastErr error
	for _, url := range cert.IssuingCertificateURL {
		cert, err := b.fetchCertURL(ctx, url)
		if err == nil {
			return cert, nil
		}
		lastErr = err
	}
	return nil, lastErr
}

func (b *Builder) fetchCertURL(ctx context.Context, url string) (*x509.Certificate, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := b.HTTPClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("HTTP %d fetching %s", resp.StatusCode, url)
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, err
	}
	certs, err := decodeCertsPEMOrDER(data)
	if err != nil || len(certs) == 0 {
		return nil, fmt.Errorf("could not parse certificate from %s: %w", url, err)
	}
	return certs[0], nil
}
