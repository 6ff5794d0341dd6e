// Package revocation implements C4: fetching CRLs (and, as a secondary
// enrichment, OCSP) for the certificates in a chain, adapted from
// certvalidator/fetchers/fetchers.go's CRLFetcher/OCSPFetcher.
package revocation

import (
	"bytes"
	"context"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"

	"golang.org/x/crypto/ocsp"

	"github.com/georgepadayatti/tstamp/internal/appcheck"
	"github.com/georgepadayatti/tstamp/internal/retry"
)

var (
	ErrNoDistributionPoints = errors.New("certificate has no CRL distribution points")
	ErrCRLParseFailed       = errors.New("failed to parse CRL")
)

// CRLPEMType is the PEM block type emitted for a fetched CRL, matching
// the conventional label openssl/Go produce for X509 CRLs.
const CRLPEMType = "X509 CRL"

// Fetcher downloads CRLs over HTTP(S), with the teacher's allow-listed
// scheme check and size-limited body read.
type Fetcher struct {
	Client          *http.Client
	Retry           *retry.Config
	MaxResponseSize int64
	UserAgent       string
}

func NewFetcher() *Fetcher {
	return &Fetcher{
		Client:          &http.Client{},
		Retry:           retry.DefaultConfig(),
		MaxResponseSize: 5 << 20,
		UserAgent:       "tstamp-crl-fetcher/1.0",
	}
}

// DownloadCRLs implements C4's download_crls operation: for every non-
// self-signed certificate in chain order, try its CRL distribution points
// in turn until one yields a parseable CRL, and accumulate a PEM bundle in
// chain order.
func (f *Fetcher) DownloadCRLs(ctx context.Context, chain []*x509.Certificate) ([]byte, error) {
	var buf []byte
	for _, cert := range chain {
		if isSelfSigned(cert) {
			continue
		}
		if len(cert.CRLDistributionPoints) == 0 {
			return nil, appcheck.NewChainIncomplete(fmt.Sprintf("no CRL distribution point for %s", cert.Subject))
		}

		var lastErr error
		fetched := false
		for _, dp := range cert.CRLDistributionPoints {
			data, err := f.fetchOne(ctx, dp)
			if err != nil {
				lastErr = err
				continue
			}
			crl, err := parseCRL(data)
			if err != nil {
				lastErr = err
				continue
			}
			buf = append(buf, crlToPEM(crl)...)
			fetched = true
			break
		}
		if !fetched {
			return nil, appcheck.NewNetworkError(cert.CRLDistributionPoints[0], lastErr)
		}
	}
	return buf, nil
}

// FetchCRL downloads and parses a single CRL, used by the validator when
// it needs to refresh one issuer's CRL independently of a full chain.
func (f *Fetcher) FetchCRL(ctx context.Context, urlStr string) (*x509.RevocationList, error) {
	data, err := f.fetchOne(ctx, urlStr)
	if err != nil {
		return nil, appcheck.NewNetworkError(urlStr, err)
	}
	return parseCRL(data)
}

func (f *Fetcher) fetchOne(ctx context.Context, urlStr string) ([]byte, error) {
	parsed, err := url.Parse(urlStr)
	if err != nil {
		return nil, fmt.Errorf("invalid URL: %w", err)
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return nil, fmt.Errorf("unsupported scheme %q", parsed.Scheme)
	}

	var body []byte
	err = retry.Do(ctx, f.Retry, func(attemptCtx context.Context) error {
		req, err := http.NewRequestWithContext(attemptCtx, http.MethodGet, urlStr, nil)
		if err != nil {
			return err
		}
		req.Header.Set("User-Agent", f.UserAgent)

		resp, err := f.Client.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			return fmt.Errorf("HTTP %d", resp.StatusCode)
		}
		data, err := io.ReadAll(io.LimitReader(resp.Body, f.MaxResponseSize))
		if err != nil {
			return err
		}
		body = data
		return nil
	})
	return body, err
}

func parseCRL(data []byte) (*x509.RevocationList, error) {
	der := data
	if block, _ := pem.Decode(data); block != nil {
		der = block.Bytes
	}
	crl, err := x509.ParseRevocationList(der)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCRLParseFailed, err)
	}
	return crl, nil
}

func crlToPEM(crl *x509.RevocationList) []byte {
	return pem.EncodeToMemory(&pem.Block{Type: CRLPEMType, Bytes: crl.Raw})
}

func isSelfSigned(cert *x509.Certificate) bool {
	return cert.Subject.String() == cert.Issuer.String()
}

// ParseCRLBundle splits a concatenated PEM bundle (as stored in
// crls/<iid>.crl) back into individual CRLs, in file order.
func ParseCRLBundle(bundle []byte) ([]*x509.RevocationList, error) {
	var out []*x509.RevocationList
	rest := bundle
	for {
		var block *pem.Block
		block, rest = pem.Decode(rest)
		if block == nil {
			break
		}
		crl, err := x509.ParseRevocationList(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrCRLParseFailed, err)
		}
		out = append(out, crl)
	}
	return out, nil
}

// FetchOCSP is a best-effort secondary revocation source used only by the
// validator's current-time spot check (spec.md §4.9 step 5) when a cert's
// CRL distribution point is unreachable. It is never required for a
// commit to succeed and never substitutes for the historic-CRL check.
func FetchOCSP(ctx context.Context, client *http.Client, cert, issuer *x509.Certificate) (*ocsp.Response, error) {
	if len(cert.OCSPServer) == 0 {
		return nil, errors.New("certificate declares no OCSP responder")
	}
	reqBytes, err := ocsp.CreateRequest(cert, issuer, nil)
	if err != nil {
		return nil, err
	}
	if client == nil {
		client = &http.Client{}
	}

	var parsed *ocsp.Response
	for _, responder := range cert.OCSPServer {
		httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, responder, bytes.NewReader(reqBytes))
		if err != nil {
			continue
		}
		httpReq.Header.Set("Content-Type", "application/ocsp-request")
		resp, err := client.Do(httpReq)
		if err != nil {
			continue
		}
		body, err := io.ReadAll(resp.Body)
		resp.Body.Close()
		if err != nil {
			continue
		}
		r, err := ocsp.ParseResponse(body, issuer)
		if err != nil {
			continue
		}
		parsed = r
		break
	}
	if parsed == nil {
		return nil, fmt.Errorf("no reachable OCSP responder for %s", cert.Subject)
	}
	return parsed, nil
}
