// Package tsaclient implements C2: building an RFC3161 TimeStampReq for a
// given digest, POSTing it to a TSA, and unwrapping the reply into a
// parsed token. Adapted from sign/timestamps/timestamp.go's
// HTTPTimestamper/CreateTimestampRequest/ParseTimestampResponse, changed
// to operate on a pre-computed digest (per spec.md §4.2) instead of
// hashing raw data itself.
package tsaclient

import (
	"bytes"
	"context"
	"crypto"
	"crypto/rand"
	"encoding/asn1"
	"fmt"
	"io"
	"math/big"
	"net/http"

	"github.com/georgepadayatti/tstamp/internal/appcheck"
	"github.com/georgepadayatti/tstamp/internal/primitives"
	"github.com/georgepadayatti/tstamp/internal/retry"
)

// Client requests RFC3161 tokens from a single TSA endpoint.
type Client struct {
	URL        string
	HTTPClient *http.Client
	Retry      *retry.Config
	Username   string
	Password   string
}

// New creates a Client for the given TSA URL with default retry behavior.
func New(url string) *Client {
	return &Client{
		URL:        url,
		HTTPClient: &http.Client{},
		Retry:      retry.DefaultConfig(),
	}
}

// SetCredentials configures HTTP basic auth for TSAs that require it.
func (c *Client) SetCredentials(username, password string) {
	c.Username = username
	c.Password = password
}

// RequestToken implements C2's request_token operation: build a
// TimeStampReq over (alg, digest), POST it, and return the parsed token.
// Nonce freshness and PKIStatus are both checked here, per spec.md §4.2.
func (c *Client) RequestToken(ctx context.Context, alg crypto.Hash, digest []byte, certReq bool) (*primitives.ParsedToken, error) {
	nonce, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 64))
	if err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}

	reqDER, err := marshalRequest(alg, digest, nonce, certReq)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}

	var respDER []byte
	err = retry.Do(ctx, c.Retry, func(attemptCtx context.Context) error {
		body, doErr := c.post(attemptCtx, reqDER)
		if doErr != nil {
			return doErr
		}
		respDER = body
		return nil
	})
	if err != nil {
		return nil, appcheck.NewNetworkError(c.URL, err)
	}

	var resp primitives.TimeStampResp
	if _, err := asn1.Unmarshal(respDER, &resp); err != nil {
		return nil, appcheck.NewNetworkError(c.URL, fmt.Errorf("malformed response: %w", err))
	}

	if resp.Status.Status != primitives.PKIStatusGranted && resp.Status.Status != primitives.PKIStatusGrantedWithMods {
		return nil, appcheck.NewTsaRejected(resp.Status.Status, statusText(resp.Status), failInfoText(resp.Status))
	}

	tok, err := primitives.ParseToken(resp.TimeStampToken.FullBytes)
	if err != nil {
		return nil, appcheck.NewNetworkError(c.URL, fmt.Errorf("parse token: %w", err))
	}
	tok.InfoLine = statusText(resp.Status)

	if tok.TSTInfo.Nonce == nil || tok.TSTInfo.Nonce.Cmp(nonce) != 0 {
		got := "<absent>"
		if tok.TSTInfo.Nonce != nil {
			got = tok.TSTInfo.Nonce.String()
		}
		return nil, appcheck.NewNonceMismatch(nonce.String(), got)
	}

	return tok, nil
}

func statusText(s primitives.PKIStatusInfo) string {
	if len(s.StatusString) > 0 {
		return s.StatusString[0]
	}
	return ""
}

func failInfoText(s primitives.PKIStatusInfo) string {
	if len(s.FailInfo.Bytes) == 0 {
		return ""
	}
	return fmt.Sprintf("%08b", s.FailInfo.Bytes)
}

func marshalRequest(alg crypto.Hash, digest []byte, nonce *big.Int, certReq bool) ([]byte, error) {
	oid, err := hashOID(alg)
	if err != nil {
		return nil, err
	}
	req := primitives.TimeStampReq{
		Version: 1,
		MessageImprint: primitives.MessageImprint{
			HashAlgorithm: primitives.AlgorithmIdentifier{
				Algorithm:  oid,
				Parameters: asn1.RawValue{Tag: 5}, // ASN.1 NULL
			},
			HashedMessage: digest,
		},
		Nonce:   nonce,
		CertReq: certReq,
	}
	return asn1.Marshal(req)
}

func hashOID(alg crypto.Hash) (asn1.ObjectIdentifier, error) {
	switch alg {
	case crypto.SHA1:
		return primitives.OIDSHA1, nil
	case crypto.SHA256:
		return primitives.OIDSHA256, nil
	case crypto.SHA384:
		return primitives.OIDSHA384, nil
	case crypto.SHA512:
		return primitives.OIDSHA512, nil
	default:
		return nil, fmt.Errorf("unsupported hash algorithm %v", alg)
	}
}

func (c *Client) post(ctx context.Context, reqDER []byte) ([]byte, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.URL, bytes.NewReader(reqDER))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/timestamp-query")
	httpReq.Header.Set("Accept", "application/timestamp-reply")
	if c.Username != "" {
		httpReq.SetBasicAuth(c.Username, c.Password)
	}

	resp, err := c.HTTPClient.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("HTTP %d from TSA", resp.StatusCode)
	}
	return io.ReadAll(resp.Body)
}
