// Package appcheck defines the caller-observable error taxonomy shared by
// every component of the timestamping pipeline, so the orchestrator and
// the validator walker can classify a failure without parsing error text.
package appcheck

import (
	"fmt"
	"time"
)

// ConfigError reports a missing or malformed timestamping configuration.
type ConfigError struct {
	Field   string
	Message string
}

func (e *ConfigError) Error() string {
	if e.Field == "" {
		return e.Message
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

func NewConfigError(field, message string) *ConfigError {
	return &ConfigError{Field: field, Message: message}
}

// NetworkError wraps a transport failure reaching a TSA, an AIA URI, or a
// CRL distribution point.
type NetworkError struct {
	URL string
	Err error
}

func (e *NetworkError) Error() string {
	return fmt.Sprintf("network error fetching %s: %v", e.URL, e.Err)
}

func (e *NetworkError) Unwrap() error { return e.Err }

func NewNetworkError(url string, err error) *NetworkError {
	return &NetworkError{URL: url, Err: err}
}

// TsaRejected reports a TSA reply whose PKIStatus was neither granted nor
// grantedWithMods.
type TsaRejected struct {
	Status     int
	StatusText string
	FailInfo   string
}

func (e *TsaRejected) Error() string {
	if e.FailInfo != "" {
		return fmt.Sprintf("TSA rejected request: status=%d (%s) failInfo=%s", e.Status, e.StatusText, e.FailInfo)
	}
	return fmt.Sprintf("TSA rejected request: status=%d (%s)", e.Status, e.StatusText)
}

func NewTsaRejected(status int, statusText, failInfo string) *TsaRejected {
	return &TsaRejected{Status: status, StatusText: statusText, FailInfo: failInfo}
}

// NonceMismatch reports a TSA reply whose nonce disagreed with the request.
type NonceMismatch struct {
	Sent     string
	Received string
}

func (e *NonceMismatch) Error() string {
	return fmt.Sprintf("nonce mismatch: sent %s, received %s", e.Sent, e.Received)
}

func NewNonceMismatch(sent, received string) *NonceMismatch {
	return &NonceMismatch{Sent: sent, Received: received}
}

// ChainIncomplete reports a certificate chain that could not be walked up
// to a self-signed root.
type ChainIncomplete struct {
	Message string
}

func (e *ChainIncomplete) Error() string { return "incomplete chain: " + e.Message }

func NewChainIncomplete(message string) *ChainIncomplete {
	return &ChainIncomplete{Message: message}
}

// UntrustedRoot reports a chain whose root is absent from the trust store.
type UntrustedRoot struct {
	Subject string
}

func (e *UntrustedRoot) Error() string {
	return fmt.Sprintf("untrusted root: %s not found in trust store", e.Subject)
}

func NewUntrustedRoot(subject string) *UntrustedRoot {
	return &UntrustedRoot{Subject: subject}
}

// Revoked reports a chain certificate revoked with a disqualifying reason.
type Revoked struct {
	Subject string
	Reason  string
}

func (e *Revoked) Error() string {
	return fmt.Sprintf("certificate %s revoked: %s", e.Subject, e.Reason)
}

func NewRevoked(subject, reason string) *Revoked {
	return &Revoked{Subject: subject, Reason: reason}
}

// Expired reports a chain certificate not valid at the time it needed to be.
type Expired struct {
	Subject string
	At      time.Time
}

func (e *Expired) Error() string {
	return fmt.Sprintf("certificate %s not valid at %s", e.Subject, e.At.Format(time.RFC3339))
}

func NewExpired(subject string, at time.Time) *Expired {
	return &Expired{Subject: subject, At: at}
}

// DigestMismatch reports a token whose messageImprint disagrees with the
// digest it is expected to bind.
type DigestMismatch struct {
	Expected string
	Got      string
}

func (e *DigestMismatch) Error() string {
	return fmt.Sprintf("digest mismatch: expected %s, token imprint %s", e.Expected, e.Got)
}

func NewDigestMismatch(expected, got string) *DigestMismatch {
	return &DigestMismatch{Expected: expected, Got: got}
}

// LtvMissing reports a historic LTV artifact that is required but absent
// and cannot be reconstructed.
type LtvMissing struct {
	Path string
}

func (e *LtvMissing) Error() string { return "missing LTV artifact: " + e.Path }

func NewLtvMissing(path string) *LtvMissing {
	return &LtvMissing{Path: path}
}

// FixedPointDiverged reports the orchestrator's fixed-point loop exceeding
// its iteration bound.
type FixedPointDiverged struct {
	Iterations int
}

func (e *FixedPointDiverged) Error() string {
	return fmt.Sprintf("fixed point did not converge after %d iterations", e.Iterations)
}

func NewFixedPointDiverged(iterations int) *FixedPointDiverged {
	return &FixedPointDiverged{Iterations: iterations}
}

// RepositoryCorrupt reports a failed repository integrity check, surfaced
// only on the validate path.
type RepositoryCorrupt struct {
	Message string
}

func (e *RepositoryCorrupt) Error() string { return "repository corrupt: " + e.Message }

func NewRepositoryCorrupt(message string) *RepositoryCorrupt {
	return &RepositoryCorrupt{Message: message}
}
