// Package tokenvalidator implements C5: verifying a single RFC3161 token
// against the digest it claims to certify and against the certificate
// chain and revocation state staged in the LTV store, adapted from
// certvalidator/validator.go's CertificateValidator.validate_usage flow.
package tokenvalidator

import (
	"context"
	"crypto"
	"crypto/x509"
	"fmt"
	"time"

	"github.com/georgepadayatti/tstamp/internal/appcheck"
	"github.com/georgepadayatti/tstamp/internal/chainbuilder"
	"github.com/georgepadayatti/tstamp/internal/ltvstore"
	"github.com/georgepadayatti/tstamp/internal/primitives"
	"github.com/georgepadayatti/tstamp/internal/revocation"
)

// Validator ties together the trust store, chain builder, CRL fetcher and
// LTV store to implement C5's verify_token operation.
type Validator struct {
	Trust   *chainbuilder.TrustStore
	Builder *chainbuilder.Builder
	CRL     *revocation.Fetcher
}

func New(trust *chainbuilder.TrustStore) *Validator {
	return &Validator{
		Trust:   trust,
		Builder: chainbuilder.New(trust),
		CRL:     revocation.NewFetcher(),
	}
}

// VerifyAndSeal implements spec.md §4.5's verify_token, used by the
// orchestrator at commit time: it ensures a chain and CRL bundle are
// present in store (building/fetching them if this is the first time this
// iid has been seen), checks the CMS signature and message imprint, and
// validates the signer's chain at the token's own generation time. A nil
// error means the token is acceptable to cite in this commit.
func (v *Validator) VerifyAndSeal(ctx context.Context, store *ltvstore.Store, requester chainbuilder.TokenRequester, tok *primitives.ParsedToken, alg crypto.Hash, digest []byte) error {
	if err := checkMessageImprint(tok, digest); err != nil {
		return err
	}

	iid := tok.IssuerIDHex
	if iid == "" {
		return appcheck.NewChainIncomplete("token carries no signing-certificate identifier")
	}

	chain, err := v.ensureChain(ctx, store, requester, tok, alg, digest, iid)
	if err != nil {
		return err
	}
	if err := primitives.VerifyTokenSignature(tok.Raw, chain); err != nil {
		return fmt.Errorf("ts_verify failed: %w", err)
	}
	if err := store.WriteChain(iid, chain); err != nil {
		return err
	}

	if err := v.ensureCRLs(ctx, store, chain, iid); err != nil {
		return err
	}

	genTime := primitives.TokenGenTime(tok)
	return v.verifyChainAt(store, chain, iid, genTime, true)
}

// ensureChain returns the existing staged chain for iid, or builds and
// stages a fresh one if this issuer id has not been seen before.
func (v *Validator) ensureChain(ctx context.Context, store *ltvstore.Store, requester chainbuilder.TokenRequester, tok *primitives.ParsedToken, alg crypto.Hash, digest []byte, iid string) ([]*x509.Certificate, error) {
	if store.HasCert(iid) {
		return store.ReadCert(iid)
	}
	return v.Builder.BuildChain(ctx, requester, tok, alg, digest)
}

// ensureCRLs downloads CRLs for chain if crls/<iid>.crl is missing.
func (v *Validator) ensureCRLs(ctx context.Context, store *ltvstore.Store, chain []*x509.Certificate, iid string) error {
	existing, err := store.ReadCRLBundle(iid)
	if err != nil {
		return err
	}
	if len(existing) > 0 {
		return nil
	}
	bundle, err := v.CRL.DownloadCRLs(ctx, chain)
	if err != nil {
		return err
	}
	return store.WriteCRLBundle(iid, bundle)
}

// RefreshCRLs re-fetches the CRL bundle for iid unconditionally, used by
// the orchestrator's ancestor-sealing phase (spec.md §4.8 step 1) rather
// than VerifyAndSeal's fetch-if-missing behaviour.
func (v *Validator) RefreshCRLs(ctx context.Context, store *ltvstore.Store, iid string) error {
	chain, err := store.ReadCert(iid)
	if err != nil {
		return err
	}
	bundle, err := v.CRL.DownloadCRLs(ctx, chain)
	if err != nil {
		return err
	}
	return store.WriteCRLBundle(iid, bundle)
}

// VerifyHistoric implements spec.md §4.9's per-token checks used by the
// validator walker: signature + chain validity at the token's own
// generation time, using only the LTV artifacts already committed to the
// repository (no live network fetches).
func (v *Validator) VerifyHistoric(store *ltvstore.Store, tok *primitives.ParsedToken, expectedDigest []byte) error {
	if err := checkMessageImprint(tok, expectedDigest); err != nil {
		return err
	}
	iid := tok.IssuerIDHex
	if iid == "" {
		return appcheck.NewChainIncomplete("token carries no signing-certificate identifier")
	}
	chain, err := store.ReadCert(iid)
	if err != nil {
		return appcheck.NewLtvMissing(fmt.Sprintf("certs/%s.cer", iid))
	}
	if err := primitives.VerifyTokenSignature(tok.Raw, chain); err != nil {
		return fmt.Errorf("ts_verify failed: %w", err)
	}
	genTime := primitives.TokenGenTime(tok)
	return v.verifyChainAt(store, chain, iid, genTime, true)
}

// VerifyPresent implements the walker's current-time spot check (spec.md
// §4.9 step 5) against the CRLs in the working tree's LTV store, which the
// walker uses when no live CRL fetch succeeded: the chain must still
// validate now, accepting only revocations with a benign reason code.
func (v *Validator) VerifyPresent(store *ltvstore.Store, iid string, now time.Time) error {
	chain, err := store.ReadCert(iid)
	if err != nil {
		return appcheck.NewLtvMissing(fmt.Sprintf("certs/%s.cer", iid))
	}
	return v.verifyChainAt(store, chain, iid, now, false)
}

// verifyChainAt checks chain for expiry/trust (via primitives.VerifyX509)
// and for revocation (via the CRLs staged under iid), at the instant `at`.
// Revocation is looked up for the signer certificate chain[0] only; the
// intermediate certificates are not checked against the CRLs. The
// trailing bool argument is ignored: the historic and present callers
// get the same checks.
func (v *Validator) verifyChainAt(store *ltvstore.Store, chain []*x509.Certificate, iid string, at time.Time, _ bool) error {
	crls, err := store.ReadCRLs(iid)
	if err != nil {
		return err
	}
	return v.verifyChainAtWithCRLs(chain, crls, at)
}

// verifyChainAtWithCRLs is verifyChainAt's core logic against an explicit
// CRL set, factored out so VerifyPresentWithCRLs can reuse it against a
// freshly-fetched bundle rather than whatever is staged in store.
func (v *Validator) verifyChainAtWithCRLs(chain []*x509.Certificate, crls []*x509.RevocationList, at time.Time) error {
	if len(chain) == 0 {
		return appcheck.NewChainIncomplete("empty chain")
	}
	leaf := chain[0]
	outcome := primitives.VerifyX509(leaf, chain[1:], v.Trust.ToCertPool(), at)
	switch outcome.Kind {
	case primitives.VerifyOk:
		// fallthrough to revocation check
	case primitives.VerifyExpired:
		return appcheck.NewExpired(leaf.Subject.String(), at)
	case primitives.VerifyUntrustedRoot:
		return appcheck.NewUntrustedRoot(leaf.Subject.String())
	default:
		return fmt.Errorf("x509_verify failed: %s", outcome.Message)
	}
	return checkRevocation(chain, crls, leaf)
}

// VerifyPresentWithCRLs is VerifyPresent's chain/revocation check against an
// explicit, freshly-fetched CRL set, used by the validator walker when a
// live CRL fetch at present time succeeds (spec.md §4.9 step 5's primary
// path, before falling back to VerifyPresent's staged-bundle read).
func (v *Validator) VerifyPresentWithCRLs(chain []*x509.Certificate, crls []*x509.RevocationList, now time.Time) error {
	return v.verifyChainAtWithCRLs(chain, crls, now)
}

// VerifyHistoricAt implements spec.md §4.9 step 4: x509_verify at the
// token's own generation time against the CRL bundle as it existed in a
// specific ancestor commit's tree. Unlike the present-time check, any
// matching revocation entry invalidates the token regardless of reason
// code — a CA reorganizing later does not get to rewrite what was true
// when the token was sealed.
func (v *Validator) VerifyHistoricAt(chain []*x509.Certificate, crls []*x509.RevocationList, at time.Time) error {
	if len(chain) == 0 {
		return appcheck.NewChainIncomplete("empty chain")
	}
	leaf := chain[0]
	outcome := primitives.VerifyX509(leaf, chain[1:], v.Trust.ToCertPool(), at)
	switch outcome.Kind {
	case primitives.VerifyOk:
		// fallthrough to revocation check
	case primitives.VerifyExpired:
		return appcheck.NewExpired(leaf.Subject.String(), at)
	case primitives.VerifyUntrustedRoot:
		return appcheck.NewUntrustedRoot(leaf.Subject.String())
	default:
		return fmt.Errorf("x509_verify failed: %s", outcome.Message)
	}
	return checkRevocationStrict(chain, crls, leaf)
}

// checkRevocationStrict is checkRevocation without the benign-reason
// exception, for the historic check only (spec.md §4.9 step 4).
func checkRevocationStrict(chain []*x509.Certificate, crls []*x509.RevocationList, leaf *x509.Certificate) error {
	for _, crl := range crls {
		if !issuerMatches(crl, chain) {
			continue
		}
		for _, entry := range crl.RevokedCertificateEntries {
			if entry.SerialNumber.Cmp(leaf.SerialNumber) != 0 {
				continue
			}
			reason := primitives.CRLReason(entry.ReasonCode)
			return appcheck.NewRevoked(leaf.Subject.String(), reason.String())
		}
	}
	return nil
}

// checkRevocation scans the staged CRLs for an entry matching leaf's
// serial number, accepting only an explicit, benign reason code
// spec.md names. A revocation entry with no reasonCode extension at all
// is not the same as an explicit unspecified(0), and is never benign.
func checkRevocation(chain []*x509.Certificate, crls []*x509.RevocationList, leaf *x509.Certificate) error {
	for _, crl := range crls {
		if !issuerMatches(crl, chain) {
			continue
		}
		for _, entry := range crl.RevokedCertificateEntries {
			if entry.SerialNumber.Cmp(leaf.SerialNumber) != 0 {
				continue
			}
			reason := primitives.CRLReason(entry.ReasonCode)
			if primitives.ReasonCodePresent(&entry) && reason.BenignForTimestamps() {
				continue
			}
			return appcheck.NewRevoked(leaf.Subject.String(), reason.String())
		}
	}
	return nil
}

func issuerMatches(crl *x509.RevocationList, chain []*x509.Certificate) bool {
	for _, c := range chain {
		if c.Subject.String() == crl.Issuer.String() {
			return true
		}
	}
	return false
}

func checkMessageImprint(tok *primitives.ParsedToken, expected []byte) error {
	_, imprint := primitives.TokenMessageImprint(tok)
	if !bytesEqual(imprint, expected) {
		return appcheck.NewDigestMismatch(primitives.HexLower(expected), primitives.HexLower(imprint))
	}
	return nil
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
