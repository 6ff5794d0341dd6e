package primitives

import (
	"crypto"
	_ "crypto/sha1"
	_ "crypto/sha256"
	_ "crypto/sha512"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/asn1"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/digitorus/pkcs7"
)

// Hash returns alg(data).
func Hash(alg crypto.Hash, data []byte) []byte {
	h := alg.New()
	h.Write(data)
	return h.Sum(nil)
}

// HexLower returns the lowercase hex encoding of b.
func HexLower(b []byte) string {
	return hex.EncodeToString(b)
}

// HashAlgorithmName returns the short name ("sha1", "sha256", ...) of a
// hash algorithm OID, adapted from certvalidator/util.go.
func HashAlgorithmName(oid asn1.ObjectIdentifier) string {
	switch {
	case oid.Equal(OIDSHA1):
		return "sha1"
	case oid.Equal(OIDSHA256):
		return "sha256"
	case oid.Equal(OIDSHA384):
		return "sha384"
	case oid.Equal(OIDSHA512):
		return "sha512"
	default:
		return oid.String()
	}
}

func hashAlgByName(name string) (crypto.Hash, error) {
	switch strings.ToLower(name) {
	case "sha1":
		return crypto.SHA1, nil
	case "sha256", "":
		return crypto.SHA256, nil
	case "sha384":
		return crypto.SHA384, nil
	case "sha512":
		return crypto.SHA512, nil
	default:
		return 0, fmt.Errorf("unsupported hash algorithm %q", name)
	}
}

// HashAlgByName exposes hashAlgByName for callers outside this package
// that need to resolve a ParsedToken.IssuerIDAlg string back to a
// crypto.Hash (e.g. the chain builder when recomputing iid over a
// candidate certificate).
func HashAlgByName(name string) (crypto.Hash, error) { return hashAlgByName(name) }

// SubjectHashOpenSSL computes the `openssl x509 -subject_hash` value: the
// subject Name in OpenSSL's canonical form (string values re-encoded as
// UTF8String, lowercased, trimmed, inner whitespace runs collapsed to one
// space, RDN SETs concatenated without the outer SEQUENCE) is hashed with
// SHA-1, and the first four bytes are read as a little-endian uint32 and
// rendered as 8 lowercase hex characters. This is the filename key
// OpenSSL's c_rehash (and this system's trust store) uses for
// `<subject_hash>.0`. Lowercasing and whitespace use Go's Unicode rules
// where OpenSSL folds only ASCII, so a name with non-ASCII capitals
// hashes differently from OpenSSL's value.
func SubjectHashOpenSSL(cert *x509.Certificate) string {
	var rdn pkix.RDNSequence
	if _, err := asn1.Unmarshal(cert.RawSubject, &rdn); err != nil {
		return ""
	}
	var canon []byte
	for _, set := range rdn {
		for i, atv := range set {
			if s, ok := atv.Value.(string); ok {
				s = strings.Join(strings.Fields(strings.ToLower(s)), " ")
				set[i].Value = asn1.RawValue{Tag: asn1.TagUTF8String, Bytes: []byte(s)}
			}
		}
		der, err := asn1.Marshal(set)
		if err != nil {
			return ""
		}
		canon = append(canon, der...)
	}
	sum := Hash(crypto.SHA1, canon)
	n := binary.LittleEndian.Uint32(sum[:4])
	return fmt.Sprintf("%08x", n)
}

// PKCS7ExtractCerts returns the ordered list of certificate DERs embedded
// in a PKCS#7/CMS SignedData structure (such as a TimeStampToken requested
// with certReq=true). Delegates to digitorus/pkcs7 rather than re-parsing
// the certificate SET by hand.
func PKCS7ExtractCerts(der []byte) ([]*x509.Certificate, error) {
	p7, err := pkcs7.Parse(der)
	if err != nil {
		return nil, fmt.Errorf("pkcs7 parse: %w", err)
	}
	return p7.Certificates, nil
}

// VerifyTokenSignature cryptographically verifies the CMS signature over
// a token's signed attributes, delegating to digitorus/pkcs7 rather than
// hand-rolling RSA/ECDSA signature verification. Most real tokens are
// requested with certReq=false and so carry no embedded signer
// certificate (digitorus/pkcs7's Verify otherwise fails with "No
// certificate for signer", the same gap moby/moby's and fullsailor's
// timestamp.go work around by only calling Verify when p7.Certificates
// is already non-empty); chain is the signer-to-root chain C3 rebuilt for
// this token's issuer id, spliced into p7.Certificates so Verify can find
// the signer regardless of whether the token embedded it.
func VerifyTokenSignature(der []byte, chain []*x509.Certificate) error {
	p7, err := pkcs7.Parse(der)
	if err != nil {
		return fmt.Errorf("pkcs7 parse: %w", err)
	}
	if len(chain) == 0 {
		return fmt.Errorf("cms signature verification failed: no signer certificate available")
	}
	if len(p7.Certificates) == 0 {
		p7.Certificates = chain
	}
	if err := p7.Verify(); err != nil {
		return fmt.Errorf("cms signature verification failed: %w", err)
	}
	return nil
}

// VerifyOutcome classifies the result of an X.509 path check, mirroring
// spec.md's {Ok, Revoked, Expired, UntrustedRoot, Other} result shape.
type VerifyOutcome struct {
	Kind    VerifyKind
	Reason  string // populated for Revoked
	Message string // populated for Other
}

type VerifyKind int

const (
	VerifyOk VerifyKind = iota
	VerifyRevoked
	VerifyExpired
	VerifyUntrustedRoot
	VerifyOther
)

func (o VerifyOutcome) OK() bool { return o.Kind == VerifyOk }

// VerifyX509 verifies that leaf chains to one of roots through chain,
// valid at the given time, delegating the path-building/signature-
// algorithm machinery to stdlib x509.Certificate.Verify. CRL revocation
// status is layered on top by the caller (internal/tokenvalidator),
// since Go's stdlib Verify has no CRL awareness.
func VerifyX509(leaf *x509.Certificate, chain []*x509.Certificate, roots *x509.CertPool, at time.Time) VerifyOutcome {
	intermediates := x509.NewCertPool()
	for _, c := range chain {
		if c.Raw != nil && !bytesEqual(c.Raw, leaf.Raw) {
			intermediates.AddCert(c)
		}
	}
	_, err := leaf.Verify(x509.VerifyOptions{
		Roots:         roots,
		Intermediates: intermediates,
		CurrentTime:   at,
		KeyUsages:     []x509.ExtKeyUsage{x509.ExtKeyUsageAny},
	})
	if err == nil {
		return VerifyOutcome{Kind: VerifyOk}
	}
	switch err.(type) {
	case x509.CertificateInvalidError:
		if strings.Contains(err.Error(), "expired") || strings.Contains(err.Error(), "not yet valid") {
			return VerifyOutcome{Kind: VerifyExpired, Message: err.Error()}
		}
	case x509.UnknownAuthorityError:
		return VerifyOutcome{Kind: VerifyUntrustedRoot, Message: err.Error()}
	}
	return VerifyOutcome{Kind: VerifyOther, Message: err.Error()}
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

// TokenGenTime returns the GenTime field of a parsed token's TSTInfo.
func TokenGenTime(tok *ParsedToken) time.Time {
	return tok.TSTInfo.GenTime
}

// TokenMessageImprint returns the hash algorithm and digest the token
// claims to have been timestamped over.
func TokenMessageImprint(tok *ParsedToken) (crypto.Hash, []byte) {
	alg, err := hashAlgByName(HashAlgorithmName(tok.TSTInfo.MessageImprint.HashAlgorithm.Algorithm))
	if err != nil {
		alg = crypto.SHA256
	}
	return alg, tok.TSTInfo.MessageImprint.HashedMessage
}
