package primitives

import (
	"crypto/x509"
	"fmt"
)

// CRLReason is the revocation reason code carried by a CRL entry's
// reasonCode extension (RFC 5280 §5.3.1), adapted from
// certvalidator/errors.go's CRLReason enum.
type CRLReason int

const (
	CRLReasonUnspecified          CRLReason = 0
	CRLReasonKeyCompromise        CRLReason = 1
	CRLReasonCACompromise         CRLReason = 2
	CRLReasonAffiliationChanged   CRLReason = 3
	CRLReasonSuperseded           CRLReason = 4
	CRLReasonCessationOfOperation CRLReason = 5
	CRLReasonCertificateHold      CRLReason = 6
	CRLReasonRemoveFromCRL        CRLReason = 8
	CRLReasonPrivilegeWithdrawn   CRLReason = 9
	CRLReasonAACompromise         CRLReason = 10
)

func (r CRLReason) String() string {
	switch r {
	case CRLReasonUnspecified:
		return "unspecified"
	case CRLReasonKeyCompromise:
		return "key compromise"
	case CRLReasonCACompromise:
		return "CA compromise"
	case CRLReasonAffiliationChanged:
		return "affiliation changed"
	case CRLReasonSuperseded:
		return "superseded"
	case CRLReasonCessationOfOperation:
		return "cessation of operation"
	case CRLReasonCertificateHold:
		return "certificate hold"
	case CRLReasonRemoveFromCRL:
		return "remove from CRL"
	case CRLReasonPrivilegeWithdrawn:
		return "privilege withdrawn"
	case CRLReasonAACompromise:
		return "AA compromise"
	default:
		return fmt.Sprintf("unknown reason (%d)", r)
	}
}

// BenignForTimestamps reports whether a revocation reason still permits a
// previously-issued timestamp token to be trusted, per spec.md's accept
// list: a CA reissuing or reorganizing around a certificate does not
// retroactively undermine operations it already timestamped, but a
// suspected key compromise must.
func (r CRLReason) BenignForTimestamps() bool {
	switch r {
	case CRLReasonUnspecified, CRLReasonAffiliationChanged, CRLReasonSuperseded, CRLReasonCessationOfOperation:
		return true
	default:
		return false
	}
}

// ReasonCodePresent reports whether entry actually carried a reasonCode
// extension (RFC5280 §5.3.1), as opposed to crypto/x509 defaulting
// ReasonCode to 0 when the extension is absent entirely. Go's
// RevocationListEntry.ReasonCode cannot distinguish an explicit
// "unspecified(0)" from "no reasonCode at all", so any caller that needs
// to treat the two differently (spec.md §4.9 case (c): no reasonCode is
// never benign) must inspect entry.Extensions directly.
func ReasonCodePresent(entry *x509.RevocationListEntry) bool {
	for _, ext := range entry.Extensions {
		if ext.Id.Equal(OIDCRLReasonCode) {
			return true
		}
	}
	return false
}
