// Package primitives implements the pure, I/O-free building blocks shared
// by every other component: ASN.1 structures for RFC3161 tokens, hashing
// helpers, and X.509/CMS verification wrappers. Structures are adapted
// from the RFC3161 ASN.1 module the same way sign/timestamps/timestamp.go
// declares them; this package additionally declares the ESSCertID{,V2}
// structures (RFC2634/RFC5035) needed to recover a token's issuer id.
package primitives

import (
	"encoding/asn1"
	"math/big"
	"time"
)

// OIDs used throughout the RFC3161/CMS structures this package parses.
var (
	OIDContentType         = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 9, 3}
	OIDMessageDigest       = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 9, 4}
	OIDSigningTime         = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 9, 5}
	OIDSigningCertificate  = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 9, 16, 2, 12}
	OIDSigningCertificateV2 = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 9, 16, 2, 47}
	OIDTSTInfo             = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 9, 16, 1, 4}

	OIDSHA1   = asn1.ObjectIdentifier{1, 3, 14, 3, 2, 26}
	OIDSHA256 = asn1.ObjectIdentifier{2, 16, 840, 1, 101, 3, 4, 2, 1}
	OIDSHA384 = asn1.ObjectIdentifier{2, 16, 840, 1, 101, 3, 4, 2, 2}
	OIDSHA512 = asn1.ObjectIdentifier{2, 16, 840, 1, 101, 3, 4, 2, 3}

	OIDCRLReasonCode = asn1.ObjectIdentifier{2, 5, 29, 21}
)

// AlgorithmIdentifier represents an algorithm with optional parameters.
type AlgorithmIdentifier struct {
	Algorithm  asn1.ObjectIdentifier
	Parameters asn1.RawValue `asn1:"optional"`
}

// MessageImprint is the hash of the data being timestamped.
type MessageImprint struct {
	HashAlgorithm AlgorithmIdentifier
	HashedMessage []byte
}

// Extension is a generic X.509/PKIX extension.
type Extension struct {
	ExtnID    asn1.ObjectIdentifier
	Critical  bool `asn1:"optional,default:false"`
	ExtnValue []byte
}

// TimeStampReq is the RFC3161 TimeStampReq structure.
type TimeStampReq struct {
	Version        int
	MessageImprint MessageImprint
	ReqPolicy      asn1.ObjectIdentifier `asn1:"optional"`
	Nonce          *big.Int              `asn1:"optional"`
	CertReq        bool                  `asn1:"optional,default:false"`
	Extensions     []Extension           `asn1:"optional,implicit,tag:0"`
}

// PKIStatusInfo reports the outcome of a TSA request.
type PKIStatusInfo struct {
	Status       int
	StatusString []string       `asn1:"optional"`
	FailInfo     asn1.BitString `asn1:"optional"`
}

// PKIStatus values (RFC3161 §2.4.2).
const (
	PKIStatusGranted          = 0
	PKIStatusGrantedWithMods  = 1
	PKIStatusRejection        = 2
	PKIStatusWaiting          = 3
	PKIStatusRevocationWarn   = 4
	PKIStatusRevocationNotify = 5
)

// TimeStampResp is the RFC3161 TimeStampResp structure.
type TimeStampResp struct {
	Status         PKIStatusInfo
	TimeStampToken asn1.RawValue `asn1:"optional"`
}

// Accuracy is the optional accuracy field of a TSTInfo.
type Accuracy struct {
	Seconds int `asn1:"optional"`
	Millis  int `asn1:"optional,implicit,tag:0"`
	Micros  int `asn1:"optional,implicit,tag:1"`
}

// TSTInfo is the RFC3161 signed content of a timestamp token.
type TSTInfo struct {
	Version        int
	Policy         asn1.ObjectIdentifier
	MessageImprint MessageImprint
	SerialNumber   *big.Int
	GenTime        time.Time
	Accuracy       Accuracy      `asn1:"optional"`
	Ordering       bool          `asn1:"optional,default:false"`
	Nonce          *big.Int      `asn1:"optional"`
	TSA            asn1.RawValue `asn1:"optional,explicit,tag:0"`
	Extensions     []Extension   `asn1:"optional,implicit,tag:1"`
}

// IssuerSerial identifies a certificate by issuer name and serial number,
// as used inside ESSCertID/ESSCertIDv2 (RFC5035 §4).
type IssuerSerial struct {
	Issuer       asn1.RawValue `asn1:"optional"`
	SerialNumber *big.Int      `asn1:"optional"`
}

// ESSCertID is the V1 signing-certificate identifier (RFC2634 §5.4.1):
// always a SHA-1 digest of the signer's DER certificate.
type ESSCertID struct {
	CertHash     []byte
	IssuerSerial IssuerSerial `asn1:"optional"`
}

// SigningCertificate carries one or more ESSCertID values in the
// SigningCertificate signed attribute.
type SigningCertificate struct {
	Certs []ESSCertID
}

// ESSCertIDv2 is the V2 signing-certificate identifier (RFC5035 §3):
// the hash algorithm defaults to SHA-256 when absent.
type ESSCertIDv2 struct {
	HashAlgorithm AlgorithmIdentifier `asn1:"optional"`
	CertHash      []byte
	IssuerSerial  IssuerSerial `asn1:"optional"`
}

// SigningCertificateV2 carries one or more ESSCertIDv2 values in the
// SigningCertificateV2 signed attribute.
type SigningCertificateV2 struct {
	Certs []ESSCertIDv2
}
