package primitives

import (
	"crypto/x509"
	"encoding/asn1"
	"fmt"
	"math/big"
)

// cmsContentInfo mirrors the outer CMS ContentInfo wrapper, adapted from
// sign/timestamps/timestamp.go's ExtractTSTInfo.
type cmsContentInfo struct {
	ContentType asn1.ObjectIdentifier
	Content     asn1.RawValue `asn1:"explicit,tag:0"`
}

// cmsSignedData mirrors the CMS SignedData structure far enough to reach
// the encapsulated TSTInfo, the certificate set, and the signerInfos we
// need to recover the signing-certificate identifier.
type cmsSignedData struct {
	Version          int
	DigestAlgorithms asn1.RawValue
	EncapContentInfo struct {
		EContentType asn1.ObjectIdentifier
		EContent     asn1.RawValue `asn1:"explicit,optional,tag:0"`
	}
	Certificates []asn1.RawValue `asn1:"optional,implicit,tag:0,set"`
	CRLs         asn1.RawValue   `asn1:"optional,implicit,tag:1"`
	SignerInfos  []cmsSignerInfo `asn1:"set"`
}

// cmsIssuerAndSerial matches dummy_client.go's issuerAndSerialNumber.
type cmsIssuerAndSerial struct {
	Issuer       asn1.RawValue
	SerialNumber *big.Int
}

// cmsSignerInfo matches dummy_client.go's signerInfo, with SignedAttrs
// exposed so ESSCertID{,V2} can be located by OID.
type cmsSignerInfo struct {
	Version            int
	SID                cmsIssuerAndSerial
	DigestAlgorithm    AlgorithmIdentifier
	SignedAttrs        []cmsAttributeMulti `asn1:"implicit,optional,tag:0,set"`
	SignatureAlgorithm AlgorithmIdentifier
	Signature          []byte
}

// cmsAttributeMulti matches dummy_client.go's attribute type: a SET of
// values per attribute (CMS Attribute ::= SEQUENCE { type, values SET OF }).
type cmsAttributeMulti struct {
	Type   asn1.ObjectIdentifier
	Values []asn1.RawValue `asn1:"set"`
}

// ParsedToken is the decoded form of an RFC3161 TimeStampToken: the raw
// DER, its TSTInfo, any embedded certificates, and the issuer id derived
// from the signer's ESSCertID{,V2} attribute.
type ParsedToken struct {
	Raw          []byte
	TSTInfo      TSTInfo
	Certificates []*x509.Certificate
	SignerCert   *x509.Certificate
	IssuerIDHex  string
	IssuerIDAlg  string // "sha1" or "sha256" (or the declared V2 algorithm name)

	// InfoLine is the TSA's statusString from the enclosing TimeStampResp,
	// if any. It is not part of the signed TSTInfo, so ParseToken never
	// sets it; tsaclient.RequestToken fills it in from the response
	// wrapper it already has in hand.
	InfoLine string
}

// ParseToken decodes a TimeStampToken (CMS SignedData over a TSTInfo) and
// recovers the message imprint, embedded certificates, and issuer id.
func ParseToken(der []byte) (*ParsedToken, error) {
	var ci cmsContentInfo
	if _, err := asn1.Unmarshal(der, &ci); err != nil {
		return nil, fmt.Errorf("parse token ContentInfo: %w", err)
	}

	var sd cmsSignedData
	if _, err := asn1.Unmarshal(ci.Content.Bytes, &sd); err != nil {
		return nil, fmt.Errorf("parse token SignedData: %w", err)
	}

	// eContent is an OCTET STRING holding the DER TSTInfo; a TSTInfo placed
	// directly under the [0] tag is accepted as well.
	eContent := sd.EncapContentInfo.EContent.Bytes
	var octets []byte
	if _, err := asn1.Unmarshal(eContent, &octets); err == nil {
		eContent = octets
	}
	var tst TSTInfo
	if _, err := asn1.Unmarshal(eContent, &tst); err != nil {
		return nil, fmt.Errorf("parse TSTInfo: %w", err)
	}

	pt := &ParsedToken{Raw: der, TSTInfo: tst}

	for _, certRaw := range sd.Certificates {
		cert, err := x509.ParseCertificate(certRaw.FullBytes)
		if err == nil {
			pt.Certificates = append(pt.Certificates, cert)
		}
	}

	if len(sd.SignerInfos) > 0 {
		if err := fillIssuerID(pt, sd.SignerInfos[0]); err != nil {
			return nil, err
		}
	}

	for _, c := range pt.Certificates {
		if SubjectHashOpenSSL(c) != "" && matchesIssuerID(c, pt) {
			pt.SignerCert = c
			break
		}
	}

	return pt, nil
}

// fillIssuerID locates the SigningCertificate or SigningCertificateV2
// signed attribute and records iid/algorithm on pt.
func fillIssuerID(pt *ParsedToken, si cmsSignerInfo) error {
	for _, attr := range si.SignedAttrs {
		switch {
		case attr.Type.Equal(OIDSigningCertificate):
			if len(attr.Values) == 0 {
				continue
			}
			var sc SigningCertificate
			if _, err := asn1.Unmarshal(attr.Values[0].FullBytes, &sc); err != nil {
				return fmt.Errorf("parse SigningCertificate: %w", err)
			}
			if len(sc.Certs) == 0 {
				continue
			}
			pt.IssuerIDHex = HexLower(sc.Certs[0].CertHash)
			pt.IssuerIDAlg = "sha1"
			return nil
		case attr.Type.Equal(OIDSigningCertificateV2):
			if len(attr.Values) == 0 {
				continue
			}
			var scv2 SigningCertificateV2
			if _, err := asn1.Unmarshal(attr.Values[0].FullBytes, &scv2); err != nil {
				return fmt.Errorf("parse SigningCertificateV2: %w", err)
			}
			if len(scv2.Certs) == 0 {
				continue
			}
			alg := "sha256"
			if len(scv2.Certs[0].HashAlgorithm.Algorithm) > 0 {
				alg = HashAlgorithmName(scv2.Certs[0].HashAlgorithm.Algorithm)
			}
			pt.IssuerIDHex = HexLower(scv2.Certs[0].CertHash)
			pt.IssuerIDAlg = alg
			return nil
		}
	}
	return nil
}

func matchesIssuerID(cert *x509.Certificate, pt *ParsedToken) bool {
	if pt.IssuerIDHex == "" {
		return false
	}
	h, err := hashAlgByName(pt.IssuerIDAlg)
	if err != nil {
		return false
	}
	return HexLower(Hash(h, cert.Raw)) == pt.IssuerIDHex
}
