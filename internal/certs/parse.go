package certs

import (
	"crypto/x509"
	"crypto/x509/pkix"
	encoding_asn1 "encoding/asn1"
	"encoding/pem"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/web-casa/proxyfleet/internal/apperr"
	"github.com/web-casa/proxyfleet/internal/model"
	"golang.org/x/crypto/cryptobyte"
	cryptobyte_asn1 "golang.org/x/crypto/cryptobyte/asn1"
)

var oidSubjectAltName = encoding_asn1.ObjectIdentifier{2, 5, 29, 17}

// ParseCertificate extracts identity and validity data from the first
// certificate in a PEM bundle. Certificates the standard parser rejects
// (typically unsupported elliptic curves) are read again by a lenient
// parser that skips the public key.
func ParseCertificate(certPEM string) (*ParsedInfo, error) {
	der, err := firstCertificateDER(certPEM)
	if err != nil {
		return nil, err
	}

	cert, stdErr := x509.ParseCertificate(der)
	if stdErr == nil {
		return infoFromX509(cert), nil
	}

	info, lenientErr := parseLenient(der)
	if lenientErr != nil {
		return nil, &apperr.Error{
			Kind:    apperr.KindParseError,
			Op:      "parse certificate",
			Message: "certificate could not be parsed",
			Err:     errors.Join(stdErr, lenientErr),
		}
	}
	return info, nil
}

func firstCertificateDER(certPEM string) ([]byte, error) {
	rest := []byte(strings.TrimSpace(certPEM))
	for {
		var block *pem.Block
		block, rest = pem.Decode(rest)
		if block == nil {
			return nil, apperr.New(apperr.KindParseError, "parse certificate", "no PEM certificate block found")
		}
		if block.Type == "CERTIFICATE" {
			return block.Bytes, nil
		}
	}
}

func infoFromX509(cert *x509.Certificate) *ParsedInfo {
	info := &ParsedInfo{
		CommonName:    cert.Subject.CommonName,
		SANs:          append([]string{}, cert.DNSNames...),
		SubjectDetail: distinguishedName(cert.Subject),
		IssuerDetail:  distinguishedName(cert.Issuer),
		SerialNumber:  formatSerial(cert.SerialNumber),
		ValidFrom:     cert.NotBefore.UTC(),
		ValidTo:       cert.NotAfter.UTC(),
		PublicKey:     cert.PublicKey,
	}
	info.Issuer = issuerLabel(info.IssuerDetail)
	if info.CommonName == "" && len(info.SANs) > 0 {
		info.CommonName = info.SANs[0]
	}
	return info
}

// parseLenient walks the TBSCertificate with cryptobyte and never touches
// the subject public key.
func parseLenient(der []byte) (*ParsedInfo, error) {
	input := cryptobyte.String(der)
	var certSeq, tbs cryptobyte.String
	if !input.ReadASN1(&certSeq, cryptobyte_asn1.SEQUENCE) {
		return nil, errors.New("lenient: malformed certificate")
	}
	if !certSeq.ReadASN1(&tbs, cryptobyte_asn1.SEQUENCE) {
		return nil, errors.New("lenient: malformed tbs certificate")
	}

	if !tbs.SkipOptionalASN1(cryptobyte_asn1.Tag(0).Constructed().ContextSpecific()) {
		return nil, errors.New("lenient: malformed version")
	}

	serial := new(big.Int)
	if !tbs.ReadASN1Integer(serial) {
		return nil, errors.New("lenient: malformed serial number")
	}
	if !tbs.SkipASN1(cryptobyte_asn1.SEQUENCE) {
		return nil, errors.New("lenient: malformed signature algorithm")
	}

	issuer, err := readName(&tbs)
	if err != nil {
		return nil, fmt.Errorf("lenient: issuer: %w", err)
	}

	var validity cryptobyte.String
	if !tbs.ReadASN1(&validity, cryptobyte_asn1.SEQUENCE) {
		return nil, errors.New("lenient: malformed validity")
	}
	notBefore, err := readTime(&validity)
	if err != nil {
		return nil, fmt.Errorf("lenient: not before: %w", err)
	}
	notAfter, err := readTime(&validity)
	if err != nil {
		return nil, fmt.Errorf("lenient: not after: %w", err)
	}

	subject, err := readName(&tbs)
	if err != nil {
		return nil, fmt.Errorf("lenient: subject: %w", err)
	}

	if !tbs.SkipASN1(cryptobyte_asn1.SEQUENCE) {
		return nil, errors.New("lenient: malformed subject public key info")
	}
	if !tbs.SkipOptionalASN1(cryptobyte_asn1.Tag(1).ContextSpecific()) ||
		!tbs.SkipOptionalASN1(cryptobyte_asn1.Tag(2).ContextSpecific()) {
		return nil, errors.New("lenient: malformed unique identifiers")
	}

	var sans []string
	var extensions cryptobyte.String
	var hasExtensions bool
	if !tbs.ReadOptionalASN1(&extensions, &hasExtensions, cryptobyte_asn1.Tag(3).Constructed().ContextSpecific()) {
		return nil, errors.New("lenient: malformed extensions")
	}
	if hasExtensions {
		sans, err = readSANs(extensions)
		if err != nil {
			return nil, err
		}
	}

	info := &ParsedInfo{
		CommonName:    subject.CommonName,
		SANs:          sans,
		SubjectDetail: distinguishedName(subject),
		IssuerDetail:  distinguishedName(issuer),
		SerialNumber:  formatSerial(serial),
		ValidFrom:     notBefore.UTC(),
		ValidTo:       notAfter.UTC(),
		Lenient:       true,
	}
	if info.SANs == nil {
		info.SANs = []string{}
	}
	info.Issuer = issuerLabel(info.IssuerDetail)
	if info.CommonName == "" && len(info.SANs) > 0 {
		info.CommonName = info.SANs[0]
	}
	return info, nil
}

func readName(s *cryptobyte.String) (pkix.Name, error) {
	var raw cryptobyte.String
	if !s.ReadASN1Element(&raw, cryptobyte_asn1.SEQUENCE) {
		return pkix.Name{}, errors.New("malformed name")
	}
	var rdn pkix.RDNSequence
	if _, err := encoding_asn1.Unmarshal(raw, &rdn); err != nil {
		return pkix.Name{}, err
	}
	var name pkix.Name
	name.FillFromRDNSequence(&rdn)
	return name, nil
}

func readTime(s *cryptobyte.String) (time.Time, error) {
	var t time.Time
	switch {
	case s.PeekASN1Tag(cryptobyte_asn1.UTCTime):
		if !s.ReadASN1UTCTime(&t) {
			return t, errors.New("malformed UTCTime")
		}
	case s.PeekASN1Tag(cryptobyte_asn1.GeneralizedTime):
		if !s.ReadASN1GeneralizedTime(&t) {
			return t, errors.New("malformed GeneralizedTime")
		}
	default:
		return t, errors.New("unsupported time format")
	}
	return t, nil
}

func readSANs(extensions cryptobyte.String) ([]string, error) {
	var seq cryptobyte.String
	if !extensions.ReadASN1(&seq, cryptobyte_asn1.SEQUENCE) {
		return nil, errors.New("lenient: malformed extension list")
	}

	var sans []string
	for !seq.Empty() {
		var ext cryptobyte.String
		var oid encoding_asn1.ObjectIdentifier
		var value cryptobyte.String
		if !seq.ReadASN1(&ext, cryptobyte_asn1.SEQUENCE) ||
			!ext.ReadASN1ObjectIdentifier(&oid) ||
			!ext.SkipOptionalASN1(cryptobyte_asn1.BOOLEAN) ||
			!ext.ReadASN1(&value, cryptobyte_asn1.OCTET_STRING) {
			return nil, errors.New("lenient: malformed extension")
		}
		if !oid.Equal(oidSubjectAltName) {
			continue
		}

		var names cryptobyte.String
		if !value.ReadASN1(&names, cryptobyte_asn1.SEQUENCE) {
			return nil, errors.New("lenient: malformed subject alternative names")
		}
		for !names.Empty() {
			var tag cryptobyte_asn1.Tag
			var content cryptobyte.String
			if !names.ReadAnyASN1(&content, &tag) {
				return nil, errors.New("lenient: malformed general name")
			}
			// dNSName [2] IA5String
			if tag == cryptobyte_asn1.Tag(2).ContextSpecific() {
				sans = append(sans, string(content))
			}
		}
	}
	return sans, nil
}

func distinguishedName(n pkix.Name) model.DistinguishedName {
	return model.DistinguishedName{
		CommonName:   n.CommonName,
		Organization: first(n.Organization),
		Country:      first(n.Country),
	}
}

func issuerLabel(d model.DistinguishedName) string {
	if d.Organization != "" {
		return d.Organization
	}
	return d.CommonName
}

func formatSerial(n *big.Int) string {
	if n == nil {
		return ""
	}
	return strings.ToUpper(n.Text(16))
}

func first(values []string) string {
	if len(values) == 0 {
		return ""
	}
	return values[0]
}
