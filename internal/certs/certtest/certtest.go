// Package certtest generates throwaway certificates for tests.
package certtest

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"math/big"
	"testing"
	"time"
)

// Options describe the certificate to generate
type Options struct {
	CommonName string
	SANs       []string
	Issuer     string // issuer organization; the certificate is signed by a throwaway CA
	NotBefore  time.Time
	NotAfter   time.Time
	RSA        bool
	Key        crypto.Signer // reuse a key instead of generating one
}

// Pair is a PEM certificate, its private key and the issuing CA
type Pair struct {
	CertPEM  string
	KeyPEM   string
	ChainPEM string
	DER      []byte
	Key      crypto.Signer
}

// Generate creates a leaf certificate signed by a fresh CA
func Generate(t testing.TB, o Options) Pair {
	t.Helper()
	if o.NotBefore.IsZero() {
		o.NotBefore = time.Now().Add(-time.Hour)
	}
	if o.NotAfter.IsZero() {
		o.NotAfter = o.NotBefore.Add(90 * 24 * time.Hour)
	}
	if o.Issuer == "" {
		o.Issuer = "Let's Encrypt"
	}

	caKey := newKey(t, false)
	caTmpl := &x509.Certificate{
		SerialNumber:          big.NewInt(1),
		Subject:               pkix.Name{CommonName: "R10", Organization: []string{o.Issuer}, Country: []string{"US"}},
		NotBefore:             o.NotBefore.Add(-time.Hour),
		NotAfter:              o.NotAfter.Add(time.Hour),
		IsCA:                  true,
		BasicConstraintsValid: true,
		KeyUsage:              x509.KeyUsageCertSign,
	}
	caDER, err := x509.CreateCertificate(rand.Reader, caTmpl, caTmpl, caKey.Public(), caKey)
	if err != nil {
		t.Fatalf("failed to create CA: %v", err)
	}
	caCert, _ := x509.ParseCertificate(caDER)

	key := o.Key
	if key == nil {
		key = newKey(t, o.RSA)
	}
	serial, _ := rand.Int(rand.Reader, big.NewInt(1<<62))
	tmpl := &x509.Certificate{
		SerialNumber: serial,
		Subject:      pkix.Name{CommonName: o.CommonName},
		DNSNames:     o.SANs,
		NotBefore:    o.NotBefore,
		NotAfter:     o.NotAfter,
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, caCert, key.Public(), caKey)
	if err != nil {
		t.Fatalf("failed to create certificate: %v", err)
	}

	return Pair{
		CertPEM:  EncodeCert(der),
		KeyPEM:   EncodeKey(t, key),
		ChainPEM: EncodeCert(caDER),
		DER:      der,
		Key:      key,
	}
}

// NewKey generates an ECDSA P-256 key, or RSA 2048 when rsaKey is set
func NewKey(t testing.TB, rsaKey bool) crypto.Signer {
	t.Helper()
	return newKey(t, rsaKey)
}

func newKey(t testing.TB, rsaKey bool) crypto.Signer {
	if rsaKey {
		k, err := rsa.GenerateKey(rand.Reader, 2048)
		if err != nil {
			t.Fatalf("failed to generate RSA key: %v", err)
		}
		return k
	}
	k, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("failed to generate EC key: %v", err)
	}
	return k
}

// EncodeCert PEM-encodes a DER certificate
func EncodeCert(der []byte) string {
	return string(pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der}))
}

// EncodeKey PEM-encodes a private key as PKCS#8
func EncodeKey(t testing.TB, key crypto.Signer) string {
	t.Helper()
	der, err := x509.MarshalPKCS8PrivateKey(key)
	if err != nil {
		t.Fatalf("failed to marshal key: %v", err)
	}
	return string(pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der}))
}
