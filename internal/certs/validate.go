package certs

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"log/slog"
	"reflect"
	"strings"
	"time"

	"github.com/web-casa/proxyfleet/internal/apperr"
)

// ValidateUpload checks uploaded material for domain, in order: the
// certificate parses, it has not expired, it covers domain, and the private
// key belongs to it. The first failing check is returned.
func ValidateUpload(domain, certPEM, keyPEM, chainPEM string, now time.Time, logger *slog.Logger) (*ParsedInfo, error) {
	const op = "validate upload"
	if logger == nil {
		logger = slog.Default()
	}

	info, err := ParseCertificate(certPEM)
	if err != nil {
		return nil, err
	}

	if info.ValidTo.Before(now) {
		return nil, apperr.New(apperr.KindExpired, op, "certificate expired on %s", info.ValidTo.Format(time.RFC3339))
	}

	if !MatchesAny(info.Names(), domain) {
		return nil, apperr.New(apperr.KindDomainMismatch, op, "certificate names %v do not cover %s", info.Names(), domain)
	}

	key, err := parsePrivateKey(keyPEM)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindParseError, op, err)
	}

	switch keyMatches(info.PublicKey, key) {
	case keyMismatch:
		return nil, apperr.New(apperr.KindKeyMismatch, op, "private key does not match certificate")
	case keyUnverified:
		// nginx -t rejects a mismatched pair at activation
		logger.Warn("private key could not be compared with certificate, deferring to proxy validation",
			"domain", domain, "lenient", info.Lenient)
	}

	if strings.TrimSpace(chainPEM) != "" {
		if err := checkChain(chainPEM); err != nil {
			return nil, apperr.Wrap(apperr.KindParseError, op, err)
		}
	}

	return info, nil
}

func parsePrivateKey(keyPEM string) (crypto.Signer, error) {
	rest := []byte(strings.TrimSpace(keyPEM))
	for {
		var block *pem.Block
		block, rest = pem.Decode(rest)
		if block == nil {
			return nil, errors.New("no PEM private key block found")
		}
		switch block.Type {
		case "RSA PRIVATE KEY":
			return x509.ParsePKCS1PrivateKey(block.Bytes)
		case "EC PRIVATE KEY":
			return x509.ParseECPrivateKey(block.Bytes)
		case "PRIVATE KEY":
			k, err := x509.ParsePKCS8PrivateKey(block.Bytes)
			if err != nil {
				return nil, err
			}
			signer, ok := k.(crypto.Signer)
			if !ok {
				return nil, fmt.Errorf("unsupported private key type %T", k)
			}
			return signer, nil
		}
	}
}

type keyCheck int

const (
	keyMatch keyCheck = iota
	keyMismatch
	keyUnverified
)

// keyMatches compares only keys of the same algorithm; anything else is left
// unverified rather than rejected.
func keyMatches(certKey crypto.PublicKey, key crypto.Signer) keyCheck {
	if certKey == nil || key == nil {
		return keyUnverified
	}
	pub := key.Public()
	if reflect.TypeOf(pub) != reflect.TypeOf(certKey) {
		return keyUnverified
	}

	var equal bool
	switch k := pub.(type) {
	case *rsa.PublicKey:
		equal = k.Equal(certKey)
	case *ecdsa.PublicKey:
		equal = k.Equal(certKey)
	case ed25519.PublicKey:
		equal = k.Equal(certKey)
	default:
		return keyUnverified
	}
	if !equal {
		return keyMismatch
	}
	return keyMatch
}

func checkChain(chainPEM string) error {
	rest := []byte(strings.TrimSpace(chainPEM))
	found := 0
	for len(rest) > 0 {
		var block *pem.Block
		block, rest = pem.Decode(rest)
		if block == nil {
			break
		}
		if block.Type != "CERTIFICATE" {
			continue
		}
		found++
	}
	if found == 0 {
		return errors.New("chain contains no PEM certificates")
	}
	return nil
}
