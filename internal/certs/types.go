package certs

import (
	"context"
	"crypto"
	"errors"
	"fmt"
	"time"

	"github.com/web-casa/proxyfleet/internal/model"
)

// Material is the PEM-encoded output of an issuance or renewal
type Material struct {
	CertificatePEM string
	PrivateKeyPEM  string
	ChainPEM       string
}

// IssueRequest asks the certificate authority for a new certificate
type IssueRequest struct {
	Domain          string
	SANs            []string
	Email           string
	ChallengeMethod string
}

// RenewRequest asks the certificate authority to renew an existing certificate
type RenewRequest struct {
	Domain          string
	SANs            []string
	Email           string
	ChallengeMethod string
	CertificatePEM  string
	PrivateKeyPEM   string
	NotAfter        time.Time
}

// CAClient performs ACME issuance and renewal. Errors should be *CAError so
// that rate limiting and not-yet-due refusals can be told apart from failures.
type CAClient interface {
	Issue(ctx context.Context, req IssueRequest) (*Material, error)
	Renew(ctx context.Context, req RenewRequest) (*Material, error)
}

// CAErrorKind is the closed set of outcomes a CAClient can report
type CAErrorKind int

const (
	CAErrorOther CAErrorKind = iota
	CAErrorRateLimited
	CAErrorNotDue
)

func (k CAErrorKind) String() string {
	switch k {
	case CAErrorRateLimited:
		return "rate_limited"
	case CAErrorNotDue:
		return "not_due"
	default:
		return "other"
	}
}

// CAError is returned by CAClient implementations
type CAError struct {
	Kind CAErrorKind
	Err  error
}

func (e *CAError) Error() string {
	return fmt.Sprintf("ca %s: %v", e.Kind, e.Err)
}

func (e *CAError) Unwrap() error { return e.Err }

// NewCAError wraps err with a kind
func NewCAError(kind CAErrorKind, err error) *CAError {
	if err == nil {
		err = errors.New(kind.String())
	}
	return &CAError{Kind: kind, Err: err}
}

// ParsedInfo is what ParseCertificate extracts from a PEM certificate
type ParsedInfo struct {
	CommonName    string
	SANs          []string
	Issuer        string
	SubjectDetail model.DistinguishedName
	IssuerDetail  model.DistinguishedName
	SerialNumber  string
	ValidFrom     time.Time
	ValidTo       time.Time

	// PublicKey is nil when the certificate was read by the lenient parser
	PublicKey crypto.PublicKey
	Lenient   bool
}

// Names returns the common name followed by SANs, without duplicates
func (p *ParsedInfo) Names() []string {
	names := make([]string, 0, len(p.SANs)+1)
	seen := make(map[string]bool, len(p.SANs)+1)
	for _, n := range append([]string{p.CommonName}, p.SANs...) {
		if n == "" || seen[n] {
			continue
		}
		seen[n] = true
		names = append(names, n)
	}
	return names
}

// Result is a parsed issuance or renewal outcome
type Result struct {
	Material *Material
	Info     *ParsedInfo
}
