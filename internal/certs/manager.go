package certs

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/web-casa/proxyfleet/internal/apperr"
	"github.com/web-casa/proxyfleet/internal/model"
)

// Manager is the certificate lifecycle manager. It talks to the certificate
// authority and turns its answers into certificate records; persistence and
// activation stay with the reconciler.
type Manager struct {
	ca        CAClient
	issuers   []string
	threshold time.Duration
	now       func() time.Time
	logger    *slog.Logger
}

// NewManager creates a certificate lifecycle manager. Certificates from
// issuers not in autoRenewIssuers are never renewed automatically.
func NewManager(ca CAClient, autoRenewIssuers []string, threshold time.Duration, logger *slog.Logger) *Manager {
	if threshold <= 0 {
		threshold = ExpiringWindow
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		ca:        ca,
		issuers:   autoRenewIssuers,
		threshold: threshold,
		now:       time.Now,
		logger:    logger.With("module", "certs"),
	}
}

// SetClock overrides the time source
func (m *Manager) SetClock(now func() time.Time) {
	m.now = now
}

// Now returns the manager's current time
func (m *Manager) Now() time.Time {
	return m.now()
}

// Threshold is how close to expiry a certificate must be to be renewed
func (m *Manager) Threshold() time.Duration {
	return m.threshold
}

// IsAutoRenewIssuer reports whether the certificate was issued by a CA this
// manager renews
func (m *Manager) IsAutoRenewIssuer(cert *model.Certificate) bool {
	for _, allowed := range m.issuers {
		for _, name := range []string{cert.Issuer, cert.IssuerDetail.CommonName, cert.IssuerDetail.Organization} {
			if name != "" && strings.EqualFold(strings.TrimSpace(allowed), name) {
				return true
			}
		}
	}
	return false
}

// IsRenewalEligible reports whether cert should be renewed at now: it must
// come from an allow-listed issuer and be within the renewal threshold
func (m *Manager) IsRenewalEligible(cert *model.Certificate, now time.Time) bool {
	if !m.IsAutoRenewIssuer(cert) {
		return false
	}
	return cert.ValidTo.Sub(now) <= m.threshold
}

// Issue obtains a new certificate from the CA
func (m *Manager) Issue(ctx context.Context, req IssueRequest) (*Result, error) {
	const op = "issue certificate"
	if m.ca == nil {
		return nil, apperr.New(apperr.KindFatal, op, "no certificate authority configured")
	}

	material, err := m.ca.Issue(ctx, req)
	if err != nil {
		return nil, classify(op, err)
	}
	return m.result(op, material)
}

// Renew asks the CA to renew cert. Errors carry KindRateLimited, KindNotYetDue
// or KindFatal. A certificate outside the renewal threshold is refused with
// KindNotYetDue without contacting the CA.
func (m *Manager) Renew(ctx context.Context, cert *model.Certificate) (*Result, error) {
	const op = "renew certificate"
	if m.ca == nil {
		return nil, apperr.New(apperr.KindFatal, op, "no certificate authority configured")
	}
	if cert.ValidTo.Sub(m.now()) > m.threshold {
		return nil, &apperr.Error{
			Kind:    apperr.KindNotYetDue,
			Op:      op,
			Message: "certificate is not due for renewal",
			Reason:  "expires " + cert.ValidTo.Format(time.RFC3339),
		}
	}

	material, err := m.ca.Renew(ctx, RenewRequest{
		Domain:          cert.CommonName,
		SANs:            cert.SANs,
		Email:           cert.Email,
		ChallengeMethod: cert.ChallengeMethod,
		CertificatePEM:  cert.CertificatePEM,
		PrivateKeyPEM:   cert.PrivateKeyPEM,
		NotAfter:        cert.ValidTo,
	})
	if err != nil {
		return nil, classify(op, err)
	}
	return m.result(op, material)
}

func (m *Manager) result(op string, material *Material) (*Result, error) {
	if material == nil || material.CertificatePEM == "" {
		return nil, apperr.New(apperr.KindFatal, op, "certificate authority returned no certificate")
	}
	info, err := ParseCertificate(material.CertificatePEM)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindFatal, op, err)
	}
	return &Result{Material: material, Info: info}, nil
}

// NewRecord builds a certificate record for siteID from a result
func (m *Manager) NewRecord(siteID uint, res *Result, source string) *model.Certificate {
	cert := &model.Certificate{SiteID: siteID, Source: source, AutoRenew: true}
	m.Apply(cert, res)
	return cert
}

// Apply overwrites cert's material and parsed fields with res, keeping its
// identity and settings
func (m *Manager) Apply(cert *model.Certificate, res *Result) {
	info := res.Info
	cert.CommonName = info.CommonName
	cert.SANs = info.SANs
	cert.Issuer = info.Issuer
	cert.SubjectDetail = info.SubjectDetail
	cert.IssuerDetail = info.IssuerDetail
	cert.SerialNumber = info.SerialNumber
	cert.ValidFrom = info.ValidFrom
	cert.ValidTo = info.ValidTo
	cert.Status = ComputeStatus(info.ValidTo, m.now())
	cert.CertificatePEM = res.Material.CertificatePEM
	cert.PrivateKeyPEM = res.Material.PrivateKeyPEM
	cert.ChainPEM = res.Material.ChainPEM
	cert.LastError = ""
}

// rateLimitMarkers and notDueMarkers catch CA answers that arrive as plain
// errors instead of *CAError
var (
	rateLimitMarkers = []string{"ratelimited", "rate limit", "too many certificates", "too many requests"}
	notDueMarkers    = []string{"not yet due", "not due for renewal", "renewal not required"}
)

func classify(op string, err error) error {
	var caErr *CAError
	kind := apperr.KindFatal
	switch {
	case errors.As(err, &caErr) && caErr.Kind == CAErrorRateLimited:
		kind = apperr.KindRateLimited
	case errors.As(err, &caErr) && caErr.Kind == CAErrorNotDue:
		kind = apperr.KindNotYetDue
	case errors.Is(err, apperr.ErrRateLimited):
		kind = apperr.KindRateLimited
	case errors.Is(err, apperr.ErrNotYetDue):
		kind = apperr.KindNotYetDue
	case caErr == nil:
		msg := strings.ToLower(err.Error())
		if containsAny(msg, rateLimitMarkers) {
			kind = apperr.KindRateLimited
		} else if containsAny(msg, notDueMarkers) {
			kind = apperr.KindNotYetDue
		}
	}
	return &apperr.Error{Kind: kind, Op: op, Reason: err.Error(), Err: err}
}

func containsAny(s string, markers []string) bool {
	for _, m := range markers {
		if strings.Contains(s, m) {
			return true
		}
	}
	return false
}
