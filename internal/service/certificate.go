package service

import (
	"context"
	"errors"
	"strconv"
	"strings"

	"github.com/web-casa/proxyfleet/internal/apperr"
	"github.com/web-casa/proxyfleet/internal/certs"
	"github.com/web-casa/proxyfleet/internal/event"
	"github.com/web-casa/proxyfleet/internal/model"
	"github.com/web-casa/proxyfleet/internal/repository"
)

// ListCertificates returns all certificates with their status recomputed
func (r *Reconciler) ListCertificates(ctx context.Context) ([]model.Certificate, error) {
	list, err := r.repo.ListCertificates(ctx)
	if err != nil {
		return nil, err
	}
	for i := range list {
		r.refreshStatus(ctx, &list[i])
	}
	return list, nil
}

// GetCertificate returns a certificate with its status recomputed
func (r *Reconciler) GetCertificate(ctx context.Context, id uint) (*model.Certificate, error) {
	cert, err := r.repo.GetCertificate(ctx, id)
	if err != nil {
		return nil, err
	}
	r.refreshStatus(ctx, cert)
	return cert, nil
}

// refreshStatus recomputes the cached status and persists it when it moved
func (r *Reconciler) refreshStatus(ctx context.Context, cert *model.Certificate) {
	status := certs.ComputeStatus(cert.ValidTo, r.certs.Now())
	if status == cert.Status {
		return
	}
	cert.Status = status
	if err := r.repo.UpdateCertificateStatus(ctx, cert.ID, status); err != nil {
		r.logger.Warn("failed to persist certificate status", "certificate_id", cert.ID, "error", err)
	}
}

// IssueCertificate obtains a certificate for a site from the CA. With
// EnableSSL the site is switched to HTTPS in the same transaction; if that
// activation fails the certificate is discarded and the site restored.
func (r *Reconciler) IssueCertificate(ctx context.Context, actor string, siteID uint, req *model.CertificateIssueRequest) (*model.Certificate, error) {
	t := r.begin(actor, "issue certificate", "site_id", siteID)
	cert, err := r.issue(ctx, t, siteID, req, false)
	var certID uint
	if cert != nil {
		certID = cert.ID
	}
	r.audit(ctx, t, ActionIssue, TargetCertificate, certID, err, "site "+uintString(siteID))
	return cert, err
}

// autoSSL is the best-effort follow-up of CreateSite. Its failures are
// audited and published, never returned.
func (r *Reconciler) autoSSL(ctx context.Context, actor string, siteID uint, email string) {
	t := r.begin(actor, "auto ssl", "site_id", siteID)
	cert, err := r.issue(ctx, t, siteID, &model.CertificateIssueRequest{Email: email, EnableSSL: true}, true)

	var certID uint
	if cert != nil {
		certID = cert.ID
	}
	r.audit(ctx, t, ActionIssue, TargetCertificate, certID, err, "auto ssl for site "+uintString(siteID))

	if err != nil {
		t.logger.Warn("auto ssl failed, site stays on http", "error", err)
		r.bus.Publish(event.Event{
			Type:    event.SiteAutoSSLFailed,
			SiteID:  siteID,
			CertID:  certID,
			Payload: map[string]interface{}{"error": err.Error(), "kind": apperr.KindOf(err).String()},
		})
		return
	}
	r.bus.Publish(event.Event{Type: event.SiteAutoSSLIssued, SiteID: siteID, CertID: certID})
}

// issue talks to the CA without holding the site lock. In bestEffort mode
// a failed HTTPS activation keeps the certificate and only reverts the site.
func (r *Reconciler) issue(ctx context.Context, t *txn, siteID uint, req *model.CertificateIssueRequest, bestEffort bool) (*model.Certificate, error) {
	site, err := r.repo.GetSite(ctx, siteID)
	if err != nil {
		return nil, err
	}
	if err := r.ensureNoCertificate(ctx, t, siteID); err != nil {
		return nil, err
	}

	sans := append([]string{site.Name}, req.SANs...)
	res, err := r.certs.Issue(ctx, certs.IssueRequest{
		Domain:          site.Name,
		SANs:            sans,
		Email:           strings.TrimSpace(req.Email),
		ChallengeMethod: req.ChallengeMethod,
	})
	if err != nil {
		return nil, err
	}

	unlock := r.locks.Lock(siteKey(siteID))
	defer unlock()

	// the site may have been deleted or given a certificate while we waited on the CA
	if _, err := r.repo.GetSite(ctx, siteID); err != nil {
		return nil, err
	}
	if err := r.ensureNoCertificate(ctx, t, siteID); err != nil {
		return nil, err
	}

	cert := r.certs.NewRecord(siteID, res, model.CertSourceACME)
	cert.AutoRenew = boolOr(req.AutoRenew, true)
	cert.Email = strings.TrimSpace(req.Email)
	cert.ChallengeMethod = req.ChallengeMethod
	if err := r.repo.CreateCertificate(ctx, cert); err != nil {
		return nil, err
	}
	validTo := cert.ValidTo
	if err := r.repo.SetSiteExpiry(ctx, siteID, &validTo); err != nil {
		t.logger.Warn("failed to cache certificate expiry on site", "error", err)
	}

	if !req.EnableSSL {
		t.logger.Info("certificate issued", "certificate_id", cert.ID, "valid_to", cert.ValidTo)
		return cert, nil
	}

	if _, err := r.setSSL(ctx, t, siteID, true); err != nil {
		if bestEffort {
			return cert, err
		}
		if delErr := r.repo.DeleteCertificate(context.WithoutCancel(ctx), cert.ID); delErr != nil {
			t.logger.Error("failed to discard certificate after failed activation", "certificate_id", cert.ID, "error", delErr)
		}
		if expErr := r.repo.SetSiteExpiry(context.WithoutCancel(ctx), siteID, site.SSLExpiry); expErr != nil {
			t.logger.Warn("failed to restore cached expiry", "error", expErr)
		}
		return nil, err
	}

	t.logger.Info("certificate issued and ssl enabled", "certificate_id", cert.ID, "valid_to", cert.ValidTo)
	return cert, nil
}

func (r *Reconciler) ensureNoCertificate(ctx context.Context, t *txn, siteID uint) error {
	_, err := r.repo.GetCertificateBySite(ctx, siteID)
	switch {
	case err == nil:
		return apperr.New(apperr.KindAlreadyExists, t.op, "site %d already has a certificate", siteID)
	case errors.Is(err, apperr.ErrNotFound):
		return nil
	default:
		return err
	}
}

// UploadCertificate validates uploaded material for a site and stores it,
// replacing any existing certificate in place. Uploaded certificates are
// never auto-renewed. If the site serves HTTPS the new material is activated
// and rolled back on failure.
func (r *Reconciler) UploadCertificate(ctx context.Context, actor string, siteID uint, req *model.CertificateUploadRequest) (*model.Certificate, error) {
	t := r.begin(actor, "upload certificate", "site_id", siteID)
	cert, err := r.upload(ctx, t, siteID, req)
	var certID uint
	if cert != nil {
		certID = cert.ID
	}
	r.audit(ctx, t, ActionUpload, TargetCertificate, certID, err, "site "+uintString(siteID))
	return cert, err
}

func (r *Reconciler) upload(ctx context.Context, t *txn, siteID uint, req *model.CertificateUploadRequest) (*model.Certificate, error) {
	unlock := r.locks.Lock(siteKey(siteID))
	defer unlock()

	site, err := r.repo.GetSite(ctx, siteID)
	if err != nil {
		return nil, err
	}

	info, err := certs.ValidateUpload(site.Name, req.Certificate, req.PrivateKey, req.Chain, r.certs.Now(), t.logger)
	if err != nil {
		return nil, err
	}
	res := &certs.Result{
		Material: &certs.Material{
			CertificatePEM: strings.TrimSpace(req.Certificate) + "\n",
			PrivateKeyPEM:  strings.TrimSpace(req.PrivateKey) + "\n",
			ChainPEM:       strings.TrimSpace(req.Chain),
		},
		Info: info,
	}

	existing, err := r.repo.GetCertificateBySite(ctx, siteID)
	if err != nil && !errors.Is(err, apperr.ErrNotFound) {
		return nil, err
	}

	var previous *model.Certificate
	var cert *model.Certificate
	if existing != nil {
		previous = repository.CloneCertificate(existing)
		cert = existing
		r.certs.Apply(cert, res)
		cert.Source = model.CertSourceUpload
		cert.AutoRenew = false
		cert.Email = ""
		cert.ChallengeMethod = ""
		if err := r.repo.SaveCertificate(ctx, cert); err != nil {
			return nil, err
		}
	} else {
		cert = r.certs.NewRecord(siteID, res, model.CertSourceUpload)
		cert.AutoRenew = false
		if err := r.repo.CreateCertificate(ctx, cert); err != nil {
			return nil, err
		}
	}

	if err := r.activateCertificate(ctx, t, site, cert, previous); err != nil {
		if previous == nil {
			if delErr := r.repo.DeleteCertificate(context.WithoutCancel(ctx), cert.ID); delErr != nil {
				t.logger.Error("failed to discard uploaded certificate", "certificate_id", cert.ID, "error", delErr)
			}
		}
		return nil, err
	}

	t.logger.Info("certificate uploaded", "certificate_id", cert.ID, "valid_to", cert.ValidTo)
	return cert, nil
}

// RenewCertificate renews a certificate through the CA and activates the new
// material. Uploaded certificates and issuers outside the allow-list are
// refused with PreconditionFailed before the CA is contacted. RateLimited and
// NotYetDue are returned as-is and change nothing; any other CA failure marks
// the certificate as expiring.
func (r *Reconciler) RenewCertificate(ctx context.Context, actor string, certID uint) (*model.Certificate, error) {
	t := r.begin(actor, "renew certificate", "certificate_id", certID)

	cert, err := r.repo.GetCertificate(ctx, certID)
	if err != nil {
		r.audit(ctx, t, ActionRenew, TargetCertificate, certID, err, "")
		return nil, err
	}
	if cert.Source == model.CertSourceUpload || !r.certs.IsAutoRenewIssuer(cert) {
		err := apperr.New(apperr.KindPreconditionFailed, t.op,
			"certificate %d (%s, issuer %q) cannot be renewed by the CA", certID, cert.Source, cert.Issuer)
		r.audit(ctx, t, ActionRenew, TargetCertificate, certID, err, cert.CommonName)
		return nil, err
	}

	res, err := r.certs.Renew(ctx, cert)
	if err != nil {
		switch apperr.KindOf(err) {
		case apperr.KindRateLimited, apperr.KindNotYetDue:
			// steady state, retried later; nothing was mutated
			return nil, err
		}
		r.MarkRenewalFailed(ctx, certID, err)
		r.audit(ctx, t, ActionRenew, TargetCertificate, certID, err, cert.CommonName)
		return nil, err
	}

	renewed, err := r.applyRenewal(ctx, t, certID, res)
	r.audit(ctx, t, ActionRenew, TargetCertificate, certID, err, cert.CommonName)
	return renewed, err
}

// ApplyRenewal stores renewed material for a certificate and activates it
// when its site serves HTTPS. Identity and settings of the certificate are
// kept. On activation failure the previous material is restored.
func (r *Reconciler) ApplyRenewal(ctx context.Context, actor string, certID uint, res *certs.Result) (*model.Certificate, error) {
	t := r.begin(actor, "apply renewal", "certificate_id", certID)
	cert, err := r.applyRenewal(ctx, t, certID, res)
	r.audit(ctx, t, ActionRenew, TargetCertificate, certID, err, "")
	return cert, err
}

func (r *Reconciler) applyRenewal(ctx context.Context, t *txn, certID uint, res *certs.Result) (*model.Certificate, error) {
	// resolve the owning site first, then re-read under its lock
	current, err := r.repo.GetCertificate(ctx, certID)
	if err != nil {
		return nil, err
	}
	unlock := r.locks.Lock(siteKey(current.SiteID))
	defer unlock()

	cert, err := r.repo.GetCertificate(ctx, certID)
	if err != nil {
		return nil, err
	}
	site, err := r.repo.GetSite(ctx, cert.SiteID)
	if err != nil {
		return nil, err
	}

	previous := repository.CloneCertificate(cert)
	r.certs.Apply(cert, res)
	now := r.certs.Now()
	cert.LastRenewedAt = &now
	if err := r.repo.SaveCertificate(ctx, cert); err != nil {
		return nil, err
	}

	if err := r.activateCertificate(ctx, t, site, cert, previous); err != nil {
		return nil, err
	}

	t.logger.Info("certificate renewed", "valid_to", cert.ValidTo)
	return cert, nil
}

// activateCertificate caches the new expiry on the site and, when the site
// serves HTTPS, activates the new material. On failure previous (if any) is
// written back and re-activated. Must be called with the site lock held.
func (r *Reconciler) activateCertificate(ctx context.Context, t *txn, site *model.Site, cert, previous *model.Certificate) error {
	snapshot := repository.CloneSite(site)
	validTo := cert.ValidTo
	if err := r.repo.SetSiteExpiry(ctx, site.ID, &validTo); err != nil {
		t.logger.Warn("failed to cache certificate expiry on site", "error", err)
	}
	if !site.SSLEnabled {
		return nil
	}

	proposed, err := r.repo.GetSite(ctx, site.ID)
	if err != nil {
		return err
	}
	applyErr := r.apply(ctx, t, proposed, cert)
	if applyErr == nil {
		return nil
	}

	restoreCtx := context.WithoutCancel(ctx)
	if previous != nil {
		if err := r.repo.SaveCertificate(restoreCtx, previous); err != nil {
			t.logger.Error("failed to restore previous certificate", "certificate_id", previous.ID, "error", err)
		}
	}
	reactivate := apperr.KindOf(applyErr) == apperr.KindReloadFailed
	if previous == nil {
		// no earlier material to render the old config with
		reactivate = false
	}
	return r.rollback(ctx, t, snapshot, reactivate, applyErr)
}

// MarkRenewalFailed records a failed renewal. The certificate stays
// expiring and is retried on the next sweep.
func (r *Reconciler) MarkRenewalFailed(ctx context.Context, certID uint, cause error) {
	reason := ""
	if cause != nil {
		reason = cause.Error()
		if len(reason) > 1000 {
			reason = reason[:1000]
		}
	}
	if err := r.repo.SetCertificateStatus(context.WithoutCancel(ctx), certID, model.CertStatusExpiring, reason); err != nil {
		r.logger.Warn("failed to mark renewal failure", "certificate_id", certID, "error", err)
	}
}

// DeleteCertificate removes a certificate. A site serving HTTPS with it is
// first switched back to HTTP; if that activation fails nothing is deleted.
func (r *Reconciler) DeleteCertificate(ctx context.Context, actor string, certID uint) error {
	t := r.begin(actor, "delete certificate", "certificate_id", certID)
	err := r.deleteCertificate(ctx, t, certID)
	r.audit(ctx, t, ActionDelete, TargetCertificate, certID, err, "")
	return err
}

func (r *Reconciler) deleteCertificate(ctx context.Context, t *txn, certID uint) error {
	current, err := r.repo.GetCertificate(ctx, certID)
	if err != nil {
		return err
	}
	unlock := r.locks.Lock(siteKey(current.SiteID))
	defer unlock()

	cert, err := r.repo.GetCertificate(ctx, certID)
	if err != nil {
		return err
	}

	site, err := r.repo.GetSite(ctx, cert.SiteID)
	switch {
	case errors.Is(err, apperr.ErrNotFound):
		site = nil
	case err != nil:
		return err
	}

	if site != nil && site.SSLEnabled {
		snapshot := repository.CloneSite(site)
		if err := r.repo.SetSiteSSL(ctx, site.ID, false, nil); err != nil {
			return err
		}
		proposed, err := r.repo.GetSite(ctx, site.ID)
		if err != nil {
			return r.rollback(ctx, t, snapshot, false, err)
		}
		if err := r.apply(ctx, t, proposed, nil); err != nil {
			return r.rollback(ctx, t, snapshot, apperr.KindOf(err) == apperr.KindReloadFailed, err)
		}
	}

	if err := r.repo.DeleteCertificate(ctx, certID); err != nil {
		return err
	}
	if site != nil && !site.SSLEnabled {
		if err := r.repo.SetSiteExpiry(ctx, site.ID, nil); err != nil {
			t.logger.Warn("failed to clear cached expiry", "error", err)
		}
	}
	t.logger.Info("certificate deleted", "site_id", cert.SiteID)
	return nil
}

func uintString(v uint) string {
	return strconv.FormatUint(uint64(v), 10)
}
