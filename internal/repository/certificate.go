package repository

import (
	"context"
	"fmt"

	"github.com/web-casa/proxyfleet/internal/apperr"
	"github.com/web-casa/proxyfleet/internal/model"
)

// ListCertificates returns every certificate ordered by expiry, soonest first
func (r *Repository) ListCertificates(ctx context.Context) ([]model.Certificate, error) {
	var certs []model.Certificate
	err := r.db.WithContext(ctx).Order("valid_to ASC, id ASC").Find(&certs).Error
	return certs, err
}

// GetCertificate returns a certificate by ID
func (r *Repository) GetCertificate(ctx context.Context, id uint) (*model.Certificate, error) {
	var cert model.Certificate
	if err := r.db.WithContext(ctx).First(&cert, id).Error; err != nil {
		return nil, notFound(err, "get certificate", "certificate %d not found", id)
	}
	return &cert, nil
}

// GetCertificateBySite returns the certificate bound to a site
func (r *Repository) GetCertificateBySite(ctx context.Context, siteID uint) (*model.Certificate, error) {
	var cert model.Certificate
	if err := r.db.WithContext(ctx).Where("site_id = ?", siteID).First(&cert).Error; err != nil {
		return nil, notFound(err, "get certificate", "site %d has no certificate", siteID)
	}
	return &cert, nil
}

// CreateCertificate inserts a certificate
func (r *Repository) CreateCertificate(ctx context.Context, cert *model.Certificate) error {
	if err := r.db.WithContext(ctx).Create(cert).Error; err != nil {
		return fmt.Errorf("create certificate: %w", err)
	}
	return nil
}

// SaveCertificate writes every field of an existing certificate
func (r *Repository) SaveCertificate(ctx context.Context, cert *model.Certificate) error {
	if cert.ID == 0 {
		return fmt.Errorf("save certificate: missing id")
	}
	if err := r.db.WithContext(ctx).Save(cert).Error; err != nil {
		return fmt.Errorf("save certificate %d: %w", cert.ID, err)
	}
	return nil
}

// SetCertificateStatus updates the cached status and the last renewal error
func (r *Repository) SetCertificateStatus(ctx context.Context, id uint, status, lastError string) error {
	res := r.db.WithContext(ctx).Model(&model.Certificate{}).Where("id = ?", id).
		Updates(map[string]interface{}{"status": status, "last_error": lastError})
	if res.Error != nil {
		return fmt.Errorf("update certificate %d: %w", id, res.Error)
	}
	if res.RowsAffected == 0 {
		return apperr.New(apperr.KindNotFound, "update certificate", "certificate %d not found", id)
	}
	return nil
}

// UpdateCertificateStatus updates only the cached status, leaving the last
// renewal error to whoever wrote it
func (r *Repository) UpdateCertificateStatus(ctx context.Context, id uint, status string) error {
	res := r.db.WithContext(ctx).Model(&model.Certificate{}).Where("id = ?", id).Update("status", status)
	if res.Error != nil {
		return fmt.Errorf("update certificate %d: %w", id, res.Error)
	}
	if res.RowsAffected == 0 {
		return apperr.New(apperr.KindNotFound, "update certificate", "certificate %d not found", id)
	}
	return nil
}

// DeleteCertificate removes a certificate
func (r *Repository) DeleteCertificate(ctx context.Context, id uint) error {
	res := r.db.WithContext(ctx).Delete(&model.Certificate{}, id)
	if res.Error != nil {
		return fmt.Errorf("delete certificate %d: %w", id, res.Error)
	}
	if res.RowsAffected == 0 {
		return apperr.New(apperr.KindNotFound, "delete certificate", "certificate %d not found", id)
	}
	return nil
}

// CloneCertificate deep-copies a certificate
func CloneCertificate(c *model.Certificate) *model.Certificate {
	if c == nil {
		return nil
	}
	out := *c
	if c.SANs != nil {
		out.SANs = append([]string(nil), c.SANs...)
	}
	if c.LastRenewedAt != nil {
		t := *c.LastRenewedAt
		out.LastRenewedAt = &t
	}
	return &out
}
