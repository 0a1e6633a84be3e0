// Package repository is the durable store for sites, certificates and the
// audit log. It also provides the point-in-time site snapshot and verbatim
// restore the reconciler relies on for rollback.
package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/web-casa/proxyfleet/internal/apperr"
	"github.com/web-casa/proxyfleet/internal/model"
	"gorm.io/gorm"
)

// Repository is a gorm-backed store
type Repository struct {
	db *gorm.DB
}

// New creates a Repository
func New(db *gorm.DB) *Repository {
	return &Repository{db: db}
}

// DB returns the underlying connection
func (r *Repository) DB() *gorm.DB {
	return r.db
}

func (r *Repository) sites(ctx context.Context) *gorm.DB {
	return r.db.WithContext(ctx).
		Preload("Upstreams", func(db *gorm.DB) *gorm.DB { return db.Order("sort_order ASC, id ASC") }).
		Preload("LoadBalancer")
}

func notFound(err error, op, format string, args ...interface{}) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return apperr.New(apperr.KindNotFound, op, format, args...)
	}
	return fmt.Errorf("%s: %w", op, err)
}

// ListSites returns all sites with their associations
func (r *Repository) ListSites(ctx context.Context) ([]model.Site, error) {
	var sites []model.Site
	err := r.sites(ctx).Order("id ASC").Find(&sites).Error
	return sites, err
}

// GetSite returns a single site by ID
func (r *Repository) GetSite(ctx context.Context, id uint) (*model.Site, error) {
	var site model.Site
	if err := r.sites(ctx).First(&site, id).Error; err != nil {
		return nil, notFound(err, "get site", "site %d not found", id)
	}
	return &site, nil
}

// GetSiteByName returns the site serving the given hostname
func (r *Repository) GetSiteByName(ctx context.Context, name string) (*model.Site, error) {
	var site model.Site
	if err := r.sites(ctx).Where("name = ?", name).First(&site).Error; err != nil {
		return nil, notFound(err, "get site", "site %q not found", name)
	}
	return &site, nil
}

// SiteNameTaken reports whether another site (other than excludeID) already uses name
func (r *Repository) SiteNameTaken(ctx context.Context, name string, excludeID uint) (bool, error) {
	var count int64
	q := r.db.WithContext(ctx).Model(&model.Site{}).Where("name = ?", name)
	if excludeID != 0 {
		q = q.Where("id != ?", excludeID)
	}
	if err := q.Count(&count).Error; err != nil {
		return false, err
	}
	return count > 0, nil
}

// CreateSite inserts a site together with its upstreams and load balancer
func (r *Repository) CreateSite(ctx context.Context, site *model.Site) error {
	if err := r.db.WithContext(ctx).Create(site).Error; err != nil {
		return fmt.Errorf("create site: %w", err)
	}
	return nil
}

// ReplaceSite overwrites every column of the site row and replaces its
// upstreams and load balancer with exactly the ones carried by site. IDs and
// timestamps present on site are written as-is, which makes ReplaceSite the
// restore half of Snapshot.
func (r *Repository) ReplaceSite(ctx context.Context, site *model.Site) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&model.Site{}).Where("id = ?", site.ID).UpdateColumns(siteColumns(site))
		if res.Error != nil {
			return fmt.Errorf("replace site: %w", res.Error)
		}
		if res.RowsAffected == 0 {
			return apperr.New(apperr.KindNotFound, "replace site", "site %d not found", site.ID)
		}

		if err := tx.Where("site_id = ?", site.ID).Delete(&model.Upstream{}).Error; err != nil {
			return fmt.Errorf("clear upstreams: %w", err)
		}
		if err := tx.Where("site_id = ?", site.ID).Delete(&model.LoadBalancer{}).Error; err != nil {
			return fmt.Errorf("clear load balancer: %w", err)
		}

		for i := range site.Upstreams {
			site.Upstreams[i].SiteID = site.ID
			if err := tx.Create(&site.Upstreams[i]).Error; err != nil {
				return fmt.Errorf("create upstream: %w", err)
			}
		}
		if site.LoadBalancer != nil {
			site.LoadBalancer.SiteID = site.ID
			if err := tx.Create(site.LoadBalancer).Error; err != nil {
				return fmt.Errorf("create load balancer: %w", err)
			}
		}
		return nil
	})
}

// Snapshot returns a deep copy of the site as currently persisted
func (r *Repository) Snapshot(ctx context.Context, id uint) (*model.Site, error) {
	site, err := r.GetSite(ctx, id)
	if err != nil {
		return nil, err
	}
	return CloneSite(site), nil
}

// SetSiteStatus updates only the lifecycle status of a site
func (r *Repository) SetSiteStatus(ctx context.Context, id uint, status string) error {
	return r.updateSite(ctx, id, map[string]interface{}{"status": status, "updated_at": time.Now()})
}

// SetSiteSSL updates the SSL flag and the cached certificate expiry of a site
func (r *Repository) SetSiteSSL(ctx context.Context, id uint, enabled bool, expiry *time.Time) error {
	return r.updateSite(ctx, id, map[string]interface{}{"ssl_enabled": enabled, "ssl_expiry": expiry, "updated_at": time.Now()})
}

// SetSiteExpiry updates only the cached certificate expiry of a site
func (r *Repository) SetSiteExpiry(ctx context.Context, id uint, expiry *time.Time) error {
	return r.updateSite(ctx, id, map[string]interface{}{"ssl_expiry": expiry, "updated_at": time.Now()})
}

func (r *Repository) updateSite(ctx context.Context, id uint, cols map[string]interface{}) error {
	res := r.db.WithContext(ctx).Model(&model.Site{}).Where("id = ?", id).UpdateColumns(cols)
	if res.Error != nil {
		return fmt.Errorf("update site %d: %w", id, res.Error)
	}
	if res.RowsAffected == 0 {
		return apperr.New(apperr.KindNotFound, "update site", "site %d not found", id)
	}
	return nil
}

// DeleteSite removes a site, its upstreams, load balancer and certificate
func (r *Repository) DeleteSite(ctx context.Context, id uint) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for _, m := range []interface{}{&model.Upstream{}, &model.LoadBalancer{}, &model.Certificate{}} {
			if err := tx.Where("site_id = ?", id).Delete(m).Error; err != nil {
				return fmt.Errorf("delete site %d children: %w", id, err)
			}
		}
		res := tx.Delete(&model.Site{}, id)
		if res.Error != nil {
			return fmt.Errorf("delete site %d: %w", id, res.Error)
		}
		if res.RowsAffected == 0 {
			return apperr.New(apperr.KindNotFound, "delete site", "site %d not found", id)
		}
		return nil
	})
}

func siteColumns(s *model.Site) map[string]interface{} {
	return map[string]interface{}{
		"name":           s.Name,
		"status":         s.Status,
		"ssl_enabled":    s.SSLEnabled,
		"ssl_expiry":     s.SSLExpiry,
		"modsec_enabled": s.ModSecEnabled,
		"force_https":    s.ForceHTTPS,
		"http2":          s.HTTP2,
		"websocket":      s.WebSocket,
		"created_at":     s.CreatedAt,
		"updated_at":     s.UpdatedAt,
	}
}

// CloneSite deep-copies a site including its upstreams and load balancer
func CloneSite(s *model.Site) *model.Site {
	if s == nil {
		return nil
	}
	c := *s
	if s.SSLExpiry != nil {
		t := *s.SSLExpiry
		c.SSLExpiry = &t
	}
	if s.Upstreams != nil {
		c.Upstreams = make([]model.Upstream, len(s.Upstreams))
		copy(c.Upstreams, s.Upstreams)
	}
	if s.LoadBalancer != nil {
		lb := *s.LoadBalancer
		c.LoadBalancer = &lb
	}
	return &c
}
