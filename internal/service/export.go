package service

import (
	"context"
	"errors"
	"time"

	"github.com/web-casa/proxyfleet/internal/apperr"
	"github.com/web-casa/proxyfleet/internal/model"
)

// ExportVersion is written into every export
const ExportVersion = "1.0"

// ExportSites returns every site as a request that CreateSite accepts
func (r *Reconciler) ExportSites(ctx context.Context) (*model.ExportData, error) {
	sites, err := r.repo.ListSites(ctx)
	if err != nil {
		return nil, err
	}
	data := &model.ExportData{
		Version:    ExportVersion,
		ExportedAt: time.Now().UTC().Format(time.RFC3339),
		Sites:      make([]model.SiteRequest, 0, len(sites)),
	}
	for i := range sites {
		data.Sites = append(data.Sites, siteToRequest(&sites[i]))
	}
	return data, nil
}

// ImportSites creates every site in data whose name is not taken yet. Each
// site goes through CreateSite, so a site that fails to activate is rolled
// back on its own without affecting the others. Existing sites are never
// modified.
func (r *Reconciler) ImportSites(ctx context.Context, actor string, data *model.ExportData) (*model.ImportResult, error) {
	if data.Version != "" && data.Version != ExportVersion {
		return nil, apperr.New(apperr.KindInvalidConfig, "import sites", "unsupported export version %q", data.Version)
	}

	result := &model.ImportResult{Created: []string{}, Skipped: []string{}, Failed: map[string]string{}}
	for i := range data.Sites {
		if err := ctx.Err(); err != nil {
			return result, err
		}
		req := data.Sites[i]
		req.AutoSSL = false
		name := normalizeName(req.Name)

		_, err := r.CreateSite(ctx, actor, &req)
		switch {
		case err == nil:
			result.Created = append(result.Created, name)
		case errors.Is(err, apperr.ErrAlreadyExists):
			result.Skipped = append(result.Skipped, name)
		default:
			result.Failed[name] = err.Error()
		}
	}
	r.logger.Info("sites imported", "actor", actor, "created", len(result.Created), "skipped", len(result.Skipped), "failed", len(result.Failed))
	return result, nil
}

func siteToRequest(site *model.Site) model.SiteRequest {
	req := model.SiteRequest{
		Name:          site.Name,
		ModSecEnabled: boolPtr(site.ModSecEnabled),
		ForceHTTPS:    boolPtr(site.ForceHTTPS),
		HTTP2:         boolPtr(site.HTTP2),
		WebSocket:     boolPtr(site.WebSocket),
	}
	for _, u := range site.Upstreams {
		req.Upstreams = append(req.Upstreams, model.UpstreamInput{
			Host:        u.Host,
			Port:        u.Port,
			Protocol:    u.Protocol,
			Weight:      u.Weight,
			MaxFails:    u.MaxFails,
			FailTimeout: u.FailTimeout,
			SSLVerify:   boolPtr(u.SSLVerify),
		})
	}
	if lb := site.LoadBalancer; lb != nil {
		req.LoadBalancer = &model.LoadBalancerInput{
			Algorithm:           lb.Algorithm,
			HealthCheckEnabled:  lb.HealthCheckEnabled,
			HealthCheckInterval: lb.HealthCheckInterval,
			HealthCheckTimeout:  lb.HealthCheckTimeout,
			HealthCheckPath:     lb.HealthCheckPath,
			UnhealthyThreshold:  lb.UnhealthyThreshold,
		}
	}
	return req
}

func boolPtr(v bool) *bool {
	return &v
}
