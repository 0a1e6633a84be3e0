package service

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/web-casa/proxyfleet/internal/apperr"
	"github.com/web-casa/proxyfleet/internal/model"
	"github.com/web-casa/proxyfleet/internal/nginx"
)

func TestExportImportSites(t *testing.T) {
	src := setupTestEnv(t)
	ctx := context.Background()

	req := siteRequest("api.example.com", 8080, 8081)
	req.LoadBalancer = &model.LoadBalancerInput{Algorithm: nginx.AlgorithmIPHash, HealthCheckEnabled: true, HealthCheckPath: "/healthz"}
	_, err := src.rec.CreateSite(ctx, "tester", req)
	require.NoError(t, err)
	src.createSite(t, "www.example.com", 80)

	data, err := src.rec.ExportSites(ctx)
	require.NoError(t, err)
	assert.Equal(t, ExportVersion, data.Version)
	require.Len(t, data.Sites, 2)

	dst := setupTestEnv(t)
	dst.createSite(t, "www.example.com", 9999)

	result, err := dst.rec.ImportSites(ctx, "tester", data)
	require.NoError(t, err)
	assert.Equal(t, []string{"api.example.com"}, result.Created)
	assert.Equal(t, []string{"www.example.com"}, result.Skipped)
	assert.Empty(t, result.Failed)

	sites, err := dst.rec.ListSites(ctx)
	require.NoError(t, err)
	require.Len(t, sites, 2)
	for _, s := range sites {
		switch s.Name {
		case "api.example.com":
			require.Len(t, s.Upstreams, 2)
			require.NotNil(t, s.LoadBalancer)
			assert.Equal(t, nginx.AlgorithmIPHash, s.LoadBalancer.Algorithm)
			assert.Equal(t, "/healthz", s.LoadBalancer.HealthCheckPath)
		case "www.example.com":
			// existing sites are left alone
			assert.Equal(t, 9999, s.Upstreams[0].Port)
		}
	}
}

func TestImportSites_FailuresAreIsolated(t *testing.T) {
	env := setupTestEnv(t)
	ctx := context.Background()

	bad := *siteRequest("bad.example.com", 80)
	bad.Upstreams[0].Host = "10.0.0.1; include /etc/passwd"
	data := &model.ExportData{Version: ExportVersion, Sites: []model.SiteRequest{bad, *siteRequest("good.example.com", 80)}}

	result, err := env.rec.ImportSites(ctx, "tester", data)
	require.NoError(t, err)
	assert.Equal(t, []string{"good.example.com"}, result.Created)
	assert.Contains(t, result.Failed, "bad.example.com")

	_, err = env.rec.ImportSites(ctx, "tester", &model.ExportData{Version: "9"})
	assert.ErrorIs(t, err, apperr.ErrInvalidConfig)
}
