package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/web-casa/proxyfleet/internal/model"
	"github.com/web-casa/proxyfleet/internal/service"
)

// SiteHandler manages site CRUD endpoints
type SiteHandler struct {
	rec *service.Reconciler
	dns *service.DNSCheckService
}

// NewSiteHandler creates a new SiteHandler
func NewSiteHandler(rec *service.Reconciler, dns *service.DNSCheckService) *SiteHandler {
	return &SiteHandler{rec: rec, dns: dns}
}

// List returns all sites
func (h *SiteHandler) List(c *gin.Context) {
	sites, err := h.rec.ListSites(c.Request.Context())
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"sites": sites, "total": len(sites)})
}

// Get returns a single site
func (h *SiteHandler) Get(c *gin.Context) {
	id, ok := bindID(c)
	if !ok {
		return
	}
	site, err := h.rec.GetSite(c.Request.Context(), id)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, site)
}

// Create adds a site and activates it. With auto_ssl the certificate is
// requested in the background; the response does not wait for it.
func (h *SiteHandler) Create(c *gin.Context) {
	var req model.SiteRequest
	if !bindJSON(c, &req) {
		return
	}
	site, err := h.rec.CreateSite(c.Request.Context(), actor(c), &req)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, site)
}

// Update replaces a site's configuration
func (h *SiteHandler) Update(c *gin.Context) {
	id, ok := bindID(c)
	if !ok {
		return
	}
	var req model.SiteRequest
	if !bindJSON(c, &req) {
		return
	}
	site, err := h.rec.UpdateSite(c.Request.Context(), actor(c), id, &req)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, site)
}

// Delete removes a site
func (h *SiteHandler) Delete(c *gin.Context) {
	id, ok := bindID(c)
	if !ok {
		return
	}
	if err := h.rec.DeleteSite(c.Request.Context(), actor(c), id); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "Site deleted successfully"})
}

// ToggleSSL switches a site between HTTP and HTTPS
func (h *SiteHandler) ToggleSSL(c *gin.Context) {
	id, ok := bindID(c)
	if !ok {
		return
	}
	var req model.SSLToggleRequest
	if !bindJSON(c, &req) {
		return
	}
	site, err := h.rec.ToggleSSL(c.Request.Context(), actor(c), id, *req.Enabled)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, site)
}

// Config returns the proxy configuration generated for a site
func (h *SiteHandler) Config(c *gin.Context) {
	id, ok := bindID(c)
	if !ok {
		return
	}
	artifact, err := h.rec.RenderedConfig(c.Request.Context(), id)
	if err != nil {
		respondError(c, err)
		return
	}
	if c.Query("format") == "raw" {
		c.Data(http.StatusOK, "text/plain; charset=utf-8", artifact.Config)
		return
	}
	c.JSON(http.StatusOK, gin.H{"name": artifact.Name, "config": string(artifact.Config)})
}

// DNSCheck reports whether the site's name resolves to this server
// GET /api/sites/:id/dns-check
func (h *SiteHandler) DNSCheck(c *gin.Context) {
	id, ok := bindID(c)
	if !ok {
		return
	}
	site, err := h.rec.GetSite(c.Request.Context(), id)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, h.dns.Check(c.Request.Context(), site.Name))
}

// Export returns all sites as a JSON download
func (h *SiteHandler) Export(c *gin.Context) {
	data, err := h.rec.ExportSites(c.Request.Context())
	if err != nil {
		respondError(c, err)
		return
	}
	c.Header("Content-Disposition", "attachment; filename=proxyfleet-sites.json")
	c.JSON(http.StatusOK, data)
}

// Import creates the sites of an export that do not exist yet
func (h *SiteHandler) Import(c *gin.Context) {
	var data model.ExportData
	if !bindJSON(c, &data) {
		return
	}
	result, err := h.rec.ImportSites(c.Request.Context(), actor(c), &data)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}
