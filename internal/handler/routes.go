package handler

import "github.com/gin-gonic/gin"

// Handlers groups every API handler for registration
type Handlers struct {
	Sites        *SiteHandler
	Certificates *CertificateHandler
	Proxy        *ProxyHandler
	Activity     *ActivityHandler
	Renewals     *RenewalHandler
}

// Register mounts the API under api
func Register(api *gin.RouterGroup, h Handlers) {
	api.Use(ActorMiddleware())

	// Sites
	api.GET("/sites", h.Sites.List)
	api.POST("/sites", h.Sites.Create)
	api.GET("/sites/export", h.Sites.Export)
	api.POST("/sites/import", h.Sites.Import)
	api.GET("/sites/:id", h.Sites.Get)
	api.PUT("/sites/:id", h.Sites.Update)
	api.DELETE("/sites/:id", h.Sites.Delete)
	api.PATCH("/sites/:id/ssl", h.Sites.ToggleSSL)
	api.GET("/sites/:id/config", h.Sites.Config)
	api.GET("/sites/:id/dns-check", h.Sites.DNSCheck)

	// Certificates
	api.GET("/certificates", h.Certificates.List)
	api.GET("/certificates/:id", h.Certificates.Get)
	api.POST("/sites/:id/certificate", h.Certificates.Issue)
	api.POST("/sites/:id/certificate/upload", h.Certificates.Upload)
	api.POST("/certificates/:id/renew", h.Certificates.Renew)
	api.DELETE("/certificates/:id", h.Certificates.Delete)

	// Proxy
	api.GET("/proxy/status", h.Proxy.Status)
	api.POST("/proxy/reload", h.Proxy.Reload)

	// Activity and renewals
	api.GET("/activity", h.Activity.List)
	api.GET("/renewals/status", h.Renewals.Status)
	api.POST("/renewals/sweep", h.Renewals.Sweep)
	api.GET("/events", h.Renewals.Events)
}
