package handler

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/web-casa/proxyfleet/internal/service"
)

// ProxyStatus reports on the running proxy
type ProxyStatus interface {
	Status(ctx context.Context) map[string]interface{}
}

// ProxyHandler manages proxy control endpoints
type ProxyHandler struct {
	rec    *service.Reconciler
	status ProxyStatus
}

// NewProxyHandler creates a new ProxyHandler
func NewProxyHandler(rec *service.Reconciler, status ProxyStatus) *ProxyHandler {
	return &ProxyHandler{rec: rec, status: status}
}

// Status returns the current proxy status
func (h *ProxyHandler) Status(c *gin.Context) {
	c.JSON(http.StatusOK, h.status.Status(c.Request.Context()))
}

// Reload validates and reloads the enabled configuration set
func (h *ProxyHandler) Reload(c *gin.Context) {
	res, err := h.rec.ReloadNow(c.Request.Context(), actor(c))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}
