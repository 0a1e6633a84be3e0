package handler

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/web-casa/proxyfleet/internal/apperr"
	"github.com/web-casa/proxyfleet/internal/model"
	"github.com/web-casa/proxyfleet/internal/service"
	"github.com/web-casa/proxyfleet/internal/throttle"
)

// CertificateHandler manages certificate endpoints
type CertificateHandler struct {
	rec     *service.Reconciler
	limiter *throttle.Limiter
}

// NewCertificateHandler creates a new CertificateHandler. limiter may be nil.
func NewCertificateHandler(rec *service.Reconciler, limiter *throttle.Limiter) *CertificateHandler {
	return &CertificateHandler{rec: rec, limiter: limiter}
}

// throttled answers 429 when key is backing off after CA failures
func (h *CertificateHandler) throttled(c *gin.Context, key string) bool {
	if h.limiter == nil {
		return false
	}
	allowed, wait := h.limiter.Check(key)
	if allowed {
		return false
	}
	secs := int(wait.Seconds())
	c.Header("Retry-After", strconv.Itoa(secs))
	c.JSON(http.StatusTooManyRequests, gin.H{
		"error":       fmt.Sprintf("too many failed CA requests, retry in %ds", secs),
		"error_key":   "error.rate_limited",
		"retry_after": secs,
	})
	return true
}

// record counts only failures that came from the CA
func (h *CertificateHandler) record(key string, err error) {
	if h.limiter == nil {
		return
	}
	switch {
	case err == nil:
		h.limiter.RecordSuccess(key)
	case errors.Is(err, apperr.ErrRateLimited), errors.Is(err, apperr.ErrFatal):
		h.limiter.RecordFail(key)
	}
}

// List returns all certificates with freshly computed status
func (h *CertificateHandler) List(c *gin.Context) {
	list, err := h.rec.ListCertificates(c.Request.Context())
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"certificates": list, "total": len(list)})
}

// Get returns one certificate
func (h *CertificateHandler) Get(c *gin.Context) {
	id, ok := bindID(c)
	if !ok {
		return
	}
	cert, err := h.rec.GetCertificate(c.Request.Context(), id)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, cert)
}

// Issue requests a certificate for the site in :id from the CA
func (h *CertificateHandler) Issue(c *gin.Context) {
	siteID, ok := bindID(c)
	if !ok {
		return
	}
	var req model.CertificateIssueRequest
	// an empty body means defaults
	if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error(), "error_key": "error.invalid_request"})
		return
	}
	key := fmt.Sprintf("issue:%d", siteID)
	if h.throttled(c, key) {
		return
	}
	cert, err := h.rec.IssueCertificate(c.Request.Context(), actor(c), siteID, &req)
	h.record(key, err)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, cert)
}

// Upload installs a manually supplied certificate for the site in :id
func (h *CertificateHandler) Upload(c *gin.Context) {
	siteID, ok := bindID(c)
	if !ok {
		return
	}
	var req model.CertificateUploadRequest
	if !bindJSON(c, &req) {
		return
	}
	cert, err := h.rec.UploadCertificate(c.Request.Context(), actor(c), siteID, &req)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, cert)
}

// Renew renews a certificate now
func (h *CertificateHandler) Renew(c *gin.Context) {
	id, ok := bindID(c)
	if !ok {
		return
	}
	key := fmt.Sprintf("renew:%d", id)
	if h.throttled(c, key) {
		return
	}
	cert, err := h.rec.RenewCertificate(c.Request.Context(), actor(c), id)
	h.record(key, err)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, cert)
}

// Delete removes a certificate, switching its site back to HTTP first
func (h *CertificateHandler) Delete(c *gin.Context) {
	id, ok := bindID(c)
	if !ok {
		return
	}
	if err := h.rec.DeleteCertificate(c.Request.Context(), actor(c), id); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "Certificate deleted successfully"})
}
