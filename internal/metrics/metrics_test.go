package metrics

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/web-casa/proxyfleet/internal/event"
	"github.com/web-casa/proxyfleet/internal/model"
)

type staticLister []model.Certificate

func (s staticLister) ListCertificates(ctx context.Context) ([]model.Certificate, error) {
	return s, nil
}

func TestSubscribe_CountsEvents(t *testing.T) {
	m := New(nil)
	bus := event.NewBus(0, nil)
	m.Subscribe(bus)

	bus.Publish(event.Event{Type: event.ProxyReloaded, Payload: map[string]interface{}{"success": true, "mode": "reload", "duration": 0.2}})
	bus.Publish(event.Event{Type: event.ProxyReloaded, Payload: map[string]interface{}{"success": false, "mode": "reload", "duration": 0.1}})
	bus.Publish(event.Event{Type: event.ProxyRollbackFailed})
	bus.Publish(event.Event{Type: event.CertificateRenewed})
	bus.Publish(event.Event{Type: event.CertificateRenewalDeferred})
	bus.Publish(event.Event{Type: event.CertificateRenewalDeferred})
	bus.Publish(event.Event{Type: event.SiteAutoSSLFailed})

	assert.Equal(t, 1.0, testutil.ToFloat64(m.reloads.WithLabelValues("success", "reload")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.reloads.WithLabelValues("failure", "reload")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.rollbackFailure))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.renewals.WithLabelValues("renewed")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.renewals.WithLabelValues("deferred")))
	assert.Equal(t, 0.0, testutil.ToFloat64(m.renewals.WithLabelValues("failed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.autoSSL.WithLabelValues("failed")))
}

func TestHandler_ExposesCertificateExpiry(t *testing.T) {
	m := New(nil)
	validTo := time.Date(2027, 3, 1, 0, 0, 0, 0, time.UTC)
	m.WatchCertificates(staticLister{{ID: 3, SiteID: 9, CommonName: "api.example.com", Issuer: "Let's Encrypt", Source: "acme", ValidTo: validTo}})

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	body := rec.Body.String()
	assert.Contains(t, body, "proxyfleet_certificate_expiry_timestamp_seconds{certificate_id=\"3\",common_name=\"api.example.com\"")
	assert.True(t, strings.Contains(body, "1.8038592e+09"), "expiry value missing from:\n%s", body)
}

func TestMiddleware_RecordsRoutePattern(t *testing.T) {
	gin.SetMode(gin.TestMode)
	m := New(nil)
	r := gin.New()
	r.Use(m.Middleware())
	r.GET("/api/sites/:id", func(c *gin.Context) { c.Status(http.StatusNoContent) })

	for _, id := range []string{"1", "2"} {
		r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/api/sites/"+id, nil))
	}
	r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/nope", nil))

	assert.Equal(t, 2.0, testutil.ToFloat64(m.httpRequests.WithLabelValues("GET", "/api/sites/:id", "204")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.httpRequests.WithLabelValues("GET", "unmatched", "404")))
}
