// Package metrics exposes Prometheus collectors for proxy activations,
// rollbacks, certificate renewals and certificate expiry.
package metrics

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/web-casa/proxyfleet/internal/event"
	"github.com/web-casa/proxyfleet/internal/model"
)

const namespace = "proxyfleet"

// CertificateLister is read on every scrape to report expiry
type CertificateLister interface {
	ListCertificates(ctx context.Context) ([]model.Certificate, error)
}

// Metrics owns a registry and the collectors fed from the event bus
type Metrics struct {
	registry *prometheus.Registry
	logger   *slog.Logger

	reloads         *prometheus.CounterVec
	reloadDuration  prometheus.Histogram
	rollbackFailure prometheus.Counter
	renewals        *prometheus.CounterVec
	autoSSL         *prometheus.CounterVec
	httpRequests    *prometheus.CounterVec
	httpDuration    *prometheus.HistogramVec
}

// New creates the collectors on a private registry
func New(logger *slog.Logger) *Metrics {
	if logger == nil {
		logger = slog.Default()
	}
	reg := prometheus.NewRegistry()
	reg.MustRegister(prometheus.NewGoCollector(), prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))
	f := promauto.With(reg)

	return &Metrics{
		registry: reg,
		logger:   logger.With("module", "metrics"),
		reloads: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "proxy_activations_total",
			Help:      "Proxy validate-and-reload attempts",
		}, []string{"result", "mode"}),
		reloadDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "proxy_activation_duration_seconds",
			Help:      "Duration of proxy validate-and-reload attempts",
			Buckets:   prometheus.DefBuckets,
		}),
		rollbackFailure: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rollback_failures_total",
			Help:      "Rollbacks that could not restore the previous state",
		}),
		renewals: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "certificate_renewals_total",
			Help:      "Scheduled renewal outcomes",
		}, []string{"outcome"}),
		autoSSL: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "autossl_total",
			Help:      "Certificate issuances triggered by site creation",
		}, []string{"result"}),
		httpRequests: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total number of API requests",
		}, []string{"method", "path", "status"}),
		httpDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "API request duration in seconds",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "path"}),
	}
}

// Registry returns the registry backing Handler
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Subscribe feeds the collectors from bus
func (m *Metrics) Subscribe(bus *event.Bus) {
	bus.Subscribe(event.ProxyReloaded, func(e event.Event) {
		result := "failure"
		if ok, _ := e.Payload["success"].(bool); ok {
			result = "success"
		}
		mode, _ := e.Payload["mode"].(string)
		m.reloads.WithLabelValues(result, mode).Inc()
		if d, ok := e.Payload["duration"].(float64); ok {
			m.reloadDuration.Observe(d)
		}
	})
	bus.Subscribe(event.ProxyRollbackFailed, func(e event.Event) {
		m.rollbackFailure.Inc()
	})
	bus.Subscribe(event.CertificateRenewed, func(e event.Event) {
		m.renewals.WithLabelValues("renewed").Inc()
	})
	bus.Subscribe(event.CertificateRenewalDeferred, func(e event.Event) {
		m.renewals.WithLabelValues("deferred").Inc()
	})
	bus.Subscribe(event.CertificateRenewalFailed, func(e event.Event) {
		m.renewals.WithLabelValues("failed").Inc()
	})
	bus.Subscribe(event.SiteAutoSSLIssued, func(e event.Event) {
		m.autoSSL.WithLabelValues("issued").Inc()
	})
	bus.Subscribe(event.SiteAutoSSLFailed, func(e event.Event) {
		m.autoSSL.WithLabelValues("failed").Inc()
	})
}

// WatchCertificates reports the expiry of every stored certificate at scrape time
func (m *Metrics) WatchCertificates(lister CertificateLister) {
	m.registry.MustRegister(&expiryCollector{lister: lister, logger: m.logger})
}

// Handler serves the registry in the Prometheus text format
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Middleware records API request counts and latency by route
func (m *Metrics) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		path := c.FullPath()
		if path == "" {
			path = "unmatched"
		}
		m.httpRequests.WithLabelValues(c.Request.Method, path, strconv.Itoa(c.Writer.Status())).Inc()
		m.httpDuration.WithLabelValues(c.Request.Method, path).Observe(time.Since(start).Seconds())
	}
}

var expiryDesc = prometheus.NewDesc(
	prometheus.BuildFQName(namespace, "certificate", "expiry_timestamp_seconds"),
	"Unix time at which the certificate stops being valid",
	[]string{"certificate_id", "site_id", "common_name", "issuer", "source"}, nil,
)

type expiryCollector struct {
	lister CertificateLister
	logger *slog.Logger
}

func (c *expiryCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- expiryDesc
}

func (c *expiryCollector) Collect(ch chan<- prometheus.Metric) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	list, err := c.lister.ListCertificates(ctx)
	if err != nil {
		c.logger.Warn("failed to list certificates for metrics", "error", err)
		return
	}
	for _, cert := range list {
		ch <- prometheus.MustNewConstMetric(expiryDesc, prometheus.GaugeValue, float64(cert.ValidTo.Unix()),
			strconv.FormatUint(uint64(cert.ID), 10), strconv.FormatUint(uint64(cert.SiteID), 10),
			cert.CommonName, cert.Issuer, cert.Source)
	}
}
