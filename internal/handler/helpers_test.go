package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"
	"github.com/web-casa/proxyfleet/internal/certs"
	"github.com/web-casa/proxyfleet/internal/certs/certtest"
	"github.com/web-casa/proxyfleet/internal/database"
	"github.com/web-casa/proxyfleet/internal/event"
	"github.com/web-casa/proxyfleet/internal/nginx"
	"github.com/web-casa/proxyfleet/internal/repository"
	"github.com/web-casa/proxyfleet/internal/scheduler"
	"github.com/web-casa/proxyfleet/internal/service"
	"github.com/web-casa/proxyfleet/internal/throttle"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

var testDBCounter atomic.Int64

func setupTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:handler_testdb_%d?mode=memory&cache=shared", testDBCounter.Add(1))
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	sqlDB, _ := db.DB()
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { sqlDB.Close() })
	require.NoError(t, db.AutoMigrate(database.Models()...))
	return db
}

// stubProxy activates successfully unless told to fail
type stubProxy struct {
	fail atomic.Bool
}

func (s *stubProxy) Enable(ctx context.Context, a *nginx.Artifact) error { return nil }
func (s *stubProxy) Delete(ctx context.Context, name string) error       { return nil }

func (s *stubProxy) Activate(ctx context.Context) nginx.ReloadResult {
	if s.fail.Load() {
		return nginx.ReloadResult{Method: nginx.MethodSignal, Mode: nginx.ModeReload, Error: "nginx: [emerg] host not found in upstream"}
	}
	return nginx.ReloadResult{Success: true, Method: nginx.MethodSignal, Mode: nginx.ModeReload}
}

func (s *stubProxy) Status(ctx context.Context) map[string]interface{} {
	return map[string]interface{}{"binary_present": false, "sites_enabled": 0}
}

type stubCA struct {
	t   *testing.T
	mu  sync.Mutex
	err error
}

func (c *stubCA) setErr(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.err = err
}

func (c *stubCA) material(domain string, sans []string) *certs.Material {
	c.mu.Lock()
	defer c.mu.Unlock()
	p := certtest.Generate(c.t, certtest.Options{CommonName: domain, SANs: sans, NotBefore: time.Now().Add(-time.Hour), NotAfter: time.Now().Add(89 * 24 * time.Hour)})
	return &certs.Material{CertificatePEM: p.CertPEM, PrivateKeyPEM: p.KeyPEM, ChainPEM: p.ChainPEM}
}

func (c *stubCA) Issue(ctx context.Context, req certs.IssueRequest) (*certs.Material, error) {
	c.mu.Lock()
	err := c.err
	c.mu.Unlock()
	if err != nil {
		return nil, err
	}
	return c.material(req.Domain, req.SANs), nil
}

func (c *stubCA) Renew(ctx context.Context, req certs.RenewRequest) (*certs.Material, error) {
	return c.material(req.Domain, req.SANs), nil
}

// staticDNS resolves every name to ip
func staticDNS(ip string) service.DNSLookupFunc {
	return func(ctx context.Context, domain string) ([]string, []string, error) {
		return []string{ip}, nil, nil
	}
}

type testServer struct {
	router *gin.Engine
	proxy  *stubProxy
	ca     *stubCA
	rec    *service.Reconciler
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	gin.SetMode(gin.TestMode)

	repo := repository.New(setupTestDB(t))
	proxy := &stubProxy{}
	ca := &stubCA{t: t}
	mgr := certs.NewManager(ca, []string{"Let's Encrypt"}, 30*24*time.Hour, nil)
	bus := event.NewBus(50, nil)
	activity := service.NewActivityLogger(repo, nil)
	rec := service.NewReconciler(repo, nginx.NewRenderer(t.TempDir(), "/var/www/acme"), proxy, mgr, activity, bus, nil)
	rec.DefaultEmail = "ops@example.com"
	t.Cleanup(rec.Wait)
	sched := scheduler.New(rec, mgr, bus, time.Hour, nil)
	t.Cleanup(sched.Wait)

	r := gin.New()
	Register(r.Group("/api"), Handlers{
		Sites:        NewSiteHandler(rec, service.NewDNSCheckService(staticDNS("203.0.113.10"), "203.0.113.10", "")),
		Certificates: NewCertificateHandler(rec, throttle.New(2, time.Hour)),
		Proxy:        NewProxyHandler(rec, proxy),
		Activity:     NewActivityHandler(activity),
		Renewals:     NewRenewalHandler(sched, bus),
	})
	return &testServer{router: r, proxy: proxy, ca: ca, rec: rec}
}

func (s *testServer) do(t *testing.T, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(ActorHeader, "alice")
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var out map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out), w.Body.String())
	return out
}

func siteBody(name string, port int) map[string]interface{} {
	return map[string]interface{}{
		"name":      name,
		"upstreams": []map[string]interface{}{{"host": "10.0.0.1", "port": port}},
	}
}

func (s *testServer) createSite(t *testing.T, name string) uint {
	t.Helper()
	w := s.do(t, http.MethodPost, "/api/sites", siteBody(name, 8080))
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	return uint(decode(t, w)["id"].(float64))
}

// responseHasErrorKey checks that the response body contains a non-empty "error_key" field
func responseHasErrorKey(w *httptest.ResponseRecorder) bool {
	var resp map[string]interface{}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		return false
	}
	keyStr, ok := resp["error_key"].(string)
	if !ok || keyStr == "" {
		return false
	}
	return len(keyStr) > 6 && keyStr[:6] == "error."
}
