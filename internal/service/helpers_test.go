package service

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/web-casa/proxyfleet/internal/certs"
	"github.com/web-casa/proxyfleet/internal/certs/certtest"
	"github.com/web-casa/proxyfleet/internal/database"
	"github.com/web-casa/proxyfleet/internal/event"
	"github.com/web-casa/proxyfleet/internal/model"
	"github.com/web-casa/proxyfleet/internal/nginx"
	"github.com/web-casa/proxyfleet/internal/repository"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

var testDBCounter uint64

// setupTestDB creates an in-memory SQLite database for testing
func setupTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	id := atomic.AddUint64(&testDBCounter, 1)
	db, err := gorm.Open(sqlite.Open(fmt.Sprintf("file:svc_testdb_%d?mode=memory&cache=shared", id)), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("failed to open test db: %v", err)
	}
	sqlDB, _ := db.DB()
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { sqlDB.Close() })
	if err := db.AutoMigrate(database.Models()...); err != nil {
		t.Fatalf("failed to migrate test db: %v", err)
	}
	return db
}

// fakeExecutor stands in for nginx. Activation results are scripted; the
// "live" set is what was enabled at the last successful activation.
type fakeExecutor struct {
	mu          sync.Mutex
	enabled     map[string]*nginx.Artifact
	live        map[string][]byte
	script      []bool
	failIf      func(config []byte) bool
	activations int
	enables     int
	deleted     []string
}

func newFakeExecutor() *fakeExecutor {
	return &fakeExecutor{enabled: map[string]*nginx.Artifact{}, live: map[string][]byte{}}
}

// failNext makes the next n activations fail
func (f *fakeExecutor) failNext(n int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := 0; i < n; i++ {
		f.script = append(f.script, false)
	}
}

func (f *fakeExecutor) Enable(ctx context.Context, a *nginx.Artifact) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.enables++
	f.enabled[a.Name] = a
	return nil
}

func (f *fakeExecutor) Delete(ctx context.Context, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.enabled, name)
	f.deleted = append(f.deleted, name)
	return nil
}

func (f *fakeExecutor) Activate(ctx context.Context) nginx.ReloadResult {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.activations++
	ok := true
	if len(f.script) > 0 {
		ok, f.script = f.script[0], f.script[1:]
	}
	if f.failIf != nil {
		for _, a := range f.enabled {
			if f.failIf(a.Config) {
				ok = false
			}
		}
	}
	if !ok {
		return nginx.ReloadResult{Method: nginx.MethodSignal, Mode: nginx.ModeReload, Error: "nginx: [emerg] host not found in upstream"}
	}
	f.live = map[string][]byte{}
	for name, a := range f.enabled {
		f.live[name] = a.Config
	}
	return nginx.ReloadResult{Success: true, Method: nginx.MethodSignal, Mode: nginx.ModeReload}
}

func (f *fakeExecutor) enabledArtifact(name string) *nginx.Artifact {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.enabled[name]
}

func (f *fakeExecutor) enabledConfig(name string) []byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	if a, ok := f.enabled[name]; ok {
		return a.Config
	}
	return nil
}

func (f *fakeExecutor) activationCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.activations
}

// fakeCA issues throwaway certificates signed by a "Let's Encrypt" test CA
type fakeCA struct {
	t        *testing.T
	mu       sync.Mutex
	now      func() time.Time
	lifetime time.Duration
	err      error
	issued   int
	renewed  int

	// renewGate holds Renew until closed; renewStarted is signalled on entry
	renewGate    chan struct{}
	renewStarted chan struct{}
}

// holdRenewals makes Renew block until the returned release func is called
func (f *fakeCA) holdRenewals() (started <-chan struct{}, release func()) {
	gate := make(chan struct{})
	entered := make(chan struct{}, 8)
	f.mu.Lock()
	f.renewGate, f.renewStarted = gate, entered
	f.mu.Unlock()
	return entered, func() { close(gate) }
}

func (f *fakeCA) material(domain string, sans []string) *certs.Material {
	now := f.now()
	pair := certtest.Generate(f.t, certtest.Options{
		CommonName: domain,
		SANs:       sans,
		NotBefore:  now,
		NotAfter:   now.Add(f.lifetime),
	})
	return &certs.Material{CertificatePEM: pair.CertPEM, PrivateKeyPEM: pair.KeyPEM, ChainPEM: pair.ChainPEM}
}

func (f *fakeCA) Issue(ctx context.Context, req certs.IssueRequest) (*certs.Material, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.issued++
	if f.err != nil {
		return nil, f.err
	}
	return f.material(req.Domain, req.SANs), nil
}

func (f *fakeCA) Renew(ctx context.Context, req certs.RenewRequest) (*certs.Material, error) {
	f.mu.Lock()
	f.renewed++
	gate, started := f.renewGate, f.renewStarted
	f.mu.Unlock()

	if started != nil {
		started <- struct{}{}
	}
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	return f.material(req.Domain, req.SANs), nil
}

func (f *fakeCA) setErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.err = err
}

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}

type testEnv struct {
	rec   *Reconciler
	repo  *repository.Repository
	exec  *fakeExecutor
	ca    *fakeCA
	gen   *nginx.Renderer
	bus   *event.Bus
	clock *testClock
}

func setupTestEnv(t *testing.T) *testEnv {
	t.Helper()
	db := setupTestDB(t)
	repo := repository.New(db)
	clock := &testClock{now: time.Now().UTC().Truncate(time.Second)}
	ca := &fakeCA{t: t, now: clock.Now, lifetime: 89 * 24 * time.Hour}
	mgr := certs.NewManager(ca, []string{"Let's Encrypt"}, 30*24*time.Hour, nil)
	mgr.SetClock(clock.Now)

	exec := newFakeExecutor()
	gen := nginx.NewRenderer(t.TempDir(), "/var/www/acme")
	bus := event.NewBus(50, nil)
	rec := NewReconciler(repo, gen, exec, mgr, NewActivityLogger(repo, nil), bus, nil)
	rec.DefaultEmail = "ops@example.com"
	t.Cleanup(rec.Wait)

	return &testEnv{rec: rec, repo: repo, exec: exec, ca: ca, gen: gen, bus: bus, clock: clock}
}

func siteRequest(name string, ports ...int) *model.SiteRequest {
	req := &model.SiteRequest{Name: name}
	for _, p := range ports {
		req.Upstreams = append(req.Upstreams, model.UpstreamInput{Host: "10.0.0.1", Port: p})
	}
	return req
}

func (e *testEnv) createSite(t *testing.T, name string, ports ...int) *model.Site {
	t.Helper()
	site, err := e.rec.CreateSite(context.Background(), "tester", siteRequest(name, ports...))
	if err != nil {
		t.Fatalf("failed to create site %s: %v", name, err)
	}
	return site
}

func (e *testEnv) auditLogs(t *testing.T) []model.AuditLog {
	t.Helper()
	logs, _, err := e.repo.ListAuditLogs(context.Background(), 1, 1000)
	if err != nil {
		t.Fatalf("failed to list audit logs: %v", err)
	}
	return logs
}
