package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/web-casa/proxyfleet/internal/apperr"
	"github.com/web-casa/proxyfleet/internal/certs"
	"github.com/web-casa/proxyfleet/internal/event"
	"github.com/web-casa/proxyfleet/internal/model"
	"github.com/web-casa/proxyfleet/internal/nginx"
	"github.com/web-casa/proxyfleet/internal/repository"
)

// SystemActor is recorded when no caller identity is known
const SystemActor = "system"

// ConfigGenerator renders a site (and its certificate when SSL is on) into
// an activatable artifact. It must be pure.
type ConfigGenerator interface {
	Generate(site *model.Site, cert *model.Certificate) (*nginx.Artifact, error)
}

// ReloadExecutor owns the live proxy. Enable and Delete stage artifacts;
// only Activate changes what the running proxy serves.
type ReloadExecutor interface {
	Enable(ctx context.Context, a *nginx.Artifact) error
	Delete(ctx context.Context, name string) error
	Activate(ctx context.Context) nginx.ReloadResult
}

// Reconciler applies site and certificate mutations as
// generate, activate, then commit or roll back. It is the only caller of
// the ReloadExecutor. All work on one site is serialized.
type Reconciler struct {
	repo     *repository.Repository
	gen      ConfigGenerator
	exec     ReloadExecutor
	certs    *certs.Manager
	activity *ActivityLogger
	bus      *event.Bus
	locks    *keyedMutex
	logger   *slog.Logger

	// DefaultEmail is used for auto-SSL when the request carries none
	DefaultEmail string

	wg sync.WaitGroup
}

// NewReconciler creates a Reconciler
func NewReconciler(repo *repository.Repository, gen ConfigGenerator, exec ReloadExecutor, certMgr *certs.Manager, activity *ActivityLogger, bus *event.Bus, logger *slog.Logger) *Reconciler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Reconciler{
		repo:     repo,
		gen:      gen,
		exec:     exec,
		certs:    certMgr,
		activity: activity,
		bus:      bus,
		locks:    newKeyedMutex(),
		logger:   logger.With("module", "reconciler"),
	}
}

// Wait blocks until background follow-ups (auto-SSL) have finished
func (r *Reconciler) Wait() {
	r.wg.Wait()
}

// txn carries per-call context for logging and auditing
type txn struct {
	id     string
	actor  string
	op     string
	logger *slog.Logger
}

func (r *Reconciler) begin(actor, op string, args ...any) *txn {
	if actor == "" {
		actor = SystemActor
	}
	id := uuid.NewString()
	return &txn{
		id:     id,
		actor:  actor,
		op:     op,
		logger: r.logger.With(append([]any{"txn", id, "op", op, "actor", actor}, args...)...),
	}
}

func (r *Reconciler) audit(ctx context.Context, t *txn, action, targetType string, targetID uint, err error, detail string) {
	if err != nil {
		if detail != "" {
			detail += ": "
		}
		detail += err.Error()
	}
	if len(detail) > 1000 {
		detail = detail[:1000]
	}
	r.activity.Log(ctx, model.AuditLog{
		Actor:      t.actor,
		Action:     action,
		TargetType: targetType,
		TargetID:   strconv.FormatUint(uint64(targetID), 10),
		Detail:     detail,
		Success:    err == nil,
		TxnID:      t.id,
	})
}

// ListSites returns all sites
func (r *Reconciler) ListSites(ctx context.Context) ([]model.Site, error) {
	return r.repo.ListSites(ctx)
}

// GetSite returns a site by ID
func (r *Reconciler) GetSite(ctx context.Context, id uint) (*model.Site, error) {
	return r.repo.GetSite(ctx, id)
}

// CreateSite persists a new site, renders and activates it. If activation
// fails the artifact and the site record are removed again. With AutoSSL a
// certificate is requested in the background; that follow-up never undoes
// the creation.
func (r *Reconciler) CreateSite(ctx context.Context, actor string, req *model.SiteRequest) (*model.Site, error) {
	name := normalizeName(req.Name)
	t := r.begin(actor, "create site", "site", name)

	site, err := r.createSite(ctx, t, name, req)
	var id uint
	if site != nil {
		id = site.ID
	}
	r.audit(ctx, t, ActionCreate, TargetSite, id, err, name)
	if err != nil {
		return nil, err
	}

	if req.AutoSSL {
		email := strings.TrimSpace(req.SSLEmail)
		if email == "" {
			email = r.DefaultEmail
		}
		r.wg.Add(1)
		go func() {
			defer r.wg.Done()
			r.autoSSL(context.WithoutCancel(ctx), t.actor, site.ID, email)
		}()
	}
	return site, nil
}

func (r *Reconciler) createSite(ctx context.Context, t *txn, name string, req *model.SiteRequest) (*model.Site, error) {
	unlock := r.locks.Lock(siteNameKey(name))
	defer unlock()

	taken, err := r.repo.SiteNameTaken(ctx, name, 0)
	if err != nil {
		return nil, err
	}
	if taken {
		return nil, apperr.New(apperr.KindAlreadyExists, t.op, "site %q already exists", name)
	}

	site := buildSite(name, req)
	site.Status = model.SiteStatusPending
	if err := r.repo.CreateSite(ctx, site); err != nil {
		return nil, err
	}

	unlockID := r.locks.Lock(siteKey(site.ID))
	defer unlockID()

	artifact, err := r.gen.Generate(site, nil)
	if err != nil {
		r.discardSite(ctx, t, site, false)
		return nil, err
	}
	if err := r.exec.Enable(ctx, artifact); err != nil {
		r.discardSite(ctx, t, site, true)
		return nil, apperr.ReloadFailed(t.op, err.Error())
	}
	if err := r.repo.SetSiteStatus(ctx, site.ID, model.SiteStatusActive); err != nil {
		r.discardSite(ctx, t, site, true)
		return nil, err
	}

	if res := r.activate(ctx, t); !res.Success {
		r.discardSite(ctx, t, site, true)
		return nil, apperr.ReloadFailed(t.op, res.Error)
	}

	t.logger.Info("site created", "site_id", site.ID)
	return r.repo.GetSite(ctx, site.ID)
}

// discardSite undoes a failed creation: the staged artifact and the record
func (r *Reconciler) discardSite(ctx context.Context, t *txn, site *model.Site, staged bool) {
	ctx = context.WithoutCancel(ctx)
	if staged {
		if err := r.exec.Delete(ctx, nginx.ArtifactName(site.ID)); err != nil {
			t.logger.Error("failed to remove artifact of discarded site", "site_id", site.ID, "error", err)
		}
	}
	if err := r.repo.DeleteSite(ctx, site.ID); err != nil {
		t.logger.Error("failed to remove discarded site", "site_id", site.ID, "error", err)
	}
}

// UpdateSite applies req to an existing site. If the proxy rejects the
// result, the previous site is written back verbatim and re-activated.
func (r *Reconciler) UpdateSite(ctx context.Context, actor string, id uint, req *model.SiteRequest) (*model.Site, error) {
	t := r.begin(actor, "update site", "site_id", id)
	site, err := r.updateSite(ctx, t, id, req)
	r.audit(ctx, t, ActionUpdate, TargetSite, id, err, normalizeName(req.Name))
	return site, err
}

func (r *Reconciler) updateSite(ctx context.Context, t *txn, id uint, req *model.SiteRequest) (*model.Site, error) {
	unlock := r.locks.Lock(siteKey(id))
	defer unlock()

	snapshot, err := r.repo.Snapshot(ctx, id)
	if err != nil {
		return nil, err
	}

	name := normalizeName(req.Name)
	if name != snapshot.Name {
		taken, err := r.repo.SiteNameTaken(ctx, name, id)
		if err != nil {
			return nil, err
		}
		if taken {
			return nil, apperr.New(apperr.KindAlreadyExists, t.op, "site %q already exists", name)
		}
	}

	proposed := buildSite(name, req)
	proposed.ID = id
	proposed.Status = snapshot.Status
	proposed.SSLEnabled = snapshot.SSLEnabled
	proposed.SSLExpiry = snapshot.SSLExpiry
	proposed.CreatedAt = snapshot.CreatedAt
	proposed.UpdatedAt = time.Now()
	if err := r.repo.ReplaceSite(ctx, proposed); err != nil {
		return nil, err
	}

	merged, err := r.repo.GetSite(ctx, id)
	if err != nil {
		return nil, r.rollback(ctx, t, snapshot, false, err)
	}
	cert, err := r.certificateFor(ctx, merged)
	if err != nil {
		return nil, r.rollback(ctx, t, snapshot, false, err)
	}

	if err := r.apply(ctx, t, merged, cert); err != nil {
		return nil, r.rollback(ctx, t, snapshot, apperr.KindOf(err) == apperr.KindReloadFailed, err)
	}

	if merged.Status != model.SiteStatusActive {
		if err := r.repo.SetSiteStatus(ctx, id, model.SiteStatusActive); err != nil {
			t.logger.Warn("failed to mark site active", "error", err)
		}
	}
	t.logger.Info("site updated")
	return r.repo.GetSite(ctx, id)
}

// DeleteSite removes the artifact and the site record, then reloads. A
// failed reload is logged and not rolled back; the next successful reload
// converges the proxy.
func (r *Reconciler) DeleteSite(ctx context.Context, actor string, id uint) error {
	t := r.begin(actor, "delete site", "site_id", id)
	detail, err := r.deleteSite(ctx, t, id)
	r.audit(ctx, t, ActionDelete, TargetSite, id, err, detail)
	return err
}

func (r *Reconciler) deleteSite(ctx context.Context, t *txn, id uint) (string, error) {
	unlock := r.locks.Lock(siteKey(id))
	defer unlock()

	site, err := r.repo.GetSite(ctx, id)
	if err != nil {
		return "", err
	}
	if err := r.exec.Delete(ctx, nginx.ArtifactName(id)); err != nil {
		return site.Name, fmt.Errorf("remove artifact: %w", err)
	}
	if err := r.repo.DeleteSite(ctx, id); err != nil {
		return site.Name, err
	}

	if res := r.activate(ctx, t); !res.Success {
		t.logger.Warn("reload after delete failed, proxy will converge on next reload", "reason", res.Error)
		return site.Name + " (reload failed: " + res.Error + ")", nil
	}
	t.logger.Info("site deleted", "site", site.Name)
	return site.Name, nil
}

// ToggleSSL switches a site between HTTP and HTTPS. Enabling requires an
// existing certificate; without one nothing is touched.
func (r *Reconciler) ToggleSSL(ctx context.Context, actor string, id uint, enabled bool) (*model.Site, error) {
	t := r.begin(actor, "toggle ssl", "site_id", id, "enabled", enabled)
	action := ActionSSLOff
	if enabled {
		action = ActionSSLOn
	}

	unlock := r.locks.Lock(siteKey(id))
	site, err := r.setSSL(ctx, t, id, enabled)
	unlock()

	r.audit(ctx, t, action, TargetSite, id, err, "")
	return site, err
}

// setSSL must be called with the site lock held
func (r *Reconciler) setSSL(ctx context.Context, t *txn, id uint, enabled bool) (*model.Site, error) {
	snapshot, err := r.repo.Snapshot(ctx, id)
	if err != nil {
		return nil, err
	}

	cert, err := r.repo.GetCertificateBySite(ctx, id)
	if err != nil {
		if !errors.Is(err, apperr.ErrNotFound) {
			return nil, err
		}
		if enabled {
			return nil, apperr.New(apperr.KindPreconditionFailed, t.op, "site %d has no certificate", id)
		}
		cert = nil
	}

	var expiry *time.Time
	if cert != nil {
		validTo := cert.ValidTo
		expiry = &validTo
	}
	if err := r.repo.SetSiteSSL(ctx, id, enabled, expiry); err != nil {
		return nil, err
	}

	proposed, err := r.repo.GetSite(ctx, id)
	if err != nil {
		return nil, r.rollback(ctx, t, snapshot, false, err)
	}
	if !enabled {
		cert = nil
	}
	if err := r.apply(ctx, t, proposed, cert); err != nil {
		return nil, r.rollback(ctx, t, snapshot, apperr.KindOf(err) == apperr.KindReloadFailed, err)
	}

	t.logger.Info("ssl toggled")
	return r.repo.GetSite(ctx, id)
}

// ReloadNow validates and reloads the proxy with whatever is enabled
func (r *Reconciler) ReloadNow(ctx context.Context, actor string) (nginx.ReloadResult, error) {
	t := r.begin(actor, "reload")
	res := r.activate(ctx, t)
	var err error
	if !res.Success {
		err = apperr.ReloadFailed(t.op, res.Error)
	}
	r.audit(ctx, t, ActionReload, TargetProxy, 0, err, res.Mode)
	return res, err
}

// Resync regenerates and stages every site, then activates once. A site
// that no longer renders is marked as errored and its staged artifact is
// left as it was. Run at startup to bring the proxy in line with the store.
func (r *Reconciler) Resync(ctx context.Context, actor string) error {
	t := r.begin(actor, "resync")
	sites, err := r.repo.ListSites(ctx)
	if err != nil {
		return err
	}

	staged := 0
	for i := range sites {
		site := &sites[i]
		if err := r.stage(ctx, site); err != nil {
			t.logger.Warn("site skipped", "site_id", site.ID, "name", site.Name, "error", err)
			if err := r.repo.SetSiteStatus(ctx, site.ID, model.SiteStatusError); err != nil {
				t.logger.Warn("failed to mark site", "site_id", site.ID, "error", err)
			}
			continue
		}
		staged++
	}

	res := r.activate(ctx, t)
	if !res.Success {
		err = apperr.ReloadFailed(t.op, res.Error)
	}
	r.audit(ctx, t, ActionReload, TargetProxy, 0, err, fmt.Sprintf("resync %d/%d sites", staged, len(sites)))
	t.logger.Info("resync finished", "sites", len(sites), "staged", staged, "success", res.Success)
	return err
}

func (r *Reconciler) stage(ctx context.Context, site *model.Site) error {
	unlock := r.locks.Lock(siteKey(site.ID))
	defer unlock()

	cert, err := r.certificateFor(ctx, site)
	if err != nil {
		return err
	}
	artifact, err := r.gen.Generate(site, cert)
	if err != nil {
		return err
	}
	return r.exec.Enable(ctx, artifact)
}

// RenderedConfig returns the artifact currently generated for a site
func (r *Reconciler) RenderedConfig(ctx context.Context, id uint) (*nginx.Artifact, error) {
	site, err := r.repo.GetSite(ctx, id)
	if err != nil {
		return nil, err
	}
	cert, err := r.certificateFor(ctx, site)
	if err != nil {
		return nil, err
	}
	return r.gen.Generate(site, cert)
}

// apply renders and activates a site. The generator runs before anything is
// staged, so an InvalidConfig leaves the proxy untouched.
func (r *Reconciler) apply(ctx context.Context, t *txn, site *model.Site, cert *model.Certificate) error {
	artifact, err := r.gen.Generate(site, cert)
	if err != nil {
		return err
	}
	if err := r.exec.Enable(ctx, artifact); err != nil {
		return apperr.ReloadFailed(t.op, err.Error())
	}
	if res := r.activate(ctx, t); !res.Success {
		return apperr.ReloadFailed(t.op, res.Error)
	}
	return nil
}

func (r *Reconciler) activate(ctx context.Context, t *txn) nginx.ReloadResult {
	res := r.exec.Activate(ctx)
	if !res.Success {
		t.logger.Warn("proxy activation failed", "method", res.Method, "reason", res.Error)
	}
	r.bus.Publish(event.Event{
		Type: event.ProxyReloaded,
		Payload: map[string]interface{}{
			"op":       t.op,
			"success":  res.Success,
			"mode":     res.Mode,
			"method":   res.Method,
			"duration": res.Duration.Seconds(),
		},
	})
	return res
}

// rollback writes snapshot back and, when the failed attempt reached the
// proxy, re-activates it. cause is returned unless the restore itself fails,
// in which case the site is marked as errored and RollbackFailed is returned.
func (r *Reconciler) rollback(ctx context.Context, t *txn, snapshot *model.Site, reactivate bool, cause error) error {
	ctx = context.WithoutCancel(ctx)
	t.logger.Warn("rolling back", "site_id", snapshot.ID, "cause", cause)

	restoreErr := r.repo.ReplaceSite(ctx, repository.CloneSite(snapshot))
	if restoreErr == nil && reactivate {
		var cert *model.Certificate
		cert, restoreErr = r.certificateFor(ctx, snapshot)
		if restoreErr == nil {
			restoreErr = r.apply(ctx, t, snapshot, cert)
		}
	}
	if restoreErr == nil {
		return cause
	}

	if err := r.repo.SetSiteStatus(ctx, snapshot.ID, model.SiteStatusError); err != nil {
		t.logger.Error("failed to mark site as errored", "site_id", snapshot.ID, "error", err)
	}
	t.logger.Error("rollback failed, site needs manual attention", "site_id", snapshot.ID, "cause", cause, "error", restoreErr)
	r.bus.Publish(event.Event{
		Type:    event.ProxyRollbackFailed,
		SiteID:  snapshot.ID,
		Payload: map[string]interface{}{"op": t.op, "cause": cause.Error(), "error": restoreErr.Error()},
	})
	return &apperr.Error{
		Kind:    apperr.KindRollbackFailed,
		Op:      t.op,
		Message: "rollback failed, site is degraded",
		Reason:  restoreErr.Error(),
		Err:     cause,
	}
}

// certificateFor returns the certificate to render with, or nil when the
// site serves plain HTTP
func (r *Reconciler) certificateFor(ctx context.Context, site *model.Site) (*model.Certificate, error) {
	if !site.SSLEnabled {
		return nil, nil
	}
	cert, err := r.repo.GetCertificateBySite(ctx, site.ID)
	if errors.Is(err, apperr.ErrNotFound) {
		// the generator rejects SSL without a certificate
		return nil, nil
	}
	return cert, err
}

func normalizeName(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}

func buildSite(name string, req *model.SiteRequest) *model.Site {
	site := &model.Site{
		Name:          name,
		ModSecEnabled: boolOr(req.ModSecEnabled, false),
		ForceHTTPS:    boolOr(req.ForceHTTPS, true),
		HTTP2:         boolOr(req.HTTP2, true),
		WebSocket:     boolOr(req.WebSocket, false),
	}
	for i, u := range req.Upstreams {
		site.Upstreams = append(site.Upstreams, model.Upstream{
			Host:        strings.TrimSpace(u.Host),
			Port:        u.Port,
			Protocol:    stringOr(strings.ToLower(u.Protocol), "http"),
			Weight:      u.Weight,
			MaxFails:    u.MaxFails,
			FailTimeout: u.FailTimeout,
			SSLVerify:   boolOr(u.SSLVerify, true),
			SortOrder:   i,
		})
	}
	if lb := req.LoadBalancer; lb != nil {
		site.LoadBalancer = &model.LoadBalancer{
			Algorithm:           stringOr(lb.Algorithm, nginx.AlgorithmRoundRobin),
			HealthCheckEnabled:  lb.HealthCheckEnabled,
			HealthCheckInterval: lb.HealthCheckInterval,
			HealthCheckTimeout:  lb.HealthCheckTimeout,
			HealthCheckPath:     lb.HealthCheckPath,
			UnhealthyThreshold:  lb.UnhealthyThreshold,
		}
	}
	return site
}

func boolOr(p *bool, def bool) bool {
	if p == nil {
		return def
	}
	return *p
}

func stringOr(s, def string) string {
	if s == "" {
		return def
	}
	return s
}
