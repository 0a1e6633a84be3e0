// Package scheduler runs the periodic certificate renewal sweep.
package scheduler

import (
	"context"
	"errors"
	"log/slog"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/web-casa/proxyfleet/internal/apperr"
	"github.com/web-casa/proxyfleet/internal/certs"
	"github.com/web-casa/proxyfleet/internal/event"
	"github.com/web-casa/proxyfleet/internal/model"
	"golang.org/x/sync/singleflight"
)

// Actor is recorded in the audit log for scheduler-driven renewals
const Actor = "scheduler"

// DefaultInterval between sweeps
const DefaultInterval = time.Hour

// Decision is what a sweep decided for one certificate
type Decision string

const (
	DecisionRenew            Decision = "renew"
	DecisionSkipAutoRenewOff Decision = "skip_auto_renew_disabled"
	DecisionSkipIssuer       Decision = "skip_issuer_not_renewable"
	DecisionSkipNotDueYet    Decision = "skip_not_due_yet"
)

// Renewer performs a renewal end to end: CA call, persistence, activation
type Renewer interface {
	ListCertificates(ctx context.Context) ([]model.Certificate, error)
	RenewCertificate(ctx context.Context, actor string, certID uint) (*model.Certificate, error)
}

// CertDecision is one row of a sweep report
type CertDecision struct {
	CertificateID   uint     `json:"certificate_id"`
	SiteID          uint     `json:"site_id"`
	CommonName      string   `json:"common_name"`
	Decision        Decision `json:"decision"`
	DaysUntilExpiry int      `json:"days_until_expiry"`
}

// Status describes the scheduler for the API
type Status struct {
	Running       bool           `json:"running"`
	Interval      string         `json:"interval"`
	LastSweepAt   *time.Time     `json:"last_sweep_at"`
	NextSweepAt   *time.Time     `json:"next_sweep_at"`
	LastDecisions []CertDecision `json:"last_decisions"`
	InFlight      int64          `json:"in_flight"`
	LastError     string         `json:"last_error,omitempty"`
}

// Scheduler sweeps all certificates on start and then every interval.
// Renewals are started in the background and never awaited by the sweep.
type Scheduler struct {
	renewer  Renewer
	certs    *certs.Manager
	bus      *event.Bus
	interval time.Duration
	logger   *slog.Logger

	group    singleflight.Group
	wg       sync.WaitGroup
	inFlight atomic.Int64

	mu      sync.Mutex
	cron    *cron.Cron
	entry   cron.EntryID
	ctx     context.Context
	cancel  context.CancelFunc
	lastAt  *time.Time
	last    []CertDecision
	lastErr string
}

// New creates a Scheduler
func New(renewer Renewer, certMgr *certs.Manager, bus *event.Bus, interval time.Duration, logger *slog.Logger) *Scheduler {
	if interval <= 0 {
		interval = DefaultInterval
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		renewer:  renewer,
		certs:    certMgr,
		bus:      bus,
		interval: interval,
		logger:   logger.With("module", "scheduler"),
	}
}

// Evaluate decides what to do with one certificate at now
func Evaluate(cert *model.Certificate, mgr *certs.Manager, now time.Time) Decision {
	switch {
	case !cert.AutoRenew:
		return DecisionSkipAutoRenewOff
	case !mgr.IsAutoRenewIssuer(cert):
		return DecisionSkipIssuer
	case !mgr.IsRenewalEligible(cert, now):
		return DecisionSkipNotDueYet
	default:
		return DecisionRenew
	}
}

// Start runs the initial sweep and schedules the following ones
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	if s.cron != nil {
		s.mu.Unlock()
		return
	}
	s.ctx, s.cancel = context.WithCancel(ctx)
	runCtx := s.ctx
	c := cron.New(cron.WithChain(cron.Recover(cronLogger{s.logger})), cron.WithLogger(cronLogger{s.logger}))
	s.entry = c.Schedule(cron.Every(s.interval), cron.FuncJob(func() { s.Sweep(runCtx) }))
	s.cron = c
	s.mu.Unlock()

	s.logger.Info("renewal scheduler started", "interval", s.interval)
	s.Sweep(runCtx)

	// Stop may have run during the initial sweep
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cron != c {
		return
	}
	c.Start()
}

// Stop halts future sweeps and waits for running renewals
func (s *Scheduler) Stop() {
	s.mu.Lock()
	c, cancel := s.cron, s.cancel
	s.cron, s.ctx, s.cancel = nil, nil, nil
	s.mu.Unlock()

	if c != nil {
		<-c.Stop().Done()
	}
	if cancel != nil {
		cancel()
	}
	s.wg.Wait()
	s.logger.Info("renewal scheduler stopped")
}

// Wait blocks until renewals started so far have finished
func (s *Scheduler) Wait() {
	s.wg.Wait()
}

// Sweep evaluates every certificate once and starts renewals for those that
// are due. It returns without waiting for them.
func (s *Scheduler) Sweep(ctx context.Context) []CertDecision {
	now := s.certs.Now()
	list, err := s.renewer.ListCertificates(ctx)
	if err != nil {
		s.logger.Error("sweep failed to list certificates", "error", err)
		s.mu.Lock()
		s.lastAt, s.lastErr = &now, err.Error()
		s.mu.Unlock()
		return nil
	}

	runCtx := s.renewContext(ctx)
	decisions := make([]CertDecision, 0, len(list))
	renewing := 0
	for i := range list {
		cert := &list[i]
		d := Evaluate(cert, s.certs, now)
		decisions = append(decisions, CertDecision{
			CertificateID:   cert.ID,
			SiteID:          cert.SiteID,
			CommonName:      cert.CommonName,
			Decision:        d,
			DaysUntilExpiry: certs.DaysUntilExpiry(cert.ValidTo, now),
		})
		if d == DecisionRenew {
			renewing++
			s.launch(runCtx, cert.ID, cert.CommonName)
		}
	}

	s.mu.Lock()
	s.lastAt, s.last, s.lastErr = &now, decisions, ""
	s.mu.Unlock()

	s.logger.Info("sweep finished", "certificates", len(list), "renewing", renewing)
	return decisions
}

// renewContext outlives the caller of Sweep: renewals started from an API
// request keep running after the response, and stop with the scheduler.
func (s *Scheduler) renewContext(ctx context.Context) context.Context {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ctx != nil {
		return s.ctx
	}
	return context.WithoutCancel(ctx)
}

// launch renews one certificate in the background. A certificate whose
// renewal from an earlier sweep is still running is not renewed twice.
func (s *Scheduler) launch(ctx context.Context, certID uint, name string) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		_, _, shared := s.group.Do(strconv.FormatUint(uint64(certID), 10), func() (interface{}, error) {
			s.inFlight.Add(1)
			defer s.inFlight.Add(-1)
			s.renew(ctx, certID, name)
			return nil, nil
		})
		if shared {
			s.logger.Debug("renewal already in flight", "certificate_id", certID)
		}
	}()
}

func (s *Scheduler) renew(ctx context.Context, certID uint, name string) {
	logger := s.logger.With("certificate_id", certID, "common_name", name)
	cert, err := s.renewer.RenewCertificate(ctx, Actor, certID)
	if err == nil {
		logger.Info("certificate renewed", "valid_to", cert.ValidTo)
		s.bus.Publish(event.Event{Type: event.CertificateRenewed, CertID: certID, SiteID: cert.SiteID,
			Payload: map[string]interface{}{"valid_to": cert.ValidTo}})
		return
	}

	kind := apperr.KindOf(err)
	switch {
	case kind == apperr.KindRateLimited:
		logger.Warn("renewal rate limited, retrying next sweep", "reason", err)
	case kind == apperr.KindNotYetDue:
		logger.Info("certificate authority says renewal is not due yet", "reason", err)
	case errors.Is(err, context.Canceled):
		logger.Info("renewal canceled")
		return
	default:
		logger.Error("renewal failed, retrying next sweep", "kind", kind.String(), "error", err)
		s.bus.Publish(event.Event{Type: event.CertificateRenewalFailed, CertID: certID,
			Payload: map[string]interface{}{"kind": kind.String(), "error": err.Error()}})
		return
	}
	s.bus.Publish(event.Event{Type: event.CertificateRenewalDeferred, CertID: certID,
		Payload: map[string]interface{}{"kind": kind.String()}})
}

// Status returns a copy of the scheduler state
func (s *Scheduler) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := Status{
		Running:       s.cron != nil,
		Interval:      s.interval.String(),
		LastSweepAt:   s.lastAt,
		LastDecisions: append([]CertDecision(nil), s.last...),
		InFlight:      s.inFlight.Load(),
		LastError:     s.lastErr,
	}
	if s.cron != nil {
		if next := s.cron.Entry(s.entry).Next; !next.IsZero() {
			st.NextSweepAt = &next
		}
	}
	return st
}

// cronLogger adapts slog to cron.Logger
type cronLogger struct {
	l *slog.Logger
}

func (c cronLogger) Info(msg string, keysAndValues ...interface{}) {
	c.l.Debug(msg, keysAndValues...)
}

func (c cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	c.l.Error(msg, append(keysAndValues, "error", err)...)
}
