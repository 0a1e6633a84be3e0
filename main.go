package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/web-casa/proxyfleet/internal/acme"
	"github.com/web-casa/proxyfleet/internal/certs"
	"github.com/web-casa/proxyfleet/internal/config"
	"github.com/web-casa/proxyfleet/internal/database"
	"github.com/web-casa/proxyfleet/internal/event"
	"github.com/web-casa/proxyfleet/internal/handler"
	"github.com/web-casa/proxyfleet/internal/metrics"
	"github.com/web-casa/proxyfleet/internal/nginx"
	"github.com/web-casa/proxyfleet/internal/repository"
	"github.com/web-casa/proxyfleet/internal/scheduler"
	"github.com/web-casa/proxyfleet/internal/service"
	"github.com/web-casa/proxyfleet/internal/throttle"
	"golang.org/x/sync/errgroup"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	logger := newLogger(cfg)
	slog.SetDefault(logger)

	if err := run(cfg, logger); err != nil {
		logger.Error("proxyfleet stopped", "error", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config, logger *slog.Logger) error {
	// Initialize database
	db, err := database.Init(cfg.DBPath)
	if err != nil {
		return err
	}
	repo := repository.New(db)

	// Initialize nginx manager and renderer
	nginxMgr := nginx.NewManager(cfg, logger)
	renderer := nginx.NewRenderer(cfg.CertDir, cfg.ACMEWebroot)

	// Certificate authority
	acmeOpts, err := acme.OptionsFromConfig(cfg)
	if err != nil {
		return err
	}
	certMgr := certs.NewManager(acme.NewClient(acmeOpts, logger), cfg.AutoRenewIssuers, cfg.RenewThreshold, logger)

	// Initialize services
	bus := event.NewBus(200, logger)
	activity := service.NewActivityLogger(repo, logger)
	rec := service.NewReconciler(repo, renderer, nginxMgr, certMgr, activity, bus, logger)
	rec.DefaultEmail = cfg.ACMEEmail
	sched := scheduler.New(rec, certMgr, bus, cfg.RenewInterval, logger)

	lookup := service.SystemLookup
	if cfg.DNSResolver != "" {
		lookup = service.ResolverLookup(cfg.DNSResolver, cfg.DNSTimeout)
	}
	dnsCheck := service.NewDNSCheckService(lookup, cfg.ServerIPv4, cfg.ServerIPv6)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Bring the proxy in line with the database before serving
	if err := rec.Resync(ctx, service.SystemActor); err != nil {
		logger.Warn("failed to apply initial config", "error", err)
	}

	// Setup Gin
	if strings.EqualFold(cfg.LogLevel, "debug") {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}
	r := gin.New()
	r.Use(gin.Recovery(), requestLogger(logger))
	r.Use(cors.New(corsConfig(cfg)))

	var m *metrics.Metrics
	if cfg.MetricsEnabled {
		m = metrics.New(logger)
		m.Subscribe(bus)
		m.WatchCertificates(rec)
		r.Use(m.Middleware())
		r.GET("/metrics", gin.WrapH(m.Handler()))
	}
	r.GET("/healthz", func(c *gin.Context) {
		if err := db.WithContext(c.Request.Context()).Exec("SELECT 1").Error; err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unhealthy", "error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	// ============ API Routes ============
	handler.Register(r.Group("/api"), handler.Handlers{
		Sites:        handler.NewSiteHandler(rec, dnsCheck),
		Certificates: handler.NewCertificateHandler(rec, throttle.New(cfg.CAMaxFailures, cfg.CAFailureWindow)),
		Proxy:        handler.NewProxyHandler(rec, nginxMgr),
		Activity:     handler.NewActivityHandler(activity),
		Renewals:     handler.NewRenewalHandler(sched, bus),
	})
	r.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, gin.H{"error": "Not found", "error_key": "error.not_found"})
	})

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("proxyfleet starting", "addr", srv.Addr, "data_dir", cfg.DataDir, "sites_enabled", cfg.SitesEnabledDir)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		sched.Start(gctx)
		<-gctx.Done()
		sched.Stop()
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		err := srv.Shutdown(shutdownCtx)
		rec.Wait()
		return err
	})

	return g.Wait()
}

func newLogger(cfg *config.Config) *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.LogLevel)); err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if strings.EqualFold(cfg.LogFormat, "json") {
		return slog.New(slog.NewJSONHandler(os.Stdout, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stdout, opts))
}

// corsConfig allows the configured origins, or any origin when none are set
func corsConfig(cfg *config.Config) cors.Config {
	c := cors.Config{
		AllowMethods:     []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Authorization", handler.ActorHeader},
		ExposeHeaders:    []string{"Content-Length", "Content-Disposition"},
		AllowCredentials: false,
	}
	if len(cfg.CORSOrigins) > 0 {
		c.AllowOrigins = cfg.CORSOrigins
	} else {
		c.AllowAllOrigins = true
	}
	return c
}

func requestLogger(logger *slog.Logger) gin.HandlerFunc {
	logger = logger.With("module", "http")
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		logger.Debug("request",
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"status", c.Writer.Status(),
			"duration", time.Since(start),
			"actor", c.GetHeader(handler.ActorHeader),
		)
	}
}
