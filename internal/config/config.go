package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/caarlos0/env/v11"
)

// Config holds all application configuration
type Config struct {
	Port      string `env:"PORT" envDefault:"8080"`       // API HTTP port
	DataDir   string `env:"DATA_DIR" envDefault:"./data"` // Data directory root
	DBPath    string `env:"DB_PATH"`                      // SQLite database path
	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`  // debug, info, warn, error
	LogFormat string `env:"LOG_FORMAT" envDefault:"text"` // text or json

	// Nginx
	NginxBin          string        `env:"NGINX_BIN" envDefault:"nginx"`
	SitesAvailableDir string        `env:"SITES_AVAILABLE_DIR"`
	SitesEnabledDir   string        `env:"SITES_ENABLED_DIR"`
	CertDir           string        `env:"CERT_DIR"`
	ReloadMethod      string        `env:"RELOAD_METHOD" envDefault:"signal"` // "signal" or "systemctl"
	ReloadTimeout     time.Duration `env:"RELOAD_TIMEOUT" envDefault:"30s"`
	BackupKeep        int           `env:"BACKUP_KEEP" envDefault:"10"`

	// ACME
	ACMEEmail        string `env:"ACME_EMAIL"`
	ACMEDirectoryURL string `env:"ACME_DIRECTORY_URL" envDefault:"https://acme-v02.api.letsencrypt.org/directory"`
	ACMEChallenge    string `env:"ACME_CHALLENGE" envDefault:"http"` // "http" (webroot) or "standalone"
	ACMEWebroot      string `env:"ACME_WEBROOT" envDefault:"/var/www/acme"`
	ACMEHTTPAddress  string `env:"ACME_HTTP_ADDRESS" envDefault:":80"`
	ACMEKeyType      string `env:"ACME_KEY_TYPE" envDefault:"P256"`

	// Renewal
	RenewInterval    time.Duration `env:"RENEW_INTERVAL" envDefault:"1h"`
	RenewThreshold   time.Duration `env:"RENEW_THRESHOLD" envDefault:"720h"`
	AutoRenewIssuers []string      `env:"AUTO_RENEW_ISSUERS" envSeparator:";" envDefault:"Let's Encrypt;R10;R11;E5;E6;R3;E1;ZeroSSL ECC Domain Secure Site CA;ZeroSSL RSA Domain Secure Site CA"`

	// Manual issue/renew backoff per site
	CAMaxFailures   int           `env:"CA_MAX_FAILURES" envDefault:"5"`
	CAFailureWindow time.Duration `env:"CA_FAILURE_WINDOW" envDefault:"1h"`

	// DNS preflight
	ServerIPv4  string        `env:"SERVER_IPV4"`
	ServerIPv6  string        `env:"SERVER_IPV6"`
	DNSResolver string        `env:"DNS_RESOLVER"` // host:port, empty uses the system resolver
	DNSTimeout  time.Duration `env:"DNS_TIMEOUT" envDefault:"5s"`

	CORSOrigins    []string `env:"CORS_ORIGINS" envSeparator:","`
	MetricsEnabled bool     `env:"METRICS_ENABLED" envDefault:"true"`
}

// Load reads configuration from PROXYFLEET_* environment variables with sensible defaults
func Load() (*Config, error) {
	cfg, err := env.ParseAsWithOptions[Config](env.Options{Prefix: "PROXYFLEET_"})
	if err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	cfg.applyDefaults()

	// Ensure directories exist
	for _, dir := range []string{cfg.DataDir, cfg.SitesAvailableDir, cfg.SitesEnabledDir, cfg.CertDir, filepath.Join(cfg.DataDir, "backups")} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("create %s: %w", dir, err)
		}
	}

	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.DBPath == "" {
		c.DBPath = filepath.Join(c.DataDir, "proxyfleet.db")
	}
	if c.SitesAvailableDir == "" {
		c.SitesAvailableDir = filepath.Join(c.DataDir, "nginx", "sites-available")
	}
	if c.SitesEnabledDir == "" {
		c.SitesEnabledDir = filepath.Join(c.DataDir, "nginx", "sites-enabled")
	}
	if c.CertDir == "" {
		c.CertDir = filepath.Join(c.DataDir, "certs")
	}
	if c.BackupKeep < 1 {
		c.BackupKeep = 10
	}
	if c.CAMaxFailures < 1 {
		c.CAMaxFailures = 5
	}
}

// BackupDir is where previous artifacts are kept before being overwritten
func (c *Config) BackupDir() string {
	return filepath.Join(c.DataDir, "backups")
}
