package model

import (
	"time"
)

// Site lifecycle states
const (
	SiteStatusPending = "pending"
	SiteStatusActive  = "active"
	SiteStatusError   = "error"
)

// Site represents a reverse proxy virtual host. Name is the proxied hostname.
type Site struct {
	ID            uint          `gorm:"primaryKey" json:"id"`
	Name          string        `gorm:"not null;uniqueIndex;size:255" json:"name"`
	Status        string        `gorm:"not null;size:16" json:"status"`
	SSLEnabled    bool          `gorm:"column:ssl_enabled" json:"ssl_enabled"`
	SSLExpiry     *time.Time    `gorm:"column:ssl_expiry" json:"ssl_expiry"`
	ModSecEnabled bool          `gorm:"column:modsec_enabled" json:"modsec_enabled"`
	ForceHTTPS    bool          `gorm:"column:force_https" json:"force_https"`
	HTTP2         bool          `gorm:"column:http2" json:"http2"`
	WebSocket     bool          `gorm:"column:websocket" json:"websocket"`
	Upstreams     []Upstream    `gorm:"foreignKey:SiteID;constraint:OnDelete:CASCADE" json:"upstreams"`
	LoadBalancer  *LoadBalancer `gorm:"foreignKey:SiteID;constraint:OnDelete:CASCADE" json:"load_balancer"`
	CreatedAt     time.Time     `json:"created_at"`
	UpdatedAt     time.Time     `json:"updated_at"`
}

// Upstream represents a backend server for reverse proxying
type Upstream struct {
	ID          uint   `gorm:"primaryKey" json:"id"`
	SiteID      uint   `gorm:"index;not null" json:"site_id"`
	Host        string `gorm:"not null;size:255" json:"host"`
	Port        int    `gorm:"not null" json:"port"`
	Protocol    string `gorm:"not null;size:8" json:"protocol"` // "http" or "https"
	Weight      int    `json:"weight"`
	MaxFails    int    `json:"max_fails"`
	FailTimeout int    `json:"fail_timeout"` // seconds
	SSLVerify   bool   `json:"ssl_verify"`
	SortOrder   int    `json:"sort_order"`
}

// LoadBalancer holds the balancing algorithm and passive health check tuning for a site's upstream pool
type LoadBalancer struct {
	ID                  uint   `gorm:"primaryKey" json:"id"`
	SiteID              uint   `gorm:"uniqueIndex;not null" json:"site_id"`
	Algorithm           string `gorm:"not null;size:32" json:"algorithm"` // round_robin, least_conn, ip_hash, random
	HealthCheckEnabled  bool   `json:"health_check_enabled"`
	HealthCheckInterval int    `json:"health_check_interval"` // seconds
	HealthCheckTimeout  int    `json:"health_check_timeout"`  // seconds
	HealthCheckPath     string `gorm:"size:255" json:"health_check_path"`
	UnhealthyThreshold  int    `json:"unhealthy_threshold"`
}

// AuditLog records one mutating call against a site, certificate or the proxy
type AuditLog struct {
	ID         uint      `gorm:"primaryKey" json:"id"`
	Actor      string    `gorm:"size:128;index" json:"actor"`
	Action     string    `gorm:"size:32;not null" json:"action"`      // CREATE, UPDATE, DELETE, SSL_ON, SSL_OFF, RELOAD, ISSUE, UPLOAD, RENEW
	TargetType string    `gorm:"size:32;not null" json:"target_type"` // site, certificate, proxy
	TargetID   string    `gorm:"size:64" json:"target_id"`
	Detail     string    `gorm:"size:1024" json:"detail"`
	Success    bool      `json:"success"`
	TxnID      string    `gorm:"size:64;index" json:"txn_id"`
	CreatedAt  time.Time `gorm:"index" json:"created_at"`
}

// SiteRequest is the request body for creating/updating a site
type SiteRequest struct {
	Name          string             `json:"name" binding:"required"`
	ModSecEnabled *bool              `json:"modsec_enabled"`
	ForceHTTPS    *bool              `json:"force_https"`
	HTTP2         *bool              `json:"http2"`
	WebSocket     *bool              `json:"websocket"`
	Upstreams     []UpstreamInput    `json:"upstreams" binding:"required,min=1,dive"`
	LoadBalancer  *LoadBalancerInput `json:"load_balancer"`

	// AutoSSL requests a best-effort certificate issuance after the site is created
	AutoSSL  bool   `json:"auto_ssl"`
	SSLEmail string `json:"ssl_email"`
}

// UpstreamInput is input for creating an upstream
type UpstreamInput struct {
	Host        string `json:"host" binding:"required"`
	Port        int    `json:"port" binding:"required,min=1,max=65535"`
	Protocol    string `json:"protocol"`
	Weight      int    `json:"weight"`
	MaxFails    int    `json:"max_fails"`
	FailTimeout int    `json:"fail_timeout"`
	SSLVerify   *bool  `json:"ssl_verify"`
}

// LoadBalancerInput is input for a site's load balancer settings
type LoadBalancerInput struct {
	Algorithm           string `json:"algorithm"`
	HealthCheckEnabled  bool   `json:"health_check_enabled"`
	HealthCheckInterval int    `json:"health_check_interval"`
	HealthCheckTimeout  int    `json:"health_check_timeout"`
	HealthCheckPath     string `json:"health_check_path"`
	UnhealthyThreshold  int    `json:"unhealthy_threshold"`
}

// SSLToggleRequest is the request body for PATCH /sites/:id/ssl
type SSLToggleRequest struct {
	Enabled *bool `json:"enabled" binding:"required"`
}

// ExportData is the payload for site export and import. Certificates are
// not part of it.
type ExportData struct {
	Version    string        `json:"version"`
	ExportedAt string        `json:"exported_at"`
	Sites      []SiteRequest `json:"sites" binding:"dive"`
}

// ImportResult reports what an import did per site name
type ImportResult struct {
	Created []string          `json:"created"`
	Skipped []string          `json:"skipped"`
	Failed  map[string]string `json:"failed"`
}
