package nginx

import (
	"bytes"
	"fmt"
	"net"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"text/template"

	"github.com/web-casa/proxyfleet/internal/apperr"
	"github.com/web-casa/proxyfleet/internal/model"
)

// Load balancing algorithms
const (
	AlgorithmRoundRobin = "round_robin"
	AlgorithmLeastConn  = "least_conn"
	AlgorithmIPHash     = "ip_hash"
	AlgorithmRandom     = "random"
)

const (
	defaultFailTimeout        = 10
	defaultUnhealthyThreshold = 3
	defaultHealthCheckTimeout = 5
)

var hostnameRe = regexp.MustCompile(`^(\*\.)?([a-zA-Z0-9]([a-zA-Z0-9-]{0,61}[a-zA-Z0-9])?\.)*[a-zA-Z0-9]([a-zA-Z0-9-]{0,61}[a-zA-Z0-9])?$`)

const vhostTemplate = `# Managed by proxyfleet. Manual edits are overwritten.
# site {{.ID}} {{.ServerName}}

upstream {{.Upstream}} {
{{- if .Balance}}
    {{.Balance}};
{{- end}}
{{- range .Servers}}
    server {{.Address}} weight={{.Weight}} max_fails={{.MaxFails}} fail_timeout={{.FailTimeout}}s;
{{- end}}
    keepalive 32;
}

server {
    listen 80;
    listen [::]:80;
    server_name {{.ServerName}};

    location ^~ /.well-known/acme-challenge/ {
        root {{.ACMEWebroot}};
        default_type "text/plain";
    }
{{- if and .SSL .ForceHTTPS}}

    location / {
        return 301 https://$host$request_uri;
    }
{{- else}}
{{- template "proxy" .}}
{{- end}}
}
{{- if .SSL}}

server {
    listen 443 ssl;
    listen [::]:443 ssl;
{{- if .HTTP2}}
    http2 on;
{{- end}}
    server_name {{.ServerName}};

    ssl_certificate {{.CertPath}};
    ssl_certificate_key {{.KeyPath}};
    ssl_protocols TLSv1.2 TLSv1.3;
    ssl_session_cache shared:SSL:10m;
{{- template "proxy" .}}
}
{{- end}}
`

const proxyTemplate = `
{{- if .ModSec}}
    modsecurity on;
    modsecurity_rules_file /etc/nginx/modsec/main.conf;
{{- end}}

    location / {
        proxy_pass {{.Scheme}}://{{.Upstream}};
        proxy_set_header Host $host;
        proxy_set_header X-Real-IP $remote_addr;
        proxy_set_header X-Forwarded-For $proxy_add_x_forwarded_for;
        proxy_set_header X-Forwarded-Proto $scheme;
        proxy_http_version 1.1;
{{- if .WebSocket}}
        proxy_set_header Upgrade $http_upgrade;
        proxy_set_header Connection "upgrade";
{{- else}}
        proxy_set_header Connection "";
{{- end}}
{{- if eq .Scheme "https"}}
        proxy_ssl_server_name on;
        proxy_ssl_verify {{if .SSLVerify}}on{{else}}off{{end}};
{{- end}}
{{- if .HealthCheck}}
        proxy_next_upstream error timeout http_502 http_503 http_504;
        proxy_connect_timeout {{.ConnectTimeout}}s;
{{- end}}
    }`

var vhostTmpl = template.Must(template.Must(template.New("vhost").Parse(vhostTemplate)).New("proxy").Parse(proxyTemplate))

type vhostData struct {
	ID             uint
	ServerName     string
	Upstream       string
	Balance        string
	Servers        []serverData
	Scheme         string
	SSLVerify      bool
	SSL            bool
	ForceHTTPS     bool
	HTTP2          bool
	WebSocket      bool
	ModSec         bool
	HealthCheck    bool
	ConnectTimeout int
	CertPath       string
	KeyPath        string
	ACMEWebroot    string
}

type serverData struct {
	Address     string
	Weight      int
	MaxFails    int
	FailTimeout int
}

// Renderer renders nginx virtual host configuration. It has no side effects:
// the same site and certificate always render to the same bytes.
type Renderer struct {
	certDir     string
	acmeWebroot string
}

// NewRenderer creates a Renderer that points certificate paths at certDir
func NewRenderer(certDir, acmeWebroot string) *Renderer {
	return &Renderer{certDir: certDir, acmeWebroot: acmeWebroot}
}

// CertPaths returns where a site's certificate chain and key are materialised
func (r *Renderer) CertPaths(siteID uint) (certPath, keyPath string) {
	dir := filepath.Join(r.certDir, ArtifactName(siteID))
	return filepath.Join(dir, "fullchain.pem"), filepath.Join(dir, "privkey.pem")
}

// Generate renders the artifact for a site. cert may be nil; it is required
// when the site has SSL enabled.
func (r *Renderer) Generate(site *model.Site, cert *model.Certificate) (*Artifact, error) {
	if err := validateSite(site, cert); err != nil {
		return nil, err
	}

	data := vhostData{
		ID:          site.ID,
		ServerName:  site.Name,
		Upstream:    fmt.Sprintf("site_%d_backend", site.ID),
		Scheme:      site.Upstreams[0].Protocol,
		SSLVerify:   true,
		SSL:         site.SSLEnabled,
		ForceHTTPS:  site.ForceHTTPS,
		HTTP2:       site.HTTP2,
		WebSocket:   site.WebSocket,
		ModSec:      site.ModSecEnabled,
		ACMEWebroot: r.acmeWebroot,
	}

	lb := site.LoadBalancer
	if lb != nil {
		switch lb.Algorithm {
		case AlgorithmLeastConn:
			data.Balance = "least_conn"
		case AlgorithmIPHash:
			data.Balance = "ip_hash"
		case AlgorithmRandom:
			data.Balance = "random two least_conn"
		}
		if lb.HealthCheckEnabled {
			data.HealthCheck = true
			data.ConnectTimeout = positiveOr(lb.HealthCheckTimeout, defaultHealthCheckTimeout)
		}
	}

	for _, u := range site.Upstreams {
		s := serverData{
			Address:     net.JoinHostPort(u.Host, strconv.Itoa(u.Port)),
			Weight:      positiveOr(u.Weight, 1),
			MaxFails:    u.MaxFails,
			FailTimeout: positiveOr(u.FailTimeout, defaultFailTimeout),
		}
		// Passive health checking: servers without their own thresholds inherit the pool's
		if data.HealthCheck && u.MaxFails == 0 {
			s.MaxFails = positiveOr(lb.UnhealthyThreshold, defaultUnhealthyThreshold)
			s.FailTimeout = positiveOr(lb.HealthCheckInterval, defaultFailTimeout)
		}
		if !u.SSLVerify {
			data.SSLVerify = false
		}
		data.Servers = append(data.Servers, s)
	}

	artifact := &Artifact{Name: ArtifactName(site.ID)}

	if site.SSLEnabled {
		data.CertPath, data.KeyPath = r.CertPaths(site.ID)
		fullchain := strings.TrimSpace(cert.CertificatePEM) + "\n"
		if chain := strings.TrimSpace(cert.ChainPEM); chain != "" {
			fullchain += chain + "\n"
		}
		artifact.Files = []File{
			{Path: data.CertPath, Data: []byte(fullchain), Mode: 0644},
			{Path: data.KeyPath, Data: []byte(strings.TrimSpace(cert.PrivateKeyPEM) + "\n"), Mode: 0600},
		}
	}

	var buf bytes.Buffer
	if err := vhostTmpl.ExecuteTemplate(&buf, "vhost", data); err != nil {
		return nil, apperr.Wrap(apperr.KindInvalidConfig, "generate", err)
	}
	artifact.Config = buf.Bytes()
	return artifact, nil
}

func validateSite(site *model.Site, cert *model.Certificate) error {
	invalid := func(format string, args ...interface{}) error {
		return apperr.New(apperr.KindInvalidConfig, "generate", format, args...)
	}

	if site == nil {
		return invalid("site is required")
	}
	if !hostnameRe.MatchString(site.Name) || len(site.Name) > 253 {
		return invalid("invalid server name %q", site.Name)
	}
	if len(site.Upstreams) == 0 {
		return invalid("at least one upstream is required")
	}

	protocol := site.Upstreams[0].Protocol
	for i, u := range site.Upstreams {
		if u.Host == "" || strings.ContainsAny(u.Host, " \t\r\n;{}'\"$#") {
			return invalid("upstream %d: invalid host %q", i, u.Host)
		}
		if u.Port < 1 || u.Port > 65535 {
			return invalid("upstream %d: port %d out of range", i, u.Port)
		}
		if u.Protocol != "http" && u.Protocol != "https" {
			return invalid("upstream %d: unsupported protocol %q", i, u.Protocol)
		}
		if u.Protocol != protocol {
			return invalid("upstream %d: mixed upstream protocols (%s and %s)", i, protocol, u.Protocol)
		}
		if u.Weight < 0 || u.MaxFails < 0 || u.FailTimeout < 0 {
			return invalid("upstream %d: weight, max_fails and fail_timeout must not be negative", i)
		}
	}

	if lb := site.LoadBalancer; lb != nil {
		switch lb.Algorithm {
		case "", AlgorithmRoundRobin, AlgorithmLeastConn, AlgorithmIPHash, AlgorithmRandom:
		default:
			return invalid("unknown load balancing algorithm %q", lb.Algorithm)
		}
		if lb.HealthCheckInterval < 0 || lb.HealthCheckTimeout < 0 || lb.UnhealthyThreshold < 0 {
			return invalid("health check settings must not be negative")
		}
	}

	if site.SSLEnabled {
		if cert == nil {
			return invalid("ssl is enabled but site %q has no certificate", site.Name)
		}
		if strings.TrimSpace(cert.CertificatePEM) == "" || strings.TrimSpace(cert.PrivateKeyPEM) == "" {
			return invalid("certificate %d has no material", cert.ID)
		}
	}
	return nil
}

func positiveOr(v, def int) int {
	if v > 0 {
		return v
	}
	return def
}
