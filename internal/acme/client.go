// Package acme implements certs.CAClient on top of lego.
package acme

import (
	"context"
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"

	legoacme "github.com/go-acme/lego/v4/acme"
	"github.com/go-acme/lego/v4/certcrypto"
	"github.com/go-acme/lego/v4/certificate"
	"github.com/go-acme/lego/v4/challenge"
	"github.com/go-acme/lego/v4/challenge/http01"
	"github.com/go-acme/lego/v4/lego"
	"github.com/go-acme/lego/v4/providers/http/webroot"
	"github.com/go-acme/lego/v4/registration"
	"github.com/web-casa/proxyfleet/internal/certs"
	"github.com/web-casa/proxyfleet/internal/config"
)

// Challenge methods
const (
	ChallengeWebroot    = "http"
	ChallengeStandalone = "standalone"
)

const problemRateLimited = "urn:ietf:params:acme:error:rateLimited"

// Options configure the ACME client
type Options struct {
	DirectoryURL string
	Email        string
	KeyType      certcrypto.KeyType
	Challenge    string
	Webroot      string
	HTTPAddress  string
}

// OptionsFromConfig maps application config to client options
func OptionsFromConfig(cfg *config.Config) (Options, error) {
	keyType, err := ParseKeyType(cfg.ACMEKeyType)
	if err != nil {
		return Options{}, err
	}
	return Options{
		DirectoryURL: cfg.ACMEDirectoryURL,
		Email:        cfg.ACMEEmail,
		KeyType:      keyType,
		Challenge:    cfg.ACMEChallenge,
		Webroot:      cfg.ACMEWebroot,
		HTTPAddress:  cfg.ACMEHTTPAddress,
	}, nil
}

// ParseKeyType accepts P256, P384, RSA2048, RSA3072 and RSA4096
func ParseKeyType(s string) (certcrypto.KeyType, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "", "P256", "EC256":
		return certcrypto.EC256, nil
	case "P384", "EC384":
		return certcrypto.EC384, nil
	case "RSA2048", "2048":
		return certcrypto.RSA2048, nil
	case "RSA3072", "3072":
		return certcrypto.RSA3072, nil
	case "RSA4096", "4096":
		return certcrypto.RSA4096, nil
	}
	return "", fmt.Errorf("unsupported key type %q", s)
}

// Client obtains and renews certificates from an ACME directory. One
// registered account is kept per email address.
type Client struct {
	opts            Options
	clientFactory   clientFactory
	accountKeyMaker func() (crypto.PrivateKey, error)
	logger          *slog.Logger

	mu       sync.Mutex
	sessions map[string]acmeClient
}

// NewClient creates an ACME client
func NewClient(opts Options, logger *slog.Logger) *Client {
	if opts.DirectoryURL == "" {
		opts.DirectoryURL = lego.LEDirectoryProduction
	}
	if opts.KeyType == "" {
		opts.KeyType = certcrypto.EC256
	}
	if opts.Challenge == "" {
		opts.Challenge = ChallengeWebroot
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		opts:          opts,
		clientFactory: defaultClientFactory,
		accountKeyMaker: func() (crypto.PrivateKey, error) {
			return ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
		},
		logger:   logger.With("module", "acme"),
		sessions: make(map[string]acmeClient),
	}
}

// Issue implements certs.CAClient. Certificates are requested unbundled;
// the issuer chain is returned separately in Material.ChainPEM.
func (c *Client) Issue(ctx context.Context, req certs.IssueRequest) (*certs.Material, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	client, err := c.session(req.Email, req.ChallengeMethod)
	if err != nil {
		return nil, err
	}

	domains := domainList(req.Domain, req.SANs)
	c.logger.Info("requesting certificate", "domains", domains)
	res, err := client.Obtain(certificate.ObtainRequest{Domains: domains})
	if err != nil {
		return nil, classify(err)
	}
	return material(res)
}

// Renew implements certs.CAClient. The existing private key is reused.
func (c *Client) Renew(ctx context.Context, req certs.RenewRequest) (*certs.Material, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	client, err := c.session(req.Email, req.ChallengeMethod)
	if err != nil {
		return nil, err
	}

	c.logger.Info("renewing certificate", "domain", req.Domain, "not_after", req.NotAfter)
	res, err := client.RenewWithOptions(certificate.Resource{
		Domain:      req.Domain,
		Certificate: []byte(req.CertificatePEM),
		PrivateKey:  []byte(req.PrivateKeyPEM),
	}, &certificate.RenewOptions{})
	if err != nil {
		return nil, classify(err)
	}
	return material(res)
}

func (c *Client) session(email, method string) (acmeClient, error) {
	email = strings.TrimSpace(email)
	if email == "" {
		email = c.opts.Email
	}
	if email == "" {
		return nil, certs.NewCAError(certs.CAErrorOther, errors.New("an ACME account email is required"))
	}
	if method == "" {
		method = c.opts.Challenge
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	key := email + "|" + method
	if client, ok := c.sessions[key]; ok {
		return client, nil
	}

	accountKey, err := c.accountKeyMaker()
	if err != nil {
		return nil, fmt.Errorf("generate account key: %w", err)
	}
	user := &accountUser{email: email, key: accountKey}

	legoCfg := lego.NewConfig(user)
	legoCfg.CADirURL = c.opts.DirectoryURL
	legoCfg.Certificate.KeyType = c.opts.KeyType

	client, err := c.clientFactory(legoCfg)
	if err != nil {
		return nil, fmt.Errorf("create acme client: %w", err)
	}

	provider, err := c.provider(method)
	if err != nil {
		return nil, err
	}
	if err := client.SetHTTP01Provider(provider); err != nil {
		return nil, fmt.Errorf("configure http-01 provider: %w", err)
	}

	reg, err := client.Register(registration.RegisterOptions{TermsOfServiceAgreed: true})
	if err != nil {
		return nil, classify(fmt.Errorf("register account: %w", err))
	}
	user.registration = reg

	c.sessions[key] = client
	return client, nil
}

func (c *Client) provider(method string) (challenge.Provider, error) {
	switch method {
	case ChallengeStandalone:
		host, port, err := splitAddress(c.opts.HTTPAddress)
		if err != nil {
			return nil, err
		}
		return http01.NewProviderServer(host, port), nil
	case ChallengeWebroot:
		if c.opts.Webroot == "" {
			return nil, errors.New("webroot challenge needs a webroot directory")
		}
		return webroot.NewHTTPProvider(c.opts.Webroot)
	default:
		return nil, fmt.Errorf("unsupported challenge method %q", method)
	}
}

// classify turns lego errors into certs.CAError kinds
func classify(err error) error {
	var problem *legoacme.ProblemDetails
	if errors.As(err, &problem) {
		if problem.Type == problemRateLimited || problem.HTTPStatus == http.StatusTooManyRequests {
			return certs.NewCAError(certs.CAErrorRateLimited, err)
		}
		return certs.NewCAError(certs.CAErrorOther, err)
	}
	// lego folds per-domain failures into a plain error string
	if strings.Contains(err.Error(), problemRateLimited) {
		return certs.NewCAError(certs.CAErrorRateLimited, err)
	}
	return certs.NewCAError(certs.CAErrorOther, err)
}

func material(res *certificate.Resource) (*certs.Material, error) {
	if res == nil {
		return nil, certs.NewCAError(certs.CAErrorOther, errors.New("certificate resource is nil"))
	}
	if len(res.Certificate) == 0 {
		return nil, certs.NewCAError(certs.CAErrorOther, errors.New("empty certificate payload received from ACME server"))
	}
	if len(res.PrivateKey) == 0 {
		return nil, certs.NewCAError(certs.CAErrorOther, errors.New("empty private key received from ACME server"))
	}
	return &certs.Material{
		CertificatePEM: string(res.Certificate),
		PrivateKeyPEM:  string(res.PrivateKey),
		ChainPEM:       string(res.IssuerCertificate),
	}, nil
}

func domainList(primary string, sans []string) []string {
	primary = strings.TrimSpace(primary)
	out := []string{primary}
	seen := map[string]bool{primary: true}
	for _, s := range sans {
		s = strings.TrimSpace(s)
		if s == "" || seen[s] {
			continue
		}
		seen[s] = true
		out = append(out, s)
	}
	return out
}

func splitAddress(addr string) (string, string, error) {
	if strings.TrimSpace(addr) == "" {
		return "", "80", nil
	}
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return "", "", fmt.Errorf("invalid http-01 address %q: %w", addr, err)
	}
	if port == "" {
		port = "80"
	}
	return host, port, nil
}

type clientFactory func(*lego.Config) (acmeClient, error)

type acmeClient interface {
	Register(options registration.RegisterOptions) (*registration.Resource, error)
	SetHTTP01Provider(provider challenge.Provider) error
	Obtain(request certificate.ObtainRequest) (*certificate.Resource, error)
	RenewWithOptions(res certificate.Resource, options *certificate.RenewOptions) (*certificate.Resource, error)
}

func defaultClientFactory(cfg *lego.Config) (acmeClient, error) {
	client, err := lego.NewClient(cfg)
	if err != nil {
		return nil, err
	}
	return &legoClientAdapter{client: client}, nil
}

type legoClientAdapter struct {
	client *lego.Client
}

func (l *legoClientAdapter) Register(options registration.RegisterOptions) (*registration.Resource, error) {
	return l.client.Registration.Register(options)
}

func (l *legoClientAdapter) SetHTTP01Provider(provider challenge.Provider) error {
	return l.client.Challenge.SetHTTP01Provider(provider)
}

func (l *legoClientAdapter) Obtain(request certificate.ObtainRequest) (*certificate.Resource, error) {
	return l.client.Certificate.Obtain(request)
}

func (l *legoClientAdapter) RenewWithOptions(res certificate.Resource, options *certificate.RenewOptions) (*certificate.Resource, error) {
	return l.client.Certificate.RenewWithOptions(res, options)
}

type accountUser struct {
	email        string
	registration *registration.Resource
	key          crypto.PrivateKey
}

func (u *accountUser) GetEmail() string                        { return u.email }
func (u *accountUser) GetRegistration() *registration.Resource { return u.registration }
func (u *accountUser) GetPrivateKey() crypto.PrivateKey        { return u.key }
