package acme

import (
	"context"
	"crypto"
	"errors"
	"fmt"
	"testing"

	legoacme "github.com/go-acme/lego/v4/acme"
	"github.com/go-acme/lego/v4/certcrypto"
	"github.com/go-acme/lego/v4/certificate"
	"github.com/go-acme/lego/v4/challenge"
	"github.com/go-acme/lego/v4/lego"
	"github.com/go-acme/lego/v4/registration"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/web-casa/proxyfleet/internal/certs"
	"github.com/web-casa/proxyfleet/internal/certs/certtest"
)

type stubClient struct {
	registered         int
	providerConfigured bool
	obtained           certificate.ObtainRequest
	renewed            certificate.Resource
	resource           *certificate.Resource
	err                error
}

func (s *stubClient) Register(options registration.RegisterOptions) (*registration.Resource, error) {
	s.registered++
	return &registration.Resource{URI: "https://example.test/acct/1"}, nil
}

func (s *stubClient) SetHTTP01Provider(provider challenge.Provider) error {
	s.providerConfigured = provider != nil
	return nil
}

func (s *stubClient) Obtain(request certificate.ObtainRequest) (*certificate.Resource, error) {
	s.obtained = request
	return s.resource, s.err
}

func (s *stubClient) RenewWithOptions(res certificate.Resource, options *certificate.RenewOptions) (*certificate.Resource, error) {
	s.renewed = res
	return s.resource, s.err
}

func newStubbedClient(t *testing.T, stub *stubClient, opts Options) *Client {
	t.Helper()
	c := NewClient(opts, nil)
	c.clientFactory = func(cfg *lego.Config) (acmeClient, error) {
		if cfg.CADirURL != c.opts.DirectoryURL {
			return nil, fmt.Errorf("unexpected directory %s", cfg.CADirURL)
		}
		return stub, nil
	}
	key := certtest.NewKey(t, false)
	c.accountKeyMaker = func() (crypto.PrivateKey, error) { return key, nil }
	return c
}

func TestIssue(t *testing.T) {
	pair := certtest.Generate(t, certtest.Options{CommonName: "example.com", SANs: []string{"example.com", "www.example.com"}})
	stub := &stubClient{resource: &certificate.Resource{
		Certificate:       []byte(pair.CertPEM),
		PrivateKey:        []byte(pair.KeyPEM),
		IssuerCertificate: []byte(pair.ChainPEM),
	}}
	c := newStubbedClient(t, stub, Options{
		DirectoryURL: "https://example.test/directory",
		Email:        "ops@example.com",
		Challenge:    ChallengeStandalone,
		HTTPAddress:  "127.0.0.1:5002",
	})

	m, err := c.Issue(context.Background(), certs.IssueRequest{Domain: "example.com", SANs: []string{"www.example.com", "example.com"}})
	require.NoError(t, err)
	assert.Equal(t, pair.CertPEM, m.CertificatePEM)
	assert.Equal(t, pair.ChainPEM, m.ChainPEM)
	assert.Equal(t, []string{"example.com", "www.example.com"}, stub.obtained.Domains)
	assert.False(t, stub.obtained.Bundle)
	assert.True(t, stub.providerConfigured)

	// account is reused for the same email
	_, err = c.Issue(context.Background(), certs.IssueRequest{Domain: "example.com"})
	require.NoError(t, err)
	assert.Equal(t, 1, stub.registered)
}

func TestRenewPassesExistingMaterial(t *testing.T) {
	pair := certtest.Generate(t, certtest.Options{CommonName: "example.com"})
	stub := &stubClient{resource: &certificate.Resource{Certificate: []byte(pair.CertPEM), PrivateKey: []byte(pair.KeyPEM)}}
	c := newStubbedClient(t, stub, Options{Challenge: ChallengeWebroot, Webroot: t.TempDir()})

	_, err := c.Renew(context.Background(), certs.RenewRequest{
		Domain:         "example.com",
		Email:          "ops@example.com",
		CertificatePEM: "old-cert",
		PrivateKeyPEM:  "old-key",
	})
	require.NoError(t, err)
	assert.Equal(t, "example.com", stub.renewed.Domain)
	assert.Equal(t, []byte("old-cert"), stub.renewed.Certificate)
	assert.Equal(t, []byte("old-key"), stub.renewed.PrivateKey)
}

func TestErrorsAreClassified(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want certs.CAErrorKind
	}{
		{"problem type", &legoacme.ProblemDetails{Type: problemRateLimited, Detail: "too many certificates"}, certs.CAErrorRateLimited},
		{"http 429", fmt.Errorf("obtain: %w", &legoacme.ProblemDetails{HTTPStatus: 429}), certs.CAErrorRateLimited},
		{"folded string", errors.New("error: one or more domains had a problem:\n[example.com] " + problemRateLimited), certs.CAErrorRateLimited},
		{"other problem", &legoacme.ProblemDetails{Type: "urn:ietf:params:acme:error:dns", HTTPStatus: 400}, certs.CAErrorOther},
		{"plain", errors.New("connection refused"), certs.CAErrorOther},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			stub := &stubClient{err: tc.err}
			c := newStubbedClient(t, stub, Options{Email: "ops@example.com", Challenge: ChallengeStandalone})
			_, err := c.Issue(context.Background(), certs.IssueRequest{Domain: "example.com"})
			var caErr *certs.CAError
			require.ErrorAs(t, err, &caErr)
			assert.Equal(t, tc.want, caErr.Kind)
		})
	}
}

func TestMissingEmail(t *testing.T) {
	c := newStubbedClient(t, &stubClient{}, Options{Challenge: ChallengeStandalone})
	_, err := c.Issue(context.Background(), certs.IssueRequest{Domain: "example.com"})
	assert.Error(t, err)
}

func TestWebrootNeedsDirectory(t *testing.T) {
	c := newStubbedClient(t, &stubClient{}, Options{Email: "ops@example.com", Challenge: ChallengeWebroot})
	_, err := c.Issue(context.Background(), certs.IssueRequest{Domain: "example.com"})
	assert.Error(t, err)
}

func TestEmptyResourceIsRejected(t *testing.T) {
	c := newStubbedClient(t, &stubClient{resource: &certificate.Resource{}}, Options{Email: "ops@example.com", Challenge: ChallengeStandalone})
	_, err := c.Issue(context.Background(), certs.IssueRequest{Domain: "example.com"})
	assert.Error(t, err)
}

func TestParseKeyType(t *testing.T) {
	kt, err := ParseKeyType("p384")
	require.NoError(t, err)
	assert.Equal(t, certcrypto.EC384, kt)

	kt, err = ParseKeyType("")
	require.NoError(t, err)
	assert.Equal(t, certcrypto.EC256, kt)

	_, err = ParseKeyType("dsa")
	assert.Error(t, err)
}
