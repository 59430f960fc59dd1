// Package provision obtains the client credential an installation uses for
// authorization requests, caching it until shortly before it expires.
package provision

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"slices"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"go.pilab.hu/hoomi/client"
	herrors "go.pilab.hu/hoomi/errors"
	"go.pilab.hu/hoomi/httpclient"
	"go.pilab.hu/hoomi/internal/metrics"
	"go.pilab.hu/hoomi/log"
	"golang.org/x/sync/singleflight"
)

const (
	anonymousPath     = "1/authz/provision_client"
	authenticatedPath = "1/authz/provision_android_client"

	modeAnonymous     = "anonymous"
	modeAuthenticated = "authenticated"
)

var errAssertionExpired = errors.New("identity assertion expired")

//go:generate mockgen -source=$GOFILE -destination=mock/mock_$GOFILE -package=mock_$GOPACKAGE

// IdentityAsserter yields a signed identity token (a JWT) for the given audience,
// proving the installation runs on an authenticated device account.
type IdentityAsserter interface {
	Assertion(ctx context.Context, audience string) (string, error)
}

// AsserterFunc adapts a function to IdentityAsserter.
type AsserterFunc func(ctx context.Context, audience string) (string, error)

func (f AsserterFunc) Assertion(ctx context.Context, audience string) (string, error) {
	return f(ctx, audience)
}

// CredentialStore persists the provisioned credential.
type CredentialStore interface {
	ClientCredential(ctx context.Context) (*client.Credential, error)
	SetClientCredential(ctx context.Context, cred *client.Credential) error
}

// Provisioner hands out a usable client credential, provisioning a new one when
// the cached one is stale. Concurrent callers share a single in-flight attempt.
type Provisioner struct {
	applicationID string
	doer          httpclient.Doer
	store         CredentialStore
	asserter      IdentityAsserter
	audience      string
	logger        log.Logger
	metrics       *metrics.Metrics
	now           func() time.Time

	group singleflight.Group
}

// Option configures a Provisioner.
type Option func(*Provisioner)

// WithIdentityAsserter enables authenticated provisioning. audience is the web
// client id the assertion is requested for; both must be set to take effect.
func WithIdentityAsserter(a IdentityAsserter, audience string) Option {
	return func(p *Provisioner) {
		p.asserter = a
		p.audience = audience
	}
}

// WithLogger sets the logger.
func WithLogger(l log.Logger) Option {
	return func(p *Provisioner) { p.logger = l }
}

// WithMetrics sets the collectors attempts are recorded in.
func WithMetrics(m *metrics.Metrics) Option {
	return func(p *Provisioner) { p.metrics = m }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(p *Provisioner) { p.now = now }
}

// New creates a Provisioner for applicationID.
func New(applicationID string, doer httpclient.Doer, store CredentialStore, opts ...Option) *Provisioner {
	p := &Provisioner{
		applicationID: applicationID,
		doer:          doer,
		store:         store,
		logger:        log.Nop(),
		now:           time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Provision returns a usable credential. If ctx ends first the caller stops
// waiting, but the shared attempt keeps running for the other callers.
func (p *Provisioner) Provision(ctx context.Context) (*client.Credential, error) {
	if cred, err := p.cached(ctx); err != nil || cred != nil {
		return cred, err
	}

	detached := context.WithoutCancel(ctx)
	ch := p.group.DoChan(p.applicationID, func() (any, error) {
		// Another attempt may have finished between the check above and now.
		if cred, err := p.cached(detached); err != nil || cred != nil {
			return cred, err
		}
		return p.provision(detached)
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*client.Credential), nil //nolint:forcetypeassert
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Warm starts provisioning in the background so the first authorization does
// not wait for it. Failures are logged; the next Provision retries.
func (p *Provisioner) Warm(ctx context.Context) {
	go func() {
		if _, err := p.Provision(ctx); err != nil && ctx.Err() == nil {
			p.logger.Warn(ctx, "background client provisioning failed", log.Fields{"error": err.Error()})
		}
	}()
}

func (p *Provisioner) authenticated() bool {
	return p.asserter != nil && p.audience != ""
}

// cached returns the stored credential when it can be used as is.
// A fresh credential lacking a secret is not usable while authenticated
// provisioning is configured: we try to strengthen it.
func (p *Provisioner) cached(ctx context.Context) (*client.Credential, error) {
	cred, err := p.store.ClientCredential(ctx)
	if err != nil {
		return nil, err
	}
	if !cred.Fresh(p.now()) {
		return nil, nil
	}
	if p.authenticated() && !cred.HasSecret() {
		return nil, nil
	}
	return cred, nil
}

func (p *Provisioner) provision(ctx context.Context) (*client.Credential, error) {
	if p.authenticated() {
		assertion, err := p.assertion(ctx)
		if err == nil {
			resp, err := p.doer.Do(ctx, httpclient.Request{
				Method: http.MethodPost,
				Path:   authenticatedPath,
				Params: map[string]any{"application_id": p.applicationID, "token": assertion},
			})
			p.metrics.Provisioned(modeAuthenticated, err)
			if err != nil {
				return nil, fmt.Errorf("authenticated client provisioning failed: %w", err)
			}
			return p.save(ctx, resp, modeAuthenticated)
		}
		p.logger.Debug(ctx, "identity assertion unavailable, provisioning anonymously", log.Fields{"error": err.Error()})
	}

	resp, err := p.doer.Do(ctx, httpclient.Request{
		Method: http.MethodPost,
		Path:   anonymousPath,
		Params: map[string]any{"application_id": p.applicationID},
	})
	p.metrics.Provisioned(modeAnonymous, err)
	if err != nil {
		return nil, fmt.Errorf("client provisioning failed: %w", err)
	}
	return p.save(ctx, resp, modeAnonymous)
}

func (p *Provisioner) assertion(ctx context.Context) (string, error) {
	assertion, err := p.asserter.Assertion(ctx, p.audience)
	if err != nil {
		return "", err
	}
	if err := validateAssertion(assertion, p.audience, p.now()); err != nil {
		return "", err
	}
	return assertion, nil
}

// validateAssertion only checks shape, expiry and audience. The signature is
// the server's business.
func validateAssertion(assertion, audience string, now time.Time) error {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(assertion, claims); err != nil {
		return fmt.Errorf("malformed identity assertion: %w", err)
	}

	exp, err := claims.GetExpirationTime()
	if err != nil {
		return fmt.Errorf("malformed identity assertion: %w", err)
	}
	if exp != nil && !now.Before(exp.Time) {
		return errAssertionExpired
	}

	aud, err := claims.GetAudience()
	if err != nil {
		return fmt.Errorf("malformed identity assertion: %w", err)
	}
	if len(aud) > 0 && !slices.Contains(aud, audience) {
		return fmt.Errorf("identity assertion issued for %v, not %s", []string(aud), audience)
	}
	return nil
}

// save parses the provisioning response and persists the credential. Nothing
// is stored when the response is malformed.
func (p *Provisioner) save(ctx context.Context, resp *httpclient.Response, mode string) (*client.Credential, error) {
	clientID, _ := resp.JSON["client_id"].(string)
	if clientID == "" {
		return nil, herrors.NewProtocolError("client_id", "missing from provisioning response")
	}
	secret, _ := resp.JSON["client_secret"].(string)

	expiresIn := client.DefaultExpiresIn
	if raw, ok := resp.JSON["expires_in"]; ok {
		seconds, ok := raw.(float64)
		if !ok {
			return nil, herrors.NewProtocolError("expires_in", "not a number")
		}
		expiresIn = time.Duration(seconds) * time.Second
	}

	cred := client.NewCredential(clientID, secret, expiresIn, p.now())
	if err := p.store.SetClientCredential(ctx, cred); err != nil {
		p.logger.Error(ctx, "failed to persist client credential", err)
	}

	p.logger.Info(ctx, "client provisioned", log.Fields{
		"mode":       mode,
		"client_id":  clientID,
		"expires_at": cred.ExpiresAt,
	})
	return cred, nil
}
