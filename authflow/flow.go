// Package authflow runs the redirect based authorization-code grant against
// Hoomi: it launches the authorization surface, tracks the pending request by
// its correlation state and exchanges the returned code for an access token.
package authflow

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.pilab.hu/hoomi/client"
	herrors "go.pilab.hu/hoomi/errors"
	"go.pilab.hu/hoomi/httpclient"
	"go.pilab.hu/hoomi/internal/metrics"
	"go.pilab.hu/hoomi/internal/promise"
	"go.pilab.hu/hoomi/log"
	"go.pilab.hu/hoomi/storage"
	"go.pilab.hu/hoomi/token"
)

const (
	// DefaultTTL bounds how long a pending authorization waits for its redirect.
	DefaultTTL = 15 * time.Minute
	// DefaultPlatform is sent as the platform parameter of the authorization URL.
	DefaultPlatform = "android"

	tokenPath = "1/authz/token"
)

// Outcomes recorded in metrics.
const (
	outcomeSuccess  = "success"
	outcomeDenied   = "denied"
	outcomeError    = "error"
	outcomeExpired  = "expired"
	outcomeCanceled = "canceled"
)

// CredentialProvider supplies the client credential authorization requests are made with.
type CredentialProvider interface {
	Provision(ctx context.Context) (*client.Credential, error)
}

// TokenSetter receives the token obtained by a completed authorization.
type TokenSetter interface {
	SetCurrentToken(ctx context.Context, tok *token.AccessToken) error
}

// Flow drives authorization requests. It is safe for concurrent use.
type Flow struct {
	credentials CredentialProvider
	doer        httpclient.Doer
	tokens      TokenSetter
	pending     *pendingStore

	launchers []Launcher
	dialogURL string
	platform  string
	ttl       time.Duration
	now       func() time.Time
	logger    log.Logger
	metrics   *metrics.Metrics
}

// Option configures a Flow.
type Option func(*Flow)

// WithLaunchers sets the authorization surfaces, in order of preference.
// Without launchers Begin only builds the URL and the embedding opens it.
func WithLaunchers(l ...Launcher) Option {
	return func(f *Flow) { f.launchers = l }
}

// WithDialogBaseURL sets the base of URLs built when no launcher is configured.
func WithDialogBaseURL(u string) Option {
	return func(f *Flow) { f.dialogURL = u }
}

// WithPlatform overrides DefaultPlatform.
func WithPlatform(p string) Option {
	return func(f *Flow) { f.platform = p }
}

// WithTTL overrides DefaultTTL.
func WithTTL(ttl time.Duration) Option {
	return func(f *Flow) { f.ttl = ttl }
}

// WithLogger sets the logger.
func WithLogger(l log.Logger) Option {
	return func(f *Flow) { f.logger = l }
}

// WithMetrics sets the collectors outcomes are recorded in.
func WithMetrics(m *metrics.Metrics) Option {
	return func(f *Flow) { f.metrics = m }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(f *Flow) { f.now = now }
}

// New creates a Flow. kv holds the pending authorizations durably so that a
// redirect arriving after a restart still completes.
func New(credentials CredentialProvider, doer httpclient.Doer, tokens TokenSetter, kv storage.Store, opts ...Option) *Flow {
	f := &Flow{
		credentials: credentials,
		doer:        doer,
		tokens:      tokens,
		dialogURL:   DefaultDialogBaseURL,
		platform:    DefaultPlatform,
		ttl:         DefaultTTL,
		now:         time.Now,
		logger:      log.Nop(),
	}
	for _, opt := range opts {
		opt(f)
	}
	f.pending = newPendingStore(kv, f.metrics)
	return f
}

// AuthorizationURL builds {base}/login/auth with the authorization request
// parameters. scope is only sent when scopes is non-nil.
func AuthorizationURL(base, platform, clientID, state, redirectURI string, scopes []string) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("invalid authorization base URL %q: %w", base, err)
	}
	u = u.JoinPath("login", "auth")

	q := url.Values{}
	q.Set("platform", platform)
	q.Set("client_id", clientID)
	q.Set("response_type", "code")
	q.Set("state", state)
	q.Set("redirect_uri", redirectURI)
	if scopes != nil {
		q.Set("scope", token.JoinScopes(scopes))
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// Begin starts an authorization request and returns once the authorization
// surface was launched. Wait on the returned Pending for the token.
func (f *Flow) Begin(ctx context.Context, redirectURI string, scopes []string) (*Pending, error) {
	redirect, err := url.Parse(redirectURI)
	if err != nil || redirect.Scheme == "" {
		return nil, fmt.Errorf("invalid redirect URI %q", redirectURI)
	}

	f.PurgeExpired(ctx)

	cred, err := f.credentials.Provision(ctx)
	if err != nil {
		return nil, err
	}

	launcher, err := f.pickLauncher(ctx)
	if err != nil {
		return nil, err
	}
	base := f.dialogURL
	if launcher != nil {
		base = launcher.BaseURL()
	}

	now := f.now()
	p := &Pending{
		State:        uuid.NewString(),
		RedirectURI:  redirectURI,
		ClientID:     cred.ClientID,
		ClientSecret: cred.ClientSecret,
		CreatedAt:    now,
		ExpiresAt:    now.Add(f.ttl),
		result:       promise.New[*token.AccessToken](),
	}
	p.URL, err = AuthorizationURL(base, f.platform, p.ClientID, p.State, redirectURI, scopes)
	if err != nil {
		return nil, err
	}

	if err := f.pending.register(ctx, p, f.ttl); err != nil {
		return nil, err
	}
	f.logger.Debug(ctx, "authorization request registered", log.Fields{"state": p.State, "redirect_uri": redirectURI})

	if launcher != nil {
		if err := launcher.Launch(ctx, p.URL); err != nil {
			f.finish(context.WithoutCancel(ctx), p.State, err, outcomeError)
			return nil, err
		}
	}
	return p, nil
}

func (f *Flow) pickLauncher(ctx context.Context) (Launcher, error) {
	if len(f.launchers) == 0 {
		return nil, nil
	}
	for _, l := range f.launchers {
		if l.Available(ctx) {
			return l, nil
		}
	}
	return nil, herrors.ErrNoLauncher
}

// Authorize runs a complete authorization request and returns the obtained
// token. If ctx ends before the redirect arrives, the request is cancelled.
func (f *Flow) Authorize(ctx context.Context, redirectURI string, scopes []string) (*token.AccessToken, error) {
	p, err := f.Begin(ctx, redirectURI, scopes)
	if err != nil {
		return nil, err
	}

	tok, err := p.Wait(ctx)
	if err != nil && ctx.Err() != nil {
		f.finish(context.WithoutCancel(ctx), p.State, ctx.Err(), outcomeCanceled)
		// The redirect may have won the race.
		select {
		case <-p.Done():
			return p.Wait(context.WithoutCancel(ctx))
		default:
			return nil, ctx.Err()
		}
	}
	return tok, err
}

// HandleCallback completes the pending authorization a redirect belongs to.
//
// Redirects with an unknown, expired or already consumed state, or whose scheme
// does not match the registered redirect URI, are ignored: nil is returned and
// nothing changes. An error is returned only when the token exchange (or storing
// its result) fails; the waiting caller receives the same error.
func (f *Flow) HandleCallback(ctx context.Context, callbackURL string) error {
	u, err := url.Parse(callbackURL)
	if err != nil {
		f.logger.Debug(ctx, "ignoring unparseable callback", log.Fields{"error": err.Error()})
		return nil
	}
	q := u.Query()
	state := q.Get("state")
	if state == "" {
		f.logger.Debug(ctx, "ignoring callback without state")
		return nil
	}

	peeked, err := f.pending.peek(ctx, state)
	if err != nil {
		f.ignore(ctx, state, err)
		return nil
	}
	if !sameScheme(peeked.RedirectURI, u) {
		f.ignore(ctx, state, fmt.Errorf("callback scheme %q does not match redirect URI", u.Scheme))
		return nil
	}

	p, err := f.pending.take(ctx, state, f.now())
	if err != nil {
		f.ignore(ctx, state, err)
		return nil
	}

	if p.expired(f.now()) {
		f.settle(ctx, p, nil, herrors.ErrAuthorizationExpired, outcomeExpired)
		return nil
	}

	if q.Has("error") {
		denied := herrors.NewAuthorizationDenied(q.Get("error"), q.Get("error_description"), q.Get("error_uri"))
		f.settle(ctx, p, nil, denied, outcomeDenied)
		return nil
	}

	tok, err := f.exchange(ctx, p, q.Get("code"))
	if err == nil {
		err = f.tokens.SetCurrentToken(ctx, tok)
	}
	if err != nil {
		f.settle(ctx, p, nil, err, outcomeError)
		return err
	}

	f.settle(ctx, p, tok, nil, outcomeSuccess)
	return nil
}

func (f *Flow) ignore(ctx context.Context, state string, reason error) {
	f.logger.Debug(ctx, "ignoring callback", log.Fields{"state": state, "reason": reason.Error()})
}

func sameScheme(redirectURI string, callback *url.URL) bool {
	registered, err := url.Parse(redirectURI)
	if err != nil {
		return false
	}
	return strings.EqualFold(registered.Scheme, callback.Scheme)
}

func (f *Flow) exchange(ctx context.Context, p *Pending, code string) (*token.AccessToken, error) {
	if code == "" {
		return nil, herrors.NewProtocolError("code", "missing from callback")
	}

	params := map[string]any{
		"client_id":    p.ClientID,
		"grant_type":   "authorization_code",
		"code":         code,
		"redirect_uri": p.RedirectURI,
	}
	if p.ClientSecret != "" {
		params["client_secret"] = p.ClientSecret
	}

	resp, err := f.doer.Do(ctx, httpclient.Request{
		Method:   http.MethodPost,
		Path:     tokenPath,
		Params:   params,
		Encoding: httpclient.EncodingForm,
	})
	if err != nil {
		return nil, err
	}
	return tokenFromResponse(resp.JSON, f.now())
}

// tokenFromResponse reads {access_token, scope, expires_in}. A missing scope or
// expires_in leaves that part of the token unknown.
func tokenFromResponse(body map[string]any, now time.Time) (*token.AccessToken, error) {
	accessToken, _ := body["access_token"].(string)
	if accessToken == "" {
		return nil, herrors.NewProtocolError("access_token", "missing from token response")
	}

	var scopes []string
	if raw, ok := body["scope"]; ok {
		scope, ok := raw.(string)
		if !ok {
			return nil, herrors.NewProtocolError("scope", "not a string")
		}
		scopes = token.ParseScope(scope)
	}

	var expiration *time.Time
	if raw, ok := body["expires_in"]; ok {
		seconds, ok := raw.(float64)
		if !ok {
			return nil, herrors.NewProtocolError("expires_in", "not a number")
		}
		exp := now.Add(time.Duration(seconds * float64(time.Second)))
		expiration = &exp
	}

	return token.NewWithDetails(accessToken, scopes, expiration), nil
}

func (f *Flow) settle(ctx context.Context, p *Pending, tok *token.AccessToken, err error, outcome string) {
	f.metrics.AuthorizationFinished(outcome)
	fields := log.Fields{"state": p.State, "outcome": outcome}
	if err != nil {
		p.reject(err)
		f.logger.Info(ctx, "authorization request failed", fields, log.Fields{"error": err.Error()})
		return
	}
	p.resolve(tok)
	f.logger.Info(ctx, "authorization request completed", fields)
}

// finish removes state and rejects its promise with reason. It reports whether
// the state was still pending.
func (f *Flow) finish(ctx context.Context, state string, reason error, outcome string) bool {
	p, err := f.pending.take(ctx, state, f.now())
	if err != nil {
		if !errors.Is(err, herrors.ErrUnknownState) {
			f.logger.Error(ctx, "failed to remove pending authorization", err, log.Fields{"state": state})
		}
		return false
	}
	f.settle(ctx, p, nil, reason, outcome)
	return true
}

// Cancel abandons a pending authorization. A redirect arriving later is ignored.
func (f *Flow) Cancel(ctx context.Context, state string) bool {
	return f.finish(ctx, state, herrors.ErrAuthorizationCanceled, outcomeCanceled)
}

// PurgeExpired removes pending authorizations older than the TTL, rejecting
// their waiters with ErrAuthorizationExpired, and returns how many it removed.
func (f *Flow) PurgeExpired(ctx context.Context) int {
	states, err := f.pending.states(ctx)
	if err != nil {
		f.logger.Error(ctx, "failed to list pending authorizations", err)
		return 0
	}

	now := f.now()
	purged := 0
	for _, state := range states {
		p, err := f.pending.peek(ctx, state)
		if errors.Is(err, herrors.ErrUnknownState) {
			continue
		}
		// Unreadable records are purged as well.
		if err == nil && !p.expired(now) {
			continue
		}
		if f.finish(ctx, state, herrors.ErrAuthorizationExpired, outcomeExpired) {
			purged++
		}
	}
	if purged > 0 {
		f.logger.Debug(ctx, "purged expired authorization requests", log.Fields{"count": purged})
	}
	return purged
}
