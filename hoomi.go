// Package hoomi is the client SDK for "Login with Hoomi".
//
// A Client owns everything one application installation needs: the API
// executor, the persisted token store, client provisioning, the authorization
// flow and the app data resource. Clients are independent of each other.
package hoomi

import (
	"context"
	"io"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"go.pilab.hu/hoomi/appdata"
	"go.pilab.hu/hoomi/authflow"
	"go.pilab.hu/hoomi/config"
	herrors "go.pilab.hu/hoomi/errors"
	"go.pilab.hu/hoomi/httpclient"
	"go.pilab.hu/hoomi/internal/audit"
	"go.pilab.hu/hoomi/internal/metrics"
	"go.pilab.hu/hoomi/log"
	"go.pilab.hu/hoomi/provision"
	"go.pilab.hu/hoomi/storage"
	"go.pilab.hu/hoomi/token"
	"go.pilab.hu/hoomi/tokenstore"
)

const (
	tokenInfoPath = "1/token/current"

	authflowNamespace = "authflow|"
)

// Client is a configured Hoomi client. It is safe for concurrent use.
type Client struct {
	cfg     *config.Config
	logger  log.Logger
	closer  io.Closer
	kv      storage.Store
	metrics *metrics.Metrics
	audit   *audit.Logger

	executor    *httpclient.Executor
	tokens      *tokenstore.Store
	provisioner *provision.Provisioner
	flow        *authflow.Flow
	appData     *appdata.Client
}

type options struct {
	logger     log.Logger
	registerer prometheus.Registerer
	store      storage.Store
	httpClient *http.Client
	launchers  []authflow.Launcher
	asserter   provision.IdentityAsserter
	auditOut   io.Writer
	warmup     bool
}

// Option configures New.
type Option func(*options)

// WithLogger sets the logger shared by all components.
func WithLogger(l log.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithRegisterer enables metrics, registering the collectors on reg.
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(o *options) { o.registerer = reg }
}

// WithStore replaces the configured storage backend. The caller keeps
// ownership of s; Close does not close it.
func WithStore(s storage.Store) Option {
	return func(o *options) { o.store = s }
}

// WithHTTPClient sets the HTTP client API requests are sent with.
func WithHTTPClient(c *http.Client) Option {
	return func(o *options) { o.httpClient = c }
}

// WithLaunchers sets the authorization surfaces in order of preference.
func WithLaunchers(l ...authflow.Launcher) Option {
	return func(o *options) { o.launchers = l }
}

// WithIdentityAsserter enables authenticated provisioning. It only takes
// effect when the configuration names a web client id.
func WithIdentityAsserter(a provision.IdentityAsserter) Option {
	return func(o *options) { o.asserter = a }
}

// WithAuditWriter records logins, logouts and token refreshes as JSON lines on w.
func WithAuditWriter(w io.Writer) Option {
	return func(o *options) { o.auditOut = w }
}

// WithoutWarmup stops New from provisioning a client credential in the background.
func WithoutWarmup() Option {
	return func(o *options) { o.warmup = false }
}

// New validates cfg, opens the storage backend and wires the components.
// Unless WithoutWarmup is given, client provisioning starts in the background.
func New(ctx context.Context, cfg *config.Config, opts ...Option) (*Client, error) {
	o := options{logger: log.Nop(), warmup: true}
	for _, opt := range opts {
		opt(&o)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	c := &Client{cfg: cfg, logger: o.logger.With(log.Fields{"application_id": cfg.ApplicationID})}

	store := o.store
	if store == nil {
		opened, closer, err := openStore(ctx, cfg, c.logger)
		if err != nil {
			return nil, err
		}
		store, c.closer = opened, closer
	}
	c.kv = storage.Namespace(store, tokenstore.Namespace(cfg.ApplicationID))

	if o.auditOut != nil {
		c.audit = audit.New(o.auditOut, cfg.ApplicationID)
	}
	if o.registerer != nil {
		c.metrics = metrics.New(o.registerer, c.logger)
	}

	httpClient := o.httpClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: cfg.HTTPTimeout}
	}
	executor, err := httpclient.New(cfg.APIBaseURL,
		httpclient.WithHTTPClient(httpClient),
		httpclient.WithLogger(c.logger),
		httpclient.WithMetrics(c.metrics),
	)
	if err != nil {
		_ = c.Close()
		return nil, err
	}
	c.executor = executor

	c.tokens = tokenstore.New(c.kv, c.logger)

	provisionOpts := []provision.Option{
		provision.WithLogger(c.logger),
		provision.WithMetrics(c.metrics),
	}
	if o.asserter != nil && cfg.WebClientID != "" {
		provisionOpts = append(provisionOpts, provision.WithIdentityAsserter(o.asserter, cfg.WebClientID))
	}
	c.provisioner = provision.New(cfg.ApplicationID, executor, c.tokens, provisionOpts...)

	c.flow = authflow.New(c.provisioner, executor, c.tokens, storage.Namespace(c.kv, authflowNamespace),
		authflow.WithLaunchers(o.launchers...),
		authflow.WithDialogBaseURL(cfg.DialogBaseURL),
		authflow.WithPlatform(cfg.Platform),
		authflow.WithTTL(cfg.AuthorizationTTL),
		authflow.WithLogger(c.logger),
		authflow.WithMetrics(c.metrics),
	)

	c.appData = appdata.New(executor, c.tokens,
		appdata.WithLogger(c.logger),
		appdata.WithMetrics(c.metrics),
	)

	if o.warmup {
		c.provisioner.Warm(context.WithoutCancel(ctx))
	}
	return c, nil
}

// Close releases the storage backend opened by New.
func (c *Client) Close() error {
	if c.closer == nil {
		return nil
	}
	return c.closer.Close()
}

// Config returns the configuration the client was built with.
func (c *Client) Config() *config.Config {
	return c.cfg
}

// CurrentToken returns the persisted token, or nil when logged out.
func (c *Client) CurrentToken(ctx context.Context) (*token.AccessToken, error) {
	return c.tokens.CurrentToken(ctx)
}

// SetCurrentToken persists tok as the current token. nil logs out.
func (c *Client) SetCurrentToken(ctx context.Context, tok *token.AccessToken) error {
	return c.tokens.SetCurrentToken(ctx, tok)
}

// LogOut forgets the current token.
func (c *Client) LogOut(ctx context.Context) error {
	err := c.tokens.SetCurrentToken(ctx, nil)
	c.audit.Log(audit.ActionLogout, "", "", err)
	return err
}

// Authorize runs a complete authorization request and stores the obtained
// token as the current token.
func (c *Client) Authorize(ctx context.Context, redirectURI string, scopes []string) (*token.AccessToken, error) {
	tok, err := c.flow.Authorize(ctx, redirectURI, scopes)
	c.audit.Log(audit.ActionLogin, "", token.JoinScopes(scopes), err)
	return tok, err
}

// Begin starts an authorization request without waiting for its result.
func (c *Client) Begin(ctx context.Context, redirectURI string, scopes []string) (*authflow.Pending, error) {
	p, err := c.flow.Begin(ctx, redirectURI, scopes)
	var state string
	if p != nil {
		state = p.State
	}
	c.audit.Log(audit.ActionLoginStarted, state, token.JoinScopes(scopes), err)
	return p, err
}

// HandleCallback delivers an authorization redirect. See authflow.Flow.HandleCallback.
func (c *Client) HandleCallback(ctx context.Context, callbackURL string) error {
	return c.flow.HandleCallback(ctx, callbackURL)
}

// Cancel abandons a pending authorization request.
func (c *Client) Cancel(ctx context.Context, state string) bool {
	return c.flow.Cancel(ctx, state)
}

// GetAppData fetches the user's app data. tok may be nil to use the current token.
func (c *Client) GetAppData(ctx context.Context, tok *token.AccessToken) (*appdata.AppData, error) {
	return c.appData.Get(ctx, tok)
}

// SetAppData replaces the user's app data if eTag still matches. tok may be
// nil to use the current token.
func (c *Client) SetAppData(ctx context.Context, tok *token.AccessToken, data map[string]any, eTag string) (*appdata.AppData, error) {
	return c.appData.Set(ctx, tok, data, eTag)
}

// TokenInformation asks the server about tok (nil means the current token).
// When tok is the current token and was issued to this application, the
// current token is replaced with the returned scopes and expiration.
func (c *Client) TokenInformation(ctx context.Context, tok *token.AccessToken) (*token.Information, error) {
	current, err := c.tokens.CurrentToken(ctx)
	if err != nil {
		return nil, err
	}
	if tok == nil {
		tok = current
	}
	if tok == nil {
		return nil, herrors.ErrNoToken
	}

	resp, err := c.executor.Do(ctx, httpclient.Request{
		Method: http.MethodGet,
		Path:   tokenInfoPath,
		Token:  tok,
	})
	if err != nil {
		return nil, err
	}
	info, err := token.InformationFromJSON(resp.JSON)
	if err != nil {
		return nil, err
	}

	if current != nil &&
		current.TokenString() == info.Token.TokenString() &&
		info.ApplicationID == c.cfg.ApplicationID {
		err := c.tokens.SetCurrentToken(ctx, info.Token)
		if err != nil {
			c.logger.Warn(ctx, "failed to store refreshed token details", log.Fields{"error": err.Error()})
		}
		c.audit.Log(audit.ActionTokenRefreshed, "", token.JoinScopes(info.Token.KnownScopes()), err)
	}
	return info, nil
}
