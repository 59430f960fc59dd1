// Package appdata reads and writes the per-user app data resource, using
// ETags for optimistic concurrency.
package appdata

import (
	"context"
	"errors"
	"net/http"

	herrors "go.pilab.hu/hoomi/errors"
	"go.pilab.hu/hoomi/httpclient"
	"go.pilab.hu/hoomi/internal/metrics"
	"go.pilab.hu/hoomi/log"
	"go.pilab.hu/hoomi/token"
)

const (
	resourcePath = "1/user/current/app/data"

	// AnyETag makes a write unconditional.
	AnyETag = "*"

	// Scopes the token needs for Get and Set.
	ScopeRead  = "user:app:data:read"
	ScopeWrite = "user:app:data:write"
)

// AppData is a user's app data and the version it was read or written at.
// Data may be modified in place and written back with Set.
type AppData struct {
	Data map[string]any
	ETag string
}

// CurrentTokenSource supplies the token used when none is passed explicitly.
type CurrentTokenSource interface {
	CurrentToken(ctx context.Context) (*token.AccessToken, error)
}

// Client talks to the app data resource.
type Client struct {
	doer    httpclient.Doer
	tokens  CurrentTokenSource
	logger  log.Logger
	metrics *metrics.Metrics
}

// Option configures a Client.
type Option func(*Client)

// WithLogger sets the logger.
func WithLogger(l log.Logger) Option {
	return func(c *Client) { c.logger = l }
}

// WithMetrics sets the collectors conflicts are recorded in.
func WithMetrics(m *metrics.Metrics) Option {
	return func(c *Client) { c.metrics = m }
}

// New creates a Client.
func New(doer httpclient.Doer, tokens CurrentTokenSource, opts ...Option) *Client {
	c := &Client{doer: doer, tokens: tokens, logger: log.Nop()}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Client) resolveToken(ctx context.Context, tok *token.AccessToken) (*token.AccessToken, error) {
	if tok != nil {
		return tok, nil
	}
	if c.tokens != nil {
		current, err := c.tokens.CurrentToken(ctx)
		if err != nil {
			return nil, err
		}
		if current != nil {
			return current, nil
		}
	}
	return nil, herrors.ErrNoToken
}

// Get fetches the app data. tok may be nil to use the current token; it needs
// the ScopeRead scope.
func (c *Client) Get(ctx context.Context, tok *token.AccessToken) (*AppData, error) {
	tok, err := c.resolveToken(ctx, tok)
	if err != nil {
		return nil, err
	}

	resp, err := c.doer.Do(ctx, httpclient.Request{
		Method: http.MethodGet,
		Path:   resourcePath,
		Token:  tok,
	})
	if err != nil {
		return nil, err
	}

	data, ok := resp.JSON["data"].(map[string]any)
	if !ok {
		return nil, herrors.NewProtocolError("data", "missing or not an object")
	}
	eTag := resp.Header.Get("ETag")
	if eTag == "" {
		return nil, herrors.NewProtocolError("ETag", "missing from response")
	}
	return &AppData{Data: data, ETag: eTag}, nil
}

// Set replaces the app data if the server's version still matches eTag. An
// empty eTag (or AnyETag) writes unconditionally. A stale eTag fails with a
// *errors.PreconditionFailedError. tok may be nil to use the current token; it
// needs the ScopeWrite scope.
//
// The returned AppData holds a copy of data; data itself is not modified.
func (c *Client) Set(ctx context.Context, tok *token.AccessToken, data map[string]any, eTag string) (*AppData, error) {
	tok, err := c.resolveToken(ctx, tok)
	if err != nil {
		return nil, err
	}
	if eTag == "" {
		eTag = AnyETag
	}
	if data == nil {
		data = map[string]any{}
	}
	submitted := cloneObject(data)

	resp, err := c.doer.Do(ctx, httpclient.Request{
		Method: http.MethodPut,
		Path:   resourcePath,
		Token:  tok,
		Params: map[string]any{"data": submitted},
		Header: http.Header{"If-Match": {eTag}},
	})
	if err != nil {
		if errors.Is(err, herrors.ErrPreconditionFailed) {
			c.metrics.AppDataConflict()
			c.logger.Debug(ctx, "app data write rejected, ETag is stale", log.Fields{"etag": eTag})
			return nil, &herrors.PreconditionFailedError{ETag: eTag, Err: err}
		}
		return nil, err
	}

	newETag := resp.Header.Get("ETag")
	if newETag == "" {
		return nil, herrors.NewProtocolError("ETag", "missing from response")
	}
	return &AppData{Data: submitted, ETag: newETag}, nil
}

func cloneObject(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return cloneObject(t)
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = cloneValue(e)
		}
		return out
	default:
		return v
	}
}
