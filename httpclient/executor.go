// Package httpclient performs authenticated JSON requests against the Hoomi API
// (or any JSON API sharing its conventions).
package httpclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
	herrors "go.pilab.hu/hoomi/errors"
	"go.pilab.hu/hoomi/internal/metrics"
	"go.pilab.hu/hoomi/log"
	"go.pilab.hu/hoomi/token"
	"go.pilab.hu/hoomi/tracing"
)

// DefaultBaseURL is the Hoomi API root.
const DefaultBaseURL = "https://api.hoomi.co/"

// Encoding selects how Params are sent for non-GET requests.
type Encoding int

const (
	EncodingJSON Encoding = iota
	EncodingForm
)

// Request describes one API call. Path is relative to the executor's base URL.
type Request struct {
	Method   string
	Path     string
	Token    *token.AccessToken // optional; sent as a bearer token
	Params   map[string]any
	Encoding Encoding
	Header   http.Header // applied verbatim, all values of each key
}

// Response is a successful API response. Top-level JSON arrays are exposed
// as {"results": [...]}.
type Response struct {
	JSON       map[string]any
	Header     http.Header
	StatusCode int
}

// Executor sends Requests. It never retries.
type Executor struct {
	baseURL    *url.URL
	httpClient *http.Client
	logger     log.Logger
	metrics    *metrics.Metrics
}

// Option configures an Executor.
type Option func(*Executor)

// WithHTTPClient sets the underlying HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(e *Executor) { e.httpClient = c }
}

// WithLogger sets the logger.
func WithLogger(l log.Logger) Option {
	return func(e *Executor) { e.logger = l }
}

// WithMetrics sets the collectors requests are recorded in.
func WithMetrics(m *metrics.Metrics) Option {
	return func(e *Executor) { e.metrics = m }
}

// New creates an Executor rooted at baseURL.
func New(baseURL string, opts ...Option) (*Executor, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("invalid base URL %q: %w", baseURL, err)
	}
	if u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("invalid base URL %q: scheme and host are required", baseURL)
	}
	if !strings.HasSuffix(u.Path, "/") {
		u.Path += "/"
	}

	e := &Executor{
		baseURL:    u,
		httpClient: &http.Client{Timeout: 30 * time.Second},
		logger:     log.Nop(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// BaseURL returns the API root requests are resolved against.
func (e *Executor) BaseURL() string {
	return e.baseURL.String()
}

// Do performs req and decodes the response.
func (e *Executor) Do(ctx context.Context, req Request) (*Response, error) {
	method := req.Method
	if method == "" {
		method = http.MethodGet
	}

	ctx, span := tracing.Tracer().Start(ctx, "hoomi.http "+method,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("http.request.method", method),
			attribute.String("url.path", req.Path),
		))
	defer span.End()

	httpReq, err := e.newHTTPRequest(ctx, method, req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	started := time.Now()
	resp, err := e.do(httpReq)
	code := 0
	if resp != nil {
		code = resp.StatusCode
	}
	e.metrics.ObserveRequest(method, req.Path, code, time.Since(started))

	fields := log.Fields{"method": method, "path": req.Path, "status": code, "elapsed": time.Since(started).String()}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		e.logger.Debug(ctx, "hoomi request failed", fields, log.Fields{"error": err.Error()})
		return nil, err
	}

	span.SetAttributes(attribute.Int("http.response.status_code", code))
	e.logger.Debug(ctx, "hoomi request", fields)
	return resp, nil
}

func (e *Executor) newHTTPRequest(ctx context.Context, method string, req Request) (*http.Request, error) {
	u := e.baseURL.JoinPath(req.Path)

	var (
		body        io.Reader
		contentType string
	)
	if method == http.MethodGet {
		if len(req.Params) > 0 {
			q := u.Query()
			for _, k := range sortedKeys(req.Params) {
				q.Add(k, stringify(req.Params[k]))
			}
			u.RawQuery = q.Encode()
		}
	} else if req.Params != nil {
		switch req.Encoding {
		case EncodingForm:
			form := url.Values{}
			for _, k := range sortedKeys(req.Params) {
				form.Set(k, stringify(req.Params[k]))
			}
			body = strings.NewReader(form.Encode())
			contentType = "application/x-www-form-urlencoded"
		default:
			data, err := json.Marshal(req.Params)
			if err != nil {
				return nil, fmt.Errorf("failed to encode request body: %w", err)
			}
			body = bytes.NewReader(data)
			contentType = "application/json"
		}
	}

	httpReq, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return nil, &herrors.TransportError{Method: method, URL: u.String(), Err: err}
	}

	for k, values := range req.Header {
		for _, v := range values {
			httpReq.Header.Add(k, v)
		}
	}
	if contentType != "" {
		httpReq.Header.Set("Content-Type", contentType)
	}
	httpReq.Header.Set("Accept", "application/json")
	if req.Token != nil {
		httpReq.Header.Set("Authorization", "Bearer "+req.Token.TokenString())
	}
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(httpReq.Header))

	return httpReq, nil
}

func (e *Executor) do(httpReq *http.Request) (*Response, error) {
	resp, err := e.httpClient.Do(httpReq)
	if err != nil {
		return nil, &herrors.TransportError{Method: httpReq.Method, URL: httpReq.URL.String(), Err: err}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return &Response{StatusCode: resp.StatusCode}, &herrors.TransportError{Method: httpReq.Method, URL: httpReq.URL.String(), Err: err}
	}

	if resp.StatusCode < 200 || resp.StatusCode > 399 {
		statusErr := &herrors.HTTPStatusError{StatusCode: resp.StatusCode, Status: resp.Status}
		if body, decodeErr := decodeBody(raw); decodeErr == nil {
			statusErr.OAuth = herrors.OAuth2ErrorFromJSON(body)
		}
		return &Response{StatusCode: resp.StatusCode, Header: resp.Header}, statusErr
	}

	body, err := decodeBody(raw)
	if err != nil {
		return &Response{StatusCode: resp.StatusCode, Header: resp.Header}, err
	}

	return &Response{JSON: body, Header: resp.Header, StatusCode: resp.StatusCode}, nil
}

// decodeBody accepts an object, an array (wrapped as {"results": [...]}) or an empty body.
func decodeBody(raw []byte) (map[string]any, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 {
		return map[string]any{}, nil
	}

	switch trimmed[0] {
	case '{':
		var obj map[string]any
		if err := json.Unmarshal(trimmed, &obj); err != nil {
			return nil, &herrors.ProtocolError{Field: "body", Msg: "malformed JSON object", Err: err}
		}
		return obj, nil
	case '[':
		var arr []any
		if err := json.Unmarshal(trimmed, &arr); err != nil {
			return nil, &herrors.ProtocolError{Field: "body", Msg: "malformed JSON array", Err: err}
		}
		return map[string]any{"results": arr}, nil
	default:
		return nil, herrors.NewProtocolError("body", "response is not a JSON object or array")
	}
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func stringify(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case []string:
		return strings.Join(t, " ")
	case nil:
		return ""
	default:
		return fmt.Sprint(t)
	}
}

// Doer is the part of Executor the API clients depend on.
type Doer interface {
	Do(ctx context.Context, req Request) (*Response, error)
}

var _ Doer = (*Executor)(nil)
