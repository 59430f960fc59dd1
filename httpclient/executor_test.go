package httpclient

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	herrors "go.pilab.hu/hoomi/errors"
	"go.pilab.hu/hoomi/internal/metrics"
	"go.pilab.hu/hoomi/token"
)

func newTestExecutor(t *testing.T, handler http.HandlerFunc, opts ...Option) *Executor {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	e, err := New(srv.URL, opts...)
	require.NoError(t, err)
	return e
}

func TestDo_GETQueryAndBearer(t *testing.T) {
	e := newTestExecutor(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodGet, r.Method)
		assert.Equal(t, "/1/token/current", r.URL.Path)
		assert.Equal(t, "a=1&b=x+y", r.URL.RawQuery)
		assert.Equal(t, "Bearer T", r.Header.Get("Authorization"))
		assert.Empty(t, r.Header.Get("Content-Type"))
		w.Header().Set("ETag", "v1")
		_, _ = io.WriteString(w, `{"ok": true}`)
	})

	resp, err := e.Do(context.Background(), Request{
		Method: http.MethodGet,
		Path:   "1/token/current",
		Token:  token.New("T"),
		Params: map[string]any{"b": "x y", "a": 1},
	})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"ok": true}, resp.JSON)
	assert.Equal(t, "v1", resp.Header.Get("ETag"))
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestDo_JSONBody(t *testing.T) {
	e := newTestExecutor(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPut, r.Method)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		assert.Equal(t, []string{"a", "b"}, r.Header.Values("X-Multi"))
		body, _ := io.ReadAll(r.Body)
		assert.JSONEq(t, `{"data":{"n":1}}`, string(body))
		w.WriteHeader(http.StatusNoContent)
	})

	resp, err := e.Do(context.Background(), Request{
		Method: http.MethodPut,
		Path:   "1/user/current/app/data",
		Params: map[string]any{"data": map[string]any{"n": 1}},
		Header: http.Header{"X-Multi": {"a", "b"}},
	})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{}, resp.JSON)
}

func TestDo_FormBody(t *testing.T) {
	e := newTestExecutor(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "application/x-www-form-urlencoded", r.Header.Get("Content-Type"))
		assert.NoError(t, r.ParseForm())
		assert.Equal(t, url.Values{
			"client_id":  {"cid"},
			"grant_type": {"authorization_code"},
			"code":       {"C"},
		}, r.PostForm)
		_, _ = io.WriteString(w, `{"access_token":"T"}`)
	})

	resp, err := e.Do(context.Background(), Request{
		Method:   http.MethodPost,
		Path:     "1/authz/token",
		Encoding: EncodingForm,
		Params:   map[string]any{"client_id": "cid", "grant_type": "authorization_code", "code": "C"},
	})
	require.NoError(t, err)
	assert.Equal(t, "T", resp.JSON["access_token"])
}

func TestDo_ArrayWrapped(t *testing.T) {
	e := newTestExecutor(t, func(w http.ResponseWriter, _ *http.Request) {
		_, _ = io.WriteString(w, `[1, 2, 3]`)
	})

	resp, err := e.Do(context.Background(), Request{Path: "v0/topstories.json"})
	require.NoError(t, err)
	assert.Equal(t, []any{1.0, 2.0, 3.0}, resp.JSON["results"])
}

func TestDo_StatusErrors(t *testing.T) {
	tests := []struct {
		name      string
		status    int
		body      string
		wantMsg   string
		wantOAuth *herrors.OAuth2Error
		want412   bool
	}{
		{
			name:    "not found",
			status:  http.StatusNotFound,
			wantMsg: "HTTP Error: 404 Not Found",
		},
		{
			name:    "precondition failed",
			status:  http.StatusPreconditionFailed,
			wantMsg: "HTTP Error: 412 Precondition Failed",
			want412: true,
		},
		{
			name:      "oauth error body",
			status:    http.StatusBadRequest,
			body:      `{"error":"invalid_grant","error_description":"code expired"}`,
			wantMsg:   "HTTP Error: 400 Bad Request",
			wantOAuth: &herrors.OAuth2Error{Code: "invalid_grant", Description: "code expired"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := newTestExecutor(t, func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = io.WriteString(w, tt.body)
			})

			_, err := e.Do(context.Background(), Request{Path: "x"})
			var statusErr *herrors.HTTPStatusError
			require.True(t, errors.As(err, &statusErr))
			assert.Equal(t, tt.status, statusErr.StatusCode)
			assert.Contains(t, err.Error(), tt.wantMsg)
			assert.Equal(t, tt.wantOAuth, statusErr.OAuth)
			assert.Equal(t, tt.want412, errors.Is(err, herrors.ErrPreconditionFailed))
		})
	}
}

func TestDo_RedirectStatusIsSuccess(t *testing.T) {
	e := newTestExecutor(t, func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNotModified)
	})

	resp, err := e.Do(context.Background(), Request{Path: "x"})
	require.NoError(t, err)
	assert.Equal(t, http.StatusNotModified, resp.StatusCode)
}

func TestDo_MalformedBody(t *testing.T) {
	e := newTestExecutor(t, func(w http.ResponseWriter, _ *http.Request) {
		_, _ = io.WriteString(w, `<html>`)
	})

	_, err := e.Do(context.Background(), Request{Path: "x"})
	var protoErr *herrors.ProtocolError
	assert.True(t, errors.As(err, &protoErr))
}

func TestDo_TransportError(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	srv.Close()

	e, err := New(srv.URL)
	require.NoError(t, err)

	_, err = e.Do(context.Background(), Request{Path: "x"})
	var transportErr *herrors.TransportError
	assert.True(t, errors.As(err, &transportErr))
}

func TestDo_Metrics(t *testing.T) {
	m := metrics.New(prometheus.NewRegistry(), nil)
	e := newTestExecutor(t, func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}, WithMetrics(m))

	_, err := e.Do(context.Background(), Request{Path: "1/token/current"})
	require.NoError(t, err)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.HTTPRequestsTotal.WithLabelValues("GET", "1/token/current", "200")))
}

func TestNew_InvalidBaseURL(t *testing.T) {
	_, err := New("not a url")
	assert.Error(t, err)

	e, err := New("https://api.hoomi.co")
	require.NoError(t, err)
	assert.Equal(t, "https://api.hoomi.co/", e.BaseURL())
}
