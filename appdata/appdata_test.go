package appdata_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.pilab.hu/hoomi/appdata"
	herrors "go.pilab.hu/hoomi/errors"
	"go.pilab.hu/hoomi/httpclient"
	"go.pilab.hu/hoomi/token"
)

// dataServer is a fake app data resource with If-Match semantics.
type dataServer struct {
	mu       sync.Mutex
	data     map[string]any
	version  int
	noETag   bool
	lastAuth string
}

func (s *dataServer) eTag() string {
	return fmt.Sprintf("v%d", s.version)
}

func (s *dataServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if r.URL.Path != "/1/user/current/app/data" {
		http.NotFound(w, r)
		return
	}
	s.lastAuth = r.Header.Get("Authorization")

	switch r.Method {
	case http.MethodGet:
		if !s.noETag {
			w.Header().Set("ETag", s.eTag())
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"data": s.data})
	case http.MethodPut:
		if match := r.Header.Get("If-Match"); match != "*" && match != s.eTag() {
			w.WriteHeader(http.StatusPreconditionFailed)
			return
		}
		var body struct {
			Data map[string]any `json:"data"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		s.data = body.Data
		s.version++
		if !s.noETag {
			w.Header().Set("ETag", s.eTag())
		}
		w.WriteHeader(http.StatusNoContent)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

type currentToken struct{ tok *token.AccessToken }

func (c currentToken) CurrentToken(context.Context) (*token.AccessToken, error) {
	return c.tok, nil
}

func newTestClient(t *testing.T, srv *dataServer, current *token.AccessToken) *appdata.Client {
	t.Helper()
	hs := httptest.NewServer(srv)
	t.Cleanup(hs.Close)

	e, err := httpclient.New(hs.URL)
	require.NoError(t, err)
	return appdata.New(e, currentToken{tok: current})
}

func TestGetSet_OptimisticConcurrency(t *testing.T) {
	ctx := context.Background()
	srv := &dataServer{data: map[string]any{"x": 1.0}, version: 1}
	c := newTestClient(t, srv, token.New("T"))

	got, err := c.Get(ctx, nil)
	require.NoError(t, err)
	assert.Equal(t, &appdata.AppData{Data: map[string]any{"x": 1.0}, ETag: "v1"}, got)
	assert.Equal(t, "Bearer T", srv.lastAuth)

	got.Data["x"] = 2.0
	updated, err := c.Set(ctx, nil, got.Data, got.ETag)
	require.NoError(t, err)
	assert.Equal(t, &appdata.AppData{Data: map[string]any{"x": 2.0}, ETag: "v2"}, updated)
}

func TestSet_StaleETag(t *testing.T) {
	ctx := context.Background()
	srv := &dataServer{data: map[string]any{"x": 1.0}, version: 1}
	c := newTestClient(t, srv, token.New("T"))

	got, err := c.Get(ctx, nil)
	require.NoError(t, err)

	// Someone else wrote in the meantime.
	srv.mu.Lock()
	srv.version = 9
	srv.mu.Unlock()

	local := map[string]any{"x": 2.0, "nested": map[string]any{"a": []any{1.0}}}
	_, err = c.Set(ctx, nil, local, got.ETag)

	var conflict *herrors.PreconditionFailedError
	require.True(t, errors.As(err, &conflict))
	assert.Equal(t, "v1", conflict.ETag)
	assert.True(t, errors.Is(err, herrors.ErrPreconditionFailed))
	assert.Equal(t, map[string]any{"x": 2.0, "nested": map[string]any{"a": []any{1.0}}}, local)

	srv.mu.Lock()
	assert.Equal(t, map[string]any{"x": 1.0}, srv.data)
	srv.mu.Unlock()
}

func TestSet_WildcardAlwaysSucceeds(t *testing.T) {
	ctx := context.Background()
	srv := &dataServer{data: map[string]any{}, version: 41}
	c := newTestClient(t, srv, token.New("T"))

	for _, eTag := range []string{"*", ""} {
		got, err := c.Set(ctx, nil, map[string]any{"k": "v"}, eTag)
		require.NoError(t, err)
		assert.Equal(t, map[string]any{"k": "v"}, got.Data)
	}
	got, err := c.Get(ctx, nil)
	require.NoError(t, err)
	assert.Equal(t, "v43", got.ETag)
}

func TestSet_ReturnsCopy(t *testing.T) {
	srv := &dataServer{data: map[string]any{}, version: 1}
	c := newTestClient(t, srv, token.New("T"))

	data := map[string]any{"list": []any{"a"}}
	got, err := c.Set(context.Background(), nil, data, "*")
	require.NoError(t, err)

	got.Data["list"].([]any)[0] = "changed"
	assert.Equal(t, []any{"a"}, data["list"])
}

func TestMissingETag(t *testing.T) {
	ctx := context.Background()
	srv := &dataServer{data: map[string]any{"x": 1.0}, version: 1, noETag: true}
	c := newTestClient(t, srv, token.New("T"))

	got, err := c.Get(ctx, nil)
	assert.Nil(t, got)
	var protoErr *herrors.ProtocolError
	require.True(t, errors.As(err, &protoErr))
	assert.Equal(t, "ETag", protoErr.Field)

	_, err = c.Set(ctx, nil, map[string]any{}, "*")
	assert.True(t, errors.As(err, &protoErr))
}

func TestGet_MissingData(t *testing.T) {
	hs := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("ETag", "v1")
		_, _ = w.Write([]byte(`{}`))
	}))
	defer hs.Close()

	e, err := httpclient.New(hs.URL)
	require.NoError(t, err)

	_, err = appdata.New(e, nil).Get(context.Background(), token.New("T"))
	var protoErr *herrors.ProtocolError
	require.True(t, errors.As(err, &protoErr))
	assert.Equal(t, "data", protoErr.Field)
}

func TestTokenResolution(t *testing.T) {
	ctx := context.Background()
	srv := &dataServer{data: map[string]any{}, version: 1}

	explicit := newTestClient(t, srv, token.New("current"))
	_, err := explicit.Get(ctx, token.New("explicit"))
	require.NoError(t, err)
	assert.Equal(t, "Bearer explicit", srv.lastAuth)

	_, err = explicit.Get(ctx, nil)
	require.NoError(t, err)
	assert.Equal(t, "Bearer current", srv.lastAuth)

	loggedOut := newTestClient(t, srv, nil)
	_, err = loggedOut.Get(ctx, nil)
	assert.ErrorIs(t, err, herrors.ErrNoToken)
	_, err = loggedOut.Set(ctx, nil, map[string]any{}, "*")
	assert.ErrorIs(t, err, herrors.ErrNoToken)
}
