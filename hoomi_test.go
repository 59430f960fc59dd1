package hoomi_test

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.pilab.hu/hoomi"
	"go.pilab.hu/hoomi/config"
	herrors "go.pilab.hu/hoomi/errors"
	"go.pilab.hu/hoomi/storage/memory"
	"go.pilab.hu/hoomi/token"
)

const (
	appID       = "app"
	redirectURI = "app://cb"
)

// fakeHoomi implements the endpoints a Client talks to.
type fakeHoomi struct {
	provisions atomic.Int32

	mu        sync.Mutex
	data      map[string]any
	version   int
	infoAppID string
}

func (f *fakeHoomi) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	writeJSON := func(v any) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(v)
	}

	switch r.Method + " " + r.URL.Path {
	case "POST /1/authz/provision_client":
		f.provisions.Add(1)
		writeJSON(map[string]any{"client_id": "cid", "client_secret": "secret", "expires_in": 7200})
	case "POST /1/authz/token":
		if err := r.ParseForm(); err != nil || r.PostForm.Get("code") != "good" {
			w.WriteHeader(http.StatusBadRequest)
			writeJSON(map[string]any{"error": "invalid_grant"})
			return
		}
		writeJSON(map[string]any{
			"access_token": "T",
			"scope":        "user:app:data:read user:app:data:write",
			"expires_in":   3600,
		})
	case "GET /1/token/current":
		f.mu.Lock()
		appID := f.infoAppID
		f.mu.Unlock()
		writeJSON(map[string]any{
			"token":          "T",
			"application_id": appID,
			"issued":         "2026-01-01T00:00:00.000Z",
			"expires":        "2030-01-01T00:00:00",
			"scopes":         []string{"a", "b"},
			"user_id":        "u1",
		})
	case "GET /1/user/current/app/data":
		f.mu.Lock()
		defer f.mu.Unlock()
		w.Header().Set("ETag", etag(f.version))
		writeJSON(map[string]any{"data": f.data})
	case "PUT /1/user/current/app/data":
		f.mu.Lock()
		defer f.mu.Unlock()
		if m := r.Header.Get("If-Match"); m != "*" && m != etag(f.version) {
			w.WriteHeader(http.StatusPreconditionFailed)
			return
		}
		var body struct {
			Data map[string]any `json:"data"`
		}
		_ = json.NewDecoder(r.Body).Decode(&body)
		f.data = body.Data
		f.version++
		w.Header().Set("ETag", etag(f.version))
		w.WriteHeader(http.StatusOK)
	default:
		http.NotFound(w, r)
	}
}

func etag(v int) string {
	return fmt.Sprintf("v%d", v)
}

// redirectLauncher plays the user approving the request in the dialog.
type redirectLauncher struct {
	code    string
	deliver func(ctx context.Context, callbackURL string) error
}

func (l *redirectLauncher) BaseURL() string                { return "https://dialog.test/" }
func (l *redirectLauncher) Available(context.Context) bool { return true }

func (l *redirectLauncher) Launch(_ context.Context, rawURL string) error {
	u, err := url.Parse(rawURL)
	if err != nil {
		return err
	}
	q := u.Query()
	callback := q.Get("redirect_uri") + "?code=" + l.code + "&state=" + q.Get("state")
	go func() { _ = l.deliver(context.Background(), callback) }()
	return nil
}

func testConfig(apiURL string) *config.Config {
	return &config.Config{
		ApplicationID:    appID,
		APIBaseURL:       apiURL,
		DialogBaseURL:    "https://dialog.hoomi.co/",
		NativeBaseURL:    "hoomi://hoomi/",
		Platform:         "android",
		AuthorizationTTL: time.Minute,
		HTTPTimeout:      5 * time.Second,
		StorageBackend:   config.BackendMemory,
	}
}

func newClient(t *testing.T, fake *fakeHoomi, opts ...hoomi.Option) *hoomi.Client {
	t.Helper()
	srv := httptest.NewServer(fake)
	t.Cleanup(srv.Close)

	c, err := hoomi.New(context.Background(), testConfig(srv.URL), opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func TestClient_LoginAndAppData(t *testing.T) {
	ctx := context.Background()
	fake := &fakeHoomi{data: map[string]any{"x": 1.0}, version: 1, infoAppID: appID}
	launcher := &redirectLauncher{code: "good"}
	reg := prometheus.NewRegistry()
	var auditLog bytes.Buffer

	c := newClient(t, fake,
		hoomi.WithLaunchers(launcher),
		hoomi.WithRegisterer(reg),
		hoomi.WithAuditWriter(&auditLog),
		hoomi.WithoutWarmup(),
	)
	launcher.deliver = c.HandleCallback

	authCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	tok, err := c.Authorize(authCtx, redirectURI, []string{"user:app:data:read", "user:app:data:write"})
	require.NoError(t, err)
	assert.Equal(t, "T", tok.TokenString())
	assert.True(t, tok.HasScope("user:app:data:write"))

	current, err := c.CurrentToken(ctx)
	require.NoError(t, err)
	assert.True(t, tok.Equal(current))

	got, err := c.GetAppData(ctx, nil)
	require.NoError(t, err)
	assert.Equal(t, "v1", got.ETag)

	got.Data["x"] = 2.0
	updated, err := c.SetAppData(ctx, nil, got.Data, got.ETag)
	require.NoError(t, err)
	assert.Equal(t, "v2", updated.ETag)

	_, err = c.SetAppData(ctx, nil, map[string]any{"x": 3.0}, "v1")
	assert.ErrorIs(t, err, herrors.ErrPreconditionFailed)

	families, err := reg.Gather()
	require.NoError(t, err)
	names := map[string]bool{}
	for _, mf := range families {
		names[mf.GetName()] = true
	}
	assert.True(t, names["hoomi_http_requests_total"])
	assert.True(t, names["hoomi_authorizations_total"])
	assert.True(t, names["hoomi_appdata_conflicts_total"])

	require.NoError(t, c.LogOut(ctx))
	_, err = c.GetAppData(ctx, nil)
	assert.ErrorIs(t, err, herrors.ErrNoToken)
	assert.Equal(t, int32(1), fake.provisions.Load())

	assert.Contains(t, auditLog.String(), `"action":"login"`)
	assert.Contains(t, auditLog.String(), `"action":"logout"`)
}

func TestClient_TokenInformation(t *testing.T) {
	ctx := context.Background()

	t.Run("refreshes the current token", func(t *testing.T) {
		c := newClient(t, &fakeHoomi{infoAppID: appID}, hoomi.WithoutWarmup())
		require.NoError(t, c.SetCurrentToken(ctx, token.New("T")))

		info, err := c.TokenInformation(ctx, nil)
		require.NoError(t, err)
		assert.Equal(t, appID, info.ApplicationID)
		assert.Equal(t, "u1", info.UserID)
		assert.False(t, info.IssuedToAuthenticatedClient)
		assert.Equal(t, time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC), info.Issued.UTC())

		current, err := c.CurrentToken(ctx)
		require.NoError(t, err)
		assert.Equal(t, []string{"a", "b"}, current.KnownScopes())
		require.NotNil(t, current.KnownExpiration())
		assert.Equal(t, time.Date(2030, 1, 1, 0, 0, 0, 0, time.UTC), current.KnownExpiration().UTC())
	})

	t.Run("other application leaves the current token alone", func(t *testing.T) {
		c := newClient(t, &fakeHoomi{infoAppID: "someone-else"}, hoomi.WithoutWarmup())
		require.NoError(t, c.SetCurrentToken(ctx, token.New("T")))

		_, err := c.TokenInformation(ctx, nil)
		require.NoError(t, err)

		current, err := c.CurrentToken(ctx)
		require.NoError(t, err)
		assert.Nil(t, current.KnownScopes())
	})

	t.Run("explicit token does not become current", func(t *testing.T) {
		c := newClient(t, &fakeHoomi{infoAppID: appID}, hoomi.WithoutWarmup())

		info, err := c.TokenInformation(ctx, token.New("T"))
		require.NoError(t, err)
		assert.Equal(t, "T", info.Token.TokenString())

		current, err := c.CurrentToken(ctx)
		require.NoError(t, err)
		assert.Nil(t, current)
	})

	t.Run("logged out", func(t *testing.T) {
		c := newClient(t, &fakeHoomi{}, hoomi.WithoutWarmup())
		_, err := c.TokenInformation(ctx, nil)
		assert.ErrorIs(t, err, herrors.ErrNoToken)
	})
}

func TestClient_Warmup(t *testing.T) {
	fake := &fakeHoomi{}
	newClient(t, fake)

	assert.Eventually(t, func() bool { return fake.provisions.Load() == 1 }, 2*time.Second, 10*time.Millisecond)
}

func TestClient_SharedStoreIsolatesApplications(t *testing.T) {
	ctx := context.Background()
	shared := memory.New()
	defer shared.Close()

	srv := httptest.NewServer(&fakeHoomi{})
	defer srv.Close()

	cfgA := testConfig(srv.URL)
	cfgB := testConfig(srv.URL)
	cfgB.ApplicationID = "other"

	a, err := hoomi.New(ctx, cfgA, hoomi.WithStore(shared), hoomi.WithoutWarmup())
	require.NoError(t, err)
	b, err := hoomi.New(ctx, cfgB, hoomi.WithStore(shared), hoomi.WithoutWarmup())
	require.NoError(t, err)

	require.NoError(t, a.SetCurrentToken(ctx, token.New("A")))

	tok, err := b.CurrentToken(ctx)
	require.NoError(t, err)
	assert.Nil(t, tok)
}

func TestNew_InvalidConfig(t *testing.T) {
	cfg := testConfig("https://api.hoomi.co/")
	cfg.ApplicationID = ""

	_, err := hoomi.New(context.Background(), cfg)
	assert.Error(t, err)
}
