package provision_test

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.pilab.hu/hoomi/client"
	herrors "go.pilab.hu/hoomi/errors"
	"go.pilab.hu/hoomi/httpclient"
	"go.pilab.hu/hoomi/provision"
	mock_provision "go.pilab.hu/hoomi/provision/mock"
	"go.pilab.hu/hoomi/storage"
	"go.pilab.hu/hoomi/storage/memory"
	"go.pilab.hu/hoomi/tokenstore"
	"go.uber.org/mock/gomock"
)

const webClientID = "web-client.apps.example.com"

type fakeServer struct {
	anonymous     atomic.Int32
	authenticated atomic.Int32
	lastBody      atomic.Value
	delay         time.Duration
	status        int
	response      map[string]any
}

func (f *fakeServer) handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/1/authz/provision_client":
			f.anonymous.Add(1)
		case "/1/authz/provision_android_client":
			f.authenticated.Add(1)
		default:
			http.NotFound(w, r)
			return
		}
		body, _ := io.ReadAll(r.Body)
		f.lastBody.Store(string(body))

		time.Sleep(f.delay)
		if f.status != 0 {
			w.WriteHeader(f.status)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(f.response)
	}
}

type fixture struct {
	server      *fakeServer
	executor    *httpclient.Executor
	store       *tokenstore.Store
	kv          storage.Store
	provisioner *provision.Provisioner
}

func newFixture(t *testing.T, response map[string]any, opts ...provision.Option) *fixture {
	t.Helper()
	f := &fixture{server: &fakeServer{response: response}}

	srv := httptest.NewServer(f.server.handler())
	t.Cleanup(srv.Close)

	var err error
	f.executor, err = httpclient.New(srv.URL)
	require.NoError(t, err)

	backend := memory.New()
	t.Cleanup(func() { _ = backend.Close() })
	f.kv = storage.Namespace(backend, tokenstore.Namespace("app"))
	f.store = tokenstore.New(f.kv, nil)
	f.provisioner = provision.New("app", f.executor, f.store, opts...)
	return f
}

func signedAssertion(t *testing.T, claims jwt.MapClaims) string {
	t.Helper()
	s, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("test-key"))
	require.NoError(t, err)
	return s
}

func TestProvision_Anonymous(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, map[string]any{"client_id": "cid", "expires_in": 7200})

	cred, err := f.provisioner.Provision(ctx)
	require.NoError(t, err)
	assert.Equal(t, "cid", cred.ClientID)
	assert.False(t, cred.HasSecret())
	assert.WithinDuration(t, time.Now().Add(time.Hour), cred.ExpiresAt, 5*time.Second)
	assert.JSONEq(t, `{"application_id":"app"}`, f.server.lastBody.Load().(string))

	// Served from the cache afterwards.
	again, err := f.provisioner.Provision(ctx)
	require.NoError(t, err)
	assert.Equal(t, cred.ClientID, again.ClientID)
	assert.Equal(t, int32(1), f.server.anonymous.Load())

	stored, err := f.store.ClientCredential(ctx)
	require.NoError(t, err)
	assert.Equal(t, "cid", stored.ClientID)
}

func TestProvision_ConcurrentCallersShareOneRequest(t *testing.T) {
	f := newFixture(t, map[string]any{"client_id": "cid", "expires_in": 7200})
	f.server.delay = 50 * time.Millisecond

	var wg sync.WaitGroup
	results := make([]*client.Credential, 10)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			cred, err := f.provisioner.Provision(context.Background())
			assert.NoError(t, err)
			results[i] = cred
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int32(1), f.server.anonymous.Load())
	for _, cred := range results {
		require.NotNil(t, cred)
		assert.Equal(t, "cid", cred.ClientID)
	}
}

func TestProvision_CancelledCallerDoesNotFailOthers(t *testing.T) {
	f := newFixture(t, map[string]any{"client_id": "cid", "expires_in": 7200})
	f.server.delay = 100 * time.Millisecond

	cancelled, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		_, err := f.provisioner.Provision(cancelled)
		errCh <- err
	}()
	time.Sleep(10 * time.Millisecond)
	cancel()

	cred, err := f.provisioner.Provision(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "cid", cred.ClientID)
	assert.ErrorIs(t, <-errCh, context.Canceled)
	assert.Equal(t, int32(1), f.server.anonymous.Load())
}

func TestProvision_MissingExpiresInIsImmediatelyStale(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, map[string]any{"client_id": "cid"})

	_, err := f.provisioner.Provision(ctx)
	require.NoError(t, err)
	_, err = f.provisioner.Provision(ctx)
	require.NoError(t, err)

	assert.Equal(t, int32(2), f.server.anonymous.Load())
}

func TestProvision_FailureLeavesCacheUntouched(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	f.server.status = http.StatusInternalServerError

	stale := &client.Credential{ClientID: "old", ExpiresAt: time.Now().Add(-time.Minute)}
	require.NoError(t, f.store.SetClientCredential(ctx, stale))

	_, err := f.provisioner.Provision(ctx)
	var statusErr *herrors.HTTPStatusError
	require.True(t, errors.As(err, &statusErr))

	stored, err := f.store.ClientCredential(ctx)
	require.NoError(t, err)
	assert.Equal(t, "old", stored.ClientID)
}

func TestProvision_MalformedResponsePersistsNothing(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, map[string]any{"client_secret": "s"})

	_, err := f.provisioner.Provision(ctx)
	var protoErr *herrors.ProtocolError
	require.True(t, errors.As(err, &protoErr))

	_, err = f.kv.Get(ctx, "cachedClientId")
	assert.True(t, errors.Is(err, storage.ErrNotFound))
}

func TestProvision_Authenticated(t *testing.T) {
	ctx := context.Background()
	ctrl := gomock.NewController(t)
	asserter := mock_provision.NewMockIdentityAsserter(ctrl)

	assertion := signedAssertion(t, jwt.MapClaims{
		"aud": webClientID,
		"exp": time.Now().Add(time.Hour).Unix(),
	})
	asserter.EXPECT().Assertion(gomock.Any(), webClientID).Return(assertion, nil)

	f := newFixture(t, map[string]any{"client_id": "cid", "client_secret": "sec", "expires_in": 7200},
		provision.WithIdentityAsserter(asserter, webClientID))

	cred, err := f.provisioner.Provision(ctx)
	require.NoError(t, err)
	assert.Equal(t, "sec", cred.ClientSecret)
	assert.Equal(t, int32(1), f.server.authenticated.Load())
	assert.Equal(t, int32(0), f.server.anonymous.Load())
	assert.JSONEq(t, `{"application_id":"app","token":"`+assertion+`"}`, f.server.lastBody.Load().(string))
}

func TestProvision_AssertionUnavailableFallsBackToAnonymous(t *testing.T) {
	expired := func(t *testing.T) string {
		return signedAssertion(t, jwt.MapClaims{"exp": time.Now().Add(-time.Minute).Unix()})
	}
	wrongAudience := func(t *testing.T) string {
		return signedAssertion(t, jwt.MapClaims{"aud": "someone-else"})
	}

	tests := []struct {
		name      string
		assertion func(t *testing.T) string
		err       error
	}{
		{name: "asserter error", err: errors.New("no device account")},
		{name: "not a jwt", assertion: func(*testing.T) string { return "garbage" }},
		{name: "expired", assertion: expired},
		{name: "wrong audience", assertion: wrongAudience},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctrl := gomock.NewController(t)
			asserter := mock_provision.NewMockIdentityAsserter(ctrl)
			var value string
			if tt.assertion != nil {
				value = tt.assertion(t)
			}
			asserter.EXPECT().Assertion(gomock.Any(), webClientID).Return(value, tt.err)

			f := newFixture(t, map[string]any{"client_id": "cid", "expires_in": 7200},
				provision.WithIdentityAsserter(asserter, webClientID))

			cred, err := f.provisioner.Provision(context.Background())
			require.NoError(t, err)
			assert.Equal(t, "cid", cred.ClientID)
			assert.Equal(t, int32(1), f.server.anonymous.Load())
			assert.Equal(t, int32(0), f.server.authenticated.Load())
		})
	}
}

func TestProvision_AuthenticatedHTTPErrorPropagates(t *testing.T) {
	ctrl := gomock.NewController(t)
	asserter := mock_provision.NewMockIdentityAsserter(ctrl)
	asserter.EXPECT().Assertion(gomock.Any(), webClientID).
		Return(signedAssertion(t, jwt.MapClaims{"aud": webClientID}), nil)

	f := newFixture(t, nil, provision.WithIdentityAsserter(asserter, webClientID))
	f.server.status = http.StatusForbidden

	_, err := f.provisioner.Provision(context.Background())
	var statusErr *herrors.HTTPStatusError
	require.True(t, errors.As(err, &statusErr))
	assert.Equal(t, http.StatusForbidden, statusErr.StatusCode)
	assert.Equal(t, int32(0), f.server.anonymous.Load())
}

func TestProvision_StrengthensCredentialWithoutSecret(t *testing.T) {
	ctx := context.Background()
	ctrl := gomock.NewController(t)
	asserter := mock_provision.NewMockIdentityAsserter(ctrl)
	asserter.EXPECT().Assertion(gomock.Any(), webClientID).
		Return(signedAssertion(t, jwt.MapClaims{"aud": webClientID}), nil)

	f := newFixture(t, map[string]any{"client_id": "strong", "client_secret": "sec", "expires_in": 7200},
		provision.WithIdentityAsserter(asserter, webClientID))

	fresh := &client.Credential{ClientID: "weak", ExpiresAt: time.Now().Add(time.Hour)}
	require.NoError(t, f.store.SetClientCredential(ctx, fresh))

	cred, err := f.provisioner.Provision(ctx)
	require.NoError(t, err)
	assert.Equal(t, "strong", cred.ClientID)
}

func TestProvision_StoreError(t *testing.T) {
	ctrl := gomock.NewController(t)
	store := mock_provision.NewMockCredentialStore(ctrl)
	boom := errors.New("disk on fire")
	store.EXPECT().ClientCredential(gomock.Any()).Return(nil, boom)

	p := provision.New("app", nil, store)
	_, err := p.Provision(context.Background())
	assert.ErrorIs(t, err, boom)
}

func TestWarm(t *testing.T) {
	f := newFixture(t, map[string]any{"client_id": "cid", "expires_in": 7200})

	f.provisioner.Warm(context.Background())
	require.Eventually(t, func() bool {
		cred, err := f.store.ClientCredential(context.Background())
		return err == nil && cred != nil
	}, 2*time.Second, 10*time.Millisecond)
}
