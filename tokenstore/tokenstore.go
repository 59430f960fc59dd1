// Package tokenstore persists the current access token and the provisioned
// client credential of one application installation.
package tokenstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"go.pilab.hu/hoomi/client"
	herrors "go.pilab.hu/hoomi/errors"
	"go.pilab.hu/hoomi/log"
	"go.pilab.hu/hoomi/storage"
	"go.pilab.hu/hoomi/token"
	"golang.org/x/oauth2"
)

const (
	currentTokenKey     = "currentToken"
	clientCredentialKey = "cachedClientId"
)

// Namespace returns the key prefix isolating one application's state.
func Namespace(applicationID string) string {
	return "hoomi|" + applicationID + "|"
}

// Store caches the persisted values in memory after the first read.
// All methods are safe for concurrent use.
type Store struct {
	kv     storage.Store
	logger log.Logger

	mu          sync.RWMutex
	tokenLoaded bool
	token       *token.AccessToken
	credLoaded  bool
	cred        *client.Credential
}

// New creates a Store over kv. kv should already be namespaced for the application.
func New(kv storage.Store, logger log.Logger) *Store {
	if logger == nil {
		logger = log.Nop()
	}
	return &Store{kv: kv, logger: logger}
}

// CurrentToken returns the current token, or nil when the user is logged out.
func (s *Store) CurrentToken(ctx context.Context) (*token.AccessToken, error) {
	s.mu.RLock()
	if s.tokenLoaded {
		defer s.mu.RUnlock()
		return s.token, nil
	}
	s.mu.RUnlock()

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.tokenLoaded {
		return s.token, nil
	}

	data, err := s.kv.Get(ctx, currentTokenKey)
	if errors.Is(err, storage.ErrNotFound) {
		s.tokenLoaded = true
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load current token: %w", err)
	}

	tok, err := token.Deserialize(data)
	if err != nil {
		return nil, err
	}
	s.token = tok
	s.tokenLoaded = true
	return tok, nil
}

// SetCurrentToken replaces the current token. A nil token clears it and deletes
// the persisted entry. The in-memory value only changes once persistence succeeded.
func (s *Store) SetCurrentToken(ctx context.Context, tok *token.AccessToken) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if tok == nil {
		if err := s.kv.Delete(ctx, currentTokenKey); err != nil {
			return fmt.Errorf("failed to delete current token: %w", err)
		}
	} else {
		data, err := token.Serialize(tok)
		if err != nil {
			return fmt.Errorf("failed to encode current token: %w", err)
		}
		if err := s.kv.Put(ctx, currentTokenKey, data, 0); err != nil {
			return fmt.Errorf("failed to persist current token: %w", err)
		}
	}

	s.token = tok
	s.tokenLoaded = true
	s.logger.Debug(ctx, "current token updated", log.Fields{"present": tok != nil})
	return nil
}

// ClientCredential returns the cached credential, or nil when none is stored.
// A corrupt persisted record is treated as absent.
func (s *Store) ClientCredential(ctx context.Context) (*client.Credential, error) {
	s.mu.RLock()
	if s.credLoaded {
		defer s.mu.RUnlock()
		return s.cred, nil
	}
	s.mu.RUnlock()

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.credLoaded {
		return s.cred, nil
	}

	data, err := s.kv.Get(ctx, clientCredentialKey)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return nil, fmt.Errorf("failed to load client credential: %w", err)
	}
	if err == nil {
		cred, decodeErr := client.Decode(data)
		if decodeErr != nil {
			s.logger.Warn(ctx, "ignoring corrupt client credential record", log.Fields{"error": decodeErr.Error()})
		} else {
			s.cred = cred
		}
	}
	s.credLoaded = true
	return s.cred, nil
}

// SetClientCredential replaces the cached credential. nil clears it.
func (s *Store) SetClientCredential(ctx context.Context, cred *client.Credential) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if cred == nil {
		if err := s.kv.Delete(ctx, clientCredentialKey); err != nil {
			return fmt.Errorf("failed to delete client credential: %w", err)
		}
	} else {
		data, err := json.Marshal(cred)
		if err != nil {
			return fmt.Errorf("failed to encode client credential: %w", err)
		}
		if err := s.kv.Put(ctx, clientCredentialKey, data, 0); err != nil {
			return fmt.Errorf("failed to persist client credential: %w", err)
		}
	}

	s.cred = cred
	s.credLoaded = true
	return nil
}

// TokenSource exposes the current token as an oauth2.TokenSource, so it can
// drive an oauth2.NewClient HTTP client. It fails with ErrNoToken when logged out.
func (s *Store) TokenSource(ctx context.Context) oauth2.TokenSource {
	return &tokenSource{ctx: ctx, store: s}
}

type tokenSource struct {
	ctx   context.Context //nolint:containedctx
	store *Store
}

func (ts *tokenSource) Token() (*oauth2.Token, error) {
	tok, err := ts.store.CurrentToken(ts.ctx)
	if err != nil {
		return nil, err
	}
	if tok == nil {
		return nil, herrors.ErrNoToken
	}
	return tok.OAuth2(), nil
}
