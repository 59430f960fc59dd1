package authflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	herrors "go.pilab.hu/hoomi/errors"
	"go.pilab.hu/hoomi/internal/metrics"
	"go.pilab.hu/hoomi/internal/promise"
	"go.pilab.hu/hoomi/storage"
	"go.pilab.hu/hoomi/token"
)

const stateKeyPrefix = "state:"

// Pending is an authorization request waiting for its redirect.
type Pending struct {
	State        string
	RedirectURI  string
	ClientID     string
	ClientSecret string
	// URL is the authorization URL that was launched.
	URL       string
	CreatedAt time.Time
	ExpiresAt time.Time

	// nil when the pending was restored from durable storage after a restart
	result *promise.Promise[*token.AccessToken]
}

// Wait blocks until the authorization completes or ctx ends. Pendings restored
// after a restart have nobody to wait on them and return ErrUnknownState.
func (p *Pending) Wait(ctx context.Context) (*token.AccessToken, error) {
	if p.result == nil {
		return nil, herrors.ErrUnknownState
	}
	return p.result.Wait(ctx)
}

// Done is closed once the authorization completed.
func (p *Pending) Done() <-chan struct{} {
	if p.result == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return p.result.Done()
}

func (p *Pending) expired(now time.Time) bool {
	return !now.Before(p.ExpiresAt)
}

func (p *Pending) resolve(tok *token.AccessToken) {
	if p.result != nil {
		p.result.Resolve(tok)
	}
}

func (p *Pending) reject(err error) {
	if p.result != nil {
		p.result.Reject(err)
	}
}

type pendingRecord struct {
	ClientID     string `json:"clientId"`
	ClientSecret string `json:"clientSecret,omitempty"`
	RedirectURI  string `json:"redirectUri"`
	CreatedAt    int64  `json:"createdAt"`
	ExpiresAt    int64  `json:"expiresAt"`
}

func encodePending(p *Pending) ([]byte, error) {
	return json.Marshal(pendingRecord{
		ClientID:     p.ClientID,
		ClientSecret: p.ClientSecret,
		RedirectURI:  p.RedirectURI,
		CreatedAt:    p.CreatedAt.UnixMilli(),
		ExpiresAt:    p.ExpiresAt.UnixMilli(),
	})
}

func decodePending(state string, data []byte) (*Pending, error) {
	var rec pendingRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, &herrors.ProtocolError{Field: "pending", Msg: "malformed pending authorization record", Err: err}
	}
	if rec.ClientID == "" || rec.RedirectURI == "" {
		return nil, herrors.NewProtocolError("pending", "incomplete pending authorization record")
	}
	return &Pending{
		State:        state,
		RedirectURI:  rec.RedirectURI,
		ClientID:     rec.ClientID,
		ClientSecret: rec.ClientSecret,
		CreatedAt:    time.UnixMilli(rec.CreatedAt),
		ExpiresAt:    time.UnixMilli(rec.ExpiresAt),
	}, nil
}

// pendingStore keeps pendings in durable storage, which is the source of truth,
// with the in-process promises cached in a map beside it. Every mutation holds
// mu, so a state is handed out by take at most once per process; the durable
// Take makes it at most once across processes sharing the storage.
type pendingStore struct {
	kv      storage.Store
	metrics *metrics.Metrics

	mu      sync.Mutex
	entries map[string]*Pending
}

func newPendingStore(kv storage.Store, m *metrics.Metrics) *pendingStore {
	return &pendingStore{kv: kv, metrics: m, entries: make(map[string]*Pending)}
}

func (s *pendingStore) register(ctx context.Context, p *Pending, ttl time.Duration) error {
	data, err := encodePending(p)
	if err != nil {
		return fmt.Errorf("failed to encode pending authorization: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.kv.Put(ctx, stateKeyPrefix+p.State, data, ttl); err != nil {
		return fmt.Errorf("failed to persist pending authorization: %w", err)
	}
	s.entries[p.State] = p
	s.metrics.PendingChanged(1)
	return nil
}

// peek looks a state up without consuming it.
func (s *pendingStore) peek(ctx context.Context, state string) (*Pending, error) {
	s.mu.Lock()
	p, ok := s.entries[state]
	s.mu.Unlock()
	if ok {
		return p, nil
	}

	data, err := s.kv.Get(ctx, stateKeyPrefix+state)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, herrors.ErrUnknownState
	}
	if err != nil {
		return nil, err
	}
	return decodePending(state, data)
}

// take removes state from memory and durable storage and returns it. The
// in-memory entry (which carries the promise) is preferred over the durable copy.
//
// A live in-memory entry whose durable record is gone was consumed by another
// process sharing the storage; it is dropped and reported unknown. Once past
// its expiry the durable record may simply have aged out, so it is returned
// for the caller to reject.
func (s *pendingStore) take(ctx context.Context, state string, now time.Time) (*Pending, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := s.kv.Take(ctx, stateKeyPrefix+state)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return nil, err
	}
	found := err == nil

	if p, ok := s.entries[state]; ok {
		delete(s.entries, state)
		s.metrics.PendingChanged(-1)
		if !found && !p.expired(now) {
			return nil, herrors.ErrUnknownState
		}
		return p, nil
	}
	if !found {
		return nil, herrors.ErrUnknownState
	}
	return decodePending(state, data)
}

// states lists every known state, in memory or durable.
func (s *pendingStore) states(ctx context.Context) ([]string, error) {
	keys, err := s.kv.Keys(ctx, stateKeyPrefix)
	if err != nil {
		return nil, err
	}

	seen := make(map[string]struct{}, len(keys))
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		state := strings.TrimPrefix(k, stateKeyPrefix)
		seen[state] = struct{}{}
		out = append(out, state)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for state := range s.entries {
		if _, ok := seen[state]; !ok {
			out = append(out, state)
		}
	}
	return out, nil
}
