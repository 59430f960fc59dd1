// Package memory is a process-local storage.Store backed by ttlcache.
// Nothing survives a restart; use it for tests and ephemeral embeddings.
package memory

import (
	"context"
	"strings"
	"time"

	"github.com/jellydator/ttlcache/v3"
	"go.pilab.hu/hoomi/storage"
)

// Store implements storage.Store using ttlcache.
type Store struct {
	cache *ttlcache.Cache[string, []byte]
}

var _ storage.Store = (*Store)(nil)

// New creates an in-memory store and starts its expiry loop.
func New() *Store {
	cache := ttlcache.New(
		ttlcache.WithDisableTouchOnHit[string, []byte](),
	)

	go cache.Start()

	return &Store{cache: cache}
}

func (s *Store) Get(_ context.Context, key string) ([]byte, error) {
	item := s.cache.Get(key)
	if item == nil {
		return nil, storage.ErrNotFound
	}
	return clone(item.Value()), nil
}

func (s *Store) Put(_ context.Context, key string, value []byte, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = ttlcache.NoTTL
	}
	s.cache.Set(key, clone(value), ttl)
	return nil
}

func (s *Store) Delete(_ context.Context, key string) error {
	s.cache.Delete(key)
	return nil
}

func (s *Store) Take(_ context.Context, key string) ([]byte, error) {
	item, ok := s.cache.GetAndDelete(key)
	if !ok || item == nil || item.IsExpired() {
		return nil, storage.ErrNotFound
	}
	return item.Value(), nil
}

func (s *Store) Keys(_ context.Context, prefix string) ([]string, error) {
	var keys []string
	for key, item := range s.cache.Items() {
		if strings.HasPrefix(key, prefix) && !item.IsExpired() {
			keys = append(keys, key)
		}
	}
	return keys, nil
}

// Close stops the expiry loop.
func (s *Store) Close() error {
	s.cache.Stop()
	return nil
}

func clone(b []byte) []byte {
	if b == nil {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}
