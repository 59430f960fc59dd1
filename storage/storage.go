// Package storage defines the small durable key-value contract the client
// persists its state through, and a namespacing wrapper over it.
//
// Backends live in sub-packages: bbolt (local file, the default), redis,
// mongo and memory.
package storage

import (
	"context"
	"errors"
	"strings"
	"time"
)

// ErrNotFound is returned when a key is absent or expired.
var ErrNotFound = errors.New("storage: key not found")

// Store is a durable key-value store with optional per-key TTL.
//
// Implementations must be safe for concurrent use. Put replaces the whole value
// atomically, so readers never observe a partially written record. Take reads and
// removes a key in one step: of several concurrent callers at most one receives
// the value, the rest get ErrNotFound.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, error)
	// Put stores value under key. A ttl <= 0 means the key never expires.
	Put(ctx context.Context, key string, value []byte, ttl time.Duration) error
	// Delete removes key. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error
	Take(ctx context.Context, key string) ([]byte, error)
	// Keys lists the live keys starting with prefix.
	Keys(ctx context.Context, prefix string) ([]string, error)
}

// Namespaced prefixes every key with a fixed namespace.
type Namespaced struct {
	store  Store
	prefix string
}

var _ Store = (*Namespaced)(nil)

// Namespace returns a view of store where every key is prefixed with prefix.
func Namespace(store Store, prefix string) *Namespaced {
	if ns, ok := store.(*Namespaced); ok {
		return &Namespaced{store: ns.store, prefix: ns.prefix + prefix}
	}
	return &Namespaced{store: store, prefix: prefix}
}

// Prefix returns the namespace prefix.
func (n *Namespaced) Prefix() string {
	return n.prefix
}

func (n *Namespaced) Get(ctx context.Context, key string) ([]byte, error) {
	return n.store.Get(ctx, n.prefix+key)
}

func (n *Namespaced) Put(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return n.store.Put(ctx, n.prefix+key, value, ttl)
}

func (n *Namespaced) Delete(ctx context.Context, key string) error {
	return n.store.Delete(ctx, n.prefix+key)
}

func (n *Namespaced) Take(ctx context.Context, key string) ([]byte, error) {
	return n.store.Take(ctx, n.prefix+key)
}

// Keys returns matching keys with the namespace prefix stripped.
func (n *Namespaced) Keys(ctx context.Context, prefix string) ([]string, error) {
	keys, err := n.store.Keys(ctx, n.prefix+prefix)
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		out = append(out, strings.TrimPrefix(k, n.prefix))
	}
	return out, nil
}
