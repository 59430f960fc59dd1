// Package bbolt is the default storage.Store: a single local bbolt file.
package bbolt

import (
	"bytes"
	"context"
	"encoding/gob"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.etcd.io/bbolt"
	"go.pilab.hu/hoomi/log"
	"go.pilab.hu/hoomi/storage"
)

const (
	// DefaultBucketName holds every key; namespacing is done in the key itself.
	DefaultBucketName = "hoomi"
	metadataSuffix    = "_meta"
)

// itemMetadata holds the expiration of a stored item. Zero means never.
type itemMetadata struct {
	ExpiresAtUnixNano int64
}

// Store wraps a bbolt database with per-key TTL.
type Store struct {
	db              *bbolt.DB
	bucket          []byte
	metaBucket      []byte
	logger          log.Logger
	cleanupInterval time.Duration
	stopCleanup     chan struct{}
	cleanupDone     chan struct{}
}

var _ storage.Store = (*Store)(nil)

// Option configures a Store.
type Option func(*Store)

// WithLogger sets the logger used by the cleanup loop.
func WithLogger(logger log.Logger) Option {
	return func(s *Store) { s.logger = logger }
}

// WithCleanupInterval sets how often expired keys are purged. Zero disables the loop;
// expired keys are still invisible to readers.
func WithCleanupInterval(d time.Duration) Option {
	return func(s *Store) { s.cleanupInterval = d }
}

// WithBucket overrides DefaultBucketName.
func WithBucket(name string) Option {
	return func(s *Store) {
		s.bucket = []byte(name)
		s.metaBucket = []byte(name + metadataSuffix)
	}
}

// Open opens (creating if needed) the database file at dbPath.
func Open(dbPath string, opts ...Option) (*Store, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("failed to create database directory %s: %w", dir, err)
	}

	db, err := bbolt.Open(dbPath, 0o600, &bbolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open bbolt db at %s: %w", dbPath, err)
	}

	s := &Store{
		db:              db,
		bucket:          []byte(DefaultBucketName),
		metaBucket:      []byte(DefaultBucketName + metadataSuffix),
		logger:          log.Nop(),
		cleanupInterval: 10 * time.Minute,
		stopCleanup:     make(chan struct{}),
		cleanupDone:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}

	if err := s.ensureBuckets(); err != nil {
		_ = db.Close()
		return nil, err
	}

	if s.cleanupInterval > 0 {
		go s.runCleanupLoop()
	} else {
		close(s.cleanupDone)
	}

	return s, nil
}

func (s *Store) ensureBuckets() error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(s.bucket); err != nil {
			return fmt.Errorf("failed to create bucket %s: %w", s.bucket, err)
		}
		if _, err := tx.CreateBucketIfNotExists(s.metaBucket); err != nil {
			return fmt.Errorf("failed to create metadata bucket for %s: %w", s.bucket, err)
		}
		return nil
	})
}

func (s *Store) Put(_ context.Context, key string, value []byte, ttl time.Duration) error {
	var meta itemMetadata
	if ttl > 0 {
		meta.ExpiresAtUnixNano = time.Now().Add(ttl).UnixNano()
	}

	var metaBuf bytes.Buffer
	if err := gob.NewEncoder(&metaBuf).Encode(meta); err != nil {
		return fmt.Errorf("failed to encode metadata for key %s: %w", key, err)
	}

	return s.db.Update(func(tx *bbolt.Tx) error {
		if err := tx.Bucket(s.bucket).Put([]byte(key), value); err != nil {
			return fmt.Errorf("failed to put value for key %s: %w", key, err)
		}
		return tx.Bucket(s.metaBucket).Put([]byte(key), metaBuf.Bytes())
	})
}

func (s *Store) Get(_ context.Context, key string) ([]byte, error) {
	var value []byte
	err := s.db.View(func(tx *bbolt.Tx) error {
		v, err := s.read(tx, []byte(key), time.Now())
		value = v
		return err
	})
	if err != nil {
		return nil, err
	}
	return value, nil
}

func (s *Store) Delete(_ context.Context, key string) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		return s.remove(tx, []byte(key))
	})
}

// Take reads and removes key inside a single write transaction.
func (s *Store) Take(_ context.Context, key string) ([]byte, error) {
	var value []byte
	err := s.db.Update(func(tx *bbolt.Tx) error {
		v, err := s.read(tx, []byte(key), time.Now())
		if err != nil {
			return err
		}
		value = v
		return s.remove(tx, []byte(key))
	})
	if err != nil {
		return nil, err
	}
	return value, nil
}

func (s *Store) Keys(_ context.Context, prefix string) ([]string, error) {
	var keys []string
	now := time.Now().UnixNano()
	err := s.db.View(func(tx *bbolt.Tx) error {
		c := tx.Bucket(s.metaBucket).Cursor()
		p := []byte(prefix)
		for k, v := c.Seek(p); k != nil && bytes.HasPrefix(k, p); k, v = c.Next() {
			meta, err := decodeMeta(v)
			if err != nil {
				continue
			}
			if meta.expired(now) {
				continue
			}
			keys = append(keys, string(k))
		}
		return nil
	})
	return keys, err
}

// read returns a copy of the value; bbolt memory is only valid inside the tx.
func (s *Store) read(tx *bbolt.Tx, key []byte, now time.Time) ([]byte, error) {
	metaBytes := tx.Bucket(s.metaBucket).Get(key)
	if metaBytes == nil {
		return nil, storage.ErrNotFound
	}
	meta, err := decodeMeta(metaBytes)
	if err != nil {
		return nil, fmt.Errorf("failed to decode metadata for key %s: %w", key, err)
	}
	if meta.expired(now.UnixNano()) {
		return nil, storage.ErrNotFound
	}

	v := tx.Bucket(s.bucket).Get(key)
	if v == nil {
		return nil, storage.ErrNotFound
	}
	value := make([]byte, len(v))
	copy(value, v)
	return value, nil
}

func (s *Store) remove(tx *bbolt.Tx, key []byte) error {
	if err := tx.Bucket(s.bucket).Delete(key); err != nil {
		return fmt.Errorf("failed to delete key %s: %w", key, err)
	}
	return tx.Bucket(s.metaBucket).Delete(key)
}

func decodeMeta(b []byte) (itemMetadata, error) {
	var meta itemMetadata
	err := gob.NewDecoder(bytes.NewReader(b)).Decode(&meta)
	return meta, err
}

func (m itemMetadata) expired(nowNano int64) bool {
	return m.ExpiresAtUnixNano != 0 && nowNano > m.ExpiresAtUnixNano
}

// PurgeExpired deletes every expired key and returns how many were removed.
func (s *Store) PurgeExpired() (int, error) {
	var removed int
	err := s.db.Update(func(tx *bbolt.Tx) error {
		now := time.Now().UnixNano()
		var expired [][]byte
		c := tx.Bucket(s.metaBucket).Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			meta, err := decodeMeta(v)
			if err != nil || meta.expired(now) {
				expired = append(expired, append([]byte(nil), k...))
			}
		}
		for _, k := range expired {
			if err := s.remove(tx, k); err != nil {
				return err
			}
		}
		removed = len(expired)
		return nil
	})
	return removed, err
}

func (s *Store) runCleanupLoop() {
	defer close(s.cleanupDone)

	ticker := time.NewTicker(s.cleanupInterval)
	defer ticker.Stop()

	ctx := context.Background()
	for {
		select {
		case <-ticker.C:
			n, err := s.PurgeExpired()
			if err != nil {
				s.logger.Error(ctx, "bbolt cleanup failed", err)
				continue
			}
			if n > 0 {
				s.logger.Debug(ctx, "purged expired keys", log.Fields{"count": n})
			}
		case <-s.stopCleanup:
			return
		}
	}
}

// Close stops the cleanup loop and closes the database.
func (s *Store) Close() error {
	close(s.stopCleanup)
	<-s.cleanupDone
	return s.db.Close()
}
