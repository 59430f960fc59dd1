// Package storagetest holds the behavioural test suite every storage.Store
// backend must pass.
package storagetest

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.pilab.hu/hoomi/storage"
)

// Run exercises a backend. newStore must return an empty store.
func Run(t *testing.T, newStore func(t *testing.T) storage.Store) {
	t.Helper()

	t.Run("PutGetDelete", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		_, err := s.Get(ctx, "missing")
		assert.True(t, errors.Is(err, storage.ErrNotFound))

		require.NoError(t, s.Put(ctx, "k", []byte("v1"), 0))
		require.NoError(t, s.Put(ctx, "k", []byte("v2"), 0))

		got, err := s.Get(ctx, "k")
		require.NoError(t, err)
		assert.Equal(t, []byte("v2"), got)

		require.NoError(t, s.Delete(ctx, "k"))
		require.NoError(t, s.Delete(ctx, "k"), "deleting a missing key is not an error")

		_, err = s.Get(ctx, "k")
		assert.True(t, errors.Is(err, storage.ErrNotFound))
	})

	t.Run("TTL", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		require.NoError(t, s.Put(ctx, "short", []byte("v"), 50*time.Millisecond))
		require.NoError(t, s.Put(ctx, "long", []byte("v"), time.Hour))

		require.Eventually(t, func() bool {
			_, err := s.Get(ctx, "short")
			return errors.Is(err, storage.ErrNotFound)
		}, 3*time.Second, 20*time.Millisecond)

		_, err := s.Get(ctx, "long")
		require.NoError(t, err)

		_, err = s.Take(ctx, "short")
		assert.True(t, errors.Is(err, storage.ErrNotFound))

		keys, err := s.Keys(ctx, "")
		require.NoError(t, err)
		assert.Equal(t, []string{"long"}, keys)
	})

	t.Run("Keys", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		for _, k := range []string{"state:a", "state:b", "token"} {
			require.NoError(t, s.Put(ctx, k, []byte(k), 0))
		}

		keys, err := s.Keys(ctx, "state:")
		require.NoError(t, err)
		sort.Strings(keys)
		assert.Equal(t, []string{"state:a", "state:b"}, keys)
	})

	t.Run("TakeIsExclusive", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		require.NoError(t, s.Put(ctx, "k", []byte("v"), time.Minute))

		var (
			wg   sync.WaitGroup
			wins atomic.Int32
		)
		for i := 0; i < 16; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				v, err := s.Take(ctx, "k")
				if err == nil {
					assert.Equal(t, []byte("v"), v)
					wins.Add(1)
					return
				}
				assert.True(t, errors.Is(err, storage.ErrNotFound), fmt.Sprint(err))
			}()
		}
		wg.Wait()

		assert.Equal(t, int32(1), wins.Load())
		_, err := s.Get(ctx, "k")
		assert.True(t, errors.Is(err, storage.ErrNotFound))
	})
}
