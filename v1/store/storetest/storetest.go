// Package storetest holds the conformance checks every lease store
// backend must pass.
package storetest

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mirkobrombin/go-lockable/v1/store"
)

// Run executes the conformance checks against stores produced by newStore.
// newStore is called once per subtest and must return an empty store.
func Run(t *testing.T, newStore func(t *testing.T) store.Store) {
	t.Helper()

	t.Run("WriteWhenAbsent", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		written, err := s.Update(ctx, "x", func(cur int64, found bool) (int64, bool) {
			assert.False(t, found)
			assert.Zero(t, cur)
			return 1000, true
		})
		require.NoError(t, err)
		require.True(t, written)

		lease, ok, err := store.Get(ctx, s, "x")
		require.NoError(t, err)
		require.True(t, ok)
		require.Equal(t, int64(1000), lease.ExpiresAt.UnixMilli())
	})

	t.Run("NoWriteLeavesRecord", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		_, err := s.Update(ctx, "x", func(int64, bool) (int64, bool) { return 42, true })
		require.NoError(t, err)

		written, err := s.Update(ctx, "x", func(cur int64, found bool) (int64, bool) {
			assert.True(t, found)
			assert.Equal(t, int64(42), cur)
			return 7, false
		})
		require.NoError(t, err)
		require.False(t, written)

		lease, ok, err := store.Get(ctx, s, "x")
		require.NoError(t, err)
		require.True(t, ok)
		require.Equal(t, int64(42), lease.ExpiresAt.UnixMilli())
	})

	t.Run("Overwrite", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		_, err := s.Update(ctx, "x", func(int64, bool) (int64, bool) { return 1, true })
		require.NoError(t, err)
		written, err := s.Update(ctx, "x", func(int64, bool) (int64, bool) { return 2, true })
		require.NoError(t, err)
		require.True(t, written)

		lease, _, err := store.Get(ctx, s, "x")
		require.NoError(t, err)
		require.Equal(t, int64(2), lease.ExpiresAt.UnixMilli())
	})

	t.Run("DeleteIsIdempotent", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		require.NoError(t, s.Delete(ctx, "missing"))

		_, err := s.Update(ctx, "x", func(int64, bool) (int64, bool) { return 5, true })
		require.NoError(t, err)
		require.NoError(t, s.Delete(ctx, "x"))
		require.NoError(t, s.Delete(ctx, "x"))

		_, ok, err := store.Get(ctx, s, "x")
		require.NoError(t, err)
		require.False(t, ok)
	})

	t.Run("NamesAreIndependent", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		_, err := s.Update(ctx, "a", func(int64, bool) (int64, bool) { return 10, true })
		require.NoError(t, err)

		_, ok, err := store.Get(ctx, s, "b")
		require.NoError(t, err)
		require.False(t, ok)

		require.NoError(t, s.Delete(ctx, "b"))
		_, ok, err = store.Get(ctx, s, "a")
		require.NoError(t, err)
		require.True(t, ok)
	})

	t.Run("DeleteIfMatchesOwnLeaseOnly", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		deleted, err := s.DeleteIf(ctx, "x", 5)
		require.NoError(t, err)
		require.False(t, deleted, "absent record")

		_, err = s.Update(ctx, "x", func(int64, bool) (int64, bool) { return 5, true })
		require.NoError(t, err)
		deleted, err = s.DeleteIf(ctx, "x", 4)
		require.NoError(t, err)
		require.False(t, deleted, "record holds another expiry")
		_, ok, err := store.Get(ctx, s, "x")
		require.NoError(t, err)
		require.True(t, ok)

		deleted, err = s.DeleteIf(ctx, "x", 5)
		require.NoError(t, err)
		require.True(t, deleted)
		_, ok, err = store.Get(ctx, s, "x")
		require.NoError(t, err)
		require.False(t, ok)
	})

	t.Run("ConcurrentCreateHasOneWinner", func(t *testing.T) {
		ConcurrentCreate(t, newStore(t))
	})

	t.Run("ConcurrentTakeoverHasOneWinner", func(t *testing.T) {
		ConcurrentTakeover(t, newStore(t))
	})

	t.Run("CancelledContext", func(t *testing.T) {
		s := newStore(t)
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		_, err := s.Update(ctx, "x", func(int64, bool) (int64, bool) { return 1, true })
		require.Error(t, err)
		require.Error(t, s.Delete(ctx, "x"))
		_, err = s.DeleteIf(ctx, "x", 1)
		require.Error(t, err)
	})
}

const workers = 8

// ConcurrentCreate races workers that each write "x" only when it has no
// record and checks that exactly one of them wins. Workers take stores in
// turn, so passing several handles on one database exercises its own
// transaction isolation rather than a client-side pool.
func ConcurrentCreate(t *testing.T, stores ...store.Store) {
	t.Helper()
	wins := race(t, stores, func(i int) store.UpdateFunc {
		return func(_ int64, found bool) (int64, bool) {
			if found {
				return 0, false
			}
			return int64(100 + i), true
		}
	})
	require.Equal(t, 1, wins)
}

// ConcurrentTakeover seeds an expired record for "x" and races workers
// that each replace it only when it is still the expired one.
func ConcurrentTakeover(t *testing.T, stores ...store.Store) {
	t.Helper()
	const expired = 1
	_, err := stores[0].Update(context.Background(), "x", func(int64, bool) (int64, bool) { return expired, true })
	require.NoError(t, err)

	wins := race(t, stores, func(i int) store.UpdateFunc {
		return func(cur int64, found bool) (int64, bool) {
			if found && cur != expired {
				return 0, false
			}
			return int64(100 + i), true
		}
	})
	require.Equal(t, 1, wins)
}

func race(t *testing.T, stores []store.Store, fn func(i int) store.UpdateFunc) int {
	t.Helper()
	require.NotEmpty(t, stores)
	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		wins int
		errs []error
	)
	start := make(chan struct{})
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-start
			written, err := stores[i%len(stores)].Update(context.Background(), "x", fn(i))
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				errs = append(errs, err)
				return
			}
			if written {
				wins++
			}
		}(i)
	}
	close(start)
	wg.Wait()
	require.Empty(t, errs)
	return wins
}
