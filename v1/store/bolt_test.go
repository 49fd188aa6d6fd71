package store_test

import (
	"context"
	"encoding/binary"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	bolt "go.etcd.io/bbolt"

	"github.com/mirkobrombin/go-lockable/v1/store"
	"github.com/mirkobrombin/go-lockable/v1/store/storetest"
)

func TestBoltStoreSharedFile(t *testing.T) {
	storetest.Run(t, func(t *testing.T) store.Store {
		s, err := store.NewBoltStore(filepath.Join(t.TempDir(), "leases.db"))
		require.NoError(t, err)
		return s
	})
}

func TestBoltStoreFromDB(t *testing.T) {
	storetest.Run(t, func(t *testing.T) store.Store {
		db, err := bolt.Open(filepath.Join(t.TempDir(), "leases.db"), 0o600, nil)
		require.NoError(t, err)
		t.Cleanup(func() { _ = db.Close() })
		s, err := store.NewBoltStoreFromDB(db)
		require.NoError(t, err)
		return s
	})
}

func TestBoltStoreTwoHandlesSeeEachOther(t *testing.T) {
	path := filepath.Join(t.TempDir(), "leases.db")
	a, err := store.NewBoltStore(path)
	require.NoError(t, err)
	b, err := store.NewBoltStore(path)
	require.NoError(t, err)
	ctx := context.Background()

	_, err = a.Update(ctx, "x", func(int64, bool) (int64, bool) { return 77, true })
	require.NoError(t, err)

	lease, ok, err := store.Get(ctx, b, "x")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, int64(77), lease.ExpiresAt.UnixMilli())
}

func TestBoltStoreBusyFileTimesOut(t *testing.T) {
	path := filepath.Join(t.TempDir(), "leases.db")
	holder, err := bolt.Open(path, 0o600, nil)
	require.NoError(t, err)
	defer holder.Close()

	s, err := store.NewBoltStore(path, store.WithBoltTimeout(50*time.Millisecond))
	require.NoError(t, err)
	_, err = s.Update(context.Background(), "x", func(int64, bool) (int64, bool) { return 1, true })
	require.Error(t, err)
}

func TestBoltStoreCorruptRecord(t *testing.T) {
	db, err := bolt.Open(filepath.Join(t.TempDir(), "leases.db"), 0o600, nil)
	require.NoError(t, err)
	defer db.Close()
	require.NoError(t, db.Update(func(tx *bolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists([]byte("lockable-leases"))
		if err != nil {
			return err
		}
		return b.Put([]byte("x"), []byte{1, 2, 3})
	}))

	s, err := store.NewBoltStoreFromDB(db)
	require.NoError(t, err)
	_, err = s.Update(context.Background(), "x", func(int64, bool) (int64, bool) { return 1, true })
	require.ErrorIs(t, err, store.ErrCorruptRecord)
}

func TestBoltStoreEncoding(t *testing.T) {
	db, err := bolt.Open(filepath.Join(t.TempDir(), "leases.db"), 0o600, nil)
	require.NoError(t, err)
	defer db.Close()
	s, err := store.NewBoltStoreFromDB(db, store.WithBoltBucket("custom"))
	require.NoError(t, err)

	_, err = s.Update(context.Background(), "x", func(int64, bool) (int64, bool) { return 1700000000123, true })
	require.NoError(t, err)
	require.NoError(t, db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket([]byte("custom")).Get([]byte("x"))
		require.Len(t, v, 8)
		require.Equal(t, uint64(1700000000123), binary.BigEndian.Uint64(v))
		return nil
	}))
}
