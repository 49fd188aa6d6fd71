package store

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"time"

	bolt "go.etcd.io/bbolt"

	lockerrors "github.com/mirkobrombin/go-lockable/v1/errors"
)

const (
	defaultBoltBucket  = "lockable-leases"
	defaultBoltTimeout = 5 * time.Second
)

// ErrCorruptRecord is returned when a stored expiry cannot be decoded.
var ErrCorruptRecord = errors.New("lockable: corrupt lease record")

// BoltStore implements Store on a bbolt file.
//
// bbolt holds an exclusive flock on its file while open, so a file
// shared by sibling processes is opened for the duration of a single
// transaction and closed right after. NewBoltStoreFromDB wraps a
// database already held open by one process.
type BoltStore struct {
	path    string
	mode    os.FileMode
	timeout time.Duration
	bucket  []byte
	db      *bolt.DB
}

// BoltOption configures a BoltStore.
type BoltOption func(*BoltStore)

// WithBoltBucket sets the bucket name. Default "lockable-leases".
func WithBoltBucket(name string) BoltOption {
	return func(s *BoltStore) {
		if name != "" {
			s.bucket = []byte(name)
		}
	}
}

// WithBoltTimeout bounds how long opening the file waits for another
// process to close it. Default 5s.
func WithBoltTimeout(d time.Duration) BoltOption {
	return func(s *BoltStore) {
		if d > 0 {
			s.timeout = d
		}
	}
}

// NewBoltStore returns a BoltStore over the file at path. The file is
// created on first use.
func NewBoltStore(path string, opts ...BoltOption) (*BoltStore, error) {
	if path == "" {
		return nil, errors.New("lockable: bolt path is empty")
	}
	s := &BoltStore{
		path:    path,
		mode:    0o600,
		timeout: defaultBoltTimeout,
		bucket:  []byte(defaultBoltBucket),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// NewBoltStoreFromDB returns a BoltStore using an open database.
func NewBoltStoreFromDB(db *bolt.DB, opts ...BoltOption) (*BoltStore, error) {
	if db == nil {
		return nil, ErrNilClient
	}
	s := &BoltStore{db: db, timeout: defaultBoltTimeout, bucket: []byte(defaultBoltBucket)}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

func (s *BoltStore) update(fn func(tx *bolt.Tx) error) error {
	if s.db != nil {
		return s.db.Update(fn)
	}
	db, err := bolt.Open(s.path, s.mode, &bolt.Options{Timeout: s.timeout})
	if err != nil {
		if errors.Is(err, bolt.ErrTimeout) {
			return fmt.Errorf("%w: %w", lockerrors.ErrTimeout, err)
		}
		return err
	}
	err = db.Update(fn)
	if cerr := db.Close(); err == nil {
		err = cerr
	}
	return err
}

// Update implements Store.Update.
func (s *BoltStore) Update(ctx context.Context, name string, fn UpdateFunc) (bool, error) {
	if err := contextErr(ctx); err != nil {
		return false, err
	}
	written := false
	err := s.update(func(tx *bolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists(s.bucket)
		if err != nil {
			return err
		}
		var (
			cur   int64
			found bool
		)
		if v := b.Get([]byte(name)); v != nil {
			if len(v) != 8 {
				return fmt.Errorf("%w: %q has %d bytes", ErrCorruptRecord, name, len(v))
			}
			cur, found = int64(binary.BigEndian.Uint64(v)), true
		}
		next, write := fn(cur, found)
		if !write {
			return nil
		}
		buf := make([]byte, 8)
		binary.BigEndian.PutUint64(buf, uint64(next))
		if err := b.Put([]byte(name), buf); err != nil {
			return err
		}
		written = true
		return nil
	})
	if err != nil {
		return false, lockerrors.Classify(err, bolt.ErrDatabaseNotOpen)
	}
	return written, nil
}

// Delete implements Store.Delete.
func (s *BoltStore) Delete(ctx context.Context, name string) error {
	if err := contextErr(ctx); err != nil {
		return err
	}
	err := s.update(func(tx *bolt.Tx) error {
		b := tx.Bucket(s.bucket)
		if b == nil {
			return nil
		}
		return b.Delete([]byte(name))
	})
	return lockerrors.Classify(err, bolt.ErrDatabaseNotOpen)
}

// DeleteIf implements Store.DeleteIf.
func (s *BoltStore) DeleteIf(ctx context.Context, name string, expiresAt int64) (bool, error) {
	if err := contextErr(ctx); err != nil {
		return false, err
	}
	deleted := false
	err := s.update(func(tx *bolt.Tx) error {
		b := tx.Bucket(s.bucket)
		if b == nil {
			return nil
		}
		v := b.Get([]byte(name))
		if len(v) != 8 || int64(binary.BigEndian.Uint64(v)) != expiresAt {
			return nil
		}
		if err := b.Delete([]byte(name)); err != nil {
			return err
		}
		deleted = true
		return nil
	})
	if err != nil {
		return false, lockerrors.Classify(err, bolt.ErrDatabaseNotOpen)
	}
	return deleted, nil
}
