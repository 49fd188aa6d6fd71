// Package store implements the shared lease store: a persistent mapping
// from lock name to the absolute expiry of its lease, in milliseconds
// since the Unix epoch, accessed through atomic read-modify-write
// transactions.
//
// Backends never interpret expiries themselves. The lock package decides,
// inside UpdateFunc, whether a record is still valid.
package store

import (
	"context"
	"errors"
	"time"

	lockerrors "github.com/mirkobrombin/go-lockable/v1/errors"
)

// ErrNilClient is returned by constructors given a nil client or database.
var ErrNilClient = errors.New("lockable: store client is nil")

// UpdateFunc receives the current expiry for a name and whether a record
// exists. It returns the expiry to write and whether to write it at all.
// It may be invoked more than once by optimistic backends and must not
// have side effects beyond its return values.
type UpdateFunc func(expiresAt int64, found bool) (next int64, write bool)

// Store is the shared lease mapping.
//
// Update reads the record for name, calls fn and, when fn asks for it,
// writes the new expiry. The read and the write happen inside one
// transaction boundary. When a concurrent writer invalidates the
// transaction the backend reports (false, nil): the attempt was lost, not
// failed.
//
// Delete removes the record for name in one transaction. Deleting an
// absent record is not an error.
//
// DeleteIf removes the record only while it still holds expiresAt and
// reports whether it did. A holder releases through DeleteIf so that a
// lease taken over after expiry is never removed by its previous owner.
type Store interface {
	Update(ctx context.Context, name string, fn UpdateFunc) (bool, error)
	Delete(ctx context.Context, name string) error
	DeleteIf(ctx context.Context, name string, expiresAt int64) (bool, error)
}

// Lease is a snapshot of a lease record.
type Lease struct {
	Name      string
	ExpiresAt time.Time
}

// Valid reports whether the lease is still held at now.
func (l Lease) Valid(now time.Time) bool {
	return l.ExpiresAt.After(now)
}

// Get reads the lease for name without modifying it.
func Get(ctx context.Context, s Store, name string) (Lease, bool, error) {
	var (
		expiresAt int64
		found     bool
	)
	_, err := s.Update(ctx, name, func(cur int64, ok bool) (int64, bool) {
		expiresAt, found = cur, ok
		return 0, false
	})
	if err != nil || !found {
		return Lease{}, false, err
	}
	return Lease{Name: name, ExpiresAt: time.UnixMilli(expiresAt)}, true, nil
}

func contextErr(ctx context.Context) error {
	return lockerrors.Classify(ctx.Err())
}
