// Package lock provides a named mutual-exclusion lock shared by independent
// processes that do not share memory.
//
// A Lock prefers a native exclusive section (an OS file lock, see package
// filelock) and falls back to a lease protocol run against a shared store
// (see package store). In both cases the caller's critical section runs
// under a hang guard: it may hold the lock for at most HangTimeout and the
// lock is released on every exit path.
//
//	l, err := lock.New("reports", lock.WithStore(st))
//	ran, err := l.Request(ctx, func(ctx context.Context) error {
//		return rebuildReports(ctx)
//	})
//
// Leases are never extended while held and expired leases are reclaimed
// lazily by the next acquirer, so a crashed holder blocks a name for at
// most HangTimeout.
package lock
