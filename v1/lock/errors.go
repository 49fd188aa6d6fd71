package lock

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrHangTimeout matches every *HangTimeoutError.
	ErrHangTimeout = errors.New("lockable: critical section exceeded hang timeout")
	// ErrWaitTimeout is returned by a waiting request that could not
	// acquire the lock before WaitTimeout elapsed.
	ErrWaitTimeout = errors.New("lockable: wait timeout elapsed before the lock was acquired")
	// ErrEmptyName is returned by New for an empty or blank name.
	ErrEmptyName = errors.New("lockable: lock name is empty")
	// ErrNoProvider is returned by New when the native primitive is not
	// usable and no store was configured.
	ErrNoProvider = errors.New("lockable: no usable native primitive and no store configured")
	// ErrNilCallback is returned when Request is called without a callback.
	ErrNilCallback = errors.New("lockable: callback is nil")
)

// HangTimeoutError reports a critical section that was still running when
// the hang timeout fired. The lock has already been released when the
// caller sees it.
type HangTimeoutError struct {
	Name    string
	Timeout time.Duration
}

func (e *HangTimeoutError) Error() string {
	if e.Name == "" {
		return fmt.Sprintf("lockable: critical section exceeded hang timeout of %s", e.Timeout)
	}
	return fmt.Sprintf("lockable: critical section for %q exceeded hang timeout of %s", e.Name, e.Timeout)
}

// Is makes errors.Is(err, ErrHangTimeout) true.
func (e *HangTimeoutError) Is(target error) bool {
	return target == ErrHangTimeout
}

// StoreError wraps a failure of the backing store or lock directory.
// Op is one of "acquire", "release", "enter" or "leave".
type StoreError struct {
	Op   string
	Name string
	Err  error
}

func (e *StoreError) Error() string {
	return fmt.Sprintf("lockable: %s %q: %v", e.Op, e.Name, e.Err)
}

func (e *StoreError) Unwrap() error { return e.Err }
