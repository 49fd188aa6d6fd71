package lock

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Callback is a critical section. Its context is cancelled when the hang
// timeout fires; a callback that ignores it keeps running unobserved.
type Callback func(ctx context.Context) error

// Guard runs fn and waits for it for at most timeout. cleanup runs exactly
// once before Guard returns, whichever side won, with a context detached
// from ctx. A cleanup error is joined to the result.
//
// When the timeout wins the result is a *HangTimeoutError and fn's late
// result is discarded.
func Guard(ctx context.Context, timeout time.Duration, fn Callback, cleanup func(context.Context) error) error {
	return guard(ctx, "", timeout, fn, cleanup)
}

func guard(ctx context.Context, name string, timeout time.Duration, fn Callback, cleanup func(context.Context) error) (err error) {
	defer func() {
		if cleanup == nil {
			return
		}
		cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cleanupTimeout)
		defer cancel()
		if cerr := cleanup(cctx); cerr != nil {
			err = errors.Join(err, cerr)
		}
	}()
	if fn == nil {
		return ErrNilCallback
	}
	if timeout <= 0 {
		timeout = DefaultHangTimeout
	}

	fctx, cancel := context.WithCancel(ctx)
	defer cancel()

	// Buffered so the callback can always settle, even after losing.
	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- fmt.Errorf("lockable: callback panicked: %v", r)
			}
		}()
		done <- fn(fctx)
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case err = <-done:
		return err
	case <-timer.C:
		return &HangTimeoutError{Name: name, Timeout: timeout}
	}
}
