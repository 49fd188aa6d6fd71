package lock

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestGuardPropagatesResult(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	boom := errors.New("boom")
	for _, tc := range []struct {
		name string
		ret  error
	}{
		{"success", nil},
		{"failure", boom},
	} {
		t.Run(tc.name, func(t *testing.T) {
			cleanups := 0
			err := Guard(context.Background(), time.Second, func(context.Context) error {
				return tc.ret
			}, func(context.Context) error {
				cleanups++
				return nil
			})
			assert.ErrorIs(t, err, tc.ret)
			if tc.ret == nil {
				assert.NoError(t, err)
			}
			assert.Equal(t, 1, cleanups)
		})
	}
}

func TestGuardHangTimeout(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	cancelled := make(chan struct{})
	cleanups := 0
	start := time.Now()
	err := Guard(context.Background(), 50*time.Millisecond, func(ctx context.Context) error {
		<-ctx.Done()
		close(cancelled)
		return ctx.Err()
	}, func(context.Context) error {
		cleanups++
		return nil
	})

	var hang *HangTimeoutError
	require.ErrorAs(t, err, &hang)
	assert.ErrorIs(t, err, ErrHangTimeout)
	assert.Equal(t, 50*time.Millisecond, hang.Timeout)
	assert.Equal(t, 1, cleanups)
	assert.Less(t, time.Since(start), time.Second)

	select {
	case <-cancelled:
	case <-time.After(time.Second):
		t.Fatal("callback context not cancelled after hang timeout")
	}
}

func TestGuardDoesNotWaitForLoser(t *testing.T) {
	release := make(chan struct{})
	finished := make(chan struct{})
	start := time.Now()
	err := Guard(context.Background(), 20*time.Millisecond, func(context.Context) error {
		defer close(finished)
		<-release
		return errors.New("late failure")
	}, nil)
	require.ErrorIs(t, err, ErrHangTimeout)
	assert.Less(t, time.Since(start), 500*time.Millisecond)

	// The late result lands in the buffered channel and the goroutine exits.
	close(release)
	select {
	case <-finished:
	case <-time.After(time.Second):
		t.Fatal("losing callback did not finish")
	}
}

func TestGuardRecoversPanic(t *testing.T) {
	cleanups := 0
	err := Guard(context.Background(), time.Second, func(context.Context) error {
		panic("kaboom")
	}, func(context.Context) error {
		cleanups++
		return nil
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "kaboom")
	assert.Equal(t, 1, cleanups)
}

func TestGuardJoinsCleanupError(t *testing.T) {
	cbErr := errors.New("callback")
	cleanErr := errors.New("cleanup")
	err := Guard(context.Background(), time.Second, func(context.Context) error {
		return cbErr
	}, func(context.Context) error {
		return cleanErr
	})
	assert.ErrorIs(t, err, cbErr)
	assert.ErrorIs(t, err, cleanErr)
}

func TestGuardCleanupIgnoresCallerCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	var cleanupErr error
	err := Guard(ctx, time.Second, func(context.Context) error {
		cancel()
		return nil
	}, func(ctx context.Context) error {
		cleanupErr = ctx.Err()
		_, hasDeadline := ctx.Deadline()
		assert.True(t, hasDeadline)
		return nil
	})
	require.NoError(t, err)
	assert.NoError(t, cleanupErr)
}

func TestGuardNilCallbackStillCleansUp(t *testing.T) {
	cleanups := 0
	err := Guard(context.Background(), time.Second, nil, func(context.Context) error {
		cleanups++
		return nil
	})
	assert.ErrorIs(t, err, ErrNilCallback)
	assert.Equal(t, 1, cleanups)
}
