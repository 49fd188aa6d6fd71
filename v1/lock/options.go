package lock

import (
	"time"

	"go.uber.org/zap"

	"github.com/mirkobrombin/go-lockable/v1/filelock"
	"github.com/mirkobrombin/go-lockable/v1/store"
	"github.com/mirkobrombin/go-lockable/v1/syncbus"
)

const (
	DefaultWaitTimeout   = 3 * time.Second
	DefaultWaitTickDelay = 250 * time.Millisecond
	// DefaultHangTimeout also sets the lease duration.
	DefaultHangTimeout = 5 * time.Second

	// cleanupTimeout bounds the release step, which runs detached from
	// the caller's context.
	cleanupTimeout = 5 * time.Second
)

// Options holds the configuration of a Lock.
type Options struct {
	WaitTimeout   time.Duration
	WaitTickDelay time.Duration
	HangTimeout   time.Duration

	Store     store.Store
	Primitive filelock.Primitive
	Bus       syncbus.Bus
	Logger    *zap.Logger
	Now       func() time.Time
}

// DefaultOptions returns the options used when none are given.
func DefaultOptions() Options {
	return Options{
		WaitTimeout:   DefaultWaitTimeout,
		WaitTickDelay: DefaultWaitTickDelay,
		HangTimeout:   DefaultHangTimeout,
		Logger:        zap.NewNop(),
		Now:           time.Now,
	}
}

// Option configures a Lock.
type Option func(*Options)

// WithWaitTimeout sets how long a waiting request keeps trying.
func WithWaitTimeout(d time.Duration) Option {
	return func(o *Options) {
		if d > 0 {
			o.WaitTimeout = d
		}
	}
}

// WithWaitTickDelay sets the poll interval of a waiting request.
func WithWaitTickDelay(d time.Duration) Option {
	return func(o *Options) {
		if d > 0 {
			o.WaitTickDelay = d
		}
	}
}

// WithHangTimeout sets how long a critical section may run. It is also the
// lifetime of a lease.
func WithHangTimeout(d time.Duration) Option {
	return func(o *Options) {
		if d > 0 {
			o.HangTimeout = d
		}
	}
}

// WithStore sets the shared lease store used by the fallback provider.
func WithStore(s store.Store) Option {
	return func(o *Options) {
		o.Store = s
	}
}

// WithPrimitive sets the native exclusive section tried first.
func WithPrimitive(p filelock.Primitive) Option {
	return func(o *Options) {
		o.Primitive = p
	}
}

// WithBus wakes waiting lease requests as soon as the holder releases.
func WithBus(b syncbus.Bus) Option {
	return func(o *Options) {
		o.Bus = b
	}
}

// WithLogger sets the logger. A nil logger disables logging.
func WithLogger(l *zap.Logger) Option {
	return func(o *Options) {
		if l == nil {
			l = zap.NewNop()
		}
		o.Logger = l
	}
}

// WithClock sets the clock used for lease timestamps.
func WithClock(now func() time.Time) Option {
	return func(o *Options) {
		if now != nil {
			o.Now = now
		}
	}
}

// RequestOptions configures a single request.
type RequestOptions struct {
	// Waiting makes the request poll for up to WaitTimeout instead of
	// giving up when the name is busy.
	Waiting bool
}
