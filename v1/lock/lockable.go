package lock

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/mirkobrombin/go-lockable/v1/metrics"
)

var tracer = otel.Tracer("github.com/mirkobrombin/go-lockable/v1/lock")

// Provider identifies the mechanism a Lock is bound to.
type Provider int

const (
	// ProviderLease runs the lease protocol against a shared store.
	ProviderLease Provider = iota
	// ProviderNative uses the host exclusive section.
	ProviderNative
)

func (p Provider) String() string {
	switch p {
	case ProviderNative:
		return "native"
	case ProviderLease:
		return "lease"
	default:
		return "unknown"
	}
}

type request struct {
	name    string
	waiting bool
	fn      Callback
	log     *zap.Logger
}

// provider acquires a name, runs the callback under the hang guard and
// releases. It reports whether the callback ran.
type provider interface {
	kind() Provider
	run(ctx context.Context, req request) (bool, error)
}

// Lock is a named lock bound to one provider for its whole lifetime. It is
// safe for concurrent use; exclusion between goroutines is decided by the
// provider, exactly as between processes.
type Lock struct {
	name string
	opts Options
	p    provider
}

// New returns a Lock for name. The native primitive is used when one is
// configured and supported, otherwise the lease store.
func New(name string, opts ...Option) (*Lock, error) {
	if strings.TrimSpace(name) == "" {
		return nil, ErrEmptyName
	}
	o := DefaultOptions()
	for _, opt := range opts {
		opt(&o)
	}

	l := &Lock{name: name, opts: o}
	switch {
	case o.Primitive != nil && o.Primitive.Supported():
		l.p = &nativeProvider{prim: o.Primitive, opts: &l.opts}
	case o.Store != nil:
		l.p = &leaseProvider{store: o.Store, bus: o.Bus, opts: &l.opts}
	default:
		return nil, ErrNoProvider
	}
	o.Logger.Debug("lock bound", zap.String("name", name), zap.Stringer("provider", l.p.kind()))
	return l, nil
}

// Name returns the lock name.
func (l *Lock) Name() string { return l.name }

// Provider returns the provider selected by New.
func (l *Lock) Provider() Provider { return l.p.kind() }

// Request runs fn if the lock is free right now. It reports whether fn ran;
// a busy lock is not an error.
func (l *Lock) Request(ctx context.Context, fn Callback) (bool, error) {
	return l.RequestWith(ctx, RequestOptions{}, fn)
}

// RequestWith runs fn while holding the lock and reports whether fn ran.
//
// The returned error is fn's error, a *HangTimeoutError, a *StoreError,
// ErrWaitTimeout for a waiting request that gave up, or the context error.
// When fn ran the lock has been released before RequestWith returns.
func (l *Lock) RequestWith(ctx context.Context, ro RequestOptions, fn Callback) (bool, error) {
	if fn == nil {
		return false, ErrNilCallback
	}
	kind := l.p.kind()
	id := uuid.NewString()
	ctx, span := tracer.Start(ctx, "lock.Request", trace.WithAttributes(
		attribute.String("lockable.name", l.name),
		attribute.String("lockable.provider", kind.String()),
		attribute.Bool("lockable.waiting", ro.Waiting),
		attribute.String("lockable.request_id", id),
	))
	defer span.End()

	ran, err := l.p.run(ctx, request{
		name:    l.name,
		waiting: ro.Waiting,
		fn:      fn,
		log:     l.opts.Logger.With(zap.String("name", l.name), zap.String("request_id", id)),
	})

	outcome := outcomeOf(ran, err)
	metrics.RequestsTotal.WithLabelValues(kind.String(), outcome).Inc()
	span.SetAttributes(attribute.String("lockable.outcome", outcome))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return ran, err
}

func outcomeOf(ran bool, err error) string {
	switch {
	case errors.Is(err, ErrHangTimeout):
		return metrics.OutcomeHangTimeout
	case ran:
		return metrics.OutcomeAcquired
	case err == nil:
		return metrics.OutcomeBusy
	case errors.Is(err, ErrWaitTimeout):
		return metrics.OutcomeWaitTimeout
	default:
		return metrics.OutcomeError
	}
}

// runHeld runs the callback of a request whose lock is held for at most
// timeout and releases it through cleanup.
func runHeld(ctx context.Context, timeout time.Duration, kind Provider, req request, cleanup func(context.Context) error) error {
	held := metrics.Held.WithLabelValues(kind.String())
	held.Inc()
	defer held.Dec()

	req.log.Debug("lock acquired", zap.Stringer("provider", kind))
	start := time.Now()
	err := guard(ctx, req.name, timeout, req.fn, cleanup)

	var hang *HangTimeoutError
	if errors.As(err, &hang) {
		metrics.HangTimeouts.Inc()
		req.log.Warn("critical section exceeded hang timeout", zap.Duration("timeout", hang.Timeout))
	}
	req.log.Debug("lock released", zap.Duration("held", time.Since(start)), zap.Error(err))
	return err
}

func observeWait(kind Provider, start time.Time) {
	metrics.WaitSeconds.WithLabelValues(kind.String()).Observe(time.Since(start).Seconds())
}
