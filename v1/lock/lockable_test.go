package lock

import (
	"context"
	"errors"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/mirkobrombin/go-lockable/v1/metrics"
	"github.com/mirkobrombin/go-lockable/v1/store"
)

type unsupported struct{ blockingPrimitive }

func (*unsupported) Supported() bool { return false }

func TestNewValidation(t *testing.T) {
	_, err := New("", WithStore(store.NewInMemoryStore()))
	assert.ErrorIs(t, err, ErrEmptyName)
	_, err = New("  \t", WithStore(store.NewInMemoryStore()))
	assert.ErrorIs(t, err, ErrEmptyName)
	_, err = New("x")
	assert.ErrorIs(t, err, ErrNoProvider)
	_, err = New("x", WithPrimitive(&unsupported{}))
	assert.ErrorIs(t, err, ErrNoProvider)
}

func TestNewSelectsProviderOnce(t *testing.T) {
	st := store.NewInMemoryStore()

	l, err := New("x", WithStore(st), WithPrimitive(&unsupported{}))
	require.NoError(t, err)
	assert.Equal(t, ProviderLease, l.Provider())
	assert.Equal(t, "lease", l.Provider().String())

	l, err = New("x", WithStore(st), WithPrimitive(&blockingPrimitive{}))
	require.NoError(t, err)
	assert.Equal(t, ProviderNative, l.Provider())
	assert.Equal(t, "x", l.Name())
}

func TestDefaultOptions(t *testing.T) {
	o := DefaultOptions()
	assert.Equal(t, DefaultWaitTimeout, o.WaitTimeout)
	assert.Equal(t, DefaultWaitTickDelay, o.WaitTickDelay)
	assert.Equal(t, DefaultHangTimeout, o.HangTimeout)

	WithWaitTimeout(-1)(&o)
	WithHangTimeout(0)(&o)
	WithLogger(nil)(&o)
	WithClock(nil)(&o)
	assert.Equal(t, DefaultWaitTimeout, o.WaitTimeout)
	assert.Equal(t, DefaultHangTimeout, o.HangTimeout)
	assert.NotNil(t, o.Logger)
	assert.NotNil(t, o.Now)
}

func TestRequestNilCallback(t *testing.T) {
	l, err := New("x", WithStore(store.NewInMemoryStore()))
	require.NoError(t, err)
	ran, err := l.Request(context.Background(), nil)
	assert.False(t, ran)
	assert.ErrorIs(t, err, ErrNilCallback)
}

func TestRequestRecordsOutcome(t *testing.T) {
	st := store.NewInMemoryStore()
	l, err := New("metrics", WithStore(st))
	require.NoError(t, err)

	acquired := metrics.RequestsTotal.WithLabelValues("lease", metrics.OutcomeAcquired)
	busy := metrics.RequestsTotal.WithLabelValues("lease", metrics.OutcomeBusy)
	beforeAcquired := testutil.ToFloat64(acquired)
	beforeBusy := testutil.ToFloat64(busy)

	_, err = l.Request(context.Background(), func(ctx context.Context) error {
		_, err := l.Request(ctx, func(context.Context) error { return nil })
		return err
	})
	require.NoError(t, err)

	assert.Equal(t, beforeAcquired+1, testutil.ToFloat64(acquired))
	assert.Equal(t, beforeBusy+1, testutil.ToFloat64(busy))
}

func TestOutcomeOf(t *testing.T) {
	assert.Equal(t, metrics.OutcomeAcquired, outcomeOf(true, nil))
	assert.Equal(t, metrics.OutcomeAcquired, outcomeOf(true, errors.New("callback")))
	assert.Equal(t, metrics.OutcomeHangTimeout, outcomeOf(true, &HangTimeoutError{}))
	assert.Equal(t, metrics.OutcomeBusy, outcomeOf(false, nil))
	assert.Equal(t, metrics.OutcomeWaitTimeout, outcomeOf(false, ErrWaitTimeout))
	assert.Equal(t, metrics.OutcomeError, outcomeOf(false, &StoreError{Op: "acquire", Err: errors.New("io")}))
}

func TestErrorMessages(t *testing.T) {
	err := &StoreError{Op: "acquire", Name: "x", Err: errors.New("io")}
	assert.Equal(t, `lockable: acquire "x": io`, err.Error())
	hang := &HangTimeoutError{Name: "x"}
	assert.Contains(t, hang.Error(), `"x"`)
	assert.True(t, errors.Is(hang, ErrHangTimeout))
}

func TestRequestEmitsSpan(t *testing.T) {
	sr := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(sr))
	// Tracers handed out before the first SetTracerProvider delegate to it.
	otel.SetTracerProvider(tp)
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })

	l, err := New("traced", WithStore(store.NewInMemoryStore()))
	require.NoError(t, err)
	_, err = l.Request(context.Background(), func(context.Context) error { return nil })
	require.NoError(t, err)

	var found bool
	for _, s := range sr.Ended() {
		if s.Name() != "lock.Request" {
			continue
		}
		found = true
		attrs := map[string]string{}
		for _, kv := range s.Attributes() {
			attrs[string(kv.Key)] = kv.Value.Emit()
		}
		assert.Equal(t, "traced", attrs["lockable.name"])
		assert.Equal(t, metrics.OutcomeAcquired, attrs["lockable.outcome"])
		assert.NotEmpty(t, attrs["lockable.request_id"])
	}
	assert.True(t, found, "lock.Request span not recorded")
}
