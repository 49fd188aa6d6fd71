package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestRegisterLockMetrics(t *testing.T) {
	reg := NewRegistry()
	RegisterLockMetrics(reg)
	RequestsTotal.WithLabelValues("lease", OutcomeAcquired).Inc()
	HangTimeouts.Inc()
	WaitSeconds.WithLabelValues("lease").Observe(0.01)
	Held.WithLabelValues("lease").Set(1)
	BusPublishFailures.Inc()

	mfs, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	if len(mfs) != 5 {
		t.Fatalf("expected 5 metric families, got %d", len(mfs))
	}
	if got := testutil.ToFloat64(RequestsTotal.WithLabelValues("lease", OutcomeAcquired)); got < 1 {
		t.Fatalf("expected acquired counter incremented, got %v", got)
	}
}

func TestRegisterLockMetricsDuplicatePanics(t *testing.T) {
	reg := prometheus.NewRegistry()
	RegisterLockMetrics(reg)
	defer func() {
		if r := recover(); r == nil {
			t.Fatal("expected panic on duplicate registration")
		}
	}()
	RegisterLockMetrics(reg)
}
