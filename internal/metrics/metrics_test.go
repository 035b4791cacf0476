package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestRegisterIsIdempotent(t *testing.T) {
	reg := prometheus.NewRegistry()
	if err := Register(reg); err != nil {
		t.Fatalf("first register: %v", err)
	}
	if err := Register(reg); err != nil {
		t.Fatalf("second register should tolerate duplicates: %v", err)
	}
}

func TestObserveHelpersNormaliseLabels(t *testing.T) {
	before := testutil.ToFloat64(injectionsTotal.WithLabelValues("disable_cache", OutcomeSuccess))
	ObserveInjection("disable_cache", "whatever")
	after := testutil.ToFloat64(injectionsTotal.WithLabelValues("disable_cache", OutcomeSuccess))
	if after != before+1 {
		t.Fatalf("expected unknown outcome to count as success, got %v -> %v", before, after)
	}

	beforeRuns := testutil.ToFloat64(fixRunsTotal.WithLabelValues("true"))
	ObserveFixRun(-time.Second, true)
	if got := testutil.ToFloat64(fixRunsTotal.WithLabelValues("true")); got != beforeRuns+1 {
		t.Fatalf("expected verified run counted, got %v", got)
	}
}
