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

func TestObserveRemediationNormalisesOutcome(t *testing.T) {
	before := testutil.ToFloat64(remediationsTotal.WithLabelValues("restart", OutcomeSuccess))
	ObserveRemediation("restart", -time.Second, "weird")
	after := testutil.ToFloat64(remediationsTotal.WithLabelValues("restart", OutcomeSuccess))
	if after-before != 1 {
		t.Fatalf("expected unknown outcome to count as success, delta=%v", after-before)
	}
}
