package metrics

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/micro-ha/device-intake/internal/model"
)

func TestObserveBatch(t *testing.T) {
	m := NewWithRegistry(prometheus.NewRegistry())
	m.ObserveBatch(model.OutcomePartial, 8, 2)
	m.ObserveBatch(model.OutcomeSuccess, 5, 0)

	if got := testutil.ToFloat64(m.batches.WithLabelValues("partial")); got != 1 {
		t.Fatalf("expected one partial batch, got %v", got)
	}
	if got := testutil.ToFloat64(m.records.WithLabelValues("succeeded")); got != 13 {
		t.Fatalf("expected 13 succeeded records, got %v", got)
	}
	if got := testutil.ToFloat64(m.records.WithLabelValues("failed")); got != 2 {
		t.Fatalf("expected 2 failed records, got %v", got)
	}
}

func TestObserveCycleCountsErrors(t *testing.T) {
	m := NewWithRegistry(prometheus.NewRegistry())
	m.ObserveCycle(time.Second, 2, nil)
	m.ObserveCycle(time.Second, 0, errors.New("list failed"))

	if got := testutil.ToFloat64(m.cycles); got != 2 {
		t.Fatalf("expected 2 cycles, got %v", got)
	}
	if got := testutil.ToFloat64(m.cycleErrors); got != 1 {
		t.Fatalf("expected 1 cycle error, got %v", got)
	}
	if got := testutil.ToFloat64(m.delivered); got != 2 {
		t.Fatalf("expected 2 delivered, got %v", got)
	}
}

func TestObservePhaseGauge(t *testing.T) {
	m := NewWithRegistry(prometheus.NewRegistry())
	m.ObservePhase("pairing", 250*time.Millisecond, 4)

	if got := testutil.ToFloat64(m.phasePeakWorkers.WithLabelValues("pairing")); got != 4 {
		t.Fatalf("expected peak 4, got %v", got)
	}
	expected := `
# HELP device_intake_phase_peak_workers Peak concurrent workers seen in the last run of a phase.
# TYPE device_intake_phase_peak_workers gauge
device_intake_phase_peak_workers{phase="pairing"} 4
`
	if err := testutil.CollectAndCompare(m.phasePeakWorkers, strings.NewReader(expected)); err != nil {
		t.Fatal(err)
	}
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	m.ObserveBatch(model.OutcomeFail, 0, 1)
	m.ObserveCycle(time.Second, 0, nil)
	m.ObservePhase("update", time.Second, 1)
	m.ObserveRequest("GET", "/healthz", 200, time.Millisecond)
}

func TestStatusClass(t *testing.T) {
	cases := map[int]string{200: "2xx", 204: "2xx", 302: "3xx", 404: "4xx", 503: "5xx"}
	for status, want := range cases {
		if got := statusClass(status); got != want {
			t.Fatalf("statusClass(%d) = %s, want %s", status, got, want)
		}
	}
}
