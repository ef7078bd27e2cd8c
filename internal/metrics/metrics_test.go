package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestInit(t *testing.T) {
	// Call Init multiple times to test idempotency.
	Init()
	Init()

	if recordsFetchedTotal == nil || sourceFailuresTotal == nil ||
		upsertsTotal == nil || httpRequestDurationSeconds == nil {
		t.Fatal("Init() did not initialize metrics collectors")
	}
}

func TestObserveFetch(t *testing.T) {
	Init()

	before := testutil.ToFloat64(recordsFetchedTotal.WithLabelValues("metrics-ted", "feed"))
	ObserveFetch("metrics-ted", "feed", 3, 2, false)
	if got := testutil.ToFloat64(recordsFetchedTotal.WithLabelValues("metrics-ted", "feed")); got != before+3 {
		t.Errorf("expected records fetched %v, got %v", before+3, got)
	}
	if got := testutil.ToFloat64(servedByTotal.WithLabelValues("metrics-ted", "feed")); got < 1 {
		t.Errorf("expected served_by to be incremented, got %v", got)
	}

	ObserveFetch("metrics-boamp", "", 0, 3, true)
	if got := testutil.ToFloat64(sourceFailuresTotal.WithLabelValues("metrics-boamp")); got != 1 {
		t.Errorf("expected one source failure, got %v", got)
	}
}

func TestObservePipelineCounters(t *testing.T) {
	Init()

	ObserveNormalizationDrop("metrics-place", "country")
	if got := testutil.ToFloat64(normalizationDroppedTotal.WithLabelValues("metrics-place", "country")); got != 1 {
		t.Errorf("expected one drop, got %v", got)
	}

	before := testutil.ToFloat64(duplicatesCollapsedTotal)
	ObserveDuplicatesCollapsed(0)
	ObserveDuplicatesCollapsed(2)
	if got := testutil.ToFloat64(duplicatesCollapsedTotal); got != before+2 {
		t.Errorf("expected duplicates %v, got %v", before+2, got)
	}

	ObserveRun("metrics-partial", time.Second)
	if got := testutil.ToFloat64(runsTotal.WithLabelValues("metrics-partial")); got != 1 {
		t.Errorf("expected one partial run, got %v", got)
	}
}
