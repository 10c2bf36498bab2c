package observability

import (
	"testing"
	"time"

	"github.com/danmuck/kernelbridge/internal/testutil/testlog"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestRegisterMetricsAndRecordersAreSafe(t *testing.T) {
	testlog.Start(t)
	RegisterMetrics()
	RegisterMetrics()

	RecordHTTPRequest("GET", "/health", 200, 12*time.Millisecond)
	RecordConnect(true)
	RecordRouterTermination("pipe_io")
}

func TestRecordRoutedIncrementsByLabel(t *testing.T) {
	testlog.Start(t)
	before := testutil.ToFloat64(routerMessages.WithLabelValues(DirectionToHost, "iopub"))
	RecordRouted(DirectionToHost, "iopub")
	RecordRouted(DirectionToHost, "iopub")
	after := testutil.ToFloat64(routerMessages.WithLabelValues(DirectionToHost, "iopub"))
	if after-before != 2 {
		t.Fatalf("expected +2 routed messages, got %v", after-before)
	}
}

func TestSessionGauge(t *testing.T) {
	testlog.Start(t)
	before := testutil.ToFloat64(sessionsActive)
	SessionStarted()
	if got := testutil.ToFloat64(sessionsActive); got != before+1 {
		t.Fatalf("expected gauge %v, got %v", before+1, got)
	}
	SessionEnded()
	if got := testutil.ToFloat64(sessionsActive); got != before {
		t.Fatalf("expected gauge %v, got %v", before, got)
	}
}
