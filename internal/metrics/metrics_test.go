package metrics

import (
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestMetrics_Counters(t *testing.T) {
	reg := prometheus.NewPedanticRegistry()
	m, err := New(reg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	m.RequestDone(OutcomeOK)
	m.RequestDone(OutcomeOK)
	m.RequestDone(OutcomeTransportError)
	m.StreamStarted()
	m.Chunk(3)
	m.Chunk(4)
	m.StreamEnded(10*time.Millisecond, errors.New("read"), nil)

	if got := testutil.ToFloat64(m.requests.WithLabelValues(OutcomeOK)); got != 2 {
		t.Fatalf("ok requests: want 2 got %v", got)
	}
	if got := testutil.ToFloat64(m.requests.WithLabelValues(OutcomeTransportError)); got != 1 {
		t.Fatalf("transport errors: want 1 got %v", got)
	}
	if got := testutil.ToFloat64(m.chunks); got != 2 {
		t.Fatalf("chunks: want 2 got %v", got)
	}
	if got := testutil.ToFloat64(m.bytes); got != 7 {
		t.Fatalf("bytes: want 7 got %v", got)
	}
	if got := testutil.ToFloat64(m.inFlight); got != 0 {
		t.Fatalf("in flight: want 0 got %v", got)
	}
	if got := testutil.ToFloat64(m.readErrors); got != 1 {
		t.Fatalf("read errors: want 1 got %v", got)
	}
	if n, err := testutil.GatherAndCount(reg, "streamrelay_stream_duration_seconds"); err != nil || n != 1 {
		t.Fatalf("duration histogram: n=%d err=%v", n, err)
	}
}

func TestMetrics_NilIsNoop(t *testing.T) {
	var m *Metrics
	m.RequestDone(OutcomeOK)
	m.StreamStarted()
	m.Chunk(1)
	m.StreamEnded(time.Second, nil, nil)
}

func TestMetrics_DuplicateRegistration(t *testing.T) {
	reg := prometheus.NewRegistry()
	if _, err := New(reg); err != nil {
		t.Fatalf("first New: %v", err)
	}
	if _, err := New(reg); err == nil {
		t.Fatalf("expected duplicate registration error")
	}
}
