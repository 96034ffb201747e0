package metrics

import (
	"errors"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestRecordersUpdateCollectors(t *testing.T) {
	m := NewMetrics(prometheus.NewRegistry())

	m.RecordFrameReceived("dispatch", 320)
	m.RecordFrameReceived("dispatch", 320)
	m.RecordSegmentEmitted("silence", 12, 192044)
	m.RecordEventPublished("radio.segments", nil)
	m.RecordEventPublished("radio.segments", errors.New("broker down"))

	if got := testutil.ToFloat64(m.FramesReceived.WithLabelValues("dispatch")); got != 2 {
		t.Errorf("Expected 2 frames, got %v", got)
	}
	if got := testutil.ToFloat64(m.BytesReceived.WithLabelValues("dispatch")); got != 640 {
		t.Errorf("Expected 640 bytes, got %v", got)
	}
	if got := testutil.ToFloat64(m.SegmentsEmitted.WithLabelValues("silence")); got != 1 {
		t.Errorf("Expected 1 segment, got %v", got)
	}
	if got := testutil.ToFloat64(m.EventsPublished.WithLabelValues("radio.segments", "error")); got != 1 {
		t.Errorf("Expected 1 failed publish, got %v", got)
	}
}

func TestNilMetricsAreNoops(t *testing.T) {
	var m *Metrics
	m.RecordFrameReceived("dispatch", 10)
	m.RecordIncidentTransition("EN_ROUTE")
	m.RecordHTTPRequest("GET", "/health", "200", 0.01)
}
