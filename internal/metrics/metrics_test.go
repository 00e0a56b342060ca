package metrics

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestCounters(t *testing.T) {
	m := New()
	m.Transition("admit")
	m.Transition("admit")
	m.ReviewEvent("review", "minor_revision_requested")
	m.Upload(true)
	m.Upload(false)
	m.Upload(true)
	m.Scoring("failed")
	m.QuotaDenied()

	if got := testutil.ToFloat64(m.transitions.WithLabelValues("admit")); got != 2 {
		t.Errorf("admit transitions = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.uploads.WithLabelValues("reused")); got != 2 {
		t.Errorf("reused uploads = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.quotaDenials); got != 1 {
		t.Errorf("quota denials = %v, want 1", got)
	}
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	m.Transition("admit")
	m.ReviewEvent("discussion", "comment")
	m.Upload(true)
	m.Scoring("ok")
	m.QuotaDenied()
}

func TestHandlerExposesCollectors(t *testing.T) {
	m := New()
	m.Transition("reject")

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, _ := io.ReadAll(rec.Body)
	if !strings.Contains(string(body), `manuscript_transitions_total{operation="reject"} 1`) {
		t.Fatalf("metrics output missing transition counter:\n%s", body)
	}
}
