package observability

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestMetricsSessionLifecycle(t *testing.T) {
	m := NewMetrics("test", prometheus.NewRegistry())

	m.SessionStarted()
	m.SessionStarted()
	m.SessionEnded("completed", 30*time.Second)

	if got := testutil.ToFloat64(m.ActiveSessions); got != 1 {
		t.Fatalf("active_sessions = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.SessionEvents.WithLabelValues("completed")); got != 1 {
		t.Fatalf("session_events_total{completed} = %v, want 1", got)
	}
}

func TestMetricsDeductions(t *testing.T) {
	m := NewMetrics("test", prometheus.NewRegistry())

	m.Deduction(true, 3)
	m.Deduction(true, 3)
	m.Deduction(false, 3)

	if got := testutil.ToFloat64(m.CreditsCharged); got != 6 {
		t.Fatalf("credits_charged_total = %v, want 6", got)
	}
	if got := testutil.ToFloat64(m.CreditDeductions.WithLabelValues("insufficient")); got != 1 {
		t.Fatalf("credit_deductions_total{insufficient} = %v, want 1", got)
	}
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	m.SessionStarted()
	m.Outbound("audio", "sent")
	m.Deduction(true, 1)
	m.ObserveUpstreamConnect(time.Second)
}
