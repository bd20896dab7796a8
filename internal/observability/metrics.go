package observability

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics groups all Prometheus instruments used by the service. A nil
// *Metrics is valid and records nothing.
type Metrics struct {
	ActiveSessions         prometheus.Gauge
	SessionEvents          *prometheus.CounterVec
	WSMessages             *prometheus.CounterVec
	OutboundMessages       *prometheus.CounterVec
	ProviderErrors         *prometheus.CounterVec
	CreditDeductions       *prometheus.CounterVec
	CreditsCharged         prometheus.Counter
	SessionDuration        prometheus.Histogram
	UpstreamConnectLatency prometheus.Histogram
}

// NewMetrics registers instruments with reg, or the default registerer when
// reg is nil.
func NewMetrics(namespace string, reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)
	return &Metrics{
		ActiveSessions: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_sessions",
			Help:      "Number of active realtime voice sessions.",
		}),
		SessionEvents: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "session_events_total",
			Help:      "Session lifecycle events by type.",
		}, []string{"event"}),
		WSMessages: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ws_messages_total",
			Help:      "WebSocket messages by direction and type.",
		}, []string{"direction", "type"}),
		OutboundMessages: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "outbound_messages_total",
			Help:      "Outbound messages by type and delivery result.",
		}, []string{"type", "result"}),
		ProviderErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "provider_errors_total",
			Help:      "Upstream provider errors by provider and code.",
		}, []string{"provider", "code"}),
		CreditDeductions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "credit_deductions_total",
			Help:      "Metering deduction attempts by result.",
		}, []string{"result"}),
		CreditsCharged: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "credits_charged_total",
			Help:      "Credits charged by metering.",
		}),
		SessionDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "session_duration_seconds",
			Help:      "Duration of finalized realtime sessions.",
			Buckets:   []float64{10, 30, 60, 120, 300, 600, 1200, 1800, 3600},
		}),
		UpstreamConnectLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "upstream_connect_latency_ms",
			Help:      "Latency to open the upstream model stream in milliseconds.",
			Buckets:   []float64{100, 200, 300, 500, 700, 900, 1200, 2000, 5000},
		}),
	}
}

func (m *Metrics) SessionStarted() {
	if m == nil {
		return
	}
	m.ActiveSessions.Inc()
	m.SessionEvents.WithLabelValues("started").Inc()
}

func (m *Metrics) SessionEnded(status string, d time.Duration) {
	if m == nil {
		return
	}
	m.ActiveSessions.Dec()
	m.SessionEvents.WithLabelValues(status).Inc()
	m.SessionDuration.Observe(d.Seconds())
}

func (m *Metrics) SessionEvent(event string) {
	if m == nil {
		return
	}
	m.SessionEvents.WithLabelValues(event).Inc()
}

func (m *Metrics) Inbound(msgType string) {
	if m == nil {
		return
	}
	m.WSMessages.WithLabelValues("in", msgType).Inc()
}

func (m *Metrics) Outbound(msgType, result string) {
	if m == nil {
		return
	}
	m.WSMessages.WithLabelValues("out", msgType).Inc()
	m.OutboundMessages.WithLabelValues(msgType, result).Inc()
}

func (m *Metrics) ProviderError(provider, code string) {
	if m == nil {
		return
	}
	m.ProviderErrors.WithLabelValues(provider, code).Inc()
}

func (m *Metrics) Deduction(ok bool, amount int64) {
	if m == nil {
		return
	}
	if !ok {
		m.CreditDeductions.WithLabelValues("insufficient").Inc()
		return
	}
	m.CreditDeductions.WithLabelValues("charged").Inc()
	m.CreditsCharged.Add(float64(amount))
}

func (m *Metrics) DeductionError() {
	if m == nil {
		return
	}
	m.CreditDeductions.WithLabelValues("error").Inc()
}

func (m *Metrics) ObserveUpstreamConnect(d time.Duration) {
	if m == nil {
		return
	}
	m.UpstreamConnectLatency.Observe(float64(d.Milliseconds()))
}

func MetricsHandler() http.Handler {
	return promhttp.Handler()
}
