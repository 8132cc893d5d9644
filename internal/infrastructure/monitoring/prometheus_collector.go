package monitoring

import (
	"time"

	"clicktocall/internal/core/domain"
	"clicktocall/internal/core/ports"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type PrometheusCollector struct {
	callsActive  prometheus.Gauge
	callsStarted *prometheus.CounterVec
	messagesSent *prometheus.CounterVec
	postFailures *prometheus.CounterVec
	transitions  *prometheus.CounterVec
	callDuration prometheus.Histogram
	packetLoss   prometheus.Histogram
}

var _ ports.CallMetrics = (*PrometheusCollector)(nil)

// NewPrometheusCollector registers the call metrics with reg. A nil reg
// uses the default registry.
func NewPrometheusCollector(reg prometheus.Registerer) *PrometheusCollector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &PrometheusCollector{
		callsActive: factory.NewGauge(prometheus.GaugeOpts{
			Name: "clicktocall_calls_active",
			Help: "Number of calls currently connecting or connected",
		}),

		callsStarted: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "clicktocall_calls_started_total",
			Help: "Total number of calls started",
		}, []string{"direction"}),

		messagesSent: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "clicktocall_signaling_messages_total",
			Help: "Total number of call messages posted",
		}, []string{"type"}),

		postFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "clicktocall_signaling_failures_total",
			Help: "Total number of call messages that could not be posted",
		}, []string{"type"}),

		transitions: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "clicktocall_call_state_transitions_total",
			Help: "Call state transitions",
		}, []string{"from", "to"}),

		callDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "clicktocall_call_duration_seconds",
			Help:    "Duration of calls from start to close",
			Buckets: prometheus.ExponentialBuckets(1, 2, 12),
		}),

		packetLoss: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "clicktocall_remote_packet_loss_ratio",
			Help:    "Fraction of packets lost as reported by remote RTCP",
			Buckets: []float64{0, 0.01, 0.02, 0.05, 0.1, 0.2, 0.5, 1},
		}),
	}
}

func (p *PrometheusCollector) RecordCallStarted(outgoing bool) {
	direction := "incoming"
	if outgoing {
		direction = "outgoing"
	}
	p.callsStarted.WithLabelValues(direction).Inc()
	p.callsActive.Inc()
}

func (p *PrometheusCollector) RecordCallEnded(duration time.Duration) {
	p.callsActive.Dec()
	p.callDuration.Observe(duration.Seconds())
}

func (p *PrometheusCollector) RecordStateTransition(from, to domain.CallState) {
	p.transitions.WithLabelValues(string(from), string(to)).Inc()
}

func (p *PrometheusCollector) RecordMessageSent(messageType domain.MessageType) {
	p.messagesSent.WithLabelValues(string(messageType)).Inc()
}

func (p *PrometheusCollector) RecordSignalingFailure(messageType domain.MessageType) {
	p.postFailures.WithLabelValues(string(messageType)).Inc()
}

func (p *PrometheusCollector) RecordPacketLoss(loss float64) {
	p.packetLoss.Observe(loss)
}
