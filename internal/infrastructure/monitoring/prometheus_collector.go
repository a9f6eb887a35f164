package monitoring

import (
	"time"

	"callnet/internal/core/domain"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// PrometheusCollector records call lifecycle metrics for the call core and
// connection metrics for the relay.
type PrometheusCollector struct {
	// Calls
	callsStarted   *prometheus.CounterVec
	callsEnded     *prometheus.CounterVec
	callsActive    prometheus.Gauge
	callSetup      *prometheus.HistogramVec
	callDuration   prometheus.Histogram
	signalDropped  *prometheus.CounterVec
	signalFailures *prometheus.CounterVec

	// Relay
	relayConnections   prometheus.Gauge
	relayFramesRelayed prometheus.Counter
	relayFramesDropped *prometheus.CounterVec
}

// NewPrometheusCollector registers every metric on reg. A nil reg uses the
// default registry.
func NewPrometheusCollector(reg prometheus.Registerer) *PrometheusCollector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &PrometheusCollector{
		callsStarted: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "callnet_calls_started_total",
			Help: "Call attempts started, by role",
		}, []string{"role"}),

		callsEnded: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "callnet_calls_ended_total",
			Help: "Call attempts ended, by role and reason",
		}, []string{"role", "reason"}),

		callsActive: factory.NewGauge(prometheus.GaugeOpts{
			Name: "callnet_calls_active",
			Help: "Call attempts currently in progress",
		}),

		callSetup: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "callnet_call_setup_seconds",
			Help:    "Time from call start to a connected media path",
			Buckets: []float64{0.25, 0.5, 1, 2, 5, 10, 20, 30},
		}, []string{"role"}),

		callDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "callnet_call_duration_seconds",
			Help:    "Total lifetime of call attempts",
			Buckets: prometheus.ExponentialBuckets(1, 2, 12),
		}),

		signalDropped: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "callnet_signals_dropped_total",
			Help: "Inbound signal messages ignored by the call state machine",
		}, []string{"reason"}),

		signalFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "callnet_signal_send_failures_total",
			Help: "Outbound signal messages the channel failed to send",
		}, []string{"kind"}),

		relayConnections: factory.NewGauge(prometheus.GaugeOpts{
			Name: "callnet_relay_connections",
			Help: "Open relay WebSocket connections",
		}),

		relayFramesRelayed: factory.NewCounter(prometheus.CounterOpts{
			Name: "callnet_relay_frames_relayed_total",
			Help: "Frames written to relay connections",
		}),

		relayFramesDropped: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "callnet_relay_frames_dropped_total",
			Help: "Frames the relay refused or could not deliver",
		}, []string{"reason"}),
	}
}

func (p *PrometheusCollector) CallStarted(role domain.Role) {
	p.callsStarted.WithLabelValues(string(role)).Inc()
	p.callsActive.Inc()
}

func (p *PrometheusCollector) CallConnected(role domain.Role, setup time.Duration) {
	p.callSetup.WithLabelValues(string(role)).Observe(setup.Seconds())
}

func (p *PrometheusCollector) CallEnded(role domain.Role, reason domain.EndReason, duration time.Duration) {
	p.callsEnded.WithLabelValues(string(role), string(reason)).Inc()
	p.callsActive.Dec()
	p.callDuration.Observe(duration.Seconds())
}

func (p *PrometheusCollector) SignalDropped(reason string) {
	p.signalDropped.WithLabelValues(reason).Inc()
}

func (p *PrometheusCollector) SignalSendFailed(kind domain.SignalKind) {
	p.signalFailures.WithLabelValues(string(kind)).Inc()
}

func (p *PrometheusCollector) ConnectionOpened() {
	p.relayConnections.Inc()
}

func (p *PrometheusCollector) ConnectionClosed() {
	p.relayConnections.Dec()
}

func (p *PrometheusCollector) FrameRelayed() {
	p.relayFramesRelayed.Inc()
}

func (p *PrometheusCollector) FrameDropped(reason string) {
	p.relayFramesDropped.WithLabelValues(reason).Inc()
}
