package monitoring

import (
	"returnfeed/internal/core/domain"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type PrometheusCollector struct {
	// Connection metrics
	connectionsActive prometheus.Gauge
	connectionsTotal  prometheus.Counter

	// Signal traffic
	messagesReceived *prometheus.CounterVec
	broadcastsTotal  *prometheus.CounterVec

	// Bitrate control
	effectiveBitrate *prometheus.GaugeVec
	bitrateSteps     *prometheus.CounterVec

	// Latency pipeline
	endToEndLatency prometheus.Histogram
	segmentLatency  *prometheus.HistogramVec
	alertsTotal     *prometheus.CounterVec

	// Upstream link
	upstreamConnected prometheus.Gauge
}

func NewPrometheusCollector() *PrometheusCollector {
	return &PrometheusCollector{
		connectionsActive: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "returnfeed_connections_active",
			Help: "Number of currently connected clients",
		}),

		connectionsTotal: promauto.NewCounter(prometheus.CounterOpts{
			Name: "returnfeed_connections_total",
			Help: "Total number of websocket connections accepted",
		}),

		messagesReceived: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "returnfeed_messages_received_total",
			Help: "Inbound signal messages by type",
		}, []string{"type"}),

		broadcastsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "returnfeed_broadcasts_total",
			Help: "Session broadcast deliveries by outcome",
		}, []string{"outcome"}),

		effectiveBitrate: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "returnfeed_effective_bitrate_bps",
			Help: "Effective bitrate currently applied per camera",
		}, []string{"session_id", "camera_id"}),

		bitrateSteps: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "returnfeed_bitrate_steps_total",
			Help: "Bitrate control steps by direction",
		}, []string{"direction"}),

		endToEndLatency: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "returnfeed_end_to_end_latency_ms",
			Help:    "Producer to viewer latency in milliseconds",
			Buckets: []float64{10, 25, 50, 75, 100, 150, 250, 500, 1000},
		}),

		segmentLatency: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "returnfeed_segment_latency_ms",
			Help:    "Per-segment pipeline latency in milliseconds",
			Buckets: []float64{1, 3, 5, 10, 15, 25, 50, 100, 250},
		}, []string{"segment"}),

		alertsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "returnfeed_latency_alerts_total",
			Help: "Latency threshold alerts by severity",
		}, []string{"severity"}),

		upstreamConnected: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "returnfeed_upstream_connected",
			Help: "Whether the producer link is up (1) or down (0)",
		}),
	}
}

func (p *PrometheusCollector) RecordClientConnected() {
	p.connectionsActive.Inc()
	p.connectionsTotal.Inc()
}

func (p *PrometheusCollector) RecordClientDisconnected() {
	p.connectionsActive.Dec()
}

func (p *PrometheusCollector) RecordMessage(msgType string) {
	p.messagesReceived.WithLabelValues(msgType).Inc()
}

// RecordBroadcast feeds the session bus observer.
func (p *PrometheusCollector) RecordBroadcast(sessionID domain.SessionID, delivered, failed int) {
	p.broadcastsTotal.WithLabelValues("delivered").Add(float64(delivered))
	if failed > 0 {
		p.broadcastsTotal.WithLabelValues("failed").Add(float64(failed))
	}
}

// RecordBitrateApplied feeds the bitrate control observer.
func (p *PrometheusCollector) RecordBitrateApplied(setting domain.BitrateSetting) {
	p.effectiveBitrate.WithLabelValues(string(setting.SessionID), string(setting.CameraID)).
		Set(float64(setting.EffectiveBitrate()))
}

func (p *PrometheusCollector) RecordBitrateStep(up bool) {
	direction := "down"
	if up {
		direction = "up"
	}
	p.bitrateSteps.WithLabelValues(direction).Inc()
}

// RecordTrace feeds the latency pipeline trace observer.
func (p *PrometheusCollector) RecordTrace(trace domain.LatencyTrace) {
	if trace.Reason != domain.TraceCompleted {
		return
	}
	p.endToEndLatency.Observe(trace.TotalLatency)
	for _, segment := range trace.Segments {
		p.segmentLatency.WithLabelValues(segment.Name).Observe(segment.Duration)
	}
}

// RecordAlert feeds the latency pipeline alert observer.
func (p *PrometheusCollector) RecordAlert(alert domain.Alert) {
	p.alertsTotal.WithLabelValues(string(alert.Severity)).Inc()
}

func (p *PrometheusCollector) SetUpstreamConnected(connected bool) {
	if connected {
		p.upstreamConnected.Set(1)
	} else {
		p.upstreamConnected.Set(0)
	}
}
