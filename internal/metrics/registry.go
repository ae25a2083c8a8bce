// Package metrics provides Prometheus metrics for the meter gateway.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Registry holds all Prometheus metrics for the service.
type Registry struct {
	// Connection metrics
	ConnectionsTotal  prometheus.Counter
	ConnectionErrors  prometheus.Counter
	ConnectionLatency prometheus.Histogram

	// Pool metrics
	PoolSessionsInUse  *prometheus.GaugeVec
	PoolSessionsIdle   *prometheus.GaugeVec
	PoolAcquireTimeout *prometheus.CounterVec

	// Read metrics
	ReadsTotal     *prometheus.CounterVec
	ReadDuration   prometheus.Histogram
	RegisterErrors *prometheus.CounterVec

	// Polling metrics
	PollsTotal   *prometheus.CounterVec
	PollsSkipped prometheus.Counter

	// MQTT metrics
	MQTTMessagesPublished prometheus.Counter
	MQTTMessagesFailed    prometheus.Counter
	MQTTPublishLatency    prometheus.Histogram

	// Meter metrics
	MetersRegistered prometheus.Gauge
}

// NewRegistry creates a new metrics registry with all metrics registered.
func NewRegistry() *Registry {
	return &Registry{
		ConnectionsTotal: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: "metergate",
			Subsystem: "modbus",
			Name:      "connections_total",
			Help:      "Total number of Modbus connection attempts",
		}),
		ConnectionErrors: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: "metergate",
			Subsystem: "modbus",
			Name:      "connection_errors_total",
			Help:      "Total number of Modbus connection failures",
		}),
		ConnectionLatency: promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace: "metergate",
			Subsystem: "modbus",
			Name:      "connection_latency_seconds",
			Help:      "Modbus connection establishment latency",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		}),

		PoolSessionsInUse: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "metergate",
			Subsystem: "pool",
			Name:      "sessions_in_use",
			Help:      "Sessions currently checked out, per device",
		}, []string{"device"}),
		PoolSessionsIdle: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "metergate",
			Subsystem: "pool",
			Name:      "sessions_idle",
			Help:      "Idle sessions available for checkout, per device",
		}, []string{"device"}),
		PoolAcquireTimeout: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: "metergate",
			Subsystem: "pool",
			Name:      "acquire_timeouts_total",
			Help:      "Acquire attempts that timed out waiting for a slot",
		}, []string{"device"}),

		ReadsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: "metergate",
			Subsystem: "reads",
			Name:      "total",
			Help:      "Total meter read operations by result",
		}, []string{"result"}),
		ReadDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace: "metergate",
			Subsystem: "reads",
			Name:      "duration_seconds",
			Help:      "Full meter read duration in seconds",
			Buckets:   []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
		}),
		RegisterErrors: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: "metergate",
			Subsystem: "reads",
			Name:      "register_errors_total",
			Help:      "Per-register read failures by error kind",
		}, []string{"kind"}),

		PollsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: "metergate",
			Subsystem: "polling",
			Name:      "polls_total",
			Help:      "Total poll operations by meter and status",
		}, []string{"meter", "status"}),
		PollsSkipped: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: "metergate",
			Subsystem: "polling",
			Name:      "polls_skipped_total",
			Help:      "Total polls skipped due to worker pool back-pressure",
		}),

		MQTTMessagesPublished: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: "metergate",
			Subsystem: "mqtt",
			Name:      "messages_published_total",
			Help:      "Total number of MQTT messages published",
		}),
		MQTTMessagesFailed: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: "metergate",
			Subsystem: "mqtt",
			Name:      "messages_failed_total",
			Help:      "Total number of failed MQTT publishes",
		}),
		MQTTPublishLatency: promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace: "metergate",
			Subsystem: "mqtt",
			Name:      "publish_latency_seconds",
			Help:      "MQTT publish latency in seconds",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5},
		}),

		MetersRegistered: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: "metergate",
			Subsystem: "meters",
			Name:      "registered",
			Help:      "Number of registered meters",
		}),
	}
}

// RecordConnection records a connection attempt.
func (r *Registry) RecordConnection(success bool, latency float64) {
	r.ConnectionsTotal.Inc()
	if !success {
		r.ConnectionErrors.Inc()
	}
	r.ConnectionLatency.Observe(latency)
}

// SetPoolSessions updates the per-device pool occupancy gauges.
func (r *Registry) SetPoolSessions(device string, inUse, idle int) {
	r.PoolSessionsInUse.WithLabelValues(device).Set(float64(inUse))
	r.PoolSessionsIdle.WithLabelValues(device).Set(float64(idle))
}

// RecordAcquireTimeout records an acquire that timed out.
func (r *Registry) RecordAcquireTimeout(device string) {
	r.PoolAcquireTimeout.WithLabelValues(device).Inc()
}

// RecordMeterRead records a completed meter read.
func (r *Registry) RecordMeterRead(result string, duration float64) {
	r.ReadsTotal.WithLabelValues(result).Inc()
	r.ReadDuration.Observe(duration)
}

// RecordRegisterError records a per-register read failure.
func (r *Registry) RecordRegisterError(kind string) {
	r.RegisterErrors.WithLabelValues(kind).Inc()
}

// RecordPoll records a poll cycle outcome for a meter.
func (r *Registry) RecordPoll(meter string, status string) {
	r.PollsTotal.WithLabelValues(meter, status).Inc()
}

// RecordPollSkipped records a skipped poll due to back-pressure.
func (r *Registry) RecordPollSkipped() {
	r.PollsSkipped.Inc()
}

// RecordMQTTPublish records an MQTT publish operation.
func (r *Registry) RecordMQTTPublish(success bool, latency float64) {
	if success {
		r.MQTTMessagesPublished.Inc()
	} else {
		r.MQTTMessagesFailed.Inc()
	}
	r.MQTTPublishLatency.Observe(latency)
}

// SetMetersRegistered updates the registered meter count.
func (r *Registry) SetMetersRegistered(count int) {
	r.MetersRegistered.Set(float64(count))
}
