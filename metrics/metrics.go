package metrics

import (
	"strconv"

	"AirbandBridge/model"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics 桥接服务的 Prometheus 指标，作为流水线观察者接收状态迁移
type Metrics struct {
	// 录音流水线
	Transitions      *prometheus.CounterVec
	Failures         *prometheus.CounterVec
	InFlight         prometheus.Gauge
	RecordingSeconds prometheus.Histogram
	PublishAttempts  prometheus.Histogram
	Published        *prometheus.CounterVec

	// 状态服务
	HTTPRequests        *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
	WSClients           prometheus.Gauge
}

// New 在 reg 上注册全部指标；reg 为 nil 时使用默认注册表
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &Metrics{
		Transitions: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "airband_recording_transitions_total",
			Help: "Recording state transitions by target state",
		}, []string{"state"}),
		Failures: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "airband_recording_failures_total",
			Help: "Failed recordings by error kind",
		}, []string{"kind"}),
		InFlight: factory.NewGauge(prometheus.GaugeOpts{
			Name: "airband_recordings_processing",
			Help: "Recordings currently being processed",
		}),
		RecordingSeconds: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "airband_recording_duration_seconds",
			Help:    "Duration of published recordings",
			Buckets: prometheus.ExponentialBuckets(0.5, 2, 10), // 0.5s ~ 4min
		}),
		PublishAttempts: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "airband_publish_attempts",
			Help:    "Publish attempts needed per recording",
			Buckets: prometheus.LinearBuckets(1, 1, 8),
		}),
		Published: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "airband_published_total",
			Help: "Published voice messages by frequency",
		}, []string{"frequency"}),

		HTTPRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "airband_http_requests_total",
			Help: "Total number of status API requests",
		}, []string{"method", "endpoint", "status_code"}),
		HTTPRequestDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "airband_http_request_duration_seconds",
			Help:    "Duration of status API requests",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "endpoint"}),
		WSClients: factory.NewGauge(prometheus.GaugeOpts{
			Name: "airband_ws_clients",
			Help: "Connected event stream clients",
		}),
	}
}

// Observe 实现 pipeline.Observer
func (m *Metrics) Observe(t model.Transition) {
	m.Transitions.WithLabelValues(string(t.To)).Inc()

	if t.To == model.RecordingProcessing {
		m.InFlight.Inc()
	} else if t.From == model.RecordingProcessing {
		m.InFlight.Dec()
	}

	switch t.To {
	case model.RecordingPublished:
		m.Published.WithLabelValues(strconv.FormatInt(t.FrequencyHz, 10)).Inc()
		if t.DurationMs > 0 {
			m.RecordingSeconds.Observe(float64(t.DurationMs) / 1000)
		}
		if t.Attempts > 0 {
			m.PublishAttempts.Observe(float64(t.Attempts))
		}
	case model.RecordingFailed:
		kind := t.ErrorKind
		if kind == "" {
			kind = "internal"
		}
		m.Failures.WithLabelValues(kind).Inc()
		if t.Attempts > 0 {
			m.PublishAttempts.Observe(float64(t.Attempts))
		}
	}
}

// RecordHTTPRequest records a status API request
func (m *Metrics) RecordHTTPRequest(method, endpoint string, statusCode int, durationSeconds float64) {
	m.HTTPRequests.WithLabelValues(method, endpoint, strconv.Itoa(statusCode)).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, endpoint).Observe(durationSeconds)
}

// SetWSClients sets the number of connected event stream clients
func (m *Metrics) SetWSClients(n int) {
	m.WSClients.Set(float64(n))
}
