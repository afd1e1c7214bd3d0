package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "tsscribe"

// Metrics holds the Prometheus collectors for the service. A nil *Metrics is
// valid and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	// HTTP API
	HTTPRequests        *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	// Pipeline
	FilesTotal    *prometheus.CounterVec
	BatchesTotal  *prometheus.CounterVec
	UploadedBytes prometheus.Counter

	// Transcoding
	TranscodeDuration prometheus.Histogram
	TranscodeFailures prometheus.Counter

	// Transcription
	TranscriptionDuration *prometheus.HistogramVec
	TranscriptionQueue    prometheus.Gauge
	ModelLoads            *prometheus.CounterVec
	SilentSkips           prometheus.Counter
}

// New registers all collectors on a fresh registry, so tests and multiple
// servers in one process never collide on the default registerer.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,

		HTTPRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests",
		}, []string{"method", "endpoint", "status_code"}),
		HTTPRequestDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "Duration of HTTP requests",
			Buckets:   prometheus.ExponentialBuckets(0.01, 4, 10), // 10ms to ~45 minutes
		}, []string{"method", "endpoint"}),

		FilesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "files_total",
			Help:      "Uploaded files by processing outcome",
		}, []string{"status"}),
		BatchesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "batches_total",
			Help:      "Upload batches by result",
		}, []string{"result"}),
		UploadedBytes: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "uploaded_bytes_total",
			Help:      "Bytes of accepted uploads persisted to the output directory",
		}),

		TranscodeDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "transcode_duration_seconds",
			Help:      "Time spent converting uploads to waveforms",
			Buckets:   prometheus.ExponentialBuckets(0.1, 2, 12), // 100ms to ~3 minutes
		}),
		TranscodeFailures: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transcode_failures_total",
			Help:      "Total number of failed transcodes",
		}),

		TranscriptionDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "transcription_duration_seconds",
			Help:      "Time spent in speech recognition",
			Buckets:   prometheus.ExponentialBuckets(0.5, 2, 12), // 500ms to ~17 minutes
		}, []string{"result"}),
		TranscriptionQueue: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "transcription_queue_depth",
			Help:      "Jobs waiting for the transcription worker",
		}),
		ModelLoads: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "model_loads_total",
			Help:      "Model load attempts by result",
		}, []string{"result"}),
		SilentSkips: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transcription_silent_skips_total",
			Help:      "Waveforms skipped by the silence gate",
		}),
	}
}

// Registry exposes the underlying registry for gathering in tests.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

func (m *Metrics) RecordHTTPRequest(method, endpoint, statusCode string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.HTTPRequests.WithLabelValues(method, endpoint, statusCode).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, endpoint).Observe(elapsed.Seconds())
}

func (m *Metrics) RecordFile(status string) {
	if m == nil {
		return
	}
	m.FilesTotal.WithLabelValues(status).Inc()
}

func (m *Metrics) RecordBatch(result string) {
	if m == nil {
		return
	}
	m.BatchesTotal.WithLabelValues(result).Inc()
}

func (m *Metrics) AddUploadedBytes(n int64) {
	if m == nil || n <= 0 {
		return
	}
	m.UploadedBytes.Add(float64(n))
}

func (m *Metrics) RecordTranscode(elapsed time.Duration, err error) {
	if m == nil {
		return
	}
	m.TranscodeDuration.Observe(elapsed.Seconds())
	if err != nil {
		m.TranscodeFailures.Inc()
	}
}

func (m *Metrics) RecordTranscription(elapsed time.Duration, err error) {
	if m == nil {
		return
	}
	m.TranscriptionDuration.WithLabelValues(resultLabel(err)).Observe(elapsed.Seconds())
}

func (m *Metrics) RecordModelLoad(err error) {
	if m == nil {
		return
	}
	m.ModelLoads.WithLabelValues(resultLabel(err)).Inc()
}

func (m *Metrics) RecordSilentSkip() {
	if m == nil {
		return
	}
	m.SilentSkips.Inc()
}

func (m *Metrics) SetQueueDepth(n int) {
	if m == nil {
		return
	}
	m.TranscriptionQueue.Set(float64(n))
}

func resultLabel(err error) string {
	if err != nil {
		return "failure"
	}
	return "success"
}
