package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Audio frame dispositions
const (
	FrameSent     = "sent"
	FrameBuffered = "buffered"
	FrameDropped  = "dropped"
)

// Metrics holds all Prometheus metrics for the service
type Metrics struct {
	registry *prometheus.Registry

	// Session metrics
	ActiveSessions       prometheus.Gauge
	ConversationsStarted prometheus.Counter
	ConversationDuration prometheus.Histogram

	// Audio and transcription metrics
	AudioFrames       *prometheus.CounterVec
	SegmentsPersisted *prometheus.CounterVec
	PersistenceErrors prometheus.Counter
	UpstreamErrors    *prometheus.CounterVec

	// HTTP API metrics
	HTTPRequests        *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
}

// NewMetrics creates all metrics on a dedicated registry that also carries
// the Go runtime and process collectors.
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(registry)

	return &Metrics{
		registry: registry,

		ActiveSessions: factory.NewGauge(prometheus.GaugeOpts{
			Name: "meetscribe_active_sessions",
			Help: "Current number of connected client sessions",
		}),
		ConversationsStarted: factory.NewCounter(prometheus.CounterOpts{
			Name: "meetscribe_conversations_started_total",
			Help: "Total number of conversations started",
		}),
		ConversationDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "meetscribe_conversation_duration_seconds",
			Help:    "Duration of finished conversations",
			Buckets: []float64{30, 60, 300, 600, 1800, 3600, 7200},
		}),

		AudioFrames: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "meetscribe_audio_frames_total",
			Help: "Audio frames received from clients by stream and disposition",
		}, []string{"stream", "disposition"}),
		SegmentsPersisted: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "meetscribe_segments_persisted_total",
			Help: "Final segments written to the transcript store",
		}, []string{"stream"}),
		PersistenceErrors: factory.NewCounter(prometheus.CounterOpts{
			Name: "meetscribe_persistence_errors_total",
			Help: "Failed writes to the transcript store",
		}),
		UpstreamErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "meetscribe_upstream_errors_total",
			Help: "Errors reported by recognition provider streams",
		}, []string{"stream"}),

		HTTPRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "meetscribe_http_requests_total",
			Help: "Total number of HTTP requests",
		}, []string{"method", "endpoint", "status_code"}),
		HTTPRequestDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "meetscribe_http_request_duration_seconds",
			Help:    "Duration of HTTP requests",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "endpoint"}),
	}
}

// Handler exposes the registry in the Prometheus text format
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Gatherer returns the underlying registry
func (m *Metrics) Gatherer() prometheus.Gatherer {
	return m.registry
}

// RecordAudioFrame counts one client audio frame
func (m *Metrics) RecordAudioFrame(stream, disposition string) {
	m.AudioFrames.WithLabelValues(stream, disposition).Inc()
}

// RecordSegmentPersisted counts one stored final segment
func (m *Metrics) RecordSegmentPersisted(stream string) {
	m.SegmentsPersisted.WithLabelValues(stream).Inc()
}

// RecordPersistenceError counts one failed store write
func (m *Metrics) RecordPersistenceError() {
	m.PersistenceErrors.Inc()
}

// RecordUpstreamError counts one provider stream error
func (m *Metrics) RecordUpstreamError(stream string) {
	m.UpstreamErrors.WithLabelValues(stream).Inc()
}

// RecordConversationStarted increments the conversations counter
func (m *Metrics) RecordConversationStarted() {
	m.ConversationsStarted.Inc()
}

// RecordConversationFinished records the duration of a stopped conversation
func (m *Metrics) RecordConversationFinished(durationSeconds float64) {
	m.ConversationDuration.Observe(durationSeconds)
}

// SetActiveSessions sets the current number of connected sessions
func (m *Metrics) SetActiveSessions(count int) {
	m.ActiveSessions.Set(float64(count))
}

// Middleware records request counts and latency per route
func (m *Metrics) Middleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			err := next(c)

			status := c.Response().Status
			if he, ok := err.(*echo.HTTPError); ok {
				status = he.Code
			}
			endpoint := c.Path()
			if endpoint == "" {
				endpoint = "unmatched"
			}

			m.HTTPRequests.WithLabelValues(c.Request().Method, endpoint, strconv.Itoa(status)).Inc()
			m.HTTPRequestDuration.WithLabelValues(c.Request().Method, endpoint).Observe(time.Since(start).Seconds())
			return err
		}
	}
}
