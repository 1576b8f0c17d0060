// Package metrics holds the gateway's Prometheus instrumentation: live
// session counts and durations, audio throughput, turn-stage latencies,
// errors by type, and Q&A exchange outcomes.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/howie/storybuddy-sub001/pkg/core/live"
)

// Metrics holds all Prometheus metrics for the gateway. Everything is
// registered on a private registry so tests never collide on the global
// one.
type Metrics struct {
	registry *prometheus.Registry

	// Live session metrics
	LiveSessionsActive  prometheus.Gauge
	LiveSessionsTotal   *prometheus.CounterVec
	LiveSessionDuration *prometheus.HistogramVec

	// Audio ingest metrics
	AudioFramesTotal *prometheus.CounterVec
	AudioBytesTotal  prometheus.Counter

	// Turn metrics
	SpeechSegmentsTotal prometheus.Counter
	InterruptionsTotal  prometheus.Counter
	AdapterLatency      *prometheus.HistogramVec

	// Error metrics
	ErrorsTotal *prometheus.CounterVec

	// Q&A metrics
	QAExchangesTotal  *prometheus.CounterVec
	QARejectionsTotal *prometheus.CounterVec
}

// New creates a Metrics instance with all metrics registered.
func New(namespace string) *Metrics {
	if namespace == "" {
		namespace = "storybuddy"
	}

	registry := prometheus.NewRegistry()

	liveSessionsActive := prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "live_sessions_active",
			Help:      "Number of active live voice sessions",
		},
	)

	liveSessionsTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "live_sessions_total",
			Help:      "Total number of live voice sessions by final status",
		},
		[]string{"mode", "status"},
	)

	liveSessionDuration := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "live_session_duration_seconds",
			Help:      "Live voice session duration in seconds",
			Buckets:   []float64{1, 5, 10, 30, 60, 120, 300, 600, 1200, 1800},
		},
		[]string{"mode"},
	)

	audioFramesTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "audio_frames_total",
			Help:      "Total audio frames received on live sessions",
		},
		[]string{"result"},
	)

	audioBytesTotal := prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "audio_bytes_total",
			Help:      "Total decoded audio bytes accepted on live sessions",
		},
	)

	speechSegmentsTotal := prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "speech_segments_total",
			Help:      "Total finalized speech segments",
		},
	)

	interruptionsTotal := prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "interruptions_total",
			Help:      "Total AI responses cut short by child speech",
		},
	)

	adapterLatency := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "adapter_latency_seconds",
			Help:      "Transcription and generation adapter latency in seconds",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 15},
		},
		[]string{"stage"},
	)

	errorsTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "errors_total",
			Help:      "Total errors by type",
		},
		[]string{"type"},
	)

	qaExchangesTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "qa_exchanges_total",
			Help:      "Total Q&A exchanges by scope classification",
		},
		[]string{"in_scope"},
	)

	qaRejectionsTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "qa_rejections_total",
			Help:      "Total rejected Q&A requests by reason",
		},
		[]string{"reason"},
	)

	registry.MustRegister(
		liveSessionsActive,
		liveSessionsTotal,
		liveSessionDuration,
		audioFramesTotal,
		audioBytesTotal,
		speechSegmentsTotal,
		interruptionsTotal,
		adapterLatency,
		errorsTotal,
		qaExchangesTotal,
		qaRejectionsTotal,
	)

	return &Metrics{
		registry:            registry,
		LiveSessionsActive:  liveSessionsActive,
		LiveSessionsTotal:   liveSessionsTotal,
		LiveSessionDuration: liveSessionDuration,
		AudioFramesTotal:    audioFramesTotal,
		AudioBytesTotal:     audioBytesTotal,
		SpeechSegmentsTotal: speechSegmentsTotal,
		InterruptionsTotal:  interruptionsTotal,
		AdapterLatency:      adapterLatency,
		ErrorsTotal:         errorsTotal,
		QAExchangesTotal:    qaExchangesTotal,
		QARejectionsTotal:   qaRejectionsTotal,
	}
}

// Handler returns the HTTP handler for the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// RecordSessionStart records a live session opening.
func (m *Metrics) RecordSessionStart() {
	if m == nil {
		return
	}
	m.LiveSessionsActive.Inc()
}

// RecordSessionEnd records a live session reaching a terminal status.
func (m *Metrics) RecordSessionEnd(mode, status string, duration time.Duration) {
	if m == nil {
		return
	}
	m.LiveSessionsActive.Dec()
	m.LiveSessionsTotal.WithLabelValues(mode, status).Inc()
	m.LiveSessionDuration.WithLabelValues(mode).Observe(duration.Seconds())
}

// RecordAudioFrame records one inbound frame. Bytes are only counted for
// accepted frames.
func (m *Metrics) RecordAudioFrame(result string, bytes int) {
	if m == nil {
		return
	}
	m.AudioFramesTotal.WithLabelValues(result).Inc()
	if result == "accepted" && bytes > 0 {
		m.AudioBytesTotal.Add(float64(bytes))
	}
}

// RecordDroppedFrames adds the engine-side dropped frame count, reported
// once at session end. Queue drops are invisible to the handler per frame.
func (m *Metrics) RecordDroppedFrames(n int64) {
	if m == nil || n <= 0 {
		return
	}
	m.AudioFramesTotal.WithLabelValues("dropped").Add(float64(n))
}

// RecordError records an error by type.
func (m *Metrics) RecordError(errorType string) {
	if m == nil {
		return
	}
	m.ErrorsTotal.WithLabelValues(errorType).Inc()
}

// RecordQAExchange records a completed Q&A exchange.
func (m *Metrics) RecordQAExchange(inScope bool) {
	if m == nil {
		return
	}
	label := "false"
	if inScope {
		label = "true"
	}
	m.QAExchangesTotal.WithLabelValues(label).Inc()
}

// RecordQARejection records a rejected Q&A request.
func (m *Metrics) RecordQARejection(reason string) {
	if m == nil {
		return
	}
	m.QARejectionsTotal.WithLabelValues(reason).Inc()
}

// SessionSink returns a recorder sink translating session events into
// metrics. Attach one per live session before Start.
func (m *Metrics) SessionSink() live.SinkFunc {
	return func(e live.Entry) {
		if m == nil {
			return
		}
		switch e.Type {
		case live.EventSpeechEnded:
			m.SpeechSegmentsTotal.Inc()
		case live.EventResponseInterrupted:
			m.InterruptionsTotal.Inc()
		case live.EventLatencyMeasured:
			stage, _ := e.Data["stage"].(string)
			if ms, ok := dataNumber(e.Data, "latency_ms"); ok && stage != "" {
				m.AdapterLatency.WithLabelValues(stage).Observe(ms / 1000)
			}
		case live.EventCalibrationFailed:
			m.ErrorsTotal.WithLabelValues("calibration_failed").Inc()
		case live.EventTranscriptionFailed:
			m.ErrorsTotal.WithLabelValues("transcription_failed").Inc()
		case live.EventResponseFailed:
			m.ErrorsTotal.WithLabelValues("generation_failed").Inc()
		case live.EventSessionError:
			typ, _ := e.Data["error_type"].(string)
			if typ == "" {
				typ = "internal"
			}
			m.ErrorsTotal.WithLabelValues(typ).Inc()
		}
	}
}

// dataNumber reads a numeric payload value. Recorder data maps hold the
// original Go values, not JSON round-tripped ones, so int64 dominates.
func dataNumber(data map[string]any, key string) (float64, bool) {
	switch v := data[key].(type) {
	case int64:
		return float64(v), true
	case int:
		return float64(v), true
	case float64:
		return v, true
	}
	return 0, false
}
