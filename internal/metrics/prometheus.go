package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics contains all Prometheus metrics for the meeting audio relay.
// Recording methods are safe to call on a nil *Metrics.
type Metrics struct {
	// Capture session metrics
	Capturing       prometheus.Gauge
	SessionsStarted prometheus.Counter
	SessionsStopped *prometheus.CounterVec
	SessionDuration prometheus.Histogram

	// Encoder metrics
	ChunksEncoded prometheus.Counter
	ChunksEmpty   prometheus.Counter
	ChunkSize     prometheus.Histogram

	// Relay metrics
	ChunksRelayed prometheus.Counter
	RelayFailures prometheus.Counter

	// Upload queue metrics
	QueueDepth         prometheus.Gauge
	UploadSuccesses    prometheus.Counter
	UploadRetries      prometheus.Counter
	UploadRejections   prometheus.Counter
	UploadDuration     prometheus.Histogram
	StaleChunksDropped prometheus.Counter

	// Transcript metrics
	TranscriptPolls    *prometheus.CounterVec
	TranscriptEntries  prometheus.Counter
	TranscriptFailures prometheus.Counter

	// Message bus metrics
	BusRequests prometheus.Counter
	BusTimeouts prometheus.Counter
	BusPending  *prometheus.GaugeVec

	// Archive metrics
	ArchiveUploads  prometheus.Counter
	ArchiveFailures prometheus.Counter

	// HTTP API metrics
	HTTPRequests        *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
	HTTPErrors          *prometheus.CounterVec
}

// NewMetrics creates all metrics and registers them with reg
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		Capturing: factory.NewGauge(prometheus.GaugeOpts{
			Name: "meetrelay_capturing",
			Help: "1 while a capture session is active",
		}),
		SessionsStarted: factory.NewCounter(prometheus.CounterOpts{
			Name: "meetrelay_sessions_started_total",
			Help: "Total number of capture sessions started",
		}),
		SessionsStopped: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "meetrelay_sessions_stopped_total",
			Help: "Total number of capture sessions stopped, by reason",
		}, []string{"reason"}),
		SessionDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "meetrelay_session_duration_seconds",
			Help:    "Duration of capture sessions in seconds",
			Buckets: prometheus.ExponentialBuckets(1, 2, 14), // 1s to ~4.5 hours
		}),

		ChunksEncoded: factory.NewCounter(prometheus.CounterOpts{
			Name: "meetrelay_chunks_encoded_total",
			Help: "Total number of non-empty chunks produced by the encoder",
		}),
		ChunksEmpty: factory.NewCounter(prometheus.CounterOpts{
			Name: "meetrelay_chunks_empty_total",
			Help: "Total number of empty encoder flushes discarded",
		}),
		ChunkSize: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "meetrelay_chunk_size_bytes",
			Help:    "Size of encoded chunks in bytes",
			Buckets: prometheus.ExponentialBuckets(1024, 2, 10), // 1KB to ~512KB
		}),

		ChunksRelayed: factory.NewCounter(prometheus.CounterOpts{
			Name: "meetrelay_chunks_relayed_total",
			Help: "Total number of chunks handed to the worker context",
		}),
		RelayFailures: factory.NewCounter(prometheus.CounterOpts{
			Name: "meetrelay_relay_failures_total",
			Help: "Total number of chunks the relay could not deliver",
		}),

		QueueDepth: factory.NewGauge(prometheus.GaugeOpts{
			Name: "meetrelay_upload_queue_depth",
			Help: "Current number of chunks waiting for upload",
		}),
		UploadSuccesses: factory.NewCounter(prometheus.CounterOpts{
			Name: "meetrelay_upload_successes_total",
			Help: "Total number of chunks accepted by the ingestion service",
		}),
		UploadRetries: factory.NewCounter(prometheus.CounterOpts{
			Name: "meetrelay_upload_retries_total",
			Help: "Total number of chunk uploads requeued after a transient failure",
		}),
		UploadRejections: factory.NewCounter(prometheus.CounterOpts{
			Name: "meetrelay_upload_rejections_total",
			Help: "Total number of chunk uploads rejected as unauthorized",
		}),
		UploadDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "meetrelay_upload_duration_seconds",
			Help:    "Duration of chunk upload requests",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 10), // 10ms to ~5s
		}),
		StaleChunksDropped: factory.NewCounter(prometheus.CounterOpts{
			Name: "meetrelay_stale_chunks_dropped_total",
			Help: "Total number of queued chunks discarded by a session reset",
		}),

		TranscriptPolls: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "meetrelay_transcript_polls_total",
			Help: "Total number of transcript polls, by poller",
		}, []string{"poller"}),
		TranscriptEntries: factory.NewCounter(prometheus.CounterOpts{
			Name: "meetrelay_transcript_entries_total",
			Help: "Total number of transcript entries received",
		}),
		TranscriptFailures: factory.NewCounter(prometheus.CounterOpts{
			Name: "meetrelay_transcript_failures_total",
			Help: "Total number of failed transcript polls",
		}),

		BusRequests: factory.NewCounter(prometheus.CounterOpts{
			Name: "meetrelay_bus_requests_total",
			Help: "Total number of cross-context requests sent",
		}),
		BusTimeouts: factory.NewCounter(prometheus.CounterOpts{
			Name: "meetrelay_bus_timeouts_total",
			Help: "Total number of cross-context requests expired by the sweep",
		}),
		BusPending: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "meetrelay_bus_pending",
			Help: "Current number of outstanding requests, by context",
		}, []string{"context"}),

		ArchiveUploads: factory.NewCounter(prometheus.CounterOpts{
			Name: "meetrelay_archive_uploads_total",
			Help: "Total number of chunks copied to the archive bucket",
		}),
		ArchiveFailures: factory.NewCounter(prometheus.CounterOpts{
			Name: "meetrelay_archive_failures_total",
			Help: "Total number of failed archive copies",
		}),

		HTTPRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "meetrelay_http_requests_total",
			Help: "Total number of HTTP requests",
		}, []string{"method", "endpoint", "status_code"}),
		HTTPRequestDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "meetrelay_http_request_duration_seconds",
			Help:    "Duration of HTTP requests",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "endpoint"}),
		HTTPErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "meetrelay_http_errors_total",
			Help: "Total number of HTTP errors",
		}, []string{"method", "endpoint", "error_type"}),
	}
}

// RecordSessionStarted marks a capture session as active
func (m *Metrics) RecordSessionStarted() {
	if m == nil {
		return
	}
	m.SessionsStarted.Inc()
	m.Capturing.Set(1)
}

// RecordSessionStopped marks the capture session as finished
func (m *Metrics) RecordSessionStopped(reason string, durationSeconds float64) {
	if m == nil {
		return
	}
	m.SessionsStopped.WithLabelValues(reason).Inc()
	m.SessionDuration.Observe(durationSeconds)
	m.Capturing.Set(0)
}

// RecordChunkEncoded records a chunk handed to the relay
func (m *Metrics) RecordChunkEncoded(sizeBytes int) {
	if m == nil {
		return
	}
	m.ChunksEncoded.Inc()
	m.ChunkSize.Observe(float64(sizeBytes))
}

// RecordEmptyFlush records a discarded zero-size flush
func (m *Metrics) RecordEmptyFlush() {
	if m == nil {
		return
	}
	m.ChunksEmpty.Inc()
}

// RecordRelay records the outcome of one relay send
func (m *Metrics) RecordRelay(ok bool) {
	if m == nil {
		return
	}
	if ok {
		m.ChunksRelayed.Inc()
	} else {
		m.RelayFailures.Inc()
	}
}

// SetQueueDepth sets the current upload queue depth
func (m *Metrics) SetQueueDepth(depth int) {
	if m == nil {
		return
	}
	m.QueueDepth.Set(float64(depth))
}

// RecordUploadSuccess records an accepted chunk upload
func (m *Metrics) RecordUploadSuccess(durationSeconds float64) {
	if m == nil {
		return
	}
	m.UploadSuccesses.Inc()
	m.UploadDuration.Observe(durationSeconds)
}

// RecordUploadRetry records a requeued chunk upload
func (m *Metrics) RecordUploadRetry() {
	if m == nil {
		return
	}
	m.UploadRetries.Inc()
}

// RecordUploadRejected records an upload rejected by the ingestion service
func (m *Metrics) RecordUploadRejected() {
	if m == nil {
		return
	}
	m.UploadRejections.Inc()
}

// RecordStaleDropped records chunks discarded by a session reset
func (m *Metrics) RecordStaleDropped(count int) {
	if m == nil || count <= 0 {
		return
	}
	m.StaleChunksDropped.Add(float64(count))
}

// RecordTranscriptPoll records one poll and the entries it returned
func (m *Metrics) RecordTranscriptPoll(poller string, entries int, err error) {
	if m == nil {
		return
	}
	m.TranscriptPolls.WithLabelValues(poller).Inc()
	if err != nil {
		m.TranscriptFailures.Inc()
		return
	}
	m.TranscriptEntries.Add(float64(entries))
}

// RecordBusRequest records an outgoing request
func (m *Metrics) RecordBusRequest() {
	if m == nil {
		return
	}
	m.BusRequests.Inc()
}

// RecordBusTimeouts records requests expired by the sweep
func (m *Metrics) RecordBusTimeouts(count int) {
	if m == nil || count <= 0 {
		return
	}
	m.BusTimeouts.Add(float64(count))
}

// SetBusPending sets the outstanding request count of a context
func (m *Metrics) SetBusPending(context string, count int) {
	if m == nil {
		return
	}
	m.BusPending.WithLabelValues(context).Set(float64(count))
}

// RecordArchive records the outcome of an archive copy
func (m *Metrics) RecordArchive(err error) {
	if m == nil {
		return
	}
	if err != nil {
		m.ArchiveFailures.Inc()
		return
	}
	m.ArchiveUploads.Inc()
}

// RecordHTTPRequest records an HTTP request
func (m *Metrics) RecordHTTPRequest(method, endpoint, statusCode string, durationSeconds float64) {
	if m == nil {
		return
	}
	m.HTTPRequests.WithLabelValues(method, endpoint, statusCode).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, endpoint).Observe(durationSeconds)
}

// RecordHTTPError records an HTTP error
func (m *Metrics) RecordHTTPError(method, endpoint, errorType string) {
	if m == nil {
		return
	}
	m.HTTPErrors.WithLabelValues(method, endpoint, errorType).Inc()
}
