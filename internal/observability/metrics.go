package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Session metrics
	activeSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "session_recorder_active_sessions",
		Help: "Number of recording sessions currently capturing audio",
	})

	totalSessions = promauto.NewCounter(prometheus.CounterOpts{
		Name: "session_recorder_sessions_total",
		Help: "Total number of recording sessions started",
	})

	sessionDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "session_recorder_session_audio_seconds",
		Help:    "Recorded audio per finished session in seconds",
		Buckets: []float64{30, 60, 300, 600, 1800, 3600, 7200},
	})

	// Capture metrics
	segmentsSealed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "session_recorder_segments_sealed_total",
		Help: "Total number of audio segments sealed and persisted",
	})

	segmentBytes = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "session_recorder_segment_bytes",
		Help:    "Size of sealed segments in bytes",
		Buckets: prometheus.ExponentialBuckets(16*1024, 2, 10),
	})

	droppedInputBytes = promauto.NewCounter(prometheus.CounterOpts{
		Name: "session_recorder_input_dropped_bytes_total",
		Help: "Input bytes dropped because the capture ring buffer was full",
	})

	inputLevel = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "session_recorder_input_level_rms",
		Help: "RMS level of the most recent input buffer",
	})

	// Transcription metrics
	transcriptionRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "session_recorder_transcription_requests_total",
		Help: "Total number of transcription attempts",
	}, []string{"path", "status"}) // path: remote, fallback

	transcriptionLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "session_recorder_transcription_latency_seconds",
		Help:    "Transcription latency per attempt in seconds",
		Buckets: []float64{0.25, 0.5, 1.0, 2.0, 5.0, 10.0, 30.0, 60.0},
	}, []string{"path"})

	failureState = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "session_recorder_transcription_state",
		Help: "Transcription client state (0=healthy, 1=degrading, 2=fallback)",
	})

	consecutiveFailures = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "session_recorder_consecutive_failures",
		Help: "Consecutive segments whose remote transcription exhausted retries",
	})

	// Transcript metrics
	chunksAppended = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "session_recorder_chunks_appended_total",
		Help: "Transcript chunks appended to sessions",
	}, []string{"source"})

	gapsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "session_recorder_gaps_total",
		Help: "Segments that produced no transcript chunk",
	}, []string{"reason"})

	// Error metrics
	errorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "session_recorder_errors_total",
		Help: "Total number of errors",
	}, []string{"type", "component"})
)

// RecordSessionStart records the start of a recording session
func RecordSessionStart() {
	activeSessions.Inc()
	totalSessions.Inc()
}

// RecordSessionEnd records the end of a recording session
func RecordSessionEnd(recorded time.Duration) {
	activeSessions.Dec()
	sessionDuration.Observe(recorded.Seconds())
}

// RecordSegmentSealed records a sealed segment and its ciphertext size
func RecordSegmentSealed(size int) {
	segmentsSealed.Inc()
	segmentBytes.Observe(float64(size))
}

// RecordDroppedInput records input bytes that could not be buffered
func RecordDroppedInput(bytes int) {
	droppedInputBytes.Add(float64(bytes))
}

// SetInputLevel publishes the current input RMS level
func SetInputLevel(rms float64) {
	inputLevel.Set(rms)
}

// RecordTranscription records one transcription attempt
func RecordTranscription(path string, success bool, latency time.Duration) {
	status := "success"
	if !success {
		status = "error"
	}
	transcriptionRequests.WithLabelValues(path, status).Inc()
	transcriptionLatency.WithLabelValues(path).Observe(latency.Seconds())
}

// UpdateFailureState publishes the transcription client state and counter
func UpdateFailureState(state int, failures int) {
	failureState.Set(float64(state))
	consecutiveFailures.Set(float64(failures))
}

// RecordChunk records an appended transcript chunk
func RecordChunk(source string) {
	chunksAppended.WithLabelValues(source).Inc()
}

// RecordGap records a segment that produced no transcript
func RecordGap(reason string) {
	gapsTotal.WithLabelValues(reason).Inc()
}

// RecordError records an error
func RecordError(errorType, component string) {
	errorsTotal.WithLabelValues(errorType, component).Inc()
}
