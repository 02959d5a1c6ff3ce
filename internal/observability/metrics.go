package observability

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Session metrics
	activeSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "transcript_relay_active_sessions",
		Help: "Number of sessions currently registered for broadcast",
	})

	totalSessions = promauto.NewCounter(prometheus.CounterOpts{
		Name: "transcript_relay_sessions_total",
		Help: "Total number of client sessions accepted",
	})

	sessionDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "transcript_relay_session_duration_seconds",
		Help:    "Duration of client sessions in seconds",
		Buckets: []float64{1, 5, 10, 30, 60, 300, 900, 3600},
	})

	sessionTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "transcript_relay_session_transitions_total",
		Help: "Session state transitions by target state",
	}, []string{"state"})

	setupFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "transcript_relay_setup_failures_total",
		Help: "Sessions aborted before forwarding began",
	}, []string{"reason"})

	rejectedSessions = promauto.NewCounter(prometheus.CounterOpts{
		Name: "transcript_relay_rejected_sessions_total",
		Help: "Connections refused because the session limit was reached",
	})

	// Stream metrics
	audioBytesProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "transcript_relay_audio_bytes_total",
		Help: "Total audio bytes forwarded",
	}, []string{"direction"}) // direction: "client_in" or "pcm_out"

	transcriptChunks = promauto.NewCounter(prometheus.CounterOpts{
		Name: "transcript_relay_transcript_chunks_total",
		Help: "Text chunks received from the transcription backend",
	})

	broadcastDeliveries = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "transcript_relay_broadcast_deliveries_total",
		Help: "Per-recipient broadcast deliveries",
	}, []string{"result"})

	speechEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "transcript_relay_speech_events_total",
		Help: "Speech activity transitions detected on forwarded PCM",
	}, []string{"event"})

	// Error metrics
	errorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "transcript_relay_errors_total",
		Help: "Total number of errors",
	}, []string{"type", "component"})

	// Circuit breaker metrics
	circuitBreakerState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "transcript_relay_circuit_breaker_state",
		Help: "Circuit breaker state (0=closed, 1=open, 2=half-open)",
	}, []string{"service"})

	circuitBreakerFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "transcript_relay_circuit_breaker_failures_total",
		Help: "Total circuit breaker failures",
	}, []string{"service"})
)

// SessionMetrics tracks metrics for a single session
type SessionMetrics struct {
	sessionID string
	startTime time.Time
	active    bool
	mu        sync.Mutex
}

// NewSessionMetrics creates a metrics tracker for a session and counts it
func NewSessionMetrics(sessionID string) *SessionMetrics {
	totalSessions.Inc()
	return &SessionMetrics{
		sessionID: sessionID,
		startTime: time.Now(),
	}
}

// RecordActive marks the session as registered for broadcast
func (m *SessionMetrics) RecordActive() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.active {
		m.active = true
		activeSessions.Inc()
	}
}

// RecordEnd records the end of a session
func (m *SessionMetrics) RecordEnd() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.active {
		m.active = false
		activeSessions.Dec()
	}
	sessionDuration.Observe(time.Since(m.startTime).Seconds())
}

// RecordTransition counts a state transition
func (m *SessionMetrics) RecordTransition(state string) {
	sessionTransitions.WithLabelValues(state).Inc()
}

// RecordSetupFailure counts a session that never became active
func (m *SessionMetrics) RecordSetupFailure(reason string) {
	setupFailures.WithLabelValues(reason).Inc()
}

// RecordAudioBytes records audio bytes forwarded
func (m *SessionMetrics) RecordAudioBytes(direction string, bytes int) {
	audioBytesProcessed.WithLabelValues(direction).Add(float64(bytes))
}

// RecordTranscriptChunk counts a text chunk received from the backend
func (m *SessionMetrics) RecordTranscriptChunk() {
	transcriptChunks.Inc()
}

// RecordSpeechEvent counts a speech start/end transition
func (m *SessionMetrics) RecordSpeechEvent(event string) {
	speechEvents.WithLabelValues(event).Inc()
}

// RecordError records an error
func (m *SessionMetrics) RecordError(errorType, component string) {
	errorsTotal.WithLabelValues(errorType, component).Inc()
}

// RecordBroadcast records the outcome of one broadcast call
func RecordBroadcast(delivered, failed int) {
	if delivered > 0 {
		broadcastDeliveries.WithLabelValues("delivered").Add(float64(delivered))
	}
	if failed > 0 {
		broadcastDeliveries.WithLabelValues("failed").Add(float64(failed))
	}
}

// RecordRejectedSession counts a connection refused by the session limit
func RecordRejectedSession() {
	rejectedSessions.Inc()
}

// UpdateCircuitBreakerState updates circuit breaker state metric
func UpdateCircuitBreakerState(service string, state int) {
	circuitBreakerState.WithLabelValues(service).Set(float64(state))
}

// IncrementCircuitBreakerFailures increments circuit breaker failure counter
func IncrementCircuitBreakerFailures(service string) {
	circuitBreakerFailures.WithLabelValues(service).Inc()
}
