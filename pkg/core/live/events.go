package live

import (
	"time"
)

// EventCategory groups event types for filtering and metrics.
type EventCategory string

const (
	CategoryLifecycle     EventCategory = "lifecycle"
	CategoryCalibration   EventCategory = "calibration"
	CategorySpeech        EventCategory = "speech"
	CategoryTranscription EventCategory = "transcription"
	CategoryResponse      EventCategory = "ai_response"
	CategoryTransport     EventCategory = "transport"
	CategoryPerformance   EventCategory = "performance"
)

// EventType identifies one kind of session event. The set is closed: the
// Recorder refuses types it does not know, so a typo cannot silently invent
// a new event kind downstream analytics would never see.
type EventType string

const (
	// Lifecycle.
	EventSessionStarted   EventType = "session_started"
	EventStateChanged     EventType = "state_changed"
	EventSessionPaused    EventType = "session_paused"
	EventSessionResumed   EventType = "session_resumed"
	EventSessionCompleted EventType = "session_completed"
	EventSessionError     EventType = "session_error"

	// Calibration.
	EventCalibrationStarted   EventType = "calibration_started"
	EventCalibrationCompleted EventType = "calibration_completed"
	EventCalibrationFailed    EventType = "calibration_failed"

	// Speech detection.
	EventSpeechStarted   EventType = "speech_started"
	EventSpeechEnded     EventType = "speech_ended"
	EventSpeechDiscarded EventType = "speech_discarded"

	// Transcription.
	EventTranscriptionStarted   EventType = "transcription_started"
	EventTranscriptionCompleted EventType = "transcription_completed"
	EventTranscriptionFailed    EventType = "transcription_failed"

	// AI response.
	EventResponseStarted     EventType = "response_started"
	EventResponseCompleted   EventType = "response_completed"
	EventResponseInterrupted EventType = "response_interrupted"
	EventResponseCancelled   EventType = "response_cancelled"
	EventResponseFailed      EventType = "response_failed"

	// Transport.
	EventClientConnected    EventType = "client_connected"
	EventClientDisconnected EventType = "client_disconnected"

	// Performance.
	EventLatencyMeasured EventType = "latency_measured"
)

// Known reports whether t is part of the closed event set.
func (t EventType) Known() bool {
	return t.Category() != ""
}

// Category returns the category an event type belongs to, or "" for an
// unknown type.
func (t EventType) Category() EventCategory {
	switch t {
	case EventSessionStarted, EventStateChanged, EventSessionPaused,
		EventSessionResumed, EventSessionCompleted, EventSessionError:
		return CategoryLifecycle
	case EventCalibrationStarted, EventCalibrationCompleted, EventCalibrationFailed:
		return CategoryCalibration
	case EventSpeechStarted, EventSpeechEnded, EventSpeechDiscarded:
		return CategorySpeech
	case EventTranscriptionStarted, EventTranscriptionCompleted, EventTranscriptionFailed:
		return CategoryTranscription
	case EventResponseStarted, EventResponseCompleted, EventResponseInterrupted,
		EventResponseCancelled, EventResponseFailed:
		return CategoryResponse
	case EventClientConnected, EventClientDisconnected:
		return CategoryTransport
	case EventLatencyMeasured:
		return CategoryPerformance
	}
	return ""
}

// Entry is one recorded session event. Entries carry everything needed to
// replay a session's observable behavior: a per-session sequence number,
// milliseconds since session start, and a type-specific payload.
type Entry struct {
	Seq       int64          `json:"seq"`
	Type      EventType      `json:"type"`
	Category  EventCategory  `json:"category"`
	SessionID string         `json:"session_id"`
	ElapsedMs int64          `json:"elapsed_ms"`
	Timestamp time.Time      `json:"timestamp"`
	Data      map[string]any `json:"data,omitempty"`
}
