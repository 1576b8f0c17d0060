package live

import (
	"time"
)

// SessionState represents the current state of a voice session.
type SessionState int

const (
	// StateCalibrating is the initial state while ambient noise is measured.
	StateCalibrating SessionState = iota
	// StateListening is when the segmenter is watching for child speech.
	StateListening
	// StateTranscribing is when a captured segment is being transcribed.
	StateTranscribing
	// StateGeneratingResponse is when the AI reply is being generated.
	StateGeneratingResponse
	// StateSpeaking is when AI audio playback is in progress.
	StateSpeaking
	// StatePaused is the explicit parent-initiated pause; frames are discarded.
	StatePaused
	// StateEnded is the terminal state of a completed session.
	StateEnded
	// StateError is the terminal state of a failed session.
	StateError
)

// String returns a human-readable state name.
func (s SessionState) String() string {
	switch s {
	case StateCalibrating:
		return "CALIBRATING"
	case StateListening:
		return "LISTENING"
	case StateTranscribing:
		return "TRANSCRIBING"
	case StateGeneratingResponse:
		return "GENERATING_RESPONSE"
	case StateSpeaking:
		return "SPEAKING"
	case StatePaused:
		return "PAUSED"
	case StateEnded:
		return "ENDED"
	case StateError:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

// Terminal reports whether the state is final. Terminal sessions accept no
// further frames or control operations.
func (s SessionState) Terminal() bool {
	return s == StateEnded || s == StateError
}

// SessionConfig holds the tunables for a voice session. Per-parent values
// (interruption threshold, recording consent) come from the settings snapshot
// in Dependencies, not from here.
type SessionConfig struct {
	// Audio is the PCM format of inbound frames.
	Audio AudioConfig `json:"audio"`

	// Calibration configures the noise-calibration window.
	Calibration CalibrationConfig `json:"calibration"`

	// Segmenter configures speech segmentation.
	Segmenter SegmenterConfig `json:"segmenter"`

	// TranscribeTimeout bounds a single transcription call, including its
	// retry. Default: 10s.
	TranscribeTimeout time.Duration `json:"transcribe_timeout"`

	// GenerateTimeout bounds a single response generation call, including
	// its retry. Default: 15s.
	GenerateTimeout time.Duration `json:"generate_timeout"`

	// IdleTimeout is how long the session may sit in LISTENING with no
	// child speech before it acts: interactive sessions generate a story
	// prompt, passive sessions complete. Zero disables. Default: 30s.
	IdleTimeout time.Duration `json:"idle_timeout"`

	// MaxSessionDuration is the hard cap on total session length. The
	// session completes gracefully when it is reached. Zero disables.
	// Default: 30m.
	MaxSessionDuration time.Duration `json:"max_session_duration"`

	// MaxTurns caps how many AI responses one session may deliver. The
	// session completes gracefully after the last one finishes playing.
	// Zero disables. Default: 50.
	MaxTurns int `json:"max_turns"`

	// MaxConsecutiveFailures is how many turns may fail back-to-back
	// before the session transitions to ERROR. Default: 3.
	MaxConsecutiveFailures int `json:"max_consecutive_failures"`

	// FrameQueueSize is the inbound frame channel depth. PushFrame never
	// blocks; frames beyond this are dropped. Default: 256.
	FrameQueueSize int `json:"frame_queue_size"`
}

// DefaultSessionConfig returns a SessionConfig with sensible defaults.
func DefaultSessionConfig() SessionConfig {
	return SessionConfig{
		Audio:                  DefaultAudioConfig(),
		Calibration:            DefaultCalibrationConfig(),
		Segmenter:              DefaultSegmenterConfig(),
		TranscribeTimeout:      10 * time.Second,
		GenerateTimeout:        15 * time.Second,
		IdleTimeout:            30 * time.Second,
		MaxSessionDuration:     30 * time.Minute,
		MaxTurns:               50,
		MaxConsecutiveFailures: 3,
		FrameQueueSize:         256,
	}
}

// CalibrationConfig configures the ambient-noise measurement taken at
// session start.
type CalibrationConfig struct {
	// DurationMs is the length of the calibration window.
	// Default: 2000.
	DurationMs int `json:"duration_ms"`

	// MinSamples is the minimum count of audible (non-silent) frames the
	// window must contain. Fewer than this fails calibration.
	// Default: 20.
	MinSamples int `json:"min_samples"`

	// MarginDB is how far above the noise floor the detection threshold
	// sits. Default: 10.
	MarginDB float64 `json:"margin_db"`

	// SilenceFloorDB is the level below which a frame is treated as dead
	// air and excluded from the measurement. Default: -90.
	SilenceFloorDB float64 `json:"silence_floor_db"`

	// SmoothingAlpha is the exponential-smoothing weight applied to the
	// running percentile floor, so a door slam mid-window cannot drag the
	// floor around. Range 0..1; higher tracks faster. Default: 0.3.
	SmoothingAlpha float64 `json:"smoothing_alpha"`
}

// DefaultCalibrationConfig returns a CalibrationConfig with sensible defaults.
func DefaultCalibrationConfig() CalibrationConfig {
	return CalibrationConfig{
		DurationMs:     2000,
		MinSamples:     20,
		MarginDB:       10,
		SilenceFloorDB: -90,
		SmoothingAlpha: 0.3,
	}
}

// SegmenterConfig configures how the frame stream is sliced into discrete
// child-speech segments.
type SegmenterConfig struct {
	// MinSpeechFrames is how many consecutive frames must exceed the
	// detection threshold before a speech candidate opens. This debounces
	// single-frame spikes. Default: 3.
	MinSpeechFrames int `json:"min_speech_frames"`

	// MinSpeechMs is how long a candidate must keep speaking before it is
	// confirmed as a segment. Shorter bursts produce nothing.
	// Default: 200.
	MinSpeechMs int `json:"min_speech_ms"`

	// HangoverMs is the trailing silence that closes an open segment.
	// Pauses shorter than this stay inside one segment. Default: 500.
	HangoverMs int `json:"hangover_ms"`

	// MaxSegmentMs force-closes a segment that never goes silent.
	// Default: 30000.
	MaxSegmentMs int `json:"max_segment_ms"`

	// PrefixPaddingMs is audio kept from before the detected onset so the
	// first syllable is not clipped. Default: 240.
	PrefixPaddingMs int `json:"prefix_padding_ms"`

	// SmoothingAlpha is the exponential-smoothing weight applied to frame
	// energy before it is compared against the threshold. Range 0..1.
	// Default: 0.4.
	SmoothingAlpha float64 `json:"smoothing_alpha"`
}

// DefaultSegmenterConfig returns a SegmenterConfig with sensible defaults.
func DefaultSegmenterConfig() SegmenterConfig {
	return SegmenterConfig{
		MinSpeechFrames: 3,
		MinSpeechMs:     200,
		HangoverMs:      500,
		MaxSegmentMs:    30000,
		PrefixPaddingMs: 240,
		SmoothingAlpha:  0.4,
	}
}

// AudioConfig specifies audio format parameters.
type AudioConfig struct {
	// SampleRate in Hz. The device contract is 16000.
	SampleRate int `json:"sample_rate"`

	// Channels: 1 for mono, 2 for stereo.
	Channels int `json:"channels"`

	// BitsPerSample: typically 16 for PCM.
	BitsPerSample int `json:"bits_per_sample"`
}

// DefaultAudioConfig returns the standard audio configuration: 16 kHz mono
// 16-bit little-endian PCM, matching what devices stream.
func DefaultAudioConfig() AudioConfig {
	return AudioConfig{
		SampleRate:    16000,
		Channels:      1,
		BitsPerSample: 16,
	}
}

// BytesPerSecond returns the audio byte rate.
func (c AudioConfig) BytesPerSecond() int {
	return c.SampleRate * c.Channels * (c.BitsPerSample / 8)
}

// DurationMs returns the duration in milliseconds for the given byte count.
func (c AudioConfig) DurationMs(bytes int) int {
	if c.BytesPerSecond() == 0 {
		return 0
	}
	return (bytes * 1000) / c.BytesPerSecond()
}

// BytesForDurationMs returns the byte count for the given duration in
// milliseconds.
func (c AudioConfig) BytesForDurationMs(ms int) int {
	return (c.BytesPerSecond() * ms) / 1000
}
