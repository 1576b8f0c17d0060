package types

import (
	"time"
)

// VoiceSegment is one child-speech utterance within a session. Sequence is
// 1-based, strictly increasing, and contiguous per session.
type VoiceSegment struct {
	ID         string     `json:"id"`
	SessionID  string     `json:"session_id"`
	Sequence   int        `json:"sequence"`
	StartedAt  time.Time  `json:"started_at"`
	EndedAt    *time.Time `json:"ended_at,omitempty"` // unset until the segmenter finalizes
	DurationMs int64      `json:"duration_ms"`
	Transcript *string    `json:"transcript,omitempty"` // attached asynchronously
	Confidence float64    `json:"confidence,omitempty"`
	AudioRef   string     `json:"audio_ref,omitempty"` // empty unless recording is enabled
	Codec      string     `json:"codec,omitempty"`
}

// Finalized reports whether the segment has an end boundary.
func (s VoiceSegment) Finalized() bool {
	return s.EndedAt != nil
}
