package types

import (
	"time"
)

// TriggerType indicates why a response was generated.
type TriggerType string

const (
	TriggerChildSpeech TriggerType = "child_speech"
	TriggerStoryPrompt TriggerType = "story_prompt"
	TriggerTimeout     TriggerType = "timeout"
)

// AIResponse is one generated reply, optionally tied to the voice segment
// that triggered it.
type AIResponse struct {
	ID                string      `json:"id"`
	SessionID         string      `json:"session_id"`
	SegmentID         string      `json:"segment_id,omitempty"`
	Text              string      `json:"text"`
	AudioRef          string      `json:"audio_ref,omitempty"`
	Trigger           TriggerType `json:"trigger"`
	WasInterrupted    bool        `json:"was_interrupted"`
	InterruptedAtMs   *int64      `json:"interrupted_at_ms,omitempty"` // present iff WasInterrupted
	LatencyMs         int64       `json:"latency_ms"`
	PlannedDurationMs int64       `json:"planned_duration_ms"`
	CreatedAt         time.Time   `json:"created_at"`
}

// MarkInterrupted records an interruption at the given playback offset.
// The offset never exceeds the planned duration.
func (r *AIResponse) MarkInterrupted(elapsedMs int64) {
	if r.PlannedDurationMs > 0 && elapsedMs > r.PlannedDurationMs {
		elapsedMs = r.PlannedDurationMs
	}
	r.WasInterrupted = true
	r.InterruptedAtMs = &elapsedMs
}
