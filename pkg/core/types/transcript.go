package types

import (
	"time"
)

// InteractionTranscript is the append-only session summary built once, at
// session end. One per session.
type InteractionTranscript struct {
	ID           string     `json:"id"`
	SessionID    string     `json:"session_id"`
	PlainText    string     `json:"plain_text"`
	RenderedText string     `json:"rendered_text"`
	TurnCount    int        `json:"turn_count"`
	DurationMs   int64      `json:"duration_ms"`
	NotifiedAt   *time.Time `json:"notified_at,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
}
