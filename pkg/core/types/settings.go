package types

import (
	"time"
)

// Notification cadence values for InteractionSettings.
const (
	CadenceOff    = "off"
	CadenceDaily  = "daily"
	CadenceWeekly = "weekly"
)

// DefaultInterruptionThresholdMs is how long the AI must have been speaking
// before child speech counts as an interruption.
const DefaultInterruptionThresholdMs int64 = 500

// InteractionSettings is the per-parent configuration applied to sessions.
// Sessions snapshot these values at start; later edits affect later
// sessions only.
type InteractionSettings struct {
	ParentID                string    `json:"parent_id"`
	RecordingConsent        bool      `json:"recording_consent"`
	NotificationCadence     string    `json:"notification_cadence"`
	InterruptionThresholdMs int64     `json:"interruption_threshold_ms"`
	UpdatedAt               time.Time `json:"updated_at"`
}

// DefaultInteractionSettings returns the settings used when a parent has
// never saved any.
func DefaultInteractionSettings(parentID string) InteractionSettings {
	return InteractionSettings{
		ParentID:                parentID,
		RecordingConsent:        false,
		NotificationCadence:     CadenceDaily,
		InterruptionThresholdMs: DefaultInterruptionThresholdMs,
	}
}
