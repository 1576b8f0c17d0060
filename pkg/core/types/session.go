package types

import (
	"time"
)

// SessionMode selects how a session interacts with the child.
type SessionMode string

const (
	ModeInteractive SessionMode = "interactive"
	ModePassive     SessionMode = "passive"
)

// Valid reports whether the mode is one of the known modes.
func (m SessionMode) Valid() bool {
	switch m {
	case ModeInteractive, ModePassive:
		return true
	}
	return false
}

// SessionStatus is the persisted status of an interaction session.
type SessionStatus string

const (
	StatusCalibrating SessionStatus = "calibrating"
	StatusActive      SessionStatus = "active"
	StatusPaused      SessionStatus = "paused"
	StatusCompleted   SessionStatus = "completed"
	StatusError       SessionStatus = "error"
)

// Terminal reports whether the status is final. Terminal sessions never
// transition again.
func (s SessionStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusError
}

// CanTransitionTo reports whether a status change is allowed. Transitions
// are monotonic: nothing leaves a terminal status.
func (s SessionStatus) CanTransitionTo(next SessionStatus) bool {
	if s.Terminal() {
		return false
	}
	switch next {
	case StatusCompleted, StatusError:
		return true
	case StatusActive:
		return s == StatusCalibrating || s == StatusPaused || s == StatusActive
	case StatusPaused:
		return s == StatusCalibrating || s == StatusActive
	case StatusCalibrating:
		// Resuming a session that never finished calibrating re-enters the
		// calibration window.
		return s == StatusPaused
	}
	return false
}

// InteractionSession is one continuous voice-interaction episode.
type InteractionSession struct {
	ID        string        `json:"id"`
	StoryID   string        `json:"story_id"`
	ParentID  string        `json:"parent_id"`
	Mode      SessionMode   `json:"mode"`
	Status    SessionStatus `json:"status"`
	StartedAt time.Time     `json:"started_at"`
	EndedAt   *time.Time    `json:"ended_at,omitempty"` // set iff status is terminal
}
