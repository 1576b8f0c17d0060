package types

import (
	"time"
)

// NoiseCalibration records the ambient-noise measurement taken at session
// start. One per session, immutable once written; its levels gate all
// speech detection for that session.
type NoiseCalibration struct {
	ID           string    `json:"id"`
	SessionID    string    `json:"session_id"`
	NoiseFloorDB float64   `json:"noise_floor_db"`
	P90LevelDB   float64   `json:"p90_level_db"`
	SampleCount  int       `json:"sample_count"`
	DurationMs   int64     `json:"duration_ms"`
	CreatedAt    time.Time `json:"created_at"`
}

// DetectionThresholdDB derives the speech-detection threshold: the noise
// floor raised by a margin, never below the 90th-percentile ambient level
// so bursty rooms do not trigger on their own noise.
func (c NoiseCalibration) DetectionThresholdDB(marginDB float64) float64 {
	threshold := c.NoiseFloorDB + marginDB
	if c.P90LevelDB > threshold {
		return c.P90LevelDB
	}
	return threshold
}
