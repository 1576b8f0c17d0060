package live

import (
	"sort"
	"sync"

	"github.com/howie/storybuddy-sub001/pkg/core"
	"github.com/howie/storybuddy-sub001/pkg/core/types"
)

// Calibrator measures ambient noise over an initial window of audio and
// derives the speech-detection threshold for the rest of the session.
//
// The noise floor is a smoothed low percentile of frame levels rather than a
// mean, so a single door slam inside the window cannot inflate it. The 90th
// percentile is kept as the detection ceiling: in a bursty room the threshold
// must sit above what the room does on its own.
type Calibrator struct {
	cfg   CalibrationConfig
	audio AudioConfig

	mu        sync.Mutex
	elapsedMs int64
	levels    []float64 // dBFS of each audible frame
	floorDB   float64
	haveFloor bool
}

// NewCalibrator creates a calibrator. Zero-valued config fields fall back to
// defaults.
func NewCalibrator(cfg CalibrationConfig, audio AudioConfig) *Calibrator {
	def := DefaultCalibrationConfig()
	if cfg.DurationMs <= 0 {
		cfg.DurationMs = def.DurationMs
	}
	if cfg.MinSamples <= 0 {
		cfg.MinSamples = def.MinSamples
	}
	if cfg.MarginDB <= 0 {
		cfg.MarginDB = def.MarginDB
	}
	if cfg.SilenceFloorDB >= 0 {
		cfg.SilenceFloorDB = def.SilenceFloorDB
	}
	if cfg.SmoothingAlpha <= 0 || cfg.SmoothingAlpha > 1 {
		cfg.SmoothingAlpha = def.SmoothingAlpha
	}
	return &Calibrator{cfg: cfg, audio: audio}
}

// AddFrame feeds one PCM frame into the measurement. It returns true once
// the calibration window is complete.
func (c *Calibrator) AddFrame(pcm []byte) bool {
	frameMs := int64(c.audio.DurationMs(len(pcm)))
	db := FrameLevelDB(pcm)

	c.mu.Lock()
	defer c.mu.Unlock()

	c.elapsedMs += frameMs

	// Dead air carries no information about the room.
	if db > c.cfg.SilenceFloorDB {
		c.levels = append(c.levels, db)

		target := percentile(c.levels, 25)
		if !c.haveFloor {
			c.floorDB = target
			c.haveFloor = true
		} else {
			a := c.cfg.SmoothingAlpha
			c.floorDB = a*target + (1-a)*c.floorDB
		}
	}

	return c.elapsedMs >= int64(c.cfg.DurationMs)
}

// ElapsedMs returns how much audio has been measured so far.
func (c *Calibrator) ElapsedMs() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.elapsedMs
}

// Reset discards all measurements so the window can run again.
func (c *Calibrator) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.elapsedMs = 0
	c.levels = c.levels[:0]
	c.floorDB = 0
	c.haveFloor = false
}

// Result produces the calibration record, or a calibration_failed error when
// the window did not contain enough audible frames to trust. The caller
// stamps CreatedAt.
func (c *Calibrator) Result(sessionID string) (*types.NoiseCalibration, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if len(c.levels) < c.cfg.MinSamples {
		return nil, core.NewCalibrationFailedError(
			"not enough audible frames to establish a noise floor").
			WithCode("calibration_too_quiet")
	}

	return &types.NoiseCalibration{
		ID:           types.NewID(),
		SessionID:    sessionID,
		NoiseFloorDB: round1(c.floorDB),
		P90LevelDB:   round1(percentile(c.levels, 90)),
		SampleCount:  len(c.levels),
		DurationMs:   c.elapsedMs,
	}, nil
}

// ThresholdDB returns the detection threshold implied by the current
// measurement. Only meaningful after a successful Result.
func (c *Calibrator) ThresholdDB() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	threshold := c.floorDB + c.cfg.MarginDB
	if p90 := percentile(c.levels, 90); p90 > threshold {
		return p90
	}
	return threshold
}

// percentile returns the nearest-rank percentile of vals. vals is not
// modified.
func percentile(vals []float64, p float64) float64 {
	if len(vals) == 0 {
		return MinLevelDB
	}
	sorted := make([]float64, len(vals))
	copy(sorted, vals)
	sort.Float64s(sorted)

	rank := int(float64(len(sorted)) * p / 100)
	if rank >= len(sorted) {
		rank = len(sorted) - 1
	}
	return sorted[rank]
}

func round1(v float64) float64 {
	if v < 0 {
		return float64(int64(v*10-0.5)) / 10
	}
	return float64(int64(v*10+0.5)) / 10
}
