package live

import (
	"errors"
	"math"
	"testing"

	"github.com/howie/storybuddy-sub001/pkg/core"
)

func TestCalibrator_QuietRoom(t *testing.T) {
	audio := DefaultAudioConfig()
	cfg := CalibrationConfig{DurationMs: 200, MinSamples: 5, MarginDB: 10}
	c := NewCalibrator(cfg, audio)

	// 10 frames of 20ms at -40 dBFS.
	done := false
	for i := 0; i < 10; i++ {
		done = c.AddFrame(makeFrame(audio, 0.01, 20))
	}
	if !done {
		t.Fatal("window should be complete after 200ms of audio")
	}

	cal, err := c.Result("sess-1")
	if err != nil {
		t.Fatalf("Result: %v", err)
	}
	if cal.SessionID != "sess-1" {
		t.Errorf("SessionID = %q", cal.SessionID)
	}
	if cal.SampleCount != 10 {
		t.Errorf("SampleCount = %d, want 10", cal.SampleCount)
	}
	if math.Abs(cal.NoiseFloorDB-(-40)) > 1 {
		t.Errorf("NoiseFloorDB = %.1f, want about -40", cal.NoiseFloorDB)
	}
	if math.Abs(cal.P90LevelDB-(-40)) > 1 {
		t.Errorf("P90LevelDB = %.1f, want about -40", cal.P90LevelDB)
	}

	// Threshold = floor + margin in a steady room.
	threshold := cal.DetectionThresholdDB(cfg.MarginDB)
	if math.Abs(threshold-(-30)) > 1.5 {
		t.Errorf("threshold = %.1f, want about -30", threshold)
	}
}

func TestCalibrator_TransientSpikeDoesNotDragFloor(t *testing.T) {
	audio := DefaultAudioConfig()
	cfg := CalibrationConfig{DurationMs: 400, MinSamples: 5, MarginDB: 10}
	c := NewCalibrator(cfg, audio)

	// Mostly -50 dBFS with two loud -15 dBFS spikes (a door slam).
	for i := 0; i < 20; i++ {
		amp := 0.00316 // about -50 dBFS
		if i == 8 || i == 9 {
			amp = 0.18 // about -15 dBFS
		}
		c.AddFrame(makeFrame(audio, amp, 20))
	}

	cal, err := c.Result("sess-2")
	if err != nil {
		t.Fatalf("Result: %v", err)
	}
	// The floor is a smoothed low percentile: spikes must not pull it
	// anywhere near -15.
	if cal.NoiseFloorDB > -45 {
		t.Errorf("NoiseFloorDB = %.1f, spikes dragged the floor", cal.NoiseFloorDB)
	}
	// But the p90 ceiling sees them.
	if cal.P90LevelDB > -10 || cal.P90LevelDB < -55 {
		t.Errorf("P90LevelDB = %.1f out of plausible range", cal.P90LevelDB)
	}
}

func TestCalibrator_BurstyRoomRaisesThreshold(t *testing.T) {
	audio := DefaultAudioConfig()
	cfg := CalibrationConfig{DurationMs: 400, MinSamples: 5, MarginDB: 10}
	c := NewCalibrator(cfg, audio)

	// Alternate -60 and -25 dBFS: a room with constant TV chatter.
	for i := 0; i < 20; i++ {
		amp := 0.001
		if i%2 == 1 {
			amp = 0.056 // about -25 dBFS
		}
		c.AddFrame(makeFrame(audio, amp, 20))
	}

	cal, err := c.Result("sess-3")
	if err != nil {
		t.Fatalf("Result: %v", err)
	}
	threshold := cal.DetectionThresholdDB(cfg.MarginDB)
	// floor+margin would be around -50; the p90 ceiling must win.
	if threshold < cal.P90LevelDB {
		t.Errorf("threshold %.1f below p90 %.1f", threshold, cal.P90LevelDB)
	}
	if threshold < -30 {
		t.Errorf("threshold = %.1f, bursty room should push it above -30", threshold)
	}
}

func TestCalibrator_TooQuietFails(t *testing.T) {
	audio := DefaultAudioConfig()
	cfg := CalibrationConfig{DurationMs: 100, MinSamples: 5}
	c := NewCalibrator(cfg, audio)

	// Digital silence never counts as a sample.
	for i := 0; i < 5; i++ {
		c.AddFrame(makeFrame(audio, 0, 20))
	}

	_, err := c.Result("sess-4")
	if err == nil {
		t.Fatal("expected calibration failure")
	}
	var ce *core.Error
	if !errors.As(err, &ce) || ce.Type != core.ErrCalibrationFailed {
		t.Errorf("error = %v, want calibration_failed", err)
	}
}

func TestCalibrator_Reset(t *testing.T) {
	audio := DefaultAudioConfig()
	c := NewCalibrator(CalibrationConfig{DurationMs: 100, MinSamples: 2}, audio)

	for i := 0; i < 5; i++ {
		c.AddFrame(makeFrame(audio, 0.01, 20))
	}
	if c.ElapsedMs() != 100 {
		t.Fatalf("ElapsedMs = %d, want 100", c.ElapsedMs())
	}

	c.Reset()
	if c.ElapsedMs() != 0 {
		t.Errorf("ElapsedMs after Reset = %d", c.ElapsedMs())
	}
	if _, err := c.Result("sess-5"); err == nil {
		t.Error("Result after Reset should fail")
	}
}
