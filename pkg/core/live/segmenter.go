package live

import (
	"sync"
)

// Segment is one finalized stretch of child speech. Offsets are media time:
// milliseconds of audio processed since the segmenter was created.
type Segment struct {
	Sequence   int
	StartMs    int64
	EndMs      int64
	DurationMs int64
	Audio      []byte
}

// SpeechStartFunc is called when a candidate is confirmed as real speech.
// Returning false discards the candidate: no segment is produced and the
// sequence number is not consumed. The orchestrator uses this as the
// acceptance gate for the interruption rule.
type SpeechStartFunc func(sequence int, startMs int64) bool

// SpeechEndFunc is called with each finalized segment.
type SpeechEndFunc func(seg Segment)

// Segmenter slices a PCM frame stream into discrete speech segments using
// the calibrated energy threshold.
//
// It runs a three-phase machine per frame: idle until enough consecutive
// frames exceed the threshold (debounce), candidate until the speech has
// lasted the minimum duration (confirmation), then speaking until trailing
// silence outlasts the hangover. Sequence numbers are 1-based, strictly
// increasing, and gapless: a number is consumed only when a confirmed
// segment is accepted.
//
// Callbacks fire with the segmenter's lock held; they must not call back
// into the Segmenter.
type Segmenter struct {
	cfg         SegmenterConfig
	audio       AudioConfig
	thresholdDB float64

	onSpeechStart SpeechStartFunc
	onSpeechEnd   SpeechEndFunc

	mu           sync.Mutex
	phase        int
	clockMs      int64 // media time: audio processed so far
	nextSeq      int
	seq          int // sequence of the open segment
	smoothedDB   float64
	haveSmoothed bool
	runFrames    int   // consecutive active frames while idle
	runStartMs   int64 // media time the active run began
	startMs      int64 // candidate/segment start
	silenceMs    int64 // trailing silence inside candidate/speaking
	prefix       *RingBuffer
	segment      *AudioBuffer
}

const (
	phaseIdle = iota
	phaseCandidate
	phaseSpeaking
)

// NewSegmenter creates a segmenter with the given detection threshold in
// dBFS. Zero-valued config fields fall back to defaults.
func NewSegmenter(cfg SegmenterConfig, audio AudioConfig, thresholdDB float64, onStart SpeechStartFunc, onEnd SpeechEndFunc) *Segmenter {
	def := DefaultSegmenterConfig()
	if cfg.MinSpeechFrames <= 0 {
		cfg.MinSpeechFrames = def.MinSpeechFrames
	}
	if cfg.MinSpeechMs <= 0 {
		cfg.MinSpeechMs = def.MinSpeechMs
	}
	if cfg.HangoverMs <= 0 {
		cfg.HangoverMs = def.HangoverMs
	}
	if cfg.MaxSegmentMs <= 0 {
		cfg.MaxSegmentMs = def.MaxSegmentMs
	}
	if cfg.PrefixPaddingMs <= 0 {
		cfg.PrefixPaddingMs = def.PrefixPaddingMs
	}
	if cfg.SmoothingAlpha <= 0 || cfg.SmoothingAlpha > 1 {
		cfg.SmoothingAlpha = def.SmoothingAlpha
	}

	return &Segmenter{
		cfg:           cfg,
		audio:         audio,
		thresholdDB:   thresholdDB,
		onSpeechStart: onStart,
		onSpeechEnd:   onEnd,
		nextSeq:       1,
		prefix:        NewRingBuffer(audio, cfg.PrefixPaddingMs),
		segment:       NewAudioBuffer(audio, cfg.MaxSegmentMs+cfg.PrefixPaddingMs+cfg.HangoverMs),
	}
}

// ProcessFrame classifies one PCM frame and advances the segmentation
// machine. It does no I/O and never blocks.
func (s *Segmenter) ProcessFrame(pcm []byte) {
	if len(pcm) == 0 {
		return
	}

	frameMs := int64(s.audio.DurationMs(len(pcm)))
	if frameMs <= 0 {
		frameMs = 1
	}
	db := FrameLevelDB(pcm)

	s.mu.Lock()
	defer s.mu.Unlock()

	frameStartMs := s.clockMs
	s.clockMs += frameMs

	if !s.haveSmoothed {
		s.smoothedDB = db
		s.haveSmoothed = true
	} else {
		a := s.cfg.SmoothingAlpha
		s.smoothedDB = a*db + (1-a)*s.smoothedDB
	}
	active := s.smoothedDB >= s.thresholdDB

	// The ring always tracks the most recent audio so the next onset keeps
	// its padding regardless of phase.
	s.prefix.Write(pcm)

	switch s.phase {
	case phaseIdle:
		if !active {
			s.runFrames = 0
			return
		}
		if s.runFrames == 0 {
			s.runStartMs = frameStartMs
		}
		s.runFrames++
		if s.runFrames >= s.cfg.MinSpeechFrames {
			s.phase = phaseCandidate
			s.startMs = s.runStartMs
			s.silenceMs = 0
			s.segment.Clear()
			s.segment.Write(s.prefix.Read())
			s.runFrames = 0
		}

	case phaseCandidate:
		s.segment.Write(pcm)
		if active {
			s.silenceMs = 0
			if s.clockMs-s.startMs >= int64(s.cfg.MinSpeechMs) {
				s.confirmLocked()
			}
			return
		}
		s.silenceMs += frameMs
		if s.silenceMs >= int64(s.cfg.HangoverMs) {
			// Too short to be a segment; treated as noise.
			s.toIdleLocked()
		}

	case phaseSpeaking:
		s.segment.Write(pcm)
		if active {
			s.silenceMs = 0
		} else {
			s.silenceMs += frameMs
			if s.silenceMs >= int64(s.cfg.HangoverMs) {
				s.closeSegmentLocked(s.clockMs - s.silenceMs)
				return
			}
		}
		if s.clockMs-s.startMs >= int64(s.cfg.MaxSegmentMs) {
			s.closeSegmentLocked(s.clockMs)
		}
	}
}

// confirmLocked promotes the candidate to a real segment if the acceptance
// gate allows it.
func (s *Segmenter) confirmLocked() {
	accepted := true
	if s.onSpeechStart != nil {
		accepted = s.onSpeechStart(s.nextSeq, s.startMs)
	}
	if !accepted {
		s.toIdleLocked()
		return
	}
	s.seq = s.nextSeq
	s.nextSeq++
	s.phase = phaseSpeaking
}

// closeSegmentLocked finalizes the open segment ending at endMs.
func (s *Segmenter) closeSegmentLocked(endMs int64) {
	seg := Segment{
		Sequence:   s.seq,
		StartMs:    s.startMs,
		EndMs:      endMs,
		DurationMs: endMs - s.startMs,
		Audio:      s.segment.Read(),
	}
	s.toIdleLocked()
	if s.onSpeechEnd != nil {
		s.onSpeechEnd(seg)
	}
}

func (s *Segmenter) toIdleLocked() {
	s.phase = phaseIdle
	s.runFrames = 0
	s.silenceMs = 0
	s.segment.Clear()
}

// Reset discards any open candidate or segment and returns to idle. The
// media clock and sequence counter are preserved.
func (s *Segmenter) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.toIdleLocked()
	s.haveSmoothed = false
}

// ClockMs returns the media time processed so far.
func (s *Segmenter) ClockMs() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.clockMs
}

// Speaking reports whether a confirmed segment is currently open.
func (s *Segmenter) Speaking() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.phase == phaseSpeaking
}

// ThresholdDB returns the detection threshold in use.
func (s *Segmenter) ThresholdDB() float64 {
	return s.thresholdDB
}
