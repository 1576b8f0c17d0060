package live

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/howie/storybuddy-sub001/pkg/core"
	"github.com/howie/storybuddy-sub001/pkg/core/transcript"
	"github.com/howie/storybuddy-sub001/pkg/core/types"
)

// Canned lines used when a turn fails but the session should keep going.
const (
	fallbackRepromptText = "I didn't quite catch that. Can you say it one more time?"
	fallbackResponseText = "Hmm, let me think about our story for a moment. What do you think happens next?"
)

// Dependencies wires a Session to its collaborators. Session and Settings
// are snapshots taken at creation: settings edits made while a session runs
// apply to later sessions only.
type Dependencies struct {
	// Session is the pre-created session row, status calibrating.
	Session types.InteractionSession

	// Settings is the parent's settings snapshot.
	Settings types.InteractionSettings

	// Store is the persistence boundary. Required.
	Store Store

	// Audio stores raw segment audio. Consulted only when
	// Settings.RecordingConsent is true. Optional.
	Audio AudioStore

	// Transcriber converts segment audio to text. Required.
	Transcriber Transcriber

	// Generator produces AI replies. Required for interactive sessions.
	Generator ResponseGenerator

	// Logger receives debug output. Optional.
	Logger *slog.Logger

	// Config holds the engine tunables. Zero-valued fields use defaults.
	Config SessionConfig
}

// Session orchestrates one voice interaction: calibration, segmentation,
// transcription, response generation, and modeled playback with
// interruption.
//
// Audio frames are pushed through PushFrame and consumed by a single frame
// loop; transcription and generation run on per-turn goroutines so frame
// classification never waits on the network. All observable behavior is
// recorded on the session's Recorder.
type Session struct {
	cfg         SessionConfig
	settings    types.InteractionSettings
	store       Store
	audioStore  AudioStore
	transcriber Transcriber
	generator   ResponseGenerator
	recorder    *Recorder
	logger      *slog.Logger

	mu            sync.Mutex
	state         SessionState
	sess          types.InteractionSession
	calibrator    *Calibrator
	segmenter     *Segmenter
	calibration   *types.NoiseCalibration
	segmentEpoch  time.Time // wall time at media clock zero
	current       *types.AIResponse
	speakingSince time.Time
	turnCancel    context.CancelFunc
	turnCount     int
	failStreak    int
	lastActivity  time.Time
	history       []string

	frames  chan []byte
	dropped atomic.Int64
	started atomic.Bool
	closed  atomic.Bool
	done    chan struct{}
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	now func() time.Time
}

// New creates a Session. The session row must already exist in the store
// with status calibrating; New does not write anything.
func New(deps Dependencies) (*Session, error) {
	if deps.Session.ID == "" {
		return nil, core.NewValidationErrorWithParam("session id is required", "session.id")
	}
	if !deps.Session.Mode.Valid() {
		return nil, core.NewValidationErrorWithParam(
			fmt.Sprintf("unknown session mode %q", deps.Session.Mode), "session.mode")
	}
	if deps.Store == nil {
		return nil, core.NewValidationError("store is required")
	}
	if deps.Transcriber == nil {
		return nil, core.NewValidationError("transcriber is required")
	}
	if deps.Session.Mode == types.ModeInteractive && deps.Generator == nil {
		return nil, core.NewValidationError("generator is required for interactive sessions")
	}

	cfg := deps.Config
	def := DefaultSessionConfig()
	if cfg.Audio.SampleRate <= 0 {
		cfg.Audio = def.Audio
	}
	if cfg.TranscribeTimeout <= 0 {
		cfg.TranscribeTimeout = def.TranscribeTimeout
	}
	if cfg.GenerateTimeout <= 0 {
		cfg.GenerateTimeout = def.GenerateTimeout
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = def.IdleTimeout
	}
	if cfg.MaxSessionDuration <= 0 {
		cfg.MaxSessionDuration = def.MaxSessionDuration
	}
	if cfg.MaxTurns <= 0 {
		cfg.MaxTurns = def.MaxTurns
	}
	if cfg.MaxConsecutiveFailures <= 0 {
		cfg.MaxConsecutiveFailures = def.MaxConsecutiveFailures
	}
	if cfg.FrameQueueSize <= 0 {
		cfg.FrameQueueSize = def.FrameQueueSize
	}

	logger := deps.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	s := &Session{
		cfg:         cfg,
		settings:    deps.Settings,
		store:       deps.Store,
		audioStore:  deps.Audio,
		transcriber: WithTranscribeRetry(deps.Transcriber),
		recorder:    NewRecorder(deps.Session.ID, logger),
		logger:      logger.With("session_id", deps.Session.ID),
		state:       StateCalibrating,
		sess:        deps.Session,
		frames:      make(chan []byte, cfg.FrameQueueSize),
		done:        make(chan struct{}),
		now:         time.Now,
	}
	if deps.Generator != nil {
		s.generator = WithGenerateRetry(deps.Generator)
	}
	s.calibrator = NewCalibrator(cfg.Calibration, cfg.Audio)
	return s, nil
}

// Recorder returns the session's event log, for attaching sinks before
// Start.
func (s *Session) Recorder() *Recorder {
	return s.recorder
}

// Start begins calibration and launches the session loops.
func (s *Session) Start(ctx context.Context) error {
	if s.started.Swap(true) {
		return core.NewInvalidStateError("session already started")
	}
	s.ctx, s.cancel = context.WithCancel(ctx)

	s.mu.Lock()
	if s.sess.StartedAt.IsZero() {
		s.sess.StartedAt = s.now()
	}
	s.lastActivity = s.now()
	s.mu.Unlock()

	s.recorder.Record(EventSessionStarted, map[string]any{
		"mode":                      string(s.sess.Mode),
		"story_id":                  s.sess.StoryID,
		"interruption_threshold_ms": s.InterruptionThresholdMs(),
		"recording":                 s.settings.RecordingConsent,
	})
	s.recorder.Record(EventCalibrationStarted, map[string]any{
		"window_ms": s.cfg.Calibration.DurationMs,
	})

	s.wg.Add(2)
	go s.frameLoop()
	go s.monitorLoop()
	return nil
}

// PushFrame enqueues one PCM frame. It never blocks: when the queue is full
// the frame is dropped so classification stays on budget. Frames pushed
// while paused are discarded by contract.
func (s *Session) PushFrame(pcm []byte) error {
	if !s.started.Load() {
		return core.NewInvalidStateError("session not started")
	}
	if s.closed.Load() {
		return core.NewInvalidStateError("session already ended")
	}
	if len(pcm) == 0 {
		return core.NewValidationErrorWithParam("empty audio frame", "audio")
	}

	s.mu.Lock()
	st := s.state
	s.mu.Unlock()
	if st == StatePaused {
		return nil
	}
	if st.Terminal() {
		return core.NewInvalidStateError("session already ended")
	}

	// The WebSocket read buffer is reused between frames.
	buf := make([]byte, len(pcm))
	copy(buf, pcm)

	select {
	case s.frames <- buf:
	default:
		if n := s.dropped.Add(1); n == 1 || n%100 == 0 {
			s.recorder.Debug("frame queue full, dropping", "dropped_total", n)
		}
	}
	return nil
}

// Pause suspends the session from any non-terminal state. Any in-flight
// turn is cancelled, an open speech candidate is discarded, and frames are
// dropped until Resume. Pausing a paused session is a no-op.
func (s *Session) Pause() error {
	s.mu.Lock()
	if s.state == StatePaused {
		s.mu.Unlock()
		return nil
	}
	if s.state.Terminal() {
		s.mu.Unlock()
		return core.NewInvalidStateError("session already ended")
	}

	s.cancelTurnLocked("paused")
	if s.current != nil {
		r := s.current
		s.current = nil
		s.recorder.Record(EventResponseCancelled, map[string]any{
			"reason":      "paused",
			"response_id": r.ID,
		})
	}
	from := s.state
	fromCalibrating := from == StateCalibrating
	s.setStateLocked(StatePaused)
	s.recorder.Record(EventSessionPaused, map[string]any{"from": from.String()})
	seg := s.segmenter
	s.mu.Unlock()

	if seg != nil {
		seg.Reset()
	}
	if fromCalibrating {
		// The half-measured window is useless after an arbitrary gap.
		s.calibrator.Reset()
	}
	s.persistStatus()
	return nil
}

// Resume returns a paused session to listening, or back to calibrating when
// calibration never completed. Resuming a running session is a no-op.
func (s *Session) Resume() error {
	s.mu.Lock()
	if s.state.Terminal() {
		s.mu.Unlock()
		return core.NewInvalidStateError("session already ended")
	}
	if s.state != StatePaused {
		s.mu.Unlock()
		return nil
	}

	target := StateListening
	if s.calibration == nil {
		target = StateCalibrating
	}
	s.lastActivity = s.now()
	s.setStateLocked(target)
	s.recorder.Record(EventSessionResumed, map[string]any{"to": target.String()})
	s.mu.Unlock()

	s.persistStatus()
	return nil
}

// End completes the session gracefully: the final transcript is assembled
// and persisted, and the recorder closes after the terminal event. Ending a
// session that already ended is a no-op.
func (s *Session) End(ctx context.Context) error {
	_ = ctx
	s.finish(types.StatusCompleted, "client_end", nil)
	return nil
}

// Close ends the session (if still running) and waits for its goroutines.
func (s *Session) Close() error {
	s.finish(types.StatusCompleted, "closed", nil)
	s.wg.Wait()
	return nil
}

// State returns the current state.
func (s *Session) State() SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Snapshot returns a copy of the session row as the engine sees it.
func (s *Session) Snapshot() types.InteractionSession {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := s.sess
	if s.sess.EndedAt != nil {
		t := *s.sess.EndedAt
		out.EndedAt = &t
	}
	return out
}

// Calibration returns the completed calibration, or nil before it exists.
func (s *Session) Calibration() *types.NoiseCalibration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calibration
}

// InterruptionThresholdMs returns the playback time the AI must have had
// before child speech interrupts it, from the settings snapshot.
func (s *Session) InterruptionThresholdMs() int64 {
	if s.settings.InterruptionThresholdMs > 0 {
		return s.settings.InterruptionThresholdMs
	}
	return types.DefaultInterruptionThresholdMs
}

// DroppedFrames returns how many frames were discarded by the full queue.
func (s *Session) DroppedFrames() int64 {
	return s.dropped.Load()
}

// Done closes when the session reaches a terminal state.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// frameLoop is the single consumer of the frame queue.
func (s *Session) frameLoop() {
	defer s.wg.Done()
	for {
		select {
		case <-s.ctx.Done():
			return
		case pcm := <-s.frames:
			s.processFrame(pcm)
		}
	}
}

func (s *Session) processFrame(pcm []byte) {
	s.mu.Lock()
	st := s.state
	seg := s.segmenter
	s.mu.Unlock()

	switch st {
	case StateCalibrating:
		if s.calibrator.AddFrame(pcm) {
			s.finishCalibration()
		}
	case StateListening, StateTranscribing, StateGeneratingResponse, StateSpeaking:
		// The segmenter keeps watching during response turns; that is
		// what makes interruption possible.
		if seg != nil {
			seg.ProcessFrame(pcm)
		}
	default:
		// Paused or terminal: discarded.
	}
}

func (s *Session) finishCalibration() {
	cal, err := s.calibrator.Result(s.sess.ID)
	if err != nil {
		s.recorder.Record(EventCalibrationFailed, map[string]any{
			"error":      err.Error(),
			"elapsed_ms": s.calibrator.ElapsedMs(),
		})
		s.finish(types.StatusError, "calibration_failed", err)
		return
	}
	cal.CreatedAt = s.now()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	if perr := s.store.CreateCalibration(ctx, cal); perr != nil {
		s.logger.Warn("persist calibration failed", "error", perr)
	}
	cancel()

	threshold := s.calibrator.ThresholdDB()

	s.mu.Lock()
	s.calibration = cal
	s.segmenter = NewSegmenter(s.cfg.Segmenter, s.cfg.Audio, threshold, s.speechStarted, s.speechEnded)
	s.segmentEpoch = s.now()
	s.lastActivity = s.now()
	s.recorder.Record(EventCalibrationCompleted, map[string]any{
		"noise_floor_db": cal.NoiseFloorDB,
		"p90_level_db":   cal.P90LevelDB,
		"sample_count":   cal.SampleCount,
		"threshold_db":   threshold,
	})
	changed := s.setStateLocked(StateListening)
	s.mu.Unlock()

	if changed {
		s.persistStatus()
	}
}

// speechStarted is the acceptance gate, called by the segmenter when a
// candidate is confirmed. Returning false discards the candidate.
func (s *Session) speechStarted(sequence int, startMs int64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch s.state {
	case StateListening:
		s.lastActivity = s.now()
		s.recorder.Record(EventSpeechStarted, map[string]any{
			"sequence": sequence,
			"start_ms": startMs,
		})
		return true

	case StateSpeaking:
		elapsed := s.now().Sub(s.speakingSince).Milliseconds()
		threshold := s.InterruptionThresholdMs()
		if elapsed < threshold {
			// Too early to count as an interruption; treated as noise.
			s.recorder.Record(EventSpeechDiscarded, map[string]any{
				"reason":       "below_interruption_threshold",
				"playback_ms":  elapsed,
				"threshold_ms": threshold,
			})
			return false
		}
		s.interruptLocked(elapsed)
		s.lastActivity = s.now()
		s.recorder.Record(EventSpeechStarted, map[string]any{
			"sequence":     sequence,
			"start_ms":     startMs,
			"interruption": true,
		})
		// The AI does not finish its sentence.
		s.setStateLocked(StateTranscribing)
		return true

	case StateTranscribing, StateGeneratingResponse:
		// The child spoke again before the previous turn finished; the
		// newest utterance wins.
		s.cancelTurnLocked("superseded")
		s.lastActivity = s.now()
		s.recorder.Record(EventSpeechStarted, map[string]any{
			"sequence": sequence,
			"start_ms": startMs,
		})
		s.setStateLocked(StateTranscribing)
		return true

	default:
		s.recorder.Record(EventSpeechDiscarded, map[string]any{
			"reason": "state",
			"state":  s.state.String(),
		})
		return false
	}
}

// interruptLocked cuts off the currently speaking response.
func (s *Session) interruptLocked(atMs int64) {
	r := s.current
	if r == nil {
		return
	}
	r.MarkInterrupted(atMs)
	s.current = nil
	s.recorder.Record(EventResponseInterrupted, map[string]any{
		"response_id":         r.ID,
		"at_ms":               *r.InterruptedAtMs,
		"planned_duration_ms": r.PlannedDurationMs,
	})

	id, at := r.ID, *r.InterruptedAtMs
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.store.MarkResponseInterrupted(ctx, id, at); err != nil {
			s.logger.Warn("persist interruption failed", "response_id", id, "error", err)
		}
	}()
}

// speechEnded receives each finalized segment and launches its turn.
func (s *Session) speechEnded(seg Segment) {
	s.mu.Lock()
	if s.state.Terminal() || s.state == StatePaused {
		s.mu.Unlock()
		return
	}
	s.lastActivity = s.now()
	s.recorder.Record(EventSpeechEnded, map[string]any{
		"sequence":    seg.Sequence,
		"start_ms":    seg.StartMs,
		"end_ms":      seg.EndMs,
		"duration_ms": seg.DurationMs,
	})
	s.setStateLocked(StateTranscribing)
	ctx := s.newTurnLocked()
	epoch := s.segmentEpoch
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.runTurn(ctx, seg, epoch)
	}()
}

func (s *Session) newTurnLocked() context.Context {
	if s.turnCancel != nil {
		s.turnCancel()
	}
	ctx, cancel := context.WithCancel(s.ctx)
	s.turnCancel = cancel
	return ctx
}

func (s *Session) cancelTurnLocked(reason string) {
	if s.turnCancel == nil {
		return
	}
	s.turnCancel()
	s.turnCancel = nil
	if s.state == StateGeneratingResponse {
		s.recorder.Record(EventResponseCancelled, map[string]any{"reason": reason})
	}
}

// runTurn persists the segment, transcribes it, and (in interactive mode)
// generates and delivers the reply.
func (s *Session) runTurn(ctx context.Context, seg Segment, epoch time.Time) {
	started := epoch.Add(time.Duration(seg.StartMs) * time.Millisecond)
	ended := epoch.Add(time.Duration(seg.EndMs) * time.Millisecond)
	vseg := &types.VoiceSegment{
		ID:         types.NewID(),
		SessionID:  s.sess.ID,
		Sequence:   seg.Sequence,
		StartedAt:  started,
		EndedAt:    &ended,
		DurationMs: seg.DurationMs,
		Codec:      "pcm_s16le",
	}
	if s.settings.RecordingConsent && s.audioStore != nil {
		if ref, err := s.audioStore.PutSegmentAudio(ctx, vseg.ID, seg.Audio); err != nil {
			s.logger.Warn("store segment audio failed", "segment_id", vseg.ID, "error", err)
		} else {
			vseg.AudioRef = ref
		}
	}
	if err := s.store.CreateSegment(ctx, vseg); err != nil {
		s.logger.Warn("persist segment failed", "segment_id", vseg.ID, "error", err)
	}

	s.recorder.Record(EventTranscriptionStarted, map[string]any{
		"sequence":    seg.Sequence,
		"segment_id":  vseg.ID,
		"audio_bytes": len(seg.Audio),
	})

	tctx, cancel := context.WithTimeout(ctx, s.cfg.TranscribeTimeout)
	t0 := time.Now()
	res, err := s.transcriber.Transcribe(tctx, seg.Audio, s.cfg.Audio)
	cancel()
	latency := time.Since(t0).Milliseconds()

	if ctx.Err() != nil {
		// Superseded, paused, or the session is over.
		return
	}

	if err != nil {
		timedOut := errors.Is(err, context.DeadlineExceeded)
		s.recorder.Record(EventTranscriptionFailed, map[string]any{
			"sequence":   seg.Sequence,
			"error":      err.Error(),
			"timeout":    timedOut,
			"latency_ms": latency,
		})
		if s.turnFailed(err) {
			return
		}
		if s.sess.Mode == types.ModePassive {
			s.backToListening()
			return
		}
		trigger := types.TriggerChildSpeech
		if timedOut {
			trigger = types.TriggerTimeout
		}
		s.deliverResponse(ctx, vseg, trigger, &GeneratedResponse{Text: fallbackRepromptText}, 0, true)
		return
	}

	s.recorder.Record(EventTranscriptionCompleted, map[string]any{
		"sequence":   seg.Sequence,
		"chars":      len(res.Text),
		"confidence": res.Confidence,
		"latency_ms": latency,
	})
	s.recorder.Record(EventLatencyMeasured, map[string]any{
		"stage":      "transcription",
		"latency_ms": latency,
	})

	if perr := s.store.UpdateSegmentTranscript(ctx, vseg.ID, res.Text, res.Confidence); perr != nil {
		s.logger.Warn("persist segment transcript failed", "segment_id", vseg.ID, "error", perr)
	}
	s.appendHistory("Child: " + res.Text)

	if s.sess.Mode == types.ModePassive {
		// Passive sessions transcribe only.
		s.backToListening()
		return
	}

	s.generateAndSpeak(ctx, vseg, types.TriggerChildSpeech, res.Text)
}

// generateAndSpeak runs the generation half of a turn.
func (s *Session) generateAndSpeak(ctx context.Context, vseg *types.VoiceSegment, trigger types.TriggerType, childText string) {
	s.mu.Lock()
	if ctx.Err() != nil || s.state.Terminal() || s.state == StatePaused {
		s.mu.Unlock()
		return
	}
	s.setStateLocked(StateGeneratingResponse)
	history := make([]string, len(s.history))
	copy(history, s.history)
	s.mu.Unlock()

	req := ResponseRequest{
		SessionID: s.sess.ID,
		StoryID:   s.sess.StoryID,
		Trigger:   trigger,
		ChildText: childText,
		History:   history,
	}

	gctx, cancel := context.WithTimeout(ctx, s.cfg.GenerateTimeout)
	t0 := time.Now()
	gen, err := s.generator.Generate(gctx, req)
	cancel()
	latency := time.Since(t0).Milliseconds()

	if ctx.Err() != nil {
		return
	}

	fallback := false
	if err != nil {
		s.recorder.Record(EventResponseFailed, map[string]any{
			"trigger":    string(trigger),
			"error":      err.Error(),
			"latency_ms": latency,
		})
		if s.turnFailed(err) {
			return
		}
		gen = &GeneratedResponse{Text: fallbackResponseText}
		fallback = true
		latency = 0
	}

	s.deliverResponse(ctx, vseg, trigger, gen, latency, fallback)
}

// deliverResponse persists the response and models its playback.
func (s *Session) deliverResponse(ctx context.Context, vseg *types.VoiceSegment, trigger types.TriggerType, gen *GeneratedResponse, latencyMs int64, fallback bool) {
	planned := gen.AudioDurationMs
	if planned <= 0 {
		planned = EstimateSpeechDurationMs(gen.Text)
	}
	resp := &types.AIResponse{
		ID:                types.NewID(),
		SessionID:         s.sess.ID,
		Text:              gen.Text,
		AudioRef:          gen.AudioRef,
		Trigger:           trigger,
		LatencyMs:         latencyMs,
		PlannedDurationMs: planned,
		CreatedAt:         s.now(),
	}
	if vseg != nil {
		resp.SegmentID = vseg.ID
	}
	if err := s.store.CreateResponse(ctx, resp); err != nil {
		s.logger.Warn("persist response failed", "response_id", resp.ID, "error", err)
	}

	s.mu.Lock()
	if ctx.Err() != nil || s.state.Terminal() || s.state == StatePaused {
		s.mu.Unlock()
		return
	}
	if !fallback {
		s.failStreak = 0
	}
	s.current = resp
	s.speakingSince = s.now()
	s.turnCount++
	turn := s.turnCount
	s.setStateLocked(StateSpeaking)
	s.recorder.Record(EventResponseStarted, map[string]any{
		"response_id":         resp.ID,
		"trigger":             string(trigger),
		"turn":                turn,
		"latency_ms":          latencyMs,
		"planned_duration_ms": planned,
		"fallback":            fallback,
	})
	if latencyMs > 0 {
		s.recorder.Record(EventLatencyMeasured, map[string]any{
			"stage":      "generation",
			"latency_ms": latencyMs,
		})
	}
	s.mu.Unlock()

	s.appendHistory("Buddy: " + gen.Text)
}

// turnFailed bumps the consecutive-failure streak and fails the session
// when it crosses the limit. Returns true when the session was failed.
func (s *Session) turnFailed(cause error) bool {
	s.mu.Lock()
	s.failStreak++
	streak := s.failStreak
	s.mu.Unlock()

	if streak >= s.cfg.MaxConsecutiveFailures {
		s.finish(types.StatusError, "turn_failures",
			core.NewInternalError(fmt.Sprintf("too many consecutive turn failures: %v", cause)).
				WithCode("turn_failure_limit"))
		return true
	}
	return false
}

func (s *Session) backToListening() {
	s.mu.Lock()
	if s.state == StateTranscribing || s.state == StateGeneratingResponse {
		s.setStateLocked(StateListening)
	}
	s.mu.Unlock()
}

// monitorLoop drives time-based transitions: playback completion, idle
// timeouts, and session caps.
func (s *Session) monitorLoop() {
	defer s.wg.Done()
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			s.tick()
		}
	}
}

const (
	actNone = iota
	actIdlePrompt
	actIdleComplete
	actTurnLimit
	actDurationCap
)

func (s *Session) tick() {
	s.mu.Lock()
	now := s.now()
	act := actNone

	switch s.state {
	case StateSpeaking:
		if s.current != nil && now.Sub(s.speakingSince).Milliseconds() >= s.current.PlannedDurationMs {
			r := s.current
			s.current = nil
			s.recorder.Record(EventResponseCompleted, map[string]any{
				"response_id": r.ID,
				"duration_ms": r.PlannedDurationMs,
			})
			s.lastActivity = now
			if s.cfg.MaxTurns > 0 && s.turnCount >= s.cfg.MaxTurns {
				act = actTurnLimit
			} else {
				s.setStateLocked(StateListening)
			}
		}
	case StateListening:
		if s.cfg.IdleTimeout > 0 && now.Sub(s.lastActivity) >= s.cfg.IdleTimeout {
			s.lastActivity = now // rearm
			if s.sess.Mode == types.ModeInteractive {
				act = actIdlePrompt
			} else {
				act = actIdleComplete
			}
		}
	}

	if act == actNone && !s.state.Terminal() &&
		s.cfg.MaxSessionDuration > 0 && now.Sub(s.sess.StartedAt) >= s.cfg.MaxSessionDuration {
		act = actDurationCap
	}

	var turnCtx context.Context
	if act == actIdlePrompt {
		turnCtx = s.newTurnLocked()
	}
	s.mu.Unlock()

	switch act {
	case actIdlePrompt:
		// Nudge the quiet child along rather than hanging up on them.
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.generateAndSpeak(turnCtx, nil, types.TriggerStoryPrompt, "")
		}()
	case actIdleComplete:
		s.finish(types.StatusCompleted, "idle_timeout", nil)
	case actTurnLimit:
		s.finish(types.StatusCompleted, "turn_limit", nil)
	case actDurationCap:
		s.finish(types.StatusCompleted, "max_duration", nil)
	}
}

// finish drives the session to a terminal state exactly once. Later calls
// are no-ops, which is what makes double-end idempotent.
func (s *Session) finish(status types.SessionStatus, reason string, cause error) {
	if s.closed.Swap(true) {
		return
	}

	s.mu.Lock()
	s.cancelTurnLocked("session_end")
	if s.current != nil {
		r := s.current
		s.current = nil
		s.recorder.Record(EventResponseCancelled, map[string]any{
			"reason":      "session_end",
			"response_id": r.ID,
		})
	}
	target := StateEnded
	if status == types.StatusError {
		target = StateError
	}
	s.setStateLocked(target)
	turns := s.turnCount
	s.mu.Unlock()

	s.persistStatus()
	s.assembleTranscript()

	if status == types.StatusError {
		data := map[string]any{"reason": reason}
		if cause != nil {
			data["error"] = cause.Error()
			var ce *core.Error
			if errors.As(cause, &ce) {
				data["error_type"] = string(ce.Type)
			}
		}
		s.recorder.Record(EventSessionError, data)
	} else {
		s.recorder.Record(EventSessionCompleted, map[string]any{
			"reason":      reason,
			"turns":       turns,
			"duration_ms": s.recorder.ElapsedMs(),
		})
	}

	s.recorder.Close()
	if s.cancel != nil {
		s.cancel()
	}
	close(s.done)
}

// assembleTranscript builds and persists the 1:1 session transcript from
// stored segments and responses. Best-effort: a partial transcript beats
// none.
func (s *Session) assembleTranscript() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	segments, err := s.store.ListSegments(ctx, s.sess.ID)
	if err != nil {
		s.logger.Warn("transcript assembly: list segments failed", "error", err)
		return
	}
	responses, err := s.store.ListResponses(ctx, s.sess.ID)
	if err != nil {
		s.logger.Warn("transcript assembly: list responses failed", "error", err)
		return
	}

	sess := s.Snapshot()
	if sess.EndedAt == nil {
		t := s.now()
		sess.EndedAt = &t
	}

	tr := transcript.Build(sess, segments, responses)
	tr.CreatedAt = s.now()
	if err := s.store.CreateTranscript(ctx, tr); err != nil {
		s.logger.Warn("persist transcript failed", "error", err)
	}
}

// setStateLocked transitions the state machine, records the change, and
// updates the coarse persisted status. Returns true when the persisted
// status changed; the caller must call persistStatus after releasing the
// lock.
func (s *Session) setStateLocked(next SessionState) bool {
	if s.state == next {
		return false
	}
	prev := s.state
	s.state = next
	s.recorder.Record(EventStateChanged, map[string]any{
		"from": prev.String(),
		"to":   next.String(),
	})

	status := statusForState(next)
	if status == s.sess.Status || !s.sess.Status.CanTransitionTo(status) {
		return false
	}
	s.sess.Status = status
	if status.Terminal() {
		t := s.now()
		s.sess.EndedAt = &t
	}
	return true
}

// persistStatus writes the current status through the store. Never called
// on the frame path.
func (s *Session) persistStatus() {
	s.mu.Lock()
	status := s.sess.Status
	var endedAt *time.Time
	if s.sess.EndedAt != nil {
		t := *s.sess.EndedAt
		endedAt = &t
	}
	s.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.store.UpdateSessionStatus(ctx, s.sess.ID, status, endedAt); err != nil {
		s.logger.Warn("persist session status failed", "status", string(status), "error", err)
	}
}

func statusForState(st SessionState) types.SessionStatus {
	switch st {
	case StateCalibrating:
		return types.StatusCalibrating
	case StatePaused:
		return types.StatusPaused
	case StateEnded:
		return types.StatusCompleted
	case StateError:
		return types.StatusError
	default:
		return types.StatusActive
	}
}

func (s *Session) appendHistory(line string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.history = append(s.history, line)
	if len(s.history) > 20 {
		s.history = s.history[len(s.history)-20:]
	}
}
