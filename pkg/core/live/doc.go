// Package live implements the interactive voice session engine: noise
// calibration, energy-based speech segmentation, turn orchestration, and the
// per-session event log.
//
// # Architecture
//
// The package provides four core components:
//
//   - Session: the orchestrator that coordinates the full turn pipeline
//   - Calibrator: measures ambient noise and derives the detection threshold
//   - Segmenter: slices the frame stream into discrete child-speech segments
//   - Recorder: the append-only, typed event log for one session
//
// Speech-to-text and response generation are consumed through the Transcriber
// and ResponseGenerator interfaces; persistence goes through Store. The engine
// carries no transport or vendor dependencies itself.
//
// # Data Flow
//
//	Audio In → Calibrator (once) → Segmenter → Transcriber → ResponseGenerator
//	                                   │                            │
//	                                   └───── interruption check ───┘
//
// Frames keep flowing to the Segmenter while a response is generated or
// spoken; that is what makes interruption possible.
//
// # State Machine
//
// A session progresses through these states:
//
//	CALIBRATING → LISTENING → TRANSCRIBING → GENERATING_RESPONSE → SPEAKING
//	                  ↑                                                │
//	                  └──────────────── playback done ─────────────────┘
//
// PAUSED is reachable from any non-terminal state; ENDED and ERROR are
// terminal. Child speech during SPEAKING interrupts the response only once
// playback has run longer than the session's interruption threshold.
//
// # Usage
//
//	sess, err := live.New(live.Dependencies{
//	    Session:     row,
//	    Settings:    settings,
//	    Store:       store,
//	    Transcriber: stt,
//	    Generator:   gen,
//	    Config:      live.DefaultSessionConfig(),
//	})
//	if err != nil { ... }
//
//	sink := live.NewChannelSink(64)
//	sess.Recorder().AddSink(sink)
//	sess.Start(ctx)
//
//	// Feed audio frames
//	sess.PushFrame(pcm)
//
//	// Receive events
//	for e := range sink.Events() {
//	    fmt.Println(e.Type, e.ElapsedMs)
//	}
package live
