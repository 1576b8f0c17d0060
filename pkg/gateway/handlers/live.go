package handlers

import (
	"context"
	"encoding/base64"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/howie/storybuddy-sub001/pkg/core"
	"github.com/howie/storybuddy-sub001/pkg/core/live"
	"github.com/howie/storybuddy-sub001/pkg/core/types"
	"github.com/howie/storybuddy-sub001/pkg/gateway/apierror"
	"github.com/howie/storybuddy-sub001/pkg/gateway/config"
	"github.com/howie/storybuddy-sub001/pkg/gateway/lifecycle"
	"github.com/howie/storybuddy-sub001/pkg/gateway/live/protocol"
	"github.com/howie/storybuddy-sub001/pkg/gateway/live/sessions"
	"github.com/howie/storybuddy-sub001/pkg/gateway/metrics"
	"github.com/howie/storybuddy-sub001/pkg/gateway/mw"
	"github.com/howie/storybuddy-sub001/pkg/storage"
)

// eventBuffer sizes the channel between the session recorder and the
// WebSocket writer. The recorder drops events rather than block when a slow
// client falls this far behind.
const eventBuffer = 256

// endGrace bounds the graceful teardown when the client goes away or asks
// to end: final status write, transcript assembly, connection close.
const endGrace = 5 * time.Second

// LiveHandler serves /v1/live: one WebSocket connection per voice session.
// The client opens with session_start, streams base64 PCM frames, and
// receives the session's event log as it happens.
type LiveHandler struct {
	Config       config.Config
	Store        storage.Store
	Audio        live.AudioStore
	Transcriber  live.Transcriber
	Generator    live.ResponseGenerator
	Logger       *slog.Logger
	Lifecycle    *lifecycle.State
	LiveSessions *sessions.Tracker
	Metrics      *metrics.Metrics
}

func (h LiveHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	reqID, _ := mw.RequestIDFrom(r.Context())
	if r.Method != http.MethodGet {
		writeJSON(w, http.StatusMethodNotAllowed, apierror.Envelope{Error: &core.Error{
			Type: core.ErrValidation, Message: "method not allowed", Code: "method_not_allowed", RequestID: reqID,
		}})
		return
	}
	if h.Lifecycle.Draining() {
		writeJSON(w, http.StatusServiceUnavailable, apierror.Envelope{Error: &core.Error{
			Type: core.ErrInvalidState, Message: "gateway is draining", Code: "draining", RequestID: reqID,
		}})
		return
	}
	if err := h.authorize(r); err != nil {
		writeJSON(w, http.StatusUnauthorized, apierror.Envelope{Error: &core.Error{
			Type: core.ErrUnauthorized, Message: err.Error(), RequestID: reqID,
		}})
		return
	}

	// Devices are not browsers; Origin carries no trust here.
	upgrader := websocket.Upgrader{
		CheckOrigin: func(*http.Request) bool { return true },
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	if h.Config.LiveMaxJSONMessageBytes > 0 {
		conn.SetReadLimit(h.Config.LiveMaxJSONMessageBytes)
	}

	handshakeTimeout := h.Config.LiveHandshakeTimeout
	if handshakeTimeout <= 0 {
		handshakeTimeout = 5 * time.Second
	}
	_ = conn.SetReadDeadline(time.Now().Add(handshakeTimeout))
	messageType, firstFrame, err := conn.ReadMessage()
	if err != nil {
		h.writeWSError(conn, "bad_request", "failed to read session_start", "", true)
		return
	}
	if messageType != websocket.TextMessage {
		h.writeWSError(conn, "bad_request", "first frame must be session_start", "", true)
		return
	}

	decoded, err := protocol.DecodeClientMessage(firstFrame)
	if err != nil {
		h.writeWSDecodeError(conn, err)
		return
	}
	start, ok := decoded.(protocol.SessionStart)
	if !ok {
		h.writeWSError(conn, "bad_request", "first frame must be session_start", "type", true)
		return
	}

	ctx := r.Context()
	if _, err := h.Store.GetStory(ctx, start.StoryID); err != nil {
		if isNotFound(err) {
			h.writeWSError(conn, "not_found", "story not found", "story_id", true)
		} else {
			h.writeWSError(conn, "internal", "failed to load story", "", true)
		}
		return
	}

	settings := types.DefaultInteractionSettings(start.ParentID)
	if saved, err := h.Store.GetSettings(ctx, start.ParentID); err == nil {
		settings = *saved
	} else if !isNotFound(err) {
		h.writeWSError(conn, "internal", "failed to load settings", "", true)
		return
	}

	sess := types.InteractionSession{
		ID:        types.NewID(),
		StoryID:   start.StoryID,
		ParentID:  start.ParentID,
		Mode:      types.SessionMode(start.Mode),
		Status:    types.StatusCalibrating,
		StartedAt: time.Now().UTC(),
	}
	if err := h.Store.CreateSession(ctx, &sess); err != nil {
		h.writeWSError(conn, "internal", "failed to create session", "", true)
		return
	}

	ls, err := live.New(live.Dependencies{
		Session:     sess,
		Settings:    settings,
		Store:       h.Store,
		Audio:       h.Audio,
		Transcriber: h.Transcriber,
		Generator:   h.Generator,
		Logger:      h.Logger,
		Config:      h.engineConfig(),
	})
	if err != nil {
		h.failSession(sess.ID)
		h.writeWSError(conn, "internal", "failed to initialize session", "", true)
		return
	}

	// Sinks must be attached before Start; the recorder does not replay.
	events := live.NewChannelSink(eventBuffer)
	ls.Recorder().AddSink(h.Metrics.SessionSink())
	ls.Recorder().AddSink(events)

	ack := protocol.ServerSessionAck{
		Type:      "session_ack",
		SessionID: sess.ID,
		Mode:      start.Mode,
		Audio:     start.Audio,
		Limits: protocol.AckLimits{
			MaxAudioFrameBytes:      h.Config.LiveMaxAudioFrameBytes,
			MaxJSONMessageBytes:     h.Config.LiveMaxJSONMessageBytes,
			CalibrationWindowMs:     int(h.Config.CalibrationWindow / time.Millisecond),
			InterruptionThresholdMs: ls.InterruptionThresholdMs(),
			MaxSessionDurationMs:    h.Config.MaxSessionDuration.Milliseconds(),
			MaxTurns:                h.Config.MaxTurns,
		},
	}
	if err := conn.WriteJSON(ack); err != nil {
		h.failSession(sess.ID)
		return
	}
	_ = conn.SetReadDeadline(time.Time{})

	ls.Recorder().Record(live.EventClientConnected, map[string]any{
		"remote_addr": r.RemoteAddr,
		"request_id":  reqID,
	})

	if err := ls.Start(ctx); err != nil {
		h.failSession(sess.ID)
		h.writeWSError(conn, "internal", "failed to start session", "", true)
		return
	}
	h.Metrics.RecordSessionStart()

	ww := &wsWriter{conn: conn, timeout: h.writeTimeout()}

	unregister := func() {}
	if h.LiveSessions != nil {
		unregister = h.LiveSessions.Register(sess.ID, sessions.Handle{
			Cancel: func() { _ = ls.Close() },
			Warn: func(code, message string) error {
				return ww.writeJSON(protocol.ServerError{Type: "error", Code: code, Message: message})
			},
		})
	}
	defer unregister()

	pumpDone := make(chan struct{})
	go h.pumpEvents(conn, ww, events, ls, pumpDone)

	h.readLoop(conn, ww, ls)

	// Recorded before End so it lands ahead of the terminal event, which
	// closes the recorder.
	ls.Recorder().Record(live.EventClientDisconnected, nil)

	// Wind down whichever side is still up. End is a no-op when the session
	// already reached a terminal state on its own.
	endCtx, cancel := context.WithTimeout(context.Background(), endGrace)
	_ = ls.End(endCtx)
	cancel()
	_ = ls.Close()
	<-pumpDone

	final := ls.Snapshot()
	duration := time.Since(sess.StartedAt)
	if final.EndedAt != nil {
		duration = final.EndedAt.Sub(final.StartedAt)
	}
	h.Metrics.RecordSessionEnd(string(final.Mode), string(final.Status), duration)
	h.Metrics.RecordDroppedFrames(ls.DroppedFrames())

	if h.Logger != nil {
		h.Logger.Info("live session closed",
			"session_id", sess.ID,
			"request_id", reqID,
			"status", string(final.Status),
			"duration_ms", duration.Milliseconds(),
			"dropped_frames", ls.DroppedFrames(),
			"dropped_events", events.Dropped(),
		)
	}
}

// authorize validates the device key. Browser WebSocket clients cannot set
// Authorization on the dial, so the key may ride the query string instead;
// mw.Auth defers upgrade requests here for the same reason.
func (h LiveHandler) authorize(r *http.Request) error {
	key := liveAPIKey(r)
	switch h.Config.AuthMode {
	case config.AuthModeRequired:
		if key == "" {
			return errors.New("missing api key")
		}
		if _, ok := h.Config.APIKeys[key]; !ok {
			return errors.New("invalid api key")
		}
	case config.AuthModeOptional:
		if key != "" {
			if _, ok := h.Config.APIKeys[key]; !ok {
				return errors.New("invalid api key")
			}
		}
	}
	return nil
}

func liveAPIKey(r *http.Request) string {
	authz := strings.TrimSpace(r.Header.Get("Authorization"))
	if token, ok := strings.CutPrefix(authz, "Bearer "); ok {
		if token = strings.TrimSpace(token); token != "" {
			return token
		}
	}
	return strings.TrimSpace(r.URL.Query().Get("api_key"))
}

// engineConfig maps the gateway tunables onto the engine defaults.
func (h LiveHandler) engineConfig() live.SessionConfig {
	cfg := live.DefaultSessionConfig()
	if h.Config.CalibrationWindow > 0 {
		cfg.Calibration.DurationMs = int(h.Config.CalibrationWindow / time.Millisecond)
	}
	cfg.TranscribeTimeout = h.Config.TranscribeTimeout
	cfg.GenerateTimeout = h.Config.GenerateTimeout
	cfg.IdleTimeout = h.Config.IdleTimeout
	cfg.MaxSessionDuration = h.Config.MaxSessionDuration
	cfg.MaxTurns = h.Config.MaxTurns
	return cfg
}

// pumpEvents forwards recorder entries to the client and keeps the
// connection alive with pings. The events channel closes after the terminal
// event, at which point the pump says goodbye and drops the connection so
// the read loop unblocks.
func (h LiveHandler) pumpEvents(conn *websocket.Conn, ww *wsWriter, events *live.ChannelSink, ls *live.Session, done chan<- struct{}) {
	defer close(done)
	defer conn.Close()

	pingInterval := h.Config.LiveWSPingInterval
	if pingInterval <= 0 {
		pingInterval = 20 * time.Second
	}
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case e, ok := <-events.Events():
			if !ok {
				status := ls.Snapshot().Status
				code := websocket.CloseNormalClosure
				if status == types.StatusError {
					code = websocket.CloseInternalServerErr
				}
				_ = ww.closeFrame(code, "session "+string(status))
				return
			}
			err := ww.writeJSON(protocol.ServerEvent{
				Type:      "event",
				Seq:       e.Seq,
				Event:     string(e.Type),
				Category:  string(e.Category),
				ElapsedMs: e.ElapsedMs,
				Timestamp: e.Timestamp,
				Data:      e.Data,
			})
			if err != nil {
				return
			}
		case <-ticker.C:
			if err := ww.ping(); err != nil {
				return
			}
		}
	}
}

// readLoop consumes client frames until the connection drops or the session
// ends. Malformed frames get an error reply but keep the session alive; a
// frame over the JSON read limit kills the connection outright.
func (h LiveHandler) readLoop(conn *websocket.Conn, ww *wsWriter, ls *live.Session) {
	maxFrame := h.Config.LiveMaxAudioFrameBytes
	for {
		messageType, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		if messageType != websocket.TextMessage {
			_ = ww.writeJSON(protocol.ServerError{Type: "error", Code: "bad_request", Message: "frames must be json text"})
			continue
		}

		decoded, err := protocol.DecodeClientMessage(data)
		if err != nil {
			var de *protocol.DecodeError
			if errors.As(err, &de) {
				_ = ww.writeJSON(protocol.ServerError{Type: "error", Code: de.Code, Message: de.Message, Param: de.Param})
			} else {
				_ = ww.writeJSON(protocol.ServerError{Type: "error", Code: "bad_request", Message: "invalid frame"})
			}
			continue
		}

		switch msg := decoded.(type) {
		case protocol.AudioFrame:
			pcm, err := base64.StdEncoding.DecodeString(msg.DataB64)
			if err != nil {
				h.Metrics.RecordAudioFrame("rejected", 0)
				_ = ww.writeJSON(protocol.ServerError{Type: "error", Code: "bad_request", Message: "audio_frame.data_b64 is not valid base64", Param: "data_b64"})
				continue
			}
			if maxFrame > 0 && len(pcm) > maxFrame {
				h.Metrics.RecordAudioFrame("rejected", 0)
				_ = ww.writeJSON(protocol.ServerError{Type: "error", Code: "limit_exceeded", Message: "audio frame exceeds max_audio_frame_bytes", Param: "data_b64"})
				continue
			}
			if err := ls.PushFrame(pcm); err != nil {
				var ce *core.Error
				if errors.As(err, &ce) && ce.Type == core.ErrInvalidState {
					// Terminal session; the pump is already closing the
					// connection.
					return
				}
				h.Metrics.RecordAudioFrame("rejected", 0)
				_ = ww.writeJSON(protocol.ServerError{Type: "error", Code: "bad_request", Message: err.Error()})
				continue
			}
			h.Metrics.RecordAudioFrame("accepted", len(pcm))

		case protocol.Control:
			var err error
			switch msg.Op {
			case protocol.OpPause:
				err = ls.Pause()
			case protocol.OpResume:
				err = ls.Resume()
			case protocol.OpEnd:
				endCtx, cancel := context.WithTimeout(context.Background(), endGrace)
				err = ls.End(endCtx)
				cancel()
			}
			if err != nil {
				_ = ww.writeJSON(protocol.ServerError{Type: "error", Code: "invalid_state", Message: err.Error()})
			}

		case protocol.SessionStart:
			_ = ww.writeJSON(protocol.ServerError{Type: "error", Code: "bad_request", Message: "session already started", Param: "type"})
		}
	}
}

// failSession marks a session row error when the engine never took
// ownership of it. Best effort; the row is otherwise stuck calibrating.
func (h LiveHandler) failSession(id string) {
	ctx, cancel := context.WithTimeout(context.Background(), endGrace)
	defer cancel()
	now := time.Now().UTC()
	if err := h.Store.UpdateSessionStatus(ctx, id, types.StatusError, &now); err != nil && h.Logger != nil {
		h.Logger.Warn("mark session error failed", "session_id", id, "error", err)
	}
}

func (h LiveHandler) writeTimeout() time.Duration {
	if h.Config.LiveWSWriteTimeout > 0 {
		return h.Config.LiveWSWriteTimeout
	}
	return 5 * time.Second
}

// writeWSError reports a handshake failure and drops the connection. Only
// used before the writer goroutine exists; afterwards all writes go through
// the wsWriter.
func (h LiveHandler) writeWSError(conn *websocket.Conn, code, message, param string, closeConn bool) {
	_ = conn.SetWriteDeadline(time.Now().Add(h.writeTimeout()))
	_ = conn.WriteJSON(protocol.ServerError{Type: "error", Code: code, Message: message, Param: param, Close: closeConn})
	if closeConn {
		_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.ClosePolicyViolation, message), time.Now().Add(2*time.Second))
	}
}

func (h LiveHandler) writeWSDecodeError(conn *websocket.Conn, err error) {
	var de *protocol.DecodeError
	if errors.As(err, &de) {
		h.writeWSError(conn, de.Code, de.Message, de.Param, true)
		return
	}
	h.writeWSError(conn, "bad_request", "invalid frame", "", true)
}

func isNotFound(err error) bool {
	var ce *core.Error
	return errors.As(err, &ce) && ce.Type == core.ErrNotFound
}

// wsWriter serializes connection writes. gorilla/websocket permits one
// concurrent writer; the event pump, ping ticker, drain warnings, and read
// loop error replies all funnel through here.
type wsWriter struct {
	conn    *websocket.Conn
	timeout time.Duration

	mu sync.Mutex
}

func (w *wsWriter) writeJSON(v any) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	_ = w.conn.SetWriteDeadline(time.Now().Add(w.timeout))
	return w.conn.WriteJSON(v)
}

func (w *wsWriter) ping() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(w.timeout))
}

func (w *wsWriter) closeFrame(code int, reason string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), time.Now().Add(2*time.Second))
}
