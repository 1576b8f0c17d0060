package storybuddy

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/howie/storybuddy-sub001/pkg/core"
	"github.com/howie/storybuddy-sub001/pkg/gateway/live/protocol"
)

const (
	defaultLiveConnectTimeout = 15 * time.Second
	liveEventBuffer           = 256
)

// LiveService opens live voice sessions on the gateway's /v1/live WebSocket.
type LiveService struct {
	client *Client
}

// LiveSessionRequest configures a live session. Mode defaults to
// interactive; a zero Audio takes the device contract defaults (pcm_s16le,
// 16 kHz, mono).
type LiveSessionRequest struct {
	StoryID  string
	ParentID string
	Mode     string
	Audio    protocol.AudioFormat
}

// LiveEvent is a frame received on a live session: either a SessionEvent or
// a SessionError.
type LiveEvent interface {
	liveEventKind() string
}

// SessionEvent is one session event log entry forwarded by the gateway.
type SessionEvent struct {
	protocol.ServerEvent
}

func (SessionEvent) liveEventKind() string { return "event" }

// SessionError is an error frame. Close reports that the gateway is about to
// drop the connection; frames without it (rejected audio, drain warnings)
// leave the session running.
type SessionError struct {
	protocol.ServerError
}

func (SessionError) liveEventKind() string { return "error" }

// LiveSession is an open voice session. Events arrive on Events until the
// gateway closes the connection; audio goes out through SendAudio.
type LiveSession struct {
	conn *websocket.Conn
	ack  protocol.ServerSessionAck

	events chan LiveEvent
	done   chan struct{}

	writeMu   sync.Mutex
	closeOnce sync.Once
	closed    atomic.Bool
	seq       atomic.Int64

	errMu sync.Mutex
	err   error
}

// Connect dials /v1/live, performs the session_start handshake, and returns
// the open session once the gateway acknowledges it.
func (s *LiveService) Connect(ctx context.Context, req *LiveSessionRequest) (*LiveSession, error) {
	if s == nil || s.client == nil {
		return nil, core.NewValidationError("live service is not initialized")
	}
	if req == nil {
		return nil, core.NewValidationError("req must not be nil")
	}
	if strings.TrimSpace(req.StoryID) == "" {
		return nil, core.NewValidationError("story id is required")
	}
	if strings.TrimSpace(req.ParentID) == "" {
		return nil, core.NewValidationError("parent id is required")
	}

	wsURL := s.client.webSocketEndpoint("/v1/live")

	headers := make(http.Header)
	if s.client.apiKey != "" {
		headers.Set("Authorization", "Bearer "+s.client.apiKey)
	}

	dialer := websocket.DefaultDialer
	if dialer == nil {
		dialer = &websocket.Dialer{}
	}

	dialCtx := ctx
	var cancel context.CancelFunc
	if _, hasDeadline := ctx.Deadline(); !hasDeadline {
		dialCtx, cancel = context.WithTimeout(ctx, defaultLiveConnectTimeout)
		defer cancel()
	}

	conn, resp, err := dialer.DialContext(dialCtx, wsURL, headers)
	if err != nil {
		if resp != nil {
			return nil, &TransportError{Op: "GET", URL: wsURL, Err: fmt.Errorf("websocket dial failed (status %d): %w", resp.StatusCode, err)}
		}
		return nil, &TransportError{Op: "GET", URL: wsURL, Err: err}
	}

	start := protocol.SessionStart{
		Type:     "session_start",
		StoryID:  strings.TrimSpace(req.StoryID),
		ParentID: strings.TrimSpace(req.ParentID),
		Mode:     strings.TrimSpace(req.Mode),
		Audio:    req.Audio,
	}
	if err := conn.WriteJSON(start); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("send session_start: %w", err)
	}

	_ = conn.SetReadDeadline(time.Now().Add(defaultLiveConnectTimeout))
	messageType, payload, err := conn.ReadMessage()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("read session_ack: %w", err)
	}
	_ = conn.SetReadDeadline(time.Time{})
	if messageType != websocket.TextMessage {
		_ = conn.Close()
		return nil, fmt.Errorf("unexpected first live frame type %d", messageType)
	}

	var envelope struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(payload, &envelope); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("decode session_ack: %w", err)
	}

	switch envelope.Type {
	case "session_ack":
		var ack protocol.ServerSessionAck
		if err := json.Unmarshal(payload, &ack); err != nil {
			_ = conn.Close()
			return nil, fmt.Errorf("decode session_ack: %w", err)
		}
		session := &LiveSession{
			conn:   conn,
			ack:    ack,
			events: make(chan LiveEvent, liveEventBuffer),
			done:   make(chan struct{}),
		}
		go session.readLoop()
		return session, nil
	case "error":
		var serverErr protocol.ServerError
		if err := json.Unmarshal(payload, &serverErr); err != nil {
			_ = conn.Close()
			return nil, fmt.Errorf("decode error frame: %w", err)
		}
		_ = conn.Close()
		return nil, &core.Error{
			Type:    wsCodeToErrorType(serverErr.Code),
			Message: strings.TrimSpace(serverErr.Message),
			Param:   serverErr.Param,
			Code:    serverErr.Code,
		}
	default:
		_ = conn.Close()
		return nil, fmt.Errorf("unexpected first live frame type %q", envelope.Type)
	}
}

func wsCodeToErrorType(code string) core.ErrorType {
	switch code {
	case "not_found":
		return core.ErrNotFound
	case "unauthorized":
		return core.ErrUnauthorized
	case "bad_request", "unsupported":
		return core.ErrValidation
	case "limit_exceeded":
		return core.ErrLimitExceeded
	case "invalid_state":
		return core.ErrInvalidState
	default:
		return core.ErrInternal
	}
}

// Ack returns the handshake acknowledgement with the session id and the
// negotiated limits.
func (s *LiveSession) Ack() protocol.ServerSessionAck {
	if s == nil {
		return protocol.ServerSessionAck{}
	}
	return s.ack
}

// SessionID returns the id the REST surface can later be queried with.
func (s *LiveSession) SessionID() string {
	if s == nil {
		return ""
	}
	return s.ack.SessionID
}

// Events yields frames from the gateway. The channel closes when the
// connection ends; check Err afterwards.
func (s *LiveSession) Events() <-chan LiveEvent {
	if s == nil {
		return nil
	}
	return s.events
}

// SendAudio sends one PCM frame. Sequence numbers are assigned
// monotonically.
func (s *LiveSession) SendAudio(pcm []byte) error {
	if s == nil {
		return fmt.Errorf("session must not be nil")
	}
	frame := protocol.AudioFrame{
		Type:    "audio_frame",
		Seq:     s.seq.Add(1),
		DataB64: base64.StdEncoding.EncodeToString(pcm),
	}
	return s.sendJSON(frame)
}

// Pause suspends audio processing; frames sent while paused are dropped.
func (s *LiveSession) Pause() error { return s.sendControl(protocol.OpPause) }

// Resume continues a paused session.
func (s *LiveSession) Resume() error { return s.sendControl(protocol.OpResume) }

// End requests a graceful session end. The gateway finishes the session,
// emits session_completed, and closes the connection.
func (s *LiveSession) End() error { return s.sendControl(protocol.OpEnd) }

func (s *LiveSession) sendControl(op string) error {
	if s == nil {
		return fmt.Errorf("session must not be nil")
	}
	return s.sendJSON(protocol.Control{Type: "control", Op: op})
}

func (s *LiveSession) sendJSON(v any) error {
	if s.closed.Load() {
		return fmt.Errorf("live session is closed")
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.conn.WriteJSON(v)
}

// Close closes the WebSocket and waits for the reader to drain.
func (s *LiveSession) Close() error {
	if s == nil {
		return nil
	}
	s.closeOnce.Do(func() {
		s.closed.Store(true)
		s.writeMu.Lock()
		_ = s.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(2*time.Second))
		s.writeMu.Unlock()
		_ = s.conn.Close()
	})
	<-s.done
	return nil
}

// Err returns the terminal session error, if any. It blocks until the
// session has ended. A session the gateway closed normally reports nil.
func (s *LiveSession) Err() error {
	if s == nil {
		return nil
	}
	<-s.done
	s.errMu.Lock()
	defer s.errMu.Unlock()
	return s.err
}

func (s *LiveSession) setErr(err error) {
	if err == nil {
		return
	}
	s.errMu.Lock()
	defer s.errMu.Unlock()
	if s.err == nil {
		s.err = err
	}
}

func (s *LiveSession) readLoop() {
	defer close(s.done)
	defer close(s.events)

	for {
		messageType, data, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseInternalServerErr) {
				return
			}
			if s.closed.Load() {
				return
			}
			s.setErr(err)
			return
		}
		if messageType != websocket.TextMessage {
			continue
		}

		var envelope struct {
			Type string `json:"type"`
		}
		if err := json.Unmarshal(data, &envelope); err != nil {
			s.setErr(fmt.Errorf("decode live frame: %w", err))
			return
		}

		switch envelope.Type {
		case "event":
			var event protocol.ServerEvent
			if err := json.Unmarshal(data, &event); err != nil {
				s.setErr(fmt.Errorf("decode event frame: %w", err))
				return
			}
			s.emit(SessionEvent{event})
		case "error":
			var serverErr protocol.ServerError
			if err := json.Unmarshal(data, &serverErr); err != nil {
				s.setErr(fmt.Errorf("decode error frame: %w", err))
				return
			}
			s.emit(SessionError{serverErr})
			if serverErr.Close {
				s.setErr(&core.Error{
					Type:    wsCodeToErrorType(serverErr.Code),
					Message: strings.TrimSpace(serverErr.Message),
					Param:   serverErr.Param,
					Code:    serverErr.Code,
				})
			}
		default:
			// Unknown frame types are skipped so older clients survive
			// protocol additions.
		}
	}
}

// emit drops frames rather than block when the consumer stops reading.
func (s *LiveSession) emit(event LiveEvent) {
	select {
	case s.events <- event:
	default:
	}
}
