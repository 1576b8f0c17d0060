// Package protocol defines the /v1/live wire protocol: JSON envelopes
// discriminated by a "type" field. Clients send session_start, audio_frame,
// and control frames; the server answers with session_ack, event, and error
// frames. Audio rides inside audio_frame as base64 PCM.
package protocol

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/howie/storybuddy-sub001/pkg/core/types"
)

// EncodingPCMS16LE is the only supported inbound audio encoding: 16-bit
// little-endian PCM, the device contract.
const EncodingPCMS16LE = "pcm_s16le"

// Control operations.
const (
	OpPause  = "pause"
	OpResume = "resume"
	OpEnd    = "end"
)

type DecodeError struct {
	Code    string
	Message string
	Param   string
}

func (e *DecodeError) Error() string {
	if e == nil {
		return ""
	}
	if strings.TrimSpace(e.Param) == "" {
		return e.Message
	}
	return fmt.Sprintf("%s (%s)", e.Message, e.Param)
}

func badRequest(message, param string) *DecodeError {
	return &DecodeError{Code: "bad_request", Message: message, Param: param}
}

func unsupported(message, param string) *DecodeError {
	return &DecodeError{Code: "unsupported", Message: message, Param: param}
}

// AudioFormat describes the inbound audio shape.
type AudioFormat struct {
	Encoding     string `json:"encoding"`
	SampleRateHz int    `json:"sample_rate_hz"`
	Channels     int    `json:"channels"`
}

// SessionStart opens a live session. It must be the first frame on the
// connection.
type SessionStart struct {
	Type     string      `json:"type"`
	StoryID  string      `json:"story_id"`
	ParentID string      `json:"parent_id"`
	Mode     string      `json:"mode,omitempty"`
	Audio    AudioFormat `json:"audio,omitempty"`
}

// AudioFrame carries one PCM frame, base64 encoded.
type AudioFrame struct {
	Type    string `json:"type"`
	Seq     int64  `json:"seq,omitempty"`
	DataB64 string `json:"data_b64"`
}

// Control pauses, resumes, or ends the session.
type Control struct {
	Type string `json:"type"`
	Op   string `json:"op"`
}

func DecodeClientMessage(data []byte) (any, error) {
	var envelope struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		return nil, badRequest("invalid json frame", "")
	}
	typ := strings.TrimSpace(envelope.Type)
	if typ == "" {
		return nil, badRequest("missing type", "type")
	}

	switch typ {
	case "session_start":
		var msg SessionStart
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, badRequest("invalid session_start frame", "")
		}
		if err := ValidateSessionStart(&msg); err != nil {
			return nil, err
		}
		return msg, nil
	case "audio_frame":
		var msg AudioFrame
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, badRequest("invalid audio_frame", "")
		}
		if strings.TrimSpace(msg.DataB64) == "" {
			return nil, badRequest("audio_frame.data_b64 is required", "data_b64")
		}
		if msg.Seq < 0 {
			return nil, badRequest("audio_frame.seq must be >= 0", "seq")
		}
		return msg, nil
	case "control":
		var msg Control
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, badRequest("invalid control", "")
		}
		op := strings.TrimSpace(msg.Op)
		if op == "" {
			return nil, badRequest("control.op is required", "op")
		}
		switch op {
		case OpPause, OpResume, OpEnd:
		default:
			return nil, unsupported("unsupported control operation", "op")
		}
		msg.Op = op
		return msg, nil
	default:
		return nil, badRequest("unsupported message type", "type")
	}
}

// ValidateSessionStart checks required fields and fills contract defaults in
// place: interactive mode and 16 kHz mono pcm_s16le audio.
func ValidateSessionStart(msg *SessionStart) error {
	if strings.TrimSpace(msg.StoryID) == "" {
		return badRequest("session_start.story_id is required", "story_id")
	}
	if strings.TrimSpace(msg.ParentID) == "" {
		return badRequest("session_start.parent_id is required", "parent_id")
	}

	mode := strings.TrimSpace(msg.Mode)
	if mode == "" {
		mode = string(types.ModeInteractive)
	}
	if !types.SessionMode(mode).Valid() {
		return unsupported("unsupported session mode", "mode")
	}
	msg.Mode = mode

	enc := strings.TrimSpace(msg.Audio.Encoding)
	if enc == "" {
		enc = EncodingPCMS16LE
	}
	if enc != EncodingPCMS16LE {
		return unsupported("unsupported audio encoding", "audio.encoding")
	}
	msg.Audio.Encoding = enc

	if msg.Audio.SampleRateHz == 0 {
		msg.Audio.SampleRateHz = 16000
	}
	if msg.Audio.SampleRateHz != 16000 {
		return unsupported("unsupported sample rate, devices stream 16000 Hz", "audio.sample_rate_hz")
	}
	if msg.Audio.Channels == 0 {
		msg.Audio.Channels = 1
	}
	if msg.Audio.Channels != 1 {
		return unsupported("unsupported channel count, devices stream mono", "audio.channels")
	}
	return nil
}

// AckLimits reports the negotiated per-session limits to the client.
type AckLimits struct {
	MaxAudioFrameBytes      int   `json:"max_audio_frame_bytes"`
	MaxJSONMessageBytes     int64 `json:"max_json_message_bytes"`
	CalibrationWindowMs     int   `json:"calibration_window_ms"`
	InterruptionThresholdMs int64 `json:"interruption_threshold_ms"`
	MaxSessionDurationMs    int64 `json:"max_session_duration_ms"`
	MaxTurns                int   `json:"max_turns"`
}

// ServerSessionAck confirms session_start and carries the session id the
// REST surface can later be queried with.
type ServerSessionAck struct {
	Type      string      `json:"type"`
	SessionID string      `json:"session_id"`
	Mode      string      `json:"mode"`
	Audio     AudioFormat `json:"audio"`
	Limits    AckLimits   `json:"limits"`
}

// ServerEvent forwards one session event log entry.
type ServerEvent struct {
	Type      string         `json:"type"`
	Seq       int64          `json:"seq"`
	Event     string         `json:"event"`
	Category  string         `json:"category"`
	ElapsedMs int64          `json:"elapsed_ms"`
	Timestamp time.Time      `json:"timestamp"`
	Data      map[string]any `json:"data,omitempty"`
}

// ServerError reports a protocol or session error. Close signals that the
// server is about to drop the connection.
type ServerError struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message"`
	Param   string `json:"param,omitempty"`
	Close   bool   `json:"close,omitempty"`
}
