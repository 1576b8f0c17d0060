package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

type AuthMode string

const (
	AuthModeRequired AuthMode = "required"
	AuthModeOptional AuthMode = "optional"
	AuthModeDisabled AuthMode = "disabled"
)

type Config struct {
	Addr string

	AuthMode AuthMode
	APIKeys  map[string]struct{}

	// REST request body cap. Q&A payloads are small; anything bigger than
	// this is rejected before decode.
	MaxBodyBytes int64

	// Live WebSocket mode (/v1/live).
	LiveMaxJSONMessageBytes int64
	LiveMaxAudioFrameBytes  int
	LiveHandshakeTimeout    time.Duration
	LiveWSWriteTimeout      time.Duration
	LiveWSPingInterval      time.Duration

	// Engine tunables applied to every live session.
	CalibrationWindow  time.Duration
	TranscribeTimeout  time.Duration
	GenerateTimeout    time.Duration
	IdleTimeout        time.Duration
	MaxSessionDuration time.Duration
	MaxTurns           int

	// Storage selection. Empty DatabaseURL runs on the in-memory store;
	// empty AudioDir keeps segment audio in memory.
	DatabaseURL string
	AudioDir    string

	// Upstream capability endpoints. Empty TranscriberURL leaves
	// transcription unconfigured (readyz reports it); empty GeneratorURL
	// selects the story-grounded local generator.
	TranscriberURL string
	GeneratorURL   string

	// Upstream HTTP client defaults
	UpstreamConnectTimeout        time.Duration
	UpstreamResponseHeaderTimeout time.Duration

	// Operational defaults
	ReadHeaderTimeout   time.Duration
	ReadTimeout         time.Duration
	ShutdownGracePeriod time.Duration
}

func LoadFromEnv() (Config, error) {
	cfg := Config{
		Addr:                          envOr("STORYBUDDY_ADDR", ":8080"),
		AuthMode:                      AuthMode(envOr("STORYBUDDY_AUTH_MODE", string(AuthModeDisabled))),
		APIKeys:                       make(map[string]struct{}),
		MaxBodyBytes:                  envInt64Or("STORYBUDDY_MAX_BODY_BYTES", 1<<20), // 1 MiB
		LiveMaxJSONMessageBytes:       envInt64Or("STORYBUDDY_LIVE_MAX_JSON_MESSAGE_BYTES", 64*1024),
		LiveMaxAudioFrameBytes:        envIntOr("STORYBUDDY_LIVE_MAX_AUDIO_FRAME_BYTES", 8192),
		LiveHandshakeTimeout:          envDurationOr("STORYBUDDY_LIVE_HANDSHAKE_TIMEOUT", 5*time.Second),
		LiveWSWriteTimeout:            envDurationOr("STORYBUDDY_LIVE_WS_WRITE_TIMEOUT", 5*time.Second),
		LiveWSPingInterval:            envDurationOr("STORYBUDDY_LIVE_WS_PING_INTERVAL", 20*time.Second),
		CalibrationWindow:             envDurationOr("STORYBUDDY_CALIBRATION_WINDOW", 2*time.Second),
		TranscribeTimeout:             envDurationOr("STORYBUDDY_TRANSCRIBE_TIMEOUT", 10*time.Second),
		GenerateTimeout:               envDurationOr("STORYBUDDY_GENERATE_TIMEOUT", 15*time.Second),
		IdleTimeout:                   envDurationOr("STORYBUDDY_IDLE_TIMEOUT", 30*time.Second),
		MaxSessionDuration:            envDurationOr("STORYBUDDY_MAX_SESSION_DURATION", 30*time.Minute),
		MaxTurns:                      envIntOr("STORYBUDDY_MAX_TURNS", 50),
		DatabaseURL:                   envOr("STORYBUDDY_DATABASE_URL", ""),
		AudioDir:                      envOr("STORYBUDDY_AUDIO_DIR", ""),
		TranscriberURL:                envOr("STORYBUDDY_TRANSCRIBER_URL", ""),
		GeneratorURL:                  envOr("STORYBUDDY_GENERATOR_URL", ""),
		UpstreamConnectTimeout:        envDurationOr("STORYBUDDY_CONNECT_TIMEOUT", 5*time.Second),
		UpstreamResponseHeaderTimeout: envDurationOr("STORYBUDDY_RESPONSE_HEADER_TIMEOUT", 30*time.Second),
		ReadHeaderTimeout:             envDurationOr("STORYBUDDY_READ_HEADER_TIMEOUT", 10*time.Second),
		ReadTimeout:                   envDurationOr("STORYBUDDY_READ_TIMEOUT", 30*time.Second),
		ShutdownGracePeriod:           envDurationOr("STORYBUDDY_SHUTDOWN_GRACE_PERIOD", 30*time.Second),
	}

	switch cfg.AuthMode {
	case AuthModeRequired, AuthModeOptional, AuthModeDisabled:
	default:
		return Config{}, fmt.Errorf("STORYBUDDY_AUTH_MODE must be one of required|optional|disabled")
	}

	for _, key := range splitCSV(os.Getenv("STORYBUDDY_API_KEYS")) {
		cfg.APIKeys[key] = struct{}{}
	}

	if cfg.MaxBodyBytes <= 0 {
		return Config{}, fmt.Errorf("STORYBUDDY_MAX_BODY_BYTES must be > 0")
	}
	if cfg.LiveMaxJSONMessageBytes <= 0 {
		return Config{}, fmt.Errorf("STORYBUDDY_LIVE_MAX_JSON_MESSAGE_BYTES must be > 0")
	}
	if cfg.LiveMaxAudioFrameBytes <= 0 {
		return Config{}, fmt.Errorf("STORYBUDDY_LIVE_MAX_AUDIO_FRAME_BYTES must be > 0")
	}
	if int64(cfg.LiveMaxAudioFrameBytes) >= cfg.LiveMaxJSONMessageBytes {
		return Config{}, fmt.Errorf("STORYBUDDY_LIVE_MAX_AUDIO_FRAME_BYTES must be < STORYBUDDY_LIVE_MAX_JSON_MESSAGE_BYTES")
	}
	if cfg.LiveHandshakeTimeout <= 0 {
		return Config{}, fmt.Errorf("STORYBUDDY_LIVE_HANDSHAKE_TIMEOUT must be > 0")
	}
	if cfg.LiveWSWriteTimeout <= 0 {
		return Config{}, fmt.Errorf("STORYBUDDY_LIVE_WS_WRITE_TIMEOUT must be > 0")
	}
	if cfg.LiveWSPingInterval <= 0 {
		return Config{}, fmt.Errorf("STORYBUDDY_LIVE_WS_PING_INTERVAL must be > 0")
	}
	if cfg.CalibrationWindow <= 0 {
		return Config{}, fmt.Errorf("STORYBUDDY_CALIBRATION_WINDOW must be > 0")
	}
	if cfg.TranscribeTimeout <= 0 {
		return Config{}, fmt.Errorf("STORYBUDDY_TRANSCRIBE_TIMEOUT must be > 0")
	}
	if cfg.GenerateTimeout <= 0 {
		return Config{}, fmt.Errorf("STORYBUDDY_GENERATE_TIMEOUT must be > 0")
	}
	if cfg.IdleTimeout <= 0 {
		return Config{}, fmt.Errorf("STORYBUDDY_IDLE_TIMEOUT must be > 0")
	}
	if cfg.MaxSessionDuration <= 0 {
		return Config{}, fmt.Errorf("STORYBUDDY_MAX_SESSION_DURATION must be > 0")
	}
	if cfg.MaxTurns <= 0 {
		return Config{}, fmt.Errorf("STORYBUDDY_MAX_TURNS must be > 0")
	}
	if cfg.UpstreamConnectTimeout <= 0 {
		return Config{}, fmt.Errorf("STORYBUDDY_CONNECT_TIMEOUT must be > 0")
	}
	if cfg.UpstreamResponseHeaderTimeout <= 0 {
		return Config{}, fmt.Errorf("STORYBUDDY_RESPONSE_HEADER_TIMEOUT must be > 0")
	}
	if cfg.ReadHeaderTimeout <= 0 {
		return Config{}, fmt.Errorf("STORYBUDDY_READ_HEADER_TIMEOUT must be > 0")
	}
	if cfg.ReadTimeout <= 0 {
		return Config{}, fmt.Errorf("STORYBUDDY_READ_TIMEOUT must be > 0")
	}
	if cfg.ShutdownGracePeriod <= 0 {
		return Config{}, fmt.Errorf("STORYBUDDY_SHUTDOWN_GRACE_PERIOD must be > 0")
	}

	if cfg.AuthMode == AuthModeRequired && len(cfg.APIKeys) == 0 {
		return Config{}, fmt.Errorf("STORYBUDDY_API_KEYS must be set when STORYBUDDY_AUTH_MODE=required")
	}

	return cfg, nil
}

func envOr(key, def string) string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	return v
}

func envInt64Or(key string, def int64) int64 {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return def
	}
	return n
}

func envIntOr(key string, def int) int {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	return n
}

func envDurationOr(key string, def time.Duration) time.Duration {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return def
	}
	return d
}

func splitCSV(raw string) []string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		out = append(out, p)
	}
	return out
}
