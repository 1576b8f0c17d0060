package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/howie/storybuddy-sub001/pkg/gateway/config"
	"github.com/howie/storybuddy-sub001/pkg/gateway/lifecycle"
	"github.com/howie/storybuddy-sub001/pkg/gateway/live/sessions"
)

type HealthHandler struct{}

func (h HealthHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok\n"))
}

type ReadyHandler struct {
	Config    config.Config
	Lifecycle *lifecycle.State
	Tracker   *sessions.Tracker
}

func (h ReadyHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	type readyResp struct {
		OK             bool     `json:"ok"`
		AuthMode       string   `json:"auth_mode"`
		Storage        string   `json:"storage"`
		Transcriber    string   `json:"transcriber"`
		Generator      string   `json:"generator"`
		Draining       bool     `json:"draining"`
		UptimeSeconds  int64    `json:"uptime_seconds"`
		ActiveSessions int      `json:"active_sessions"`
		Issues         []string `json:"issues,omitempty"`
	}

	issues := make([]string, 0, 4)

	switch h.Config.AuthMode {
	case config.AuthModeRequired, config.AuthModeOptional, config.AuthModeDisabled:
	default:
		issues = append(issues, "invalid auth_mode")
	}
	if h.Config.AuthMode == config.AuthModeRequired && len(h.Config.APIKeys) == 0 {
		issues = append(issues, "auth_mode=required but no api keys configured")
	}

	if h.Config.MaxBodyBytes <= 0 {
		issues = append(issues, "max_body_bytes must be > 0")
	}
	if h.Config.LiveMaxJSONMessageBytes <= 0 || h.Config.LiveMaxAudioFrameBytes <= 0 {
		issues = append(issues, "live message limits must be > 0")
	}
	if int64(h.Config.LiveMaxAudioFrameBytes) >= h.Config.LiveMaxJSONMessageBytes {
		issues = append(issues, "live audio frame limit must fit inside the json message limit")
	}
	if h.Config.LiveHandshakeTimeout <= 0 || h.Config.LiveWSWriteTimeout <= 0 || h.Config.LiveWSPingInterval <= 0 {
		issues = append(issues, "live ws timeouts must be > 0")
	}
	if h.Config.CalibrationWindow <= 0 {
		issues = append(issues, "calibration window must be > 0")
	}
	if h.Config.TranscribeTimeout <= 0 || h.Config.GenerateTimeout <= 0 {
		issues = append(issues, "turn stage timeouts must be > 0")
	}
	if h.Config.IdleTimeout <= 0 || h.Config.MaxSessionDuration <= 0 {
		issues = append(issues, "session timeouts must be > 0")
	}
	if h.Config.MaxTurns <= 0 {
		issues = append(issues, "max turns must be > 0")
	}
	if h.Config.ReadHeaderTimeout <= 0 || h.Config.ReadTimeout <= 0 || h.Config.ShutdownGracePeriod <= 0 {
		issues = append(issues, "server timeouts must be > 0")
	}
	if h.Config.UpstreamConnectTimeout <= 0 || h.Config.UpstreamResponseHeaderTimeout <= 0 {
		issues = append(issues, "upstream timeouts must be > 0")
	}

	draining := h.Lifecycle.Draining()
	if draining {
		issues = append(issues, "draining: shutting down")
	}

	storage := "memory"
	if h.Config.DatabaseURL != "" {
		storage = "postgres"
	}
	transcriber := "unconfigured"
	if h.Config.TranscriberURL != "" {
		transcriber = "remote"
	}
	generator := "local"
	if h.Config.GeneratorURL != "" {
		generator = "remote"
	}

	ok := len(issues) == 0
	status := http.StatusOK
	switch {
	case draining:
		status = http.StatusServiceUnavailable
	case !ok:
		status = http.StatusInternalServerError
	}

	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(readyResp{
		OK:             ok,
		AuthMode:       string(h.Config.AuthMode),
		Storage:        storage,
		Transcriber:    transcriber,
		Generator:      generator,
		Draining:       draining,
		UptimeSeconds:  int64(h.Lifecycle.Uptime().Seconds()),
		ActiveSessions: h.Tracker.Count(),
		Issues:         issues,
	})
}
