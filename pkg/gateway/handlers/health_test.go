package handlers

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/howie/storybuddy-sub001/pkg/gateway/config"
	"github.com/howie/storybuddy-sub001/pkg/gateway/lifecycle"
)

// validConfig returns a config that passes every readiness check. Handler
// tests tweak single fields from here.
func validConfig() config.Config {
	return config.Config{
		Addr:     ":0",
		AuthMode: config.AuthModeDisabled,
		APIKeys:  map[string]struct{}{},

		MaxBodyBytes:            1 << 20,
		LiveMaxJSONMessageBytes: 64 * 1024,
		LiveMaxAudioFrameBytes:  8192,
		LiveHandshakeTimeout:    5 * time.Second,
		LiveWSWriteTimeout:      5 * time.Second,
		LiveWSPingInterval:      20 * time.Second,

		CalibrationWindow:  100 * time.Millisecond,
		TranscribeTimeout:  2 * time.Second,
		GenerateTimeout:    2 * time.Second,
		IdleTimeout:        30 * time.Second,
		MaxSessionDuration: time.Minute,
		MaxTurns:           10,

		UpstreamConnectTimeout:        time.Second,
		UpstreamResponseHeaderTimeout: time.Second,
		ReadHeaderTimeout:             time.Second,
		ReadTimeout:                   time.Second,
		ShutdownGracePeriod:           time.Second,
	}
}

func TestHealthHandler_OK(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rr := httptest.NewRecorder()
	HealthHandler{}.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("status=%d", rr.Code)
	}
	if rr.Body.String() != "ok\n" {
		t.Fatalf("body=%q", rr.Body.String())
	}
}

func TestReadyHandler_Ready(t *testing.T) {
	h := ReadyHandler{Config: validConfig(), Lifecycle: lifecycle.New()}

	req := httptest.NewRequest(http.MethodGet, "/readyz", nil)
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("status=%d body=%q", rr.Code, rr.Body.String())
	}

	var resp map[string]any
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if ok, _ := resp["ok"].(bool); !ok {
		t.Fatalf("expected ok=true, body=%q", rr.Body.String())
	}
	if got := resp["storage"]; got != "memory" {
		t.Fatalf("storage=%v", got)
	}
	if got := resp["transcriber"]; got != "unconfigured" {
		t.Fatalf("transcriber=%v", got)
	}
	if got := resp["generator"]; got != "local" {
		t.Fatalf("generator=%v", got)
	}
}

func TestReadyHandler_RequiredAuthEmptyKeys_NotReady(t *testing.T) {
	cfg := validConfig()
	cfg.AuthMode = config.AuthModeRequired
	h := ReadyHandler{Config: cfg}

	req := httptest.NewRequest(http.MethodGet, "/readyz", nil)
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)

	if rr.Code != http.StatusInternalServerError {
		t.Fatalf("status=%d body=%q", rr.Code, rr.Body.String())
	}

	var resp map[string]any
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if ok, _ := resp["ok"].(bool); ok {
		t.Fatalf("expected ok=false, got ok=true")
	}
}

func TestReadyHandler_Draining_Unavailable(t *testing.T) {
	lc := lifecycle.New()
	lc.BeginDrain()
	h := ReadyHandler{Config: validConfig(), Lifecycle: lc}

	req := httptest.NewRequest(http.MethodGet, "/readyz", nil)
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)

	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("status=%d body=%q", rr.Code, rr.Body.String())
	}

	var resp map[string]any
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if draining, _ := resp["draining"].(bool); !draining {
		t.Fatalf("expected draining=true, body=%q", rr.Body.String())
	}
}

func TestReadyHandler_ReportsRemoteUpstreams(t *testing.T) {
	cfg := validConfig()
	cfg.DatabaseURL = "postgres://localhost:5432/storybuddy"
	cfg.TranscriberURL = "http://stt.internal/v1/transcribe"
	cfg.GeneratorURL = "http://gen.internal/v1/generate"
	h := ReadyHandler{Config: cfg, Lifecycle: lifecycle.New()}

	req := httptest.NewRequest(http.MethodGet, "/readyz", nil)
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("status=%d body=%q", rr.Code, rr.Body.String())
	}

	var resp map[string]any
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if got := resp["storage"]; got != "postgres" {
		t.Fatalf("storage=%v", got)
	}
	if got := resp["transcriber"]; got != "remote" {
		t.Fatalf("transcriber=%v", got)
	}
	if got := resp["generator"]; got != "remote" {
		t.Fatalf("generator=%v", got)
	}
}
