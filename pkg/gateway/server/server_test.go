package server

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/howie/storybuddy-sub001/pkg/gateway/config"
)

func testConfig() config.Config {
	return config.Config{
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

func newTestServer(t *testing.T) *Server {
	t.Helper()
	logger := slog.New(slog.NewJSONHandler(io.Discard, nil))
	s, err := New(context.Background(), testConfig(), logger)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestServer_UnknownRoute_ReturnsJSON404(t *testing.T) {
	s := newTestServer(t)

	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/does-not-exist", nil)
	s.Handler().ServeHTTP(rr, req)

	if rr.Code != http.StatusNotFound {
		t.Fatalf("status=%d body=%q", rr.Code, rr.Body.String())
	}
	if ct := rr.Header().Get("Content-Type"); !strings.Contains(ct, "application/json") {
		t.Fatalf("content-type=%q", ct)
	}
	if !strings.Contains(rr.Body.String(), `"type":"not_found"`) {
		t.Fatalf("unexpected body: %q", rr.Body.String())
	}
	if rr.Header().Get("X-Request-ID") == "" {
		t.Fatalf("expected X-Request-ID on every response")
	}
}

func TestServer_HealthAndReadyRoutes(t *testing.T) {
	s := newTestServer(t)

	rr := httptest.NewRecorder()
	s.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rr.Code != http.StatusOK || rr.Body.String() != "ok\n" {
		t.Fatalf("healthz status=%d body=%q", rr.Code, rr.Body.String())
	}

	rr = httptest.NewRecorder()
	s.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("readyz status=%d body=%q", rr.Code, rr.Body.String())
	}
	if !strings.Contains(rr.Body.String(), `"ok":true`) {
		t.Fatalf("unexpected readyz body: %q", rr.Body.String())
	}
}

func TestServer_MetricsRoute_Reachable(t *testing.T) {
	s := newTestServer(t)

	rr := httptest.NewRecorder()
	s.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	if rr.Code != http.StatusOK {
		t.Fatalf("status=%d body=%q", rr.Code, rr.Body.String())
	}
	if !strings.Contains(rr.Body.String(), "storybuddy_live_sessions_active") {
		t.Fatalf("expected gateway metrics in exposition, got: %.200s", rr.Body.String())
	}
}

func TestServer_MemoryModeSeedsStories(t *testing.T) {
	s := newTestServer(t)

	story, err := s.Store().GetStory(context.Background(), "story_brave_fox")
	if err != nil {
		t.Fatalf("GetStory: %v", err)
	}
	if story.Title == "" || story.Content == "" {
		t.Fatalf("seeded story missing fields: %+v", story)
	}

	stories, err := s.Store().ListStories(context.Background())
	if err != nil {
		t.Fatalf("ListStories: %v", err)
	}
	if len(stories) < 3 {
		t.Fatalf("expected bundled stories, got %d", len(stories))
	}
}

func TestServer_QARoutes_Reachable(t *testing.T) {
	s := newTestServer(t)

	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/qa/sessions", strings.NewReader(`{"story_id":"story_brave_fox"}`))
	req.Header.Set("Content-Type", "application/json")
	s.Handler().ServeHTTP(rr, req)

	if rr.Code != http.StatusCreated {
		t.Fatalf("status=%d body=%q", rr.Code, rr.Body.String())
	}
	if !strings.Contains(rr.Body.String(), `"status":"active"`) {
		t.Fatalf("unexpected body: %q", rr.Body.String())
	}
}

func TestServer_LiveRoute_Reachable(t *testing.T) {
	s := newTestServer(t)

	rr := httptest.NewRecorder()
	s.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/v1/live", nil))

	// Without upgrade headers the websocket handshake fails, but the route
	// must resolve to the live handler rather than the JSON 404.
	if rr.Code == http.StatusNotFound {
		t.Fatalf("/v1/live unexpectedly returned 404")
	}
}

func TestServer_DrainSequence(t *testing.T) {
	s := newTestServer(t)

	s.SetDraining()

	rr := httptest.NewRecorder()
	s.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("readyz while draining status=%d", rr.Code)
	}
	if !strings.Contains(rr.Body.String(), `"draining":true`) {
		t.Fatalf("unexpected readyz body: %q", rr.Body.String())
	}

	s.WarnLiveSessionsDraining()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if !s.WaitLiveSessions(ctx) {
		t.Fatalf("WaitLiveSessions should return immediately with no sessions")
	}
	s.CancelLiveSessions()
}
