package storybuddy

import (
	"context"
	"io"
	"log/slog"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/howie/storybuddy-sub001/pkg/gateway/config"
	gatewayserver "github.com/howie/storybuddy-sub001/pkg/gateway/server"
)

func testGatewayConfig() config.Config {
	return config.Config{
		AuthMode: config.AuthModeDisabled,
		APIKeys:  map[string]struct{}{},

		MaxBodyBytes:            1 << 20,
		LiveMaxJSONMessageBytes: 64 * 1024,
		LiveMaxAudioFrameBytes:  8192,
		LiveHandshakeTimeout:    2 * time.Second,
		LiveWSWriteTimeout:      2 * time.Second,
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

// newTestGateway starts a fully wired gateway on the in-memory store, which
// comes seeded with the bundled stories.
func newTestGateway(t *testing.T, cfg config.Config) (*gatewayserver.Server, *httptest.Server) {
	t.Helper()
	logger := slog.New(slog.NewJSONHandler(io.Discard, nil))
	gw, err := gatewayserver.New(context.Background(), cfg, logger)
	if err != nil {
		t.Fatalf("gateway New: %v", err)
	}
	srv := httptest.NewServer(gw.Handler())
	t.Cleanup(func() {
		srv.Close()
		_ = gw.Close()
	})
	return gw, srv
}

func newTestClient(t *testing.T, baseURL string, opts ...ClientOption) *Client {
	t.Helper()
	c, err := NewClient(baseURL, opts...)
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	return c
}
