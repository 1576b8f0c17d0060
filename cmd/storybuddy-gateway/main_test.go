package main

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"syscall"
	"testing"
	"time"

	"github.com/howie/storybuddy-sub001/pkg/gateway/config"
	gatewayserver "github.com/howie/storybuddy-sub001/pkg/gateway/server"
)

func testConfig() config.Config {
	return config.Config{
		Addr:     "127.0.0.1:0",
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

func TestRunMain_ReturnsNonZeroWhenConfigLoadFails(t *testing.T) {
	t.Parallel()

	var stderr bytes.Buffer
	exitCode := runMain(context.Background(), &stderr, gatewayDeps{
		loadConfig: func() (config.Config, error) {
			return config.Config{}, errors.New("boom")
		},
		newGateway: func(ctx context.Context, cfg config.Config, logger *slog.Logger) (*gatewayserver.Server, error) {
			t.Fatalf("newGateway should not be called when config load fails")
			return nil, nil
		},
		signalNotify: func(c chan<- os.Signal, sig ...os.Signal) {},
		signalStop:   func(c chan<- os.Signal) {},
	})

	if exitCode != 1 {
		t.Fatalf("exitCode=%d, want 1", exitCode)
	}
	if got := stderr.String(); got == "" {
		t.Fatalf("expected stderr output for startup error")
	}
}

func TestBuildHTTPServer_UsesConfiguredAddress(t *testing.T) {
	t.Parallel()

	cfg := config.Config{
		Addr:              "127.0.0.1:9999",
		ReadHeaderTimeout: 2 * time.Second,
		ReadTimeout:       3 * time.Second,
	}

	srv := buildHTTPServer(cfg, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))

	if srv.Addr != cfg.Addr {
		t.Fatalf("Addr=%q, want %q", srv.Addr, cfg.Addr)
	}
	if srv.ReadHeaderTimeout != cfg.ReadHeaderTimeout {
		t.Fatalf("ReadHeaderTimeout=%v, want %v", srv.ReadHeaderTimeout, cfg.ReadHeaderTimeout)
	}
	if srv.ReadTimeout != cfg.ReadTimeout {
		t.Fatalf("ReadTimeout=%v, want %v", srv.ReadTimeout, cfg.ReadTimeout)
	}
}

func TestGatewayHandlerStack_Smoke(t *testing.T) {
	t.Parallel()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	gw, err := gatewayserver.New(context.Background(), testConfig(), logger)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer gw.Close()

	ts := httptest.NewServer(gw.Handler())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/healthz")
	if err != nil {
		t.Fatalf("GET /healthz error: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status=%d, want %d", resp.StatusCode, http.StatusOK)
	}
}

func TestRunGateway_DrainsOnShutdownSignal(t *testing.T) {
	t.Parallel()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	captured := make(chan chan<- os.Signal, 1)
	deps := gatewayDeps{
		loadConfig: func() (config.Config, error) { return testConfig(), nil },
		newGateway: gatewayserver.New,
		signalNotify: func(c chan<- os.Signal, sig ...os.Signal) {
			captured <- c
		},
		signalStop: func(c chan<- os.Signal) {},
	}

	done := make(chan error, 1)
	go func() {
		done <- runGateway(context.Background(), logger, deps)
	}()

	select {
	case sigCh := <-captured:
		sigCh <- syscall.SIGTERM
	case <-time.After(5 * time.Second):
		t.Fatal("signalNotify was never called")
	}

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("runGateway: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("runGateway did not stop after signal")
	}
}
