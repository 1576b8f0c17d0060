// Package server assembles the gateway: storage, upstream adapters, the Q&A
// controller, metrics, and the HTTP routes, wrapped in the shared middleware
// chain. The cmd layer only loads config, constructs a Server, and runs the
// drain sequence on shutdown.
package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/howie/storybuddy-sub001/pkg/core/live"
	"github.com/howie/storybuddy-sub001/pkg/core/qa"
	"github.com/howie/storybuddy-sub001/pkg/core/types"
	"github.com/howie/storybuddy-sub001/pkg/gateway/config"
	"github.com/howie/storybuddy-sub001/pkg/gateway/handlers"
	"github.com/howie/storybuddy-sub001/pkg/gateway/lifecycle"
	"github.com/howie/storybuddy-sub001/pkg/gateway/live/sessions"
	"github.com/howie/storybuddy-sub001/pkg/gateway/metrics"
	"github.com/howie/storybuddy-sub001/pkg/gateway/mw"
	"github.com/howie/storybuddy-sub001/pkg/gateway/upstream"
	"github.com/howie/storybuddy-sub001/pkg/storage"
)

const metricsNamespace = "storybuddy"

type Server struct {
	cfg    config.Config
	logger *slog.Logger
	mux    *http.ServeMux

	store       storage.Store
	audio       live.AudioStore
	transcriber live.Transcriber
	generator   live.ResponseGenerator
	controller  *qa.Controller

	lifecycle *lifecycle.State
	tracker   *sessions.Tracker
	metrics   *metrics.Metrics
}

// New builds a fully wired Server. With an empty DatabaseURL it runs on the
// in-memory store seeded with the bundled stories; otherwise it applies
// migrations and connects to Postgres. The caller owns Close.
func New(ctx context.Context, cfg config.Config, logger *slog.Logger) (*Server, error) {
	if logger == nil {
		logger = slog.Default()
	}

	store, storageKind, err := newStore(ctx, cfg)
	if err != nil {
		return nil, err
	}
	if storageKind == "memory" {
		if err := seedStories(ctx, store); err != nil {
			_ = store.Close()
			return nil, fmt.Errorf("seed stories: %w", err)
		}
	}

	audio, audioKind, err := newAudioStore(cfg)
	if err != nil {
		_ = store.Close()
		return nil, err
	}

	controller, err := qa.New(qa.Dependencies{Store: store, Logger: logger})
	if err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("qa controller: %w", err)
	}

	ups := upstream.Factory{
		TranscriberURL: cfg.TranscriberURL,
		GeneratorURL:   cfg.GeneratorURL,
		Stories:        store,
		HTTPClient:     upstream.NewHTTPClient(cfg.UpstreamConnectTimeout, cfg.UpstreamResponseHeaderTimeout),
	}

	s := &Server{
		cfg:         cfg,
		logger:      logger,
		mux:         http.NewServeMux(),
		store:       store,
		audio:       audio,
		transcriber: ups.Transcriber(),
		generator:   ups.Generator(),
		controller:  controller,
		lifecycle:   lifecycle.New(),
		tracker:     sessions.NewTracker(),
		metrics:     metrics.New(metricsNamespace),
	}

	logger.Info("gateway assembled", "storage", storageKind, "audio", audioKind,
		"transcriber", describeUpstream(cfg.TranscriberURL, "unconfigured"),
		"generator", describeUpstream(cfg.GeneratorURL, "local"))

	s.routes()
	return s, nil
}

func newStore(ctx context.Context, cfg config.Config) (storage.Store, string, error) {
	if strings.TrimSpace(cfg.DatabaseURL) == "" {
		return storage.NewMemoryStore(), "memory", nil
	}
	if err := storage.Migrate(cfg.DatabaseURL); err != nil {
		return nil, "", fmt.Errorf("migrate: %w", err)
	}
	store, err := storage.NewPostgresStore(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, "", fmt.Errorf("connect postgres: %w", err)
	}
	return store, "postgres", nil
}

func newAudioStore(cfg config.Config) (live.AudioStore, string, error) {
	if strings.TrimSpace(cfg.AudioDir) == "" {
		return storage.NewMemoryAudioStore(), "memory", nil
	}
	audio, err := storage.NewBadgerAudioStore(cfg.AudioDir)
	if err != nil {
		return nil, "", fmt.Errorf("open audio store: %w", err)
	}
	return audio, "badger", nil
}

func describeUpstream(url, fallback string) string {
	if strings.TrimSpace(url) == "" {
		return fallback
	}
	return "remote"
}

func (s *Server) routes() {
	s.mux.Handle("/", handlers.NotFoundHandler{})
	s.mux.Handle("/healthz", handlers.HealthHandler{})
	s.mux.Handle("/readyz", handlers.ReadyHandler{
		Config:    s.cfg,
		Lifecycle: s.lifecycle,
		Tracker:   s.tracker,
	})
	s.mux.Handle("/metrics", s.metrics.Handler())

	s.mux.Handle("/v1/live", handlers.LiveHandler{
		Config:       s.cfg,
		Store:        s.store,
		Audio:        s.audio,
		Transcriber:  s.transcriber,
		Generator:    s.generator,
		Logger:       s.logger,
		Lifecycle:    s.lifecycle,
		LiveSessions: s.tracker,
		Metrics:      s.metrics,
	})

	handlers.QAHandler{
		Config:     s.cfg,
		Controller: s.controller,
		Logger:     s.logger,
		Metrics:    s.metrics,
	}.Register(s.mux)
}

func (s *Server) Handler() http.Handler {
	var h http.Handler = s.mux
	h = mw.Auth(s.cfg, h)
	h = mw.Recover(s.logger, h)
	h = mw.AccessLog(s.logger, h)
	h = mw.RequestID(h)
	return h
}

// Store exposes the persistence layer, mainly so tests and tooling can seed
// or inspect rows behind a running gateway.
func (s *Server) Store() storage.Store { return s.store }

// SetDraining flips readiness to draining. New live sessions are refused;
// REST traffic keeps flowing until the HTTP server stops accepting.
func (s *Server) SetDraining() {
	s.lifecycle.BeginDrain()
}

// WarnLiveSessionsDraining tells every active live session the gateway is
// shutting down so clients can wrap up before the grace period ends.
func (s *Server) WarnLiveSessionsDraining() {
	sent := s.tracker.WarnAll("shutting_down", "server is shutting down")
	if sent > 0 {
		s.logger.Info("warned live sessions of shutdown", "sessions", sent)
	}
}

// WaitLiveSessions blocks until every live session has unregistered or ctx
// expires. It reports whether the tracker emptied in time.
func (s *Server) WaitLiveSessions(ctx context.Context) bool {
	return s.tracker.Wait(ctx)
}

// CancelLiveSessions force-closes the stragglers that outlived the grace
// period.
func (s *Server) CancelLiveSessions() {
	canceled := s.tracker.CancelAll()
	if canceled > 0 {
		s.logger.Warn("canceled live sessions at shutdown", "sessions", canceled)
	}
}

// Close releases storage handles. Call after the HTTP server has stopped and
// live sessions have drained.
func (s *Server) Close() error {
	var errs []error
	if c, ok := s.audio.(io.Closer); ok {
		if err := c.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close audio store: %w", err))
		}
	}
	if err := s.store.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close store: %w", err))
	}
	return errors.Join(errs...)
}

// seedStories loads the bundled read-aloud stories into an empty store so a
// database-less gateway can serve sessions out of the box. IDs are fixed so
// dev clients and tests can reference them.
func seedStories(ctx context.Context, store storage.Store) error {
	for _, story := range sampleStories() {
		if err := store.CreateStory(ctx, story); err != nil {
			return err
		}
	}
	return nil
}

func sampleStories() []*types.Story {
	now := time.Now().UTC()
	return []*types.Story{
		{
			ID:       "story_brave_fox",
			Title:    "The Brave Little Fox",
			AgeRange: "4-6",
			Content: "A little fox named Pip lived at the edge of the whispering forest. " +
				"One morning Pip found a shiny red berry near the old oak tree. " +
				"The wise owl told Pip that the kindest thing to do with a treasure is to share it. " +
				"So Pip carried the berry to the rabbit burrow, and the rabbits shared their clover soup in return. " +
				"That night Pip fell asleep warm, full, and very proud.",
			CreatedAt: now,
		},
		{
			ID:       "story_moonlit_garden",
			Title:    "The Moonlit Garden",
			AgeRange: "5-7",
			Content: "Luna planted silver seeds under the full moon, just as her grandmother had taught her. " +
				"She watered them with dew she collected in a walnut shell. " +
				"By morning the garden glowed with tiny stars that hummed when the wind passed through. " +
				"Luna picked one star and set it on her windowsill, where it shines to this day.",
			CreatedAt: now,
		},
		{
			ID:       "story_tiny_tugboat",
			Title:    "The Tiny Tugboat",
			AgeRange: "3-5",
			Content: "Toot the tugboat was the smallest boat in the harbor. " +
				"When the great ship lost its way in the fog, none of the big boats dared to go out. " +
				"Toot puffed bravely into the gray mist, ringing a little brass bell. " +
				"The great ship followed the sound all the way home, and the harbor cheered for the tiny tugboat.",
			CreatedAt: now,
		},
	}
}
