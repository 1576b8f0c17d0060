// Package storage provides the persistence layer behind the voice engine and
// the gateway: an in-memory store used by tests and single-process runs, a
// Postgres store for durable deployments, and blob stores for consented
// segment audio. The stores satisfy the consumer interfaces declared by
// pkg/core/live and pkg/core/qa.
package storage

import (
	"context"

	"github.com/howie/storybuddy-sub001/pkg/core/live"
	"github.com/howie/storybuddy-sub001/pkg/core/qa"
	"github.com/howie/storybuddy-sub001/pkg/core/types"
)

// Store is the full persistence surface: everything a live session writes,
// everything the Q&A controller needs, plus the story, session, and settings
// records the gateway touches at session start.
type Store interface {
	live.Store
	qa.Store

	CreateSession(ctx context.Context, sess *types.InteractionSession) error
	GetSession(ctx context.Context, id string) (*types.InteractionSession, error)

	CreateStory(ctx context.Context, story *types.Story) error
	ListStories(ctx context.Context) ([]*types.Story, error)

	// GetSettings returns a parent's saved settings, or NotFound when the
	// parent never saved any. Callers fall back to defaults on NotFound.
	GetSettings(ctx context.Context, parentID string) (*types.InteractionSettings, error)
	PutSettings(ctx context.Context, settings *types.InteractionSettings) error

	Close() error
}

var (
	_ Store = (*MemoryStore)(nil)
	_ Store = (*PostgresStore)(nil)

	_ live.AudioStore = (*BadgerAudioStore)(nil)
	_ live.AudioStore = (*MemoryAudioStore)(nil)
)
