package live

import (
	"context"
	"time"

	"github.com/howie/storybuddy-sub001/pkg/core/types"
)

// Store is the persistence boundary the engine writes through. It is the
// subset of the storage layer a running session needs; pkg/storage
// implementations satisfy it.
type Store interface {
	// UpdateSessionStatus persists a status change. endedAt is non-nil
	// only for terminal statuses.
	UpdateSessionStatus(ctx context.Context, sessionID string, status types.SessionStatus, endedAt *time.Time) error

	CreateCalibration(ctx context.Context, cal *types.NoiseCalibration) error

	CreateSegment(ctx context.Context, seg *types.VoiceSegment) error

	// UpdateSegmentTranscript attaches transcription output to a stored
	// segment.
	UpdateSegmentTranscript(ctx context.Context, segmentID, transcript string, confidence float64) error

	CreateResponse(ctx context.Context, resp *types.AIResponse) error

	// MarkResponseInterrupted records that playback was cut off at the
	// given offset.
	MarkResponseInterrupted(ctx context.Context, responseID string, atMs int64) error

	ListSegments(ctx context.Context, sessionID string) ([]*types.VoiceSegment, error)
	ListResponses(ctx context.Context, sessionID string) ([]*types.AIResponse, error)

	CreateTranscript(ctx context.Context, tr *types.InteractionTranscript) error
}

// AudioStore persists raw segment audio. Only consulted when the parent has
// granted recording consent.
type AudioStore interface {
	// PutSegmentAudio stores the PCM for a segment and returns an opaque
	// reference for the segment row.
	PutSegmentAudio(ctx context.Context, segmentID string, pcm []byte) (string, error)
}
