package live

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/sethvargo/go-retry"

	"github.com/howie/storybuddy-sub001/pkg/core"
	"github.com/howie/storybuddy-sub001/pkg/core/types"
)

// Transcription is the result of transcribing one segment.
type Transcription struct {
	Text       string  `json:"text"`
	Confidence float64 `json:"confidence"`
}

// Transcriber converts segment audio to text. Implementations are treated as
// black boxes with a latency and confidence contract; the engine never
// assumes a particular vendor.
type Transcriber interface {
	Transcribe(ctx context.Context, audio []byte, cfg AudioConfig) (*Transcription, error)
}

// ResponseRequest is the input to response generation.
type ResponseRequest struct {
	SessionID string            `json:"session_id"`
	StoryID   string            `json:"story_id"`
	Trigger   types.TriggerType `json:"trigger"`

	// ChildText is the transcribed utterance for child_speech triggers,
	// empty otherwise.
	ChildText string `json:"child_text,omitempty"`

	// History is the recent conversation, oldest first, as rendered
	// transcript lines.
	History []string `json:"history,omitempty"`
}

// GeneratedResponse is the output of response generation.
type GeneratedResponse struct {
	Text string `json:"text"`

	// AudioRef points at synthesized audio when the generator produced
	// any. Empty means the client synthesizes locally.
	AudioRef string `json:"audio_ref,omitempty"`

	// AudioDurationMs is the playback length of the synthesized audio.
	// Zero means unknown; the engine estimates from the text.
	AudioDurationMs int64 `json:"audio_duration_ms,omitempty"`
}

// ResponseGenerator produces the AI reply for one turn.
type ResponseGenerator interface {
	Generate(ctx context.Context, req ResponseRequest) (*GeneratedResponse, error)
}

// adapterBackoff is the retry policy at the adapter boundary: one retry
// after a short constant pause. Anything beyond that is the turn-failure
// path's problem.
func adapterBackoff() retry.Backoff {
	return retry.WithMaxRetries(1, retry.NewConstant(200*time.Millisecond))
}

// retryableAdapterError reports whether a call is worth one more attempt.
// Context expiry is not: the deadline covers the retry too.
func retryableAdapterError(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var ce *core.Error
	if errors.As(err, &ce) {
		return ce.IsRetryable()
	}
	return true
}

type retryingTranscriber struct {
	inner Transcriber
}

// WithTranscribeRetry wraps a Transcriber with the adapter retry policy.
func WithTranscribeRetry(t Transcriber) Transcriber {
	if _, ok := t.(*retryingTranscriber); ok {
		return t
	}
	return &retryingTranscriber{inner: t}
}

func (t *retryingTranscriber) Transcribe(ctx context.Context, audio []byte, cfg AudioConfig) (*Transcription, error) {
	var out *Transcription
	err := retry.Do(ctx, adapterBackoff(), func(ctx context.Context) error {
		res, err := t.inner.Transcribe(ctx, audio, cfg)
		if err != nil {
			if retryableAdapterError(err) {
				return retry.RetryableError(err)
			}
			return err
		}
		out = res
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

type retryingGenerator struct {
	inner ResponseGenerator
}

// WithGenerateRetry wraps a ResponseGenerator with the adapter retry policy.
func WithGenerateRetry(g ResponseGenerator) ResponseGenerator {
	if _, ok := g.(*retryingGenerator); ok {
		return g
	}
	return &retryingGenerator{inner: g}
}

func (g *retryingGenerator) Generate(ctx context.Context, req ResponseRequest) (*GeneratedResponse, error) {
	var out *GeneratedResponse
	err := retry.Do(ctx, adapterBackoff(), func(ctx context.Context) error {
		res, err := g.inner.Generate(ctx, req)
		if err != nil {
			if retryableAdapterError(err) {
				return retry.RetryableError(err)
			}
			return err
		}
		out = res
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// EstimateSpeechDurationMs approximates how long text takes to speak at a
// child-paced reading speed, roughly 140 words per minute.
func EstimateSpeechDurationMs(text string) int64 {
	words := len(strings.Fields(text))
	if words == 0 {
		return 0
	}
	ms := int64(words)*430 + 300
	if ms < 800 {
		ms = 800
	}
	return ms
}
