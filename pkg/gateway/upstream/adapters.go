// Package upstream provides the engine's capability adapters: HTTP clients
// for external speech-to-text and response-generation services, plus the
// local story-grounded generator used when no service is configured. The
// engine never knows which one it got.
package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/howie/storybuddy-sub001/pkg/core"
	"github.com/howie/storybuddy-sub001/pkg/core/live"
	"github.com/howie/storybuddy-sub001/pkg/core/qa"
	"github.com/howie/storybuddy-sub001/pkg/core/types"
)

// maxUpstreamBody caps how much of an upstream response we will read.
const maxUpstreamBody = 1 << 20

// StoryProvider is the slice of the store the local generator needs.
type StoryProvider interface {
	GetStory(ctx context.Context, id string) (*types.Story, error)
}

// HTTPTranscriber posts segment PCM to a speech-to-text service and decodes
// a {"text","confidence"} reply. The audio shape travels in headers so the
// body stays raw PCM.
type HTTPTranscriber struct {
	URL    string
	Client *http.Client
}

func (t *HTTPTranscriber) Transcribe(ctx context.Context, audio []byte, cfg live.AudioConfig) (*live.Transcription, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.URL, bytes.NewReader(audio))
	if err != nil {
		return nil, core.NewTranscriptionFailedError(err)
	}
	req.Header.Set("Content-Type", "application/octet-stream")
	req.Header.Set("X-Audio-Encoding", "pcm_s16le")
	req.Header.Set("X-Audio-Sample-Rate", strconv.Itoa(cfg.SampleRate))
	req.Header.Set("X-Audio-Channels", strconv.Itoa(cfg.Channels))

	resp, err := t.client().Do(req)
	if err != nil {
		return nil, core.NewTranscriptionFailedError(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, core.NewTranscriptionFailedError(upstreamStatusError("transcriber", resp))
	}

	var out live.Transcription
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxUpstreamBody)).Decode(&out); err != nil {
		return nil, core.NewTranscriptionFailedError(fmt.Errorf("decode transcriber reply: %w", err))
	}
	return &out, nil
}

func (t *HTTPTranscriber) client() *http.Client {
	if t.Client != nil {
		return t.Client
	}
	return http.DefaultClient
}

// UnavailableTranscriber stands in when no speech-to-text service is
// configured. Every call fails; the session degrades through its normal
// turn-failure path and /readyz reports the gap.
type UnavailableTranscriber struct{}

func (UnavailableTranscriber) Transcribe(context.Context, []byte, live.AudioConfig) (*live.Transcription, error) {
	return nil, core.NewTranscriptionFailedError(errors.New("no speech-to-text service configured")).
		WithCode("transcriber_unconfigured")
}

// HTTPGenerator posts the turn request to a response-generation service and
// decodes a {"text","audio_ref","audio_duration_ms"} reply.
type HTTPGenerator struct {
	URL    string
	Client *http.Client
}

func (g *HTTPGenerator) Generate(ctx context.Context, req live.ResponseRequest) (*live.GeneratedResponse, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, core.NewGenerationFailedError(err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, g.URL, bytes.NewReader(body))
	if err != nil {
		return nil, core.NewGenerationFailedError(err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := g.client().Do(httpReq)
	if err != nil {
		return nil, core.NewGenerationFailedError(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, core.NewGenerationFailedError(upstreamStatusError("generator", resp))
	}

	var out live.GeneratedResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxUpstreamBody)).Decode(&out); err != nil {
		return nil, core.NewGenerationFailedError(fmt.Errorf("decode generator reply: %w", err))
	}
	if strings.TrimSpace(out.Text) == "" {
		return nil, core.NewGenerationFailedError(errors.New("generator returned empty text"))
	}
	return &out, nil
}

func (g *HTTPGenerator) client() *http.Client {
	if g.Client != nil {
		return g.Client
	}
	return http.DefaultClient
}

// StoryGenerator is the local, vendor-free response generator: it answers
// child speech by quoting the story and nudges idle children back into it.
type StoryGenerator struct {
	stories StoryProvider
	answers *qa.StoryAnswerGenerator
}

func NewStoryGenerator(stories StoryProvider) *StoryGenerator {
	return &StoryGenerator{
		stories: stories,
		answers: qa.NewStoryAnswerGenerator(),
	}
}

func (g *StoryGenerator) Generate(ctx context.Context, req live.ResponseRequest) (*live.GeneratedResponse, error) {
	story, err := g.lookupStory(ctx, req.StoryID)
	if err != nil {
		return nil, err
	}

	switch req.Trigger {
	case types.TriggerStoryPrompt, types.TriggerTimeout:
		return &live.GeneratedResponse{Text: idlePromptText(story)}, nil
	default:
		text, err := g.answers.Answer(ctx, story, req.ChildText)
		if err != nil {
			return nil, core.NewGenerationFailedError(err)
		}
		return &live.GeneratedResponse{Text: text}, nil
	}
}

// lookupStory tolerates a story deleted mid-session: the answerer handles a
// nil story with its generic reply. Infrastructure failures still count as
// generation failures.
func (g *StoryGenerator) lookupStory(ctx context.Context, storyID string) (*types.Story, error) {
	if g.stories == nil {
		return nil, nil
	}
	story, err := g.stories.GetStory(ctx, storyID)
	if err == nil {
		return story, nil
	}
	var ce *core.Error
	if errors.As(err, &ce) && ce.Type == core.ErrNotFound {
		return nil, nil
	}
	return nil, core.NewGenerationFailedError(err)
}

func idlePromptText(story *types.Story) string {
	if story != nil && story.Title != "" {
		return "Are you still there, little listener? What do you think happens next in \"" + story.Title + "\"?"
	}
	return "Are you still there, little listener? What do you think happens next in our story?"
}

func upstreamStatusError(service string, resp *http.Response) error {
	snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 256))
	trimmed := strings.TrimSpace(string(snippet))
	if trimmed == "" {
		return fmt.Errorf("%s returned status %d", service, resp.StatusCode)
	}
	return fmt.Errorf("%s returned status %d: %s", service, resp.StatusCode, trimmed)
}
