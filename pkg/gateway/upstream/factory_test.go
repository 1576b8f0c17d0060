package upstream

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/howie/storybuddy-sub001/pkg/core"
	"github.com/howie/storybuddy-sub001/pkg/core/live"
	"github.com/howie/storybuddy-sub001/pkg/core/types"
)

type fakeStories struct {
	story *types.Story
	err   error
}

func (f *fakeStories) GetStory(context.Context, string) (*types.Story, error) {
	return f.story, f.err
}

func TestHTTPTranscriber_DecodesReply(t *testing.T) {
	var gotEncoding, gotRate string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotEncoding = r.Header.Get("X-Audio-Encoding")
		gotRate = r.Header.Get("X-Audio-Sample-Rate")
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"text":"the dragon sneezed","confidence":0.92}`))
	}))
	defer srv.Close()

	tr := &HTTPTranscriber{URL: srv.URL, Client: srv.Client()}
	res, err := tr.Transcribe(context.Background(), []byte{0, 0, 1, 1}, live.DefaultAudioConfig())
	if err != nil {
		t.Fatalf("Transcribe() error = %v", err)
	}
	if res.Text != "the dragon sneezed" || res.Confidence != 0.92 {
		t.Fatalf("result=%+v", res)
	}
	if gotEncoding != "pcm_s16le" || gotRate != "16000" {
		t.Fatalf("audio headers=%q/%q", gotEncoding, gotRate)
	}
}

func TestHTTPTranscriber_Non2xxIsTranscriptionFailed(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "model overloaded", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	tr := &HTTPTranscriber{URL: srv.URL, Client: srv.Client()}
	_, err := tr.Transcribe(context.Background(), []byte{0}, live.DefaultAudioConfig())
	if err == nil {
		t.Fatal("expected error")
	}
	var ce *core.Error
	if !errors.As(err, &ce) || ce.Type != core.ErrTranscriptionFailed {
		t.Fatalf("err=%v", err)
	}
	if !strings.Contains(ce.Message, "503") {
		t.Fatalf("message should carry the status: %q", ce.Message)
	}
}

func TestHTTPGenerator_RoundTrip(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req live.ResponseRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode request: %v", err)
		}
		if req.StoryID != "story-1" || req.ChildText != "why is the sky blue" {
			t.Errorf("request=%+v", req)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"text":"Because of sunlight!","audio_ref":"resp-audio-1","audio_duration_ms":2100}`))
	}))
	defer srv.Close()

	g := &HTTPGenerator{URL: srv.URL, Client: srv.Client()}
	res, err := g.Generate(context.Background(), live.ResponseRequest{
		SessionID: "sess-1",
		StoryID:   "story-1",
		Trigger:   types.TriggerChildSpeech,
		ChildText: "why is the sky blue",
	})
	if err != nil {
		t.Fatalf("Generate() error = %v", err)
	}
	if res.Text != "Because of sunlight!" || res.AudioRef != "resp-audio-1" || res.AudioDurationMs != 2100 {
		t.Fatalf("result=%+v", res)
	}
}

func TestHTTPGenerator_EmptyTextIsGenerationFailed(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"text":"  "}`))
	}))
	defer srv.Close()

	g := &HTTPGenerator{URL: srv.URL, Client: srv.Client()}
	_, err := g.Generate(context.Background(), live.ResponseRequest{Trigger: types.TriggerChildSpeech})
	if err == nil {
		t.Fatal("expected error")
	}
	var ce *core.Error
	if !errors.As(err, &ce) || ce.Type != core.ErrGenerationFailed {
		t.Fatalf("err=%v", err)
	}
}

func TestUnavailableTranscriber(t *testing.T) {
	_, err := UnavailableTranscriber{}.Transcribe(context.Background(), nil, live.DefaultAudioConfig())
	var ce *core.Error
	if !errors.As(err, &ce) || ce.Type != core.ErrTranscriptionFailed {
		t.Fatalf("err=%v", err)
	}
	if ce.Code != "transcriber_unconfigured" {
		t.Fatalf("code=%q", ce.Code)
	}
}

func TestStoryGenerator_AnswersFromStory(t *testing.T) {
	g := NewStoryGenerator(&fakeStories{story: &types.Story{
		ID:      "story-1",
		Title:   "The Sleepy Dragon",
		Content: "The dragon hid the crown under the old bridge. Then he fell asleep.",
	}})

	res, err := g.Generate(context.Background(), live.ResponseRequest{
		StoryID:   "story-1",
		Trigger:   types.TriggerChildSpeech,
		ChildText: "where did the dragon hide the crown",
	})
	if err != nil {
		t.Fatalf("Generate() error = %v", err)
	}
	if !strings.Contains(res.Text, "under the old bridge") {
		t.Fatalf("answer should quote the story: %q", res.Text)
	}
}

func TestStoryGenerator_IdlePromptNamesStory(t *testing.T) {
	g := NewStoryGenerator(&fakeStories{story: &types.Story{ID: "story-1", Title: "The Sleepy Dragon"}})

	res, err := g.Generate(context.Background(), live.ResponseRequest{
		StoryID: "story-1",
		Trigger: types.TriggerStoryPrompt,
	})
	if err != nil {
		t.Fatalf("Generate() error = %v", err)
	}
	if !strings.Contains(res.Text, "The Sleepy Dragon") {
		t.Fatalf("prompt should name the story: %q", res.Text)
	}
}

func TestStoryGenerator_MissingStoryStillAnswers(t *testing.T) {
	g := NewStoryGenerator(&fakeStories{err: core.NewNotFoundError("story not found")})

	res, err := g.Generate(context.Background(), live.ResponseRequest{
		StoryID:   "gone",
		Trigger:   types.TriggerChildSpeech,
		ChildText: "what happened",
	})
	if err != nil {
		t.Fatalf("Generate() error = %v", err)
	}
	if res.Text == "" {
		t.Fatal("expected a fallback answer")
	}
}

func TestStoryGenerator_StoreFailureIsGenerationFailed(t *testing.T) {
	g := NewStoryGenerator(&fakeStories{err: errors.New("connection refused")})

	_, err := g.Generate(context.Background(), live.ResponseRequest{
		StoryID:   "story-1",
		Trigger:   types.TriggerChildSpeech,
		ChildText: "what happened",
	})
	var ce *core.Error
	if !errors.As(err, &ce) || ce.Type != core.ErrGenerationFailed {
		t.Fatalf("err=%v", err)
	}
}

func TestFactory_SelectsLocalStandInsWithoutURLs(t *testing.T) {
	f := Factory{Stories: &fakeStories{}}

	if _, ok := f.Transcriber().(UnavailableTranscriber); !ok {
		t.Fatalf("transcriber=%T, want UnavailableTranscriber", f.Transcriber())
	}
	if _, ok := f.Generator().(*StoryGenerator); !ok {
		t.Fatalf("generator=%T, want *StoryGenerator", f.Generator())
	}
}
