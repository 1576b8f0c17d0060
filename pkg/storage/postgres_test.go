package storage

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/howie/storybuddy-sub001/pkg/core"
	"github.com/howie/storybuddy-sub001/pkg/core/types"
)

// newTestPostgres connects to the database named by TEST_DATABASE_URL and
// applies migrations. The suite is skipped when the variable is unset, so
// plain `go test ./...` never needs a database.
func newTestPostgres(t *testing.T) *PostgresStore {
	t.Helper()
	dsn := os.Getenv("TEST_DATABASE_URL")
	if dsn == "" {
		t.Skip("TEST_DATABASE_URL not set")
	}
	if err := Migrate(dsn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	store, err := NewPostgresStore(context.Background(), dsn)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func createTestStory(t *testing.T, store *PostgresStore) *types.Story {
	t.Helper()
	story := &types.Story{
		ID:        types.NewID(),
		Title:     "The Paper Boat",
		Content:   "A paper boat sailed down the gutter after the rain.",
		CreatedAt: time.Now().UTC(),
	}
	if err := store.CreateStory(context.Background(), story); err != nil {
		t.Fatalf("CreateStory: %v", err)
	}
	return story
}

func TestPostgresStore_SessionRoundTrip(t *testing.T) {
	store := newTestPostgres(t)
	ctx := context.Background()
	story := createTestStory(t, store)

	sess := &types.InteractionSession{
		ID:        types.NewID(),
		StoryID:   story.ID,
		ParentID:  "parent-" + types.NewID(),
		Mode:      types.ModeInteractive,
		Status:    types.StatusCalibrating,
		StartedAt: time.Now().UTC(),
	}
	if err := store.CreateSession(ctx, sess); err != nil {
		t.Fatalf("CreateSession: %v", err)
	}

	seg := &types.VoiceSegment{
		ID:         types.NewID(),
		SessionID:  sess.ID,
		Sequence:   1,
		StartedAt:  time.Now().UTC(),
		DurationMs: 1200,
	}
	if err := store.CreateSegment(ctx, seg); err != nil {
		t.Fatalf("CreateSegment: %v", err)
	}
	if err := store.UpdateSegmentTranscript(ctx, seg.ID, "what happens next", 0.9); err != nil {
		t.Fatalf("UpdateSegmentTranscript: %v", err)
	}

	resp := &types.AIResponse{
		ID:                types.NewID(),
		SessionID:         sess.ID,
		SegmentID:         seg.ID,
		Text:              "Let's find out together!",
		Trigger:           types.TriggerChildSpeech,
		PlannedDurationMs: 2000,
		CreatedAt:         time.Now().UTC(),
	}
	if err := store.CreateResponse(ctx, resp); err != nil {
		t.Fatalf("CreateResponse: %v", err)
	}
	if err := store.MarkResponseInterrupted(ctx, resp.ID, 5000); err != nil {
		t.Fatalf("MarkResponseInterrupted: %v", err)
	}

	ended := time.Now().UTC()
	if err := store.UpdateSessionStatus(ctx, sess.ID, types.StatusCompleted, &ended); err != nil {
		t.Fatalf("UpdateSessionStatus: %v", err)
	}

	got, err := store.GetSession(ctx, sess.ID)
	if err != nil {
		t.Fatalf("GetSession: %v", err)
	}
	if got.Status != types.StatusCompleted || got.EndedAt == nil {
		t.Fatalf("unexpected session: %+v", got)
	}

	segs, err := store.ListSegments(ctx, sess.ID)
	if err != nil || len(segs) != 1 {
		t.Fatalf("ListSegments: %v %v", segs, err)
	}
	if segs[0].Transcript == nil || *segs[0].Transcript != "what happens next" {
		t.Fatalf("transcript lost: %+v", segs[0])
	}

	resps, err := store.ListResponses(ctx, sess.ID)
	if err != nil || len(resps) != 1 {
		t.Fatalf("ListResponses: %v %v", resps, err)
	}
	if !resps[0].WasInterrupted || resps[0].InterruptedAtMs == nil || *resps[0].InterruptedAtMs != 2000 {
		t.Fatalf("interruption not clamped: %+v", resps[0])
	}
}

func TestPostgresStore_QAExchangeCAS(t *testing.T) {
	store := newTestPostgres(t)
	ctx := context.Background()
	story := createTestStory(t, store)

	sess := &types.QASession{
		ID:        types.NewID(),
		StoryID:   story.ID,
		Status:    types.QAStatusActive,
		CreatedAt: time.Now().UTC(),
	}
	if err := store.CreateQASession(ctx, sess); err != nil {
		t.Fatalf("CreateQASession: %v", err)
	}

	child := &types.QAMessage{ID: types.NewID(), SessionID: sess.ID, Sequence: 1, Role: types.QARoleChild, Content: "where did it sail?", CreatedAt: time.Now().UTC()}
	assistant := &types.QAMessage{ID: types.NewID(), SessionID: sess.ID, Sequence: 2, Role: types.QARoleAssistant, Content: "Down the gutter!", CreatedAt: time.Now().UTC()}
	if err := store.AppendExchange(ctx, sess.ID, child, assistant, 0); err != nil {
		t.Fatalf("AppendExchange: %v", err)
	}

	got, err := store.GetQASession(ctx, sess.ID)
	if err != nil || got.MessageCount != 2 {
		t.Fatalf("GetQASession: %+v %v", got, err)
	}

	// A stale expected count must not write messages or move the count.
	stale := &types.QAMessage{ID: types.NewID(), SessionID: sess.ID, Sequence: 3, Role: types.QARoleChild, Content: "again?", CreatedAt: time.Now().UTC()}
	staleReply := &types.QAMessage{ID: types.NewID(), SessionID: sess.ID, Sequence: 4, Role: types.QARoleAssistant, Content: "no", CreatedAt: time.Now().UTC()}
	err = store.AppendExchange(ctx, sess.ID, stale, staleReply, 0)
	wantErrType(t, err, core.ErrInvalidState)

	got, _ = store.GetQASession(ctx, sess.ID)
	if got.MessageCount != 2 {
		t.Fatalf("count moved on failed append: %d", got.MessageCount)
	}
	msgs, err := store.ListQAMessages(ctx, sess.ID)
	if err != nil || len(msgs) != 2 {
		t.Fatalf("ListQAMessages: %d %v", len(msgs), err)
	}

	err = store.AppendExchange(ctx, "missing-"+types.NewID(), stale, staleReply, 0)
	wantErrType(t, err, core.ErrNotFound)
}
