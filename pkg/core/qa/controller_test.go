package qa

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"

	"github.com/howie/storybuddy-sub001/pkg/core"
	"github.com/howie/storybuddy-sub001/pkg/core/types"
)

// qaStore is an in-memory Store for controller tests.
type qaStore struct {
	mu       sync.Mutex
	stories  map[string]*types.Story
	sessions map[string]*types.QASession
	messages map[string][]*types.QAMessage
}

func newQAStore(stories ...*types.Story) *qaStore {
	st := &qaStore{
		stories:  map[string]*types.Story{},
		sessions: map[string]*types.QASession{},
		messages: map[string][]*types.QAMessage{},
	}
	for _, s := range stories {
		st.stories[s.ID] = s
	}
	return st
}

func (st *qaStore) GetStory(_ context.Context, id string) (*types.Story, error) {
	st.mu.Lock()
	defer st.mu.Unlock()
	s, ok := st.stories[id]
	if !ok {
		return nil, core.NewNotFoundError("story not found")
	}
	cp := *s
	return &cp, nil
}

func (st *qaStore) CreateQASession(_ context.Context, sess *types.QASession) error {
	st.mu.Lock()
	defer st.mu.Unlock()
	cp := *sess
	st.sessions[sess.ID] = &cp
	return nil
}

func (st *qaStore) GetQASession(_ context.Context, id string) (*types.QASession, error) {
	st.mu.Lock()
	defer st.mu.Unlock()
	sess, ok := st.sessions[id]
	if !ok {
		return nil, core.NewNotFoundError("qa session not found")
	}
	cp := *sess
	if sess.EndedAt != nil {
		t := *sess.EndedAt
		cp.EndedAt = &t
	}
	return &cp, nil
}

func (st *qaStore) UpdateQASession(_ context.Context, sess *types.QASession) error {
	st.mu.Lock()
	defer st.mu.Unlock()
	if _, ok := st.sessions[sess.ID]; !ok {
		return core.NewNotFoundError("qa session not found")
	}
	cp := *sess
	st.sessions[sess.ID] = &cp
	return nil
}

func (st *qaStore) AppendExchange(_ context.Context, sessionID string, child, assistant *types.QAMessage, expectedCount int) error {
	st.mu.Lock()
	defer st.mu.Unlock()
	sess, ok := st.sessions[sessionID]
	if !ok {
		return core.NewNotFoundError("qa session not found")
	}
	if sess.MessageCount != expectedCount {
		return core.NewInvalidStateError("session message count changed concurrently")
	}
	c, a := *child, *assistant
	st.messages[sessionID] = append(st.messages[sessionID], &c, &a)
	sess.MessageCount += 2
	return nil
}

func (st *qaStore) ListQAMessages(_ context.Context, sessionID string) ([]*types.QAMessage, error) {
	st.mu.Lock()
	defer st.mu.Unlock()
	msgs := st.messages[sessionID]
	out := make([]*types.QAMessage, len(msgs))
	for i, m := range msgs {
		cp := *m
		out[i] = &cp
	}
	return out, nil
}

func dragonStory() *types.Story {
	return &types.Story{
		ID:    "story-dragon",
		Title: "The Dragon Who Lost His Fire",
		Content: "Once upon a time a small dragon named Ember lived in a cave. " +
			"One morning Ember woke up and his fire was gone! " +
			"He searched the whole forest and asked the wise owl for help. " +
			"The owl told him that courage would bring his fire back.",
	}
}

func newTestController(t *testing.T, stories ...*types.Story) (*Controller, *qaStore) {
	t.Helper()
	store := newQAStore(stories...)
	c, err := New(Dependencies{Store: store})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return c, store
}

func TestController_StartSession(t *testing.T) {
	c, _ := newTestController(t, dragonStory())

	sess, err := c.StartSession(context.Background(), "story-dragon")
	if err != nil {
		t.Fatalf("StartSession: %v", err)
	}
	if sess.Status != types.QAStatusActive {
		t.Errorf("Status = %q, want active", sess.Status)
	}
	if sess.MessageCount != 0 {
		t.Errorf("MessageCount = %d, want 0", sess.MessageCount)
	}
	if sess.StoryID != "story-dragon" {
		t.Errorf("StoryID = %q", sess.StoryID)
	}
}

func TestController_StartSessionUnknownStory(t *testing.T) {
	c, _ := newTestController(t, dragonStory())

	_, err := c.StartSession(context.Background(), "no-such-story")
	var ce *core.Error
	if !errors.As(err, &ce) || ce.Type != core.ErrNotFound {
		t.Errorf("StartSession = %v, want not_found", err)
	}
}

func TestController_FiveExchangesThenLimit(t *testing.T) {
	c, _ := newTestController(t, dragonStory())
	ctx := context.Background()
	sess, err := c.StartSession(ctx, "story-dragon")
	if err != nil {
		t.Fatalf("StartSession: %v", err)
	}

	for i := 1; i <= 5; i++ {
		res, err := c.SendMessage(ctx, sess.ID, fmt.Sprintf("what did the dragon do next, round %d?", i))
		if err != nil {
			t.Fatalf("exchange %d: %v", i, err)
		}
		if res.MessageCount != i*2 {
			t.Errorf("exchange %d: MessageCount = %d, want %d", i, res.MessageCount, i*2)
		}
		if res.UserMessage.Sequence != i*2-1 {
			t.Errorf("exchange %d: child sequence = %d, want %d", i, res.UserMessage.Sequence, i*2-1)
		}
		if res.AssistantMessage.Sequence != i*2 {
			t.Errorf("exchange %d: assistant sequence = %d, want %d", i, res.AssistantMessage.Sequence, i*2)
		}
		if res.UserMessage.Role != types.QARoleChild || res.AssistantMessage.Role != types.QARoleAssistant {
			t.Errorf("exchange %d: roles = %q/%q", i, res.UserMessage.Role, res.AssistantMessage.Role)
		}
	}

	// The sixth exchange is rejected and appends nothing.
	_, err = c.SendMessage(ctx, sess.ID, "one more question?")
	var ce *core.Error
	if !errors.As(err, &ce) || ce.Type != core.ErrLimitExceeded {
		t.Fatalf("sixth exchange = %v, want limit_exceeded", err)
	}
	if !strings.Contains(ce.Message, "limit") {
		t.Errorf("error detail %q should contain \"limit\"", ce.Message)
	}

	got, msgs, err := c.GetSession(ctx, sess.ID)
	if err != nil {
		t.Fatalf("GetSession: %v", err)
	}
	if got.MessageCount != 10 {
		t.Errorf("MessageCount after rejection = %d, want 10", got.MessageCount)
	}
	if len(msgs) != 10 {
		t.Errorf("stored messages = %d, want 10", len(msgs))
	}
	for i, m := range msgs {
		if m.Sequence != i+1 {
			t.Errorf("message %d: sequence = %d, want %d", i, m.Sequence, i+1)
		}
	}
	// The session stays active; the cap does not end it.
	if got.Status != types.QAStatusActive {
		t.Errorf("Status = %q, want active", got.Status)
	}
}

func TestController_SendMessageValidation(t *testing.T) {
	c, _ := newTestController(t, dragonStory())
	ctx := context.Background()
	sess, _ := c.StartSession(ctx, "story-dragon")

	tests := []struct {
		name    string
		content string
		want    core.ErrorType
	}{
		{"empty content", "", core.ErrValidation},
		{"content too long", strings.Repeat("w", 501), core.ErrValidation},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := c.SendMessage(ctx, sess.ID, tt.content)
			var ce *core.Error
			if !errors.As(err, &ce) || ce.Type != tt.want {
				t.Errorf("SendMessage = %v, want %s", err, tt.want)
			}
		})
	}

	// Exactly 500 characters is fine.
	if _, err := c.SendMessage(ctx, sess.ID, strings.Repeat("w", 500)); err != nil {
		t.Errorf("500-char content rejected: %v", err)
	}

	_, err := c.SendMessage(ctx, "no-such-session", "hello?")
	var ce *core.Error
	if !errors.As(err, &ce) || ce.Type != core.ErrNotFound {
		t.Errorf("unknown session = %v, want not_found", err)
	}
}

func TestController_ScopeClassification(t *testing.T) {
	c, _ := newTestController(t, dragonStory())
	ctx := context.Background()
	sess, _ := c.StartSession(ctx, "story-dragon")

	inScope, err := c.SendMessage(ctx, sess.ID, "why did the dragon lose his fire?")
	if err != nil {
		t.Fatalf("SendMessage: %v", err)
	}
	if !inScope.IsInScope {
		t.Error("dragon question should be in scope")
	}
	if inScope.AssistantMessage.Content == "" {
		t.Error("empty assistant reply")
	}

	outScope, err := c.SendMessage(ctx, sess.ID, "can I eat pizza for breakfast?")
	if err != nil {
		t.Fatalf("SendMessage: %v", err)
	}
	if outScope.IsInScope {
		t.Error("pizza question should be out of scope")
	}
	if !strings.Contains(outScope.AssistantMessage.Content, "our story") {
		t.Errorf("out-of-scope reply %q should redirect to the story", outScope.AssistantMessage.Content)
	}
}

func TestController_EndSession(t *testing.T) {
	c, _ := newTestController(t, dragonStory())
	ctx := context.Background()
	sess, _ := c.StartSession(ctx, "story-dragon")

	ended, err := c.EndSession(ctx, sess.ID, types.QAStatusCompleted)
	if err != nil {
		t.Fatalf("EndSession: %v", err)
	}
	if ended.Status != types.QAStatusCompleted {
		t.Errorf("Status = %q, want completed", ended.Status)
	}
	if ended.EndedAt == nil {
		t.Fatal("EndedAt not set")
	}
	firstEnd := *ended.EndedAt

	// Ending again is a no-op; the stored session comes back unchanged.
	again, err := c.EndSession(ctx, sess.ID, types.QAStatusTimeout)
	if err != nil {
		t.Fatalf("second EndSession: %v", err)
	}
	if again.Status != types.QAStatusCompleted {
		t.Errorf("Status after second end = %q, want completed", again.Status)
	}
	if again.EndedAt == nil || !again.EndedAt.Equal(firstEnd) {
		t.Error("EndedAt must not be rewritten")
	}

	// Terminal sessions accept no messages.
	_, err = c.SendMessage(ctx, sess.ID, "are you still there?")
	var ce *core.Error
	if !errors.As(err, &ce) || ce.Type != core.ErrInvalidState {
		t.Errorf("SendMessage after end = %v, want invalid_state", err)
	}
}

func TestController_EndSessionValidation(t *testing.T) {
	c, _ := newTestController(t, dragonStory())
	ctx := context.Background()
	sess, _ := c.StartSession(ctx, "story-dragon")

	_, err := c.EndSession(ctx, sess.ID, types.QAStatusActive)
	var ce *core.Error
	if !errors.As(err, &ce) || ce.Type != core.ErrValidation {
		t.Errorf("EndSession(active) = %v, want validation error", err)
	}

	_, err = c.EndSession(ctx, "no-such-session", types.QAStatusCompleted)
	if !errors.As(err, &ce) || ce.Type != core.ErrNotFound {
		t.Errorf("EndSession unknown = %v, want not_found", err)
	}
}

func TestController_ConcurrentSendsRespectCap(t *testing.T) {
	c, _ := newTestController(t, dragonStory())
	ctx := context.Background()
	sess, _ := c.StartSession(ctx, "story-dragon")

	// More concurrent sends than the cap allows; exactly five may win.
	const attempts = 12
	var wg sync.WaitGroup
	errs := make([]error, attempts)
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = c.SendMessage(ctx, sess.ID, "what happened to the dragon?")
		}(i)
	}
	wg.Wait()

	accepted, rejected := 0, 0
	for _, err := range errs {
		switch {
		case err == nil:
			accepted++
		default:
			var ce *core.Error
			if errors.As(err, &ce) && ce.Type == core.ErrLimitExceeded {
				rejected++
			} else {
				t.Errorf("unexpected error: %v", err)
			}
		}
	}
	if accepted != 5 {
		t.Errorf("accepted = %d, want 5", accepted)
	}
	if rejected != attempts-5 {
		t.Errorf("rejected = %d, want %d", rejected, attempts-5)
	}

	got, msgs, err := c.GetSession(ctx, sess.ID)
	if err != nil {
		t.Fatalf("GetSession: %v", err)
	}
	if got.MessageCount != 10 {
		t.Errorf("MessageCount = %d, want 10", got.MessageCount)
	}
	if len(msgs) != 10 {
		t.Errorf("messages = %d, want 10", len(msgs))
	}
}
