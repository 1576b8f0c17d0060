// Package qa implements the bounded-exchange Q&A mode: a synchronous
// request/response sibling of the live voice session. A Q&A session holds at
// most five question/answer pairs; every accepted exchange appends exactly
// one child message and one assistant message, and the limit check happens
// before anything is written.
package qa

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/howie/storybuddy-sub001/pkg/core"
	"github.com/howie/storybuddy-sub001/pkg/core/types"
)

// Store is the persistence boundary for Q&A sessions.
type Store interface {
	GetStory(ctx context.Context, id string) (*types.Story, error)
	CreateQASession(ctx context.Context, sess *types.QASession) error
	GetQASession(ctx context.Context, id string) (*types.QASession, error)
	UpdateQASession(ctx context.Context, sess *types.QASession) error

	// AppendExchange atomically appends both messages and bumps the
	// session's message count by two. expectedCount is the count the caller
	// observed; implementations must fail without writing anything when the
	// stored count no longer matches.
	AppendExchange(ctx context.Context, sessionID string, child, assistant *types.QAMessage, expectedCount int) error

	ListQAMessages(ctx context.Context, sessionID string) ([]*types.QAMessage, error)
}

// ExchangeResult is the outcome of one accepted exchange.
type ExchangeResult struct {
	UserMessage      *types.QAMessage `json:"user_message"`
	AssistantMessage *types.QAMessage `json:"assistant_message"`
	IsInScope        bool             `json:"is_in_scope"`
	MessageCount     int              `json:"message_count"`
}

// Dependencies wires a Controller to its collaborators.
type Dependencies struct {
	// Store is the persistence boundary. Required.
	Store Store

	// Classifier decides whether a question is answerable from the story.
	// Defaults to the keyword classifier.
	Classifier ScopeClassifier

	// Generator produces answers for in-scope questions. Defaults to the
	// story-grounded generator.
	Generator AnswerGenerator

	// Logger receives debug output. Optional.
	Logger *slog.Logger
}

// Controller runs the Q&A bounded-exchange protocol.
type Controller struct {
	store      Store
	classifier ScopeClassifier
	generator  AnswerGenerator
	logger     *slog.Logger
	now        func() time.Time

	// Per-session send locks make the limit check-then-append atomic; two
	// concurrent sends for one session cannot both pass the check.
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// New creates a Controller.
func New(deps Dependencies) (*Controller, error) {
	if deps.Store == nil {
		return nil, core.NewValidationError("store is required")
	}
	classifier := deps.Classifier
	if classifier == nil {
		classifier = NewKeywordClassifier()
	}
	generator := deps.Generator
	if generator == nil {
		generator = NewStoryAnswerGenerator()
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Controller{
		store:      deps.Store,
		classifier: classifier,
		generator:  generator,
		logger:     logger,
		now:        time.Now,
		locks:      map[string]*sync.Mutex{},
	}, nil
}

// StartSession creates an active Q&A session anchored to a story.
func (c *Controller) StartSession(ctx context.Context, storyID string) (*types.QASession, error) {
	if storyID == "" {
		return nil, core.NewValidationErrorWithParam("story id is required", "story_id")
	}
	if _, err := c.store.GetStory(ctx, storyID); err != nil {
		return nil, err
	}

	sess := &types.QASession{
		ID:        types.NewID(),
		StoryID:   storyID,
		Status:    types.QAStatusActive,
		CreatedAt: c.now(),
	}
	if err := c.store.CreateQASession(ctx, sess); err != nil {
		return nil, err
	}
	c.logger.Debug("qa session started", "session_id", sess.ID, "story_id", storyID)
	return sess, nil
}

// GetSession returns a session with its messages in sequence order.
func (c *Controller) GetSession(ctx context.Context, sessionID string) (*types.QASession, []*types.QAMessage, error) {
	sess, err := c.store.GetQASession(ctx, sessionID)
	if err != nil {
		return nil, nil, err
	}
	msgs, err := c.store.ListQAMessages(ctx, sessionID)
	if err != nil {
		return nil, nil, err
	}
	return sess, msgs, nil
}

// EndSession moves a session to a terminal status and stamps ended_at.
// Ending an already-terminal session is a no-op returning the stored session
// unchanged; ended_at is never rewritten.
func (c *Controller) EndSession(ctx context.Context, sessionID string, status types.QAStatus) (*types.QASession, error) {
	if !status.Terminal() {
		return nil, core.NewValidationErrorWithParam(
			fmt.Sprintf("status must be completed or timeout, got %q", status), "status")
	}

	lk := c.sessionLock(sessionID)
	lk.Lock()
	sess, err := c.store.GetQASession(ctx, sessionID)
	if err != nil {
		lk.Unlock()
		return nil, err
	}
	if sess.Status.Terminal() {
		lk.Unlock()
		return sess, nil
	}

	sess.Status = status
	t := c.now()
	sess.EndedAt = &t
	if err := c.store.UpdateQASession(ctx, sess); err != nil {
		lk.Unlock()
		return nil, err
	}
	lk.Unlock()

	c.dropLock(sessionID)
	c.logger.Debug("qa session ended",
		"session_id", sessionID,
		"status", string(status),
		"message_count", sess.MessageCount,
	)
	return sess, nil
}

// SendMessage runs one exchange: validate, classify, answer, append the pair.
// A rejected exchange appends nothing.
func (c *Controller) SendMessage(ctx context.Context, sessionID, content string) (*ExchangeResult, error) {
	lk := c.sessionLock(sessionID)
	lk.Lock()
	defer lk.Unlock()

	sess, err := c.store.GetQASession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if sess.Status != types.QAStatusActive {
		return nil, core.NewInvalidStateError(
			fmt.Sprintf("session is %s; no further messages accepted", sess.Status))
	}
	if content == "" {
		return nil, core.NewValidationErrorWithParam("message content is required", "content")
	}
	if n := utf8.RuneCountInString(content); n > types.QAMaxContentChars {
		return nil, core.NewValidationErrorWithParam(
			fmt.Sprintf("message content is %d characters, maximum is %d", n, types.QAMaxContentChars),
			"content")
	}
	if sess.MessageCount+2 > types.QAMaxMessages {
		return nil, core.NewLimitExceededError(
			fmt.Sprintf("session message limit reached (%d messages, %d exchanges)",
				types.QAMaxMessages, types.QAMaxMessages/2))
	}

	story, err := c.store.GetStory(ctx, sess.StoryID)
	if err != nil {
		// Answer from nothing rather than fail the child's question.
		c.logger.Warn("qa story lookup failed", "session_id", sessionID, "story_id", sess.StoryID, "error", err)
		story = nil
	}

	inScope, err := c.classifier.Classify(ctx, story, content)
	if err != nil {
		c.logger.Warn("qa scope classification failed", "session_id", sessionID, "error", err)
		inScope = false
	}

	var answer string
	if inScope {
		answer, err = c.generator.Answer(ctx, story, content)
		if err != nil {
			c.logger.Warn("qa answer generation failed", "session_id", sessionID, "error", err)
			answer = fallbackAnswerText
		}
	} else {
		answer = scopeRedirectText(story)
	}

	now := c.now()
	child := &types.QAMessage{
		ID:        types.NewID(),
		SessionID: sessionID,
		Sequence:  sess.MessageCount + 1,
		Role:      types.QARoleChild,
		Content:   content,
		CreatedAt: now,
	}
	assistant := &types.QAMessage{
		ID:        types.NewID(),
		SessionID: sessionID,
		Sequence:  sess.MessageCount + 2,
		Role:      types.QARoleAssistant,
		Content:   answer,
		CreatedAt: now,
	}

	if err := c.store.AppendExchange(ctx, sessionID, child, assistant, sess.MessageCount); err != nil {
		return nil, err
	}
	count := sess.MessageCount + 2

	c.logger.Debug("qa exchange accepted",
		"session_id", sessionID,
		"message_count", count,
		"in_scope", inScope,
	)
	return &ExchangeResult{
		UserMessage:      child,
		AssistantMessage: assistant,
		IsInScope:        inScope,
		MessageCount:     count,
	}, nil
}

func (c *Controller) sessionLock(id string) *sync.Mutex {
	c.mu.Lock()
	defer c.mu.Unlock()
	lk, ok := c.locks[id]
	if !ok {
		lk = &sync.Mutex{}
		c.locks[id] = lk
	}
	return lk
}

// dropLock releases the per-session lock entry once the session is terminal.
// Stragglers still holding the old mutex fail the status check regardless.
func (c *Controller) dropLock(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.locks, id)
}
