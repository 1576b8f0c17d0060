package storybuddy

import (
	"context"
	"net/http"
	"net/url"

	"github.com/howie/storybuddy-sub001/pkg/core"
	"github.com/howie/storybuddy-sub001/pkg/core/types"
)

// QAService talks to the bounded Q&A exchange surface (/qa/sessions).
type QAService struct {
	client *Client
}

// QASessionDetail is a session with its full message history.
type QASessionDetail struct {
	Session  *types.QASession   `json:"session"`
	Messages []*types.QAMessage `json:"messages"`
}

// QAExchange is the result of one question: the stored child message, the
// assistant's answer, and whether the question was answerable from the
// story.
type QAExchange struct {
	UserMessage      *types.QAMessage `json:"user_message"`
	AssistantMessage *types.QAMessage `json:"assistant_message"`
	IsInScope        bool             `json:"is_in_scope"`
	MessageCount     int              `json:"message_count"`
}

// Start opens a Q&A session about a story.
func (s *QAService) Start(ctx context.Context, storyID string) (*types.QASession, error) {
	if storyID == "" {
		return nil, core.NewValidationError("story id is required")
	}
	var sess types.QASession
	err := s.client.doJSON(ctx, http.MethodPost, "/qa/sessions", map[string]string{"story_id": storyID},
		&sess, http.StatusCreated)
	if err != nil {
		return nil, err
	}
	return &sess, nil
}

// Get returns a session with its messages.
func (s *QAService) Get(ctx context.Context, sessionID string) (*QASessionDetail, error) {
	if sessionID == "" {
		return nil, core.NewValidationError("session id is required")
	}
	var detail QASessionDetail
	err := s.client.doJSON(ctx, http.MethodGet, "/qa/sessions/"+url.PathEscape(sessionID), nil,
		&detail, http.StatusOK)
	if err != nil {
		return nil, err
	}
	return &detail, nil
}

// Ask sends one question and returns the stored exchange. The gateway caps
// sessions at five question/answer pairs; past the cap it answers with a
// limit_exceeded error.
func (s *QAService) Ask(ctx context.Context, sessionID, content string) (*QAExchange, error) {
	if sessionID == "" {
		return nil, core.NewValidationError("session id is required")
	}
	var exchange QAExchange
	err := s.client.doJSON(ctx, http.MethodPost, "/qa/sessions/"+url.PathEscape(sessionID)+"/messages",
		map[string]string{"content": content}, &exchange, http.StatusOK)
	if err != nil {
		return nil, err
	}
	return &exchange, nil
}

// End marks a session completed. Ending an already-ended session is
// idempotent and returns the stored session unchanged.
func (s *QAService) End(ctx context.Context, sessionID string) (*types.QASession, error) {
	if sessionID == "" {
		return nil, core.NewValidationError("session id is required")
	}
	var sess types.QASession
	err := s.client.doJSON(ctx, http.MethodPatch, "/qa/sessions/"+url.PathEscape(sessionID),
		map[string]string{"status": string(types.QAStatusCompleted)}, &sess, http.StatusOK)
	if err != nil {
		return nil, err
	}
	return &sess, nil
}
