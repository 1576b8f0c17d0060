package types

import (
	"time"
)

// Q&A exchange limits.
const (
	QAMaxMessages     = 10 // hard cap: 5 question/answer pairs
	QAMaxContentChars = 500
)

// QAStatus is the lifecycle status of a Q&A session.
type QAStatus string

const (
	QAStatusActive    QAStatus = "active"
	QAStatusCompleted QAStatus = "completed"
	QAStatusTimeout   QAStatus = "timeout"
)

// Terminal reports whether the status is final.
func (s QAStatus) Terminal() bool {
	return s == QAStatusCompleted || s == QAStatusTimeout
}

// QARole identifies the author of a Q&A message.
type QARole string

const (
	QARoleChild     QARole = "child"
	QARoleAssistant QARole = "assistant"
)

// QASession is one bounded question/answer exchange about a story.
// MessageCount is always even and never exceeds QAMaxMessages.
type QASession struct {
	ID           string     `json:"id"`
	StoryID      string     `json:"story_id"`
	Status       QAStatus   `json:"status"`
	MessageCount int        `json:"message_count"`
	CreatedAt    time.Time  `json:"created_at"`
	EndedAt      *time.Time `json:"ended_at,omitempty"`
}

// QAMessage is a single message within a Q&A session. Messages appear in
// child/assistant pairs with strictly increasing 1-based sequence.
type QAMessage struct {
	ID        string    `json:"id"`
	SessionID string    `json:"session_id"`
	Sequence  int       `json:"sequence"`
	Role      QARole    `json:"role"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
}
