package types

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// NewID returns a fresh identifier for any persisted record.
func NewID() string {
	return uuid.NewString()
}

// Story is the narrative a session or Q&A exchange is anchored to. Story
// authoring lives elsewhere; the engine only ever reads these.
type Story struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	Content   string    `json:"content"`
	AgeRange  string    `json:"age_range,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// Words returns the story's title and body tokenized to lowercase words.
// Used by the scope classifier; punctuation is stripped.
func (s Story) Words() []string {
	return Tokenize(s.Title + " " + s.Content)
}

// Tokenize splits text into lowercase words, stripping punctuation.
// Apostrophes stay inside words so "dragon's" survives as one token.
func Tokenize(text string) []string {
	fields := strings.FieldsFunc(text, func(r rune) bool {
		return !isWordRune(r)
	})
	words := make([]string, 0, len(fields))
	for _, f := range fields {
		words = append(words, strings.ToLower(f))
	}
	return words
}

func isWordRune(r rune) bool {
	switch {
	case r >= 'a' && r <= 'z':
		return true
	case r >= 'A' && r <= 'Z':
		return true
	case r >= '0' && r <= '9':
		return true
	case r == '\'':
		return true
	}
	return false
}
