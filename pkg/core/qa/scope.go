package qa

import (
	"context"
	"strings"

	"github.com/howie/storybuddy-sub001/pkg/core/types"
)

// ScopeClassifier decides whether a child's question can be answered from
// the story it was asked about.
type ScopeClassifier interface {
	Classify(ctx context.Context, story *types.Story, question string) (bool, error)
}

// AnswerGenerator produces the assistant's reply for an in-scope question.
type AnswerGenerator interface {
	Answer(ctx context.Context, story *types.Story, question string) (string, error)
}

const fallbackAnswerText = "Hmm, that's a tricky one! Let's keep reading and see what we find out."

// scopeRedirectText is the reply for out-of-scope questions: acknowledge,
// then steer back to the story.
func scopeRedirectText(story *types.Story) string {
	if story != nil && story.Title != "" {
		return "That's a fun question! But let's stay with our story — what do you think happens next in \"" + story.Title + "\"?"
	}
	return "That's a fun question! But let's stay with our story — what do you think happens next?"
}

// KeywordClassifier is the local scope classifier: a question is in scope
// when it shares at least one meaningful word with the story text. Crude,
// but deterministic and vendor-free; a remote classifier can be swapped in
// through the interface.
type KeywordClassifier struct {
	stopwords map[string]struct{}
}

// NewKeywordClassifier creates the classifier with the built-in stopword set.
func NewKeywordClassifier() *KeywordClassifier {
	stop := map[string]struct{}{}
	for _, w := range strings.Fields(
		"a an and are at be but by can could did do does for from had has have " +
			"he her him his how i if in is it its me my of on or our she so that " +
			"the their them then there they this to was we were what when where " +
			"which who why will with would you your") {
		stop[w] = struct{}{}
	}
	return &KeywordClassifier{stopwords: stop}
}

// Classify never fails; the error return satisfies the interface for remote
// implementations.
func (k *KeywordClassifier) Classify(_ context.Context, story *types.Story, question string) (bool, error) {
	if story == nil {
		return false, nil
	}
	vocab := map[string]struct{}{}
	for _, w := range story.Words() {
		vocab[w] = struct{}{}
	}
	for _, w := range k.meaningful(question) {
		if _, ok := vocab[w]; ok {
			return true, nil
		}
	}
	return false, nil
}

// meaningful returns the question's tokens minus stopwords and short noise.
func (k *KeywordClassifier) meaningful(question string) []string {
	var out []string
	for _, w := range types.Tokenize(question) {
		if len(w) < 3 {
			continue
		}
		if _, stop := k.stopwords[w]; stop {
			continue
		}
		out = append(out, w)
	}
	return out
}

// StoryAnswerGenerator is the local answer generator: it quotes the story
// sentence that best matches the question. It keeps Q&A usable without any
// model behind it and doubles as the test double for the remote generator.
type StoryAnswerGenerator struct {
	keywords *KeywordClassifier
}

// NewStoryAnswerGenerator creates the generator.
func NewStoryAnswerGenerator() *StoryAnswerGenerator {
	return &StoryAnswerGenerator{keywords: NewKeywordClassifier()}
}

// Answer finds the story sentence sharing the most meaningful words with the
// question and wraps it in a child-friendly frame.
func (g *StoryAnswerGenerator) Answer(_ context.Context, story *types.Story, question string) (string, error) {
	if story == nil {
		return fallbackAnswerText, nil
	}

	want := g.keywords.meaningful(question)
	best := ""
	bestScore := 0
	for _, sentence := range splitSentences(story.Content) {
		score := 0
		lower := strings.ToLower(sentence)
		for _, w := range want {
			if strings.Contains(lower, w) {
				score++
			}
		}
		if score > bestScore {
			best, bestScore = sentence, score
		}
	}
	if best == "" {
		return "The story doesn't tell us that part — what do you think, little storyteller?", nil
	}
	return "Here's what the story tells us: \"" + best + "\" What do you think about that?", nil
}

// splitSentences breaks text on sentence-ending punctuation, keeping the
// punctuation with the sentence.
func splitSentences(text string) []string {
	var out []string
	var b strings.Builder
	for _, r := range text {
		b.WriteRune(r)
		if r == '.' || r == '!' || r == '?' {
			if s := strings.TrimSpace(b.String()); s != "" {
				out = append(out, s)
			}
			b.Reset()
		}
	}
	if s := strings.TrimSpace(b.String()); s != "" {
		out = append(out, s)
	}
	return out
}
