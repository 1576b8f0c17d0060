// Package transcript assembles the parent-facing session transcript from
// stored voice segments and AI responses. Assembly happens exactly once, at
// session end; the result is append-only.
package transcript

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/howie/storybuddy-sub001/pkg/core/types"
)

// Speaker labels used in rendered transcripts.
const (
	childLabel = "Child"
	buddyLabel = "Buddy"
)

// inaudibleText stands in for segments that never got a transcript.
const inaudibleText = "(inaudible)"

type line struct {
	at          time.Time
	speaker     string
	text        string
	interrupted bool
}

// Build produces the transcript for a finished session. Segments and
// responses may arrive in any order; lines are interleaved chronologically.
// The caller stamps CreatedAt.
func Build(sess types.InteractionSession, segments []*types.VoiceSegment, responses []*types.AIResponse) *types.InteractionTranscript {
	lines := make([]line, 0, len(segments)+len(responses))

	for _, seg := range segments {
		text := inaudibleText
		if seg.Transcript != nil && *seg.Transcript != "" {
			text = *seg.Transcript
		}
		lines = append(lines, line{
			at:      seg.StartedAt,
			speaker: childLabel,
			text:    text,
		})
	}

	turns := 0
	for _, resp := range responses {
		if resp.Trigger == types.TriggerChildSpeech {
			turns++
		}
		lines = append(lines, line{
			at:          resp.CreatedAt,
			speaker:     buddyLabel,
			text:        resp.Text,
			interrupted: resp.WasInterrupted,
		})
	}

	sort.SliceStable(lines, func(i, j int) bool {
		return lines[i].at.Before(lines[j].at)
	})

	var plain, rendered strings.Builder
	for i, l := range lines {
		if i > 0 {
			plain.WriteByte('\n')
			rendered.WriteByte('\n')
		}
		plain.WriteString(l.speaker)
		plain.WriteString(": ")
		plain.WriteString(l.text)

		rendered.WriteString(offsetStamp(sess.StartedAt, l.at))
		rendered.WriteByte(' ')
		rendered.WriteString(l.speaker)
		rendered.WriteString(": ")
		rendered.WriteString(l.text)
		if l.interrupted {
			rendered.WriteString(" (interrupted)")
		}
	}

	var durationMs int64
	if sess.EndedAt != nil && sess.EndedAt.After(sess.StartedAt) {
		durationMs = sess.EndedAt.Sub(sess.StartedAt).Milliseconds()
	}

	return &types.InteractionTranscript{
		ID:           types.NewID(),
		SessionID:    sess.ID,
		PlainText:    plain.String(),
		RenderedText: rendered.String(),
		TurnCount:    turns,
		DurationMs:   durationMs,
	}
}

// offsetStamp renders "[mm:ss]" relative to session start. Timestamps from
// before session start clamp to zero.
func offsetStamp(start, at time.Time) string {
	d := at.Sub(start)
	if d < 0 {
		d = 0
	}
	secs := int(d / time.Second)
	return fmt.Sprintf("[%02d:%02d]", secs/60, secs%60)
}
