// Package evaluation keeps an annotated log of a conversation and scores the
// compatibility of the two personas once it ends.
package evaluation

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"

	"github.com/apresai/pairsim/internal/conversation"
	"github.com/apresai/pairsim/internal/gateway"
	"github.com/apresai/pairsim/internal/profile"
	"github.com/apresai/pairsim/internal/sentiment"
)

// Score bounds.
const (
	MinScore = 0
	MaxScore = 10
)

// Entry is one line of the evaluator's running log.
type Entry struct {
	PersonaID string          `json:"persona_id"`
	Text      string          `json:"text,omitempty"`
	Sentiment sentiment.Label `json:"sentiment,omitempty"`
	ImageMeta string          `json:"image_meta,omitempty"`
	Stopped   bool            `json:"stopped,omitempty"`
}

func (e Entry) String() string {
	if e.Stopped {
		return fmt.Sprintf("%s has stopped the conversation.", e.PersonaID)
	}
	s := fmt.Sprintf("%s (sentiment: %s): %s", e.PersonaID, e.Sentiment, e.Text)
	if e.ImageMeta != "" {
		s += fmt.Sprintf(" [sent image: %s]", e.ImageMeta)
	}
	return s
}

// Judgment is one persona's verdict on the conversation.
type Judgment struct {
	PersonaID string `json:"persona_id"`
	Score     int    `json:"score"`
	Notes     string `json:"notes"`
}

// Result holds both personas' judgments.
type Result struct {
	A Judgment `json:"a"`
	B Judgment `json:"b"`
}

// Evaluator accumulates the annotated log. It is private to one conversation.
type Evaluator struct {
	gateway gateway.Gateway
	a, b    profile.Profile

	mu      sync.Mutex
	entries []Entry
}

// New creates an Evaluator for a conversation between a and b.
func New(gw gateway.Gateway, a, b profile.Profile) *Evaluator {
	return &Evaluator{gateway: gw, a: a, b: b}
}

// Log appends a delivered turn.
func (e *Evaluator) Log(personaID string, msg conversation.Message, label sentiment.Label, imageMeta string) {
	e.append(Entry{
		PersonaID: personaID,
		Text:      msg.Text,
		Sentiment: label,
		ImageMeta: imageMeta,
	})
}

// LogStopped appends the marker recording that personaID ended the conversation.
func (e *Evaluator) LogStopped(personaID string) {
	e.append(Entry{PersonaID: personaID, Stopped: true})
}

func (e *Evaluator) append(entry Entry) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.entries = append(e.entries, entry)
}

// Entries returns a copy of the log.
func (e *Evaluator) Entries() []Entry {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]Entry(nil), e.entries...)
}

// Evaluate asks the model for each persona's judgment. Both calls are always
// attempted; failures are joined and returned with the partial result.
func (e *Evaluator) Evaluate(ctx context.Context) (Result, error) {
	log := e.render()

	a, errA := e.judge(ctx, e.a, e.b, log)
	b, errB := e.judge(ctx, e.b, e.a, log)
	return Result{A: a, B: b}, errors.Join(errA, errB)
}

func (e *Evaluator) judge(ctx context.Context, self, other profile.Profile, log string) (Judgment, error) {
	j := Judgment{PersonaID: self.ID}

	var sb strings.Builder
	fmt.Fprintf(&sb, "You are %s. Based on your profile and the conversation below, rate how compatible you are with %s.\n", self.ID, other.ID)
	sb.WriteString("Respond with exactly two lines and nothing else:\n")
	sb.WriteString("Score: <integer from 0 to 10>\n")
	sb.WriteString("Notes: <one line explaining the score>\n")
	fmt.Fprintf(&sb, "\n[YOUR PROFILE]\n%s\n", strings.TrimSpace(self.Description))
	fmt.Fprintf(&sb, "\n[THEIR PROFILE]\n%s\n", strings.TrimSpace(other.Description))
	fmt.Fprintf(&sb, "\n[CONVERSATION]\n%s", log)

	reply, err := e.gateway.Submit(ctx, gateway.Text(sb.String()))
	if err != nil {
		return j, fmt.Errorf("evaluate %s: %w", self.ID, err)
	}
	j.Score, j.Notes = ParseJudgment(reply)
	return j, nil
}

func (e *Evaluator) render() string {
	var sb strings.Builder
	for _, entry := range e.Entries() {
		sb.WriteString(entry.String())
		sb.WriteByte('\n')
	}
	return sb.String()
}

// ParseJudgment reads the Score: and Notes: lines of an evaluation reply.
// A missing or non-integer score is 0 and missing notes are empty; scores
// are clamped to MinScore..MaxScore.
func ParseJudgment(reply string) (int, string) {
	var (
		score                int
		notes                string
		seenScore, seenNotes bool
	)
	for _, line := range strings.Split(reply, "\n") {
		line = strings.TrimSpace(line)
		switch {
		case !seenScore && strings.HasPrefix(line, "Score:"):
			seenScore = true
			if n, err := strconv.Atoi(strings.TrimSpace(strings.TrimPrefix(line, "Score:"))); err == nil {
				score = min(max(n, MinScore), MaxScore)
			}
		case !seenNotes && strings.HasPrefix(line, "Notes:"):
			seenNotes = true
			notes = strings.TrimSpace(strings.TrimPrefix(line, "Notes:"))
		}
	}
	return score, notes
}
