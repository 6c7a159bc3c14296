// Package store records conversations and the compatibility history of each
// persona.
package store

import (
	"context"
	"crypto/rand"
	"fmt"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/apresai/pairsim/internal/evaluation"
)

// Status is the lifecycle state of a recorded conversation.
type Status string

const (
	StatusSubmitted  Status = "submitted"
	StatusChecking   Status = "checking"
	StatusConversing Status = "conversing"
	StatusArchiving  Status = "archiving"
	StatusComplete   Status = "complete"
	StatusFailed     Status = "failed"
)

// Conversation is the stored record of one conversation.
type Conversation struct {
	ID              string  `dynamodbav:"conversationId" json:"conversation_id"`
	PersonaA        string  `dynamodbav:"personaA" json:"persona_a"`
	PersonaB        string  `dynamodbav:"personaB" json:"persona_b"`
	Provider        string  `dynamodbav:"provider,omitempty" json:"provider,omitempty"`
	Model           string  `dynamodbav:"model,omitempty" json:"model,omitempty"`
	Owner           string  `dynamodbav:"owner,omitempty" json:"owner,omitempty"`
	Status          Status  `dynamodbav:"status" json:"status"`
	ProgressPercent float64 `dynamodbav:"progressPercent,omitempty" json:"progress_percent,omitempty"`
	StageMessage    string  `dynamodbav:"stageMessage,omitempty" json:"stage_message,omitempty"`
	ErrorMessage    string  `dynamodbav:"errorMessage,omitempty" json:"error,omitempty"`
	State           string  `dynamodbav:"state,omitempty" json:"state,omitempty"`
	Turns           int     `dynamodbav:"turns,omitempty" json:"turns,omitempty"`
	ScoreA          int     `dynamodbav:"scoreA,omitempty" json:"score_a,omitempty"`
	ScoreB          int     `dynamodbav:"scoreB,omitempty" json:"score_b,omitempty"`
	NotesA          string  `dynamodbav:"notesA,omitempty" json:"notes_a,omitempty"`
	NotesB          string  `dynamodbav:"notesB,omitempty" json:"notes_b,omitempty"`
	TranscriptKey   string  `dynamodbav:"transcriptKey,omitempty" json:"transcript_key,omitempty"`
	TranscriptURL   string  `dynamodbav:"transcriptUrl,omitempty" json:"transcript_url,omitempty"`
	CreatedAt       string  `dynamodbav:"createdAt" json:"created_at"`
	CompletedAt     string  `dynamodbav:"completedAt,omitempty" json:"completed_at,omitempty"`
}

// Compatibility is one persona's judgment of another after a conversation.
type Compatibility struct {
	PersonaID      string `dynamodbav:"personaId" json:"persona_id"`
	OtherID        string `dynamodbav:"otherId" json:"other_id"`
	ConversationID string `dynamodbav:"conversationId" json:"conversation_id"`
	Score          int    `dynamodbav:"score" json:"score"`
	Notes          string `dynamodbav:"notes,omitempty" json:"notes,omitempty"`
	CreatedAt      string `dynamodbav:"createdAt" json:"created_at"`
}

// Outcome is what a finished conversation reports back. A failed run
// carries whatever it produced before it stopped.
type Outcome struct {
	State         string
	Turns         int
	Evaluation    evaluation.Result
	TranscriptKey string
	TranscriptURL string
}

// judged reports whether the outcome has scores worth a compatibility row.
// A run that never delivered a turn has nothing to judge.
func (o Outcome) judged() bool {
	return o.Turns > 0
}

// Recorder persists conversations. Get returns nil, nil for an unknown id.
type Recorder interface {
	Create(ctx context.Context, c Conversation) error
	UpdateProgress(ctx context.Context, id string, status Status, percent float64, message string) error
	Complete(ctx context.Context, id string, out Outcome) error
	Fail(ctx context.Context, id, errMsg string, out Outcome) error
	Get(ctx context.Context, id string) (*Conversation, error)
	List(ctx context.Context, limit int, cursor string) ([]Conversation, string, error)
	Compatibilities(ctx context.Context, personaID string) ([]Compatibility, error)
}

// DefaultListLimit applies when List is called with a non-positive limit.
const DefaultListLimit = 20

// NewConversationID generates a ULID for a new conversation.
func NewConversationID() (string, error) {
	id, err := ulid.New(ulid.Timestamp(time.Now()), rand.Reader)
	if err != nil {
		return "", fmt.Errorf("generate ulid: %w", err)
	}
	return id.String(), nil
}

// compatibilities returns the two rows a finished conversation produces,
// one per persona.
func compatibilities(c Conversation, r evaluation.Result, at string) []Compatibility {
	return []Compatibility{
		{PersonaID: c.PersonaA, OtherID: c.PersonaB, ConversationID: c.ID, Score: r.A.Score, Notes: r.A.Notes, CreatedAt: at},
		{PersonaID: c.PersonaB, OtherID: c.PersonaA, ConversationID: c.ID, Score: r.B.Score, Notes: r.B.Notes, CreatedAt: at},
	}
}

func now() string {
	return time.Now().UTC().Format(time.RFC3339)
}
