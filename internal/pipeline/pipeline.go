// Package pipeline runs a conversation end to end: profile checks, the start
// gate, the turn loop, and transcript output.
package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/apresai/pairsim/internal/conversation"
	"github.com/apresai/pairsim/internal/delivery"
	"github.com/apresai/pairsim/internal/evaluation"
	"github.com/apresai/pairsim/internal/orchestrator"
	"github.com/apresai/pairsim/internal/persona"
	"github.com/apresai/pairsim/internal/profile"
	"github.com/apresai/pairsim/internal/progress"
	"github.com/apresai/pairsim/internal/safety"
	"github.com/apresai/pairsim/internal/sentiment"
)

// ErrRejected is returned when the safety gate refuses a pairing.
var ErrRejected = errors.New("pairing rejected by safety gate")

const archiveTimeout = 30 * time.Second

type Options struct {
	ConversationID string
	A, B           profile.Profile
	Conversation   orchestrator.Config
	SkipStartCheck bool
	// Output, when set, is the path the transcript JSON is written to.
	Output     string
	OnProgress progress.Callback
	OnTurn     func(orchestrator.TurnRecord)
}

// Archiver uploads a finished transcript.
type Archiver interface {
	Upload(ctx context.Context, conversationID string, transcript []byte) (key, url string, err error)
}

type Deps struct {
	Gateways Gateways
	Sink     delivery.Sink
	Archive  Archiver
	// Logger is used as given; the caller tags it with the conversation ID.
	Logger *slog.Logger
}

type PipelineError struct {
	Stage   string
	Message string
	Err     error
}

func (e *PipelineError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Stage, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Stage, e.Message)
}

func (e *PipelineError) Unwrap() error {
	return e.Err
}

// Transcript is the archived record of a conversation.
type Transcript struct {
	ConversationID string                    `json:"conversation_id"`
	PersonaA       string                    `json:"persona_a"`
	PersonaB       string                    `json:"persona_b"`
	State          orchestrator.State        `json:"state"`
	Turns          int                       `json:"turns"`
	StoppedBy      string                    `json:"stopped_by,omitempty"`
	Messages       []conversation.Message    `json:"messages"`
	Records        []orchestrator.TurnRecord `json:"records"`
	Log            []evaluation.Entry        `json:"log"`
	Evaluation     evaluation.Result         `json:"evaluation"`
	Error          string                    `json:"error,omitempty"`
	StartedAt      time.Time                 `json:"started_at"`
	FinishedAt     time.Time                 `json:"finished_at"`
}

// Report is what Run hands back, complete or partial.
type Report struct {
	Result        orchestrator.Result
	Transcript    Transcript
	TranscriptKey string
	TranscriptURL string
	OutputFile    string
}

// Check runs only the start gate for a and b.
func Check(ctx context.Context, a, b profile.Profile, gw Gateways) (bool, error) {
	if err := validatePair(a, b); err != nil {
		return false, &PipelineError{Stage: "load", Message: "invalid profiles", Err: err}
	}
	ok, err := safety.New(gw.Safety).MayStart(ctx, a, b)
	if err != nil {
		return false, &PipelineError{Stage: "safety", Message: "start check failed", Err: err}
	}
	return ok, nil
}

// Run executes one conversation. On failure the returned report holds
// whatever the run produced before it stopped.
func Run(ctx context.Context, opts Options, deps Deps) (*Report, error) {
	start := time.Now()
	emit := opts.OnProgress
	if emit == nil {
		emit = progress.NopCallback
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if err := deps.Gateways.validate(); err != nil {
		return nil, &PipelineError{Stage: "load", Message: "incomplete model gateways", Err: err}
	}

	// Stage 1: Load
	emit(progress.NewEvent(progress.StageLoad, "Checking profiles...", 0, start))
	if err := validatePair(opts.A, opts.B); err != nil {
		return nil, fail(emit, start, &PipelineError{Stage: "load", Message: "invalid profiles", Err: err})
	}

	report := &Report{}
	report.Result.ConversationID = opts.ConversationID

	// Stage 2: Start gate
	if !opts.SkipStartCheck {
		emit(progress.NewEvent(progress.StageSafety, "Checking the pairing...", 0.05, start))
		ok, err := safety.New(deps.Gateways.Safety).MayStart(ctx, opts.A, opts.B)
		if err != nil {
			return report, fail(emit, start, &PipelineError{Stage: "safety", Message: "start check failed", Err: err})
		}
		if !ok {
			report.Result.State = orchestrator.StateRejected
			logger.WarnContext(ctx, "Pairing rejected", "persona_a", opts.A.ID, "persona_b", opts.B.ID)
			return report, fail(emit, start, &PipelineError{Stage: "safety", Message: "conversation not started", Err: ErrRejected})
		}
	}

	// Stage 3: Converse
	a := persona.New(opts.A, deps.Gateways.Persona)
	b := persona.New(opts.B, deps.Gateways.Persona)
	judge := evaluation.New(deps.Gateways.Evaluator, opts.A, opts.B)

	cfg := opts.Conversation
	cfg.ConversationID = opts.ConversationID
	total := cfg.MaxTurns
	if total <= 0 {
		total = orchestrator.DefaultMaxTurns
	}
	emit(turnEvent(opts.B.DisplayName()+" is typing...", 0, total, start))

	o, err := orchestrator.New(cfg, orchestrator.Deps{
		A:      a,
		B:      b,
		Tagger: sentiment.New(deps.Gateways.Sentiment),
		Judge:  judge,
		Gate:   safety.New(deps.Gateways.Safety),
		Sink:   deps.Sink,
		Logger: logger,
		OnTurn: func(rec orchestrator.TurnRecord) {
			next := opts.A.DisplayName()
			if rec.SpeakerID == opts.A.ID {
				next = opts.B.DisplayName()
			}
			msg := next + " is typing..."
			if rec.IsLast {
				msg = "Evaluating..."
			}
			emit(turnEvent(msg, rec.Turn, total, start))
			if opts.OnTurn != nil {
				opts.OnTurn(rec)
			}
		},
	})
	if err != nil {
		return report, fail(emit, start, &PipelineError{Stage: "converse", Message: "invalid conversation settings", Err: err})
	}

	res, runErr := o.Run(ctx)
	report.Result = res
	report.Transcript = Transcript{
		ConversationID: opts.ConversationID,
		PersonaA:       opts.A.ID,
		PersonaB:       opts.B.ID,
		State:          res.State,
		Turns:          res.Turns,
		StoppedBy:      res.StoppedBy,
		Messages:       a.Transcript(),
		Records:        res.Records,
		Log:            judge.Entries(),
		Evaluation:     res.Evaluation,
		StartedAt:      res.StartedAt,
		FinishedAt:     res.FinishedAt,
	}
	if runErr != nil {
		report.Transcript.Error = runErr.Error()
	}

	// Stage 4: Archive. A failed run still keeps its partial transcript.
	if opts.Output != "" || deps.Archive != nil {
		emit(progress.NewEvent(progress.StageArchive, "Saving transcript...", 0.95, start))
		// A cancelled run still saves what it has.
		archiveCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), archiveTimeout)
		err := archive(archiveCtx, opts, deps, report)
		cancel()
		if err != nil {
			return report, fail(emit, start, &PipelineError{Stage: "archive", Message: "failed to save transcript", Err: errors.Join(err, runErr)})
		}
	}

	if runErr != nil {
		stage, msg := "evaluate", "evaluation incomplete"
		if res.State == orchestrator.StateAborted {
			stage, msg = "converse", "conversation aborted"
		}
		return report, fail(emit, start, &PipelineError{Stage: stage, Message: msg, Err: runErr})
	}

	done := progress.NewEvent(progress.StageComplete, "Conversation complete", 1, start)
	done.State = string(res.State)
	done.Turn = res.Turns
	done.TurnTotal = total
	done.ScoreA = res.Evaluation.A.Score
	done.ScoreB = res.Evaluation.B.Score
	done.OutputFile = report.OutputFile
	emit(done)
	return report, nil
}

func archive(ctx context.Context, opts Options, deps Deps, report *Report) error {
	data, err := json.MarshalIndent(report.Transcript, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal transcript: %w", err)
	}
	if opts.Output != "" {
		if err := os.WriteFile(opts.Output, data, 0o644); err != nil {
			return fmt.Errorf("write transcript: %w", err)
		}
		report.OutputFile = opts.Output
	}
	if deps.Archive != nil {
		key, url, err := deps.Archive.Upload(ctx, opts.ConversationID, data)
		if err != nil {
			return err
		}
		report.TranscriptKey, report.TranscriptURL = key, url
	}
	return nil
}

func validatePair(a, b profile.Profile) error {
	if err := a.Validate(); err != nil {
		return fmt.Errorf("persona A: %w", err)
	}
	if err := b.Validate(); err != nil {
		return fmt.Errorf("persona B: %w", err)
	}
	if a.ID == b.ID {
		return fmt.Errorf("personas must differ, both are %q", a.ID)
	}
	return nil
}

func turnEvent(msg string, turn, total int, start time.Time) progress.Event {
	e := progress.NewEvent(progress.StageConverse, msg, progress.TurnPercent(turn, total), start)
	e.Turn = turn
	e.TurnTotal = total
	return e
}

func fail(emit progress.Callback, start time.Time, err *PipelineError) error {
	e := progress.NewEvent(progress.Stage(err.Stage), err.Message, 0, start)
	e.Error = err
	emit(e)
	return err
}
