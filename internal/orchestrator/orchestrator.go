// Package orchestrator runs the turn loop between two personas.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/apresai/pairsim/internal/conversation"
	"github.com/apresai/pairsim/internal/delivery"
	"github.com/apresai/pairsim/internal/evaluation"
	"github.com/apresai/pairsim/internal/persona"
	"github.com/apresai/pairsim/internal/profile"
	"github.com/apresai/pairsim/internal/sentiment"
)

var tracer = otel.Tracer("pairsim-orchestrator")

// State is a position in the turn loop.
type State string

const (
	StateSeeded    State = "seeded"
	StateAActive   State = "a_active"
	StateBActive   State = "b_active"
	StateStopped   State = "stopped"
	StateExhausted State = "exhausted"
	StateAborted   State = "aborted"
	StateRejected  State = "rejected"
)

// Terminal reports whether s ends a run.
func (s State) Terminal() bool {
	switch s {
	case StateStopped, StateExhausted, StateAborted, StateRejected:
		return true
	}
	return false
}

// Defaults for Config.
const (
	DefaultMaxTurns  = 10
	DefaultTurnDelay = 2 * time.Second
	DefaultOpening   = "Hello there! Let's have a chat. Introduce yourselves and don't make up anything your profile doesn't say. You can say '[STOP]' if you want to end."
)

// Config controls one run.
type Config struct {
	ConversationID string
	// MaxTurns bounds the number of messages, not rounds.
	MaxTurns  int
	TurnDelay time.Duration
	// Opening is the synthetic first message from A. It is not a turn.
	Opening string
	// CheckEachTurn asks the safety gate before every turn is logged.
	CheckEachTurn bool
}

// EvaluateTimeout bounds the closing evaluation, which outlives a cancelled
// run.
const EvaluateTimeout = 2 * time.Minute

// Tagger labels a message from one persona's point of view.
type Tagger interface {
	Tag(ctx context.Context, perspective profile.Profile, text string) (sentiment.Label, error)
}

// Judge keeps the annotated log and scores the conversation at the end.
type Judge interface {
	Log(personaID string, msg conversation.Message, label sentiment.Label, imageMeta string)
	LogStopped(personaID string)
	Evaluate(ctx context.Context) (evaluation.Result, error)
}

// Gate vetoes continuation.
type Gate interface {
	MayContinue(ctx context.Context, transcript []conversation.Message, next conversation.Message) (bool, error)
}

// Deps are the collaborators of one run. Each run needs its own personas
// and judge.
type Deps struct {
	A, B   *persona.Persona
	Tagger Tagger
	Judge  Judge
	Gate   Gate
	Sink   delivery.Sink
	Logger *slog.Logger
	// OnTurn, when set, is called after each turn has been delivered.
	OnTurn func(TurnRecord)
}

// TurnRecord describes one delivered turn.
type TurnRecord struct {
	Turn      int             `json:"turn"`
	SpeakerID string          `json:"speaker_id"`
	Text      string          `json:"text"`
	ImageRef  string          `json:"image_ref,omitempty"`
	ImageMeta string          `json:"image_meta,omitempty"`
	Sentiment sentiment.Label `json:"sentiment"`
	IsLast    bool            `json:"is_last"`
}

// Result is the outcome of a run. Err is the fatal error that aborted the
// loop joined with any evaluation error.
type Result struct {
	ConversationID string            `json:"conversation_id"`
	State          State             `json:"state"`
	Turns          int               `json:"turns"`
	StoppedBy      string            `json:"stopped_by,omitempty"`
	Records        []TurnRecord      `json:"records"`
	Evaluation     evaluation.Result `json:"evaluation"`
	StartedAt      time.Time         `json:"started_at"`
	FinishedAt     time.Time         `json:"finished_at"`
	Err            error             `json:"-"`
}

// Orchestrator drives one conversation.
type Orchestrator struct {
	cfg   Config
	deps  Deps
	log   *slog.Logger
	sleep func(ctx context.Context, d time.Duration) error
}

// New validates cfg and deps and fills in defaults.
func New(cfg Config, deps Deps) (*Orchestrator, error) {
	if deps.A == nil || deps.B == nil {
		return nil, fmt.Errorf("both personas are required")
	}
	if deps.A.ID() == deps.B.ID() {
		return nil, fmt.Errorf("personas must differ, both are %q", deps.A.ID())
	}
	if deps.Tagger == nil || deps.Judge == nil {
		return nil, fmt.Errorf("sentiment tagger and judge are required")
	}
	if cfg.CheckEachTurn && deps.Gate == nil {
		return nil, fmt.Errorf("per-turn safety checks need a gate")
	}
	if cfg.MaxTurns < 0 {
		return nil, fmt.Errorf("max turns must be positive, got %d", cfg.MaxTurns)
	}
	if cfg.MaxTurns == 0 {
		cfg.MaxTurns = DefaultMaxTurns
	}
	if cfg.TurnDelay < 0 {
		return nil, fmt.Errorf("turn delay must not be negative, got %s", cfg.TurnDelay)
	}
	if cfg.Opening == "" {
		cfg.Opening = DefaultOpening
	}
	if deps.Sink == nil {
		deps.Sink = delivery.Multi{}
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{
		cfg:   cfg,
		deps:  deps,
		log:   logger,
		sleep: sleepContext,
	}, nil
}

// Run seeds the conversation, alternates turns B, A, B, ... until a stop
// signal, the turn budget, a safety veto or a fatal error, and then always
// evaluates once.
func (o *Orchestrator) Run(ctx context.Context) (Result, error) {
	ctx, span := tracer.Start(ctx, "orchestrator.Run",
		trace.WithAttributes(
			attribute.String("conversation_id", o.cfg.ConversationID),
			attribute.String("persona_a", o.deps.A.ID()),
			attribute.String("persona_b", o.deps.B.ID()),
			attribute.Int("max_turns", o.cfg.MaxTurns),
		),
	)
	defer span.End()

	res := Result{
		ConversationID: o.cfg.ConversationID,
		State:          StateSeeded,
		StartedAt:      time.Now(),
	}

	fatal := o.loop(ctx, &res)
	if fatal != nil {
		res.State = StateAborted
		o.log.ErrorContext(ctx, "Conversation aborted", "turns", res.Turns, "error", fatal)
	}

	evalCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), EvaluateTimeout)
	eval, evalErr := o.deps.Judge.Evaluate(evalCtx)
	cancel()
	res.Evaluation = eval
	if evalErr != nil {
		o.log.WarnContext(ctx, "Evaluation incomplete", "error", evalErr)
	}
	res.Err = errors.Join(fatal, evalErr)
	res.FinishedAt = time.Now()

	span.SetAttributes(
		attribute.String("state", string(res.State)),
		attribute.Int("turns", res.Turns),
		attribute.Int("score_a", eval.A.Score),
		attribute.Int("score_b", eval.B.Score),
	)
	if res.Err != nil {
		span.RecordError(res.Err)
		span.SetStatus(codes.Error, res.Err.Error())
	}
	o.log.InfoContext(ctx, "Conversation finished",
		"state", res.State,
		"turns", res.Turns,
		"score_a", eval.A.Score,
		"score_b", eval.B.Score,
	)
	return res, res.Err
}

func (o *Orchestrator) loop(ctx context.Context, res *Result) error {
	a, b := o.deps.A, o.deps.B

	opening, err := conversation.NewMessage(a.ID(), b.ID(), o.cfg.Opening, nil)
	if err != nil {
		return fmt.Errorf("seed conversation: %w", err)
	}
	if err := a.TalkTo(b, opening); err != nil {
		return fmt.Errorf("seed conversation: %w", err)
	}

	speaker, listener := b, a
	prevEmpty := false
	for turn := 1; turn <= o.cfg.MaxTurns; turn++ {
		if speaker == a {
			res.State = StateAActive
		} else {
			res.State = StateBActive
		}

		rec, done, err := o.step(ctx, turn, speaker, listener, prevEmpty)
		if err != nil {
			return fmt.Errorf("turn %d (%s): %w", turn, speaker.ID(), err)
		}
		if rec == nil {
			res.State = StateRejected
			o.log.WarnContext(ctx, "Safety gate ended the conversation", "turn", turn, "speaker", speaker.ID())
			return nil
		}
		res.Turns = turn
		res.Records = append(res.Records, *rec)
		if done {
			res.State = StateStopped
			res.StoppedBy = speaker.ID()
			return nil
		}
		prevEmpty = rec.Text == "" && rec.ImageRef == ""

		if turn < o.cfg.MaxTurns {
			if err := o.sleep(ctx, o.cfg.TurnDelay); err != nil {
				return err
			}
		}
		speaker, listener = listener, speaker
	}
	res.State = StateExhausted
	return nil
}

// step runs one turn. It returns a nil record when the safety gate vetoes
// the turn, and done when the turn ends the conversation.
func (o *Orchestrator) step(ctx context.Context, turn int, speaker, listener *persona.Persona, prevEmpty bool) (*TurnRecord, bool, error) {
	ctx, span := tracer.Start(ctx, "orchestrator.turn",
		trace.WithAttributes(
			attribute.Int("turn", turn),
			attribute.String("speaker", speaker.ID()),
		),
	)
	defer span.End()

	msg, err := speaker.GenerateTurn(ctx)
	if err != nil {
		span.RecordError(err)
		return nil, false, err
	}

	text := msg.Text
	stop := msg.Stop
	if stop {
		text = conversation.StripStop(text)
	}
	empty := text == "" && msg.Image == nil
	// Two empty turns in a row mean neither side has anything left to say.
	if empty && prevEmpty {
		stop = true
	}

	label, err := o.deps.Tagger.Tag(ctx, listener.Profile(), text)
	if err != nil {
		span.RecordError(err)
		return nil, false, err
	}

	if o.cfg.CheckEachTurn {
		ok, err := o.deps.Gate.MayContinue(ctx, speaker.Transcript(), msg)
		if err != nil {
			span.RecordError(err)
			return nil, false, err
		}
		if !ok {
			return nil, false, nil
		}
	}

	rec := &TurnRecord{
		Turn:      turn,
		SpeakerID: speaker.ID(),
		Text:      text,
		Sentiment: label,
		IsLast:    stop,
	}
	if msg.Image != nil {
		rec.ImageRef = msg.Image.Ref
		rec.ImageMeta = msg.Image.Meta
	}

	logged := msg
	logged.Text = text
	o.deps.Judge.Log(speaker.ID(), logged, label, rec.ImageMeta)
	o.deliver(ctx, *rec, msg.Image)
	if stop {
		o.deps.Judge.LogStopped(speaker.ID())
	} else if err := speaker.TalkTo(listener, msg); err != nil {
		return nil, false, err
	}

	o.log.InfoContext(ctx, "Turn complete",
		"turn", turn,
		"speaker", speaker.ID(),
		"sentiment", label,
		"image", rec.ImageRef,
		"stop", stop,
	)
	span.SetAttributes(attribute.String("sentiment", string(label)), attribute.Bool("stop", stop))
	if o.deps.OnTurn != nil {
		o.deps.OnTurn(*rec)
	}
	return rec, stop, nil
}

func (o *Orchestrator) deliver(ctx context.Context, rec TurnRecord, image *conversation.Attachment) {
	n := delivery.Notification{
		ConversationID: o.cfg.ConversationID,
		Turn:           rec.Turn,
		SpeakerID:      rec.SpeakerID,
		Text:           rec.Text,
		ImageB64:       image.Base64(),
		Sentiment:      string(rec.Sentiment),
		IsLast:         rec.IsLast,
	}
	if err := o.deps.Sink.Deliver(ctx, n); err != nil {
		o.log.WarnContext(ctx, "Turn delivery failed", "turn", rec.Turn, "error", err)
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
