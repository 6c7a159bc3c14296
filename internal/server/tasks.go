package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/apresai/pairsim/internal/delivery"
	"github.com/apresai/pairsim/internal/observability"
	"github.com/apresai/pairsim/internal/orchestrator"
	"github.com/apresai/pairsim/internal/pipeline"
	"github.com/apresai/pairsim/internal/profile"
	"github.com/apresai/pairsim/internal/progress"
	"github.com/apresai/pairsim/internal/store"
)

// ErrBusy is returned when MaxTasks conversations are already running.
var ErrBusy = errors.New("max concurrent conversations reached")

// StartRequest holds parameters for a conversation task. Zero values take
// the server defaults.
type StartRequest struct {
	PersonaA       string
	PersonaB       string
	MaxTurns       int
	CheckEachTurn  bool
	SkipStartCheck bool
	Owner          string
}

// TaskOptions configures a TaskManager.
type TaskOptions struct {
	Recorder store.Recorder
	Archive  pipeline.Archiver
	Profiles *profile.Registry
	Gateways pipeline.Gateways
	Sink     delivery.Sink
	Defaults orchestrator.Config
	Provider string
	Model    string
	MaxTasks int
	Logger   *slog.Logger
}

// TaskManager runs conversations asynchronously, at most MaxTasks at a time.
type TaskManager struct {
	opts    TaskOptions
	log     *slog.Logger
	baseCtx context.Context // cancelled on SIGTERM for graceful shutdown
	run     func(ctx context.Context, opts pipeline.Options, deps pipeline.Deps) (*pipeline.Report, error)

	mu      sync.Mutex
	cancels map[string]context.CancelFunc
	running int
	wg      sync.WaitGroup
}

// NewTaskManager creates a task manager. baseCtx should be cancelled on
// SIGTERM so running conversations can record their failure.
func NewTaskManager(baseCtx context.Context, opts TaskOptions) *TaskManager {
	if opts.MaxTasks <= 0 {
		opts.MaxTasks = 5
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &TaskManager{
		opts:    opts,
		log:     opts.Logger,
		baseCtx: baseCtx,
		run:     pipeline.Run,
		cancels: make(map[string]context.CancelFunc),
	}
}

// StartTask records a new conversation and runs it in a goroutine.
// Returns the conversation ID immediately.
func (tm *TaskManager) StartTask(ctx context.Context, req StartRequest) (string, error) {
	a, err := tm.opts.Profiles.Get(req.PersonaA)
	if err != nil {
		return "", err
	}
	b, err := tm.opts.Profiles.Get(req.PersonaB)
	if err != nil {
		return "", err
	}
	if a.ID == b.ID {
		return "", fmt.Errorf("a persona cannot talk to itself (%s)", a.ID)
	}

	id, err := store.NewConversationID()
	if err != nil {
		return "", err
	}

	tm.mu.Lock()
	if tm.running >= tm.opts.MaxTasks {
		tm.mu.Unlock()
		return "", fmt.Errorf("%w (%d)", ErrBusy, tm.opts.MaxTasks)
	}
	tm.running++

	// The task outlives the request, so it derives from baseCtx and only
	// carries the request's trace.
	taskCtx := observability.DetachTraceContextFrom(ctx, tm.baseCtx)
	taskCtx, cancel := context.WithCancel(taskCtx)
	tm.cancels[id] = cancel
	tm.mu.Unlock()

	record := store.Conversation{
		ID:       id,
		PersonaA: a.ID,
		PersonaB: b.ID,
		Provider: tm.opts.Provider,
		Model:    tm.opts.Model,
		Owner:    req.Owner,
	}
	if err := tm.opts.Recorder.Create(ctx, record); err != nil {
		tm.finish(id)
		return "", fmt.Errorf("create conversation: %w", err)
	}

	tm.wg.Add(1)
	go tm.runConversation(taskCtx, id, a, b, req)
	return id, nil
}

// CancelTask cancels a running conversation. It reports whether one was found.
func (tm *TaskManager) CancelTask(id string) bool {
	tm.mu.Lock()
	defer tm.mu.Unlock()
	cancel, ok := tm.cancels[id]
	if ok {
		cancel()
	}
	return ok
}

// Running returns the number of conversations in flight.
func (tm *TaskManager) Running() int {
	tm.mu.Lock()
	defer tm.mu.Unlock()
	return tm.running
}

// Wait blocks until every running conversation has finished or ctx is done.
func (tm *TaskManager) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		tm.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (tm *TaskManager) finish(id string) {
	tm.mu.Lock()
	defer tm.mu.Unlock()
	if cancel, ok := tm.cancels[id]; ok {
		cancel()
		delete(tm.cancels, id)
		tm.running--
	}
}

func (tm *TaskManager) runConversation(ctx context.Context, id string, a, b profile.Profile, req StartRequest) {
	defer tm.wg.Done()
	defer tm.finish(id)

	ctx, span := tracer.Start(ctx, "conversation.run",
		trace.WithAttributes(
			attribute.String("conversation_id", id),
			attribute.String("persona_a", a.ID),
			attribute.String("persona_b", b.ID),
		),
	)
	defer span.End()

	log := tm.log.With("conversation_id", id)

	// Throttle store writes: at most one per 2 seconds except on stage transitions.
	var lastWrite time.Time
	var lastStage progress.Stage
	onProgress := func(evt progress.Event) {
		// Complete and Fail write the final status.
		if evt.Stage == progress.StageComplete || evt.Error != nil {
			return
		}
		now := time.Now()
		stageChanged := evt.Stage != lastStage
		if !stageChanged && now.Sub(lastWrite) < 2*time.Second {
			return
		}
		if stageChanged {
			span.AddEvent("stage_transition", trace.WithAttributes(
				attribute.String("stage", string(evt.Stage)),
				attribute.Float64("percent", evt.Percent),
			))
		}
		if err := tm.opts.Recorder.UpdateProgress(ctx, id, mapStage(evt.Stage), evt.Percent, evt.Message); err != nil {
			log.WarnContext(ctx, "Update progress failed", "error", err)
		}
		lastWrite = now
		lastStage = evt.Stage
	}

	cfg := tm.opts.Defaults
	if req.MaxTurns > 0 {
		cfg.MaxTurns = req.MaxTurns
	}
	cfg.CheckEachTurn = cfg.CheckEachTurn || req.CheckEachTurn

	log.InfoContext(ctx, "Conversation starting", "persona_a", a.ID, "persona_b", b.ID, "max_turns", cfg.MaxTurns)
	report, err := tm.run(ctx, pipeline.Options{
		ConversationID: id,
		A:              a,
		B:              b,
		Conversation:   cfg,
		SkipStartCheck: req.SkipStartCheck,
		OnProgress:     onProgress,
	}, pipeline.Deps{
		Gateways: tm.opts.Gateways,
		Sink:     tm.opts.Sink,
		Archive:  tm.opts.Archive,
		Logger:   log,
	})

	// Store writes must still land when the task itself was cancelled.
	writeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()

	var out store.Outcome
	if report != nil {
		out = store.Outcome{
			State:         string(report.Result.State),
			Turns:         report.Result.Turns,
			Evaluation:    report.Result.Evaluation,
			TranscriptKey: report.TranscriptKey,
			TranscriptURL: report.TranscriptURL,
		}
	}

	if err != nil {
		msg := err.Error()
		if tm.baseCtx.Err() != nil {
			msg = "server shutdown during processing"
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, "conversation failed")
		log.ErrorContext(ctx, "Conversation failed", "error", err, "state", out.State, "turns", out.Turns)
		if ferr := tm.opts.Recorder.Fail(writeCtx, id, msg, out); ferr != nil {
			log.ErrorContext(ctx, "Fail conversation failed", "error", ferr)
		}
		return
	}

	res := report.Result
	if err := tm.opts.Recorder.Complete(writeCtx, id, out); err != nil {
		log.ErrorContext(ctx, "Complete conversation failed", "error", err)
	}

	span.SetAttributes(
		attribute.String("state", string(res.State)),
		attribute.Int("turns", res.Turns),
		attribute.String("transcript_url", report.TranscriptURL),
	)
	span.SetStatus(codes.Ok, "complete")
	log.InfoContext(ctx, "Conversation complete", "state", res.State, "turns", res.Turns,
		"score_a", res.Evaluation.A.Score, "score_b", res.Evaluation.B.Score)
}

// mapStage maps a pipeline progress stage to a stored status.
func mapStage(stage progress.Stage) store.Status {
	switch stage {
	case progress.StageLoad, progress.StageSafety:
		return store.StatusChecking
	case progress.StageConverse:
		return store.StatusConversing
	case progress.StageArchive:
		return store.StatusArchiving
	case progress.StageComplete:
		return store.StatusComplete
	default:
		return store.StatusSubmitted
	}
}
