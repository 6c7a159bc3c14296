package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
	"github.com/spf13/cobra"

	"github.com/apresai/pairsim/internal/config"
	"github.com/apresai/pairsim/internal/delivery"
	"github.com/apresai/pairsim/internal/observability"
	"github.com/apresai/pairsim/internal/orchestrator"
	"github.com/apresai/pairsim/internal/pipeline"
	"github.com/apresai/pairsim/internal/profile"
	"github.com/apresai/pairsim/internal/progress"
	"github.com/apresai/pairsim/internal/store"
)

// session holds what both commands need once flags are resolved.
type session struct {
	cfg    config.Config
	a, b   profile.Profile
	models *pipeline.Models
	log    *slog.Logger
}

func newSession(cmd *cobra.Command) (*session, error) {
	if err := requireProfiles(); err != nil {
		return nil, err
	}
	cfg, err := loadConfig(cmd)
	if err != nil {
		return nil, err
	}

	level, err := observability.ParseLevel(cfg.LogLevel)
	if err != nil {
		return nil, err
	}
	// Logs would tear the progress bar and the live view, so only verbose
	// runs show them.
	var logOut io.Writer = io.Discard
	if flagVerbose {
		logOut = os.Stderr
	}
	logger := observability.NewLogger(logOut, level)
	slog.SetDefault(logger)

	ctx := cmd.Context()
	var awsCfg *aws.Config
	if cfg.Provider == "nova" || cfg.SecretPrefix != "" {
		c, err := config.LoadAWS(ctx, cfg.AWSRegion)
		if err != nil {
			return nil, err
		}
		awsCfg = &c
		cfg.LoadSecrets(ctx, secretsmanager.NewFromConfig(c), logger)
	}

	a, err := profile.Load(ctx, flagProfileA)
	if err != nil {
		return nil, err
	}
	b, err := profile.Load(ctx, flagProfileB)
	if err != nil {
		return nil, err
	}

	models, err := pipeline.NewModels(ctx, cfg, awsCfg, logger)
	if err != nil {
		return nil, err
	}
	return &session{cfg: cfg, a: a, b: b, models: models, log: logger}, nil
}

func runCheck(cmd *cobra.Command, args []string) error {
	s, err := newSession(cmd)
	if err != nil {
		return err
	}
	ok, err := pipeline.Check(cmd.Context(), s.a, s.b, s.models.Gateways())
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	if !ok {
		fmt.Fprintf(out, "%s and %s may not talk.\n", s.a.DisplayName(), s.b.DisplayName())
		return pipeline.ErrRejected
	}
	fmt.Fprintf(out, "%s and %s may talk.\n", s.a.DisplayName(), s.b.DisplayName())
	return nil
}

func runConverse(cmd *cobra.Command, args []string) error {
	s, err := newSession(cmd)
	if err != nil {
		return err
	}
	id, err := store.NewConversationID()
	if err != nil {
		return err
	}

	sinks := delivery.Multi{}
	if flagVerbose {
		sinks = append(sinks, delivery.LogSink{Logger: s.log})
	}
	if s.cfg.NATS.URL != "" {
		ns, err := delivery.NewNATSSink(s.cfg.NATS.URL, s.cfg.NATS.SubjectPrefix)
		if err != nil {
			return err
		}
		defer ns.Close()
		sinks = append(sinks, ns)
	}

	opts := pipeline.Options{
		ConversationID: id,
		A:              s.a,
		B:              s.b,
		Conversation: orchestrator.Config{
			ConversationID: id,
			MaxTurns:       s.cfg.Conversation.MaxTurns,
			TurnDelay:      s.cfg.Conversation.TurnDelay,
			Opening:        s.cfg.Conversation.Opening,
			CheckEachTurn:  s.cfg.Conversation.CheckEachTurn,
		},
		SkipStartCheck: flagSkipCheck,
		Output:         flagOutput,
	}
	deps := pipeline.Deps{
		Gateways: s.models.Gateways(),
		Sink:     sinks,
		Logger:   s.log.With("conversation_id", id),
	}

	var report *pipeline.Report
	switch {
	case flagTUI:
		report, err = runLive(cmd.Context(), opts, deps)
	case flagVerbose:
		report, err = pipeline.Run(cmd.Context(), opts, deps)
	default:
		r := progress.NewBarRenderer(os.Stdout)
		opts.OnProgress = r.Handle
		report, err = pipeline.Run(cmd.Context(), opts, deps)
		r.Finish()
	}

	if report != nil {
		printSummary(cmd.OutOrStdout(), s, report)
	}
	s.log.Info("Model usage", "cost_usd", s.models.Usage.TotalCost())
	if errors.Is(err, pipeline.ErrRejected) {
		return fmt.Errorf("%s and %s may not talk", s.a.DisplayName(), s.b.DisplayName())
	}
	return err
}

func printSummary(w io.Writer, s *session, report *pipeline.Report) {
	res := report.Result
	fmt.Fprintf(w, "\n  Conversation %s: %s after %d turns\n", res.ConversationID, res.State, res.Turns)
	if res.StoppedBy != "" {
		fmt.Fprintf(w, "  Stopped by:   %s\n", res.StoppedBy)
	}
	for _, j := range []struct {
		name  string
		score int
		notes string
	}{
		{s.a.DisplayName(), res.Evaluation.A.Score, res.Evaluation.A.Notes},
		{s.b.DisplayName(), res.Evaluation.B.Score, res.Evaluation.B.Notes},
	} {
		fmt.Fprintf(w, "  %-12s  %2d/10  %s\n", j.name, j.score, j.notes)
	}
	if report.OutputFile != "" {
		fmt.Fprintf(w, "  Transcript:   %s\n", report.OutputFile)
	}
}

// runLive runs the pipeline in the background and renders it in the
// terminal view. Quitting the view cancels the run.
func runLive(ctx context.Context, opts pipeline.Options, deps pipeline.Deps) (*pipeline.Report, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	m := newLiveModel(opts.A, opts.B, opts.Conversation.MaxTurns, cancel)
	p := newProgram(m)

	opts.OnTurn = func(r orchestrator.TurnRecord) { p.Send(turnMsg(r)) }
	opts.OnProgress = func(e progress.Event) { p.Send(progressMsg(e)) }

	type outcome struct {
		report *pipeline.Report
		err    error
	}
	done := make(chan outcome, 1)
	go func() {
		report, err := pipeline.Run(ctx, opts, deps)
		p.Send(doneMsg{report: report, err: err})
		done <- outcome{report, err}
	}()

	if _, err := p.Run(); err != nil {
		cancel()
		<-done
		return nil, fmt.Errorf("TUI error: %w", err)
	}
	out := <-done
	return out.report, out.err
}
