package orchestrator

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/apresai/pairsim/internal/conversation"
	"github.com/apresai/pairsim/internal/delivery"
	"github.com/apresai/pairsim/internal/evaluation"
	"github.com/apresai/pairsim/internal/gateway"
	"github.com/apresai/pairsim/internal/gateway/gatewaytest"
	"github.com/apresai/pairsim/internal/persona"
	"github.com/apresai/pairsim/internal/profile"
	"github.com/apresai/pairsim/internal/sentiment"
)

var pngBytes = []byte("\x89PNG\r\n\x1a\n\x00\x00")

type fakeTagger struct {
	mu    sync.Mutex
	seen  []string
	label sentiment.Label
}

func (f *fakeTagger) Tag(ctx context.Context, perspective profile.Profile, text string) (sentiment.Label, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.seen = append(f.seen, perspective.ID+":"+text)
	if f.label == "" {
		return sentiment.Neutral, nil
	}
	return f.label, nil
}

type fakeGate struct {
	// vetoOn is the 1-based check that answers no.
	vetoOn int
	calls  int
}

func (g *fakeGate) MayContinue(ctx context.Context, transcript []conversation.Message, next conversation.Message) (bool, error) {
	g.calls++
	return g.calls != g.vetoOn, nil
}

type harness struct {
	a, b      *persona.Persona
	aGW, bGW  *gatewaytest.Script
	evalGW    *gatewaytest.Script
	judge     *evaluation.Evaluator
	tagger    *fakeTagger
	collector *delivery.Collector
}

func newHarness(t *testing.T, aReplies, bReplies []string, aImages ...profile.Image) *harness {
	t.Helper()
	catalog, err := profile.NewCatalog(aImages...)
	require.NoError(t, err)
	pa := profile.Profile{ID: "alice", Description: "likes violins", Images: catalog}
	pb := profile.Profile{ID: "bob", Description: "likes hiking"}

	h := &harness{
		aGW:       gatewaytest.NewScript(aReplies...),
		bGW:       gatewaytest.NewScript(bReplies...),
		evalGW:    gatewaytest.NewScript("Score: 7\nNotes: good", "Score: 4\nNotes: meh"),
		tagger:    &fakeTagger{},
		collector: &delivery.Collector{},
	}
	h.a = persona.New(pa, h.aGW)
	h.b = persona.New(pb, h.bGW)
	h.judge = evaluation.New(h.evalGW, pa, pb)
	return h
}

func (h *harness) deps() Deps {
	return Deps{A: h.a, B: h.b, Tagger: h.tagger, Judge: h.judge, Sink: h.collector}
}

func run(t *testing.T, cfg Config, deps Deps) (Result, error) {
	t.Helper()
	o, err := New(cfg, deps)
	require.NoError(t, err)
	return o.Run(context.Background())
}

func stoppedMarkers(entries []evaluation.Entry) int {
	n := 0
	for _, e := range entries {
		if e.Stopped {
			n++
		}
	}
	return n
}

func TestRun_exhaustsBudget(t *testing.T) {
	h := newHarness(t,
		[]string{"TEXT: a1", "TEXT: a2"},
		[]string{"TEXT: b1", "TEXT: b2"},
	)

	res, err := run(t, Config{ConversationID: "c1", MaxTurns: 4, Opening: "hello"}, h.deps())
	require.NoError(t, err)

	assert.Equal(t, StateExhausted, res.State)
	assert.Equal(t, 4, res.Turns)
	assert.Len(t, h.aGW.Calls(), 2)
	assert.Len(t, h.bGW.Calls(), 2)

	delivered := h.collector.Notifications()
	require.Len(t, delivered, 4)
	speakers := make([]string, len(delivered))
	for i, n := range delivered {
		speakers[i] = n.SpeakerID
		assert.Equal(t, i+1, n.Turn)
		assert.Equal(t, "c1", n.ConversationID)
		assert.False(t, n.IsLast)
	}
	assert.Equal(t, []string{"bob", "alice", "bob", "alice"}, speakers)
	assert.Equal(t, "b1", delivered[0].Text)

	// The opening seeds both transcripts but is neither delivered nor logged.
	for _, p := range []*persona.Persona{h.a, h.b} {
		tr := p.Transcript()
		require.Len(t, tr, 5)
		assert.Equal(t, "alice", tr[0].From)
		assert.Equal(t, "hello", tr[0].Text)
	}
	assert.Len(t, h.judge.Entries(), 4)

	assert.Equal(t, 7, res.Evaluation.A.Score)
	assert.Equal(t, "meh", res.Evaluation.B.Notes)
	assert.Len(t, h.evalGW.Calls(), 2)
}

func TestRun_sentimentFromListener(t *testing.T) {
	h := newHarness(t, []string{"TEXT: a1"}, []string{"TEXT: b1"})
	_, err := run(t, Config{MaxTurns: 2}, h.deps())
	require.NoError(t, err)
	assert.Equal(t, []string{"alice:b1", "bob:a1"}, h.tagger.seen)
}

func TestRun_stop(t *testing.T) {
	// bob has a single reply: a third turn would fail the run.
	h := newHarness(t,
		[]string{"TEXT: gotta go, bye [STOP]"},
		[]string{"TEXT: hi"},
	)

	res, err := run(t, Config{MaxTurns: 10}, h.deps())
	require.NoError(t, err)

	assert.Equal(t, StateStopped, res.State)
	assert.Equal(t, "alice", res.StoppedBy)
	assert.Equal(t, 2, res.Turns)

	delivered := h.collector.Notifications()
	require.Len(t, delivered, 2)
	last := delivered[1]
	assert.True(t, last.IsLast)
	assert.Equal(t, "gotta go, bye", last.Text)
	assert.NotContains(t, last.Text, conversation.StopToken)
	assert.True(t, res.Records[1].IsLast)

	entries := h.judge.Entries()
	require.Len(t, entries, 3)
	assert.Equal(t, last.Text, entries[1].Text)
	assert.True(t, entries[2].Stopped)
	assert.Equal(t, "alice", entries[2].PersonaID)
	assert.NotContains(t, h.evalGW.Prompt(0), conversation.StopToken)

	// The stop turn never reaches the transcripts.
	assert.Len(t, h.a.Transcript(), 2)
	assert.Len(t, h.b.Transcript(), 2)
}

func TestRun_stopOnFirstTurn(t *testing.T) {
	h := newHarness(t, nil, []string{"[STOP]"})
	res, err := run(t, Config{MaxTurns: 10}, h.deps())
	require.NoError(t, err)
	assert.Equal(t, StateStopped, res.State)
	assert.Equal(t, "bob", res.StoppedBy)
	delivered := h.collector.Notifications()
	require.Len(t, delivered, 1)
	assert.Equal(t, "", delivered[0].Text)
	assert.True(t, delivered[0].IsLast)
}

func TestRun_twoEmptyTurnsStop(t *testing.T) {
	h := newHarness(t, []string{"", "never"}, []string{"TEXT: b1", ""})
	res, err := run(t, Config{MaxTurns: 10}, h.deps())
	require.NoError(t, err)

	assert.Equal(t, StateStopped, res.State)
	assert.Equal(t, "bob", res.StoppedBy)
	assert.Equal(t, 3, res.Turns)
	delivered := h.collector.Notifications()
	require.Len(t, delivered, 3)
	assert.False(t, delivered[1].IsLast)
	assert.True(t, delivered[2].IsLast)
}

func TestRun_imageTurn(t *testing.T) {
	h := newHarness(t,
		[]string{"TEXT: my violin\nIMAGE: image_0"},
		[]string{"TEXT: b1", "TEXT: nice"},
		profile.Image{UserCaption: "violin", AutoCaption: "instrument", Data: pngBytes},
	)
	res, err := run(t, Config{MaxTurns: 3}, h.deps())
	require.NoError(t, err)

	delivered := h.collector.Notifications()
	require.Len(t, delivered, 3)
	assert.NotEmpty(t, delivered[1].ImageB64)
	assert.Equal(t, "image_0", res.Records[1].ImageRef)
	assert.Equal(t, "user description: violin; automated caption: instrument", h.judge.Entries()[1].ImageMeta)

	// bob's third-turn prompt carries the image alice sent.
	calls := h.bGW.Calls()
	require.Len(t, calls, 2)
	assert.Equal(t, 1, gatewaytest.Images(calls[1]))
}

func TestRun_unknownImageAborts(t *testing.T) {
	h := newHarness(t, []string{"TEXT: look\nIMAGE: image_5"}, []string{"TEXT: b1"})

	res, err := run(t, Config{MaxTurns: 10}, h.deps())
	require.Error(t, err)
	assert.ErrorIs(t, err, profile.ErrUnknownImage)
	assert.Equal(t, StateAborted, res.State)
	assert.Equal(t, 1, res.Turns)
	assert.Len(t, h.collector.Notifications(), 1)

	// Partial evaluation still happens.
	assert.Len(t, h.evalGW.Calls(), 2)
	assert.Equal(t, 7, res.Evaluation.A.Score)
	assert.Equal(t, res.Err, err)
}

func TestRun_gatewayErrorAborts(t *testing.T) {
	gwErr := &gateway.Error{Provider: "fake", Model: "m", Attempts: 3, StatusCode: 503, Err: errors.New("unavailable")}
	h := newHarness(t, nil, nil)
	h.bGW.Then(gatewaytest.Reply{Err: gwErr})

	res, err := run(t, Config{MaxTurns: 10}, h.deps())
	var target *gateway.Error
	require.ErrorAs(t, err, &target)
	assert.Equal(t, 503, target.StatusCode)
	assert.Equal(t, StateAborted, res.State)
	assert.Zero(t, res.Turns)
	assert.Empty(t, h.collector.Notifications())
	assert.Empty(t, h.judge.Entries())
	assert.Len(t, h.evalGW.Calls(), 2)
}

func TestRun_evaluationErrorJoined(t *testing.T) {
	h := newHarness(t, nil, []string{"TEXT: b1"})
	h.evalGW = gatewaytest.NewScript("Score: 9")
	h.judge = evaluation.New(h.evalGW, h.a.Profile(), h.b.Profile())

	res, err := run(t, Config{MaxTurns: 1}, h.deps())
	require.Error(t, err)
	assert.Equal(t, StateExhausted, res.State)
	assert.Equal(t, 9, res.Evaluation.A.Score)
	assert.Zero(t, res.Evaluation.B.Score)
}

func TestRun_deliveryFailureDoesNotAbort(t *testing.T) {
	h := newHarness(t, []string{"TEXT: a1"}, []string{"TEXT: b1"})
	deps := h.deps()
	deps.Sink = delivery.Multi{
		delivery.Func(func(ctx context.Context, n delivery.Notification) error { return errors.New("broker down") }),
		h.collector,
	}

	res, err := run(t, Config{MaxTurns: 2}, deps)
	require.NoError(t, err)
	assert.Equal(t, StateExhausted, res.State)
	assert.Len(t, h.collector.Notifications(), 2)
}

func TestRun_safetyVeto(t *testing.T) {
	h := newHarness(t, []string{"TEXT: something awful"}, []string{"TEXT: b1"})
	gate := &fakeGate{vetoOn: 2}
	deps := h.deps()
	deps.Gate = gate

	res, err := run(t, Config{MaxTurns: 10, CheckEachTurn: true}, deps)
	require.NoError(t, err)
	assert.Equal(t, StateRejected, res.State)
	assert.Equal(t, 1, res.Turns)
	assert.Len(t, h.collector.Notifications(), 1)
	assert.Len(t, h.judge.Entries(), 1)
	assert.Equal(t, 2, gate.calls)
}

func TestRun_cancelledDuringDelay(t *testing.T) {
	h := newHarness(t, []string{"TEXT: a1"}, []string{"TEXT: b1"})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	deps := h.deps()
	deps.OnTurn = func(TurnRecord) { cancel() }
	o, err := New(Config{MaxTurns: 10, TurnDelay: time.Hour}, deps)
	require.NoError(t, err)

	res, err := o.Run(ctx)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, StateAborted, res.State)
	assert.Equal(t, 1, res.Turns)

	// The evaluation still runs after cancellation.
	assert.Len(t, h.evalGW.Calls(), 2)
	assert.Equal(t, 7, res.Evaluation.A.Score)
	assert.Equal(t, 4, res.Evaluation.B.Score)
	assert.Equal(t, "meh", res.Evaluation.B.Notes)
}

// Every delivered turn has exactly one log entry, plus at most one stopped
// marker, whatever the outcome.
func TestRun_logMatchesDeliveries(t *testing.T) {
	cases := []struct {
		name string
		a, b []string
		cfg  Config
	}{
		{name: "exhausted", a: []string{"a1", "a2"}, b: []string{"b1", "b2", "b3"}, cfg: Config{MaxTurns: 5}},
		{name: "stopped", a: []string{"a1", "bye [STOP]"}, b: []string{"b1", "b2"}, cfg: Config{MaxTurns: 10}},
		{name: "aborted", a: []string{"a1"}, b: []string{"b1"}, cfg: Config{MaxTurns: 10}},
		{name: "single turn", b: []string{"b1"}, cfg: Config{MaxTurns: 1}},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			h := newHarness(t, tc.a, tc.b)
			res, _ := run(t, tc.cfg, h.deps())
			require.True(t, res.State.Terminal())

			entries := h.judge.Entries()
			markers := stoppedMarkers(entries)
			assert.LessOrEqual(t, markers, 1)
			assert.Equal(t, len(h.collector.Notifications()), len(entries)-markers)
			assert.Equal(t, res.State == StateStopped, markers == 1)
		})
	}
}

func TestNew_validation(t *testing.T) {
	h := newHarness(t, nil, nil)

	cases := []struct {
		name   string
		cfg    Config
		mutate func(*Deps)
		errMsg string
	}{
		{name: "missing persona", mutate: func(d *Deps) { d.B = nil }, errMsg: "both personas"},
		{name: "same persona", mutate: func(d *Deps) { d.B = d.A }, errMsg: "must differ"},
		{name: "missing judge", mutate: func(d *Deps) { d.Judge = nil }, errMsg: "judge"},
		{name: "gate required", cfg: Config{CheckEachTurn: true}, errMsg: "gate"},
		{name: "negative turns", cfg: Config{MaxTurns: -1}, errMsg: "max turns"},
		{name: "negative delay", cfg: Config{TurnDelay: -time.Second}, errMsg: "turn delay"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			deps := h.deps()
			if tc.mutate != nil {
				tc.mutate(&deps)
			}
			_, err := New(tc.cfg, deps)
			require.Error(t, err)
			assert.True(t, strings.Contains(err.Error(), tc.errMsg), err.Error())
		})
	}

	o, err := New(Config{}, h.deps())
	require.NoError(t, err)
	assert.Equal(t, DefaultMaxTurns, o.cfg.MaxTurns)
	assert.Equal(t, DefaultOpening, o.cfg.Opening)
}
