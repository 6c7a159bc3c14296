// Package sentiment tags each turn with an emotion label as perceived by one
// of the two personas.
package sentiment

import (
	"context"
	"fmt"
	"strings"

	"github.com/apresai/pairsim/internal/gateway"
	"github.com/apresai/pairsim/internal/profile"
)

// Label is an emotion label. The tagger returns whatever the model answers,
// so a Label is not guaranteed to be one of Labels.
type Label string

const (
	Neutral        Label = "neutral"
	MildlyPositive Label = "mildly positive"
	Engaged        Label = "engaged"
	VeryEngaged    Label = "very engaged"
	Excited        Label = "excited"
	Confused       Label = "confused"
	Frustrated     Label = "frustrated"
	Angry          Label = "angry"
	Bored          Label = "bored"
)

// Labels is the fixed label set offered to the model.
var Labels = []Label{Neutral, MildlyPositive, Engaged, VeryEngaged, Excited, Confused, Frustrated, Angry, Bored}

// Known reports whether l is one of Labels.
func (l Label) Known() bool {
	for _, k := range Labels {
		if l == k {
			return true
		}
	}
	return false
}

func (l Label) String() string { return string(l) }

// Tagger classifies messages through the gateway.
type Tagger struct {
	gateway gateway.Gateway
}

// New creates a Tagger backed by gw.
func New(gw gateway.Gateway) *Tagger {
	return &Tagger{gateway: gw}
}

// Tag classifies text from the point of view of the persona described by
// perspective. The reply is trimmed and lower-cased but not validated.
func (t *Tagger) Tag(ctx context.Context, perspective profile.Profile, text string) (Label, error) {
	names := make([]string, len(Labels))
	for i, l := range Labels {
		names[i] = string(l)
	}

	var sb strings.Builder
	sb.WriteString("You judge how a message makes the person described below feel.\n")
	fmt.Fprintf(&sb, "Answer with exactly one label from this list and nothing else: %s.\n", strings.Join(names, ", "))
	fmt.Fprintf(&sb, "\n[PROFILE]\n%s\n", strings.TrimSpace(perspective.Description))
	fmt.Fprintf(&sb, "\n[MESSAGE]\n%s\n", text)

	reply, err := t.gateway.Submit(ctx, gateway.Text(sb.String()))
	if err != nil {
		return "", fmt.Errorf("sentiment tag: %w", err)
	}
	return Label(strings.ToLower(strings.TrimSpace(reply))), nil
}
