// Package safety gates whether a pairing may start and whether an exchange
// may continue.
package safety

import (
	"context"
	"fmt"
	"strings"

	"github.com/apresai/pairsim/internal/conversation"
	"github.com/apresai/pairsim/internal/gateway"
	"github.com/apresai/pairsim/internal/profile"
)

const startDirective = `You review proposed pairings for a simulated conversation between two people, described by the profiles below.
Decide whether a conversation between them can take place without harassment, hate, sexual content involving minors, threats, or encouragement of self-harm or illegal activity.
Answer with exactly one word: yes or no.`

const continueDirective = `You review an ongoing simulated conversation between two people.
Decide whether the candidate next message keeps the conversation free of harassment, hate, sexual content involving minors, threats, or encouragement of self-harm or illegal activity.
Answer with exactly one word: yes or no.`

// Gate asks the model yes/no questions about a conversation.
type Gate struct {
	gateway gateway.Gateway
}

// New creates a Gate backed by gw.
func New(gw gateway.Gateway) *Gate {
	return &Gate{gateway: gw}
}

// MayStart reports whether a and b may be paired.
func (g *Gate) MayStart(ctx context.Context, a, b profile.Profile) (bool, error) {
	var sb strings.Builder
	sb.WriteString(startDirective)
	fmt.Fprintf(&sb, "\n\n[PROFILE %s]\n%s\n", a.ID, strings.TrimSpace(a.Description))
	fmt.Fprintf(&sb, "\n[PROFILE %s]\n%s\n", b.ID, strings.TrimSpace(b.Description))

	reply, err := g.gateway.Submit(ctx, gateway.Text(sb.String()))
	if err != nil {
		return false, fmt.Errorf("safety start check: %w", err)
	}
	return Allowed(reply), nil
}

// MayContinue reports whether next may follow transcript.
func (g *Gate) MayContinue(ctx context.Context, transcript []conversation.Message, next conversation.Message) (bool, error) {
	var sb strings.Builder
	sb.WriteString(continueDirective)
	sb.WriteString("\n\n[CONVERSATION]\n")
	for _, m := range transcript {
		fmt.Fprintf(&sb, "%s\n%s\n", m.From, m.Body())
	}
	fmt.Fprintf(&sb, "\n[CANDIDATE MESSAGE]\n%s\n%s\n", next.From, next.Body())

	reply, err := g.gateway.Submit(ctx, gateway.Text(sb.String()))
	if err != nil {
		return false, fmt.Errorf("safety continue check: %w", err)
	}
	return Allowed(reply), nil
}

// Allowed interprets a gate reply: true iff it contains "yes" in any case.
// Anything else, including an empty or malformed reply, is a refusal.
func Allowed(reply string) bool {
	return strings.Contains(strings.ToLower(reply), "yes")
}
