// Package gatewaytest provides in-memory gateway fakes for tests.
package gatewaytest

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/apresai/pairsim/internal/gateway"
)

// Func adapts a function to gateway.Gateway.
type Func func(ctx context.Context, parts ...gateway.Part) (string, error)

func (f Func) Submit(ctx context.Context, parts ...gateway.Part) (string, error) {
	return f(ctx, parts...)
}

// Reply is one scripted gateway answer.
type Reply struct {
	Text string
	Err  error
}

// Script answers calls with a fixed sequence of replies and records every
// call it receives. Once the sequence runs out it fails the call.
type Script struct {
	mu      sync.Mutex
	replies []Reply
	calls   [][]gateway.Part
}

// NewScript returns a Script that answers with texts in order.
func NewScript(texts ...string) *Script {
	s := &Script{}
	for _, t := range texts {
		s.replies = append(s.replies, Reply{Text: t})
	}
	return s
}

// Then appends further replies.
func (s *Script) Then(replies ...Reply) *Script {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.replies = append(s.replies, replies...)
	return s
}

func (s *Script) Submit(ctx context.Context, parts ...gateway.Part) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, append([]gateway.Part(nil), parts...))
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if len(s.calls) > len(s.replies) {
		return "", fmt.Errorf("gatewaytest: unexpected call %d", len(s.calls))
	}
	r := s.replies[len(s.calls)-1]
	return r.Text, r.Err
}

// Calls returns the parts of every call received so far.
func (s *Script) Calls() [][]gateway.Part {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([][]gateway.Part(nil), s.calls...)
}

// Prompt joins the text parts of call i.
func (s *Script) Prompt(i int) string {
	calls := s.Calls()
	if i < 0 || i >= len(calls) {
		return ""
	}
	return JoinText(calls[i])
}

// JoinText concatenates the text parts of parts.
func JoinText(parts []gateway.Part) string {
	var sb strings.Builder
	for _, p := range parts {
		if !p.IsImage() {
			sb.WriteString(p.Text)
		}
	}
	return sb.String()
}

// Images counts the image parts of parts.
func Images(parts []gateway.Part) int {
	n := 0
	for _, p := range parts {
		if p.IsImage() {
			n++
		}
	}
	return n
}
