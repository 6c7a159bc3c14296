// Package delivery pushes each conversation turn to external listeners.
// Delivery is fire-and-forget from the conversation's point of view: a sink
// error is logged by the caller and never ends the run.
package delivery

import (
	"context"
	"errors"
	"log/slog"
	"sync"
)

// Notification is the per-turn push sent to sinks.
type Notification struct {
	ConversationID string `json:"conversation_id"`
	Turn           int    `json:"turn"`
	SpeakerID      string `json:"speaker_id"`
	Text           string `json:"text"`
	ImageB64       string `json:"image_b64,omitempty"`
	Sentiment      string `json:"sentiment"`
	IsLast         bool   `json:"is_last"`
}

// Sink receives turn notifications.
type Sink interface {
	Deliver(ctx context.Context, n Notification) error
}

// Func adapts a function to Sink.
type Func func(ctx context.Context, n Notification) error

func (f Func) Deliver(ctx context.Context, n Notification) error {
	return f(ctx, n)
}

// Multi fans a notification out to every sink, joining their errors.
type Multi []Sink

func (m Multi) Deliver(ctx context.Context, n Notification) error {
	var errs []error
	for _, s := range m {
		if s == nil {
			continue
		}
		if err := s.Deliver(ctx, n); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// LogSink writes each notification as a structured log line.
type LogSink struct {
	Logger *slog.Logger
}

func (s LogSink) Deliver(ctx context.Context, n Notification) error {
	logger := s.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.InfoContext(ctx, "Turn delivered",
		"conversation_id", n.ConversationID,
		"turn", n.Turn,
		"speaker", n.SpeakerID,
		"sentiment", n.Sentiment,
		"has_image", n.ImageB64 != "",
		"is_last", n.IsLast,
		"text", n.Text,
	)
	return nil
}

// Collector keeps every notification in memory.
type Collector struct {
	mu    sync.Mutex
	items []Notification
}

func (c *Collector) Deliver(ctx context.Context, n Notification) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.items = append(c.items, n)
	return nil
}

// Notifications returns a copy of what was delivered, in order.
func (c *Collector) Notifications() []Notification {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Notification(nil), c.items...)
}
