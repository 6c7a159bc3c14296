package gateway

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

var tracer = otel.Tracer("pairsim-gateway")

// Retry defaults shared by every Client.
const (
	DefaultMaxAttempts    = 3
	defaultInitialBackoff = 1 * time.Second
	defaultBackoffMulti   = 2
	defaultMaxBackoff     = 30 * time.Second

	// DefaultRateLimitYield is how long the shared limiter is blocked after a 429.
	DefaultRateLimitYield = 120 * time.Second
	// DefaultErrorYield is how long the shared limiter is blocked after any
	// other non-success status.
	DefaultErrorYield = 20 * time.Second
)

// ClientOptions configures a Client.
type ClientOptions struct {
	Model       string
	System      string
	Temperature float64
	MaxTokens   int

	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	RateLimitYield time.Duration
	ErrorYield     time.Duration

	// Limiter and Usage are shared process-wide; either may be nil.
	Limiter *Limiter
	Usage   *Usage
	Logger  *slog.Logger
}

// Client implements Gateway over a provider Backend with rate limiting,
// bounded retry and usage accounting.
type Client struct {
	backend Backend
	opts    ClientOptions
	sleep   func(ctx context.Context, d time.Duration) error
}

// NewClient wraps backend, filling unset options with defaults.
func NewClient(backend Backend, opts ClientOptions) *Client {
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = DefaultMaxAttempts
	}
	if opts.InitialBackoff <= 0 {
		opts.InitialBackoff = defaultInitialBackoff
	}
	if opts.MaxBackoff <= 0 {
		opts.MaxBackoff = defaultMaxBackoff
	}
	if opts.RateLimitYield <= 0 {
		opts.RateLimitYield = DefaultRateLimitYield
	}
	if opts.ErrorYield <= 0 {
		opts.ErrorYield = DefaultErrorYield
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Client{backend: backend, opts: opts, sleep: sleepContext}
}

// Model returns the model ID the client submits to.
func (c *Client) Model() string { return c.opts.Model }

// Submit sends parts to the model and returns its text reply. Retryable
// failures (429, 5xx, transport) are retried with exponential backoff; the
// final failure is returned as *Error.
func (c *Client) Submit(ctx context.Context, parts ...Part) (string, error) {
	ctx, span := tracer.Start(ctx, "gateway.Submit",
		trace.WithAttributes(
			attribute.String("provider", c.backend.Name()),
			attribute.String("model", c.opts.Model),
			attribute.Int("parts", len(parts)),
		),
	)
	defer span.End()

	req := Request{
		Model:       c.opts.Model,
		System:      c.opts.System,
		Parts:       parts,
		Temperature: c.opts.Temperature,
		MaxTokens:   c.opts.MaxTokens,
	}
	estimate := EstimateTokens(parts...)

	var lastErr error
	var status int
	backoff := c.opts.InitialBackoff

	for attempt := 1; attempt <= c.opts.MaxAttempts; attempt++ {
		if c.opts.Limiter != nil {
			if err := c.opts.Limiter.Wait(ctx, estimate); err != nil {
				return "", c.fail(span, attempt, status, err)
			}
		}

		resp, err := c.backend.Generate(ctx, req)
		if err == nil {
			if c.opts.Limiter != nil {
				c.opts.Limiter.Record(estimate, resp.Usage.Total())
			}
			if c.opts.Usage != nil {
				c.opts.Usage.Add(c.opts.Model, resp.Usage)
			}
			span.SetAttributes(
				attribute.Int("attempts", attempt),
				attribute.Int("input_tokens", resp.Usage.Input),
				attribute.Int("output_tokens", resp.Usage.Output),
			)
			return resp.Text, nil
		}

		lastErr = err
		status = StatusCode(err)
		if ctx.Err() != nil {
			return "", c.fail(span, attempt, status, err)
		}

		if c.opts.Limiter != nil {
			switch {
			case status == http.StatusTooManyRequests:
				c.opts.Limiter.Penalize(c.opts.RateLimitYield)
			case status >= http.StatusBadRequest:
				c.opts.Limiter.Penalize(c.opts.ErrorYield)
			}
		}

		if !Retryable(err) {
			return "", c.fail(span, attempt, status, err)
		}
		if attempt == c.opts.MaxAttempts {
			break
		}

		c.opts.Logger.WarnContext(ctx, "model call failed, retrying",
			"provider", c.backend.Name(),
			"model", c.opts.Model,
			"attempt", attempt,
			"status", status,
			"backoff", backoff,
			"error", err,
		)
		if err := c.sleep(ctx, backoff); err != nil {
			return "", c.fail(span, attempt, status, err)
		}
		backoff *= defaultBackoffMulti
		if backoff > c.opts.MaxBackoff {
			backoff = c.opts.MaxBackoff
		}
	}

	return "", c.fail(span, c.opts.MaxAttempts, status, lastErr)
}

func (c *Client) fail(span trace.Span, attempts, status int, err error) error {
	gerr := &Error{
		Provider:   c.backend.Name(),
		Model:      c.opts.Model,
		Attempts:   attempts,
		StatusCode: status,
		Err:        err,
	}
	span.RecordError(gerr)
	span.SetStatus(codes.Error, gerr.Error())
	return gerr
}

// StatusCode extracts an HTTP status from err. Backends report statuses as
// *StatusError; other errors fall back to matching the message.
func StatusCode(err error) int {
	if err == nil {
		return 0
	}
	var se *StatusError
	if errors.As(err, &se) {
		return se.StatusCode
	}
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "429") || strings.Contains(msg, "rate limit") || strings.Contains(msg, "too many requests"):
		return http.StatusTooManyRequests
	case strings.Contains(msg, "internal server error") || strings.Contains(msg, "server_error"):
		return http.StatusInternalServerError
	}
	return 0
}

// Retryable reports whether a failed call may succeed if tried again.
func Retryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	status := StatusCode(err)
	switch {
	case status == http.StatusTooManyRequests:
		return true
	case status >= http.StatusInternalServerError:
		return true
	case status == 0:
		// Transport failure with no status.
		return true
	}
	return false
}
