package gateway

import (
	"context"
	"fmt"
	"net/http"
)

// Part is one element of a prompt: either text or raw image bytes.
type Part struct {
	Text     string
	Data     []byte
	MIMEType string
}

// Text returns a text part.
func Text(s string) Part {
	return Part{Text: s}
}

// Image returns an image part. An empty mime type is sniffed from the data.
func Image(data []byte, mimeType string) Part {
	if mimeType == "" {
		mimeType = http.DetectContentType(data)
	}
	return Part{Data: data, MIMEType: mimeType}
}

// IsImage reports whether the part carries image bytes.
func (p Part) IsImage() bool {
	return len(p.Data) > 0
}

// Gateway is the uniform call interface the conversation core depends on.
type Gateway interface {
	Submit(ctx context.Context, parts ...Part) (string, error)
}

// Request is what a Client hands to a provider backend for one attempt.
type Request struct {
	Model       string
	System      string
	Parts       []Part
	Temperature float64
	MaxTokens   int
}

// Response is a backend's reply for one attempt.
type Response struct {
	Text  string
	Usage TokenCount
}

// TokenCount is the token usage reported by a provider for one call.
type TokenCount struct {
	Input  int
	Output int
}

// Total returns input plus output tokens.
func (t TokenCount) Total() int {
	return t.Input + t.Output
}

// Backend adapts one provider SDK to the gateway.
type Backend interface {
	Name() string
	Generate(ctx context.Context, req Request) (Response, error)
}

// StatusError is returned by backends when the provider answered with a
// non-success status. Backends that cannot see a status use 0.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("API error (status %d): %s", e.StatusCode, e.Body)
}

// Error is the terminal failure returned by Client.Submit once retries are
// exhausted or a non-retryable failure occurs.
type Error struct {
	Provider   string
	Model      string
	Attempts   int
	StatusCode int
	Err        error
}

func (e *Error) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s %s failed after %d attempt(s) (status %d): %v", e.Provider, e.Model, e.Attempts, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("%s %s failed after %d attempt(s): %v", e.Provider, e.Model, e.Attempts, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}
