package gateway

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
)

var claudeModels = map[string]string{
	"haiku":  "claude-haiku-4-5-20251001",
	"sonnet": "claude-sonnet-4-5-20250929",
}

const claudeDefaultMaxTokens = 4096

// ClaudeBackend calls the Anthropic Messages API.
type ClaudeBackend struct {
	client anthropic.Client
}

// NewClaudeBackend creates a Claude backend. An empty apiKey lets the SDK
// read ANTHROPIC_API_KEY.
func NewClaudeBackend(apiKey string) *ClaudeBackend {
	var opts []option.RequestOption
	if apiKey != "" {
		opts = append(opts, option.WithAPIKey(apiKey))
	}
	return &ClaudeBackend{client: anthropic.NewClient(opts...)}
}

func (c *ClaudeBackend) Name() string { return "claude" }

func (c *ClaudeBackend) Generate(ctx context.Context, req Request) (Response, error) {
	modelID := resolveModel(claudeModels, req.Model, "haiku")

	blocks := make([]anthropic.ContentBlockParamUnion, 0, len(req.Parts))
	for _, p := range req.Parts {
		if p.IsImage() {
			blocks = append(blocks, anthropic.NewImageBlockBase64(p.MIMEType, base64.StdEncoding.EncodeToString(p.Data)))
		} else {
			blocks = append(blocks, anthropic.NewTextBlock(p.Text))
		}
	}

	maxTokens := int64(req.MaxTokens)
	if maxTokens <= 0 {
		maxTokens = claudeDefaultMaxTokens
	}
	params := anthropic.MessageNewParams{
		Model:       anthropic.Model(modelID),
		MaxTokens:   maxTokens,
		Temperature: anthropic.Float(req.Temperature),
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(blocks...),
		},
	}
	if req.System != "" {
		params.System = []anthropic.TextBlockParam{{Text: req.System}}
	}

	message, err := c.client.Messages.New(ctx, params)
	if err != nil {
		var apiErr *anthropic.Error
		if errors.As(err, &apiErr) {
			return Response{}, &StatusError{StatusCode: apiErr.StatusCode, Body: apiErr.Error()}
		}
		return Response{}, fmt.Errorf("claude messages: %w", err)
	}

	var parts []string
	for _, block := range message.Content {
		if tb, ok := block.AsAny().(anthropic.TextBlock); ok {
			parts = append(parts, tb.Text)
		}
	}
	return Response{
		Text: strings.Join(parts, ""),
		Usage: TokenCount{
			Input:  int(message.Usage.InputTokens),
			Output: int(message.Usage.OutputTokens),
		},
	}, nil
}
