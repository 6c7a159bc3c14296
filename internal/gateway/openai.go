package gateway

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"os"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
)

var openAIModels = map[string]string{
	"gpt-4o":      "gpt-4o",
	"gpt-4o-mini": "gpt-4o-mini",
}

// OpenAIBackend calls the OpenAI Chat Completions API. Images are sent as
// base64 data URLs.
type OpenAIBackend struct {
	client openai.Client
}

// NewOpenAIBackend creates an OpenAI backend. An empty apiKey falls back to
// OPENAI_API_KEY.
func NewOpenAIBackend(apiKey string) (*OpenAIBackend, error) {
	if apiKey == "" {
		apiKey = os.Getenv("OPENAI_API_KEY")
	}
	if apiKey == "" {
		return nil, fmt.Errorf("OPENAI_API_KEY is not set")
	}
	return &OpenAIBackend{client: openai.NewClient(option.WithAPIKey(apiKey))}, nil
}

func (o *OpenAIBackend) Name() string { return "openai" }

func (o *OpenAIBackend) Generate(ctx context.Context, req Request) (Response, error) {
	modelID := resolveModel(openAIModels, req.Model, "gpt-4o-mini")

	content := make([]openai.ChatCompletionContentPartUnionParam, 0, len(req.Parts))
	for _, p := range req.Parts {
		if p.IsImage() {
			url := "data:" + p.MIMEType + ";base64," + base64.StdEncoding.EncodeToString(p.Data)
			content = append(content, openai.ImageContentPart(openai.ChatCompletionContentPartImageImageURLParam{URL: url}))
			continue
		}
		content = append(content, openai.TextContentPart(p.Text))
	}

	var messages []openai.ChatCompletionMessageParamUnion
	if req.System != "" {
		messages = append(messages, openai.SystemMessage(req.System))
	}
	messages = append(messages, openai.UserMessage(content))

	params := openai.ChatCompletionNewParams{
		Model:       openai.ChatModel(modelID),
		Messages:    messages,
		Temperature: openai.Float(req.Temperature),
	}
	if req.MaxTokens > 0 {
		params.MaxCompletionTokens = openai.Int(int64(req.MaxTokens))
	}

	resp, err := o.client.Chat.Completions.New(ctx, params)
	if err != nil {
		var apiErr *openai.Error
		if errors.As(err, &apiErr) {
			return Response{}, &StatusError{StatusCode: apiErr.StatusCode, Body: apiErr.Error()}
		}
		return Response{}, fmt.Errorf("openai chat completion: %w", err)
	}

	out := Response{
		Usage: TokenCount{
			Input:  int(resp.Usage.PromptTokens),
			Output: int(resp.Usage.CompletionTokens),
		},
	}
	if len(resp.Choices) > 0 {
		out.Text = resp.Choices[0].Message.Content
	}
	return out, nil
}
