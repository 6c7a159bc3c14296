package gateway

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"google.golang.org/genai"
)

var geminiModels = map[string]string{
	"gemini-flash": "gemini-2.5-flash",
	"gemini-pro":   "gemini-2.5-pro",
}

// GeminiBackend calls Gemini through the genai SDK. Image parts are sent as
// inline bytes.
type GeminiBackend struct {
	client *genai.Client
}

// NewGeminiBackend creates a Gemini backend. An empty apiKey falls back to
// GEMINI_API_KEY.
func NewGeminiBackend(ctx context.Context, apiKey string) (*GeminiBackend, error) {
	if apiKey == "" {
		apiKey = os.Getenv("GEMINI_API_KEY")
	}
	if apiKey == "" {
		return nil, fmt.Errorf("GEMINI_API_KEY is not set")
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("create genai client: %w", err)
	}
	return &GeminiBackend{client: client}, nil
}

func (g *GeminiBackend) Name() string { return "gemini" }

func (g *GeminiBackend) Generate(ctx context.Context, req Request) (Response, error) {
	modelID := resolveModel(geminiModels, req.Model, "gemini-flash")

	parts := make([]*genai.Part, 0, len(req.Parts))
	for _, p := range req.Parts {
		if p.IsImage() {
			parts = append(parts, genai.NewPartFromBytes(p.Data, p.MIMEType))
		} else {
			parts = append(parts, genai.NewPartFromText(p.Text))
		}
	}

	config := &genai.GenerateContentConfig{
		Temperature: genai.Ptr(float32(req.Temperature)),
	}
	if req.MaxTokens > 0 {
		config.MaxOutputTokens = int32(req.MaxTokens)
	}
	if req.System != "" {
		config.SystemInstruction = genai.NewContentFromText(req.System, genai.RoleUser)
	}

	res, err := g.client.Models.GenerateContent(ctx, modelID,
		[]*genai.Content{genai.NewContentFromParts(parts, genai.RoleUser)}, config)
	if err != nil {
		var apiErr genai.APIError
		if errors.As(err, &apiErr) {
			return Response{}, &StatusError{StatusCode: apiErr.Code, Body: apiErr.Message}
		}
		return Response{}, fmt.Errorf("gemini generate: %w", err)
	}

	var out Response
	// A blocked prompt returns no candidates; that is an empty reply, not an error.
	if len(res.Candidates) > 0 && res.Candidates[0].Content != nil {
		var sb strings.Builder
		for _, part := range res.Candidates[0].Content.Parts {
			sb.WriteString(part.Text)
		}
		out.Text = sb.String()
	}
	if res.UsageMetadata != nil {
		out.Usage = TokenCount{
			Input:  int(res.UsageMetadata.PromptTokenCount),
			Output: int(res.UsageMetadata.CandidatesTokenCount),
		}
	}
	return out, nil
}

// resolveModel maps a short alias to a provider model ID. Unknown names are
// passed through so full model IDs work; an empty name uses the default alias.
func resolveModel(aliases map[string]string, name, fallback string) string {
	if name == "" {
		return aliases[fallback]
	}
	if id, ok := aliases[name]; ok {
		return id
	}
	return name
}
