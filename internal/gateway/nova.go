package gateway

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awshttp "github.com/aws/aws-sdk-go-v2/aws/transport/http"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"
)

var novaModels = map[string]string{
	"nova-lite": "us.amazon.nova-2-lite-v1:0",
}

// NovaBackend calls Amazon Nova through the Bedrock Converse API.
type NovaBackend struct {
	client *bedrockruntime.Client
}

// NewNovaBackend creates a Bedrock backend from an AWS config.
func NewNovaBackend(cfg aws.Config) *NovaBackend {
	return &NovaBackend{client: bedrockruntime.NewFromConfig(cfg)}
}

func (n *NovaBackend) Name() string { return "nova" }

func (n *NovaBackend) Generate(ctx context.Context, req Request) (Response, error) {
	modelID := resolveModel(novaModels, req.Model, "nova-lite")

	content := make([]types.ContentBlock, 0, len(req.Parts))
	for _, p := range req.Parts {
		if p.IsImage() {
			format, ok := bedrockImageFormat(p.MIMEType)
			if !ok {
				return Response{}, &StatusError{StatusCode: 400, Body: fmt.Sprintf("unsupported image type %q", p.MIMEType)}
			}
			content = append(content, &types.ContentBlockMemberImage{
				Value: types.ImageBlock{
					Format: format,
					Source: &types.ImageSourceMemberBytes{Value: p.Data},
				},
			})
			continue
		}
		content = append(content, &types.ContentBlockMemberText{Value: p.Text})
	}

	input := &bedrockruntime.ConverseInput{
		ModelId: aws.String(modelID),
		Messages: []types.Message{
			{Role: types.ConversationRoleUser, Content: content},
		},
		InferenceConfig: &types.InferenceConfiguration{
			Temperature: aws.Float32(float32(req.Temperature)),
		},
	}
	if req.MaxTokens > 0 {
		input.InferenceConfig.MaxTokens = aws.Int32(int32(req.MaxTokens))
	}
	if req.System != "" {
		input.System = []types.SystemContentBlock{
			&types.SystemContentBlockMemberText{Value: req.System},
		}
	}

	resp, err := n.client.Converse(ctx, input)
	if err != nil {
		var re *awshttp.ResponseError
		if errors.As(err, &re) {
			return Response{}, &StatusError{StatusCode: re.HTTPStatusCode(), Body: re.Error()}
		}
		return Response{}, fmt.Errorf("bedrock converse: %w", err)
	}

	out := Response{Text: extractNovaText(resp)}
	if resp.Usage != nil {
		out.Usage = TokenCount{
			Input:  int(aws.ToInt32(resp.Usage.InputTokens)),
			Output: int(aws.ToInt32(resp.Usage.OutputTokens)),
		}
	}
	return out, nil
}

func extractNovaText(resp *bedrockruntime.ConverseOutput) string {
	if resp.Output == nil {
		return ""
	}
	msg, ok := resp.Output.(*types.ConverseOutputMemberMessage)
	if !ok {
		return ""
	}
	var sb strings.Builder
	for _, block := range msg.Value.Content {
		if tb, ok := block.(*types.ContentBlockMemberText); ok {
			sb.WriteString(tb.Value)
		}
	}
	return sb.String()
}

func bedrockImageFormat(mimeType string) (types.ImageFormat, bool) {
	switch strings.ToLower(mimeType) {
	case "image/png":
		return types.ImageFormatPng, true
	case "image/jpeg", "image/jpg":
		return types.ImageFormatJpeg, true
	case "image/gif":
		return types.ImageFormatGif, true
	case "image/webp":
		return types.ImageFormatWebp, true
	}
	return "", false
}
