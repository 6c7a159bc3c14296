package gateway

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
)

// Providers lists the backend names accepted by NewBackend.
var Providers = []string{"gemini", "claude", "nova", "openai"}

// NewBackend creates a provider backend by name. apiKey may be empty to use
// the provider's environment variable. awsCfg is only used by nova; nil
// loads the default AWS config.
func NewBackend(ctx context.Context, name, apiKey string, awsCfg *aws.Config) (Backend, error) {
	switch name {
	case "gemini":
		return NewGeminiBackend(ctx, apiKey)
	case "claude":
		return NewClaudeBackend(apiKey), nil
	case "nova":
		if awsCfg == nil {
			cfg, err := awsconfig.LoadDefaultConfig(ctx)
			if err != nil {
				return nil, fmt.Errorf("load AWS config: %w", err)
			}
			awsCfg = &cfg
		}
		return NewNovaBackend(*awsCfg), nil
	case "openai":
		return NewOpenAIBackend(apiKey)
	default:
		return nil, fmt.Errorf("unknown model provider %q: choose gemini, claude, nova, or openai", name)
	}
}
