package config

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
	"go.opentelemetry.io/contrib/instrumentation/github.com/aws/aws-sdk-go-v2/otelaws"
)

// LoadAWS loads the default AWS config for region with OpenTelemetry
// instrumentation on every client built from it.
func LoadAWS(ctx context.Context, region string) (aws.Config, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(region))
	if err != nil {
		return aws.Config{}, fmt.Errorf("load aws config: %w", err)
	}
	otelaws.AppendMiddlewares(&cfg.APIOptions)
	return cfg, nil
}

// SecretsAPI is the subset of the Secrets Manager client LoadSecrets uses.
type SecretsAPI interface {
	GetSecretValue(ctx context.Context, in *secretsmanager.GetSecretValueInput, optFns ...func(*secretsmanager.Options)) (*secretsmanager.GetSecretValueOutput, error)
}

// LoadSecrets fills unset API keys from Secrets Manager secrets named
// <prefix><ENV VAR>. A missing secret is logged and skipped.
func (c *Config) LoadSecrets(ctx context.Context, client SecretsAPI, logger *slog.Logger) {
	if c.SecretPrefix == "" {
		return
	}
	if logger == nil {
		logger = slog.Default()
	}

	secrets := []struct {
		name string
		dst  *string
	}{
		{"GEMINI_API_KEY", &c.APIKeys.Gemini},
		{"ANTHROPIC_API_KEY", &c.APIKeys.Anthropic},
		{"OPENAI_API_KEY", &c.APIKeys.OpenAI},
	}

	for _, s := range secrets {
		if *s.dst != "" {
			continue
		}
		secretID := c.SecretPrefix + s.name
		result, err := client.GetSecretValue(ctx, &secretsmanager.GetSecretValueInput{
			SecretId: &secretID,
		})
		if err != nil {
			logger.Info("Secret not found", "secret_id", secretID, "error", err)
			continue
		}
		if result.SecretString != nil {
			*s.dst = *result.SecretString
			logger.Info("Loaded secret", "secret_id", secretID)
		}
	}
}
