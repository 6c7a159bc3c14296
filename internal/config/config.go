// Package config loads pairsim settings from defaults, an optional YAML
// file and the environment.
package config

import (
	"fmt"
	"os"
	"slices"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/apresai/pairsim/internal/gateway"
)

// Models selects the model for each role. An empty role falls back to
// Default, and an empty Default to the provider's default model.
type Models struct {
	Default   string `yaml:"default"`
	Persona   string `yaml:"persona"`
	Safety    string `yaml:"safety"`
	Sentiment string `yaml:"sentiment"`
	Evaluator string `yaml:"evaluator"`
}

// Conversation controls the turn loop.
type Conversation struct {
	MaxTurns      int           `yaml:"max_turns"`
	TurnDelay     time.Duration `yaml:"turn_delay"`
	Opening       string        `yaml:"opening"`
	CheckEachTurn bool          `yaml:"check_each_turn"`
}

// RateLimit bounds the shared model quota.
type RateLimit struct {
	TokensPerMinute   int     `yaml:"tokens_per_minute"`
	Headroom          float64 `yaml:"headroom"`
	RequestsPerSecond float64 `yaml:"requests_per_second"`
}

// NATS configures the NATS delivery sink. An empty URL disables it.
type NATS struct {
	URL           string `yaml:"url"`
	SubjectPrefix string `yaml:"subject_prefix"`
}

// Server configures pairsim-mcp.
type Server struct {
	Port       int    `yaml:"port"`
	MaxTasks   int    `yaml:"max_tasks"`
	TableName  string `yaml:"table_name"`
	S3Bucket   string `yaml:"s3_bucket"`
	CDNBaseURL string `yaml:"cdn_base_url"`
}

// APIKeys holds provider credentials. They are never read from the config
// file.
type APIKeys struct {
	Gemini    string `yaml:"-"`
	Anthropic string `yaml:"-"`
	OpenAI    string `yaml:"-"`
}

// Config is the full pairsim configuration.
type Config struct {
	Provider     string       `yaml:"provider"`
	Models       Models       `yaml:"models"`
	Temperature  float64      `yaml:"temperature"`
	MaxTokens    int          `yaml:"max_tokens"`
	RateLimit    RateLimit    `yaml:"rate_limit"`
	Conversation Conversation `yaml:"conversation"`
	NATS         NATS         `yaml:"nats"`
	Server       Server       `yaml:"server"`
	LogLevel     string       `yaml:"log_level"`
	AWSRegion    string       `yaml:"aws_region"`
	SecretPrefix string       `yaml:"secret_prefix"`
	Environment  string       `yaml:"environment"`
	APIKeys      APIKeys      `yaml:"-"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Provider:    "gemini",
		Temperature: 1.0,
		MaxTokens:   1024,
		RateLimit: RateLimit{
			TokensPerMinute: gateway.DefaultTokensPerMinute,
			Headroom:        gateway.DefaultHeadroom,
		},
		Conversation: Conversation{
			MaxTurns:  10,
			TurnDelay: 2 * time.Second,
		},
		Server: Server{
			Port:      8000,
			MaxTasks:  5,
			TableName: "pairsim-conversations",
		},
		LogLevel:    "info",
		AWSRegion:   "us-east-1",
		Environment: "development",
	}
}

// Load reads defaults, then the YAML file at path (if path is non-empty),
// then environment overrides, and validates the result.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	if err := cfg.ApplyEnv(os.LookupEnv); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// ApplyEnv overrides fields from PAIRSIM_* variables and the provider API
// key variables, looked up through lookup.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && v != "" {
			*dst = v
		}
	}
	var errs []string
	num := func(key string, dst *int) {
		if v, ok := lookup(key); ok && v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				errs = append(errs, fmt.Sprintf("%s: %v", key, err))
				return
			}
			*dst = n
		}
	}

	str("PAIRSIM_PROVIDER", &c.Provider)
	str("PAIRSIM_MODEL", &c.Models.Default)
	str("PAIRSIM_LOG_LEVEL", &c.LogLevel)
	str("PAIRSIM_SECRET_PREFIX", &c.SecretPrefix)
	str("PAIRSIM_ENVIRONMENT", &c.Environment)
	str("PAIRSIM_NATS_URL", &c.NATS.URL)
	str("PAIRSIM_DYNAMODB_TABLE", &c.Server.TableName)
	str("PAIRSIM_S3_BUCKET", &c.Server.S3Bucket)
	str("PAIRSIM_CDN_BASE_URL", &c.Server.CDNBaseURL)
	str("AWS_REGION", &c.AWSRegion)
	str("GEMINI_API_KEY", &c.APIKeys.Gemini)
	str("ANTHROPIC_API_KEY", &c.APIKeys.Anthropic)
	str("OPENAI_API_KEY", &c.APIKeys.OpenAI)
	num("PAIRSIM_MAX_TURNS", &c.Conversation.MaxTurns)
	num("PAIRSIM_TPM", &c.RateLimit.TokensPerMinute)
	num("PAIRSIM_PORT", &c.Server.Port)
	num("PAIRSIM_MAX_TASKS", &c.Server.MaxTasks)

	if v, ok := lookup("PAIRSIM_TURN_DELAY"); ok && v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			errs = append(errs, fmt.Sprintf("PAIRSIM_TURN_DELAY: %v", err))
		} else {
			c.Conversation.TurnDelay = d
		}
	}
	if v, ok := lookup("PAIRSIM_CHECK_EACH_TURN"); ok && v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			errs = append(errs, fmt.Sprintf("PAIRSIM_CHECK_EACH_TURN: %v", err))
		} else {
			c.Conversation.CheckEachTurn = b
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("invalid environment: %s", strings.Join(errs, "; "))
	}
	return nil
}

// Validate checks the configuration for values the run cannot use.
func (c Config) Validate() error {
	if !slices.Contains(gateway.Providers, c.Provider) {
		return fmt.Errorf("unknown provider %q: choose %s", c.Provider, strings.Join(gateway.Providers, ", "))
	}
	if c.Conversation.MaxTurns <= 0 {
		return fmt.Errorf("max turns must be positive, got %d", c.Conversation.MaxTurns)
	}
	if c.Conversation.TurnDelay < 0 {
		return fmt.Errorf("turn delay must not be negative, got %s", c.Conversation.TurnDelay)
	}
	if c.RateLimit.TokensPerMinute < 0 {
		return fmt.Errorf("tokens per minute must not be negative, got %d", c.RateLimit.TokensPerMinute)
	}
	if c.Temperature < 0 || c.Temperature > 2 {
		return fmt.Errorf("temperature must be between 0 and 2, got %g", c.Temperature)
	}
	if c.Server.MaxTasks <= 0 {
		return fmt.Errorf("max tasks must be positive, got %d", c.Server.MaxTasks)
	}
	return nil
}

// Model returns the model for role: persona, safety, sentiment or evaluator.
func (c Config) Model(role string) string {
	var m string
	switch role {
	case "persona":
		m = c.Models.Persona
	case "safety":
		m = c.Models.Safety
	case "sentiment":
		m = c.Models.Sentiment
	case "evaluator":
		m = c.Models.Evaluator
	}
	if m == "" {
		m = c.Models.Default
	}
	return m
}

// APIKey returns the credential for the configured provider. Nova uses AWS
// credentials and has none.
func (c Config) APIKey() string {
	switch c.Provider {
	case "gemini":
		return c.APIKeys.Gemini
	case "claude":
		return c.APIKeys.Anthropic
	case "openai":
		return c.APIKeys.OpenAI
	}
	return ""
}
