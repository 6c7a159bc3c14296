package pipeline

import (
	"context"
	"errors"
	"log/slog"

	"github.com/aws/aws-sdk-go-v2/aws"

	"github.com/apresai/pairsim/internal/config"
	"github.com/apresai/pairsim/internal/gateway"
)

// Gateways holds one model gateway per role.
type Gateways struct {
	Persona   gateway.Gateway
	Safety    gateway.Gateway
	Sentiment gateway.Gateway
	Evaluator gateway.Gateway
}

// Same uses gw for every role.
func Same(gw gateway.Gateway) Gateways {
	return Gateways{Persona: gw, Safety: gw, Sentiment: gw, Evaluator: gw}
}

func (g Gateways) validate() error {
	if g.Persona == nil || g.Safety == nil || g.Sentiment == nil || g.Evaluator == nil {
		return errors.New("every role needs a gateway")
	}
	return nil
}

// Models is the shared model state: one backend, one rate limiter and one
// usage ledger for every conversation in the process.
type Models struct {
	Backend gateway.Backend
	Limiter *gateway.Limiter
	Usage   *gateway.Usage
	cfg     config.Config
	log     *slog.Logger
}

// NewModels creates the provider backend named by cfg. awsCfg is only used
// by nova.
func NewModels(ctx context.Context, cfg config.Config, awsCfg *aws.Config, logger *slog.Logger) (*Models, error) {
	backend, err := gateway.NewBackend(ctx, cfg.Provider, cfg.APIKey(), awsCfg)
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Models{
		Backend: backend,
		Limiter: gateway.NewLimiter(gateway.LimiterConfig{
			TokensPerMinute:   cfg.RateLimit.TokensPerMinute,
			Headroom:          cfg.RateLimit.Headroom,
			RequestsPerSecond: cfg.RateLimit.RequestsPerSecond,
		}),
		Usage: gateway.NewUsage(),
		cfg:   cfg,
		log:   logger,
	}, nil
}

// Gateways returns per-role clients sharing the limiter and usage ledger.
// Personas use the configured temperature; the classifier roles run cold.
func (m *Models) Gateways() Gateways {
	client := func(role string, temperature float64) gateway.Gateway {
		return gateway.NewClient(m.Backend, gateway.ClientOptions{
			Model:       m.cfg.Model(role),
			Temperature: temperature,
			MaxTokens:   m.cfg.MaxTokens,
			Limiter:     m.Limiter,
			Usage:       m.Usage,
			Logger:      m.log.With("role", role),
		})
	}
	return Gateways{
		Persona:   client("persona", m.cfg.Temperature),
		Safety:    client("safety", 0),
		Sentiment: client("sentiment", 0),
		Evaluator: client("evaluator", 0),
	}
}
