package handlers

import (
	"context"
	"fmt"

	"trialtrends/internal/config"
	"trialtrends/internal/llm"
	"trialtrends/internal/logger"
	"trialtrends/internal/observability"
	"trialtrends/internal/persistence"
	"trialtrends/internal/retry"
)

// databaseConfig maps the database section onto the executor's explicit config
func databaseConfig(db config.Database) persistence.Config {
	return persistence.Config{
		Driver:       db.Driver,
		Host:         db.Host,
		Port:         db.Port,
		User:         db.User,
		Password:     db.Password,
		DBName:       db.Name,
		SSLMode:      db.SSLMode,
		Path:         db.Path,
		Timeout:      db.TimeoutDuration(),
		MaxOpenConns: db.MaxOpenConns,
	}
}

// retryPolicy builds the shared retry policy from the retry section
func retryPolicy(r config.Retry) retry.Policy {
	policy := retry.DefaultPolicy()
	policy.MaxAttempts = r.MaxAttempts
	policy.InitialInterval, policy.MaxInterval = r.Backoffs()
	return policy
}

func tracingConfig(t config.Tracing) observability.TracingConfig {
	return observability.TracingConfig{
		Exporter:    t.Exporter,
		Endpoint:    t.Endpoint,
		ServiceName: t.ServiceName,
		Version:     version,
		SampleRatio: t.SampleRatio,
	}
}

// openSource connects to the configured database and returns the AACT source
// with its database handle. The caller closes the handle.
func openSource(ctx context.Context, cfg *config.Config) (*persistence.AACTSource, *persistence.DB, error) {
	dbCfg := databaseConfig(cfg.Database)
	logger.Info("Connecting to database", "target", dbCfg.Redacted())

	db, err := persistence.Open(ctx, dbCfg)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	return persistence.NewAACTSource(db).WithRetry(retryPolicy(cfg.Retry)), db, nil
}

// newStructuredGenerator creates the configured provider's client, wrapped
// for tracing.
func newStructuredGenerator(ctx context.Context, ai config.AI) (llm.StructuredGenerator, error) {
	if !ai.HasValidAIKey() {
		return nil, fmt.Errorf("no valid API key for provider %q (set GEMINI_API_KEY or ANTHROPIC_API_KEY)", ai.Provider)
	}

	var client llm.StructuredGenerator
	switch ai.Provider {
	case "anthropic":
		c, err := llm.NewAnthropicClient(llm.AnthropicOptions{
			APIKey: ai.Anthropic.APIKey,
			Model:  ai.Anthropic.Model,
		})
		if err != nil {
			return nil, err
		}
		client = c
	default:
		c, err := llm.NewGeminiClient(ctx, llm.GeminiOptions{
			APIKey: ai.Gemini.APIKey,
			Model:  ai.Gemini.Model,
		})
		if err != nil {
			return nil, err
		}
		client = c
	}
	return llm.NewTracedClient(client), nil
}

// generationSettings returns the temperature and output token limit of the
// configured provider.
func generationSettings(ai config.AI) (float64, int) {
	if ai.Provider == "anthropic" {
		return ai.Anthropic.Temperature, int(ai.Anthropic.MaxTokens)
	}
	return float64(ai.Gemini.Temperature), int(ai.Gemini.MaxTokens)
}
