// Package agent provides the LLM client factory with middleware chain construction.
package agent

import (
	"fmt"

	"insights/pkg/agent/internal/llmimpl/anthropic"
	"insights/pkg/agent/internal/llmimpl/google"
	"insights/pkg/agent/internal/llmimpl/ollama"
	"insights/pkg/agent/internal/llmimpl/openai"
	"insights/pkg/agent/llm"
	"insights/pkg/agent/middleware/metrics"
	"insights/pkg/agent/middleware/retry"
	"insights/pkg/agent/middleware/timeout"
	"insights/pkg/config"
	"insights/pkg/logx"
)

// LLMClientFactory creates LLM clients with properly configured middleware chains.
type LLMClientFactory struct {
	cfg      config.Config
	recorder metrics.Recorder
}

// NewLLMClientFactory creates a new LLM client factory with the given configuration.
// When metrics are disabled in config, a no-op recorder is used.
func NewLLMClientFactory(cfg config.Config) *LLMClientFactory {
	var recorder metrics.Recorder = metrics.Nop()
	if cfg.Metrics {
		recorder = metrics.NewPrometheusRecorder()
	}

	return &LLMClientFactory{
		cfg:      cfg,
		recorder: recorder,
	}
}

// Recorder exposes the factory's metrics recorder.
func (f *LLMClientFactory) Recorder() metrics.Recorder {
	return f.recorder
}

// CreateClient creates an LLM client for the given model with the full middleware chain.
// The credential is retrieved from environment variables based on the model's provider.
// sessionID and agentName label the metrics this client emits.
func (f *LLMClientFactory) CreateClient(modelName, sessionID, agentName string, logger *logx.Logger) (llm.LLMClient, error) {
	provider, err := config.GetModelProvider(modelName)
	if err != nil {
		return nil, fmt.Errorf("failed to determine provider for model %s: %w", modelName, err)
	}

	apiKey, err := config.GetAPIKey(provider)
	if err != nil {
		return nil, fmt.Errorf("failed to get credential for provider %s: %w", provider, err)
	}

	upstream := config.NormalizeModelName(modelName)

	var rawClient llm.LLMClient
	switch provider {
	case config.ProviderAnthropic:
		rawClient = anthropic.NewClaudeClient(apiKey, upstream)
	case config.ProviderOpenAI:
		rawClient = openai.NewClient(apiKey, upstream)
	case config.ProviderGoogle:
		rawClient = google.NewGeminiClient(apiKey, upstream)
	case config.ProviderOllama:
		// For Ollama the "key" is the host URL
		rawClient = ollama.NewClient(apiKey, upstream)
	default:
		return nil, fmt.Errorf("unsupported provider: %s", provider)
	}

	retryPolicy := retry.NewPolicy(retry.Config{
		MaxAttempts:   f.cfg.Resilience.Retry.MaxAttempts,
		InitialDelay:  f.cfg.Resilience.Retry.InitialDelay,
		MaxDelay:      f.cfg.Resilience.Retry.MaxDelay,
		BackoffFactor: f.cfg.Resilience.Retry.BackoffFactor,
		Jitter:        f.cfg.Resilience.Retry.Jitter,
	}, nil) // Default classifier

	// Middleware chain: Metrics -> Retry -> Timeout -> RawClient
	client := llm.Chain(rawClient,
		metrics.Middleware(f.recorder, nil, sessionID, agentName, logger),
		retry.Middleware(retryPolicy),
		timeout.Middleware(f.cfg.Resilience.Timeout),
	)

	return client, nil
}
