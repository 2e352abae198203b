// Package config provides typed configuration for the insights assistant,
// loaded from YAML with environment-variable API keys.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Provider identifiers.
const (
	ProviderAnthropic = "anthropic"
	ProviderOpenAI    = "openai"
	ProviderGoogle    = "google"
	ProviderOllama    = "ollama"
)

// Environment variable names for API keys.
const (
	EnvAnthropicAPIKey = "ANTHROPIC_API_KEY"
	EnvOpenAIAPIKey    = "OPENAI_API_KEY"
	EnvGoogleAPIKey    = "GEMINI_API_KEY"
	EnvOllamaHost      = "OLLAMA_HOST"
)

// ProviderPattern maps a model-name prefix to its provider.
type ProviderPattern struct {
	Prefix   string
	Provider string
}

// ProviderPatterns is checked in order; first prefix match wins.
//
//nolint:gochecknoglobals // Static lookup table
var ProviderPatterns = []ProviderPattern{
	{Prefix: "claude-", Provider: ProviderAnthropic},
	{Prefix: "gpt-", Provider: ProviderOpenAI},
	{Prefix: "o3", Provider: ProviderOpenAI},
	{Prefix: "o4", Provider: ProviderOpenAI},
	{Prefix: "gemini-", Provider: ProviderGoogle},
	{Prefix: "ollama:", Provider: ProviderOllama},
	{Prefix: "llama", Provider: ProviderOllama},
	{Prefix: "qwen", Provider: ProviderOllama},
	{Prefix: "mistral", Provider: ProviderOllama},
}

// Models assigns a model to each agent role.
type Models struct {
	Supervisor string `yaml:"supervisor"` // Routing decisions
	Insight    string `yaml:"insight"`    // Tool-selection loop
	Analysis   string `yaml:"analysis"`   // Code generation inside tools
	Classifier string `yaml:"classifier"` // Tier mapping
	Summarizer string `yaml:"summarizer"` // Memory compaction
}

// Memory configures the bounded conversation memories.
type Memory struct {
	MaxTokens int `yaml:"max_tokens"` // Per-agent token ceiling before compaction
}

// Insight configures the insight agent loop.
type Insight struct {
	MaxIterations int `yaml:"max_iterations"` // Tool-loop iteration cap
}

// Session configures conversation orchestration.
type Session struct {
	MaxAutoTurns int    `yaml:"max_auto_turns"` // Ceiling on consecutive automatic turns
	ArtifactDir  string `yaml:"artifact_dir"`   // Where chart JSON files are written
}

// Datasets points at the tabular inputs.
type Datasets struct {
	ExpenseCSV string `yaml:"expense_csv"`
	BudgetCSV  string `yaml:"budget_csv"`
}

// Retry configures the retry middleware.
type Retry struct {
	MaxAttempts   int           `yaml:"max_attempts"`
	InitialDelay  time.Duration `yaml:"initial_delay"`
	MaxDelay      time.Duration `yaml:"max_delay"`
	BackoffFactor float64       `yaml:"backoff_factor"`
	Jitter        bool          `yaml:"jitter"`
}

// Resilience groups the middleware settings.
type Resilience struct {
	Retry   Retry         `yaml:"retry"`
	Timeout time.Duration `yaml:"timeout"`
}

// Config is the root configuration object.
type Config struct {
	Models     Models     `yaml:"models"`
	Memory     Memory     `yaml:"memory"`
	Insight    Insight    `yaml:"insight"`
	Session    Session    `yaml:"session"`
	Datasets   Datasets   `yaml:"datasets"`
	Resilience Resilience `yaml:"resilience"`
	Metrics    bool       `yaml:"metrics"` // Enable Prometheus metrics recording
}

// Default creates a Config with validated defaults applied.
func Default() Config {
	return Config{
		Models: Models{
			Supervisor: "gpt-4o",
			Insight:    "gpt-4o",
			Analysis:   "gpt-4o",
			Classifier: "gpt-4o",
			Summarizer: "gpt-4o-mini",
		},
		Memory:  Memory{MaxTokens: 500},
		Insight: Insight{MaxIterations: 10},
		Session: Session{
			MaxAutoTurns: 10,
			ArtifactDir:  "artifacts",
		},
		Resilience: Resilience{
			Retry: Retry{
				MaxAttempts:   3,
				InitialDelay:  100 * time.Millisecond,
				MaxDelay:      10 * time.Second,
				BackoffFactor: 2.0,
				Jitter:        true,
			},
			Timeout: 120 * time.Second,
		},
	}
}

// Load reads the YAML config at path, layering it over the defaults.
func Load(path string) (Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("failed to read config %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("failed to parse config %s: %w", path, err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

// Validate checks invariants the rest of the system relies on.
func (c *Config) Validate() error {
	if c.Memory.MaxTokens <= 0 {
		return fmt.Errorf("memory.max_tokens must be positive, got %d", c.Memory.MaxTokens)
	}
	if c.Insight.MaxIterations <= 0 {
		return fmt.Errorf("insight.max_iterations must be positive, got %d", c.Insight.MaxIterations)
	}
	if c.Session.MaxAutoTurns <= 0 {
		return fmt.Errorf("session.max_auto_turns must be positive, got %d", c.Session.MaxAutoTurns)
	}
	if c.Session.ArtifactDir == "" {
		return fmt.Errorf("session.artifact_dir cannot be empty")
	}
	for role, model := range map[string]string{
		"supervisor": c.Models.Supervisor,
		"insight":    c.Models.Insight,
		"analysis":   c.Models.Analysis,
		"classifier": c.Models.Classifier,
		"summarizer": c.Models.Summarizer,
	} {
		if model == "" {
			return fmt.Errorf("models.%s cannot be empty", role)
		}
		if _, err := GetModelProvider(model); err != nil {
			return fmt.Errorf("models.%s: %w", role, err)
		}
	}
	if c.Resilience.Retry.MaxAttempts <= 0 {
		return fmt.Errorf("resilience.retry.max_attempts must be positive")
	}
	if c.Resilience.Timeout <= 0 {
		return fmt.Errorf("resilience.timeout must be positive")
	}
	return nil
}

// GetModelProvider determines the API provider for a model name by prefix.
func GetModelProvider(modelName string) (string, error) {
	for i := range ProviderPatterns {
		if strings.HasPrefix(modelName, ProviderPatterns[i].Prefix) {
			return ProviderPatterns[i].Provider, nil
		}
	}
	return "", fmt.Errorf("unknown model '%s': no provider pattern match - cannot determine API provider", modelName)
}

// NormalizeModelName strips provider routing prefixes that are not part of
// the upstream model identifier ("ollama:qwen2.5" -> "qwen2.5").
func NormalizeModelName(modelName string) string {
	return strings.TrimPrefix(modelName, "ollama:")
}

// GetAPIKey returns the credential for a provider from the environment.
// For Ollama, the host URL is returned instead of a key.
func GetAPIKey(provider string) (string, error) {
	var envVar string
	switch provider {
	case ProviderAnthropic:
		envVar = EnvAnthropicAPIKey
	case ProviderOpenAI:
		envVar = EnvOpenAIAPIKey
	case ProviderGoogle:
		envVar = EnvGoogleAPIKey
	case ProviderOllama:
		host := os.Getenv(EnvOllamaHost)
		if host == "" {
			host = "http://localhost:11434"
		}
		return host, nil
	default:
		return "", fmt.Errorf("unknown provider: %s", provider)
	}

	if key := os.Getenv(envVar); key != "" {
		return key, nil
	}

	return "", fmt.Errorf("API key not found: %s not set in environment", envVar)
}
