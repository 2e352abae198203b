// Package retry wraps model clients with classified-error retries and
// exponential backoff.
package retry

import (
	"context"
	"errors"
	"math"
	"strings"
	"time"

	"insights/pkg/agent/llmerrors"
)

// Config tunes the retry loop.
type Config struct {
	MaxAttempts   int           `yaml:"max_attempts"`   // Total attempts, including the first
	InitialDelay  time.Duration `yaml:"initial_delay"`  // Delay before the first retry
	MaxDelay      time.Duration `yaml:"max_delay"`      // Backoff ceiling
	BackoffFactor float64       `yaml:"backoff_factor"` // Per-retry delay multiplier
	Jitter        bool          `yaml:"jitter"`         // Spread delays to avoid synchronized retries
}

// DefaultConfig is used when the caller passes a zero MaxAttempts.
//
//nolint:gochecknoglobals // Package default
var DefaultConfig = Config{
	MaxAttempts:   3,
	InitialDelay:  100 * time.Millisecond,
	MaxDelay:      10 * time.Second,
	BackoffFactor: 2.0,
	Jitter:        true,
}

// Classifier decides whether an error is worth retrying.
type Classifier func(error) bool

// Substring fallbacks for errors that escaped provider classification.
//
//nolint:gochecknoglobals // Static lookup tables
var (
	retryableFragments = []string{
		"timeout", "connection", "network", "temporary",
		"rate", "429",
		"500", "502", "503", "504",
	}
	permanentFragments = []string{"400", "401", "403", "404"}
)

// ShouldRetry is the default classifier. A classified error carries its own
// retryability; anything else is matched against known transport failure
// text, defaulting to no retry.
func ShouldRetry(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}

	var llmErr *llmerrors.Error
	if errors.As(err, &llmErr) {
		return llmErr.IsRetryable()
	}

	text := err.Error()
	for _, fragment := range permanentFragments {
		if strings.Contains(text, fragment) {
			return false
		}
	}
	for _, fragment := range retryableFragments {
		if strings.Contains(text, fragment) {
			return true
		}
	}
	return false
}

// Policy pairs a retry configuration with an error classifier.
type Policy struct {
	Config     Config
	Classifier Classifier
}

// NewPolicy creates a policy. A nil classifier selects ShouldRetry; a zero
// MaxAttempts selects DefaultConfig.
func NewPolicy(config Config, classifier Classifier) *Policy {
	if config.MaxAttempts <= 0 {
		config = DefaultConfig
	}
	if classifier == nil {
		classifier = ShouldRetry
	}
	return &Policy{Config: config, Classifier: classifier}
}

// CalculateDelay computes the backoff before the given attempt. The first
// attempt is immediate; later attempts grow exponentially up to MaxDelay,
// with optional ±10% jitter.
func (p *Policy) CalculateDelay(attempt int) time.Duration {
	if attempt <= 1 {
		return 0
	}

	delay := time.Duration(float64(p.Config.InitialDelay) *
		math.Pow(p.Config.BackoffFactor, float64(attempt-2)))
	if delay > p.Config.MaxDelay {
		delay = p.Config.MaxDelay
	}

	if p.Config.Jitter && delay > 0 {
		sign := time.Duration(2*(time.Now().UnixNano()%2) - 1)
		delay += sign * time.Duration(float64(delay)*0.1)
		if delay < 0 {
			delay = p.Config.InitialDelay
		}
	}
	return delay
}

// ShouldRetry applies the configured classifier.
func (p *Policy) ShouldRetry(err error) bool {
	return p.Classifier(err)
}
