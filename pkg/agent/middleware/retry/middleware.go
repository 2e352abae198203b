package retry

import (
	"context"
	"fmt"
	"time"

	"insights/pkg/agent/llm"
	"insights/pkg/agent/llmerrors"
)

// Middleware wraps a client with the policy's retry loop. When a retryable
// error survives every attempt it is reported as ServiceUnavailable so
// callers upstream stop retrying and fail the turn.
func Middleware(policy *Policy) llm.Middleware {
	return func(next llm.LLMClient) llm.LLMClient {
		return llm.WrapClient(
			func(ctx context.Context, req llm.CompletionRequest) (llm.CompletionResponse, error) {
				return attempt(ctx, policy, func() (llm.CompletionResponse, error) {
					return next.Complete(ctx, req)
				})
			},
			func(ctx context.Context, req llm.CompletionRequest) (<-chan llm.StreamChunk, error) {
				return attempt(ctx, policy, func() (<-chan llm.StreamChunk, error) {
					return next.Stream(ctx, req)
				})
			},
			next.GetModelName,
		)
	}
}

func attempt[T any](ctx context.Context, policy *Policy, call func() (T, error)) (T, error) {
	var zero T
	var lastErr error

	for n := 1; n <= policy.Config.MaxAttempts; n++ {
		if delay := policy.CalculateDelay(n); delay > 0 {
			select {
			case <-ctx.Done():
				return zero, fmt.Errorf("retry cancelled: %w", ctx.Err())
			case <-time.After(delay):
			}
		}

		result, err := call()
		if err == nil {
			return result, nil
		}
		lastErr = err
		if !policy.ShouldRetry(err) {
			return zero, lastErr
		}
	}

	return zero, llmerrors.NewServiceUnavailableError(lastErr, policy.Config.MaxAttempts)
}
