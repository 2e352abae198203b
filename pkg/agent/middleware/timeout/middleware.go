// Package timeout bounds each model call with a per-request deadline.
package timeout

import (
	"context"
	"time"

	"insights/pkg/agent/llm"
)

// Middleware applies the deadline to every Complete and Stream call so a
// stuck provider cannot hang a session turn. The retry middleware sits
// outside this one, so each retry attempt gets a fresh deadline.
func Middleware(limit time.Duration) llm.Middleware {
	return func(next llm.LLMClient) llm.LLMClient {
		bound := func(ctx context.Context) (context.Context, context.CancelFunc) {
			return context.WithTimeout(ctx, limit)
		}
		return llm.WrapClient(
			func(ctx context.Context, req llm.CompletionRequest) (llm.CompletionResponse, error) {
				ctx, cancel := bound(ctx)
				defer cancel()
				return next.Complete(ctx, req)
			},
			func(ctx context.Context, req llm.CompletionRequest) (<-chan llm.StreamChunk, error) {
				ctx, cancel := bound(ctx)
				defer cancel()
				return next.Stream(ctx, req)
			},
			next.GetModelName,
		)
	}
}
