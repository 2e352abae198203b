package metrics

import (
	"context"
	"errors"
	"time"

	"insights/pkg/agent/llm"
	"insights/pkg/agent/llmerrors"
	"insights/pkg/logx"
	"insights/pkg/utils"
)

// UsageExtractor counts the tokens a request/response pair consumed.
type UsageExtractor func(req llm.CompletionRequest, resp llm.CompletionResponse) (promptTokens, completionTokens int)

// DefaultUsageExtractor counts with the shared tiktoken encoder.
func DefaultUsageExtractor(req llm.CompletionRequest, resp llm.CompletionResponse) (int, int) {
	var prompt int
	for i := range req.Messages {
		prompt += utils.CountTokensSimple(req.Messages[i].Content)
	}
	return prompt, utils.CountTokensSimple(resp.Content)
}

// Middleware records one Sample per model call and logs it. A nil
// usageExtractor selects DefaultUsageExtractor; a nil logger disables the
// per-call log line.
func Middleware(recorder Recorder, usageExtractor UsageExtractor, sessionID, agent string, logger *logx.Logger) llm.Middleware {
	if usageExtractor == nil {
		usageExtractor = DefaultUsageExtractor
	}

	return func(next llm.LLMClient) llm.LLMClient {
		observe := func(s Sample) {
			recorder.ObserveRequest(s)
			if logger == nil {
				return
			}
			status := "success"
			if !s.OK() {
				status = "error:" + s.ErrorType
			}
			logger.Info("model call: model=%s session=%s agent=%s tokens=%d+%d status=%s duration=%dms",
				s.Model, s.SessionID, s.Agent, s.PromptTokens, s.CompletionTokens, status, s.Duration.Milliseconds())
		}

		return llm.WrapClient(
			func(ctx context.Context, req llm.CompletionRequest) (llm.CompletionResponse, error) {
				start := time.Now()
				resp, err := next.Complete(ctx, req)

				sample := Sample{
					Model:     next.GetModelName(),
					SessionID: sessionID,
					Agent:     agent,
					ErrorType: labelFor(err),
					Duration:  time.Since(start),
				}
				if err == nil {
					sample.PromptTokens, sample.CompletionTokens = usageExtractor(req, resp)
				}
				observe(sample)

				return resp, err //nolint:wrapcheck // Pass-through
			},
			func(ctx context.Context, req llm.CompletionRequest) (<-chan llm.StreamChunk, error) {
				start := time.Now()
				ch, err := next.Stream(ctx, req)

				// Streams record setup latency only; counting tokens would
				// mean consuming the stream here.
				observe(Sample{
					Model:     next.GetModelName(),
					SessionID: sessionID,
					Agent:     agent,
					ErrorType: labelFor(err),
					Duration:  time.Since(start),
				})

				return ch, err //nolint:wrapcheck // Pass-through
			},
			next.GetModelName,
		)
	}
}

// labelFor renders an error as a stable metrics label, empty on success.
func labelFor(err error) string {
	if err == nil {
		return ""
	}

	var llmErr *llmerrors.Error
	if errors.As(err, &llmErr) {
		return llmErr.Type.String()
	}
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	case errors.Is(err, context.Canceled):
		return "canceled"
	default:
		return "unknown"
	}
}
