package contextmgr

import (
	"context"
	"fmt"
	"strings"

	"insights/pkg/agent/llm"
)

const summarizerPrompt = `Progressively summarize the conversation below. Carry forward facts, figures, and category names the assistant may need later. Respond with the updated summary only.`

// LLMSummarizer compacts evicted messages with a model call.
type LLMSummarizer struct {
	client llm.LLMClient
}

// NewLLMSummarizer creates a summarizer backed by the given client.
func NewLLMSummarizer(client llm.LLMClient) *LLMSummarizer {
	return &LLMSummarizer{client: client}
}

// Summarize implements Summarizer.
func (s *LLMSummarizer) Summarize(ctx context.Context, priorSummary string, evicted []Message) (string, error) {
	var b strings.Builder
	if priorSummary != "" {
		fmt.Fprintf(&b, "Current summary:\n%s\n\n", priorSummary)
	}
	b.WriteString("New lines of conversation:\n")
	for _, m := range evicted {
		fmt.Fprintf(&b, "%s: %s\n", m.Role, m.Content)
	}

	req := llm.NewCompletionRequest([]llm.CompletionMessage{
		llm.NewSystemMessage(summarizerPrompt),
		llm.NewUserMessage(b.String()),
	})
	req.Temperature = llm.TemperatureDeterministic

	resp, err := s.client.Complete(ctx, req)
	if err != nil {
		return "", fmt.Errorf("summarize conversation: %w", err)
	}
	return strings.TrimSpace(resp.Content), nil
}
