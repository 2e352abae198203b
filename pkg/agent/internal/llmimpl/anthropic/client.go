// Package anthropic adapts the Claude Messages API to llm.LLMClient.
package anthropic

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"insights/pkg/agent/llm"
	"insights/pkg/agent/llmerrors"
)

// ClaudeClient is the raw provider client. Retries, timeouts, and metrics
// are layered on by middleware.
type ClaudeClient struct {
	client anthropic.Client
	model  anthropic.Model
}

// NewClaudeClient creates a Claude client for the given model.
func NewClaudeClient(apiKey, model string) llm.LLMClient {
	return &ClaudeClient{
		client: anthropic.NewClient(option.WithAPIKey(apiKey)),
		model:  anthropic.Model(model),
	}
}

// normalizeConversation reshapes messages for the Messages API, which
// requires a separate system parameter and a strictly alternating
// user/assistant sequence that starts and ends with a user message.
// Consecutive user messages are merged; system messages are collected
// into the returned prompt.
func normalizeConversation(messages []llm.CompletionMessage) (string, []llm.CompletionMessage, error) {
	if len(messages) == 0 {
		return "", nil, errors.New("empty message list")
	}

	var systemParts []string
	var merged []llm.CompletionMessage
	var pendingUser []string

	flushUser := func() {
		if len(pendingUser) == 0 {
			return
		}
		merged = append(merged, llm.NewUserMessage(strings.Join(pendingUser, "\n\n")))
		pendingUser = nil
	}

	for i := range messages {
		msg := &messages[i]
		switch msg.Role {
		case llm.RoleSystem:
			systemParts = append(systemParts, msg.Content)
		case llm.RoleAssistant:
			flushUser()
			if len(merged) == 0 {
				return "", nil, errors.New("conversation must open with a user message")
			}
			if merged[len(merged)-1].Role == llm.RoleAssistant {
				return "", nil, fmt.Errorf("consecutive assistant messages at index %d", i)
			}
			merged = append(merged, *msg)
		case llm.RoleUser:
			pendingUser = append(pendingUser, msg.Content)
		default:
			return "", nil, fmt.Errorf("role %q not supported by the Messages API", msg.Role)
		}
	}
	flushUser()

	if len(merged) == 0 {
		return "", nil, errors.New("conversation has no user or assistant messages")
	}
	if merged[len(merged)-1].Role != llm.RoleUser {
		return "", nil, errors.New("conversation must end with a user message")
	}

	return strings.Join(systemParts, "\n\n"), merged, nil
}

// Complete implements llm.LLMClient.
func (c *ClaudeClient) Complete(ctx context.Context, in llm.CompletionRequest) (llm.CompletionResponse, error) {
	systemPrompt, conversation, err := normalizeConversation(in.Messages)
	if err != nil {
		return llm.CompletionResponse{}, llmerrors.NewError(llmerrors.ErrorTypeBadPrompt,
			fmt.Sprintf("invalid conversation shape: %v", err))
	}

	params := anthropic.MessageNewParams{
		Model:       c.model,
		Messages:    toMessageParams(conversation),
		MaxTokens:   int64(in.MaxTokens),
		Temperature: anthropic.Float(float64(in.Temperature)),
	}
	if systemPrompt != "" {
		params.System = []anthropic.TextBlockParam{{Type: "text", Text: systemPrompt}}
	}
	if len(in.Tools) > 0 {
		params.Tools = toToolParams(in.Tools)
		params.ToolChoice = toToolChoice(in.ToolChoice)
	}

	resp, err := c.client.Messages.New(ctx, params)
	if err != nil {
		return llm.CompletionResponse{}, classifyError(err)
	}
	if resp == nil || len(resp.Content) == 0 {
		return llm.CompletionResponse{}, llmerrors.NewError(llmerrors.ErrorTypeEmptyResponse,
			"Claude returned no content blocks")
	}

	return decodeResponse(resp)
}

// Stream implements llm.LLMClient. The session consumes whole completions,
// so streaming delegates to Complete and emits a single chunk.
func (c *ClaudeClient) Stream(ctx context.Context, in llm.CompletionRequest) (<-chan llm.StreamChunk, error) {
	ch := make(chan llm.StreamChunk, 1)
	go func() {
		defer close(ch)
		resp, err := c.Complete(ctx, in)
		if err != nil {
			ch <- llm.StreamChunk{Error: err}
			return
		}
		ch <- llm.StreamChunk{Content: resp.Content}
		ch <- llm.StreamChunk{Done: true}
	}()
	return ch, nil
}

// GetModelName implements llm.LLMClient.
func (c *ClaudeClient) GetModelName() string {
	return string(c.model)
}

func toMessageParams(conversation []llm.CompletionMessage) []anthropic.MessageParam {
	out := make([]anthropic.MessageParam, 0, len(conversation))
	for i := range conversation {
		msg := &conversation[i]
		out = append(out, anthropic.MessageParam{
			Role:    anthropic.MessageParamRole(msg.Role),
			Content: []anthropic.ContentBlockParamUnion{anthropic.NewTextBlock(msg.Content)},
		})
	}
	return out
}

func toToolParams(defs []llm.ToolDefinition) []anthropic.ToolUnionParam {
	out := make([]anthropic.ToolUnionParam, 0, len(defs))
	for i := range defs {
		def := &defs[i]
		schema := anthropic.ToolInputSchemaParam{
			Type:       "object",
			Properties: def.Parameters["properties"],
			Required:   requiredNames(def.Parameters["required"]),
		}
		out = append(out, anthropic.ToolUnionParamOfTool(schema, def.Name))
	}
	return out
}

// toToolChoice maps the portable tool-choice string: "auto" (also the
// default), "any" forces some tool call, anything else forces that named
// tool.
func toToolChoice(choice string) anthropic.ToolChoiceUnionParam {
	switch choice {
	case "", "auto":
		return anthropic.ToolChoiceUnionParam{OfAuto: &anthropic.ToolChoiceAutoParam{}}
	case "any":
		return anthropic.ToolChoiceUnionParam{OfAny: &anthropic.ToolChoiceAnyParam{}}
	default:
		return anthropic.ToolChoiceUnionParam{OfTool: &anthropic.ToolChoiceToolParam{Name: choice}}
	}
}

func requiredNames(v any) []string {
	switch names := v.(type) {
	case []string:
		return names
	case []any:
		out := make([]string, 0, len(names))
		for _, n := range names {
			if s, ok := n.(string); ok {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}

func decodeResponse(resp *anthropic.Message) (llm.CompletionResponse, error) {
	var text strings.Builder
	var calls []llm.ToolCall

	for i := range resp.Content {
		block := &resp.Content[i]
		switch block.Type {
		case "text":
			text.WriteString(block.AsText().Text)
		case "tool_use":
			use := block.AsToolUse()
			var args map[string]any
			if err := json.Unmarshal(use.Input, &args); err != nil {
				return llm.CompletionResponse{}, llmerrors.NewErrorWithCause(llmerrors.ErrorTypeBadPrompt,
					err, fmt.Sprintf("undecodable input for tool %s", use.Name))
			}
			calls = append(calls, llm.ToolCall{ID: use.ID, Name: use.Name, Parameters: args})
		}
	}

	return llm.CompletionResponse{
		Content:    text.String(),
		ToolCalls:  calls,
		StopReason: string(resp.StopReason),
	}, nil
}

// classifyError maps an SDK failure onto the shared error taxonomy. The
// SDK surfaces HTTP failures as *anthropic.Error with a status code;
// transport failures fall back to message inspection.
func classifyError(err error) *llmerrors.Error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return llmerrors.NewErrorWithCause(llmerrors.ErrorTypeTransient, err, "request aborted")
	}

	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) {
		switch code := apiErr.StatusCode; {
		case code == 401 || code == 403:
			return llmerrors.NewErrorWithStatus(llmerrors.ErrorTypeAuth, code, "credential rejected by Anthropic")
		case code == 429:
			return llmerrors.NewErrorWithStatus(llmerrors.ErrorTypeRateLimit, code, "Anthropic rate limit hit")
		case code == 400 || code == 404 || code == 422:
			return llmerrors.NewErrorWithStatus(llmerrors.ErrorTypeBadPrompt, code, "Anthropic rejected the request")
		case code >= 500:
			return llmerrors.NewErrorWithStatus(llmerrors.ErrorTypeTransient, code, "Anthropic server error")
		}
	}

	lower := strings.ToLower(err.Error())
	switch {
	case containsAny(lower, "timeout", "connection", "network", "eof", "reset"):
		return llmerrors.NewErrorWithCause(llmerrors.ErrorTypeTransient, err, "transport failure")
	case containsAny(lower, "rate", "quota", "overloaded"):
		return llmerrors.NewErrorWithCause(llmerrors.ErrorTypeRateLimit, err, "rate limiting detected")
	case containsAny(lower, "auth", "api key", "unauthorized"):
		return llmerrors.NewErrorWithCause(llmerrors.ErrorTypeAuth, err, "authentication failure")
	case containsAny(lower, "invalid", "malformed", "too large"):
		return llmerrors.NewErrorWithCause(llmerrors.ErrorTypeBadPrompt, err, "request rejected")
	}
	return llmerrors.NewErrorWithCause(llmerrors.ErrorTypeUnknown, err, "unclassified Anthropic error")
}

func containsAny(text string, fragments ...string) bool {
	for _, fragment := range fragments {
		if strings.Contains(text, fragment) {
			return true
		}
	}
	return false
}
