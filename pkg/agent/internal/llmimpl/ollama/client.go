// Package ollama adapts a local Ollama server to llm.LLMClient, for
// running the assistant against open-weight models without any cloud
// credential.
package ollama

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/ollama/ollama/api"

	"insights/pkg/agent/llm"
	"insights/pkg/agent/llmerrors"
)

const defaultHost = "http://localhost:11434"

// Client is the raw provider client. Retries, timeouts, and metrics are
// layered on by middleware.
type Client struct {
	client *api.Client
	model  string
}

// NewClient creates a client against the given server URL. An unparsable
// URL falls back to the default local host.
func NewClient(hostURL, model string) llm.LLMClient {
	parsed, err := url.Parse(hostURL)
	if err != nil || parsed.Host == "" {
		parsed, _ = url.Parse(defaultHost)
	}
	return &Client{
		client: api.NewClient(parsed, http.DefaultClient),
		model:  model,
	}
}

// Complete implements llm.LLMClient.
func (o *Client) Complete(ctx context.Context, in llm.CompletionRequest) (llm.CompletionResponse, error) {
	if len(in.Messages) == 0 {
		return llm.CompletionResponse{}, llmerrors.NewError(llmerrors.ErrorTypeBadPrompt, "empty message list")
	}

	noStream := false
	req := &api.ChatRequest{
		Model:    o.model,
		Messages: toMessages(in.Messages),
		Stream:   &noStream,
		Options: map[string]any{
			"temperature": in.Temperature,
			"num_predict": in.MaxTokens,
		},
	}
	if len(in.Tools) > 0 {
		req.Tools = toTools(in.Tools)
	}

	var last api.ChatResponse
	err := o.client.Chat(ctx, req, func(resp api.ChatResponse) error {
		last = resp
		return nil
	})
	if err != nil {
		return llm.CompletionResponse{}, classifyError(err)
	}

	return llm.CompletionResponse{
		Content:    last.Message.Content,
		ToolCalls:  fromToolCalls(last.Message.ToolCalls),
		StopReason: stopReason(&last),
	}, nil
}

// Stream implements llm.LLMClient by delegating to Complete; the session
// consumes whole completions.
func (o *Client) Stream(ctx context.Context, in llm.CompletionRequest) (<-chan llm.StreamChunk, error) {
	ch := make(chan llm.StreamChunk, 1)
	go func() {
		defer close(ch)
		resp, err := o.Complete(ctx, in)
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
func (o *Client) GetModelName() string {
	return o.model
}

// toMessages passes roles straight through; Ollama accepts system, user,
// and assistant in the messages array.
func toMessages(messages []llm.CompletionMessage) []api.Message {
	out := make([]api.Message, len(messages))
	for i := range messages {
		out[i] = api.Message{
			Role:    string(messages[i].Role),
			Content: messages[i].Content,
		}
	}
	return out
}

func toTools(defs []llm.ToolDefinition) api.Tools {
	out := make(api.Tools, len(defs))
	for i := range defs {
		def := &defs[i]

		properties := api.NewToolPropertiesMap()
		if props, ok := def.Parameters["properties"].(map[string]any); ok {
			for name, raw := range props {
				properties.Set(name, toProperty(raw))
			}
		}

		out[i] = api.Tool{
			Type: "function",
			Function: api.ToolFunction{
				Name:        def.Name,
				Description: def.Description,
				Parameters: api.ToolFunctionParameters{
					Type:       "object",
					Properties: properties,
					Required:   requiredNames(def.Parameters["required"]),
				},
			},
		}
	}
	return out
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

func toProperty(raw any) api.ToolProperty {
	prop, ok := raw.(map[string]any)
	if !ok {
		return api.ToolProperty{Type: api.PropertyType{"string"}}
	}

	out := api.ToolProperty{}
	if t, ok := prop["type"].(string); ok {
		out.Type = api.PropertyType{t}
	}
	if desc, ok := prop["description"].(string); ok {
		out.Description = desc
	}
	if values, ok := prop["enum"].([]any); ok {
		out.Enum = values
	}
	if items, ok := prop["items"]; ok {
		out.Items = items
	}
	return out
}

func fromToolCalls(calls []api.ToolCall) []llm.ToolCall {
	if len(calls) == 0 {
		return nil
	}
	out := make([]llm.ToolCall, len(calls))
	for i := range calls {
		call := &calls[i]
		params := make(map[string]any)
		for name, value := range call.Function.Arguments.All() {
			params[name] = value
		}
		out[i] = llm.ToolCall{
			// Ollama assigns no call IDs; index order is stable
			ID:         fmt.Sprintf("call_%d", i),
			Name:       call.Function.Name,
			Parameters: params,
		}
	}
	return out
}

func stopReason(resp *api.ChatResponse) string {
	if !resp.Done {
		return "incomplete"
	}
	switch resp.DoneReason {
	case "stop", "":
		return "end_turn"
	case "length":
		return "max_tokens"
	default:
		return resp.DoneReason
	}
}

// classifyError maps server failures onto the shared error taxonomy. The
// Ollama client exposes no structured status, so this matches on message
// text.
func classifyError(err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return llmerrors.NewErrorWithCause(llmerrors.ErrorTypeTransient, err, "request aborted")
	}

	text := err.Error()
	switch {
	case strings.Contains(text, "connection refused"):
		return llmerrors.NewErrorWithCause(llmerrors.ErrorTypeTransient, err, "Ollama server not reachable")
	case strings.Contains(text, "model") && strings.Contains(text, "not found"):
		return llmerrors.NewErrorWithCause(llmerrors.ErrorTypeBadPrompt, err, "model not pulled on the Ollama server")
	case strings.Contains(text, "timeout"):
		return llmerrors.NewErrorWithCause(llmerrors.ErrorTypeTransient, err, "request timed out")
	default:
		return llmerrors.NewErrorWithCause(llmerrors.ErrorTypeUnknown, err, "unclassified Ollama error")
	}
}
