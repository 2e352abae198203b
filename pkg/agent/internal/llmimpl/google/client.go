// Package google adapts the Gemini API to llm.LLMClient.
package google

import (
	"context"
	"errors"
	"fmt"

	"google.golang.org/genai"

	"insights/pkg/agent/llm"
	"insights/pkg/agent/llmerrors"
)

// GeminiClient is the raw provider client. Retries, timeouts, and metrics
// are layered on by middleware.
type GeminiClient struct {
	client *genai.Client
	apiKey string
	model  string
}

// NewGeminiClient creates a Gemini client for the given model. The
// underlying SDK client needs a context, so it is built lazily on the
// first Complete call.
func NewGeminiClient(apiKey, model string) llm.LLMClient {
	return &GeminiClient{apiKey: apiKey, model: model}
}

func (g *GeminiClient) ensureClient(ctx context.Context) error {
	if g.client != nil {
		return nil
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  g.apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return llmerrors.NewErrorWithCause(llmerrors.ErrorTypeAuth, err, "Gemini client setup failed")
	}
	g.client = client
	return nil
}

// Complete implements llm.LLMClient.
func (g *GeminiClient) Complete(ctx context.Context, in llm.CompletionRequest) (llm.CompletionResponse, error) {
	if err := g.ensureClient(ctx); err != nil {
		return llm.CompletionResponse{}, err
	}

	contents, system, err := toContents(in.Messages)
	if err != nil {
		return llm.CompletionResponse{}, llmerrors.NewError(llmerrors.ErrorTypeBadPrompt,
			fmt.Sprintf("invalid conversation shape: %v", err))
	}

	//nolint:gosec // Token budgets are far below int32 range
	config := &genai.GenerateContentConfig{
		Temperature:     &in.Temperature,
		MaxOutputTokens: int32(in.MaxTokens),
	}
	if system != "" {
		config.SystemInstruction = &genai.Content{Parts: []*genai.Part{{Text: system}}}
	}
	if len(in.Tools) > 0 {
		config.Tools = []*genai.Tool{{FunctionDeclarations: toDeclarations(in.Tools)}}
		// Gemini has no per-tool forcing; any explicit choice maps to mode
		// ANY, which also avoids the empty responses Gemini sometimes gives
		// when left to decide over complex schemas.
		if in.ToolChoice != "" && in.ToolChoice != "auto" {
			config.ToolConfig = &genai.ToolConfig{
				FunctionCallingConfig: &genai.FunctionCallingConfig{Mode: genai.FunctionCallingConfigModeAny},
			}
		}
	}

	result, err := g.client.Models.GenerateContent(ctx, g.model, contents, config)
	if err != nil {
		return llm.CompletionResponse{}, classifyError(err)
	}
	if result == nil {
		return llm.CompletionResponse{}, llmerrors.NewError(llmerrors.ErrorTypeEmptyResponse, "nil Gemini response")
	}

	resp := llm.CompletionResponse{
		Content:    result.Text(),
		ToolCalls:  fromFunctionCalls(result.FunctionCalls()),
		StopReason: "end_turn",
	}
	if resp.Content == "" && len(resp.ToolCalls) == 0 {
		return llm.CompletionResponse{}, llmerrors.NewError(llmerrors.ErrorTypeEmptyResponse,
			"Gemini returned neither text nor tool calls")
	}
	return resp, nil
}

// Stream implements llm.LLMClient by delegating to Complete; the session
// consumes whole completions.
func (g *GeminiClient) Stream(ctx context.Context, in llm.CompletionRequest) (<-chan llm.StreamChunk, error) {
	ch := make(chan llm.StreamChunk, 1)
	go func() {
		defer close(ch)
		resp, err := g.Complete(ctx, in)
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
func (g *GeminiClient) GetModelName() string {
	return g.model
}

// toContents splits messages into Gemini contents plus the joined system
// instruction. Gemini names the assistant role "model"; empty messages are
// dropped.
func toContents(messages []llm.CompletionMessage) ([]*genai.Content, string, error) {
	if len(messages) == 0 {
		return nil, "", errors.New("empty message list")
	}

	var system string
	var contents []*genai.Content
	for i := range messages {
		msg := &messages[i]
		switch msg.Role {
		case llm.RoleSystem:
			if system != "" {
				system += "\n\n"
			}
			system += msg.Content
		case llm.RoleUser, llm.RoleAssistant:
			if msg.Content == "" {
				continue
			}
			role := "user"
			if msg.Role == llm.RoleAssistant {
				role = "model"
			}
			contents = append(contents, &genai.Content{
				Role:  role,
				Parts: []*genai.Part{{Text: msg.Content}},
			})
		default:
			return nil, "", fmt.Errorf("unsupported role: %s", msg.Role)
		}
	}
	return contents, system, nil
}

func toDeclarations(defs []llm.ToolDefinition) []*genai.FunctionDeclaration {
	out := make([]*genai.FunctionDeclaration, len(defs))
	for i := range defs {
		def := &defs[i]

		properties := map[string]*genai.Schema{}
		if props, ok := def.Parameters["properties"].(map[string]any); ok {
			for name, raw := range props {
				properties[name] = toSchema(raw)
			}
		}

		out[i] = &genai.FunctionDeclaration{
			Name:        def.Name,
			Description: def.Description,
			Parameters: &genai.Schema{
				Type:       genai.TypeObject,
				Properties: properties,
				Required:   requiredNames(def.Parameters["required"]),
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

// toSchema converts one JSON-schema property to the Gemini schema type,
// recursing into arrays and objects. Unknown types degrade to string.
func toSchema(raw any) *genai.Schema {
	prop, ok := raw.(map[string]any)
	if !ok {
		return &genai.Schema{Type: genai.TypeString}
	}

	schema := &genai.Schema{Type: genai.TypeString}
	if desc, ok := prop["description"].(string); ok {
		schema.Description = desc
	}

	switch prop["type"] {
	case "number":
		schema.Type = genai.TypeNumber
	case "integer":
		schema.Type = genai.TypeInteger
	case "boolean":
		schema.Type = genai.TypeBoolean
	case "array":
		schema.Type = genai.TypeArray
		if items, ok := prop["items"]; ok {
			schema.Items = toSchema(items)
		}
	case "object":
		schema.Type = genai.TypeObject
		if props, ok := prop["properties"].(map[string]any); ok {
			schema.Properties = map[string]*genai.Schema{}
			for name, child := range props {
				schema.Properties[name] = toSchema(child)
			}
		}
	}

	if values, ok := prop["enum"].([]any); ok {
		for _, v := range values {
			if s, ok := v.(string); ok {
				schema.Enum = append(schema.Enum, s)
			}
		}
	}
	return schema
}

func fromFunctionCalls(calls []*genai.FunctionCall) []llm.ToolCall {
	if len(calls) == 0 {
		return nil
	}
	out := make([]llm.ToolCall, len(calls))
	for i, call := range calls {
		// Gemini omits call IDs at times; the name is stable enough here
		id := call.ID
		if id == "" {
			id = call.Name
		}
		out[i] = llm.ToolCall{ID: id, Name: call.Name, Parameters: call.Args}
	}
	return out
}

// classifyError maps an SDK failure onto the shared error taxonomy using
// the APIError status code when one is present.
func classifyError(err error) *llmerrors.Error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return llmerrors.NewErrorWithCause(llmerrors.ErrorTypeTransient, err, "request aborted")
	}

	var apiErr genai.APIError
	if errors.As(err, &apiErr) {
		switch code := apiErr.Code; {
		case code == 401 || code == 403:
			return llmerrors.NewErrorWithStatus(llmerrors.ErrorTypeAuth, code, "credential rejected by Gemini")
		case code == 429:
			return llmerrors.NewErrorWithStatus(llmerrors.ErrorTypeRateLimit, code, "Gemini rate limit hit")
		case code >= 400 && code < 500:
			return llmerrors.NewErrorWithStatus(llmerrors.ErrorTypeBadPrompt, code, "Gemini rejected the request")
		case code >= 500:
			return llmerrors.NewErrorWithStatus(llmerrors.ErrorTypeTransient, code, "Gemini server error")
		}
	}
	return llmerrors.NewErrorWithCause(llmerrors.ErrorTypeUnknown, err, "unclassified Gemini error")
}
