// Package llm defines the provider-neutral model client interface plus the
// middleware plumbing the factory composes around it.
package llm

import "context"

// CompletionRole identifies who authored a message.
type CompletionRole string

const (
	// RoleSystem carries instructions and context for the model.
	RoleSystem CompletionRole = "system"
	// RoleUser carries input from the person (or calling agent).
	RoleUser CompletionRole = "user"
	// RoleAssistant carries prior model output.
	RoleAssistant CompletionRole = "assistant"
)

const (
	// TemperatureDefault suits routing and analysis: focused with a little
	// room to explore.
	TemperatureDefault = 0.3

	// TemperatureDeterministic suits structured output such as tier
	// classification, where consistency beats variety.
	TemperatureDeterministic = 0.0

	// DefaultMaxTokens is the per-request completion budget.
	DefaultMaxTokens = 4096
)

// CompletionMessage is one turn of a conversation.
type CompletionMessage struct {
	Content string
	Role    CompletionRole
}

// ToolDefinition describes a tool the model may call. Parameters is a
// JSON-schema object with "properties" and "required" keys.
type ToolDefinition struct {
	Parameters  map[string]any `json:"parameters"`
	Name        string         `json:"name"`
	Description string         `json:"description"`
}

// ToolCall is a tool invocation the model asked for.
type ToolCall struct {
	Parameters map[string]any `json:"parameters"`
	ID         string         `json:"id"`
	Name       string         `json:"name"`
}

// CompletionRequest asks for one completion.
type CompletionRequest struct {
	Messages    []CompletionMessage
	Tools       []ToolDefinition
	ToolChoice  string // "", "auto", "any", or a tool name to force that call
	MaxTokens   int
	Temperature float32
}

// CompletionResponse is the model's reply.
type CompletionResponse struct {
	ToolCalls  []ToolCall
	Content    string
	StopReason string // "end_turn", "max_tokens", "tool_use", ...
}

// StreamChunk is one piece of a streamed completion.
type StreamChunk struct {
	Error   error
	Content string
	Done    bool
}

// LLMClient is what every provider adapter and middleware implements.
type LLMClient interface { //nolint:revive // Established name across the codebase
	Complete(ctx context.Context, in CompletionRequest) (CompletionResponse, error)
	Stream(ctx context.Context, in CompletionRequest) (<-chan StreamChunk, error)
	GetModelName() string
}

// NewCompletionRequest builds a request with the default token budget and
// temperature; callers override fields as needed.
func NewCompletionRequest(messages []CompletionMessage) CompletionRequest {
	return CompletionRequest{
		Messages:    messages,
		MaxTokens:   DefaultMaxTokens,
		Temperature: TemperatureDefault,
	}
}

// NewSystemMessage builds a system-role message.
func NewSystemMessage(content string) CompletionMessage {
	return CompletionMessage{Role: RoleSystem, Content: content}
}

// NewUserMessage builds a user-role message.
func NewUserMessage(content string) CompletionMessage {
	return CompletionMessage{Role: RoleUser, Content: content}
}

// NewAssistantMessage builds an assistant-role message.
func NewAssistantMessage(content string) CompletionMessage {
	return CompletionMessage{Role: RoleAssistant, Content: content}
}
