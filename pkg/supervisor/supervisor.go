// Package supervisor implements the routing agent that fronts every
// conversation turn.
//
// The supervisor makes one structured model call per turn: a forced "route"
// tool call whose arguments carry its reasoning, the next hop, an optional
// direct response, and the enriched question handed to a worker. Before
// delegating, the enriched question passes through the tier classifier;
// a relevant question that maps to no category stops the turn instead of
// running analysis on categories that do not exist.
package supervisor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"insights/pkg/agent/llm"
	"insights/pkg/contextmgr"
	"insights/pkg/insight"
	"insights/pkg/logx"
	"insights/pkg/tier"
)

// AgentName identifies the supervisor in turn logs.
const AgentName = "Supervisor"

// Routing targets the model chooses between.
const (
	NextFinish       = "FINISH"
	NextSelfResponse = "SELF_RESPONSE"
)

// FallbackResponse is used when the model selects SELF_RESPONSE but provides
// neither a direct response nor a thought process.
const FallbackResponse = "I do not understand your question. Please provide a different question."

// TierMappingErrorMessage is the hard-stop response when a data question
// maps to no category in the vocabulary.
const TierMappingErrorMessage = "Unable to get the relevant Tier 1/2/3 items for the mentioned query. Please provide appropriate mapping."

// routeToolName is the forced tool call that structures every decision.
const routeToolName = "route"

// Decision is the parsed payload of the forced route call.
type Decision struct {
	ThoughtProcess   string `json:"thought_process"`
	Next             string `json:"next"`
	DirectResponse   string `json:"direct_response"`
	EnrichedQuestion string `json:"enriched_question"`

	// hasDirectResponse records whether the model emitted the field at all,
	// which selects between the direct-response and no-direct-response paths.
	hasDirectResponse bool
}

// Kind discriminates routing outcomes.
type Kind int

const (
	// KindDirectResponse means the supervisor answered the question itself.
	KindDirectResponse Kind = iota
	// KindNoDirectResponse means SELF_RESPONSE was selected without an
	// answer; the thought process or the fallback text is returned.
	KindNoDirectResponse
	// KindTierMappingError means the question concerns categories but maps
	// to none; the turn stops here.
	KindTierMappingError
	// KindDelegation means a worker agent acts next.
	KindDelegation
)

// Outcome is the result of routing one question.
type Outcome struct {
	Kind     Kind
	Next     string // NextFinish or a worker agent name
	Content  string // Supervisor message recorded for this turn
	Decision Decision

	// ErrorMessage carries the user-facing hard-stop text for
	// KindTierMappingError.
	ErrorMessage string

	// MemoryNotes are user-role notes the session appends to the
	// supervisor's memory, such as tier-mapping results.
	MemoryNotes []string
}

// Supervisor routes questions.
type Supervisor struct {
	client     llm.LLMClient
	classifier *tier.Classifier
	logger     *logx.Logger
}

// New creates a supervisor. The classifier may be nil, disabling the
// tier gate.
func New(client llm.LLMClient, classifier *tier.Classifier) *Supervisor {
	return &Supervisor{
		client:     client,
		classifier: classifier,
		logger:     logx.NewLogger(AgentName),
	}
}

const systemPrompt = `You are a Multi-Agent Supervisor responsible for managing the conversation flow.
Your role is to analyze user queries and orchestrate responses efficiently.

You decide which agent should act next and route the conversation accordingly.
You can also answer simple questions directly without routing to specialized agents.

Agents available to you:
` + insight.AgentName + `: Analyzes expense and budget data to generate insights. It handles exploratory analysis, summary statistics, trends, comparisons across dimensions (year, category, tier), visualizations, and combined budget-versus-actual analysis.
` + NextSelfResponse + `: Use this option to answer directly. Appropriate for general questions about the system's capabilities, clarifications, explanations of concepts, help formulating questions, and anything answerable from the conversation history. Provide a complete response when selecting this option.

Instructions:
1. Analyze the user's query and determine the best course of action.
2. For simple questions, general information, or clarifications that do not require data analysis, answer directly with ` + NextSelfResponse + `.
3. For questions requiring data analysis or visualization, route to ` + insight.AgentName + `.
4. If no further action is required, route to ` + NextFinish + `.
5. If you are unsure about the question, ask the user for clarification via ` + NextSelfResponse + `.
6. When delegating, use the conversation history to frame a single, self-contained enriched question.

Think step by step before choosing.`

// routeDefinition is the forced tool call schema.
func routeDefinition() llm.ToolDefinition {
	return llm.ToolDefinition{
		Name:        routeToolName,
		Description: "Select the next role based on reasoning.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"thought_process": map[string]any{
					"type":        "string",
					"description": "Step-by-step reasoning behind the decision and reply to the question.",
				},
				"next": map[string]any{
					"type": "string",
					"enum": []string{NextFinish, insight.AgentName, NextSelfResponse},
					"description": "The next agent to call, or " + NextSelfResponse + " if answering directly.",
				},
				"direct_response": map[string]any{
					"type":        "string",
					"description": "The direct response to provide to the user when " + NextSelfResponse + " is selected.",
				},
				"enriched_question": map[string]any{
					"type":        "string",
					"description": "Considering the whole conversation and the next agent, frame a single-line question. Preserve mentions of dates, categories, tiers, amounts, and data type.",
				},
			},
			"required": []string{"thought_process", "next", "enriched_question"},
		},
	}
}

// Route makes one routing decision for the question given the conversation
// history. Model failures are returned as errors; the session turns
// them into a terminal error turn.
func (s *Supervisor) Route(ctx context.Context, question string, history []contextmgr.Message) (Outcome, error) {
	decision, err := s.decide(ctx, question, history)
	if err != nil {
		return Outcome{}, err
	}

	if decision.Next == NextSelfResponse {
		return s.selfResponse(decision), nil
	}

	outcome := Outcome{
		Kind:     KindDelegation,
		Next:     decision.Next,
		Content:  defaultString(decision.ThoughtProcess, "N/A"),
		Decision: decision,
	}

	if s.classifier == nil || strings.TrimSpace(decision.EnrichedQuestion) == "" {
		return outcome, nil
	}

	classification, err := s.classifier.Classify(ctx, decision.EnrichedQuestion)
	if err != nil {
		if errors.Is(err, tier.ErrMalformed) {
			// Unusable classifier output does not block routing
			s.logger.Warn("skipping tier gate: %v", err)
			return outcome, nil
		}
		return Outcome{}, err
	}

	if !classification.MappingNeeded {
		return outcome, nil
	}

	if len(classification.Results) == 0 {
		note := fmt.Sprintf("For query '%s', there seems to be no relevant Tier 1/2/3 items.", decision.EnrichedQuestion)
		return Outcome{
			Kind:         KindTierMappingError,
			Next:         NextFinish,
			Content:      note,
			Decision:     decision,
			ErrorMessage: TierMappingErrorMessage,
			MemoryNotes:  []string{note},
		}, nil
	}

	encoded, _ := json.Marshal(classification.Results)
	outcome.MemoryNotes = []string{fmt.Sprintf(
		"For query '%s', following tier(s) are relevant: %s",
		decision.EnrichedQuestion, string(encoded))}
	return outcome, nil
}

// decide makes the forced route call and parses the arguments.
func (s *Supervisor) decide(ctx context.Context, question string, history []contextmgr.Message) (Decision, error) {
	messages := make([]llm.CompletionMessage, 0, len(history)+2)
	messages = append(messages, llm.NewSystemMessage(systemPrompt))
	for _, m := range history {
		messages = append(messages, llm.CompletionMessage{
			Role:    llm.CompletionRole(m.Role),
			Content: m.Content,
		})
	}
	messages = append(messages, llm.NewUserMessage(question))

	req := llm.NewCompletionRequest(messages)
	req.Tools = []llm.ToolDefinition{routeDefinition()}
	req.ToolChoice = routeToolName
	req.Temperature = llm.TemperatureDeterministic

	resp, err := s.client.Complete(ctx, req)
	if err != nil {
		return Decision{}, fmt.Errorf("supervisor model call failed: %w", err)
	}

	call, ok := findRouteCall(resp.ToolCalls)
	if !ok {
		return Decision{}, fmt.Errorf("supervisor did not produce a routing decision")
	}

	d := Decision{
		ThoughtProcess:   stringParam(call.Parameters, "thought_process"),
		Next:             stringParam(call.Parameters, "next"),
		DirectResponse:   stringParam(call.Parameters, "direct_response"),
		EnrichedQuestion: stringParam(call.Parameters, "enriched_question"),
	}
	_, d.hasDirectResponse = call.Parameters["direct_response"]

	if d.Next == "" {
		return Decision{}, fmt.Errorf("routing decision is missing the next hop")
	}
	s.logger.Debug("routed %q to %s", question, d.Next)
	return d, nil
}

// selfResponse resolves the SELF_RESPONSE fallback chain: direct response,
// then thought process, then the fixed fallback text.
func (s *Supervisor) selfResponse(d Decision) Outcome {
	if d.hasDirectResponse {
		content := d.DirectResponse
		if content == "" {
			content = d.ThoughtProcess
		}
		return Outcome{
			Kind:     KindDirectResponse,
			Next:     NextFinish,
			Content:  content,
			Decision: d,
		}
	}

	return Outcome{
		Kind:     KindNoDirectResponse,
		Next:     NextFinish,
		Content:  defaultString(d.ThoughtProcess, FallbackResponse),
		Decision: d,
	}
}

func findRouteCall(calls []llm.ToolCall) (llm.ToolCall, bool) {
	for _, c := range calls {
		if c.Name == routeToolName {
			return c, true
		}
	}
	return llm.ToolCall{}, false
}

func stringParam(params map[string]any, key string) string {
	v, _ := params[key].(string)
	return v
}

func defaultString(s, fallback string) string {
	if strings.TrimSpace(s) == "" {
		return fallback
	}
	return s
}
