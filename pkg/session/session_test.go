package session

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"insights/pkg/agent"
	"insights/pkg/agent/llm"
	"insights/pkg/dataset"
	"insights/pkg/insight"
	"insights/pkg/sandbox"
	"insights/pkg/supervisor"
	"insights/pkg/tier"
	"insights/pkg/tools"
)

type stubTool struct {
	name   string
	result sandbox.Result
}

func (s *stubTool) Definition() llm.ToolDefinition {
	return llm.ToolDefinition{
		Name:        s.name,
		Description: "stub",
		Parameters: map[string]any{
			"type":       "object",
			"properties": map[string]any{"query": map[string]any{"type": "string"}},
			"required":   []string{"query"},
		},
	}
}

func (s *stubTool) Run(context.Context, string) (sandbox.Result, error) {
	return s.result, nil
}

func strPtr(s string) *string { return &s }

func routeCall(params map[string]any) llm.CompletionResponse {
	return llm.CompletionResponse{
		ToolCalls:  []llm.ToolCall{{ID: "c", Name: "route", Parameters: params}},
		StopReason: "tool_use",
	}
}

func newTestSession(t *testing.T, supMock, insMock *agent.MockLLMClient, regTools ...tools.Tool) *Session {
	t.Helper()
	registry := tools.NewRegistry()
	for _, tool := range regTools {
		require.NoError(t, registry.Register(tool))
	}
	sess, err := New(Config{
		Supervisor:  supervisor.New(supMock, nil),
		Insight:     insight.NewAgent(insMock, registry, 5),
		ArtifactDir: t.TempDir(),
	})
	require.NoError(t, err)
	return sess
}

func TestFullExchangeThroughInsightAgent(t *testing.T) {
	supMock := agent.NewMockLLMClient([]llm.CompletionResponse{
		routeCall(map[string]any{
			"thought_process":   "Data question, delegating.",
			"next":              insight.AgentName,
			"enriched_question": "Total spend for Pepsi in Mexico",
		}),
		routeCall(map[string]any{
			"thought_process":   "Answer delivered.",
			"next":              supervisor.NextSelfResponse,
			"direct_response":   "Total spend for Pepsi in Mexico was $12,500.",
			"enriched_question": "Total spend for Pepsi in Mexico",
		}),
	}, nil)

	expenseTool := &stubTool{
		name: "analyze_expense_data",
		result: sandbox.Result{
			Answer: strPtr("Total spend was $12,500."),
			Figure: strPtr("/tmp/a/plot_1.json"),
		},
	}
	insMock := agent.NewMockLLMClient([]llm.CompletionResponse{
		{ToolCalls: []llm.ToolCall{{ID: "c", Name: "analyze_expense_data",
			Parameters: map[string]any{"query": "total spend Pepsi Mexico"}}}},
		{Content: "<answer>Total spend was $12,500.</answer>"},
	}, nil)

	sess := newTestSession(t, supMock, insMock, expenseTool)
	sess.Submit("What is total spend for Pepsi in Mexico?")

	produced, err := sess.RunToCompletion(context.Background())
	require.NoError(t, err)
	require.Len(t, produced, 3)

	// Supervisor delegation
	assert.Equal(t, NodeSupervisor, produced[0].Agent)
	assert.Equal(t, NodeInsight, produced[0].Next)
	assert.True(t, produced[0].CallBot)

	// Insight answer, reporting back to the supervisor
	assert.Equal(t, NodeInsight, produced[1].Agent)
	assert.Equal(t, NodeSupervisor, produced[1].Next)
	assert.Equal(t, "Total spend was $12,500.", produced[1].Content)

	// Supervisor wrap-up is terminal
	assert.Equal(t, NodeSupervisor, produced[2].Agent)
	assert.Equal(t, NodeFinish, produced[2].Next)
	assert.False(t, produced[2].CallBot)
	assert.Equal(t, "Total spend for Pepsi in Mexico was $12,500.", produced[2].Content)

	// Re-entry carried the extracted answer back to the supervisor
	require.Len(t, supMock.Requests, 2)
	reentry := supMock.Requests[1].Messages
	assert.Equal(t,
		fmt.Sprintf("Final answer by '%s' agent: Total spend was $12,500.", insight.AgentName),
		reentry[len(reentry)-1].Content)

	assert.Equal(t, []string{"/tmp/a/plot_1.json"}, sess.Artifacts())

	// Settled: nothing more to advance
	turn, err := sess.Advance(context.Background())
	require.NoError(t, err)
	assert.Nil(t, turn)
}

func TestDirectResponseSingleTurn(t *testing.T) {
	supMock := agent.NewMockLLMClient([]llm.CompletionResponse{
		routeCall(map[string]any{
			"thought_process":   "Capability question.",
			"next":              supervisor.NextSelfResponse,
			"direct_response":   "I analyze expense and budget data.",
			"enriched_question": "What can you do?",
		}),
	}, nil)
	insMock := agent.NewMockLLMClient(nil, nil)

	sess := newTestSession(t, supMock, insMock)
	sess.Submit("what can you do?")

	produced, err := sess.RunToCompletion(context.Background())
	require.NoError(t, err)
	require.Len(t, produced, 1)
	assert.Equal(t, NodeFinish, produced[0].Next)
	assert.False(t, produced[0].CallBot)
	assert.Empty(t, insMock.Requests, "insight agent never invoked")
}

func TestNodeErrorProducesTerminalErrorTurn(t *testing.T) {
	supMock := agent.NewMockLLMClient(nil, []error{errors.New("model down")})
	insMock := agent.NewMockLLMClient(nil, nil)

	sess := newTestSession(t, supMock, insMock)
	sess.Submit("anything")

	turn, err := sess.Advance(context.Background())
	require.NoError(t, err)
	require.NotNil(t, turn)

	assert.True(t, turn.ErrorResponse)
	assert.False(t, turn.CallBot)
	assert.Contains(t, turn.Content, ErrorTurnContent)
	assert.Contains(t, turn.Content, "model down")

	// Halted: no automatic advancement past the error turn
	next, err := sess.Advance(context.Background())
	require.NoError(t, err)
	assert.Nil(t, next)
}

func TestMissingEnrichedQuestionSyntheticFailure(t *testing.T) {
	supMock := agent.NewMockLLMClient([]llm.CompletionResponse{
		routeCall(map[string]any{
			"thought_process":   "Delegating without enrichment.",
			"next":              insight.AgentName,
			"enriched_question": "",
		}),
		routeCall(map[string]any{
			"thought_process":   "Relaying the failure.",
			"next":              supervisor.NextSelfResponse,
			"direct_response":   "Please rephrase your question.",
			"enriched_question": "n/a",
		}),
	}, nil)
	insMock := agent.NewMockLLMClient(nil, nil)

	sess := newTestSession(t, supMock, insMock)
	sess.Submit("vague question")

	produced, err := sess.RunToCompletion(context.Background())
	require.NoError(t, err)
	require.Len(t, produced, 3)

	assert.Equal(t, insight.MissingQuestionAnswer, produced[1].Content)
	assert.Empty(t, insMock.Requests, "synthetic failure without a model call")
}

func TestAutoTurnCeilingClearsCallBot(t *testing.T) {
	sess, err := New(Config{
		Supervisor:   supervisor.New(agent.NewMockLLMClient(nil, nil), nil),
		Insight:      insight.NewAgent(agent.NewMockLLMClient(nil, nil), tools.NewRegistry(), 1),
		MaxAutoTurns: 3,
	})
	require.NoError(t, err)

	user := Turn{Role: "user", Agent: "User", Content: "question", Next: NodeSupervisor}
	supTurn := Turn{Role: "assistant", Agent: NodeSupervisor, Content: "delegating", Next: NodeInsight}
	insTurn := Turn{Role: "assistant", Agent: NodeInsight, Content: "partial answer", Next: NodeSupervisor}

	sess.turns = []Turn{user, supTurn, insTurn}
	below := sess.finishTurn(supTurn)
	assert.True(t, below.CallBot, "under the ceiling the session keeps advancing")

	sess.turns = []Turn{user, supTurn, insTurn, supTurn}
	at := sess.finishTurn(insTurn)
	assert.False(t, at.CallBot, "alternating agents still count toward the ceiling")

	sess.turns = []Turn{user, supTurn, insTurn, supTurn, user}
	after := sess.finishTurn(insTurn)
	assert.True(t, after.CallBot, "a new user turn resets the run")
}

func TestDelegationCycleStopsAtAutoTurnCeiling(t *testing.T) {
	delegate := routeCall(map[string]any{
		"thought_process":   "Still needs analysis.",
		"next":              insight.AgentName,
		"enriched_question": "Total travel spend",
	})
	supResponses := make([]llm.CompletionResponse, 6)
	for i := range supResponses {
		supResponses[i] = delegate
	}
	insResponses := make([]llm.CompletionResponse, 5)
	for i := range insResponses {
		insResponses[i] = llm.CompletionResponse{Content: "<answer>Still working on it.</answer>"}
	}

	sess := newTestSession(t,
		agent.NewMockLLMClient(supResponses, nil),
		agent.NewMockLLMClient(insResponses, nil))
	sess.Submit("How much did we spend on travel?")

	produced, err := sess.RunToCompletion(context.Background())
	require.NoError(t, err)

	// Ten automatic turns are allowed; the eleventh pauses for user input.
	require.Len(t, produced, 11)
	for i, turn := range produced[:10] {
		assert.True(t, turn.CallBot, "turn %d stays under the ceiling", i+1)
	}
	last := produced[10]
	assert.False(t, last.CallBot)
	assert.NotEqual(t, NodeFinish, last.Next)
	assert.False(t, last.ErrorResponse)

	// Settled without any model-layer exhaustion
	turn, err := sess.Advance(context.Background())
	require.NoError(t, err)
	assert.Nil(t, turn)
}

func TestTierMappingHardStopShowsErrorText(t *testing.T) {
	hierarchy := tier.BuildHierarchy([]dataset.Triple{
		{Tier1: "Operations", Tier2: "Travel", Tier3: "Flights"},
	})
	classifierMock := agent.NewMockLLMClient([]llm.CompletionResponse{
		{Content: `{"mapping_needed": true, "results": []}`},
	}, nil)
	supMock := agent.NewMockLLMClient([]llm.CompletionResponse{
		routeCall(map[string]any{
			"thought_process":   "Needs analysis.",
			"next":              insight.AgentName,
			"enriched_question": "Spend on quantum computing",
		}),
	}, nil)

	sess, err := New(Config{
		Supervisor: supervisor.New(supMock, tier.NewClassifier(classifierMock, hierarchy)),
		Insight:    insight.NewAgent(agent.NewMockLLMClient(nil, nil), tools.NewRegistry(), 1),
	})
	require.NoError(t, err)
	sess.Submit("how much on quantum computing?")

	produced, err := sess.RunToCompletion(context.Background())
	require.NoError(t, err)
	require.Len(t, produced, 1)

	assert.Equal(t, NodeFinish, produced[0].Next)
	assert.False(t, produced[0].CallBot)
	assert.Contains(t, produced[0].Content, "no relevant Tier 1/2/3 items")
	assert.Contains(t, produced[0].Content, supervisor.TierMappingErrorMessage)
}

func TestInsightMemoryCarriesAcrossExchanges(t *testing.T) {
	supMock := agent.NewMockLLMClient([]llm.CompletionResponse{
		routeCall(map[string]any{
			"thought_process":   "Data question, delegating.",
			"next":              insight.AgentName,
			"enriched_question": "Total travel spend in 2024",
		}),
		routeCall(map[string]any{
			"thought_process":   "Answer delivered.",
			"next":              supervisor.NextSelfResponse,
			"direct_response":   "Travel spend in 2024 was $2,870.75.",
			"enriched_question": "Total travel spend in 2024",
		}),
		routeCall(map[string]any{
			"thought_process":   "Follow-up data question.",
			"next":              insight.AgentName,
			"enriched_question": "Total travel spend in 2023",
		}),
		routeCall(map[string]any{
			"thought_process":   "Answer delivered.",
			"next":              supervisor.NextSelfResponse,
			"direct_response":   "Travel spend in 2023 was $1,500.00.",
			"enriched_question": "Total travel spend in 2023",
		}),
	}, nil)
	insMock := agent.NewMockLLMClient([]llm.CompletionResponse{
		{Content: "<answer>Travel spend in 2024 was $2,870.75.</answer>"},
		{Content: "<answer>Travel spend in 2023 was $1,500.00.</answer>"},
	}, nil)

	sess := newTestSession(t, supMock, insMock)
	sess.Submit("How much did we spend on travel in 2024?")
	_, err := sess.RunToCompletion(context.Background())
	require.NoError(t, err)

	sess.Submit("And in 2023?")
	_, err = sess.RunToCompletion(context.Background())
	require.NoError(t, err)

	// The second run sees the first exchange through the agent's memory.
	require.Len(t, insMock.Requests, 2)
	second := insMock.Requests[1].Messages
	require.Len(t, second, 4)
	assert.Equal(t, llm.RoleSystem, second[0].Role)
	assert.Equal(t, "Total travel spend in 2024", second[1].Content)
	assert.Contains(t, second[2].Content, "Travel spend in 2024 was $2,870.75.")
	assert.Equal(t, "Total travel spend in 2023", second[3].Content)
}

func TestTurnsReturnsCopy(t *testing.T) {
	sess := newTestSession(t, agent.NewMockLLMClient(nil, nil), agent.NewMockLLMClient(nil, nil))
	sess.Submit("question")

	turns := sess.Turns()
	require.Len(t, turns, 1)
	turns[0].Content = "mutated"
	assert.Equal(t, "question", sess.Turns()[0].Content)
}

func TestSubmitShapesUserTurn(t *testing.T) {
	sess := newTestSession(t, agent.NewMockLLMClient(nil, nil), agent.NewMockLLMClient(nil, nil))
	sess.Submit("hello")

	turns := sess.Turns()
	require.Len(t, turns, 1)
	assert.Equal(t, "user", turns[0].Role)
	assert.Equal(t, NodeSupervisor, turns[0].Next)
	assert.True(t, turns[0].CallBot)
	assert.False(t, turns[0].ErrorResponse)
}
