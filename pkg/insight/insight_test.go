package insight

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"insights/pkg/agent"
	"insights/pkg/agent/llm"
	"insights/pkg/contextmgr"
	"insights/pkg/sandbox"
	"insights/pkg/tools"
)

type stubTool struct {
	name    string
	result  sandbox.Result
	err     error
	queries []string
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

func (s *stubTool) Run(_ context.Context, query string) (sandbox.Result, error) {
	s.queries = append(s.queries, query)
	return s.result, s.err
}

func strPtr(s string) *string { return &s }

func registryWith(t *testing.T, ts ...tools.Tool) *tools.Registry {
	t.Helper()
	r := tools.NewRegistry()
	for _, tool := range ts {
		require.NoError(t, r.Register(tool))
	}
	return r
}

func TestAnswerMissingQuestion(t *testing.T) {
	mock := agent.NewMockLLMClient(nil, nil)
	a := NewAgent(mock, registryWith(t), 0)

	result, err := a.Answer(context.Background(), "  ", nil)
	require.NoError(t, err)
	assert.Equal(t, MissingQuestionAnswer, result.Answer)
	assert.Empty(t, mock.Requests, "no model call without a question")

	steps := result.Steps
	require.Len(t, steps, 1)
	assert.Equal(t, MissingQuestionAnswer, steps[0].FinalAnswer)
}

func TestAnswerToolLoop(t *testing.T) {
	expense := &stubTool{
		name: "analyze_expense_data",
		result: sandbox.Result{
			Answer: strPtr("Travel spend was 1,890.50."),
			Figure: strPtr("/tmp/artifacts/plot_abc.json"),
		},
	}

	mock := agent.NewMockLLMClient([]llm.CompletionResponse{
		{
			Content: "I will query the expense data.",
			ToolCalls: []llm.ToolCall{{
				ID:         "call_1",
				Name:       "analyze_expense_data",
				Parameters: map[string]any{"query": "total travel spend"},
			}},
			StopReason: "tool_use",
		},
		{Content: "<answer>Travel spend was 1,890.50.</answer>"},
	}, nil)

	a := NewAgent(mock, registryWith(t, expense), 5)
	result, err := a.Answer(context.Background(), "How much did we spend on travel?", nil)
	require.NoError(t, err)

	assert.Equal(t, "Travel spend was 1,890.50.", result.Answer)
	assert.Contains(t, result.Final, "<answer>Travel spend was 1,890.50.</answer>")
	assert.Contains(t, result.Final, "<graph>/tmp/artifacts/plot_abc.json</graph>")
	assert.Equal(t, []string{"/tmp/artifacts/plot_abc.json"}, result.Figures)
	assert.Equal(t, []string{"total travel spend"}, expense.queries)

	steps := result.Steps
	require.Len(t, steps, 2)
	assert.Equal(t, "analyze_expense_data", steps[0].Tool)
	assert.Equal(t, "total travel spend", steps[0].ToolInput)
	assert.Contains(t, steps[0].Observation, "Travel spend was 1,890.50.")
	assert.Equal(t, "Travel spend was 1,890.50.", steps[1].FinalAnswer)

	// Second model turn saw the observation
	require.Len(t, mock.Requests, 2)
	last := mock.Requests[1].Messages
	assert.Contains(t, last[len(last)-1].Content, "Observation from analyze_expense_data")
}

func TestAnswerToolFailureBecomesObservation(t *testing.T) {
	failing := &stubTool{name: "analyze_budget_data", err: errors.New("model down")}

	mock := agent.NewMockLLMClient([]llm.CompletionResponse{
		{ToolCalls: []llm.ToolCall{{
			ID:         "call_1",
			Name:       "analyze_budget_data",
			Parameters: map[string]any{"query": "budget for travel"},
		}}},
		{Content: "<answer>I could not retrieve the budget data.</answer>"},
	}, nil)

	a := NewAgent(mock, registryWith(t, failing), 5)
	result, err := a.Answer(context.Background(), "What is the travel budget?", nil)
	require.NoError(t, err)

	require.Len(t, result.Steps, 2)
	assert.Contains(t, result.Steps[0].Observation, "model down")
	assert.Equal(t, "I could not retrieve the budget data.", result.Answer)
}

func TestAnswerUnknownToolSelection(t *testing.T) {
	mock := agent.NewMockLLMClient([]llm.CompletionResponse{
		{ToolCalls: []llm.ToolCall{{ID: "c1", Name: "no_such_tool", Parameters: map[string]any{"query": "x"}}}},
		{Content: "<answer>done</answer>"},
	}, nil)

	a := NewAgent(mock, registryWith(t), 5)
	result, err := a.Answer(context.Background(), "question", nil)
	require.NoError(t, err)
	assert.Contains(t, result.Steps[0].Observation, "unknown tool")
}

func TestAnswerIterationLimit(t *testing.T) {
	tool := &stubTool{name: "analyze_expense_data", result: sandbox.Result{Answer: strPtr("partial")}}

	looping := llm.CompletionResponse{
		ToolCalls: []llm.ToolCall{{
			ID:         "c",
			Name:       "analyze_expense_data",
			Parameters: map[string]any{"query": "again"},
		}},
	}
	mock := agent.NewMockLLMClient([]llm.CompletionResponse{looping, looping, looping}, nil)

	a := NewAgent(mock, registryWith(t, tool), 3)
	result, err := a.Answer(context.Background(), "question", nil)
	require.NoError(t, err)

	assert.Len(t, mock.Requests, 3, "loop stops at the iteration bound")
	assert.Equal(t, iterationLimitAnswer, result.Answer)
	require.Len(t, result.Steps, 4)
	assert.Equal(t, iterationLimitAnswer, result.Steps[3].FinalAnswer)
}

func TestAnswerModelErrorPropagates(t *testing.T) {
	mock := agent.NewMockLLMClient(nil, []error{errors.New("rate limited")})
	a := NewAgent(mock, registryWith(t), 5)
	_, err := a.Answer(context.Background(), "question", nil)
	require.Error(t, err)
}

func TestAnswerIncludesMemory(t *testing.T) {
	mock := agent.NewMockLLMClient([]llm.CompletionResponse{
		{Content: "<answer>Travel spend in 2023 was 1,500.00.</answer>"},
	}, nil)
	a := NewAgent(mock, registryWith(t), 5)

	history := []contextmgr.Message{
		{Role: "user", Content: "Total travel spend in 2024"},
		{Role: "assistant", Content: "<answer>Travel spend was 1,890.50.</answer>"},
	}
	_, err := a.Answer(context.Background(), "Total travel spend in 2023", history)
	require.NoError(t, err)

	require.Len(t, mock.Requests, 1)
	msgs := mock.Requests[0].Messages
	require.Len(t, msgs, 4)
	assert.Equal(t, llm.RoleSystem, msgs[0].Role)
	assert.Equal(t, llm.RoleUser, msgs[1].Role)
	assert.Equal(t, "Total travel spend in 2024", msgs[1].Content)
	assert.Equal(t, llm.RoleAssistant, msgs[2].Role)
	assert.Equal(t, "Total travel spend in 2023", msgs[3].Content)
}

func TestRecorderRender(t *testing.T) {
	rec := &Recorder{}
	rec.RecordAction("query the data", "analyze_expense_data", "travel spend", `{"answer":"1890.50"}`)
	rec.RecordFinal("Travel spend was 1,890.50.")

	out := rec.Render()
	assert.Contains(t, out, "Thought: query the data")
	assert.Contains(t, out, "Tool: analyze_expense_data")
	assert.Contains(t, out, "Tool Input: travel spend")
	assert.Contains(t, out, "Observation: {\"answer\":\"1890.50\"}")
	assert.Contains(t, out, "Final Answer: Travel spend was 1,890.50.")
}
