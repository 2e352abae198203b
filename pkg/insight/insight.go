// Package insight implements the worker agent that answers enriched
// questions by driving the data-analysis tools.
//
// The agent runs a bounded reason-act loop: each turn the model either
// selects a tool or produces the final answer. Every step is recorded so
// the host can show the full reasoning trace alongside the answer.
package insight

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"insights/pkg/agent/llm"
	"insights/pkg/contextmgr"
	"insights/pkg/extract"
	"insights/pkg/logx"
	"insights/pkg/sandbox"
	"insights/pkg/tools"
)

// AgentName identifies this agent in routing decisions and turn logs.
const AgentName = "InsightAgent"

// MissingQuestionAnswer is returned without a model call when the agent is
// invoked with no enriched question to work on.
const MissingQuestionAnswer = "I did not receive the question from the Supervisor. I'm unable to provide the answer"

// DefaultMaxIterations bounds the reason-act loop.
const DefaultMaxIterations = 10

// iterationLimitAnswer is the final answer when the loop hits its bound
// without the model concluding on its own.
const iterationLimitAnswer = "I could not finish the analysis within the allowed number of steps. Please try a more specific question."

// Step is one recorded step of the agent's run. Action steps carry the
// first four fields; the concluding step carries only FinalAnswer.
type Step struct {
	Thought     string `json:"thought,omitempty"`
	Tool        string `json:"tool,omitempty"`
	ToolInput   string `json:"tool_input,omitempty"`
	Observation string `json:"observation,omitempty"`
	FinalAnswer string `json:"final_answer,omitempty"`
}

// Recorder accumulates the steps of one agent run.
type Recorder struct {
	steps []Step
}

// RecordAction records one tool invocation and its observation.
func (r *Recorder) RecordAction(thought, tool, input, observation string) {
	r.steps = append(r.steps, Step{
		Thought:     thought,
		Tool:        tool,
		ToolInput:   input,
		Observation: observation,
	})
}

// RecordFinal records the concluding answer.
func (r *Recorder) RecordFinal(answer string) {
	r.steps = append(r.steps, Step{FinalAnswer: answer})
}

// Steps returns the recorded steps in order.
func (r *Recorder) Steps() []Step {
	out := make([]Step, len(r.steps))
	copy(out, r.steps)
	return out
}

// Render formats the trace for display.
func (r *Recorder) Render() string {
	return RenderSteps(r.steps)
}

// RenderSteps formats a recorded step sequence for display.
func RenderSteps(steps []Step) string {
	var b strings.Builder
	for _, s := range steps {
		if s.FinalAnswer != "" {
			fmt.Fprintf(&b, "Final Answer: %s\n", s.FinalAnswer)
			continue
		}
		if s.Thought != "" {
			fmt.Fprintf(&b, "Thought: %s\n", s.Thought)
		}
		fmt.Fprintf(&b, "Tool: %s\nTool Input: %s\nObservation: %s\n", s.Tool, s.ToolInput, s.Observation)
	}
	return b.String()
}

// Result is the outcome of one agent run.
type Result struct {
	Final   string   // Tagged answer text handed back to the session
	Answer  string   // Plain answer without tags
	Figures []string // Chart artifact paths collected across steps
	Steps   []Step
}

// Agent is the insight worker.
type Agent struct {
	client        llm.LLMClient
	registry      *tools.Registry
	maxIterations int
	logger        *logx.Logger
}

// NewAgent creates an insight agent. maxIterations <= 0 selects the default.
func NewAgent(client llm.LLMClient, registry *tools.Registry, maxIterations int) *Agent {
	if maxIterations <= 0 {
		maxIterations = DefaultMaxIterations
	}
	return &Agent{
		client:        client,
		registry:      registry,
		maxIterations: maxIterations,
		logger:        logx.NewLogger(AgentName),
	}
}

const systemPromptTemplate = `You are a data-analysis agent answering questions about expense and budget data.

You have these tools: %s.

Work step by step. Call one tool at a time; its observation is a JSON object
with the fields approach, answer, figure, code, and chart_code. A null
answer means that step's analysis failed; rephrase the query and try again
or work with what you have.

For comparison questions (for example budget versus actual), query each
dataset separately, then use %s to combine the charts.

When you have what you need, respond without calling a tool. Wrap the
answer text in <answer></answer> tags. Do not mention tools or internal
steps in the answer.`

// Answer runs the agent on an enriched question. The agent's bounded memory
// is passed as history so follow-up questions can lean on earlier exchanges.
//
// A blank question is answered synthetically without any model call; the
// supervisor decides what to do with that.
func (a *Agent) Answer(ctx context.Context, question string, history []contextmgr.Message) (Result, error) {
	rec := &Recorder{}

	if strings.TrimSpace(question) == "" {
		a.logger.Warn("invoked without an enriched question")
		rec.RecordFinal(MissingQuestionAnswer)
		return Result{
			Final:  MissingQuestionAnswer,
			Answer: MissingQuestionAnswer,
			Steps:  rec.Steps(),
		}, nil
	}

	system := fmt.Sprintf(systemPromptTemplate,
		strings.Join(a.registry.Names(), ", "), tools.ToolGraphMerger)

	messages := make([]llm.CompletionMessage, 0, len(history)+2)
	messages = append(messages, llm.NewSystemMessage(system))
	for _, m := range history {
		messages = append(messages, llm.CompletionMessage{
			Role:    llm.CompletionRole(m.Role),
			Content: m.Content,
		})
	}
	messages = append(messages, llm.NewUserMessage(question))

	var figures []string

	for iteration := 0; iteration < a.maxIterations; iteration++ {
		req := llm.NewCompletionRequest(messages)
		req.Tools = a.registry.Definitions()
		req.ToolChoice = "auto"

		resp, err := a.client.Complete(ctx, req)
		if err != nil {
			return Result{}, fmt.Errorf("insight model call failed: %w", err)
		}

		if len(resp.ToolCalls) == 0 {
			answer := extract.Within(resp.Content, extract.SectionAnswer)
			if answer == "" {
				answer = iterationLimitAnswer
			}
			rec.RecordFinal(answer)
			return a.finish(answer, figures, rec), nil
		}

		call := resp.ToolCalls[0]
		query, _ := call.Parameters["query"].(string)

		observation := a.invokeTool(ctx, call.Name, query, &figures)
		rec.RecordAction(strings.TrimSpace(resp.Content), call.Name, query, observation)

		messages = append(messages,
			llm.NewAssistantMessage(fmt.Sprintf("%s\nCalling %s with query: %s", resp.Content, call.Name, query)),
			llm.NewUserMessage(fmt.Sprintf("Observation from %s:\n%s", call.Name, observation)),
		)
	}

	a.logger.Warn("iteration limit reached for question %q", question)
	rec.RecordFinal(iterationLimitAnswer)
	return a.finish(iterationLimitAnswer, figures, rec), nil
}

// invokeTool runs one tool call and renders its observation. Tool failures
// become observations rather than loop errors so the model can recover.
func (a *Agent) invokeTool(ctx context.Context, name, query string, figures *[]string) string {
	tool, err := a.registry.Get(name)
	if err != nil {
		a.logger.Warn("model selected unknown tool %q", name)
		return fmt.Sprintf(`{"error": %q}`, err.Error())
	}

	result, err := tool.Run(ctx, query)
	if err != nil {
		a.logger.Error("tool %s failed: %v", name, err)
		return fmt.Sprintf(`{"error": %q}`, err.Error())
	}

	if result.Figure != nil {
		*figures = append(*figures, *result.Figure)
	}
	return renderObservation(result)
}

func renderObservation(result sandbox.Result) string {
	encoded, err := json.Marshal(result)
	if err != nil {
		return `{"error": "failed to encode observation"}`
	}
	return string(encoded)
}

// finish assembles the tagged final text: the answer, plus a graph section
// listing collected chart artifacts when any exist.
func (a *Agent) finish(answer string, figures []string, rec *Recorder) Result {
	final := fmt.Sprintf("<%s>%s</%s>", extract.SectionAnswer, answer, extract.SectionAnswer)
	if len(figures) > 0 {
		final += fmt.Sprintf("\n<%s>%s</%s>",
			extract.SectionGraph, strings.Join(figures, "|"), extract.SectionGraph)
	}
	return Result{
		Final:   final,
		Answer:  answer,
		Figures: figures,
		Steps:   rec.Steps(),
	}
}
