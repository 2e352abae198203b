package tools

import (
	"context"
	"fmt"

	"insights/pkg/agent/llm"
	"insights/pkg/logx"
	"insights/pkg/sandbox"
)

// ToolGraphMerger combines charts produced by earlier analysis steps.
const ToolGraphMerger = "graph_merger_tool"

const mergerPrompt = `You combine results from earlier data-analysis steps into a single chart.

The query contains the earlier results, including any chart specs that were
produced. Build one merged ECharts JSON spec that presents them together,
for example budget versus actual as grouped bars.

Respond with these tagged sections:

<approach>One or two sentences describing how you merged the data.</approach>
<chart>The merged ECharts JSON spec. It must have a top-level "series" key.
Inline all data values directly in the spec.</chart>
<answer>One sentence describing what the merged chart shows.</answer>

Do not include a code section; there is no table to query.`

// GraphMergerTool asks the analysis model to merge earlier chart results
// into one figure. It binds no dataset; all data arrives inline in the query.
type GraphMergerTool struct {
	client      llm.LLMClient
	executor    *sandbox.Executor
	artifactDir string
	logger      *logx.Logger
}

// NewGraphMergerTool creates the merger tool.
func NewGraphMergerTool(client llm.LLMClient, artifactDir string) *GraphMergerTool {
	return &GraphMergerTool{
		client:      client,
		executor:    sandbox.NewExecutor(),
		artifactDir: artifactDir,
		logger:      logx.NewLogger(ToolGraphMerger),
	}
}

// Definition implements Tool.
func (t *GraphMergerTool) Definition() llm.ToolDefinition {
	return llm.ToolDefinition{
		Name:        ToolGraphMerger,
		Description: "Merge charts from earlier analysis steps into a single combined chart. Include the earlier results in the query.",
		Parameters:  queryParameters("The earlier analysis results to merge, including their chart specs, plus what the combined chart should show."),
	}
}

// Run implements Tool.
func (t *GraphMergerTool) Run(ctx context.Context, query string) (sandbox.Result, error) {
	resp, err := t.client.Complete(ctx, llm.NewCompletionRequest([]llm.CompletionMessage{
		llm.NewSystemMessage(mergerPrompt),
		llm.NewUserMessage(query),
	}))
	if err != nil {
		return sandbox.Result{}, fmt.Errorf("merger model call failed: %w", err)
	}

	t.logger.Debug("merger response: %d bytes", len(resp.Content))

	return t.executor.Execute(ctx, sandbox.Input{
		Text:        resp.Content,
		ArtifactDir: t.artifactDir,
	}), nil
}
