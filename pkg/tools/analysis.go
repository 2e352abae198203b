package tools

import (
	"context"
	"fmt"

	"insights/pkg/agent/llm"
	"insights/pkg/dataset"
	"insights/pkg/logx"
	"insights/pkg/sandbox"
)

// ToolAnalyzeExpense and ToolAnalyzeBudget are the per-dataset analysis
// tool names the insight agent selects between.
const (
	ToolAnalyzeExpense = "analyze_expense_data"
	ToolAnalyzeBudget  = "analyze_budget_data"
)

const analysisPromptTemplate = `You analyze a single SQL table named %q that holds %s data.

%s
Sample rows:
%s
Category vocabulary (Tier 1 > Tier 2 > Tier 3):
%s
Answer the user's query by writing SQLite SQL against the table. Respond with these tagged sections:

<approach>One or two sentences describing your plan.</approach>
<code>
One or more SQL statements separated by semicolons. Columns of a statement
that returns exactly one row become named values; the final result set is
also available as "rows".
</code>
<answer>The answer text. Reference named values as {value_name}, or with
number formats like {value_name:,.2f} and {value_name:,.0f}.</answer>
<chart>Optional. An ECharts JSON spec with a top-level "series" key. Use
"@value_name" string tokens where bound values should be spliced in.</chart>

Rules:
- Only read from the table. Never write.
- Category columns are tier_1, tier_2, tier_3; match their values exactly.
- Every number in the answer must come from a computed value, never from
  memory or estimation.
- Variance means expense minus budget; a positive variance is overspend.
- Omit the chart section unless the query asks for a visualization or one
  clearly helps.`

// AnalysisTool answers queries about one dataset by generating SQL with an
// analysis model and executing it in the sandbox.
type AnalysisTool struct {
	name        string
	description string
	subject     string
	client      llm.LLMClient
	ds          *dataset.Dataset
	executor    *sandbox.Executor
	vocabulary  string
	artifactDir string
	logger      *logx.Logger
}

// NewExpenseAnalysisTool creates the tool over the expense dataset.
func NewExpenseAnalysisTool(client llm.LLMClient, ds *dataset.Dataset, vocabulary, artifactDir string) *AnalysisTool {
	return newAnalysisTool(ToolAnalyzeExpense,
		"Analyze historical expense transactions. Use for questions about actual spend, amounts, dates, and categories.",
		"expense transaction", client, ds, vocabulary, artifactDir)
}

// NewBudgetAnalysisTool creates the tool over the budget dataset.
func NewBudgetAnalysisTool(client llm.LLMClient, ds *dataset.Dataset, vocabulary, artifactDir string) *AnalysisTool {
	return newAnalysisTool(ToolAnalyzeBudget,
		"Analyze planned budget allocations. Use for questions about budgeted amounts and budget-versus-actual comparisons.",
		"budget allocation", client, ds, vocabulary, artifactDir)
}

func newAnalysisTool(name, description, subject string, client llm.LLMClient, ds *dataset.Dataset, vocabulary, artifactDir string) *AnalysisTool {
	return &AnalysisTool{
		name:        name,
		description: description,
		subject:     subject,
		client:      client,
		ds:          ds,
		executor:    sandbox.NewExecutor(),
		vocabulary:  vocabulary,
		artifactDir: artifactDir,
		logger:      logx.NewLogger(name),
	}
}

// Definition implements Tool.
func (t *AnalysisTool) Definition() llm.ToolDefinition {
	return llm.ToolDefinition{
		Name:        t.name,
		Description: t.description,
		Parameters:  queryParameters("The question to answer from this dataset, in plain language."),
	}
}

// Run implements Tool. Model failures are returned as errors; execution
// failures inside the sandbox surface as partial results.
func (t *AnalysisTool) Run(ctx context.Context, query string) (sandbox.Result, error) {
	sample, err := t.ds.HeadSample(ctx, 5)
	if err != nil {
		return sandbox.Result{}, fmt.Errorf("sample dataset: %w", err)
	}

	system := fmt.Sprintf(analysisPromptTemplate,
		dataset.TableName, t.subject, t.ds.Schema(), sample, t.vocabulary)

	resp, err := t.client.Complete(ctx, llm.NewCompletionRequest([]llm.CompletionMessage{
		llm.NewSystemMessage(system),
		llm.NewUserMessage(query),
	}))
	if err != nil {
		return sandbox.Result{}, fmt.Errorf("analysis model call failed: %w", err)
	}

	t.logger.Debug("analysis response for query %q: %d bytes", query, len(resp.Content))

	return t.executor.Execute(ctx, sandbox.Input{
		Text:        resp.Content,
		Dataset:     t.ds,
		ArtifactDir: t.artifactDir,
	}), nil
}
