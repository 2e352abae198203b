// Command insights runs the conversational expense/budget analytics
// assistant as a terminal REPL.
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/google/uuid"
	"golang.org/x/term"

	"insights/pkg/agent"
	"insights/pkg/agent/llm"
	"insights/pkg/config"
	"insights/pkg/contextmgr"
	"insights/pkg/dataset"
	"insights/pkg/insight"
	"insights/pkg/logx"
	"insights/pkg/session"
	"insights/pkg/supervisor"
	"insights/pkg/tier"
	"insights/pkg/tools"
)

func main() {
	configPath := flag.String("config", "", "Path to YAML config (defaults apply when empty)")
	expensePath := flag.String("expense", "", "Expense CSV path (overrides config)")
	budgetPath := flag.String("budget", "", "Budget CSV path (overrides config)")
	showTrace := flag.Bool("trace", false, "Print the insight agent's reasoning trace")
	flag.Parse()

	if err := run(*configPath, *expensePath, *budgetPath, *showTrace); err != nil {
		fmt.Fprintf(os.Stderr, "insights: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath, expensePath, budgetPath string, showTrace bool) error {
	cfg := config.Default()
	if configPath != "" {
		loaded, err := config.Load(configPath)
		if err != nil {
			return err
		}
		cfg = loaded
	}
	if expensePath != "" {
		cfg.Datasets.ExpenseCSV = expensePath
	}
	if budgetPath != "" {
		cfg.Datasets.BudgetCSV = budgetPath
	}
	if cfg.Datasets.ExpenseCSV == "" || cfg.Datasets.BudgetCSV == "" {
		return fmt.Errorf("both -expense and -budget CSV paths are required (flags or config)")
	}

	if err := ensureCredentials(cfg); err != nil {
		return err
	}

	expense, err := dataset.ImportCSV(cfg.Datasets.ExpenseCSV, "expense")
	if err != nil {
		return err
	}
	defer expense.Close()

	budget, err := dataset.ImportCSV(cfg.Datasets.BudgetCSV, "budget")
	if err != nil {
		return err
	}
	defer budget.Close()

	ctx := context.Background()
	expenseTiers, err := expense.DistinctTiers(ctx)
	if err != nil {
		return err
	}
	budgetTiers, err := budget.DistinctTiers(ctx)
	if err != nil {
		return err
	}
	hierarchy := tier.BuildHierarchy(expenseTiers, budgetTiers)

	sess, err := buildSession(cfg, expense, budget, hierarchy)
	if err != nil {
		return err
	}

	fmt.Printf("Datasets loaded: expense (%d rows), budget (%d rows). Type a question, or \"exit\" to quit.\n",
		expense.RowCount(), budget.RowCount())
	return repl(ctx, sess, showTrace)
}

// buildSession wires the agents, tools, and memories into one session.
func buildSession(cfg config.Config, expense, budget *dataset.Dataset, hierarchy *tier.Hierarchy) (*session.Session, error) {
	factory := agent.NewLLMClientFactory(cfg)
	sessionID := uuid.New().String()

	client := func(model, agentName string) (llm.LLMClient, error) {
		return factory.CreateClient(model, sessionID, agentName, logx.NewLogger(agentName))
	}

	supClient, err := client(cfg.Models.Supervisor, supervisor.AgentName)
	if err != nil {
		return nil, err
	}
	insClient, err := client(cfg.Models.Insight, insight.AgentName)
	if err != nil {
		return nil, err
	}
	analysisClient, err := client(cfg.Models.Analysis, "analysis")
	if err != nil {
		return nil, err
	}
	classifierClient, err := client(cfg.Models.Classifier, "classifier")
	if err != nil {
		return nil, err
	}
	summarizerClient, err := client(cfg.Models.Summarizer, "summarizer")
	if err != nil {
		return nil, err
	}

	vocabulary := hierarchy.Render()
	registry := tools.NewRegistry()
	for _, tool := range []tools.Tool{
		tools.NewExpenseAnalysisTool(analysisClient, expense, vocabulary, cfg.Session.ArtifactDir),
		tools.NewBudgetAnalysisTool(analysisClient, budget, vocabulary, cfg.Session.ArtifactDir),
		tools.NewGraphMergerTool(analysisClient, cfg.Session.ArtifactDir),
	} {
		if err := registry.Register(tool); err != nil {
			return nil, err
		}
	}

	summarizer := contextmgr.NewLLMSummarizer(summarizerClient)
	return session.New(session.Config{
		Supervisor:       supervisor.New(supClient, tier.NewClassifier(classifierClient, hierarchy)),
		Insight:          insight.NewAgent(insClient, registry, cfg.Insight.MaxIterations),
		SupervisorMemory: contextmgr.NewContextManager(cfg.Memory.MaxTokens, summarizer),
		InsightMemory:    contextmgr.NewContextManager(cfg.Memory.MaxTokens, summarizer),
		MaxAutoTurns:     cfg.Session.MaxAutoTurns,
		ArtifactDir:      cfg.Session.ArtifactDir,
	})
}

// repl reads questions and prints the turns each one produces.
func repl(ctx context.Context, sess *session.Session, showTrace bool) error {
	scanner := bufio.NewScanner(os.Stdin)
	for {
		fmt.Print("> ")
		if !scanner.Scan() {
			fmt.Println()
			return scanner.Err()
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if line == "exit" || line == "quit" {
			return nil
		}

		sess.Submit(line)
		turns, err := sess.RunToCompletion(ctx)
		if err != nil {
			return err
		}
		for i := range turns {
			printTurn(&turns[i], showTrace)
		}
	}
}

func printTurn(turn *session.Turn, showTrace bool) {
	if turn.Insight != nil {
		if showTrace {
			fmt.Print(insight.RenderSteps(turn.Insight.Steps))
		}
		for _, figure := range turn.Insight.Figures {
			fmt.Printf("[%s] chart written: %s\n", turn.Agent, figure)
		}
	}
	if turn.Content != "" {
		fmt.Printf("[%s] %s\n", turn.Agent, turn.Content)
	}
}

// ensureCredentials checks every configured model's provider credential,
// prompting on an interactive terminal when one is missing.
func ensureCredentials(cfg config.Config) error {
	envByProvider := map[string]string{
		config.ProviderAnthropic: config.EnvAnthropicAPIKey,
		config.ProviderOpenAI:    config.EnvOpenAIAPIKey,
		config.ProviderGoogle:    config.EnvGoogleAPIKey,
	}

	seen := map[string]bool{}
	for _, model := range []string{
		cfg.Models.Supervisor, cfg.Models.Insight, cfg.Models.Analysis,
		cfg.Models.Classifier, cfg.Models.Summarizer,
	} {
		provider, err := config.GetModelProvider(model)
		if err != nil {
			return err
		}
		if seen[provider] {
			continue
		}
		seen[provider] = true

		if _, err := config.GetAPIKey(provider); err == nil {
			continue
		}

		envName, ok := envByProvider[provider]
		if !ok || !term.IsTerminal(int(os.Stdin.Fd())) {
			return fmt.Errorf("missing credential for provider %s (set %s)", provider, envByProvider[provider])
		}

		fmt.Printf("Enter API key for %s: ", provider)
		key, err := term.ReadPassword(int(os.Stdin.Fd()))
		fmt.Println()
		if err != nil {
			return fmt.Errorf("read API key: %w", err)
		}
		if len(key) == 0 {
			return fmt.Errorf("no API key provided for provider %s", provider)
		}
		if err := os.Setenv(envName, string(key)); err != nil {
			return err
		}
	}
	return nil
}
