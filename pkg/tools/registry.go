// Package tools implements the data-analysis tools exposed to the insight
// agent: per-dataset analysis tools that turn a natural-language query into
// executed SQL plus an optional chart, and a merger that combines figures
// from earlier steps.
package tools

import (
	"context"
	"fmt"
	"sort"

	"insights/pkg/agent/llm"
	"insights/pkg/sandbox"
)

// Tool is one capability the insight agent can invoke.
type Tool interface {
	// Definition describes the tool for the model's tool-selection call.
	Definition() llm.ToolDefinition

	// Run executes the tool for a natural-language query.
	Run(ctx context.Context, query string) (sandbox.Result, error)
}

// Registry holds the tools available to an agent.
type Registry struct {
	tools map[string]Tool
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]Tool)}
}

// Register adds a tool. Registering a duplicate name is a programming error.
func (r *Registry) Register(t Tool) error {
	name := t.Definition().Name
	if _, exists := r.tools[name]; exists {
		return fmt.Errorf("tool %q already registered", name)
	}
	r.tools[name] = t
	return nil
}

// Get returns the named tool.
func (r *Registry) Get(name string) (Tool, error) {
	t, ok := r.tools[name]
	if !ok {
		return nil, fmt.Errorf("unknown tool %q", name)
	}
	return t, nil
}

// Definitions returns all tool definitions, sorted by name for stable
// prompt construction.
func (r *Registry) Definitions() []llm.ToolDefinition {
	defs := make([]llm.ToolDefinition, 0, len(r.tools))
	for _, t := range r.tools {
		defs = append(defs, t.Definition())
	}
	sort.Slice(defs, func(i, j int) bool { return defs[i].Name < defs[j].Name })
	return defs
}

// Names returns the registered tool names, sorted.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// queryParameters is the shared input schema: every tool takes one
// natural-language query.
func queryParameters(description string) map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"query": map[string]any{
				"type":        "string",
				"description": description,
			},
		},
		"required": []string{"query"},
	}
}
