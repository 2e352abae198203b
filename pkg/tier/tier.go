// Package tier maintains the category vocabulary shared by the datasets and
// classifies user questions against it.
//
// Categories form a three-level hierarchy (Tier 1 > Tier 2 > Tier 3) built
// from the distinct tier paths of the imported datasets. A classifier model
// maps each question onto the vocabulary before any analysis runs; questions
// that cannot be mapped stop the pipeline early.
package tier

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"

	"insights/pkg/agent/llm"
	"insights/pkg/dataset"
	"insights/pkg/extract"
	"insights/pkg/logx"
)

// Path is one classified category reference. Deeper tiers carry their full
// ancestry; a Tier 3 value is meaningless without its Tier 1 and Tier 2.
type Path struct {
	Tier1 string `json:"tier_1,omitempty"`
	Tier2 string `json:"tier_2,omitempty"`
	Tier3 string `json:"tier_3,omitempty"`
}

// String renders the path as "Tier1 > Tier2 > Tier3", trimmed to its depth.
func (p Path) String() string {
	parts := []string{p.Tier1}
	if p.Tier2 != "" {
		parts = append(parts, p.Tier2)
	}
	if p.Tier3 != "" {
		parts = append(parts, p.Tier3)
	}
	return strings.Join(parts, " > ")
}

// Hierarchy is the merged category vocabulary of all imported datasets.
type Hierarchy struct {
	tier1 []string
	tier2 map[string][]string            // tier1 -> tier2 values
	tier3 map[string]map[string][]string // tier1 -> tier2 -> tier3 values
}

// BuildHierarchy merges distinct tier triples from any number of datasets
// into one vocabulary. Ordering is alphabetical at every level.
func BuildHierarchy(tripleSets ...[]dataset.Triple) *Hierarchy {
	h := &Hierarchy{
		tier2: make(map[string][]string),
		tier3: make(map[string]map[string][]string),
	}

	seen1 := map[string]bool{}
	seen2 := map[string]bool{}
	seen3 := map[string]bool{}

	for _, triples := range tripleSets {
		for _, t := range triples {
			if t.Tier1 == "" {
				continue
			}
			if !seen1[t.Tier1] {
				seen1[t.Tier1] = true
				h.tier1 = append(h.tier1, t.Tier1)
			}
			if t.Tier2 == "" {
				continue
			}
			k2 := t.Tier1 + "\x00" + t.Tier2
			if !seen2[k2] {
				seen2[k2] = true
				h.tier2[t.Tier1] = append(h.tier2[t.Tier1], t.Tier2)
			}
			if t.Tier3 == "" {
				continue
			}
			k3 := k2 + "\x00" + t.Tier3
			if !seen3[k3] {
				seen3[k3] = true
				if h.tier3[t.Tier1] == nil {
					h.tier3[t.Tier1] = make(map[string][]string)
				}
				h.tier3[t.Tier1][t.Tier2] = append(h.tier3[t.Tier1][t.Tier2], t.Tier3)
			}
		}
	}

	sort.Strings(h.tier1)
	for _, vs := range h.tier2 {
		sort.Strings(vs)
	}
	for _, m := range h.tier3 {
		for _, vs := range m {
			sort.Strings(vs)
		}
	}
	return h
}

// Empty reports whether no categories were found.
func (h *Hierarchy) Empty() bool {
	return len(h.tier1) == 0
}

// Roots returns one path per Tier 1 category, the fallback when a question
// is relevant but too broad to map precisely.
func (h *Hierarchy) Roots() []Path {
	paths := make([]Path, len(h.tier1))
	for i, t1 := range h.tier1 {
		paths[i] = Path{Tier1: t1}
	}
	return paths
}

// Render formats the vocabulary as an indented bullet list for prompts.
func (h *Hierarchy) Render() string {
	var b strings.Builder
	for _, t1 := range h.tier1 {
		fmt.Fprintf(&b, "- %s\n", t1)
		for _, t2 := range h.tier2[t1] {
			fmt.Fprintf(&b, "  - %s\n", t2)
			for _, t3 := range h.tier3[t1][t2] {
				fmt.Fprintf(&b, "    - %s\n", t3)
			}
		}
	}
	return b.String()
}

// Contains reports whether the path exists verbatim in the vocabulary at
// the depth it specifies.
func (h *Hierarchy) Contains(p Path) bool {
	if p.Tier1 == "" {
		return false
	}
	found := false
	for _, t1 := range h.tier1 {
		if t1 == p.Tier1 {
			found = true
			break
		}
	}
	if !found {
		return false
	}
	if p.Tier2 == "" {
		return p.Tier3 == ""
	}
	found = false
	for _, t2 := range h.tier2[p.Tier1] {
		if t2 == p.Tier2 {
			found = true
			break
		}
	}
	if !found {
		return false
	}
	if p.Tier3 == "" {
		return true
	}
	for _, t3 := range h.tier3[p.Tier1][p.Tier2] {
		if t3 == p.Tier3 {
			return true
		}
	}
	return false
}

// complete fills in missing ancestry for deeper tier values when the
// vocabulary resolves them uniquely.
func (h *Hierarchy) complete(p Path) (Path, bool) {
	if p.Tier3 != "" && (p.Tier1 == "" || p.Tier2 == "") {
		var matches []Path
		for t1, m := range h.tier3 {
			if p.Tier1 != "" && t1 != p.Tier1 {
				continue
			}
			for t2, vs := range m {
				if p.Tier2 != "" && t2 != p.Tier2 {
					continue
				}
				for _, t3 := range vs {
					if t3 == p.Tier3 {
						matches = append(matches, Path{Tier1: t1, Tier2: t2, Tier3: t3})
					}
				}
			}
		}
		if len(matches) != 1 {
			return p, false
		}
		return matches[0], true
	}

	if p.Tier2 != "" && p.Tier1 == "" {
		var matches []Path
		for t1, vs := range h.tier2 {
			for _, t2 := range vs {
				if t2 == p.Tier2 {
					matches = append(matches, Path{Tier1: t1, Tier2: t2})
				}
			}
		}
		if len(matches) != 1 {
			return p, false
		}
		return matches[0], true
	}

	return p, true
}

// ErrMalformed marks classifier output that could not be decoded. Callers
// may treat this as a skipped classification rather than a fatal error.
var ErrMalformed = errors.New("malformed classifier output")

// Classification is the outcome of mapping a question onto the vocabulary.
type Classification struct {
	MappingNeeded bool
	Results       []Path
}

// Classifier maps questions onto the vocabulary with a deterministic model
// call.
type Classifier struct {
	client    llm.LLMClient
	hierarchy *Hierarchy
	logger    *logx.Logger
}

// NewClassifier creates a classifier over the given vocabulary.
func NewClassifier(client llm.LLMClient, hierarchy *Hierarchy) *Classifier {
	return &Classifier{
		client:    client,
		hierarchy: hierarchy,
		logger:    logx.NewLogger("tier-classifier"),
	}
}

const classifierSystemPrompt = `You classify questions about expense and budget data against a fixed category vocabulary.

The vocabulary is a three-level hierarchy (Tier 1 > Tier 2 > Tier 3):

%s

Respond with JSON only, in this shape:
{"mapping_needed": true, "results": [{"tier_1": "...", "tier_2": "...", "tier_3": "..."}]}

Rules:
- "mapping_needed" is false when the question does not concern any category (for example, questions about totals across everything, dates, or counts). Then "results" must be an empty list.
- When a category is relevant, copy its values verbatim from the vocabulary. Never invent values.
- A Tier 2 entry must include its Tier 1. A Tier 3 entry must include its Tier 1 and Tier 2.
- When the question is relevant to categories but too broad to pin down, return every Tier 1 value.`

// Classify maps the question onto the vocabulary. The error path is a hard
// stop for the caller; analysis must not run on unmapped categories.
func (c *Classifier) Classify(ctx context.Context, question string) (Classification, error) {
	if c.hierarchy.Empty() {
		return Classification{MappingNeeded: false}, nil
	}

	req := llm.NewCompletionRequest([]llm.CompletionMessage{
		llm.NewSystemMessage(fmt.Sprintf(classifierSystemPrompt, c.hierarchy.Render())),
		llm.NewUserMessage(question),
	})
	req.Temperature = llm.TemperatureDeterministic

	resp, err := c.client.Complete(ctx, req)
	if err != nil {
		return Classification{}, fmt.Errorf("classifier call failed: %w", err)
	}

	return c.parse(resp.Content)
}

type rawClassification struct {
	MappingNeeded json.RawMessage `json:"mapping_needed"`
	Results       []Path          `json:"results"`
}

// parse decodes and validates the classifier response. Paths that do not
// exist verbatim in the vocabulary are rejected; when the model proposed
// paths but every one was rejected, the classification falls back to all
// Tier 1 roots. A relevant question with an empty results list stays empty;
// that is the caller's hard-stop signal.
func (c *Classifier) parse(content string) (Classification, error) {
	cleaned := extract.StripFences(content)

	var raw rawClassification
	if err := json.Unmarshal([]byte(cleaned), &raw); err != nil {
		return Classification{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	needed, err := parseBoolish(raw.MappingNeeded)
	if err != nil {
		return Classification{}, fmt.Errorf("%w: mapping_needed: %v", ErrMalformed, err)
	}
	if !needed {
		return Classification{MappingNeeded: false}, nil
	}

	var valid []Path
	for _, p := range raw.Results {
		completed, ok := c.hierarchy.complete(p)
		if !ok || !c.hierarchy.Contains(completed) {
			c.logger.Warn("rejecting category not in vocabulary: %s", p.String())
			continue
		}
		valid = append(valid, completed)
	}

	if len(valid) == 0 && len(raw.Results) > 0 {
		c.logger.Info("all proposed categories were rejected; falling back to all Tier 1 categories")
		valid = c.hierarchy.Roots()
	}

	return Classification{MappingNeeded: true, Results: valid}, nil
}

// parseBoolish accepts JSON booleans and the yes/no strings smaller models
// tend to emit.
func parseBoolish(raw json.RawMessage) (bool, error) {
	if len(raw) == 0 {
		return false, fmt.Errorf("missing value")
	}

	var b bool
	if err := json.Unmarshal(raw, &b); err == nil {
		return b, nil
	}

	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		switch strings.ToLower(strings.TrimSpace(s)) {
		case "true", "yes", "y":
			return true, nil
		case "false", "no", "n":
			return false, nil
		}
		return false, fmt.Errorf("unrecognized value %q", s)
	}

	return false, fmt.Errorf("unrecognized value %s", string(raw))
}
