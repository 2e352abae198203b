// Package extract pulls tagged sections out of model responses.
//
// Analysis responses carry up to four paired-marker sections:
// <approach>, <code>, <chart>, and <answer>. Extraction is pure and
// order-independent; sections may appear in any order and any subset.
package extract

import (
	"fmt"
	"strings"
)

// Section names recognized in analysis responses.
const (
	SectionApproach = "approach"
	SectionCode     = "code"
	SectionChart    = "chart"
	SectionAnswer   = "answer"
	SectionGraph    = "graph"
)

// analysisSections are the sections Segments looks for.
//
//nolint:gochecknoglobals // Static lookup table
var analysisSections = []string{SectionApproach, SectionCode, SectionChart, SectionAnswer}

// Segments returns the sections present in text, keyed by section name.
// Text without any recognized markers yields an empty map. A section whose
// closing marker is missing is ignored. Calling Segments on its own output
// is a no-op for single-section inputs.
func Segments(text string) map[string]string {
	result := make(map[string]string)
	for _, name := range analysisSections {
		if content, ok := Between(text, name); ok {
			result[name] = content
		}
	}
	return result
}

// Between returns the content between <tag> and </tag>, reporting whether
// both markers were found. Only the first occurrence is considered.
func Between(text, tag string) (string, bool) {
	openTag := fmt.Sprintf("<%s>", tag)
	closeTag := fmt.Sprintf("</%s>", tag)

	start := strings.Index(text, openTag)
	if start == -1 {
		return "", false
	}
	rest := text[start+len(openTag):]
	end := strings.Index(rest, closeTag)
	if end == -1 {
		return "", false
	}
	return rest[:end], true
}

// Within returns the trimmed content of <tag> when present, or the whole
// trimmed text when the markers are absent. Used when re-ingesting an
// agent's final answer, which may or may not carry <answer> tags.
func Within(text, tag string) string {
	if content, ok := Between(text, tag); ok {
		return strings.TrimSpace(content)
	}
	return strings.TrimSpace(text)
}

// GraphArtifacts parses a <graph> section value: a "|"-separated list of
// artifact paths, filtered to .json entries.
func GraphArtifacts(value string) []string {
	var artifacts []string
	for _, part := range strings.Split(value, "|") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		if strings.HasSuffix(part, ".json") {
			artifacts = append(artifacts, part)
		}
	}
	return artifacts
}

// StripFences removes a wrapping Markdown code fence (``` or ```json or
// ```json:echarts) from text, if present.
func StripFences(text string) string {
	trimmed := strings.TrimSpace(text)
	if !strings.HasPrefix(trimmed, "```") {
		return trimmed
	}

	lines := strings.Split(trimmed, "\n")
	if len(lines) < 2 {
		return trimmed
	}

	// Drop the opening fence line (with any language tag) and a closing fence
	lines = lines[1:]
	for len(lines) > 0 && strings.TrimSpace(lines[len(lines)-1]) == "```" {
		lines = lines[:len(lines)-1]
	}
	return strings.TrimSpace(strings.Join(lines, "\n"))
}

// Dedent removes the common leading indentation from all non-blank lines.
// Tabs count as single characters, matching how model output indents code.
func Dedent(text string) string {
	lines := strings.Split(text, "\n")

	minIndent := -1
	for _, line := range lines {
		if strings.TrimSpace(line) == "" {
			continue
		}
		indent := len(line) - len(strings.TrimLeft(line, " \t"))
		if minIndent == -1 || indent < minIndent {
			minIndent = indent
		}
	}
	if minIndent <= 0 {
		return text
	}

	out := make([]string, len(lines))
	for i, line := range lines {
		if len(line) >= minIndent && strings.TrimSpace(line) != "" {
			out[i] = line[minIndent:]
		} else {
			out[i] = strings.TrimLeft(line, " \t")
		}
	}
	return strings.Join(out, "\n")
}
