// Package sandbox executes model-generated analysis against a dataset.
//
// A response carries up to four tagged sections. The code section is a SQL
// script run on a read-only connection whose table binding is "df". Columns
// of single-row results become named values; the last result set is also
// bound as "rows". The answer section is a template rendered from those
// values; against a dataset it requires a code section, so prose cannot
// pass as a computed answer. The chart section is a chart-spec JSON
// template whose "@name"
// tokens are substituted with bound values before the chart is written to
// the artifact directory.
//
// Execution failures are contained: they are logged and reduce the output
// to a partial result. No retries happen at this layer; callers decide
// whether a missing answer warrants another attempt.
package sandbox

import (
	"context"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	"github.com/google/uuid"

	"insights/pkg/dataset"
	"insights/pkg/extract"
	"insights/pkg/logx"
)

// Input carries one analysis request into the executor.
type Input struct {
	Text        string         // Raw model response
	Dataset     *dataset.Dataset // May be nil (no SQL namespace beyond Bindings)
	Bindings    map[string]any // Pre-bound values available to answer and chart
	ArtifactDir string         // Where chart specs are written
}

// Result is the outcome of executing one analysis response.
// Any field may be nil when the corresponding section was absent or failed.
type Result struct {
	Approach  *string `json:"approach"`
	Answer    *string `json:"answer"`
	Figure    *string `json:"figure"`
	Code      *string `json:"code"`
	ChartCode *string `json:"chart_code"`
}

// Executor runs analysis responses. Stateless; safe to share.
type Executor struct {
	logger *logx.Logger
}

// NewExecutor creates an executor.
func NewExecutor() *Executor {
	return &Executor{logger: logx.NewLogger("sandbox")}
}

var placeholderRe = regexp.MustCompile(`\{([a-zA-Z_][a-zA-Z0-9_]*)(:[^{}]*)?\}`)

// Execute runs one analysis response and returns the (possibly partial) result.
func (e *Executor) Execute(ctx context.Context, in Input) Result {
	var result Result

	sections := extract.Segments(in.Text)
	if len(sections) == 0 {
		e.logger.Debug("response carries no analysis sections")
		return result
	}

	if approach, ok := sections[extract.SectionApproach]; ok {
		a := strings.TrimSpace(approach)
		result.Approach = &a
	}

	namespace := make(map[string]any, len(in.Bindings))
	for k, v := range in.Bindings {
		namespace[k] = v
	}

	codeOK := true
	codeSrc, hasCode := sections[extract.SectionCode]
	if hasCode {
		code := extract.Dedent(extract.StripFences(codeSrc))
		result.Code = &code

		if in.Dataset != nil {
			if err := e.runScript(ctx, in.Dataset, code, namespace); err != nil {
				e.logger.Error("analysis code failed: %v", err)
				codeOK = false
			}
		}
	}

	// With a dataset bound, the answer must come from executed code; a
	// template without a code section has no computed values to render.
	// Codeless inputs such as merge requests render from Bindings alone.
	answerable := codeOK && (hasCode || in.Dataset == nil)
	if answerSrc, ok := sections[extract.SectionAnswer]; ok && answerable {
		rendered, err := renderTemplate(strings.TrimSpace(answerSrc), namespace)
		if err != nil {
			e.logger.Error("answer template failed: %v", err)
		} else {
			result.Answer = &rendered
		}
	}

	if chartSrc, ok := sections[extract.SectionChart]; ok {
		chart := extract.StripFences(chartSrc)
		result.ChartCode = &chart

		if codeOK {
			figure, err := e.renderChart(chart, namespace, in.ArtifactDir)
			if err != nil {
				e.logger.Error("chart rendering failed: %v", err)
			} else if figure != "" {
				result.Figure = &figure
			}
		}
	}

	return result
}

// runScript executes a SQL script statement by statement on a read-only
// connection, binding single-row result columns as named values and the
// last result set as "rows".
func (e *Executor) runScript(ctx context.Context, ds *dataset.Dataset, script string, namespace map[string]any) error {
	conn, err := ds.ReadOnlyConn(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()

	statements := splitStatements(script)
	if len(statements) == 0 {
		return fmt.Errorf("code section contains no statements")
	}

	var lastRows []map[string]any
	for _, stmt := range statements {
		rows, err := queryStatement(ctx, conn, stmt)
		if err != nil {
			return fmt.Errorf("statement %q: %w", truncate(stmt, 80), err)
		}
		if rows == nil {
			continue
		}
		lastRows = rows

		if len(rows) == 1 {
			for k, v := range rows[0] {
				namespace[k] = v
			}
		}
	}

	if lastRows != nil {
		namespace["rows"] = lastRows
	}
	return nil
}

func queryStatement(ctx context.Context, conn *sql.Conn, stmt string) ([]map[string]any, error) {
	rows, err := conn.QueryContext(ctx, stmt)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return nil, err
	}
	if len(cols) == 0 {
		return nil, rows.Err()
	}

	var out []map[string]any
	for rows.Next() {
		values := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, err
		}

		record := make(map[string]any, len(cols))
		for i, col := range cols {
			if b, ok := values[i].([]byte); ok {
				record[col] = string(b)
			} else {
				record[col] = values[i]
			}
		}
		out = append(out, record)
	}
	return out, rows.Err()
}

// renderChart substitutes "@name" tokens, validates the chart JSON, and
// writes it to the artifact directory under a collision-resistant name. A
// chart without a top-level "series" key is no figure and yields no artifact.
func (e *Executor) renderChart(chart string, namespace map[string]any, artifactDir string) (string, error) {
	for name, value := range namespace {
		token := fmt.Sprintf("%q", "@"+name)
		if !strings.Contains(chart, token) {
			continue
		}
		encoded, err := json.Marshal(value)
		if err != nil {
			return "", fmt.Errorf("encode binding %s: %w", name, err)
		}
		chart = strings.ReplaceAll(chart, token, string(encoded))
	}

	var spec map[string]any
	if err := json.Unmarshal([]byte(chart), &spec); err != nil {
		return "", fmt.Errorf("chart spec is not valid JSON: %w", err)
	}
	if _, ok := spec["series"]; !ok {
		e.logger.Debug("chart spec carries no series; skipping artifact")
		return "", nil
	}

	if err := os.MkdirAll(artifactDir, 0o755); err != nil {
		return "", fmt.Errorf("create artifact dir: %w", err)
	}

	id := uuid.New()
	name := fmt.Sprintf("plot_%s.json", hex.EncodeToString(id[:]))
	path := filepath.Join(artifactDir, name)

	pretty, err := json.MarshalIndent(spec, "", "  ")
	if err != nil {
		return "", fmt.Errorf("encode chart spec: %w", err)
	}
	if err := os.WriteFile(path, pretty, 0o644); err != nil {
		return "", fmt.Errorf("write chart artifact: %w", err)
	}

	return path, nil
}

// renderTemplate resolves {name} and {name:format} placeholders against the
// namespace. An unresolvable placeholder fails the whole template.
func renderTemplate(tmpl string, namespace map[string]any) (string, error) {
	var firstErr error
	rendered := placeholderRe.ReplaceAllStringFunc(tmpl, func(match string) string {
		groups := placeholderRe.FindStringSubmatch(match)
		name := groups[1]
		format := strings.TrimPrefix(groups[2], ":")

		value, ok := namespace[name]
		if !ok {
			if firstErr == nil {
				firstErr = fmt.Errorf("placeholder %q has no bound value", name)
			}
			return match
		}

		text, err := formatValue(value, format)
		if err != nil {
			if firstErr == nil {
				firstErr = fmt.Errorf("placeholder %q: %w", name, err)
			}
			return match
		}
		return text
	})
	if firstErr != nil {
		return "", firstErr
	}
	return rendered, nil
}

// formatValue renders a bound value with an optional numeric format spec
// such as ",.0f" or ",.2f" (thousands grouping, fixed precision).
func formatValue(value any, format string) (string, error) {
	if format == "" {
		switch v := value.(type) {
		case nil:
			return "", fmt.Errorf("value is null")
		case float64:
			return strconv.FormatFloat(v, 'f', -1, 64), nil
		case int64:
			return strconv.FormatInt(v, 10), nil
		case string:
			return v, nil
		default:
			return fmt.Sprintf("%v", v), nil
		}
	}

	num, err := asFloat(value)
	if err != nil {
		return "", err
	}

	grouped := strings.Contains(format, ",")
	precision := 0
	if idx := strings.Index(format, "."); idx != -1 {
		precStr := strings.TrimSuffix(format[idx+1:], "f")
		p, err := strconv.Atoi(precStr)
		if err != nil {
			return "", fmt.Errorf("unsupported format spec %q", format)
		}
		precision = p
	}

	text := strconv.FormatFloat(num, 'f', precision, 64)
	if grouped {
		text = groupThousands(text)
	}
	return text, nil
}

func asFloat(value any) (float64, error) {
	switch v := value.(type) {
	case float64:
		return v, nil
	case int64:
		return float64(v), nil
	case int:
		return float64(v), nil
	case string:
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return 0, fmt.Errorf("value %q is not numeric", v)
		}
		return f, nil
	case nil:
		return 0, fmt.Errorf("value is null")
	default:
		return 0, fmt.Errorf("value of type %T is not numeric", value)
	}
}

func groupThousands(text string) string {
	neg := strings.HasPrefix(text, "-")
	if neg {
		text = text[1:]
	}
	intPart := text
	fracPart := ""
	if idx := strings.Index(text, "."); idx != -1 {
		intPart, fracPart = text[:idx], text[idx:]
	}

	var b strings.Builder
	for i, digit := range intPart {
		if i > 0 && (len(intPart)-i)%3 == 0 {
			b.WriteByte(',')
		}
		b.WriteRune(digit)
	}

	out := b.String() + fracPart
	if neg {
		out = "-" + out
	}
	return out
}

// splitStatements splits a SQL script on semicolons, respecting single- and
// double-quoted regions.
func splitStatements(script string) []string {
	var statements []string
	var current strings.Builder
	var quote rune

	for _, r := range script {
		switch {
		case quote != 0:
			current.WriteRune(r)
			if r == quote {
				quote = 0
			}
		case r == '\'' || r == '"':
			quote = r
			current.WriteRune(r)
		case r == ';':
			if stmt := strings.TrimSpace(current.String()); stmt != "" {
				statements = append(statements, stmt)
			}
			current.Reset()
		default:
			current.WriteRune(r)
		}
	}
	if stmt := strings.TrimSpace(current.String()); stmt != "" {
		statements = append(statements, stmt)
	}
	return statements
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
