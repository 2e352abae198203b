package sandbox

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"insights/pkg/dataset"
)

const expenseCSV = `Date,Tier 1,Tier 2,Tier 3,Description,Amount
2024-01-05,Operations,Travel,Flights,Q1 sales trip,1250.50
2024-01-08,Operations,Travel,Hotels,Q1 sales trip,640.00
2024-01-12,Marketing,Advertising,Online Ads,January campaign,3000
2024-02-02,Operations,Office,Supplies,Printer paper,89.99
2024-03-01,Operations,Travel,Flights,Conference,980.25
`

func importExpense(t *testing.T) *dataset.Dataset {
	t.Helper()
	path := filepath.Join(t.TempDir(), "data.csv")
	require.NoError(t, os.WriteFile(path, []byte(expenseCSV), 0o644))
	ds, err := dataset.ImportCSV(path, "expense")
	require.NoError(t, err)
	t.Cleanup(func() { ds.Close() })
	return ds
}

func TestExecuteFullResponse(t *testing.T) {
	ds := importExpense(t)
	artifacts := t.TempDir()

	text := `<approach>Sum travel spend from the expense table.</approach>
<code>
SELECT SUM(amount) AS travel_total FROM df WHERE tier_2 = 'Travel';
</code>
<answer>Total travel spend was {travel_total:,.2f}.</answer>`

	result := NewExecutor().Execute(context.Background(), Input{
		Text:        text,
		Dataset:     ds,
		ArtifactDir: artifacts,
	})

	require.NotNil(t, result.Approach)
	assert.Equal(t, "Sum travel spend from the expense table.", *result.Approach)

	require.NotNil(t, result.Code)
	assert.Contains(t, *result.Code, "SELECT SUM(amount)")

	require.NotNil(t, result.Answer)
	assert.Equal(t, "Total travel spend was 2,870.75.", *result.Answer)

	assert.Nil(t, result.Figure, "no chart section, no figure")
}

func TestExecuteChartArtifact(t *testing.T) {
	ds := importExpense(t)
	artifacts := t.TempDir()

	text := `<code>
SELECT tier_2 AS category, SUM(amount) AS total FROM df GROUP BY tier_2 ORDER BY total DESC;
</code>
<chart>
{"title": {"text": "Spend by category"}, "xAxis": {"data": "@rows"}, "series": [{"type": "bar", "data": "@rows"}]}
</chart>`

	result := NewExecutor().Execute(context.Background(), Input{
		Text:        text,
		Dataset:     ds,
		ArtifactDir: artifacts,
	})

	require.NotNil(t, result.Figure)
	assert.True(t, strings.HasPrefix(filepath.Base(*result.Figure), "plot_"))
	assert.True(t, strings.HasSuffix(*result.Figure, ".json"))

	raw, err := os.ReadFile(*result.Figure)
	require.NoError(t, err)

	var spec map[string]any
	require.NoError(t, json.Unmarshal(raw, &spec))
	assert.Contains(t, spec, "series")

	// @rows tokens were substituted with the query result
	assert.NotContains(t, string(raw), "@rows")
	assert.Contains(t, string(raw), "Travel")
}

func TestExecuteChartWithoutSeriesSkipped(t *testing.T) {
	ds := importExpense(t)

	text := `<code>SELECT COUNT(*) AS n FROM df;</code>
<chart>{"title": {"text": "no series here"}}</chart>`

	result := NewExecutor().Execute(context.Background(), Input{
		Text:        text,
		Dataset:     ds,
		ArtifactDir: t.TempDir(),
	})

	assert.Nil(t, result.Figure)
	require.NotNil(t, result.ChartCode, "chart source is still recorded")
}

func TestExecuteSingleRowBindings(t *testing.T) {
	ds := importExpense(t)

	text := `<code>
SELECT COUNT(*) AS row_count, SUM(amount) AS grand_total FROM df;
</code>
<answer>{row_count:,.0f} rows totaling {grand_total:,.2f}.</answer>`

	result := NewExecutor().Execute(context.Background(), Input{
		Text:        text,
		Dataset:     ds,
		ArtifactDir: t.TempDir(),
	})

	require.NotNil(t, result.Answer)
	assert.Equal(t, "5 rows totaling 5,960.74.", *result.Answer)
}

func TestExecuteBrokenSQLYieldsPartialResult(t *testing.T) {
	ds := importExpense(t)

	text := `<approach>Query a column that does not exist.</approach>
<code>SELECT nonexistent FROM df;</code>
<answer>Value is {nonexistent}.</answer>`

	result := NewExecutor().Execute(context.Background(), Input{
		Text:        text,
		Dataset:     ds,
		ArtifactDir: t.TempDir(),
	})

	assert.NotNil(t, result.Approach)
	assert.NotNil(t, result.Code, "code is recorded even when it fails")
	assert.Nil(t, result.Answer, "answer stays null when execution fails")
	assert.Nil(t, result.Figure)
}

func TestExecuteUnresolvablePlaceholder(t *testing.T) {
	ds := importExpense(t)

	text := `<code>SELECT SUM(amount) AS total FROM df;</code>
<answer>Total is {missing_name}.</answer>`

	result := NewExecutor().Execute(context.Background(), Input{
		Text:        text,
		Dataset:     ds,
		ArtifactDir: t.TempDir(),
	})

	assert.Nil(t, result.Answer)
}

func TestExecuteAnswerRequiresCodeAgainstDataset(t *testing.T) {
	ds := importExpense(t)

	result := NewExecutor().Execute(context.Background(), Input{
		Text:        `<answer>Total travel spend was 2,870.75.</answer>`,
		Dataset:     ds,
		ArtifactDir: t.TempDir(),
	})

	assert.Nil(t, result.Answer, "prose answer without a code section is not computed")
	assert.Nil(t, result.Code)
}

func TestExecuteNoSections(t *testing.T) {
	result := NewExecutor().Execute(context.Background(), Input{
		Text:        "plain prose with no tags",
		ArtifactDir: t.TempDir(),
	})
	assert.Equal(t, Result{}, result)
}

func TestExecutePreBoundValues(t *testing.T) {
	text := `<answer>Merged: {expense_answer} / {budget_answer}</answer>`

	result := NewExecutor().Execute(context.Background(), Input{
		Text: text,
		Bindings: map[string]any{
			"expense_answer": "spend was 5,960.74",
			"budget_answer":  "budget was 8,000.00",
		},
		ArtifactDir: t.TempDir(),
	})

	require.NotNil(t, result.Answer)
	assert.Equal(t, "Merged: spend was 5,960.74 / budget was 8,000.00", *result.Answer)
}

func TestSplitStatementsQuotedSemicolons(t *testing.T) {
	stmts := splitStatements(`SELECT 'a;b' AS x; SELECT 2`)
	require.Len(t, stmts, 2)
	assert.Equal(t, `SELECT 'a;b' AS x`, stmts[0])
	assert.Equal(t, "SELECT 2", stmts[1])
}

func TestFormatValue(t *testing.T) {
	cases := []struct {
		value  any
		format string
		want   string
	}{
		{1234567.891, ",.2f", "1,234,567.89"},
		{1234567.891, ",.0f", "1,234,568"},
		{float64(42), "", "42"},
		{int64(9000), ",.0f", "9,000"},
		{-1234.5, ",.2f", "-1,234.50"},
		{"text", "", "text"},
	}
	for _, tc := range cases {
		got, err := formatValue(tc.value, tc.format)
		require.NoError(t, err)
		assert.Equal(t, tc.want, got, "value %v format %q", tc.value, tc.format)
	}

	_, err := formatValue("not numeric", ",.2f")
	assert.Error(t, err)
	_, err = formatValue(nil, "")
	assert.Error(t, err)
}
