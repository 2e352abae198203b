package dataset

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const expenseCSV = `Date,Tier 1,Tier 2,Tier 3,Description,Amount
2024-01-05,Operations,Travel,Flights,Q1 sales trip,1250.50
2024-01-08,Operations,Travel,Hotels,Q1 sales trip,640.00
2024-01-12,Marketing,Advertising,Online Ads,January campaign,3000
2024-02-02,Operations,Office,Supplies,Printer paper,89.99
2024-02-15,Marketing,Advertising,Online Ads,February campaign,2800
2024-03-01,Operations,Travel,Flights,Conference,980.25
`

func writeCSV(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "data.csv")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func importExpense(t *testing.T) *Dataset {
	t.Helper()
	ds, err := ImportCSV(writeCSV(t, expenseCSV), "expense")
	require.NoError(t, err)
	t.Cleanup(func() { ds.Close() })
	return ds
}

func TestImportCSVSchema(t *testing.T) {
	ds := importExpense(t)

	assert.Equal(t, 6, ds.RowCount())

	cols := ds.Columns()
	require.Len(t, cols, 6)
	assert.Equal(t, "date", cols[0].Name)
	assert.Equal(t, "tier_1", cols[1].Name)
	assert.Equal(t, "tier_2", cols[2].Name)
	assert.Equal(t, "tier_3", cols[3].Name)
	assert.Equal(t, "amount", cols[5].Name)
	assert.Equal(t, "REAL", cols[5].Type)
	assert.Equal(t, "TEXT", cols[0].Type)

	schema := ds.Schema()
	assert.Contains(t, schema, `"df"`)
	assert.Contains(t, schema, "amount (real)")
}

func TestHeadSampleCapped(t *testing.T) {
	ds := importExpense(t)

	sample, err := ds.HeadSample(context.Background(), 5)
	require.NoError(t, err)

	lines := strings.Split(strings.TrimSpace(sample), "\n")
	assert.LessOrEqual(t, len(lines), 6, "header plus at most 5 rows")
	assert.Contains(t, lines[0], "tier_1")
	assert.Contains(t, sample, "Flights")
}

func TestReadOnlyConnRejectsWrites(t *testing.T) {
	ds := importExpense(t)

	ctx := context.Background()
	conn, err := ds.ReadOnlyConn(ctx)
	require.NoError(t, err)
	defer conn.Close()

	var total float64
	row := conn.QueryRowContext(ctx, "SELECT SUM(amount) FROM df WHERE tier_2 = 'Travel'")
	require.NoError(t, row.Scan(&total))
	assert.InDelta(t, 2870.75, total, 0.01)

	_, err = conn.ExecContext(ctx, "DELETE FROM df")
	assert.Error(t, err, "writes must be rejected on a read-only connection")
}

func TestDistinctTiers(t *testing.T) {
	ds := importExpense(t)

	triples, err := ds.DistinctTiers(context.Background())
	require.NoError(t, err)
	require.NotEmpty(t, triples)

	assert.Contains(t, triples, Triple{Tier1: "Operations", Tier2: "Travel", Tier3: "Flights"})
	assert.Contains(t, triples, Triple{Tier1: "Marketing", Tier2: "Advertising", Tier3: "Online Ads"})

	// Distinctness: the two Online Ads rows collapse to one triple
	count := 0
	for _, tr := range triples {
		if tr.Tier3 == "Online Ads" {
			count++
		}
	}
	assert.Equal(t, 1, count)
}

func TestDistinctTiersAbsentColumns(t *testing.T) {
	ds, err := ImportCSV(writeCSV(t, "a,b\n1,2\n"), "plain")
	require.NoError(t, err)
	defer ds.Close()

	triples, err := ds.DistinctTiers(context.Background())
	require.NoError(t, err)
	assert.Empty(t, triples)
}

func TestImportEmptyFile(t *testing.T) {
	_, err := ImportCSV(writeCSV(t, ""), "empty")
	require.Error(t, err)
}
