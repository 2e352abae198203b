// Package dataset imports tabular CSV data into per-session SQLite databases
// and exposes them to the analysis sandbox.
//
// Each dataset gets its own database file whose single table is named "df",
// the conventional binding the generated SQL queries against. Analysis runs
// on read-only connections; the importer is the only writer.
package dataset

import (
	"context"
	"database/sql"
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/google/uuid"
	_ "modernc.org/sqlite" // database/sql driver

	"insights/pkg/logx"
)

// TableName is the conventional table binding for analysis SQL.
const TableName = "df"

// Column describes one imported column.
type Column struct {
	Name string // Sanitized SQL identifier
	Raw  string // Original CSV header
	Type string // "REAL" or "TEXT"
}

// Triple is a distinct tier path found in a dataset.
type Triple struct {
	Tier1 string
	Tier2 string
	Tier3 string
}

// Dataset is an imported table plus its metadata.
type Dataset struct {
	ID      string
	Name    string
	Path    string // Backing database file
	columns []Column
	rows    int
	db      *sql.DB
	logger  *logx.Logger
}

// ImportCSV loads the CSV at path into a fresh SQLite database.
// Column names are sanitized into SQL identifiers; column types are inferred
// from the data (REAL when every non-empty value parses as a number).
func ImportCSV(path, name string) (*Dataset, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open dataset %s: %w", path, err)
	}
	defer f.Close()

	reader := csv.NewReader(f)
	records, err := reader.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("failed to parse CSV %s: %w", path, err)
	}
	if len(records) < 1 {
		return nil, fmt.Errorf("dataset %s is empty", path)
	}

	header := records[0]
	dataRows := records[1:]

	columns := make([]Column, len(header))
	for i, raw := range header {
		columns[i] = Column{
			Name: sanitizeIdentifier(raw),
			Raw:  strings.TrimSpace(raw),
			Type: inferColumnType(dataRows, i),
		}
	}

	id := uuid.New().String()
	dbPath := filepath.Join(os.TempDir(), fmt.Sprintf("insights_%s_%s.db", name, id))

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database for %s: %w", name, err)
	}

	if err := createAndFill(db, columns, dataRows); err != nil {
		db.Close()
		os.Remove(dbPath)
		return nil, fmt.Errorf("failed to import %s: %w", name, err)
	}

	ds := &Dataset{
		ID:      id,
		Name:    name,
		Path:    dbPath,
		columns: columns,
		rows:    len(dataRows),
		db:      db,
		logger:  logx.NewLogger("dataset"),
	}
	ds.logger.Info("imported %s: %d rows, %d columns", name, ds.rows, len(columns))
	return ds, nil
}

func createAndFill(db *sql.DB, columns []Column, rows [][]string) error {
	defs := make([]string, len(columns))
	for i, col := range columns {
		defs[i] = fmt.Sprintf("%q %s", col.Name, col.Type)
	}
	createStmt := fmt.Sprintf("CREATE TABLE %s (%s)", TableName, strings.Join(defs, ", "))
	if _, err := db.Exec(createStmt); err != nil {
		return fmt.Errorf("create table: %w", err)
	}

	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(columns)), ",")
	insertStmt := fmt.Sprintf("INSERT INTO %s VALUES (%s)", TableName, placeholders)

	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("begin import transaction: %w", err)
	}
	stmt, err := tx.Prepare(insertStmt)
	if err != nil {
		tx.Rollback()
		return fmt.Errorf("prepare insert: %w", err)
	}
	defer stmt.Close()

	for _, row := range rows {
		args := make([]any, len(columns))
		for i := range columns {
			var cell string
			if i < len(row) {
				cell = strings.TrimSpace(row[i])
			}
			if columns[i].Type == "REAL" {
				if cell == "" {
					args[i] = nil
				} else if v, err := strconv.ParseFloat(strings.ReplaceAll(cell, ",", ""), 64); err == nil {
					args[i] = v
				} else {
					args[i] = nil
				}
			} else {
				args[i] = cell
			}
		}
		if _, err := stmt.Exec(args...); err != nil {
			tx.Rollback()
			return fmt.Errorf("insert row: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit import: %w", err)
	}
	return nil
}

// Columns returns the imported column metadata.
func (d *Dataset) Columns() []Column {
	out := make([]Column, len(d.columns))
	copy(out, d.columns)
	return out
}

// RowCount returns the number of imported rows.
func (d *Dataset) RowCount() int {
	return d.rows
}

// Schema renders the table schema for prompt templates.
func (d *Dataset) Schema() string {
	var b strings.Builder
	fmt.Fprintf(&b, "Table %q columns:\n", TableName)
	for _, col := range d.columns {
		fmt.Fprintf(&b, "- %s (%s)\n", col.Name, strings.ToLower(col.Type))
	}
	return b.String()
}

// HeadSample renders up to n rows as a pipe-delimited sample for prompts.
func (d *Dataset) HeadSample(ctx context.Context, n int) (string, error) {
	if n <= 0 {
		n = 5
	}

	names := make([]string, len(d.columns))
	for i, col := range d.columns {
		names[i] = col.Name
	}

	query := fmt.Sprintf("SELECT * FROM %s LIMIT %d", TableName, n)
	rows, err := d.db.QueryContext(ctx, query)
	if err != nil {
		return "", fmt.Errorf("head sample query: %w", err)
	}
	defer rows.Close()

	var b strings.Builder
	b.WriteString(strings.Join(names, " | "))
	b.WriteString("\n")

	values := make([]any, len(names))
	ptrs := make([]any, len(names))
	for i := range values {
		ptrs[i] = &values[i]
	}

	for rows.Next() {
		if err := rows.Scan(ptrs...); err != nil {
			return "", fmt.Errorf("head sample scan: %w", err)
		}
		cells := make([]string, len(values))
		for i, v := range values {
			cells[i] = formatCell(v)
		}
		b.WriteString(strings.Join(cells, " | "))
		b.WriteString("\n")
	}
	if err := rows.Err(); err != nil {
		return "", fmt.Errorf("head sample rows: %w", err)
	}

	return b.String(), nil
}

// ReadOnlyConn returns a connection restricted to reads, for sandboxed
// execution of model-generated SQL.
func (d *Dataset) ReadOnlyConn(ctx context.Context) (*sql.Conn, error) {
	conn, err := d.db.Conn(ctx)
	if err != nil {
		return nil, fmt.Errorf("acquire connection: %w", err)
	}
	if _, err := conn.ExecContext(ctx, "PRAGMA query_only = ON"); err != nil {
		conn.Close()
		return nil, fmt.Errorf("set query_only: %w", err)
	}
	return conn, nil
}

// DistinctTiers extracts the distinct tier paths present in this dataset.
// Datasets without tier columns yield no triples.
func (d *Dataset) DistinctTiers(ctx context.Context) ([]Triple, error) {
	tierCols := []string{}
	for _, want := range []string{"tier_1", "tier_2", "tier_3"} {
		for _, col := range d.columns {
			if col.Name == want {
				tierCols = append(tierCols, want)
				break
			}
		}
	}
	if len(tierCols) == 0 {
		return nil, nil
	}

	query := fmt.Sprintf("SELECT DISTINCT %s FROM %s ORDER BY %s",
		strings.Join(tierCols, ", "), TableName, strings.Join(tierCols, ", "))
	rows, err := d.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("distinct tiers query: %w", err)
	}
	defer rows.Close()

	var triples []Triple
	for rows.Next() {
		vals := make([]any, len(tierCols))
		ptrs := make([]any, len(tierCols))
		for i := range vals {
			ptrs[i] = &vals[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, fmt.Errorf("distinct tiers scan: %w", err)
		}

		var t Triple
		for i, col := range tierCols {
			v := formatCell(vals[i])
			switch col {
			case "tier_1":
				t.Tier1 = v
			case "tier_2":
				t.Tier2 = v
			case "tier_3":
				t.Tier3 = v
			}
		}
		if t.Tier1 != "" {
			triples = append(triples, t)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("distinct tiers rows: %w", err)
	}
	return triples, nil
}

// Close releases the database and removes the backing file.
func (d *Dataset) Close() error {
	if d.db == nil {
		return nil
	}
	err := d.db.Close()
	d.db = nil
	os.Remove(d.Path)
	return err
}

// sanitizeIdentifier converts a CSV header into a safe SQL identifier.
func sanitizeIdentifier(raw string) string {
	var b strings.Builder
	for _, r := range strings.TrimSpace(strings.ToLower(raw)) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
	}
	name := strings.Trim(b.String(), "_")
	for strings.Contains(name, "__") {
		name = strings.ReplaceAll(name, "__", "_")
	}
	if name == "" {
		name = "column"
	}
	if name[0] >= '0' && name[0] <= '9' {
		name = "c_" + name
	}
	return name
}

// inferColumnType returns REAL when every non-empty value in the column
// parses as a number, TEXT otherwise.
func inferColumnType(rows [][]string, col int) string {
	sawValue := false
	for _, row := range rows {
		if col >= len(row) {
			continue
		}
		cell := strings.TrimSpace(row[col])
		if cell == "" {
			continue
		}
		sawValue = true
		if _, err := strconv.ParseFloat(strings.ReplaceAll(cell, ",", ""), 64); err != nil {
			return "TEXT"
		}
	}
	if !sawValue {
		return "TEXT"
	}
	return "REAL"
}

// formatCell renders a scanned SQL value for display.
func formatCell(v any) string {
	switch val := v.(type) {
	case nil:
		return ""
	case []byte:
		return string(val)
	case float64:
		return strconv.FormatFloat(val, 'f', -1, 64)
	case int64:
		return strconv.FormatInt(val, 10)
	default:
		return fmt.Sprintf("%v", val)
	}
}
