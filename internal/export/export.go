// Package export generates PostgreSQL DDL and data from document collections.
//
// Collections are schemaless, so each table is inferred from the documents it
// holds: one column per field name, typed by the values seen.
package export

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/adrianmcphee/polybase"
)

// Column types emitted by the inference.
const (
	TypeText      = "TEXT"
	TypeBigint    = "BIGINT"
	TypeDouble    = "DOUBLE PRECISION"
	TypeBoolean   = "BOOLEAN"
	TypeTimestamp = "TIMESTAMPTZ"
	TypeJSONB     = "JSONB"
)

// Column is one inferred table column. Field is the document field it reads,
// or empty for the id and timestamp columns.
type Column struct {
	Name       string
	Type       string
	PrimaryKey bool
	NotNull    bool
	Field      string
}

// Table is the inferred shape of a collection.
type Table struct {
	Name    string
	Columns []Column
}

// Options selects what Export writes. Empty Collections means all of them.
type Options struct {
	SkipDDL     bool
	SkipData    bool
	Collections []string
}

type collection struct {
	table Table
	docs  []polybase.Document
}

func load(ctx context.Context, db polybase.DatabaseProvider, names []string) ([]collection, error) {
	if len(names) == 0 {
		var err error
		if names, err = db.Collections(ctx); err != nil {
			return nil, err
		}
	}
	names = append([]string(nil), names...)
	sort.Strings(names) // Deterministic output

	out := make([]collection, 0, len(names))
	for _, name := range names {
		docs, err := db.Query(ctx, name)
		if err != nil {
			return nil, fmt.Errorf("read collection %s: %w", name, err)
		}
		out = append(out, collection{table: InferTable(name, docs), docs: docs})
	}
	return out, nil
}

// Export writes DDL followed by INSERT statements for the selected collections.
func Export(ctx context.Context, db polybase.DatabaseProvider, opts Options) (string, error) {
	colls, err := load(ctx, db, opts.Collections)
	if err != nil {
		return "", err
	}
	var sb strings.Builder
	if !opts.SkipDDL {
		writeDDL(&sb, colls)
	}
	if !opts.SkipDDL && !opts.SkipData {
		sb.WriteString("\n")
	}
	if !opts.SkipData {
		writeData(&sb, colls)
	}
	return sb.String(), nil
}

// ExportDDL generates CREATE TABLE statements for every collection.
func ExportDDL(ctx context.Context, db polybase.DatabaseProvider) (string, error) {
	return Export(ctx, db, Options{SkipData: true})
}

// ExportData generates INSERT statements for every collection.
func ExportData(ctx context.Context, db polybase.DatabaseProvider) (string, error) {
	return Export(ctx, db, Options{SkipDDL: true})
}

func writeDDL(sb *strings.Builder, colls []collection) {
	sb.WriteString("-- polybase export to PostgreSQL\n")
	sb.WriteString("-- Schema inferred from stored documents\n\n")
	for i, c := range colls {
		sb.WriteString(TableToDDL(c.table))
		if i < len(colls)-1 {
			sb.WriteString("\n")
		}
	}
}

func writeData(sb *strings.Builder, colls []collection) {
	sb.WriteString("-- polybase data export\n\n")
	for _, c := range colls {
		if len(c.docs) == 0 {
			continue
		}
		for _, doc := range c.docs {
			sb.WriteString(rowToInsert(c.table, doc))
		}
		sb.WriteString("\n")
	}
}

// InferTable derives columns from docs: id, every field in name order, then
// created_at and updated_at unless a field already uses those names.
func InferTable(name string, docs []polybase.Document) Table {
	fieldTypes := map[string]string{}
	present := map[string]int{}
	for _, doc := range docs {
		for k, v := range doc.Fields {
			if v == nil {
				continue
			}
			present[k]++
			fieldTypes[k] = mergeType(fieldTypes[k], valueType(v))
		}
		for k := range doc.Fields {
			if _, ok := fieldTypes[k]; !ok {
				fieldTypes[k] = ""
			}
		}
	}

	names := make([]string, 0, len(fieldTypes))
	for k := range fieldTypes {
		if k != "id" {
			names = append(names, k)
		}
	}
	sort.Strings(names)

	t := Table{Name: name, Columns: []Column{{Name: "id", Type: TypeText, PrimaryKey: true}}}
	for _, k := range names {
		typ := fieldTypes[k]
		if typ == "" {
			typ = TypeText
		}
		t.Columns = append(t.Columns, Column{
			Name:    k,
			Type:    typ,
			NotNull: len(docs) > 0 && present[k] == len(docs),
			Field:   k,
		})
	}
	for _, ts := range []string{"created_at", "updated_at"} {
		if _, taken := fieldTypes[ts]; !taken {
			t.Columns = append(t.Columns, Column{Name: ts, Type: TypeTimestamp, NotNull: true})
		}
	}
	return t
}

func valueType(v interface{}) string {
	switch x := v.(type) {
	case string:
		if _, err := time.Parse(time.RFC3339Nano, x); err == nil {
			return TypeTimestamp
		}
		return TypeText
	case float64:
		if x == float64(int64(x)) {
			return TypeBigint
		}
		return TypeDouble
	case bool:
		return TypeBoolean
	case map[string]interface{}, []interface{}:
		return TypeJSONB
	}
	return TypeText
}

// mergeType widens two observed types to one that holds both.
func mergeType(a, b string) string {
	switch {
	case a == "" || a == b:
		return b
	case b == "":
		return a
	case (a == TypeBigint && b == TypeDouble) || (a == TypeDouble && b == TypeBigint):
		return TypeDouble
	case a == TypeJSONB || b == TypeJSONB:
		return TypeJSONB
	}
	return TypeText
}

// TableToDDL generates a CREATE TABLE statement for a single table.
func TableToDDL(table Table) string {
	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("CREATE TABLE %s (\n", quoteIdent(table.Name)))
	for i, col := range table.Columns {
		sb.WriteString("  ")
		sb.WriteString(columnToDDL(col))
		if i < len(table.Columns)-1 {
			sb.WriteString(",")
		}
		sb.WriteString("\n")
	}
	sb.WriteString(");\n")
	return sb.String()
}

func columnToDDL(col Column) string {
	parts := []string{quoteIdent(col.Name), col.Type}
	if col.PrimaryKey {
		parts = append(parts, "PRIMARY KEY")
	}
	if col.NotNull && !col.PrimaryKey {
		parts = append(parts, "NOT NULL")
	}
	return strings.Join(parts, " ")
}

// rowToInsert generates an INSERT statement for a single document.
func rowToInsert(table Table, doc polybase.Document) string {
	names := make([]string, len(table.Columns))
	values := make([]string, len(table.Columns))
	for i, col := range table.Columns {
		names[i] = quoteIdent(col.Name)
		switch {
		case col.PrimaryKey:
			values[i] = quoteLiteral(doc.ID)
		case col.Field == "" && col.Name == "created_at":
			values[i] = quoteLiteral(doc.CreatedAt.UTC().Format(time.RFC3339Nano))
		case col.Field == "" && col.Name == "updated_at":
			values[i] = quoteLiteral(doc.UpdatedAt.UTC().Format(time.RFC3339Nano))
		default:
			values[i] = literal(col.Type, doc.Fields[col.Field])
		}
	}
	return fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s);\n",
		quoteIdent(table.Name),
		strings.Join(names, ", "),
		strings.Join(values, ", "))
}

// literal renders v for a column of type typ.
func literal(typ string, v interface{}) string {
	if v == nil {
		return "NULL"
	}
	switch x := v.(type) {
	case string:
		return quoteLiteral(x)
	case float64:
		s := strconv.FormatFloat(x, 'f', -1, 64)
		if typ == TypeBigint || typ == TypeDouble {
			return s
		}
		return quoteLiteral(s)
	case bool:
		if typ == TypeBoolean {
			return strings.ToUpper(strconv.FormatBool(x))
		}
		return quoteLiteral(strconv.FormatBool(x))
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return quoteLiteral(fmt.Sprint(v))
	}
	return quoteLiteral(string(raw))
}

func quoteLiteral(s string) string {
	return "'" + strings.ReplaceAll(s, "'", "''") + "'"
}

// quoteIdent leaves lower-case identifiers bare and double-quotes the rest.
func quoteIdent(s string) string {
	simple := s != ""
	for i, r := range s {
		if !(r == '_' || r >= 'a' && r <= 'z' || i > 0 && r >= '0' && r <= '9') {
			simple = false
			break
		}
	}
	if simple {
		return s
	}
	return `"` + strings.ReplaceAll(s, `"`, `""`) + `"`
}
