package sqlconsole

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/adrianmcphee/polybase"
	"github.com/adrianmcphee/polybase/local"
)

func newTestDatabase(t *testing.T) polybase.DatabaseProvider {
	t.Helper()
	dir := t.TempDir()
	p := local.New()
	err := p.Initialize(context.Background(), polybase.ProviderConfig{
		Type:      polybase.ProviderLocal,
		ProjectID: "sql",
		Options: map[string]string{
			polybase.OptDatabasePath:  filepath.Join(dir, "db"),
			polybase.OptStoragePath:   filepath.Join(dir, "storage"),
			polybase.OptFunctionsPath: filepath.Join(dir, "functions"),
		},
	})
	if err != nil {
		t.Fatalf("Initialize failed: %v", err)
	}
	t.Cleanup(func() { _ = p.Shutdown(context.Background()) })
	return p.Database()
}

func mustExec(t *testing.T, e *Executor, sql string) *Result {
	t.Helper()
	res, err := e.Execute(context.Background(), sql)
	if err != nil {
		t.Fatalf("%s: %v", sql, err)
	}
	return res
}

func TestExecutor_InsertSelect(t *testing.T) {
	e := NewExecutor(newTestDatabase(t), nil)

	mustExec(t, e, "CREATE TABLE products (id TEXT PRIMARY KEY, name TEXT, price TEXT)")
	res := mustExec(t, e, "INSERT INTO products (id, name, price) VALUES ('p1', 'Widget', 9.5), ('p2', 'Gadget', 20)")
	if res.RowsAffected != 2 || res.Tag != "INSERT 0 2" || res.LastInsertID != "p2" {
		t.Errorf("Unexpected insert result %+v", res)
	}

	res = mustExec(t, e, "SELECT * FROM products ORDER BY price DESC")
	want := []string{"id", "name", "price"}
	if len(res.Columns) != 3 || res.Columns[0] != want[0] || res.Columns[1] != want[1] || res.Columns[2] != want[2] {
		t.Fatalf("Expected columns %v, got %v", want, res.Columns)
	}
	if len(res.Rows) != 2 || res.Rows[0][0] != "p2" || res.Rows[0][2] != "20" || res.Rows[1][2] != "9.5" {
		t.Errorf("Unexpected rows %v", res.Rows)
	}
	if res.Tag != "SELECT 2" {
		t.Errorf("Unexpected tag %q", res.Tag)
	}

	res = mustExec(t, e, "SELECT name AS label FROM products WHERE price > 10")
	if len(res.Rows) != 1 || res.Columns[0] != "label" || res.Rows[0][0] != "Gadget" {
		t.Errorf("Unexpected filtered result %+v", res)
	}

	res = mustExec(t, e, "SELECT count(*) FROM products")
	if res.Rows[0][0] != "2" {
		t.Errorf("Expected count 2, got %v", res.Rows)
	}

	if _, err := e.Execute(context.Background(), "INSERT INTO products (id, name) VALUES ('p1', 'Again')"); !errors.Is(err, polybase.ErrAlreadyExists) {
		t.Errorf("Expected ErrAlreadyExists for a duplicate id, got %v", err)
	}
}

func TestExecutor_GeneratedIDs(t *testing.T) {
	e := NewExecutor(newTestDatabase(t), nil)
	res := mustExec(t, e, "INSERT INTO notes (body) VALUES ('hello')")
	if !polybase.IsValidID(res.LastInsertID) {
		t.Errorf("Expected a generated id, got %q", res.LastInsertID)
	}
	res = mustExec(t, e, "SELECT id, body FROM notes WHERE id = '"+res.LastInsertID+"'")
	if len(res.Rows) != 1 || res.Rows[0][1] != "hello" {
		t.Errorf("Unexpected rows %v", res.Rows)
	}
}

func TestExecutor_WhereSemantics(t *testing.T) {
	e := NewExecutor(newTestDatabase(t), nil)
	mustExec(t, e, "INSERT INTO people (id, name, age) VALUES ('a', 'Ann', 30), ('b', 'Bob', 25), ('c', 'Cy', '30')")

	cases := []struct {
		where string
		want  int
	}{
		{"age = 30", 1},
		{"age >= 25", 2},
		{"30 > age", 1},
		{"age = 30 OR name = 'Bob'", 2},
		{"(age = 25 OR age = 30) AND name != 'Ann'", 1},
		{"NOT name = 'Ann'", 2},
		{"missing IS NULL", 3},
		{"age = '30'", 1},
		{"id = 'b'", 1},
	}
	for _, tc := range cases {
		t.Run(tc.where, func(t *testing.T) {
			res := mustExec(t, e, "SELECT id FROM people WHERE "+tc.where)
			if len(res.Rows) != tc.want {
				t.Errorf("Expected %d rows, got %v", tc.want, res.Rows)
			}
		})
	}
}

func TestExecutor_UpdateDelete(t *testing.T) {
	db := newTestDatabase(t)
	e := NewExecutor(db, nil)
	ctx := context.Background()
	mustExec(t, e, "INSERT INTO items (id, state) VALUES ('i1', 'pending'), ('i2', 'pending'), ('i3', 'done')")

	res := mustExec(t, e, "UPDATE items SET state = 'done', owner = 'ops' WHERE state = 'pending'")
	if res.RowsAffected != 2 || res.Tag != "UPDATE 2" {
		t.Errorf("Unexpected update result %+v", res)
	}
	doc, err := db.Get(ctx, "items", "i1")
	if err != nil {
		t.Fatal(err)
	}
	if doc.Fields["state"] != "done" || doc.Fields["owner"] != "ops" {
		t.Errorf("Update not applied: %v", doc.Fields)
	}

	if _, err := e.Execute(ctx, "UPDATE items SET id = 'x'"); !errors.Is(err, polybase.ErrInvalidData) {
		t.Errorf("Expected ErrInvalidData for id update, got %v", err)
	}

	res = mustExec(t, e, "DELETE FROM items WHERE id = 'i1'")
	if res.RowsAffected != 1 {
		t.Errorf("Expected one deleted row, got %+v", res)
	}
	if _, err := db.Get(ctx, "items", "i1"); !polybase.IsNotFound(err) {
		t.Errorf("Expected i1 deleted, got %v", err)
	}

	res = mustExec(t, e, "DROP TABLE items")
	if res.RowsAffected != 2 {
		t.Errorf("Expected two documents dropped, got %+v", res)
	}
	docs, _ := db.Query(ctx, "items")
	if len(docs) != 0 {
		t.Errorf("Expected empty collection, got %d", len(docs))
	}
}

func TestExecutor_LimitOffset(t *testing.T) {
	e := NewExecutor(newTestDatabase(t), nil)
	mustExec(t, e, "INSERT INTO n (id, v) VALUES ('a', 1), ('b', 2), ('c', 3), ('d', 4)")
	res := mustExec(t, e, "SELECT id FROM n ORDER BY v LIMIT 1, 2")
	if len(res.Rows) != 2 || res.Rows[0][0] != "b" || res.Rows[1][0] != "c" {
		t.Errorf("Unexpected page %v", res.Rows)
	}
}

func TestExecutor_Errors(t *testing.T) {
	e := NewExecutor(newTestDatabase(t), nil)
	ctx := context.Background()

	if _, err := e.Execute(ctx, "SELEC nonsense"); !errors.Is(err, polybase.ErrInvalidData) {
		t.Errorf("Expected ErrInvalidData for a parse error, got %v", err)
	}
	if _, err := e.Execute(ctx, "SELECT * FROM a, b"); !errors.Is(err, polybase.ErrUnsupported) {
		t.Errorf("Expected ErrUnsupported for joins, got %v", err)
	}
	if _, err := e.Execute(ctx, "SELECT * FROM _realtime"); !errors.Is(err, polybase.ErrInvalidData) {
		t.Errorf("Expected reserved collections to be rejected, got %v", err)
	}
	res, err := e.Execute(ctx, "  ;")
	if err != nil || res.Tag != "" {
		t.Errorf("Expected empty result, got %+v, %v", res, err)
	}
}

func TestExecutor_SelectLiterals(t *testing.T) {
	e := NewExecutor(newTestDatabase(t), nil)
	res := mustExec(t, e, "SELECT version()")
	if len(res.Columns) != 1 || res.Columns[0] != "version" || res.Rows[0][0] == "" {
		t.Errorf("Unexpected version result %+v", res)
	}
	res = mustExec(t, e, "SELECT 1 AS one")
	if res.Columns[0] != "one" || res.Rows[0][0] != "1" {
		t.Errorf("Unexpected literal result %+v", res)
	}
}

func TestShowTables(t *testing.T) {
	e := NewExecutor(newTestDatabase(t), nil)
	mustExec(t, e, "INSERT INTO b (v) VALUES (1)")
	mustExec(t, e, "INSERT INTO a (v) VALUES (1)")
	res := mustExec(t, e, "SHOW TABLES")
	if len(res.Rows) != 2 || res.Rows[0][0] != "a" || res.Rows[1][0] != "b" {
		t.Errorf("Unexpected tables %v", res.Rows)
	}
}

func TestFormatValue(t *testing.T) {
	cases := []struct {
		in   interface{}
		want string
	}{
		{nil, ""},
		{"x", "x"},
		{3.0, "3"},
		{2.5, "2.5"},
		{true, "t"},
		{map[string]interface{}{"k": "v"}, `{"k":"v"}`},
		{[]interface{}{1.0, "a"}, `[1,"a"]`},
	}
	for _, tc := range cases {
		if got := formatValue(tc.in); got != tc.want {
			t.Errorf("formatValue(%v) = %q, want %q", tc.in, got, tc.want)
		}
	}
}
