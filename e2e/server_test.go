package e2e

import (
	"context"
	"errors"
	"fmt"
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/adrianmcphee/polybase"
	"github.com/adrianmcphee/polybase/internal/sqlconsole"
	"github.com/adrianmcphee/polybase/local"
)

type testEnv struct {
	addr string
	db   polybase.DatabaseProvider
}

func setupTest(t *testing.T) *testEnv {
	t.Helper()
	dir := t.TempDir()
	p := local.New()
	err := p.Initialize(context.Background(), polybase.ProviderConfig{
		Type:      polybase.ProviderLocal,
		ProjectID: "e2e",
		Options: map[string]string{
			polybase.OptDatabasePath:  filepath.Join(dir, "db"),
			polybase.OptStoragePath:   filepath.Join(dir, "storage"),
			polybase.OptFunctionsPath: filepath.Join(dir, "functions"),
		},
	})
	if err != nil {
		t.Fatalf("Initialize failed: %v", err)
	}

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen failed: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	server := sqlconsole.NewServer(sqlconsole.NewExecutor(p.Database(), nil), nil)
	done := make(chan error, 1)
	go func() { done <- server.Serve(ctx, ln) }()

	t.Cleanup(func() {
		cancel()
		select {
		case err := <-done:
			if err != nil {
				t.Errorf("Serve returned %v", err)
			}
		case <-time.After(5 * time.Second):
			t.Error("Server did not stop")
		}
		_ = p.Shutdown(context.Background())
	})
	return &testEnv{addr: ln.Addr().String(), db: p.Database()}
}

func (env *testEnv) connect(t *testing.T) *pgx.Conn {
	t.Helper()
	host, port, _ := net.SplitHostPort(env.addr)
	dsn := fmt.Sprintf("host=%s port=%s user=test database=app sslmode=disable default_query_exec_mode=simple_protocol", host, port)
	conn, err := pgx.Connect(context.Background(), dsn)
	if err != nil {
		t.Fatalf("Failed to connect: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close(context.Background()) })
	return conn
}

func TestInsertStoresDocuments(t *testing.T) {
	env := setupTest(t)
	ctx := context.Background()
	conn := env.connect(t)

	if _, err := conn.Exec(ctx, "CREATE TABLE products (id TEXT PRIMARY KEY, name TEXT, price TEXT)"); err != nil {
		t.Fatalf("Failed to create table: %v", err)
	}
	tag, err := conn.Exec(ctx, "INSERT INTO products (id, name, price) VALUES ('p1', 'Widget', '9.99'), ('p2', 'Gadget', '19.99')")
	if err != nil {
		t.Fatalf("Failed to insert: %v", err)
	}
	if tag.RowsAffected() != 2 {
		t.Errorf("Expected 2 rows affected, got %d", tag.RowsAffected())
	}

	doc, err := env.db.Get(ctx, "products", "p1")
	if err != nil {
		t.Fatalf("Document not stored: %v", err)
	}
	if doc.Fields["name"] != "Widget" || doc.Fields["price"] != "9.99" {
		t.Errorf("Document p1 has incorrect fields: %v", doc.Fields)
	}
}

func TestSelectReturnsRows(t *testing.T) {
	env := setupTest(t)
	ctx := context.Background()
	conn := env.connect(t)

	if _, err := conn.Exec(ctx, "INSERT INTO items (id, state) VALUES ('i1', 'pending'), ('i2', 'done')"); err != nil {
		t.Fatal(err)
	}
	rows, err := conn.Query(ctx, "SELECT id, state FROM items ORDER BY id")
	if err != nil {
		t.Fatalf("Query failed: %v", err)
	}
	var got [][2]string
	for rows.Next() {
		var id, state string
		if err := rows.Scan(&id, &state); err != nil {
			t.Fatal(err)
		}
		got = append(got, [2]string{id, state})
	}
	if err := rows.Err(); err != nil {
		t.Fatal(err)
	}
	want := [][2]string{{"i1", "pending"}, {"i2", "done"}}
	if len(got) != len(want) || got[0] != want[0] || got[1] != want[1] {
		t.Errorf("Expected %v, got %v", want, got)
	}

	var version string
	if err := conn.QueryRow(ctx, "SELECT version()").Scan(&version); err != nil || version == "" {
		t.Errorf("Expected a version string, got %q, %v", version, err)
	}
}

func TestUpdateAndDelete(t *testing.T) {
	env := setupTest(t)
	ctx := context.Background()
	conn := env.connect(t)

	_, _ = conn.Exec(ctx, "INSERT INTO tasks (id, title) VALUES ('t1', 'Task 1'), ('t2', 'Task 2')")
	if _, err := conn.Exec(ctx, "UPDATE tasks SET title = 'Renamed' WHERE id = 't2'"); err != nil {
		t.Fatalf("Failed to update: %v", err)
	}
	if _, err := conn.Exec(ctx, "DELETE FROM tasks WHERE id = 't1'"); err != nil {
		t.Fatalf("Failed to delete: %v", err)
	}

	docs, err := env.db.Query(ctx, "tasks")
	if err != nil {
		t.Fatal(err)
	}
	if len(docs) != 1 || docs[0].ID != "t2" || docs[0].Fields["title"] != "Renamed" {
		t.Errorf("Unexpected remaining documents %v", docs)
	}
}

func TestErrorsKeepConnectionUsable(t *testing.T) {
	env := setupTest(t)
	ctx := context.Background()
	conn := env.connect(t)

	_, _ = conn.Exec(ctx, "INSERT INTO users (id, email) VALUES ('u1', 'a@example.com')")
	_, err := conn.Exec(ctx, "INSERT INTO users (id, email) VALUES ('u1', 'b@example.com')")
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) || pgErr.Code != "23505" {
		t.Fatalf("Expected unique_violation, got %v", err)
	}

	var n string
	if err := conn.QueryRow(ctx, "SELECT count(*) FROM users").Scan(&n); err != nil {
		t.Fatalf("Connection unusable after error: %v", err)
	}
	if n != "1" {
		t.Errorf("Expected 1 user, got %s", n)
	}
}
