package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"slices"
	"strings"
	"testing"

	"github.com/adrianmcphee/polybase"
	"github.com/adrianmcphee/polybase/internal/sqlconsole"
)

func run(t *testing.T, stdin string, args ...string) (string, error) {
	t.Helper()
	t.Setenv("POLYBASE_DEFAULT_PROVIDER", "local")
	t.Setenv("POLYBASE_LOCAL_DATA_DIR", t.TempDir())

	a := &app{}
	root := newRootCommand(a)
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetIn(strings.NewReader(stdin))
	root.SetArgs(append([]string{"--log-level", "error"}, args...))
	err := root.ExecuteContext(context.Background())
	a.teardown()
	return out.String(), err
}

func TestRecommendCommand(t *testing.T) {
	out, err := run(t, "", "recommend", "--type", "web", "--users", "5000", "--feature", "realtime")
	if err != nil {
		t.Fatalf("recommend failed: %v\n%s", err, out)
	}
	var env struct {
		Success bool `json:"success"`
		Data    polybase.RecommendResult
	}
	if err := json.Unmarshal([]byte(out), &env); err != nil {
		t.Fatalf("output is not an envelope: %v\n%s", err, out)
	}
	if !env.Success || env.Data.Best == nil {
		t.Errorf("expected a best recommendation, got %s", out)
	}
}

func TestPlanCommand_FailedEnvelope(t *testing.T) {
	out, err := run(t, "", "plan", "--project", "app", "--to", "nowhere")
	if !errors.Is(err, errFailed) {
		t.Fatalf("expected errFailed, got %v", err)
	}
	if !strings.Contains(out, `"code": "INVALID_CONFIG"`) {
		t.Errorf("expected INVALID_CONFIG envelope, got %s", out)
	}
}

func TestSQLAndExportCommands(t *testing.T) {
	// Both commands share one data dir through the environment.
	t.Setenv("POLYBASE_LOCAL_DATA_DIR", t.TempDir())

	a := &app{}
	root := newRootCommand(a)
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetIn(strings.NewReader("INSERT INTO users (id, name) VALUES ('u1', 'Ann');\n-- comment\nSELECT id, name FROM users;\n"))
	root.SetArgs([]string{"--log-level", "error", "sql", "--project", "cli"})
	if err := root.ExecuteContext(context.Background()); err != nil {
		t.Fatalf("sql failed: %v\n%s", err, out.String())
	}
	a.teardown()
	for _, want := range []string{"INSERT 0 1", "u1", "Ann", "SELECT 1"} {
		if !strings.Contains(out.String(), want) {
			t.Errorf("expected %q in output:\n%s", want, out.String())
		}
	}

	b := &app{}
	root = newRootCommand(b)
	out.Reset()
	root.SetOut(&out)
	root.SetArgs([]string{"--log-level", "error", "export", "--project", "cli", "--data-only"})
	if err := root.ExecuteContext(context.Background()); err != nil {
		t.Fatalf("export failed: %v\n%s", err, out.String())
	}
	b.teardown()
	if !strings.Contains(out.String(), "INSERT INTO users") || strings.Contains(out.String(), "CREATE TABLE") {
		t.Errorf("unexpected export:\n%s", out.String())
	}
}

func TestStatements(t *testing.T) {
	in := "SELECT 1;\n-- skipped\nSELECT\n  2;\nSELECT 3"
	got := slices.Collect(statements(strings.NewReader(in)))
	want := []string{"SELECT 1;", "SELECT\n  2;", "SELECT 3"}
	if !slices.Equal(got, want) {
		t.Errorf("statements = %q, want %q", got, want)
	}
}

func TestWriteResult(t *testing.T) {
	var buf bytes.Buffer
	writeResult(&buf, &sqlconsole.Result{Columns: []string{"id", "name"}, Rows: [][]string{{"1", "Ann"}}, Tag: "SELECT 1"})
	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 3 || !strings.HasPrefix(lines[0], "id") || !strings.Contains(lines[1], "Ann") || lines[2] != "SELECT 1" {
		t.Errorf("unexpected table:\n%s", buf.String())
	}

	buf.Reset()
	writeResult(&buf, &sqlconsole.Result{})
	if buf.Len() != 0 {
		t.Errorf("expected no output for an empty statement, got %q", buf.String())
	}
}

func TestSQLCommand_Profile(t *testing.T) {
	out, err := run(t, "", "sql", "--project", "prof", "--profile", "INSERT INTO notes (body) VALUES ('x')")
	if err != nil {
		t.Fatalf("sql failed: %v\n%s", err, out)
	}
	for _, want := range []string{"INSERT 0 1", "statements=1", "notes"} {
		if !strings.Contains(out, want) {
			t.Errorf("expected %q in output:\n%s", want, out)
		}
	}
}
