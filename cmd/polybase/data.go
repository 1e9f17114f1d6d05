package main

import (
	"bufio"
	"fmt"
	"io"
	"iter"
	"slices"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/adrianmcphee/polybase"
	"github.com/adrianmcphee/polybase/internal/export"
	"github.com/adrianmcphee/polybase/internal/sqlconsole"
)

func newExportCommand(a *app) *cobra.Command {
	var (
		projectID string
		ddlOnly   bool
		dataOnly  bool
		opts      export.Options
	)
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Export a project's collections as PostgreSQL DDL and data",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if ddlOnly && dataOnly {
				return fmt.Errorf("--ddl-only and --data-only are mutually exclusive")
			}
			db, err := a.database(cmd.Context(), projectID)
			if err != nil {
				return emit(cmd, polybase.Fail(err))
			}
			opts.SkipData = ddlOnly
			opts.SkipDDL = dataOnly
			out, err := export.Export(cmd.Context(), db, opts)
			if err != nil {
				return emit(cmd, polybase.Fail(err))
			}
			_, err = io.WriteString(cmd.OutOrStdout(), out)
			return err
		},
	}
	cmd.Flags().StringVar(&projectID, "project", "default", "project id")
	cmd.Flags().BoolVar(&ddlOnly, "ddl-only", false, "export only schema (no data)")
	cmd.Flags().BoolVar(&dataOnly, "data-only", false, "export only data (no schema)")
	cmd.Flags().StringSliceVar(&opts.Collections, "collection", nil, "collection to export, repeatable (default all)")
	return cmd
}

func newSQLCommand(a *app) *cobra.Command {
	var (
		projectID string
		profile   bool
	)
	cmd := &cobra.Command{
		Use:   "sql [statement]",
		Short: "Run SQL against a project's database",
		Long: "Run one statement given as an argument, or read semicolon-terminated " +
			"statements from stdin when no argument is given.",
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			db, err := a.database(cmd.Context(), projectID)
			if err != nil {
				return emit(cmd, polybase.Fail(err))
			}
			exec := sqlconsole.NewExecutor(db, a.logger.Named("sql"))
			if profile {
				profiler := sqlconsole.NewProfiler(0, 0)
				exec.WithProfiler(profiler)
				defer writeSummary(cmd.ErrOrStderr(), profiler.Summary)
			}

			if len(args) == 1 {
				return runStatement(cmd, exec, args[0])
			}
			failed := false
			for stmt := range statements(cmd.InOrStdin()) {
				if err := runStatement(cmd, exec, stmt); err != nil {
					failed = true
				}
			}
			if failed {
				return errFailed
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&projectID, "project", "default", "project id")
	cmd.Flags().BoolVar(&profile, "profile", false, "print a statement profile summary to stderr")
	return cmd
}

func runStatement(cmd *cobra.Command, exec *sqlconsole.Executor, stmt string) error {
	res, err := exec.Execute(cmd.Context(), stmt)
	if err != nil {
		fmt.Fprintf(cmd.ErrOrStderr(), "ERROR [%s]: %v\n", polybase.ErrorCode(err), err)
		return errFailed
	}
	writeResult(cmd.OutOrStdout(), res)
	return nil
}

func writeResult(w io.Writer, res *sqlconsole.Result) {
	if res.Tag == "" {
		return
	}
	if len(res.Columns) > 0 {
		tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, strings.Join(res.Columns, "\t"))
		for _, row := range res.Rows {
			fmt.Fprintln(tw, strings.Join(row, "\t"))
		}
		_ = tw.Flush()
	}
	fmt.Fprintln(w, res.Tag)
}

// writeSummary is deferred with the summary unevaluated so it covers every statement.
func writeSummary(w io.Writer, summary func() sqlconsole.Summary) {
	s := summary()
	fmt.Fprintf(w, "statements=%d slow=%d full_scans=%d errors=%d avg=%v p50=%v p95=%v p99=%v\n",
		s.Statements, s.Slow, s.FullScans, s.Errors, s.Average, s.P50, s.P95, s.P99)
	tables := make([]string, 0, len(s.ByTable))
	for t := range s.ByTable {
		tables = append(tables, t)
	}
	slices.Sort(tables)
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "table\tcount\ttotal\tmax\tfull_scans")
	for _, t := range tables {
		ts := s.ByTable[t]
		fmt.Fprintf(tw, "%s\t%d\t%v\t%v\t%d\n", t, ts.Count, ts.Total, ts.Max, ts.FullScans)
	}
	_ = tw.Flush()
}

// statements yields each semicolon-terminated statement read from r. A trailing
// statement without a semicolon is yielded at EOF.
func statements(r io.Reader) iter.Seq[string] {
	return func(yield func(string) bool) {
		scanner := bufio.NewScanner(r)
		scanner.Buffer(make([]byte, 64*1024), 1024*1024)
		var buf strings.Builder
		for scanner.Scan() {
			line := scanner.Text()
			if strings.HasPrefix(strings.TrimSpace(line), "--") {
				continue
			}
			buf.WriteString(line)
			buf.WriteString("\n")
			if strings.HasSuffix(strings.TrimSpace(line), ";") {
				if !yield(strings.TrimSpace(buf.String())) {
					return
				}
				buf.Reset()
			}
		}
		if rest := strings.TrimSpace(buf.String()); rest != "" {
			yield(rest)
		}
	}
}
