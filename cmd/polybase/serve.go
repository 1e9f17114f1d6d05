package main

import (
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/adrianmcphee/polybase/internal/api"
	"github.com/adrianmcphee/polybase/internal/sqlconsole"
)

func newServeCommand(a *app) *cobra.Command {
	var (
		httpAddr   string
		sqlAddr    string
		sqlProject string
		slow       time.Duration
	)
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the HTTP API and, optionally, the SQL console",
		RunE: func(cmd *cobra.Command, _ []string) error {
			g, ctx := errgroup.WithContext(cmd.Context())

			if sqlAddr != "" {
				// Resolve before anything listens so a bad project fails fast.
				db, err := a.database(ctx, sqlProject)
				if err != nil {
					return err
				}
				log := a.logger.Named("sql")
				exec := sqlconsole.NewExecutor(db, log).WithProfiler(sqlconsole.NewProfiler(slow, 0))
				console := sqlconsole.NewServer(exec, log)
				g.Go(func() error { return console.ListenAndServe(ctx, sqlAddr) })
			}

			srv := api.New(a.cmds,
				api.WithLogger(a.logger.Named("http")),
				api.WithMetrics(a.metrics),
				api.WithGatherer(a.metrics.Registry()),
			)
			g.Go(func() error { return srv.ListenAndServe(ctx, httpAddr) })

			err := g.Wait()
			a.logger.Info("Shutting down")
			return err
		},
	}
	cmd.Flags().StringVar(&httpAddr, "http", ":8080", "HTTP API listen address")
	cmd.Flags().StringVar(&sqlAddr, "sql", "", "SQL console listen address, e.g. :5433 (disabled when empty)")
	cmd.Flags().StringVar(&sqlProject, "sql-project", "default", "project whose database the SQL console serves")
	cmd.Flags().DurationVar(&slow, "slow-statement", sqlconsole.DefaultSlowStatement, "log SQL statements slower than this")
	return cmd
}
