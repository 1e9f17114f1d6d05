// Polybase - one backend contract, many providers
//
// Plan and run migrations between local, Firebase and AWS providers, and
// serve the command surface over HTTP and a PostgreSQL-compatible console.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/adrianmcphee/polybase"
	"github.com/adrianmcphee/polybase/awsprovider"
	"github.com/adrianmcphee/polybase/firebase"
	"github.com/adrianmcphee/polybase/local"
)

// errFailed marks a command whose envelope already reported the failure.
var errFailed = errors.New("command failed")

// app is the composition root shared by every subcommand.
type app struct {
	configFile string
	logLevel   string
	dev        bool

	logger   *polybase.ZapLogger
	metrics  *polybase.PrometheusMetrics
	registry *polybase.Registry
	cmds     *polybase.Commands
	redis    *redis.Client
}

func (a *app) setup(cmd *cobra.Command, _ []string) error {
	var err error
	if a.dev {
		a.logger, err = polybase.NewDevelopmentZapLogger()
	} else {
		a.logger, err = polybase.NewProductionZapLogger(a.logLevel)
	}
	if err != nil {
		return fmt.Errorf("create logger: %w", err)
	}

	resolver := polybase.NewConfigResolver(viper.New())
	if a.configFile != "" {
		if err := resolver.LoadFile(a.configFile); err != nil {
			return err
		}
	}

	a.metrics = polybase.NewPrometheusMetrics(nil)
	a.registry = polybase.NewRegistry(
		polybase.WithConfigResolver(resolver),
		polybase.WithRegistryLogger(a.logger.Named("registry")),
		polybase.WithRegistryMetrics(a.metrics),
	)
	a.registry.Register(polybase.ProviderLocal, local.Factory(
		local.WithLogger(a.logger.Named("local")),
		local.WithMetrics(a.metrics),
	))
	a.registry.Register(polybase.ProviderFirebase, firebase.Factory(
		firebase.WithLogger(a.logger.Named("firebase")),
		firebase.WithMetrics(a.metrics),
	))
	a.registry.Register(polybase.ProviderAWS, awsprovider.Factory(
		awsprovider.WithLogger(a.logger.Named("aws")),
		awsprovider.WithMetrics(a.metrics),
	))

	// With a shared Redis, migrations of one project are exclusive across processes.
	var locker polybase.Locker
	if os.Getenv("REDIS_ADDR") != "" {
		a.redis = redis.NewClient(polybase.RedisOptions())
		locker = polybase.NewRedisLocker(a.redis, "polybase")
	}
	migrations := polybase.NewMigrationService(a.registry,
		polybase.WithMigrationLogger(a.logger.Named("migration")),
		polybase.WithMigrationMetrics(a.metrics),
		polybase.WithMigrationLocker(locker, polybase.DefaultMigrationLockTTL),
	)
	a.cmds = polybase.NewCommands(a.registry, migrations, polybase.NewAdvisor(), a.logger)
	return nil
}

// teardown shuts every cached provider down. It runs even when the command was
// interrupted, on a fresh context.
func (a *app) teardown() {
	if a.registry == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	a.registry.ShutdownProviders(ctx)
	if a.redis != nil {
		_ = a.redis.Close()
	}
	_ = a.logger.Sync()
}

// database resolves and initializes the project's provider and returns its database.
func (a *app) database(ctx context.Context, projectID string) (polybase.DatabaseProvider, error) {
	cfg, err := a.registry.ProviderConfig(projectID)
	if err != nil {
		return nil, err
	}
	p, err := a.registry.GetProvider(ctx, cfg)
	if err != nil {
		return nil, err
	}
	db := p.Database()
	if db == nil {
		return nil, polybase.WithContext(polybase.ErrUnsupported, map[string]interface{}{
			"provider": cfg.Type,
			"kind":     polybase.KindDatabase,
		})
	}
	return db, nil
}

// emit writes env as indented JSON and turns a failed envelope into errFailed.
func emit(cmd *cobra.Command, env polybase.Envelope) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	if err := enc.Encode(env); err != nil {
		return err
	}
	if !env.Success {
		return errFailed
	}
	return nil
}

func newRootCommand(a *app) *cobra.Command {
	root := &cobra.Command{
		Use:               "polybase",
		Short:             "Provider-neutral backend toolkit",
		Long:              "Plan and execute migrations between backend providers and serve the command API.",
		SilenceUsage:      true,
		SilenceErrors:     true,
		PersistentPreRunE: a.setup,
	}
	root.PersistentFlags().StringVar(&a.configFile, "config", "", "config file (YAML, JSON or TOML)")
	root.PersistentFlags().StringVar(&a.logLevel, "log-level", "info", "log level (debug, info, warn, error)")
	root.PersistentFlags().BoolVar(&a.dev, "dev", false, "human-readable development logging")

	root.AddCommand(
		newServeCommand(a),
		newPlanCommand(a),
		newMigrateCommand(a),
		newRecommendCommand(a),
		newHealthCommand(a),
		newExportCommand(a),
		newSQLCommand(a),
	)
	return root
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	a := &app{}
	err := newRootCommand(a).ExecuteContext(ctx)
	stop()
	a.teardown()

	if err != nil {
		if !errors.Is(err, errFailed) {
			fmt.Fprintln(os.Stderr, "Error:", err)
		}
		os.Exit(1)
	}
}
