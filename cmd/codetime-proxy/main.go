package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/codetime-proxy/codetime-proxy/internal/buildinfo"
	"github.com/codetime-proxy/codetime-proxy/internal/config"
	"github.com/codetime-proxy/codetime-proxy/internal/obs"
	"github.com/codetime-proxy/codetime-proxy/internal/store"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var envFile string

	root := &cobra.Command{
		Use:           "codetime-proxy",
		Short:         "Transparent CodeTime forwarding proxy that records every exchange",
		Version:       buildinfo.Version,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd.Context(), envFile)
		},
	}
	root.PersistentFlags().StringVar(&envFile, "env-file", ".env", "dotenv file loaded before the environment (missing is fine)")

	root.AddCommand(
		&cobra.Command{
			Use:   "serve",
			Short: "Run the proxy (default)",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				return runServe(cmd.Context(), envFile)
			},
		},
		&cobra.Command{
			Use:   "migrate",
			Short: "Apply relational schema migrations and exit",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				return runMigrate(cmd.Context(), envFile)
			},
		},
		&cobra.Command{
			Use:   "version",
			Short: "Print build information",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(buildinfo.Current())
			},
		},
	)
	return root
}

func runServe(ctx context.Context, envFile string) error {
	cfg, err := config.Load(envFile)
	if err != nil {
		return err
	}
	logger := obs.NewLogger(cfg.Env)
	logger.Info("config loaded", "config", cfg.Summary(), "build", buildinfo.Current())

	app, err := newProxyApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	serverErrCh, err := app.start()
	if err != nil {
		app.close()
		return err
	}
	runtimeErr := waitForShutdown(logger, serverErrCh)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	app.shutdown(shutdownCtx)

	if runtimeErr != nil {
		return fmt.Errorf("runtime server error: %w", runtimeErr)
	}
	return nil
}

func runMigrate(ctx context.Context, envFile string) error {
	cfg, err := config.Load(envFile)
	if err != nil {
		return err
	}
	logger := obs.NewLogger(cfg.Env)
	if !cfg.DBEnabled() {
		return errors.New("migrate: CODETIME_DB_URL is not set")
	}
	if err := store.Migrate(ctx, cfg.DBURL); err != nil {
		return err
	}
	logger.Info("migrations applied", "db_url", cfg.RedactedDBURL())
	return nil
}
