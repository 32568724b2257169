// Package main is the entrypoint for the jobgate server and its tooling.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/kiranshivaraju/jobgate/internal/callback"
	"github.com/kiranshivaraju/jobgate/internal/config"
	jlog "github.com/kiranshivaraju/jobgate/internal/log"
	"github.com/kiranshivaraju/jobgate/internal/store"
	"github.com/spf13/cobra"
)

func main() {
	slog.SetDefault(jlog.New(os.Stdout, "info"))

	if err := newRootCmd().ExecuteContext(context.Background()); err != nil {
		slog.Error("jobgate failed", "error", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the job API and callback server",
		RunE:  doServe,
	}

	root := &cobra.Command{
		Use:          "jobgate",
		Short:        "Synchronous job submission over an asynchronous executor",
		SilenceUsage: true,
		// never print messages, main logs them
		SilenceErrors: true,
		RunE:          doServe,
	}

	root.AddCommand(serveCmd)
	root.AddCommand(newMigrateCmd())
	root.AddCommand(newSignCmd())
	return root
}

func newMigrateCmd() *cobra.Command {
	var databaseURL string
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply the Postgres job store migrations",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if databaseURL == "" {
				return errors.New("DATABASE_URL or --database-url is required")
			}
			if err := store.RunMigrations(databaseURL); err != nil {
				return err
			}
			slog.InfoContext(cmd.Context(), "database migrations applied")
			return nil
		},
	}
	cmd.Flags().StringVar(&databaseURL, "database-url", os.Getenv("DATABASE_URL"), "Postgres connection URL")
	return cmd
}

// newSignCmd prints the signature header value for a callback body, for
// driving the callback endpoint by hand.
func newSignCmd() *cobra.Command {
	var secret, file string
	cmd := &cobra.Command{
		Use:   "sign",
		Short: "Compute the " + callback.SignatureHeader + " value for a request body",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if secret == "" {
				return errors.New("CALLBACK_SIGNING_SECRET or --secret is required")
			}

			var body []byte
			var err error
			if file == "" || file == "-" {
				body, err = io.ReadAll(cmd.InOrStdin())
			} else {
				body, err = os.ReadFile(file)
			}
			if err != nil {
				return fmt.Errorf("read body: %w", err)
			}

			_, err = fmt.Fprintln(cmd.OutOrStdout(), callback.Sign([]byte(secret), body))
			return err
		},
	}
	cmd.Flags().StringVar(&secret, "secret", os.Getenv("CALLBACK_SIGNING_SECRET"), "shared callback signing secret")
	cmd.Flags().StringVarP(&file, "file", "f", "", "body file to sign, stdin when empty or -")
	return cmd
}

func doServe(cmd *cobra.Command, _ []string) error {
	// Load config, fail fast on invalid config
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	slog.SetDefault(jlog.New(os.Stdout, cfg.Log.Level))
	slog.Info("config loaded",
		"env", cfg.Server.Env,
		"backend", cfg.Jobs.Backend,
		"executor", cfg.Executor.BaseURL,
		"wait_timeout", cfg.Jobs.WaitTimeout.String(),
		"retention_ttl", cfg.Jobs.RetentionTTL.String(),
	)

	return run(cmd.Context(), cfg)
}
