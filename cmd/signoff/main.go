// Package main provides the signoff binary entry point.
// Signoff is a human-in-the-loop workflow orchestrator: workflows pause
// on approval steps, humans decide over HTTP or Slack, and the engine
// resumes or compensates accordingly.
package main

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"log/slog"

	"github.com/spf13/cobra"

	"github.com/signoff-io/signoff/config"
	"github.com/signoff-io/signoff/storage/postgres"
)

const (
	Version   = "0.1.0"
	BuildTime = "dev"
	appName   = "signoff"
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	var (
		configPath string
		logLevel   string
	)

	cmd := &cobra.Command{
		Use:   appName,
		Short: "Human-in-the-loop workflow orchestrator",
		Long: `Signoff runs workflows that pause for human approval.

Approvals are delivered over Slack or plain HTTP callbacks, expire on a
deadline, and feed back into the workflow engine which resumes, retries
or compensates. State lives in PostgreSQL; every transition is recorded
in an append-only event log.`,
	}

	cmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Config file path (YAML)")
	cmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level (debug, info, warn, error)")

	cmd.AddCommand(serveCmd(&configPath, &logLevel))
	cmd.AddCommand(migrateCmd(&configPath, &logLevel))
	cmd.AddCommand(dlqCmd())
	cmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("%s version %s (build: %s)\n", appName, Version, BuildTime)
		},
	})

	return cmd
}

// loadConfig builds the effective config and installs the default
// logger. The --log-level flag wins over config and environment.
func loadConfig(configPath, logLevel string) (*config.Config, *slog.Logger, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, nil, fmt.Errorf("load config: %w", err)
	}
	if logLevel != "" {
		cfg.Log.Level = strings.ToLower(logLevel)
	}

	level := slog.LevelInfo
	switch cfg.Log.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)
	return cfg, logger, nil
}

func serveCmd(configPath, logLevel *string) *cobra.Command {
	var dev bool

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the orchestrator server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := loadConfig(*configPath, *logLevel)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			app, err := NewApp(ctx, cfg, logger, dev)
			if err != nil {
				return err
			}
			if err := app.Start(ctx); err != nil {
				return err
			}

			<-ctx.Done()
			logger.Info("shutdown signal received")

			shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			app.Stop(shutdownCtx)
			return nil
		},
	}

	cmd.Flags().BoolVar(&dev, "dev", false, "Run on the in-memory store (no database)")
	return cmd
}

func migrateCmd(configPath, logLevel *string) *cobra.Command {
	var down bool

	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply database schema migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := loadConfig(*configPath, *logLevel)
			if err != nil {
				return err
			}

			ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
			defer cancel()
			store, err := postgres.Open(ctx, cfg.Database.URL)
			if err != nil {
				return err
			}
			defer store.Close()

			if down {
				if err := store.MigrateDown(); err != nil {
					return err
				}
				logger.Info("rolled back one migration")
				return nil
			}
			if err := store.Migrate(); err != nil {
				return err
			}
			logger.Info("migrations applied")
			return nil
		},
	}

	cmd.Flags().BoolVar(&down, "down", false, "Roll back the most recent migration instead")
	return cmd
}

// dlqCmd groups the operator commands for the dead-letter queue. They
// drive the admin API of a running server rather than the database, so
// retried entries pass through the live engine.
func dlqCmd() *cobra.Command {
	var serverURL string

	cmd := &cobra.Command{
		Use:   "dlq",
		Short: "Inspect and drain the dead-letter queue",
	}
	cmd.PersistentFlags().StringVar(&serverURL, "server", "http://localhost:8080", "Base URL of a running signoff server")

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List dead-letter entries",
		RunE: func(cmd *cobra.Command, args []string) error {
			return adminCall(http.MethodGet, serverURL+"/admin/dlq")
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "retry [id]",
		Short: "Retry one entry, or all entries when no id is given",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 0 {
				return adminCall(http.MethodPost, serverURL+"/admin/dlq/retry-all")
			}
			return adminCall(http.MethodPost, serverURL+"/admin/dlq/"+args[0]+"/retry")
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "delete <id>",
		Short: "Delete one entry",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return adminCall(http.MethodDelete, serverURL+"/admin/dlq/"+args[0])
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "clear",
		Short: "Delete every entry",
		RunE: func(cmd *cobra.Command, args []string) error {
			return adminCall(http.MethodDelete, serverURL+"/admin/dlq/clear")
		},
	})

	return cmd
}

func adminCall(method, url string) error {
	req, err := http.NewRequest(method, url, nil)
	if err != nil {
		return err
	}
	client := &http.Client{Timeout: 30 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("call %s: %w", url, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode >= 400 {
		return fmt.Errorf("%s: %s", resp.Status, strings.TrimSpace(string(body)))
	}
	fmt.Println(strings.TrimSpace(string(body)))
	return nil
}
