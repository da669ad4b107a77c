package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/dhcgn/mailsheet/api"
	"github.com/dhcgn/mailsheet/cmd"
	"github.com/dhcgn/mailsheet/config"
	"github.com/dhcgn/mailsheet/model"
	"github.com/dhcgn/mailsheet/progress"
	"github.com/dhcgn/mailsheet/tableview"
)

func main() {
	rootCmd := &cobra.Command{
		Use:           "mailsheet",
		Short:         "Fetch the latest spreadsheet attachment from a mailbox and serve it as a table",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return config.LoadDotEnv(".env")
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, serve)
		},
	}
	config.RegisterFlags(rootCmd)

	runOnceCmd := &cobra.Command{
		Use:   "run-once",
		Short: "Run the pipeline once, print the decoded table and exit",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, runOnce)
		},
	}
	rootCmd.AddCommand(runOnceCmd, cmd.NewDecodeCommand())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := rootCmd.ExecuteContext(ctx)
	stop()
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

// withApp resolves configuration, sets up logging and the pipeline, and
// hands them to fn.
func withApp(cmd *cobra.Command, fn func(context.Context, *cobra.Command, config.Config, *app) error) error {
	cfg, err := config.LoadConfig(cmd)
	if err != nil {
		return err
	}

	logger, cleanup, err := setupLogger(cfg, os.Stdout)
	if err != nil {
		return err
	}
	defer func() {
		_ = cleanup()
	}()

	slog.SetDefault(logger)
	a, err := newApp(cmd.Context(), cfg, logger)
	if err != nil {
		return err
	}
	logger.Info("starting mailsheet",
		"source", a.source,
		"senders", cfg.Senders,
		"subject", cfg.Subject,
		"sinks", a.sinks,
		"interval", cfg.Interval,
	)

	runErr := fn(cmd.Context(), cmd, cfg, a)
	if err := a.Close(); err != nil {
		logger.Warn("shutdown incomplete", "err", err)
	}
	return runErr
}

// serve runs the scheduler and the HTTP API until ctx is cancelled.
func serve(ctx context.Context, _ *cobra.Command, cfg config.Config, a *app) error {
	server := api.NewServer(api.Deps{
		Cache:       a.runner.Cache(),
		Runner:      a.runner,
		Stats:       a.runner.Stats(),
		DisplayRows: cfg.DisplayRows,
	}, a.logger)

	schedErr := make(chan error, 1)
	go func() {
		schedErr <- a.runner.Start(ctx)
	}()

	if err := server.ListenAndServe(ctx, cfg.Listen); err != nil {
		return err
	}
	return <-schedErr
}

// runOnce performs a single foreground run. Only a failed run is an error;
// finding nothing to decode is reported and exits cleanly.
func runOnce(ctx context.Context, cmd *cobra.Command, cfg config.Config, a *app) error {
	spinner := progress.New(cfg.LogLevel)
	outcome, err := a.runner.RunOnce(model.WithStageHook(ctx, spinner.Update), cfg.Criteria())
	if err != nil {
		outcome = model.RunOutcome{Kind: model.OutcomeFailed, Err: err}
	}
	spinner.Stop(outcome)
	if err != nil {
		return err
	}
	a.runner.WaitDeliveries()

	out := cmd.OutOrStdout()
	switch outcome.Kind {
	case model.OutcomeDecoded:
		table, err := tableview.Render(outcome.Dataset, tableview.Options{Limit: cfg.DisplayRows, Styled: true})
		if err != nil {
			return err
		}
		fmt.Fprint(out, table)
		return nil
	case model.OutcomeFailed:
		return fmt.Errorf("run %s failed: %w", outcome.RunID, outcome.Err)
	default:
		fmt.Fprintf(out, "%s (%s)\n", tableview.NoData, outcome.Reason())
		return nil
	}
}

func setupLogger(cfg config.Config, stdout io.Writer) (*slog.Logger, func() error, error) {
	level := new(slog.LevelVar)
	level.Set(slog.LevelInfo)

	switch cfg.LogLevel {
	case "debug":
		level.Set(slog.LevelDebug)
	case "info":
		level.Set(slog.LevelInfo)
	case "warn":
		level.Set(slog.LevelWarn)
	case "error":
		level.Set(slog.LevelError)
	}

	opts := &slog.HandlerOptions{Level: level}
	cleanup := func() error { return nil }
	out := stdout

	if cfg.LogDir != "" {
		if err := os.MkdirAll(cfg.LogDir, 0o755); err != nil {
			return nil, cleanup, err
		}

		logFilePath := filepath.Join(cfg.LogDir, fmt.Sprintf("mailsheet-%s.log", time.Now().Format("20060102T150405")))
		file, err := os.OpenFile(logFilePath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, cleanup, err
		}

		out = io.MultiWriter(stdout, file)
		cleanup = func() error {
			return file.Close()
		}
	}

	if cfg.LogFormat == "json" {
		return slog.New(slog.NewJSONHandler(out, opts)), cleanup, nil
	}
	return slog.New(slog.NewTextHandler(out, opts)), cleanup, nil
}
