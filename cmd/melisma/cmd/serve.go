package cmd

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/tonimelisma/melisma/internal/api"
	"github.com/tonimelisma/melisma/internal/scheduler"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the mail state over HTTP with scheduled refreshes",
	Long: `Run melisma as a long-running daemon.

The daemon runs in the foreground and provides:
  - HTTP API on the configured port (default: 8080) exposing the same
    screen state as the terminal UI, plus a server-sent event stream
  - Scheduled folder refreshes per account
  - Connectivity monitoring

Configure schedules in config.toml:
  [[schedules]]
  account = "you@gmail.com"
  schedule = "*/15 * * * *"
  enabled = true

Cron format: minute hour day-of-month month day-of-week
  Examples:
    */15 * * * *  = Every 15 minutes
    0 * * * *     = Hourly
    0 8,18 * * *  = 8 AM and 6 PM daily

Use Ctrl+C to stop the daemon gracefully.`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	out := cmd.OutOrStdout()

	a, err := openApp(ctx, logger)
	if err != nil {
		return err
	}
	defer func() { _ = a.Close() }()

	vm := a.viewModel()
	a.scope.Launch("netmon", a.monitor.Run)

	accts, err := a.waitForAccounts(ctx)
	if err != nil {
		return err
	}

	sched := scheduler.New(scheduler.FolderRefresher(a.folders)).WithLogger(logger)
	count, errs := sched.AddAccountsFromConfig(cfg, accts)
	for _, err := range errs {
		logger.Error("failed to schedule account", "error", err)
	}
	sched.Start()

	apiServer := api.NewServer(cfg.Server, vm, api.Options{
		Store:     a.store,
		Scheduler: sched,
		Prompter:  loggingPrompter(logger),
		Logger:    logger,
	})

	serverErr := make(chan error, 1)
	go func() {
		if err := apiServer.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	bindAddr := cfg.Server.Bind
	if bindAddr == "" {
		bindAddr = "127.0.0.1"
	}
	fmt.Fprintf(out, "melisma daemon started\n")
	fmt.Fprintf(out, "  API server: http://%s\n", net.JoinHostPort(bindAddr, strconv.Itoa(cfg.Server.APIPort)))
	fmt.Fprintf(out, "  Accounts: %d (%d scheduled)\n", len(accts), count)
	fmt.Fprintf(out, "  Data directory: %s\n", cfg.Data.DataDir)
	fmt.Fprintln(out)
	for _, status := range sched.Status() {
		fmt.Fprintf(out, "  %s: next refresh at %s\n", status.AccountID, status.NextRun.Local().Format("2006-01-02 15:04:05"))
	}
	fmt.Fprintln(out, "Press Ctrl+C to stop.")

	var runErr error
	select {
	case err := <-serverErr:
		logger.Error("API server error", "error", err)
		runErr = fmt.Errorf("api server: %w", err)
	case <-ctx.Done():
		logger.Info("shutdown requested")
	}

	fmt.Fprintln(out, "Shutting down API server...")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := apiServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("API server shutdown error", "error", err)
	}

	fmt.Fprintln(out, "Waiting for running refreshes to complete...")
	select {
	case <-sched.Stop().Done():
		fmt.Fprintln(out, "Shutdown complete.")
	case <-time.After(30 * time.Second):
		fmt.Fprintln(out, "Shutdown timed out after 30 seconds.")
	}

	return runErr
}
