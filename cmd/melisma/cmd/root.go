package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/tonimelisma/melisma/internal/config"
)

// Version is set at build time via -ldflags.
var Version = "dev"

var (
	cfgFile string
	homeDir string
	verbose bool
	cfg     *config.Config
	logger  *slog.Logger
)

var rootCmd = &cobra.Command{
	Use:   "melisma",
	Short: "Multi-account mail client for Gmail and Outlook",
	Long: `melisma keeps Gmail and Microsoft 365 / Outlook.com accounts side by side.

It signs accounts in with OAuth, lists their folders, and pages through
messages and conversations, caching message lists locally in SQLite.
Use the terminal UI for interactive use or 'serve' to expose the same
state over HTTP with scheduled background refreshes.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if cmd.Name() == "version" {
			return nil
		}

		level := slog.LevelInfo
		if verbose {
			level = slog.LevelDebug
		}
		logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
			Level: level,
		}))

		// --home is passed through so it influences where config.toml is
		// loaded from, like MELISMA_HOME.
		var err error
		cfg, err = config.Load(cfgFile, homeDir)
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}

		if err := cfg.EnsureHomeDir(); err != nil {
			return fmt.Errorf("create data directory %s: %w", cfg.HomeDir, err)
		}
		return nil
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "melisma %s\n", Version)
	},
}

// Execute runs the root command with a background context.
// Prefer ExecuteContext for signal-aware execution.
func Execute() error {
	return ExecuteContext(context.Background())
}

// ExecuteContext runs the root command with the given context,
// enabling graceful shutdown when the context is cancelled.
func ExecuteContext(ctx context.Context) error {
	return rootCmd.ExecuteContext(ctx)
}

// oauthSetupHint returns help text for OAuth configuration issues,
// using the actual config file path so it's clear on all platforms.
func oauthSetupHint() string {
	configPath := "<config file>"
	if cfg != nil {
		configPath = cfg.ConfigPath
	}
	return fmt.Sprintf(`
To sign in, register at least one OAuth client and add it to %s:
  [oauth]
  google_client_secrets = "/path/to/client_secret.json"   # Google Cloud desktop client
  microsoft_client_id   = "00000000-0000-0000-0000-000000000000"  # Entra ID public client`, configPath)
}

// errOAuthNotConfigured returns a helpful error when no OAuth client is
// configured. It also searches for client_secret*.json files in common
// locations.
func errOAuthNotConfigured() error {
	if hint := tryFindClientSecrets(); hint != "" {
		return fmt.Errorf("no OAuth client configured.%s", hint)
	}
	return fmt.Errorf("no OAuth client configured.%s", oauthSetupHint())
}

// tryFindClientSecrets looks for client_secret*.json in common locations
// and returns a hint if found.
func tryFindClientSecrets() string {
	home, _ := os.UserHomeDir()
	candidates := []string{
		filepath.Join(home, "Downloads", "client_secret*.json"),
		"client_secret*.json",
	}
	if cfg != nil {
		candidates = append(candidates, filepath.Join(cfg.HomeDir, "client_secret*.json"))
	}

	for _, pattern := range candidates {
		matches, _ := filepath.Glob(pattern)
		if len(matches) == 0 {
			continue
		}
		configPath := "<config file>"
		if cfg != nil {
			configPath = cfg.ConfigPath
		}
		return fmt.Sprintf(`

Found Google OAuth credentials at: %s

To use this file, add to %s:
  [oauth]
  google_client_secrets = %q`, matches[0], configPath, matches[0])
	}
	return ""
}

// wrapOAuthError adds setup instructions when the client secrets file is
// missing or unreadable.
func wrapOAuthError(err error) error {
	if errors.Is(err, os.ErrNotExist) || errors.Is(err, os.ErrPermission) {
		return fmt.Errorf("OAuth client secrets file not accessible.%s", oauthSetupHint())
	}
	return err
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: ~/.melisma/config.toml)")
	rootCmd.PersistentFlags().StringVar(&homeDir, "home", "", "home directory (overrides MELISMA_HOME)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose output")
	rootCmd.AddCommand(versionCmd)
}
