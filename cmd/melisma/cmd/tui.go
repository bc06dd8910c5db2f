package cmd

import (
	"errors"
	"fmt"
	"log/slog"
	"os"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"

	"github.com/tonimelisma/melisma/internal/tui"
)

var tuiCmd = &cobra.Command{
	Use:   "tui",
	Short: "Open the interactive mail browser",
	Long: `Open the terminal UI: accounts and folders on the left, the selected
folder's conversations or messages on the right.

Logs are written to melisma.log in the data directory while the UI
owns the terminal.

Navigation:
  tab          Switch between sidebar and list
  j/k, ↑/↓     Move the cursor
  enter        Open the folder under the cursor
  r / R        Refresh the list / all folders
  v            Toggle conversations and messages
  a / x        Add / remove an account
  ?            Help
  q            Quit`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		logFile, err := os.OpenFile(cfg.LogPath(), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0600)
		if err != nil {
			return fmt.Errorf("open log file: %w", err)
		}
		defer func() { _ = logFile.Close() }()

		level := slog.LevelInfo
		if verbose {
			level = slog.LevelDebug
		}
		log := slog.New(slog.NewTextHandler(logFile, &slog.HandlerOptions{Level: level}))

		a, err := openApp(ctx, log)
		if err != nil {
			return err
		}
		defer func() { _ = a.Close() }()

		vm := a.viewModel()
		a.scope.Launch("netmon", a.monitor.Run)

		model := tui.New(ctx, vm, tui.Options{
			Prompter: loggingPrompter(log),
			Version:  Version,
		})
		p := tea.NewProgram(model, tea.WithAltScreen(), tea.WithContext(ctx))

		if _, err := p.Run(); err != nil {
			if errors.Is(err, tea.ErrProgramKilled) && ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("run tui: %w", err)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(tuiCmd)
}
