package cmd

import (
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/tonimelisma/melisma/internal/prefs"
)

var prefsCmd = &cobra.Command{
	Use:   "prefs",
	Short: "Show or change preferences",
	Long: `Show all preferences, or read and write one with 'get' and 'set'.

Keys:
  view_mode            THREADS or MESSAGES
  cache_size_limit_mb  message cache limit (0 disables pruning)
  initial_sync_days    30, 90, 180, 365 or 0 for all time
  body_download        ALWAYS, WIFI_ONLY or ON_DEMAND
  attachment_download  ALWAYS, WIFI_ONLY or ON_DEMAND
  signature            appended to outgoing mail

Examples:
  melisma prefs
  melisma prefs get view_mode
  melisma prefs set view_mode MESSAGES`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		repo, closeStore, err := openPrefs()
		if err != nil {
			return err
		}
		defer closeStore()

		return outputPrefsTable(cmd.OutOrStdout(), repo.Current())
	},
}

var prefsGetCmd = &cobra.Command{
	Use:   "get <key>",
	Short: "Print one preference",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		repo, closeStore, err := openPrefs()
		if err != nil {
			return err
		}
		defer closeStore()

		v, err := repo.Current().Get(args[0])
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), v)
		return nil
	},
}

var prefsSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Change one preference",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		repo, closeStore, err := openPrefs()
		if err != nil {
			return err
		}
		defer closeStore()

		if err := repo.Set(args[0], args[1]); err != nil {
			return err
		}
		v, _ := repo.Current().Get(args[0])
		fmt.Fprintf(cmd.OutOrStdout(), "%s = %s\n", args[0], v)
		return nil
	},
}

// openPrefs opens the preference repository without the provider stack.
func openPrefs() (*prefs.Repository, func(), error) {
	s, err := openStore()
	if err != nil {
		return nil, nil, err
	}
	repo, err := prefs.NewRepository(s, logger)
	if err != nil {
		_ = s.Close()
		return nil, nil, fmt.Errorf("load preferences: %w", err)
	}
	return repo, func() { _ = s.Close() }, nil
}

func outputPrefsTable(out io.Writer, p prefs.Preferences) error {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	for _, key := range prefs.Keys {
		v, err := p.Get(key)
		if err != nil {
			return err
		}
		if v == "" {
			v = "-"
		}
		fmt.Fprintf(w, "%s\t%s\n", key, v)
	}
	return w.Flush()
}

func init() {
	rootCmd.AddCommand(prefsCmd)
	prefsCmd.AddCommand(prefsGetCmd, prefsSetCmd)
}
