package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show local cache statistics",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := openStore()
		if err != nil {
			return err
		}
		defer func() { _ = s.Close() }()

		stats, err := s.GetStats()
		if err != nil {
			return fmt.Errorf("get stats: %w", err)
		}

		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "Database: %s\n", cfg.DatabasePath())
		fmt.Fprintf(out, "  Accounts:        %d\n", stats.AccountCount)
		fmt.Fprintf(out, "  Folders cached:  %d\n", stats.FolderCount)
		fmt.Fprintf(out, "  Messages cached: %d\n", stats.MessageCount)
		fmt.Fprintf(out, "  Cache size:      %.2f MB\n", float64(stats.CacheBytes)/(1024*1024))
		fmt.Fprintf(out, "  File size:       %.2f MB\n", float64(stats.DatabaseSize)/(1024*1024))
		return nil
	},
}

func init() {
	rootCmd.AddCommand(statsCmd)
}
