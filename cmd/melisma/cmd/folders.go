package cmd

import (
	"context"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/tonimelisma/melisma/internal/folders"
	"github.com/tonimelisma/melisma/internal/mail"
)

var foldersCmd = &cobra.Command{
	Use:   "folders <account>",
	Short: "List an account's folders",
	Long: `Fetch and list the mail folders of one account.

If the stored token has expired and stdin is a terminal, the browser is
opened to sign in again.

Examples:
  melisma folders you@gmail.com`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		a, err := openApp(ctx, logger)
		if err != nil {
			return err
		}
		defer func() { _ = a.Close() }()

		acct, err := a.lookupAccount(ctx, args[0])
		if err != nil {
			return err
		}

		list, err := a.loadFolders(ctx, acct, cmd.OutOrStdout())
		if err != nil {
			return err
		}
		outputFoldersTable(cmd.OutOrStdout(), list)
		return nil
	},
}

// loadFolders observes acct and waits for its folder fetch. A failed
// silent fetch is retried once interactively when a terminal is attached.
func (a *app) loadFolders(ctx context.Context, acct mail.Account, out io.Writer) ([]mail.Folder, error) {
	a.folders.ManageObservedAccounts([]mail.Account{acct})
	st, err := a.folders.AwaitSettled(ctx, acct.ID)
	if err != nil {
		return nil, err
	}
	if st.Status == folders.StatusError && stdinIsTerminal() {
		a.log.Debug("retrying folder fetch interactively", "account", acct.ID, "error", st.Message)
		st, err = a.folders.Sync(ctx, acct.ID, browserPrompter(out))
		if err != nil {
			return nil, err
		}
	}
	if st.Status == folders.StatusError {
		return nil, fmt.Errorf("%s: %s", acct.DisplayLabel(), st.Message)
	}
	return st.Folders, nil
}

// resolveFolder matches ref against folder ids, then display names
// case-insensitively.
func resolveFolder(list []mail.Folder, ref string) (mail.Folder, bool) {
	for _, f := range list {
		if f.ID == ref {
			return f, true
		}
	}
	for _, f := range list {
		if strings.EqualFold(f.DisplayName, ref) {
			return f, true
		}
	}
	return mail.Folder{}, false
}

func outputFoldersTable(out io.Writer, list []mail.Folder) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "NAME\tTYPE\tUNREAD\tTOTAL\tID")
	fmt.Fprintln(w, "────\t────\t──────\t─────\t──")

	for _, f := range list {
		fmt.Fprintf(w, "%s\t%s\t%d\t%d\t%s\n", f.DisplayName, strings.ToLower(f.Type.String()), f.UnreadItemCount, f.TotalItemCount, f.ID)
	}

	_ = w.Flush()
	fmt.Fprintf(out, "\n%d folder(s)\n", len(list))
}

func init() {
	rootCmd.AddCommand(foldersCmd)
}
