package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/charmbracelet/huh"
	json "github.com/goccy/go-json"
	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"

	"github.com/tonimelisma/melisma/internal/flow"
	"github.com/tonimelisma/melisma/internal/mail"
)

var (
	listAccountsJSON  bool
	removeAccountYes  bool
	errActionAborted  = errors.New("aborted")
	stdinIsTerminal   = func() bool { return isatty.IsTerminal(os.Stdin.Fd()) }
	accountsLongUsage = `Manage the mail accounts melisma is signed in to.

Accounts are identified by their id (e.g. GOOGLE:1084...) or by email
address.`
)

var accountsCmd = &cobra.Command{
	Use:   "accounts",
	Short: "Manage mail accounts",
	Long:  accountsLongUsage,
}

var listAccountsCmd = &cobra.Command{
	Use:   "list",
	Short: "List signed-in accounts",
	Long: `List all accounts signed in to melisma.

Examples:
  melisma accounts list
  melisma accounts list --json`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp(cmd.Context(), logger)
		if err != nil {
			return err
		}
		defer func() { _ = a.Close() }()

		accts, err := a.waitForAccounts(cmd.Context())
		if err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		if listAccountsJSON {
			return outputAccountsJSON(out, accts)
		}
		if len(accts) == 0 {
			fmt.Fprintln(out, "No accounts found. Use 'melisma accounts add' to add one.")
			return nil
		}
		outputAccountsTable(out, accts)
		return nil
	},
}

func accountStatus(a mail.Account) string {
	if a.NeedsReauthentication {
		return "needs sign-in"
	}
	return "ok"
}

func outputAccountsTable(out io.Writer, accts []mail.Account) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tEMAIL\tPROVIDER\tSTATUS")
	fmt.Fprintln(w, "──\t─────\t────────\t──────")

	for _, acct := range accts {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", acct.ID, acct.DisplayLabel(), acct.Provider.DisplayName(), accountStatus(acct))
	}

	_ = w.Flush()
	fmt.Fprintf(out, "\n%d account(s)\n", len(accts))
}

func outputAccountsJSON(out io.Writer, accts []mail.Account) error {
	if accts == nil {
		accts = []mail.Account{}
	}
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(accts)
}

var addAccountCmd = &cobra.Command{
	Use:   "add [google|microsoft]",
	Short: "Sign in a new account",
	Long: `Sign in a new Gmail or Microsoft account through the browser.

Without an argument an interactive picker is shown.

Examples:
  melisma accounts add google
  melisma accounts add microsoft`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp(cmd.Context(), logger)
		if err != nil {
			return err
		}
		defer func() { _ = a.Close() }()

		p, err := chooseProvider(args, a.registeredProviders())
		if errors.Is(err, errActionAborted) {
			fmt.Fprintln(cmd.OutOrStdout(), "Aborted.")
			return nil
		}
		if err != nil {
			return err
		}

		if _, err := a.waitForAccounts(cmd.Context()); err != nil {
			return err
		}
		a.accounts.AddAccount(browserPrompter(cmd.OutOrStdout()), nil, p)
		msg, err := a.awaitAccountAction(cmd.Context())
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), msg)
		return nil
	},
}

// registeredProviders lists the providers with a configured OAuth client.
func (a *app) registeredProviders() []mail.ProviderType {
	var ps []mail.ProviderType
	for _, c := range a.registry.All() {
		ps = append(ps, c.Type)
	}
	return ps
}

// chooseProvider resolves the provider from args, or asks when stdin is a
// terminal and more than one provider is configured.
func chooseProvider(args []string, available []mail.ProviderType) (mail.ProviderType, error) {
	if len(args) == 1 {
		p, ok := mail.ParseProvider(args[0])
		if !ok {
			return "", fmt.Errorf("unknown provider %q (use google or microsoft)", args[0])
		}
		return p, nil
	}
	switch {
	case len(available) == 0:
		return "", errOAuthNotConfigured()
	case len(available) == 1:
		return available[0], nil
	case !stdinIsTerminal():
		return "", errors.New("provider required when not running in a terminal (google or microsoft)")
	}

	opts := make([]huh.Option[mail.ProviderType], 0, len(available))
	for _, p := range available {
		opts = append(opts, huh.NewOption(p.DisplayName(), p))
	}
	var p mail.ProviderType
	err := huh.NewSelect[mail.ProviderType]().
		Title("Which provider?").
		Options(opts...).
		Value(&p).
		Run()
	if errors.Is(err, huh.ErrUserAborted) {
		return "", errActionAborted
	}
	return p, err
}

// awaitAccountAction waits for the pending add or remove to finish and
// returns its outcome message.
func (a *app) awaitAccountAction(ctx context.Context) (string, error) {
	if _, err := flow.WaitFor(ctx, flow.Readable[bool](a.accounts.IsLoadingAccountAction()), func(loading bool) bool {
		return !loading
	}); err != nil {
		return "", err
	}
	msg := a.accounts.AccountActionMessage().Value()
	a.accounts.ClearAccountActionMessage()
	return msg, nil
}

var removeAccountCmd = &cobra.Command{
	Use:   "remove <account>",
	Short: "Sign an account out",
	Long: `Sign an account out and delete its stored token.

Examples:
  melisma accounts remove you@gmail.com
  melisma accounts remove you@gmail.com --yes`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp(cmd.Context(), logger)
		if err != nil {
			return err
		}
		defer func() { _ = a.Close() }()

		acct, err := a.lookupAccount(cmd.Context(), args[0])
		if err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "Account:  %s\n", acct.DisplayLabel())
		fmt.Fprintf(out, "Provider: %s\n", acct.Provider.DisplayName())

		if !removeAccountYes {
			ok, err := confirmRemoval(acct)
			if err != nil {
				return err
			}
			if !ok {
				fmt.Fprintln(out, "Aborted.")
				return nil
			}
		}

		a.accounts.RemoveAccount(acct)
		msg, err := a.awaitAccountAction(cmd.Context())
		if err != nil {
			return err
		}
		fmt.Fprintln(out, msg)
		return nil
	},
}

func confirmRemoval(acct mail.Account) (bool, error) {
	if !stdinIsTerminal() {
		return false, errors.New("refusing to remove without confirmation (use --yes)")
	}
	var ok bool
	err := huh.NewConfirm().
		Title(fmt.Sprintf("Remove %s?", acct.DisplayLabel())).
		Affirmative("Remove").
		Negative("Cancel").
		Value(&ok).
		Run()
	if errors.Is(err, huh.ErrUserAborted) {
		return false, nil
	}
	return ok, err
}

func init() {
	rootCmd.AddCommand(accountsCmd)
	accountsCmd.AddCommand(listAccountsCmd, addAccountCmd, removeAccountCmd)
	listAccountsCmd.Flags().BoolVar(&listAccountsJSON, "json", false, "Output as JSON")
	removeAccountCmd.Flags().BoolVarP(&removeAccountYes, "yes", "y", false, "Skip confirmation prompt")
}
