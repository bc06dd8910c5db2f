package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	json "github.com/goccy/go-json"
	"github.com/mattn/go-runewidth"
	"github.com/spf13/cobra"

	"github.com/tonimelisma/melisma/internal/flow"
	"github.com/tonimelisma/melisma/internal/mail"
	"github.com/tonimelisma/melisma/internal/mailerr"
	"github.com/tonimelisma/melisma/internal/target"
)

var (
	messagesThreads bool
	messagesLimit   int
	messagesJSON    bool
)

const subjectWidth = 60

var messagesCmd = &cobra.Command{
	Use:   "messages <account> <folder>",
	Short: "List the messages or conversations of a folder",
	Long: `List the newest messages of a folder, or its conversations with --threads.

The folder may be given by id or display name. Message lists are cached
locally and extended page by page until --limit is reached.

Examples:
  melisma messages you@gmail.com Inbox
  melisma messages you@gmail.com Inbox --limit 200
  melisma messages you@outlook.com "Sent Items" --threads`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		out := cmd.OutOrStdout()
		if messagesLimit <= 0 {
			return fmt.Errorf("--limit must be positive")
		}

		a, err := openApp(ctx, logger)
		if err != nil {
			return err
		}
		defer func() { _ = a.Close() }()

		acct, err := a.lookupAccount(ctx, args[0])
		if err != nil {
			return err
		}
		list, err := a.loadFolders(ctx, acct, out)
		if err != nil {
			return err
		}
		folder, ok := resolveFolder(list, args[1])
		if !ok {
			return fmt.Errorf("folder %q not found (run 'melisma folders %s')", args[1], args[0])
		}

		if messagesThreads {
			threads, err := a.loadThreads(ctx, acct, folder)
			if err != nil {
				return err
			}
			threads = threads[:min(len(threads), messagesLimit)]
			if messagesJSON {
				return outputJSON(out, threads)
			}
			outputThreadsTable(out, threads, time.Now())
			return nil
		}

		msgs, err := a.loadMessages(ctx, acct, folder, messagesLimit)
		if err != nil {
			return err
		}
		if messagesJSON {
			return outputJSON(out, msgs)
		}
		outputMessagesTable(out, msgs, time.Now())
		return nil
	},
}

// loadMessages pages through folder until limit messages are loaded or the
// folder is exhausted.
func (a *app) loadMessages(ctx context.Context, acct mail.Account, folder mail.Folder, limit int) ([]mail.Message, error) {
	pager := a.pages.MessagesPager(acct, folder, cfg.Paging())
	defer pager.Close()

	if err := pager.Load(ctx); err != nil {
		return nil, errors.New(mailerr.Message(err))
	}
	for {
		snap := pager.Snapshot().Value()
		if len(snap.Items) >= limit || snap.EndReached || len(snap.Items) == 0 {
			return snap.Items[:min(len(snap.Items), limit)], nil
		}
		before := len(snap.Items)
		if err := pager.Access(ctx, before-1); err != nil {
			return nil, errors.New(mailerr.Message(err))
		}
		if next := pager.Snapshot().Value(); len(next.Items) <= before && !next.EndReached {
			a.log.Debug("page load added no messages", "folder", folder.ID, "items", len(next.Items))
			return next.Items, nil
		}
	}
}

// loadThreads targets folder on the thread repository and waits for the
// fetch to finish.
func (a *app) loadThreads(ctx context.Context, acct mail.Account, folder mail.Folder) ([]mail.Thread, error) {
	a.threads.SetTargetFolder(&acct, &folder)
	st, err := flow.WaitFor(ctx, flow.Readable[target.State[mail.Thread]](a.threads.Observe()), func(s target.State[mail.Thread]) bool {
		return s.Status == target.StatusSuccess || s.Status == target.StatusError
	})
	if err != nil {
		return nil, err
	}
	if st.Status == target.StatusError {
		return nil, errors.New(st.Message)
	}
	return st.Items, nil
}

func formatDate(t, now time.Time) string {
	if t.IsZero() {
		return "-"
	}
	t = t.In(now.Location())
	if t.Year() == now.Year() && t.YearDay() == now.YearDay() {
		return t.Format("15:04")
	}
	return t.Format("2006-01-02")
}

func clip(s string, width int) string {
	s = strings.Join(strings.Fields(s), " ")
	if runewidth.StringWidth(s) <= width {
		return s
	}
	return runewidth.Truncate(s, width, "...")
}

func outputMessagesTable(out io.Writer, msgs []mail.Message, now time.Time) {
	if len(msgs) == 0 {
		fmt.Fprintln(out, "No messages.")
		return
	}
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, " \tDATE\tFROM\tSUBJECT")
	fmt.Fprintln(w, " \t────\t────\t───────")

	for _, m := range msgs {
		flag := " "
		if !m.IsRead {
			flag = "*"
		}
		from := m.SenderName
		if from == "" {
			from = m.SenderAddress
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", flag, formatDate(m.ReceivedAt, now), clip(from, 28), clip(m.Subject, subjectWidth))
	}

	_ = w.Flush()
	fmt.Fprintf(out, "\n%d message(s)\n", len(msgs))
}

func outputThreadsTable(out io.Writer, threads []mail.Thread, now time.Time) {
	if len(threads) == 0 {
		fmt.Fprintln(out, "No conversations.")
		return
	}
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, " \tDATE\tMSGS\tPARTICIPANTS\tSUBJECT")
	fmt.Fprintln(w, " \t────\t────\t────────────\t───────")

	for _, t := range threads {
		flag := " "
		if t.UnreadCount > 0 {
			flag = "*"
		}
		fmt.Fprintf(w, "%s\t%s\t%d\t%s\t%s\n", flag, formatDate(t.LastActivity, now), t.MessageCount,
			clip(strings.Join(t.Participants, ", "), 32), clip(t.Subject, subjectWidth))
	}

	_ = w.Flush()
	fmt.Fprintf(out, "\n%d conversation(s)\n", len(threads))
}

func outputJSON(out io.Writer, v any) error {
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func init() {
	rootCmd.AddCommand(messagesCmd)
	messagesCmd.Flags().BoolVar(&messagesThreads, "threads", false, "List conversations instead of messages")
	messagesCmd.Flags().IntVarP(&messagesLimit, "limit", "n", 50, "Maximum number of rows")
	messagesCmd.Flags().BoolVar(&messagesJSON, "json", false, "Output as JSON")
}
