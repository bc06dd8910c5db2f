package tui

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"github.com/tonimelisma/melisma/internal/accounts"
	"github.com/tonimelisma/melisma/internal/folders"
	"github.com/tonimelisma/melisma/internal/mail"
	"github.com/tonimelisma/melisma/internal/messages"
	"github.com/tonimelisma/melisma/internal/target"
)

// sidebarWidth is the width of the account/folder pane including its
// right border.
const sidebarWidth = 32

// Monochrome theme - adaptive for light and dark terminals
var (
	bgBase   = lipgloss.AdaptiveColor{Light: "#ffffff", Dark: "#000000"}
	bgAlt    = lipgloss.AdaptiveColor{Light: "#f0f0f0", Dark: "#181818"}
	bgCursor = lipgloss.AdaptiveColor{Light: "#e0e0e0", Dark: "#282828"}

	titleBarStyle = lipgloss.NewStyle().
			Bold(true).
			Background(lipgloss.AdaptiveColor{Light: "#e0e0e0", Dark: "#333333"}).
			Foreground(lipgloss.AdaptiveColor{Light: "#000000", Dark: "#ffffff"}).
			Padding(0, 1)

	statsStyle = lipgloss.NewStyle().
			Foreground(lipgloss.AdaptiveColor{Light: "#555555", Dark: "#999999"}).
			Background(bgBase).
			Padding(0, 1)

	// Spinner style - NOT faint so it's visible
	spinnerStyle = lipgloss.NewStyle().
			Bold(true).
			Background(bgBase)

	tableHeaderStyle = lipgloss.NewStyle().
				Bold(true).
				Background(bgBase)

	separatorStyle = lipgloss.NewStyle().
			Faint(true).
			Background(bgBase)

	cursorRowStyle = lipgloss.NewStyle().
			Background(bgCursor)

	unreadRowStyle = lipgloss.NewStyle().
			Bold(true).
			Background(bgBase)

	normalRowStyle = lipgloss.NewStyle().
			Background(bgBase)

	altRowStyle = lipgloss.NewStyle().
			Background(bgAlt)

	accountStyle = lipgloss.NewStyle().
			Bold(true).
			Background(bgBase)

	placeholderStyle = lipgloss.NewStyle().
				Faint(true).
				Background(bgBase)

	sidebarStyle = lipgloss.NewStyle().
			Border(lipgloss.NormalBorder(), false, true, false, false).
			BorderForeground(lipgloss.AdaptiveColor{Light: "#cccccc", Dark: "#444444"})

	footerStyle = lipgloss.NewStyle().
			Foreground(lipgloss.AdaptiveColor{Light: "#555555", Dark: "#999999"}).
			Background(bgBase).
			Padding(0, 1)

	errorStyle = lipgloss.NewStyle().
			Bold(true).
			Background(bgBase)

	loadingStyle = lipgloss.NewStyle().
			Italic(true).
			Background(bgBase)

	modalStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			Padding(1, 2).
			Background(bgBase)

	modalTitleStyle = lipgloss.NewStyle().
			Bold(true)

	toastStyle = lipgloss.NewStyle().
			Italic(true).
			Foreground(lipgloss.AdaptiveColor{Light: "#996600", Dark: "#ffcc00"}).
			Background(bgBase)
)

// listView is the content of the right pane for the current view mode.
type listView struct {
	messages     []mail.Message
	threads      []mail.Thread
	placeholders int
	loading      bool
	// paged is set when the rows come from the pager.
	paged   bool
	message string
}

func (l listView) len() int {
	return len(l.messages) + len(l.threads) + l.placeholders
}

// currentList picks the rows for the selection. Message mode prefers the
// pager snapshot and falls back to the plain message list until the pager
// has something to show.
func (m Model) currentList() listView {
	st := m.state
	if !st.HasSelection() {
		return listView{}
	}
	if st.ViewMode == mail.ViewMessages {
		p := st.Page
		if len(p.Items) > 0 || p.Placeholders > 0 || p.Loading {
			return listView{
				messages:     p.Items,
				placeholders: p.Placeholders,
				loading:      p.Loading && len(p.Items) == 0,
				paged:        true,
				message:      p.Message,
			}
		}
		return listView{
			messages: st.MessageState.Items,
			loading:  st.MessageState.Status == target.StatusLoading,
			message:  st.MessageState.Message,
		}
	}
	return listView{
		threads: st.ThreadState.Items,
		loading: st.ThreadState.Status == target.StatusLoading,
		message: st.ThreadState.Message,
	}
}

// View implements tea.Model.
func (m Model) View() string {
	if m.quitting {
		return ""
	}
	if m.width <= 0 || m.height <= 0 {
		return ""
	}

	switch m.state.AuthState.Phase {
	case accounts.AuthInitializing:
		return m.fillScreen(loadingStyle.Render(m.spinner.View() + " Starting..."))
	case accounts.AuthInitializationError:
		msg := "Sign-in is unavailable"
		if err := m.state.AuthState.Err; err != nil {
			msg = fmt.Sprintf("%s: %v", msg, err)
		}
		return m.fillScreen(errorStyle.Render(truncateRunes(msg, m.width)))
	}

	if m.modal != modalNone {
		return m.modalView()
	}

	bodyHeight := max(m.height-3, 1)
	body := lipgloss.JoinHorizontal(lipgloss.Top,
		sidebarStyle.Render(m.sidebarPane(bodyHeight)),
		m.listPane(bodyHeight),
	)
	return strings.Join([]string{m.titleView(), m.statusView(), body, m.footerView()}, "\n")
}

// fillScreen renders a single line of content under the title bar.
func (m Model) fillScreen(content string) string {
	lines := []string{m.titleView(), padRight(content, m.width)}
	for len(lines) < m.height {
		lines = append(lines, normalRowStyle.Render(strings.Repeat(" ", m.width)))
	}
	return strings.Join(lines, "\n")
}

func (m Model) titleView() string {
	title := "melisma"
	if m.version != "" {
		title += " " + m.version
	}
	parts := []string{title}
	switch n := len(m.state.Accounts); n {
	case 0:
	case 1:
		parts = append(parts, "1 account")
	default:
		parts = append(parts, fmt.Sprintf("%d accounts", n))
	}
	switch m.state.OverallAuthState {
	case accounts.PartialAccountsNeedReauthentication:
		parts = append(parts, "some accounts need sign-in")
	case accounts.AllAccountsNeedReauthentication:
		parts = append(parts, "all accounts need sign-in")
	}
	if !m.state.IsOnline {
		parts = append(parts, "offline")
	}
	return titleBarStyle.Width(m.width).Render(truncateRunes(strings.Join(parts, " | "), max(m.width-2, 0)))
}

// statusView shows the toast, or the breadcrumb and sync state.
func (m Model) statusView() string {
	if m.toast != "" {
		return toastStyle.Render(padRight(" "+truncateRunes(m.toast, max(m.width-1, 0)), m.width))
	}

	left := " " + m.breadcrumb()
	right := ""
	switch s := m.state.SyncState; s.Kind {
	case messages.SyncRunning:
		right = m.spinner.View() + " Syncing"
	case messages.SyncError:
		right = s.Message
	}
	if l := m.currentList(); l.message != "" && l.len() > 0 {
		right = l.message
	}
	if right == "" && m.state.ViewMode != "" {
		right = strings.ToLower(string(m.state.ViewMode))
	}
	right = truncateRunes(right, max(m.width/2, 0))

	gap := max(m.width-lipgloss.Width(left)-lipgloss.Width(right)-1, 1)
	return statsStyle.Padding(0).Render(padRight(left+strings.Repeat(" ", gap)+right, m.width))
}

func (m Model) breadcrumb() string {
	if !m.state.HasSelection() {
		return ""
	}
	label := m.state.SelectedAccountID
	if a, ok := mail.FindAccount(m.state.Accounts, m.state.SelectedAccountID); ok {
		label = a.DisplayLabel()
	}
	return label + " > " + m.state.SelectedFolder.DisplayName
}

// sidebarPane renders the account/folder tree, scrolled so the cursor is
// visible.
func (m Model) sidebarPane(height int) string {
	width := sidebarWidth - 1
	var lines []string
	cursorLine := 0

	if len(m.rows) == 0 {
		lines = append(lines,
			normalRowStyle.Render(padRight(" No accounts", width)),
			normalRowStyle.Render(padRight(" Press a to add one", width)))
	}
	for i, row := range m.rows {
		if i == m.sideCursor {
			cursorLine = len(lines)
		}
		var text string
		style := normalRowStyle
		if row.folder == nil {
			text, style = m.accountLine(row.account, width), accountStyle
		} else {
			text = m.folderLine(row.account.ID, *row.folder, width)
		}
		line := padRight(text, width)
		if i == m.sideCursor && m.focus == paneFolders {
			style = cursorRowStyle
		}
		lines = append(lines, style.Render(line))

		if row.folder == nil {
			if fs, ok := m.state.FolderStates[row.account.ID]; ok && fs.Status == folders.StatusError {
				lines = append(lines, placeholderStyle.Render(padRight("   "+truncateRunes(fs.Message, width-3), width)))
			}
		}
	}

	offset := 0
	if cursorLine >= height {
		offset = cursorLine - height + 1
	}
	lines = lines[min(offset, len(lines)):]
	if len(lines) > height {
		lines = lines[:height]
	}
	for len(lines) < height {
		lines = append(lines, normalRowStyle.Render(strings.Repeat(" ", width)))
	}
	return strings.Join(lines, "\n")
}

func (m Model) accountLine(a mail.Account, width int) string {
	text := a.DisplayLabel()
	if a.NeedsReauthentication {
		text += " (sign in)"
	}
	if fs, ok := m.state.FolderStates[a.ID]; ok && fs.Status == folders.StatusLoading {
		spin := m.spinner.View() + " "
		return spin + truncateRunes(text, max(width-lipgloss.Width(spin), 0))
	}
	return truncateRunes(text, width)
}

func (m Model) folderLine(accountID string, f mail.Folder, width int) string {
	marker := "  "
	if m.state.SelectedAccountID == accountID && m.state.SelectedFolder != nil && m.state.SelectedFolder.ID == f.ID {
		marker = "> "
	}
	count := ""
	if f.UnreadItemCount > 0 {
		count = formatCount(f.UnreadItemCount)
	}
	nameWidth := max(width-len(marker)-len(count)-1, 1)
	return marker + padRight(truncateRunes(f.DisplayName, nameWidth), nameWidth) + " " + count
}

// listPane renders the message or thread table.
func (m Model) listPane(height int) string {
	width := max(m.width-sidebarWidth, 1)
	l := m.currentList()

	var lines []string
	switch {
	case len(m.state.Accounts) == 0:
		lines = append(lines, normalRowStyle.Render(padRight(" No accounts configured. Press a to add one.", width)))
	case !m.state.HasSelection():
		lines = append(lines, normalRowStyle.Render(padRight(" Select a folder", width)))
	case l.loading:
		lines = append(lines, loadingStyle.Render(padRight(" "+m.spinner.View()+" Loading...", width)))
	case l.len() == 0 && l.message != "":
		lines = append(lines, errorStyle.Render(padRight(" "+truncateRunes(l.message, width-1), width)))
	case l.len() == 0:
		empty := " No conversations"
		if m.state.ViewMode == mail.ViewMessages {
			empty = " No messages"
		}
		lines = append(lines, normalRowStyle.Render(padRight(empty, width)))
	default:
		lines = m.tableLines(l, width, height)
	}

	for len(lines) < height {
		lines = append(lines, normalRowStyle.Render(strings.Repeat(" ", width)))
	}
	return strings.Join(lines[:height], "\n")
}

// Column widths of the list table. The subject takes the rest.
const (
	flagWidth = 2
	fromWidth = 22
	dateWidth = 11
)

func (m Model) tableLines(l listView, width, height int) []string {
	subjectWidth := max(width-flagWidth-fromWidth-dateWidth-2, 8)
	now := m.now()

	row := func(flag, from, subject, date string) string {
		return padRight(flag, flagWidth) +
			padRight(truncateRunes(from, fromWidth-1), fromWidth) +
			padRight(truncateRunes(subject, subjectWidth-1), subjectWidth) + " " +
			padRight(date, dateWidth)
	}

	header := "From"
	if m.state.ViewMode != mail.ViewMessages {
		header = "Participants"
	}
	lines := []string{
		tableHeaderStyle.Render(padRight(row("", header, "Subject", "Date"), width)),
		separatorStyle.Render(strings.Repeat("─", width)),
	}

	rows := max(height-2, 1)
	end := min(m.listOffset+rows, l.len())
	for i := m.listOffset; i < end; i++ {
		var text string
		style := normalRowStyle
		if i%2 == 1 {
			style = altRowStyle
		}

		switch {
		case i < len(l.messages):
			msg := l.messages[i]
			flag := ""
			if !msg.IsRead {
				flag, style = "*", unreadRowStyle
			}
			from := msg.SenderName
			if from == "" {
				from = msg.SenderAddress
			}
			subject := msg.Subject
			if msg.HasAttachments {
				subject = "@ " + subject
			}
			text = row(flag, from, subject, formatReceived(msg.ReceivedAt, now))
		case i < len(l.messages)+len(l.threads):
			t := l.threads[i-len(l.messages)]
			flag := ""
			if t.UnreadCount > 0 {
				flag, style = "*", unreadRowStyle
			}
			from := strings.Join(t.Participants, ", ")
			if t.MessageCount > 1 {
				from = fmt.Sprintf("%s (%d)", from, t.MessageCount)
			}
			subject := t.Subject
			if t.Snippet != "" {
				subject += " - " + t.Snippet
			}
			text = row(flag, from, subject, formatReceived(t.LastActivity, now))
		default:
			text, style = row("", "...", "", ""), placeholderStyle
		}

		if i == m.listCursor && m.focus == paneList {
			style = cursorRowStyle
		}
		lines = append(lines, style.Render(padRight(text, width)))
	}
	return lines
}

func (m Model) footerView() string {
	var keys []string
	if m.focus == paneFolders {
		keys = []string{"↑/k ↓/j", "Enter open", "Tab list", "a add", "x remove", "R folders"}
	} else {
		keys = []string{"↑/k ↓/j", "Tab folders", "r refresh", "v view"}
	}
	keys = append(keys, "? help", "q quit")

	pos := ""
	if n := m.listLen(); n > 0 && m.focus == paneList {
		pos = fmt.Sprintf(" %d/%d ", m.listCursor+1, n)
	}
	keyStr := strings.Join(keys, " | ")
	gap := max(m.width-lipgloss.Width(keyStr)-lipgloss.Width(pos)-2, 0)
	return footerStyle.Render(truncateToWidth(keyStr+strings.Repeat(" ", gap)+pos, max(m.width-2, 0)))
}

func (m Model) modalView() string {
	var content string
	switch m.modal {
	case modalAddAccount:
		content = modalTitleStyle.Render("Add account") + "\n\n" +
			"g  Google\n" +
			"m  Microsoft\n\n" +
			"Esc to cancel"
	case modalRemoveAccount:
		content = modalTitleStyle.Render("Remove account") + "\n\n" +
			strings.Join(wrapText("Sign out of "+m.removeTarget.DisplayLabel()+"?", 40), "\n") + "\n\n" +
			"y  Remove    n  Cancel"
	case modalHelp:
		content = modalTitleStyle.Render("Keys") + "\n\n" +
			"Tab        switch pane\n" +
			"↑/k ↓/j    move\n" +
			"g/G        first/last\n" +
			"Enter      open folder\n" +
			"r          refresh messages\n" +
			"R          refresh folders\n" +
			"v          threads/messages\n" +
			"a          add account\n" +
			"x          remove account\n" +
			"Esc        dismiss message\n" +
			"q          quit\n\n" +
			"Press any key to close"
	}
	return lipgloss.Place(m.width, m.height, lipgloss.Center, lipgloss.Center, modalStyle.Render(content))
}
