package tui

import (
	tea "github.com/charmbracelet/bubbletea"

	"github.com/tonimelisma/melisma/internal/mail"
)

// handleKey routes a key press to the open modal or the focused pane.
func (m Model) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	if msg.String() == "ctrl+c" {
		m.quitting = true
		return m, tea.Quit
	}

	switch m.modal {
	case modalAddAccount:
		return m.handleAddAccountKeys(msg)
	case modalRemoveAccount:
		return m.handleRemoveAccountKeys(msg)
	case modalHelp:
		m.modal = modalNone
		return m, nil
	}

	switch msg.String() {
	case "q":
		m.quitting = true
		return m, tea.Quit

	case "?":
		m.modal = modalHelp

	case "tab":
		if m.focus == paneFolders {
			m.focus = paneList
		} else {
			m.focus = paneFolders
		}

	case "up", "k":
		m = m.moveCursor(-1)
	case "down", "j":
		m = m.moveCursor(1)
	case "pgup", "ctrl+u":
		m = m.moveCursor(-m.pageHeight())
	case "pgdown", "ctrl+d":
		m = m.moveCursor(m.pageHeight())
	case "home", "g":
		m = m.moveCursor(-m.cursorMax() - 1)
	case "end", "G":
		m = m.moveCursor(m.cursorMax() + 1)

	case "enter":
		if m.focus == paneFolders {
			m = m.openFolder()
		}

	case "r":
		if m.state.HasSelection() {
			m.vm.RefreshMessages(m.prompter)
		}
	case "R":
		m.vm.RefreshAllFolders(m.prompter)

	case "v":
		mode := mail.ViewMessages
		if m.state.ViewMode == mail.ViewMessages {
			mode = mail.ViewThreads
		}
		m.vm.SetViewModePreference(mode)

	case "a":
		m.modal = modalAddAccount

	case "x":
		if len(m.rows) > 0 {
			m.removeTarget = m.rows[m.sideCursor].account
			m.modal = modalRemoveAccount
		}

	case "esc":
		if m.toast != "" {
			m.vm.ToastMessageShown(m.toast)
		}
	}
	return m, nil
}

func (m Model) handleAddAccountKeys(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "g":
		m.vm.AddAccount(m.prompter, mail.ProviderGoogle)
		m.modal = modalNone
	case "m":
		m.vm.AddAccount(m.prompter, mail.ProviderMicrosoft)
		m.modal = modalNone
	case "esc", "q":
		m.modal = modalNone
	}
	return m, nil
}

func (m Model) handleRemoveAccountKeys(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "y", "Y":
		m.vm.RemoveAccount(m.removeTarget)
		m.modal = modalNone
	case "n", "N", "esc", "q":
		m.modal = modalNone
	}
	return m, nil
}

// cursorMax is the last valid cursor position in the focused pane.
func (m Model) cursorMax() int {
	if m.focus == paneFolders {
		return max(len(m.rows)-1, 0)
	}
	return max(m.listLen()-1, 0)
}

// moveCursor moves the focused pane's cursor by delta, clamped.
func (m Model) moveCursor(delta int) Model {
	if m.focus == paneFolders {
		m.sideCursor = min(max(m.sideCursor+delta, 0), m.cursorMax())
		return m
	}
	m.listCursor = min(max(m.listCursor+delta, 0), m.cursorMax())
	m = m.clampList()
	m.reportDisplayed()
	return m
}

// openFolder selects the folder under the sidebar cursor and moves focus
// to the list. On an account header it selects nothing.
func (m Model) openFolder() Model {
	if m.sideCursor >= len(m.rows) {
		return m
	}
	row := m.rows[m.sideCursor]
	if row.folder == nil {
		return m
	}
	m.vm.SelectFolder(row.account.ID, *row.folder)
	m.focus = paneList
	return m
}
