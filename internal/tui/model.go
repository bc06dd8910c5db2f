// Package tui provides a terminal user interface for melisma.
package tui

import (
	"context"
	"time"

	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"

	"github.com/tonimelisma/melisma/internal/auth"
	"github.com/tonimelisma/melisma/internal/flow"
	"github.com/tonimelisma/melisma/internal/folders"
	"github.com/tonimelisma/melisma/internal/mail"
	"github.com/tonimelisma/melisma/internal/messages"
	"github.com/tonimelisma/melisma/internal/viewmodel"
)

// toastDuration is how long a toast stays on screen before it is
// acknowledged.
const toastDuration = 4 * time.Second

// ViewModel is the state holder the TUI renders and drives.
// *viewmodel.ViewModel satisfies it.
type ViewModel interface {
	State() *flow.State[viewmodel.MainScreenState]
	SelectFolder(accountID string, folder mail.Folder)
	AddAccount(ui auth.Prompter, p mail.ProviderType)
	RemoveAccount(account mail.Account)
	RefreshAllFolders(ui auth.Prompter)
	RefreshMessages(ui auth.Prompter)
	SetViewModePreference(mode mail.ViewMode)
	ToastMessageShown(shown string)
	MessageDisplayed(index int)
}

// Options configuration for TUI.
type Options struct {
	// Prompter opens sign-in pages for interactive authentication.
	Prompter auth.Prompter
	Version  string
	// Now overrides the clock used to format dates.
	Now func() time.Time
}

// pane identifies which side of the screen has keyboard focus.
type pane int

const (
	paneFolders pane = iota
	paneList
)

// modalType is the dialog currently covering the screen.
type modalType int

const (
	modalNone modalType = iota
	modalAddAccount
	modalRemoveAccount
	modalHelp
)

// sidebarRow is one line of the account/folder tree. folder is nil for the
// account header.
type sidebarRow struct {
	account mail.Account
	folder  *mail.Folder
}

// Model is the bubbletea model of the main screen.
type Model struct {
	vm       ViewModel
	prompter auth.Prompter
	version  string
	now      func() time.Time

	updates <-chan viewmodel.MainScreenState
	state   viewmodel.MainScreenState
	rows    []sidebarRow

	focus      pane
	sideCursor int
	listCursor int
	listOffset int
	// displayed is the last list index reported to the view model.
	displayed int

	spinner  spinner.Model
	spinning bool

	modal        modalType
	removeTarget mail.Account
	toast        string

	width  int
	height int

	quitting bool
}

// stateMsg carries a new main screen state.
type stateMsg struct {
	state viewmodel.MainScreenState
}

// toastExpiredMsg fires when text has been on screen for toastDuration.
type toastExpiredMsg struct {
	text string
}

// New creates a TUI model bound to vm. State updates are received until
// ctx is done.
func New(ctx context.Context, vm ViewModel, opts Options) Model {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	sp := spinner.New(
		spinner.WithSpinner(spinner.Dot),
		spinner.WithStyle(spinnerStyle),
	)
	m := Model{
		vm:        vm,
		prompter:  opts.Prompter,
		version:   opts.Version,
		now:       opts.Now,
		updates:   vm.State().Subscribe(ctx),
		displayed: -1,
		spinner:   sp,
		width:     80,
		height:    24,
	}
	m = m.applyState(vm.State().Value())
	return m
}

// Init implements tea.Model.
func (m Model) Init() tea.Cmd {
	cmds := []tea.Cmd{waitForState(m.updates)}
	if m.busy() {
		cmds = append(cmds, m.spinner.Tick)
	}
	return tea.Batch(cmds...)
}

// waitForState blocks until the next state is published. A closed
// subscription yields no message, which ends the chain.
func waitForState(ch <-chan viewmodel.MainScreenState) tea.Cmd {
	return func() tea.Msg {
		st, ok := <-ch
		if !ok {
			return nil
		}
		return stateMsg{state: st}
	}
}

// Update implements tea.Model.
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m = m.clampList()
		return m, nil

	case stateMsg:
		prevToast := m.toast
		m = m.applyState(msg.state)
		cmds := []tea.Cmd{waitForState(m.updates)}
		if m.toast != "" && m.toast != prevToast {
			text := m.toast
			cmds = append(cmds, tea.Tick(toastDuration, func(time.Time) tea.Msg {
				return toastExpiredMsg{text: text}
			}))
		}
		if m.busy() && !m.spinning {
			m.spinning = true
			cmds = append(cmds, m.spinner.Tick)
		}
		return m, tea.Batch(cmds...)

	case toastExpiredMsg:
		if msg.text == m.toast {
			m.vm.ToastMessageShown(msg.text)
		}
		return m, nil

	case spinner.TickMsg:
		if !m.busy() {
			m.spinning = false
			return m, nil
		}
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd

	case tea.KeyMsg:
		return m.handleKey(msg)
	}
	return m, nil
}

// applyState adopts st and keeps cursors within the new bounds.
func (m Model) applyState(st viewmodel.MainScreenState) Model {
	prevAccount, prevFolder := m.selectionKey()
	m.state = st
	m.rows = buildRows(st)
	m.toast = st.ToastMessage

	if account, folder := m.selectionKey(); account != prevAccount || folder != prevFolder {
		m.listCursor = 0
		m.listOffset = 0
		m.displayed = -1
	}
	if m.sideCursor >= len(m.rows) {
		m.sideCursor = max(len(m.rows)-1, 0)
	}
	m = m.clampList()
	m.reportDisplayed()
	return m
}

func (m Model) selectionKey() (string, string) {
	if m.state.SelectedFolder == nil {
		return m.state.SelectedAccountID, ""
	}
	return m.state.SelectedAccountID, m.state.SelectedFolder.ID
}

// buildRows flattens accounts and their loaded folders into sidebar rows.
func buildRows(st viewmodel.MainScreenState) []sidebarRow {
	var rows []sidebarRow
	for _, a := range st.Accounts {
		rows = append(rows, sidebarRow{account: a})
		fs, ok := st.FolderStates[a.ID]
		if !ok || fs.Status != folders.StatusSuccess {
			continue
		}
		for i := range fs.Folders {
			rows = append(rows, sidebarRow{account: a, folder: &fs.Folders[i]})
		}
	}
	return rows
}

// busy reports whether anything on screen is loading.
func (m Model) busy() bool {
	st := m.state
	return st.IsLoadingFolders || st.IsLoadingAccountAction ||
		st.SyncState.Kind == messages.SyncRunning || m.currentList().loading
}

// listLen is the number of rows in the message or thread list.
func (m Model) listLen() int {
	return m.currentList().len()
}

// pageHeight is how many list rows fit on screen.
func (m Model) pageHeight() int {
	// Title, status line, column header, separator, footer.
	return max(m.height-5, 1)
}

func (m Model) clampList() Model {
	n := m.listLen()
	if m.listCursor >= n {
		m.listCursor = max(n-1, 0)
	}
	if m.listCursor < 0 {
		m.listCursor = 0
	}
	h := m.pageHeight()
	if m.listCursor < m.listOffset {
		m.listOffset = m.listCursor
	}
	if m.listCursor >= m.listOffset+h {
		m.listOffset = m.listCursor - h + 1
	}
	if m.listOffset > max(n-h, 0) {
		m.listOffset = max(n-h, 0)
	}
	return m
}

// reportDisplayed tells the view model the last visible message index so
// the pager can prefetch. Only paged message lists are reported.
func (m *Model) reportDisplayed() {
	if m.state.ViewMode != mail.ViewMessages || !m.currentList().paged {
		return
	}
	n := m.listLen()
	if n == 0 {
		return
	}
	last := min(m.listOffset+m.pageHeight(), n) - 1
	if last <= m.displayed {
		return
	}
	m.displayed = last
	m.vm.MessageDisplayed(last)
}
