package tui

import (
	"context"
	"fmt"
	"regexp"
	"sync"
	"testing"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/muesli/termenv"

	"github.com/tonimelisma/melisma/internal/accounts"
	"github.com/tonimelisma/melisma/internal/auth"
	"github.com/tonimelisma/melisma/internal/flow"
	"github.com/tonimelisma/melisma/internal/folders"
	"github.com/tonimelisma/melisma/internal/mail"
	"github.com/tonimelisma/melisma/internal/viewmodel"
)

// colorProfileMu serializes tests that mutate the global lipgloss color profile.
var colorProfileMu sync.Mutex

// forcePlainProfile renders without escape sequences so tests can assert
// on layout, restoring the original profile via t.Cleanup.
func forcePlainProfile(t *testing.T) {
	t.Helper()
	colorProfileMu.Lock()
	orig := lipgloss.ColorProfile()
	lipgloss.SetColorProfile(termenv.Ascii)
	t.Cleanup(func() {
		lipgloss.SetColorProfile(orig)
		colorProfileMu.Unlock()
	})
}

var ansiPattern = regexp.MustCompile(`\x1b\[[0-9;?]*[ -/]*[@-~]`)

func stripANSI(s string) string {
	return ansiPattern.ReplaceAllString(s, "")
}

// testNow pins the clock used for list dates.
var testNow = time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

// fakeVM records intents and publishes whatever state the test sets.
type fakeVM struct {
	state *flow.State[viewmodel.MainScreenState]

	mu    sync.Mutex
	calls []string
}

func newFakeVM(st viewmodel.MainScreenState) *fakeVM {
	return &fakeVM{state: flow.NewState(st)}
}

func (f *fakeVM) record(format string, args ...any) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, fmt.Sprintf(format, args...))
}

func (f *fakeVM) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func (f *fakeVM) State() *flow.State[viewmodel.MainScreenState] { return f.state }

func (f *fakeVM) SelectFolder(accountID string, folder mail.Folder) {
	f.record("select %s/%s", accountID, folder.ID)
}

func (f *fakeVM) AddAccount(ui auth.Prompter, p mail.ProviderType) { f.record("add %s", p) }

func (f *fakeVM) RemoveAccount(account mail.Account) { f.record("remove %s", account.ID) }

func (f *fakeVM) RefreshAllFolders(ui auth.Prompter) { f.record("refresh folders") }

func (f *fakeVM) RefreshMessages(ui auth.Prompter) { f.record("refresh messages") }

func (f *fakeVM) SetViewModePreference(mode mail.ViewMode) { f.record("view %s", mode) }

func (f *fakeVM) ToastMessageShown(shown string) { f.record("toast shown %s", shown) }

func (f *fakeVM) MessageDisplayed(index int) { f.record("displayed %d", index) }

var _ ViewModel = (*fakeVM)(nil)

var (
	testAccount = mail.Account{
		ID:           "GOOGLE:1",
		Username:     "alice@example.com",
		EmailAddress: "alice@example.com",
		Provider:     mail.ProviderGoogle,
	}
	testInbox = mail.Folder{ID: "inbox", DisplayName: "Inbox", Type: mail.FolderInbox, UnreadItemCount: 3}
	testSent  = mail.Folder{ID: "sent", DisplayName: "Sent", Type: mail.FolderSent}
)

// baseState is an initialized screen with one account and two loaded
// folders, nothing selected.
func baseState() viewmodel.MainScreenState {
	return viewmodel.MainScreenState{
		AuthState:        accounts.AuthState{Phase: accounts.AuthInitialized},
		OverallAuthState: accounts.AtLeastOneAccountAuthenticated,
		Accounts:         []mail.Account{testAccount},
		FolderStates: folders.States{
			testAccount.ID: {Status: folders.StatusSuccess, Folders: []mail.Folder{testInbox, testSent}},
		},
		ViewMode: mail.ViewThreads,
		IsOnline: true,
	}
}

// selected returns st with the inbox selected.
func selected(st viewmodel.MainScreenState) viewmodel.MainScreenState {
	inbox := testInbox
	st.SelectedAccountID = testAccount.ID
	st.SelectedFolder = &inbox
	return st
}

func makeMessages(n int) []mail.Message {
	msgs := make([]mail.Message, n)
	for i := range msgs {
		msgs[i] = mail.Message{
			ID:         fmt.Sprintf("m%d", i),
			Subject:    fmt.Sprintf("Subject %d", i),
			SenderName: "Bob",
			ReceivedAt: testNow.Add(-time.Duration(i) * time.Hour),
			IsRead:     i%2 == 0,
		}
	}
	return msgs
}

// newTestModel builds a model over a fake view model publishing st.
func newTestModel(t *testing.T, st viewmodel.MainScreenState) (Model, *fakeVM) {
	t.Helper()
	vm := newFakeVM(st)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	m := New(ctx, vm, Options{Version: "test", Now: func() time.Time { return testNow }})
	return m, vm
}

func key(r rune) tea.KeyMsg {
	return tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune{r}}
}

func keyEnter() tea.KeyMsg { return tea.KeyMsg{Type: tea.KeyEnter} }

func keyEsc() tea.KeyMsg { return tea.KeyMsg{Type: tea.KeyEscape} }

func keyTab() tea.KeyMsg { return tea.KeyMsg{Type: tea.KeyTab} }

func keyDown() tea.KeyMsg { return tea.KeyMsg{Type: tea.KeyDown} }

// sendKey sends a key message to the model and returns the updated concrete Model.
func sendKey(t *testing.T, m Model, k tea.KeyMsg) (Model, tea.Cmd) {
	t.Helper()
	newM, cmd := m.Update(k)
	return newM.(Model), cmd
}

// sendMsg sends any tea.Msg through Update and returns the concrete Model.
func sendMsg(t *testing.T, m Model, msg tea.Msg) (Model, tea.Cmd) {
	t.Helper()
	newM, cmd := m.Update(msg)
	return newM.(Model), cmd
}

func assertModal(t *testing.T, m Model, expected modalType) {
	t.Helper()
	if m.modal != expected {
		t.Errorf("expected modal %v, got %v", expected, m.modal)
	}
}

func assertCalls(t *testing.T, vm *fakeVM, want ...string) {
	t.Helper()
	got := vm.Calls()
	if len(got) != len(want) {
		t.Fatalf("calls = %q, want %q", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("calls = %q, want %q", got, want)
		}
	}
}
