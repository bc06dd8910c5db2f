package tui

import (
	"errors"
	"strings"
	"testing"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/tonimelisma/melisma/internal/accounts"
	"github.com/tonimelisma/melisma/internal/folders"
	"github.com/tonimelisma/melisma/internal/mail"
	"github.com/tonimelisma/melisma/internal/target"
	"github.com/tonimelisma/melisma/internal/viewmodel"
)

// render sizes the model and returns its plain view.
func render(t *testing.T, m Model, width, height int) string {
	t.Helper()
	m, _ = sendMsg(t, m, tea.WindowSizeMsg{Width: width, Height: height})
	return stripANSI(m.View())
}

func assertContains(t *testing.T, out string, want ...string) {
	t.Helper()
	for _, w := range want {
		if !strings.Contains(out, w) {
			t.Errorf("view missing %q:\n%s", w, out)
		}
	}
}

func TestViewLayout(t *testing.T) {
	forcePlainProfile(t)
	st := selected(baseState())
	st.ThreadState = threadState(3)
	m, _ := newTestModel(t, st)

	out := render(t, m, 100, 20)
	lines := strings.Split(out, "\n")
	if len(lines) != 20 {
		t.Errorf("view has %d lines, want 20", len(lines))
	}
	for i, line := range lines {
		if w := lipgloss.Width(line); w > 100 {
			t.Errorf("line %d is %d cells wide, want <= 100: %q", i, w, line)
		}
	}
	assertContains(t, out,
		"melisma test",
		"1 account",
		"alice@example.com > Inbox",
		"Inbox",
		"Sent",
		"Subject 0",
		"12:00",
		"Participants",
	)
}

func TestViewMessagesMode(t *testing.T) {
	forcePlainProfile(t)
	st := selected(baseState())
	st.ViewMode = mail.ViewMessages
	st.MessageState = target.State[mail.Message]{Status: target.StatusSuccess, Items: makeMessages(3)}
	m, _ := newTestModel(t, st)

	out := render(t, m, 100, 20)
	assertContains(t, out, "From", "Bob", "Subject 1", "* Bob", "11:00")
}

func TestViewTitleFlags(t *testing.T) {
	forcePlainProfile(t)
	st := baseState()
	st.IsOnline = false
	st.OverallAuthState = accounts.PartialAccountsNeedReauthentication
	m, _ := newTestModel(t, st)

	assertContains(t, render(t, m, 120, 10), "offline", "some accounts need sign-in")
}

func TestViewAuthPhases(t *testing.T) {
	forcePlainProfile(t)

	t.Run("initializing", func(t *testing.T) {
		m, _ := newTestModel(t, viewmodel.MainScreenState{})
		assertContains(t, render(t, m, 80, 10), "Starting...")
	})

	t.Run("error", func(t *testing.T) {
		st := viewmodel.MainScreenState{
			AuthState: accounts.AuthState{Phase: accounts.AuthInitializationError, Err: errors.New("keyring locked")},
		}
		m, _ := newTestModel(t, st)
		assertContains(t, render(t, m, 80, 10), "keyring locked")
	})
}

func TestViewEmptyStates(t *testing.T) {
	forcePlainProfile(t)

	tests := []struct {
		name  string
		state func() viewmodel.MainScreenState
		want  string
	}{
		{
			name: "no accounts",
			state: func() viewmodel.MainScreenState {
				st := baseState()
				st.Accounts = nil
				return st
			},
			want: "No accounts configured",
		},
		{
			name:  "no selection",
			state: baseState,
			want:  "Select a folder",
		},
		{
			name: "loading",
			state: func() viewmodel.MainScreenState {
				st := selected(baseState())
				st.ThreadState = target.State[mail.Thread]{Status: target.StatusLoading}
				return st
			},
			want: "Loading...",
		},
		{
			name: "error",
			state: func() viewmodel.MainScreenState {
				st := selected(baseState())
				st.ThreadState = target.State[mail.Thread]{Status: target.StatusError, Message: "Access denied"}
				return st
			},
			want: "Access denied",
		},
		{
			name: "no threads",
			state: func() viewmodel.MainScreenState {
				st := selected(baseState())
				st.ThreadState = target.State[mail.Thread]{Status: target.StatusSuccess}
				return st
			},
			want: "No conversations",
		},
		{
			name: "no messages",
			state: func() viewmodel.MainScreenState {
				st := selected(baseState())
				st.ViewMode = mail.ViewMessages
				st.MessageState = target.State[mail.Message]{Status: target.StatusSuccess}
				return st
			},
			want: "No messages",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m, _ := newTestModel(t, tt.state())
			assertContains(t, render(t, m, 100, 12), tt.want)
		})
	}
}

func TestViewFolderError(t *testing.T) {
	forcePlainProfile(t)
	st := baseState()
	st.FolderStates[testAccount.ID] = folders.FetchState{Status: folders.StatusError, Message: "Server unavailable"}
	m, _ := newTestModel(t, st)

	out := render(t, m, 100, 12)
	assertContains(t, out, "alice@example.com", "Server unavailable")
	if strings.Contains(out, "Inbox") {
		t.Error("failed account still lists folders")
	}
}

func TestViewToastReplacesStatus(t *testing.T) {
	forcePlainProfile(t)
	st := selected(baseState())
	st.ToastMessage = "Account added."
	m, _ := newTestModel(t, st)

	out := render(t, m, 100, 12)
	assertContains(t, out, "Account added.")
	if strings.Contains(out, "alice@example.com > Inbox") {
		t.Error("breadcrumb shown while a toast is up")
	}
}

func TestViewModals(t *testing.T) {
	forcePlainProfile(t)

	tests := []struct {
		name string
		keys []tea.KeyMsg
		want []string
	}{
		{"add", []tea.KeyMsg{key('a')}, []string{"Add account", "Google", "Microsoft"}},
		{"remove", []tea.KeyMsg{key('x')}, []string{"Remove account", "alice@example.com"}},
		{"help", []tea.KeyMsg{key('?')}, []string{"Keys", "refresh folders"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m, _ := newTestModel(t, baseState())
			for _, k := range tt.keys {
				m, _ = sendKey(t, m, k)
			}
			assertContains(t, render(t, m, 100, 30), tt.want...)
		})
	}
}
