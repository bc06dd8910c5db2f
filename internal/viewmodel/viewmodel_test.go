package viewmodel_test

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/tonimelisma/melisma/internal/accounts"
	"github.com/tonimelisma/melisma/internal/dispatch"
	"github.com/tonimelisma/melisma/internal/flow"
	"github.com/tonimelisma/melisma/internal/folders"
	"github.com/tonimelisma/melisma/internal/mail"
	"github.com/tonimelisma/melisma/internal/mailerr"
	"github.com/tonimelisma/melisma/internal/messages"
	"github.com/tonimelisma/melisma/internal/prefs"
	"github.com/tonimelisma/melisma/internal/target"
	"github.com/tonimelisma/melisma/internal/testutil"
	"github.com/tonimelisma/melisma/internal/testutil/mailtest"
	"github.com/tonimelisma/melisma/internal/threads"
	"github.com/tonimelisma/melisma/internal/viewmodel"
)

var (
	inbox   = mail.Folder{ID: "INBOX", DisplayName: "Inbox", Type: mail.FolderInbox}
	sent    = mail.Folder{ID: "SENT", DisplayName: "Sent", Type: mail.FolderSent}
	drafts  = mail.Folder{ID: "DRAFT", DisplayName: "Drafts", Type: mail.FolderDrafts}
	archive = mail.Folder{ID: "arch", DisplayName: "Archive", Type: mail.FolderArchive}
)

type env struct {
	vm     *viewmodel.ViewModel
	google *mailtest.Provider
	ms     *mailtest.Provider
	online *flow.State[bool]
	a      mail.Account
	b      mail.Account
	// releaseB lets B's folder listing complete. It is held so that A's
	// folders always load first.
	releaseB func()
}

// newEnv wires a view model over account A (Google) and B (Microsoft).
// aFolders defaults to [Sent, Inbox]. B's folder listing is held until
// releaseB is called.
func newEnv(t *testing.T, aFolders ...mail.Folder) *env {
	t.Helper()
	if len(aFolders) == 0 {
		aFolders = []mail.Folder{sent, inbox}
	}
	scope := dispatch.NewScope(context.Background(), slog.New(slog.NewTextHandler(io.Discard, nil)))
	t.Cleanup(scope.Close)

	a := mailtest.Account(mail.ProviderGoogle, "a", "a@example.com")
	b := mailtest.Account(mail.ProviderMicrosoft, "b", "b@contoso.com")
	g := mailtest.NewProvider(mail.ProviderGoogle, a)
	m := mailtest.NewProvider(mail.ProviderMicrosoft, b)
	g.Remote.SetFolders(a.ID, aFolders...)
	m.Remote.SetFolders(b.ID, archive)
	g.Remote.SetMessages(a.ID, inbox.ID, mail.Message{ID: "a-in", ThreadID: "t1", Subject: "hello"})
	g.Remote.SetMessages(a.ID, sent.ID, mail.Message{ID: "a-sent", ThreadID: "t2"})
	m.Remote.SetMessages(b.ID, archive.ID, mail.Message{ID: "b-arch"})
	releaseB := m.Remote.Block(b.ID)
	t.Cleanup(releaseB)

	registry := mailtest.NewRegistry(t, g, m)
	st := testutil.NewTestStore(t)
	p, err := prefs.NewRepository(st, nil)
	testutil.MustNoErr(t, err, "prefs")
	testutil.MustNoErr(t, p.Set(prefs.KeyInitialSyncDays, "0"), "sync window")
	online := flow.NewState(true)

	vm := viewmodel.New(scope, viewmodel.Deps{
		Accounts:     accounts.NewRepository(scope, registry),
		Folders:      folders.NewRepository(scope, registry),
		Messages:     messages.NewRepository(scope, registry, p),
		Threads:      threads.NewRepository(scope, registry, p),
		Pages:        messages.NewPagedRepository(scope, registry, st, p),
		Prefs:        p,
		Connectivity: online,
		Paging:       messages.PagingConfig{PageSize: 2, PrefetchDistance: 1, InitialLoadSize: 2},
	})
	return &env{vm: vm, google: g, ms: m, online: online, a: a, b: b, releaseB: releaseB}
}

func (e *env) wait(t *testing.T, msg string, pred func(viewmodel.MainScreenState) bool) viewmodel.MainScreenState {
	t.Helper()
	return testutil.WaitState(t, e.vm.State(), msg, pred)
}

func (e *env) waitSelected(t *testing.T, accountID, folderID string) viewmodel.MainScreenState {
	t.Helper()
	return e.wait(t, "selection "+accountID+"/"+folderID, func(s viewmodel.MainScreenState) bool {
		return s.SelectedAccountID == accountID && s.SelectedFolder != nil && s.SelectedFolder.ID == folderID
	})
}

func (e *env) waitThreads(t *testing.T, firstID string) viewmodel.MainScreenState {
	t.Helper()
	return e.wait(t, "threads of "+firstID, func(s viewmodel.MainScreenState) bool {
		return s.ThreadState.Status == target.StatusSuccess && len(s.ThreadState.Items) > 0 &&
			s.ThreadState.Items[0].Messages[0].ID == firstID
	})
}

func TestDefaultSelection_PrefersInboxOfFirstAccount(t *testing.T) {
	e := newEnv(t)

	e.waitSelected(t, e.a.ID, inbox.ID)
	e.waitThreads(t, "a-in")
}

func TestDefaultSelection_FallsBackToFirstFolder(t *testing.T) {
	e := newEnv(t, sent, drafts)

	e.waitSelected(t, e.a.ID, sent.ID)
}

func TestDefaultSelection_LocalizedInboxName(t *testing.T) {
	localized := mail.Folder{ID: "Label_7", DisplayName: "POSTEINGANG"}
	e := newEnv(t, sent, localized)

	e.waitSelected(t, e.a.ID, localized.ID)
}

func TestDefaultSelection_SkipsAccountsWithoutFolders(t *testing.T) {
	e := newEnv(t)
	e.google.Remote.SetFoldersError(e.a.ID, &mailerr.HTTPError{Provider: "gmail", Status: 403})
	e.releaseB()

	e.waitSelected(t, e.b.ID, archive.ID)
	e.wait(t, "A forbidden", func(s viewmodel.MainScreenState) bool {
		st := s.FolderStates[e.a.ID]
		return st.Status == folders.StatusError && st.Message == mailerr.MsgForbidden
	})
}

func TestSelectFolder_SameFolderIsNoOp(t *testing.T) {
	e := newEnv(t)
	e.waitSelected(t, e.a.ID, inbox.ID)
	e.waitThreads(t, "a-in")

	e.vm.SelectFolder(e.a.ID, inbox)
	testutil.Never(t, 50*time.Millisecond, "reselect refetched", func() bool {
		return e.google.Remote.ThreadCalls(e.a.ID, inbox.ID) != 1
	})
}

func TestSelectFolder_SwitchesTarget(t *testing.T) {
	e := newEnv(t)
	e.waitSelected(t, e.a.ID, inbox.ID)

	e.vm.SelectFolder(e.b.ID, archive)
	e.waitSelected(t, e.b.ID, archive.ID)
	e.waitThreads(t, "b-arch")
	if s := e.vm.State().Value(); s.MessageState.Status != target.StatusInitial {
		t.Errorf("MessageState = %v, want initial in thread mode", s.MessageState.Status)
	}
}

func TestSelectFolder_UnknownAccount(t *testing.T) {
	e := newEnv(t)
	e.waitSelected(t, e.a.ID, inbox.ID)

	e.vm.SelectFolder("GOOGLE:nobody", inbox)
	s := e.wait(t, "toast", func(s viewmodel.MainScreenState) bool {
		return s.ToastMessage != ""
	})
	if s.ToastMessage != mailerr.MsgTargetAccountNotFound {
		t.Errorf("ToastMessage = %q", s.ToastMessage)
	}
	if s.SelectedAccountID != e.a.ID {
		t.Errorf("selection changed to %q", s.SelectedAccountID)
	}

	e.vm.ToastMessageShown(s.ToastMessage)
	e.wait(t, "toast cleared", func(s viewmodel.MainScreenState) bool { return s.ToastMessage == "" })
}

func TestToastMessageShown_KeepsNewerToast(t *testing.T) {
	e := newEnv(t)
	e.waitSelected(t, e.a.ID, inbox.ID)

	e.vm.SelectFolder("GOOGLE:nobody", inbox)
	e.wait(t, "first toast", func(s viewmodel.MainScreenState) bool {
		return s.ToastMessage == mailerr.MsgTargetAccountNotFound
	})

	c := mailtest.Account(mail.ProviderGoogle, "c", "c@example.com")
	e.google.Auth.SetSignInResult(c, nil)
	e.vm.AddAccount(nil, mail.ProviderGoogle)
	const added = "Account added: c@example.com"
	e.wait(t, "second toast", func(s viewmodel.MainScreenState) bool { return s.ToastMessage == added })

	e.vm.ToastMessageShown(mailerr.MsgTargetAccountNotFound)
	testutil.Never(t, 100*time.Millisecond, "newer toast cleared by stale acknowledgement", func() bool {
		return e.vm.State().Value().ToastMessage != added
	})

	e.vm.ToastMessageShown(added)
	e.wait(t, "toast cleared", func(s viewmodel.MainScreenState) bool { return s.ToastMessage == "" })
}

func TestViewMode_SwitchToMessages(t *testing.T) {
	e := newEnv(t)
	e.waitSelected(t, e.a.ID, inbox.ID)
	e.waitThreads(t, "a-in")

	e.vm.SetViewModePreference(mail.ViewMessages)
	s := e.wait(t, "message mode", func(s viewmodel.MainScreenState) bool {
		return s.ViewMode == mail.ViewMessages &&
			s.MessageState.Status == target.StatusSuccess &&
			s.ThreadState.Status == target.StatusInitial &&
			len(s.Page.Items) == 1
	})
	if s.MessageState.Items[0].ID != "a-in" || s.Page.Items[0].ID != "a-in" {
		t.Errorf("message mode state = %+v", s)
	}
}

func TestMessageDisplayed_LoadsNextPage(t *testing.T) {
	e := newEnv(t)
	var msgs []mail.Message
	for i := range 5 {
		msgs = append(msgs, mail.Message{ID: fmt.Sprintf("m%d", i)})
	}
	e.google.Remote.SetMessages(e.a.ID, inbox.ID, msgs...)
	e.vm.SetViewModePreference(mail.ViewMessages)

	e.wait(t, "first page", func(s viewmodel.MainScreenState) bool {
		return len(s.Page.Items) == 2 && !s.Page.Loading
	})
	e.vm.MessageDisplayed(1)
	e.wait(t, "second page", func(s viewmodel.MainScreenState) bool {
		return len(s.Page.Items) == 4 && !s.Page.Loading
	})
}

func TestAuthCleared_NoAccountsResetsEverything(t *testing.T) {
	e := newEnv(t)
	e.vm.SetViewModePreference(mail.ViewMessages)
	e.waitSelected(t, e.a.ID, inbox.ID)
	e.wait(t, "content loaded", func(s viewmodel.MainScreenState) bool {
		return s.MessageState.Status == target.StatusSuccess && len(s.Page.Items) > 0
	})

	e.google.Auth.SetAccounts()
	e.ms.Auth.SetAccounts()

	s := e.wait(t, "cleared", func(s viewmodel.MainScreenState) bool {
		return s.OverallAuthState == accounts.NoAccountsConfigured &&
			!s.HasSelection() &&
			s.MessageState.Status == target.StatusInitial &&
			s.ThreadState.Status == target.StatusInitial &&
			len(s.Page.Items) == 0
	})
	if s.SelectedAccountID != "" {
		t.Errorf("SelectedAccountID = %q", s.SelectedAccountID)
	}
	if len(s.FolderStates) != 0 {
		t.Errorf("FolderStates = %v, want empty", s.FolderStates)
	}
}

func TestAuthCleared_AllNeedReauthentication(t *testing.T) {
	e := newEnv(t)
	e.waitSelected(t, e.a.ID, inbox.ID)

	a, b := e.a, e.b
	a.NeedsReauthentication = true
	b.NeedsReauthentication = true
	e.google.Auth.SetAccounts(a)
	e.ms.Auth.SetAccounts(b)

	e.wait(t, "cleared", func(s viewmodel.MainScreenState) bool {
		return s.OverallAuthState == accounts.AllAccountsNeedReauthentication && !s.HasSelection()
	})
}

func TestRemoveSelectedAccount_SelectsNextAccount(t *testing.T) {
	e := newEnv(t)
	e.waitSelected(t, e.a.ID, inbox.ID)
	e.releaseB()

	e.vm.RemoveAccount(e.a)
	e.waitSelected(t, e.b.ID, archive.ID)
	s := e.wait(t, "toast", func(s viewmodel.MainScreenState) bool { return s.ToastMessage != "" })
	if s.ToastMessage != "Account removed: a@example.com" {
		t.Errorf("ToastMessage = %q", s.ToastMessage)
	}
}

func TestAddAccount_ShowsToast(t *testing.T) {
	e := newEnv(t)
	c := mailtest.Account(mail.ProviderGoogle, "c", "c@example.com")
	e.google.Auth.SetSignInResult(c, nil)

	e.vm.AddAccount(nil, mail.ProviderGoogle)
	s := e.wait(t, "added", func(s viewmodel.MainScreenState) bool {
		return s.ToastMessage != "" && len(s.Accounts) == 3 && !s.IsLoadingAccountAction
	})
	if s.ToastMessage != "Account added: c@example.com" {
		t.Errorf("ToastMessage = %q", s.ToastMessage)
	}
}

func TestReconnect_RefreshesFoldersAndTarget(t *testing.T) {
	e := newEnv(t)
	e.waitSelected(t, e.a.ID, inbox.ID)
	e.waitThreads(t, "a-in")
	e.releaseB()
	e.wait(t, "B folders loaded", func(s viewmodel.MainScreenState) bool {
		return s.FolderStates[e.b.ID].Status == folders.StatusSuccess
	})

	e.online.Set(false)
	e.wait(t, "offline", func(s viewmodel.MainScreenState) bool { return !s.IsOnline })
	e.online.Set(true)
	e.wait(t, "online", func(s viewmodel.MainScreenState) bool { return s.IsOnline })

	testutil.Eventually(t, "refresh after reconnect", func() bool {
		return e.google.Remote.FolderCalls(e.a.ID) == 2 &&
			e.ms.Remote.FolderCalls(e.b.ID) == 2 &&
			e.google.Remote.ThreadCalls(e.a.ID, inbox.ID) == 2
	})
}
