// Package viewmodel merges every repository into one MainScreenState and
// runs the folder-selection state machine behind the UI intents.
package viewmodel

import (
	"context"
	"errors"
	"log/slog"

	"github.com/tonimelisma/melisma/internal/accounts"
	"github.com/tonimelisma/melisma/internal/auth"
	"github.com/tonimelisma/melisma/internal/dispatch"
	"github.com/tonimelisma/melisma/internal/flow"
	"github.com/tonimelisma/melisma/internal/folders"
	"github.com/tonimelisma/melisma/internal/mail"
	"github.com/tonimelisma/melisma/internal/mailerr"
	"github.com/tonimelisma/melisma/internal/messages"
	"github.com/tonimelisma/melisma/internal/prefs"
	"github.com/tonimelisma/melisma/internal/target"
	"github.com/tonimelisma/melisma/internal/threads"
)

// MainScreenState is the snapshot the UI renders. It is recomputed on every
// upstream change and never mutated after publication.
type MainScreenState struct {
	AuthState        accounts.AuthState
	OverallAuthState accounts.OverallAuthState
	Accounts         []mail.Account
	FolderStates     folders.States

	SelectedAccountID string
	SelectedFolder    *mail.Folder

	MessageState target.State[mail.Message]
	ThreadState  target.State[mail.Thread]
	SyncState    messages.SyncState
	Page         messages.PageSnapshot
	ViewMode     mail.ViewMode

	ToastMessage           string
	IsLoadingAccountAction bool
	IsLoadingFolders       bool
	IsOnline               bool
}

// HasSelection reports whether a folder is selected.
func (s MainScreenState) HasSelection() bool {
	return s.SelectedFolder != nil
}

// Deps are the repositories a ViewModel composes.
type Deps struct {
	Accounts *accounts.Repository
	Folders  *folders.Repository
	Messages *messages.Repository
	Threads  *threads.Repository
	Pages    *messages.PagedRepository
	Prefs    *prefs.Repository
	// Connectivity reports whether the network is reachable. Nil means
	// always online.
	Connectivity flow.Readable[bool]
	// Paging configures the pager created for each selection.
	Paging messages.PagingConfig
}

// ViewModel is the state holder behind the UI. Every input is applied on
// its serial queue.
type ViewModel struct {
	scope  *dispatch.Scope
	queue  *dispatch.Serial
	logger *slog.Logger
	d      Deps
	state  *flow.State[MainScreenState]

	// Owned by queue.
	cur         MainScreenState
	pager       *messages.Pager
	pagerJob    *dispatch.Job
	pagerLoaded bool
}

// New creates a view model and starts collecting its inputs.
func New(scope *dispatch.Scope, d Deps) *ViewModel {
	initial := MainScreenState{
		FolderStates: folders.States{},
		ViewMode:     d.Prefs.Current().ViewMode,
		IsOnline:     true,
	}
	vm := &ViewModel{
		scope:  scope,
		queue:  scope.Serial("viewmodel"),
		logger: scope.Logger().With("component", "viewmodel"),
		d:      d,
		state:  flow.NewState(initial),
		cur:    initial,
	}

	watch(vm, "auth", d.Accounts.AuthState(), func(s accounts.AuthState) {
		vm.cur.AuthState = s
	})
	watch(vm, "overall", d.Accounts.OverallAuthState(), vm.onOverallAuthState)
	watch(vm, "accounts", d.Accounts.Accounts(), vm.onAccounts)
	watch(vm, "account-action", d.Accounts.IsLoadingAccountAction(), func(b bool) {
		vm.cur.IsLoadingAccountAction = b
	})
	watch(vm, "account-message", d.Accounts.AccountActionMessage(), func(msg string) {
		if msg != "" {
			vm.cur.ToastMessage = msg
		}
	})
	watch(vm, "folders", d.Folders.Observe(), vm.onFolders)
	watch(vm, "messages", d.Messages.Observe(), func(s target.State[mail.Message]) {
		vm.cur.MessageState = s
	})
	watch(vm, "threads", d.Threads.Observe(), func(s target.State[mail.Thread]) {
		vm.cur.ThreadState = s
	})
	watch(vm, "sync", d.Pages.SyncState(), func(s messages.SyncState) {
		vm.cur.SyncState = s
	})
	watch(vm, "prefs", d.Prefs.Observe(), vm.onPreferences)
	if d.Connectivity != nil {
		watch(vm, "connectivity", d.Connectivity, vm.onConnectivity)
	}
	return vm
}

// watch forwards every value of s to apply on the view model's queue and
// republishes the merged state.
func watch[T any](vm *ViewModel, name string, s flow.Readable[T], apply func(T)) {
	vm.scope.Launch("viewmodel:"+name, func(ctx context.Context) {
		for v := range s.Subscribe(ctx) {
			vm.queue.Go(func() {
				apply(v)
				vm.publish()
			})
		}
	})
}

func (vm *ViewModel) publish() {
	vm.state.Set(vm.cur)
}

// State returns the merged screen state.
func (vm *ViewModel) State() *flow.State[MainScreenState] {
	return vm.state
}

func (vm *ViewModel) onOverallAuthState(s accounts.OverallAuthState) {
	vm.cur.OverallAuthState = s
	if !s.Usable() {
		vm.clearSelection()
		return
	}
	vm.trySelectDefault()
}

func (vm *ViewModel) onAccounts(accts []mail.Account) {
	vm.cur.Accounts = accts
	vm.d.Folders.ManageObservedAccounts(accts)
	if vm.cur.SelectedAccountID != "" {
		if _, ok := mail.FindAccount(accts, vm.cur.SelectedAccountID); !ok {
			vm.logger.Info("selected account removed", "account", vm.cur.SelectedAccountID)
			vm.clearSelection()
		}
	}
	vm.trySelectDefault()
}

func (vm *ViewModel) onFolders(s folders.States) {
	vm.cur.FolderStates = s
	vm.cur.IsLoadingFolders = s.AnyLoading()
	vm.trySelectDefault()
}

func (vm *ViewModel) onPreferences(p prefs.Preferences) {
	if p.ViewMode == vm.cur.ViewMode {
		return
	}
	vm.cur.ViewMode = p.ViewMode
	vm.applyTargets()
}

func (vm *ViewModel) onConnectivity(online bool) {
	reconnected := online && !vm.cur.IsOnline
	vm.cur.IsOnline = online
	if !reconnected {
		return
	}
	vm.logger.Info("back online, refreshing")
	vm.d.Folders.RefreshAllFolders(nil)
	vm.refreshTarget(nil)
}

func (vm *ViewModel) trySelectDefault() {
	if vm.cur.HasSelection() || !vm.cur.OverallAuthState.Usable() {
		return
	}
	accountID, folder, ok := defaultSelection(vm.cur.Accounts, vm.cur.FolderStates)
	if !ok {
		return
	}
	vm.logger.Debug("default selection", "account", accountID, "folder", folder.ID)
	vm.selectFolder(accountID, folder)
}

// SelectFolder selects folder of accountID. Reselecting the current folder
// does nothing.
func (vm *ViewModel) SelectFolder(accountID string, folder mail.Folder) {
	vm.queue.Go(func() {
		vm.selectFolder(accountID, folder)
		vm.publish()
	})
}

func (vm *ViewModel) selectFolder(accountID string, folder mail.Folder) {
	if vm.cur.SelectedAccountID == accountID && vm.cur.SelectedFolder != nil && vm.cur.SelectedFolder.ID == folder.ID {
		return
	}
	account, ok := mail.FindAccount(vm.cur.Accounts, accountID)
	if !ok {
		vm.cur.ToastMessage = mailerr.MsgTargetAccountNotFound
		return
	}

	vm.dropPager()
	vm.cur.SelectedAccountID = accountID
	vm.cur.SelectedFolder = &folder

	pager := vm.d.Pages.MessagesPager(account, folder, vm.d.Paging)
	vm.pager = pager
	vm.pagerJob = vm.scope.Launch("viewmodel:pager", func(ctx context.Context) {
		for snap := range pager.Snapshot().Subscribe(ctx) {
			vm.queue.Go(func() {
				if vm.pager != pager {
					return
				}
				vm.cur.Page = snap
				vm.publish()
			})
		}
	})
	vm.applyTargets()
}

func (vm *ViewModel) clearSelection() {
	if !vm.cur.HasSelection() && vm.pager == nil {
		return
	}
	vm.cur.SelectedAccountID = ""
	vm.cur.SelectedFolder = nil
	vm.dropPager()
	vm.applyTargets()
}

func (vm *ViewModel) dropPager() {
	if vm.pagerJob != nil {
		vm.pagerJob.Cancel()
		vm.pagerJob = nil
	}
	if vm.pager != nil {
		vm.pager.Close()
		vm.pager = nil
	}
	vm.pagerLoaded = false
	vm.cur.Page = messages.PageSnapshot{}
}

// applyTargets points exactly one of the message and thread repositories
// at the selection, according to the view mode.
func (vm *ViewModel) applyTargets() {
	if !vm.cur.HasSelection() {
		vm.d.Messages.SetTargetFolder(nil, nil)
		vm.d.Threads.SetTargetFolder(nil, nil)
		return
	}
	account, ok := mail.FindAccount(vm.cur.Accounts, vm.cur.SelectedAccountID)
	if !ok {
		return
	}
	folder := *vm.cur.SelectedFolder

	switch vm.cur.ViewMode {
	case mail.ViewMessages:
		vm.d.Threads.SetTargetFolder(nil, nil)
		vm.d.Messages.SetTargetFolder(&account, &folder)
		vm.loadPager()
	default:
		vm.d.Messages.SetTargetFolder(nil, nil)
		vm.d.Threads.SetTargetFolder(&account, &folder)
	}
}

func (vm *ViewModel) loadPager() {
	if vm.pager == nil || vm.pagerLoaded {
		return
	}
	vm.pagerLoaded = true
	pager := vm.pager
	vm.scope.Launch("viewmodel:pager-load", func(ctx context.Context) {
		if err := pager.Load(ctx); err != nil && !errors.Is(err, context.Canceled) {
			vm.logger.Debug("initial page load failed", "error", err)
		}
	})
}

// refreshTarget refreshes whichever repository tracks the selection.
func (vm *ViewModel) refreshTarget(ui auth.Prompter) {
	if !vm.cur.HasSelection() {
		return
	}
	switch vm.cur.ViewMode {
	case mail.ViewMessages:
		vm.d.Messages.RefreshMessages(ui)
		if pager := vm.pager; pager != nil {
			vm.scope.Launch("viewmodel:pager-refresh", func(ctx context.Context) {
				_ = pager.Refresh(ctx)
			})
		}
	default:
		vm.d.Threads.RefreshThreads(ui)
	}
}

// AddAccount starts signing in a new account with provider p.
func (vm *ViewModel) AddAccount(ui auth.Prompter, p mail.ProviderType) {
	vm.d.Accounts.AddAccount(ui, nil, p)
}

// RemoveAccount starts signing account out.
func (vm *ViewModel) RemoveAccount(account mail.Account) {
	vm.d.Accounts.RemoveAccount(account)
}

// RefreshAllFolders refetches the folders of every account.
func (vm *ViewModel) RefreshAllFolders(ui auth.Prompter) {
	vm.d.Folders.RefreshAllFolders(ui)
}

// RefreshMessages refetches the selected folder's list.
func (vm *ViewModel) RefreshMessages(ui auth.Prompter) {
	vm.queue.Go(func() { vm.refreshTarget(ui) })
}

// SetViewModePreference persists the view mode. The switch itself happens
// when the preference change is observed.
func (vm *ViewModel) SetViewModePreference(mode mail.ViewMode) {
	if err := vm.d.Prefs.SetViewMode(mode); err != nil {
		vm.logger.Warn("saving view mode failed", "error", err)
		vm.queue.Go(func() {
			vm.cur.ToastMessage = mailerr.Message(err)
			vm.publish()
		})
	}
}

// ToastMessageShown clears the toast once the UI has displayed shown. A
// newer toast that replaced it stays.
func (vm *ViewModel) ToastMessageShown(shown string) {
	vm.d.Accounts.AcknowledgeAccountActionMessage(shown)
	vm.queue.Go(func() {
		if vm.cur.ToastMessage != shown {
			return
		}
		vm.cur.ToastMessage = ""
		vm.publish()
	})
}

// ClearAccountActionMessage clears the pending account action message.
func (vm *ViewModel) ClearAccountActionMessage() {
	vm.d.Accounts.ClearAccountActionMessage()
}

// MessageDisplayed tells the pager that the message at index is on
// screen, which may load the next page.
func (vm *ViewModel) MessageDisplayed(index int) {
	vm.queue.Go(func() {
		pager := vm.pager
		if pager == nil || !vm.pagerLoaded {
			return
		}
		vm.scope.Launch("viewmodel:pager-access", func(ctx context.Context) {
			_ = pager.Access(ctx, index)
		})
	})
}
