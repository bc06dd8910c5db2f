// Package accounts aggregates the auth clients of every provider into one
// account list and auth state, and runs the add and remove account actions.
package accounts

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/tonimelisma/melisma/internal/auth"
	"github.com/tonimelisma/melisma/internal/dispatch"
	"github.com/tonimelisma/melisma/internal/flow"
	"github.com/tonimelisma/melisma/internal/mail"
	"github.com/tonimelisma/melisma/internal/mailerr"
	"github.com/tonimelisma/melisma/internal/provider"
)

// AuthPhase tags an AuthState.
type AuthPhase int

const (
	AuthInitializing AuthPhase = iota
	AuthInitialized
	AuthInitializationError
)

func (p AuthPhase) String() string {
	switch p {
	case AuthInitializing:
		return "initializing"
	case AuthInitialized:
		return "initialized"
	case AuthInitializationError:
		return "initialization error"
	}
	panic("accounts: unknown auth phase")
}

// AuthState is the readiness of the auth subsystem. Err is set only for
// AuthInitializationError.
type AuthState struct {
	Phase AuthPhase
	Err   error
}

// OverallAuthState summarizes how many configured accounts are usable.
type OverallAuthState int

const (
	OverallUnknown OverallAuthState = iota
	NoAccountsConfigured
	AtLeastOneAccountAuthenticated
	PartialAccountsNeedReauthentication
	AllAccountsNeedReauthentication
)

func (s OverallAuthState) String() string {
	switch s {
	case OverallUnknown:
		return "UNKNOWN"
	case NoAccountsConfigured:
		return "NO_ACCOUNTS_CONFIGURED"
	case AtLeastOneAccountAuthenticated:
		return "AT_LEAST_ONE_ACCOUNT_AUTHENTICATED"
	case PartialAccountsNeedReauthentication:
		return "PARTIAL_ACCOUNTS_NEED_REAUTHENTICATION"
	case AllAccountsNeedReauthentication:
		return "ALL_ACCOUNTS_NEED_REAUTHENTICATION"
	}
	panic("accounts: unknown overall auth state")
}

// Usable reports whether at least one account can fetch mail.
func (s OverallAuthState) Usable() bool {
	switch s {
	case AtLeastOneAccountAuthenticated, PartialAccountsNeedReauthentication:
		return true
	case OverallUnknown, NoAccountsConfigured, AllAccountsNeedReauthentication:
		return false
	}
	panic("accounts: unknown overall auth state")
}

// Repository is the account repository.
type Repository struct {
	scope    *dispatch.Scope
	queue    *dispatch.Serial
	registry *provider.Registry
	logger   *slog.Logger

	authState *flow.State[AuthState]
	overall   *flow.State[OverallAuthState]
	accounts  *flow.State[[]mail.Account]
	loading   *flow.State[bool]
	message   *flow.State[string]

	actionMu sync.Mutex
	pending  int

	// Owned by queue.
	latest map[mail.ProviderType]auth.ClientState
}

// NewRepository creates the repository and starts following every
// registered auth client.
func NewRepository(scope *dispatch.Scope, registry *provider.Registry) *Repository {
	r := &Repository{
		scope:     scope,
		queue:     scope.Serial("accounts"),
		registry:  registry,
		logger:    scope.Logger().With("component", "accounts"),
		authState: flow.NewState(AuthState{}),
		overall:   flow.NewState(OverallUnknown),
		accounts:  flow.NewState([]mail.Account(nil)),
		loading:   flow.NewState(false),
		message:   flow.NewState(""),
		latest:    make(map[mail.ProviderType]auth.ClientState),
	}
	for _, c := range registry.All() {
		r.follow(c)
	}
	return r
}

func (r *Repository) follow(c *provider.Capability) {
	p := c.Type
	r.scope.Launch("accounts:follow:"+string(p), func(ctx context.Context) {
		for st := range c.Auth.State().Subscribe(ctx) {
			r.queue.Go(func() {
				r.latest[p] = st
				r.recompute()
			})
		}
	})
}

// AuthState returns the aggregate auth readiness.
func (r *Repository) AuthState() *flow.State[AuthState] { return r.authState }

// OverallAuthState returns the account health summary.
func (r *Repository) OverallAuthState() *flow.State[OverallAuthState] { return r.overall }

// Accounts returns every provider's accounts, in registration order.
func (r *Repository) Accounts() *flow.State[[]mail.Account] { return r.accounts }

// IsLoadingAccountAction reports whether an add or remove is running.
func (r *Repository) IsLoadingAccountAction() *flow.State[bool] { return r.loading }

// AccountActionMessage holds the outcome of the last add or remove until
// it is cleared. Empty means no message.
func (r *Repository) AccountActionMessage() *flow.State[string] { return r.message }

// ClearAccountActionMessage clears the action message.
func (r *Repository) ClearAccountActionMessage() { r.message.Set("") }

// AcknowledgeAccountActionMessage clears the action message only while it
// still reads shown.
func (r *Repository) AcknowledgeAccountActionMessage(shown string) {
	r.message.Update(func(cur string) string {
		if cur == shown {
			return ""
		}
		return cur
	})
}

func (r *Repository) recompute() {
	var (
		accounts     []mail.Account
		initializing bool
		failed       int
		failure      error
	)
	caps := r.registry.All()
	for _, c := range caps {
		st, ok := r.latest[c.Type]
		if !ok {
			initializing = true
			continue
		}
		switch st.Phase {
		case auth.PhaseInitializing:
			initializing = true
		case auth.PhaseReady:
			accounts = append(accounts, st.Accounts...)
		case auth.PhaseFailed:
			failed++
			if failure == nil {
				failure = st.Err
			}
		}
	}

	switch {
	case failed > 0:
		if failure == nil {
			failure = mailerr.ErrNotInitialized
		}
		r.authState.Set(AuthState{Phase: AuthInitializationError, Err: failure})
	case initializing:
		r.authState.Set(AuthState{Phase: AuthInitializing})
	default:
		r.authState.Set(AuthState{Phase: AuthInitialized})
	}

	r.accounts.Set(accounts)
	r.overall.Set(overall(accounts, initializing || failed == len(caps)))
}

func overall(accounts []mail.Account, unknown bool) OverallAuthState {
	if unknown {
		return OverallUnknown
	}
	if len(accounts) == 0 {
		return NoAccountsConfigured
	}
	reauth := 0
	for _, a := range accounts {
		if a.NeedsReauthentication {
			reauth++
		}
	}
	switch reauth {
	case 0:
		return AtLeastOneAccountAuthenticated
	case len(accounts):
		return AllAccountsNeedReauthentication
	}
	return PartialAccountsNeedReauthentication
}

func (r *Repository) beginAction() {
	r.actionMu.Lock()
	defer r.actionMu.Unlock()
	r.pending++
	r.loading.Set(true)
}

func (r *Repository) endAction(msg string) {
	r.actionMu.Lock()
	defer r.actionMu.Unlock()
	if msg != "" {
		r.message.Set(msg)
	}
	r.pending--
	if r.pending == 0 {
		r.loading.Set(false)
	}
}

// AddAccount signs a new account in with provider p. Nil scopes use the
// provider's default scopes. The account list itself changes only when the
// auth client publishes its new state.
func (r *Repository) AddAccount(ui auth.Prompter, scopes []string, p mail.ProviderType) {
	r.beginAction()
	r.scope.Launch("accounts:add:"+string(p), func(ctx context.Context) {
		r.endAction(r.add(ctx, ui, scopes, p))
	})
}

func (r *Repository) add(ctx context.Context, ui auth.Prompter, scopes []string, p mail.ProviderType) string {
	c, err := r.registry.Lookup(p)
	if err != nil {
		r.logger.Warn("add account failed", "provider", string(p), "error", err)
		return mailerr.AccountAddFailed(err)
	}
	if scopes == nil {
		scopes = c.Scopes
	}
	acct, err := c.Auth.SignIn(ctx, ui, scopes)
	switch {
	case err == nil:
		r.logger.Info("account added", "account", acct.ID)
		return mailerr.AccountAdded(acct.Username)
	case errors.Is(err, mailerr.ErrUserCancelled):
		return mailerr.MsgAccountAdditionCancel
	case errors.Is(err, mailerr.ErrNotInitialized):
		return mailerr.MsgAuthNotReady
	case errors.Is(err, context.Canceled):
		return ""
	}
	r.logger.Warn("add account failed", "provider", string(p), "error", err)
	return mailerr.AccountAddFailed(err)
}

// RemoveAccount signs account out. An account the provider does not
// currently hold fails locally without calling the provider.
func (r *Repository) RemoveAccount(account mail.Account) {
	r.beginAction()
	r.scope.Launch("accounts:remove:"+account.ID, func(ctx context.Context) {
		r.endAction(r.remove(ctx, account))
	})
}

func (r *Repository) remove(ctx context.Context, account mail.Account) string {
	c, err := r.registry.ForAccount(account)
	if err != nil {
		return mailerr.MsgAccountNotFoundRemoval
	}
	if _, ok := mail.FindAccount(c.Auth.State().Value().Accounts, account.ID); !ok {
		r.logger.Warn("remove requested for unknown account", "account", account.ID)
		return mailerr.MsgAccountNotFoundRemoval
	}
	err = c.Auth.SignOut(ctx, account)
	switch {
	case err == nil:
		r.logger.Info("account removed", "account", account.ID)
		return mailerr.AccountRemoved(account.Username)
	case errors.Is(err, mailerr.ErrUserCancelled):
		return mailerr.MsgAccountRemovalCancel
	case errors.Is(err, mailerr.ErrNotInitialized):
		return mailerr.MsgAuthNotReady
	case errors.Is(err, context.Canceled):
		return ""
	}
	r.logger.Warn("remove account failed", "account", account.ID, "error", err)
	return mailerr.AccountRemoveFailed(err)
}
