// Package mailtest provides in-memory fakes of the auth client and remote
// data source boundaries, with call counters, error injection and gates
// that hold calls open until a test releases them.
package mailtest

import (
	"context"
	"sync"

	"github.com/tonimelisma/melisma/internal/auth"
	"github.com/tonimelisma/melisma/internal/flow"
	"github.com/tonimelisma/melisma/internal/mail"
	"github.com/tonimelisma/melisma/internal/mailerr"
)

// TokenFor is the access token FakeAuth issues for an account.
func TokenFor(accountID string) string { return "token:" + accountID }

// Account builds a test account for provider p.
func Account(p mail.ProviderType, native, email string) mail.Account {
	return mail.Account{
		ID:           mail.AccountID(p, native),
		Username:     email,
		EmailAddress: email,
		Provider:     p,
	}
}

// FakeAuth is an in-memory auth.Client.
type FakeAuth struct {
	provider mail.ProviderType
	state    *flow.State[auth.ClientState]

	mu             sync.Mutex
	accounts       []mail.Account
	silentErr      map[string]error
	silentGate     chan struct{}
	interactiveErr error
	signIn         mail.Account
	signInErr      error
	signOutErr     error

	silentCalls      int
	interactiveCalls int
	signInCalls      int
	signOutCalls     int
}

var _ auth.Client = (*FakeAuth)(nil)

// NewFakeAuth creates a ready client holding accounts.
func NewFakeAuth(p mail.ProviderType, accounts ...mail.Account) *FakeAuth {
	f := &FakeAuth{
		provider:  p,
		accounts:  append([]mail.Account(nil), accounts...),
		silentErr: make(map[string]error),
	}
	f.state = flow.NewState(auth.ClientState{Phase: auth.PhaseReady, Accounts: f.snapshot()})
	return f
}

// NewInitializingFakeAuth creates a client that has not finished loading.
func NewInitializingFakeAuth(p mail.ProviderType) *FakeAuth {
	f := NewFakeAuth(p)
	f.state.Set(auth.ClientState{Phase: auth.PhaseInitializing})
	return f
}

func (f *FakeAuth) snapshot() []mail.Account {
	return append([]mail.Account(nil), f.accounts...)
}

func (f *FakeAuth) publish() {
	f.state.Set(auth.ClientState{Phase: auth.PhaseReady, Accounts: f.snapshot()})
}

// Provider implements auth.Client.
func (f *FakeAuth) Provider() mail.ProviderType { return f.provider }

// State implements auth.Client.
func (f *FakeAuth) State() *flow.State[auth.ClientState] { return f.state }

// SetAccounts replaces the account list and publishes a Ready state.
func (f *FakeAuth) SetAccounts(accounts ...mail.Account) {
	f.mu.Lock()
	f.accounts = append([]mail.Account(nil), accounts...)
	f.mu.Unlock()
	f.publish()
}

// SetPhase publishes a state with the given phase and the current accounts.
func (f *FakeAuth) SetPhase(p auth.Phase, err error) {
	f.mu.Lock()
	accts := f.snapshot()
	f.mu.Unlock()
	f.state.Set(auth.ClientState{Phase: p, Accounts: accts, Err: err})
}

// SetSilentError makes silent acquisition for accountID fail with err.
// A nil err clears the injection.
func (f *FakeAuth) SetSilentError(accountID string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err == nil {
		delete(f.silentErr, accountID)
		return
	}
	f.silentErr[accountID] = err
}

// BlockSilent holds every silent acquisition until the returned release
// function is called.
func (f *FakeAuth) BlockSilent() (release func()) {
	gate := make(chan struct{})
	f.mu.Lock()
	f.silentGate = gate
	f.mu.Unlock()
	var once sync.Once
	return func() {
		once.Do(func() {
			f.mu.Lock()
			if f.silentGate == gate {
				f.silentGate = nil
			}
			f.mu.Unlock()
			close(gate)
		})
	}
}

// SetInteractiveError makes interactive acquisition fail with err.
func (f *FakeAuth) SetInteractiveError(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.interactiveErr = err
}

// SetSignInResult configures the outcome of the next SignIn calls.
func (f *FakeAuth) SetSignInResult(account mail.Account, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.signIn = account
	f.signInErr = err
}

// SetSignOutError makes SignOut fail with err.
func (f *FakeAuth) SetSignOutError(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.signOutErr = err
}

// AcquireTokenSilent implements auth.Client.
func (f *FakeAuth) AcquireTokenSilent(ctx context.Context, account mail.Account, scopes []string) (string, error) {
	f.mu.Lock()
	f.silentCalls++
	gate := f.silentGate
	f.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.state.Value().Phase == auth.PhaseInitializing {
		return "", mailerr.ErrNotInitialized
	}
	if err := f.silentErr[account.ID]; err != nil {
		return "", err
	}
	return TokenFor(account.ID), nil
}

// AcquireTokenInteractive implements auth.Client.
func (f *FakeAuth) AcquireTokenInteractive(ctx context.Context, account mail.Account, scopes []string, ui auth.Prompter) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.interactiveCalls++
	if f.interactiveErr != nil {
		return "", f.interactiveErr
	}
	delete(f.silentErr, account.ID)
	return TokenFor(account.ID), nil
}

// SignIn implements auth.Client. On success the account is appended and a
// new state is published.
func (f *FakeAuth) SignIn(ctx context.Context, ui auth.Prompter, scopes []string) (mail.Account, error) {
	f.mu.Lock()
	f.signInCalls++
	if f.state.Value().Phase != auth.PhaseReady {
		f.mu.Unlock()
		return mail.Account{}, mailerr.ErrNotInitialized
	}
	if f.signInErr != nil {
		err := f.signInErr
		f.mu.Unlock()
		return mail.Account{}, err
	}
	acct := f.signIn
	if acct.Provider == "" {
		acct.Provider = f.provider
	}
	f.accounts = append(f.accounts, acct)
	f.mu.Unlock()
	f.publish()
	return acct, nil
}

// SignOut implements auth.Client.
func (f *FakeAuth) SignOut(ctx context.Context, account mail.Account) error {
	f.mu.Lock()
	f.signOutCalls++
	if f.signOutErr != nil {
		err := f.signOutErr
		f.mu.Unlock()
		return err
	}
	kept := f.accounts[:0:0]
	for _, a := range f.accounts {
		if a.ID != account.ID {
			kept = append(kept, a)
		}
	}
	f.accounts = kept
	f.mu.Unlock()
	f.publish()
	return nil
}

// Calls reports how many times each operation was invoked.
func (f *FakeAuth) Calls() (silent, interactive, signIn, signOut int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.silentCalls, f.interactiveCalls, f.signInCalls, f.signOutCalls
}

// SilentCalls reports the number of silent acquisitions.
func (f *FakeAuth) SilentCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.silentCalls
}
