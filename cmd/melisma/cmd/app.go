package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/tonimelisma/melisma/internal/accounts"
	"github.com/tonimelisma/melisma/internal/auth"
	"github.com/tonimelisma/melisma/internal/config"
	"github.com/tonimelisma/melisma/internal/dispatch"
	"github.com/tonimelisma/melisma/internal/flow"
	"github.com/tonimelisma/melisma/internal/folders"
	"github.com/tonimelisma/melisma/internal/gmail"
	"github.com/tonimelisma/melisma/internal/graph"
	"github.com/tonimelisma/melisma/internal/mail"
	"github.com/tonimelisma/melisma/internal/messages"
	"github.com/tonimelisma/melisma/internal/netmon"
	"github.com/tonimelisma/melisma/internal/oauth"
	"github.com/tonimelisma/melisma/internal/prefs"
	"github.com/tonimelisma/melisma/internal/provider"
	"github.com/tonimelisma/melisma/internal/store"
	"github.com/tonimelisma/melisma/internal/threads"
	"github.com/tonimelisma/melisma/internal/viewmodel"
)

const probeTimeout = 5 * time.Second

// app is the wired object graph shared by every command that talks to a
// mail provider.
type app struct {
	log      *slog.Logger
	store    *store.Store
	prefs    *prefs.Repository
	registry *provider.Registry
	scope    *dispatch.Scope

	accounts *accounts.Repository
	folders  *folders.Repository
	messages *messages.Repository
	threads  *threads.Repository
	pages    *messages.PagedRepository
	monitor  *netmon.Monitor

	vm *viewmodel.ViewModel
}

// openStore opens the database and applies the schema.
func openStore() (*store.Store, error) {
	s, err := store.Open(cfg.DatabasePath())
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := s.InitSchema(); err != nil {
		_ = s.Close()
		return nil, fmt.Errorf("init schema: %w", err)
	}
	return s, nil
}

// openApp wires the store, auth clients and repositories. The returned
// app must be closed.
func openApp(ctx context.Context, log *slog.Logger) (*app, error) {
	s, err := openStore()
	if err != nil {
		return nil, err
	}

	p, err := prefs.NewRepository(s, log)
	if err != nil {
		_ = s.Close()
		return nil, fmt.Errorf("load preferences: %w", err)
	}

	if removed, err := s.PruneCache(p.Current().CacheLimitBytes()); err != nil {
		log.Warn("cache prune failed", "error", err)
	} else if removed > 0 {
		log.Info("pruned message cache", "removed", removed)
	}

	registry, err := buildRegistry(ctx, s, log)
	if err != nil {
		_ = s.Close()
		return nil, err
	}

	scope := dispatch.NewScope(ctx, log)
	a := &app{
		log:      log,
		store:    s,
		prefs:    p,
		registry: registry,
		scope:    scope,
		accounts: accounts.NewRepository(scope, registry),
		folders:  folders.NewRepository(scope, registry),
		messages: messages.NewRepository(scope, registry, p),
		threads:  threads.NewRepository(scope, registry, p),
		pages:    messages.NewPagedRepository(scope, registry, s, p),
		monitor: netmon.New(
			netmon.DialProber{Address: cfg.Connectivity.ProbeAddress, Timeout: probeTimeout},
			cfg.ProbeInterval(),
			log,
		),
	}
	return a, nil
}

// openTokenStore returns the configured token backend.
func openTokenStore() (oauth.TokenStore, error) {
	if cfg.OAuth.TokenStore == config.TokenStoreKeyring {
		ks, err := oauth.OpenKeyringTokenStore(cfg.TokensDir())
		if err != nil {
			return nil, err
		}
		return ks, nil
	}
	return oauth.NewFileTokenStore(cfg.TokensDir()), nil
}

// buildRegistry creates one capability per configured provider and loads
// each auth client's persisted accounts.
func buildRegistry(ctx context.Context, s *store.Store, log *slog.Logger) (*provider.Registry, error) {
	tokens, err := openTokenStore()
	if err != nil {
		return nil, fmt.Errorf("open token store: %w", err)
	}
	opts := oauth.Options{
		Tokens:       tokens,
		Accounts:     s,
		Logger:       log,
		RedirectPort: cfg.RedirectPort(),
	}

	var (
		caps     []*provider.Capability
		managers []*oauth.Manager
	)

	if cfg.OAuth.GoogleClientSecrets != "" {
		mgr, err := oauth.NewGoogle(cfg.OAuth.GoogleClientSecrets, opts)
		if err != nil {
			return nil, wrapOAuthError(fmt.Errorf("google oauth: %w", err))
		}
		remote := gmail.NewClient(
			gmail.WithLogger(log),
			gmail.WithRateLimiter(gmail.NewRateLimiter(cfg.Sync.GmailQPS)),
		)
		caps = append(caps, &provider.Capability{
			Type:   mail.ProviderGoogle,
			Auth:   mgr,
			Tokens: auth.NewTokenProvider(mgr, log),
			Remote: remote,
			Scopes: oauth.GoogleScopes,
		})
		managers = append(managers, mgr)
	}

	if cfg.OAuth.MicrosoftClientID != "" {
		mgr, err := oauth.NewMicrosoft(cfg.OAuth.MicrosoftClientID, cfg.OAuth.MicrosoftTenant, opts)
		if err != nil {
			return nil, fmt.Errorf("microsoft oauth: %w", err)
		}
		remote := graph.NewClient(
			graph.WithLogger(log),
			graph.WithRateLimit(rate.Limit(cfg.Sync.GraphRPS), cfg.Sync.GraphBurst),
		)
		caps = append(caps, &provider.Capability{
			Type:   mail.ProviderMicrosoft,
			Auth:   mgr,
			Tokens: auth.NewTokenProvider(mgr, log),
			Remote: remote,
			Scopes: oauth.MicrosoftScopes,
		})
		managers = append(managers, mgr)
	}

	if len(caps) == 0 {
		return nil, errOAuthNotConfigured()
	}

	registry, err := provider.NewRegistry(caps...)
	if err != nil {
		return nil, err
	}

	// A failed Init surfaces through the account repository's auth state.
	for _, mgr := range managers {
		if err := mgr.Init(ctx); err != nil {
			log.Warn("auth client init failed", "provider", mgr.Provider(), "error", err)
		}
	}
	return registry, nil
}

// viewModel builds the screen state holder on first use.
func (a *app) viewModel() *viewmodel.ViewModel {
	if a.vm == nil {
		a.vm = viewmodel.New(a.scope, viewmodel.Deps{
			Accounts:     a.accounts,
			Folders:      a.folders,
			Messages:     a.messages,
			Threads:      a.threads,
			Pages:        a.pages,
			Prefs:        a.prefs,
			Connectivity: a.monitor.Online(),
			Paging:       cfg.Paging(),
		})
	}
	return a.vm
}

// waitForAccounts blocks until the account repository has settled and
// returns the known accounts.
func (a *app) waitForAccounts(ctx context.Context) ([]mail.Account, error) {
	st, err := flow.WaitFor(ctx, flow.Readable[accounts.AuthState](a.accounts.AuthState()), func(s accounts.AuthState) bool {
		return s.Phase != accounts.AuthInitializing
	})
	if err != nil {
		return nil, err
	}
	if st.Phase == accounts.AuthInitializationError {
		return nil, fmt.Errorf("initialize accounts: %w", st.Err)
	}
	if _, err := flow.WaitFor(ctx, flow.Readable[accounts.OverallAuthState](a.accounts.OverallAuthState()), func(s accounts.OverallAuthState) bool {
		return s != accounts.OverallUnknown
	}); err != nil {
		return nil, err
	}
	return a.accounts.Accounts().Value(), nil
}

// lookupAccount waits for accounts and resolves ref against them.
func (a *app) lookupAccount(ctx context.Context, ref string) (mail.Account, error) {
	accts, err := a.waitForAccounts(ctx)
	if err != nil {
		return mail.Account{}, err
	}
	acct, ok := resolveAccount(accts, ref)
	if !ok {
		return mail.Account{}, fmt.Errorf("account %q not found (run 'melisma accounts list')", ref)
	}
	return acct, nil
}

// Close cancels background work and closes the database.
func (a *app) Close() error {
	a.scope.Close()
	return a.store.Close()
}

// resolveAccount matches ref against account ids first, then email
// addresses and usernames case-insensitively.
func resolveAccount(accts []mail.Account, ref string) (mail.Account, bool) {
	if ref == "" {
		return mail.Account{}, false
	}
	if acct, ok := mail.FindAccount(accts, ref); ok {
		return acct, true
	}
	for _, acct := range accts {
		if strings.EqualFold(acct.EmailAddress, ref) || strings.EqualFold(acct.Username, ref) {
			return acct, true
		}
	}
	return mail.Account{}, false
}
