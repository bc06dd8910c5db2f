// Package oauth implements the auth.Client contract for Google and
// Microsoft accounts on top of golang.org/x/oauth2: silent refresh from
// stored tokens and an interactive browser flow with PKCE.
package oauth

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"strings"
	"sync"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	"golang.org/x/oauth2/microsoft"

	"github.com/tonimelisma/melisma/internal/auth"
	"github.com/tonimelisma/melisma/internal/flow"
	"github.com/tonimelisma/melisma/internal/mail"
	"github.com/tonimelisma/melisma/internal/mailerr"
)

// Default scopes requested per provider.
var (
	GoogleScopes = []string{
		"openid",
		"email",
		"profile",
		"https://www.googleapis.com/auth/gmail.readonly",
	}
	MicrosoftScopes = []string{
		"openid",
		"profile",
		"email",
		"offline_access",
		"User.Read",
		"Mail.Read",
	}
)

// AccountStore persists the accounts a Manager has signed in.
// *store.Store satisfies it.
type AccountStore interface {
	UpsertAccount(a mail.Account) error
	ListAccounts(provider mail.ProviderType) ([]mail.Account, error)
	RemoveAccount(id string) error
	SetNeedsReauth(id string, needs bool) error
}

// Options configure a Manager.
type Options struct {
	Tokens       TokenStore
	Accounts     AccountStore
	Logger       *slog.Logger
	RedirectPort string
	HTTPClient   *http.Client
}

// Manager handles OAuth2 token acquisition and storage for one provider.
type Manager struct {
	provider     mail.ProviderType
	config       *oauth2.Config
	tokens       TokenStore
	accounts     AccountStore
	logger       *slog.Logger
	redirectPort string
	httpClient   *http.Client
	state        *flow.State[auth.ClientState]

	// identify resolves the signed-in account from a fresh token.
	identify func(ctx context.Context, tok *oauth2.Token) (mail.Account, error)

	// flowMu serializes interactive flows, which share the callback port.
	flowMu sync.Mutex
}

var _ auth.Client = (*Manager)(nil)

func newManager(p mail.ProviderType, config *oauth2.Config, opts Options) (*Manager, error) {
	if opts.Tokens == nil {
		return nil, fmt.Errorf("%s: token store is required", p.DisplayName())
	}
	if opts.Accounts == nil {
		return nil, fmt.Errorf("%s: account store is required", p.DisplayName())
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.RedirectPort == "" {
		opts.RedirectPort = defaultRedirectPort
	}
	if opts.HTTPClient == nil {
		opts.HTTPClient = http.DefaultClient
	}
	return &Manager{
		provider:     p,
		config:       config,
		tokens:       opts.Tokens,
		accounts:     opts.Accounts,
		logger:       opts.Logger.With("provider", string(p)),
		redirectPort: opts.RedirectPort,
		httpClient:   opts.HTTPClient,
		state:        flow.NewState(auth.ClientState{Phase: auth.PhaseInitializing}),
	}, nil
}

// NewGoogle creates a Google manager from a client secrets JSON file.
func NewGoogle(clientSecretsPath string, opts Options) (*Manager, error) {
	data, err := os.ReadFile(clientSecretsPath)
	if err != nil {
		return nil, fmt.Errorf("read client secrets: %w", err)
	}
	config, err := google.ConfigFromJSON(data, GoogleScopes...)
	if err != nil {
		return nil, fmt.Errorf("parse client secrets: %w", err)
	}
	m, err := newManager(mail.ProviderGoogle, config, opts)
	if err != nil {
		return nil, err
	}
	m.identify = newIDTokenIdentifier(m.provider, config.ClientID, m.httpClient).identify
	return m, nil
}

// NewMicrosoft creates a Microsoft identity platform manager for a public
// client application. An empty tenant means "common".
func NewMicrosoft(clientID, tenant string, opts Options) (*Manager, error) {
	if clientID == "" {
		return nil, fmt.Errorf("microsoft client id is required")
	}
	if tenant == "" {
		tenant = "common"
	}
	config := &oauth2.Config{
		ClientID: clientID,
		Endpoint: microsoft.AzureADEndpoint(tenant),
		Scopes:   MicrosoftScopes,
	}
	m, err := newManager(mail.ProviderMicrosoft, config, opts)
	if err != nil {
		return nil, err
	}
	m.identify = newIDTokenIdentifier(m.provider, clientID, m.httpClient).identify
	return m, nil
}

// Provider implements auth.Client.
func (m *Manager) Provider() mail.ProviderType { return m.provider }

// State implements auth.Client.
func (m *Manager) State() *flow.State[auth.ClientState] { return m.state }

// Init loads persisted accounts and publishes the Ready state, or Failed
// if the account store cannot be read.
func (m *Manager) Init(ctx context.Context) error {
	if err := m.publish(); err != nil {
		m.logger.Error("auth client initialization failed", "error", err)
		m.state.Set(auth.ClientState{Phase: auth.PhaseFailed, Err: err})
		return err
	}
	m.logger.Debug("auth client ready", "accounts", len(m.state.Value().Accounts))
	return nil
}

// publish re-reads the account list and emits a Ready state.
func (m *Manager) publish() error {
	accounts, err := m.accounts.ListAccounts(m.provider)
	if err != nil {
		return fmt.Errorf("list %s accounts: %w", m.provider, err)
	}
	m.state.Set(auth.ClientState{Phase: auth.PhaseReady, Accounts: accounts})
	return nil
}

func (m *Manager) ready() bool {
	return m.state.Value().Phase == auth.PhaseReady
}

func (m *Manager) clientContext(ctx context.Context) context.Context {
	return context.WithValue(ctx, oauth2.HTTPClient, m.httpClient)
}

// AcquireTokenSilent implements auth.Client. It refreshes the stored token
// when expired. A refresh token the provider rejects marks the account as
// needing re-authentication; a marked account fails without contacting the
// provider until an interactive sign-in clears the mark.
func (m *Manager) AcquireTokenSilent(ctx context.Context, account mail.Account, scopes []string) (string, error) {
	if !m.ready() {
		return "", mailerr.ErrNotInitialized
	}
	if m.needsReauth(account.ID) {
		return "", fmt.Errorf("%s awaits interactive sign-in: %w", account.ID, mailerr.ErrUIRequired)
	}

	stored, err := m.tokens.Load(account.ID)
	if errors.Is(err, ErrNoToken) {
		return "", fmt.Errorf("no token for %s: %w", account.ID, mailerr.ErrUIRequired)
	}
	if err != nil {
		return "", &mailerr.AuthError{Kind: mailerr.AuthClient, Code: "token_cache", Err: err}
	}
	for _, s := range scopes {
		if !stored.HasScope(s) && len(stored.Scopes) > 0 {
			return "", fmt.Errorf("token for %s lacks scope %s: %w", account.ID, s, mailerr.ErrUIRequired)
		}
	}

	fresh, err := m.config.TokenSource(m.clientContext(ctx), &stored.Token).Token()
	if err != nil {
		return "", m.classifyRefreshError(account, err)
	}

	if fresh.AccessToken != stored.AccessToken {
		updated := &StoredToken{Token: *fresh, Scopes: stored.Scopes}
		if err := m.tokens.Save(account.ID, updated); err != nil {
			m.logger.Warn("failed to save refreshed token", "account", account.ID, "error", err)
		}
	}
	return fresh.AccessToken, nil
}

func (m *Manager) classifyRefreshError(account mail.Account, err error) error {
	var re *oauth2.RetrieveError
	if !errors.As(err, &re) {
		return fmt.Errorf("refresh token: %w", err)
	}
	switch re.ErrorCode {
	case "invalid_grant", "interaction_required", "consent_required", "login_required":
		m.markNeedsReauth(account, true)
		return fmt.Errorf("refresh rejected (%s): %w", re.ErrorCode, mailerr.ErrUIRequired)
	case "invalid_client", "unauthorized_client":
		return &mailerr.AuthError{Kind: mailerr.AuthClient, Code: re.ErrorCode, Err: err}
	}
	code := re.ErrorCode
	if code == "" && re.Response != nil {
		code = re.Response.Status
	}
	return &mailerr.AuthError{Kind: mailerr.AuthService, Code: code, Err: errors.New(describe(re))}
}

func describe(re *oauth2.RetrieveError) string {
	if re.ErrorDescription != "" {
		return re.ErrorDescription
	}
	if re.ErrorCode != "" {
		return re.ErrorCode
	}
	return strings.TrimSpace(string(re.Body))
}

// needsReauth reports the published re-authentication mark of id.
func (m *Manager) needsReauth(id string) bool {
	acct, ok := mail.FindAccount(m.state.Value().Accounts, id)
	return ok && acct.NeedsReauthentication
}

// markNeedsReauth persists the mark and republishes the account list. An
// unchanged mark publishes nothing.
func (m *Manager) markNeedsReauth(account mail.Account, needs bool) {
	if m.needsReauth(account.ID) == needs {
		return
	}
	if err := m.accounts.SetNeedsReauth(account.ID, needs); err != nil {
		m.logger.Warn("failed to record re-authentication state", "account", account.ID, "error", err)
		return
	}
	if err := m.publish(); err != nil {
		m.logger.Warn("failed to publish accounts", "error", err)
	}
}

// AcquireTokenInteractive implements auth.Client. The interactive flow must
// sign in as the same account.
func (m *Manager) AcquireTokenInteractive(ctx context.Context, account mail.Account, scopes []string, ui auth.Prompter) (string, error) {
	if !m.ready() {
		return "", mailerr.ErrNotInitialized
	}
	tok, signedIn, err := m.authorize(ctx, ui, scopes, account.EmailAddress)
	if err != nil {
		return "", err
	}
	if signedIn.ID != account.ID {
		return "", &mailerr.AuthError{
			Kind: mailerr.AuthClient,
			Code: "account_mismatch",
			Err:  fmt.Errorf("signed in as %s, expected %s", signedIn.DisplayLabel(), account.DisplayLabel()),
		}
	}
	if err := m.saveToken(signedIn.ID, tok, scopes); err != nil {
		return "", err
	}
	m.markNeedsReauth(account, false)
	return tok.AccessToken, nil
}

// SignIn implements auth.Client: it runs the interactive flow and records
// the resulting account.
func (m *Manager) SignIn(ctx context.Context, ui auth.Prompter, scopes []string) (mail.Account, error) {
	if !m.ready() {
		return mail.Account{}, mailerr.ErrNotInitialized
	}
	tok, account, err := m.authorize(ctx, ui, scopes, "")
	if err != nil {
		return mail.Account{}, err
	}
	if err := m.saveToken(account.ID, tok, scopes); err != nil {
		return mail.Account{}, err
	}
	account.NeedsReauthentication = false
	if err := m.accounts.UpsertAccount(account); err != nil {
		return mail.Account{}, &mailerr.AuthError{Kind: mailerr.AuthClient, Code: "account_store", Err: err}
	}
	if err := m.publish(); err != nil {
		return mail.Account{}, err
	}
	m.logger.Info("account signed in", "account", account.ID)
	return account, nil
}

// SignOut implements auth.Client: it forgets the account and its token.
func (m *Manager) SignOut(ctx context.Context, account mail.Account) error {
	if !m.ready() {
		return mailerr.ErrNotInitialized
	}
	if err := m.tokens.Delete(account.ID); err != nil {
		return &mailerr.AuthError{Kind: mailerr.AuthClient, Code: "token_cache", Err: err}
	}
	if err := m.accounts.RemoveAccount(account.ID); err != nil {
		return &mailerr.AuthError{Kind: mailerr.AuthClient, Code: mailerr.CodeNoAccount, Err: err}
	}
	m.logger.Info("account signed out", "account", account.ID)
	return m.publish()
}

func (m *Manager) saveToken(accountID string, tok *oauth2.Token, scopes []string) error {
	if len(scopes) == 0 {
		scopes = m.config.Scopes
	}
	if err := m.tokens.Save(accountID, &StoredToken{Token: *tok, Scopes: scopes}); err != nil {
		return &mailerr.AuthError{Kind: mailerr.AuthClient, Code: "token_cache", Err: err}
	}
	return nil
}

// authorize runs the browser flow and resolves the signed-in account.
func (m *Manager) authorize(ctx context.Context, ui auth.Prompter, scopes []string, loginHint string) (*oauth2.Token, mail.Account, error) {
	if ui == nil {
		return nil, mail.Account{}, mailerr.ErrUIRequired
	}
	tok, err := m.browserFlow(ctx, ui, scopes, loginHint)
	if err != nil {
		return nil, mail.Account{}, err
	}
	account, err := m.identify(ctx, tok)
	if err != nil {
		return nil, mail.Account{}, &mailerr.AuthError{Kind: mailerr.AuthClient, Code: "id_token", Err: err}
	}
	return tok, account, nil
}

const (
	defaultRedirectPort = "8089"
	callbackPath        = "/callback"
)

// newCallbackHandler returns an HTTP handler that processes the OAuth callback.
func newCallbackHandler(expectedState string, codeChan chan<- string, errChan chan<- error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		if q.Get("state") != expectedState {
			sendErr(errChan, fmt.Errorf("state mismatch: possible CSRF attack"))
			fmt.Fprintf(w, "Error: state mismatch")
			return
		}
		if code := q.Get("error"); code != "" {
			if code == mailerr.CodeAccessDenied {
				sendErr(errChan, mailerr.ErrUserCancelled)
			} else {
				sendErr(errChan, &mailerr.AuthError{Kind: mailerr.AuthService, Code: code, Err: errors.New(q.Get("error_description"))})
			}
			fmt.Fprintf(w, "Authorization failed: %s. You can close this window.", code)
			return
		}
		code := q.Get("code")
		if code == "" {
			sendErr(errChan, fmt.Errorf("no code in callback"))
			fmt.Fprintf(w, "Error: no authorization code received")
			return
		}
		select {
		case codeChan <- code:
		default:
		}
		fmt.Fprintf(w, "Authorization successful! You can close this window.")
	}
}

func sendErr(errChan chan<- error, err error) {
	select {
	case errChan <- err:
	default:
	}
}

// browserFlow runs the authorization code flow with PKCE against a local
// callback server, presenting the consent URL through ui.
func (m *Manager) browserFlow(ctx context.Context, ui auth.Prompter, scopes []string, loginHint string) (*oauth2.Token, error) {
	m.flowMu.Lock()
	defer m.flowMu.Unlock()

	stateBytes := make([]byte, 16)
	if _, err := rand.Read(stateBytes); err != nil {
		return nil, fmt.Errorf("generate state: %w", err)
	}
	state := base64.URLEncoding.EncodeToString(stateBytes)
	verifier := oauth2.GenerateVerifier()

	ln, err := net.Listen("tcp", "127.0.0.1:"+m.redirectPort)
	if err != nil {
		return nil, fmt.Errorf("start callback listener: %w", err)
	}

	codeChan := make(chan string, 1)
	errChan := make(chan error, 1)

	mux := http.NewServeMux()
	mux.Handle(callbackPath, newCallbackHandler(state, codeChan, errChan))
	server := &http.Server{Handler: mux}
	go func() {
		if err := server.Serve(ln); err != http.ErrServerClosed {
			sendErr(errChan, err)
		}
	}()
	defer func() { _ = server.Close() }()

	cfg := *m.config
	cfg.RedirectURL = "http://localhost:" + portOf(ln) + callbackPath
	if len(scopes) > 0 {
		cfg.Scopes = scopes
	}

	opts := []oauth2.AuthCodeOption{oauth2.AccessTypeOffline, oauth2.S256ChallengeOption(verifier)}
	if loginHint != "" {
		opts = append(opts, oauth2.SetAuthURLParam("login_hint", loginHint))
	} else {
		opts = append(opts, oauth2.SetAuthURLParam("prompt", "select_account"))
	}
	authURL := cfg.AuthCodeURL(state, opts...)

	m.logger.Debug("starting interactive authorization", "redirect", cfg.RedirectURL)
	if err := ui.OpenURL(ctx, authURL); err != nil {
		return nil, fmt.Errorf("present authorization URL: %w", err)
	}

	select {
	case code := <-codeChan:
		tok, err := cfg.Exchange(m.clientContext(ctx), code, oauth2.VerifierOption(verifier))
		if err != nil {
			var re *oauth2.RetrieveError
			if errors.As(err, &re) {
				return nil, &mailerr.AuthError{Kind: mailerr.AuthService, Code: re.ErrorCode, Err: errors.New(describe(re))}
			}
			return nil, fmt.Errorf("exchange code: %w", err)
		}
		return tok, nil
	case err := <-errChan:
		return nil, err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func portOf(ln net.Listener) string {
	_, port, err := net.SplitHostPort(ln.Addr().String())
	if err != nil {
		return defaultRedirectPort
	}
	return port
}
