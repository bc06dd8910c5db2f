package oauth

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"golang.org/x/oauth2"

	"github.com/tonimelisma/melisma/internal/auth"
	"github.com/tonimelisma/melisma/internal/mail"
	"github.com/tonimelisma/melisma/internal/mailerr"
	"github.com/tonimelisma/melisma/internal/store"
	"github.com/tonimelisma/melisma/internal/testutil"
)

var testAccount = mail.Account{
	ID:           "GOOGLE:1234",
	Username:     "Ann",
	EmailAddress: "ann@example.com",
	Provider:     mail.ProviderGoogle,
}

// tokenServer is a fake token endpoint. respond decides each response.
type tokenServer struct {
	*httptest.Server

	mu       sync.Mutex
	requests []url.Values
	respond  func(form url.Values) (int, any)
}

func newTokenServer(t *testing.T, respond func(form url.Values) (int, any)) *tokenServer {
	t.Helper()
	ts := &tokenServer{respond: respond}
	ts.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseForm(); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		ts.mu.Lock()
		ts.requests = append(ts.requests, r.PostForm)
		ts.mu.Unlock()

		status, body := ts.respond(r.PostForm)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_ = json.NewEncoder(w).Encode(body)
	}))
	t.Cleanup(ts.Close)
	return ts
}

func (ts *tokenServer) Requests() []url.Values {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	return append([]url.Values(nil), ts.requests...)
}

func okToken(access string) (int, any) {
	return http.StatusOK, map[string]any{
		"access_token":  access,
		"token_type":    "Bearer",
		"expires_in":    3600,
		"refresh_token": "refresh-2",
	}
}

func setupTestManager(t *testing.T, ts *tokenServer) (*Manager, *store.Store) {
	t.Helper()
	st := testutil.NewTestStore(t)
	m, err := newManager(mail.ProviderGoogle, &oauth2.Config{
		ClientID: "client",
		Endpoint: oauth2.Endpoint{
			AuthURL:   ts.URL + "/auth",
			TokenURL:  ts.URL + "/token",
			AuthStyle: oauth2.AuthStyleInParams,
		},
		Scopes: []string{"openid", "mail"},
	}, Options{
		Tokens:       NewFileTokenStore(t.TempDir()),
		Accounts:     st,
		RedirectPort: "0",
	})
	testutil.MustNoErr(t, err, "newManager")
	m.identify = func(ctx context.Context, tok *oauth2.Token) (mail.Account, error) {
		return testAccount, nil
	}
	return m, st
}

func saveTestToken(t *testing.T, m *Manager, tok oauth2.Token) {
	t.Helper()
	testutil.MustNoErr(t, m.tokens.Save(testAccount.ID, &StoredToken{Token: tok, Scopes: []string{"openid", "mail"}}), "save token")
}

// callbackPrompter completes the browser flow by calling the redirect URI
// with the given query parameters, echoing back the state.
func callbackPrompter(t *testing.T, params url.Values, seen *string) auth.Prompter {
	return auth.PrompterFunc(func(ctx context.Context, raw string) error {
		if seen != nil {
			*seen = raw
		}
		u, err := url.Parse(raw)
		if err != nil {
			return err
		}
		q := u.Query()
		cb, err := url.Parse(q.Get("redirect_uri"))
		if err != nil {
			return err
		}
		vals := url.Values{"state": {q.Get("state")}}
		for k, v := range params {
			vals[k] = v
		}
		cb.RawQuery = vals.Encode()
		resp, err := http.Get(cb.String())
		if err != nil {
			t.Errorf("callback request failed: %v", err)
			return err
		}
		resp.Body.Close()
		return nil
	})
}

func TestAcquireTokenSilentBeforeInit(t *testing.T) {
	ts := newTokenServer(t, func(url.Values) (int, any) { return okToken("x") })
	m, _ := setupTestManager(t, ts)

	_, err := m.AcquireTokenSilent(context.Background(), testAccount, nil)
	if !errors.Is(err, mailerr.ErrNotInitialized) {
		t.Errorf("AcquireTokenSilent() error = %v, want ErrNotInitialized", err)
	}
}

func TestAcquireTokenSilentWithoutToken(t *testing.T) {
	ts := newTokenServer(t, func(url.Values) (int, any) { return okToken("x") })
	m, _ := setupTestManager(t, ts)
	testutil.MustNoErr(t, m.Init(context.Background()), "Init")

	_, err := m.AcquireTokenSilent(context.Background(), testAccount, nil)
	if !errors.Is(err, mailerr.ErrUIRequired) {
		t.Errorf("AcquireTokenSilent() error = %v, want ErrUIRequired", err)
	}
}

func TestAcquireTokenSilentValidToken(t *testing.T) {
	ts := newTokenServer(t, func(url.Values) (int, any) { return okToken("x") })
	m, _ := setupTestManager(t, ts)
	testutil.MustNoErr(t, m.Init(context.Background()), "Init")
	saveTestToken(t, m, oauth2.Token{AccessToken: "cached", TokenType: "Bearer", RefreshToken: "r", Expiry: time.Now().Add(time.Hour)})

	tok, err := m.AcquireTokenSilent(context.Background(), testAccount, nil)
	testutil.MustNoErr(t, err, "AcquireTokenSilent")
	if tok != "cached" {
		t.Errorf("AcquireTokenSilent() = %q, want cached", tok)
	}
	if n := len(ts.Requests()); n != 0 {
		t.Errorf("token endpoint hit %d times, want 0", n)
	}
}

func TestAcquireTokenSilentRefreshes(t *testing.T) {
	ts := newTokenServer(t, func(form url.Values) (int, any) {
		if form.Get("grant_type") != "refresh_token" || form.Get("refresh_token") != "r1" {
			return http.StatusBadRequest, map[string]string{"error": "invalid_request"}
		}
		return okToken("fresh")
	})
	m, _ := setupTestManager(t, ts)
	testutil.MustNoErr(t, m.Init(context.Background()), "Init")
	saveTestToken(t, m, oauth2.Token{AccessToken: "stale", TokenType: "Bearer", RefreshToken: "r1", Expiry: time.Now().Add(-time.Hour)})

	tok, err := m.AcquireTokenSilent(context.Background(), testAccount, []string{"mail"})
	testutil.MustNoErr(t, err, "AcquireTokenSilent")
	if tok != "fresh" {
		t.Errorf("AcquireTokenSilent() = %q, want fresh", tok)
	}

	stored, err := m.tokens.Load(testAccount.ID)
	testutil.MustNoErr(t, err, "load token")
	if stored.AccessToken != "fresh" || stored.RefreshToken != "refresh-2" {
		t.Errorf("stored token = %q/%q, want fresh/refresh-2", stored.AccessToken, stored.RefreshToken)
	}
	if !stored.HasScope("mail") {
		t.Error("refreshed token lost its scopes")
	}
}

func TestAcquireTokenSilentMissingScopeNeedsUI(t *testing.T) {
	ts := newTokenServer(t, func(url.Values) (int, any) { return okToken("x") })
	m, _ := setupTestManager(t, ts)
	testutil.MustNoErr(t, m.Init(context.Background()), "Init")
	saveTestToken(t, m, oauth2.Token{AccessToken: "cached", Expiry: time.Now().Add(time.Hour)})

	_, err := m.AcquireTokenSilent(context.Background(), testAccount, []string{"Mail.Send"})
	if !errors.Is(err, mailerr.ErrUIRequired) {
		t.Errorf("AcquireTokenSilent() error = %v, want ErrUIRequired", err)
	}
}

func TestAcquireTokenSilentInvalidGrantMarksReauth(t *testing.T) {
	ts := newTokenServer(t, func(url.Values) (int, any) {
		return http.StatusBadRequest, map[string]string{"error": "invalid_grant", "error_description": "Token has been expired or revoked."}
	})
	m, st := setupTestManager(t, ts)
	testutil.MustNoErr(t, st.UpsertAccount(testAccount), "UpsertAccount")
	testutil.MustNoErr(t, m.Init(context.Background()), "Init")
	saveTestToken(t, m, oauth2.Token{AccessToken: "stale", RefreshToken: "r1", Expiry: time.Now().Add(-time.Hour)})

	_, err := m.AcquireTokenSilent(context.Background(), testAccount, nil)
	if !errors.Is(err, mailerr.ErrUIRequired) {
		t.Fatalf("AcquireTokenSilent() error = %v, want ErrUIRequired", err)
	}

	got, err := st.GetAccount(testAccount.ID)
	testutil.MustNoErr(t, err, "GetAccount")
	if got == nil || !got.NeedsReauthentication {
		t.Errorf("account = %+v, want NeedsReauthentication", got)
	}
	accts := m.State().Value().Accounts
	if len(accts) != 1 || !accts[0].NeedsReauthentication {
		t.Errorf("published accounts = %+v, want one needing reauth", accts)
	}
}

func TestAcquireTokenSilentServiceError(t *testing.T) {
	ts := newTokenServer(t, func(url.Values) (int, any) {
		return http.StatusServiceUnavailable, map[string]string{"error": "temporarily_unavailable"}
	})
	m, _ := setupTestManager(t, ts)
	testutil.MustNoErr(t, m.Init(context.Background()), "Init")
	saveTestToken(t, m, oauth2.Token{AccessToken: "stale", RefreshToken: "r1", Expiry: time.Now().Add(-time.Hour)})

	_, err := m.AcquireTokenSilent(context.Background(), testAccount, nil)
	var authErr *mailerr.AuthError
	if !errors.As(err, &authErr) || authErr.Kind != mailerr.AuthService {
		t.Fatalf("AcquireTokenSilent() error = %v, want service AuthError", err)
	}
	if authErr.Code != "temporarily_unavailable" {
		t.Errorf("Code = %q, want temporarily_unavailable", authErr.Code)
	}
}

func TestSignInBrowserFlow(t *testing.T) {
	ts := newTokenServer(t, func(form url.Values) (int, any) {
		if form.Get("code") != "auth-code" || form.Get("code_verifier") == "" {
			return http.StatusBadRequest, map[string]string{"error": "invalid_grant"}
		}
		return okToken("interactive")
	})
	m, st := setupTestManager(t, ts)
	testutil.MustNoErr(t, m.Init(context.Background()), "Init")

	var authURL string
	ui := callbackPrompter(t, url.Values{"code": {"auth-code"}}, &authURL)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	acct, err := m.SignIn(ctx, ui, []string{"openid", "mail"})
	testutil.MustNoErr(t, err, "SignIn")
	if acct.ID != testAccount.ID {
		t.Errorf("SignIn() account = %q, want %q", acct.ID, testAccount.ID)
	}

	u, _ := url.Parse(authURL)
	q := u.Query()
	if q.Get("code_challenge_method") != "S256" || q.Get("code_challenge") == "" {
		t.Errorf("auth URL missing PKCE challenge: %s", authURL)
	}
	if q.Get("access_type") != "offline" {
		t.Errorf("auth URL missing offline access: %s", authURL)
	}

	stored, err := m.tokens.Load(acct.ID)
	testutil.MustNoErr(t, err, "load token")
	if stored.AccessToken != "interactive" {
		t.Errorf("stored access token = %q", stored.AccessToken)
	}
	if got, _ := st.GetAccount(acct.ID); got == nil {
		t.Error("account not persisted")
	}
	if accts := m.State().Value().Accounts; len(accts) != 1 || accts[0].ID != acct.ID {
		t.Errorf("published accounts = %+v", accts)
	}
}

func TestSignInUserCancelled(t *testing.T) {
	ts := newTokenServer(t, func(url.Values) (int, any) { return okToken("x") })
	m, _ := setupTestManager(t, ts)
	testutil.MustNoErr(t, m.Init(context.Background()), "Init")

	ui := callbackPrompter(t, url.Values{"error": {"access_denied"}}, nil)
	_, err := m.SignIn(context.Background(), ui, nil)
	if !errors.Is(err, mailerr.ErrUserCancelled) {
		t.Errorf("SignIn() error = %v, want ErrUserCancelled", err)
	}
	if n := len(ts.Requests()); n != 0 {
		t.Errorf("token endpoint hit %d times after cancel", n)
	}
}

func TestSignInWithoutUI(t *testing.T) {
	ts := newTokenServer(t, func(url.Values) (int, any) { return okToken("x") })
	m, _ := setupTestManager(t, ts)
	testutil.MustNoErr(t, m.Init(context.Background()), "Init")

	if _, err := m.SignIn(context.Background(), nil, nil); !errors.Is(err, mailerr.ErrUIRequired) {
		t.Errorf("SignIn(nil ui) error = %v, want ErrUIRequired", err)
	}
}

func TestAcquireTokenInteractiveAccountMismatch(t *testing.T) {
	ts := newTokenServer(t, func(url.Values) (int, any) { return okToken("x") })
	m, _ := setupTestManager(t, ts)
	testutil.MustNoErr(t, m.Init(context.Background()), "Init")

	other := testAccount
	other.ID = "GOOGLE:9999"
	ui := callbackPrompter(t, url.Values{"code": {"c"}}, nil)
	_, err := m.AcquireTokenInteractive(context.Background(), other, nil, ui)
	var authErr *mailerr.AuthError
	if !errors.As(err, &authErr) || authErr.Code != "account_mismatch" {
		t.Errorf("AcquireTokenInteractive() error = %v, want account_mismatch", err)
	}
}

func TestAcquireTokenInteractiveClearsReauth(t *testing.T) {
	ts := newTokenServer(t, func(url.Values) (int, any) { return okToken("again") })
	m, st := setupTestManager(t, ts)
	flagged := testAccount
	flagged.NeedsReauthentication = true
	testutil.MustNoErr(t, st.UpsertAccount(flagged), "UpsertAccount")
	testutil.MustNoErr(t, m.Init(context.Background()), "Init")

	ui := callbackPrompter(t, url.Values{"code": {"c"}}, nil)
	tok, err := m.AcquireTokenInteractive(context.Background(), flagged, nil, ui)
	testutil.MustNoErr(t, err, "AcquireTokenInteractive")
	if tok != "again" {
		t.Errorf("token = %q, want again", tok)
	}
	got, _ := st.GetAccount(flagged.ID)
	if got == nil || got.NeedsReauthentication {
		t.Errorf("account = %+v, want reauth cleared", got)
	}
}

func TestSignOut(t *testing.T) {
	ts := newTokenServer(t, func(url.Values) (int, any) { return okToken("x") })
	m, st := setupTestManager(t, ts)
	testutil.MustNoErr(t, st.UpsertAccount(testAccount), "UpsertAccount")
	testutil.MustNoErr(t, m.Init(context.Background()), "Init")
	saveTestToken(t, m, oauth2.Token{AccessToken: "cached", Expiry: time.Now().Add(time.Hour)})

	testutil.MustNoErr(t, m.SignOut(context.Background(), testAccount), "SignOut")
	if _, err := m.tokens.Load(testAccount.ID); !errors.Is(err, ErrNoToken) {
		t.Errorf("token still stored: %v", err)
	}
	if accts := m.State().Value().Accounts; len(accts) != 0 {
		t.Errorf("published accounts = %+v, want none", accts)
	}
}

func TestInitFailurePublishesFailed(t *testing.T) {
	ts := newTokenServer(t, func(url.Values) (int, any) { return okToken("x") })
	m, st := setupTestManager(t, ts)
	st.Close()

	if err := m.Init(context.Background()); err == nil {
		t.Fatal("Init() on closed store succeeded")
	}
	if got := m.State().Value(); got.Phase != auth.PhaseFailed || got.Err == nil {
		t.Errorf("state = %+v, want Failed with error", got)
	}
}
