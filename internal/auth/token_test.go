package auth_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/tonimelisma/melisma/internal/auth"
	"github.com/tonimelisma/melisma/internal/mail"
	"github.com/tonimelisma/melisma/internal/mailerr"
	"github.com/tonimelisma/melisma/internal/testutil/mailtest"
)

var (
	acct   = mailtest.Account(mail.ProviderGoogle, "111", "ann@example.com")
	scopes = []string{"mail.read"}
	noopUI = auth.PrompterFunc(func(ctx context.Context, url string) error { return nil })
)

func TestAccessTokenSilentSuccess(t *testing.T) {
	fake := mailtest.NewFakeAuth(mail.ProviderGoogle, acct)
	p := auth.NewTokenProvider(fake, nil)

	tok, err := p.AccessToken(context.Background(), acct, scopes, nil)
	if err != nil {
		t.Fatalf("AccessToken() error = %v", err)
	}
	if tok != mailtest.TokenFor(acct.ID) {
		t.Errorf("AccessToken() = %q, want %q", tok, mailtest.TokenFor(acct.ID))
	}
	silent, interactive, _, _ := fake.Calls()
	if silent != 1 || interactive != 0 {
		t.Errorf("calls silent=%d interactive=%d, want 1/0", silent, interactive)
	}
}

func TestAccessTokenUIRequiredWithoutUI(t *testing.T) {
	fake := mailtest.NewFakeAuth(mail.ProviderGoogle, acct)
	fake.SetSilentError(acct.ID, mailerr.ErrUIRequired)
	p := auth.NewTokenProvider(fake, nil)

	_, err := p.AccessToken(context.Background(), acct, scopes, nil)
	if !errors.Is(err, mailerr.ErrUIRequired) {
		t.Fatalf("AccessToken() error = %v, want ErrUIRequired", err)
	}
	if _, interactive, _, _ := fake.Calls(); interactive != 0 {
		t.Errorf("interactive calls = %d, want 0", interactive)
	}
}

func TestAccessTokenFallsBackToInteractive(t *testing.T) {
	fake := mailtest.NewFakeAuth(mail.ProviderGoogle, acct)
	fake.SetSilentError(acct.ID, mailerr.ErrUIRequired)
	p := auth.NewTokenProvider(fake, nil)

	tok, err := p.AccessToken(context.Background(), acct, scopes, noopUI)
	if err != nil {
		t.Fatalf("AccessToken() error = %v", err)
	}
	if tok == "" {
		t.Error("AccessToken() returned empty token")
	}
	if _, interactive, _, _ := fake.Calls(); interactive != 1 {
		t.Errorf("interactive calls = %d, want 1", interactive)
	}
}

func TestAccessTokenInteractiveCancelled(t *testing.T) {
	fake := mailtest.NewFakeAuth(mail.ProviderGoogle, acct)
	fake.SetSilentError(acct.ID, mailerr.ErrUIRequired)
	fake.SetInteractiveError(mailerr.ErrUserCancelled)
	p := auth.NewTokenProvider(fake, nil)

	_, err := p.AccessToken(context.Background(), acct, scopes, noopUI)
	if !errors.Is(err, mailerr.ErrUserCancelled) {
		t.Errorf("AccessToken() error = %v, want ErrUserCancelled", err)
	}
}

func TestAccessTokenOtherErrorsSkipInteractive(t *testing.T) {
	fake := mailtest.NewFakeAuth(mail.ProviderGoogle, acct)
	authErr := &mailerr.AuthError{Kind: mailerr.AuthService, Code: "server_error"}
	fake.SetSilentError(acct.ID, authErr)
	p := auth.NewTokenProvider(fake, nil)

	_, err := p.AccessToken(context.Background(), acct, scopes, noopUI)
	var got *mailerr.AuthError
	if !errors.As(err, &got) || got.Code != "server_error" {
		t.Fatalf("AccessToken() error = %v, want service AuthError", err)
	}
	if _, interactive, _, _ := fake.Calls(); interactive != 0 {
		t.Errorf("interactive calls = %d, want 0", interactive)
	}
}

func TestAccessTokenNotInitialized(t *testing.T) {
	fake := mailtest.NewInitializingFakeAuth(mail.ProviderMicrosoft)
	p := auth.NewTokenProvider(fake, nil)

	_, err := p.AccessToken(context.Background(), acct, scopes, nil)
	if !errors.Is(err, mailerr.ErrNotInitialized) {
		t.Errorf("AccessToken() error = %v, want ErrNotInitialized", err)
	}
}

func TestAccessTokenCollapsesConcurrentSilentCalls(t *testing.T) {
	fake := mailtest.NewFakeAuth(mail.ProviderGoogle, acct)
	release := fake.BlockSilent()
	p := auth.NewTokenProvider(fake, nil)

	const n = 5
	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := p.AccessToken(context.Background(), acct, []string{"b", "a"}, nil)
			errs <- err
		}()
	}

	deadline := time.Now().Add(2 * time.Second)
	for fake.SilentCalls() < 1 {
		if time.Now().After(deadline) {
			t.Fatal("silent acquisition never started")
		}
		time.Sleep(time.Millisecond)
	}
	// Give the other callers time to join the in-flight call.
	time.Sleep(20 * time.Millisecond)
	release()
	wg.Wait()
	close(errs)

	for err := range errs {
		if err != nil {
			t.Errorf("AccessToken() error = %v", err)
		}
	}
	if got := fake.SilentCalls(); got > n {
		t.Errorf("silent calls = %d, want at most %d", got, n)
	}
}

func TestAccessTokenContextCancelled(t *testing.T) {
	fake := mailtest.NewFakeAuth(mail.ProviderGoogle, acct)
	release := fake.BlockSilent()
	defer release()
	p := auth.NewTokenProvider(fake, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := p.AccessToken(ctx, acct, scopes, nil)
		done <- err
	}()
	cancel()

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("AccessToken() error = %v, want context.Canceled", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("AccessToken() did not return after cancel")
	}
}
