package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"golang.org/x/sync/singleflight"

	"github.com/tonimelisma/melisma/internal/mail"
	"github.com/tonimelisma/melisma/internal/mailerr"
)

// TokenProvider acquires access tokens for one provider's accounts: silent
// first, then interactive when a UI context is available.
type TokenProvider struct {
	client Client
	logger *slog.Logger
	group  singleflight.Group
}

// NewTokenProvider wraps an auth client.
func NewTokenProvider(client Client, logger *slog.Logger) *TokenProvider {
	if logger == nil {
		logger = slog.Default()
	}
	return &TokenProvider{client: client, logger: logger}
}

// Client returns the wrapped auth client.
func (p *TokenProvider) Client() Client { return p.client }

// AccessToken returns a token for account. Each call yields exactly one
// outcome. When silent acquisition needs user interaction and ui is nil,
// the returned error matches mailerr.ErrUIRequired.
func (p *TokenProvider) AccessToken(ctx context.Context, account mail.Account, scopes []string, ui Prompter) (string, error) {
	token, err := p.silent(ctx, account, scopes)
	if err == nil {
		return token, nil
	}
	if !errors.Is(err, mailerr.ErrUIRequired) {
		return "", err
	}
	if ui == nil {
		p.logger.Debug("silent token acquisition needs UI", "account", account.ID)
		return "", fmt.Errorf("acquire token for %s: %w", account.ID, mailerr.ErrUIRequired)
	}

	p.logger.Info("falling back to interactive sign-in", "account", account.ID)
	token, err = p.client.AcquireTokenInteractive(ctx, account, scopes, ui)
	if err != nil {
		return "", err
	}
	return token, nil
}

// silent collapses concurrent silent acquisitions for the same account and
// scope set into one client call.
func (p *TokenProvider) silent(ctx context.Context, account mail.Account, scopes []string) (string, error) {
	key := account.ID + "|" + scopeKey(scopes)
	ch := p.group.DoChan(key, func() (interface{}, error) {
		return p.client.AcquireTokenSilent(ctx, account, scopes)
	})
	select {
	case res := <-ch:
		if errors.Is(res.Err, context.Canceled) && ctx.Err() == nil {
			// The shared call belonged to a caller that went away.
			return p.client.AcquireTokenSilent(ctx, account, scopes)
		}
		if res.Err != nil {
			return "", res.Err
		}
		return res.Val.(string), nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

func scopeKey(scopes []string) string {
	s := append([]string(nil), scopes...)
	sort.Strings(s)
	return strings.Join(s, " ")
}
