// Package auth defines the boundary to the per-provider authentication
// libraries and the TokenProvider that turns their silent and interactive
// flows into a single access-token call.
package auth

import (
	"context"

	"github.com/tonimelisma/melisma/internal/flow"
	"github.com/tonimelisma/melisma/internal/mail"
)

// Prompter is the UI context needed for interactive flows. Implementations
// present the consent URL to the user, e.g. by opening a browser.
type Prompter interface {
	OpenURL(ctx context.Context, url string) error
}

// PrompterFunc adapts a function to the Prompter interface.
type PrompterFunc func(ctx context.Context, url string) error

// OpenURL calls f(ctx, url).
func (f PrompterFunc) OpenURL(ctx context.Context, url string) error { return f(ctx, url) }

// Phase is the lifecycle phase of an auth client.
type Phase int

const (
	PhaseInitializing Phase = iota
	PhaseReady
	PhaseFailed
)

func (p Phase) String() string {
	switch p {
	case PhaseInitializing:
		return "initializing"
	case PhaseReady:
		return "ready"
	case PhaseFailed:
		return "failed"
	}
	panic("auth: unknown phase")
}

// ClientState is what an auth client publishes whenever its initialization
// status or account list changes.
type ClientState struct {
	Phase    Phase
	Accounts []mail.Account
	Err      error
}

// Client is the contract every provider auth library satisfies.
//
// AcquireTokenSilent fails with mailerr.ErrUIRequired when only an
// interactive flow can help, with *mailerr.AuthError for categorized
// failures, and with mailerr.ErrNotInitialized before the client is ready.
// Interactive calls may also fail with mailerr.ErrUserCancelled.
type Client interface {
	Provider() mail.ProviderType
	State() *flow.State[ClientState]
	AcquireTokenSilent(ctx context.Context, account mail.Account, scopes []string) (string, error)
	AcquireTokenInteractive(ctx context.Context, account mail.Account, scopes []string, ui Prompter) (string, error)
	SignIn(ctx context.Context, ui Prompter, scopes []string) (mail.Account, error)
	SignOut(ctx context.Context, account mail.Account) error
}
