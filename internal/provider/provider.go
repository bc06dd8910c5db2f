// Package provider binds each mail provider's auth client, token provider
// and remote data source into a capability chosen once at construction.
package provider

import (
	"context"
	"fmt"

	"github.com/tonimelisma/melisma/internal/auth"
	"github.com/tonimelisma/melisma/internal/mail"
	"github.com/tonimelisma/melisma/internal/mailerr"
)

// Remote is the opaque data-source boundary for one provider's REST API.
// Every call takes a bearer token and returns a value or an error.
type Remote interface {
	MailFolders(ctx context.Context, token string) ([]mail.Folder, error)
	Messages(ctx context.Context, token, folderID string, req mail.PageRequest) (*mail.MessagePage, error)
	Threads(ctx context.Context, token, folderID string, req mail.PageRequest) (*mail.ThreadPage, error)
}

// Capability is everything the repositories need for one provider.
type Capability struct {
	Type   mail.ProviderType
	Auth   auth.Client
	Tokens *auth.TokenProvider
	Remote Remote
	Scopes []string
}

// Token acquires an access token for account with the capability's scopes.
func (c *Capability) Token(ctx context.Context, account mail.Account, ui auth.Prompter) (string, error) {
	return c.Tokens.AccessToken(ctx, account, c.Scopes, ui)
}

// Registry looks up capabilities by provider type.
type Registry struct {
	order []mail.ProviderType
	caps  map[mail.ProviderType]*Capability
}

// NewRegistry builds a registry. Order of caps is the order accounts are
// concatenated in. Registering a provider twice is an error.
func NewRegistry(caps ...*Capability) (*Registry, error) {
	r := &Registry{caps: make(map[mail.ProviderType]*Capability, len(caps))}
	for _, c := range caps {
		if c == nil {
			continue
		}
		if _, dup := r.caps[c.Type]; dup {
			return nil, fmt.Errorf("provider %s registered twice", c.Type)
		}
		if c.Auth == nil || c.Remote == nil {
			return nil, fmt.Errorf("provider %s: auth client and remote are required", c.Type)
		}
		if c.Tokens == nil {
			c.Tokens = auth.NewTokenProvider(c.Auth, nil)
		}
		r.caps[c.Type] = c
		r.order = append(r.order, c.Type)
	}
	return r, nil
}

// Lookup returns the capability for p.
func (r *Registry) Lookup(p mail.ProviderType) (*Capability, error) {
	c, ok := r.caps[p]
	if !ok {
		return nil, fmt.Errorf("%w: %s", mailerr.ErrUnknownProvider, p)
	}
	return c, nil
}

// ForAccount returns the capability serving account.
func (r *Registry) ForAccount(account mail.Account) (*Capability, error) {
	return r.Lookup(account.Provider)
}

// All returns capabilities in registration order.
func (r *Registry) All() []*Capability {
	out := make([]*Capability, 0, len(r.order))
	for _, p := range r.order {
		out = append(out, r.caps[p])
	}
	return out
}
