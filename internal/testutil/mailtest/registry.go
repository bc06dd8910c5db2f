package mailtest

import (
	"testing"

	"github.com/tonimelisma/melisma/internal/auth"
	"github.com/tonimelisma/melisma/internal/mail"
	"github.com/tonimelisma/melisma/internal/provider"
)

// Scopes is the scope set used by fake capabilities.
var Scopes = []string{"mail.read"}

// Provider holds the fakes behind one registered capability.
type Provider struct {
	Auth   *FakeAuth
	Remote *FakeRemote
	Cap    *provider.Capability
}

// NewProvider creates a fake capability for p holding accounts.
func NewProvider(p mail.ProviderType, accounts ...mail.Account) *Provider {
	a := NewFakeAuth(p, accounts...)
	r := NewFakeRemote()
	return &Provider{
		Auth:   a,
		Remote: r,
		Cap: &provider.Capability{
			Type:   p,
			Auth:   a,
			Tokens: auth.NewTokenProvider(a, nil),
			Remote: r,
			Scopes: Scopes,
		},
	}
}

// NewRegistry registers the given fake providers in order.
func NewRegistry(t *testing.T, providers ...*Provider) *provider.Registry {
	t.Helper()
	caps := make([]*provider.Capability, 0, len(providers))
	for _, p := range providers {
		caps = append(caps, p.Cap)
	}
	reg, err := provider.NewRegistry(caps...)
	if err != nil {
		t.Fatalf("new registry: %v", err)
	}
	return reg
}
