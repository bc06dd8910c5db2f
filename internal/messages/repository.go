// Package messages serves the message list of the selected folder, either
// as one tracked target or as a demand-driven pager over the local cache.
package messages

import (
	"context"
	"time"

	"github.com/tonimelisma/melisma/internal/auth"
	"github.com/tonimelisma/melisma/internal/dispatch"
	"github.com/tonimelisma/melisma/internal/flow"
	"github.com/tonimelisma/melisma/internal/mail"
	"github.com/tonimelisma/melisma/internal/prefs"
	"github.com/tonimelisma/melisma/internal/provider"
	"github.com/tonimelisma/melisma/internal/target"
)

// DefaultPageSize is the number of messages a single-target fetch requests.
const DefaultPageSize = 50

// Preferences supplies the current preferences. *prefs.Repository
// implements it.
type Preferences interface {
	Current() prefs.Preferences
}

// Repository tracks the messages of one (account, folder) target.
type Repository struct {
	tracker *target.Tracker[mail.Message]
	prefs   Preferences
	now     func() time.Time
}

// NewRepository creates a message repository. p may be nil, in which case
// fetches are not bounded by the initial sync window.
func NewRepository(scope *dispatch.Scope, registry *provider.Registry, p Preferences) *Repository {
	r := &Repository{prefs: p, now: time.Now}
	r.tracker = target.New(scope, registry, "messages", r.fetch)
	return r
}

func (r *Repository) fetch(ctx context.Context, remote provider.Remote, token string, folder mail.Folder) ([]mail.Message, error) {
	page, err := remote.Messages(ctx, token, folder.ID, mail.PageRequest{
		PageSize: DefaultPageSize,
		Fields:   mail.DefaultMessageFields,
		Since:    syncSince(r.prefs, r.now()),
	})
	if err != nil {
		return nil, err
	}
	return page.Messages, nil
}

func syncSince(p Preferences, now time.Time) time.Time {
	if p == nil {
		return time.Time{}
	}
	return p.Current().SyncSince(now)
}

// Observe returns the message state of the current target.
func (r *Repository) Observe() *flow.State[target.State[mail.Message]] {
	return r.tracker.Observe()
}

// SetTargetFolder retargets the repository. Nil clears it.
func (r *Repository) SetTargetFolder(account *mail.Account, folder *mail.Folder) {
	r.tracker.SetTarget(account, folder)
}

// RefreshMessages re-fetches the current target unless a fetch is running.
func (r *Repository) RefreshMessages(ui auth.Prompter) {
	r.tracker.Refresh(ui)
}

// Target returns the current target, if any.
func (r *Repository) Target() (target.Key, bool) {
	return r.tracker.Target()
}
