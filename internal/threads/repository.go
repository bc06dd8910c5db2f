// Package threads serves the conversation list of the selected folder.
package threads

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

// DefaultPageSize is the number of threads a fetch requests.
const DefaultPageSize = 50

// Preferences supplies the current preferences.
type Preferences interface {
	Current() prefs.Preferences
}

// Repository tracks the threads of one (account, folder) target.
type Repository struct {
	tracker *target.Tracker[mail.Thread]
	prefs   Preferences
	now     func() time.Time
}

// NewRepository creates a thread repository. p may be nil.
func NewRepository(scope *dispatch.Scope, registry *provider.Registry, p Preferences) *Repository {
	r := &Repository{prefs: p, now: time.Now}
	r.tracker = target.New(scope, registry, "threads", r.fetch)
	return r
}

func (r *Repository) fetch(ctx context.Context, remote provider.Remote, token string, folder mail.Folder) ([]mail.Thread, error) {
	req := mail.PageRequest{PageSize: DefaultPageSize, Fields: mail.DefaultMessageFields}
	if r.prefs != nil {
		req.Since = r.prefs.Current().SyncSince(r.now())
	}
	page, err := remote.Threads(ctx, token, folder.ID, req)
	if err != nil {
		return nil, err
	}
	return page.Threads, nil
}

// Observe returns the thread state of the current target.
func (r *Repository) Observe() *flow.State[target.State[mail.Thread]] {
	return r.tracker.Observe()
}

// SetTargetFolder retargets the repository. Nil clears it.
func (r *Repository) SetTargetFolder(account *mail.Account, folder *mail.Folder) {
	r.tracker.SetTarget(account, folder)
}

// RefreshThreads re-fetches the current target unless a fetch is running.
func (r *Repository) RefreshThreads(ui auth.Prompter) {
	r.tracker.Refresh(ui)
}

// Target returns the current target, if any.
func (r *Repository) Target() (target.Key, bool) {
	return r.tracker.Target()
}
