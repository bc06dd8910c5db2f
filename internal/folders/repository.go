// Package folders keeps the folder list of every observed account, with one
// fetch job per account.
package folders

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"

	"github.com/tonimelisma/melisma/internal/auth"
	"github.com/tonimelisma/melisma/internal/dispatch"
	"github.com/tonimelisma/melisma/internal/flow"
	"github.com/tonimelisma/melisma/internal/mail"
	"github.com/tonimelisma/melisma/internal/mailerr"
	"github.com/tonimelisma/melisma/internal/provider"
)

// Status tags a FetchState.
type Status int

const (
	StatusLoading Status = iota
	StatusSuccess
	StatusError
)

func (s Status) String() string {
	switch s {
	case StatusLoading:
		return "loading"
	case StatusSuccess:
		return "success"
	case StatusError:
		return "error"
	}
	panic("folders: unknown status")
}

// FetchState is the folder state of one account. Folders is set for
// StatusSuccess and Message for StatusError.
type FetchState struct {
	Status  Status
	Folders []mail.Folder
	Message string
}

// States maps account ids to their folder state. Published values are
// never mutated.
type States map[string]FetchState

// AnyLoading reports whether some account is loading.
func (s States) AnyLoading() bool {
	for _, st := range s {
		if st.Status == StatusLoading {
			return true
		}
	}
	return false
}

type running struct {
	job *dispatch.Job
	gen uint64
}

// Repository is the folder repository. Job bookkeeping and state writes
// are serialized on its queue.
type Repository struct {
	scope    *dispatch.Scope
	queue    *dispatch.Serial
	registry *provider.Registry
	logger   *slog.Logger
	state    *flow.State[States]

	// Owned by queue.
	observed map[string]mail.Account
	jobs     map[string]running
	gen      uint64
}

// NewRepository creates a folder repository.
func NewRepository(scope *dispatch.Scope, registry *provider.Registry) *Repository {
	return &Repository{
		scope:    scope,
		queue:    scope.Serial("folders"),
		registry: registry,
		logger:   scope.Logger().With("component", "folders"),
		state:    flow.NewState(States{}),
		observed: make(map[string]mail.Account),
		jobs:     make(map[string]running),
	}
}

// Observe returns the live folder states.
func (r *Repository) Observe() *flow.State[States] {
	return r.state
}

// ManageObservedAccounts reconciles the observed set with accounts.
// Accounts that left are purged and their job cancelled. New accounts and
// accounts in the Error state are fetched; Loading and Success are left
// alone.
func (r *Repository) ManageObservedAccounts(accounts []mail.Account) {
	accounts = append([]mail.Account(nil), accounts...)
	r.queue.Go(func() {
		present := make(map[string]bool, len(accounts))
		for _, a := range accounts {
			present[a.ID] = true
		}
		for id := range r.observed {
			if !present[id] {
				r.purge(id)
			}
		}

		current := r.state.Value()
		for _, a := range accounts {
			r.observed[a.ID] = a
			st, ok := current[a.ID]
			if ok && st.Status != StatusError {
				continue
			}
			r.start(a, nil, false)
		}
	})
}

// RefreshAllFolders fetches every observed account regardless of state.
func (r *Repository) RefreshAllFolders(ui auth.Prompter) {
	r.queue.Go(func() {
		for _, a := range r.observed {
			r.start(a, ui, true)
		}
	})
}

// RefreshAccount fetches one observed account. It reports false if the
// account is not observed.
func (r *Repository) RefreshAccount(accountID string, ui auth.Prompter) bool {
	var ok bool
	r.queue.Do(func() {
		var a mail.Account
		if a, ok = r.observed[accountID]; ok {
			r.start(a, ui, true)
		}
	})
	return ok
}

// Sync refreshes one observed account and waits for the outcome. If a
// newer fetch supersedes this one, Sync waits for that fetch instead.
func (r *Repository) Sync(ctx context.Context, accountID string, ui auth.Prompter) (FetchState, error) {
	var job *dispatch.Job
	if !r.queue.Do(func() {
		if a, ok := r.observed[accountID]; ok {
			job = r.start(a, ui, true)
		}
	}) {
		return FetchState{}, context.Canceled
	}
	if job == nil {
		return FetchState{}, fmt.Errorf("account %s is not observed", accountID)
	}
	if err := job.Wait(ctx); err != nil {
		return FetchState{}, err
	}

	// The job hands its result to the queue before finishing.
	var (
		st      FetchState
		present bool
	)
	r.queue.Do(func() { st, present = r.state.Value()[accountID] })
	switch {
	case !present:
		return FetchState{}, fmt.Errorf("account %s is no longer observed", accountID)
	case st.Status == StatusLoading:
		return r.AwaitSettled(ctx, accountID)
	}
	return st, nil
}

// AwaitSettled blocks until accountID has a Success or Error state.
func (r *Repository) AwaitSettled(ctx context.Context, accountID string) (FetchState, error) {
	s, err := flow.WaitFor(ctx, r.state, func(s States) bool {
		st, ok := s[accountID]
		return ok && st.Status != StatusLoading
	})
	if err != nil {
		return FetchState{}, err
	}
	return s[accountID], nil
}

func (r *Repository) purge(accountID string) {
	if j, ok := r.jobs[accountID]; ok {
		j.job.Cancel()
		delete(r.jobs, accountID)
	}
	delete(r.observed, accountID)
	r.edit(func(s States) { delete(s, accountID) })
	r.logger.Debug("stopped observing account", "account", accountID)
}

func (r *Repository) edit(fn func(States)) {
	r.state.Update(func(cur States) States {
		next := maps.Clone(cur)
		fn(next)
		return next
	})
}

// start replaces the account's job with a new fetch. With keepStale a
// Success state stays visible until the new result lands.
func (r *Repository) start(account mail.Account, ui auth.Prompter, keepStale bool) *dispatch.Job {
	if j, ok := r.jobs[account.ID]; ok {
		j.job.Cancel()
	}
	r.gen++
	gen := r.gen

	if st, ok := r.state.Value()[account.ID]; !keepStale || !ok || st.Status != StatusSuccess {
		r.edit(func(s States) { s[account.ID] = FetchState{Status: StatusLoading} })
	}

	job := r.scope.Launch("folders:"+account.ID, func(ctx context.Context) {
		folders, err := r.load(ctx, account, ui)
		if err == nil && ctx.Err() != nil {
			err = ctx.Err()
		}
		r.queue.Go(func() { r.commit(account.ID, gen, folders, err) })
	})
	r.jobs[account.ID] = running{job: job, gen: gen}
	return job
}

func (r *Repository) load(ctx context.Context, account mail.Account, ui auth.Prompter) ([]mail.Folder, error) {
	c, err := r.registry.ForAccount(account)
	if err != nil {
		return nil, err
	}
	token, err := c.Token(ctx, account, ui)
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return c.Remote.MailFolders(ctx, token)
}

// commit applies a job's outcome unless a newer job for the account has
// started or the account was purged.
func (r *Repository) commit(accountID string, gen uint64, folders []mail.Folder, err error) {
	j, ok := r.jobs[accountID]
	if !ok || j.gen != gen {
		r.logger.Debug("discarding superseded folder result", "account", accountID)
		return
	}
	delete(r.jobs, accountID)

	switch {
	case err == nil:
		r.edit(func(s States) { s[accountID] = FetchState{Status: StatusSuccess, Folders: folders} })
	case errors.Is(err, context.Canceled):
		r.edit(func(s States) {
			if st, ok := s[accountID]; ok && st.Status == StatusLoading {
				delete(s, accountID)
			}
		})
	default:
		r.logger.Warn("folder fetch failed", "account", accountID, "error", err)
		r.edit(func(s States) { s[accountID] = FetchState{Status: StatusError, Message: mailerr.Message(err)} })
	}
}
