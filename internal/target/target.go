// Package target tracks one (account, folder) target at a time and owns the
// fetch job for it. The message and thread repositories are both built on
// Tracker; they differ only in what a fetch returns.
package target

import (
	"context"
	"errors"
	"log/slog"

	"github.com/tonimelisma/melisma/internal/auth"
	"github.com/tonimelisma/melisma/internal/dispatch"
	"github.com/tonimelisma/melisma/internal/flow"
	"github.com/tonimelisma/melisma/internal/mail"
	"github.com/tonimelisma/melisma/internal/mailerr"
	"github.com/tonimelisma/melisma/internal/provider"
)

// Status tags a State.
type Status int

const (
	StatusInitial Status = iota
	StatusLoading
	StatusSuccess
	StatusError
)

func (s Status) String() string {
	switch s {
	case StatusInitial:
		return "initial"
	case StatusLoading:
		return "loading"
	case StatusSuccess:
		return "success"
	case StatusError:
		return "error"
	}
	panic("target: unknown status")
}

// State is the data state of the tracked target. Items is set only for
// StatusSuccess and Message only for StatusError.
type State[T any] struct {
	Status  Status
	Items   []T
	Message string
}

// Key identifies a target.
type Key struct {
	AccountID string
	FolderID  string
}

// Fetch loads the items of folder from remote with an acquired token.
type Fetch[T any] func(ctx context.Context, remote provider.Remote, token string, folder mail.Folder) ([]T, error)

// Tracker is the single-target repository engine. All target and job
// bookkeeping happens on its serial queue.
type Tracker[T any] struct {
	name     string
	scope    *dispatch.Scope
	queue    *dispatch.Serial
	registry *provider.Registry
	fetch    Fetch[T]
	logger   *slog.Logger
	state    *flow.State[State[T]]

	// Owned by queue.
	account *mail.Account
	folder  *mail.Folder
	job     *dispatch.Job
}

// New creates a tracker. name labels its queue, jobs and logs.
func New[T any](scope *dispatch.Scope, registry *provider.Registry, name string, fetch Fetch[T]) *Tracker[T] {
	return &Tracker[T]{
		name:     name,
		scope:    scope,
		queue:    scope.Serial(name),
		registry: registry,
		fetch:    fetch,
		logger:   scope.Logger().With("component", name),
		state:    flow.NewState(State[T]{}),
	}
}

// Observe returns the tracked target's state.
func (t *Tracker[T]) Observe() *flow.State[State[T]] {
	return t.state
}

// Target returns the live target, if any.
func (t *Tracker[T]) Target() (Key, bool) {
	var key Key
	var ok bool
	t.queue.Do(func() {
		key, ok = t.liveKey()
	})
	return key, ok
}

func (t *Tracker[T]) liveKey() (Key, bool) {
	if t.account == nil || t.folder == nil {
		return Key{}, false
	}
	return Key{AccountID: t.account.ID, FolderID: t.folder.ID}, true
}

// SetTarget retargets the tracker. Passing nil for either clears the target:
// the job is cancelled and the state returns to Initial. Setting the current
// target again does nothing.
func (t *Tracker[T]) SetTarget(account *mail.Account, folder *mail.Folder) {
	var a *mail.Account
	var f *mail.Folder
	if account != nil && folder != nil {
		ac, fc := *account, *folder
		a, f = &ac, &fc
	}
	t.queue.Go(func() {
		if a == nil {
			t.clear()
			return
		}
		if key, ok := t.liveKey(); ok && key == (Key{AccountID: a.ID, FolderID: f.ID}) {
			t.logger.Debug("target unchanged", "account", a.ID, "folder", f.ID)
			return
		}
		t.account, t.folder = a, f
		t.start(nil, false)
	})
}

// Refresh re-fetches the current target. It does nothing without a target
// or while a fetch is in flight.
func (t *Tracker[T]) Refresh(ui auth.Prompter) {
	t.queue.Go(func() {
		if t.account == nil {
			return
		}
		if t.job != nil {
			t.logger.Debug("refresh skipped, fetch in flight", "account", t.account.ID, "folder", t.folder.ID)
			return
		}
		t.start(ui, true)
	})
}

func (t *Tracker[T]) clear() {
	if t.job != nil {
		t.job.Cancel()
		t.job = nil
	}
	t.account, t.folder = nil, nil
	t.state.Set(State[T]{})
}

// start launches a fetch for the live target, replacing any running job.
// With keepStale a Success state stays visible until the new result lands.
func (t *Tracker[T]) start(ui auth.Prompter, keepStale bool) {
	if t.job != nil {
		t.job.Cancel()
	}
	account, folder := *t.account, *t.folder
	key := Key{AccountID: account.ID, FolderID: folder.ID}

	if !keepStale || t.state.Value().Status != StatusSuccess {
		t.state.Set(State[T]{Status: StatusLoading})
	}

	var job *dispatch.Job
	job = t.scope.Launch(t.name+":"+key.AccountID+"/"+key.FolderID, func(ctx context.Context) {
		items, err := t.load(ctx, account, folder, ui)
		if ctx.Err() != nil {
			return
		}
		t.queue.Go(func() { t.commit(job, key, items, err) })
	})
	t.job = job
}

func (t *Tracker[T]) load(ctx context.Context, account mail.Account, folder mail.Folder, ui auth.Prompter) ([]T, error) {
	c, err := t.registry.ForAccount(account)
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
	return t.fetch(ctx, c.Remote, token, folder)
}

// commit applies a job's result if the job's target is still live.
func (t *Tracker[T]) commit(job *dispatch.Job, key Key, items []T, err error) {
	if t.job == job {
		t.job = nil
	}
	if live, ok := t.liveKey(); !ok || live != key {
		t.logger.Debug("discarding result for stale target", "account", key.AccountID, "folder", key.FolderID)
		return
	}

	switch {
	case err == nil:
		t.state.Set(State[T]{Status: StatusSuccess, Items: items})
	case errors.Is(err, context.Canceled):
		if t.state.Value().Status == StatusLoading {
			t.state.Set(State[T]{})
		}
	default:
		t.logger.Warn("fetch failed", "account", key.AccountID, "folder", key.FolderID, "error", err)
		t.state.Set(State[T]{Status: StatusError, Message: mailerr.Message(err)})
	}
}
