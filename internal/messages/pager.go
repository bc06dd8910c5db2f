package messages

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/tonimelisma/melisma/internal/dispatch"
	"github.com/tonimelisma/melisma/internal/flow"
	"github.com/tonimelisma/melisma/internal/mail"
	"github.com/tonimelisma/melisma/internal/mailerr"
	"github.com/tonimelisma/melisma/internal/provider"
)

// PagingConfig tunes a Pager.
type PagingConfig struct {
	// PageSize is the number of messages each append requests.
	PageSize int
	// PrefetchDistance is how close to the loaded edge an access must be
	// to trigger the next page.
	PrefetchDistance int
	// EnablePlaceholders reports unloaded slots in PageSnapshot.Placeholders.
	EnablePlaceholders bool
	// InitialLoadSize is the size of the first page.
	InitialLoadSize int
}

// DefaultPagingConfig returns the default paging configuration.
func DefaultPagingConfig() PagingConfig {
	return PagingConfig{
		PageSize:         30,
		PrefetchDistance: 10,
		InitialLoadSize:  90,
	}
}

func (c PagingConfig) normalize() PagingConfig {
	d := DefaultPagingConfig()
	if c.PageSize <= 0 {
		c.PageSize = d.PageSize
	}
	if c.PrefetchDistance < 0 {
		c.PrefetchDistance = 0
	}
	if c.InitialLoadSize <= 0 {
		c.InitialLoadSize = 3 * c.PageSize
	}
	return c
}

// SyncKind tags a SyncState.
type SyncKind int

const (
	SyncIdle SyncKind = iota
	SyncRunning
	SyncError
)

func (k SyncKind) String() string {
	switch k {
	case SyncIdle:
		return "idle"
	case SyncRunning:
		return "syncing"
	case SyncError:
		return "error"
	}
	panic("messages: unknown sync kind")
}

// SyncState reports remote paging activity independently of page content.
// AccountID and FolderID are empty for SyncIdle.
type SyncState struct {
	Kind      SyncKind
	AccountID string
	FolderID  string
	Message   string
}

// PageSnapshot is what a Pager currently shows.
type PageSnapshot struct {
	Items        []mail.Message
	Placeholders int
	Loading      bool
	EndReached   bool
	// Message is the mapped error of the last failed load.
	Message string
}

// PagedRepository creates pagers over the local cache and reports their
// remote activity through one shared SyncState.
type PagedRepository struct {
	scope    *dispatch.Scope
	registry *provider.Registry
	cache    Cache
	prefs    Preferences
	logger   *slog.Logger
	sync     *flow.State[SyncState]
	now      func() time.Time
}

// NewPagedRepository creates a paged repository. p may be nil.
func NewPagedRepository(scope *dispatch.Scope, registry *provider.Registry, cache Cache, p Preferences) *PagedRepository {
	return &PagedRepository{
		scope:    scope,
		registry: registry,
		cache:    cache,
		prefs:    p,
		logger:   scope.Logger().With("component", "pager"),
		sync:     flow.NewState(SyncState{}),
		now:      time.Now,
	}
}

// SyncState returns the shared sync indicator.
func (r *PagedRepository) SyncState() *flow.State[SyncState] {
	return r.sync
}

// MessagesPager creates a pager for one folder. Nothing is loaded until
// Load is called.
func (r *PagedRepository) MessagesPager(account mail.Account, folder mail.Folder, cfg PagingConfig) *Pager {
	cfg = cfg.normalize()
	ctx, cancel := context.WithCancel(r.scope.Context())
	return &Pager{
		repo:     r,
		account:  account,
		folder:   folder,
		cfg:      cfg,
		mediator: NewRemoteMediator(r.registry, r.cache, account, folder, cfg, syncSince(r.prefs, r.now())),
		logger:   r.logger.With("account", account.ID, "folder", folder.ID),
		snapshot: flow.NewState(PageSnapshot{}),
		ctx:      ctx,
		cancel:   cancel,
	}
}

func (r *PagedRepository) syncing(key SyncState) {
	key.Kind = SyncRunning
	r.sync.Set(key)
}

// settle records the outcome of a load unless a newer pager has taken over
// the indicator.
func (r *PagedRepository) settle(key SyncState, msg string) {
	r.sync.Update(func(cur SyncState) SyncState {
		if cur.AccountID != key.AccountID || cur.FolderID != key.FolderID {
			return cur
		}
		if msg == "" {
			return SyncState{}
		}
		key.Kind = SyncError
		key.Message = msg
		return key
	})
}

// Pager is a demand-driven page sequence over one folder's cached
// messages. Only one load runs at a time; overlapping requests are dropped.
type Pager struct {
	repo     *PagedRepository
	account  mail.Account
	folder   mail.Folder
	cfg      PagingConfig
	mediator *RemoteMediator
	logger   *slog.Logger
	snapshot *flow.State[PageSnapshot]

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	loading bool
	closed  bool
}

// Snapshot returns the pager's published content.
func (p *Pager) Snapshot() *flow.State[PageSnapshot] {
	return p.snapshot
}

// Config returns the effective paging configuration.
func (p *Pager) Config() PagingConfig {
	return p.cfg
}

// Load publishes whatever is cached for the folder, then refreshes it from
// the remote.
func (p *Pager) Load(ctx context.Context) error {
	n, err := p.repo.cache.CountFolderMessages(p.account.ID, p.folder.ID)
	if err != nil {
		return err
	}
	if n > 0 {
		cached, err := p.repo.cache.FolderMessages(p.account.ID, p.folder.ID, 0, p.cfg.InitialLoadSize)
		if err != nil {
			return err
		}
		p.publish(func(s PageSnapshot) PageSnapshot {
			s.Items = cached
			return s
		})
	}
	return p.run(ctx, LoadRefresh)
}

// Refresh discards the cached listing and reloads the first page.
func (p *Pager) Refresh(ctx context.Context) error {
	return p.run(ctx, LoadRefresh)
}

// Access signals that the item at index is being displayed. When index is
// within PrefetchDistance of the loaded edge the next page is appended.
func (p *Pager) Access(ctx context.Context, index int) error {
	s := p.snapshot.Value()
	if s.EndReached || index < len(s.Items)-p.cfg.PrefetchDistance {
		return nil
	}
	return p.run(ctx, LoadAppend)
}

// Close cancels any running load. A closed pager publishes nothing further.
func (p *Pager) Close() {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
	p.cancel()
}

func (p *Pager) run(ctx context.Context, lt LoadType) error {
	p.mu.Lock()
	if p.closed || p.loading {
		p.mu.Unlock()
		return nil
	}
	p.loading = true
	p.mu.Unlock()
	defer func() {
		p.mu.Lock()
		p.loading = false
		p.mu.Unlock()
	}()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(p.ctx, cancel)
	defer stop()

	key := SyncState{AccountID: p.account.ID, FolderID: p.folder.ID}
	p.publish(func(s PageSnapshot) PageSnapshot {
		s.Loading = true
		s.Message = ""
		return s
	})
	p.repo.syncing(key)

	end, err := p.mediator.Load(ctx, lt)
	var items []mail.Message
	if err == nil {
		items, err = p.cachedItems()
	}
	if err != nil {
		msg := ""
		if !errors.Is(err, context.Canceled) {
			msg = mailerr.Message(err)
			p.logger.Warn("page load failed", "load", lt.String(), "error", err)
		}
		p.repo.settle(key, msg)
		p.publish(func(s PageSnapshot) PageSnapshot {
			s.Loading = false
			s.Message = msg
			return s
		})
		return err
	}
	p.repo.settle(key, "")

	p.logger.Debug("page loaded", "load", lt.String(), "items", len(items), "end", end)
	p.publish(func(s PageSnapshot) PageSnapshot {
		s.Items = items
		s.Loading = false
		s.EndReached = end
		s.Placeholders = 0
		if p.cfg.EnablePlaceholders && !end {
			s.Placeholders = max(p.folder.TotalItemCount-len(items), 0)
		}
		return s
	})
	return nil
}

// cachedItems reads every cached message of the folder in listing order.
func (p *Pager) cachedItems() ([]mail.Message, error) {
	n, err := p.repo.cache.CountFolderMessages(p.account.ID, p.folder.ID)
	if err != nil {
		return nil, fmt.Errorf("count cached messages: %w", err)
	}
	items, err := p.repo.cache.FolderMessages(p.account.ID, p.folder.ID, 0, n)
	if err != nil {
		return nil, fmt.Errorf("read cached messages: %w", err)
	}
	return items, nil
}

func (p *Pager) publish(fn func(PageSnapshot) PageSnapshot) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	p.snapshot.Update(fn)
}
