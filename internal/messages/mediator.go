package messages

import (
	"context"
	"fmt"
	"time"

	"github.com/tonimelisma/melisma/internal/mail"
	"github.com/tonimelisma/melisma/internal/provider"
)

// LoadType selects what a RemoteMediator load does.
type LoadType int

const (
	// LoadRefresh replaces the cached listing with the first remote page.
	LoadRefresh LoadType = iota
	// LoadAppend fetches the page after the cached listing.
	LoadAppend
)

func (t LoadType) String() string {
	switch t {
	case LoadRefresh:
		return "refresh"
	case LoadAppend:
		return "append"
	}
	panic("messages: unknown load type")
}

// Cache is the local message cache. *store.Store implements it.
type Cache interface {
	ReplaceFolderMessages(accountID, folderID string, msgs []mail.Message, nextPageToken string) error
	AppendFolderMessages(accountID, folderID string, msgs []mail.Message, nextPageToken string) error
	FolderMessages(accountID, folderID string, offset, limit int) ([]mail.Message, error)
	CountFolderMessages(accountID, folderID string) (int, error)
	RemoteKey(accountID, folderID string) (next string, found bool, err error)
}

// RemoteMediator fetches remote pages of one folder and merges them into
// the cache. The next page token is kept in the cache alongside the rows.
type RemoteMediator struct {
	registry *provider.Registry
	cache    Cache
	account  mail.Account
	folder   mail.Folder
	cfg      PagingConfig
	since    time.Time
}

// NewRemoteMediator creates a mediator for one folder. A zero since
// fetches all time.
func NewRemoteMediator(registry *provider.Registry, cache Cache, account mail.Account, folder mail.Folder, cfg PagingConfig, since time.Time) *RemoteMediator {
	return &RemoteMediator{
		registry: registry,
		cache:    cache,
		account:  account,
		folder:   folder,
		cfg:      cfg.normalize(),
		since:    since,
	}
}

// Load runs one load and reports whether the end of the remote listing
// has been reached. Appending to a folder that was never loaded performs
// a refresh instead.
func (m *RemoteMediator) Load(ctx context.Context, lt LoadType) (endReached bool, err error) {
	req := mail.PageRequest{
		PageSize: m.cfg.InitialLoadSize,
		Fields:   mail.DefaultMessageFields,
		Since:    m.since,
	}
	if lt == LoadAppend {
		next, found, err := m.cache.RemoteKey(m.account.ID, m.folder.ID)
		if err != nil {
			return false, err
		}
		switch {
		case !found:
			lt = LoadRefresh
		case next == "":
			return true, nil
		default:
			req.PageSize = m.cfg.PageSize
			req.PageToken = next
		}
	}

	c, err := m.registry.ForAccount(m.account)
	if err != nil {
		return false, err
	}
	token, err := c.Token(ctx, m.account, nil)
	if err != nil {
		return false, err
	}
	if err := ctx.Err(); err != nil {
		return false, err
	}
	page, err := c.Remote.Messages(ctx, token, m.folder.ID, req)
	if err != nil {
		return false, err
	}
	if err := ctx.Err(); err != nil {
		return false, err
	}

	if lt == LoadRefresh {
		err = m.cache.ReplaceFolderMessages(m.account.ID, m.folder.ID, page.Messages, page.NextPageToken)
	} else {
		err = m.cache.AppendFolderMessages(m.account.ID, m.folder.ID, page.Messages, page.NextPageToken)
	}
	if err != nil {
		return false, fmt.Errorf("cache %s page: %w", lt, err)
	}
	return page.NextPageToken == "", nil
}
