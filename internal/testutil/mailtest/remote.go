package mailtest

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"

	"github.com/tonimelisma/melisma/internal/mail"
	"github.com/tonimelisma/melisma/internal/provider"
)

// FakeRemote is an in-memory provider.Remote. Calls are attributed to an
// account through the token FakeAuth issues (see TokenFor). Page tokens are
// decimal offsets into the configured message list.
type FakeRemote struct {
	mu sync.Mutex

	folders     map[string][]mail.Folder
	folderErr   map[string]error
	messages    map[string][]mail.Message
	messagesErr map[string]error
	gates       map[string]chan struct{}

	folderCalls  map[string]int
	messageCalls map[string]int
	threadCalls  map[string]int
	requests     []mail.PageRequest
}

var _ provider.Remote = (*FakeRemote)(nil)

// NewFakeRemote creates an empty remote.
func NewFakeRemote() *FakeRemote {
	return &FakeRemote{
		folders:      make(map[string][]mail.Folder),
		folderErr:    make(map[string]error),
		messages:     make(map[string][]mail.Message),
		messagesErr:  make(map[string]error),
		gates:        make(map[string]chan struct{}),
		folderCalls:  make(map[string]int),
		messageCalls: make(map[string]int),
		threadCalls:  make(map[string]int),
	}
}

func folderKey(accountID, folderID string) string { return accountID + "/" + folderID }

func accountFromToken(token string) (string, error) {
	id, ok := strings.CutPrefix(token, "token:")
	if !ok {
		return "", fmt.Errorf("fake remote: unrecognized token %q", token)
	}
	return id, nil
}

// SetFolders configures the folder list returned for accountID.
func (r *FakeRemote) SetFolders(accountID string, folders ...mail.Folder) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.folders[accountID] = folders
}

// SetFoldersError makes folder listing for accountID fail.
func (r *FakeRemote) SetFoldersError(accountID string, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.folderErr[accountID] = err
}

// SetMessages configures the full message list of a folder.
func (r *FakeRemote) SetMessages(accountID, folderID string, msgs ...mail.Message) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.messages[folderKey(accountID, folderID)] = msgs
}

// SetMessagesError makes message and thread listing for a folder fail.
func (r *FakeRemote) SetMessagesError(accountID, folderID string, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.messagesErr[folderKey(accountID, folderID)] = err
}

// Block holds calls for key open until release is called. Keys are an
// account id for folder listings and "account/folder" for message and
// thread listings.
func (r *FakeRemote) Block(key string) (release func()) {
	gate := make(chan struct{})
	r.mu.Lock()
	r.gates[key] = gate
	r.mu.Unlock()
	var once sync.Once
	return func() {
		once.Do(func() {
			r.mu.Lock()
			if r.gates[key] == gate {
				delete(r.gates, key)
			}
			r.mu.Unlock()
			close(gate)
		})
	}
}

// FolderKey returns the Block key for a folder.
func FolderKey(accountID, folderID string) string { return folderKey(accountID, folderID) }

func (r *FakeRemote) wait(ctx context.Context, key string) error {
	r.mu.Lock()
	gate := r.gates[key]
	r.mu.Unlock()
	if gate == nil {
		return ctx.Err()
	}
	select {
	case <-gate:
		return ctx.Err()
	case <-ctx.Done():
		return ctx.Err()
	}
}

// MailFolders implements provider.Remote.
func (r *FakeRemote) MailFolders(ctx context.Context, token string) ([]mail.Folder, error) {
	acct, err := accountFromToken(token)
	if err != nil {
		return nil, err
	}
	r.mu.Lock()
	r.folderCalls[acct]++
	r.mu.Unlock()

	if err := r.wait(ctx, acct); err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.folderErr[acct]; err != nil {
		return nil, err
	}
	return append([]mail.Folder(nil), r.folders[acct]...), nil
}

// Messages implements provider.Remote.
func (r *FakeRemote) Messages(ctx context.Context, token, folderID string, req mail.PageRequest) (*mail.MessagePage, error) {
	acct, err := accountFromToken(token)
	if err != nil {
		return nil, err
	}
	key := folderKey(acct, folderID)
	r.mu.Lock()
	r.messageCalls[key]++
	r.requests = append(r.requests, req)
	r.mu.Unlock()

	if err := r.wait(ctx, key); err != nil {
		return nil, err
	}
	return r.page(key, req)
}

func (r *FakeRemote) page(key string, req mail.PageRequest) (*mail.MessagePage, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.messagesErr[key]; err != nil {
		return nil, err
	}

	var all []mail.Message
	for _, m := range r.messages[key] {
		if !req.Since.IsZero() && m.ReceivedAt.Before(req.Since) {
			continue
		}
		all = append(all, m)
	}

	start := 0
	if req.PageToken != "" {
		n, err := strconv.Atoi(req.PageToken)
		if err != nil {
			return nil, fmt.Errorf("fake remote: bad page token %q", req.PageToken)
		}
		start = n
	}
	if start > len(all) {
		start = len(all)
	}
	end := len(all)
	if req.PageSize > 0 && start+req.PageSize < end {
		end = start + req.PageSize
	}

	page := &mail.MessagePage{Messages: append([]mail.Message(nil), all[start:end]...)}
	if end < len(all) {
		page.NextPageToken = strconv.Itoa(end)
	}
	return page, nil
}

// Threads implements provider.Remote by grouping the folder's messages.
func (r *FakeRemote) Threads(ctx context.Context, token, folderID string, req mail.PageRequest) (*mail.ThreadPage, error) {
	acct, err := accountFromToken(token)
	if err != nil {
		return nil, err
	}
	key := folderKey(acct, folderID)
	r.mu.Lock()
	r.threadCalls[key]++
	r.mu.Unlock()

	if err := r.wait(ctx, key); err != nil {
		return nil, err
	}
	page, err := r.page(key, req)
	if err != nil {
		return nil, err
	}
	return &mail.ThreadPage{Threads: mail.BuildThreads(page.Messages), NextPageToken: page.NextPageToken}, nil
}

// FolderCalls reports folder listings made for accountID.
func (r *FakeRemote) FolderCalls(accountID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.folderCalls[accountID]
}

// MessageCalls reports message listings made for a folder.
func (r *FakeRemote) MessageCalls(accountID, folderID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.messageCalls[folderKey(accountID, folderID)]
}

// ThreadCalls reports thread listings made for a folder.
func (r *FakeRemote) ThreadCalls(accountID, folderID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.threadCalls[folderKey(accountID, folderID)]
}

// Requests returns every message PageRequest seen, in order.
func (r *FakeRemote) Requests() []mail.PageRequest {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]mail.PageRequest(nil), r.requests...)
}
