// Package mail defines the provider-neutral domain model shared by the
// synchronization core: accounts, folders, messages and threads.
package mail

import (
	"strings"
	"time"
)

// ProviderType identifies the mail provider an account belongs to.
type ProviderType string

const (
	ProviderMicrosoft ProviderType = "MS"
	ProviderGoogle    ProviderType = "GOOGLE"
)

// ParseProvider accepts the canonical tags as well as common aliases
// ("microsoft", "outlook", "gmail").
func ParseProvider(s string) (ProviderType, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "ms", "microsoft", "outlook", "graph":
		return ProviderMicrosoft, true
	case "google", "gmail":
		return ProviderGoogle, true
	}
	return "", false
}

// DisplayName returns a human-readable provider name.
func (p ProviderType) DisplayName() string {
	switch p {
	case ProviderMicrosoft:
		return "Microsoft"
	case ProviderGoogle:
		return "Google"
	}
	return string(p)
}

// Account is a signed-in mail account.
type Account struct {
	// ID is stable across sessions and namespaced by provider,
	// e.g. "GOOGLE:1084..." or "MS:<oid>.<tid>".
	ID                    string       `json:"id"`
	Username              string       `json:"username"`
	EmailAddress          string       `json:"email_address"`
	Provider              ProviderType `json:"provider"`
	NeedsReauthentication bool         `json:"needs_reauthentication"`
}

// AccountID builds a namespaced account id from a provider-native id.
func AccountID(p ProviderType, nativeID string) string {
	return string(p) + ":" + nativeID
}

// DisplayLabel returns the email address when known, else the username.
func (a Account) DisplayLabel() string {
	if a.EmailAddress != "" {
		return a.EmailAddress
	}
	return a.Username
}

// FindAccount returns the account with the given id.
func FindAccount(accounts []Account, id string) (Account, bool) {
	for _, a := range accounts {
		if a.ID == id {
			return a, true
		}
	}
	return Account{}, false
}

// FolderType classifies well-known folders across providers.
type FolderType int

const (
	FolderOther FolderType = iota
	FolderInbox
	FolderSent
	FolderDrafts
	FolderArchive
	FolderTrash
	FolderSpam
	FolderStarred
	FolderImportant
)

func (t FolderType) String() string {
	switch t {
	case FolderOther:
		return "OTHER"
	case FolderInbox:
		return "INBOX"
	case FolderSent:
		return "SENT"
	case FolderDrafts:
		return "DRAFTS"
	case FolderArchive:
		return "ARCHIVE"
	case FolderTrash:
		return "TRASH"
	case FolderSpam:
		return "SPAM"
	case FolderStarred:
		return "STARRED"
	case FolderImportant:
		return "IMPORTANT"
	}
	panic("mail: unknown folder type")
}

// Folder is an immutable snapshot of a remote mail folder.
type Folder struct {
	ID              string     `json:"id"`
	DisplayName     string     `json:"display_name"`
	TotalItemCount  int        `json:"total_item_count"`
	UnreadItemCount int        `json:"unread_item_count"`
	Type            FolderType `json:"type"`
}

// Message is a message header as shown in a message list.
type Message struct {
	ID             string    `json:"id"`
	ThreadID       string    `json:"thread_id,omitempty"`
	Subject        string    `json:"subject"`
	SenderName     string    `json:"sender_name"`
	SenderAddress  string    `json:"sender_address"`
	Preview        string    `json:"preview"`
	ReceivedAt     time.Time `json:"received_at"`
	IsRead         bool      `json:"is_read"`
	HasAttachments bool      `json:"has_attachments"`
}

// Thread groups the messages of one conversation, newest first.
type Thread struct {
	ID           string    `json:"id"`
	Subject      string    `json:"subject"`
	Snippet      string    `json:"snippet"`
	Participants []string  `json:"participants"`
	Messages     []Message `json:"messages"`
	MessageCount int       `json:"message_count"`
	UnreadCount  int       `json:"unread_count"`
	LastActivity time.Time `json:"last_activity"`
}

// ViewMode selects whether the message list shows threads or messages.
type ViewMode string

const (
	ViewThreads  ViewMode = "THREADS"
	ViewMessages ViewMode = "MESSAGES"
)

// ParseViewMode parses a view mode, case-insensitively.
func ParseViewMode(s string) (ViewMode, bool) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case string(ViewThreads):
		return ViewThreads, true
	case string(ViewMessages):
		return ViewMessages, true
	}
	return "", false
}

// DefaultMessageFields are the fields requested for message lists.
var DefaultMessageFields = []string{
	"id", "conversationId", "subject", "receivedDateTime",
	"from", "isRead", "bodyPreview", "hasAttachments",
}

// PageRequest parameterizes a remote list call.
type PageRequest struct {
	PageSize  int
	PageToken string
	Fields    []string
	// Since restricts results to items received at or after Since.
	// The zero value means no restriction.
	Since time.Time
}

// MessagePage is one page of a remote message listing.
type MessagePage struct {
	Messages      []Message
	NextPageToken string
}

// ThreadPage is one page of a remote thread listing.
type ThreadPage struct {
	Threads       []Thread
	NextPageToken string
}

// BuildThreads groups messages by ThreadID, preserving the order in which
// each thread first appears. Messages without a ThreadID form their own
// thread.
func BuildThreads(msgs []Message) []Thread {
	index := make(map[string]int)
	var threads []Thread
	for _, m := range msgs {
		key := m.ThreadID
		if key == "" {
			key = m.ID
		}
		i, ok := index[key]
		if !ok {
			index[key] = len(threads)
			threads = append(threads, Thread{ID: key, Subject: m.Subject, Snippet: m.Preview})
			i = len(threads) - 1
		}
		threads[i].add(m)
	}
	return threads
}

func (t *Thread) add(m Message) {
	t.Messages = append(t.Messages, m)
	t.MessageCount = len(t.Messages)
	if !m.IsRead {
		t.UnreadCount++
	}
	if m.ReceivedAt.After(t.LastActivity) {
		t.LastActivity = m.ReceivedAt
		t.Snippet = m.Preview
	}
	if t.Subject == "" {
		t.Subject = m.Subject
	}
	who := m.SenderName
	if who == "" {
		who = m.SenderAddress
	}
	if who == "" {
		return
	}
	for _, p := range t.Participants {
		if p == who {
			return
		}
	}
	t.Participants = append(t.Participants, who)
}
