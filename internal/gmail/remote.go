package gmail

import (
	"context"
	"fmt"
	"html"
	netmail "net/mail"
	"net/url"
	"slices"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/rotisserie/eris"
	"golang.org/x/sync/errgroup"

	"github.com/tonimelisma/melisma/internal/mail"
	"github.com/tonimelisma/melisma/internal/provider"
)

const (
	defaultPageSize = 50
	maxPageSize     = 500
)

// Ensure Client implements the remote boundary.
var _ provider.Remote = (*Client)(nil)

// Gmail API JSON response types.

type gmailLabel struct {
	ID                  string `json:"id"`
	Name                string `json:"name"`
	Type                string `json:"type"`
	MessagesTotal       int    `json:"messagesTotal"`
	MessagesUnread      int    `json:"messagesUnread"`
	LabelListVisibility string `json:"labelListVisibility"`
}

type listLabelsResponse struct {
	Labels []gmailLabel `json:"labels"`
}

type gmailRef struct {
	ID       string `json:"id"`
	ThreadID string `json:"threadId"`
}

type listMessagesResponse struct {
	Messages      []gmailRef `json:"messages"`
	NextPageToken string     `json:"nextPageToken"`
}

type listThreadsResponse struct {
	Threads       []gmailRef `json:"threads"`
	NextPageToken string     `json:"nextPageToken"`
}

type gmailHeader struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

type gmailPart struct {
	MimeType string      `json:"mimeType"`
	Filename string      `json:"filename"`
	Parts    []gmailPart `json:"parts"`
}

type gmailMessage struct {
	ID           string   `json:"id"`
	ThreadID     string   `json:"threadId"`
	LabelIDs     []string `json:"labelIds"`
	Snippet      string   `json:"snippet"`
	InternalDate string   `json:"internalDate"`
	Payload      struct {
		MimeType string        `json:"mimeType"`
		Headers  []gmailHeader `json:"headers"`
		Parts    []gmailPart   `json:"parts"`
	} `json:"payload"`
}

type gmailThread struct {
	ID       string         `json:"id"`
	Messages []gmailMessage `json:"messages"`
}

// systemLabels are the Gmail system labels shown as folders, in display
// order. Other system labels (UNREAD, CHAT, CATEGORY_*) are not folders.
var systemLabels = []struct {
	id   string
	name string
	typ  mail.FolderType
}{
	{"INBOX", "Inbox", mail.FolderInbox},
	{"STARRED", "Starred", mail.FolderStarred},
	{"IMPORTANT", "Important", mail.FolderImportant},
	{"SENT", "Sent", mail.FolderSent},
	{"DRAFT", "Drafts", mail.FolderDrafts},
	{"SPAM", "Spam", mail.FolderSpam},
	{"TRASH", "Trash", mail.FolderTrash},
}

// MailFolders lists the account's labels as folders. Counts come from a
// labels.get per label; a label whose counts cannot be fetched is kept with
// zero counts.
func (c *Client) MailFolders(ctx context.Context, token string) ([]mail.Folder, error) {
	data, err := c.get(ctx, token, OpLabelsList, fmt.Sprintf("/users/%s/labels", c.userID), nil)
	if err != nil {
		return nil, err
	}
	var resp listLabelsResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		return nil, eris.Wrap(err, "parse labels")
	}

	var folders []mail.Folder
	for _, l := range resp.Labels {
		if f, ok := labelFolder(l); ok {
			folders = append(folders, f)
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.concurrency)
	for i := range folders {
		g.Go(func() error {
			path := fmt.Sprintf("/users/%s/labels/%s", c.userID, url.PathEscape(folders[i].ID))
			data, err := c.get(gctx, token, OpLabelsGet, path, nil)
			if err != nil {
				if gctx.Err() != nil {
					return gctx.Err()
				}
				c.logger.Warn("failed to fetch label counts", "label", folders[i].ID, "error", err)
				return nil
			}
			var l gmailLabel
			if err := json.Unmarshal(data, &l); err != nil {
				c.logger.Warn("failed to parse label", "label", folders[i].ID, "error", err)
				return nil
			}
			folders[i].TotalItemCount = l.MessagesTotal
			folders[i].UnreadItemCount = l.MessagesUnread
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	sortFolders(folders)
	return folders, nil
}

func labelFolder(l gmailLabel) (mail.Folder, bool) {
	if l.Type == "system" {
		for _, s := range systemLabels {
			if s.id == l.ID {
				return mail.Folder{ID: l.ID, DisplayName: s.name, Type: s.typ}, true
			}
		}
		return mail.Folder{}, false
	}
	if l.LabelListVisibility == "labelHide" {
		return mail.Folder{}, false
	}
	return mail.Folder{ID: l.ID, DisplayName: l.Name, Type: mail.FolderOther}, true
}

// sortFolders puts system folders first in systemLabels order, then user
// labels by name.
func sortFolders(folders []mail.Folder) {
	rank := func(f mail.Folder) int {
		for i, s := range systemLabels {
			if s.id == f.ID {
				return i
			}
		}
		return len(systemLabels)
	}
	sort.SliceStable(folders, func(i, j int) bool {
		ri, rj := rank(folders[i]), rank(folders[j])
		if ri != rj {
			return ri < rj
		}
		return strings.ToLower(folders[i].DisplayName) < strings.ToLower(folders[j].DisplayName)
	})
}

// Messages lists one page of the label's messages, newest first. Gmail only
// returns ids from a list, so headers are fetched per message; messages
// that fail to load are left out of the page.
func (c *Client) Messages(ctx context.Context, token, folderID string, req mail.PageRequest) (*mail.MessagePage, error) {
	data, err := c.get(ctx, token, OpMessagesList, fmt.Sprintf("/users/%s/messages", c.userID), listParams(folderID, req))
	if err != nil {
		return nil, err
	}
	var resp listMessagesResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		return nil, eris.Wrap(err, "parse messages")
	}

	results := make([]*gmailMessage, len(resp.Messages))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.concurrency)
	for i, ref := range resp.Messages {
		g.Go(func() error {
			var m gmailMessage
			path := fmt.Sprintf("/users/%s/messages/%s", c.userID, url.PathEscape(ref.ID))
			if err := c.getMetadata(gctx, token, OpMessagesGet, path, &m); err != nil {
				if gctx.Err() != nil {
					return gctx.Err()
				}
				c.logger.Warn("failed to fetch message", "id", ref.ID, "error", err)
				return nil
			}
			results[i] = &m
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	page := &mail.MessagePage{NextPageToken: resp.NextPageToken}
	for _, m := range results {
		if m != nil {
			page.Messages = append(page.Messages, toMessage(m))
		}
	}
	return page, nil
}

// Threads lists one page of the label's conversations, newest first.
func (c *Client) Threads(ctx context.Context, token, folderID string, req mail.PageRequest) (*mail.ThreadPage, error) {
	data, err := c.get(ctx, token, OpThreadsList, fmt.Sprintf("/users/%s/threads", c.userID), listParams(folderID, req))
	if err != nil {
		return nil, err
	}
	var resp listThreadsResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		return nil, eris.Wrap(err, "parse threads")
	}

	results := make([]*mail.Thread, len(resp.Threads))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.concurrency)
	for i, ref := range resp.Threads {
		g.Go(func() error {
			var gt gmailThread
			path := fmt.Sprintf("/users/%s/threads/%s", c.userID, url.PathEscape(ref.ID))
			if err := c.getMetadata(gctx, token, OpThreadsGet, path, &gt); err != nil {
				if gctx.Err() != nil {
					return gctx.Err()
				}
				c.logger.Warn("failed to fetch thread", "id", ref.ID, "error", err)
				return nil
			}
			results[i] = toThread(ref.ID, gt)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	page := &mail.ThreadPage{NextPageToken: resp.NextPageToken}
	for _, t := range results {
		if t != nil {
			page.Threads = append(page.Threads, *t)
		}
	}
	return page, nil
}

func (c *Client) getMetadata(ctx context.Context, token string, op Operation, path string, v any) error {
	params := url.Values{}
	params.Set("format", "metadata")
	params.Add("metadataHeaders", "Subject")
	params.Add("metadataHeaders", "From")
	data, err := c.get(ctx, token, op, path, params)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return eris.Wrapf(err, "parse %s", path)
	}
	return nil
}

func listParams(folderID string, req mail.PageRequest) url.Values {
	size := req.PageSize
	if size <= 0 {
		size = defaultPageSize
	}
	params := url.Values{}
	params.Set("labelIds", folderID)
	params.Set("maxResults", strconv.Itoa(min(size, maxPageSize)))
	if req.PageToken != "" {
		params.Set("pageToken", req.PageToken)
	}
	if !req.Since.IsZero() {
		params.Set("q", "after:"+strconv.FormatInt(req.Since.Unix(), 10))
	}
	return params
}

func toMessage(m *gmailMessage) mail.Message {
	msg := mail.Message{
		ID:             m.ID,
		ThreadID:       m.ThreadID,
		Preview:        html.UnescapeString(m.Snippet),
		IsRead:         !slices.Contains(m.LabelIDs, "UNREAD"),
		HasAttachments: hasAttachments(m.Payload.MimeType, m.Payload.Parts),
	}
	if ms, err := strconv.ParseInt(m.InternalDate, 10, 64); err == nil {
		msg.ReceivedAt = time.UnixMilli(ms).UTC()
	}
	for _, h := range m.Payload.Headers {
		switch strings.ToLower(h.Name) {
		case "subject":
			msg.Subject = h.Value
		case "from":
			msg.SenderName, msg.SenderAddress = parseFrom(h.Value)
		}
	}
	return msg
}

func parseFrom(v string) (name, address string) {
	addr, err := netmail.ParseAddress(v)
	if err != nil {
		return "", strings.TrimSpace(v)
	}
	return addr.Name, addr.Address
}

func hasAttachments(mimeType string, parts []gmailPart) bool {
	if strings.EqualFold(mimeType, "multipart/mixed") {
		return true
	}
	for _, p := range parts {
		if p.Filename != "" || hasAttachments(p.MimeType, p.Parts) {
			return true
		}
	}
	return false
}

// toThread converts a metadata thread. Gmail returns messages oldest first.
func toThread(id string, gt gmailThread) *mail.Thread {
	msgs := make([]mail.Message, 0, len(gt.Messages))
	for i := len(gt.Messages) - 1; i >= 0; i-- {
		m := toMessage(&gt.Messages[i])
		m.ThreadID = id
		msgs = append(msgs, m)
	}
	threads := mail.BuildThreads(msgs)
	if len(threads) == 0 {
		return &mail.Thread{ID: id}
	}
	return &threads[0]
}
