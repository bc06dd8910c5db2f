package graph

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/rotisserie/eris"
	"golang.org/x/sync/errgroup"

	"github.com/tonimelisma/melisma/internal/mail"
	"github.com/tonimelisma/melisma/internal/mailerr"
	"github.com/tonimelisma/melisma/internal/provider"
)

const (
	defaultPageSize = 50
	maxPageSize     = 1000
	folderPageSize  = 100
)

var _ provider.Remote = (*Client)(nil)

type graphFolder struct {
	ID              string `json:"id"`
	DisplayName     string `json:"displayName"`
	TotalItemCount  int    `json:"totalItemCount"`
	UnreadItemCount int    `json:"unreadItemCount"`
}

type folderList struct {
	Value    []graphFolder `json:"value"`
	NextLink string        `json:"@odata.nextLink"`
}

type emailAddress struct {
	Name    string `json:"name"`
	Address string `json:"address"`
}

type graphMessage struct {
	ID               string    `json:"id"`
	ConversationID   string    `json:"conversationId"`
	Subject          string    `json:"subject"`
	BodyPreview      string    `json:"bodyPreview"`
	ReceivedDateTime time.Time `json:"receivedDateTime"`
	IsRead           bool      `json:"isRead"`
	HasAttachments   bool      `json:"hasAttachments"`
	From             *struct {
		EmailAddress emailAddress `json:"emailAddress"`
	} `json:"from"`
}

type messageList struct {
	Value    []graphMessage `json:"value"`
	NextLink string         `json:"@odata.nextLink"`
}

// wellKnownFolders are resolved by name to type folders, in display order.
var wellKnownFolders = []struct {
	name string
	typ  mail.FolderType
}{
	{"inbox", mail.FolderInbox},
	{"drafts", mail.FolderDrafts},
	{"sentitems", mail.FolderSent},
	{"archive", mail.FolderArchive},
	{"junkemail", mail.FolderSpam},
	{"deleteditems", mail.FolderTrash},
}

// MailFolders lists the account's top-level mail folders. Folder types are
// found by resolving Graph's well-known folder names; a mailbox lacking one
// (e.g. no archive) is not an error.
func (c *Client) MailFolders(ctx context.Context, token string) ([]mail.Folder, error) {
	params := url.Values{}
	params.Set("$top", strconv.Itoa(folderPageSize))
	next := c.baseURL + "/me/mailFolders?" + params.Encode()

	var folders []mail.Folder
	for next != "" {
		data, err := c.get(ctx, token, next)
		if err != nil {
			return nil, err
		}
		var resp folderList
		if err := json.Unmarshal(data, &resp); err != nil {
			return nil, eris.Wrap(err, "parse mail folders")
		}
		for _, f := range resp.Value {
			folders = append(folders, mail.Folder{
				ID:              f.ID,
				DisplayName:     f.DisplayName,
				TotalItemCount:  f.TotalItemCount,
				UnreadItemCount: f.UnreadItemCount,
				Type:            mail.FolderOther,
			})
		}
		next = resp.NextLink
	}

	types, err := c.wellKnownTypes(ctx, token)
	if err != nil {
		return nil, err
	}
	for i := range folders {
		if t, ok := types[folders[i].ID]; ok {
			folders[i].Type = t
		}
	}
	sortFolders(folders)
	return folders, nil
}

// wellKnownTypes maps folder ids to their well-known type.
func (c *Client) wellKnownTypes(ctx context.Context, token string) (map[string]mail.FolderType, error) {
	ids := make([]string, len(wellKnownFolders))
	g, gctx := errgroup.WithContext(ctx)
	for i, wk := range wellKnownFolders {
		g.Go(func() error {
			data, err := c.get(gctx, token, c.baseURL+"/me/mailFolders/"+wk.name+"?$select=id")
			var httpErr *mailerr.HTTPError
			if errors.As(err, &httpErr) && httpErr.Status == http.StatusNotFound {
				return nil
			}
			if err != nil {
				return err
			}
			var f graphFolder
			if err := json.Unmarshal(data, &f); err != nil {
				return eris.Wrapf(err, "parse folder %s", wk.name)
			}
			ids[i] = f.ID
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	types := make(map[string]mail.FolderType, len(ids))
	for i, id := range ids {
		if id != "" {
			types[id] = wellKnownFolders[i].typ
		}
	}
	return types, nil
}

func sortFolders(folders []mail.Folder) {
	rank := func(f mail.Folder) int {
		for i, wk := range wellKnownFolders {
			if wk.typ == f.Type {
				return i
			}
		}
		return len(wellKnownFolders)
	}
	sort.SliceStable(folders, func(i, j int) bool {
		ri, rj := rank(folders[i]), rank(folders[j])
		if ri != rj {
			return ri < rj
		}
		return strings.ToLower(folders[i].DisplayName) < strings.ToLower(folders[j].DisplayName)
	})
}

// Messages lists one page of a folder, newest first. A non-empty
// PageToken is the @odata.nextLink of the previous page.
func (c *Client) Messages(ctx context.Context, token, folderID string, req mail.PageRequest) (*mail.MessagePage, error) {
	resp, err := c.messages(ctx, token, folderID, req)
	if err != nil {
		return nil, err
	}
	page := &mail.MessagePage{NextPageToken: resp.NextLink}
	for _, m := range resp.Value {
		page.Messages = append(page.Messages, toMessage(m))
	}
	return page, nil
}

// Threads lists one page of a folder grouped by conversation. Graph has no
// conversation listing for mail folders, so a page of messages is grouped
// client-side and a conversation may continue on the next page.
func (c *Client) Threads(ctx context.Context, token, folderID string, req mail.PageRequest) (*mail.ThreadPage, error) {
	page, err := c.Messages(ctx, token, folderID, req)
	if err != nil {
		return nil, err
	}
	return &mail.ThreadPage{
		Threads:       mail.BuildThreads(page.Messages),
		NextPageToken: page.NextPageToken,
	}, nil
}

func (c *Client) messages(ctx context.Context, token, folderID string, req mail.PageRequest) (*messageList, error) {
	next := req.PageToken
	if next == "" {
		next = c.baseURL + "/me/mailFolders/" + url.PathEscape(folderID) + "/messages?" + messageParams(req).Encode()
	}
	data, err := c.get(ctx, token, next)
	if err != nil {
		return nil, err
	}
	var resp messageList
	if err := json.Unmarshal(data, &resp); err != nil {
		return nil, eris.Wrap(err, "parse messages")
	}
	return &resp, nil
}

func messageParams(req mail.PageRequest) url.Values {
	size := req.PageSize
	if size <= 0 {
		size = defaultPageSize
	}
	fields := req.Fields
	if len(fields) == 0 {
		fields = mail.DefaultMessageFields
	}
	params := url.Values{}
	params.Set("$select", strings.Join(fields, ","))
	params.Set("$top", strconv.Itoa(min(size, maxPageSize)))
	params.Set("$orderby", "receivedDateTime desc")
	if !req.Since.IsZero() {
		params.Set("$filter", "receivedDateTime ge "+req.Since.UTC().Format(time.RFC3339))
	}
	return params
}

func toMessage(m graphMessage) mail.Message {
	msg := mail.Message{
		ID:             m.ID,
		ThreadID:       m.ConversationID,
		Subject:        m.Subject,
		Preview:        strings.TrimSpace(m.BodyPreview),
		ReceivedAt:     m.ReceivedDateTime.UTC(),
		IsRead:         m.IsRead,
		HasAttachments: m.HasAttachments,
	}
	if m.From != nil {
		msg.SenderName = m.From.EmailAddress.Name
		msg.SenderAddress = m.From.EmailAddress.Address
	}
	return msg
}
