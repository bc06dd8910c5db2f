package target_test

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/tonimelisma/melisma/internal/dispatch"
	"github.com/tonimelisma/melisma/internal/mail"
	"github.com/tonimelisma/melisma/internal/mailerr"
	"github.com/tonimelisma/melisma/internal/provider"
	"github.com/tonimelisma/melisma/internal/target"
	"github.com/tonimelisma/melisma/internal/testutil"
	"github.com/tonimelisma/melisma/internal/testutil/mailtest"
)

type fixture struct {
	p       *mailtest.Provider
	tracker *target.Tracker[mail.Message]
	account mail.Account
	inbox   mail.Folder
	sent    mail.Folder
}

func fetchMessages(ctx context.Context, remote provider.Remote, token string, folder mail.Folder) ([]mail.Message, error) {
	page, err := remote.Messages(ctx, token, folder.ID, mail.PageRequest{PageSize: 50})
	if err != nil {
		return nil, err
	}
	return page.Messages, nil
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	scope := dispatch.NewScope(context.Background(), slog.New(slog.NewTextHandler(io.Discard, nil)))
	t.Cleanup(scope.Close)

	acct := mailtest.Account(mail.ProviderGoogle, "1", "ann@example.com")
	p := mailtest.NewProvider(mail.ProviderGoogle, acct)
	f := &fixture{
		p:       p,
		tracker: target.New(scope, mailtest.NewRegistry(t, p), "messages", fetchMessages),
		account: acct,
		inbox:   mail.Folder{ID: "INBOX", DisplayName: "Inbox", Type: mail.FolderInbox},
		sent:    mail.Folder{ID: "SENT", DisplayName: "Sent", Type: mail.FolderSent},
	}
	p.Remote.SetMessages(acct.ID, "INBOX", mail.Message{ID: "i1", Subject: "inbox mail"})
	p.Remote.SetMessages(acct.ID, "SENT", mail.Message{ID: "s1", Subject: "sent mail"})
	return f
}

// sync waits until every previously submitted call has been processed.
func (f *fixture) sync() { f.tracker.Target() }

func (f *fixture) waitStatus(t *testing.T, want target.Status) target.State[mail.Message] {
	t.Helper()
	return testutil.WaitState(t, f.tracker.Observe(), "status "+want.String(), func(s target.State[mail.Message]) bool {
		return s.Status == want
	})
}

func TestStatusString(t *testing.T) {
	for _, s := range []target.Status{target.StatusInitial, target.StatusLoading, target.StatusSuccess, target.StatusError} {
		if s.String() == "" {
			t.Errorf("Status(%d).String() is empty", s)
		}
	}
}

func TestSetTarget_FetchesItems(t *testing.T) {
	f := newFixture(t)

	f.tracker.SetTarget(&f.account, &f.inbox)
	got := f.waitStatus(t, target.StatusSuccess)
	if len(got.Items) != 1 || got.Items[0].ID != "i1" {
		t.Errorf("Items = %+v, want inbox mail", got.Items)
	}
	key, ok := f.tracker.Target()
	if !ok || key != (target.Key{AccountID: f.account.ID, FolderID: "INBOX"}) {
		t.Errorf("Target() = %v, %v", key, ok)
	}
}

func TestSetTarget_SupersededResultIsDiscarded(t *testing.T) {
	f := newFixture(t)
	release := f.p.Remote.Block(mailtest.FolderKey(f.account.ID, "INBOX"))

	f.tracker.SetTarget(&f.account, &f.inbox)
	testutil.Eventually(t, "inbox fetch started", func() bool {
		return f.p.Remote.MessageCalls(f.account.ID, "INBOX") == 1
	})
	f.tracker.SetTarget(&f.account, &f.sent)

	got := f.waitStatus(t, target.StatusSuccess)
	if got.Items[0].ID != "s1" {
		t.Fatalf("Items = %+v, want sent mail", got.Items)
	}

	release()
	testutil.Never(t, 50*time.Millisecond, "inbox result overwrote sent", func() bool {
		s := f.tracker.Observe().Value()
		return s.Status != target.StatusSuccess || s.Items[0].ID != "s1"
	})
}

func TestSetTarget_IdenticalTargetFetchesOnce(t *testing.T) {
	f := newFixture(t)

	f.tracker.SetTarget(&f.account, &f.inbox)
	f.tracker.SetTarget(&f.account, &f.inbox)
	f.waitStatus(t, target.StatusSuccess)
	f.tracker.SetTarget(&f.account, &f.inbox)
	f.sync()

	if got := f.p.Remote.MessageCalls(f.account.ID, "INBOX"); got != 1 {
		t.Errorf("MessageCalls = %d, want 1", got)
	}
}

func TestRefresh_NoOpWhileLoading(t *testing.T) {
	f := newFixture(t)
	release := f.p.Remote.Block(mailtest.FolderKey(f.account.ID, "INBOX"))

	f.tracker.SetTarget(&f.account, &f.inbox)
	testutil.Eventually(t, "fetch in flight", func() bool {
		return f.p.Remote.MessageCalls(f.account.ID, "INBOX") == 1
	})
	f.tracker.Refresh(nil)
	f.sync()
	release()

	f.waitStatus(t, target.StatusSuccess)
	if got := f.p.Auth.SilentCalls(); got != 1 {
		t.Errorf("SilentCalls = %d, want 1", got)
	}
}

func TestRefresh_WithoutTargetDoesNothing(t *testing.T) {
	f := newFixture(t)

	f.tracker.Refresh(nil)
	f.sync()
	if got := f.p.Auth.SilentCalls(); got != 0 {
		t.Errorf("SilentCalls = %d, want 0", got)
	}
	if s := f.tracker.Observe().Value(); s.Status != target.StatusInitial {
		t.Errorf("Status = %v, want initial", s.Status)
	}
}

func TestRefresh_KeepsStaleSuccessVisible(t *testing.T) {
	f := newFixture(t)
	f.tracker.SetTarget(&f.account, &f.inbox)
	f.waitStatus(t, target.StatusSuccess)

	release := f.p.Remote.Block(mailtest.FolderKey(f.account.ID, "INBOX"))
	f.p.Remote.SetMessages(f.account.ID, "INBOX", mail.Message{ID: "i2"})
	f.tracker.Refresh(nil)
	testutil.Eventually(t, "refresh in flight", func() bool {
		return f.p.Remote.MessageCalls(f.account.ID, "INBOX") == 2
	})
	if s := f.tracker.Observe().Value(); s.Status != target.StatusSuccess || s.Items[0].ID != "i1" {
		t.Errorf("state during refresh = %+v, want previous success", s)
	}

	release()
	testutil.WaitState(t, f.tracker.Observe(), "refreshed items", func(s target.State[mail.Message]) bool {
		return s.Status == target.StatusSuccess && s.Items[0].ID == "i2"
	})
}

func TestSetTarget_ClearCancelsJob(t *testing.T) {
	f := newFixture(t)
	f.p.Remote.Block(mailtest.FolderKey(f.account.ID, "INBOX"))

	f.tracker.SetTarget(&f.account, &f.inbox)
	f.waitStatus(t, target.StatusLoading)
	f.tracker.SetTarget(nil, nil)

	f.waitStatus(t, target.StatusInitial)
	if _, ok := f.tracker.Target(); ok {
		t.Error("Target() still set after clear")
	}
	testutil.Never(t, 50*time.Millisecond, "cleared tracker left initial", func() bool {
		return f.tracker.Observe().Value().Status != target.StatusInitial
	})
}

func TestSetTarget_TokenFailureMapsError(t *testing.T) {
	f := newFixture(t)
	f.p.Auth.SetSilentError(f.account.ID, mailerr.ErrUIRequired)

	f.tracker.SetTarget(&f.account, &f.inbox)
	got := f.waitStatus(t, target.StatusError)
	if got.Message != mailerr.MsgSessionExpired {
		t.Errorf("Message = %q, want %q", got.Message, mailerr.MsgSessionExpired)
	}
	if n := f.p.Remote.MessageCalls(f.account.ID, "INBOX"); n != 0 {
		t.Errorf("MessageCalls = %d, want 0", n)
	}
}

func TestSetTarget_UnknownProvider(t *testing.T) {
	f := newFixture(t)
	other := mailtest.Account(mail.ProviderMicrosoft, "x", "x@contoso.com")

	f.tracker.SetTarget(&other, &f.inbox)
	got := f.waitStatus(t, target.StatusError)
	if got.Message == "" {
		t.Error("Message is empty")
	}
}
