package prefs_test

import (
	"errors"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/tonimelisma/melisma/internal/mail"
	"github.com/tonimelisma/melisma/internal/prefs"
	"github.com/tonimelisma/melisma/internal/testutil"
)

func TestNewRepository_Defaults(t *testing.T) {
	st := testutil.NewTestStore(t)
	repo, err := prefs.NewRepository(st, nil)
	testutil.MustNoErr(t, err, "NewRepository")

	if diff := cmp.Diff(prefs.Defaults(), repo.Current()); diff != "" {
		t.Errorf("Current() mismatch (-want +got):\n%s", diff)
	}
}

func TestRepository_SetPersistsAndPublishes(t *testing.T) {
	st := testutil.NewTestStore(t)
	repo, err := prefs.NewRepository(st, nil)
	testutil.MustNoErr(t, err, "NewRepository")

	testutil.MustNoErr(t, repo.SetViewMode(mail.ViewMessages), "SetViewMode")
	testutil.MustNoErr(t, repo.Set(prefs.KeyInitialSyncDays, "30"), "Set sync days")
	testutil.MustNoErr(t, repo.Set(prefs.KeyAttachmentDownload, "wifi_only"), "Set attachments")
	testutil.MustNoErr(t, repo.Set(prefs.KeySignature, "-- \nAnn"), "Set signature")

	got := repo.Observe().Value()
	if got.ViewMode != mail.ViewMessages || got.InitialSyncDays != 30 ||
		got.AttachmentDownload != prefs.DownloadWiFiOnly || got.Signature != "-- \nAnn" {
		t.Errorf("Observe().Value() = %+v", got)
	}

	reopened, err := prefs.NewRepository(st, nil)
	testutil.MustNoErr(t, err, "reopen")
	if diff := cmp.Diff(got, reopened.Current()); diff != "" {
		t.Errorf("reloaded preferences mismatch (-want +got):\n%s", diff)
	}
}

func TestRepository_SetRejectsInvalid(t *testing.T) {
	st := testutil.NewTestStore(t)
	repo, err := prefs.NewRepository(st, nil)
	testutil.MustNoErr(t, err, "NewRepository")

	tests := []struct{ key, value string }{
		{prefs.KeyViewMode, "GRID"},
		{prefs.KeyCacheSizeLimitMB, "-1"},
		{prefs.KeyCacheSizeLimitMB, "lots"},
		{prefs.KeyInitialSyncDays, "45"},
		{prefs.KeyBodyDownload, "SOMETIMES"},
		{"colour", "blue"},
	}
	for _, tt := range tests {
		if err := repo.Set(tt.key, tt.value); err == nil {
			t.Errorf("Set(%q, %q) succeeded", tt.key, tt.value)
		}
	}
	if diff := cmp.Diff(prefs.Defaults(), repo.Current()); diff != "" {
		t.Errorf("invalid sets changed preferences (-want +got):\n%s", diff)
	}
	stored, err := st.ListPreferences()
	testutil.MustNoErr(t, err, "ListPreferences")
	if len(stored) != 0 {
		t.Errorf("stored = %v, want nothing", stored)
	}
}

func TestNewRepository_IgnoresCorruptValues(t *testing.T) {
	st := testutil.NewTestStore(t)
	testutil.MustNoErr(t, st.SetPreference(prefs.KeyViewMode, "bogus"), "seed")
	testutil.MustNoErr(t, st.SetPreference(prefs.KeyCacheSizeLimitMB, "250"), "seed")

	repo, err := prefs.NewRepository(st, nil)
	testutil.MustNoErr(t, err, "NewRepository")
	got := repo.Current()
	if got.ViewMode != mail.ViewThreads || got.CacheSizeLimitMB != 250 {
		t.Errorf("Current() = %+v", got)
	}
}

type failingStore struct{}

func (failingStore) SetPreference(string, string) error           { return errors.New("disk full") }
func (failingStore) ListPreferences() (map[string]string, error) { return nil, nil }

func TestRepository_StoreFailureKeepsState(t *testing.T) {
	repo, err := prefs.NewRepository(failingStore{}, nil)
	testutil.MustNoErr(t, err, "NewRepository")

	if err := repo.SetViewMode(mail.ViewMessages); err == nil {
		t.Fatal("SetViewMode() succeeded on failing store")
	}
	if got := repo.Current().ViewMode; got != mail.ViewThreads {
		t.Errorf("ViewMode = %v, want unchanged", got)
	}
}

func TestPreferencesGetRoundTrip(t *testing.T) {
	p := prefs.Defaults()
	for _, k := range prefs.Keys {
		if _, err := p.Get(k); err != nil {
			t.Errorf("Get(%q) error = %v", k, err)
		}
	}
	if _, err := p.Get("nope"); err == nil {
		t.Error("Get(unknown) succeeded")
	}
}

func TestSyncSince(t *testing.T) {
	now := time.Date(2024, 6, 30, 12, 0, 0, 0, time.UTC)
	p := prefs.Defaults()

	p.InitialSyncDays = 30
	if got, want := p.SyncSince(now), time.Date(2024, 5, 31, 12, 0, 0, 0, time.UTC); !got.Equal(want) {
		t.Errorf("SyncSince(30) = %v, want %v", got, want)
	}
	p.InitialSyncDays = 0
	if got := p.SyncSince(now); !got.IsZero() {
		t.Errorf("SyncSince(all time) = %v, want zero", got)
	}
}
