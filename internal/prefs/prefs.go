// Package prefs holds the persisted user preferences and publishes them
// reactively.
package prefs

import (
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/tonimelisma/melisma/internal/flow"
	"github.com/tonimelisma/melisma/internal/mail"
)

// DownloadPolicy controls when message bodies or attachments are fetched.
type DownloadPolicy string

const (
	DownloadAlways   DownloadPolicy = "ALWAYS"
	DownloadWiFiOnly DownloadPolicy = "WIFI_ONLY"
	DownloadOnDemand DownloadPolicy = "ON_DEMAND"
)

// ParseDownloadPolicy parses a policy name, case-insensitively.
func ParseDownloadPolicy(s string) (DownloadPolicy, bool) {
	switch p := DownloadPolicy(strings.ToUpper(strings.TrimSpace(s))); p {
	case DownloadAlways, DownloadWiFiOnly, DownloadOnDemand:
		return p, true
	}
	return "", false
}

// SyncDurations are the selectable initial sync windows in days. Zero
// means all time.
var SyncDurations = []int{30, 90, 180, 365, 0}

// Preferences is an immutable snapshot of the user's settings.
type Preferences struct {
	ViewMode           mail.ViewMode
	CacheSizeLimitMB   int
	InitialSyncDays    int
	BodyDownload       DownloadPolicy
	AttachmentDownload DownloadPolicy
	Signature          string
}

// Defaults returns the preferences used for unset keys.
func Defaults() Preferences {
	return Preferences{
		ViewMode:           mail.ViewThreads,
		CacheSizeLimitMB:   500,
		InitialSyncDays:    90,
		BodyDownload:       DownloadAlways,
		AttachmentDownload: DownloadOnDemand,
	}
}

// SyncSince returns the earliest receive time the initial sync covers, or
// the zero time for all time.
func (p Preferences) SyncSince(now time.Time) time.Time {
	if p.InitialSyncDays <= 0 {
		return time.Time{}
	}
	return now.AddDate(0, 0, -p.InitialSyncDays)
}

// CacheLimitBytes returns the cache size limit in bytes.
func (p Preferences) CacheLimitBytes() int64 {
	return int64(p.CacheSizeLimitMB) << 20
}

// Preference keys.
const (
	KeyViewMode           = "view_mode"
	KeyCacheSizeLimitMB   = "cache_size_limit_mb"
	KeyInitialSyncDays    = "initial_sync_days"
	KeyBodyDownload       = "body_download"
	KeyAttachmentDownload = "attachment_download"
	KeySignature          = "signature"
)

// Keys lists every preference key in display order.
var Keys = []string{
	KeyViewMode, KeyCacheSizeLimitMB, KeyInitialSyncDays,
	KeyBodyDownload, KeyAttachmentDownload, KeySignature,
}

// Store persists raw preference values. *store.Store implements it.
type Store interface {
	SetPreference(key, value string) error
	ListPreferences() (map[string]string, error)
}

// Repository reads preferences reactively and writes them imperatively.
type Repository struct {
	store  Store
	logger *slog.Logger
	state  *flow.State[Preferences]

	mu sync.Mutex
}

// NewRepository loads the stored preferences. Stored values that fail to
// parse fall back to their defaults.
func NewRepository(st Store, logger *slog.Logger) (*Repository, error) {
	if logger == nil {
		logger = slog.Default()
	}
	raw, err := st.ListPreferences()
	if err != nil {
		return nil, fmt.Errorf("load preferences: %w", err)
	}
	p := Defaults()
	for k, v := range raw {
		next, err := apply(p, k, v)
		if err != nil {
			logger.Warn("ignoring stored preference", "key", k, "error", err)
			continue
		}
		p = next
	}
	return &Repository{store: st, logger: logger, state: flow.NewState(p)}, nil
}

// Observe returns the live preferences.
func (r *Repository) Observe() flow.Readable[Preferences] {
	return r.state
}

// Current returns the current preferences.
func (r *Repository) Current() Preferences {
	return r.state.Value()
}

// Set validates and persists one preference by key.
func (r *Repository) Set(key, value string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	next, err := apply(r.state.Value(), key, value)
	if err != nil {
		return err
	}
	if err := r.store.SetPreference(key, value); err != nil {
		return err
	}
	r.state.Set(next)
	return nil
}

// SetViewMode persists the view mode.
func (r *Repository) SetViewMode(mode mail.ViewMode) error {
	return r.Set(KeyViewMode, string(mode))
}

// Get returns the string form of one preference.
func (p Preferences) Get(key string) (string, error) {
	switch key {
	case KeyViewMode:
		return string(p.ViewMode), nil
	case KeyCacheSizeLimitMB:
		return strconv.Itoa(p.CacheSizeLimitMB), nil
	case KeyInitialSyncDays:
		return strconv.Itoa(p.InitialSyncDays), nil
	case KeyBodyDownload:
		return string(p.BodyDownload), nil
	case KeyAttachmentDownload:
		return string(p.AttachmentDownload), nil
	case KeySignature:
		return p.Signature, nil
	}
	return "", fmt.Errorf("unknown preference %q", key)
}

func apply(p Preferences, key, value string) (Preferences, error) {
	switch key {
	case KeyViewMode:
		m, ok := mail.ParseViewMode(value)
		if !ok {
			return p, fmt.Errorf("invalid view mode %q (want THREADS or MESSAGES)", value)
		}
		p.ViewMode = m
	case KeyCacheSizeLimitMB:
		n, err := strconv.Atoi(strings.TrimSpace(value))
		if err != nil || n < 0 {
			return p, fmt.Errorf("invalid cache size %q", value)
		}
		p.CacheSizeLimitMB = n
	case KeyInitialSyncDays:
		n, err := strconv.Atoi(strings.TrimSpace(value))
		if err != nil || !validSyncDays(n) {
			return p, fmt.Errorf("invalid initial sync duration %q (want one of %v)", value, SyncDurations)
		}
		p.InitialSyncDays = n
	case KeyBodyDownload, KeyAttachmentDownload:
		policy, ok := ParseDownloadPolicy(value)
		if !ok {
			return p, fmt.Errorf("invalid download policy %q", value)
		}
		if key == KeyBodyDownload {
			p.BodyDownload = policy
		} else {
			p.AttachmentDownload = policy
		}
	case KeySignature:
		p.Signature = value
	default:
		return p, fmt.Errorf("unknown preference %q", key)
	}
	return p, nil
}

func validSyncDays(n int) bool {
	for _, d := range SyncDurations {
		if d == n {
			return true
		}
	}
	return false
}
