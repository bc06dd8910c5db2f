// Package config handles loading and managing melisma configuration.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/tonimelisma/melisma/internal/messages"
)

// Token store backends.
const (
	TokenStoreFile    = "file"
	TokenStoreKeyring = "keyring"
)

// Config represents the melisma configuration.
type Config struct {
	Data         DataConfig         `toml:"data"`
	OAuth        OAuthConfig        `toml:"oauth"`
	Sync         SyncConfig         `toml:"sync"`
	Schedules    []AccountSchedule  `toml:"schedules"`
	Connectivity ConnectivityConfig `toml:"connectivity"`
	Server       ServerConfig       `toml:"server"`

	// Computed paths (not from config file)
	HomeDir    string `toml:"-"`
	ConfigPath string `toml:"-"`
}

// DataConfig holds data storage configuration.
type DataConfig struct {
	DataDir string `toml:"data_dir"`
}

// OAuthConfig holds the OAuth client registrations.
type OAuthConfig struct {
	GoogleClientSecrets string `toml:"google_client_secrets"` // Path to client_secret.json
	MicrosoftClientID   string `toml:"microsoft_client_id"`
	MicrosoftTenant     string `toml:"microsoft_tenant"` // Empty means "common"
	RedirectPort        int    `toml:"redirect_port"`
	TokenStore          string `toml:"token_store"` // "file" or "keyring"
}

// SyncConfig holds remote pacing and paging configuration.
type SyncConfig struct {
	GmailQPS           float64 `toml:"gmail_qps"`
	GraphRPS           float64 `toml:"graph_rps"`
	GraphBurst         int     `toml:"graph_burst"`
	PageSize           int     `toml:"page_size"`
	PrefetchDistance   int     `toml:"prefetch_distance"`
	InitialLoadSize    int     `toml:"initial_load_size"`
	EnablePlaceholders bool    `toml:"enable_placeholders"`
}

// AccountSchedule defines the background folder refresh for one account.
type AccountSchedule struct {
	Account  string `toml:"account"`  // Account id ("google:123") or email
	Schedule string `toml:"schedule"` // Cron expression (e.g., "*/15 * * * *")
	Enabled  bool   `toml:"enabled"`
}

// ConnectivityConfig configures the network monitor.
type ConnectivityConfig struct {
	ProbeAddress    string `toml:"probe_address"` // host:port dialed to detect connectivity
	IntervalSeconds int    `toml:"interval_seconds"`
}

// ServerConfig holds HTTP API server configuration.
type ServerConfig struct {
	Bind         string   `toml:"bind"`
	APIPort      int      `toml:"api_port"`
	APIKey       string   `toml:"api_key"`
	RateLimitRPS float64  `toml:"rate_limit_rps"` // Per client IP
	CORSOrigins  []string `toml:"cors_origins"`
}

// DefaultHome returns the default melisma home directory.
// Respects MELISMA_HOME environment variable.
func DefaultHome() string {
	if h := os.Getenv("MELISMA_HOME"); h != "" {
		return expandPath(h)
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".melisma"
	}
	return filepath.Join(home, ".melisma")
}

func defaults(homeDir string) *Config {
	paging := messages.DefaultPagingConfig()
	return &Config{
		HomeDir: homeDir,
		Data: DataConfig{
			DataDir: homeDir,
		},
		OAuth: OAuthConfig{
			RedirectPort: 8089,
			TokenStore:   TokenStoreFile,
		},
		Sync: SyncConfig{
			GmailQPS:           5,
			GraphRPS:           10,
			GraphBurst:         20,
			PageSize:           paging.PageSize,
			PrefetchDistance:   paging.PrefetchDistance,
			InitialLoadSize:    paging.InitialLoadSize,
			EnablePlaceholders: paging.EnablePlaceholders,
		},
		Schedules: []AccountSchedule{},
		Connectivity: ConnectivityConfig{
			ProbeAddress:    "clients3.google.com:443",
			IntervalSeconds: 30,
		},
		Server: ServerConfig{
			Bind:         "127.0.0.1",
			APIPort:      8080,
			RateLimitRPS: 10,
		},
	}
}

// Load reads the configuration. With an empty path it reads config.toml in
// homeDir (DefaultHome when empty) and a missing file yields the defaults.
// An explicit path must exist; when homeDir is empty it is derived from the
// file's directory.
func Load(path, homeDir string) (*Config, error) {
	explicit := path != ""
	switch {
	case homeDir != "":
		homeDir = expandPath(homeDir)
	case explicit:
		homeDir = filepath.Dir(expandPath(path))
	default:
		homeDir = DefaultHome()
	}
	if !explicit {
		path = filepath.Join(homeDir, "config.toml")
	}
	path = expandPath(path)

	cfg := defaults(homeDir)
	cfg.ConfigPath = path

	if _, err := os.Stat(path); os.IsNotExist(err) {
		if explicit {
			return nil, fmt.Errorf("config file not found: %s", path)
		}
		return cfg, nil
	}

	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}

	cfg.Data.DataDir = expandPath(cfg.Data.DataDir)
	cfg.OAuth.GoogleClientSecrets = expandPath(cfg.OAuth.GoogleClientSecrets)

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

func (c *Config) validate() error {
	switch c.OAuth.TokenStore {
	case TokenStoreFile, TokenStoreKeyring:
	default:
		return fmt.Errorf("oauth.token_store must be %q or %q, got %q", TokenStoreFile, TokenStoreKeyring, c.OAuth.TokenStore)
	}
	if c.Sync.PageSize <= 0 {
		return fmt.Errorf("sync.page_size must be positive, got %d", c.Sync.PageSize)
	}
	if c.Sync.GmailQPS <= 0 || c.Sync.GraphRPS <= 0 {
		return fmt.Errorf("sync rates must be positive")
	}
	for i, s := range c.Schedules {
		if s.Account == "" {
			return fmt.Errorf("schedules[%d]: account is required", i)
		}
	}
	return nil
}

// EnsureHomeDir creates the home and data directories if they don't exist.
func (c *Config) EnsureHomeDir() error {
	for _, dir := range []string{c.HomeDir, c.Data.DataDir} {
		if err := os.MkdirAll(dir, 0700); err != nil {
			return err
		}
	}
	return nil
}

// DatabasePath returns the path to the SQLite database.
func (c *Config) DatabasePath() string {
	return filepath.Join(c.Data.DataDir, "melisma.db")
}

// TokensDir returns the path to the OAuth tokens directory.
func (c *Config) TokensDir() string {
	return filepath.Join(c.Data.DataDir, "tokens")
}

// LogPath returns the file the TUI writes its log to.
func (c *Config) LogPath() string {
	return filepath.Join(c.Data.DataDir, "melisma.log")
}

// RedirectPort returns the OAuth callback port as a string.
func (c *Config) RedirectPort() string {
	return strconv.Itoa(c.OAuth.RedirectPort)
}

// ProbeInterval returns the connectivity probe interval.
func (c *Config) ProbeInterval() time.Duration {
	if c.Connectivity.IntervalSeconds <= 0 {
		return 30 * time.Second
	}
	return time.Duration(c.Connectivity.IntervalSeconds) * time.Second
}

// Paging returns the message pager settings.
func (c *Config) Paging() messages.PagingConfig {
	return messages.PagingConfig{
		PageSize:           c.Sync.PageSize,
		PrefetchDistance:   c.Sync.PrefetchDistance,
		EnablePlaceholders: c.Sync.EnablePlaceholders,
		InitialLoadSize:    c.Sync.InitialLoadSize,
	}
}

// ScheduledAccounts returns schedules that are enabled.
func (c *Config) ScheduledAccounts() []AccountSchedule {
	var scheduled []AccountSchedule
	for _, s := range c.Schedules {
		if s.Enabled && s.Schedule != "" {
			scheduled = append(scheduled, s)
		}
	}
	return scheduled
}

// GetAccountSchedule returns the schedule for an account id or email.
// Returns nil if the account is not configured for scheduling.
func (c *Config) GetAccountSchedule(account string) *AccountSchedule {
	for i := range c.Schedules {
		if c.Schedules[i].Account == account {
			return &c.Schedules[i]
		}
	}
	return nil
}

// expandPath expands ~ to the user's home directory.
func expandPath(path string) string {
	if path == "" {
		return path
	}
	if path == "~" || (len(path) > 1 && path[0] == '~' && (path[1] == '/' || path[1] == filepath.Separator)) {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(home, path[1:])
	}
	return path
}
