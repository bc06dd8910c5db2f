package oauth

import (
	"crypto/sha256"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/99designs/keyring"
	"github.com/goccy/go-json"
	"golang.org/x/oauth2"
)

// ErrNoToken is returned by a TokenStore that holds nothing for an account.
var ErrNoToken = errors.New("no stored token")

// TokenStore persists OAuth tokens per account id.
type TokenStore interface {
	Load(accountID string) (*StoredToken, error)
	Save(accountID string, tok *StoredToken) error
	Delete(accountID string) error
}

// StoredToken wraps an OAuth2 token with the scopes it was authorized with.
type StoredToken struct {
	oauth2.Token
	Scopes []string `json:"scopes,omitempty"`
}

// HasScope reports whether the token was authorized with scope.
func (t *StoredToken) HasScope(scope string) bool {
	for _, s := range t.Scopes {
		if s == scope {
			return true
		}
	}
	return false
}

// FileTokenStore keeps one JSON file per account under a directory.
type FileTokenStore struct {
	dir string
}

// NewFileTokenStore creates a store rooted at dir.
func NewFileTokenStore(dir string) *FileTokenStore {
	return &FileTokenStore{dir: dir}
}

// Load implements TokenStore.
func (s *FileTokenStore) Load(accountID string) (*StoredToken, error) {
	data, err := os.ReadFile(s.path(accountID))
	if os.IsNotExist(err) {
		return nil, ErrNoToken
	}
	if err != nil {
		return nil, err
	}

	var tf StoredToken
	if err := json.Unmarshal(data, &tf); err != nil {
		return nil, fmt.Errorf("parse token file: %w", err)
	}
	return &tf, nil
}

// Save implements TokenStore.
func (s *FileTokenStore) Save(accountID string, tok *StoredToken) error {
	if err := os.MkdirAll(s.dir, 0700); err != nil {
		return err
	}
	data, err := json.MarshalIndent(tok, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(s.path(accountID), data, 0600)
}

// Delete implements TokenStore. Deleting a missing token is not an error.
func (s *FileTokenStore) Delete(accountID string) error {
	err := os.Remove(s.path(accountID))
	if os.IsNotExist(err) {
		return nil
	}
	return err
}

// path returns the token file for an account id. Ids contain ':' and
// provider-controlled text, so they are sanitized to stay inside dir.
func (s *FileTokenStore) path(accountID string) string {
	safe := strings.NewReplacer("/", "_", "\\", "_", "..", "_", ":", "_").Replace(accountID)

	path := filepath.Clean(filepath.Join(s.dir, safe+".json"))
	if safe == "" || !strings.HasPrefix(path, filepath.Clean(s.dir)+string(filepath.Separator)) {
		return filepath.Join(s.dir, fmt.Sprintf("%x.json", sha256.Sum256([]byte(accountID))))
	}
	return path
}

const keyringService = "melisma"

// KeyringTokenStore keeps tokens in the OS keyring, falling back to an
// encrypted file backend where no native keyring exists.
type KeyringTokenStore struct {
	ring keyring.Keyring
}

// OpenKeyringTokenStore opens the system keyring. fileDir is used by the
// file backend.
func OpenKeyringTokenStore(fileDir string) (*KeyringTokenStore, error) {
	ring, err := keyring.Open(keyring.Config{
		ServiceName: keyringService,
		AllowedBackends: []keyring.BackendType{
			keyring.KeychainBackend,
			keyring.SecretServiceBackend,
			keyring.WinCredBackend,
			keyring.PassBackend,
			keyring.FileBackend,
		},
		FileDir:                  fileDir,
		FilePasswordFunc:         keyring.FixedStringPrompt(keyringService + "-file-key"),
		KeychainTrustApplication: true,
	})
	if err != nil {
		return nil, fmt.Errorf("opening keyring: %w", err)
	}
	return &KeyringTokenStore{ring: ring}, nil
}

// NewKeyringTokenStore wraps an already opened keyring.
func NewKeyringTokenStore(ring keyring.Keyring) *KeyringTokenStore {
	return &KeyringTokenStore{ring: ring}
}

func keyringKey(accountID string) string { return "token/" + accountID }

// Load implements TokenStore.
func (s *KeyringTokenStore) Load(accountID string) (*StoredToken, error) {
	item, err := s.ring.Get(keyringKey(accountID))
	if errors.Is(err, keyring.ErrKeyNotFound) {
		return nil, ErrNoToken
	}
	if err != nil {
		return nil, fmt.Errorf("getting token %q: %w", accountID, err)
	}
	var tf StoredToken
	if err := json.Unmarshal(item.Data, &tf); err != nil {
		return nil, fmt.Errorf("parse token %q: %w", accountID, err)
	}
	return &tf, nil
}

// Save implements TokenStore.
func (s *KeyringTokenStore) Save(accountID string, tok *StoredToken) error {
	data, err := json.Marshal(tok)
	if err != nil {
		return err
	}
	err = s.ring.Set(keyring.Item{
		Key:         keyringKey(accountID),
		Data:        data,
		Label:       "melisma OAuth token",
		Description: accountID,
	})
	if err != nil {
		return fmt.Errorf("setting token %q: %w", accountID, err)
	}
	return nil
}

// Delete implements TokenStore.
func (s *KeyringTokenStore) Delete(accountID string) error {
	err := s.ring.Remove(keyringKey(accountID))
	if err != nil && !errors.Is(err, keyring.ErrKeyNotFound) {
		return fmt.Errorf("deleting token %q: %w", accountID, err)
	}
	return nil
}
