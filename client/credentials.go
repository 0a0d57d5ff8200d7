package client

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/giantswarm/mcp-oauth-dcr/internal/util"
	"github.com/giantswarm/mcp-oauth-dcr/security"
)

const (
	// DefaultCredentialsFile is the credential file location relative to
	// the user's home directory
	DefaultCredentialsFile = ".config/mcp-oauth/clients.json"

	credentialsFileMode os.FileMode = 0o600
	credentialsDirMode  os.FileMode = 0o700
)

// Credentials is everything the client remembers about one server
type Credentials struct {
	ServerURL      string    `json:"server_url"`
	ClientID       string    `json:"client_id"`
	ClientSecret   string    `json:"client_secret,omitempty"`
	RedirectURI    string    `json:"redirect_uri"`
	AccessToken    string    `json:"access_token,omitempty"`
	RefreshToken   string    `json:"refresh_token,omitempty"`
	TokenExpiresAt time.Time `json:"token_expires_at,omitzero"`
	Scope          string    `json:"scope,omitempty"`
	RegisteredAt   time.Time `json:"registered_at"`
}

// HasToken reports whether an access token has been obtained
func (c *Credentials) HasToken() bool {
	return c != nil && c.AccessToken != ""
}

// CredentialStore persists Credentials in a single JSON file keyed by the
// normalized server URL.
//
// SECURITY: the file is written with 0600 permissions inside a 0700
// directory. When an Encryptor with a key is configured the client secret
// and both tokens are sealed with AES-256-GCM before they reach the disk.
// Token values are never logged.
type CredentialStore struct {
	mu        sync.Mutex
	path      string
	encryptor *security.Encryptor
	logger    *slog.Logger
}

// DefaultCredentialsPath returns ~/.config/mcp-oauth/clients.json
func DefaultCredentialsPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}
	return filepath.Join(home, DefaultCredentialsFile), nil
}

// NewCredentialStore creates a store backed by path. An empty path selects
// DefaultCredentialsPath. A nil encryptor stores values in plaintext.
func NewCredentialStore(path string, encryptor *security.Encryptor, logger *slog.Logger) (*CredentialStore, error) {
	if path == "" {
		p, err := DefaultCredentialsPath()
		if err != nil {
			return nil, err
		}
		path = p
	}
	if logger == nil {
		logger = slog.Default()
	}
	if !encryptor.IsEnabled() {
		logger.Debug("Credential encryption is disabled", "path", path)
	}
	return &CredentialStore{
		path:      path,
		encryptor: encryptor,
		logger:    logger,
	}, nil
}

// Path returns the location of the credential file
func (s *CredentialStore) Path() string {
	return s.path
}

// Load returns the credentials stored for serverURL, or ErrNotRegistered
func (s *CredentialStore) Load(serverURL string) (*Credentials, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	all, err := s.readAll()
	if err != nil {
		return nil, err
	}
	creds, ok := all[util.NormalizeURL(serverURL)]
	if !ok {
		return nil, ErrNotRegistered
	}
	return creds, nil
}

// Save stores creds under its normalized server URL, replacing any
// previous entry
func (s *CredentialStore) Save(creds *Credentials) error {
	if creds == nil || creds.ServerURL == "" {
		return errors.New("credentials must have a server URL")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	all, err := s.readAll()
	if err != nil {
		return err
	}
	key := util.NormalizeURL(creds.ServerURL)
	stored := *creds
	stored.ServerURL = key
	all[key] = &stored

	if err := s.writeAll(all); err != nil {
		return err
	}

	s.logger.Debug("Stored client credentials",
		"server_url", key,
		"client_id", creds.ClientID,
		"has_access_token", creds.AccessToken != "",
		"has_refresh_token", creds.RefreshToken != "")
	return nil
}

// Delete removes the entry for serverURL and reports whether it existed
func (s *CredentialStore) Delete(serverURL string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	all, err := s.readAll()
	if err != nil {
		return false, err
	}
	key := util.NormalizeURL(serverURL)
	if _, ok := all[key]; !ok {
		return false, nil
	}
	delete(all, key)
	if err := s.writeAll(all); err != nil {
		return false, err
	}
	s.logger.Debug("Removed client credentials", "server_url", key)
	return true, nil
}

// List returns all stored credentials ordered by server URL
func (s *CredentialStore) List() ([]*Credentials, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	all, err := s.readAll()
	if err != nil {
		return nil, err
	}
	out := make([]*Credentials, 0, len(all))
	for _, c := range all {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ServerURL < out[j].ServerURL })
	return out, nil
}

// readAll loads and decrypts the whole file. Must be called with s.mu held.
func (s *CredentialStore) readAll() (map[string]*Credentials, error) {
	data, err := os.ReadFile(s.path)
	if errors.Is(err, fs.ErrNotExist) {
		return make(map[string]*Credentials), nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read credentials file: %w", err)
	}

	all := make(map[string]*Credentials)
	if len(data) == 0 {
		return all, nil
	}
	if err := json.Unmarshal(data, &all); err != nil {
		return nil, fmt.Errorf("failed to parse credentials file %s: %w", s.path, err)
	}

	for key, c := range all {
		if err := s.transform(c, s.encryptor.Decrypt); err != nil {
			return nil, fmt.Errorf("failed to decrypt credentials for %s: %w", key, err)
		}
	}
	return all, nil
}

// writeAll encrypts and atomically replaces the file. Must be called with
// s.mu held.
func (s *CredentialStore) writeAll(all map[string]*Credentials) error {
	sealed := make(map[string]*Credentials, len(all))
	for key, c := range all {
		cp := *c
		if err := s.transform(&cp, s.encryptor.Encrypt); err != nil {
			return fmt.Errorf("failed to encrypt credentials for %s: %w", key, err)
		}
		sealed[key] = &cp
	}

	data, err := json.MarshalIndent(sealed, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode credentials: %w", err)
	}

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, credentialsDirMode); err != nil {
		return fmt.Errorf("failed to create credentials directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".clients-*.json")
	if err != nil {
		return fmt.Errorf("failed to create temporary credentials file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName) //nolint:errcheck // already renamed on success

	if err := tmp.Chmod(credentialsFileMode); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to set credentials file permissions: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write credentials file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to write credentials file: %w", err)
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		return fmt.Errorf("failed to replace credentials file: %w", err)
	}
	return nil
}

// transform applies fn to every secret-bearing field of c
func (s *CredentialStore) transform(c *Credentials, fn func(string) (string, error)) error {
	for _, field := range []*string{&c.ClientSecret, &c.AccessToken, &c.RefreshToken} {
		v, err := fn(*field)
		if err != nil {
			return err
		}
		*field = v
	}
	return nil
}
