package client

import (
	"sync"

	"github.com/giantswarm/mcp-oauth-dcr/internal/util"
)

// Manager hands out one Driver per normalized server URL. All Drivers share
// the Manager's CredentialStore and nothing else.
type Manager struct {
	store    *CredentialStore
	defaults Config

	mu      sync.Mutex
	drivers map[string]*Driver
}

// NewManager creates a Manager. defaults is applied to every Driver it
// creates, with ServerURL replaced.
func NewManager(store *CredentialStore, defaults Config) *Manager {
	return &Manager{
		store:    store,
		defaults: defaults,
		drivers:  make(map[string]*Driver),
	}
}

// Store returns the shared credential store
func (m *Manager) Store() *CredentialStore {
	return m.store
}

// Driver returns the Driver for serverURL, creating it on first use
func (m *Manager) Driver(serverURL string) (*Driver, error) {
	key := util.NormalizeURL(serverURL)

	m.mu.Lock()
	defer m.mu.Unlock()

	if d, ok := m.drivers[key]; ok {
		return d, nil
	}

	cfg := m.defaults
	cfg.ServerURL = key
	d, err := NewDriver(m.store, cfg)
	if err != nil {
		return nil, err
	}
	m.drivers[key] = d
	return d, nil
}

// List returns the credentials of every known server
func (m *Manager) List() ([]*Credentials, error) {
	return m.store.List()
}

// Remove forgets serverURL: its Driver and its stored credentials
func (m *Manager) Remove(serverURL string) (bool, error) {
	key := util.NormalizeURL(serverURL)

	m.mu.Lock()
	delete(m.drivers, key)
	m.mu.Unlock()

	return m.store.Delete(key)
}
