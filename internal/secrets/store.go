// Package secrets stores small secrets, such as relay refresh tokens, keyed
// by service and account.
package secrets

import (
	"errors"
	"sync"
)

// ErrNotFound is returned by Get when no secret is stored.
var ErrNotFound = errors.New("secret not found")

// Store is a service/account keyed secret store.
type Store interface {
	Get(service, account string) (string, error)
	Set(service, account, secret string) error
	Delete(service, account string) error
}

// MemoryStore keeps secrets in memory.
type MemoryStore struct {
	mu      sync.RWMutex
	secrets map[string]map[string]string
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{secrets: make(map[string]map[string]string)}
}

func (m *MemoryStore) Get(service, account string) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.secrets[service][account]
	if !ok {
		return "", ErrNotFound
	}
	return s, nil
}

func (m *MemoryStore) Set(service, account, secret string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.secrets[service] == nil {
		m.secrets[service] = make(map[string]string)
	}
	m.secrets[service][account] = secret
	return nil
}

// Delete removes a secret. Deleting a missing secret is not an error.
func (m *MemoryStore) Delete(service, account string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.secrets[service], account)
	if len(m.secrets[service]) == 0 {
		delete(m.secrets, service)
	}
	return nil
}
