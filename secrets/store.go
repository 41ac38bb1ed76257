// Package secrets stores per-server credentials outside the profile
// file.  Keys are derived from the server name, so one store can hold
// credentials for every profile.
package secrets

import (
	"context"
	"sync"
)

// Store is a string key/value secret store.  Get returns ok=false for a
// missing key rather than an error.
type Store interface {
	Get(ctx context.Context, key string) (value string, ok bool, err error)
	Set(ctx context.Context, key, value string) error
}

// PasswordKey is the key a server's login password is stored under.
func PasswordKey(name string) string { return "sftpPassword" + name }

// PrivateKeyKey is the key a server's PEM private key is stored under.
func PrivateKeyKey(name string) string { return "sftpKey" + name }

// PassphraseKey is the key a server's private key passphrase is stored
// under.
func PassphraseKey(name string) string { return "sftpPassphrase" + name }

// Memory is an in-process Store.  The zero value is ready to use.
type Memory struct {
	mu     sync.RWMutex
	values map[string]string
}

// NewMemory returns a Memory store seeded with values.
func NewMemory(values map[string]string) *Memory {
	m := &Memory{values: make(map[string]string, len(values))}
	for k, v := range values {
		m.values[k] = v
	}
	return m
}

func (m *Memory) Get(_ context.Context, key string) (string, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.values[key]
	return v, ok, nil
}

func (m *Memory) Set(_ context.Context, key, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.values == nil {
		m.values = make(map[string]string)
	}
	m.values[key] = value
	return nil
}
