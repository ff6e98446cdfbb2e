// Package credential persists the opaque session credential on the local machine.
package credential

import (
	"context"
	"errors"
	"sync"
)

// Fixed key names shared with every consumer of the store.
const (
	TokenKey = "jwt_token"
	UserKey  = "user_data"
)

// ErrNotConfigured is returned when a store method is called on a nil or closed store.
var ErrNotConfigured = errors.New("credential store is not configured")

// Store is the put/get/remove boundary for credential persistence.
// Get reports ok=false when the name is absent.
type Store interface {
	Put(ctx context.Context, name, value string) error
	Get(ctx context.Context, name string) (value string, ok bool, err error)
	Remove(ctx context.Context, name string) error
}

// MemoryStore keeps credentials in process memory. Used by tests and one-shot runs.
type MemoryStore struct {
	mu     sync.Mutex
	values map[string]string
	puts   map[string]int
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{values: make(map[string]string), puts: make(map[string]int)}
}

func (m *MemoryStore) Put(ctx context.Context, name, value string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.values[name] = value
	m.puts[name]++
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, name string) (string, bool, error) {
	if err := ctx.Err(); err != nil {
		return "", false, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.values[name]
	return v, ok, nil
}

func (m *MemoryStore) Remove(ctx context.Context, name string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.values, name)
	return nil
}

// Puts reports how many times name has been written.
func (m *MemoryStore) Puts(name string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.puts[name]
}
