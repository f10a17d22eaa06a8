package store

import (
	"sync"

	"frpc-authproxy/pkg/model"
)

// MemoryStore keeps both pairs in process memory. The pair is swapped as a
// whole under the write lock so readers never see a new username with an old
// password.
type MemoryStore struct {
	mu       sync.RWMutex
	external model.Credentials
	internal model.Credentials
}

func NewMemoryStore(external, internal model.Credentials) *MemoryStore {
	return &MemoryStore{
		external: external,
		internal: internal,
	}
}

func (m *MemoryStore) External() model.Credentials {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.external
}

func (m *MemoryStore) SetExternal(c model.Credentials) bool {
	if c.IsZero() {
		return false
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.external = c
	return true
}

// Internal needs no lock: it is written once in NewMemoryStore.
func (m *MemoryStore) Internal() model.Credentials {
	return m.internal
}
