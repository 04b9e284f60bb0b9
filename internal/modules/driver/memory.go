// README: In-memory driver directory for tests and single-process runs.
package driver

import (
	"context"
	"sync"

	"siren/internal/types"
)

type MemoryDirectory struct {
	mu       sync.RWMutex
	profiles map[types.ID]Profile
	devices  map[types.ID][]string
}

func NewMemoryDirectory() *MemoryDirectory {
	return &MemoryDirectory{
		profiles: make(map[types.ID]Profile),
		devices:  make(map[types.ID][]string),
	}
}

func (m *MemoryDirectory) Upsert(_ context.Context, p Profile) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.profiles[p.ID] = p
	return nil
}

func (m *MemoryDirectory) AddDevice(id types.ID, token string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.devices[id] = append(m.devices[id], token)
}

func (m *MemoryDirectory) Profile(_ context.Context, id types.ID) (Profile, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.profiles[id]
	if !ok {
		return Profile{}, ErrNotFound
	}
	return p, nil
}

func (m *MemoryDirectory) DeviceTokens(_ context.Context, id types.ID) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]string(nil), m.devices[id]...), nil
}
