// README: In-memory position store for tests and single-process runs.
package location

import (
	"context"
	"sync"

	"siren/internal/modules/geo"
	"siren/internal/types"
)

type MemoryStore struct {
	mu        sync.RWMutex
	positions map[types.ID]geo.Position
	history   []HistoryEntry
	nextID    int64
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{positions: make(map[types.ID]geo.Position)}
}

func (m *MemoryStore) UpsertPosition(_ context.Context, p geo.Position) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if cur, ok := m.positions[p.DriverID]; ok && cur.LastSeen.After(p.LastSeen) {
		return false, nil
	}
	m.positions[p.DriverID] = p
	return true, nil
}

func (m *MemoryStore) AppendHistory(_ context.Context, e HistoryEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	e.ID = m.nextID
	m.history = append(m.history, e)
	return nil
}

func (m *MemoryStore) GetPosition(_ context.Context, driverID types.ID) (geo.Position, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.positions[driverID]
	return p, ok, nil
}

func (m *MemoryStore) OnlineWithin(_ context.Context, box geo.Box) ([]geo.Position, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []geo.Position
	for _, p := range m.positions {
		if p.IsOnline && box.Contains(p.Point) {
			out = append(out, p)
		}
	}
	return out, nil
}

// History returns a copy of the entries recorded for driverID, oldest first.
func (m *MemoryStore) History(driverID types.ID) []HistoryEntry {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []HistoryEntry
	for _, e := range m.history {
		if e.DriverID == driverID {
			out = append(out, e)
		}
	}
	return out
}
