// README: In-memory ride store; a mutex per ride stands in for the row lock.
package ride

import (
	"context"
	"slices"
	"sync"
	"time"

	"siren/internal/types"
)

type memRide struct {
	mu     sync.Mutex
	ride   Ride
	events []Event
}

type MemoryStore struct {
	mu     sync.RWMutex
	rides  map[types.ID]*memRide
	nextID int64
	seq    sync.Mutex
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{rides: make(map[types.ID]*memRide)}
}

func (m *MemoryStore) Create(_ context.Context, r *Ride, e *Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.rides[r.ID]; ok {
		return ErrConflict
	}
	entry := &memRide{ride: *r}
	if e != nil {
		ev := *e
		ev.ID = m.eventID()
		entry.events = append(entry.events, ev)
	}
	m.rides[r.ID] = entry
	return nil
}

func (m *MemoryStore) Get(_ context.Context, id types.ID) (*Ride, error) {
	entry := m.lookup(id)
	if entry == nil {
		return nil, ErrNotFound
	}
	entry.mu.Lock()
	defer entry.mu.Unlock()
	r := entry.ride
	return &r, nil
}

func (m *MemoryStore) TryAssign(_ context.Context, id, driverID types.ID, at time.Time) (*Ride, AssignOutcome, error) {
	entry := m.lookup(id)
	if entry == nil {
		return nil, AssignInvalidState, nil
	}
	entry.mu.Lock()
	defer entry.mu.Unlock()

	outcome := decideAssign(&entry.ride)
	if outcome != Assigned {
		r := entry.ride
		return &r, outcome, nil
	}
	d := driverID
	ev := applyMutation(&entry.ride, Mutation{
		To:        StatusAssigned,
		EventType: EventAssigned,
		Actor:     ActorDriver,
		ActorID:   &d,
		DriverID:  &d,
		At:        at,
	})
	ev.ID = m.eventID()
	entry.events = append(entry.events, ev)
	r := entry.ride
	return &r, Assigned, nil
}

func (m *MemoryStore) Transition(_ context.Context, id types.ID, mut Mutation, guard Guard) (*Ride, *Ride, error) {
	entry := m.lookup(id)
	if entry == nil {
		return nil, nil, ErrNotFound
	}
	entry.mu.Lock()
	defer entry.mu.Unlock()

	before := entry.ride
	if guard != nil {
		if err := guard(&before); err != nil {
			return nil, nil, err
		}
	}
	if err := checkTransition(&before, mut.To); err != nil {
		return nil, nil, err
	}
	ev := applyMutation(&entry.ride, mut)
	ev.ID = m.eventID()
	entry.events = append(entry.events, ev)
	after := entry.ride
	return &before, &after, nil
}

func (m *MemoryStore) Events(_ context.Context, id types.ID) ([]Event, error) {
	entry := m.lookup(id)
	if entry == nil {
		return nil, ErrNotFound
	}
	entry.mu.Lock()
	defer entry.mu.Unlock()
	return slices.Clone(entry.events), nil
}

func (m *MemoryStore) ActiveRideIDs(_ context.Context, driverID types.ID, statuses []Status) ([]types.ID, error) {
	var out []types.ID
	for _, entry := range m.snapshot() {
		entry.mu.Lock()
		r := entry.ride
		entry.mu.Unlock()
		if r.DriverID != nil && *r.DriverID == driverID && slices.Contains(statuses, r.Status) {
			out = append(out, r.ID)
		}
	}
	slices.Sort(out)
	return out, nil
}

func (m *MemoryStore) MatchingBefore(_ context.Context, cutoff time.Time, limit int) ([]types.ID, error) {
	var found []Ride
	for _, entry := range m.snapshot() {
		entry.mu.Lock()
		r := entry.ride
		entry.mu.Unlock()
		if r.Status == StatusMatching && r.RequestedAt.Before(cutoff) {
			found = append(found, r)
		}
	}
	slices.SortFunc(found, func(a, b Ride) int { return a.RequestedAt.Compare(b.RequestedAt) })
	out := make([]types.ID, 0, len(found))
	for i, r := range found {
		if limit > 0 && i == limit {
			break
		}
		out = append(out, r.ID)
	}
	return out, nil
}

func (m *MemoryStore) lookup(id types.ID) *memRide {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.rides[id]
}

func (m *MemoryStore) snapshot() []*memRide {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*memRide, 0, len(m.rides))
	for _, e := range m.rides {
		out = append(out, e)
	}
	return out
}

func (m *MemoryStore) eventID() int64 {
	m.seq.Lock()
	defer m.seq.Unlock()
	m.nextID++
	return m.nextID
}
