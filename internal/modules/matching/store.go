// README: Dispatch log: which drivers were notified for a ride, in Redis sets or in memory.
package matching

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"siren/internal/types"
)

const notifiedKeyFmt = "matching:ride:%s:notified"

type DispatchLog interface {
	RecordDispatch(ctx context.Context, rideID types.ID, driverIDs []types.ID) error
	Notified(ctx context.Context, rideID types.ID) ([]types.ID, error)
	Forget(ctx context.Context, rideID types.ID) error
}

type Store struct {
	redis *redis.Client
	ttl   time.Duration
}

func NewStore(rdb *redis.Client, ttl time.Duration) *Store {
	if ttl <= 0 {
		ttl = defaultDispatchTTL
	}
	return &Store{redis: rdb, ttl: ttl}
}

// RecordDispatch adds the notified drivers and refreshes the set's TTL.
func (s *Store) RecordDispatch(ctx context.Context, rideID types.ID, driverIDs []types.ID) error {
	if len(driverIDs) == 0 {
		return nil
	}
	members := make([]interface{}, len(driverIDs))
	for i, d := range driverIDs {
		members[i] = string(d)
	}
	pipe := s.redis.Pipeline()
	pipe.SAdd(ctx, notifiedKey(rideID), members...)
	pipe.Expire(ctx, notifiedKey(rideID), s.ttl)
	_, err := pipe.Exec(ctx)
	return err
}

func (s *Store) Notified(ctx context.Context, rideID types.ID) ([]types.ID, error) {
	members, err := s.redis.SMembers(ctx, notifiedKey(rideID)).Result()
	if err != nil {
		return nil, err
	}
	ids := make([]types.ID, len(members))
	for i, m := range members {
		ids[i] = types.ID(m)
	}
	return ids, nil
}

func (s *Store) Forget(ctx context.Context, rideID types.ID) error {
	return s.redis.Del(ctx, notifiedKey(rideID)).Err()
}

func notifiedKey(rideID types.ID) string {
	return fmt.Sprintf(notifiedKeyFmt, string(rideID))
}

type MemoryLog struct {
	mu       sync.Mutex
	notified map[types.ID]map[types.ID]struct{}
}

func NewMemoryLog() *MemoryLog {
	return &MemoryLog{notified: make(map[types.ID]map[types.ID]struct{})}
}

func (m *MemoryLog) RecordDispatch(_ context.Context, rideID types.ID, driverIDs []types.ID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	set, ok := m.notified[rideID]
	if !ok {
		set = make(map[types.ID]struct{})
		m.notified[rideID] = set
	}
	for _, d := range driverIDs {
		set[d] = struct{}{}
	}
	return nil
}

func (m *MemoryLog) Notified(_ context.Context, rideID types.ID) ([]types.ID, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]types.ID, 0, len(m.notified[rideID]))
	for d := range m.notified[rideID] {
		out = append(out, d)
	}
	return out, nil
}

func (m *MemoryLog) Forget(_ context.Context, rideID types.ID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.notified, rideID)
	return nil
}
