// README: In-process subscriber groups; delivers encoded frames to every current member.
package fanout

import (
	"encoding/json"
	"errors"
	"sync"

	"go.uber.org/zap"
)

var ErrSubscriberBusy = errors.New("subscriber send buffer full")

// Subscriber is one live connection. Send must not block.
type Subscriber interface {
	ID() string
	Send(frame []byte) error
}

// Frame is an encoded event addressed to a group; it is what buses carry.
type Frame struct {
	Group Group           `json:"group"`
	Type  EventType       `json:"type"`
	Data  json.RawMessage `json:"data"`
}

type Hub struct {
	mu     sync.RWMutex
	groups map[Group]map[string]Subscriber
	log    *zap.Logger
}

func NewHub(log *zap.Logger) *Hub {
	return &Hub{groups: make(map[Group]map[string]Subscriber), log: log}
}

func (h *Hub) Subscribe(g Group, s Subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()
	members, ok := h.groups[g]
	if !ok {
		members = make(map[string]Subscriber)
		h.groups[g] = members
	}
	members[s.ID()] = s
}

func (h *Hub) Unsubscribe(g Group, s Subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()
	members, ok := h.groups[g]
	if !ok {
		return
	}
	delete(members, s.ID())
	if len(members) == 0 {
		delete(h.groups, g)
	}
}

func (h *Hub) Size(g Group) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.groups[g])
}

// Deliver sends the frame to the members registered right now and returns how
// many accepted it. Failures are logged per subscriber and never stop the loop.
func (h *Hub) Deliver(f Frame) int {
	h.mu.RLock()
	members := make([]Subscriber, 0, len(h.groups[f.Group]))
	for _, s := range h.groups[f.Group] {
		members = append(members, s)
	}
	h.mu.RUnlock()

	delivered := 0
	for _, s := range members {
		if err := s.Send(f.Data); err != nil {
			h.log.Warn("fanout delivery failed",
				zap.String("group", string(f.Group)),
				zap.String("type", string(f.Type)),
				zap.String("subscriber", s.ID()),
				zap.Error(err))
			continue
		}
		delivered++
	}
	return delivered
}
