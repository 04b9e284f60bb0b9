// README: Fan-out service: group membership on the local hub, publishing through the injected bus.
package fanout

import (
	"context"

	"go.uber.org/zap"
)

type Service struct {
	hub *Hub
	bus Bus
	log *zap.Logger
}

func NewService(hub *Hub, bus Bus, log *zap.Logger) *Service {
	return &Service{hub: hub, bus: bus, log: log}
}

func (s *Service) Subscribe(g Group, sub Subscriber) {
	s.hub.Subscribe(g, sub)
}

func (s *Service) Unsubscribe(g Group, sub Subscriber) {
	s.hub.Unsubscribe(g, sub)
}

// Publish encodes e and hands it to the bus. Only an invalid event is returned
// as an error; transport failures are logged and swallowed.
func (s *Service) Publish(ctx context.Context, g Group, e Event) error {
	data, err := Encode(e)
	if err != nil {
		return err
	}
	if err := s.bus.Publish(ctx, Frame{Group: g, Type: e.Type(), Data: data}); err != nil {
		s.log.Warn("fanout publish failed",
			zap.String("group", string(g)),
			zap.String("type", string(e.Type())),
			zap.Error(err))
	}
	return nil
}
