// README: RabbitMQ topic-exchange bus; each process binds an exclusive queue and feeds its own hub.
package fanout

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"
)

const DefaultExchange = "siren.fanout"

type AMQPBus struct {
	conn     *amqp.Connection
	exchange string
	hub      *Hub
	log      *zap.Logger
	inflight inflight

	mu      sync.Mutex
	ch      *amqp.Channel
	stopped chan struct{}
}

func NewAMQPBus(conn *amqp.Connection, exchange string, hub *Hub, log *zap.Logger) *AMQPBus {
	if exchange == "" {
		exchange = DefaultExchange
	}
	return &AMQPBus{conn: conn, exchange: exchange, hub: hub, log: log, stopped: make(chan struct{})}
}

func (b *AMQPBus) Start(ctx context.Context) error {
	ch, err := b.conn.Channel()
	if err != nil {
		return fmt.Errorf("open channel: %w", err)
	}
	if err := ch.ExchangeDeclare(b.exchange, "topic", true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare exchange %s: %w", b.exchange, err)
	}
	q, err := ch.QueueDeclare("", false, true, true, false, nil)
	if err != nil {
		return fmt.Errorf("declare queue: %w", err)
	}
	if err := ch.QueueBind(q.Name, "#", b.exchange, false, nil); err != nil {
		return fmt.Errorf("bind queue: %w", err)
	}
	deliveries, err := ch.ConsumeWithContext(context.WithoutCancel(ctx), q.Name, "", true, true, false, false, nil)
	if err != nil {
		return fmt.Errorf("consume: %w", err)
	}
	b.ch = ch
	go b.consume(deliveries)
	return nil
}

func (b *AMQPBus) consume(deliveries <-chan amqp.Delivery) {
	defer close(b.stopped)
	for d := range deliveries {
		var f Frame
		if err := json.Unmarshal(d.Body, &f); err != nil {
			b.log.Warn("amqp bus: malformed frame", zap.Error(err))
			continue
		}
		b.hub.Deliver(f)
	}
}

func (b *AMQPBus) Publish(ctx context.Context, f Frame) error {
	if !b.inflight.begin() {
		return ErrBusClosed
	}
	defer b.inflight.done()

	body, err := json.Marshal(f)
	if err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.ch == nil || b.ch.IsClosed() {
		return fmt.Errorf("amqp channel unavailable")
	}
	return b.ch.PublishWithContext(ctx, b.exchange, routingKey(f.Group), false, false, amqp.Publishing{
		ContentType: "application/json",
		Type:        string(f.Type),
		Body:        body,
	})
}

func (b *AMQPBus) Close(ctx context.Context) error {
	drainErr := b.inflight.drain(ctx)
	b.mu.Lock()
	ch := b.ch
	b.mu.Unlock()
	if ch == nil {
		return drainErr
	}
	if err := ch.Close(); err != nil {
		return fmt.Errorf("close amqp channel: %w", err)
	}
	select {
	case <-b.stopped:
	case <-ctx.Done():
		return ctx.Err()
	}
	return drainErr
}

// routingKey maps "ride:42" to "ride.42".
func routingKey(g Group) string {
	return strings.ReplaceAll(string(g), ":", ".")
}
