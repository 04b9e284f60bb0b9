// README: RabbitMQ connection with bounded retry for the AMQP fan-out bus.
package infra

import (
	"context"
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"
)

const (
	amqpMaxAttempts   = 10
	amqpRetryInterval = 2 * time.Second
)

// NewAMQP dials url, retrying while the broker starts up.
func NewAMQP(ctx context.Context, url string, log *zap.Logger) (*amqp.Connection, error) {
	var lastErr error
	for attempt := 1; attempt <= amqpMaxAttempts; attempt++ {
		conn, err := amqp.Dial(url)
		if err == nil {
			return conn, nil
		}
		lastErr = err
		log.Warn("rabbitmq dial failed", zap.Int("attempt", attempt), zap.Error(err))

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(amqpRetryInterval):
		}
	}
	return nil, fmt.Errorf("connect rabbitmq after %d attempts: %w", amqpMaxAttempts, lastErr)
}
