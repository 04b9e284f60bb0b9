// README: FCM data-message pusher for driver devices.
package infra

import (
	"context"
	"fmt"

	firebase "firebase.google.com/go/v4"
	"firebase.google.com/go/v4/messaging"
)

type FCMPusher struct {
	client *messaging.Client
}

func NewFCMPusher(ctx context.Context, app *firebase.App) (*FCMPusher, error) {
	client, err := app.Messaging(ctx)
	if err != nil {
		return nil, fmt.Errorf("firebase app.Messaging: %w", err)
	}
	return &FCMPusher{client: client}, nil
}

// Push sends data to every token as a high-priority data message. It fails
// only when no device accepted the message.
func (p *FCMPusher) Push(ctx context.Context, tokens []string, data map[string]string) error {
	if len(tokens) == 0 {
		return nil
	}
	resp, err := p.client.SendEachForMulticast(ctx, &messaging.MulticastMessage{
		Tokens:  tokens,
		Data:    data,
		Android: &messaging.AndroidConfig{Priority: "high"},
	})
	if err != nil {
		return fmt.Errorf("fcm multicast: %w", err)
	}
	if resp.SuccessCount == 0 {
		for _, r := range resp.Responses {
			if r.Error != nil {
				return fmt.Errorf("fcm multicast: all %d sends failed: %w", resp.FailureCount, r.Error)
			}
		}
	}
	return nil
}
