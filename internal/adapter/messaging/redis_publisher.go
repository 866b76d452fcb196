package messaging

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/rl1809/digital-storefront/internal/core/domain"
)

// Envelope is the JSON published for the chat gateway to pick up.
type Envelope struct {
	CustomerID string         `json:"customer_id"`
	Message    domain.Message `json:"message"`
	SentAt     time.Time      `json:"sent_at"`
}

type RedisPublisher struct {
	client  *redis.Client
	channel string
	now     func() time.Time
}

func NewRedisPublisher(client *redis.Client, channel string) *RedisPublisher {
	return &RedisPublisher{client: client, channel: channel, now: time.Now}
}

func (p *RedisPublisher) Notify(ctx context.Context, customerID string, msg domain.Message) error {
	body, err := json.Marshal(Envelope{CustomerID: customerID, Message: msg, SentAt: p.now().UTC()})
	if err != nil {
		return fmt.Errorf("encode envelope: %w", err)
	}
	if err := p.client.Publish(ctx, p.channel, body).Err(); err != nil {
		return fmt.Errorf("publish message: %w", err)
	}
	return nil
}
