package pubsub

import (
	"context"
	"encoding/json"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

type Publisher struct {
	client    *redis.Client
	logger    *zap.Logger
	published atomic.Int64
	errors    atomic.Int64
}

func NewPublisher(client *redis.Client, logger *zap.Logger) *Publisher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Publisher{
		client: client,
		logger: logger,
	}
}

func (p *Publisher) Publish(ctx context.Context, channel string, envelope Envelope) error {
	if channel == "" {
		return fmt.Errorf("pubsub: channel cannot be empty")
	}

	envelope.Channel = channel
	if envelope.Timestamp.IsZero() {
		envelope.Timestamp = time.Now().UTC()
	}

	data, err := json.Marshal(envelope)
	if err != nil {
		p.errors.Add(1)
		return fmt.Errorf("pubsub: marshal envelope: %w", err)
	}

	if err := p.client.Publish(ctx, channel, data).Err(); err != nil {
		p.errors.Add(1)
		p.logger.Error("pubsub: publish failed",
			zap.String("channel", channel),
			zap.Error(err),
		)
		return fmt.Errorf("pubsub: publish to %s: %w", channel, err)
	}

	p.published.Add(1)
	return nil
}

func (p *Publisher) publishTyped(ctx context.Context, msgType MessageType, principalID string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("pubsub: marshal %s payload: %w", msgType, err)
	}
	return p.Publish(ctx, msgType.Channel(), Envelope{
		Type:        msgType,
		PrincipalID: principalID,
		Data:        data,
	})
}

// PublishDelivery hands an issued code to the notifier.
func (p *Publisher) PublishDelivery(ctx context.Context, principalID string, payload DeliveryPayload) error {
	return p.publishTyped(ctx, MessageTypeDelivery, principalID, payload)
}

func (p *Publisher) PublishLockout(ctx context.Context, principalID string, payload LockoutPayload) error {
	return p.publishTyped(ctx, MessageTypeLockout, principalID, payload)
}

func (p *Publisher) PublishSessionExpired(ctx context.Context, principalID string, payload SessionExpiredPayload) error {
	return p.publishTyped(ctx, MessageTypeSessionExpired, principalID, payload)
}

// DeliverySink adapts a Publisher to the guard's code sink.
type DeliverySink struct {
	publisher *Publisher
}

func NewDeliverySink(publisher *Publisher) *DeliverySink {
	return &DeliverySink{publisher: publisher}
}

func (s *DeliverySink) Deliver(ctx context.Context, principalID, code string, expiresAt time.Time) error {
	return s.publisher.PublishDelivery(ctx, principalID, DeliveryPayload{Code: code, ExpiresAt: expiresAt})
}

type PublisherStats struct {
	Published int64 `json:"published"`
	Errors    int64 `json:"errors"`
}

func (p *Publisher) Stats() PublisherStats {
	return PublisherStats{
		Published: p.published.Load(),
		Errors:    p.errors.Load(),
	}
}
