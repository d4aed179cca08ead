package pubsub

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func setupTestRedis(t *testing.T) (*redis.Client, *miniredis.Miniredis) {
	t.Helper()
	s := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: s.Addr()})
	return client, s
}

func subscribeRaw(t *testing.T, client *redis.Client, channel string) *redis.PubSub {
	t.Helper()
	sub := client.Subscribe(context.Background(), channel)
	_, err := sub.Receive(context.Background())
	require.NoError(t, err)
	return sub
}

func TestPublisher_Publish(t *testing.T) {
	client, _ := setupTestRedis(t)
	defer client.Close()
	pub := NewPublisher(client, zap.NewNop())

	ctx := context.Background()
	sub := subscribeRaw(t, client, ChannelLockout)
	defer sub.Close()

	err := pub.Publish(ctx, ChannelLockout, Envelope{
		Type:        MessageTypeLockout,
		PrincipalID: "emp-42",
		Data:        []byte(`{"lock_minutes":15}`),
	})
	require.NoError(t, err)

	msg, err := sub.ReceiveMessage(ctx)
	require.NoError(t, err)

	var received Envelope
	require.NoError(t, json.Unmarshal([]byte(msg.Payload), &received))
	assert.Equal(t, MessageTypeLockout, received.Type)
	assert.Equal(t, "emp-42", received.PrincipalID)
	assert.Equal(t, ChannelLockout, received.Channel)
	assert.False(t, received.Timestamp.IsZero())
}

func TestPublisher_PublishEmptyChannel(t *testing.T) {
	client, _ := setupTestRedis(t)
	defer client.Close()
	pub := NewPublisher(client, zap.NewNop())

	err := pub.Publish(context.Background(), "", Envelope{})
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "channel cannot be empty")
}

func TestPublisher_PublishFailureCountsError(t *testing.T) {
	client, mr := setupTestRedis(t)
	defer client.Close()
	pub := NewPublisher(client, zap.NewNop())
	mr.Close()

	err := pub.PublishLockout(context.Background(), "emp-42", LockoutPayload{LockMinutes: 15})
	assert.Error(t, err)
	assert.Equal(t, int64(1), pub.Stats().Errors)
}

func TestDeliverySink_Deliver(t *testing.T) {
	client, _ := setupTestRedis(t)
	defer client.Close()
	sink := NewDeliverySink(NewPublisher(client, nil))

	ctx := context.Background()
	sub := subscribeRaw(t, client, ChannelOTPDelivery)
	defer sub.Close()

	expiresAt := time.Date(2026, 3, 2, 9, 10, 0, 0, time.UTC)
	require.NoError(t, sink.Deliver(ctx, "emp-42", "482913", expiresAt))

	msg, err := sub.ReceiveMessage(ctx)
	require.NoError(t, err)

	var env Envelope
	require.NoError(t, json.Unmarshal([]byte(msg.Payload), &env))
	assert.Equal(t, MessageTypeDelivery, env.Type)
	assert.Equal(t, "emp-42", env.PrincipalID)

	var payload DeliveryPayload
	require.NoError(t, json.Unmarshal(env.Data, &payload))
	assert.Equal(t, "482913", payload.Code)
	assert.True(t, expiresAt.Equal(payload.ExpiresAt))
}

func TestPublisher_PublishSessionExpired(t *testing.T) {
	client, _ := setupTestRedis(t)
	defer client.Close()
	pub := NewPublisher(client, zap.NewNop())

	ctx := context.Background()
	sub := subscribeRaw(t, client, ChannelSessionExpired)
	defer sub.Close()

	err := pub.PublishSessionExpired(ctx, "emp-42", SessionExpiredPayload{SessionID: "s-1", IdleSeconds: 65})
	require.NoError(t, err)

	msg, err := sub.ReceiveMessage(ctx)
	require.NoError(t, err)

	var env Envelope
	require.NoError(t, json.Unmarshal([]byte(msg.Payload), &env))
	assert.Equal(t, MessageTypeSessionExpired, env.Type)

	var payload SessionExpiredPayload
	require.NoError(t, json.Unmarshal(env.Data, &payload))
	assert.Equal(t, "s-1", payload.SessionID)
	assert.Equal(t, float64(65), payload.IdleSeconds)
}

func TestPublisher_Stats(t *testing.T) {
	client, _ := setupTestRedis(t)
	defer client.Close()
	pub := NewPublisher(client, zap.NewNop())

	stats := pub.Stats()
	assert.Equal(t, int64(0), stats.Published)
	assert.Equal(t, int64(0), stats.Errors)

	ctx := context.Background()
	_ = pub.Publish(ctx, "test", Envelope{Type: MessageTypeLockout, Data: []byte(`{}`)})
	_ = pub.Publish(ctx, "test2", Envelope{Type: MessageTypeLockout, Data: []byte(`{}`)})

	assert.Equal(t, int64(2), pub.Stats().Published)
}

func TestPublisher_PayloadIsEmbeddedJSON(t *testing.T) {
	client, _ := setupTestRedis(t)
	defer client.Close()
	pub := NewPublisher(client, nil)

	ctx := context.Background()
	sub := subscribeRaw(t, client, ChannelLockout)
	defer sub.Close()

	lockedUntil := time.Date(2026, 3, 2, 9, 15, 0, 0, time.UTC)
	require.NoError(t, pub.PublishLockout(ctx, "emp-42", LockoutPayload{LockedUntil: lockedUntil, LockMinutes: 15}))

	msg, err := sub.ReceiveMessage(ctx)
	require.NoError(t, err)

	var wire struct {
		Data map[string]any `json:"data"`
	}
	require.NoError(t, json.Unmarshal([]byte(msg.Payload), &wire), "data must be an object, not an encoded string")
	assert.Equal(t, float64(15), wire.Data["lock_minutes"])
	assert.Equal(t, "2026-03-02T09:15:00Z", wire.Data["locked_until"])
}

func TestMessageType_Channel(t *testing.T) {
	assert.Equal(t, ChannelOTPDelivery, MessageTypeDelivery.Channel())
	assert.Equal(t, ChannelLockout, MessageTypeLockout.Channel())
	assert.Equal(t, ChannelSessionExpired, MessageTypeSessionExpired.Channel())
	assert.Empty(t, MessageType("heartbeat").Channel())
}

func TestDecode(t *testing.T) {
	payload, err := Decode[SessionExpiredPayload](Envelope{Type: MessageTypeSessionExpired, Data: []byte(`{"session_id":"s-1","idle_seconds":61}`)})
	require.NoError(t, err)
	assert.Equal(t, SessionExpiredPayload{SessionID: "s-1", IdleSeconds: 61}, payload)

	_, err = Decode[SessionExpiredPayload](Envelope{Type: MessageTypeSessionExpired})
	assert.ErrorContains(t, err, "has no payload")

	_, err = Decode[LockoutPayload](Envelope{Type: MessageTypeLockout, Data: []byte(`{"lock_minutes":"many"}`)})
	assert.ErrorContains(t, err, "decode lockout payload")
}

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	assert.Eventually(t, cond, 3*time.Second, 10*time.Millisecond)
}

func TestSubscriber_HandleFuncByType(t *testing.T) {
	client, _ := setupTestRedis(t)
	defer client.Close()

	pub := NewPublisher(client, zap.NewNop())
	sub := NewSubscriber(client, zap.NewNop())
	defer sub.Close()

	received := make(chan Envelope, 1)
	sub.HandleFunc(MessageTypeLockout, func(_ context.Context, env Envelope) error {
		received <- env
		return nil
	})

	ctx := context.Background()
	require.NoError(t, sub.Watch(ctx))
	require.NoError(t, pub.PublishLockout(ctx, "emp-9", LockoutPayload{LockMinutes: 15}))

	select {
	case env := <-received:
		assert.Equal(t, MessageTypeLockout, env.Type)
		assert.Equal(t, "emp-9", env.PrincipalID)
		assert.Equal(t, ChannelLockout, env.Channel)
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for message")
	}
}

func TestSubscriber_TypedHandlers(t *testing.T) {
	client, _ := setupTestRedis(t)
	defer client.Close()

	pub := NewPublisher(client, zap.NewNop())
	sub := NewSubscriber(client, zap.NewNop())
	defer sub.Close()

	deliveries := make(chan DeliveryPayload, 1)
	expiries := make(chan SessionExpiredPayload, 1)
	Handle(sub, MessageTypeDelivery, func(_ context.Context, _ Envelope, p DeliveryPayload) error {
		deliveries <- p
		return nil
	})
	Handle(sub, MessageTypeSessionExpired, func(_ context.Context, env Envelope, p SessionExpiredPayload) error {
		assert.Equal(t, "emp-1", env.PrincipalID)
		expiries <- p
		return nil
	})

	ctx := context.Background()
	require.NoError(t, sub.Watch(ctx))
	require.NoError(t, pub.PublishDelivery(ctx, "emp-1", DeliveryPayload{Code: "000111"}))
	require.NoError(t, pub.PublishSessionExpired(ctx, "emp-1", SessionExpiredPayload{SessionID: "s-1", IdleSeconds: 61}))

	timeout := time.After(3 * time.Second)
	select {
	case p := <-deliveries:
		assert.Equal(t, "000111", p.Code)
	case <-timeout:
		t.Fatal("timed out waiting for delivery")
	}
	select {
	case p := <-expiries:
		assert.Equal(t, "s-1", p.SessionID)
	case <-timeout:
		t.Fatal("timed out waiting for session expiry")
	}

	assert.Equal(t, int64(2), pub.Stats().Published)
	waitFor(t, func() bool { return sub.Stats().Received == 2 })
	assert.Zero(t, sub.Stats().Failed)
}

func TestSubscriber_CountsBadEvents(t *testing.T) {
	client, _ := setupTestRedis(t)
	defer client.Close()

	pub := NewPublisher(client, zap.NewNop())
	core, logs := observer.New(zap.WarnLevel)
	sub := NewSubscriber(client, zap.New(core))
	defer sub.Close()

	Handle(sub, MessageTypeLockout, func(context.Context, Envelope, LockoutPayload) error { return nil })
	ctx := context.Background()
	require.NoError(t, sub.Watch(ctx))

	// Not an envelope at all.
	require.NoError(t, client.Publish(ctx, ChannelLockout, "not json").Err())
	// A payload that does not decode.
	require.NoError(t, pub.Publish(ctx, ChannelLockout, Envelope{Type: MessageTypeLockout, Data: []byte(`{"lock_minutes":"x"}`)}))
	// A delivery envelope on the lockout channel.
	require.NoError(t, pub.Publish(ctx, ChannelLockout, Envelope{Type: MessageTypeDelivery, Data: []byte(`{}`)}))

	waitFor(t, func() bool {
		stats := sub.Stats()
		return stats.Failed == 2 && stats.Dropped == 1
	})
	assert.Equal(t, int64(2), sub.Stats().Received)
	assert.Equal(t, 1, logs.FilterMessage("pubsub: event on unexpected channel").Len())
	assert.Equal(t, 1, logs.FilterMessage("pubsub: handler error").Len())
}

func TestSubscriber_WatchWithoutHandlers(t *testing.T) {
	client, _ := setupTestRedis(t)
	defer client.Close()

	sub := NewSubscriber(client, zap.NewNop())
	defer sub.Close()

	err := sub.Watch(context.Background())
	assert.ErrorContains(t, err, "no guard event handlers registered")
}

func TestSubscriber_Close(t *testing.T) {
	client, _ := setupTestRedis(t)
	defer client.Close()

	sub := NewSubscriber(client, zap.NewNop())
	sub.HandleFunc(MessageTypeSessionExpired, func(context.Context, Envelope) error { return nil })

	require.NoError(t, sub.Watch(context.Background()))
	assert.Equal(t, 1, sub.Stats().Subscriptions)

	require.NoError(t, sub.Close())
	assert.Equal(t, 0, sub.Stats().Subscriptions)
}
