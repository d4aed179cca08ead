package pubsub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const handlerTimeout = 5 * time.Second

type MessageHandler func(ctx context.Context, envelope Envelope) error

// Subscriber follows the guard event channels and dispatches each envelope to
// the handler registered for its message type.
type Subscriber struct {
	client   *redis.Client
	logger   *zap.Logger
	mu       sync.RWMutex
	handlers map[MessageType]MessageHandler
	watches  []*watch
	received atomic.Int64
	dropped  atomic.Int64
	failed   atomic.Int64
}

type watch struct {
	pubsub *redis.PubSub
	cancel context.CancelFunc
	done   chan struct{}
}

func NewSubscriber(client *redis.Client, logger *zap.Logger) *Subscriber {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Subscriber{
		client:   client,
		logger:   logger,
		handlers: make(map[MessageType]MessageHandler),
	}
}

// HandleFunc registers handler for msgType, replacing any earlier one.
func (s *Subscriber) HandleFunc(msgType MessageType, handler MessageHandler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers[msgType] = handler
}

// Handle registers a handler that receives the payload decoded into T. A
// payload that does not decode counts as a failed event.
func Handle[T any](s *Subscriber, msgType MessageType, fn func(ctx context.Context, env Envelope, payload T) error) {
	s.HandleFunc(msgType, func(ctx context.Context, env Envelope) error {
		payload, err := Decode[T](env)
		if err != nil {
			return err
		}
		return fn(ctx, env, payload)
	})
}

// Watch subscribes to the channel of every registered message type and
// dispatches in the background until ctx ends or Close is called.
func (s *Subscriber) Watch(ctx context.Context) error {
	s.mu.RLock()
	channels := make([]string, 0, len(s.handlers))
	for msgType := range s.handlers {
		if ch := msgType.Channel(); ch != "" {
			channels = append(channels, ch)
		}
	}
	s.mu.RUnlock()
	if len(channels) == 0 {
		return errors.New("pubsub: no guard event handlers registered")
	}

	ps := s.client.Subscribe(ctx, channels...)
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return fmt.Errorf("pubsub: subscribe to %v: %w", channels, err)
	}

	watchCtx, cancel := context.WithCancel(ctx)
	w := &watch{pubsub: ps, cancel: cancel, done: make(chan struct{})}

	s.mu.Lock()
	s.watches = append(s.watches, w)
	s.mu.Unlock()

	go s.listen(watchCtx, w)
	return nil
}

func (s *Subscriber) listen(ctx context.Context, w *watch) {
	defer close(w.done)
	ch := w.pubsub.Channel()

	for {
		select {
		case <-ctx.Done():
			_ = w.pubsub.Close()
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			s.dispatch(ctx, msg)
		}
	}
}

func (s *Subscriber) dispatch(ctx context.Context, msg *redis.Message) {
	var envelope Envelope
	if err := json.Unmarshal([]byte(msg.Payload), &envelope); err != nil {
		s.failed.Add(1)
		s.logger.Warn("pubsub: unmarshal message failed",
			zap.String("channel", msg.Channel),
			zap.Error(err),
		)
		return
	}
	s.received.Add(1)

	// An envelope must arrive on its own type's channel.
	if envelope.Type.Channel() != msg.Channel {
		s.dropped.Add(1)
		s.logger.Warn("pubsub: event on unexpected channel",
			zap.String("channel", msg.Channel),
			zap.String("type", string(envelope.Type)),
		)
		return
	}

	s.mu.RLock()
	handler, ok := s.handlers[envelope.Type]
	s.mu.RUnlock()
	if !ok {
		s.dropped.Add(1)
		return
	}

	handlerCtx, cancel := context.WithTimeout(ctx, handlerTimeout)
	defer cancel()

	if err := handler(handlerCtx, envelope); err != nil {
		s.failed.Add(1)
		s.logger.Error("pubsub: handler error",
			zap.String("channel", msg.Channel),
			zap.String("type", string(envelope.Type)),
			zap.String("principal_id", envelope.PrincipalID),
			zap.Error(err),
		)
	}
}

// Close stops every watch and waits for in-flight handlers to return.
func (s *Subscriber) Close() error {
	s.mu.Lock()
	watches := s.watches
	s.watches = nil
	s.mu.Unlock()

	for _, w := range watches {
		w.cancel()
		<-w.done
	}
	return nil
}

type SubscriberStats struct {
	Received      int64 `json:"received"`
	Dropped       int64 `json:"dropped"`
	Failed        int64 `json:"failed"`
	Subscriptions int   `json:"subscriptions"`
}

func (s *Subscriber) Stats() SubscriberStats {
	s.mu.RLock()
	n := len(s.watches)
	s.mu.RUnlock()
	return SubscriberStats{
		Received:      s.received.Load(),
		Dropped:       s.dropped.Load(),
		Failed:        s.failed.Load(),
		Subscriptions: n,
	}
}
