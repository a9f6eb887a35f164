package distributed

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"

	"callnet/internal/core/domain"
	"callnet/internal/core/ports"
	"callnet/pkg/circuitbreaker"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// DefaultPrefix namespaces the pub/sub channels, one per session.
const DefaultPrefix = "callnet:signal:"

// RedisChannel carries signal messages over Redis PUBLISH/SUBSCRIBE. Every
// subscriber of a session, on any instance, receives each message, the
// sender's own subscription included. Redis pub/sub keeps no backlog, so a
// message published while nobody listens is lost.
type RedisChannel struct {
	client  redis.UniversalClient
	prefix  string
	breaker *circuitbreaker.CircuitBreaker
	logger  *zap.SugaredLogger
}

func NewRedisChannel(client redis.UniversalClient, prefix string, logger *zap.SugaredLogger) *RedisChannel {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	return &RedisChannel{client: client, prefix: prefix, logger: logger}
}

// WithBreaker guards publishes with cb so an unreachable Redis fails fast
// instead of stalling every sender for the full client timeout.
func (c *RedisChannel) WithBreaker(cb *circuitbreaker.CircuitBreaker) *RedisChannel {
	c.breaker = cb
	return c
}

func (c *RedisChannel) channel(sessionID domain.SessionID) string {
	return c.prefix + string(sessionID)
}

func (c *RedisChannel) Send(ctx context.Context, sessionID domain.SessionID, msg domain.SignalMessage) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal signal: %w", err)
	}
	var receivers int64
	publish := func() error {
		var err error
		receivers, err = c.client.Publish(ctx, c.channel(sessionID), data).Result()
		return err
	}
	if c.breaker != nil {
		err = c.breaker.Execute(ctx, publish)
	} else {
		err = publish()
	}
	if err != nil {
		return fmt.Errorf("failed to publish signal: %w", err)
	}

	c.logger.Debugw("published signal",
		"session_id", sessionID,
		"kind", msg.Kind,
		"from", msg.From,
		"receivers", receivers,
	)
	return nil
}

// Subscribe returns once Redis has confirmed the subscription.
func (c *RedisChannel) Subscribe(ctx context.Context, sessionID domain.SessionID, handler ports.SignalHandler) (ports.Subscription, error) {
	pubsub := c.client.Subscribe(ctx, c.channel(sessionID))
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, fmt.Errorf("failed to subscribe to %s: %w", sessionID, err)
	}

	sub := &redisSubscription{pubsub: pubsub}
	go c.consume(sessionID, sub, handler)
	return sub, nil
}

func (c *RedisChannel) consume(sessionID domain.SessionID, sub *redisSubscription, handler ports.SignalHandler) {
	for raw := range sub.pubsub.Channel() {
		if sub.stopped.Load() {
			return
		}
		var msg domain.SignalMessage
		if err := json.Unmarshal([]byte(raw.Payload), &msg); err != nil {
			c.logger.Warnw("failed to unmarshal signal",
				"session_id", sessionID,
				"error", err,
			)
			continue
		}
		handler(msg)
	}
}

type redisSubscription struct {
	pubsub  *redis.PubSub
	stopped atomic.Bool
	once    sync.Once
}

func (s *redisSubscription) Unsubscribe() {
	s.once.Do(func() {
		s.stopped.Store(true)
		_ = s.pubsub.Close()
	})
}
