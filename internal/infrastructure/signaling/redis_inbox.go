package signaling

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"clicktocall/internal/core/domain"
	"clicktocall/internal/core/ports"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// ChannelForUser is the pub/sub channel carrying call events for user.
func ChannelForUser(prefix string, user domain.UserID) string {
	return fmt.Sprintf("%s:%s", prefix, user)
}

// RedisInbox subscribes to the local user's call channel.
type RedisInbox struct {
	client  redis.UniversalClient
	channel string
	logger  *zap.SugaredLogger

	mu     sync.Mutex
	pubsub *redis.PubSub
}

var _ ports.Inbox = (*RedisInbox)(nil)

func NewRedisInbox(client redis.UniversalClient, prefix string, user domain.UserID, logger *zap.SugaredLogger) *RedisInbox {
	return &RedisInbox{
		client:  client,
		channel: ChannelForUser(prefix, user),
		logger:  logger,
	}
}

func (r *RedisInbox) Channel() string {
	return r.channel
}

// Run delivers messages to handler until ctx is done or Close is called.
func (r *RedisInbox) Run(ctx context.Context, handler ports.MessageHandler) error {
	r.mu.Lock()
	if r.pubsub != nil {
		r.mu.Unlock()
		return fmt.Errorf("already subscribed")
	}
	pubsub := r.client.Subscribe(ctx, r.channel)
	r.pubsub = pubsub
	r.mu.Unlock()

	defer r.Close()

	// wait for the subscription to be confirmed
	if _, err := pubsub.Receive(ctx); err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", r.channel, err)
	}
	r.logger.Infow("subscribed to call channel", "channel", r.channel)

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			r.dispatch(ctx, handler, []byte(msg.Payload))
		}
	}
}

func (r *RedisInbox) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.pubsub == nil {
		return nil
	}
	err := r.pubsub.Close()
	r.pubsub = nil
	return err
}

// RedisChannel posts call messages straight onto the addressee's
// channel, for deployments where every agent subscribes through a
// RedisInbox and no host relay is involved.
type RedisChannel struct {
	client redis.UniversalClient
	prefix string
	logger *zap.SugaredLogger
}

var _ ports.Signaler = (*RedisChannel)(nil)

func NewRedisChannel(client redis.UniversalClient, prefix string, logger *zap.SugaredLogger) *RedisChannel {
	return &RedisChannel{client: client, prefix: prefix, logger: logger}
}

func (c *RedisChannel) Send(ctx context.Context, callID domain.CallID, msg domain.CallMessage) error {
	if err := Publish(ctx, c.client, c.prefix, callID, msg); err != nil {
		return err
	}
	c.logger.Debugw("call message published", "call_id", callID, "type", msg.Type, "to_user_id", msg.ToUserID)
	return nil
}

// Publish sends msg to the addressee's channel in the same event shape
// the host application publishes.
func Publish(ctx context.Context, client redis.UniversalClient, prefix string, callID domain.CallID, msg domain.CallMessage) error {
	data, err := EncodeEvent(callID, msg)
	if err != nil {
		return fmt.Errorf("failed to encode event: %w", err)
	}
	if err := client.Publish(ctx, ChannelForUser(prefix, msg.ToUserID), data).Err(); err != nil {
		return fmt.Errorf("failed to publish event: %w", err)
	}
	return nil
}

func (r *RedisInbox) dispatch(ctx context.Context, handler ports.MessageHandler, data []byte) {
	callID, msg, err := DecodeEvent(data)
	if errors.Is(err, errNotCallEvent) {
		return
	}
	if err != nil {
		r.logger.Warnw("failed to unmarshal event", "error", err, "payload", string(data))
		return
	}
	if err := handler.HandleIncoming(ctx, callID, msg); err != nil {
		r.logger.Warnw("error handling event",
			"call_id", callID,
			"type", msg.Type,
			"error", err,
		)
	}
}
