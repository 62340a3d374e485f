package broadcast

import (
	"context"
	"fmt"
	"strings"

	"folio/api/internal/errs"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const channelPrefix = "folio:doc:"

// Redis shares document groups across API instances. Every publish goes
// through a Redis channel and each instance delivers what it receives to its
// own Local registry, so a sender sees its own message exactly once.
type Redis struct {
	client *redis.Client
	local  *Local
	log    *zap.Logger
	ready  chan struct{}
}

func NewRedis(client *redis.Client, log *zap.Logger) *Redis {
	if log == nil {
		log = zap.NewNop()
	}
	return &Redis{client: client, local: NewLocal(), log: log, ready: make(chan struct{})}
}

// NewRedisFromURL parses redisURL and verifies the server answers.
func NewRedisFromURL(ctx context.Context, redisURL string, log *zap.Logger) (*Redis, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect to redis: %w", err)
	}
	return NewRedis(client, log), nil
}

func channel(documentID string) string { return channelPrefix + documentID }

func (r *Redis) Subscribe(documentID string, sub Subscriber) { r.local.Subscribe(documentID, sub) }

func (r *Redis) Unsubscribe(documentID string, sub Subscriber) { r.local.Unsubscribe(documentID, sub) }

func (r *Redis) Publish(ctx context.Context, documentID string, msg []byte) error {
	if err := r.client.Publish(ctx, channel(documentID), msg).Err(); err != nil {
		return fmt.Errorf("%w: publish %s: %v", errs.ErrTransport, documentID, err)
	}
	return nil
}

// Ready is closed once Run holds an active pattern subscription.
func (r *Redis) Ready() <-chan struct{} { return r.ready }

// Run relays messages from Redis to local subscribers until ctx ends.
func (r *Redis) Run(ctx context.Context) error {
	pubsub := r.client.PSubscribe(ctx, channelPrefix+"*")
	defer pubsub.Close()

	if _, err := pubsub.Receive(ctx); err != nil {
		return fmt.Errorf("%w: subscribe: %v", errs.ErrTransport, err)
	}
	close(r.ready)
	r.log.Info("broadcast relay subscribed", zap.String("pattern", channelPrefix+"*"))

	messages := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-messages:
			if !ok {
				return nil
			}
			documentID := strings.TrimPrefix(msg.Channel, channelPrefix)
			r.local.deliver(documentID, []byte(msg.Payload))
		}
	}
}

func (r *Redis) Ping(ctx context.Context) error { return r.client.Ping(ctx).Err() }

func (r *Redis) Close() error { return r.client.Close() }
