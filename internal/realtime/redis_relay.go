package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const channelPrefix = "docsync:room:"

type relayEnvelope struct {
	Origin string `json:"origin"`
	RoomMessage
}

// RedisRelay shares room broadcasts between API instances over Redis pub/sub.
type RedisRelay struct {
	client   *redis.Client
	instance string
	logger   *zap.Logger
}

// DialRedis connects to redisURL and checks the server answers.
func DialRedis(ctx context.Context, redisURL string) (*redis.Client, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return client, nil
}

func NewRedisRelay(client *redis.Client, instanceID string, logger *zap.Logger) *RedisRelay {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RedisRelay{client: client, instance: instanceID, logger: logger.Named("relay")}
}

func (r *RedisRelay) Publish(ctx context.Context, msg RoomMessage) error {
	payload, err := json.Marshal(relayEnvelope{Origin: r.instance, RoomMessage: msg})
	if err != nil {
		return fmt.Errorf("encode relay message: %w", err)
	}
	if err := r.client.Publish(ctx, channelPrefix+msg.Room, payload).Err(); err != nil {
		return fmt.Errorf("publish relay message: %w", err)
	}
	return nil
}

// Subscribe confirms the pattern subscription and then delivers messages
// from other instances to deliver until ctx is done. It returns once the
// subscription is live; the receive loop runs in the background.
func (r *RedisRelay) Subscribe(ctx context.Context, deliver func(RoomMessage)) error {
	pubsub := r.client.PSubscribe(ctx, channelPrefix+"*")
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return fmt.Errorf("subscribe relay: %w", err)
	}

	go func() {
		defer pubsub.Close()
		ch := pubsub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case m, ok := <-ch:
				if !ok {
					return
				}
				var env relayEnvelope
				if err := json.Unmarshal([]byte(m.Payload), &env); err != nil {
					r.logger.Warn("malformed relay message", zap.String("channel", m.Channel), zap.Error(err))
					continue
				}
				if env.Origin == r.instance {
					continue
				}
				if env.Room == "" {
					env.Room = strings.TrimPrefix(m.Channel, channelPrefix)
				}
				deliver(env.RoomMessage)
			}
		}
	}()
	return nil
}
