package pubsub

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// RedisConfig describes the redis connection used by RedisBus.
type RedisConfig struct {
	Address  string
	Password string
	DB       int
}

// NewRedisClient dials redis and verifies the connection.
func NewRedisClient(ctx context.Context, cfg RedisConfig) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Address,
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("pubsub: redis ping: %w", err)
	}
	return client, nil
}

// RedisBus publishes on one channel per user and one per session.
type RedisBus struct {
	client     *redis.Client
	logger     *zap.Logger
	clock      func() time.Time
	bufferSize int
}

// NewRedisBus wraps a connected redis client.
func NewRedisBus(client *redis.Client, logger *zap.Logger) *RedisBus {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RedisBus{client: client, logger: logger, clock: time.Now, bufferSize: defaultLocalBuffer}
}

// Publish encodes the message and sends it on the target channel.
func (bus *RedisBus) Publish(ctx context.Context, target Target, message Message) error {
	if target.UserID == "" {
		return nil
	}
	payload, err := json.Marshal(stamp(target, message, bus.clock()))
	if err != nil {
		return err
	}
	return bus.client.Publish(ctx, ChannelName(target), payload).Err()
}

// Subscribe listens on the user channel and the session channel.
func (bus *RedisBus) Subscribe(ctx context.Context, userID string, sessionID string) (<-chan Message, func(), error) {
	channels := []string{ChannelName(Target{UserID: userID})}
	if sessionID != "" {
		channels = append(channels, ChannelName(Target{UserID: userID, SessionID: sessionID}))
	}
	subscription := bus.client.Subscribe(ctx, channels...)
	if _, err := subscription.Receive(ctx); err != nil {
		_ = subscription.Close()
		return nil, nil, fmt.Errorf("pubsub: redis subscribe: %w", err)
	}

	stream := make(chan Message, bus.bufferSize)
	var once sync.Once
	cleanup := func() {
		once.Do(func() {
			_ = subscription.Close()
		})
	}
	go func() {
		defer close(stream)
		for raw := range subscription.Channel() {
			var message Message
			if err := json.Unmarshal([]byte(raw.Payload), &message); err != nil {
				bus.logger.Warn("discarding malformed bus message", zap.String("channel", raw.Channel), zap.Error(err))
				continue
			}
			if !deliverableTo(message, sessionID) {
				continue
			}
			select {
			case stream <- message:
			default:
			}
		}
	}()
	go func() {
		<-ctx.Done()
		cleanup()
	}()
	return stream, cleanup, nil
}
