package pubsub

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"
)

const defaultExchange = "courier.updates"

// AMQPBus routes messages through a topic exchange; each subscriber owns an exclusive queue.
type AMQPBus struct {
	conn     *amqp.Connection
	mu       sync.Mutex
	channel  *amqp.Channel
	exchange string
	logger   *zap.Logger
	clock    func() time.Time
}

// NewAMQPConnection dials the broker.
func NewAMQPConnection(url string) (*amqp.Connection, error) {
	return amqp.Dial(url)
}

// NewAMQPBus declares the exchange on a dedicated publishing channel.
func NewAMQPBus(conn *amqp.Connection, logger *zap.Logger) (*AMQPBus, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	channel, err := conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("pubsub: amqp channel: %w", err)
	}
	if err := channel.ExchangeDeclare(defaultExchange, "topic", true, false, false, false, nil); err != nil {
		_ = channel.Close()
		return nil, fmt.Errorf("pubsub: amqp exchange: %w", err)
	}
	return &AMQPBus{
		conn:     conn,
		channel:  channel,
		exchange: defaultExchange,
		logger:   logger,
		clock:    time.Now,
	}, nil
}

// Publish sends a transient JSON message routed by target.
func (bus *AMQPBus) Publish(ctx context.Context, target Target, message Message) error {
	if target.UserID == "" {
		return nil
	}
	body, err := json.Marshal(stamp(target, message, bus.clock()))
	if err != nil {
		return err
	}
	bus.mu.Lock()
	defer bus.mu.Unlock()
	return bus.channel.PublishWithContext(ctx, bus.exchange, RoutingKey(target), false, false, amqp.Publishing{
		ContentType: "application/json",
		Body:        body,
		Timestamp:   bus.clock(),
	})
}

// Subscribe binds an exclusive auto-delete queue to the user and session routing keys.
func (bus *AMQPBus) Subscribe(ctx context.Context, userID string, sessionID string) (<-chan Message, func(), error) {
	channel, err := bus.conn.Channel()
	if err != nil {
		return nil, nil, fmt.Errorf("pubsub: amqp channel: %w", err)
	}
	queue, err := channel.QueueDeclare("", false, true, true, false, nil)
	if err != nil {
		_ = channel.Close()
		return nil, nil, fmt.Errorf("pubsub: amqp queue: %w", err)
	}
	keys := []string{RoutingKey(Target{UserID: userID})}
	if sessionID != "" {
		keys = append(keys, RoutingKey(Target{UserID: userID, SessionID: sessionID}))
	}
	for _, key := range keys {
		if err := channel.QueueBind(queue.Name, key, bus.exchange, false, nil); err != nil {
			_ = channel.Close()
			return nil, nil, fmt.Errorf("pubsub: amqp bind %s: %w", key, err)
		}
	}
	deliveries, err := channel.ConsumeWithContext(ctx, queue.Name, "", true, true, false, false, nil)
	if err != nil {
		_ = channel.Close()
		return nil, nil, fmt.Errorf("pubsub: amqp consume: %w", err)
	}

	stream := make(chan Message, defaultLocalBuffer)
	var once sync.Once
	cleanup := func() {
		once.Do(func() {
			_ = channel.Close()
		})
	}
	go func() {
		defer close(stream)
		for delivery := range deliveries {
			var message Message
			if err := json.Unmarshal(delivery.Body, &message); err != nil {
				bus.logger.Warn("discarding malformed bus message", zap.String("routing_key", delivery.RoutingKey), zap.Error(err))
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

// Close releases the publishing channel.
func (bus *AMQPBus) Close() error {
	bus.mu.Lock()
	defer bus.mu.Unlock()
	return bus.channel.Close()
}
