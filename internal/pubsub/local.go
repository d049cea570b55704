package pubsub

import (
	"context"
	"sync"
	"time"
)

const defaultLocalBuffer = 16

// LocalBus fans messages out to in-process subscribers. Publish never blocks;
// a subscriber with a full buffer misses the message and recovers by re-polling.
type LocalBus struct {
	mu          sync.RWMutex
	subscribers map[string]map[int64]*localSubscriber
	nextID      int64
	bufferSize  int
	clock       func() time.Time
}

type localSubscriber struct {
	id        int64
	sessionID string
	stream    chan Message
}

// NewLocalBus constructs an empty in-process bus.
func NewLocalBus() *LocalBus {
	return &LocalBus{
		subscribers: make(map[string]map[int64]*localSubscriber),
		bufferSize:  defaultLocalBuffer,
		clock:       time.Now,
	}
}

// Subscribe registers a session of userID until ctx ends or cleanup runs.
func (bus *LocalBus) Subscribe(ctx context.Context, userID string, sessionID string) (<-chan Message, func(), error) {
	if userID == "" {
		stream := make(chan Message)
		close(stream)
		return stream, func() {}, nil
	}
	subscriber := &localSubscriber{
		sessionID: sessionID,
		stream:    make(chan Message, bus.bufferSize),
	}
	bus.register(userID, subscriber)

	var once sync.Once
	cleanup := func() {
		once.Do(func() {
			bus.unregister(userID, subscriber.id)
		})
	}
	go func() {
		<-ctx.Done()
		cleanup()
	}()
	return subscriber.stream, cleanup, nil
}

// Publish delivers the message to matching subscribers without blocking.
func (bus *LocalBus) Publish(_ context.Context, target Target, message Message) error {
	if target.UserID == "" || message.Kind == "" {
		return nil
	}
	message = stamp(target, message, bus.clock())

	bus.mu.RLock()
	subscribers := bus.subscribers[target.UserID]
	copies := make([]*localSubscriber, 0, len(subscribers))
	for _, subscriber := range subscribers {
		copies = append(copies, subscriber)
	}
	bus.mu.RUnlock()

	for _, subscriber := range copies {
		if !deliverableTo(message, subscriber.sessionID) {
			continue
		}
		select {
		case subscriber.stream <- message:
		default:
		}
	}
	return nil
}

func (bus *LocalBus) register(userID string, subscriber *localSubscriber) {
	bus.mu.Lock()
	defer bus.mu.Unlock()
	bus.nextID++
	subscriber.id = bus.nextID
	if _, ok := bus.subscribers[userID]; !ok {
		bus.subscribers[userID] = make(map[int64]*localSubscriber)
	}
	bus.subscribers[userID][subscriber.id] = subscriber
}

func (bus *LocalBus) unregister(userID string, subscriberID int64) {
	bus.mu.Lock()
	defer bus.mu.Unlock()
	subscribers := bus.subscribers[userID]
	if subscribers == nil {
		return
	}
	delete(subscribers, subscriberID)
	if len(subscribers) == 0 {
		delete(bus.subscribers, userID)
	}
}
