package pubsub

import (
	"context"
	"strings"
	"time"
)

// Kind names the type of bus message.
type Kind string

const (
	KindNewUpdates  Kind = "NEW_UPDATES"
	KindNewMessages Kind = "NEW_MESSAGES"
)

const (
	channelPrefix = "courier:updates"
	routingUser   = "user"
	routingSess   = "session"
)

// Target addresses a user, or one session of that user.
type Target struct {
	UserID    string
	SessionID string
}

// Message is a best-effort signal that new state is available for re-polling.
type Message struct {
	Kind          Kind      `json:"kind"`
	UserID        string    `json:"user_id"`
	SessionID     string    `json:"session_id,omitempty"`
	IgnoreSession string    `json:"ignore_session,omitempty"`
	UpdateIDs     []string  `json:"update_ids,omitempty"`
	MessageIDs    []string  `json:"message_ids,omitempty"`
	PublishedAt   time.Time `json:"published_at"`
}

// Publisher sends messages to a bus target.
type Publisher interface {
	Publish(ctx context.Context, target Target, message Message) error
}

// Subscriber streams messages addressed to a user or to one of their sessions.
type Subscriber interface {
	Subscribe(ctx context.Context, userID string, sessionID string) (<-chan Message, func(), error)
}

// Bus is both ends of the pub/sub channel.
type Bus interface {
	Publisher
	Subscriber
}

// deliverableTo reports whether a subscriber bound to sessionID should see the message.
func deliverableTo(message Message, sessionID string) bool {
	if message.SessionID != "" && message.SessionID != sessionID {
		return false
	}
	if message.IgnoreSession != "" && message.IgnoreSession == sessionID {
		return false
	}
	return true
}

// stamp copies target addressing into the message.
func stamp(target Target, message Message, now time.Time) Message {
	message.UserID = target.UserID
	message.SessionID = target.SessionID
	if message.PublishedAt.IsZero() {
		message.PublishedAt = now.UTC()
	}
	return message
}

// ChannelName returns the redis channel for a target.
func ChannelName(target Target) string {
	if target.SessionID == "" {
		return strings.Join([]string{channelPrefix, routingUser, target.UserID}, ":")
	}
	return strings.Join([]string{channelPrefix, routingSess, target.UserID, target.SessionID}, ":")
}

// RoutingKey returns the AMQP topic routing key for a target.
func RoutingKey(target Target) string {
	if target.SessionID == "" {
		return routingUser + "." + escapeRoutingWord(target.UserID)
	}
	return routingSess + "." + escapeRoutingWord(target.UserID) + "." + escapeRoutingWord(target.SessionID)
}

func escapeRoutingWord(word string) string {
	return strings.NewReplacer(".", "_", "*", "_", "#", "_").Replace(word)
}
