package sessions

import (
	"errors"
	"fmt"
	"strings"
)

// Kind distinguishes the independent ratchets a device session keeps.
type Kind string

const (
	KindNotification Kind = "notification"
	KindContent      Kind = "content"
)

var (
	// ErrInvalidSessionKey indicates that a session key is missing required parts.
	ErrInvalidSessionKey = errors.New("sessions: invalid session key")
	// ErrSessionNotFound indicates that no session row exists for the key.
	ErrSessionNotFound = errors.New("sessions: session not found")
)

// Key addresses one encryption session row.
type Key struct {
	SessionID string
	Kind      Kind
}

// NewKey validates the session identifier and kind.
func NewKey(sessionID string, kind Kind) (Key, error) {
	trimmed := strings.TrimSpace(sessionID)
	if trimmed == "" {
		return Key{}, fmt.Errorf("%w: empty session id", ErrInvalidSessionKey)
	}
	switch kind {
	case KindNotification, KindContent:
	default:
		return Key{}, fmt.Errorf("%w: unknown kind %q", ErrInvalidSessionKey, kind)
	}
	return Key{SessionID: trimmed, Kind: kind}, nil
}

// String renders the key for logging.
func (key Key) String() string {
	return key.SessionID + "/" + string(key.Kind)
}

// Snapshot is a versioned read of serialized session state.
type Snapshot struct {
	State   []byte
	Version int64
}

// Session stores serialized ratchet state guarded by an optimistic version.
type Session struct {
	SessionID string `gorm:"column:session_id;primaryKey;size:190;not null"`
	Kind      string `gorm:"column:kind;primaryKey;size:32;not null"`
	State     []byte `gorm:"column:state;not null"`
	Version   int64  `gorm:"column:version;not null;default:0"`
}

// TableName provides the explicit table binding for GORM.
func (Session) TableName() string {
	return "encryption_sessions"
}
